package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.SoftThreshold <= 0 {
		errs = append(errs, fmt.Errorf("audio.soft_threshold must be positive, got %v", cfg.Audio.SoftThreshold))
	}
	if cfg.Audio.HardThreshold < cfg.Audio.SoftThreshold {
		errs = append(errs, fmt.Errorf("audio.hard_threshold %v must be >= audio.soft_threshold %v", cfg.Audio.HardThreshold, cfg.Audio.SoftThreshold))
	}

	if cfg.VAD.FrameMs <= 0 {
		errs = append(errs, fmt.Errorf("vad.frame_ms must be positive, got %d", cfg.VAD.FrameMs))
	}
	if cfg.VAD.SpeechRatio < 0 || cfg.VAD.SpeechRatio > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_ratio must be in [0, 1], got %v", cfg.VAD.SpeechRatio))
	}
	if cfg.VAD.EnergyThreshold < 0 {
		errs = append(errs, fmt.Errorf("vad.energy_threshold must not be negative, got %v", cfg.VAD.EnergyThreshold))
	}

	if !cfg.Transcribe.Device.IsValid() {
		errs = append(errs, fmt.Errorf("transcribe.device %q is invalid; valid values: auto, cpu, cuda", cfg.Transcribe.Device))
	}
	if cfg.Transcribe.Workers <= 0 {
		errs = append(errs, fmt.Errorf("transcribe.workers must be positive, got %d", cfg.Transcribe.Workers))
	}

	if cfg.Session.Expiry <= 0 {
		errs = append(errs, fmt.Errorf("session.expiry must be positive, got %v", cfg.Session.Expiry))
	}
	if cfg.Session.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("session.sweep_interval must be positive, got %v", cfg.Session.SweepInterval))
	}

	return errors.Join(errs...)
}
