// Package config provides the configuration schema and loader for the Skald
// streaming transcription server.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings in Go
// duration syntax, e.g. "2s" or "30m".
type Duration time.Duration

// Std returns the value as a standard time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// LogLevel controls log verbosity for the Skald server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Device selects the execution device for transcription inference.
type Device string

const (
	// DeviceAuto probes for an accelerator and falls back to CPU.
	DeviceAuto Device = "auto"

	// DeviceCPU forces CPU inference with float32 precision.
	DeviceCPU Device = "cpu"

	// DeviceCUDA forces GPU inference with float16 precision.
	DeviceCUDA Device = "cuda"
)

// IsValid reports whether d is a recognised device selector.
func (d Device) IsValid() bool {
	switch d {
	case DeviceAuto, DeviceCPU, DeviceCUDA:
		return true
	}
	return false
}

// Config is the root configuration structure for Skald.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Audio      AudioConfig      `yaml:"audio"`
	VAD        VADConfig        `yaml:"vad"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Session    SessionConfig    `yaml:"session"`
}

// ServerConfig holds network and logging settings for the Skald server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig holds the inbound audio format and buffering thresholds.
type AudioConfig struct {
	// SampleRate is the declared sample rate of inbound PCM16LE mono audio
	// in Hz. All connected clients must send audio at this rate.
	SampleRate int `yaml:"sample_rate"`

	// SoftThreshold is the buffered duration at which a transcription pass
	// is triggered under normal cadence.
	SoftThreshold Duration `yaml:"soft_threshold"`

	// HardThreshold is the buffered duration at which a flush is forced
	// during sustained speech. Must be >= SoftThreshold.
	HardThreshold Duration `yaml:"hard_threshold"`
}

// VADConfig tunes the voice-activity gate that sits in front of inference.
type VADConfig struct {
	// Enabled turns the gate on. When false every buffered block goes
	// straight to the transcription engine.
	Enabled bool `yaml:"enabled"`

	// FrameMs is the per-frame classification window in milliseconds.
	FrameMs int `yaml:"frame_ms"`

	// EnergyThreshold is the RMS level (in 16-bit PCM units, 0–32767) above
	// which a frame counts as speech.
	EnergyThreshold float64 `yaml:"energy_threshold"`

	// SpeechRatio is the minimum fraction of speech frames for a block to
	// be accepted. Tuned low on purpose: dropping real speech is worse than
	// occasionally transcribing silence.
	SpeechRatio float64 `yaml:"speech_ratio"`
}

// TranscribeConfig configures the whisper.cpp transcription engine.
type TranscribeConfig struct {
	// ModelPath is the path to the ggml whisper model file.
	ModelPath string `yaml:"model_path"`

	// Language is the BCP-47 language code for recognition (e.g., "en").
	Language string `yaml:"language"`

	// Device selects the inference device. Defaults to auto.
	Device Device `yaml:"device"`

	// Workers bounds how many inference calls may run concurrently.
	Workers int `yaml:"workers"`
}

// SessionConfig controls session lifecycle housekeeping.
type SessionConfig struct {
	// Expiry is the idle timeout after which a session is removed by the
	// sweep, measured from creation.
	Expiry Duration `yaml:"expiry"`

	// SweepInterval is how often the expiry sweep runs.
	SweepInterval Duration `yaml:"sweep_interval"`
}

// Defaults for every tunable; applied by [ApplyDefaults] before validation.
const (
	DefaultListenAddr    = ":8080"
	DefaultSampleRate    = 16000
	DefaultSoftThreshold = Duration(2 * time.Second)
	DefaultHardThreshold = Duration(5 * time.Second)
	DefaultFrameMs       = 30
	DefaultEnergyLevel   = 300.0
	DefaultSpeechRatio   = 0.3
	DefaultWorkers       = 2
	DefaultExpiry        = Duration(30 * time.Minute)
	DefaultSweepInterval = Duration(60 * time.Second)
)

// ApplyDefaults fills zero-valued fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.SoftThreshold == 0 {
		cfg.Audio.SoftThreshold = DefaultSoftThreshold
	}
	if cfg.Audio.HardThreshold == 0 {
		cfg.Audio.HardThreshold = DefaultHardThreshold
	}
	if cfg.VAD.FrameMs == 0 {
		cfg.VAD.FrameMs = DefaultFrameMs
	}
	if cfg.VAD.EnergyThreshold == 0 {
		cfg.VAD.EnergyThreshold = DefaultEnergyLevel
	}
	if cfg.VAD.SpeechRatio == 0 {
		cfg.VAD.SpeechRatio = DefaultSpeechRatio
	}
	if cfg.Transcribe.Device == "" {
		cfg.Transcribe.Device = DeviceAuto
	}
	if cfg.Transcribe.Workers == 0 {
		cfg.Transcribe.Workers = DefaultWorkers
	}
	if cfg.Session.Expiry == 0 {
		cfg.Session.Expiry = DefaultExpiry
	}
	if cfg.Session.SweepInterval == 0 {
		cfg.Session.SweepInterval = DefaultSweepInterval
	}
}
