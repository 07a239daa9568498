// Package vad implements the voice-activity gate that sits in front of
// transcription inference.
//
// The gate is a cheap pre-filter: it quantizes a buffered block of
// normalised samples back to 16-bit PCM, splits it into fixed-length frames,
// classifies each frame speech/non-speech, and accepts the block when the
// speech-frame fraction exceeds a permissive threshold. The threshold is
// tuned low on purpose — dropping real speech is worse than occasionally
// transcribing silence.
//
// Failure policy is fail open in both directions: a nil *Gate accepts every
// block (gate absent), and a Gate whose classifier errors also accepts
// (classifier broken). The two cases are distinguished only in logs and
// metrics, never in behaviour.
package vad

import (
	"log/slog"
	"math"

	"github.com/skaldhq/skald/internal/audio"
)

// Classifier decides speech/non-speech for one fixed-size frame of 16-bit
// PCM samples. Implementations must be safe for concurrent use; the gate may
// be shared across sessions.
type Classifier interface {
	// IsSpeech classifies a single frame. An error means the classifier
	// itself failed, not that the frame is silence.
	IsSpeech(frame []int16) (bool, error)
}

// EnergyClassifier is the default frame classifier: root-mean-square energy
// of the frame, in 16-bit PCM units, against a fixed threshold. The maximum
// possible value for 16-bit audio is 32767; 300 corresponds to near-silence.
type EnergyClassifier struct {
	// Threshold is the RMS level above which a frame counts as speech.
	Threshold float64
}

// IsSpeech reports whether the frame's RMS energy exceeds the threshold.
func (c *EnergyClassifier) IsSpeech(frame []int16) (bool, error) {
	if len(frame) == 0 {
		return false, nil
	}
	var sum float64
	for _, s := range frame {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	return rms >= c.Threshold, nil
}

// GateConfig holds the gate tunables. Exposed verbatim through the
// capability endpoint.
type GateConfig struct {
	// SampleRate of the sample blocks passed to Accepts, in Hz.
	SampleRate int

	// FrameMs is the per-frame classification window in milliseconds.
	FrameMs int

	// SpeechRatio is the minimum speech-frame fraction for acceptance.
	SpeechRatio float64
}

// Gate gates buffered audio blocks before inference. A nil *Gate accepts
// everything; construct one only when gating is enabled.
type Gate struct {
	cfg        GateConfig
	classifier Classifier
}

// NewGate creates a gate with the given frame classifier. classifier must
// not be nil; to disable gating use a nil *Gate instead.
func NewGate(cfg GateConfig, classifier Classifier) *Gate {
	return &Gate{cfg: cfg, classifier: classifier}
}

// Config returns the gate's tuning parameters. Safe on a nil receiver,
// which returns the zero config.
func (g *Gate) Config() GateConfig {
	if g == nil {
		return GateConfig{}
	}
	return g.cfg
}

// Accepts reports whether the block plausibly contains speech. Blocks
// shorter than one frame, classifier failures, and a nil gate all accept:
// the pipeline degrades to "always attempt transcription" rather than
// silently discarding audio.
func (g *Gate) Accepts(samples []float32) bool {
	if g == nil {
		return true
	}

	frameLen := g.cfg.SampleRate * g.cfg.FrameMs / 1000
	if frameLen <= 0 || len(samples) < frameLen {
		return true
	}

	pcm := audio.Float32ToPCM16(samples)

	total := len(pcm) / frameLen
	speech := 0
	for i := range total {
		frame := pcm[i*frameLen : (i+1)*frameLen]
		ok, err := g.classifier.IsSpeech(frame)
		if err != nil {
			slog.Warn("vad: classifier failed, accepting block", "err", err)
			return true
		}
		if ok {
			speech++
		}
	}

	ratio := float64(speech) / float64(total)
	return ratio > g.cfg.SpeechRatio
}
