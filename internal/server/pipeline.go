package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/skaldhq/skald/internal/observe"
	"github.com/skaldhq/skald/internal/session"
	"github.com/skaldhq/skald/internal/transcribe"
	"github.com/skaldhq/skald/internal/vad"
	"github.com/skaldhq/skald/pkg/types"
)

// Pipeline takes one buffered audio block from gate to transcript events.
// Accepted blocks extend the session's partial transcript; a rejected
// (silent) block ends the utterance and settles the partial into a final.
// Per-session ordering holds because each session's buffer never runs two
// processing passes at once.
type Pipeline struct {
	gate     *vad.Gate
	engine   *transcribe.Engine
	registry *session.Registry
	metrics  *observe.Metrics
}

// NewPipeline wires the block-processing path. gate may be nil, in which
// case every block is transcribed and utterances only settle at stream end.
func NewPipeline(gate *vad.Gate, engine *transcribe.Engine, registry *session.Registry, metrics *observe.Metrics) *Pipeline {
	return &Pipeline{
		gate:     gate,
		engine:   engine,
		registry: registry,
		metrics:  metrics,
	}
}

// Process handles one buffered block for the session. Transcription
// failures are absorbed: the error is recorded on the session and surfaced
// as an error event, and the next block is an independent attempt.
// Cancellation during stream teardown is not treated as a failure.
func (p *Pipeline) Process(ctx context.Context, id string, samples []float32) {
	if !p.gate.Accepts(samples) {
		if p.metrics != nil {
			p.metrics.GateRejects.Add(ctx, 1)
		}
		p.Finalize(ctx, id)
		return
	}

	_ = p.registry.SetFlags(ctx, id, true, true)
	start := time.Now()
	tr, err := p.engine.Transcribe(ctx, samples)
	elapsed := time.Since(start).Seconds()
	_ = p.registry.SetFlags(ctx, id, true, false)

	if err != nil {
		p.metrics.RecordTranscribe(ctx, elapsed, errKind(err))
		if errors.Is(err, context.Canceled) {
			// The stream is being torn down, not a transcription failure.
			slog.Debug("transcription pass canceled", "session_id", id)
			return
		}
		slog.Warn("transcription pass failed", "session_id", id, "err", err)
		_ = p.registry.SetError(id, err.Error())
		_ = p.registry.Send(ctx, id, types.ErrorEvent("transcription failed"))
		return
	}
	p.metrics.RecordTranscribe(ctx, elapsed, "")

	if tr.Text == "" {
		return
	}

	snap, err := p.registry.Get(id)
	if err != nil {
		// Session expired mid-pass; nothing to deliver to.
		return
	}
	partial := tr
	if snap.PartialText != "" {
		partial.Text = snap.PartialText + " " + tr.Text
		// An utterance is reported as confident as its weakest pass.
		if snap.PartialConfidence > 0 && (partial.Confidence == 0 || snap.PartialConfidence < partial.Confidence) {
			partial.Confidence = snap.PartialConfidence
		}
	}
	_ = p.registry.SetPartial(id, partial.Text, partial.Confidence)
	_ = p.registry.Send(ctx, id, types.PartialEvent(partial))
}

// Finalize settles the session's accumulated partial transcript into the
// final transcript and emits a final event. A no-op when no partial is
// pending, so it is safe to call at both silence boundaries and stream end.
func (p *Pipeline) Finalize(ctx context.Context, id string) {
	snap, err := p.registry.Get(id)
	if err != nil || snap.PartialText == "" {
		return
	}
	_ = p.registry.AppendFinal(id, snap.PartialText)
	_ = p.registry.Send(ctx, id, types.FinalEvent(types.Transcript{
		Text:       snap.PartialText,
		Confidence: snap.PartialConfidence,
	}))
}

// errKind maps a transcription error to a metric attribute value.
func errKind(err error) string {
	switch {
	case errors.Is(err, transcribe.ErrInitialization):
		return "initialization"
	case errors.Is(err, transcribe.ErrInference):
		return "inference"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
