// Package transcribe wraps a blocking speech-to-text model behind a bounded
// worker pool.
//
// The [Engine] is constructed once at application bootstrap and shared by
// every streaming session. The underlying model is loaded lazily on first
// use, guarded by a check-lock-check pattern so concurrent first callers
// share one initialization instead of racing to load the model twice. A
// failed initialization leaves the engine uninitialized so a later call can
// retry; a failed inference call is surfaced to the caller and leaves the
// engine fully usable for the next call.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/skaldhq/skald/internal/config"
	"github.com/skaldhq/skald/pkg/types"
)

// Sentinel errors for the two failure classes callers distinguish.
var (
	// ErrInitialization marks model/device setup failures. The engine stays
	// uninitialized after one, so the next Transcribe call retries setup.
	ErrInitialization = errors.New("initialization failed")

	// ErrInference marks a single failed transcription call. The engine
	// remains usable; the next audio chunk is an independent attempt.
	ErrInference = errors.New("inference failed")
)

// Recognizer runs one blocking inference pass over normalised mono samples.
// Implementations must be safe for concurrent use up to the engine's worker
// bound.
type Recognizer interface {
	// Transcribe returns the recognised transcript with surrounding
	// whitespace trimmed from the text, or an error. An empty text with a
	// nil error means the model heard nothing worth reporting.
	Transcribe(ctx context.Context, samples []float32) (types.Transcript, error)

	// Close releases the model.
	Close() error
}

// RecognizerFactory builds the recognizer during lazy initialization. The
// probed device is passed so the factory can configure precision.
type RecognizerFactory func(cfg config.TranscribeConfig, dev DeviceInfo) (Recognizer, error)

// Option is a functional option for [New].
type Option func(*Engine)

// WithRecognizerFactory overrides how the underlying model is constructed.
// Used by tests to inject a fake recognizer.
func WithRecognizerFactory(f RecognizerFactory) Option {
	return func(e *Engine) { e.newRecognizer = f }
}

// Engine dispatches transcription calls onto a bounded pool. One Engine
// serves the whole process; sessions serialize on it under load, which is
// acceptable for single-user or small-team deployments.
type Engine struct {
	cfg           config.TranscribeConfig
	newRecognizer RecognizerFactory
	sem           *semaphore.Weighted

	mu         sync.RWMutex
	recognizer Recognizer
	device     DeviceInfo
}

// New creates an Engine. The model is not loaded until the first Transcribe
// call (or an explicit [Engine.Initialize]).
func New(cfg config.TranscribeConfig, opts ...Option) *Engine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	e := &Engine{
		cfg:           cfg,
		newRecognizer: newWhisperRecognizer,
		sem:           semaphore.NewWeighted(int64(workers)),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Initialize loads the model if it is not loaded yet. Idempotent; concurrent
// callers share a single load. Returns an [ErrInitialization] error on
// failure and leaves the engine uninitialized so the next call retries.
func (e *Engine) Initialize(ctx context.Context) error {
	_, err := e.init(ctx)
	return err
}

// init is the check-lock-check initialization path.
func (e *Engine) init(ctx context.Context) (Recognizer, error) {
	e.mu.RLock()
	rec := e.recognizer
	e.mu.RUnlock()
	if rec != nil {
		return rec, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recognizer != nil {
		return e.recognizer, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dev := ProbeDevice(e.cfg.Device)
	start := time.Now()
	rec, err := e.newRecognizer(e.cfg, dev)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w: %w", ErrInitialization, err)
	}

	slog.Info("transcription model loaded",
		"model", e.cfg.ModelPath,
		"device", dev.Device,
		"precision", dev.Precision,
		"took", time.Since(start),
	)

	e.recognizer = rec
	e.device = dev
	return rec, nil
}

// Transcribe runs one inference pass over a block of normalised mono
// samples. The call blocks until a worker slot is free and inference
// completes; callers must invoke it off the connection-handling path. The
// returned transcript text has surrounding whitespace trimmed.
func (e *Engine) Transcribe(ctx context.Context, samples []float32) (types.Transcript, error) {
	rec, err := e.init(ctx)
	if err != nil {
		return types.Transcript{}, err
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return types.Transcript{}, fmt.Errorf("transcribe: acquire worker: %w", err)
	}
	defer e.sem.Release(1)

	tr, err := rec.Transcribe(ctx, samples)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("transcribe: %w: %w", ErrInference, err)
	}
	return tr, nil
}

// Ready reports whether the model has been loaded.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.recognizer != nil
}

// Device returns the probed execution device. The zero value is returned
// until initialization has happened.
func (e *Engine) Device() DeviceInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.device
}

// Close releases the loaded model, if any. The engine must not be used
// after Close.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recognizer == nil {
		return nil
	}
	err := e.recognizer.Close()
	e.recognizer = nil
	return err
}
