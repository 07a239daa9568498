// Package audio accumulates inbound PCM audio per streaming session and
// decides when enough has buffered to justify a transcription pass.
//
// A [Buffer] belongs to exactly one owner (one streaming session). Audio is
// appended by Feed as normalised float32 samples; once the buffered duration
// crosses the soft threshold (routine cadence) or the hard threshold (forced
// flush under sustained speech), the buffer is atomically swapped for an
// empty one and the swapped-out block is handed to the processing pipeline
// on a separate goroutine.
//
// Only one processing pass may be in flight per buffer. A trigger that
// arrives while a pass is running is dropped outright, not queued, and the
// buffer keeps accumulating; the first feed after the pass completes flushes
// the whole backlog as one block. This bounds goroutine growth at the cost
// of occasionally delayed output.
package audio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProcessFunc consumes one swapped-out block of samples. It runs on its own
// goroutine and may block for the full duration of an inference call; the
// buffer guarantees the processing flag is cleared when it returns, whether
// or not it panicked into a recovered state upstream.
type ProcessFunc func(ctx context.Context, samples []float32)

// BufferConfig holds the per-buffer tunables.
type BufferConfig struct {
	// SampleRate of the inbound mono PCM16LE audio in Hz.
	SampleRate int

	// SoftThreshold triggers a pass under normal cadence.
	SoftThreshold time.Duration

	// HardThreshold is the backlog watermark for sustained speech. Must be
	// >= SoftThreshold. A backlog can only grow past the soft threshold
	// while a pass is in flight; crossing the hard threshold on top of
	// that is logged once per backlog, as it means inference is falling
	// behind the audio rate.
	HardThreshold time.Duration
}

// BufferStats is a snapshot of a buffer's counters, used for logging and
// metrics at session teardown.
type BufferStats struct {
	// Flushes counts dispatched processing passes.
	Flushes uint64

	// DroppedTriggers counts triggers suppressed because a pass was already
	// in flight.
	DroppedTriggers uint64
}

// Buffer accumulates audio for one owner. Safe for concurrent use; the
// common case is a single reader goroutine calling Feed while a processing
// goroutine drains swapped-out blocks.
type Buffer struct {
	cfg     BufferConfig
	process ProcessFunc

	mu      sync.Mutex
	samples []float32

	processing atomic.Bool
	hardWarned atomic.Bool
	wg         sync.WaitGroup

	flushes         atomic.Uint64
	droppedTriggers atomic.Uint64
}

// NewBuffer creates a buffer for one owner. process receives each
// swapped-out block; it must not be nil.
func NewBuffer(cfg BufferConfig, process ProcessFunc) *Buffer {
	return &Buffer{cfg: cfg, process: process}
}

// Feed appends a chunk of raw 16-bit little-endian signed mono PCM to the
// buffer and triggers a processing pass when a threshold is reached and no
// pass is currently running.
func (b *Buffer) Feed(ctx context.Context, pcm []byte) {
	samples := PCM16ToFloat32(pcm)

	b.mu.Lock()
	b.samples = append(b.samples, samples...)
	b.mu.Unlock()

	b.maybeProcess(ctx)
}

// maybeProcess dispatches a pass if a threshold is crossed and no pass is in
// flight. The buffer is swapped under the lock, so audio arriving during the
// pass accumulates into a fresh buffer rather than being lost or duplicated.
func (b *Buffer) maybeProcess(ctx context.Context) {
	b.mu.Lock()
	// The soft threshold alone decides dispatch: the hard threshold is
	// always >= soft, so every crossing of it has already crossed soft.
	// Sustained speech past the hard threshold is flushed as one backlog
	// block by the first feed after the in-flight pass ends.
	dur := SampleDuration(len(b.samples), b.cfg.SampleRate)
	if dur < b.cfg.SoftThreshold {
		b.mu.Unlock()
		return
	}

	if !b.processing.CompareAndSwap(false, true) {
		// A pass is already running for this owner: drop the trigger and
		// keep accumulating.
		b.mu.Unlock()
		b.droppedTriggers.Add(1)
		if dur >= b.cfg.HardThreshold && b.hardWarned.CompareAndSwap(false, true) {
			slog.Warn("audio backlog crossed hard threshold", "buffered", dur, "hard_threshold", b.cfg.HardThreshold)
		}
		return
	}

	block := b.samples
	b.samples = nil
	b.mu.Unlock()
	b.hardWarned.Store(false)

	b.flushes.Add(1)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.processing.Store(false)
		b.process(ctx, block)
	}()
}

// Duration returns the currently buffered audio duration.
func (b *Buffer) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return SampleDuration(len(b.samples), b.cfg.SampleRate)
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// Processing reports whether a pass is currently in flight.
func (b *Buffer) Processing() bool {
	return b.processing.Load()
}

// Wait blocks until any in-flight processing pass has completed. Used at
// session teardown and in tests.
func (b *Buffer) Wait() {
	b.wg.Wait()
}

// Stats returns a snapshot of the buffer's counters.
func (b *Buffer) Stats() BufferStats {
	return BufferStats{
		Flushes:         b.flushes.Load(),
		DroppedTriggers: b.droppedTriggers.Load(),
	}
}
