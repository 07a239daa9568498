// Package mock provides test doubles for the transcribe package.
package mock

import (
	"context"
	"sync"

	"github.com/skaldhq/skald/pkg/types"
)

// Recognizer is a mock transcribe.Recognizer that records calls and returns
// configurable results. Safe for concurrent use.
type Recognizer struct {
	mu sync.Mutex

	// TranscribeText and TranscribeConfidence form the transcript returned
	// by Transcribe when TranscribeErr is nil.
	TranscribeText       string
	TranscribeConfidence float64

	// TranscribeErr, when non-nil, is returned by every Transcribe call.
	TranscribeErr error

	// TranscribeFunc, when non-nil, overrides the canned result entirely.
	TranscribeFunc func(ctx context.Context, samples []float32) (types.Transcript, error)

	// TranscribeCalls records the sample blocks passed to Transcribe.
	TranscribeCalls [][]float32

	// CloseCalls counts Close invocations.
	CloseCalls int
}

// Transcribe records the call and returns the configured result.
func (r *Recognizer) Transcribe(ctx context.Context, samples []float32) (types.Transcript, error) {
	r.mu.Lock()
	r.TranscribeCalls = append(r.TranscribeCalls, samples)
	fn := r.TranscribeFunc
	res := types.Transcript{Text: r.TranscribeText, Confidence: r.TranscribeConfidence}
	err := r.TranscribeErr
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx, samples)
	}
	if err != nil {
		return types.Transcript{}, err
	}
	return res, nil
}

// Close counts the call and returns nil.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CloseCalls++
	return nil
}

// Calls returns a snapshot of recorded Transcribe calls.
func (r *Recognizer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.TranscribeCalls)
}
