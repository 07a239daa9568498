// This file contains the whisper.cpp-backed Recognizer using the CGO Go
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.

package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/skaldhq/skald/internal/config"
	"github.com/skaldhq/skald/pkg/types"
)

// Compile-time assertion that whisperRecognizer satisfies Recognizer.
var _ Recognizer = (*whisperRecognizer)(nil)

// whisperRecognizer loads a ggml whisper model once and creates a fresh
// whisper context per inference call. Contexts are NOT thread-safe but the
// model can be shared across goroutines, so concurrent calls up to the
// engine's worker bound are fine.
type whisperRecognizer struct {
	model    whisperlib.Model
	language string
}

// newWhisperRecognizer is the default RecognizerFactory.
func newWhisperRecognizer(cfg config.TranscribeConfig, _ DeviceInfo) (Recognizer, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("whisper: model_path must not be empty")
	}
	model, err := whisperlib.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", cfg.ModelPath, err)
	}
	return &whisperRecognizer{model: model, language: cfg.Language}, nil
}

// Transcribe runs whisper.cpp inference over the samples and returns the
// concatenated segments with surrounding whitespace trimmed. Confidence is
// the mean token probability across all segments.
func (r *whisperRecognizer) Transcribe(ctx context.Context, samples []float32) (types.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return types.Transcript{}, err
	}

	wctx, err := r.model.NewContext()
	if err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: create context: %w", err)
	}

	if r.language != "" {
		if err := wctx.SetLanguage(r.language); err != nil {
			slog.Warn("whisper: failed to set language, using default", "language", r.language, "err", err)
		}
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	var probSum float64
	var tokens int
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return types.Transcript{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
		for _, tok := range segment.Tokens {
			probSum += float64(tok.P)
			tokens++
		}
	}

	tr := types.Transcript{Text: strings.Join(parts, " ")}
	if tokens > 0 {
		tr.Confidence = probSum / float64(tokens)
	}
	return tr, nil
}

// Close releases the whisper model.
func (r *whisperRecognizer) Close() error {
	if r.model != nil {
		return r.model.Close()
	}
	return nil
}
