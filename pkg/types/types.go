// Package types defines the shared types used across all Skald packages.
//
// These types form the lingua franca between the audio buffers, the
// transcription engine, the session registry, and the streaming protocol
// handler. They are intentionally minimal — each package defines its own
// domain types, but cross-cutting data structures live here to avoid
// circular imports.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Transcript is a speech-to-text result: the recognised text of one
// inference pass, or the accumulated text of an utterance. Whether it is
// partial or final is decided by the protocol layer, not the engine, so it
// lives on the event kind rather than here.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// engine does not report confidence.
	Confidence float64
}

// EventKind discriminates the closed set of outbound events a streaming
// session can emit.
type EventKind string

const (
	EventPartial EventKind = "partial"
	EventFinal   EventKind = "final"
	EventStatus  EventKind = "status"
	EventError   EventKind = "error"
)

// Event is one outbound message on a streaming session. Exactly one of the
// variant constructors below should be used to build it; Kind selects the
// wire representation.
type Event struct {
	Kind EventKind

	// Text carries the transcript for partial and final events.
	Text string

	// Confidence carries the transcript confidence for partial and final
	// events. Zero means unreported and is omitted on the wire.
	Confidence float64

	// Timestamp marks when the event was produced. Partial and final events
	// serialise it as a Unix timestamp with millisecond precision.
	Timestamp time.Time

	// Recording and Transcribing carry the session flags for status events.
	Recording    bool
	Transcribing bool

	// Message carries the human-readable description for error events.
	Message string
}

// PartialEvent builds a partial-transcript event stamped with now.
func PartialEvent(t Transcript) Event {
	return Event{Kind: EventPartial, Text: t.Text, Confidence: t.Confidence, Timestamp: time.Now()}
}

// FinalEvent builds a final-transcript event stamped with now.
func FinalEvent(t Transcript) Event {
	return Event{Kind: EventFinal, Text: t.Text, Confidence: t.Confidence, Timestamp: time.Now()}
}

// StatusEvent builds a session-status event.
func StatusEvent(recording, transcribing bool) Event {
	return Event{Kind: EventStatus, Recording: recording, Transcribing: transcribing}
}

// ErrorEvent builds an error event with a human-readable message.
func ErrorEvent(message string) Event {
	return Event{Kind: EventError, Message: message}
}

// wire mirrors Event on the JSON wire protocol. Fields are pointers so that
// each event kind only serialises its own payload.
type wire struct {
	Type         EventKind `json:"type"`
	Text         *string   `json:"text,omitempty"`
	Confidence   *float64  `json:"confidence,omitempty"`
	Timestamp    *float64  `json:"timestamp,omitempty"`
	Recording    *bool     `json:"recording,omitempty"`
	Transcribing *bool     `json:"transcribing,omitempty"`
	Message      *string   `json:"message,omitempty"`
}

// MarshalJSON serialises the event with a "type" discriminator:
// partial {text, confidence?, timestamp}, final {text, confidence?,
// timestamp}, status {recording, transcribing}, error {message}.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wire{Type: e.Kind}
	switch e.Kind {
	case EventPartial, EventFinal:
		text := e.Text
		ts := float64(e.Timestamp.UnixMilli()) / 1000.0
		w.Text = &text
		w.Timestamp = &ts
		if e.Confidence > 0 {
			conf := e.Confidence
			w.Confidence = &conf
		}
	case EventStatus:
		rec, tr := e.Recording, e.Transcribing
		w.Recording = &rec
		w.Transcribing = &tr
	case EventError:
		msg := e.Message
		w.Message = &msg
	default:
		return nil, fmt.Errorf("types: unknown event kind %q", e.Kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes an event from its wire form. Used by tests and
// client tooling.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Kind = w.Type
	switch w.Type {
	case EventPartial, EventFinal:
		if w.Text != nil {
			e.Text = *w.Text
		}
		if w.Confidence != nil {
			e.Confidence = *w.Confidence
		}
		if w.Timestamp != nil {
			sec := int64(*w.Timestamp)
			nsec := int64((*w.Timestamp - float64(sec)) * 1e9)
			e.Timestamp = time.Unix(sec, nsec)
		}
	case EventStatus:
		if w.Recording != nil {
			e.Recording = *w.Recording
		}
		if w.Transcribing != nil {
			e.Transcribing = *w.Transcribing
		}
	case EventError:
		if w.Message != nil {
			e.Message = *w.Message
		}
	default:
		return fmt.Errorf("types: unknown event kind %q", w.Type)
	}
	return nil
}
