// Package session owns the lifecycle of streaming transcription sessions.
//
// A session exists independently of any transport connection: it is created
// through the session-creation endpoint before the client dials in, buffers
// outbound events until a connection attaches, and survives until it is
// removed on disconnect or reaped by the expiry sweep. The [Registry]
// exclusively owns all session records; other packages hold only session
// ids and mutate state through registry methods.
//
// Concurrency discipline: the registry map is guarded by one mutex, and each
// session record carries its own mutex, so concurrent sessions never contend
// on each other's state and no cross-session lock exists.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skaldhq/skald/pkg/types"
)

// Sentinel errors.
var (
	// ErrNotFound is terminal for a connection attempt: the caller must
	// create a new session through the session endpoint, there is no retry.
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyAttached rejects a second attach; re-attachment is not
	// supported.
	ErrAlreadyAttached = errors.New("session already has a connection attached")
)

// Conn is the transport handle attached to a session. The websocket server
// provides the real implementation; tests use a mock.
type Conn interface {
	// Deliver sends one outbound event. Best effort: a failure is logged by
	// the registry, never retried or re-queued.
	Deliver(ctx context.Context, ev types.Event) error

	// Close closes the underlying transport.
	Close() error
}

// record is one owned session. All fields behind mu.
type record struct {
	mu sync.Mutex

	id           string
	callerID     string
	modelVariant string
	createdAt    time.Time

	conn     Conn
	attached bool // set on first Attach, never cleared

	recording    bool
	transcribing bool

	finalText   string
	partialText string
	partialConf float64
	lastError   string

	queue []types.Event
}

// Snapshot is a read-only copy of a session's state.
type Snapshot struct {
	ID           string
	CallerID     string
	ModelVariant string
	CreatedAt    time.Time
	Attached     bool
	Recording    bool
	Transcribing bool
	FinalText    string
	PartialText  string

	// PartialConfidence is the confidence of the pending partial
	// transcript. Zero when unreported or no partial is pending.
	PartialConfidence float64

	LastError string
	QueueLen  int
}

// Config holds the registry housekeeping tunables.
type Config struct {
	// Expiry is the idle timeout, from creation, after which the sweep
	// removes a session regardless of activity recency.
	Expiry time.Duration

	// SweepInterval is how often the sweep runs.
	SweepInterval time.Duration
}

// Option is a functional option for [NewRegistry].
type Option func(*Registry)

// WithClock overrides the registry's time source. Used by tests to age
// sessions without sleeping.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithGauge installs a callback invoked with +1 when a session is created
// and -1 when one is removed, including removals by the expiry sweep. Used
// to keep an active-sessions metric accurate.
func WithGauge(gauge func(delta int64)) Option {
	return func(r *Registry) { r.gauge = gauge }
}

// Registry creates, looks up, attaches connections to, and expires sessions.
// All methods are safe for concurrent use.
type Registry struct {
	cfg   Config
	now   func() time.Time
	gauge func(delta int64)

	mu       sync.RWMutex
	sessions map[string]*record

	sweepOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// NewRegistry creates an empty registry. The expiry sweep is not started
// until the first session is created.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*record),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create generates a fresh unique session id, stores a new session for the
// caller, and — on first use only — starts the background expiry sweep.
func (r *Registry) Create(callerID, modelVariant string) string {
	id := uuid.NewString()
	rec := &record{
		id:           id,
		callerID:     callerID,
		modelVariant: modelVariant,
		createdAt:    r.now(),
	}

	r.mu.Lock()
	r.sessions[id] = rec
	r.mu.Unlock()

	r.sweepOnce.Do(func() {
		go r.sweepLoop()
	})
	if r.gauge != nil {
		r.gauge(1)
	}

	slog.Debug("session created", "session_id", id, "caller_id", callerID, "model", modelVariant)
	return id
}

// Get returns a snapshot of the session, or ErrNotFound.
func (r *Registry) Get(id string) (Snapshot, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return Snapshot{
		ID:                rec.id,
		CallerID:          rec.callerID,
		ModelVariant:      rec.modelVariant,
		CreatedAt:         rec.createdAt,
		Attached:          rec.attached,
		Recording:         rec.recording,
		Transcribing:      rec.transcribing,
		FinalText:         rec.finalText,
		PartialText:       rec.partialText,
		PartialConfidence: rec.partialConf,
		LastError:         rec.lastError,
		QueueLen:          len(rec.queue),
	}, nil
}

// Attach records the connection on the session and flushes any queued
// outbound events to it in original FIFO order, exactly once. A session can
// be attached exactly once; re-attachment returns ErrAlreadyAttached.
func (r *Registry) Attach(ctx context.Context, id string, conn Conn) error {
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	if rec.attached {
		rec.mu.Unlock()
		return ErrAlreadyAttached
	}
	rec.attached = true
	rec.conn = conn
	queued := rec.queue
	rec.queue = nil
	rec.mu.Unlock()

	for _, ev := range queued {
		if err := conn.Deliver(ctx, ev); err != nil {
			slog.Warn("session: queued event delivery failed", "session_id", id, "kind", ev.Kind, "err", err)
		}
	}
	if len(queued) > 0 {
		slog.Debug("session: flushed outbound queue", "session_id", id, "events", len(queued))
	}
	return nil
}

// Send delivers an event to the session's connection when one is attached,
// best effort; otherwise the event is appended to the outbound queue for
// delivery at attach time.
func (r *Registry) Send(ctx context.Context, id string, ev types.Event) error {
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	conn := rec.conn
	if conn == nil {
		rec.queue = append(rec.queue, ev)
		rec.mu.Unlock()
		return nil
	}
	rec.mu.Unlock()

	if err := conn.Deliver(ctx, ev); err != nil {
		slog.Warn("session: event delivery failed", "session_id", id, "kind", ev.Kind, "err", err)
	}
	return nil
}

// Remove closes the attached connection, tolerating close failure, and
// deletes the session record.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	rec, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if r.gauge != nil {
		r.gauge(-1)
	}

	rec.mu.Lock()
	conn := rec.conn
	rec.conn = nil
	rec.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			slog.Debug("session: connection close failed during removal", "session_id", id, "err", err)
		}
	}

	slog.Debug("session removed", "session_id", id)
	return nil
}

// SetFlags updates the recording/transcribing flags and emits a status
// event through the normal delivery path (queued when no connection is
// attached yet).
func (r *Registry) SetFlags(ctx context.Context, id string, recording, transcribing bool) error {
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	rec.recording = recording
	rec.transcribing = transcribing
	rec.mu.Unlock()

	return r.Send(ctx, id, types.StatusEvent(recording, transcribing))
}

// SetPartial records the latest partial transcript text and its confidence.
func (r *Registry) SetPartial(id, text string, confidence float64) error {
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	rec.partialText = text
	rec.partialConf = confidence
	rec.mu.Unlock()
	return nil
}

// AppendFinal folds settled transcript text into the session's accumulated
// transcript and clears the superseded partial.
func (r *Registry) AppendFinal(id, text string) error {
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	if rec.finalText == "" {
		rec.finalText = text
	} else {
		rec.finalText += " " + text
	}
	rec.partialText = ""
	rec.partialConf = 0
	rec.mu.Unlock()
	return nil
}

// SetError records the most recent error message on the session.
func (r *Registry) SetError(id, message string) error {
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	rec.lastError = message
	rec.mu.Unlock()
	return nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close stops the expiry sweep and removes every session, closing attached
// connections. Safe to call more than once.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.Remove(id)
	}
	return nil
}

// lookup returns the live record for id.
func (r *Registry) lookup(id string) (*record, error) {
	r.mu.RLock()
	rec, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// sweepLoop runs the periodic expiry sweep until Close.
func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep removes every session older than the expiry timeout, measured from
// creation. Exported so tests and operational tooling can trigger a tick
// directly.
func (r *Registry) Sweep() {
	cutoff := r.now().Add(-r.cfg.Expiry)

	r.mu.RLock()
	var expired []string
	for id, rec := range r.sessions {
		rec.mu.Lock()
		created := rec.createdAt
		rec.mu.Unlock()
		if created.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		if err := r.Remove(id); err == nil {
			slog.Info("session expired", "session_id", id, "expiry", r.cfg.Expiry)
		}
	}
}
