package server

import (
	"context"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/skaldhq/skald/internal/audio"
	"github.com/skaldhq/skald/internal/observe"
	"github.com/skaldhq/skald/internal/session"
	"github.com/skaldhq/skald/pkg/types"
)

// State is a streaming connection's lifecycle position.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// stream drives one websocket connection through
// CONNECTING → ACTIVE → CLOSING → CLOSED. All transitions happen on the
// connection's handler goroutine; processing passes run on buffer
// goroutines and never touch the state.
type stream struct {
	id       string
	raw      *websocket.Conn
	conn     *wsConn
	registry *session.Registry
	pipeline *Pipeline
	metrics  *observe.Metrics
	bufCfg   audio.BufferConfig

	state atomic.Int32

	// procCtx governs buffer processing passes; cancelled on close so a
	// queued pass aborts instead of running against a removed session.
	procCtx    context.Context
	procCancel context.CancelFunc
}

func newStream(id string, raw *websocket.Conn, srv *Server) *stream {
	procCtx, procCancel := context.WithCancel(context.Background())
	return &stream{
		id:       id,
		raw:      raw,
		conn:     newWSConn(raw),
		registry: srv.registry,
		pipeline: srv.pipeline,
		metrics:  srv.metrics,
		bufCfg: audio.BufferConfig{
			SampleRate:    srv.cfg.Audio.SampleRate,
			SoftThreshold: srv.cfg.Audio.SoftThreshold.Std(),
			HardThreshold: srv.cfg.Audio.HardThreshold.Std(),
		},
		procCtx:    procCtx,
		procCancel: procCancel,
	}
}

// State reports the current lifecycle position.
func (st *stream) State() State {
	return State(st.state.Load())
}

// run executes the state machine until the connection closes. It returns
// with the stream in StateClosed and the session removed, except when the
// session id was unknown, in which case no session state ever existed.
func (st *stream) run(ctx context.Context) {
	// CONNECTING: the session must already exist. An unknown id is
	// terminal; the caller has to create a new session first.
	if _, err := st.registry.Get(st.id); err != nil {
		_ = st.conn.Deliver(ctx, types.ErrorEvent("unknown session: "+st.id))
		st.raw.Close(websocket.StatusPolicyViolation, "unknown session")
		st.state.Store(int32(StateClosed))
		return
	}

	if err := st.registry.Attach(ctx, st.id, st.conn); err != nil {
		_ = st.conn.Deliver(ctx, types.ErrorEvent("attach rejected: "+err.Error()))
		st.raw.Close(websocket.StatusPolicyViolation, "attach rejected")
		st.state.Store(int32(StateClosed))
		return
	}

	st.state.Store(int32(StateActive))
	if st.metrics != nil {
		st.metrics.ActiveStreams.Add(ctx, 1)
		defer st.metrics.ActiveStreams.Add(context.WithoutCancel(ctx), -1)
	}

	_ = st.registry.SetFlags(ctx, st.id, true, false)

	buf := audio.NewBuffer(st.bufCfg, func(ctx context.Context, samples []float32) {
		st.pipeline.Process(ctx, st.id, samples)
	})

	// ACTIVE: forward binary frames into the buffer until the connection
	// goes away. Read errors of any kind end the stream; an abnormal one
	// additionally produces a best-effort error event.
	for {
		typ, data, err := st.raw.Read(ctx)
		if err != nil {
			if !isExpectedClose(ctx, err) {
				if st.metrics != nil {
					st.metrics.ConnectionErrors.Add(ctx, 1)
				}
				_ = st.registry.Send(ctx, st.id, types.ErrorEvent("connection error"))
			}
			break
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if st.metrics != nil {
			st.metrics.AudioBytes.Add(ctx, int64(len(data)))
		}
		buf.Feed(st.procCtx, data)
	}

	st.close(context.WithoutCancel(ctx), buf)
}

// close runs the CLOSING phase: abort queued passes, wait out the in-flight
// one, settle any pending partial, and remove the session (which also
// closes the connection).
func (st *stream) close(ctx context.Context, buf *audio.Buffer) {
	st.state.Store(int32(StateClosing))

	st.procCancel()
	buf.Wait()
	st.pipeline.Finalize(ctx, st.id)

	if st.metrics != nil {
		stats := buf.Stats()
		st.metrics.BufferFlushes.Add(ctx, int64(stats.Flushes))
		st.metrics.DroppedTriggers.Add(ctx, int64(stats.DroppedTriggers))
	}

	_ = st.registry.SetFlags(ctx, st.id, false, false)
	_ = st.registry.Remove(st.id)

	st.state.Store(int32(StateClosed))
}

// isExpectedClose reports whether the read error is an ordinary end of
// stream rather than a transport fault.
func isExpectedClose(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
