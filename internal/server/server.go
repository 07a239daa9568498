// Package server exposes the Skald streaming transcription service over
// HTTP: a websocket streaming endpoint per session, a session-creation
// endpoint, capability introspection, and the operational surface
// (health, readiness, metrics).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skaldhq/skald/internal/config"
	"github.com/skaldhq/skald/internal/health"
	"github.com/skaldhq/skald/internal/observe"
	"github.com/skaldhq/skald/internal/session"
	"github.com/skaldhq/skald/internal/transcribe"
	"github.com/skaldhq/skald/internal/vad"
)

// Option is a functional option for [New].
type Option func(*Server)

// WithEntitlements replaces the default permissive entitlement check.
func WithEntitlements(e Entitlements) Option {
	return func(s *Server) { s.entitlements = e }
}

// WithMetrics attaches service metrics. Without it the server runs
// unmetered, which tests rely on.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithGate overrides the voice-activity gate built from config. Passing
// nil disables gating regardless of config.
func WithGate(g *vad.Gate) Option {
	return func(s *Server) {
		s.gate = g
		s.gateSet = true
	}
}

// Server wires the session registry, the audio pipeline, and the
// transcription engine behind the HTTP surface.
type Server struct {
	cfg      config.Config
	registry *session.Registry
	engine   *transcribe.Engine
	gate     *vad.Gate
	gateSet  bool
	pipeline *Pipeline
	metrics  *observe.Metrics

	entitlements Entitlements
	health       *health.Handler
}

// New assembles a Server from its collaborators. registry and engine are
// owned by the caller; the server never closes them.
func New(cfg config.Config, registry *session.Registry, engine *transcribe.Engine, opts ...Option) *Server {
	s := &Server{
		cfg:          cfg,
		registry:     registry,
		engine:       engine,
		entitlements: StaticEntitlements{Variant: "standard"},
	}
	for _, o := range opts {
		o(s)
	}

	if !s.gateSet && cfg.VAD.Enabled {
		s.gate = vad.NewGate(vad.GateConfig{
			SampleRate:  cfg.Audio.SampleRate,
			FrameMs:     cfg.VAD.FrameMs,
			SpeechRatio: cfg.VAD.SpeechRatio,
		}, &vad.EnergyClassifier{Threshold: cfg.VAD.EnergyThreshold})
	}

	s.pipeline = NewPipeline(s.gate, engine, registry, s.metrics)
	s.health = health.New(health.Check{Name: "model", Probe: s.checkModel})
	return s
}

// Handler returns the routed HTTP handler for the whole service, wrapped in
// the tracing and request-duration middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/stream/{session_id}", s.handleStream)
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/capabilities", s.handleCapabilities)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.health.Register(mux)
	return observe.Middleware(s.metrics)(mux)
}

// handleStream upgrades the connection and hands it to the per-connection
// state machine. The handler returns once the stream reaches CLOSED.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "session_id", id, "err", err)
		if s.metrics != nil {
			s.metrics.ConnectionErrors.Add(r.Context(), 1)
		}
		return
	}

	slog.Info("stream opened", "session_id", id, "remote", r.RemoteAddr)
	st := newStream(id, conn, s)
	st.run(r.Context())
	slog.Info("stream closed", "session_id", id)
}

type createSessionRequest struct {
	CallerID string `json:"caller_id"`
}

type createSessionResponse struct {
	SessionID    string `json:"session_id"`
	ModelVariant string `json:"model_variant"`
}

// handleCreateSession creates a session for the caller and returns its id
// together with the model variant the caller is entitled to.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CallerID == "" {
		writeError(w, http.StatusBadRequest, "caller_id is required")
		return
	}

	variant, err := s.entitlements.Entitle(r.Context(), req.CallerID)
	if err != nil {
		slog.Warn("entitlement check failed", "caller_id", req.CallerID, "err", err)
		writeError(w, http.StatusForbidden, "caller is not entitled")
		return
	}

	id := s.registry.Create(req.CallerID, variant)
	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:    id,
		ModelVariant: variant,
	})
}

type capabilitiesResponse struct {
	Device     transcribe.DeviceInfo `json:"device"`
	SampleRate int                   `json:"sample_rate"`
	VAD        vadCapabilities       `json:"vad"`
}

type vadCapabilities struct {
	Enabled     bool    `json:"enabled"`
	FrameMs     int     `json:"frame_ms"`
	SpeechRatio float64 `json:"speech_ratio"`
}

// handleCapabilities reports the active device, numeric precision, and
// voice-gate tuning. Purely diagnostic; never touches session state.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	dev := s.engine.Device()
	if dev.Device == "" {
		// Engine not initialised yet; report what init would select.
		dev = transcribe.ProbeDevice(s.cfg.Transcribe.Device)
	}

	gateCfg := s.gate.Config()
	writeJSON(w, http.StatusOK, capabilitiesResponse{
		Device:     dev,
		SampleRate: s.cfg.Audio.SampleRate,
		VAD: vadCapabilities{
			Enabled:     s.gate != nil,
			FrameMs:     gateCfg.FrameMs,
			SpeechRatio: gateCfg.SpeechRatio,
		},
	})
}

// checkModel is the readiness probe for the transcription engine. Before
// lazy initialisation it settles for the model file being present.
func (s *Server) checkModel(_ context.Context) error {
	if s.engine.Ready() {
		return nil
	}
	if s.cfg.Transcribe.ModelPath == "" {
		return errors.New("no model path configured")
	}
	if _, err := os.Stat(s.cfg.Transcribe.ModelPath); err != nil {
		return fmt.Errorf("model file: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encoding failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
