// Package app wires all Skald subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects the
// session registry, transcription engine, and HTTP surface; Run serves
// until the context is cancelled; Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options. When an option is
// not provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skaldhq/skald/internal/config"
	"github.com/skaldhq/skald/internal/observe"
	"github.com/skaldhq/skald/internal/server"
	"github.com/skaldhq/skald/internal/session"
	"github.com/skaldhq/skald/internal/transcribe"
)

// httpShutdownTimeout bounds the graceful drain of in-flight requests once
// Run's context is cancelled.
const httpShutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg config.Config

	metrics  *observe.Metrics
	registry *session.Registry
	engine   *transcribe.Engine
	service  *server.Server
	http     *http.Server

	serverOpts []server.Option

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry injects a session registry instead of creating one from
// config.
func WithRegistry(r *session.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithEngine injects a transcription engine instead of creating one from
// config.
func WithEngine(e *transcribe.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithMetrics injects a metrics instance instead of using the process-wide
// default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithServerOptions forwards extra options to the HTTP server, e.g. a
// custom entitlement check.
func WithServerOptions(opts ...server.Option) Option {
	return func(a *App) { a.serverOpts = append(a.serverOpts, opts...) }
}

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous; the whisper model itself is loaded lazily on the first
// transcription pass.
func New(_ context.Context, cfg config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		m, err := observe.DefaultMetrics()
		if err != nil {
			return nil, fmt.Errorf("app: init metrics: %w", err)
		}
		a.metrics = m
	}

	if a.registry == nil {
		a.registry = session.NewRegistry(session.Config{
			Expiry:        cfg.Session.Expiry.Std(),
			SweepInterval: cfg.Session.SweepInterval.Std(),
		}, session.WithGauge(func(delta int64) {
			a.metrics.ActiveSessions.Add(context.Background(), delta)
		}))
	}
	a.closers = append(a.closers, a.registry.Close)

	if a.engine == nil {
		a.engine = transcribe.New(cfg.Transcribe)
	}
	a.closers = append(a.closers, a.engine.Close)

	serverOpts := append([]server.Option{server.WithMetrics(a.metrics)}, a.serverOpts...)
	a.service = server.New(cfg, a.registry, a.engine, serverOpts...)

	a.http = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.service.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Handler returns the service's HTTP handler. Used by tests to exercise
// the full surface without binding a port.
func (a *App) Handler() http.Handler {
	return a.http.Handler
}

// Run serves HTTP until ctx is cancelled, then drains gracefully. The
// registry is closed before the HTTP drain so long-lived streams see their
// connections close and their handlers return.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("listening", "addr", a.http.Addr)
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		_ = a.registry.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := a.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Shutdown tears down all subsystems in init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
