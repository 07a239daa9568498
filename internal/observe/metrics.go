// Package observe provides application-wide observability primitives for
// Skald: OpenTelemetry metrics, distributed tracing, and structured logging
// helpers.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Skald metrics.
const meterName = "github.com/skaldhq/skald"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// TranscribeDuration tracks the latency of one inference pass.
	TranscribeDuration metric.Float64Histogram

	// BufferFlushes counts dispatched buffer processing passes.
	BufferFlushes metric.Int64Counter

	// DroppedTriggers counts processing triggers suppressed because a pass
	// was already in flight for the owner.
	DroppedTriggers metric.Int64Counter

	// GateRejects counts buffered blocks the voice-activity gate filtered
	// out before inference.
	GateRejects metric.Int64Counter

	// TranscribeErrors counts failed inference passes, attributed with the
	// failure kind ("initialization", "inference", "canceled", "other").
	TranscribeErrors metric.Int64Counter

	// ConnectionErrors counts transport-level failures that tore a session
	// down.
	ConnectionErrors metric.Int64Counter

	// ActiveSessions tracks the number of live sessions in the registry.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveStreams tracks the number of websocket connections currently
	// in the ACTIVE state.
	ActiveStreams metric.Int64UpDownCounter

	// AudioBytes counts inbound PCM bytes accepted from clients.
	AudioBytes metric.Int64Counter

	// HTTPRequestDuration tracks request latency on the HTTP surface,
	// attributed by method and path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for speech-inference latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscribeDuration, err = m.Float64Histogram("skald.transcribe.duration",
		metric.WithDescription("Latency of one speech-to-text inference pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BufferFlushes, err = m.Int64Counter("skald.buffer.flushes",
		metric.WithDescription("Dispatched audio buffer processing passes."),
	); err != nil {
		return nil, err
	}
	if met.DroppedTriggers, err = m.Int64Counter("skald.buffer.dropped_triggers",
		metric.WithDescription("Processing triggers dropped because a pass was already running."),
	); err != nil {
		return nil, err
	}
	if met.GateRejects, err = m.Int64Counter("skald.vad.rejects",
		metric.WithDescription("Buffered blocks rejected by the voice-activity gate."),
	); err != nil {
		return nil, err
	}
	if met.TranscribeErrors, err = m.Int64Counter("skald.transcribe.errors",
		metric.WithDescription("Failed inference passes."),
	); err != nil {
		return nil, err
	}
	if met.ConnectionErrors, err = m.Int64Counter("skald.connection.errors",
		metric.WithDescription("Transport-level failures that tore a session down."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("skald.sessions.active",
		metric.WithDescription("Live sessions in the registry."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("skald.streams.active",
		metric.WithDescription("Websocket connections in the ACTIVE state."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("skald.audio.bytes",
		metric.WithDescription("Inbound PCM bytes accepted from clients."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("skald.http.request.duration",
		metric.WithDescription("Latency of HTTP requests."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
	defaultMetricsErr  error
)

// DefaultMetrics returns the process-wide [Metrics] instance backed by the
// globally registered meter provider. The first call creates the
// instruments; later calls return the same instance.
func DefaultMetrics() (*Metrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = NewMetrics(otel.GetMeterProvider())
	})
	return defaultMetrics, defaultMetricsErr
}

// RecordTranscribe records one inference pass outcome: its latency and, on
// failure, an error count with the given kind attribute.
func (m *Metrics) RecordTranscribe(ctx context.Context, seconds float64, errKind string) {
	if m == nil {
		return
	}
	m.TranscribeDuration.Record(ctx, seconds)
	if errKind != "" {
		m.TranscribeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", errKind)))
	}
}
