package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/skaldhq/skald"

// Tracer returns the tracer for this module.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span using the module tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// Logger returns a slog.Logger annotated with the current trace and span IDs
// so log lines can be correlated with traces.
func Logger(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		logger = logger.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return logger
}
