package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartAttemptSpan creates a client span for one upstream attempt of the
// continuation engine. attempt is 1-based.
func StartAttemptSpan(ctx context.Context, url, protocol string, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "upstream.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream.url", url),
			attribute.String("upstream.protocol", protocol),
			attribute.Int("upstream.attempt", attempt),
		),
	)
}

// InjectHeaders injects the current trace context (traceparent, tracestate)
// into the given HTTP request headers so the upstream service can continue
// the trace.
func InjectHeaders(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// SetRequestAttributes adds request-level attributes to the current span.
func SetRequestAttributes(ctx context.Context, requestID, model, protocol string, stream bool) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("request.id", requestID),
		attribute.String("request.model", model),
		attribute.String("request.protocol", protocol),
		attribute.Bool("request.stream", stream),
	)
}

// SetRunAttributes adds anti-truncation run outcome attributes to the
// current span.
func SetRunAttributes(ctx context.Context, attempts int, markerFound, maxAttemptsReached bool) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.Int("antitrunc.attempts", attempts),
		attribute.Bool("antitrunc.marker_found", markerFound),
		attribute.Bool("antitrunc.max_attempts_reached", maxAttemptsReached),
	)
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
