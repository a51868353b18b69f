package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys used across the client.
const (
	AttrPath      = "wasp.path"
	AttrDirection = "wasp.direction"
	AttrEndpoint  = "wasp.endpoint"
	AttrAttempts  = "wasp.attempts"
	AttrRequestID = "wasp.request_id"
)

// Tracer wraps an OpenTelemetry tracer for client spans.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a tracer from provider, or from the global provider when nil.
func NewTracer(provider trace.TracerProvider) *Tracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &Tracer{tracer: provider.Tracer(instrumentationName)}
}

// StartSpan starts a client span.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

// EndSpan records err on span (if any) and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
