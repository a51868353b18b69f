package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "wasp"

// TransportMetrics records dispatcher activity.
type TransportMetrics struct {
	requests  metric.Int64Counter
	attempts  metric.Int64Counter
	failovers metric.Int64Counter
	latency   metric.Float64Histogram
}

// NewTransportMetrics creates the dispatcher instruments on provider. A nil
// provider means the global one, which is a no-op until the host process
// installs an SDK.
func NewTransportMetrics(provider metric.MeterProvider) (*TransportMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)

	requests, err := meter.Int64Counter(
		"wasp.transport.requests",
		metric.WithDescription("Logical WASP requests by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}

	attempts, err := meter.Int64Counter(
		"wasp.transport.endpoint_attempts",
		metric.WithDescription("HTTP attempts against individual endpoints"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts counter: %w", err)
	}

	failovers, err := meter.Int64Counter(
		"wasp.transport.failovers",
		metric.WithDescription("Moves from a failed endpoint to the next one"),
		metric.WithUnit("{failover}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failovers counter: %w", err)
	}

	latency, err := meter.Float64Histogram(
		"wasp.transport.latency",
		metric.WithDescription("Logical request latency including retries, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create latency histogram: %w", err)
	}

	return &TransportMetrics{
		requests:  requests,
		attempts:  attempts,
		failovers: failovers,
		latency:   latency,
	}, nil
}

// RecordAttempt records one HTTP attempt against an endpoint. status is 0 for
// connection failures.
func (m *TransportMetrics) RecordAttempt(ctx context.Context, method, endpoint string, status int) {
	if m == nil {
		return
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("http.status_code", status),
	))
}

// RecordFailover records a move away from a failed endpoint.
func (m *TransportMetrics) RecordFailover(ctx context.Context, from string) {
	if m == nil {
		return
	}
	m.failovers.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", from)))
}

// RecordRequest records the outcome of a logical request.
func (m *TransportMetrics) RecordRequest(ctx context.Context, method, direction, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("direction", direction),
		attribute.String("outcome", outcome),
	)
	m.requests.Add(ctx, 1, attrs)
	m.latency.Record(ctx, duration.Seconds(), attrs)
}
