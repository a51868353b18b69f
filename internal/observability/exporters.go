package observability

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/zipkin"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Trace exporter kinds.
const (
	ExporterNone   = ""
	ExporterOTLP   = "otlp"
	ExporterZipkin = "zipkin"
)

// TracingConfig selects the span exporter for a process.
type TracingConfig struct {
	Exporter       string
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	SampleRate     float64
}

// NewTracerProvider builds an SDK tracer provider exporting to cfg.Endpoint.
// It returns nil for ExporterNone.
func NewTracerProvider(ctx context.Context, cfg TracingConfig) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case ExporterNone:
		return nil, nil
	case ExporterOTLP:
		opts := []otlptracehttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	case ExporterZipkin:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exporter, err = zipkin.New(endpoint)
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s exporter: %w", cfg.Exporter, err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = instrumentationName
	}
	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(rate)),
	), nil
}

// PrometheusMetrics is a meter provider backed by a private Prometheus registry.
type PrometheusMetrics struct {
	Provider *sdkmetric.MeterProvider
	Registry *prometheus.Registry
}

// NewPrometheusMetrics creates a meter provider whose instruments are
// collected into a fresh registry.
func NewPrometheusMetrics() (*PrometheusMetrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry), otelprom.WithoutTargetInfo())
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	return &PrometheusMetrics{
		Provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)),
		Registry: registry,
	}, nil
}

// WriteText writes the current metric values in Prometheus text format.
func (p *PrometheusMetrics) WriteText(w io.Writer) error {
	families, err := p.Registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(w, family); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

// Shutdown flushes and stops the meter provider.
func (p *PrometheusMetrics) Shutdown(ctx context.Context) error {
	return p.Provider.Shutdown(ctx)
}
