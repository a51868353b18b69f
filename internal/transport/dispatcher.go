package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	waspErrors "wasp/internal/errors"
	"wasp/internal/httpclient"
	"wasp/internal/logging"
	"wasp/internal/observability"
	"wasp/internal/utils/id"
)

// IdempotencyKeyHeader carries one key per logical write, shared by every
// retry and endpoint.
const IdempotencyKeyHeader = "Idempotency-Key"

// Tracing headers. RequestIDHeader is stable across retries of one logical
// request; CorrelationIDHeader is sent only when the caller set one.
const (
	RequestIDHeader     = "X-Request-ID"
	CorrelationIDHeader = "X-Correlation-ID"
)

// Endpoints holds the base URLs per direction. An empty Upload set falls back
// to Download.
type Endpoints struct {
	Download []string
	Upload   []string
}

// RequestEditor mutates an outgoing request before it is sent, e.g. to add
// authentication headers.
type RequestEditor func(ctx context.Context, req *http.Request) error

// Classifier inspects a non-2xx response. A non-nil result stops the request
// immediately and is returned to the caller as-is.
type Classifier func(status int, body string) error

// Request describes one logical call to the server.
type Request struct {
	Method    string
	Path      []string
	Query     url.Values
	Body      BodyFunc
	Direction waspErrors.Direction
	// Attempts overrides the number of sweeps. Zero uses the dispatcher policy.
	Attempts int
	Classify Classifier
}

// Options configures a Dispatcher.
type Options struct {
	Endpoints  Endpoints
	HTTPClient *http.Client
	Retry      waspErrors.RetryConfig
	Logger     logging.Logger
	Metrics    *observability.TransportMetrics
	Tracer     *observability.Tracer
	Editors    []RequestEditor
}

// Dispatcher sends requests to an ordered list of endpoints, failing over
// within a sweep and sleeping between sweeps.
type Dispatcher struct {
	download []string
	upload   []string
	client   *http.Client
	retry    waspErrors.RetryConfig
	logger   logging.Logger
	metrics  *observability.TransportMetrics
	tracer   *observability.Tracer
	editors  []RequestEditor
}

// New builds a Dispatcher. Endpoint lists are normalized and copied.
func New(opts Options) *Dispatcher {
	download := NormalizeEndpoints(opts.Endpoints.Download)
	upload := NormalizeEndpoints(opts.Endpoints.Upload)
	if len(upload) == 0 {
		upload = append([]string(nil), download...)
	}
	client := opts.HTTPClient
	if client == nil {
		client = httpclient.New(httpclient.Options{Logger: opts.Logger})
	}
	return &Dispatcher{
		download: download,
		upload:   upload,
		client:   client,
		retry:    opts.Retry.Normalize(),
		logger:   logging.OrNop(opts.Logger),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		editors:  append([]RequestEditor(nil), opts.Editors...),
	}
}

// PublicURL returns the first download endpoint, or "" when none is configured.
func (d *Dispatcher) PublicURL() string {
	if len(d.download) == 0 {
		return ""
	}
	return d.download[0]
}

// Endpoints returns a copy of the endpoint list for direction.
func (d *Dispatcher) Endpoints(direction waspErrors.Direction) []string {
	return append([]string(nil), d.endpoints(direction)...)
}

// HTTPClient returns the underlying client.
func (d *Dispatcher) HTTPClient() *http.Client {
	return d.client
}

// CloseIdleConnections releases pooled connections.
func (d *Dispatcher) CloseIdleConnections() {
	d.client.CloseIdleConnections()
}

func (d *Dispatcher) endpoints(direction waspErrors.Direction) []string {
	if direction == waspErrors.DirectionUpload {
		return d.upload
	}
	return d.download
}

// Do performs req and returns the first 2xx response. The caller owns the
// response body.
func (d *Dispatcher) Do(ctx context.Context, req Request) (*http.Response, error) {
	if req.Direction == "" {
		req.Direction = waspErrors.DirectionDownload
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	endpoints := d.endpoints(req.Direction)
	if len(endpoints) == 0 {
		d.logger.Error("No %s server url configured", req.Direction)
		return nil, &waspErrors.ConfigurationError{Direction: req.Direction}
	}

	retry := d.retry
	if req.Attempts > 0 {
		retry.MaxAttempts = req.Attempts
	}

	var idempotencyKey string
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		idempotencyKey = id.NewIdempotencyKey()
	}
	ctx, requestID := id.EnsureRequestID(ctx)

	path := strings.Join(req.Path, "/")
	ctx, span := d.tracer.StartSpan(ctx, "wasp."+strings.ToLower(req.Method),
		attribute.String(observability.AttrPath, path),
		attribute.String(observability.AttrDirection, string(req.Direction)),
		attribute.String(observability.AttrRequestID, requestID),
	)
	started := time.Now()

	var (
		sweeps  int
		lastErr error
	)
	resp, err := waspErrors.RetryWithResult(ctx, retry, func(ctx context.Context, attempt int) (*http.Response, error) {
		sweeps = attempt
		resp, err := d.sweep(ctx, req, endpoints, idempotencyKey)
		if err != nil {
			lastErr = err
		}
		return resp, err
	}, d.logger)

	span.SetAttributes(attribute.Int(observability.AttrAttempts, sweeps))
	if err != nil && errors.Is(err, waspErrors.ErrRetriesExhausted) {
		err = &waspErrors.TransportError{
			Method:   req.Method,
			Path:     path,
			Attempts: sweeps,
			Err:      lastErr,
		}
		d.logger.Warn("%s %s failed: %v", req.Method, path, err)
	}

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	d.metrics.RecordRequest(ctx, req.Method, string(req.Direction), outcome, time.Since(started))
	observability.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// sweep tries every endpoint once, in order.
func (d *Dispatcher) sweep(ctx context.Context, req Request, endpoints []string, idempotencyKey string) (*http.Response, error) {
	var lastErr error
	for i, base := range endpoints {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := d.attempt(ctx, req, base, idempotencyKey)
		if err == nil {
			return resp, nil
		}
		if !waspErrors.IsTransient(err) {
			return nil, err
		}
		lastErr = err
		if i < len(endpoints)-1 {
			d.metrics.RecordFailover(ctx, base)
			d.logger.Debug("Endpoint %s failed, trying next: %v", base, err)
		}
	}
	return nil, lastErr
}

func (d *Dispatcher) attempt(ctx context.Context, req Request, base, idempotencyKey string) (*http.Response, error) {
	target, err := JoinURL(base, req.Path, req.Query)
	if err != nil {
		return nil, &waspErrors.ConfigurationError{Direction: req.Direction, Message: err.Error()}
	}

	var contentType string
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, nil)
	if err != nil {
		return nil, waspErrors.Permanent(fmt.Errorf("build request: %w", err))
	}
	if req.Body != nil {
		body, ct, err := req.Body()
		if err != nil {
			return nil, waspErrors.Permanent(fmt.Errorf("build request body: %w", err))
		}
		httpReq.Body = body
		contentType = ct
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if idempotencyKey != "" {
		httpReq.Header.Set(IdempotencyKeyHeader, idempotencyKey)
	}
	if requestID := id.RequestIDFromContext(ctx); requestID != "" {
		httpReq.Header.Set(RequestIDHeader, requestID)
	}
	if correlationID := id.CorrelationIDFromContext(ctx); correlationID != "" {
		httpReq.Header.Set(CorrelationIDHeader, correlationID)
	}
	for _, edit := range d.editors {
		if err := edit(ctx, httpReq); err != nil {
			if httpReq.Body != nil {
				_ = httpReq.Body.Close()
			}
			return nil, waspErrors.Permanent(fmt.Errorf("edit request: %w", err))
		}
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		d.metrics.RecordAttempt(ctx, req.Method, base, 0)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s %s: %w", req.Method, target, err)
	}
	d.metrics.RecordAttempt(ctx, req.Method, base, resp.StatusCode)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	text := httpclient.DrainErrorBody(resp)
	if req.Classify != nil {
		if classified := req.Classify(resp.StatusCode, text); classified != nil {
			return nil, waspErrors.Permanent(classified)
		}
	}
	return nil, &waspErrors.StatusError{URL: target, StatusCode: resp.StatusCode, Body: text}
}
