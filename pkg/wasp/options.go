package wasp

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"wasp/internal/httpclient"
	"wasp/internal/logging"
	"wasp/internal/transport"
)

// DefaultReferenceCacheSize bounds the client-wide cache of resolved
// immutable reference targets.
const DefaultReferenceCacheSize = 256

// DefaultResolveConcurrency bounds parallel lookups in ResolveReferences.
const DefaultResolveConcurrency = 8

// DefaultMaxResponseBytes bounds a decoded JSON response.
const DefaultMaxResponseBytes = 64 << 20

// Option configures a Client.
type Option func(*clientOptions)

// RequestEditor mutates every outgoing request, e.g. to add authentication.
type RequestEditor = transport.RequestEditor

type clientOptions struct {
	serverURLs         []string
	uploadURLs         []string
	insecureSkipVerify bool
	proxyMode          httpclient.ProxyMode
	retryAttempts      int
	retryDelay         time.Duration
	retrySet           bool
	httpClient         *http.Client
	logger             logging.Logger
	editors            []RequestEditor
	referenceCacheSize int
	resolveConcurrency int
	maxResponseBytes   int64
	meterProvider      metric.MeterProvider
	tracerProvider     trace.TracerProvider
}

func defaultOptions() clientOptions {
	return clientOptions{
		proxyMode:          httpclient.ProxyModeDirect,
		referenceCacheSize: DefaultReferenceCacheSize,
		resolveConcurrency: DefaultResolveConcurrency,
		maxResponseBytes:   DefaultMaxResponseBytes,
	}
}

// WithServerURLs sets the download endpoints, tried in order.
func WithServerURLs(urls ...string) Option {
	return func(o *clientOptions) {
		o.serverURLs = append([]string(nil), urls...)
	}
}

// WithUploadURLs sets separate write endpoints. When unset, writes use the
// download endpoints.
func WithUploadURLs(urls ...string) Option {
	return func(o *clientOptions) {
		o.uploadURLs = append([]string(nil), urls...)
	}
}

// WithInsecureSkipVerify disables TLS certificate verification for this client.
func WithInsecureSkipVerify(skip bool) Option {
	return func(o *clientOptions) {
		o.insecureSkipVerify = skip
	}
}

// WithProxyMode selects the proxy policy. The default ignores proxy
// environment variables.
func WithProxyMode(mode httpclient.ProxyMode) Option {
	return func(o *clientOptions) {
		o.proxyMode = mode
	}
}

// WithRetry sets the number of endpoint sweeps and the pause between them.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(o *clientOptions) {
		o.retryAttempts = attempts
		o.retryDelay = delay
		o.retrySet = true
	}
}

// WithHTTPClient replaces the HTTP client. TLS and proxy options are ignored
// when a client is supplied.
func WithHTTPClient(client *http.Client) Option {
	return func(o *clientOptions) {
		o.httpClient = client
	}
}

// WithLogger sets the logger. The default is the "wasp" component logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithBearerToken sends Authorization: Bearer <token> on every request.
func WithBearerToken(token string) Option {
	return WithRequestEditor(func(_ context.Context, req *http.Request) error {
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return nil
	})
}

// WithRequestEditor adds a hook run on every outgoing request.
func WithRequestEditor(editor RequestEditor) Option {
	return func(o *clientOptions) {
		if editor != nil {
			o.editors = append(o.editors, editor)
		}
	}
}

// WithReferenceCacheSize bounds the cache of resolved immutable references.
// Zero disables it.
func WithReferenceCacheSize(size int) Option {
	return func(o *clientOptions) {
		o.referenceCacheSize = size
	}
}

// WithResolveConcurrency bounds parallel lookups in ResolveReferences.
func WithResolveConcurrency(n int) Option {
	return func(o *clientOptions) {
		o.resolveConcurrency = n
	}
}

// WithMaxResponseBytes bounds the size of JSON responses. Zero or less
// removes the bound. File downloads are never bounded.
func WithMaxResponseBytes(n int64) Option {
	return func(o *clientOptions) {
		o.maxResponseBytes = n
	}
}

// WithMeterProvider records transport metrics on provider instead of the
// global one.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *clientOptions) {
		o.meterProvider = provider
	}
}

// WithTracerProvider records request spans on provider instead of the
// global one.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *clientOptions) {
		o.tracerProvider = provider
	}
}
