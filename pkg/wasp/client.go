// Package wasp is a client for the WASP record-management service. Records
// are plain maps; file attachments and cross-collection references are
// materialized lazily as *FileValue and *ReferenceValue and resolved through
// the client that decoded them.
package wasp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"

	"wasp/internal/codec"
	"wasp/internal/config"
	waspErrors "wasp/internal/errors"
	"wasp/internal/httpclient"
	"wasp/internal/logging"
	"wasp/internal/observability"
	jsonx "wasp/internal/shared/json"
	"wasp/internal/transport"
	"wasp/internal/utils"
)

// Client talks to one WASP deployment through an ordered list of endpoints.
// It is safe for concurrent use.
type Client struct {
	dispatcher         *transport.Dispatcher
	logger             logging.Logger
	refCache           *lru.Cache[string, Record]
	resolveConcurrency int
	maxResponseBytes   int64
}

// New builds a client. Endpoints are optional here; operations fail with a
// ConfigurationError when the set they need is empty.
func New(opts ...Option) (*Client, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	logger := options.logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("wasp")
	}

	metrics, err := observability.NewTransportMetrics(options.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	httpClient := options.httpClient
	if httpClient == nil {
		httpClient = httpclient.New(httpclient.Options{
			InsecureSkipVerify: options.insecureSkipVerify,
			ProxyMode:          options.proxyMode,
			Logger:             logger,
		})
	}

	retry := waspErrors.DefaultRetryConfig()
	if options.retrySet {
		retry = waspErrors.RetryConfig{MaxAttempts: options.retryAttempts, Delay: options.retryDelay}.Normalize()
	}

	client := &Client{
		dispatcher: transport.New(transport.Options{
			Endpoints:  transport.Endpoints{Download: options.serverURLs, Upload: options.uploadURLs},
			HTTPClient: httpClient,
			Retry:      retry,
			Logger:     logging.NewComponentLogger("transport"),
			Metrics:    metrics,
			Tracer:     observability.NewTracer(options.tracerProvider),
			Editors:    options.editors,
		}),
		logger:             logger,
		resolveConcurrency: options.resolveConcurrency,
		maxResponseBytes:   options.maxResponseBytes,
	}
	if client.resolveConcurrency <= 0 {
		client.resolveConcurrency = DefaultResolveConcurrency
	}
	if options.referenceCacheSize > 0 {
		cache, err := lru.New[string, Record](options.referenceCacheSize)
		if err != nil {
			return nil, fmt.Errorf("init reference cache: %w", err)
		}
		client.refCache = cache
	}
	return client, nil
}

// NewFromConfig builds a client from loaded configuration. opts are applied
// after the configuration and win over it.
func NewFromConfig(cfg config.Config, opts ...Option) (*Client, error) {
	base := []Option{
		WithServerURLs(cfg.ServerURLs...),
		WithUploadURLs(cfg.UploadURLs...),
		WithInsecureSkipVerify(cfg.InsecureSkipVerify),
		WithProxyMode(httpclient.ParseProxyMode(cfg.ProxyMode)),
		WithRetry(cfg.RetryAttempts, cfg.RetryDelay),
		WithReferenceCacheSize(cfg.ReferenceCacheSize),
	}
	if cfg.BearerToken != "" {
		base = append(base, WithBearerToken(cfg.BearerToken))
	}
	if cfg.LogLevel != "" {
		base = append(base, WithLogger(utils.NewWriterLogger(os.Stderr, utils.ParseLogLevel(cfg.LogLevel), "wasp")))
	}
	return New(append(base, opts...)...)
}

// PublicURL is the first download endpoint, used to build file links. It
// is "" when no download endpoint is configured.
func (c *Client) PublicURL() string {
	return c.dispatcher.PublicURL()
}

// Close releases idle connections. The client stays usable.
func (c *Client) Close() error {
	c.dispatcher.CloseIdleConnections()
	return nil
}

func (c *Client) get(ctx context.Context, path []string, query url.Values, classify transport.Classifier) (*http.Response, error) {
	return c.dispatcher.Do(ctx, transport.Request{
		Method:    http.MethodGet,
		Path:      path,
		Query:     query,
		Direction: waspErrors.DirectionDownload,
		Classify:  classify,
	})
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// decode reads a JSON response and binds placeholders to c.
func (c *Client) decode(resp *http.Response) (any, error) {
	defer drain(resp)
	data, err := httpclient.ReadAllWithLimit(resp.Body, c.maxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var raw any
	if err := jsonx.UnmarshalNumbers(data, &raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return codec.DecodeValue(raw, binder{client: c}), nil
}

func (c *Client) decodeRecord(resp *http.Response) (Record, error) {
	value, err := c.decode(resp)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	record, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode response: expected a record, got %T", value)
	}
	return record, nil
}

func (c *Client) decodeRecords(resp *http.Response) ([]Record, error) {
	value, err := c.decode(resp)
	if err != nil {
		return nil, err
	}
	return asRecords(value)
}

func asRecords(value any) ([]Record, error) {
	switch v := value.(type) {
	case nil:
		return []Record{}, nil
	case map[string]any:
		return []Record{v}, nil
	case []any:
		records := make([]Record, 0, len(v))
		for i, item := range v {
			record, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("decode response: element %d is %T, not a record", i, item)
			}
			records = append(records, record)
		}
		return records, nil
	default:
		return nil, fmt.Errorf("decode response: expected a list of records, got %T", value)
	}
}

// binder materializes placeholders as values bound to the client.
type binder struct {
	client *Client
}

func (b binder) BindFile(p codec.FilePlaceholder) any {
	return b.client.RemoteFile(p.ID, p.Name)
}

func (b binder) BindReference(p codec.ReferencePlaceholder) any {
	return b.client.Reference(p.Collection, p.ID)
}
