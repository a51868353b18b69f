package httpclient

import (
	"crypto/tls"
	"net/http"
	"time"

	"wasp/internal/logging"
)

// Options controls the outbound client used for every WASP request.
type Options struct {
	// Timeout bounds a whole request. Zero leaves it unbounded so large
	// downloads are not cut off; the retry policy is the only timing control.
	Timeout time.Duration
	// InsecureSkipVerify disables TLS certificate verification for this
	// client only.
	InsecureSkipVerify bool
	// ProxyMode selects the proxy policy; see ParseProxyMode.
	ProxyMode ProxyMode
	Logger    logging.Logger
}

// New returns an http.Client configured for outbound requests.
func New(opts Options) *http.Client {
	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: Transport(opts),
	}
}

// Transport returns an http.Transport clone with the proxy and TLS policy applied.
func Transport(opts Options) *http.Transport {
	var transport *http.Transport
	if base, ok := http.DefaultTransport.(*http.Transport); ok {
		transport = base.Clone()
	} else {
		transport = &http.Transport{}
	}

	transport.Proxy = proxyFunc(opts.ProxyMode, opts.Logger)
	if opts.InsecureSkipVerify {
		tlsConfig := &tls.Config{}
		if transport.TLSClientConfig != nil {
			tlsConfig = transport.TLSClientConfig.Clone()
		}
		tlsConfig.InsecureSkipVerify = true //nolint:gosec // explicit per-client opt-in
		transport.TLSClientConfig = tlsConfig
		logging.OrNop(opts.Logger).Warn("TLS certificate verification disabled for this client")
	}
	return transport
}
