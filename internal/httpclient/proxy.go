package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http/httpproxy"

	"wasp/internal/logging"
)

const proxyDialTimeout = 300 * time.Millisecond

// ProxyMode selects how outbound requests use HTTP(S)_PROXY settings.
type ProxyMode uint8

const (
	// ProxyModeDirect ignores proxy environment variables entirely.
	ProxyModeDirect ProxyMode = iota
	// ProxyModeAuto honours the environment but bypasses unreachable loopback proxies.
	ProxyModeAuto
	// ProxyModeStrict honours the environment as-is.
	ProxyModeStrict
)

func (m ProxyMode) String() string {
	switch m {
	case ProxyModeAuto:
		return "auto"
	case ProxyModeStrict:
		return "strict"
	default:
		return "direct"
	}
}

// ParseProxyMode maps a configuration value to a ProxyMode. Empty and unknown
// values mean direct.
func ParseProxyMode(raw string) ProxyMode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "auto":
		return ProxyModeAuto
	case "strict", "env", "environment":
		return ProxyModeStrict
	default:
		return ProxyModeDirect
	}
}

// proxyFunc builds a per-client proxy selector. The environment is read when
// the client is built and reachability results are cached per client.
func proxyFunc(mode ProxyMode, logger logging.Logger) func(*http.Request) (*url.URL, error) {
	log := logging.OrNop(logger)
	fromEnv := httpproxy.FromEnvironment().ProxyFunc()
	var bypassCache sync.Map // map[string]bool; true means bypass
	var warned sync.Map

	return func(req *http.Request) (*url.URL, error) {
		if mode == ProxyModeDirect || req == nil || req.URL == nil {
			return nil, nil
		}
		if mode == ProxyModeStrict {
			return fromEnv(req.URL)
		}
		if isLoopbackHost(req.URL.Hostname()) {
			return nil, nil
		}

		proxyURL, err := fromEnv(req.URL)
		if proxyURL == nil || err != nil {
			return proxyURL, err
		}
		if !isLoopbackHost(proxyURL.Hostname()) {
			return proxyURL, nil
		}

		hostPort, ok := proxyHostPort(proxyURL)
		if !ok {
			return proxyURL, nil
		}

		cacheKey := proxyURL.String()
		if bypass, ok := bypassCache.Load(cacheKey); ok {
			if bypass.(bool) {
				return nil, nil
			}
			return proxyURL, nil
		}

		if isProxyReachable(req.Context(), hostPort) {
			bypassCache.Store(cacheKey, false)
			return proxyURL, nil
		}

		bypassCache.Store(cacheKey, true)
		if _, loaded := warned.LoadOrStore(cacheKey, struct{}{}); !loaded {
			log.Warn("Local proxy %s is unreachable; bypassing it for WASP requests", proxyURL.Redacted())
		}
		return nil, nil
	}
}

func isLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsUnspecified()
}

func proxyHostPort(proxyURL *url.URL) (string, bool) {
	if proxyURL == nil {
		return "", false
	}
	host := strings.TrimSpace(proxyURL.Hostname())
	if host == "" {
		return "", false
	}

	port := strings.TrimSpace(proxyURL.Port())
	if port == "" {
		switch strings.ToLower(strings.TrimSpace(proxyURL.Scheme)) {
		case "", "http":
			port = "80"
		case "https":
			port = "443"
		case "socks5", "socks5h":
			port = "1080"
		default:
			return "", false
		}
	}
	return net.JoinHostPort(host, port), true
}

func isProxyReachable(ctx context.Context, hostPort string) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	dialer := net.Dialer{Timeout: proxyDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
