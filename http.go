package episodepilot

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/d-kuro/episodepilot/pkg/constants"
	"github.com/d-kuro/episodepilot/pkg/validate"
)

// HTTPClientConfig contains configuration for outbound HTTP clients.
type HTTPClientConfig struct {
	Timeout         time.Duration
	AllowPrivateIPs bool
}

// DefaultHTTPClientConfig returns a default HTTP client configuration.
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		Timeout: constants.DefaultHTTPTimeout,
	}
}

// ClientPool manages a pool of reusable HTTP clients for different configurations.
type ClientPool struct {
	clients map[string]*http.Client
	mutex   sync.RWMutex
}

var globalClientPool = &ClientPool{
	clients: make(map[string]*http.Client),
}

// NewHTTPClient returns a pooled client for config. The authority, the
// secondary channel and the config store share connections through it.
func NewHTTPClient(config *HTTPClientConfig) *http.Client {
	if config == nil {
		config = DefaultHTTPClientConfig()
	}
	return globalClientPool.getOrCreateClient(config)
}

func (cp *ClientPool) getOrCreateClient(config *HTTPClientConfig) *http.Client {
	key := fmt.Sprintf("%v_%v", config.Timeout, config.AllowPrivateIPs)

	cp.mutex.RLock()
	if client, exists := cp.clients[key]; exists {
		cp.mutex.RUnlock()
		return client
	}
	cp.mutex.RUnlock()

	cp.mutex.Lock()
	defer cp.mutex.Unlock()

	// Double-check after acquiring write lock
	if client, exists := cp.clients[key]; exists {
		return client
	}

	client := &http.Client{
		Timeout: config.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= constants.MaxRedirects {
				return fmt.Errorf("too many redirects (max: %d)", constants.MaxRedirects)
			}
			if err := validateRedirect(req.URL, via); err != nil {
				return fmt.Errorf("redirect validation failed: %w", err)
			}
			return nil
		},
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        constants.MaxIdleConns,
			MaxIdleConnsPerHost: constants.MaxIdleConnsPerHost,
			IdleConnTimeout:     constants.IdleConnTimeout,
			DialContext:         dialer(config.AllowPrivateIPs),

			TLSHandshakeTimeout:   constants.TLSHandshakeTimeout,
			ResponseHeaderTimeout: constants.ResponseHeaderTimeout,
			ExpectContinueTimeout: constants.ExpectContinueTimeout,
			ForceAttemptHTTP2:     true,
		},
	}

	cp.clients[key] = client
	return client
}

// dialer refuses private destinations unless allowPrivate is set.
func dialer(allowPrivate bool) func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{
		Timeout:   constants.DefaultDialerTimeout,
		KeepAlive: constants.KeepAliveTimeout,
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if allowPrivate {
			return d.DialContext(ctx, network, addr)
		}

		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address: %w", err)
		}
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve host: %w", err)
		}
		for _, ip := range ips {
			if validate.PrivateIP(ip.IP) {
				return nil, fmt.Errorf("private IP addresses are not allowed: %s", ip.IP)
			}
		}
		// Dial the vetted address rather than resolving again.
		return d.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
	}
}

// validateRedirect rejects https to http downgrades.
func validateRedirect(target *url.URL, via []*http.Request) error {
	if len(via) == 0 {
		return nil
	}
	from := via[0].URL.Scheme
	if target.Scheme != from && (from != constants.SchemeHTTP || target.Scheme != constants.SchemeHTTPS) {
		return fmt.Errorf("scheme change not allowed: %s -> %s", from, target.Scheme)
	}
	return nil
}
