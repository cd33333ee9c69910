// File: internal/network/httpclient.go
package network

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

const (
	DefaultDialTimeout           = 10 * time.Second
	DefaultKeepAliveInterval     = 15 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 20 * time.Second
	DefaultRequestTimeout        = 30 * time.Second
	DefaultMaxIdleConns          = 10
	DefaultIdleConnTimeout       = 90 * time.Second
)

// ClientConfig holds the configuration for the outbound HTTP client.
type ClientConfig struct {
	IgnoreTLSErrors bool

	RequestTimeout        time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration

	MaxIdleConns    int
	IdleConnTimeout time.Duration

	ForceHTTP2 bool

	// ProxyURL routes every request through an upstream proxy. Credentials in
	// the URL are sent as Proxy-Authorization.
	ProxyURL *url.URL

	Logger *zap.Logger
}

// NewDefaultClientConfig returns settings suited to a handful of sequential
// API calls per minute.
func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		RequestTimeout:        DefaultRequestTimeout,
		DialTimeout:           DefaultDialTimeout,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		ForceHTTP2:            true,
		Logger:                zap.NewNop(),
	}
}

// NewHTTPTransport creates an http.Transport from cfg.
func NewHTTPTransport(cfg *ClientConfig) *http.Transport {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := &net.Dialer{
		Timeout:   durationOr(cfg.DialTimeout, DefaultDialTimeout),
		KeepAlive: DefaultKeepAliveInterval,
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		TLSClientConfig:       configureTLS(cfg),
		TLSHandshakeTimeout:   durationOr(cfg.TLSHandshakeTimeout, DefaultTLSHandshakeTimeout),
		ResponseHeaderTimeout: durationOr(cfg.ResponseHeaderTimeout, DefaultResponseHeaderTimeout),
		MaxIdleConns:          cfg.MaxIdleConns,
		IdleConnTimeout:       durationOr(cfg.IdleConnTimeout, DefaultIdleConnTimeout),
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
		// Decoding is done by CompressionMiddleware so brotli is covered too.
		DisableCompression: true,
	}

	if cfg.ProxyURL != nil {
		transport.Proxy = http.ProxyURL(cfg.ProxyURL)
	}

	if cfg.ForceHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
		}
	} else {
		transport.TLSClientConfig.NextProtos = []string{"http/1.1"}
	}
	return transport
}

// NewClient builds an *http.Client whose transport negotiates and decodes
// compressed responses. Redirects are followed.
func NewClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	return &http.Client{
		Transport: NewCompressionMiddleware(NewHTTPTransport(cfg)),
		Timeout:   durationOr(cfg.RequestTimeout, DefaultRequestTimeout),
	}
}

func configureTLS(cfg *ClientConfig) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ClientSessionCache: tls.NewLRUClientSessionCache(64),
		InsecureSkipVerify: cfg.IgnoreTLSErrors,
	}
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
