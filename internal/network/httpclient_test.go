// File: internal/network/httpclient_test.go
package network

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewDefaultClientConfig(t *testing.T) {
	cfg := NewDefaultClientConfig()
	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	assert.True(t, cfg.ForceHTTP2)
	assert.False(t, cfg.IgnoreTLSErrors)
	assert.Nil(t, cfg.ProxyURL)
}

func TestNewHTTPTransport(t *testing.T) {
	t.Run("applies tls and timeout settings", func(t *testing.T) {
		cfg := NewDefaultClientConfig()
		cfg.IgnoreTLSErrors = true
		cfg.TLSHandshakeTimeout = 3 * time.Second
		cfg.Logger = zaptest.NewLogger(t)

		tr := NewHTTPTransport(cfg)
		require.NotNil(t, tr.TLSClientConfig)
		assert.True(t, tr.TLSClientConfig.InsecureSkipVerify)
		assert.Equal(t, uint16(tls.VersionTLS12), tr.TLSClientConfig.MinVersion)
		assert.Equal(t, 3*time.Second, tr.TLSHandshakeTimeout)
		assert.True(t, tr.DisableCompression)
		assert.Contains(t, tr.TLSClientConfig.NextProtos, "h2")
	})

	t.Run("http/1.1 only when http2 disabled", func(t *testing.T) {
		cfg := NewDefaultClientConfig()
		cfg.ForceHTTP2 = false
		tr := NewHTTPTransport(cfg)
		assert.Equal(t, []string{"http/1.1"}, tr.TLSClientConfig.NextProtos)
	})

	t.Run("proxy url is honoured", func(t *testing.T) {
		cfg := NewDefaultClientConfig()
		cfg.ProxyURL = &url.URL{Scheme: "http", Host: "proxy.test:3128"}
		tr := NewHTTPTransport(cfg)
		require.NotNil(t, tr.Proxy)

		req, _ := http.NewRequest(http.MethodGet, "https://api.example.test", nil)
		got, err := tr.Proxy(req)
		require.NoError(t, err)
		assert.Equal(t, "proxy.test:3128", got.Host)
	})

	t.Run("nil config falls back to defaults", func(t *testing.T) {
		assert.NotPanics(t, func() { NewHTTPTransport(nil) })
	})
}

func TestNewClient_TalksToTLSServer(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer server.Close()

	cfg := NewDefaultClientConfig()
	cfg.IgnoreTLSErrors = true
	client := NewClient(cfg)

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, DefaultRequestTimeout, client.Timeout)
}
