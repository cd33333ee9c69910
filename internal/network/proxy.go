// File: internal/network/proxy.go
package network

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"
	xproxy "golang.org/x/net/proxy"
)

// Forwarder is a local, unauthenticated proxy listening on loopback that
// relays every request to an upstream proxy, adding the upstream credentials.
// Chrome cannot take proxy credentials on its command line, so the browser is
// pointed at the forwarder instead.
type Forwarder struct {
	upstream *url.URL
	listener net.Listener
	server   *http.Server
	logger   *zap.Logger

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// StartForwarder listens on 127.0.0.1 with an ephemeral port and begins
// serving in the background. upstream must be an http, https or socks5 URL.
func StartForwarder(upstream *url.URL, logger *zap.Logger) (*Forwarder, error) {
	if upstream == nil || upstream.Host == "" {
		return nil, errors.New("forwarder requires an upstream proxy url")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("proxy_forwarder")

	proxy := goproxy.NewProxyHttpServer()
	proxy.Logger = zap.NewStdLog(log)
	// Plain HTTP requests ride the upstream through the transport, which sends
	// Proxy-Authorization from the URL user info.
	proxy.Tr = &http.Transport{
		Proxy:                 http.ProxyURL(upstream),
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		IdleConnTimeout:       DefaultIdleConnTimeout,
	}

	switch upstream.Scheme {
	case "http", "https":
		auth := proxyAuthorization(upstream.User)
		bare := *upstream
		bare.User = nil
		proxy.ConnectDial = proxy.NewConnectDialToProxyWithHandler(bare.String(), func(req *http.Request) {
			if auth != "" {
				req.Header.Set("Proxy-Authorization", auth)
			}
		})
	case "socks5":
		dialer, err := xproxy.FromURL(upstream, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("invalid socks5 upstream: %w", err)
		}
		proxy.ConnectDial = dialer.Dial
	default:
		return nil, fmt.Errorf("unsupported upstream proxy scheme %q", upstream.Scheme)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen for proxy forwarder: %w", err)
	}

	f := &Forwarder{
		upstream: upstream,
		listener: ln,
		logger:   log,
		done:     make(chan struct{}),
		server: &http.Server{
			Handler:           proxy,
			ReadHeaderTimeout: 30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ErrorLog:          zap.NewStdLog(log.Named("http_server")),
		},
	}

	go func() {
		defer close(f.done)
		if err := f.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Proxy forwarder stopped with an error", zap.Error(err))
		}
	}()

	log.Info("Proxy forwarder started",
		zap.String("listen", ln.Addr().String()),
		zap.String("upstream", upstream.Host))
	return f, nil
}

// Addr returns the forwarder URL in the form Chrome's --proxy-server accepts.
func (f *Forwarder) Addr() string {
	return "http://" + f.listener.Addr().String()
}

// Close stops the forwarder. It is safe to call more than once.
func (f *Forwarder) Close(ctx context.Context) error {
	f.closeOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := f.server.Shutdown(shutdownCtx); err != nil {
			f.closeErr = fmt.Errorf("proxy forwarder shutdown: %w", err)
			_ = f.server.Close()
		}
		<-f.done
		f.logger.Debug("Proxy forwarder stopped.")
	})
	return f.closeErr
}

func proxyAuthorization(user *url.Userinfo) string {
	if user == nil || user.Username() == "" {
		return ""
	}
	pass, _ := user.Password()
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user.Username()+":"+pass))
}
