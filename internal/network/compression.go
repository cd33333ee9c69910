// File: internal/network/compression.go
package network

import (
	"compress/flate"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

var gzipReaderPool = sync.Pool{
	New: func() interface{} { return new(gzip.Reader) },
}

// CompressionMiddleware is an http.RoundTripper that advertises br, gzip and
// deflate and transparently decodes the response body.
type CompressionMiddleware struct {
	Transport http.RoundTripper
}

// NewCompressionMiddleware wraps transport, defaulting to http.DefaultTransport.
func NewCompressionMiddleware(transport http.RoundTripper) *CompressionMiddleware {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CompressionMiddleware{Transport: transport}
}

// RoundTrip implements http.RoundTripper.
func (cm *CompressionMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", "br, gzip, deflate")
	}

	resp, err := cm.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := DecompressResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to initialize response decompression: %w", err)
	}
	return resp, nil
}

type decodedBody struct {
	io.Reader
	decoder  io.Closer
	original io.ReadCloser
	release  func()
}

func (b *decodedBody) Close() error {
	var errDecoder error
	if b.decoder != nil {
		errDecoder = b.decoder.Close()
	}
	if b.release != nil {
		b.release()
		b.release = nil
	}
	return errors.Join(errDecoder, b.original.Close())
}

// DecompressResponse replaces resp.Body with a decoding reader for a single
// Content-Encoding layer. On error the body may be partially consumed.
func DecompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))

	var body *decodedBody
	switch encoding {
	case "", "identity":
		return nil
	case "gzip", "x-gzip":
		zr := gzipReaderPool.Get().(*gzip.Reader)
		if err := zr.Reset(resp.Body); err != nil {
			gzipReaderPool.Put(zr)
			return fmt.Errorf("gzip initialization error: %w", err)
		}
		body = &decodedBody{Reader: zr, decoder: zr, original: resp.Body, release: func() { gzipReaderPool.Put(zr) }}
	case "br":
		body = &decodedBody{Reader: brotli.NewReader(resp.Body), original: resp.Body}
	case "deflate":
		fr := flate.NewReader(resp.Body)
		body = &decodedBody{Reader: fr, decoder: fr, original: resp.Body}
	default:
		return fmt.Errorf("unsupported Content-Encoding: %s", encoding)
	}

	resp.Body = body
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}
