// Package tlsutil provides centralized TLS configuration for the HTTP
// clients that talk to the generation backend.
// 安全加固：TLS 1.2+，仅 AEAD 密码套件。
package tlsutil

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// DefaultTLSConfig returns a hardened TLS configuration.
// MinVersion TLS 1.2, AEAD-only cipher suites.
func DefaultTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
}

// SecureTransport returns an http.Transport with TLS hardening.
// dialTimeout bounds TCP connect + TLS handshake separately from any
// request-level deadline.
func SecureTransport(dialTimeout time.Duration) *http.Transport {
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	return &http.Transport{
		TLSClientConfig: DefaultTLSConfig(),
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   dialTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// SecureHTTPClient returns an http.Client for short control calls.
func SecureHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: SecureTransport(timeout),
	}
}

// StreamingHTTPClient returns an http.Client for long-lived event streams.
// It has no overall Timeout (the body stays open for the session lifetime);
// only the response headers must arrive within headerTimeout.
func StreamingHTTPClient(headerTimeout time.Duration) *http.Client {
	tr := SecureTransport(headerTimeout)
	tr.ResponseHeaderTimeout = headerTimeout
	// SSE 需要逐帧刷新，禁止透明压缩
	tr.DisableCompression = true
	return &http.Client{Transport: tr}
}
