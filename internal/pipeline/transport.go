package pipeline

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// TransportPool hands out a per-upstream-host *http.Client, each configured
// for TLS 1.2+ with ALPN offering h2 and falling back to HTTP/1.1 (spec
// §4.1 step 9, §6.2). Clients are cached by host and timeout so
// connections are reused across requests with the same timeout.
type TransportPool struct {
	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewTransportPool creates an empty pool.
func NewTransportPool() *TransportPool {
	return &TransportPool{clients: make(map[string]*http.Client)}
}

// ClientFor returns the pooled client for host, building one on first use
// with connect/read/write timeouts derived from timeout (spec §4.1 step 9:
// "the resolved timeout applied to connect, read, and write phases
// separately").
func (p *TransportPool) ClientFor(host string, timeout time.Duration) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := host + "|" + timeout.String()
	if c, ok := p.clients[key]; ok {
		return c
	}

	c := buildClient(timeout)
	p.clients[key] = c
	return c
}

// connectTimeout is the fixed cap on TCP+TLS establishment (spec §5:
// "Timeouts: connect ≤ 10 s (fixed), total connect ≤ 15 s").
const connectTimeout = 10 * time.Second

func buildClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}

	transport := &http.Transport{
		DialContext: dialer.DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			NextProtos: []string{"h2", "http/1.1"},
		},
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   connectTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   16,
		ResponseHeaderTimeout: timeout,
	}
	// ForceAttemptHTTP2 negotiates h2 automatically when ALPN succeeds;
	// http2.ConfigureTransport is invoked explicitly so the fallback to
	// HTTP/1.1 keeps working for upstreams that don't speak h2 (spec §4.1
	// step 9 / §6.2: "ALPN offers h2,http/1.1").
	_ = http2.ConfigureTransport(transport)

	return &http.Client{Transport: transport, Timeout: timeout}
}

// DialContextWithTimeout is exposed for tests that need to assert connect
// behavior without a live network.
func DialContextWithTimeout(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: connectTimeout}
	return dialer.DialContext(ctx, network, addr)
}
