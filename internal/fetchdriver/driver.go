// Package fetchdriver is the host-side collaborator behind the guest
// fetch() global: it owns the shared HTTP transport, performs the actual
// network request, and exposes the response as a byte stream so
// internal/bridge can wire it into a guest ReadableStream without buffering
// (spec.md §4.4 "External-fetch passthrough").
//
// Transport construction follows client.NewHTTPClient from the teacher
// almost field-for-field, but dials through uTLS so outbound guest fetches
// carry a real browser TLS fingerprint rather than Go's default one, and
// negotiates HTTP/2 the same way client/h2_transport.go does.
package fetchdriver

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"

	"github.com/ricsam/isolated/internal/proxypool"
)

// Config tunes the shared transport, mirroring config.Config's transport
// knobs.
type Config struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	RequestTimeout      time.Duration
	HelloID             utls.ClientHelloID

	// Proxies, when non-nil and non-empty, routes every outbound dial
	// through the pool's next upstream proxy (round-robin) via an HTTP
	// CONNECT tunnel before the uTLS handshake runs. Nil means dial
	// directly.
	Proxies *proxypool.Pool
}

// Driver performs outbound fetches on behalf of guest code. One Driver is
// shared by every isolate in the daemon, the same way the teacher's
// *http.Client pooling is meant to be reused rather than rebuilt per call
// (unlike the teacher, which gives each Session its own client — the daemon
// has no per-guest cookie-jar isolation requirement since guests manage
// their own Headers/cookies explicitly).
type Driver struct {
	client *http.Client
}

// New builds a Driver with a uTLS-backed, HTTP/2-capable transport.
func New(cfg Config) (*Driver, error) {
	helloID := cfg.HelloID
	if helloID == (utls.ClientHelloID{}) {
		helloID = utls.HelloChrome_Auto
	}

	dialTLS := utlsDialer(helloID, cfg.Proxies)

	transport := &http.Transport{
		DisableKeepAlives:     false,
		MaxIdleConns:          nonZero(cfg.MaxIdleConns, 500),
		MaxIdleConnsPerHost:   nonZero(cfg.MaxIdleConnsPerHost, 100),
		MaxConnsPerHost:       nonZero(cfg.MaxConnsPerHost, 200),
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		DialTLSContext:        dialTLS,
		// DisableCompression: guest code may ask for a specific body shape
		// (arrayBuffer vs text); we decode compression ourselves in
		// readBody so the byte stream handed to the bridge is always the
		// decoded payload, matching web-platform fetch() semantics.
		DisableCompression: true,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("fetchdriver: configure http2: %w", err)
	}

	return &Driver{client: &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
	}}, nil
}

func nonZero(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Request is the host-native shape of a guest Request, already stripped of
// bridge marshalling concerns.
type Request struct {
	Method  string
	URL     string
	Headers map[string][]string
	Body    io.Reader
}

// Response is the host-native shape of the network response. Body is the
// live, un-doubled-buffered response stream — callers must Close it.
type Response struct {
	Status     int
	StatusText string
	Headers    map[string][]string
	Body       io.ReadCloser
}

// Do issues req and returns the response with its body decompressed
// transparently but still streamed, never buffered — required so a guest
// `tee()` or `pipeThrough()` over fetch().body preserves chunk timing
// end-to-end (spec.md §4.4).
func (d *Driver) Do(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, req.Body)
	if err != nil {
		return nil, fmt.Errorf("fetchdriver: build request: %w", err)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Accept-Encoding") == "" {
		httpReq.Header.Set("Accept-Encoding", "gzip, br, zstd")
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetchdriver: %s %s: %w", req.Method, req.URL, err)
	}

	body, err := decodingBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("fetchdriver: decode body: %w", err)
	}

	return &Response{
		Status:     resp.StatusCode,
		StatusText: resp.Status,
		Headers:    map[string][]string(resp.Header),
		Body:       body,
	}, nil
}

// decodingBody wraps resp.Body with a streaming decompressor matching
// Content-Encoding, since DisableCompression leaves encoded bytes untouched.
func decodingBody(resp *http.Response) (io.ReadCloser, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return combinedCloser{Reader: gz, closers: []io.Closer{gz, resp.Body}}, nil
	case "br":
		return combinedCloser{Reader: brotli.NewReader(resp.Body), closers: []io.Closer{resp.Body}}, nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return combinedCloser{Reader: zr.IOReadCloser(), closers: []io.Closer{resp.Body}}, nil
	default:
		return resp.Body, nil
	}
}

type combinedCloser struct {
	io.Reader
	closers []io.Closer
}

func (c combinedCloser) Close() error {
	var first error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// utlsDialer mirrors client.UTLSDialer: dial the raw TCP connection (through
// proxies's next upstream proxy if one is configured), then perform the TLS
// handshake with uTLS's ClientHelloSpec for helloID so the handshake
// fingerprint matches a real browser instead of Go's default.
func utlsDialer(helloID utls.ClientHelloID, proxies *proxypool.Pool) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("fetchdriver: split addr %q: %w", addr, err)
		}

		var rawConn net.Conn
		var proxy proxypool.Proxy
		var viaProxy bool
		if proxies != nil {
			proxy, viaProxy = proxies.Next()
		}
		if viaProxy {
			rawConn, err = dialViaProxy(ctx, proxy, addr)
		} else {
			var d net.Dialer
			rawConn, err = d.DialContext(ctx, network, addr)
		}
		if err != nil {
			return nil, fmt.Errorf("fetchdriver: dial %s: %w", addr, err)
		}

		uConn := utls.UClient(rawConn, &utls.Config{ServerName: host}, helloID)
		if err := uConn.HandshakeContext(ctx); err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("fetchdriver: tls handshake %s: %w", addr, err)
		}
		return uConn, nil
	}
}

// dialViaProxy opens a plain TCP connection to proxy.Host and issues an
// HTTP CONNECT to target, returning the tunnel once the proxy answers 200 —
// the standard way to reach a TLS origin through a forward HTTP proxy.
func dialViaProxy(ctx context.Context, proxy proxypool.Proxy, target string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", proxy.Host)
	if err != nil {
		return nil, fmt.Errorf("dial proxy %s: %w", proxy.Host, err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if proxy.User != "" {
		req.Header.Set("Proxy-Authorization", "Basic "+basicAuth(proxy.User, proxy.Pass))
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT to proxy %s: %w", proxy.Host, err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response from proxy %s: %w", proxy.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy %s refused CONNECT to %s: %s", proxy.Host, target, resp.Status)
	}
	return conn, nil
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

// ParseURL validates a guest-supplied URL before it reaches net/http, giving
// a clearer TypeError than http.NewRequest's generic parse failure.
func ParseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("fetchdriver: invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("fetchdriver: unsupported scheme %q", u.Scheme)
	}
	return u, nil
}
