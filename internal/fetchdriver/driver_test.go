package fetchdriver

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/ricsam/isolated/internal/proxypool"
)

// fakeConnectProxy accepts one CONNECT request, answers 200, then closes the
// connection — enough to exercise dialViaProxy's request/response handling
// without a real upstream proxy.
func fakeConnectProxy(t *testing.T) (addr string, gotTarget chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	gotTarget = make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		gotTarget <- req.Host
		conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
		// Returning runs the deferred Close; the 200 is already written.
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), gotTarget
}

func TestDialViaProxyIssuesConnectToTarget(t *testing.T) {
	addr, gotTarget := fakeConnectProxy(t)

	conn, err := dialViaProxy(context.Background(), proxypool.Proxy{Host: addr}, "example.com:443")
	if err != nil {
		t.Fatalf("dialViaProxy: %v", err)
	}
	defer conn.Close()

	select {
	case target := <-gotTarget:
		if target != "example.com:443" {
			t.Fatalf("CONNECT target = %q, want example.com:443", target)
		}
	default:
		t.Fatal("proxy never observed a CONNECT request")
	}
}

func TestDialViaProxySendsBasicAuth(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	authHeader := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		authHeader <- req.Header.Get("Proxy-Authorization")
		conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	}()

	conn, err := dialViaProxy(context.Background(), proxypool.Proxy{
		Host: ln.Addr().String(), User: "alice", Pass: "secret",
	}, "example.com:443")
	if err != nil {
		t.Fatalf("dialViaProxy: %v", err)
	}
	defer conn.Close()

	got := <-authHeader
	if !strings.HasPrefix(got, "Basic ") {
		t.Fatalf("Proxy-Authorization = %q, want a Basic prefix", got)
	}
}

func TestDialViaProxyNonOKStatusFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		bufio.NewReader(conn).ReadString('\n')
		conn.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"))
	}()

	_, err = dialViaProxy(context.Background(), proxypool.Proxy{Host: ln.Addr().String()}, "example.com:443")
	if err == nil {
		t.Fatal("expected an error for a non-200 CONNECT response")
	}
}
