package connserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/ricsam/isolated/internal/config"
	"github.com/ricsam/isolated/internal/connauth"
	"github.com/ricsam/isolated/internal/fetchdriver"
	"github.com/ricsam/isolated/internal/frame"
	"github.com/ricsam/isolated/internal/isolate"
	"github.com/ricsam/isolated/internal/logger"
	"github.com/ricsam/isolated/internal/metrics"
	"github.com/ricsam/isolated/internal/wire"
)

type testClient struct {
	t      *testing.T
	w      *wire.Writer
	r      *wire.Reader
	nextID uint64
}

func newTestClient(t *testing.T, conns *connauth.Registry, cfg *config.Config) *testClient {
	t.Helper()
	return newTestClientWithFetch(t, conns, cfg, nil)
}

func newTestClientWithFetch(t *testing.T, conns *connauth.Registry, cfg *config.Config, fetch *fetchdriver.Driver) *testClient {
	t.Helper()
	server, client := net.Pipe()

	s := New(isolate.NewManager(0), conns, metrics.NewMetrics(), fetch, cfg, logger.New(logger.LevelError))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		client.Close()
	})
	go s.handleConn(ctx, server)

	return &testClient{t: t, w: wire.NewWriter(client), r: wire.NewReader(client)}
}

// readFrame reads the next raw frame with a timeout, for assertions against
// server-pushed frames (e.g. an outbound KindWSMessage) that request's
// response-only reader loop would otherwise discard.
func (c *testClient) readFrame(timeout time.Duration) (wire.RawFrame, error) {
	type result struct {
		rf  wire.RawFrame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		rf, err := c.r.ReadFrame()
		ch <- result{rf, err}
	}()
	select {
	case res := <-ch:
		return res.rf, res.err
	case <-time.After(timeout):
		return wire.RawFrame{}, fmt.Errorf("timed out waiting for a frame")
	}
}

func (c *testClient) request(target, verb string, args ...any) frame.Response {
	c.t.Helper()
	c.nextID++
	id := c.nextID

	vals := make([]frame.Value, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			c.t.Fatalf("marshal arg: %v", err)
		}
		vals[i] = b
	}

	body := wire.EncodeRequest(frame.Request{RequestID: id, Target: target, Verb: verb, Args: vals})
	if err := c.w.WriteFrame(frame.KindRequest, body); err != nil {
		c.t.Fatalf("WriteFrame: %v", err)
	}

	done := make(chan frame.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		for {
			rf, err := c.r.ReadFrame()
			if err != nil {
				errCh <- err
				return
			}
			if rf.Kind != frame.KindResponse {
				continue
			}
			resp, err := wire.DecodeResponse(rf.Body)
			if err != nil {
				errCh <- err
				return
			}
			if resp.RequestID == id {
				done <- resp
				return
			}
		}
	}()

	select {
	case resp := <-done:
		return resp
	case err := <-errCh:
		c.t.Fatalf("ReadFrame: %v", err)
	case <-time.After(2 * time.Second):
		c.t.Fatalf("timed out waiting for response to request %d (%s)", id, verb)
	}
	return frame.Response{}
}

func TestCreateRuntimeEvalAndClose(t *testing.T) {
	c := newTestClient(t, nil, nil)

	resp := c.request("", "createRuntime", map[string]any{"capabilities": []string{"timers"}})
	if resp.Err != nil {
		t.Fatalf("createRuntime error: %+v", resp.Err)
	}
	var isoID float64
	if err := json.Unmarshal(resp.Result, &isoID); err != nil {
		t.Fatalf("unmarshal isolate id: %v", err)
	}
	target := formatID(isoID)

	resp = c.request(target, "eval", "1 + 1")
	if resp.Err != nil {
		t.Fatalf("eval error: %+v", resp.Err)
	}
	var sum float64
	if err := json.Unmarshal(resp.Result, &sum); err != nil {
		t.Fatalf("unmarshal eval result: %v", err)
	}
	if sum != 2 {
		t.Fatalf("eval result = %v, want 2", sum)
	}

	resp = c.request(target, "eval", "typeof setTimeout")
	if resp.Err != nil {
		t.Fatalf("eval error: %+v", resp.Err)
	}
	var typ string
	if err := json.Unmarshal(resp.Result, &typ); err != nil {
		t.Fatalf("unmarshal eval result: %v", err)
	}
	if typ != "function" {
		t.Fatalf("typeof setTimeout = %q, want function (timers capability was requested)", typ)
	}

	resp = c.request(target, "close")
	if resp.Err != nil {
		t.Fatalf("close error: %+v", resp.Err)
	}

	resp = c.request(target, "eval", "1")
	if resp.Err == nil {
		t.Fatal("expected eval against a closed runtime to fail")
	}
}

func TestEvalAgainstUnknownRuntimeReturnsNotFoundError(t *testing.T) {
	c := newTestClient(t, nil, nil)
	resp := c.request("999", "eval", "1")
	if resp.Err == nil || resp.Err.Name != "NotFoundError" {
		t.Fatalf("resp.Err = %+v, want NotFoundError", resp.Err)
	}
}

func TestUnauthenticatedRequestIsRejectedUntilAuth(t *testing.T) {
	conns := connauth.NewRegistry([]string{"secret-token"}, 0, 0)
	c := newTestClient(t, conns, nil)

	resp := c.request("", "ping")
	if resp.Err == nil || resp.Err.Name != "NotAllowedError" {
		t.Fatalf("resp.Err = %+v, want NotAllowedError before auth", resp.Err)
	}

	resp = c.request("", "auth", "wrong-token")
	if resp.Err == nil {
		t.Fatal("expected auth with a wrong token to fail")
	}

	resp = c.request("", "auth", "secret-token")
	if resp.Err != nil {
		t.Fatalf("auth error: %+v", resp.Err)
	}

	resp = c.request("", "ping")
	if resp.Err != nil {
		t.Fatalf("ping after auth: %+v", resp.Err)
	}
}

func TestDefaultConfigSuppliesMemoryLimitWhenUnset(t *testing.T) {
	cfg := config.DefaultConfig()
	c := newTestClient(t, nil, cfg)
	resp := c.request("", "createRuntime", map[string]any{})
	if resp.Err != nil {
		t.Fatalf("createRuntime error: %+v", resp.Err)
	}
}

func formatID(f float64) string {
	return strconv.FormatInt(int64(f), 10)
}

func TestWebSocketUpgradeRoutesInboundMessagesAndClose(t *testing.T) {
	fetch, err := fetchdriver.New(fetchdriver.Config{})
	if err != nil {
		t.Fatalf("fetchdriver.New: %v", err)
	}
	c := newTestClientWithFetch(t, nil, nil, fetch)

	resp := c.request("", "createRuntime", map[string]any{"capabilities": []string{"fetch"}})
	if resp.Err != nil {
		t.Fatalf("createRuntime error: %+v", resp.Err)
	}
	var isoID float64
	if err := json.Unmarshal(resp.Result, &isoID); err != nil {
		t.Fatalf("unmarshal isolate id: %v", err)
	}
	target := formatID(isoID)

	resp = c.request(target, "eval", `
		var closed = false;
		serve({
			websocket: {
				open: function(ws) {},
				message: function(ws, payload) { ws.send("echo:" + payload); },
				close: function(ws, code, reason) { closed = true; }
			}
		});
	`)
	if resp.Err != nil {
		t.Fatalf("eval serve error: %+v", resp.Err)
	}

	resp = c.request(target, "fetch.dispatchUpgrade", map[string]any{
		"method":       "GET",
		"url":          "/ws/chat",
		"connectionId": 42,
	})
	if resp.Err != nil {
		t.Fatalf("fetch.dispatchUpgrade error: %+v", resp.Err)
	}

	msgBody := wire.EncodeWSMessage(frame.WSMessage{ConnectionID: 42, Text: true, Bytes: []byte("hi")})
	if err := c.w.WriteFrame(frame.KindWSMessage, msgBody); err != nil {
		t.Fatalf("write ws message: %v", err)
	}

	rf, err := c.readFrame(2 * time.Second)
	if err != nil {
		t.Fatalf("read ws message: %v", err)
	}
	if rf.Kind != frame.KindWSMessage {
		t.Fatalf("frame kind = %d, want KindWSMessage", rf.Kind)
	}
	out, err := wire.DecodeWSMessage(rf.Body)
	if err != nil {
		t.Fatalf("decode ws message: %v", err)
	}
	if out.ConnectionID != 42 || !out.Text || string(out.Bytes) != "echo:hi" {
		t.Fatalf("ws message = %+v, want text \"echo:hi\" on connection 42", out)
	}

	closeBody := wire.EncodeWSClose(frame.WSClose{ConnectionID: 42, Code: 1000, Reason: "bye"})
	if err := c.w.WriteFrame(frame.KindWSClose, closeBody); err != nil {
		t.Fatalf("write ws close: %v", err)
	}

	// The close handler flips `closed` inside the guest; poll via eval since
	// dispatching close runs on its own goroutine.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp = c.request(target, "eval", "closed")
		var got bool
		if err := json.Unmarshal(resp.Result, &got); err == nil && got {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for websocket close handler to run")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketMessageToUnknownConnectionIsDiscarded(t *testing.T) {
	c := newTestClient(t, nil, nil)
	body := wire.EncodeWSMessage(frame.WSMessage{ConnectionID: 999, Text: true, Bytes: []byte("hi")})
	if err := c.w.WriteFrame(frame.KindWSMessage, body); err != nil {
		t.Fatalf("write ws message: %v", err)
	}
	// No ServerSocket is registered for connection 999, so the frame must be
	// dropped rather than panicking or crashing the connection; confirm the
	// connection is still alive by issuing an ordinary request afterwards.
	resp := c.request("", "ping")
	if resp.Err != nil {
		t.Fatalf("ping after unmatched ws message: %+v", resp.Err)
	}
}
