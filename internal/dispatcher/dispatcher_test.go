package dispatcher

import (
	"context"
	"testing"

	"github.com/ricsam/isolated/internal/bridge"
	"github.com/ricsam/isolated/internal/isolate"
	"github.com/ricsam/isolated/internal/marshal"
)

func newTestTarget(t *testing.T) *Target {
	t.Helper()
	store := marshal.NewStore()
	mats := marshal.NewMaterializers()
	iso, err := isolate.New(isolate.Config{ID: 1, Store: store, Mats: mats})
	if err != nil {
		t.Fatalf("isolate.New: %v", err)
	}
	vm := iso.VM()

	if err := bridge.RegisterHeaders(vm, store, mats); err != nil {
		t.Fatalf("RegisterHeaders: %v", err)
	}
	bridge.RegisterReadableStream(store, mats)
	if err := bridge.RegisterRequest(store, mats)(vm); err != nil {
		t.Fatalf("RegisterRequest: %v", err)
	}
	if err := bridge.RegisterResponse(store, mats)(vm); err != nil {
		t.Fatalf("RegisterResponse: %v", err)
	}
	bridge.RegisterServerSocket(mats)

	handlers := bridge.NewHandlers()
	if err := bridge.RegisterServe(vm, handlers, store, mats); err != nil {
		t.Fatalf("RegisterServe: %v", err)
	}

	return &Target{Isolate: iso, Handlers: handlers, Store: store, Mats: mats}
}

func TestDispatchHTTPRoutesIntoServeFetchHandler(t *testing.T) {
	target := newTestTarget(t)

	_, err := target.Isolate.Run(context.Background(), `
		serve({
			fetch(req) {
				return new Response(JSON.stringify({method: req.method, url: req.url}), {
					status: 201,
					headers: {'content-type': 'application/json'},
				});
			},
		});
	`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	resp, err := DispatchHTTP(context.Background(), target, &HTTPRequest{
		Method: "POST",
		URL:    "http://example.com/hello",
	})
	if err != nil {
		t.Fatalf("DispatchHTTP: %v", err)
	}
	if resp.Status != 201 {
		t.Errorf("Status = %d, want 201", resp.Status)
	}
	if resp.Body == nil {
		t.Fatal("expected a response body stream")
	}
	var body []byte
	for {
		chunk := resp.Body.Next()
		body = append(body, chunk.Bytes...)
		if chunk.End {
			break
		}
	}
	if string(body) != `{"method":"POST","url":"http://example.com/hello"}` {
		t.Fatalf("body = %q", body)
	}
	foundContentType := false
	for _, h := range resp.Headers {
		if h[0] == "content-type" && h[1] == "application/json" {
			foundContentType = true
		}
	}
	if !foundContentType {
		t.Fatalf("headers = %v, want content-type: application/json", resp.Headers)
	}
}

func TestDispatchHTTPWithoutHandlerErrors(t *testing.T) {
	target := newTestTarget(t)
	_, err := DispatchHTTP(context.Background(), target, &HTTPRequest{Method: "GET", URL: "http://x/"})
	if err != ErrNoFetchHandler {
		t.Fatalf("err = %v, want ErrNoFetchHandler", err)
	}
}

func TestUpgradeDispatchesOpenWithRematerialisedData(t *testing.T) {
	target := newTestTarget(t)

	_, err := target.Isolate.Run(context.Background(), `
		var lastRoom = null;
		serve({
			fetch(req) { return new Response('ok'); },
			websocket: {
				open(ws) { lastRoom = ws.data.room; },
				message(ws, payload) { ws.send('echo:' + payload); },
				close(ws, code, reason) { lastRoom = 'closed:' + code; },
			},
		});
	`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sent []string
	sock, err := Upgrade(context.Background(), target, UpgradeIntent{
		Data: map[string]any{"room": "lobby"},
		Send: func(msgType int, payload []byte) error {
			sent = append(sent, string(payload))
			return nil
		},
		Close: func(code int, reason string) error { return nil },
	})
	if err != nil {
		t.Fatalf("Upgrade: %v", err)
	}

	v, err := target.Isolate.Run(context.Background(), "lastRoom")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	s, _ := v.ToString()
	if s != "lobby" {
		t.Fatalf("lastRoom = %q, want lobby", s)
	}

	if err := DispatchMessage(context.Background(), target, sock, []byte("hi"), true); err != nil {
		t.Fatalf("DispatchMessage: %v", err)
	}
	if len(sent) != 1 || sent[0] != "echo:hi" {
		t.Fatalf("sent = %v, want [echo:hi]", sent)
	}

	if err := DispatchClose(context.Background(), target, sock, 1001, "bye"); err != nil {
		t.Fatalf("DispatchClose: %v", err)
	}
	v2, err := target.Isolate.Run(context.Background(), "lastRoom")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	s2, _ := v2.ToString()
	if s2 != "closed:1001" {
		t.Fatalf("lastRoom after close = %q, want closed:1001", s2)
	}
}
