// Package dispatcher routes inbound native HTTP requests and WebSocket
// events into the right isolate's registered serve({fetch, websocket})
// handlers (spec.md §4.6), and projects whatever the guest returns back into
// host-native values for the platform listener or the IPC connection.
//
// otto has no Promise/microtask scheduler of its own, so — matching
// internal/bridge's fetch() and crypto.subtle, which already resolve
// host I/O synchronously on the calling goroutine before returning to the
// guest — a guest's serve.fetch handler is expected to return its Response
// directly rather than a thenable. The isolate's own mutex (via iso.Call)
// still serialises every guest-visible call, so two dispatches into the same
// isolate never interleave.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/robertkrimen/otto"

	"github.com/ricsam/isolated/internal/bridge"
	"github.com/ricsam/isolated/internal/isolate"
	"github.com/ricsam/isolated/internal/marshal"
	"github.com/ricsam/isolated/internal/stream"
)

// HTTPRequest carries everything a dispatched inbound request needs,
// matching spec.md §4.6's "(method, url, headers, body-as-stream-or-bytes)".
type HTTPRequest struct {
	Method  string
	URL     string
	Headers [][2]string
	Body    *stream.Session // nil for a bodyless request
}

// HTTPResponse is the host-native projection of whatever the guest's
// serve.fetch handler returned.
type HTTPResponse struct {
	Status     int
	StatusText string
	Headers    [][2]string
	Body       *stream.Session // nil for a bodyless response
}

// ErrNoFetchHandler is returned when the target isolate never called
// serve({fetch: ...}).
var ErrNoFetchHandler = fmt.Errorf("dispatcher: isolate has no serve({fetch}) handler registered")

// Target bundles the isolate-scoped collaborators a dispatch needs: the
// isolate itself (for serialised Call), its registered serve handlers, and
// the marshal store/materializers that back its class-tagged objects.
type Target struct {
	Isolate  *isolate.Isolate
	Handlers *bridge.Handlers
	Store    *marshal.Store
	Mats     *marshal.Materializers
}

// DispatchHTTP marshals req as a guest Request, invokes the target's
// registered serve.fetch handler, and projects the returned guest Response
// back into an HTTPResponse (spec.md §4.6 first paragraph).
func DispatchHTTP(ctx context.Context, t *Target, req *HTTPRequest) (*HTTPResponse, error) {
	fetchFn, ok := t.Handlers.Fetch()
	if !ok {
		return nil, ErrNoFetchHandler
	}

	reqState := &bridge.RequestState{
		Method:  req.Method,
		URL:     req.URL,
		Headers: bridge.NewHeadersFromPairs(req.Headers),
		Body:    req.Body,
	}
	rec := bridge.NewRequestRecord(t.Store, reqState)

	vm := t.Isolate.VM()
	reqVal, err := bridge.MaterializeRequest(vm, t.Store, t.Mats, rec)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: materialize request: %w", err)
	}

	result, err := t.Isolate.Call(ctx, fetchFn, otto.UndefinedValue(), reqVal)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: serve.fetch handler: %w", err)
	}

	respState, ok := bridge.LookupResponseState(t.Store, result)
	if !ok {
		return nil, fmt.Errorf("dispatcher: serve.fetch handler did not return a Response")
	}

	return &HTTPResponse{
		Status:     respState.Status,
		StatusText: respState.StatusText,
		Headers:    respState.Headers.Entries(),
		Body:       respState.Body,
	}, nil
}

// UpgradeIntent is what the caller (internal/connserver, handling a
// client's fetch.dispatchUpgrade request) supplies for one accepted
// WebSocket. Dispatcher itself does not sniff HTTP headers; the client
// decides which requests become WebSockets, and internal/connserver owns
// the actual net.Conn.
type UpgradeIntent struct {
	// Data is the per-connection value the client passed as
	// fetch.dispatchUpgrade's data argument. It is exposed as ws.data on
	// the socket value handed to every open/message/close dispatch.
	Data any
	Send func(messageType int, payload []byte) error
	Close func(code int, reason string) error
}

// ServerSocket is the dispatcher's handle on one accepted inbound WebSocket
// connection: the host-side state plus the single guest-visible `ws` value
// reused across open/message/close so the guest always sees the same
// instance for one connection's lifetime.
type ServerSocket struct {
	Record *marshal.Record
	State  *bridge.ServerSocketState
	Value  otto.Value
}

// Upgrade accepts intent into a ServerSocket and dispatches open(ws) into
// the target isolate (spec.md §4.6 "On upgrade it ... dispatches open(ws)
// into the guest with ws.data rematerialised").
func Upgrade(ctx context.Context, t *Target, intent UpgradeIntent) (*ServerSocket, error) {
	open, _, _, _ := t.Handlers.WebSocketHooks()

	rec, _ := bridge.NewServerSocket(t.Store, intent.Data, intent.Send, intent.Close)
	vm := t.Isolate.VM()
	val, err := bridge.MaterializeServerSocket(vm, rec)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: materialize server socket: %w", err)
	}
	sock := &ServerSocket{Record: rec, State: rec.State.(*bridge.ServerSocketState), Value: val}

	if open.IsFunction() {
		if _, err := t.Isolate.Call(ctx, open, otto.UndefinedValue(), sock.Value); err != nil {
			return sock, fmt.Errorf("dispatcher: websocket open handler: %w", err)
		}
	}
	return sock, nil
}

// DispatchMessage forwards one inbound WebSocket frame to the target
// isolate's registered message(ws, payload) handler. text is true for a
// text frame (payload decodes as UTF-8 string), false for binary
// (payload crosses as a byte sequence) — spec.md §4.6 "Inbound messages are
// forwarded as-is".
func DispatchMessage(ctx context.Context, t *Target, sock *ServerSocket, payload []byte, text bool) error {
	_, message, _, _ := t.Handlers.WebSocketHooks()
	if !message.IsFunction() {
		return nil
	}
	vm := t.Isolate.VM()
	var guestPayload any
	if text {
		guestPayload = string(payload)
	} else {
		guestPayload = marshal.Binary(payload)
	}
	payloadVal, err := marshal.ToGuest(vm, guestPayload, t.Store, t.Mats)
	if err != nil {
		return fmt.Errorf("dispatcher: marshal websocket message: %w", err)
	}
	if _, err := t.Isolate.Call(ctx, message, otto.UndefinedValue(), sock.Value, payloadVal); err != nil {
		return fmt.Errorf("dispatcher: websocket message handler: %w", err)
	}
	return nil
}

// DispatchClose dispatches close(ws, code, reason) into the guest when the
// underlying socket goes away, and marks sock closed.
func DispatchClose(ctx context.Context, t *Target, sock *ServerSocket, code int, reason string) error {
	sock.State.SetClosed()
	_, _, closeFn, _ := t.Handlers.WebSocketHooks()
	if !closeFn.IsFunction() {
		return nil
	}
	codeVal, _ := t.Isolate.VM().ToValue(code)
	reasonVal, _ := t.Isolate.VM().ToValue(reason)
	if _, err := t.Isolate.Call(ctx, closeFn, otto.UndefinedValue(), sock.Value, codeVal, reasonVal); err != nil {
		return fmt.Errorf("dispatcher: websocket close handler: %w", err)
	}
	return nil
}
