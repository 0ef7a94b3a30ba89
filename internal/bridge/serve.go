package bridge

import (
	"fmt"
	"sync"

	"github.com/robertkrimen/otto"

	"github.com/ricsam/isolated/internal/marshal"
)

const classServerConn = "ServerWebSocket"

// Handlers is what a guest's serve({fetch, websocket}) call registers.
// The dispatcher (internal/dispatcher) looks these up per isolate to route
// inbound HTTP requests and WebSocket events (spec.md §4.6).
type Handlers struct {
	mu        sync.RWMutex
	fetch     otto.Value
	open      otto.Value
	message   otto.Value
	close     otto.Value
	drain     otto.Value
	hasServer bool
}

// NewHandlers creates an empty handler table; RegisterServe fills it in as
// the guest calls serve().
func NewHandlers() *Handlers {
	return &Handlers{}
}

// Fetch returns the registered fetch handler, or an undefined Value and
// false if the guest never called serve({fetch: ...}).
func (h *Handlers) Fetch() (otto.Value, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.fetch, h.fetch.IsFunction()
}

// WebSocketHooks returns the open/message/close/drain handlers registered
// under serve({websocket: {...}}).
func (h *Handlers) WebSocketHooks() (open, message, close, drain otto.Value) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.open, h.message, h.close, h.drain
}

// RegisterServe installs the serve() global. serve's return value exposes
// upgrade(req, {data}), which records nothing and always returns true: a
// WebSocket upgrade is started by the client's fetch.dispatchUpgrade verb,
// which also supplies the socket's data. The dispatcher drives the
// HTTP/WebSocket lifecycle from Handlers, not from the guest-visible return
// value.
func RegisterServe(vm *otto.Otto, handlers *Handlers, store *marshal.Store, mats *marshal.Materializers) error {
	return vm.Set("serve", func(call otto.FunctionCall) otto.Value {
		opts := call.Argument(0)
		if !opts.IsObject() {
			panic(call.Otto.MakeTypeError("serve(options): options must be an object"))
		}
		obj := opts.Object()

		handlers.mu.Lock()
		if fetchFn, err := obj.Get("fetch"); err == nil && fetchFn.IsFunction() {
			handlers.fetch = fetchFn
		}
		if wsOpts, err := obj.Get("websocket"); err == nil && wsOpts.IsObject() {
			wsObj := wsOpts.Object()
			if f, err := wsObj.Get("open"); err == nil && f.IsFunction() {
				handlers.open = f
			}
			if f, err := wsObj.Get("message"); err == nil && f.IsFunction() {
				handlers.message = f
			}
			if f, err := wsObj.Get("close"); err == nil && f.IsFunction() {
				handlers.close = f
			}
			if f, err := wsObj.Get("drain"); err == nil && f.IsFunction() {
				handlers.drain = f
			}
		}
		handlers.hasServer = true
		handlers.mu.Unlock()

		server, err := vm.Object("({})")
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		_ = server.Set("upgrade", func(inner otto.FunctionCall) otto.Value {
			// Neither req nor the data option is recorded and no transport
			// is switched here; the call always reports success. Upgrades
			// are driven by the client through fetch.dispatchUpgrade.
			v, _ := inner.Otto.ToValue(true)
			return v
		})
		return server.Value()
	})
}

// ServerSocketState is the host-side record for an accepted inbound
// WebSocket connection dispatched by serve({websocket}), distinct from the
// outbound WebSocketState used by the guest-initiated WebSocket client.
type ServerSocketState struct {
	mu    sync.Mutex
	state WSState
	data  any

	Send  func(messageType int, payload []byte) error
	Close func(code int, reason string) error
}

// NewServerSocket registers a ServerWebSocket instance in store for a
// freshly upgraded inbound connection, so the dispatcher can materialize
// `ws` for open/message/close handlers with the guest's own ws.data
// attached (spec.md §4.6 "dispatches open(ws) into the guest with ws.data
// rematerialised").
func NewServerSocket(store *marshal.Store, data any, send func(int, []byte) error, closeFn func(int, string) error) (*marshal.Record, *ServerSocketState) {
	state := &ServerSocketState{state: WSOpen, data: data, Send: send, Close: closeFn}
	return store.New(classServerConn, state), state
}

// SetClosed transitions state to WSClosed without invoking Close, for the
// case where the dispatcher learns the underlying connection is already
// gone (so Close would be redundant or fail) and only needs to update the
// guest-visible state before dispatching the close(ws, ...) handler.
func (s *ServerSocketState) SetClosed() {
	s.mu.Lock()
	s.state = WSClosed
	s.mu.Unlock()
}

// RegisterServerSocket installs the materializer that rebuilds a
// ServerWebSocket's guest-visible shape (send/close/data) whenever the
// dispatcher hands one to a websocket handler.
func RegisterServerSocket(mats *marshal.Materializers) {
	mats.Register(classServerConn, func(vm *otto.Otto, rec *marshal.Record) (otto.Value, error) {
		state, ok := rec.State.(*ServerSocketState)
		if !ok {
			return otto.UndefinedValue(), fmt.Errorf("bridge: server socket record %d has wrong state type", rec.ID)
		}
		return materializeServerSocket(vm, rec.ID, state)
	})
}

// MaterializeServerSocket builds the guest-visible ws handle for rec
// (allocated via NewServerSocket), so the dispatcher can pass it into the
// open/message/close hooks registered by serve({websocket}).
func MaterializeServerSocket(vm *otto.Otto, rec *marshal.Record) (otto.Value, error) {
	state, ok := rec.State.(*ServerSocketState)
	if !ok {
		return otto.UndefinedValue(), fmt.Errorf("bridge: server socket record %d has wrong state type", rec.ID)
	}
	return materializeServerSocket(vm, rec.ID, state)
}

func materializeServerSocket(vm *otto.Otto, id uint64, state *ServerSocketState) (otto.Value, error) {
	obj, err := vm.Object("({})")
	if err != nil {
		return otto.UndefinedValue(), err
	}
	if err := tagClassInstance(obj, classServerConn, id); err != nil {
		return otto.UndefinedValue(), err
	}

	_ = obj.Set("data", state.data)

	_ = obj.Set("send", func(call otto.FunctionCall) otto.Value {
		arg := call.Argument(0)
		if arg.IsString() {
			s, _ := arg.ToString()
			_ = state.Send(1, []byte(s))
		} else {
			_ = state.Send(2, bytesFromArg(arg))
		}
		return otto.UndefinedValue()
	})

	_ = obj.Set("close", func(call otto.FunctionCall) otto.Value {
		code := 1000
		if n, err := call.Argument(0).ToInteger(); err == nil && n != 0 {
			code = int(n)
		}
		reason := call.Argument(1).String()
		state.mu.Lock()
		state.state = WSClosing
		state.mu.Unlock()
		_ = state.Close(code, reason)
		state.mu.Lock()
		state.state = WSClosed
		state.mu.Unlock()
		return otto.UndefinedValue()
	})

	return obj.Value(), nil
}
