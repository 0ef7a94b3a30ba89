package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/robertkrimen/otto"

	"github.com/ricsam/isolated/internal/marshal"
)

const classWebSocket = "WebSocket"

// WSState mirrors the "connecting -> open -> closing -> closed" state
// machine from spec.md §4.6, used by both the outbound guest WebSocket
// client here and the inbound serve({websocket}) surface in serve.go.
type WSState int

const (
	WSConnecting WSState = iota
	WSOpen
	WSClosing
	WSClosed
)

// WebSocketState is the host-side state for a guest-initiated outbound
// WebSocket connection (spec.md §4.3 "WebSocket (guest-to-host outbound)").
type WebSocketState struct {
	mu    sync.Mutex
	conn  *websocket.Conn
	state WSState

	onMessage otto.Value
	onClose   otto.Value
	onError   otto.Value
}

// RegisterWebSocket installs the outbound WebSocket constructor, dialing
// through github.com/coder/websocket — the same library the pack's
// Workers-style bridge uses for its ws surface (see DESIGN.md).
func RegisterWebSocket(vm *otto.Otto, store *marshal.Store, mats *marshal.Materializers) error {
	mats.Register(classWebSocket, func(vm *otto.Otto, rec *marshal.Record) (otto.Value, error) {
		state, ok := rec.State.(*WebSocketState)
		if !ok {
			return otto.UndefinedValue(), fmt.Errorf("bridge: websocket record %d has wrong state type", rec.ID)
		}
		return materializeWebSocket(vm, rec.ID, state), nil
	})

	return vm.Set("WebSocket", func(call otto.FunctionCall) otto.Value {
		url := call.Argument(0).String()
		state := &WebSocketState{state: WSConnecting}
		rec := store.New(classWebSocket, state)

		go func() {
			conn, _, err := websocket.Dial(context.Background(), url, nil)
			state.mu.Lock()
			if err != nil {
				state.state = WSClosed
				state.mu.Unlock()
				return
			}
			state.conn = conn
			state.state = WSOpen
			state.mu.Unlock()
			readLoop(call.Otto, state)
		}()

		return materializeWebSocket(call.Otto, rec.ID, state)
	})
}

func readLoop(vm *otto.Otto, state *WebSocketState) {
	for {
		state.mu.Lock()
		conn := state.conn
		state.mu.Unlock()
		if conn == nil {
			return
		}
		typ, data, err := conn.Read(context.Background())
		if err != nil {
			state.mu.Lock()
			state.state = WSClosed
			onClose := state.onClose
			state.mu.Unlock()
			if onClose.IsFunction() {
				_, _ = onClose.Call(otto.UndefinedValue())
			}
			return
		}
		state.mu.Lock()
		onMessage := state.onMessage
		state.mu.Unlock()
		if onMessage.IsFunction() {
			var payload any
			if typ == websocket.MessageText {
				payload = string(data)
			} else {
				payload = marshal.Binary(data)
			}
			gv, err := marshal.ToGuest(vm, payload, nil, nil)
			if err == nil {
				_, _ = onMessage.Call(otto.UndefinedValue(), gv)
			}
		}
	}
}

func materializeWebSocket(vm *otto.Otto, id uint64, state *WebSocketState) otto.Value {
	obj, _ := vm.Object("({})")
	_ = tagClassInstance(obj, classWebSocket, id)

	_ = obj.Set("send", func(call otto.FunctionCall) otto.Value {
		state.mu.Lock()
		conn := state.conn
		state.mu.Unlock()
		if conn == nil {
			panic(call.Otto.MakeCustomError("InvalidStateError", "send() before WebSocket is open"))
		}
		arg := call.Argument(0)
		if arg.IsString() {
			s, _ := arg.ToString()
			_ = conn.Write(context.Background(), websocket.MessageText, []byte(s))
		} else {
			b := bytesFromArg(arg)
			_ = conn.Write(context.Background(), websocket.MessageBinary, b)
		}
		return otto.UndefinedValue()
	})

	_ = obj.Set("close", func(call otto.FunctionCall) otto.Value {
		state.mu.Lock()
		conn := state.conn
		state.state = WSClosing
		state.mu.Unlock()
		if conn != nil {
			code := websocket.StatusNormalClosure
			if n, err := call.Argument(0).ToInteger(); err == nil && n != 0 {
				code = websocket.StatusCode(n)
			}
			reason := call.Argument(1).String()
			_ = conn.Close(code, reason)
		}
		state.mu.Lock()
		state.state = WSClosed
		state.mu.Unlock()
		return otto.UndefinedValue()
	})

	defineCallbackProperty(obj, "onmessage", &state.onMessage, &state.mu)
	defineCallbackProperty(obj, "onclose", &state.onClose, &state.mu)
	defineCallbackProperty(obj, "onerror", &state.onError, &state.mu)

	return obj.Value()
}

// defineCallbackProperty backs an onmessage/onclose/onerror-style handler
// slot read by the connection's read loop. otto has no property-interception
// hook for plain assignment (`ws.onmessage = fn`), so addEventListener is
// the way in from guest code: each call here chains addEventListener to the
// one installed before it, so every event name reaches its own slot.
// Assigning ws.onmessage only sets a plain property the read loop never reads.
func defineCallbackProperty(obj *otto.Object, name string, slot *otto.Value, mu *sync.Mutex) {
	*slot = otto.UndefinedValue()
	_ = obj.Set(name, otto.UndefinedValue())
	prev, _ := obj.Get("addEventListener")
	_ = obj.Set("addEventListener", func(call otto.FunctionCall) otto.Value {
		evt := call.Argument(0).String()
		fn := call.Argument(1)
		if "on"+evt != name {
			if prev.IsFunction() {
				_, _ = prev.Call(otto.UndefinedValue(), call.Argument(0), fn)
			}
			return otto.UndefinedValue()
		}
		if !fn.IsFunction() {
			return otto.UndefinedValue()
		}
		mu.Lock()
		*slot = fn
		mu.Unlock()
		return otto.UndefinedValue()
	})
}
