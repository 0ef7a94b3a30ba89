package bridge

import (
	"fmt"

	"github.com/robertkrimen/otto"

	"github.com/ricsam/isolated/internal/marshal"
	"github.com/ricsam/isolated/internal/stream"
)

const (
	classRequest  = "Request"
	classResponse = "Response"
)

// ClassRequest and ClassResponse name the class tags dispatcher-originated
// code (internal/dispatcher) needs when allocating Request/Response records
// directly rather than through the guest-side constructors.
const (
	ClassRequest  = classRequest
	ClassResponse = classResponse
)

// RequestState is the host-side state for a guest Request instance.
type RequestState struct {
	Method  string
	URL     string
	Headers *HeadersState
	Body    *stream.Session // nil for bodyless requests (GET, HEAD, …)
}

// ResponseState is the host-side state for a guest Response instance.
type ResponseState struct {
	Status     int
	StatusText string
	Headers    *HeadersState
	Body       *stream.Session // nil for bodyless responses (204, HEAD replies)
}

// RegisterRequest installs the Request constructor and materializer.
func RegisterRequest(store *marshal.Store, mats *marshal.Materializers) func(vm *otto.Otto) error {
	mats.Register(classRequest, func(vm *otto.Otto, rec *marshal.Record) (otto.Value, error) {
		state, ok := rec.State.(*RequestState)
		if !ok {
			return otto.UndefinedValue(), fmt.Errorf("bridge: request record %d has wrong state type", rec.ID)
		}
		return materializeRequest(vm, store, mats, rec.ID, state)
	})

	return func(vm *otto.Otto) error {
		return vm.Set("Request", func(call otto.FunctionCall) otto.Value {
			state := &RequestState{Method: "GET", Headers: NewHeadersState()}
			if urlArg := call.Argument(0); urlArg.IsString() {
				state.URL, _ = urlArg.ToString()
			}
			if initArg := call.Argument(1); initArg.IsObject() {
				applyRequestInit(store, initArg.Object(), state)
			}
			rec := store.New(classRequest, state)
			v, err := materializeRequest(call.Otto, store, mats, rec.ID, state)
			if err != nil {
				panic(call.Otto.MakeCustomError("TypeError", err.Error()))
			}
			return v
		})
	}
}

func applyRequestInit(store *marshal.Store, init *otto.Object, state *RequestState) {
	if m, err := init.Get("method"); err == nil && m.IsString() {
		state.Method, _ = m.ToString()
	}
	if h, err := init.Get("headers"); err == nil && h.IsObject() {
		if existing := lookupHeadersState(store, h); existing != nil {
			state.Headers = existing.Clone()
		} else if rec, err := marshal.ToHost(h); err == nil {
			if mrec, ok := rec.(map[string]any); ok {
				state.Headers = NewHeadersFromRecord(mrec)
			}
		}
	}
	if b, err := init.Get("body"); err == nil && !b.IsUndefined() && !b.IsNull() {
		sess := stream.NewSession(1 << 20)
		if s, sErr := b.ToString(); sErr == nil {
			go func() {
				_ = sess.Write([]byte(s))
				sess.End(stream.EndNormal, nil)
			}()
		}
		state.Body = sess
	}
}

func materializeRequest(vm *otto.Otto, store *marshal.Store, mats *marshal.Materializers, id uint64, state *RequestState) (otto.Value, error) {
	obj, err := vm.Object("({})")
	if err != nil {
		return otto.UndefinedValue(), err
	}
	if err := tagClassInstance(obj, classRequest, id); err != nil {
		return otto.UndefinedValue(), err
	}
	if err := obj.Set("method", state.Method); err != nil {
		return otto.UndefinedValue(), err
	}
	if err := obj.Set("url", state.URL); err != nil {
		return otto.UndefinedValue(), err
	}
	headersRec := store.New(classHeaders, state.Headers)
	headersVal, err := materializeHeaders(vm, store, headersRec.ID, state.Headers)
	if err != nil {
		return otto.UndefinedValue(), err
	}
	if err := obj.Set("headers", headersVal); err != nil {
		return otto.UndefinedValue(), err
	}

	if state.Body != nil {
		bodyRec := store.New(classReadableStream, &ReadableStreamState{Session: state.Body})
		bodyVal, err := materializeReadableStream(vm, store, mats, bodyRec.ID, bodyRec.State.(*ReadableStreamState))
		if err != nil {
			return otto.UndefinedValue(), err
		}
		_ = obj.Set("body", bodyVal)
		_ = obj.Set("text", func(call otto.FunctionCall) otto.Value {
			return drainAsString(call.Otto, bodyRec.State.(*ReadableStreamState))
		})
	} else {
		_ = obj.Set("body", otto.NullValue())
	}

	return obj.Value(), nil
}

// RegisterResponse installs the Response constructor and materializer.
func RegisterResponse(store *marshal.Store, mats *marshal.Materializers) func(vm *otto.Otto) error {
	mats.Register(classResponse, func(vm *otto.Otto, rec *marshal.Record) (otto.Value, error) {
		state, ok := rec.State.(*ResponseState)
		if !ok {
			return otto.UndefinedValue(), fmt.Errorf("bridge: response record %d has wrong state type", rec.ID)
		}
		return materializeResponse(vm, store, mats, rec.ID, state)
	})

	return func(vm *otto.Otto) error {
		return vm.Set("Response", func(call otto.FunctionCall) otto.Value {
			state := &ResponseState{Status: 200, StatusText: "OK", Headers: NewHeadersState()}

			bodyArg := call.Argument(0)
			if bodyArg.IsObject() && lookupStreamState(store, bodyArg) != nil {
				state.Body = lookupStreamState(store, bodyArg)
			} else if bodyArg.IsString() {
				s, _ := bodyArg.ToString()
				sess := stream.NewSession(1 << 20)
				go func() {
					_ = sess.Write([]byte(s))
					sess.End(stream.EndNormal, nil)
				}()
				state.Body = sess
			}

			if initArg := call.Argument(1); initArg.IsObject() {
				applyResponseInit(store, initArg.Object(), state)
			}

			rec := store.New(classResponse, state)
			v, err := materializeResponse(call.Otto, store, mats, rec.ID, state)
			if err != nil {
				panic(call.Otto.MakeCustomError("TypeError", err.Error()))
			}
			return v
		})
	}
}

// NewRequestRecord allocates a Request record for a dispatcher-originated
// inbound HTTP request (spec.md §4.6 "marshals the request as a guest
// Request"), without going through the guest-side Request constructor.
func NewRequestRecord(store *marshal.Store, state *RequestState) *marshal.Record {
	return store.New(classRequest, state)
}

// MaterializeRequest builds the guest-visible Request instance for rec,
// allocated via NewRequestRecord. Exported for internal/dispatcher, which
// has no other way to reach the unexported materializeRequest.
func MaterializeRequest(vm *otto.Otto, store *marshal.Store, mats *marshal.Materializers, rec *marshal.Record) (otto.Value, error) {
	state, ok := rec.State.(*RequestState)
	if !ok {
		return otto.UndefinedValue(), fmt.Errorf("bridge: request record %d has wrong state type", rec.ID)
	}
	return materializeRequest(vm, store, mats, rec.ID, state)
}

// LookupResponseState resolves v back to its host-side ResponseState when v
// is a guest Response instance, typically the return value of a guest's
// serve.fetch handler. Exported so internal/dispatcher can project that
// return value into a native HTTP response without reimplementing the
// class-tag lookup bridge already does internally (lookupHeadersState,
// lookupStreamState).
func LookupResponseState(store *marshal.Store, v otto.Value) (*ResponseState, bool) {
	if !v.IsObject() {
		return nil, false
	}
	classVal, err := v.Object().Get(marshal.MarkerClassName)
	if err != nil || !classVal.IsString() {
		return nil, false
	}
	if class, _ := classVal.ToString(); class != classResponse {
		return nil, false
	}
	idVal, err := v.Object().Get(marshal.MarkerInstanceID)
	if err != nil {
		return nil, false
	}
	idFloat, err := idVal.ToFloat()
	if err != nil {
		return nil, false
	}
	rec := store.Get(uint64(idFloat))
	if rec == nil {
		return nil, false
	}
	state, ok := rec.State.(*ResponseState)
	return state, ok
}

func lookupStreamState(store *marshal.Store, v otto.Value) *stream.Session {
	if !v.IsObject() {
		return nil
	}
	classVal, err := v.Object().Get(marshal.MarkerClassName)
	if err != nil || !classVal.IsString() {
		return nil
	}
	class, _ := classVal.ToString()
	if class != classReadableStream {
		return nil
	}
	idVal, err := v.Object().Get(marshal.MarkerInstanceID)
	if err != nil {
		return nil
	}
	idFloat, err := idVal.ToFloat()
	if err != nil {
		return nil
	}
	rec := store.Get(uint64(idFloat))
	if rec == nil {
		return nil
	}
	rs, _ := rec.State.(*ReadableStreamState)
	if rs == nil {
		return nil
	}
	return rs.Session
}

func applyResponseInit(store *marshal.Store, init *otto.Object, state *ResponseState) {
	if s, err := init.Get("status"); err == nil && s.IsNumber() {
		n, _ := s.ToInteger()
		state.Status = int(n)
	}
	if s, err := init.Get("statusText"); err == nil && s.IsString() {
		state.StatusText, _ = s.ToString()
	}
	if h, err := init.Get("headers"); err == nil && h.IsObject() {
		if existing := lookupHeadersState(store, h); existing != nil {
			state.Headers = existing.Clone()
		} else if rec, err := marshal.ToHost(h); err == nil {
			if mrec, ok := rec.(map[string]any); ok {
				state.Headers = NewHeadersFromRecord(mrec)
			}
		}
	}
}

func materializeResponse(vm *otto.Otto, store *marshal.Store, mats *marshal.Materializers, id uint64, state *ResponseState) (otto.Value, error) {
	obj, err := vm.Object("({})")
	if err != nil {
		return otto.UndefinedValue(), err
	}
	if err := tagClassInstance(obj, classResponse, id); err != nil {
		return otto.UndefinedValue(), err
	}
	_ = obj.Set("status", state.Status)
	_ = obj.Set("statusText", state.StatusText)
	_ = obj.Set("ok", state.Status >= 200 && state.Status < 300)

	headersRec := store.New(classHeaders, state.Headers)
	headersVal, err := materializeHeaders(vm, store, headersRec.ID, state.Headers)
	if err != nil {
		return otto.UndefinedValue(), err
	}
	_ = obj.Set("headers", headersVal)

	var bodyState *ReadableStreamState
	if state.Body != nil {
		bodyRec := store.New(classReadableStream, &ReadableStreamState{Session: state.Body})
		bodyState = bodyRec.State.(*ReadableStreamState)
		bodyVal, err := materializeReadableStream(vm, store, mats, bodyRec.ID, bodyState)
		if err != nil {
			return otto.UndefinedValue(), err
		}
		_ = obj.Set("body", bodyVal)
	} else {
		_ = obj.Set("body", otto.NullValue())
	}

	_ = obj.Set("text", func(call otto.FunctionCall) otto.Value {
		if bodyState == nil {
			v, _ := call.Otto.ToValue("")
			return v
		}
		return drainAsString(call.Otto, bodyState)
	})
	_ = obj.Set("json", func(call otto.FunctionCall) otto.Value {
		text := ""
		if bodyState != nil {
			tv := drainAsString(call.Otto, bodyState)
			text, _ = tv.ToString()
		}
		parsed, err := call.Otto.Call(`JSON.parse`, nil, text)
		if err != nil {
			panic(call.Otto.MakeCustomError("SyntaxError", err.Error()))
		}
		return parsed
	})
	_ = obj.Set("arrayBuffer", func(call otto.FunctionCall) otto.Value {
		text := ""
		if bodyState != nil {
			tv := drainAsString(call.Otto, bodyState)
			text, _ = tv.ToString()
		}
		gv, err := marshal.ToGuest(call.Otto, marshal.Binary(text), store, mats)
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		return gv
	})

	return obj.Value(), nil
}
