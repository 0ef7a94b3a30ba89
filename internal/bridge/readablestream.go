package bridge

import (
	"fmt"

	"github.com/robertkrimen/otto"

	"github.com/ricsam/isolated/internal/marshal"
	"github.com/ricsam/isolated/internal/stream"
)

const classReadableStream = "ReadableStream"

// ReadableStreamState backs a guest ReadableStream with a host
// stream.Session. drained guards against re-reading a body-consuming method
// more than once, matching spec.md §4.3's "body-consuming methods drain the
// stream once."
type ReadableStreamState struct {
	Session *stream.Session
	drained bool
}

// NewReadableStream allocates a Store record for sess and returns the
// guest-visible instance id it materialises under.
func NewReadableStream(store *marshal.Store, sess *stream.Session) *marshal.Record {
	return store.New(classReadableStream, &ReadableStreamState{Session: sess})
}

// RegisterReadableStream installs the materializer that builds
// tee/pipeThrough/getReader/text onto any ReadableStream instance.
// pipeTo is not provided.
func RegisterReadableStream(store *marshal.Store, mats *marshal.Materializers) {
	mats.Register(classReadableStream, func(vm *otto.Otto, rec *marshal.Record) (otto.Value, error) {
		state, ok := rec.State.(*ReadableStreamState)
		if !ok {
			return otto.UndefinedValue(), fmt.Errorf("bridge: readable stream record %d has wrong state type", rec.ID)
		}
		return materializeReadableStream(vm, store, mats, rec.ID, state)
	})
}

func materializeReadableStream(vm *otto.Otto, store *marshal.Store, mats *marshal.Materializers, id uint64, state *ReadableStreamState) (otto.Value, error) {
	obj, err := vm.Object("({})")
	if err != nil {
		return otto.UndefinedValue(), err
	}
	if err := tagClassInstance(obj, classReadableStream, id); err != nil {
		return otto.UndefinedValue(), err
	}

	_ = obj.Set("tee", func(call otto.FunctionCall) otto.Value {
		a, b := stream.Tee(state.Session, 1<<20)
		recA := store.New(classReadableStream, &ReadableStreamState{Session: a})
		recB := store.New(classReadableStream, &ReadableStreamState{Session: b})
		gvA, err := materializeReadableStream(call.Otto, store, mats, recA.ID, recA.State.(*ReadableStreamState))
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		gvB, err := materializeReadableStream(call.Otto, store, mats, recB.ID, recB.State.(*ReadableStreamState))
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		pair, _ := call.Otto.Object("([])")
		_ = pair.Set("0", gvA)
		_ = pair.Set("1", gvB)
		return pair.Value()
	})

	_ = obj.Set("pipeThrough", func(call otto.FunctionCall) otto.Value {
		tArg := call.Argument(0)
		_, writableRec := lookupClassStateWithID(store, tArg, "writable")
		readableID, readableRec := lookupClassStateWithID(store, tArg, "readable")
		inSess, ok1 := writableRec.(*WritableStreamState)
		outState, ok2 := readableRec.(*ReadableStreamState)
		if !ok1 || !ok2 {
			panic(call.Otto.MakeTypeError("pipeThrough requires a {writable, readable} transform"))
		}
		go pipeSessionInto(state.Session, inSess.Session)
		gv, err := materializeReadableStream(call.Otto, store, mats, readableID, outState)
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		return gv
	})

	_ = obj.Set("getReader", func(call otto.FunctionCall) otto.Value {
		return buildStreamReader(call.Otto, state)
	})

	_ = obj.Set("text", func(call otto.FunctionCall) otto.Value {
		return drainAsString(call.Otto, state)
	})

	return obj.Value(), nil
}

// lookupClassState resolves obj[prop] as a class-backed instance and
// returns its Record.State, or nil if prop is missing or not class-backed.
func lookupClassState(store *marshal.Store, obj otto.Value, prop string) any {
	_, state := lookupClassStateWithID(store, obj, prop)
	return state
}

// lookupClassStateWithID is lookupClassState plus the instance id, needed
// whenever the caller must rematerialise the same instance rather than
// allocate a new one (e.g. pipeThrough returning the transform's own
// readable, not a fresh record).
func lookupClassStateWithID(store *marshal.Store, obj otto.Value, prop string) (uint64, any) {
	if !obj.IsObject() {
		return 0, nil
	}
	v, err := obj.Object().Get(prop)
	if err != nil || !v.IsObject() {
		return 0, nil
	}
	classVal, err := v.Object().Get(marshal.MarkerClassName)
	if err != nil || !classVal.IsString() {
		return 0, nil
	}
	idVal, err := v.Object().Get(marshal.MarkerInstanceID)
	if err != nil {
		return 0, nil
	}
	idFloat, err := idVal.ToFloat()
	if err != nil {
		return 0, nil
	}
	id := uint64(idFloat)
	rec := store.Get(id)
	if rec == nil {
		return 0, nil
	}
	return id, rec.State
}

func pipeSessionInto(src, dst *stream.Session) {
	for {
		c := src.Next()
		if c.End {
			dst.End(c.EndAt, c.Err)
			return
		}
		if err := dst.Write(c.Bytes); err != nil {
			return
		}
	}
}

// buildStreamReader builds the minimal {read(), cancel()} reader contract
// used by guest code that drives a stream manually rather than via the
// whole-body convenience methods.
func buildStreamReader(vm *otto.Otto, state *ReadableStreamState) otto.Value {
	obj, _ := vm.Object("({})")
	_ = obj.Set("read", func(call otto.FunctionCall) otto.Value {
		c := state.Session.Next()
		result, _ := call.Otto.Object("({})")
		if c.End {
			_ = result.Set("done", true)
			_ = result.Set("value", otto.UndefinedValue())
			return result.Value()
		}
		gv, err := marshal.ToGuest(call.Otto, marshal.Binary(c.Bytes), nil, nil)
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		_ = result.Set("done", false)
		_ = result.Set("value", gv)
		return result.Value()
	})
	_ = obj.Set("cancel", func(call otto.FunctionCall) otto.Value {
		state.Session.Cancel(nil)
		return otto.UndefinedValue()
	})
	return obj.Value()
}

func drainAsString(vm *otto.Otto, state *ReadableStreamState) otto.Value {
	if state.drained {
		panic(vm.MakeTypeError("body stream already read"))
	}
	state.drained = true

	var buf []byte
	for {
		c := state.Session.Next()
		if c.End {
			if c.EndAt == stream.EndError {
				panic(vm.MakeCustomError("TypeError", fmt.Sprintf("body stream errored: %v", c.Err)))
			}
			break
		}
		buf = append(buf, c.Bytes...)
	}
	v, _ := vm.ToValue(string(buf))
	return v
}

const classWritableStream = "WritableStream"

// WritableStreamState backs a guest WritableStream with a host
// stream.Session that a TransformStream's enqueue() writes into.
type WritableStreamState struct {
	Session *stream.Session
}
