// Package bridge injects the guest-visible globals described in spec.md
// §4.3 — fetch, Headers, Request, Response, WebSocket, crypto, Buffer,
// timers, serve, and the test runner — each forwarding to a host entry
// point through marshal's shape discriminator.
//
// Every class-backed global here follows the same shape: a Go "state"
// struct owned by a marshal.Record, a constructor that allocates the
// record and builds the first guest-side instance, and a materializer
// (registered with marshal.Materializers) that can rebuild an equivalent
// guest-side instance from the record alone, in any isolate.
package bridge

import (
	"fmt"
	"strings"

	"github.com/robertkrimen/otto"

	"github.com/ricsam/isolated/internal/marshal"
)

// HeadersState is the host-side state for a class-backed Headers object: a
// case-insensitive multimap preserving insertion order over lowercased keys
// (spec.md Data Model "Headers state").
type HeadersState struct {
	// order holds lowercased keys in first-insertion order.
	order []string
	// values maps a lowercased key to its ordered list of values.
	values map[string][]string
}

// NewHeadersState builds an empty Headers state.
func NewHeadersState() *HeadersState {
	return &HeadersState{values: make(map[string][]string)}
}

// Append adds value to name's list, creating the entry (and recording
// insertion order) if it is new.
func (h *HeadersState) Append(name, value string) {
	key := strings.ToLower(name)
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, key)
	}
	h.values[key] = append(h.values[key], value)
}

// Set replaces name's value list with a single value.
func (h *HeadersState) Set(name, value string) {
	key := strings.ToLower(name)
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, key)
	}
	h.values[key] = []string{value}
}

// Get returns the comma-joined value list for name (web-platform semantics)
// and whether name is present at all.
func (h *HeadersState) Get(name string) (string, bool) {
	vs, ok := h.values[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	return strings.Join(vs, ", "), true
}

// Has reports whether name is present, case-insensitively.
func (h *HeadersState) Has(name string) bool {
	_, ok := h.values[strings.ToLower(name)]
	return ok
}

// Delete removes name's entry, case-insensitively. No-op if absent.
func (h *HeadersState) Delete(name string) {
	key := strings.ToLower(name)
	if _, ok := h.values[key]; !ok {
		return
	}
	delete(h.values, key)
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Entries returns [name, value] pairs in insertion order, one pair per
// header name with its values comma-joined — the iteration contract spec.md
// requires ("insertion order over lowercased keys").
func (h *HeadersState) Entries() [][2]string {
	out := make([][2]string, 0, len(h.order))
	for _, key := range h.order {
		out = append(out, [2]string{key, strings.Join(h.values[key], ", ")})
	}
	return out
}

// Clone deep-copies the state, used by `new Headers(otherHeaders)`.
func (h *HeadersState) Clone() *HeadersState {
	out := NewHeadersState()
	out.order = append([]string(nil), h.order...)
	for k, v := range h.values {
		out.values[k] = append([]string(nil), v...)
	}
	return out
}

// NewHeadersFromPairs builds a state from an array of [name, value] pairs,
// as accepted by `new Headers([["a","1"],["b","2"]])`.
func NewHeadersFromPairs(pairs [][2]string) *HeadersState {
	h := NewHeadersState()
	for _, p := range pairs {
		h.Append(p[0], p[1])
	}
	return h
}

// NewHeadersFromRecord builds a state from a plain record, stripping
// marshal's internal marker keys first so they can never surface as header
// names (spec.md §4.2 "Forbidden leaks", §8 property 2).
func NewHeadersFromRecord(rec map[string]any) *HeadersState {
	clean := marshal.StripInternalMarkers(rec)
	h := NewHeadersState()
	for k, v := range clean {
		if s, ok := v.(string); ok {
			h.Set(k, s)
		}
	}
	return h
}

const classHeaders = "Headers"

// RegisterHeaders installs the Headers constructor into vm's global scope
// and registers its materializer with mats.
func RegisterHeaders(vm *otto.Otto, store *marshal.Store, mats *marshal.Materializers) error {
	mats.Register(classHeaders, func(vm *otto.Otto, rec *marshal.Record) (otto.Value, error) {
		state, ok := rec.State.(*HeadersState)
		if !ok {
			return otto.UndefinedValue(), fmt.Errorf("bridge: headers record %d has wrong state type", rec.ID)
		}
		return materializeHeaders(vm, store, rec.ID, state)
	})

	return vm.Set("Headers", func(call otto.FunctionCall) otto.Value {
		state := NewHeadersState()
		if len(call.ArgumentList) > 0 {
			arg := call.Argument(0)
			if arg.IsObject() {
				if existing := lookupHeadersState(store, arg); existing != nil {
					state = existing.Clone()
				} else if arg.Class() == "Array" {
					if pairs, err := exportPairs(arg); err == nil {
						state = NewHeadersFromPairs(pairs)
					}
				} else {
					if rec, err := marshal.ToHost(arg); err == nil {
						if m, ok := rec.(map[string]any); ok {
							state = NewHeadersFromRecord(m)
						}
					}
				}
			}
		}
		record := store.New(classHeaders, state)
		v, err := materializeHeaders(call.Otto, store, record.ID, state)
		if err != nil {
			panic(call.Otto.MakeCustomError("TypeError", err.Error()))
		}
		return v
	})
}

func lookupHeadersState(store *marshal.Store, v otto.Value) *HeadersState {
	obj := v.Object()
	classVal, err := obj.Get(marshal.MarkerClassName)
	if err != nil || !classVal.IsString() {
		return nil
	}
	class, _ := classVal.ToString()
	if class != classHeaders {
		return nil
	}
	idVal, err := obj.Get(marshal.MarkerInstanceID)
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
	state, _ := rec.State.(*HeadersState)
	return state
}

func exportPairs(v otto.Value) ([][2]string, error) {
	host, err := marshal.ToHost(v)
	if err != nil {
		return nil, err
	}
	seq, ok := host.([]any)
	if !ok {
		return nil, fmt.Errorf("bridge: expected array of pairs")
	}
	out := make([][2]string, 0, len(seq))
	for _, el := range seq {
		pair, ok := el.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("bridge: expected [name, value] pair")
		}
		name, _ := pair[0].(string)
		val, _ := pair[1].(string)
		out = append(out, [2]string{name, val})
	}
	return out, nil
}

// materializeHeaders builds a fresh guest-side Headers instance exposing
// get/set/append/has/delete/forEach/entries, backed by state.
func materializeHeaders(vm *otto.Otto, store *marshal.Store, id uint64, state *HeadersState) (otto.Value, error) {
	obj, err := vm.Object("({})")
	if err != nil {
		return otto.UndefinedValue(), err
	}
	if err := tagClassInstance(obj, classHeaders, id); err != nil {
		return otto.UndefinedValue(), err
	}

	set := func(name string, fn func(otto.FunctionCall) otto.Value) error {
		return obj.Set(name, fn)
	}

	_ = set("get", func(call otto.FunctionCall) otto.Value {
		name := call.Argument(0).String()
		v, ok := state.Get(name)
		if !ok {
			return otto.NullValue()
		}
		r, _ := call.Otto.ToValue(v)
		return r
	})
	_ = set("has", func(call otto.FunctionCall) otto.Value {
		r, _ := call.Otto.ToValue(state.Has(call.Argument(0).String()))
		return r
	})
	_ = set("set", func(call otto.FunctionCall) otto.Value {
		state.Set(call.Argument(0).String(), call.Argument(1).String())
		return otto.UndefinedValue()
	})
	_ = set("append", func(call otto.FunctionCall) otto.Value {
		state.Append(call.Argument(0).String(), call.Argument(1).String())
		return otto.UndefinedValue()
	})
	_ = set("delete", func(call otto.FunctionCall) otto.Value {
		state.Delete(call.Argument(0).String())
		return otto.UndefinedValue()
	})
	_ = set("forEach", func(call otto.FunctionCall) otto.Value {
		cb := call.Argument(0)
		if !cb.IsFunction() {
			return otto.UndefinedValue()
		}
		for _, e := range state.Entries() {
			if _, err := cb.Call(otto.UndefinedValue(), e[1], e[0]); err != nil {
				panic(err)
			}
		}
		return otto.UndefinedValue()
	})
	_ = set("entries", func(call otto.FunctionCall) otto.Value {
		entries := state.Entries()
		out := make([]any, 0, len(entries))
		for _, e := range entries {
			out = append(out, []any{e[0], e[1]})
		}
		gv, _ := marshal.ToGuest(call.Otto, out, store, nil)
		return gv
	})

	return obj.Value(), nil
}

// tagClassInstance sets the three internal marker properties on obj so the
// marshaller recognises it as a class-backed instance on the way out.
func tagClassInstance(obj *otto.Object, class string, id uint64) error {
	if err := obj.Set(marshal.MarkerIsDefineCls, true); err != nil {
		return err
	}
	if err := obj.Set(marshal.MarkerClassName, class); err != nil {
		return err
	}
	if err := obj.Set(marshal.MarkerInstanceID, float64(id)); err != nil {
		return err
	}
	return nil
}
