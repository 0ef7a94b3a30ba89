// Package marshal implements the bidirectional value converter described in
// spec.md §4.2: it turns otto.Value guest values into host-native Go values
// (and back), preserving identity for class-backed objects and refusing to
// cross the membrane with cyclic guest graphs it cannot express as
// back-references.
//
// The host-native representation used throughout this package and its
// callers is the same shape encoding/json would produce for the same JS
// value — nil, bool, float64, string, []any, map[string]any — plus two
// extensions: Binary (a byte view) and *ClassRef (a pointer into a Store).
// That representation is what internal/frame.Value's JSON encoding carries
// across the wire, and what internal/bridge reads and writes when it
// forwards a capability call to the host.
package marshal

import (
	"fmt"
	"sort"

	"github.com/robertkrimen/otto"
)

// Internal marker field names. A plain record crossing the membrane must
// never leak these as user-visible header keys, form fields, or object
// properties (spec.md §4.2 "Forbidden leaks", §8 property 2).
const (
	MarkerInstanceID  = "__instanceId__"
	MarkerClassName   = "__className__"
	MarkerIsDefineCls = "__isDefineClassInstance__"
)

var internalMarkers = map[string]bool{
	MarkerInstanceID:  true,
	MarkerClassName:   true,
	MarkerIsDefineCls: true,
}

// StripInternalMarkers returns a copy of m with the three internal marker
// keys removed. Used wherever a plain record is about to become
// guest-visible (Headers construction from a record, FormData fields,
// Response.json() output, …).
func StripInternalMarkers(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if internalMarkers[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// Binary is a byte-view value: an ArrayBuffer, a typed integer array, or a
// Node-style Buffer. It crosses the membrane as a raw byte sequence,
// preserving offset/length semantics at the call site that produced it.
type Binary []byte

// ClassRef is the host-native stand-in for a class-backed guest object
// (spec.md Data Model "Class-backed object"). It carries only the stable
// identity; the actual state lives in a Store, keyed by ID.
type ClassRef struct {
	ID    uint64
	Class string
}

// CyclicValueError is returned when a guest object graph contains a cycle
// that marshal cannot express with the recognised class/sequence/record
// shapes (spec.md Design Notes, "Cyclic guest graphs").
type CyclicValueError struct {
	Class string
}

func (e *CyclicValueError) Error() string {
	if e.Class != "" {
		return fmt.Sprintf("marshal: cyclic reference through class %q crossed the membrane", e.Class)
	}
	return "marshal: cyclic object graph crossed the membrane"
}

// seenSet tracks object identity during a single marshal pass so that a
// repeat encounter of the same otto.Object becomes a typed error rather
// than infinite recursion. otto.Object does not expose a stable pointer we
// can key a map on safely across calls other than the object itself, so we
// key by pointer identity of the underlying *otto.Object.
type seenSet map[*otto.Object]bool

func newSeenSet() seenSet { return make(seenSet) }

func (s seenSet) enter(o *otto.Object) (func(), error) {
	if s[o] {
		class := ""
		if v, err := o.Get(MarkerClassName); err == nil && v.IsString() {
			class, _ = v.ToString()
		}
		return nil, &CyclicValueError{Class: class}
	}
	s[o] = true
	return func() { delete(s, o) }, nil
}

// sortedKeys returns m's keys in a deterministic order so that plain-record
// marshalling is reproducible in tests and logs.
func sortedKeys(m map[string]otto.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
