package marshal

import (
	"fmt"
	"sort"
	"sync"

	"github.com/robertkrimen/otto"
)

// Materializers maps a class name to the function that rebuilds a
// guest-side instance of that class from a host-side Record. Each bridge
// sub-package (Headers, Response, WebSocket, CryptoKey, …) registers its own
// materializer at isolate-construction time; marshal stays ignorant of any
// class's guest-visible method set.
type Materializers struct {
	mu sync.RWMutex
	m  map[string]func(vm *otto.Otto, rec *Record) (otto.Value, error)
}

// NewMaterializers creates an empty registry.
func NewMaterializers() *Materializers {
	return &Materializers{m: make(map[string]func(*otto.Otto, *Record) (otto.Value, error))}
}

// Register installs the materializer for class. Re-registering the same
// class overwrites the previous entry, which is convenient for tests.
func (m *Materializers) Register(class string, fn func(vm *otto.Otto, rec *Record) (otto.Value, error)) {
	m.mu.Lock()
	m.m[class] = fn
	m.mu.Unlock()
}

func (m *Materializers) lookup(class string) (func(*otto.Otto, *Record) (otto.Value, error), bool) {
	m.mu.RLock()
	fn, ok := m.m[class]
	m.mu.RUnlock()
	return fn, ok
}

// ToHost converts a guest value to its host-native representation, applying
// the shape discriminator from spec.md §4.2 in order: primitive, binary
// view, recognised class tag, ordered sequence, plain record. Promise
// awaiting happens one level up in internal/bridge, which is the only layer
// that can suspend the calling goroutine on the isolate's event loop.
func ToHost(v otto.Value) (any, error) {
	return toHost(v, newSeenSet())
}

func toHost(v otto.Value, seen seenSet) (any, error) {
	switch {
	case v.IsUndefined(), v.IsNull():
		return nil, nil
	case v.IsBoolean():
		b, _ := v.ToBoolean()
		return b, nil
	case v.IsNumber():
		f, _ := v.ToFloat()
		return f, nil
	case v.IsString():
		s, _ := v.ToString()
		return s, nil
	}

	if !v.IsObject() {
		return nil, fmt.Errorf("marshal: unsupported guest value kind %q", v.Class())
	}
	obj := v.Object()

	leave, err := seen.enter(obj)
	if err != nil {
		return nil, err
	}
	defer leave()

	// Binary view: our own bridge tags these explicitly because otto has no
	// native typed-array support (see DESIGN.md).
	if isTruthyProp(obj, "__isBinaryView__") {
		b64, err := stringProp(obj, "__bytesB64__")
		if err != nil {
			return nil, fmt.Errorf("marshal: binary view missing bytes: %w", err)
		}
		bin, err := decodeBinaryView(b64)
		if err != nil {
			return nil, err
		}
		return bin, nil
	}

	// Recognised class tag.
	if isTruthyProp(obj, MarkerIsDefineCls) {
		className, err := stringProp(obj, MarkerClassName)
		if err != nil {
			return nil, fmt.Errorf("marshal: class-backed object missing %s: %w", MarkerClassName, err)
		}
		idVal, err := obj.Get(MarkerInstanceID)
		if err != nil {
			return nil, fmt.Errorf("marshal: class-backed object missing %s: %w", MarkerInstanceID, err)
		}
		idFloat, err := idVal.ToFloat()
		if err != nil {
			return nil, fmt.Errorf("marshal: class-backed object instance id not numeric: %w", err)
		}
		return &ClassRef{ID: uint64(idFloat), Class: className}, nil
	}

	if obj.Class() == "Array" {
		lengthVal, err := obj.Get("length")
		if err != nil {
			return nil, fmt.Errorf("marshal: array missing length: %w", err)
		}
		length, err := lengthVal.ToInteger()
		if err != nil {
			return nil, fmt.Errorf("marshal: array length not an integer: %w", err)
		}
		out := make([]any, 0, length)
		for i := int64(0); i < length; i++ {
			el, err := obj.Get(fmt.Sprintf("%d", i))
			if err != nil {
				return nil, fmt.Errorf("marshal: read array element %d: %w", i, err)
			}
			hv, err := toHost(el, seen)
			if err != nil {
				return nil, err
			}
			out = append(out, hv)
		}
		return out, nil
	}

	// Plain record: recurse field-wise, stripping internal markers.
	props := make(map[string]otto.Value)
	for _, key := range obj.Keys() {
		if internalMarkers[key] {
			continue
		}
		val, err := obj.Get(key)
		if err != nil {
			return nil, fmt.Errorf("marshal: read field %q: %w", key, err)
		}
		props[key] = val
	}
	out := make(map[string]any, len(props))
	for _, key := range sortedKeys(props) {
		hv, err := toHost(props[key], seen)
		if err != nil {
			return nil, err
		}
		out[key] = hv
	}
	return out, nil
}

// ToGuest converts a host-native value into a guest value inside vm, using
// mats to rematerialise recognised class references.
func ToGuest(vm *otto.Otto, v any, store *Store, mats *Materializers) (otto.Value, error) {
	switch x := v.(type) {
	case nil:
		return otto.UndefinedValue(), nil
	case bool, string, float64, int, int64:
		return vm.ToValue(x)
	case Binary:
		return binaryViewValue(vm, x)
	case []byte:
		return binaryViewValue(vm, Binary(x))
	case *ClassRef:
		rec := store.Get(x.ID)
		if rec == nil {
			return otto.UndefinedValue(), fmt.Errorf("marshal: class instance %d (%s) no longer exists", x.ID, x.Class)
		}
		fn, ok := mats.lookup(rec.Class)
		if !ok {
			return otto.UndefinedValue(), fmt.Errorf("marshal: no materializer registered for class %q", rec.Class)
		}
		return fn(vm, rec)
	case []any:
		arr, err := vm.Object("([])")
		if err != nil {
			return otto.UndefinedValue(), err
		}
		for i, el := range x {
			gv, err := ToGuest(vm, el, store, mats)
			if err != nil {
				return otto.UndefinedValue(), err
			}
			if err := arr.Set(fmt.Sprintf("%d", i), gv); err != nil {
				return otto.UndefinedValue(), err
			}
		}
		return arr.Value(), nil
	case map[string]any:
		rec, err := vm.Object("({})")
		if err != nil {
			return otto.UndefinedValue(), err
		}
		for _, k := range sortedAnyKeys(x) {
			gv, err := ToGuest(vm, x[k], store, mats)
			if err != nil {
				return otto.UndefinedValue(), err
			}
			if err := rec.Set(k, gv); err != nil {
				return otto.UndefinedValue(), err
			}
		}
		return rec.Value(), nil
	default:
		return otto.UndefinedValue(), fmt.Errorf("marshal: unsupported host value type %T", v)
	}
}

func isTruthyProp(obj *otto.Object, name string) bool {
	v, err := obj.Get(name)
	if err != nil {
		return false
	}
	b, _ := v.ToBoolean()
	return b
}

func stringProp(obj *otto.Object, name string) (string, error) {
	v, err := obj.Get(name)
	if err != nil {
		return "", err
	}
	return v.ToString()
}

func sortedAnyKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
