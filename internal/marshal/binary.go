package marshal

import (
	"encoding/base64"
	"fmt"

	"github.com/robertkrimen/otto"
)

// binaryViewValue builds the guest-side plain-object stand-in for a byte
// buffer. otto has no native ArrayBuffer/TypedArray, so the bridge's Buffer,
// ArrayBuffer and typed-array surfaces are backed by this shape: a plain
// object tagged __isBinaryView__ carrying the bytes as base64. Every guest
// global that hands out "bytes" (Response.arrayBuffer(), crypto.getRandomValues,
// Buffer.from, …) returns a value built this way, and every host entry point
// that accepts bytes reads it back via marshal.ToHost.
func binaryViewValue(vm *otto.Otto, b Binary) (otto.Value, error) {
	obj, err := vm.Object("({})")
	if err != nil {
		return otto.UndefinedValue(), fmt.Errorf("marshal: allocate binary view: %w", err)
	}
	if err := obj.Set("__isBinaryView__", true); err != nil {
		return otto.UndefinedValue(), err
	}
	if err := obj.Set("__bytesB64__", base64.StdEncoding.EncodeToString(b)); err != nil {
		return otto.UndefinedValue(), err
	}
	if err := obj.Set("byteLength", len(b)); err != nil {
		return otto.UndefinedValue(), err
	}
	return obj.Value(), nil
}

func decodeBinaryView(b64 string) (Binary, error) {
	b, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("marshal: decode binary view: %w", err)
	}
	return Binary(b), nil
}
