package bridge

import (
	"fmt"

	"github.com/robertkrimen/otto"

	"github.com/ricsam/isolated/internal/bridge/cryptosubtle"
	"github.com/ricsam/isolated/internal/marshal"
)

const classCryptoKey = "CryptoKey"

// RegisterCrypto installs the crypto global (randomUUID, getRandomValues,
// subtle.*). Imported keys are kept as CryptoKey records in store, so raw
// key material never crosses into guest-visible state: the guest-side
// CryptoKey carries only the record's integer instance id. reg is not used
// for key storage.
func RegisterCrypto(vm *otto.Otto, reg *cryptosubtle.Registry, store *marshal.Store, mats *marshal.Materializers) error {
	mats.Register(classCryptoKey, func(vm *otto.Otto, rec *marshal.Record) (otto.Value, error) {
		entry, ok := rec.State.(*cryptosubtle.KeyEntry)
		if !ok {
			return otto.UndefinedValue(), fmt.Errorf("bridge: crypto key record %d has wrong state type", rec.ID)
		}
		return materializeCryptoKey(vm, rec.ID, entry)
	})

	cryptoObj, err := vm.Object("({})")
	if err != nil {
		return err
	}

	_ = cryptoObj.Set("randomUUID", func(call otto.FunctionCall) otto.Value {
		id, err := cryptosubtle.RandomUUID()
		if err != nil {
			panic(call.Otto.MakeCustomError("OperationError", err.Error()))
		}
		v, _ := call.Otto.ToValue(id)
		return v
	})

	_ = cryptoObj.Set("getRandomValues", func(call otto.FunctionCall) otto.Value {
		n := lengthOfTypedArrayArg(call.Argument(0))
		bytes, err := cryptosubtle.GetRandomValues(n)
		if err != nil {
			panic(call.Otto.MakeCustomError("QuotaExceededError", err.Error()))
		}
		gv, err := marshal.ToGuest(call.Otto, bytes, store, mats)
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		return gv
	})

	subtleObj, err := vm.Object("({})")
	if err != nil {
		return err
	}

	_ = subtleObj.Set("digest", func(call otto.FunctionCall) otto.Value {
		algo := algorithmName(call.Argument(0))
		data := bytesFromArg(call.Argument(1))
		sum, err := cryptosubtle.Digest(algo, data)
		if err != nil {
			panic(call.Otto.MakeCustomError("NotSupportedError", err.Error()))
		}
		gv, _ := marshal.ToGuest(call.Otto, sum, store, mats)
		return gv
	})

	_ = subtleObj.Set("importKey", func(call otto.FunctionCall) otto.Value {
		// importKey(format, keyData, algorithm, extractable, keyUsages).
		raw := bytesFromArg(call.Argument(1))
		algo := algorithmName(call.Argument(2))
		extractable := false
		if b, berr := call.Argument(3).ToBoolean(); berr == nil {
			extractable = b
		}
		entry := &cryptosubtle.KeyEntry{Algorithm: algo, Raw: raw, Extractable: extractable}
		rec := store.New(classCryptoKey, entry)
		gv, err := materializeCryptoKey(call.Otto, rec.ID, entry)
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		return gv
	})

	_ = subtleObj.Set("sign", func(call otto.FunctionCall) otto.Value {
		entry := cryptoKeyFromArg(store, call.Argument(1))
		if entry == nil {
			panic(call.Otto.MakeTypeError("sign: second argument must be a CryptoKey"))
		}
		data := bytesFromArg(call.Argument(2))
		sig, err := cryptosubtle.Sign(entry, data)
		if err != nil {
			panic(call.Otto.MakeCustomError("OperationError", err.Error()))
		}
		gv, _ := marshal.ToGuest(call.Otto, sig, store, mats)
		return gv
	})

	_ = subtleObj.Set("verify", func(call otto.FunctionCall) otto.Value {
		entry := cryptoKeyFromArg(store, call.Argument(1))
		if entry == nil {
			panic(call.Otto.MakeTypeError("verify: second argument must be a CryptoKey"))
		}
		sig := bytesFromArg(call.Argument(2))
		data := bytesFromArg(call.Argument(3))
		ok, err := cryptosubtle.Verify(entry, sig, data)
		if err != nil {
			panic(call.Otto.MakeCustomError("OperationError", err.Error()))
		}
		v, _ := call.Otto.ToValue(ok)
		return v
	})

	_ = subtleObj.Set("deriveBits", func(call otto.FunctionCall) otto.Value {
		entry := cryptoKeyFromArg(store, call.Argument(1))
		if entry == nil {
			panic(call.Otto.MakeTypeError("deriveBits: second argument must be a CryptoKey"))
		}
		lengthBits := 256
		if n, err := call.Argument(2).ToInteger(); err == nil && n > 0 {
			lengthBits = int(n)
		}
		saltInfo := call.Argument(0)
		var salt, info []byte
		if saltInfo.IsObject() {
			if s, err := saltInfo.Object().Get("salt"); err == nil {
				salt = bytesFromArg(s)
			}
			if i, err := saltInfo.Object().Get("info"); err == nil {
				info = bytesFromArg(i)
			}
		}
		bits, err := cryptosubtle.DeriveBits(entry, salt, info, lengthBits/8)
		if err != nil {
			panic(call.Otto.MakeCustomError("OperationError", err.Error()))
		}
		gv, _ := marshal.ToGuest(call.Otto, bits, store, mats)
		return gv
	})

	if err := cryptoObj.Set("subtle", subtleObj.Value()); err != nil {
		return err
	}
	return vm.Set("crypto", cryptoObj.Value())
}

func materializeCryptoKey(vm *otto.Otto, id uint64, entry *cryptosubtle.KeyEntry) (otto.Value, error) {
	obj, err := vm.Object("({})")
	if err != nil {
		return otto.UndefinedValue(), err
	}
	if err := tagClassInstance(obj, classCryptoKey, id); err != nil {
		return otto.UndefinedValue(), err
	}
	_ = obj.Set("algorithm", map[string]any{"name": entry.Algorithm})
	_ = obj.Set("extractable", entry.Extractable)
	_ = obj.Set("type", "secret")
	return obj.Value(), nil
}

func cryptoKeyFromArg(store *marshal.Store, v otto.Value) *cryptosubtle.KeyEntry {
	if !v.IsObject() {
		return nil
	}
	classVal, err := v.Object().Get(marshal.MarkerClassName)
	if err != nil || !classVal.IsString() {
		return nil
	}
	class, _ := classVal.ToString()
	if class != classCryptoKey {
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
	entry, _ := rec.State.(*cryptosubtle.KeyEntry)
	return entry
}

func algorithmName(v otto.Value) string {
	if v.IsString() {
		s, _ := v.ToString()
		return s
	}
	if v.IsObject() {
		if n, err := v.Object().Get("name"); err == nil && n.IsString() {
			s, _ := n.ToString()
			return s
		}
	}
	return ""
}

func bytesFromArg(v otto.Value) []byte {
	host, err := marshal.ToHost(v)
	if err != nil {
		return nil
	}
	switch x := host.(type) {
	case marshal.Binary:
		return []byte(x)
	case string:
		return []byte(x)
	default:
		return nil
	}
}

func lengthOfTypedArrayArg(v otto.Value) int {
	if !v.IsObject() {
		return 0
	}
	n, err := v.Object().Get("byteLength")
	if err != nil {
		return 0
	}
	i, err := n.ToInteger()
	if err != nil {
		return 0
	}
	return int(i)
}
