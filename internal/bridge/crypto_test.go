package bridge

import (
	"testing"

	"github.com/ricsam/isolated/internal/bridge/cryptosubtle"
)

func TestCryptoRandomUUIDAndGetRandomValues(t *testing.T) {
	vm, store, mats := newTestVM(t)
	reg := cryptosubtle.NewRegistry()
	if err := RegisterCrypto(vm, reg, store, mats); err != nil {
		t.Fatalf("RegisterCrypto: %v", err)
	}

	v, err := vm.Run(`
		var id = crypto.randomUUID();
		var bytes = crypto.getRandomValues({byteLength: 16});
		[id.length, bytes.byteLength];
	`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	arr, err := v.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	list := arr.([]any)
	idLen, _ := toFloat(list[0])
	if idLen != 36 {
		t.Errorf("uuid length = %v, want 36", list[0])
	}
	byteLen, _ := toFloat(list[1])
	if byteLen != 16 {
		t.Errorf("byteLength = %v, want 16", list[1])
	}
}

func TestCryptoGetRandomValuesQuota(t *testing.T) {
	vm, store, mats := newTestVM(t)
	reg := cryptosubtle.NewRegistry()
	if err := RegisterCrypto(vm, reg, store, mats); err != nil {
		t.Fatalf("RegisterCrypto: %v", err)
	}
	_, err := vm.Run(`crypto.getRandomValues({byteLength: 70000})`)
	if err == nil {
		t.Fatal("expected QuotaExceededError, got nil")
	}
}

func TestSubtleDigestSHA256(t *testing.T) {
	vm, store, mats := newTestVM(t)
	reg := cryptosubtle.NewRegistry()
	if err := RegisterCrypto(vm, reg, store, mats); err != nil {
		t.Fatalf("RegisterCrypto: %v", err)
	}
	v, err := vm.Run(`crypto.subtle.digest('SHA-256', 'abc').byteLength`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	n, _ := v.ToInteger()
	if n != 32 {
		t.Errorf("digest length = %d, want 32", n)
	}
}

func TestSubtleImportSignVerifyRoundTrip(t *testing.T) {
	vm, store, mats := newTestVM(t)
	reg := cryptosubtle.NewRegistry()
	if err := RegisterCrypto(vm, reg, store, mats); err != nil {
		t.Fatalf("RegisterCrypto: %v", err)
	}
	v, err := vm.Run(`
		var key = crypto.subtle.importKey('raw', 'secret-key-bytes', {name: 'HMAC'}, false);
		var sig = crypto.subtle.sign({name: 'HMAC'}, key, 'message');
		crypto.subtle.verify({name: 'HMAC'}, key, sig, 'message');
	`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	ok, _ := v.ToBoolean()
	if !ok {
		t.Fatal("expected verify to succeed")
	}
}
