package bridge

import (
	"testing"

	"github.com/robertkrimen/otto"

	"github.com/ricsam/isolated/internal/marshal"
)

func newTestVM(t *testing.T) (*otto.Otto, *marshal.Store, *marshal.Materializers) {
	t.Helper()
	vm := otto.New()
	store := marshal.NewStore()
	mats := marshal.NewMaterializers()
	return vm, store, mats
}

func TestHeadersCaseInsensitiveGetSet(t *testing.T) {
	vm, store, mats := newTestVM(t)
	if err := RegisterHeaders(vm, store, mats); err != nil {
		t.Fatalf("RegisterHeaders: %v", err)
	}
	v, err := vm.Run(`
		var h = new Headers();
		h.set('Content-Type', 'text/plain');
		h.append('X-Test', 'a');
		h.append('x-test', 'b');
		[h.get('content-type'), h.get('X-TEST'), h.has('X-Test')];
	`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	host, err := marshal.ToHost(v)
	if err != nil {
		t.Fatalf("ToHost: %v", err)
	}
	arr := host.([]any)
	if arr[0] != "text/plain" {
		t.Errorf("content-type = %v, want text/plain", arr[0])
	}
	if arr[1] != "a, b" {
		t.Errorf("x-test combined = %v, want 'a, b'", arr[1])
	}
	if arr[2] != true {
		t.Errorf("has(X-Test) = %v, want true", arr[2])
	}
}

func TestHeadersDeleteRemovesEntry(t *testing.T) {
	vm, store, mats := newTestVM(t)
	if err := RegisterHeaders(vm, store, mats); err != nil {
		t.Fatalf("RegisterHeaders: %v", err)
	}
	v, err := vm.Run(`
		var h = new Headers();
		h.set('A', '1');
		h.delete('a');
		h.has('A');
	`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	ok, _ := v.ToBoolean()
	if ok {
		t.Fatal("expected has(A) to be false after delete")
	}
}
