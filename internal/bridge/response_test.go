package bridge

import (
	"testing"
)

func TestRequestConstructorCapturesMethodAndHeaders(t *testing.T) {
	vm, store, mats := newTestVM(t)
	if err := RegisterHeaders(vm, store, mats); err != nil {
		t.Fatalf("RegisterHeaders: %v", err)
	}
	RegisterReadableStream(store, mats)
	if err := RegisterRequest(store, mats)(vm); err != nil {
		t.Fatalf("RegisterRequest: %v", err)
	}

	v, err := vm.Run(`
		var req = new Request('https://example.com/x', {
			method: 'POST',
			headers: {'Content-Type': 'application/json'},
			body: '{"a":1}'
		});
		[req.method, req.url, req.headers.get('content-type')];
	`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	arr, err := v.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	list := arr.([]any)
	if list[0] != "POST" {
		t.Errorf("method = %v, want POST", list[0])
	}
	if list[1] != "https://example.com/x" {
		t.Errorf("url = %v", list[1])
	}
	if list[2] != "application/json" {
		t.Errorf("content-type = %v", list[2])
	}
}

func TestResponseConstructorDefaultsStatusOK(t *testing.T) {
	vm, store, mats := newTestVM(t)
	if err := RegisterHeaders(vm, store, mats); err != nil {
		t.Fatalf("RegisterHeaders: %v", err)
	}
	RegisterReadableStream(store, mats)
	if err := RegisterResponse(store, mats)(vm); err != nil {
		t.Fatalf("RegisterResponse: %v", err)
	}

	v, err := vm.Run(`
		var res = new Response('hello');
		[Number(res.status), res.ok, res.statusText];
	`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	arr, err := v.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	list := arr.([]any)
	status, _ := toFloat(list[0])
	if status != 200 {
		t.Errorf("status = %v, want 200", list[0])
	}
	if list[1] != true {
		t.Errorf("ok = %v, want true", list[1])
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func TestResponseTextDrainsBodyOnce(t *testing.T) {
	vm, store, mats := newTestVM(t)
	if err := RegisterHeaders(vm, store, mats); err != nil {
		t.Fatalf("RegisterHeaders: %v", err)
	}
	RegisterReadableStream(store, mats)
	if err := RegisterResponse(store, mats)(vm); err != nil {
		t.Fatalf("RegisterResponse: %v", err)
	}

	_, err := vm.Run(`
		var res = new Response('payload');
		var first = res.text();
		if (first !== 'payload') { throw new Error('unexpected first read: ' + first); }
		var threw = false;
		try { res.text(); } catch (e) { threw = true; }
		if (!threw) { throw new Error('expected second text() to throw'); }
	`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
}
