package bridge

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ricsam/isolated/internal/fetchdriver"
)

func TestFetchGetReturnsResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Reply", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer srv.Close()

	vm, store, mats := newTestVM(t)
	if err := RegisterHeaders(vm, store, mats); err != nil {
		t.Fatalf("RegisterHeaders: %v", err)
	}
	RegisterReadableStream(store, mats)
	if err := RegisterResponse(store, mats)(vm); err != nil {
		t.Fatalf("RegisterResponse: %v", err)
	}
	driver, err := fetchdriver.New(fetchdriver.Config{})
	if err != nil {
		t.Fatalf("fetchdriver.New: %v", err)
	}
	if err := RegisterFetch(vm, driver, store, mats); err != nil {
		t.Fatalf("RegisterFetch: %v", err)
	}

	if err := vm.Set("url", srv.URL); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := vm.Run(`
		var res = fetch(url);
		[res.status, res.headers.get('x-reply'), res.text()];
	`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	host, err := v.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	arr := host.([]any)
	status, _ := toFloat(arr[0])
	if status != 201 {
		t.Errorf("status = %v, want 201", arr[0])
	}
	if arr[1] != "yes" {
		t.Errorf("x-reply header = %v, want yes", arr[1])
	}
	if arr[2] != "created" {
		t.Errorf("body text = %v, want created", arr[2])
	}
}
