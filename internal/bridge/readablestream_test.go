package bridge

import (
	"testing"

	"github.com/ricsam/isolated/internal/stream"
)

func TestReadableStreamTeeDeliversToBothBranches(t *testing.T) {
	vm, store, mats := newTestVM(t)
	RegisterReadableStream(store, mats)

	sess := stream.NewSession(1 << 20)
	go func() {
		_ = sess.Write([]byte("chunk"))
		sess.End(stream.EndNormal, nil)
	}()

	rec := NewReadableStream(store, sess)
	val, err := materializeReadableStream(vm, store, mats, rec.ID, rec.State.(*ReadableStreamState))
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if err := vm.Set("rs", val); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := vm.Run(`
		var pair = rs.tee();
		[pair[0].text(), pair[1].text()];
	`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	host, err := v.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	arr := host.([]any)
	if arr[0] != "chunk" || arr[1] != "chunk" {
		t.Fatalf("tee branches = %v, want both 'chunk'", arr)
	}
}

func TestTransformStreamIdentityPipesChunksThrough(t *testing.T) {
	vm, store, mats := newTestVM(t)
	RegisterReadableStream(store, mats)
	if err := RegisterTransformStream(vm, store, mats); err != nil {
		t.Fatalf("RegisterTransformStream: %v", err)
	}

	sess := stream.NewSession(1 << 20)
	go func() {
		_ = sess.Write([]byte("abc"))
		sess.End(stream.EndNormal, nil)
	}()
	rec := NewReadableStream(store, sess)
	srcVal, err := materializeReadableStream(vm, store, mats, rec.ID, rec.State.(*ReadableStreamState))
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if err := vm.Set("src", srcVal); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, err := vm.Run(`
		var t = new TransformStream();
		var out = src.pipeThrough(t);
		out.text();
	`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	s, _ := v.ToString()
	if s != "abc" {
		t.Fatalf("piped text = %q, want abc", s)
	}
}
