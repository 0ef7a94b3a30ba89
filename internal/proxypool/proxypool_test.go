package proxypool

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProxyFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxies.txt")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAndRotate(t *testing.T) {
	path := writeProxyFile(t, "# comment\n10.0.0.1:8080\n\nuser:pass@10.0.0.2:8081\nhttp://10.0.0.3:8082\n")

	pool := New()
	if err := pool.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if pool.Count() != 3 {
		t.Fatalf("Count = %d, want 3", pool.Count())
	}

	first, ok := pool.Next()
	if !ok || first.Host != "10.0.0.1:8080" {
		t.Fatalf("first = %+v, ok=%v", first, ok)
	}

	second, ok := pool.Next()
	if !ok || second.Host != "10.0.0.2:8081" || second.User != "user" || second.Pass != "pass" {
		t.Fatalf("second = %+v, ok=%v", second, ok)
	}

	third, _ := pool.Next()
	if third.Host != "10.0.0.3:8082" {
		t.Fatalf("third = %+v", third)
	}

	// Wraps around.
	fourth, _ := pool.Next()
	if fourth.Host != first.Host {
		t.Fatalf("fourth = %+v, want wrap to %+v", fourth, first)
	}
}

func TestNextOnEmptyPool(t *testing.T) {
	pool := New()
	_, ok := pool.Next()
	if ok {
		t.Fatal("expected ok=false for an empty pool")
	}
}
