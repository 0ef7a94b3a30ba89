package isolate

import (
	"context"
	"testing"
	"time"
)

func TestRunEvaluatesScript(t *testing.T) {
	iso, err := New(Config{ID: 1, Caps: NewCapabilitySet(CapFetch)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v, err := iso.Run(context.Background(), "1 + 2")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	n, _ := v.ToInteger()
	if n != 3 {
		t.Fatalf("Run result = %d, want 3", n)
	}
}

func TestCapabilitySetHas(t *testing.T) {
	caps := NewCapabilitySet(CapFetch, CapTimers)
	if !caps.Has(CapFetch) {
		t.Error("expected CapFetch granted")
	}
	if caps.Has(CapFilesystem) {
		t.Error("did not expect CapFilesystem granted")
	}
}

func TestDisposeIsIdempotentAndOrdered(t *testing.T) {
	iso, err := New(Config{ID: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var order []string
	iso.RegisterStreamCanceller(func() { order = append(order, "stream") })
	iso.OnDispose(func() { order = append(order, "hook") })

	invocationID, wait := iso.Callbacks().BeginInvoke()
	_ = invocationID

	iso.Dispose(DisposeExplicit)
	iso.Dispose(DisposeExplicit) // idempotent

	if !iso.Disposed() {
		t.Fatal("expected isolate to be disposed")
	}
	if len(order) != 2 || order[0] != "stream" || order[1] != "hook" {
		t.Fatalf("disposal order = %v, want [stream hook]", order)
	}

	select {
	case res := <-wait:
		if res.err == nil {
			t.Fatal("expected pending callback invocation to be rejected on dispose")
		}
	case <-time.After(time.Second):
		t.Fatal("pending invocation was never rejected")
	}
}

func TestImportMemoisesModule(t *testing.T) {
	calls := 0
	loader := func(specifier, resolveDir string) (string, string, error) {
		calls++
		return "({value: 42})", resolveDir, nil
	}
	iso, err := New(Config{ID: 3, Loader: loader})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	v1, err := iso.Import(context.Background(), "./mod.js", "/app")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	v2, err := iso.Import(context.Background(), "./mod.js", "/app")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if calls != 1 {
		t.Fatalf("loader called %d times, want 1 (cached)", calls)
	}
	m1, ok := v1.(map[string]any)
	if !ok || m1["value"] != float64(42) {
		t.Fatalf("v1 = %#v", v1)
	}
	_ = v2
}

func TestTimerQueueVirtualTickFiresInOrder(t *testing.T) {
	q := NewTimerQueue(true)
	var fired []int

	q.Schedule(100, false, func() { fired = append(fired, 100) })
	q.Schedule(50, false, func() { fired = append(fired, 50) })
	q.Schedule(50, false, func() { fired = append(fired, 51) }) // tie, later insertion

	q.Tick(100)

	if len(fired) != 3 {
		t.Fatalf("fired = %v, want 3 entries", fired)
	}
	if fired[0] != 50 || fired[1] != 51 || fired[2] != 100 {
		t.Fatalf("fired = %v, want [50 51 100]", fired)
	}
}

func TestTimerQueuePeriodicReschedulesFromScheduledTime(t *testing.T) {
	q := NewTimerQueue(true)
	var fireCount int

	q.Schedule(10, true, func() { fireCount++ })
	q.Tick(35) // due at 10, 20, 30 -> three fires

	if fireCount != 3 {
		t.Fatalf("fireCount = %d, want 3", fireCount)
	}
}

func TestTimerQueueClearTimerIsNoOpForUnknownID(t *testing.T) {
	q := NewTimerQueue(true)
	q.ClearTimer(999) // must not panic
}

func TestTimerQueueClearTimerRemovesEntry(t *testing.T) {
	q := NewTimerQueue(true)
	fired := false
	id := q.Schedule(10, false, func() { fired = true })
	q.ClearTimer(id)
	q.Tick(100)
	if fired {
		t.Fatal("expected cleared timer not to fire")
	}
}

func TestManagerEvictsLRUIdleIsolateAtCapacity(t *testing.T) {
	m := NewManager(1)

	iso1, err := m.Create(1, nil, 0, nil, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.MarkConnectionIdle(1, true)

	_, err = m.Create(2, nil, 0, nil, false)
	if err != nil {
		t.Fatalf("Create (should evict): %v", err)
	}
	if !iso1.Disposed() {
		t.Fatal("expected LRU idle isolate to be evicted")
	}
	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}
}

func TestManagerRefusesToExceedCapacityWithoutIdleVictim(t *testing.T) {
	m := NewManager(1)
	if _, err := m.Create(1, nil, 0, nil, false); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Connection 1 never marked idle, so no eviction candidate exists.
	if _, err := m.Create(2, nil, 0, nil, false); err == nil {
		t.Fatal("expected Create to fail when at capacity with no idle isolate")
	}
}

func TestManagerDisposeAllForConnection(t *testing.T) {
	m := NewManager(0)
	iso1, _ := m.Create(7, nil, 0, nil, false)
	iso2, _ := m.Create(7, nil, 0, nil, false)
	other, _ := m.Create(8, nil, 0, nil, false)

	m.DisposeAllForConnection(7)

	if !iso1.Disposed() || !iso2.Disposed() {
		t.Fatal("expected both isolates owned by connection 7 to be disposed")
	}
	if other.Disposed() {
		t.Fatal("did not expect isolate owned by a different connection to be disposed")
	}
}
