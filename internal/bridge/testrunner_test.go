package bridge

import "testing"

func TestTestRunnerRunsCasesAndHooks(t *testing.T) {
	vm, _, _ := newTestVM(t)
	reg := NewTestRegistry()
	if err := RegisterTestRunner(vm, reg); err != nil {
		t.Fatalf("RegisterTestRunner: %v", err)
	}

	_, err := vm.Run(`
		var log = [];
		describe('suite', function() {
			beforeEach(function() { log.push('before'); });
			afterEach(function() { log.push('after'); });
			it('passes', function() { log.push('run'); });
			it('fails', function() { throw new Error('boom'); });
			it.skip('skipped', function() { log.push('should not run'); });
			it.todo('someday');
		});
	`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}

	results := reg.Run(vm)
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	if results[0].Status != "pass" {
		t.Errorf("results[0].Status = %q, want pass", results[0].Status)
	}
	if results[1].Status != "fail" || results[1].Err == nil {
		t.Errorf("results[1] = %+v, want fail with error", results[1])
	}
	if results[2].Status != "skip" {
		t.Errorf("results[2].Status = %q, want skip", results[2].Status)
	}
	if results[3].Status != "todo" {
		t.Errorf("results[3].Status = %q, want todo", results[3].Status)
	}

	logVal, err := vm.Get("log")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	logHost, err := logVal.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	log := logHost.([]any)
	want := []string{"before", "run", "after", "before", "after"}
	if len(log) != len(want) {
		t.Fatalf("log = %v, want %v", log, want)
	}
	for i, w := range want {
		if log[i] != w {
			t.Errorf("log[%d] = %v, want %v", i, log[i], w)
		}
	}
}

func TestTestRunnerOnlyFiltersOtherCases(t *testing.T) {
	vm, _, _ := newTestVM(t)
	reg := NewTestRegistry()
	if err := RegisterTestRunner(vm, reg); err != nil {
		t.Fatalf("RegisterTestRunner: %v", err)
	}
	_, err := vm.Run(`
		var ran = [];
		it('a', function() { ran.push('a'); });
		it.only('b', function() { ran.push('b'); });
		it('c', function() { ran.push('c'); });
	`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	results := reg.Run(vm)
	statuses := map[string]string{}
	for _, r := range results {
		statuses[r.Name] = r.Status
	}
	if statuses["a"] != "skip" || statuses["c"] != "skip" {
		t.Fatalf("expected a and c to be skipped when b is .only, got %+v", statuses)
	}
	if statuses["b"] != "pass" {
		t.Fatalf("expected b to pass, got %+v", statuses)
	}
}

func TestExpectMatchers(t *testing.T) {
	vm, _, _ := newTestVM(t)
	reg := NewTestRegistry()
	if err := RegisterTestRunner(vm, reg); err != nil {
		t.Fatalf("RegisterTestRunner: %v", err)
	}
	_, err := vm.Run(`
		expect(1).toBe(1);
		expect({a: 1}).toEqual({a: 1});
		expect(0).toBeFalsy();
		expect('abc').toContain('b');
		expect([1,2,3]).toHaveLength(3);
		expect(function() { throw new Error('x'); }).toThrow();
		expect(1).not.toBe(2);
	`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
}

func TestExpectMatcherFailureThrows(t *testing.T) {
	vm, _, _ := newTestVM(t)
	reg := NewTestRegistry()
	if err := RegisterTestRunner(vm, reg); err != nil {
		t.Fatalf("RegisterTestRunner: %v", err)
	}
	_, err := vm.Run(`expect(1).toBe(2);`)
	if err == nil {
		t.Fatal("expected toBe mismatch to throw")
	}
}
