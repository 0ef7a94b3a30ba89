package bridge

import (
	"fmt"

	"github.com/robertkrimen/otto"
)

// TestCase is one registered it()/test() entry.
type TestCase struct {
	Name     string
	Suite    []string
	Fn       otto.Value
	Skip     bool
	Only     bool
	Todo     bool
	BeforeFn []otto.Value
	AfterFn  []otto.Value
}

// TestResult is the outcome of running one TestCase.
type TestResult struct {
	Name   string
	Suite  []string
	Status string // "pass", "fail", "skip", "todo"
	Err    error
}

// TestRegistry accumulates describe()/it() registrations made by a guest
// script, then runs them in registration order. It mirrors the bridge's
// other host-state-behind-a-plain-object pattern (see Headers, Handlers):
// the guest never sees the registry directly, only describe/it/expect.
type TestRegistry struct {
	suiteStack []string
	cases      []*TestCase
	beforeAll  map[string][]otto.Value
	afterAll   map[string][]otto.Value
	beforeEach map[string][]otto.Value
	afterEach  map[string][]otto.Value
	hasOnly    bool
}

// NewTestRegistry creates an empty registry.
func NewTestRegistry() *TestRegistry {
	return &TestRegistry{
		beforeAll:  make(map[string][]otto.Value),
		afterAll:   make(map[string][]otto.Value),
		beforeEach: make(map[string][]otto.Value),
		afterEach:  make(map[string][]otto.Value),
	}
}

func (r *TestRegistry) suiteKey() string {
	key := ""
	for i, s := range r.suiteStack {
		if i > 0 {
			key += "\x00"
		}
		key += s
	}
	return key
}

// RegisterTestRunner installs describe/it/test/expect/beforeAll/afterAll/
// beforeEach/afterEach against reg. Running the collected cases is the
// dispatcher's job (it happens after the guest module finishes loading),
// so this file only builds the registry — it does not execute anything.
func RegisterTestRunner(vm *otto.Otto, reg *TestRegistry) error {
	if err := vm.Set("describe", func(call otto.FunctionCall) otto.Value {
		name := call.Argument(0).String()
		fn := call.Argument(1)
		if !fn.IsFunction() {
			panic(call.Otto.MakeTypeError("describe(name, fn): fn must be a function"))
		}
		reg.suiteStack = append(reg.suiteStack, name)
		if _, err := fn.Call(otto.UndefinedValue()); err != nil {
			reg.suiteStack = reg.suiteStack[:len(reg.suiteStack)-1]
			panic(err)
		}
		reg.suiteStack = reg.suiteStack[:len(reg.suiteStack)-1]
		return otto.UndefinedValue()
	}); err != nil {
		return err
	}

	makeIt := func(skip, only, todo bool) func(otto.FunctionCall) otto.Value {
		return func(call otto.FunctionCall) otto.Value {
			name := call.Argument(0).String()
			fn := call.Argument(1)
			tc := &TestCase{
				Name:  name,
				Suite: append([]string(nil), reg.suiteStack...),
				Fn:    fn,
				Skip:  skip || !fn.IsFunction(),
				Only:  only,
				Todo:  todo,
			}
			if only {
				reg.hasOnly = true
			}
			reg.cases = append(reg.cases, tc)
			return otto.UndefinedValue()
		}
	}

	// it/test must be callable AND carry .skip/.only/.todo properties, so
	// each is built as a function value with properties attached directly
	// onto its underlying object.
	it := makeIt(false, false, false)
	itFnObj := mustFunctionObject(vm, it)
	_ = itFnObj.Set("skip", makeIt(true, false, false))
	_ = itFnObj.Set("only", makeIt(false, true, false))
	_ = itFnObj.Set("todo", makeIt(false, false, true))
	if err := vm.Set("it", itFnObj.Value()); err != nil {
		return err
	}

	test := makeIt(false, false, false)
	testFnObj := mustFunctionObject(vm, test)
	_ = testFnObj.Set("skip", makeIt(true, false, false))
	_ = testFnObj.Set("only", makeIt(false, true, false))
	_ = testFnObj.Set("todo", makeIt(false, false, true))
	if err := vm.Set("test", testFnObj.Value()); err != nil {
		return err
	}

	hook := func(table map[string][]otto.Value) func(otto.FunctionCall) otto.Value {
		return func(call otto.FunctionCall) otto.Value {
			fn := call.Argument(0)
			if fn.IsFunction() {
				key := reg.suiteKey()
				table[key] = append(table[key], fn)
			}
			return otto.UndefinedValue()
		}
	}
	if err := vm.Set("beforeAll", hook(reg.beforeAll)); err != nil {
		return err
	}
	if err := vm.Set("afterAll", hook(reg.afterAll)); err != nil {
		return err
	}
	if err := vm.Set("beforeEach", hook(reg.beforeEach)); err != nil {
		return err
	}
	if err := vm.Set("afterEach", hook(reg.afterEach)); err != nil {
		return err
	}

	return registerExpect(vm)
}

// mustFunctionObject wraps a Go func value as an *otto.Object so properties
// (.skip, .only, .todo) can be attached to the callable itself, matching
// how real test runners expose it.skip etc.
func mustFunctionObject(vm *otto.Otto, fn func(otto.FunctionCall) otto.Value) *otto.Object {
	v, err := vm.ToValue(fn)
	if err != nil {
		panic(err)
	}
	return v.Object()
}

// registerExpect installs a minimal matcher set: toBe, toEqual,
// toBeTruthy, toBeFalsy, toBeNull, toBeUndefined, toBeDefined, toThrow,
// toContain, toHaveLength, each with a .not negation. The exact matcher
// surface is explicitly unspecified beyond "a minimal set", so this picks
// the common Jest-shaped subset guest test code is most likely to use.
func registerExpect(vm *otto.Otto) error {
	script := `(function() {
		function deepEqual(a, b) {
			if (a === b) return true;
			if (typeof a !== typeof b) return false;
			if (a === null || b === null) return a === b;
			if (typeof a !== 'object') return false;
			var ak = Object.keys(a), bk = Object.keys(b);
			if (ak.length !== bk.length) return false;
			for (var i = 0; i < ak.length; i++) {
				var k = ak[i];
				if (!Object.prototype.hasOwnProperty.call(b, k)) return false;
				if (!deepEqual(a[k], b[k])) return false;
			}
			return true;
		}
		function makeMatchers(actual, negate) {
			function assert(cond, message) {
				if (cond === negate) {
					throw new Error(message);
				}
			}
			return {
				toBe: function(expected) {
					assert(actual === expected, 'expected ' + String(actual) + (negate ? ' not ' : ' ') + 'to be ' + String(expected));
				},
				toEqual: function(expected) {
					assert(deepEqual(actual, expected), 'expected ' + JSON.stringify(actual) + (negate ? ' not ' : ' ') + 'to equal ' + JSON.stringify(expected));
				},
				toBeTruthy: function() {
					assert(!!actual, 'expected ' + String(actual) + (negate ? ' not ' : ' ') + 'to be truthy');
				},
				toBeFalsy: function() {
					assert(!actual, 'expected ' + String(actual) + (negate ? ' not ' : ' ') + 'to be falsy');
				},
				toBeNull: function() {
					assert(actual === null, 'expected ' + String(actual) + (negate ? ' not ' : ' ') + 'to be null');
				},
				toBeUndefined: function() {
					assert(actual === undefined, 'expected ' + String(actual) + (negate ? ' not ' : ' ') + 'to be undefined');
				},
				toBeDefined: function() {
					assert(actual !== undefined, 'expected value ' + (negate ? ' not ' : ' ') + 'to be defined');
				},
				toContain: function(expected) {
					var found = false;
					if (typeof actual === 'string') {
						found = actual.indexOf(expected) !== -1;
					} else if (actual && typeof actual.length === 'number') {
						for (var i = 0; i < actual.length; i++) {
							if (actual[i] === expected) { found = true; break; }
						}
					}
					assert(found, 'expected ' + JSON.stringify(actual) + (negate ? ' not ' : ' ') + 'to contain ' + JSON.stringify(expected));
				},
				toHaveLength: function(expected) {
					assert(actual && actual.length === expected, 'expected length ' + (actual ? actual.length : undefined) + (negate ? ' not ' : ' ') + 'to be ' + expected);
				},
				toThrow: function(expected) {
					var threw = false;
					var err = null;
					try { actual(); } catch (e) { threw = true; err = e; }
					if (expected === undefined) {
						assert(threw, 'expected function' + (negate ? ' not ' : ' ') + 'to throw');
					} else {
						var message = err && err.message ? err.message : String(err);
						assert(threw && message.indexOf(expected) !== -1, 'expected function to throw matching ' + expected);
					}
				}
			};
		}
		return function expect(actual) {
			var positive = makeMatchers(actual, false);
			positive.not = makeMatchers(actual, true);
			return positive;
		};
	})()`
	v, err := vm.Eval(script)
	if err != nil {
		return fmt.Errorf("bridge: registerExpect: %w", err)
	}
	return vm.Set("expect", v)
}

// Run executes every collected case in registration order, honoring
// .only (if any case is .only, every non-only case is skipped) and
// .skip/.todo, running beforeAll/afterAll once per suite and
// beforeEach/afterEach around every case, matching the nesting rules a
// describe-based runner is expected to follow.
func (r *TestRegistry) Run(vm *otto.Otto) []TestResult {
	results := make([]TestResult, 0, len(r.cases))
	ranBeforeAll := make(map[string]bool)

	for _, tc := range r.cases {
		key := ""
		for i, s := range tc.Suite {
			if i > 0 {
				key += "\x00"
			}
			key += s
		}

		if !ranBeforeAll[key] {
			for _, fn := range r.beforeAll[key] {
				_, _ = fn.Call(otto.UndefinedValue())
			}
			ranBeforeAll[key] = true
		}

		res := TestResult{Name: tc.Name, Suite: tc.Suite}
		switch {
		case tc.Todo:
			res.Status = "todo"
		case tc.Skip || (r.hasOnly && !tc.Only):
			res.Status = "skip"
		default:
			for _, fn := range r.beforeEach[key] {
				_, _ = fn.Call(otto.UndefinedValue())
			}
			_, err := tc.Fn.Call(otto.UndefinedValue())
			for _, fn := range r.afterEach[key] {
				_, _ = fn.Call(otto.UndefinedValue())
			}
			if err != nil {
				res.Status = "fail"
				res.Err = err
			} else {
				res.Status = "pass"
			}
		}
		results = append(results, res)
	}

	for key, fns := range r.afterAll {
		if ranBeforeAll[key] {
			for _, fn := range fns {
				_, _ = fn.Call(otto.UndefinedValue())
			}
		}
	}

	return results
}
