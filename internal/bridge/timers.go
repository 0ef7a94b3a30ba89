package bridge

import (
	"github.com/robertkrimen/otto"

	"github.com/ricsam/isolated/internal/isolate"
)

// RegisterTimers installs setTimeout/setInterval/clearTimeout/clearInterval
// against queue (spec.md §4.8). Guest callbacks are invoked through iso so
// a timer firing is serialised against every other host call into the same
// VM, matching the "per-isolate operations are serialised" rule in
// spec.md §5.
func RegisterTimers(vm *otto.Otto, iso *isolate.Isolate, queue *isolate.TimerQueue) error {
	schedule := func(call otto.FunctionCall, periodic bool) otto.Value {
		fn := call.Argument(0)
		if !fn.IsFunction() {
			panic(call.Otto.MakeTypeError("timer callback must be a function"))
		}
		delayMs := int64(0)
		if d, err := call.Argument(1).ToInteger(); err == nil {
			delayMs = d
		}
		extraArgs := make([]any, 0)
		for _, a := range call.ArgumentList[minInt(2, len(call.ArgumentList)):] {
			extraArgs = append(extraArgs, a)
		}

		id := queue.Schedule(delayMs, periodic, func() {
			args := make([]interface{}, len(extraArgs))
			for i, a := range extraArgs {
				args[i] = a
			}
			// Errors from a fired timer callback are not propagated to the
			// scheduler — an uncaught guest exception here is equivalent to
			// an unhandled error in a real setTimeout callback.
			_, _ = iso.Call(nil, fn, otto.UndefinedValue(), args...)
		})
		v, _ := call.Otto.ToValue(id)
		return v
	}

	if err := vm.Set("setTimeout", func(call otto.FunctionCall) otto.Value {
		return schedule(call, false)
	}); err != nil {
		return err
	}
	if err := vm.Set("setInterval", func(call otto.FunctionCall) otto.Value {
		return schedule(call, true)
	}); err != nil {
		return err
	}

	clear := func(call otto.FunctionCall) otto.Value {
		if id, err := call.Argument(0).ToInteger(); err == nil {
			queue.ClearTimer(uint64(id))
		}
		return otto.UndefinedValue()
	}
	if err := vm.Set("clearTimeout", clear); err != nil {
		return err
	}
	return vm.Set("clearInterval", clear)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
