package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/robertkrimen/otto"

	"github.com/ricsam/isolated/internal/automation"
	"github.com/ricsam/isolated/internal/marshal"
)

const classBrowserContext = "BrowserContext"

// BrowserContextState is the host-side record backing a guest
// BrowserContext instance: the automation.Context it forwards actions to.
type BrowserContextState struct {
	mu    sync.Mutex
	ctx   *automation.Context
	store *marshal.Store
	mats  *marshal.Materializers
}

// RegisterAutomation installs the guest `browser` global: `browser.launch()`
// returns a class-backed BrowserContext exposing `action(verb, args)` and
// `close()` (spec.md §1/§2 "browser automation driver", specified only at
// this collaborator boundary — the verb vocabulary itself is an explicit
// Non-goal).
func RegisterAutomation(vm *otto.Otto, launch func() (*automation.Context, error), store *marshal.Store, mats *marshal.Materializers) error {
	browserObj, err := vm.Object("({})")
	if err != nil {
		return err
	}

	_ = browserObj.Set("launch", func(call otto.FunctionCall) otto.Value {
		actx, err := launch()
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		state := &BrowserContextState{ctx: actx, store: store, mats: mats}
		rec := store.New(classBrowserContext, state)
		v, err := materializeBrowserContext(call.Otto, rec.ID, state)
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		return v
	})

	return vm.Set("browser", browserObj.Value())
}

// RegisterBrowserContextMaterializer installs the materializer that
// rebuilds a BrowserContext's guest-visible shape whenever one re-enters a
// guest (spec.md §4.2 class identity preservation).
func RegisterBrowserContextMaterializer(mats *marshal.Materializers) {
	mats.Register(classBrowserContext, func(vm *otto.Otto, rec *marshal.Record) (otto.Value, error) {
		state, ok := rec.State.(*BrowserContextState)
		if !ok {
			return otto.UndefinedValue(), fmt.Errorf("bridge: browser context record %d has wrong state type", rec.ID)
		}
		return materializeBrowserContext(vm, rec.ID, state)
	})
}

func materializeBrowserContext(vm *otto.Otto, id uint64, state *BrowserContextState) (otto.Value, error) {
	obj, err := vm.Object("({})")
	if err != nil {
		return otto.UndefinedValue(), err
	}
	if err := tagClassInstance(obj, classBrowserContext, id); err != nil {
		return otto.UndefinedValue(), err
	}

	_ = obj.Set("action", func(call otto.FunctionCall) otto.Value {
		verb := call.Argument(0).String()
		args := map[string]any{}
		if a := call.Argument(1); a.IsObject() {
			if hv, err := marshal.ToHost(a); err == nil {
				if m, ok := hv.(map[string]any); ok {
					args = m
				}
			}
		}

		state.mu.Lock()
		actx := state.ctx
		store, mats := state.store, state.mats
		state.mu.Unlock()

		result, err := actx.Action(context.Background(), verb, args)
		if err != nil {
			panic(call.Otto.MakeCustomError("OperationError", err.Error()))
		}
		gv, err := marshal.ToGuest(call.Otto, result, store, mats)
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		return gv
	})

	_ = obj.Set("close", func(call otto.FunctionCall) otto.Value {
		state.mu.Lock()
		state.ctx.Close()
		state.mu.Unlock()
		return otto.UndefinedValue()
	})

	return obj.Value(), nil
}
