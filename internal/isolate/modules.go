package isolate

import (
	"context"
	"fmt"

	"github.com/robertkrimen/otto"
)

// Import resolves specifier relative to resolveDir through the isolate's
// registered loader, compiles and runs it at most once per isolate, and
// returns the module's exported value (whatever the compiled script's
// completion value is). Subsequent imports of the same specifier return the
// memoised value instead of re-running the loader (spec.md §4.5 "Compiled
// modules are memoised in the per-isolate module cache").
func (iso *Isolate) Import(ctx context.Context, specifier, resolveDir string) (any, error) {
	cacheKey := resolveDir + "\x00" + specifier

	iso.mu.Lock()
	if iso.moduleCache == nil {
		iso.mu.Unlock()
		return nil, fmt.Errorf("isolate %d: import after disposal", iso.ID)
	}
	if cached, ok := iso.moduleCache[cacheKey]; ok {
		iso.mu.Unlock()
		v, err := cached.Export()
		if err != nil {
			return nil, fmt.Errorf("isolate %d: export cached module %q: %w", iso.ID, specifier, err)
		}
		return v, nil
	}
	iso.mu.Unlock()

	if iso.loader == nil {
		return nil, fmt.Errorf("isolate %d: import %q: no module loader registered", iso.ID, specifier)
	}
	code, nextDir, err := iso.loader(specifier, resolveDir)
	if err != nil {
		return nil, fmt.Errorf("isolate %d: resolve %q: %w", iso.ID, specifier, err)
	}

	iso.touch()
	iso.mu.Lock()
	defer iso.mu.Unlock()
	if iso.moduleCache == nil {
		return nil, fmt.Errorf("isolate %d: import after disposal", iso.ID)
	}

	result, err := iso.runInterruptible(ctx, func() (otto.Value, error) {
		return iso.vm.Run(code)
	})
	if err != nil {
		return nil, fmt.Errorf("isolate %d: run module %q: %w", iso.ID, specifier, err)
	}
	iso.moduleCache[cacheKey] = result

	if consumer, mapErr := sourceMapFor(code); mapErr == nil && consumer != nil {
		iso.moduleMaps[cacheKey] = consumer
	}

	_ = nextDir // available for nested relative imports when the loader recurses
	v, err := result.Export()
	if err != nil {
		return nil, fmt.Errorf("isolate %d: export module %q: %w", iso.ID, specifier, err)
	}
	return v, nil
}
