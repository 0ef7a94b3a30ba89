// Package isolate owns the per-tenant JavaScript execution context
// described in spec.md §4.5: creation under a memory budget, a module
// loader with a per-isolate cache, activity accounting for LRU eviction,
// and idempotent, strictly-ordered disposal.
//
// otto has no notion of a V8 Isolate with its own heap; it is a single
// *otto.Otto VM per Go value. One Isolate here owns exactly one *otto.Otto,
// which is the closest otto gets to V8's isolation guarantee, and every
// host-call path is serialised through Isolate's mutex so two goroutines
// never touch the same VM concurrently (see DESIGN.md "Isolate pinning").
package isolate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robertkrimen/otto"
	sourcemap "gopkg.in/sourcemap.v1"

	"github.com/ricsam/isolated/internal/marshal"
)

// Capability names a guest-visible bridge surface that may be granted or
// withheld per isolate (spec.md §3 "Capability set").
type Capability string

const (
	CapFetch      Capability = "fetch"
	CapWebSocket  Capability = "websocket"
	CapFilesystem Capability = "fs"
	CapTimers     Capability = "timers"
	CapCrypto     Capability = "crypto"
	CapEncoding   Capability = "encoding"
	CapTestRunner Capability = "testRunner"
	CapAutomation Capability = "automation"
)

// CapabilitySet is an immutable snapshot of the capabilities granted to one
// isolate.
type CapabilitySet map[Capability]bool

// NewCapabilitySet builds a set from the given capability names.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = true
	}
	return s
}

// Has reports whether cap is granted.
func (s CapabilitySet) Has(cap Capability) bool { return s[cap] }

// ModuleLoader resolves an import specifier relative to an importer's
// directory into source code, per spec.md §4.5 "Module loader". Returning
// an error fails the `import` statement inside the guest.
type ModuleLoader func(specifier, resolveDir string) (code, resolveDir2 string, err error)

// DisposeReason records why an isolate was torn down. Dispose includes it in
// the error that rejects the isolate's pending callbacks; it is not stored
// on the isolate or reported by the manager.
type DisposeReason string

const (
	DisposeExplicit    DisposeReason = "explicit"
	DisposeEvicted     DisposeReason = "evicted-lru"
	DisposeConnLost    DisposeReason = "connection-lost"
	DisposeMemoryLimit DisposeReason = "memory-limit"
)

// Isolate is one guest JavaScript tenant: a VM, its capability grant, its
// module cache, its callback registry, and its activity clock.
type Isolate struct {
	ID    uint64
	Caps  CapabilitySet
	Store *marshal.Store
	Mats  *marshal.Materializers

	// MemoryLimitBytes is the configured per-isolate heap cap. otto exposes
	// no heap introspection and nothing checks this value: it is recorded
	// and reported (Manager.List) but not enforced (see SPEC_FULL.md §5
	// "Notes on fidelity").
	MemoryLimitBytes int64

	vm *otto.Otto
	// mu serialises all host-call entry points into vm. otto's own state is
	// not safe for concurrent use, and spec.md §5 requires per-isolate
	// operations to be serialised regardless.
	mu sync.Mutex

	createdAt    time.Time
	lastActivity time.Time
	activityMu   sync.RWMutex

	moduleCache map[string]otto.Value
	moduleMaps  map[string]*sourcemap.Consumer
	loader      ModuleLoader

	callbacks *CallbackRegistry
	timers    *TimerQueue

	disposeOnce sync.Once
	disposed    bool
	disposeMu   sync.Mutex

	// cancelStreams and onDispose let owners (dispatcher, connmux) register
	// cleanup that must run as part of the ordered disposal sequence without
	// isolate needing to know about streams, connections, or websockets.
	cancelStreams []func()
	onDispose     []func()
}

// Config carries the construction-time parameters for a new isolate.
type Config struct {
	ID               uint64
	Caps             CapabilitySet
	Store            *marshal.Store
	Mats             *marshal.Materializers
	MemoryLimitBytes int64
	Loader           ModuleLoader
	VirtualTime      bool
}

// New allocates an isolate: creates the VM, injects baseline globals, and
// starts its activity clock (spec.md §4.5 "Create").
func New(cfg Config) (*Isolate, error) {
	if cfg.Store == nil {
		cfg.Store = marshal.NewStore()
	}
	if cfg.Mats == nil {
		cfg.Mats = marshal.NewMaterializers()
	}
	vm := otto.New()
	now := time.Now()

	iso := &Isolate{
		ID:               cfg.ID,
		Caps:             cfg.Caps,
		Store:            cfg.Store,
		Mats:             cfg.Mats,
		MemoryLimitBytes: cfg.MemoryLimitBytes,
		vm:               vm,
		createdAt:        now,
		lastActivity:     now,
		moduleCache:      make(map[string]otto.Value),
		moduleMaps:       make(map[string]*sourcemap.Consumer),
		loader:           cfg.Loader,
		callbacks:        NewCallbackRegistry(),
		timers:           NewTimerQueue(cfg.VirtualTime),
	}

	if err := iso.injectBaseline(); err != nil {
		return nil, fmt.Errorf("isolate %d: inject baseline globals: %w", cfg.ID, err)
	}
	return iso, nil
}

// injectBaseline sets up globalThis aliasing and the small set of safe
// primitives every isolate gets regardless of capability grant (JSON,
// console stub). Capability-gated globals (fetch, WebSocket, …) are
// injected by internal/bridge against iso.VM() once the isolate exists.
func (iso *Isolate) injectBaseline() error {
	_, err := iso.vm.Run(`
		if (typeof globalThis === 'undefined') {
			var globalThis = this;
		}
	`)
	return err
}

// VM returns the underlying VM for bridge packages to register globals
// against. Callers must hold no expectation of concurrency safety outside
// of Run/Call, which take the isolate's lock themselves.
func (iso *Isolate) VM() *otto.Otto { return iso.vm }

// Callbacks returns the isolate's host-callback registry.
func (iso *Isolate) Callbacks() *CallbackRegistry { return iso.callbacks }

// Timers returns the isolate's timer queue.
func (iso *Isolate) Timers() *TimerQueue { return iso.timers }

// Run executes script inside the isolate, serialised against all other
// entry points, and touches the activity clock.
func (iso *Isolate) Run(ctx context.Context, script string) (otto.Value, error) {
	iso.touch()
	iso.mu.Lock()
	defer iso.mu.Unlock()

	return iso.runInterruptible(ctx, func() (otto.Value, error) {
		return iso.vm.Run(script)
	})
}

// Call invokes a guest function value with args, serialised the same way as
// Run.
func (iso *Isolate) Call(ctx context.Context, fn otto.Value, this otto.Value, args ...any) (otto.Value, error) {
	iso.touch()
	iso.mu.Lock()
	defer iso.mu.Unlock()

	return iso.runInterruptible(ctx, func() (otto.Value, error) {
		return fn.Call(this, args...)
	})
}

// RunLocked serialises fn against every other Run/Call on this isolate,
// applying the same ctx-interrupt cancellation those use. It exists for
// callers that need direct otto.Otto access rather than running a script or
// invoking a single guest function value — the test runner's collected
// describe/it tree (spec.md §4.9) is the first such caller.
func (iso *Isolate) RunLocked(ctx context.Context, fn func(vm *otto.Otto) (otto.Value, error)) (otto.Value, error) {
	iso.touch()
	iso.mu.Lock()
	defer iso.mu.Unlock()

	return iso.runInterruptible(ctx, func() (otto.Value, error) {
		return fn(iso.vm)
	})
}

// runInterruptible arranges for otto's panic-based Interrupt channel to fire
// if ctx is cancelled before work completes, converting the resulting panic
// back into a normal error. This backs the per-verb timeouts from spec.md
// §4.7; it does not track memory use.
func (iso *Isolate) runInterruptible(ctx context.Context, work func() (otto.Value, error)) (result otto.Value, err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	iso.vm.Interrupt = make(chan func(), 1)

	stop := context.AfterFunc(ctx, func() {
		select {
		case iso.vm.Interrupt <- func() {
			panic(errInterrupted)
		}:
		default:
		}
	})
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			if r == errInterrupted {
				err = fmt.Errorf("isolate %d: %w", iso.ID, ctx.Err())
				return
			}
			panic(r)
		}
	}()

	result, err = work()
	return result, err
}

type interruptSentinel struct{}

var errInterrupted = &interruptSentinel{}

func (*interruptSentinel) Error() string { return "isolate: interrupted" }

func (iso *Isolate) touch() {
	iso.activityMu.Lock()
	iso.lastActivity = time.Now()
	iso.activityMu.Unlock()
}

// LastActivity reports when the isolate last serviced a host call, used by
// the manager's LRU eviction policy.
func (iso *Isolate) LastActivity() time.Time {
	iso.activityMu.RLock()
	defer iso.activityMu.RUnlock()
	return iso.lastActivity
}

// CreatedAt reports construction time.
func (iso *Isolate) CreatedAt() time.Time { return iso.createdAt }

// OnDispose registers fn to run during Dispose, in registration order,
// after streams are cancelled, callbacks are rejected, timers are cleared
// and the module cache is dropped. Used by owners that attach
// isolate-scoped resources (open sockets, pending fetches) the isolate
// itself does not know about.
func (iso *Isolate) OnDispose(fn func()) {
	iso.disposeMu.Lock()
	iso.onDispose = append(iso.onDispose, fn)
	iso.disposeMu.Unlock()
}

// RegisterStreamCanceller is the stream-specific flavour of OnDispose,
// named separately so callers reading disposal ordering code can tell at a
// glance which step a hook belongs to.
func (iso *Isolate) RegisterStreamCanceller(cancel func()) {
	iso.disposeMu.Lock()
	iso.cancelStreams = append(iso.cancelStreams, cancel)
	iso.disposeMu.Unlock()
}

// Dispose tears the isolate down in the exact order spec.md §4.5 mandates:
// cancel active streams → reject pending callbacks → clear timers → dispose
// module cache → release retained handles → release context → dispose
// isolate. It is idempotent.
func (iso *Isolate) Dispose(reason DisposeReason) {
	iso.disposeOnce.Do(func() {
		iso.disposeMu.Lock()
		streams := iso.cancelStreams
		hooks := iso.onDispose
		iso.cancelStreams = nil
		iso.onDispose = nil
		iso.disposeMu.Unlock()

		for _, cancel := range streams {
			cancel()
		}

		iso.callbacks.RejectAll(fmt.Errorf("isolate %d disposed: %s", iso.ID, reason))

		iso.timers.Clear()

		iso.mu.Lock()
		iso.moduleCache = nil
		iso.moduleMaps = nil
		iso.mu.Unlock()

		for _, hook := range hooks {
			hook()
		}

		iso.disposeMu.Lock()
		iso.disposed = true
		iso.disposeMu.Unlock()
	})
}

// Disposed reports whether Dispose has run.
func (iso *Isolate) Disposed() bool {
	iso.disposeMu.Lock()
	defer iso.disposeMu.Unlock()
	return iso.disposed
}
