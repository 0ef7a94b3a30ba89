// Package runtime is the capability-gated isolate composition root spec.md
// §4.5's "inject baseline globals ... the bridge primitives selected by the
// requested capability set" describes but leaves to whoever wires
// internal/isolate up to internal/bridge. Build is that wiring: given a
// capability list it installs exactly the bridge globals that capability
// set grants, exactly once, and leaves every ungranted capability's global
// unset: `typeof fetch` is "undefined", and a bare call such as `fetch()`
// fails with otto's own ReferenceError naming the global. No dedicated
// capability TypeError is raised.
package runtime

import (
	"context"
	"fmt"

	"github.com/ricsam/isolated/internal/automation"
	"github.com/ricsam/isolated/internal/bridge"
	"github.com/ricsam/isolated/internal/bridge/cryptosubtle"
	"github.com/ricsam/isolated/internal/fetchdriver"
	"github.com/ricsam/isolated/internal/fsbridge"
	"github.com/ricsam/isolated/internal/isolate"
	"github.com/ricsam/isolated/internal/marshal"
)

// HostCall is the hook a Runtime uses to reach back into whatever
// collaborator its owning connection registered. Build uses it only for
// automation actions; the module loader is supplied separately as
// Options.Loader.
// A caller normally implements this with
// internal/connmux.Connection.DispatchHostRequest plus a Callback-invoke
// frame, but Build itself never assumes that — it only needs a blocking
// call.
type HostCall func(ctx context.Context, verb string, args map[string]any) (any, error)

// Options selects which bridge capabilities a new Runtime installs and
// supplies the host-side collaborators those capabilities need.
type Options struct {
	// Capabilities lists the granted capability names: "fetch" (outbound
	// fetch() plus inbound serve()), "websocket" (outbound WebSocket
	// client), "fs", "timers", "crypto", "encoding", "testRunner",
	// "automation" — spec.md §1's "curated set of Web-platform
	// capabilities".
	Capabilities []string

	MemLimitMB  int64
	VirtualTime bool

	// FSRoot is the directory the filesystem bridge is rooted at, required
	// when Capabilities includes "fs".
	FSRoot string

	// FetchDriver performs outbound network fetches, required when
	// Capabilities includes "fetch".
	FetchDriver *fetchdriver.Driver

	// Loader resolves guest import specifiers. Nil means imports always
	// fail — spec.md §4.5 "Module loader: when the guest imports a
	// specifier, the bridge calls a registered loader callback".
	Loader isolate.ModuleLoader

	// Host forwards automation actions (and, in a future extension, other
	// client-supplied collaborators) back to the owning connection.
	// Required when Capabilities includes "automation".
	Host HostCall
}

// Runtime bundles a freshly built isolate with the bridge state a
// dispatcher or connection needs to drive it afterwards.
type Runtime struct {
	Isolate  *isolate.Isolate
	Handlers *bridge.Handlers
	Tests    *bridge.TestRegistry
	Store    *marshal.Store
	Mats     *marshal.Materializers
}

// Build allocates an isolate owned by connID on mgr (evicting per
// mgr.Create's LRU policy if the pool is at capacity) and installs every
// bridge global opts.Capabilities requests.
func Build(mgr *isolate.Manager, connID uint64, opts Options) (*Runtime, error) {
	caps := isolate.NewCapabilitySet(toCapabilitySlice(opts.Capabilities)...)

	iso, err := mgr.Create(connID, caps, opts.MemLimitMB*1024*1024, opts.Loader, opts.VirtualTime)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Isolate:  iso,
		Handlers: bridge.NewHandlers(),
		Store:    mgr.Store(),
		Mats:     mgr.Materializers(),
	}
	vm := iso.VM()

	// Headers/Request/Response/ReadableStream/TransformStream back both the
	// outbound fetch() capability and the inbound serve() handler, so they
	// are foundational rather than gated behind either one individually.
	if err := bridge.RegisterHeaders(vm, rt.Store, rt.Mats); err != nil {
		return nil, fmt.Errorf("runtime: headers: %w", err)
	}
	bridge.RegisterReadableStream(rt.Store, rt.Mats)
	if err := bridge.RegisterRequest(rt.Store, rt.Mats)(vm); err != nil {
		return nil, fmt.Errorf("runtime: request: %w", err)
	}
	if err := bridge.RegisterResponse(rt.Store, rt.Mats)(vm); err != nil {
		return nil, fmt.Errorf("runtime: response: %w", err)
	}
	if err := bridge.RegisterTransformStream(vm, rt.Store, rt.Mats); err != nil {
		return nil, fmt.Errorf("runtime: transform stream: %w", err)
	}

	if caps.Has("encoding") {
		if err := bridge.RegisterEncoding(vm, rt.Store, rt.Mats); err != nil {
			return nil, fmt.Errorf("runtime: encoding: %w", err)
		}
	}

	if caps.Has("fetch") {
		if opts.FetchDriver == nil {
			return nil, fmt.Errorf("runtime: fetch capability requested without a fetch driver")
		}
		if err := bridge.RegisterFetch(vm, opts.FetchDriver, rt.Store, rt.Mats); err != nil {
			return nil, fmt.Errorf("runtime: fetch: %w", err)
		}
		if err := bridge.RegisterServe(vm, rt.Handlers, rt.Store, rt.Mats); err != nil {
			return nil, fmt.Errorf("runtime: serve: %w", err)
		}
		bridge.RegisterServerSocket(rt.Mats)
	}

	if caps.Has("websocket") {
		if err := bridge.RegisterWebSocket(vm, rt.Store, rt.Mats); err != nil {
			return nil, fmt.Errorf("runtime: websocket: %w", err)
		}
	}

	if caps.Has("timers") {
		if err := bridge.RegisterTimers(vm, iso, iso.Timers()); err != nil {
			return nil, fmt.Errorf("runtime: timers: %w", err)
		}
	}

	if caps.Has("crypto") {
		if err := bridge.RegisterCrypto(vm, cryptosubtle.NewRegistry(), rt.Store, rt.Mats); err != nil {
			return nil, fmt.Errorf("runtime: crypto: %w", err)
		}
	}

	if caps.Has("fs") {
		if opts.FSRoot == "" {
			return nil, fmt.Errorf("runtime: fs capability requested without a root directory")
		}
		root, err := fsbridge.NewRoot(opts.FSRoot)
		if err != nil {
			return nil, fmt.Errorf("runtime: fs root %q: %w", opts.FSRoot, err)
		}
		if err := fsbridge.Register(vm, root, rt.Store, rt.Mats); err != nil {
			return nil, fmt.Errorf("runtime: fs: %w", err)
		}
	}

	if caps.Has("testRunner") {
		rt.Tests = bridge.NewTestRegistry()
		if err := bridge.RegisterTestRunner(vm, rt.Tests); err != nil {
			return nil, fmt.Errorf("runtime: test runner: %w", err)
		}
	}

	if caps.Has("automation") {
		if opts.Host == nil {
			return nil, fmt.Errorf("runtime: automation capability requested without a host collaborator")
		}
		bridge.RegisterBrowserContextMaterializer(rt.Mats)
		launch := func() (*automation.Context, error) {
			profile := automation.GenerateProfile(nil)
			return automation.NewContext(iso.ID, profile, &hostDriver{call: opts.Host}), nil
		}
		if err := bridge.RegisterAutomation(vm, launch, rt.Store, rt.Mats); err != nil {
			return nil, fmt.Errorf("runtime: automation: %w", err)
		}
	}

	return rt, nil
}

// hostDriver adapts a HostCall into an automation.Driver, forwarding every
// guest-requested automation verb to the connection's registered
// collaborator (spec.md §1 Non-goals: "the individual Playwright action
// verbs ... are deliberately out of scope" — runtime only provides the
// forwarding boundary, never the verbs themselves).
type hostDriver struct {
	call HostCall
}

func (d *hostDriver) Do(ctx context.Context, verb string, args map[string]any) (any, error) {
	return d.call(ctx, "automation."+verb, args)
}

func toCapabilitySlice(names []string) []isolate.Capability {
	out := make([]isolate.Capability, len(names))
	for i, n := range names {
		out[i] = isolate.Capability(n)
	}
	return out
}
