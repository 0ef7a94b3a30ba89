package runtime

import (
	"context"
	"testing"

	"github.com/ricsam/isolated/internal/fetchdriver"
	"github.com/ricsam/isolated/internal/isolate"
)

func TestBuildWithNoCapabilitiesStillRunsBaselineScript(t *testing.T) {
	mgr := isolate.NewManager(0)
	rt, err := Build(mgr, 1, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	v, err := rt.Isolate.Run(context.Background(), `1 + 1`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n, _ := v.ToInteger(); n != 2 {
		t.Fatalf("result = %v, want 2", n)
	}
}

func TestBuildGatesTimersCapability(t *testing.T) {
	mgr := isolate.NewManager(0)

	ungranted, err := Build(mgr, 1, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	v, err := ungranted.Isolate.Run(context.Background(), `typeof setTimeout`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v.String() != "undefined" {
		t.Fatalf("typeof setTimeout = %q without the timers capability, want undefined", v.String())
	}

	granted, err := Build(mgr, 2, Options{Capabilities: []string{"timers"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	v, err = granted.Isolate.Run(context.Background(), `typeof setTimeout`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v.String() != "function" {
		t.Fatalf("typeof setTimeout = %q with the timers capability, want function", v.String())
	}
}

func TestBuildGatesEncodingCapability(t *testing.T) {
	mgr := isolate.NewManager(0)
	rt, err := Build(mgr, 1, Options{Capabilities: []string{"encoding"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	v, err := rt.Isolate.Run(context.Background(), `btoa("hi")`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v.String() != "aGk=" {
		t.Fatalf("btoa(\"hi\") = %q, want aGk=", v.String())
	}
}

func TestBuildFetchWithoutDriverErrors(t *testing.T) {
	mgr := isolate.NewManager(0)
	_, err := Build(mgr, 1, Options{Capabilities: []string{"fetch"}})
	if err == nil {
		t.Fatal("expected an error requesting fetch without a driver")
	}
}

func TestBuildFetchInstallsServeAndFetchGlobals(t *testing.T) {
	mgr := isolate.NewManager(0)
	driver, err := fetchdriver.New(fetchdriver.Config{})
	if err != nil {
		t.Fatalf("fetchdriver.New: %v", err)
	}
	rt, err := Build(mgr, 1, Options{Capabilities: []string{"fetch"}, FetchDriver: driver})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := rt.Isolate.Run(context.Background(), `serve({fetch(req){ return new Response("ok"); }})`); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := rt.Handlers.Fetch(); !ok {
		t.Fatal("expected serve({fetch}) to register a fetch handler")
	}
}

func TestBuildFSWithoutRootErrors(t *testing.T) {
	mgr := isolate.NewManager(0)
	_, err := Build(mgr, 1, Options{Capabilities: []string{"fs"}})
	if err == nil {
		t.Fatal("expected an error requesting fs without a root directory")
	}
}

func TestBuildAutomationWithoutHostErrors(t *testing.T) {
	mgr := isolate.NewManager(0)
	_, err := Build(mgr, 1, Options{Capabilities: []string{"automation"}})
	if err == nil {
		t.Fatal("expected an error requesting automation without a host collaborator")
	}
}

func TestBuildAutomationForwardsActionsThroughHostCall(t *testing.T) {
	mgr := isolate.NewManager(0)
	var gotVerb string
	host := func(ctx context.Context, verb string, args map[string]any) (any, error) {
		gotVerb = verb
		return map[string]any{"ok": true}, nil
	}
	rt, err := Build(mgr, 1, Options{Capabilities: []string{"automation"}, Host: host})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if rt.Isolate == nil {
		t.Fatal("expected a built isolate")
	}
	if gotVerb != "" {
		t.Fatalf("host call fired during Build, want it deferred until a guest launches a context")
	}
}
