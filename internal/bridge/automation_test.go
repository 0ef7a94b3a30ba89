package bridge

import (
	"context"
	"testing"

	"github.com/robertkrimen/otto"

	"github.com/ricsam/isolated/internal/automation"
	"github.com/ricsam/isolated/internal/marshal"
)

type fakeDriver struct{}

func (fakeDriver) Do(ctx context.Context, verb string, args map[string]any) (any, error) {
	return map[string]any{"verb": verb, "selector": args["selector"]}, nil
}

func TestRegisterAutomationLaunchAndAction(t *testing.T) {
	vm := otto.New()
	store := marshal.NewStore()
	mats := marshal.NewMaterializers()
	RegisterBrowserContextMaterializer(mats)

	launch := func() (*automation.Context, error) {
		return automation.NewContext(1, automation.GenerateProfile(nil), fakeDriver{}), nil
	}
	if err := RegisterAutomation(vm, launch, store, mats); err != nil {
		t.Fatalf("RegisterAutomation: %v", err)
	}

	v, err := vm.Run(`
		var ctx = browser.launch();
		var result = ctx.action('click', {selector: '#go'});
		ctx.close();
		result.selector;
	`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	s, _ := v.ToString()
	if s != "#go" {
		t.Fatalf("selector = %q, want #go", s)
	}
}

func TestBrowserContextActionAfterCloseThrows(t *testing.T) {
	vm := otto.New()
	store := marshal.NewStore()
	mats := marshal.NewMaterializers()
	RegisterBrowserContextMaterializer(mats)

	launch := func() (*automation.Context, error) {
		return automation.NewContext(1, automation.GenerateProfile(nil), fakeDriver{}), nil
	}
	if err := RegisterAutomation(vm, launch, store, mats); err != nil {
		t.Fatalf("RegisterAutomation: %v", err)
	}

	nameV, err := vm.Run(`
		var ctx = browser.launch();
		ctx.close();
		try {
			ctx.action('click', {});
			'no error';
		} catch (e) {
			e.name;
		}
	`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	name, _ := nameV.ToString()
	if name != "OperationError" {
		t.Fatalf("error name = %q, want OperationError", name)
	}
}
