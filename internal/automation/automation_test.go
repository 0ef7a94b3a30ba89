package automation

import (
	"context"
	"math/rand"
	"reflect"
	"testing"
)

type recordingDriver struct {
	calls []string
}

func (d *recordingDriver) Do(ctx context.Context, verb string, args map[string]any) (any, error) {
	d.calls = append(d.calls, verb)
	return map[string]any{"ok": true, "verb": verb}, nil
}

func TestGenerateProfileIsDeterministicForAFixedSeed(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	p := GenerateProfile(rng)
	if p.Screen.Width == 0 || p.Navigator.Platform == "" {
		t.Fatalf("profile looks unpopulated: %+v", p)
	}
	p2 := GenerateProfile(rand.New(rand.NewSource(42)))
	if !reflect.DeepEqual(p, p2) {
		t.Fatalf("profiles from the same seed differ:\n%+v\n%+v", p, p2)
	}
}

func TestActionForwardsToDriver(t *testing.T) {
	driver := &recordingDriver{}
	ctx := NewContext(1, GenerateProfile(nil), driver)

	result, err := ctx.Action(context.Background(), "click", map[string]any{"selector": "#submit"})
	if err != nil {
		t.Fatalf("Action: %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok || m["verb"] != "click" {
		t.Fatalf("result = %#v", result)
	}
	if len(driver.calls) != 1 || driver.calls[0] != "click" {
		t.Fatalf("calls = %v", driver.calls)
	}
}

func TestActionAfterCloseFails(t *testing.T) {
	ctx := NewContext(1, GenerateProfile(nil), &recordingDriver{})
	ctx.Close()
	ctx.Close() // idempotent

	_, err := ctx.Action(context.Background(), "click", nil)
	if err != ErrContextClosed {
		t.Fatalf("err = %v, want ErrContextClosed", err)
	}
}
