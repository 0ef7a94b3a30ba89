package isolate

import (
	"context"
	"testing"
)

// inlineSourceMapComment is a minimal, valid source map (one segment mapping
// generated line 1 col 0 back to mod.ts line 1 col 0) base64-encoded the way
// a bundler would append it to compiled output.
const inlineSourceMapComment = `
//# sourceMappingURL=data:application/json;base64,eyJ2ZXJzaW9uIjogMywgImZpbGUiOiAibW9kLmpzIiwgInNvdXJjZXMiOiBbIm1vZC50cyJdLCAibmFtZXMiOiBbXSwgIm1hcHBpbmdzIjogIkFBQUEifQ==`

func TestImportCachesInlineSourceMap(t *testing.T) {
	loader := func(specifier, resolveDir string) (string, string, error) {
		return "(1+1)" + inlineSourceMapComment, resolveDir, nil
	}
	iso, err := New(Config{ID: 1, Loader: loader})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := iso.Import(context.Background(), "./mod.js", "/app"); err != nil {
		t.Fatalf("Import: %v", err)
	}

	source, _, _, ok := iso.OriginalPosition("/app", "./mod.js", 1, 0)
	if !ok {
		t.Fatal("expected a resolvable original position for the imported module")
	}
	if source != "mod.ts" {
		t.Fatalf("source = %q, want mod.ts", source)
	}
}

func TestOriginalPositionFalseForModuleWithoutSourceMap(t *testing.T) {
	loader := func(specifier, resolveDir string) (string, string, error) {
		return "(1+1)", resolveDir, nil
	}
	iso, err := New(Config{ID: 2, Loader: loader})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := iso.Import(context.Background(), "./mod.js", "/app"); err != nil {
		t.Fatalf("Import: %v", err)
	}

	if _, _, _, ok := iso.OriginalPosition("/app", "./mod.js", 1, 0); ok {
		t.Fatal("expected no mapping for a module without an inline source map")
	}
}

func TestOriginalPositionFalseForUnknownModule(t *testing.T) {
	iso, err := New(Config{ID: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, _, ok := iso.OriginalPosition("/app", "./never-imported.js", 1, 0); ok {
		t.Fatal("expected no mapping for a module that was never imported")
	}
}
