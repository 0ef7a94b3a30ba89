package fsbridge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/robertkrimen/otto"

	"github.com/ricsam/isolated/internal/marshal"
)

func newTestVM(t *testing.T) (*otto.Otto, *Root) {
	t.Helper()
	root, err := NewRoot(t.TempDir())
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	vm := otto.New()
	store := marshal.NewStore()
	mats := marshal.NewMaterializers()
	if err := Register(vm, root, store, mats); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return vm, root
}

func TestFileLifecycle(t *testing.T) {
	vm, root := newTestVM(t)

	if _, err := vm.Run(`fs.writeFile('test.txt', 'Hello, this is a test file content!')`); err != nil {
		t.Fatalf("writeFile: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root.Dir, "test.txt"))
	if err != nil {
		t.Fatalf("expected file on host: %v", err)
	}
	if string(data) != "Hello, this is a test file content!" {
		t.Fatalf("host file contents = %q", data)
	}

	listV, err := vm.Run(`
		var entries = fs.readdir('.');
		var found = null;
		for (var i = 0; i < entries.length; i++) {
			if (entries[i].name === 'test.txt') found = entries[i];
		}
		found;
	`)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	sizeV, _ := listV.Object().Get("size")
	size, _ := sizeV.ToInteger()
	if size != int64(len("Hello, this is a test file content!")) {
		t.Fatalf("size = %d", size)
	}

	readV, err := vm.Run(`fs.readFile('test.txt')`)
	if err != nil {
		t.Fatalf("readFile: %v", err)
	}
	host, err := marshal.ToHost(readV)
	if err != nil {
		t.Fatalf("ToHost: %v", err)
	}
	bin, ok := host.(marshal.Binary)
	if !ok || string(bin) != "Hello, this is a test file content!" {
		t.Fatalf("readFile contents = %#v", host)
	}

	if _, err := vm.Run(`fs.unlink('test.txt')`); err != nil {
		t.Fatalf("unlink: %v", err)
	}

	nameV, err := vm.Run(`
		try {
			fs.readFile('test.txt');
			'no error';
		} catch (e) {
			e.name;
		}
	`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	name, _ := nameV.ToString()
	if name != "NotFoundError" {
		t.Fatalf("error name after deleting = %q, want NotFoundError", name)
	}
}

func TestPathCannotEscapeRoot(t *testing.T) {
	vm, _ := newTestVM(t)
	nameV, err := vm.Run(`
		try {
			fs.readFile('../../etc/passwd');
			'no error';
		} catch (e) {
			e.name;
		}
	`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	name, _ := nameV.ToString()
	if name != "TypeError" {
		t.Fatalf("error name = %q, want TypeError", name)
	}
}

func TestReaddirOnMissingDirectoryThrowsNotFoundError(t *testing.T) {
	vm, _ := newTestVM(t)
	nameV, err := vm.Run(`
		try {
			fs.readdir('nope');
			'no error';
		} catch (e) {
			e.name;
		}
	`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	name, _ := nameV.ToString()
	if name != "NotFoundError" {
		t.Fatalf("error name = %q, want NotFoundError", name)
	}
}
