// Package fsbridge implements the filesystem capability bridge (spec.md
// §4.3 "filesystem" among the injected surfaces, exercised end-to-end by
// scenario S2 "File lifecycle"). The teacher never touches a guest
// filesystem, so this package is built directly from the specification in
// the house idiom the rest of internal/bridge already established: a Go
// struct holding host-side state, a Register function installing a guest
// global whose methods forward synchronously to host I/O (the same
// sync-wait-on-Promise-collapsed-to-synchronous discipline documented in
// internal/bridge/fetch.go, since otto has no microtask loop to suspend on).
//
// Every path the guest supplies is resolved against a single root directory
// — the "filesystem directory provider" a runtime is configured with
// (spec.md §6) — and is rejected if it would resolve outside that root, so
// a guest can never read or write anything beyond its own scratch
// directory.
package fsbridge

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/robertkrimen/otto"

	"github.com/ricsam/isolated/internal/marshal"
)

// Root scopes one isolate's filesystem capability to a single host
// directory. It is the Go-native analogue of the "filesystem directory
// provider" callback spec.md §6 lists among the callbacks runtime options
// may supply.
type Root struct {
	Dir string
}

// NewRoot creates a Root rooted at dir, creating dir if it does not already
// exist so an empty scratch directory is always usable.
func NewRoot(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("fsbridge: resolve root %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("fsbridge: create root %q: %w", abs, err)
	}
	return &Root{Dir: abs}, nil
}

// resolve maps a guest-supplied path onto a host path inside r.Dir, refusing
// anything that would escape the root (`../../etc/passwd` and friends).
func (r *Root) resolve(guestPath string) (string, error) {
	cleaned := filepath.Clean(guestPath)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("fsbridge: path %q escapes the filesystem root", guestPath)
	}
	joined := filepath.Join(r.Dir, cleaned)
	if joined != r.Dir && !strings.HasPrefix(joined, r.Dir+string(filepath.Separator)) {
		return "", fmt.Errorf("fsbridge: path %q escapes the filesystem root", guestPath)
	}
	return joined, nil
}

// Register installs the guest `fs` global backed by r. Every method forwards
// to real host I/O on the calling goroutine before returning — there is no
// Promise to suspend on, matching fetch()'s and crypto.subtle's collapsed
// sync-wait-on-Promise discipline.
func Register(vm *otto.Otto, r *Root, store *marshal.Store, mats *marshal.Materializers) error {
	fsObj, err := vm.Object("({})")
	if err != nil {
		return err
	}

	_ = fsObj.Set("readFile", func(call otto.FunctionCall) otto.Value {
		guestPath := call.Argument(0).String()
		hostPath, err := r.resolve(guestPath)
		if err != nil {
			panic(call.Otto.MakeCustomError("TypeError", err.Error()))
		}
		data, err := os.ReadFile(hostPath)
		if err != nil {
			panic(fsError(call, "readFile", guestPath, err))
		}
		gv, err := marshal.ToGuest(call.Otto, marshal.Binary(data), store, mats)
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		return gv
	})

	_ = fsObj.Set("writeFile", func(call otto.FunctionCall) otto.Value {
		guestPath := call.Argument(0).String()
		hostPath, err := r.resolve(guestPath)
		if err != nil {
			panic(call.Otto.MakeCustomError("TypeError", err.Error()))
		}
		data, err := contentsFromArg(call.Argument(1))
		if err != nil {
			panic(call.Otto.MakeTypeError(err.Error()))
		}
		if err := os.MkdirAll(filepath.Dir(hostPath), 0o755); err != nil {
			panic(fsError(call, "writeFile", guestPath, err))
		}
		if err := os.WriteFile(hostPath, data, 0o644); err != nil {
			panic(fsError(call, "writeFile", guestPath, err))
		}
		return otto.UndefinedValue()
	})

	_ = fsObj.Set("unlink", func(call otto.FunctionCall) otto.Value {
		guestPath := call.Argument(0).String()
		hostPath, err := r.resolve(guestPath)
		if err != nil {
			panic(call.Otto.MakeCustomError("TypeError", err.Error()))
		}
		if err := os.Remove(hostPath); err != nil {
			panic(fsError(call, "unlink", guestPath, err))
		}
		return otto.UndefinedValue()
	})

	_ = fsObj.Set("mkdir", func(call otto.FunctionCall) otto.Value {
		guestPath := call.Argument(0).String()
		hostPath, err := r.resolve(guestPath)
		if err != nil {
			panic(call.Otto.MakeCustomError("TypeError", err.Error()))
		}
		recursive := false
		if opts := call.Argument(1); opts.IsObject() {
			if v, err := opts.Object().Get("recursive"); err == nil {
				recursive, _ = v.ToBoolean()
			}
		}
		var mkErr error
		if recursive {
			mkErr = os.MkdirAll(hostPath, 0o755)
		} else {
			mkErr = os.Mkdir(hostPath, 0o755)
		}
		if mkErr != nil {
			panic(fsError(call, "mkdir", guestPath, mkErr))
		}
		return otto.UndefinedValue()
	})

	_ = fsObj.Set("readdir", func(call otto.FunctionCall) otto.Value {
		guestPath := call.Argument(0).String()
		hostPath, err := r.resolve(guestPath)
		if err != nil {
			panic(call.Otto.MakeCustomError("TypeError", err.Error()))
		}
		entries, err := os.ReadDir(hostPath)
		if err != nil {
			panic(fsError(call, "readdir", guestPath, err))
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		listing := make([]any, 0, len(entries))
		for _, ent := range entries {
			info, err := ent.Info()
			if err != nil {
				continue
			}
			listing = append(listing, map[string]any{
				"name":        ent.Name(),
				"size":        float64(info.Size()),
				"isDirectory": ent.IsDir(),
				"mtimeMs":     float64(info.ModTime().UnixMilli()),
			})
		}
		gv, err := marshal.ToGuest(call.Otto, listing, store, mats)
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		return gv
	})

	_ = fsObj.Set("stat", func(call otto.FunctionCall) otto.Value {
		guestPath := call.Argument(0).String()
		hostPath, err := r.resolve(guestPath)
		if err != nil {
			panic(call.Otto.MakeCustomError("TypeError", err.Error()))
		}
		info, err := os.Stat(hostPath)
		if err != nil {
			panic(fsError(call, "stat", guestPath, err))
		}
		gv, err := marshal.ToGuest(call.Otto, map[string]any{
			"name":        info.Name(),
			"size":        float64(info.Size()),
			"isDirectory": info.IsDir(),
			"mtimeMs":     float64(info.ModTime().UnixMilli()),
		}, store, mats)
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		return gv
	})

	_ = fsObj.Set("exists", func(call otto.FunctionCall) otto.Value {
		guestPath := call.Argument(0).String()
		hostPath, err := r.resolve(guestPath)
		if err != nil {
			panic(call.Otto.MakeCustomError("TypeError", err.Error()))
		}
		_, statErr := os.Stat(hostPath)
		v, _ := call.Otto.ToValue(statErr == nil)
		return v
	})

	return vm.Set("fs", fsObj.Value())
}

// fsError turns a host os error for verb on guestPath into the guest-visible
// error, naming it NotFoundError when the underlying cause is a missing
// path — so guest code can branch on `err.name` the way scenario S2's 404
// response does, matching the DOM-exception-kind convention the rest of
// internal/bridge already uses for capability errors (spec.md §4.2).
func fsError(call otto.FunctionCall, verb, guestPath string, cause error) otto.Value {
	name := "Error"
	if os.IsNotExist(cause) {
		name = "NotFoundError"
	} else if os.IsPermission(cause) {
		name = "InvalidAccessError"
	} else if os.IsExist(cause) {
		name = "InvalidModificationError"
	}
	return call.Otto.MakeCustomError(name, fmt.Sprintf("fs.%s(%q): %s", verb, guestPath, cause))
}

// contentsFromArg accepts the string | Buffer union writeFile's second
// argument may take, matching Buffer.from's own source handling in
// encoding.go.
func contentsFromArg(v otto.Value) ([]byte, error) {
	if v.IsString() {
		s, _ := v.ToString()
		return []byte(s), nil
	}
	host, err := marshal.ToHost(v)
	if err != nil {
		return nil, err
	}
	if b, ok := host.(marshal.Binary); ok {
		return []byte(b), nil
	}
	return nil, fmt.Errorf("fs.writeFile: contents must be a string or Buffer")
}
