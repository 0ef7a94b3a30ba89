package bridge

import (
	"fmt"

	"github.com/robertkrimen/otto"

	"github.com/ricsam/isolated/internal/marshal"
	"github.com/ricsam/isolated/internal/stream"
)

// RegisterTransformStream installs the TransformStream constructor. Per
// spec.md §4.4, each discrete call the guest transformer makes to
// controller.enqueue() becomes exactly one transport chunk — never
// coalesced — which NewIdentityTransform's one-chunk-in/one-chunk-out
// Enqueue preserves, and the optional custom `transform(chunk, controller)`
// guest callback preserves the same way.
func RegisterTransformStream(vm *otto.Otto, store *marshal.Store, mats *marshal.Materializers) error {
	return vm.Set("TransformStream", func(call otto.FunctionCall) otto.Value {
		const credit = 1 << 20

		transformerArg := call.Argument(0)
		var tr *stream.Transform

		transformFn := otto.UndefinedValue()
		if transformerArg.IsObject() {
			if fn, err := transformerArg.Object().Get("transform"); err == nil && fn.IsFunction() {
				transformFn = fn
			}
		}

		if transformFn.IsFunction() {
			out := stream.NewSession(credit)
			tr = &stream.Transform{
				In:  stream.NewSession(credit),
				Out: out,
				Enqueue: func(chunk []byte, outSess *stream.Session) error {
					controller, _ := call.Otto.Object("({})")
					_ = controller.Set("enqueue", func(inner otto.FunctionCall) otto.Value {
						b, err := marshal.ToHost(inner.Argument(0))
						if err != nil {
							panic(inner.Otto.MakeCustomError("TypeError", err.Error()))
						}
						bytes, ok := b.(marshal.Binary)
						if !ok {
							if s, ok := b.(string); ok {
								bytes = marshal.Binary(s)
							} else {
								panic(inner.Otto.MakeTypeError("enqueue expects bytes or a string"))
							}
						}
						if err := outSess.Write(bytes); err != nil {
							panic(inner.Otto.MakeCustomError("Error", err.Error()))
						}
						return otto.UndefinedValue()
					})
					chunkVal, err := marshal.ToGuest(call.Otto, marshal.Binary(chunk), store, mats)
					if err != nil {
						return fmt.Errorf("bridge: transform chunk: %w", err)
					}
					_, err = transformFn.Call(otto.UndefinedValue(), chunkVal, controller.Value())
					return err
				},
			}
		} else {
			tr = stream.NewIdentityTransform(credit)
		}

		go tr.Run()

		writableRec := store.New(classWritableStream, &WritableStreamState{Session: tr.In})
		readableRec := store.New(classReadableStream, &ReadableStreamState{Session: tr.Out})

		result, _ := call.Otto.Object("({})")
		writableObj, _ := call.Otto.Object("({})")
		_ = tagClassInstance(writableObj, classWritableStream, writableRec.ID)
		_ = writableObj.Set("write", func(inner otto.FunctionCall) otto.Value {
			b, err := marshal.ToHost(inner.Argument(0))
			if err != nil {
				panic(inner.Otto.MakeCustomError("TypeError", err.Error()))
			}
			bytes, _ := b.(marshal.Binary)
			if err := tr.In.Write(bytes); err != nil {
				panic(inner.Otto.MakeCustomError("Error", err.Error()))
			}
			return otto.UndefinedValue()
		})
		_ = writableObj.Set("close", func(inner otto.FunctionCall) otto.Value {
			tr.In.End(stream.EndNormal, nil)
			return otto.UndefinedValue()
		})
		_ = result.Set("writable", writableObj.Value())

		readableVal, err := materializeReadableStream(call.Otto, store, mats, readableRec.ID, readableRec.State.(*ReadableStreamState))
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		_ = result.Set("readable", readableVal)

		return result.Value()
	})
}
