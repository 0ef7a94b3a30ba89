package stream

import "fmt"

// Transform is a (writable, readable) pair as used by pipeThrough: chunks
// written to In are handed to Enqueue, whose output becomes the discrete
// chunks read from Out. Each call the transformer makes to Enqueue produces
// exactly one Out chunk — spec.md §4.4 forbids coalescing here, since a
// transform is commonly a passthrough or line-splitter sitting in front of
// an SSE response.
type Transform struct {
	In      *Session
	Out     *Session
	Enqueue func(chunk []byte, out *Session) error
}

// NewIdentityTransform returns a Transform that copies every input chunk to
// the output unmodified — the default behaviour of a TransformStream
// constructed without a custom transformer.
func NewIdentityTransform(credit uint64) *Transform {
	out := NewSession(credit)
	return &Transform{
		In:  NewSession(credit),
		Out: out,
		Enqueue: func(chunk []byte, out *Session) error {
			return out.Write(chunk)
		},
	}
}

// Run drives the transform until In ends, writing one Out chunk per In
// chunk via Enqueue and then closing Out with In's terminal status. Callers
// run it in its own goroutine; PipeThrough does this for you.
func (t *Transform) Run() {
	for {
		c := t.In.Next()
		if c.End {
			t.Out.End(c.EndAt, c.Err)
			return
		}
		if err := t.Enqueue(c.Bytes, t.Out); err != nil {
			t.Out.End(EndError, fmt.Errorf("stream: transform: %w", err))
			return
		}
	}
}

// PipeThrough ties source into t.In and returns t.Out, starting the pump
// and transform goroutines. This is the host-side implementation of
// `readable.pipeThrough(transform)`.
func PipeThrough(source *Session, t *Transform) *Session {
	go pipe(source, t.In)
	go t.Run()
	return t.Out
}

// pipe forwards every chunk from src to dst unmodified, used to connect a
// ReadableStream's underlying source into a transform's writable side.
func pipe(src, dst *Session) {
	for {
		c := src.Next()
		if c.End {
			dst.End(c.EndAt, c.Err)
			return
		}
		if err := dst.Write(c.Bytes); err != nil {
			return
		}
	}
}
