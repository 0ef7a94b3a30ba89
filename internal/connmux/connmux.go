// Package connmux owns one client connection's id tables, isolate set, and
// active stream sessions (spec.md §4.7 "Connection multiplexer"): request-id
// allocation for host-initiated calls into the client's own collaborators
// (module loader, fetch, filesystem directory provider, test-event
// callback — spec.md §6), per-verb timeouts, and orderly teardown on
// disconnect.
//
// This mirrors internal/isolate's CallbackRegistry (itself grounded on
// session/manager.go's registry-plus-RWMutex shape): a numeric id space, a
// map of channels awaiting a single delivery, and an idempotent "reject
// everything" path for teardown. Connection adds the one thing a per-isolate
// callback table doesn't need: per-verb timeout configuration, since the
// verbs a connection dispatches to a client collaborator vary widely in how
// long they may legitimately take (a module load should be fast; a
// Playwright action may not be).
package connmux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ricsam/isolated/internal/isolate"
	"github.com/ricsam/isolated/internal/stream"
)

// ErrConnectionLost is the error every pending host request and active
// stream session settles with once Close runs.
var ErrConnectionLost = errors.New("connmux: connection lost")

// ErrRequestTimeout distinguishes a per-verb timeout from every other
// failure mode (spec.md §7 "Timeout ... distinct error kind").
var ErrRequestTimeout = errors.New("connmux: request timed out")

type requestResult struct {
	value any
	err   error
}

// Connection owns one client connection's bookkeeping: the isolates it owns
// (via a shared isolate.Manager), the table of host-initiated requests
// awaiting a Response frame from the client, and the active stream sessions
// routed by stream id.
type Connection struct {
	ID uint64

	Isolates *isolate.Manager

	mu           sync.Mutex
	nextID       uint64
	pending      map[uint64]chan requestResult
	streams      map[uint64]*stream.Session
	verbTimeouts map[string]time.Duration
	closed       bool
}

// New creates a Connection owned by id, sharing isolates with every other
// connection on the daemon. verbTimeouts maps a verb name to its configured
// per-verb deadline (spec.md §4.7); a verb absent from the map, or mapped to
// zero, never times out.
func New(id uint64, isolates *isolate.Manager, verbTimeouts map[string]time.Duration) *Connection {
	if verbTimeouts == nil {
		verbTimeouts = map[string]time.Duration{}
	}
	return &Connection{
		ID:           id,
		Isolates:     isolates,
		pending:      make(map[uint64]chan requestResult),
		streams:      make(map[uint64]*stream.Session),
		verbTimeouts: verbTimeouts,
	}
}

// beginRequest allocates a fresh request id and a channel that receives
// exactly one requestResult once Resolve or Close delivers it.
func (c *Connection) beginRequest() (id uint64, wait <-chan requestResult) {
	ch := make(chan requestResult, 1)
	c.mu.Lock()
	c.nextID++
	id = c.nextID
	c.pending[id] = ch
	c.mu.Unlock()
	return id, ch
}

// forget removes id from the pending table without delivering a result, for
// the case where the caller already knows nobody will ever answer (send
// itself failed).
func (c *Connection) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Resolve delivers a Response frame's payload to the waiter started for id.
// An unknown id is silently discarded — spec.md §4.7 "Guarantee that a
// response frame whose request id is unknown is discarded (never crashes
// the process)".
func (c *Connection) Resolve(id uint64, value any, err error) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	ch <- requestResult{value: value, err: err}
}

// DispatchHostRequest issues one host-initiated request for verb: it
// allocates a request id, hands it to send (which puts the Request frame on
// the wire), then waits for Resolve, ctx cancellation, or the verb's
// configured timeout — whichever comes first. On timeout it calls
// onTimeout(id) so the caller can emit a best-effort cancel frame (spec.md
// §4.7 "on timeout, reject the pending entry with a timeout error and — for
// host-initiated verbs only — send a best-effort cancel frame").
func (c *Connection) DispatchHostRequest(ctx context.Context, verb string, send func(id uint64) error, onTimeout func(id uint64)) (any, error) {
	id, wait := c.beginRequest()

	if err := send(id); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("connmux: send request %d (%s): %w", id, verb, err)
	}

	var timeoutCh <-chan time.Time
	if d := c.verbTimeouts[verb]; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-wait:
		return res.value, res.err
	case <-timeoutCh:
		c.forget(id)
		if onTimeout != nil {
			onTimeout(id)
		}
		return nil, fmt.Errorf("connmux: request %d (%s): %w", id, verb, ErrRequestTimeout)
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// OpenStream registers sess under streamID so inbound Stream-chunk/
// Stream-credit/Stream-end frames addressed to streamID route to it.
func (c *Connection) OpenStream(streamID uint64, sess *stream.Session) {
	c.mu.Lock()
	c.streams[streamID] = sess
	c.mu.Unlock()
}

// Stream returns the session registered under streamID, or nil if none is
// open (e.g. it already ended and was removed, or the id was never valid —
// both cases the caller should treat as a discardable frame, not a crash).
func (c *Connection) Stream(streamID uint64) *stream.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[streamID]
}

// CloseStream removes streamID's session from the routing table once it has
// reached Stream-end.
func (c *Connection) CloseStream(streamID uint64) {
	c.mu.Lock()
	delete(c.streams, streamID)
	c.mu.Unlock()
}

// Closed reports whether Close has already run.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears the connection down per spec.md §4.7 "On disconnect": every
// isolate the connection owns transitions to disposal, every pending
// host-side awaiter is rejected with ErrConnectionLost, and every active
// stream session is cancelled. Idempotent.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]chan requestResult)
	streams := c.streams
	c.streams = make(map[uint64]*stream.Session)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- requestResult{err: ErrConnectionLost}
	}
	for _, sess := range streams {
		sess.Cancel(ErrConnectionLost)
	}
	if c.Isolates != nil {
		c.Isolates.DisposeAllForConnection(c.ID)
	}
}
