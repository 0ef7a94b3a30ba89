// Package stream implements the byte-oriented, credit-controlled stream
// sessions described in spec.md §4.4: a single producer and a single
// consumer per session, explicit fan-out via Tee, and Transform for
// pipeThrough. Chunk boundaries are never coalesced — each call to Write
// corresponds to exactly one outbound Stream-chunk frame, which is what
// keeps SSE-style timing correct end-to-end.
package stream

import (
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Write/Read operations performed against a
// session that has already reached Stream-end.
var ErrClosed = errors.New("stream: session closed")

// EndStatus mirrors frame.StreamEndStatus without importing the frame
// package, keeping stream independently testable.
type EndStatus int

const (
	EndNormal EndStatus = iota
	EndError
)

// Chunk is one undivided unit handed to a session's consumer. Error is only
// set on the terminal chunk of a session that ended in EndError.
type Chunk struct {
	Bytes []byte
	End   bool
	EndAt EndStatus
	Err   error
}

// Session is a single producer/single consumer, credit-controlled byte
// stream (spec.md §4.4 "Credit protocol"). The producer calls Write; the
// credit window is drained by each Write and replenished by Grant. The
// consumer calls Next to pull chunks in order.
type Session struct {
	mu       sync.Mutex
	cond     *sync.Cond
	credit   uint64
	queue    []Chunk
	ended    bool
	closeErr error

	// writeBlocked is allocated by NewSession but not used: Grant wakes a
	// blocked producer by broadcasting on cond.
	writeBlocked chan struct{}
}

// NewSession creates a session with the given initial credit (bytes).
func NewSession(initialCredit uint64) *Session {
	s := &Session{credit: initialCredit, writeBlocked: make(chan struct{}, 1)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Write delivers one discrete chunk to the session. It blocks until enough
// credit is available to cover len(b), or the session ends. Write never
// splits b across credit windows — per spec.md §4.4, "Stream-chunk must not
// straddle credit exhaustion" — so it waits for the *entire* chunk's worth
// of credit before admitting it.
func (s *Session) Write(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.ended {
			return ErrClosed
		}
		if uint64(len(b)) <= s.credit {
			break
		}
		s.cond.Wait()
	}
	s.credit -= uint64(len(b))
	cp := make([]byte, len(b))
	copy(cp, b)
	s.queue = append(s.queue, Chunk{Bytes: cp})
	s.cond.Broadcast()
	return nil
}

// End terminates the session after any already-queued chunks are consumed.
// status/err are surfaced on the final Chunk the consumer receives.
func (s *Session) End(status EndStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.closeErr = err
	s.queue = append(s.queue, Chunk{End: true, EndAt: status, Err: err})
	s.cond.Broadcast()
}

// Grant adds n bytes to the credit window and wakes any blocked producer
// (spec.md §4.4 "Consumer sends Stream-credit frames granting additional
// bytes as it drains its buffer").
func (s *Session) Grant(n uint64) {
	s.mu.Lock()
	s.credit += n
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Next blocks until a chunk is available and returns it. After the terminal
// (End==true) chunk has been returned once, subsequent calls return it
// again so late readers still observe the end status.
func (s *Session) Next() Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 {
		s.cond.Wait()
	}
	c := s.queue[0]
	if len(s.queue) > 1 {
		s.queue = s.queue[1:]
	} else if !c.End {
		s.queue = s.queue[1:]
	}
	return c
}

// CloseError reports the error (if any) a closed session ended with.
func (s *Session) CloseError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Cancel force-ends a session with an error, used when a sibling tee branch
// overflows its spillover buffer (spec.md §4.4 parenthetical) or when a
// connection is lost (spec.md §4.7).
func (s *Session) Cancel(reason error) {
	if reason == nil {
		reason = fmt.Errorf("stream: cancelled")
	}
	s.End(EndError, reason)
}
