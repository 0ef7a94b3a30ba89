package marshal

import (
	"sync"
	"sync/atomic"
)

// Store holds the host-side state for every class-backed guest object ever
// marshalled out of an isolate. It is created once per daemon and shared by
// every connection and isolate so that an object marshalled out of isolate
// A and back into isolate B rematerialises with the same class and state
// (spec.md Data Model "Class-backed object"; Design Notes "Class identity
// across the membrane").
//
// Store never shares a *live* guest reference between isolates: Get returns
// the shared host-side *Record, and each isolate's bridge builds a brand new
// guest-side instance from it.
type Store struct {
	mu      sync.RWMutex
	nextID  uint64
	records map[uint64]*Record
}

// Record is the host-side state for one class-backed instance.
type Record struct {
	ID    uint64
	Class string
	// State is the class-specific payload: *HeadersState, *ResponseState,
	// *WebSocketState, and so on, each defined by the owning bridge
	// sub-package. marshal itself never interprets State's contents.
	State any
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{records: make(map[uint64]*Record)}
}

// New allocates a fresh instance id, stores state under it, and returns the
// Record. class is the guest-visible constructor name ("Headers",
// "Response", "WebSocket", …).
func (s *Store) New(class string, state any) *Record {
	id := atomic.AddUint64(&s.nextID, 1)
	rec := &Record{ID: id, Class: class, State: state}
	s.mu.Lock()
	s.records[id] = rec
	s.mu.Unlock()
	return rec
}

// Get returns the record for id, or nil if it has been released.
func (s *Store) Get(id uint64) *Record {
	s.mu.RLock()
	rec := s.records[id]
	s.mu.RUnlock()
	return rec
}

// Release removes id from the store. Safe to call more than once.
func (s *Store) Release(id uint64) {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
}

// Count reports the number of live records, for metrics/diagnostics.
func (s *Store) Count() int {
	s.mu.RLock()
	n := len(s.records)
	s.mu.RUnlock()
	return n
}
