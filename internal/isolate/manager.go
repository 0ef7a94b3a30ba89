package isolate

import (
	"fmt"
	"sync"
	"time"

	"github.com/ricsam/isolated/internal/marshal"
)

// Manager owns every isolate belonging to one daemon process, and enforces
// the max-isolates / LRU-eviction policy from spec.md §4.5: "when the
// configured maximum-isolates is exceeded, the LRU isolate whose owner
// connection is idle is disposed."
//
// This mirrors session.SessionManager's registry-plus-RWMutex shape, scaled
// down from a fixed pre-created pool to isolates created on demand, one per
// guest tenant. Manager shares one Store and Materializers registry across
// every isolate it creates so a class-backed value marshalled out of one
// isolate rematerialises correctly in another (spec.md Data Model
// "Class-backed object").
type Manager struct {
	mu          sync.RWMutex
	isolates    map[uint64]*Isolate
	owner       map[uint64]uint64 // isolate id -> owning connection id
	idleConn    map[uint64]bool   // connection id -> currently idle?
	maxIsolates int
	nextID      uint64

	store *marshal.Store
	mats  *marshal.Materializers
}

// NewManager creates a Manager capped at maxIsolates concurrently live
// isolates. maxIsolates <= 0 means unlimited.
func NewManager(maxIsolates int) *Manager {
	return &Manager{
		isolates:    make(map[uint64]*Isolate),
		owner:       make(map[uint64]uint64),
		idleConn:    make(map[uint64]bool),
		maxIsolates: maxIsolates,
		store:       marshal.NewStore(),
		mats:        marshal.NewMaterializers(),
	}
}

// Store returns the manager-wide class-instance store shared by every
// isolate, for bridge packages registering materializers at startup.
func (m *Manager) Store() *marshal.Store { return m.store }

// Materializers returns the manager-wide materializer registry.
func (m *Manager) Materializers() *marshal.Materializers { return m.mats }

// Create allocates and registers a new isolate owned by connID, evicting an
// idle LRU isolate first if the pool is at capacity.
func (m *Manager) Create(connID uint64, caps CapabilitySet, memLimitBytes int64, loader ModuleLoader, virtualTime bool) (*Isolate, error) {
	m.mu.Lock()
	if m.maxIsolates > 0 && len(m.isolates) >= m.maxIsolates {
		if victim := m.lruIdleLocked(); victim != nil {
			m.removeLocked(victim.ID)
			m.mu.Unlock()
			victim.Dispose(DisposeEvicted)
			m.mu.Lock()
		} else {
			m.mu.Unlock()
			return nil, fmt.Errorf("isolate: pool at capacity (%d) and no idle isolate to evict", m.maxIsolates)
		}
	}

	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	iso, err := New(Config{
		ID:               id,
		Caps:             caps,
		Store:            m.store,
		Mats:             m.mats,
		MemoryLimitBytes: memLimitBytes,
		Loader:           loader,
		VirtualTime:      virtualTime,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.isolates[id] = iso
	m.owner[id] = connID
	m.mu.Unlock()
	return iso, nil
}

// lruIdleLocked returns the least-recently-active isolate whose owning
// connection is marked idle, or nil if none qualifies. Caller holds m.mu.
func (m *Manager) lruIdleLocked() *Isolate {
	var victim *Isolate
	for id, iso := range m.isolates {
		connID, ok := m.owner[id]
		if !ok || !m.idleConn[connID] {
			continue
		}
		if victim == nil || iso.LastActivity().Before(victim.LastActivity()) {
			victim = iso
		}
	}
	return victim
}

// MarkConnectionIdle flags connID's isolates as eviction candidates. No
// daemon component calls it (only tests do), so in the running daemon
// Create finds no idle victim and fails once the pool is at capacity.
func (m *Manager) MarkConnectionIdle(connID uint64, idle bool) {
	m.mu.Lock()
	m.idleConn[connID] = idle
	m.mu.Unlock()
}

// Get returns the isolate with id, or nil if unknown.
func (m *Manager) Get(id uint64) *Isolate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isolates[id]
}

// Dispose removes and disposes the isolate with id. Safe to call more than
// once; subsequent calls are no-ops.
func (m *Manager) Dispose(id uint64, reason DisposeReason) {
	m.mu.Lock()
	iso := m.isolates[id]
	m.removeLocked(id)
	m.mu.Unlock()
	if iso != nil {
		iso.Dispose(reason)
	}
}

func (m *Manager) removeLocked(id uint64) {
	delete(m.isolates, id)
	delete(m.owner, id)
}

// DisposeAllForConnection tears down every isolate owned by connID — used
// when a connection is lost (spec.md §4.7 "On disconnect, transition all
// owned isolates to disposal").
func (m *Manager) DisposeAllForConnection(connID uint64) {
	m.mu.Lock()
	var victims []*Isolate
	for id, owner := range m.owner {
		if owner == connID {
			victims = append(victims, m.isolates[id])
			m.removeLocked(id)
		}
	}
	delete(m.idleConn, connID)
	m.mu.Unlock()

	for _, iso := range victims {
		iso.Dispose(DisposeConnLost)
	}
}

// Count reports the number of live isolates.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.isolates)
}

// Info is a point-in-time snapshot of one isolate, for internal/admin and
// internal/dashboard introspection.
type Info struct {
	ID           uint64
	OwnerConn    uint64
	Caps         []string
	MemLimitMB   int64
	LastActivity time.Time
}

// List returns a snapshot of every live isolate, in no particular order,
// used by internal/admin's ListIsolates RPC and internal/dashboard's SSE
// feed.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.isolates))
	for id, iso := range m.isolates {
		caps := make([]string, 0, len(iso.Caps))
		for c, ok := range iso.Caps {
			if ok {
				caps = append(caps, string(c))
			}
		}
		out = append(out, Info{
			ID:           id,
			OwnerConn:    m.owner[id],
			Caps:         caps,
			MemLimitMB:   iso.MemoryLimitBytes / (1024 * 1024),
			LastActivity: iso.LastActivity(),
		})
	}
	return out
}
