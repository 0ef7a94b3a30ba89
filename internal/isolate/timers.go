package isolate

import (
	"container/heap"
	"sync"
	"time"
)

// timerEntry is one scheduled setTimeout/setInterval registration.
type timerEntry struct {
	id        uint64
	due       int64 // virtual-time milliseconds, or real-time UnixNano
	delay     int64 // milliseconds
	periodic  bool
	insertSeq uint64
	fire      func()
	cancelled bool
	realTimer *time.Timer
}

// timerHeap orders entries by (due, insertSeq) so ties between same-tick
// deadlines break by registration order, per spec.md §4.8.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].due != h[j].due {
		return h[i].due < h[j].due
	}
	return h[i].insertSeq < h[j].insertSeq
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)   { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// TimerQueue implements both timer modes from spec.md §4.8. In real-time
// mode (the default) it schedules actual time.Timers; in virtual-time mode
// it only fires when Tick is called, which is what lets tests exercise
// long-running cadences deterministically and instantly.
type TimerQueue struct {
	mu         sync.Mutex
	virtual    bool
	virtualNow int64
	nextID     uint64
	nextSeq    uint64
	byID       map[uint64]*timerEntry
	pending    timerHeap
	inTick     bool
}

// NewTimerQueue creates a timer queue in the given mode.
func NewTimerQueue(virtualTime bool) *TimerQueue {
	return &TimerQueue{
		virtual: virtualTime,
		byID:    make(map[uint64]*timerEntry),
	}
}

// Schedule registers fire to run after delayMs, once (periodic=false) or
// repeatedly (periodic=true), and returns the new timer id.
func (q *TimerQueue) Schedule(delayMs int64, periodic bool, fire func()) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	id := q.nextID
	q.nextSeq++

	e := &timerEntry{
		id:        id,
		delay:     delayMs,
		periodic:  periodic,
		insertSeq: q.nextSeq,
		fire:      fire,
	}

	if q.virtual {
		e.due = q.virtualNow + delayMs
		heap.Push(&q.pending, e)
	} else {
		due := time.Now().Add(time.Duration(delayMs) * time.Millisecond)
		e.due = due.UnixNano()
		e.realTimer = time.AfterFunc(time.Duration(delayMs)*time.Millisecond, func() {
			q.fireReal(e)
		})
	}

	q.byID[id] = e
	return id
}

func (q *TimerQueue) fireReal(e *timerEntry) {
	q.mu.Lock()
	if e.cancelled {
		q.mu.Unlock()
		return
	}
	if e.periodic {
		e.realTimer = time.AfterFunc(time.Duration(e.delay)*time.Millisecond, func() {
			q.fireReal(e)
		})
	} else {
		delete(q.byID, e.id)
	}
	q.mu.Unlock()
	e.fire()
}

// Clear cancels every pending timer (spec.md §4.5 disposal ordering "clear
// timer queue").
func (q *TimerQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.byID {
		e.cancelled = true
		if e.realTimer != nil {
			e.realTimer.Stop()
		}
	}
	q.byID = make(map[uint64]*timerEntry)
	q.pending = nil
}

// ClearTimer removes id from the queue. No-op for unknown ids, matching
// spec.md §4.8's clearTimeout contract.
func (q *TimerQueue) ClearTimer(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return
	}
	e.cancelled = true
	if e.realTimer != nil {
		e.realTimer.Stop()
	}
	delete(q.byID, id)
	for i, pe := range q.pending {
		if pe.id == id {
			heap.Remove(&q.pending, i)
			break
		}
	}
}

// Tick advances virtual time by ms and fires every entry now due, in
// (due, insertion-order) order. Periodic entries reschedule at
// previousScheduledTime + delay rather than now + delay, keeping long-run
// cadence stable; a timer scheduled *during* a fire is picked up within the
// same Tick if its deadline falls inside the remaining window — this falls
// out naturally from re-reading q.pending's root after every fire, since
// newly-pushed entries compete on the same heap.
//
// Tick is a no-op in real-time mode.
func (q *TimerQueue) Tick(ms int64) {
	q.mu.Lock()
	if !q.virtual {
		q.mu.Unlock()
		return
	}
	target := q.virtualNow + ms
	q.inTick = true

	for {
		if len(q.pending) == 0 || q.pending[0].due > target {
			break
		}
		e := heap.Pop(&q.pending).(*timerEntry)
		if e.cancelled {
			continue
		}
		q.virtualNow = e.due

		if e.periodic {
			e.due = e.due + e.delay
			q.nextSeq++
			e.insertSeq = q.nextSeq
			heap.Push(&q.pending, e)
		} else {
			delete(q.byID, e.id)
		}

		q.mu.Unlock()
		e.fire()
		q.mu.Lock()
	}

	q.virtualNow = target
	q.inTick = false
	q.mu.Unlock()
}

// VirtualNow reports the current virtual-time clock in milliseconds.
func (q *TimerQueue) VirtualNow() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.virtualNow
}
