package stream

import "fmt"

// defaultSpillover bounds how far one tee branch may lag behind the other
// before both branches are cancelled with an error (spec.md §4.4 tee
// parenthetical: "Implementations may queue a bounded spillover per
// sibling; exceeding it cancels the siblings with an error").
const defaultSpillover = 256

// Tee splits source into two independently-consumed sessions. The pump
// goroutine reads source as fast as it delivers and queues every chunk on
// both branches without waiting for either to drain, so a branch that is
// never read at all does not stall the other. Once either branch holds more
// than spillover queued chunks, both branches are cancelled with an error.
func Tee(source *Session, branchCredit uint64) (a, b *Session) {
	return TeeWithSpillover(source, branchCredit, defaultSpillover)
}

// TeeWithSpillover is Tee with an explicit spillover bound, exposed
// separately so tests can exercise the overflow-cancels-both-branches path
// without waiting through hundreds of chunks.
func TeeWithSpillover(source *Session, branchCredit uint64, spillover int) (a, b *Session) {
	a = NewSession(branchCredit)
	b = NewSession(branchCredit)

	go pumpTee(source, a, b, spillover)
	return a, b
}

func pumpTee(source *Session, a, b *Session, spillover int) {
	for {
		c := source.Next()

		if overflowing(a, spillover) || overflowing(b, spillover) {
			err := fmt.Errorf("stream: tee sibling exceeded spillover of %d chunks", spillover)
			a.Cancel(err)
			b.Cancel(err)
			return
		}

		if c.End {
			a.End(c.EndAt, c.Err)
			b.End(c.EndAt, c.Err)
			return
		}

		// Branches receive their own copy; writes bypass the normal credit
		// wait because the pump already paid the source's credit cost. A
		// branch's credit is not consulted here; only spillover bounds its
		// queue.
		deliver(a, c.Bytes)
		deliver(b, c.Bytes)
	}
}

func deliver(s *Session, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	s.queue = append(s.queue, Chunk{Bytes: cp})
	s.cond.Broadcast()
}

func overflowing(s *Session, spillover int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > spillover
}
