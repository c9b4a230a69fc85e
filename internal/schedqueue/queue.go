// Package schedqueue holds pending commands in a fixed-capacity array sorted
// ascending by local apply-at time, and releases due commands at render cycle
// boundaries. No operation allocates or performs unbounded work; the queue is
// sized at construction for the worst-case burst between two render cycles.
package schedqueue

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lightwavelabs/node-sync/internal/command"
)

// Outcome classifies one enqueue attempt.
type Outcome int

const (
	// OutcomeInserted means the command was placed in a free slot.
	OutcomeInserted Outcome = iota
	// OutcomeCoalesced means the queue was full and the command replaced
	// an older queued command with the same (kind, target).
	OutcomeCoalesced
	// OutcomeDropped means the queue was full and no coalescing target
	// existed; the command was discarded.
	OutcomeDropped
	// OutcomeStaleSession means the caller's session generation did not
	// match the queue's; the command belonged to a reset session and was
	// rejected whole.
	OutcomeStaleSession
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeCoalesced:
		return "coalesced"
	case OutcomeDropped:
		return "dropped"
	case OutcomeStaleSession:
		return "stale_session"
	default:
		return "unknown"
	}
}

// Stats is a copy of the queue's counters.
type Stats struct {
	Count         int
	Capacity      int
	TotalEnqueued uint64
	OverflowDrops uint64
	Coalesced     uint64
	TotalApplied  uint64
	StaleRejected uint64
}

// Recorder receives per-operation queue events for metrics export.
type Recorder interface {
	RecordEnqueue(Outcome)
	RecordExtracted(n int)
	RecordDepth(count int)
}

// Queue is the scheduler queue. Enqueue (network context) and ExtractDue
// (render context) contend on one short mutex; every critical section is
// bounded by the fixed capacity.
type Queue struct {
	mu         sync.Mutex
	buf        []command.Scheduled
	count      int
	generation uint64

	totalEnqueued uint64
	overflowDrops uint64
	coalesced     uint64
	totalApplied  uint64
	staleRejected uint64

	rec Recorder
}

// New constructs a queue with the given fixed capacity. The recorder may be
// nil.
func New(capacity int, rec Recorder) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("schedqueue: capacity must be positive, got %d", capacity)
	}
	return &Queue{
		buf: make([]command.Scheduled, capacity),
		rec: rec,
	}, nil
}

// Enqueue inserts cmd in apply-at order. When full it coalesces onto an
// existing command with the same (kind, target), keeping only the newest
// intent per target, and otherwise drops the command. The coalesced slot is
// repositioned so the sort invariant holds unconditionally. generation must
// match the queue's current session generation; stale enqueues are rejected
// whole, never partially applied.
func (q *Queue) Enqueue(cmd command.Scheduled, generation uint64) Outcome {
	q.mu.Lock()
	outcome := q.enqueueLocked(cmd, generation)
	depth := q.count
	q.mu.Unlock()

	if q.rec != nil {
		q.rec.RecordEnqueue(outcome)
		q.rec.RecordDepth(depth)
	}
	return outcome
}

func (q *Queue) enqueueLocked(cmd command.Scheduled, generation uint64) Outcome {
	if generation != q.generation {
		q.staleRejected++
		return OutcomeStaleSession
	}
	q.totalEnqueued++

	if q.count < len(q.buf) {
		q.insertLocked(cmd)
		return OutcomeInserted
	}

	// Full: try to coalesce onto the oldest queued command for the same
	// (kind, target), removing it and re-inserting the new command at its
	// sorted position.
	target := cmd.Target()
	for i := 0; i < q.count; i++ {
		if q.buf[i].Target() == target {
			copy(q.buf[i:q.count-1], q.buf[i+1:q.count])
			q.count--
			q.insertLocked(cmd)
			q.coalesced++
			return OutcomeCoalesced
		}
	}

	q.overflowDrops++
	return OutcomeDropped
}

// insertLocked places cmd at its sorted position, after any equal apply-at
// times so arrival order is preserved among ties.
func (q *Queue) insertLocked(cmd command.Scheduled) {
	idx := sort.Search(q.count, func(i int) bool {
		return q.buf[i].ApplyAtLocalMicros > cmd.ApplyAtLocalMicros
	})
	copy(q.buf[idx+1:q.count+1], q.buf[idx:q.count])
	q.buf[idx] = cmd
	q.count++
}

// ExtractDue removes the commands at the front of the queue whose apply-at
// time is at or before nowLocal, copying them into out in ascending apply-at
// order. It returns the number extracted, at most len(out). The sort
// invariant lets extraction stop at the first not-yet-due element.
func (q *Queue) ExtractDue(nowLocal int64, out []command.Scheduled) int {
	q.mu.Lock()
	n := 0
	for n < len(out) && n < q.count && q.buf[n].ApplyAtLocalMicros <= nowLocal {
		out[n] = q.buf[n]
		n++
	}
	if n > 0 {
		copy(q.buf[0:], q.buf[n:q.count])
		q.count -= n
		q.totalApplied += uint64(n)
	}
	depth := q.count
	q.mu.Unlock()

	if q.rec != nil && n > 0 {
		q.rec.RecordExtracted(n)
		q.rec.RecordDepth(depth)
	}
	return n
}

// PeekNext returns the earliest pending command without removing it.
func (q *Queue) PeekNext() (command.Scheduled, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return command.Scheduled{}, false
	}
	return q.buf[0], true
}

// Count returns the number of pending commands.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// IsFull reports whether the queue is at capacity.
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count == len(q.buf)
}

// Capacity returns the fixed capacity.
func (q *Queue) Capacity() int {
	return len(q.buf)
}

// Clear atomically empties the queue and adopts a new session generation.
// Apply-at times computed under the old clock offset are meaningless after a
// session reset, so everything pending is discarded; in-flight enqueues
// stamped with the old generation are rejected by the generation check.
func (q *Queue) Clear(newGeneration uint64) {
	q.mu.Lock()
	q.count = 0
	q.generation = newGeneration
	q.mu.Unlock()

	if q.rec != nil {
		q.rec.RecordDepth(0)
	}
}

// Generation returns the queue's current session generation.
func (q *Queue) Generation() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.generation
}

// Stats returns a copy of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Count:         q.count,
		Capacity:      len(q.buf),
		TotalEnqueued: q.totalEnqueued,
		OverflowDrops: q.overflowDrops,
		Coalesced:     q.coalesced,
		TotalApplied:  q.totalApplied,
		StaleRejected: q.staleRejected,
	}
}
