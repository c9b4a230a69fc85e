package clocksync

import "time"

// LocalClock returns the node's local time in microseconds. Components take
// a LocalClock rather than calling time.Now so tests can substitute a fake.
type LocalClock func() int64

// NewMonotonicClock returns a LocalClock anchored at construction time and
// backed by the runtime's monotonic reading, so it never steps backwards
// with wall-clock adjustments.
func NewMonotonicClock() LocalClock {
	start := time.Now()
	return func() int64 {
		return time.Since(start).Microseconds()
	}
}
