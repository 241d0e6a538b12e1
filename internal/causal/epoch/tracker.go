// Package epoch holds the per-task record counter shared between the input
// processor's dispatch path and the recovery manager's async determinant check.
package epoch

import "sync/atomic"

// Tracker is a monotonically non-decreasing count of stream elements consumed
// by a task, incremented once per element regardless of kind. It is read from
// a different goroutine than the one incrementing it (recovery's async
// determinant scheduling), so access is lock-free.
type Tracker struct {
	count atomic.Int64
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Increment advances the counter by one.
func (t *Tracker) Increment() {
	t.count.Add(1)
}

// Count returns the current value.
func (t *Tracker) Count() int64 {
	return t.count.Load()
}
