package clock

import (
	"sync/atomic"
	"time"
)

// Monotonic hands out strictly increasing wall-clock timestamps in
// milliseconds, the unit stored in table cells. Bursts of more than one write
// per millisecond run ahead of the wall clock until it catches up.
type Monotonic struct {
	last atomic.Int64
	now  func() int64
}

func NewMonotonic() *Monotonic {
	return &Monotonic{now: func() int64 { return time.Now().UnixMilli() }}
}

// NewManual is driven by the supplied source. Used in tests.
func NewManual(now func() int64) *Monotonic {
	return &Monotonic{now: now}
}

// Now returns max(wall clock, previous+1).
func (c *Monotonic) Now() int64 {
	for {
		last := c.last.Load()
		next := c.now()
		if next <= last {
			next = last + 1
		}
		if c.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

// Val is the last issued timestamp.
func (c *Monotonic) Val() int64 {
	return c.last.Load()
}
