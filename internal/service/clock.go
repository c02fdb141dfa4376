package service

import (
	"sync/atomic"
	"time"
)

// MillisClock hands out strictly increasing millisecond timestamps. Two callers
// in the same millisecond get consecutive values, so names derived from the
// timestamp never collide inside one process.
type MillisClock struct {
	last atomic.Int64
	now  func() time.Time
}

func NewMillisClock(now func() time.Time) *MillisClock {
	if now == nil {
		now = time.Now
	}
	return &MillisClock{now: now}
}

func (c *MillisClock) Next() time.Time {
	for {
		last := c.last.Load()
		next := c.now().UnixMilli()
		if next <= last {
			next = last + 1
		}
		if c.last.CompareAndSwap(last, next) {
			return time.UnixMilli(next).UTC()
		}
	}
}
