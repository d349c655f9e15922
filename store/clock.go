package store

import (
	"sync"
	"time"
)

// Clock hands out strictly increasing server timestamps, even when the
// wall clock stalls or steps backwards.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewClock returns a Clock backed by now, or time.Now when now is nil.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns the next server timestamp in stored form.
func (c *Clock) Next() string {
	return c.At(c.now())
}

// At returns t in stored form, moved just past the last timestamp handed
// out when it does not come after it. Backends with their own notion of
// server time feed it through At.
func (c *Clock) At(t time.Time) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	t = t.UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return FormatTimestamp(t)
}
