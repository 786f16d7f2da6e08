// Package clock provides the timestamp source for locally created messages.
package clock

import (
	"sync"
	"time"
)

// Resolution is the granularity of timestamps handed out by the clock.
// Servers serialize creation times in milliseconds.
const Resolution = time.Millisecond

// Clock generates creation timestamps for optimistic entries.
// NowUnique returns strictly increasing values, even when called multiple
// times within the same millisecond, so that two local sends never share a
// creation time.
type Clock struct {
	mu         sync.Mutex
	lastUnique time.Time
	offset     time.Duration
	nowFn      func() time.Time // overridable for testing
}

// New creates a Clock that uses the system clock.
func New() *Clock {
	return &Clock{nowFn: time.Now}
}

// Now returns the current time, corrected by the server offset and truncated
// to Resolution.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowLocked()
}

// SetServerTime records the skew between the local clock and a server
// timestamp. Subsequent calls to Now and NowUnique are shifted by it.
func (c *Clock) SetServerTime(server time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = server.Sub(c.nowFn())
}

// NowUnique returns a strictly increasing timestamp. If the clock has not
// advanced past the last returned value, the last value is bumped by one
// Resolution step.
func (c *Clock) NowUnique() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.nowLocked()
	if !t.After(c.lastUnique) {
		c.lastUnique = c.lastUnique.Add(Resolution)
		return c.lastUnique
	}
	c.lastUnique = t
	return t
}

func (c *Clock) nowLocked() time.Time {
	return c.nowFn().Add(c.offset).Truncate(Resolution)
}
