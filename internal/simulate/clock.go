package simulate

import (
	"sync"
	"time"
)

// Clock is a manually advanced time source. Simulated measurers advance
// it by each trial duration, so wall-clock budgets behave as if trials
// really ran.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
