package engine

import (
	"sync"
	"time"
)

// Clock abstracts wall-clock reads so timer firing can be driven by a
// fake clock in tests. Workflow code never sees this clock directly; it
// only observes logical time through the event log.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real wall clock.
func SystemClock() Clock { return systemClock{} }

// FakeClock is a manually advanced clock for tests that exercise long
// durable timers (reservation and refund windows) without sleeping.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a fake clock starting at the current wall time, so
// timers scheduled against real event timestamps become due once the
// clock is advanced past their duration.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Now()}
}

// Now implements Clock.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
