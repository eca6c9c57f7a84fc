package scheduler

import (
	"sync"
	"time"
)

// manualClock is a SimClock whose time only moves when told to.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// advance moves the clock forward; it never goes backwards.
func (c *manualClock) advance(t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Before(c.now) {
		return false
	}
	c.now = t
	return true
}

// Fake is a test scheduler with its own notion of time. Tests call
// AdvanceTo to move time forward and run due events deterministically.
type Fake struct {
	*Scheduler
	clock *manualClock
}

// NewFake creates a fake scheduler starting at start.
func NewFake(start time.Time) *Fake {
	clock := &manualClock{now: start}
	return &Fake{
		Scheduler: newScheduler(clock, "fake-ev"),
		clock:     clock,
	}
}

// AdvanceTo sets the fake time to t and executes all due events. Time is
// kept monotonic.
func (f *Fake) AdvanceTo(t time.Time) {
	if !f.clock.advance(t) {
		return
	}
	f.RunDue()
}

// Advance moves fake time forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.AdvanceTo(f.Now().Add(d))
}

// RunUntil executes events one instant at a time until none remain at or
// before end, then leaves the clock at end. Each event observes Now()
// equal to its own scheduled time.
func (f *Fake) RunUntil(end time.Time) {
	for {
		next, ok := f.Next()
		if !ok || next.After(end) {
			break
		}
		f.AdvanceTo(next)
		// Events scheduled in the past run at the current instant.
		f.RunDue()
	}
	f.AdvanceTo(end)
}
