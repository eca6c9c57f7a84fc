// Package scheduler runs callbacks at simulation times.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/dtn-router/timectrl"
)

// EventScheduler schedules callbacks to run at specific simulation times.
// The simulation loop advances the clock and calls RunDue after every step;
// agents use Schedule and Cancel to manage their own forwarding cycles.
type EventScheduler interface {
	// Schedule registers a callback f to run at simulation time 'at'.
	// It returns an opaque event ID that can be used to cancel the event.
	Schedule(at time.Time, f func()) (id string)

	// Cancel attempts to cancel a previously scheduled event.
	// It is a no-op if the ID is unknown or the event already ran.
	Cancel(id string)

	// Now returns the current simulation time.
	Now() time.Time

	// RunDue executes all events whose scheduled time is <= Now(), in time
	// order and, for equal times, in the order they were scheduled.
	// Events scheduled by a running callback for a due time run in the
	// same call.
	RunDue()
}

// scheduledEvent represents a single scheduled callback.
type scheduledEvent struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

// queue is the time-ordered event list shared by both schedulers.
type queue struct {
	counter uint64
	prefix  string
	events  []*scheduledEvent // ordered by 'when', FIFO within equal times
	index   map[string]*scheduledEvent
}

func newQueue(prefix string) queue {
	return queue{prefix: prefix, index: make(map[string]*scheduledEvent)}
}

func (q *queue) add(at time.Time, f func()) string {
	q.counter++
	ev := &scheduledEvent{
		id:   fmt.Sprintf("%s-%d", q.prefix, q.counter),
		when: at,
		f:    f,
	}

	// Insert after every event at the same instant.
	idx := sort.Search(len(q.events), func(i int) bool {
		return q.events[i].when.After(ev.when)
	})
	q.events = append(q.events, nil)
	copy(q.events[idx+1:], q.events[idx:])
	q.events[idx] = ev

	q.index[ev.id] = ev
	return ev.id
}

func (q *queue) cancel(id string) {
	ev, ok := q.index[id]
	if !ok {
		return
	}
	// Removal from the slice is lazy; pop skips cancelled events.
	ev.cancelled = true
	delete(q.index, id)
}

// pop removes and returns the next due event, or nil.
func (q *queue) pop(now time.Time) *scheduledEvent {
	for len(q.events) > 0 {
		ev := q.events[0]
		if ev.cancelled {
			q.events = q.events[1:]
			continue
		}
		if ev.when.After(now) {
			return nil
		}
		q.events = q.events[1:]
		delete(q.index, ev.id)
		return ev
	}
	return nil
}

// next returns the time of the earliest pending event.
func (q *queue) next() (time.Time, bool) {
	for _, ev := range q.events {
		if !ev.cancelled {
			return ev.when, true
		}
	}
	return time.Time{}, false
}

// Scheduler is the EventScheduler used in runs. It reads the current time
// from a SimClock.
type Scheduler struct {
	clock timectrl.SimClock

	mu sync.Mutex
	q  queue
}

var _ EventScheduler = (*Scheduler)(nil)

// New creates an event scheduler backed by clock: the TimeController in a
// normal run, or any SimClock in tests.
func New(clock timectrl.SimClock) *Scheduler {
	return newScheduler(clock, "ev")
}

func newScheduler(clock timectrl.SimClock, prefix string) *Scheduler {
	return &Scheduler{clock: clock, q: newQueue(prefix)}
}

// Schedule registers a callback to run at the specified simulation time.
func (s *Scheduler) Schedule(at time.Time, f func()) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.add(at, f)
}

// Cancel attempts to cancel a previously scheduled event.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.q.cancel(id)
}

// Now returns the current simulation time from the underlying clock.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Next returns the time of the earliest pending event.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.next()
}

// Pending returns the number of scheduled, uncancelled events.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.q.index)
}

// RunDue executes all events whose scheduled time is <= Now().
func (s *Scheduler) RunDue() {
	for {
		s.mu.Lock()
		ev := s.q.pop(s.clock.Now())
		s.mu.Unlock()
		if ev == nil {
			return
		}
		// Callbacks run outside the lock so they may schedule or cancel.
		if ev.f != nil {
			ev.f()
		}
	}
}
