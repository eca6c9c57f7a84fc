// Package timectrl drives simulation time.
package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock is the read side of simulation time. Schedulers and agents
// depend on it rather than on a concrete controller.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances one Tick per Tick of wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the listeners can keep up.
	Accelerated
)

// ParseMode maps "realtime" / "accelerated" onto a Mode. Anything else is
// Accelerated.
func ParseMode(s string) Mode {
	if s == "realtime" || s == "real-time" {
		return RealTime
	}
	return Accelerated
}

// TimeController drives simulation time and notifies registered listeners
// after every step. It implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	// currentTime tracks the current simulation time. It is updated
	// as the controller advances time.
	currentTime time.Time

	listeners []func(time.Time)
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves simulation time to t without notifying listeners.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.currentTime = t
}

// Elapsed returns how much simulation time has passed since StartTime.
func (tc *TimeController) Elapsed() time.Duration {
	return tc.Now().Sub(tc.StartTime)
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Step advances simulation time by one Tick and runs the listeners in
// registration order. It returns the new time.
func (tc *TimeController) Step() time.Time {
	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(tc.Tick)
	now := tc.currentTime
	listeners := append([]func(time.Time){}, tc.listeners...)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(now)
	}
	return now
}

// Run steps simulation time until duration has elapsed from the current
// time or ctx is cancelled. A non-positive duration runs until cancelled.
// In RealTime mode each step waits one Tick of wall-clock time.
func (tc *TimeController) Run(ctx context.Context, duration time.Duration) error {
	var ticker *time.Ticker
	if tc.Mode == RealTime {
		ticker = time.NewTicker(tc.Tick)
		defer ticker.Stop()
	}

	elapsed := time.Duration(0)
	for duration <= 0 || elapsed < duration {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		tc.Step()
		elapsed += tc.Tick
	}
	return nil
}

// Start runs the controller for the specified duration in a separate
// goroutine. It returns a channel that is closed when the controller
// finishes.
func (tc *TimeController) Start(duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tc.Run(context.Background(), duration)
	}()
	return done
}
