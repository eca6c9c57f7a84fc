// Package cadence decides how long a node waits between forwarding cycles.
package cadence

import (
	"errors"
	"fmt"
	"time"
)

// Defaults applied by DefaultPolicy.
const (
	DefaultFast             = time.Second
	DefaultFloor            = time.Second
	DefaultPressureFraction = 0.4
	DefaultPressureAbsolute = 20
	DefaultStaggerStep      = 100 * time.Millisecond
)

// ErrInvalidPolicy is wrapped by Validate failures.
var ErrInvalidPolicy = errors.New("invalid cadence policy")

// Policy switches between a relaxed base interval and a fast interval when
// the buffer is under pressure.
type Policy struct {
	Base time.Duration
	Fast time.Duration

	// Floor is the smallest delay NextDelay ever returns.
	Floor time.Duration

	// The buffer is under pressure when occupancy exceeds
	// PressureFraction*capacity or, when positive, PressureAbsolute.
	PressureFraction float64
	PressureAbsolute int

	StaggerStep time.Duration
}

// DefaultPolicy returns a policy with the given base interval and the
// standard fast path.
func DefaultPolicy(base time.Duration) Policy {
	return Policy{
		Base:             base,
		Fast:             DefaultFast,
		Floor:            DefaultFloor,
		PressureFraction: DefaultPressureFraction,
		PressureAbsolute: DefaultPressureAbsolute,
		StaggerStep:      DefaultStaggerStep,
	}
}

// Validate reports the first unusable field.
func (p Policy) Validate() error {
	switch {
	case p.Base <= 0:
		return fmt.Errorf("%w: base interval %v must be positive", ErrInvalidPolicy, p.Base)
	case p.Fast <= 0:
		return fmt.Errorf("%w: fast interval %v must be positive", ErrInvalidPolicy, p.Fast)
	case p.Floor < 0:
		return fmt.Errorf("%w: floor %v must not be negative", ErrInvalidPolicy, p.Floor)
	case p.PressureFraction < 0 || p.PressureFraction > 1:
		return fmt.Errorf("%w: pressure fraction %v outside [0,1]", ErrInvalidPolicy, p.PressureFraction)
	case p.PressureAbsolute < 0:
		return fmt.Errorf("%w: pressure threshold %d must not be negative", ErrInvalidPolicy, p.PressureAbsolute)
	case p.StaggerStep < 0:
		return fmt.Errorf("%w: stagger step %v must not be negative", ErrInvalidPolicy, p.StaggerStep)
	}
	return nil
}

// UnderPressure reports whether occupancy should trigger the fast interval.
func (p Policy) UnderPressure(occupancy, capacity int) bool {
	if float64(occupancy) > p.PressureFraction*float64(capacity) {
		return true
	}
	return p.PressureAbsolute > 0 && occupancy > p.PressureAbsolute
}

// NextDelay returns the wait before the next cycle.
func (p Policy) NextDelay(occupancy, capacity int) time.Duration {
	d := p.Base
	if p.UnderPressure(occupancy, capacity) {
		d = p.Fast
	}
	return max(d, p.Floor)
}

// Stagger returns the start offset of the index-th node so that nodes do
// not all fire their first cycle at the same instant.
func (p Policy) Stagger(index int) time.Duration {
	if index <= 0 {
		return 0
	}
	return time.Duration(index) * p.StaggerStep
}
