// Package flowlog records per-bundle lifecycle events for offline analysis.
package flowlog

import (
	"errors"
	"sync"
	"time"

	"github.com/signalsfoundry/dtn-router/model"
)

// Action names a lifecycle step of a bundle at one node.
type Action string

const (
	ActionCreated   Action = "CREATED"
	ActionForwarded Action = "FORWARDED"
	ActionReceived  Action = "RECEIVED"
	ActionDelivered Action = "DELIVERED"
)

// Record is one flow event.
type Record struct {
	Time     time.Time
	BundleID model.BundleID
	From     model.NodeID
	To       model.NodeID
	Action   Action
	NodeType model.Role
}

// Sink consumes flow records. Implementations must be safe for concurrent
// use. Callers treat errors as advisory: a failing sink never interrupts
// routing.
type Sink interface {
	Record(Record) error
}

// Noop discards every record.
type Noop struct{}

func (Noop) Record(Record) error { return nil }

// Memory keeps records in memory. Useful for tests and short runs.
type Memory struct {
	mu      sync.Mutex
	records []Record
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Record(r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

// Records returns a copy of everything recorded so far.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Count returns how many records carry action a.
func (m *Memory) Count(a Action) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.Action == a {
			n++
		}
	}
	return n
}

// Multi fans records out to several sinks. Every sink sees every record;
// their errors are joined.
type Multi []Sink

func (m Multi) Record(r Record) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
