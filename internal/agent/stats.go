package agent

import (
	"fmt"
	"sync"
)

// Stats tracks in-memory counters for one agent. All counters are
// concurrency-safe.
type Stats struct {
	mu sync.Mutex

	Generated uint64
	Forwarded uint64
	Received  uint64
	Delivered uint64

	// Duplicates counts repeat arrivals at the destination and re-receipts
	// of bundles already buffered.
	Duplicates uint64
	Dropped    uint64
	Expired    uint64

	DeliveryReports uint64
	TransportErrors uint64
	FlowLogFailures uint64
	MalformedFrames uint64
	Cycles          uint64

	// TotalDelay sums creation-to-delivery delay of bundles delivered here,
	// in seconds.
	TotalDelay float64
}

// NewStats creates a Stats instance with all counters at zero.
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) add(field *uint64, n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*field += n
}

func (s *Stats) addDelivery(delaySeconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Delivered++
	s.TotalDelay += delaySeconds
}

// StatsSnapshot is a copy of the counters. It's safe to read without
// holding the mutex.
type StatsSnapshot struct {
	Generated       uint64
	Forwarded       uint64
	Received        uint64
	Delivered       uint64
	Duplicates      uint64
	Dropped         uint64
	Expired         uint64
	DeliveryReports uint64
	TransportErrors uint64
	FlowLogFailures uint64
	MalformedFrames uint64
	Cycles          uint64
	TotalDelay      float64
}

// Snapshot returns a snapshot of the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		Generated:       s.Generated,
		Forwarded:       s.Forwarded,
		Received:        s.Received,
		Delivered:       s.Delivered,
		Duplicates:      s.Duplicates,
		Dropped:         s.Dropped,
		Expired:         s.Expired,
		DeliveryReports: s.DeliveryReports,
		TransportErrors: s.TransportErrors,
		FlowLogFailures: s.FlowLogFailures,
		MalformedFrames: s.MalformedFrames,
		Cycles:          s.Cycles,
		TotalDelay:      s.TotalDelay,
	}
}

// MeanDelay returns the average delivery delay in seconds, or 0.
func (s StatsSnapshot) MeanDelay() float64 {
	if s.Delivered == 0 {
		return 0
	}
	return s.TotalDelay / float64(s.Delivered)
}

// String returns a human-readable representation of the counters.
func (s *Stats) String() string {
	snap := s.Snapshot()
	return fmt.Sprintf("agent stats: generated=%d forwarded=%d received=%d delivered=%d duplicates=%d dropped=%d expired=%d reports=%d transport_errors=%d flowlog_failures=%d cycles=%d",
		snap.Generated,
		snap.Forwarded,
		snap.Received,
		snap.Delivered,
		snap.Duplicates,
		snap.Dropped,
		snap.Expired,
		snap.DeliveryReports,
		snap.TransportErrors,
		snap.FlowLogFailures,
		snap.Cycles,
	)
}
