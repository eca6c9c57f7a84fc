// Package store implements the bounded per-node bundle buffer.
package store

import (
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/signalsfoundry/dtn-router/model"
)

var (
	// ErrInvalidCapacity indicates a non-positive buffer capacity.
	ErrInvalidCapacity = errors.New("store capacity must be positive")
	// ErrBufferFull indicates an insert was refused because the store is full.
	ErrBufferFull = errors.New("buffer full")
	// ErrDuplicate indicates the bundle is already held.
	ErrDuplicate = errors.New("bundle already stored")
	// ErrIdentityConflict indicates a held bundle shares the ID but not the
	// immutable identity fields of the one being inserted.
	ErrIdentityConflict = errors.New("bundle identity conflict")
)

// DropReason classifies why an insert was refused.
type DropReason int

const (
	DropBufferFull DropReason = iota
	DropDuplicate
	DropIdentityConflict
)

func (r DropReason) String() string {
	switch r {
	case DropBufferFull:
		return "buffer_full"
	case DropDuplicate:
		return "duplicate"
	case DropIdentityConflict:
		return "identity_conflict"
	default:
		return "unknown"
	}
}

// DropError is returned by Insert when a bundle is not stored. It is a
// normal outcome: callers count it and move on.
type DropError struct {
	BundleID model.BundleID
	Reason   DropReason
}

func (e *DropError) Error() string {
	return fmt.Sprintf("bundle %s dropped: %s", e.BundleID, e.Reason)
}

// Unwrap maps the reason onto its sentinel so errors.Is works.
func (e *DropError) Unwrap() error {
	switch e.Reason {
	case DropBufferFull:
		return ErrBufferFull
	case DropDuplicate:
		return ErrDuplicate
	case DropIdentityConflict:
		return ErrIdentityConflict
	default:
		return nil
	}
}

// Stats is a snapshot of store counters.
type Stats struct {
	Inserted uint64
	Dropped  map[DropReason]uint64
	Expired  uint64
	Removed  uint64
}

// Store holds bundles in insertion order up to a fixed capacity. It is not
// safe for concurrent use; the owning agent serialises access.
type Store struct {
	capacity int

	order []*model.Bundle
	index map[model.BundleID]*model.Bundle

	inserted uint64
	dropped  map[DropReason]uint64
	expired  uint64
	removed  uint64
}

// New creates an empty store that holds at most capacity bundles.
func New(capacity int) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	return &Store{
		capacity: capacity,
		index:    make(map[model.BundleID]*model.Bundle),
		dropped:  make(map[DropReason]uint64),
	}, nil
}

// Capacity returns the configured maximum number of bundles.
func (s *Store) Capacity() int { return s.capacity }

// Len returns the number of bundles currently held.
func (s *Store) Len() int { return len(s.order) }

// Occupancy returns Len/Capacity.
func (s *Store) Occupancy() float64 {
	return float64(len(s.order)) / float64(s.capacity)
}

// Insert stores a private copy of b. A refused insert leaves the contents
// untouched and returns a *DropError.
func (s *Store) Insert(b *model.Bundle) error {
	// A full store refuses everything, held IDs included.
	if len(s.order) >= s.capacity {
		return s.drop(b.ID, DropBufferFull)
	}
	if held, ok := s.index[b.ID]; ok {
		reason := DropDuplicate
		if !held.SameIdentity(b) {
			reason = DropIdentityConflict
		}
		return s.drop(b.ID, reason)
	}

	c := b.Clone()
	s.order = append(s.order, c)
	s.index[c.ID] = c
	s.inserted++
	return nil
}

func (s *Store) drop(id model.BundleID, reason DropReason) error {
	s.dropped[reason]++
	return &DropError{BundleID: id, Reason: reason}
}

// Get returns a copy of the stored bundle.
func (s *Store) Get(id model.BundleID) (*model.Bundle, bool) {
	b, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

// Contains reports whether id is held.
func (s *Store) Contains(id model.BundleID) bool {
	_, ok := s.index[id]
	return ok
}

// EvictExpired removes every bundle whose TTL has elapsed at now, delivered
// or not, and returns the removed bundles. Calling it again at the same
// instant removes nothing.
func (s *Store) EvictExpired(now time.Time) []*model.Bundle {
	var evicted []*model.Bundle
	kept := make([]*model.Bundle, 0, len(s.order))
	for _, b := range s.order {
		if b.Expired(now) {
			evicted = append(evicted, b)
			delete(s.index, b.ID)
			continue
		}
		kept = append(kept, b)
	}
	if len(evicted) == 0 {
		return nil
	}
	s.order = kept
	s.expired += uint64(len(evicted))
	return evicted
}

// Remove deletes id from the store. It reports whether anything was removed.
func (s *Store) Remove(id model.BundleID) bool {
	if _, ok := s.index[id]; !ok {
		return false
	}
	delete(s.index, id)
	kept := make([]*model.Bundle, 0, len(s.order))
	for _, b := range s.order {
		if b.ID != id {
			kept = append(kept, b)
		}
	}
	s.order = kept
	s.removed++
	return true
}

// ForwardCandidates yields, in insertion order, copies of the bundles that
// are undelivered, unexpired and outside the forwarding cooldown. The
// sequence can be ranged over any number of times and never mutates the
// store.
func (s *Store) ForwardCandidates(now time.Time, cooldown time.Duration) iter.Seq[*model.Bundle] {
	return func(yield func(*model.Bundle) bool) {
		// Removals replace s.order rather than compacting it, so this
		// snapshot stays stable while the consumer mutates the store.
		snapshot := s.order
		for _, b := range snapshot {
			if !eligible(b, now, cooldown) {
				continue
			}
			if !yield(b.Clone()) {
				return
			}
		}
	}
}

func eligible(b *model.Bundle, now time.Time, cooldown time.Duration) bool {
	if b.Delivered || b.Expired(now) {
		return false
	}
	if b.LastForwardAt.IsZero() {
		return true
	}
	return now.Sub(b.LastForwardAt) >= cooldown
}

// MarkDelivered sets the delivered flag on the stored copy. It reports
// whether the bundle is held.
func (s *Store) MarkDelivered(id model.BundleID) bool {
	b, ok := s.index[id]
	if !ok {
		return false
	}
	b.MarkDelivered()
	return true
}

// MarkForwarded records one transmission of id at now and returns a copy of
// the updated bundle for framing. Delivered bundles are left untouched.
func (s *Store) MarkForwarded(id model.BundleID, now time.Time) (*model.Bundle, bool) {
	b, ok := s.index[id]
	if !ok || b.Delivered {
		return nil, false
	}
	b.RecordForward(now)
	return b.Clone(), true
}

// AddEnergyCost charges cost to the stored copy of id.
func (s *Store) AddEnergyCost(id model.BundleID, cost float64) {
	if b, ok := s.index[id]; ok {
		b.EnergyCost += cost
	}
}

// SetScores records the derived scores computed during a routing cycle.
func (s *Store) SetScores(id model.BundleID, urgency, probability float64) {
	if b, ok := s.index[id]; ok {
		b.UrgencyScore = urgency
		b.DeliveryProbability = probability
	}
}

// IDs returns the held bundle IDs in insertion order.
func (s *Store) IDs() []model.BundleID {
	ids := make([]model.BundleID, 0, len(s.order))
	for _, b := range s.order {
		ids = append(ids, b.ID)
	}
	return ids
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	dropped := make(map[DropReason]uint64, len(s.dropped))
	for k, v := range s.dropped {
		dropped[k] = v
	}
	return Stats{
		Inserted: s.inserted,
		Dropped:  dropped,
		Expired:  s.expired,
		Removed:  s.removed,
	}
}
