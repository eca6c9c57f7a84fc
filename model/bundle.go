package model

import (
	"fmt"
	"slices"
	"time"
)

// NodeID identifies a participant in the network.
type NodeID string

// Broadcast is the next-hop value used for frames addressed to every
// neighbour in range.
const Broadcast NodeID = ""

// Priority orders bundles by how critical their content is. Lower values are
// more important.
type Priority int

const (
	PriorityEmergency Priority = iota
	PriorityMedical
	PriorityGeneral
	PriorityLow
)

// String returns the human-readable name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityEmergency:
		return "emergency"
	case PriorityMedical:
		return "medical"
	case PriorityGeneral:
		return "general"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the defined tiers.
func (p Priority) Valid() bool {
	return p >= PriorityEmergency && p <= PriorityLow
}

// ParsePriority maps a tier name to its Priority.
func ParsePriority(s string) (Priority, error) {
	for p := PriorityEmergency; p <= PriorityLow; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// BundleID identifies a bundle network-wide. Seq comes from a per-node
// counter starting at zero, so it is only unique together with Source.
type BundleID struct {
	Source NodeID
	Seq    uint64
}

// String renders the ID as "source/seq".
func (id BundleID) String() string {
	return fmt.Sprintf("%s/%d", id.Source, id.Seq)
}

// Bundle is one store-carry-forward message together with its routing
// metadata.
type Bundle struct {
	ID          BundleID
	Source      NodeID
	Destination NodeID
	Priority    Priority

	CreatedAt time.Time
	TTL       time.Duration

	// HopCount and Retransmissions only ever grow.
	HopCount        uint32
	Retransmissions uint32

	Payload []byte

	// Delivered is set once by MarkDelivered and never cleared.
	Delivered bool

	// RoutePath lists the nodes that have held this copy, in order.
	RoutePath []NodeID

	// Derived each cycle; not part of the wire format.
	UrgencyScore        float64
	DeliveryProbability float64

	// LastForwardAt is zero until the first transmission.
	LastForwardAt time.Time

	// SprayBudget is the number of copies this holder may still hand out.
	SprayBudget uint32

	// EnergyCost accumulates the modelled energy spent transmitting it.
	EnergyCost float64
}

// Expired reports whether the bundle's lifetime has elapsed at now.
func (b *Bundle) Expired(now time.Time) bool {
	return now.Sub(b.CreatedAt) >= b.TTL
}

// Age returns how long the bundle has existed at now.
func (b *Bundle) Age(now time.Time) time.Duration {
	age := now.Sub(b.CreatedAt)
	if age < 0 {
		return 0
	}
	return age
}

// RemainingTTLFraction returns the unexpired share of the TTL in [0,1].
func (b *Bundle) RemainingTTLFraction(now time.Time) float64 {
	if b.TTL <= 0 {
		return 0
	}
	remaining := b.TTL - b.Age(now)
	if remaining <= 0 {
		return 0
	}
	frac := float64(remaining) / float64(b.TTL)
	if frac > 1 {
		return 1
	}
	return frac
}

// MarkDelivered sets the terminal flag. It reports whether this call made
// the transition.
func (b *Bundle) MarkDelivered() bool {
	if b.Delivered {
		return false
	}
	b.Delivered = true
	return true
}

// Visit appends node to the route path unless the bundle is delivered or the
// node is already the last hop recorded.
func (b *Bundle) Visit(node NodeID) {
	if b.Delivered {
		return
	}
	if n := len(b.RoutePath); n > 0 && b.RoutePath[n-1] == node {
		return
	}
	b.RoutePath = append(b.RoutePath, node)
}

// RecordForward updates the counters for one transmission at now.
func (b *Bundle) RecordForward(now time.Time) {
	b.HopCount++
	b.Retransmissions++
	b.LastForwardAt = now
}

// SameIdentity reports whether other carries the immutable identity fields
// of b.
func (b *Bundle) SameIdentity(other *Bundle) bool {
	return b.ID == other.ID &&
		b.Source == other.Source &&
		b.Destination == other.Destination &&
		b.CreatedAt.Equal(other.CreatedAt)
}

// Clone returns a deep copy so the result shares no memory with b.
func (b *Bundle) Clone() *Bundle {
	if b == nil {
		return nil
	}
	c := *b
	c.Payload = slices.Clone(b.Payload)
	c.RoutePath = slices.Clone(b.RoutePath)
	return &c
}
