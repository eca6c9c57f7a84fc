// Package neighbor keeps the per-node view of encountered peers.
package neighbor

import (
	"fmt"
	"maps"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/signalsfoundry/dtn-router/model"
)

// DefaultMaxEntries bounds the table when no explicit cap is given.
const DefaultMaxEntries = 256

// historyFactor sizes the encounter history relative to the entry cap.
const historyFactor = 4

// Table maps neighbour IDs to their last observed context. The least
// recently encountered entry is evicted once the cap is reached; entries are
// otherwise never removed and simply fall out of contact.
type Table struct {
	self    model.NodeID
	entries *lru.Cache[model.NodeID, *model.NeighborContext]

	// encounters is this node's own cumulative encounter weight per peer.
	// It outlives eviction of the peer's context but is itself capped at
	// historyFactor times the entry cap.
	encounters *lru.Cache[model.NodeID, float64]
}

// NewTable creates a table for node self holding at most maxEntries
// neighbours. maxEntries <= 0 uses DefaultMaxEntries.
func NewTable(self model.NodeID, maxEntries int) (*Table, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	entries, err := lru.New[model.NodeID, *model.NeighborContext](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("neighbor table: %w", err)
	}
	encounters, err := lru.New[model.NodeID, float64](maxEntries * historyFactor)
	if err != nil {
		return nil, fmt.Errorf("neighbor history: %w", err)
	}
	return &Table{
		self:       self,
		entries:    entries,
		encounters: encounters,
	}, nil
}

// Observe records an encounter with the node described by beacon at now.
// The first encounter creates the entry; later ones refresh it.
func (t *Table) Observe(beacon model.Beacon, now time.Time) *model.NeighborContext {
	return t.update(beacon, now, true)
}

// Refresh updates the context of a neighbour still in contact without
// counting a new encounter. An untracked neighbour is observed instead.
func (t *Table) Refresh(beacon model.Beacon, now time.Time) *model.NeighborContext {
	return t.update(beacon, now, false)
}

func (t *Table) update(beacon model.Beacon, now time.Time, encounter bool) *model.NeighborContext {
	if beacon.NodeID == t.self {
		return nil
	}
	// A refresh for a neighbour the table no longer holds is a new encounter.
	if !encounter && !t.entries.Contains(beacon.NodeID) {
		encounter = true
	}
	if encounter {
		w, _ := t.encounters.Get(beacon.NodeID)
		t.encounters.Add(beacon.NodeID, w+1)
	}

	ctx, ok := t.entries.Get(beacon.NodeID)
	if !ok {
		ctx = &model.NeighborContext{NodeID: beacon.NodeID}
	}
	ctx.Role = beacon.Role
	ctx.Position = beacon.Position
	ctx.Velocity = beacon.Velocity
	ctx.Battery = beacon.Battery
	ctx.BufferOccupancy = beacon.BufferOccupancy
	ctx.SocialWeight = beacon.SocialWeight
	ctx.Trust = beacon.Trust
	ctx.Predictability = maps.Clone(beacon.Predictability)
	if ctx.Encounters == nil {
		ctx.Encounters = make(map[model.NodeID]float64)
	}
	if encounter {
		ctx.Encounters[t.self]++
	}
	ctx.LastContact = now

	t.entries.Add(beacon.NodeID, ctx)
	return ctx.Clone()
}

// Get returns a copy of the context for id.
func (t *Table) Get(id model.NodeID) (*model.NeighborContext, bool) {
	ctx, ok := t.entries.Peek(id)
	if !ok {
		return nil, false
	}
	return ctx.Clone(), true
}

// Position returns the last known position of id.
func (t *Table) Position(id model.NodeID) (model.Vec3, bool) {
	ctx, ok := t.entries.Peek(id)
	if !ok {
		return model.Vec3{}, false
	}
	return ctx.Position, true
}

// InContact returns copies of the neighbours seen within window of now,
// ordered by node ID.
func (t *Table) InContact(now time.Time, window time.Duration) []*model.NeighborContext {
	var out []*model.NeighborContext
	for _, id := range t.entries.Keys() {
		ctx, ok := t.entries.Peek(id)
		if !ok || !ctx.InContact(now, window) {
			continue
		}
		out = append(out, ctx.Clone())
	}
	slices.SortFunc(out, func(a, b *model.NeighborContext) int {
		switch {
		case a.NodeID < b.NodeID:
			return -1
		case a.NodeID > b.NodeID:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Len returns the number of tracked neighbours.
func (t *Table) Len() int { return t.entries.Len() }

// EncounterWeight returns the sum of this node's encounter weights.
func (t *Table) EncounterWeight() float64 {
	var total float64
	for _, w := range t.encounters.Values() {
		total += w
	}
	return total
}

// Encounters returns a copy of this node's encounter history.
func (t *Table) Encounters() map[model.NodeID]float64 {
	out := make(map[model.NodeID]float64, t.encounters.Len())
	for _, id := range t.encounters.Keys() {
		if w, ok := t.encounters.Peek(id); ok {
			out[id] = w
		}
	}
	return out
}
