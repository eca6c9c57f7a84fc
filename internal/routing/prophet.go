package routing

import (
	"context"
	"fmt"
	"maps"
	"math"
	"time"

	"github.com/signalsfoundry/dtn-router/model"
)

// ProphetConfig holds the PROPHET constants.
type ProphetConfig struct {
	PInit     float64
	Beta      float64
	Gamma     float64
	AgingUnit time.Duration

	// Threshold is the predictability a neighbour must exceed to be handed
	// a bundle.
	Threshold float64
}

// DefaultProphetConfig returns the commonly used PROPHET constants.
func DefaultProphetConfig() ProphetConfig {
	return ProphetConfig{
		PInit:     0.75,
		Beta:      0.25,
		Gamma:     0.98,
		AgingUnit: 30 * time.Second,
		Threshold: 0.5,
	}
}

func (c ProphetConfig) Validate() error {
	in01 := func(v float64) bool { return v >= 0 && v <= 1 }
	switch {
	case !in01(c.PInit), !in01(c.Beta), !in01(c.Gamma), !in01(c.Threshold):
		return fmt.Errorf("prophet constants must lie in [0,1]: %+v", c)
	case c.AgingUnit <= 0:
		return fmt.Errorf("prophet aging unit %v must be positive", c.AgingUnit)
	}
	return nil
}

// Predictability is one node's per-destination delivery predictability.
type Predictability struct {
	cfg  ProphetConfig
	self model.NodeID
	p    map[model.NodeID]float64

	lastAged time.Time
}

// NewPredictability returns an empty table for self.
func NewPredictability(self model.NodeID, cfg ProphetConfig) *Predictability {
	return &Predictability{cfg: cfg, self: self, p: make(map[model.NodeID]float64)}
}

// Age decays every entry by Gamma for each whole aging unit since the last
// call. Partial units carry over.
func (t *Predictability) Age(now time.Time) {
	if t.lastAged.IsZero() {
		t.lastAged = now
		return
	}
	elapsed := now.Sub(t.lastAged)
	if elapsed < t.cfg.AgingUnit {
		return
	}
	k := int64(elapsed / t.cfg.AgingUnit)
	factor := math.Pow(t.cfg.Gamma, float64(k))
	for dst, v := range t.p {
		t.p[dst] = v * factor
	}
	t.lastAged = t.lastAged.Add(time.Duration(k) * t.cfg.AgingUnit)
}

// Encounter applies the direct update for peer and the transitive update
// through the peer's advertised vector.
func (t *Predictability) Encounter(peer model.NodeID, peerVector map[model.NodeID]float64, now time.Time) {
	if peer == t.self {
		return
	}
	t.Age(now)

	old := t.p[peer]
	direct := old + (1-old)*t.cfg.PInit
	t.p[peer] = direct

	for dst, pbc := range peerVector {
		if dst == t.self || dst == peer {
			continue
		}
		if v := direct * pbc * t.cfg.Beta; v > t.p[dst] {
			t.p[dst] = v
		}
	}
}

// For returns the predictability of reaching dst.
func (t *Predictability) For(dst model.NodeID) float64 {
	return t.p[dst]
}

// Snapshot ages the table to now and returns a copy for advertising.
func (t *Predictability) Snapshot(now time.Time) map[model.NodeID]float64 {
	t.Age(now)
	return maps.Clone(t.p)
}

// neighborPredictability is nb's claim to reach dst. The destination
// itself is certain.
func neighborPredictability(nb *model.NeighborContext, dst model.NodeID) float64 {
	if nb.NodeID == dst {
		return 1
	}
	return nb.Predictability[dst]
}

// prophetCycle unicasts each bundle to the in-contact neighbour with the
// highest predictability for its destination, provided it clears the
// threshold. Ties go to the lowest node ID.
func (e *Engine) prophetCycle(ctx context.Context, now time.Time, rep *Report) {
	e.prophet.Age(now)
	neighbors := e.contacts(now)

	for b := range e.deps.Store.ForwardCandidates(now, e.cfg.Cooldown) {
		if e.quotaReached(rep) {
			rep.skip(SkipQuotaExhausted)
			continue
		}
		if len(neighbors) == 0 {
			rep.skip(SkipNoContact)
			continue
		}

		var best *model.NeighborContext
		bestP := -1.0
		for _, nb := range neighbors {
			if p := neighborPredictability(nb, b.Destination); p > bestP {
				best, bestP = nb, p
			}
		}
		if bestP <= e.cfg.Prophet.Threshold {
			rep.skip(SkipBelowThreshold)
			continue
		}
		e.send(ctx, b.ID, best.NodeID, best.NodeID == b.Destination, now, rep)
	}
}
