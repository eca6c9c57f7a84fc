package routing

import (
	"context"
	"slices"
	"time"

	"github.com/signalsfoundry/dtn-router/model"
)

// sprayState is the engine-owned copy budget of one bundle at this node.
type sprayState struct {
	remaining uint32
	sentTo    map[model.NodeID]struct{}
}

func (e *Engine) sprayStateFor(b *model.Bundle) *sprayState {
	st, ok := e.spray[b.ID]
	if !ok {
		st = &sprayState{remaining: b.SprayBudget, sentTo: make(map[model.NodeID]struct{})}
		e.spray[b.ID] = st
	}
	return st
}

// SprayRemaining returns the copies this node may still hand out for id.
func (e *Engine) SprayRemaining(id model.BundleID) (uint32, bool) {
	st, ok := e.spray[id]
	if !ok {
		return 0, false
	}
	return st.remaining, true
}

// Relays receive no copies of their own: source spray.
func relayBudget(b *model.Bundle) { b.SprayBudget = 0 }

// sprayCycle hands one copy per bundle per cycle to a neighbour that has
// not had one from this node. Bundles without copies wait for their
// destination; handing a bundle to its destination ends this node's
// custody.
func (e *Engine) sprayCycle(ctx context.Context, now time.Time, rep *Report) {
	for id := range e.spray {
		if !e.deps.Store.Contains(id) {
			delete(e.spray, id)
		}
	}
	neighbors := e.contacts(now)

	for b := range e.deps.Store.ForwardCandidates(now, e.cfg.Cooldown) {
		if e.quotaReached(rep) {
			rep.skip(SkipQuotaExhausted)
			continue
		}
		st := e.sprayStateFor(b)

		if dst := findNeighbor(neighbors, b.Destination); dst != nil {
			if e.send(ctx, b.ID, dst.NodeID, true, now, rep, relayBudget) {
				e.deps.Store.Remove(b.ID)
				delete(e.spray, b.ID)
			}
			continue
		}
		if st.remaining == 0 {
			rep.skip(SkipSprayBudgetExhausted)
			continue
		}

		var target *model.NeighborContext
		for _, nb := range neighbors {
			if _, done := st.sentTo[nb.NodeID]; done {
				continue
			}
			if slices.Contains(b.RoutePath, nb.NodeID) {
				continue
			}
			target = nb
			break
		}
		if target == nil {
			rep.skip(SkipNoContact)
			continue
		}
		if e.send(ctx, b.ID, target.NodeID, false, now, rep, relayBudget) {
			st.remaining--
			st.sentTo[target.NodeID] = struct{}{}
		}
	}
}
