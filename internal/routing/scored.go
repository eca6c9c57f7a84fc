package routing

import (
	"context"
	"time"

	"github.com/signalsfoundry/dtn-router/internal/scoring"
	"github.com/signalsfoundry/dtn-router/model"
)

// Threshold returns the acceptance threshold for a bundle of the given
// urgency.
func (c Config) Threshold(urgency float64) float64 {
	return c.ScoredBase + c.ScoredSlope*urgency
}

// scoredCycle forwards each bundle to at most one neighbour: its
// destination when in contact, otherwise the first neighbour in ID order
// whose predicted delivery probability beats the urgency-dependent
// threshold. The node must afford the transmission without touching its
// energy reserve.
func (e *Engine) scoredCycle(ctx context.Context, now time.Time, rep *Report) {
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

		urgency := e.deps.Scorer.Urgency(b, now)
		threshold := e.cfg.Threshold(urgency)

		var (
			chosen *model.NeighborContext
			p      float64
			x      scoring.Features
			bestP  float64
		)
		if dst := findNeighbor(neighbors, b.Destination); dst != nil {
			chosen = dst
			p, x = e.deps.Scorer.Estimate(b, dst, now)
			bestP = p
		} else {
			for _, nb := range neighbors {
				q, feats := e.deps.Scorer.Estimate(b, nb, now)
				bestP = max(bestP, q)
				if q > threshold {
					chosen, p, x = nb, q, feats
					break
				}
			}
		}
		e.deps.Store.SetScores(b.ID, urgency, bestP)

		if chosen == nil {
			rep.skip(SkipBelowThreshold)
			continue
		}
		if !e.affordable(e.energyCost(b)) {
			rep.skip(SkipInsufficientEnergy)
			continue
		}
		if e.send(ctx, b.ID, chosen.NodeID, chosen.NodeID == b.Destination, now, rep) {
			e.deps.Scorer.Record(b.ID, p, x)
		}
	}
}
