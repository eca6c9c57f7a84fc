package routing

import (
	"context"
	"time"

	"github.com/signalsfoundry/dtn-router/model"
)

// epidemic broadcasts every eligible bundle until the quota is spent. The
// broadcast goes out whether or not a neighbour is known; whoever is in
// range receives it. Bundles past the quota stay eligible for next cycle.
func (e *Engine) epidemic(ctx context.Context, now time.Time, rep *Report) {
	for b := range e.deps.Store.ForwardCandidates(now, e.cfg.Cooldown) {
		if e.quotaReached(rep) {
			rep.skip(SkipQuotaExhausted)
			continue
		}
		e.send(ctx, b.ID, model.Broadcast, false, now, rep)
	}
}
