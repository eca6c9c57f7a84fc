package sim

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/signalsfoundry/dtn-router/internal/agent"
	"github.com/signalsfoundry/dtn-router/internal/store"
	"github.com/signalsfoundry/dtn-router/model"
)

// NodeSummary is the end-of-run state of one node.
type NodeSummary struct {
	ID       model.NodeID
	Role     model.Role
	Failed   bool
	Buffered int
	Capacity int
	Battery  float64
	// Encounters is the node's own encounter weight.
	Encounters float64
	Agent      agent.StatsSnapshot
	Store      store.Stats
}

// Utilization returns the buffer fill in percent.
func (n NodeSummary) Utilization() float64 {
	if n.Capacity == 0 {
		return 0
	}
	return 100 * float64(n.Buffered) / float64(n.Capacity)
}

// Summary aggregates a run.
type Summary struct {
	Elapsed  time.Duration
	Nodes    int
	Failed   int
	Contacts int
	// Encounters counts contacts that formed during the run; a contact
	// lasting many ticks counts once.
	Encounters int

	Injected int
	Rejected int

	Generated  uint64
	Forwarded  uint64
	Received   uint64
	Delivered  uint64
	Duplicates uint64
	Dropped    uint64
	Expired    uint64

	// DeliveryRatio is distinct bundles delivered over bundles generated.
	DeliveryRatio float64
	MeanDelay     time.Duration

	Medium  MediumStats
	PerNode []NodeSummary
}

// Summary collects the current totals. It may be called during or after a
// run.
func (w *World) Summary() Summary {
	w.mu.Lock()
	sum := Summary{
		Elapsed:    w.clock.Elapsed(),
		Contacts:   w.contacts,
		Encounters: w.encounters,
		Injected:   w.injected,
		Rejected:   w.rejected,
		Failed:     len(w.failed),
	}
	failed := make(map[model.NodeID]bool, len(w.failed))
	for _, id := range w.failed {
		failed[id] = true
	}
	distinct := len(w.delivered)
	w.mu.Unlock()

	var totalDelay float64
	for _, id := range w.registry.IDs() {
		a, _ := w.registry.Get(id)
		snap, st := a.Stats()
		ns := NodeSummary{
			ID:         id,
			Role:       a.Role(),
			Failed:     failed[id],
			Buffered:   a.Buffered(),
			Capacity:   a.Config().Capacity,
			Battery:    a.Battery(),
			Encounters: a.EncounterWeight(),
			Agent:      snap,
			Store:      st,
		}
		sum.PerNode = append(sum.PerNode, ns)

		sum.Generated += snap.Generated
		sum.Forwarded += snap.Forwarded
		sum.Received += snap.Received
		sum.Delivered += snap.Delivered
		sum.Duplicates += snap.Duplicates
		sum.Dropped += snap.Dropped
		sum.Expired += snap.Expired
		totalDelay += snap.TotalDelay
	}
	sum.Nodes = len(sum.PerNode)
	if sum.Generated > 0 {
		sum.DeliveryRatio = float64(distinct) / float64(sum.Generated)
	}
	if sum.Delivered > 0 {
		sum.MeanDelay = time.Duration(totalDelay / float64(sum.Delivered) * float64(time.Second))
	}
	sum.Medium = w.medium.Stats()
	return sum
}

var nodeStatsHeader = []string{
	"node_id", "role", "failed", "generated", "forwarded", "received",
	"delivered", "dropped", "expired", "buffer_utilization_pct", "battery",
}

// WriteNodeStats writes one CSV row per node.
func (s Summary) WriteNodeStats(out io.Writer) error {
	cw := csv.NewWriter(out)
	if err := cw.Write(nodeStatsHeader); err != nil {
		return fmt.Errorf("write node stats header: %w", err)
	}
	for _, n := range s.PerNode {
		row := []string{
			string(n.ID),
			string(n.Role),
			strconv.FormatBool(n.Failed),
			strconv.FormatUint(n.Agent.Generated, 10),
			strconv.FormatUint(n.Agent.Forwarded, 10),
			strconv.FormatUint(n.Agent.Received, 10),
			strconv.FormatUint(n.Agent.Delivered, 10),
			strconv.FormatUint(n.Agent.Dropped, 10),
			strconv.FormatUint(n.Agent.Expired, 10),
			strconv.FormatFloat(n.Utilization(), 'f', 2, 64),
			strconv.FormatFloat(n.Battery, 'f', 4, 64),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write node stats for %s: %w", n.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
