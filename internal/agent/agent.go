// Package agent composes the per-node routing machinery: buffer, neighbour
// table, scoring model, routing engine and cycle cadence.
package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/dtn-router/internal/flowlog"
	"github.com/signalsfoundry/dtn-router/internal/logging"
	"github.com/signalsfoundry/dtn-router/internal/neighbor"
	"github.com/signalsfoundry/dtn-router/internal/routing"
	"github.com/signalsfoundry/dtn-router/internal/scheduler"
	"github.com/signalsfoundry/dtn-router/internal/scoring"
	"github.com/signalsfoundry/dtn-router/internal/store"
	"github.com/signalsfoundry/dtn-router/internal/wire"
	"github.com/signalsfoundry/dtn-router/model"
)

// ErrInvalidBundle is returned by CreateBundle for bundles that cannot be
// routed.
var ErrInvalidBundle = errors.New("invalid bundle")

// Deps are the external collaborators of an agent. Scheduler and Transport
// are required; the rest default to no-ops.
type Deps struct {
	Scheduler scheduler.EventScheduler
	Transport routing.Transport
	Flow      flowlog.Sink
	Logger    logging.Logger
	Metrics   Recorder
	Reporter  DeliveryReporter

	// Locator resolves destination positions for the scoring model. When
	// nil, positions of previously met neighbours are used.
	Locator scoring.Locator
	// Origin is the scenario reference point used by the scoring model
	// when a destination cannot be located.
	Origin model.Vec3

	Tracer trace.Tracer
}

// energy is the node's modelled battery, shared with the routing engine.
type energy struct {
	level float64
}

func (e *energy) Battery() float64 { return e.level }

func (e *energy) Spend(amount float64) {
	e.level = max(0, e.level-amount)
}

// Agent is one simulated participant. Every exported method locks the
// agent, so events are processed one at a time to completion.
type Agent struct {
	cfg     Config
	log     logging.Logger
	sched   scheduler.EventScheduler
	flow    flowlog.Sink
	metrics Recorder
	report  DeliveryReporter

	mu        sync.Mutex
	ctx       context.Context
	store     *store.Store
	neighbors *neighbor.Table
	scorer    *scoring.Model
	engine    *routing.Engine
	battery   *energy
	delivered *lru.Cache[model.BundleID, time.Time]

	seq          uint64
	position     model.Vec3
	velocity     model.Vec3
	socialWeight float64
	trust        float64

	cycleID    string
	running    bool
	logFromCtx bool

	stats *Stats
}

// New validates cfg and wires an agent. Configuration errors wrap
// ErrInvalidConfig.
func New(cfg Config, deps Deps) (*Agent, error) {
	if cfg.DeliveredMemory == 0 {
		cfg.DeliveredMemory = DefaultDeliveredMemory
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Scheduler == nil || deps.Transport == nil {
		return nil, fmt.Errorf("%w: node %q: scheduler and transport are required", ErrInvalidConfig, cfg.NodeID)
	}
	if deps.Flow == nil {
		deps.Flow = flowlog.Noop{}
	}
	// Without an explicit logger the agent adopts the one on its run
	// context at Start.
	logFromContext := deps.Logger == nil
	if logFromContext {
		deps.Logger = logging.Noop()
	}
	if deps.Metrics == nil {
		deps.Metrics = noopRecorder{}
	}

	st, err := store.New(cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	table, err := neighbor.NewTable(cfg.NodeID, cfg.MaxNeighbors)
	if err != nil {
		return nil, err
	}
	delivered, err := lru.New[model.BundleID, time.Time](cfg.DeliveredMemory)
	if err != nil {
		return nil, err
	}

	locate := deps.Locator
	if locate == nil {
		locate = table.Position
	}
	scorer, err := scoring.NewSeeded(cfg.Scoring, cfg.Seed, scoring.WithLocator(locate), scoring.WithOrigin(deps.Origin))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	battery := &energy{level: 1}
	engine, err := routing.New(cfg.Routing, routing.Deps{
		Self:      cfg.NodeID,
		Store:     st,
		Neighbors: table,
		Scorer:    scorer,
		Energy:    battery,
		Transport: deps.Transport,
		Tracer:    deps.Tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return &Agent{
		cfg:          cfg,
		log:          deps.Logger.With(logging.Node(string(cfg.NodeID)), logging.String("role", string(cfg.Role))),
		logFromCtx:   logFromContext,
		sched:        deps.Scheduler,
		flow:         deps.Flow,
		metrics:      deps.Metrics,
		report:       deps.Reporter,
		ctx:          context.Background(),
		store:        st,
		neighbors:    table,
		scorer:       scorer,
		engine:       engine,
		battery:      battery,
		delivered:    delivered,
		socialWeight: initialSocialWeight,
		trust:        initialTrust,
		stats:        NewStats(),
	}, nil
}

// ID returns the node identifier.
func (a *Agent) ID() model.NodeID { return a.cfg.NodeID }

// Role returns the node's role.
func (a *Agent) Role() model.Role { return a.cfg.Role }

// Config returns the agent configuration.
func (a *Agent) Config() Config { return a.cfg }

// Start schedules the first forwarding cycle at at. ctx is used for spans
// and log correlation for the lifetime of the agent.
func (a *Agent) Start(ctx context.Context, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	if ctx != nil {
		a.ctx = ctx
		if a.logFromCtx {
			a.log = logging.LoggerFromContext(ctx).With(
				logging.Node(string(a.cfg.NodeID)),
				logging.String("role", string(a.cfg.Role)),
			)
		}
	}
	a.running = true
	a.scheduleLocked(at)
	a.log.Debug(a.ctx, "agent started", logging.Any("first_cycle", at))
}

// Stop cancels this node's pending cycle. Other nodes are unaffected.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.running = false
	if a.cycleID != "" {
		a.sched.Cancel(a.cycleID)
		a.cycleID = ""
	}
}

func (a *Agent) scheduleLocked(at time.Time) {
	a.cycleID = a.sched.Schedule(at, func() { a.OnCycle(at) })
}

// OnCycle runs one forwarding cycle: evict expired bundles, refresh the
// node's own context, route, and schedule the next cycle.
func (a *Agent) OnCycle(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	started := time.Now()
	a.cycleID = ""

	a.evictExpiredLocked(now)
	a.refreshSelfLocked()

	rep := a.engine.Cycle(a.ctx, now)
	a.recordReportLocked(rep, now)

	a.stats.add(&a.stats.Cycles, 1)
	a.metrics.CycleCompleted(a.cfg.Role, time.Since(started), a.store.Occupancy())

	delay := a.cfg.Cadence.NextDelay(a.store.Len(), a.store.Capacity())
	a.scheduleLocked(now.Add(delay))
}

func (a *Agent) evictExpiredLocked(now time.Time) {
	expired := a.store.EvictExpired(now)
	if len(expired) == 0 {
		return
	}
	for _, b := range expired {
		a.engine.Forget(b.ID)
		// A forwarded bundle that expires undelivered is a negative outcome.
		if !b.Delivered {
			a.scorer.UpdateFromOutcome(b.ID, false, now.Sub(b.CreatedAt))
		}
	}
	a.stats.add(&a.stats.Expired, uint64(len(expired)))
	a.metrics.BundlesExpired(a.cfg.Role, len(expired))
	a.log.Debug(a.ctx, "bundles expired", logging.Int("count", len(expired)))
}

func (a *Agent) refreshSelfLocked() {
	if !a.cfg.MainsPowered {
		a.battery.Spend(a.cfg.IdleDrain)
	}
	a.socialWeight = min(1, a.neighbors.EncounterWeight()/100)
	snap := a.stats.Snapshot()
	if snap.Generated > 0 {
		a.trust = min(1, float64(snap.DeliveryReports)/float64(snap.Generated))
	}
}

func (a *Agent) recordReportLocked(rep routing.Report, now time.Time) {
	strategy := string(a.engine.Kind())
	for _, f := range rep.Forwards {
		a.stats.add(&a.stats.Forwarded, 1)
		a.metrics.BundleForwarded(a.cfg.Role, strategy, f.Direct)
		if f.Err != nil {
			a.stats.add(&a.stats.TransportErrors, 1)
			a.metrics.TransportError(a.cfg.Role)
			a.log.Warn(a.ctx, "broadcast failed",
				logging.String("bundle_id", f.Bundle.ID.String()),
				logging.Err(f.Err),
			)
		}
		to := f.NextHop
		if to == model.Broadcast {
			to = "*"
		}
		a.emitLocked(flowlog.Record{
			Time:     now,
			BundleID: f.Bundle.ID,
			From:     a.cfg.NodeID,
			To:       to,
			Action:   flowlog.ActionForwarded,
		})
	}
	for reason, n := range rep.Skips {
		a.metrics.ForwardSkipped(a.cfg.Role, reason.String(), n)
	}
	if len(rep.Forwards) > 0 {
		a.log.Debug(a.ctx, "routing cycle",
			logging.Int("forwards", len(rep.Forwards)),
			logging.Int("buffered", a.store.Len()),
			logging.Float64("battery", a.battery.level),
		)
	}
}

// emitLocked writes a flow record. Sink failures are logged and counted;
// they never interrupt routing.
func (a *Agent) emitLocked(r flowlog.Record) {
	r.NodeType = a.cfg.Role
	if err := a.flow.Record(r); err != nil {
		a.stats.add(&a.stats.FlowLogFailures, 1)
		a.metrics.FlowLogFailure()
		a.log.Warn(a.ctx, "flow log write failed", logging.Err(err))
	}
}

// HandleFrame decodes a frame from the link and processes the bundle if
// the frame is addressed to this node.
func (a *Agent) HandleFrame(data []byte, now time.Time) {
	f, err := wire.Decode(data)
	if err != nil {
		a.stats.add(&a.stats.MalformedFrames, 1)
		a.log.Warn(a.ctx, "discarding malformed frame", logging.Err(err))
		return
	}
	if !f.Addressed(a.cfg.NodeID) {
		return
	}
	a.OnBundleReceived(f.Bundle, f.Sender, now)
}

// OnBundleReceived processes a bundle arriving from a neighbour. At its
// destination the bundle is delivered exactly once per remembered ID;
// elsewhere it is buffered for onward routing.
func (a *Agent) OnBundleReceived(b *model.Bundle, from model.NodeID, now time.Time) {
	a.mu.Lock()
	delivered := a.receiveLocked(b, from, now)
	reporter := a.report
	a.mu.Unlock()

	if delivered != nil && reporter != nil {
		reporter.ReportDelivery(delivered, now)
	}
}

func (a *Agent) receiveLocked(b *model.Bundle, from model.NodeID, now time.Time) *model.Bundle {
	if b.Destination == a.cfg.NodeID {
		return a.deliverLocked(b, from, now)
	}
	if b.Expired(now) {
		return nil
	}
	if b.Delivered {
		// Someone already delivered it; stop carrying our copy.
		a.store.MarkDelivered(b.ID)
		return nil
	}

	c := b.Clone()
	c.Visit(a.cfg.NodeID)
	if err := a.store.Insert(c); err != nil {
		var drop *store.DropError
		if errors.As(err, &drop) && drop.Reason == store.DropDuplicate {
			a.stats.add(&a.stats.Duplicates, 1)
			return nil
		}
		a.stats.add(&a.stats.Dropped, 1)
		reason := "unknown"
		if drop != nil {
			reason = drop.Reason.String()
		}
		a.metrics.BundleDropped(a.cfg.Role, reason)
		a.log.Debug(a.ctx, "bundle dropped",
			logging.String("bundle_id", b.ID.String()),
			logging.String("reason", reason),
		)
		return nil
	}

	a.stats.add(&a.stats.Received, 1)
	a.metrics.BundleReceived(a.cfg.Role)
	a.emitLocked(flowlog.Record{
		Time:     now,
		BundleID: b.ID,
		From:     from,
		To:       a.cfg.NodeID,
		Action:   flowlog.ActionReceived,
	})
	return nil
}

func (a *Agent) deliverLocked(b *model.Bundle, from model.NodeID, now time.Time) *model.Bundle {
	if a.delivered.Contains(b.ID) {
		a.stats.add(&a.stats.Duplicates, 1)
		return nil
	}

	c := b.Clone()
	c.Visit(a.cfg.NodeID)
	c.MarkDelivered()
	a.delivered.Add(c.ID, now)

	delay := now.Sub(c.CreatedAt)
	a.stats.addDelivery(delay.Seconds())
	a.metrics.BundleDelivered(a.cfg.Role, delay)
	a.emitLocked(flowlog.Record{
		Time:     now,
		BundleID: c.ID,
		From:     from,
		To:       a.cfg.NodeID,
		Action:   flowlog.ActionDelivered,
	})
	a.log.Info(a.ctx, "bundle delivered",
		logging.String("bundle_id", c.ID.String()),
		logging.Duration("delay", delay),
		logging.Int("hops", int(c.HopCount)),
	)
	return c
}

// CreateBundle originates a bundle for dest. A refused insert is returned
// as a *store.DropError.
func (a *Agent) CreateBundle(dest model.NodeID, priority model.Priority, payload []byte, now time.Time) (model.BundleID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if dest == "" || dest == a.cfg.NodeID {
		return model.BundleID{}, fmt.Errorf("%w: destination %q", ErrInvalidBundle, dest)
	}
	if !priority.Valid() {
		return model.BundleID{}, fmt.Errorf("%w: priority %d", ErrInvalidBundle, priority)
	}

	id := model.BundleID{Source: a.cfg.NodeID, Seq: a.seq}
	a.seq++

	b := &model.Bundle{
		ID:          id,
		Source:      a.cfg.NodeID,
		Destination: dest,
		Priority:    priority,
		CreatedAt:   now,
		TTL:         a.cfg.TTL,
		Payload:     slices.Clone(payload),
		RoutePath:   []model.NodeID{a.cfg.NodeID},
	}
	if a.engine.Kind() == routing.KindSpray {
		b.SprayBudget = a.cfg.Routing.SprayCopies
	}
	b.UrgencyScore = a.scorer.Urgency(b, now)

	if err := a.store.Insert(b); err != nil {
		a.stats.add(&a.stats.Dropped, 1)
		var drop *store.DropError
		if errors.As(err, &drop) {
			a.metrics.BundleDropped(a.cfg.Role, drop.Reason.String())
		}
		return id, fmt.Errorf("create bundle %s: %w", id, err)
	}

	a.stats.add(&a.stats.Generated, 1)
	a.metrics.BundleCreated(a.cfg.Role)
	a.emitLocked(flowlog.Record{
		Time:     now,
		BundleID: id,
		From:     a.cfg.NodeID,
		To:       dest,
		Action:   flowlog.ActionCreated,
	})
	return id, nil
}

// OnEncounter records a meeting with the node that sent beacon.
func (a *Agent) OnEncounter(beacon model.Beacon, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if beacon.NodeID == a.cfg.NodeID {
		return
	}
	a.neighbors.Observe(beacon, now)
	a.engine.OnEncounter(beacon.NodeID, beacon.Predictability, now)
}

// OnBeacon refreshes what this node knows about a peer it is already in
// contact with. Unlike OnEncounter it does not count a meeting.
func (a *Agent) OnBeacon(beacon model.Beacon, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if beacon.NodeID == a.cfg.NodeID {
		return
	}
	a.neighbors.Refresh(beacon, now)
}

// EncounterWeight returns this node's accumulated encounter weight.
func (a *Agent) EncounterWeight() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.neighbors.EncounterWeight()
}

// Beacon describes this node to peers it meets.
func (a *Agent) Beacon(now time.Time) model.Beacon {
	a.mu.Lock()
	defer a.mu.Unlock()
	return model.Beacon{
		NodeID:          a.cfg.NodeID,
		Role:            a.cfg.Role,
		Position:        a.position,
		Velocity:        a.velocity,
		Battery:         a.battery.level,
		BufferOccupancy: a.store.Len(),
		SocialWeight:    a.socialWeight,
		Trust:           a.trust,
		Predictability:  a.engine.Predictability(now),
	}
}

// SetKinematics updates the node's own position and velocity.
func (a *Agent) SetKinematics(pos, vel model.Vec3) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.position = pos
	a.velocity = vel
}

// OnDeliveryReport tells this node that id reached its destination at
// deliveredAt. The held copy stops being forwarded and the scoring model
// learns from any prediction it made for id.
func (a *Agent) OnDeliveryReport(id model.BundleID, deliveredAt time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var delay time.Duration
	if b, ok := a.store.Get(id); ok {
		delay = deliveredAt.Sub(b.CreatedAt)
	}
	a.store.MarkDelivered(id)
	a.engine.Forget(id)
	a.scorer.UpdateFromOutcome(id, true, delay)
	if id.Source == a.cfg.NodeID {
		a.stats.add(&a.stats.DeliveryReports, 1)
	}
}

// Battery returns the modelled battery level.
func (a *Agent) Battery() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.battery.level
}

// Buffered returns the number of bundles held.
func (a *Agent) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.Len()
}

// Holds reports whether id is buffered, and returns a copy if so.
func (a *Agent) Holds(id model.BundleID) (*model.Bundle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.Get(id)
}

// Stats returns the agent counters and the buffer counters.
func (a *Agent) Stats() (StatsSnapshot, store.Stats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats.Snapshot(), a.store.Stats()
}
