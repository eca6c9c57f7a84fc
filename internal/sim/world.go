package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/dtn-router/core"
	"github.com/signalsfoundry/dtn-router/internal/agent"
	"github.com/signalsfoundry/dtn-router/internal/config"
	"github.com/signalsfoundry/dtn-router/internal/flowlog"
	"github.com/signalsfoundry/dtn-router/internal/logging"
	"github.com/signalsfoundry/dtn-router/internal/observability"
	"github.com/signalsfoundry/dtn-router/internal/scheduler"
	"github.com/signalsfoundry/dtn-router/model"
	"github.com/signalsfoundry/dtn-router/timectrl"
)

// Options are the optional collaborators of a World.
type Options struct {
	Logger     logging.Logger
	Flow       flowlog.Sink
	Metrics    agent.Recorder
	SimMetrics *observability.SimCollector
	Tracer     trace.Tracer

	// Mode selects real-time or accelerated stepping.
	Mode timectrl.Mode

	// Latency delays every frame delivery.
	Latency time.Duration

	// ReportDelay delays delivery reports to the nodes on a bundle's path.
	ReportDelay time.Duration
}

type node struct {
	agent  *agent.Agent
	motion core.MotionModel
	pos    model.Vec3
	active bool
}

// World owns the clock, the scheduler, the medium and every agent of one
// run. It is driven from a single goroutine by the time controller.
type World struct {
	scenario *config.Scenario
	opts     Options
	log      logging.Logger
	logCtx   bool
	policy   core.ContactPolicy

	clock    *timectrl.TimeController
	sched    *scheduler.Scheduler
	registry *Registry
	medium   *Medium

	mu       sync.Mutex
	nodes    map[model.NodeID]*node
	lastTick time.Time
	contacts int
	// links holds the contacts of the previous tick.
	links      map[[2]model.NodeID]bool
	encounters int
	injected   int
	rejected   int
	failed     []model.NodeID
	delivered  map[model.BundleID]time.Time
}

// NewWorld builds agents for every node in the scenario and schedules its
// traffic and failures. Nothing runs until Run.
func NewWorld(s *config.Scenario, opts Options) (*World, error) {
	if s == nil {
		return nil, errors.New("sim: scenario is required")
	}
	plans, err := s.Plan()
	if err != nil {
		return nil, err
	}
	origin := s.Plane().Origin()

	log := opts.Logger
	if log == nil {
		log = logging.Noop()
	}

	clock := timectrl.NewTimeController(s.Start, s.Tick, opts.Mode)
	sched := scheduler.New(clock)
	w := &World{
		scenario:  s,
		opts:      opts,
		log:       log,
		logCtx:    opts.Logger == nil,
		policy:    s.ContactPolicy(),
		clock:     clock,
		sched:     sched,
		registry:  NewRegistry(),
		medium:    NewMedium(sched, opts.Latency, opts.SimMetrics),
		nodes:     make(map[model.NodeID]*node, len(plans)),
		delivered: make(map[model.BundleID]time.Time),
	}

	for _, p := range plans {
		motion, err := s.Motion(p)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", p.Agent.NodeID, err)
		}
		a, err := agent.New(p.Agent, agent.Deps{
			Scheduler: sched,
			Transport: w.medium,
			Flow:      opts.Flow,
			Logger:    opts.Logger,
			Metrics:   opts.Metrics,
			Reporter:  w,
			Locator:   w.position,
			Origin:    origin,
			Tracer:    opts.Tracer,
		})
		if err != nil {
			return nil, err
		}
		if err := w.registry.Register(a); err != nil {
			return nil, err
		}
		w.nodes[a.ID()] = &node{agent: a, motion: motion, active: true}
		w.medium.Attach(a.ID(), a)
	}

	for _, m := range s.Messages(plans) {
		sched.Schedule(s.Start.Add(m.At), func() { w.inject(m) })
	}
	for _, f := range s.Failures {
		ids := f.Nodes
		sched.Schedule(s.Start.Add(f.At), func() { w.fail(ids) })
	}
	clock.AddListener(w.onTick)
	return w, nil
}

// Registry exposes the agents of the run.
func (w *World) Registry() *Registry { return w.registry }

// Medium exposes the shared channel.
func (w *World) Medium() *Medium { return w.medium }

// Now returns the current simulation time.
func (w *World) Now() time.Time { return w.clock.Now() }

// Run starts every agent, then steps the clock until the scenario duration
// has elapsed or ctx is cancelled. The summary is returned in both cases;
// the error is ctx.Err() on cancellation.
func (w *World) Run(ctx context.Context) (Summary, error) {
	if w.logCtx {
		w.log = logging.LoggerFromContext(ctx)
	}
	start := w.clock.Now()
	w.refreshTopology(start)
	for i, id := range w.registry.IDs() {
		a, _ := w.registry.Get(id)
		a.Start(ctx, start.Add(a.Config().Cadence.Stagger(i)))
	}
	w.sched.RunDue()

	w.log.Info(ctx, "simulation started",
		logging.String("scenario", w.scenario.Name),
		logging.Int("nodes", w.registry.Len()),
		logging.Duration("duration", w.scenario.Duration),
		logging.Duration("tick", w.scenario.Tick),
	)
	err := w.clock.Run(ctx, w.scenario.Duration)

	for _, id := range w.registry.IDs() {
		a, _ := w.registry.Get(id)
		a.Stop()
	}
	sum := w.Summary()
	w.log.Info(ctx, "simulation finished",
		logging.Duration("elapsed", sum.Elapsed),
		logging.Int("generated", int(sum.Generated)),
		logging.Int("delivered", int(sum.Delivered)),
		logging.Float64("delivery_ratio", sum.DeliveryRatio),
		logging.Bool("interrupted", errors.Is(err, context.Canceled)),
	)
	return sum, err
}

func (w *World) onTick(now time.Time) {
	started := time.Now()
	w.refreshTopology(now)
	w.sched.RunDue()

	w.opts.SimMetrics.SetPendingEvents(w.sched.Pending())
	w.opts.SimMetrics.ObserveTick(time.Since(started))
}

// refreshTopology moves every active node, recomputes the contact graph and
// exchanges beacons across every contact. Pairs that were not in contact on
// the previous tick count as new encounters.
func (w *World) refreshTopology(now time.Time) {
	w.mu.Lock()
	dt := now.Sub(w.lastTick).Seconds()
	first := w.lastTick.IsZero()
	w.lastTick = now

	type moved struct {
		agent    *agent.Agent
		pos, vel model.Vec3
	}
	var active []*node
	var updates []moved
	for _, id := range w.registry.IDs() {
		n := w.nodes[id]
		if !n.active {
			continue
		}
		pos := n.motion.Position(now)
		var vel model.Vec3
		if !first && dt > 0 {
			vel = pos.Sub(n.pos).Scale(1 / dt)
		}
		n.pos = pos
		active = append(active, n)
		updates = append(updates, moved{agent: n.agent, pos: pos, vel: vel})
	}

	var pairs [][2]model.NodeID
	for i := 0; i < len(active); i++ {
		for j := i + 1; j < len(active); j++ {
			if w.policy.InContact(active[i].pos, active[j].pos) {
				pairs = append(pairs, [2]model.NodeID{active[i].agent.ID(), active[j].agent.ID()})
			}
		}
	}
	w.contacts = len(pairs)
	nodeCount := len(active)
	links := make(map[[2]model.NodeID]bool, len(pairs))
	fresh := make([]bool, len(pairs))
	for i, p := range pairs {
		links[p] = true
		if !w.links[p] {
			fresh[i] = true
			w.encounters++
		}
	}
	w.links = links
	w.mu.Unlock()

	for _, u := range updates {
		u.agent.SetKinematics(u.pos, u.vel)
	}
	w.medium.SetContacts(pairs)
	w.opts.SimMetrics.SetTopology(nodeCount, len(pairs))

	// Beacons are captured before any encounter is applied so both sides
	// see each other's pre-contact state.
	beacons := make(map[model.NodeID]model.Beacon, nodeCount)
	for _, n := range active {
		beacons[n.agent.ID()] = n.agent.Beacon(now)
	}
	// An encounter fires when a contact forms. While it lasts, beacons only
	// refresh the neighbour tables.
	for i, p := range pairs {
		a, _ := w.registry.Get(p[0])
		b, _ := w.registry.Get(p[1])
		if fresh[i] {
			a.OnEncounter(beacons[p[1]], now)
			b.OnEncounter(beacons[p[0]], now)
			continue
		}
		a.OnBeacon(beacons[p[1]], now)
		b.OnBeacon(beacons[p[0]], now)
	}
}

// position is the oracle Locator handed to scoring models.
func (w *World) position(id model.NodeID) (model.Vec3, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, ok := w.nodes[id]
	if !ok {
		return model.Vec3{}, false
	}
	return n.pos, true
}

func (w *World) inject(m config.Message) {
	now := w.sched.Now()
	ctx := context.Background()

	w.mu.Lock()
	n, ok := w.nodes[model.NodeID(m.From)]
	active := ok && n.active
	w.mu.Unlock()
	if !active {
		w.mu.Lock()
		w.rejected++
		w.mu.Unlock()
		w.log.Warn(ctx, "source offline; message not created", logging.String("from", m.From))
		return
	}

	prio, err := model.ParsePriority(m.Priority)
	if err == nil {
		_, err = n.agent.CreateBundle(model.NodeID(m.To), prio, []byte(m.Payload), now)
	}
	w.mu.Lock()
	if err != nil {
		w.rejected++
	} else {
		w.injected++
	}
	w.mu.Unlock()
	if err != nil {
		w.log.Warn(ctx, "message not created",
			logging.String("from", m.From),
			logging.String("to", m.To),
			logging.Err(err),
		)
	}
}

// fail takes nodes offline: their cycles stop and the medium no longer
// carries their frames.
func (w *World) fail(ids []string) {
	ctx := context.Background()
	for _, raw := range ids {
		id := model.NodeID(raw)
		w.mu.Lock()
		n, ok := w.nodes[id]
		if !ok || !n.active {
			w.mu.Unlock()
			continue
		}
		n.active = false
		w.failed = append(w.failed, id)
		w.mu.Unlock()

		n.agent.Stop()
		w.medium.Detach(id)
		w.log.Info(ctx, "node failed", logging.Node(raw))
	}
}

// ReportDelivery implements agent.DeliveryReporter. Every node on the
// delivered copy's path, except the destination, is told after ReportDelay.
func (w *World) ReportDelivery(b *model.Bundle, at time.Time) {
	w.mu.Lock()
	if _, seen := w.delivered[b.ID]; !seen {
		w.delivered[b.ID] = at
	}
	w.mu.Unlock()

	id := b.ID
	for _, hop := range b.RoutePath {
		if hop == b.Destination {
			continue
		}
		a, ok := w.registry.Get(hop)
		if !ok {
			continue
		}
		w.sched.Schedule(at.Add(w.opts.ReportDelay), func() { a.OnDeliveryReport(id, at) })
	}
}

// Delivered reports whether id reached its destination, and when first.
func (w *World) Delivered(id model.BundleID) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	at, ok := w.delivered[id]
	return at, ok
}
