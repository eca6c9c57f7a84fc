// Package routing decides, once per forwarding cycle, which stored bundles a
// node transmits and to whom.
package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/dtn-router/internal/scoring"
	"github.com/signalsfoundry/dtn-router/internal/store"
	"github.com/signalsfoundry/dtn-router/internal/wire"
	"github.com/signalsfoundry/dtn-router/model"
)

const tracerName = "github.com/signalsfoundry/dtn-router/internal/routing"

// Kind selects the forwarding strategy.
type Kind string

const (
	KindEpidemic Kind = "epidemic"
	KindProphet  Kind = "prophet"
	KindSpray    Kind = "spray"
	KindScored   Kind = "scored"
)

// ErrUnknownKind is returned for strategy names that are not recognised.
var ErrUnknownKind = errors.New("unknown routing strategy")

// ParseKind maps a strategy name onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindEpidemic, KindProphet, KindSpray, KindScored:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// SkipReason explains why a candidate was not forwarded this cycle. Skips
// are expected steady-state outcomes, not errors.
type SkipReason int

const (
	SkipInsufficientEnergy SkipReason = iota
	SkipSprayBudgetExhausted
	SkipBelowThreshold
	SkipQuotaExhausted
	SkipNoContact
)

func (r SkipReason) String() string {
	switch r {
	case SkipInsufficientEnergy:
		return "insufficient_energy"
	case SkipSprayBudgetExhausted:
		return "spray_budget_exhausted"
	case SkipBelowThreshold:
		return "below_threshold"
	case SkipQuotaExhausted:
		return "quota_exhausted"
	case SkipNoContact:
		return "no_contact"
	default:
		return "unknown"
	}
}

// Config holds the per-strategy constants.
type Config struct {
	Kind Kind

	// Quota caps transmissions per cycle; 0 means unlimited.
	Quota int

	// Cooldown is the minimum spacing between forwards of the same bundle.
	Cooldown time.Duration

	// ContactWindow is how recently a neighbour must have been seen to be
	// considered reachable.
	ContactWindow time.Duration

	// SprayCopies is the copy budget a source assigns at creation.
	SprayCopies uint32

	// Scored acceptance threshold is ScoredBase + ScoredSlope*urgency.
	ScoredBase  float64
	ScoredSlope float64

	// EnergyPerByte is the battery fraction spent per payload byte sent.
	// Scored forwarding requires battery-EnergyReserve to cover it.
	EnergyPerByte float64
	EnergyReserve float64

	Prophet ProphetConfig
}

// DefaultConfig returns the constants for kind. Only epidemic routing is
// quota-limited by default.
func DefaultConfig(kind Kind) Config {
	cfg := Config{
		Kind:          kind,
		Cooldown:      time.Second,
		ContactWindow: 5 * time.Second,
		SprayCopies:   8,
		ScoredBase:    0.3,
		ScoredSlope:   0.4,
		EnergyPerByte: 1e-5,
		EnergyReserve: 0.1,
		Prophet:       DefaultProphetConfig(),
	}
	if kind == KindEpidemic {
		cfg.Quota = 5
	}
	return cfg
}

// Validate reports the first unusable field.
func (c Config) Validate() error {
	if _, err := ParseKind(string(c.Kind)); err != nil {
		return err
	}
	switch {
	case c.Quota < 0:
		return fmt.Errorf("quota %d must not be negative", c.Quota)
	case c.Cooldown < 0:
		return fmt.Errorf("cooldown %v must not be negative", c.Cooldown)
	case c.ContactWindow <= 0:
		return fmt.Errorf("contact window %v must be positive", c.ContactWindow)
	case c.EnergyPerByte < 0 || c.EnergyReserve < 0:
		return errors.New("energy constants must not be negative")
	}
	if c.Kind == KindProphet {
		return c.Prophet.Validate()
	}
	return nil
}

// Neighbors lists the peers currently reachable.
type Neighbors interface {
	InContact(now time.Time, window time.Duration) []*model.NeighborContext
}

// Scorer provides urgency and learned delivery estimates.
type Scorer interface {
	Urgency(b *model.Bundle, now time.Time) float64
	Estimate(b *model.Bundle, nb *model.NeighborContext, now time.Time) (float64, scoring.Features)
	Record(id model.BundleID, probability float64, x scoring.Features)
}

// Energy is the node's modelled battery.
type Energy interface {
	Battery() float64
	Spend(amount float64)
}

// Transport hands an encoded frame to the link layer. It must not block on
// acknowledgement.
type Transport interface {
	Broadcast(from model.NodeID, frame []byte) error
}

// Deps are the collaborators an Engine reads from and writes to. The engine
// does not own any of them.
type Deps struct {
	Self      model.NodeID
	Store     *store.Store
	Neighbors Neighbors
	Scorer    Scorer
	Energy    Energy
	Transport Transport
	Tracer    trace.Tracer
}

// Forward describes one transmission made during a cycle.
type Forward struct {
	// Bundle is a copy of the stored bundle after its counters were updated.
	Bundle  *model.Bundle
	NextHop model.NodeID

	// Direct is set when the frame went straight to the destination.
	Direct bool

	Energy float64

	// Err is the transport error, if any. A failed send still counts as a
	// forward: the link gives no delivery feedback either way.
	Err error
}

// Report summarises a cycle.
type Report struct {
	Forwards []Forward
	Skips    map[SkipReason]int
}

// Forwarded returns the number of transmissions made.
func (r Report) Forwarded() int { return len(r.Forwards) }

func (r *Report) skip(reason SkipReason) {
	if r.Skips == nil {
		r.Skips = make(map[SkipReason]int)
	}
	r.Skips[reason]++
}

// Engine runs one strategy for one node. It is not safe for concurrent use.
type Engine struct {
	cfg  Config
	deps Deps

	prophet *Predictability
	spray   map[model.BundleID]*sprayState
}

// New validates cfg and builds an engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("routing config: %w", err)
	}
	switch {
	case deps.Self == "":
		return nil, errors.New("routing: node id is required")
	case deps.Store == nil:
		return nil, errors.New("routing: store is required")
	case deps.Neighbors == nil:
		return nil, errors.New("routing: neighbour source is required")
	case deps.Transport == nil:
		return nil, errors.New("routing: transport is required")
	case cfg.Kind == KindScored && deps.Scorer == nil:
		return nil, errors.New("routing: scored strategy requires a scorer")
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}

	e := &Engine{cfg: cfg, deps: deps}
	switch cfg.Kind {
	case KindProphet:
		e.prophet = NewPredictability(deps.Self, cfg.Prophet)
	case KindSpray:
		e.spray = make(map[model.BundleID]*sprayState)
	}
	return e, nil
}

// Kind returns the active strategy.
func (e *Engine) Kind() Kind { return e.cfg.Kind }

// Config returns the engine constants.
func (e *Engine) Config() Config { return e.cfg }

// Cycle runs one forwarding decision over the store at now.
func (e *Engine) Cycle(ctx context.Context, now time.Time) Report {
	ctx, span := e.deps.Tracer.Start(ctx, "routing.cycle",
		trace.WithAttributes(
			attribute.String("dtn.node_id", string(e.deps.Self)),
			attribute.String("dtn.strategy", string(e.cfg.Kind)),
			attribute.Int("dtn.buffer_len", e.deps.Store.Len()),
		))
	defer span.End()

	var rep Report
	switch e.cfg.Kind {
	case KindEpidemic:
		e.epidemic(ctx, now, &rep)
	case KindProphet:
		e.prophetCycle(ctx, now, &rep)
	case KindSpray:
		e.sprayCycle(ctx, now, &rep)
	case KindScored:
		e.scoredCycle(ctx, now, &rep)
	}

	skipped := 0
	for _, n := range rep.Skips {
		skipped += n
	}
	span.SetAttributes(
		attribute.Int("dtn.forwards", rep.Forwarded()),
		attribute.Int("dtn.skips", skipped),
	)
	return rep
}

// OnEncounter feeds an encounter into strategy state. Only PROPHET keeps
// encounter-driven state.
func (e *Engine) OnEncounter(peer model.NodeID, peerPredictability map[model.NodeID]float64, now time.Time) {
	if e.prophet != nil {
		e.prophet.Encounter(peer, peerPredictability, now)
	}
}

// Predictability returns the node's advertised PROPHET vector, or nil for
// other strategies.
func (e *Engine) Predictability(now time.Time) map[model.NodeID]float64 {
	if e.prophet == nil {
		return nil
	}
	return e.prophet.Snapshot(now)
}

// Forget drops per-bundle strategy state for id.
func (e *Engine) Forget(id model.BundleID) {
	delete(e.spray, id)
}

func (e *Engine) quotaReached(rep *Report) bool {
	return e.cfg.Quota > 0 && len(rep.Forwards) >= e.cfg.Quota
}

func (e *Engine) contacts(now time.Time) []*model.NeighborContext {
	return e.deps.Neighbors.InContact(now, e.cfg.ContactWindow)
}

func findNeighbor(neighbors []*model.NeighborContext, id model.NodeID) *model.NeighborContext {
	for _, nb := range neighbors {
		if nb.NodeID == id {
			return nb
		}
	}
	return nil
}

func (e *Engine) energyCost(b *model.Bundle) float64 {
	return e.cfg.EnergyPerByte * float64(len(b.Payload))
}

// affordable reports whether the node can pay cost without dipping into
// its reserve.
func (e *Engine) affordable(cost float64) bool {
	if e.deps.Energy == nil {
		return true
	}
	return e.deps.Energy.Battery()-e.cfg.EnergyReserve >= cost
}

type frameOption func(*model.Bundle)

// send records the forward in the store, frames it and hands it to the
// transport. It reports false when the store refused (bundle gone or
// delivered), in which case nothing was sent.
func (e *Engine) send(ctx context.Context, id model.BundleID, nextHop model.NodeID, direct bool, now time.Time, rep *Report, opts ...frameOption) bool {
	sent, ok := e.deps.Store.MarkForwarded(id, now)
	if !ok {
		return false
	}

	cost := e.energyCost(sent)
	if cost > 0 {
		if e.deps.Energy != nil {
			e.deps.Energy.Spend(cost)
		}
		e.deps.Store.AddEnergyCost(id, cost)
		sent.EnergyCost += cost
	}

	framed := sent
	if len(opts) > 0 {
		framed = sent.Clone()
		for _, opt := range opts {
			opt(framed)
		}
	}

	frame, err := wire.Encode(wire.Frame{Bundle: framed, Sender: e.deps.Self, NextHop: nextHop})
	if err == nil {
		err = e.deps.Transport.Broadcast(e.deps.Self, frame)
	}
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err, trace.WithAttributes(
			attribute.String("dtn.bundle_id", id.String()),
		))
	}

	rep.Forwards = append(rep.Forwards, Forward{
		Bundle:  sent,
		NextHop: nextHop,
		Direct:  direct,
		Energy:  cost,
		Err:     err,
	})
	return true
}
