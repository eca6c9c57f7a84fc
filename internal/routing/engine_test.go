package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/signalsfoundry/dtn-router/internal/scoring"
	"github.com/signalsfoundry/dtn-router/internal/store"
	"github.com/signalsfoundry/dtn-router/internal/wire"
	"github.com/signalsfoundry/dtn-router/model"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recordingTransport struct {
	frames []wire.Frame
	err    error
}

func (r *recordingTransport) Broadcast(from model.NodeID, frame []byte) error {
	f, err := wire.Decode(frame)
	if err != nil {
		return fmt.Errorf("test transport got undecodable frame: %w", err)
	}
	if f.Sender != from {
		return fmt.Errorf("frame sender %q does not match %q", f.Sender, from)
	}
	r.frames = append(r.frames, f)
	return r.err
}

type neighborList struct {
	list []*model.NeighborContext
}

func (n *neighborList) InContact(time.Time, time.Duration) []*model.NeighborContext {
	return n.list
}

func (n *neighborList) set(ids ...model.NodeID) {
	n.list = n.list[:0]
	for _, id := range ids {
		n.list = append(n.list, &model.NeighborContext{NodeID: id, LastContact: t0})
	}
}

type battery struct{ level float64 }

func (b *battery) Battery() float64     { return b.level }
func (b *battery) Spend(amount float64) { b.level -= amount }

type fakeScorer struct {
	urgency  float64
	probs    map[model.NodeID]float64
	recorded map[model.BundleID]float64
}

func (f *fakeScorer) Urgency(*model.Bundle, time.Time) float64 { return f.urgency }

func (f *fakeScorer) Estimate(_ *model.Bundle, nb *model.NeighborContext, _ time.Time) (float64, scoring.Features) {
	return f.probs[nb.NodeID], scoring.Features{}
}

func (f *fakeScorer) Record(id model.BundleID, p float64, _ scoring.Features) {
	if f.recorded == nil {
		f.recorded = make(map[model.BundleID]float64)
	}
	f.recorded[id] = p
}

type harness struct {
	engine    *Engine
	store     *store.Store
	transport *recordingTransport
	neighbors *neighborList
	energy    *battery
}

func newHarness(t *testing.T, cfg Config, scorer Scorer) *harness {
	t.Helper()
	st, err := store.New(50)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	h := &harness{
		store:     st,
		transport: &recordingTransport{},
		neighbors: &neighborList{},
		energy:    &battery{level: 1},
	}
	h.engine, err = New(cfg, Deps{
		Self:      "x",
		Store:     st,
		Neighbors: h.neighbors,
		Scorer:    scorer,
		Energy:    h.energy,
		Transport: h.transport,
	})
	if err != nil {
		t.Fatalf("routing.New: %v", err)
	}
	return h
}

func (h *harness) add(t *testing.T, seq uint64, dest model.NodeID, ttl time.Duration) model.BundleID {
	t.Helper()
	b := &model.Bundle{
		ID:          model.BundleID{Source: "x", Seq: seq},
		Source:      "x",
		Destination: dest,
		CreatedAt:   t0,
		TTL:         ttl,
		Payload:     []byte("status"),
		RoutePath:   []model.NodeID{"x"},
		SprayBudget: h.engine.Config().SprayCopies,
	}
	if err := h.store.Insert(b); err != nil {
		t.Fatalf("insert %d: %v", seq, err)
	}
	return b.ID
}

func TestParseKind(t *testing.T) {
	for _, name := range []string{"epidemic", "PROPHET", " spray ", "scored"} {
		if _, err := ParseKind(name); err != nil {
			t.Fatalf("ParseKind(%q): %v", name, err)
		}
	}
	if _, err := ParseKind("flooding"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("ParseKind(flooding) = %v, want ErrUnknownKind", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	st, _ := store.New(1)
	deps := Deps{Self: "x", Store: st, Neighbors: &neighborList{}, Transport: &recordingTransport{}}

	cfg := DefaultConfig(KindEpidemic)
	cfg.Quota = -1
	if _, err := New(cfg, deps); err == nil {
		t.Fatalf("negative quota accepted")
	}
	if _, err := New(DefaultConfig(KindScored), deps); err == nil {
		t.Fatalf("scored strategy without scorer accepted")
	}
	if _, err := New(Config{Kind: "nope", ContactWindow: time.Second}, deps); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("unknown kind error = %v", err)
	}
}

func TestEpidemicForwardsAndCountsHop(t *testing.T) {
	h := newHarness(t, DefaultConfig(KindEpidemic), nil)
	id := h.add(t, 1, "y", 300*time.Second)

	rep := h.engine.Cycle(context.Background(), t0.Add(time.Second))
	if rep.Forwarded() != 1 {
		t.Fatalf("forwards = %d, want 1", rep.Forwarded())
	}
	if len(h.transport.frames) != 1 || h.transport.frames[0].NextHop != model.Broadcast {
		t.Fatalf("expected one broadcast frame, got %+v", h.transport.frames)
	}
	held, _ := h.store.Get(id)
	if held.HopCount != 1 {
		t.Fatalf("hop count = %d, want 1", held.HopCount)
	}

	if got := h.store.EvictExpired(t0.Add(301 * time.Second)); len(got) != 1 {
		t.Fatalf("undelivered bundle not evicted after ttl")
	}
}

func TestEpidemicQuotaDefersRemainder(t *testing.T) {
	h := newHarness(t, DefaultConfig(KindEpidemic), nil)
	for i := 1; i <= 8; i++ {
		h.add(t, uint64(i), "y", time.Hour)
	}

	now := t0.Add(time.Second)
	rep := h.engine.Cycle(context.Background(), now)
	if rep.Forwarded() != 5 {
		t.Fatalf("first cycle forwards = %d, want quota 5", rep.Forwarded())
	}
	if rep.Skips[SkipQuotaExhausted] != 3 {
		t.Fatalf("quota skips = %d, want 3", rep.Skips[SkipQuotaExhausted])
	}

	// Inside the cooldown only the deferred three are eligible.
	rep = h.engine.Cycle(context.Background(), now.Add(500*time.Millisecond))
	if rep.Forwarded() != 3 {
		t.Fatalf("second cycle forwards = %d, want 3", rep.Forwarded())
	}
	for i, f := range rep.Forwards {
		if want := uint64(6 + i); f.Bundle.ID.Seq != want {
			t.Fatalf("forward %d was seq %d, want %d", i, f.Bundle.ID.Seq, want)
		}
	}
}

func TestDeliveredBundleIsNeverForwarded(t *testing.T) {
	for _, kind := range []Kind{KindEpidemic, KindProphet, KindSpray, KindScored} {
		scorer := &fakeScorer{probs: map[model.NodeID]float64{"a": 0.99}}
		h := newHarness(t, DefaultConfig(kind), scorer)
		h.neighbors.set("a", "y")
		id := h.add(t, 1, "y", time.Hour)
		h.store.MarkDelivered(id)

		rep := h.engine.Cycle(context.Background(), t0.Add(time.Second))
		if rep.Forwarded() != 0 || len(h.transport.frames) != 0 {
			t.Fatalf("%s: delivered bundle forwarded", kind)
		}
	}
}

func TestTransportErrorStillCountsForward(t *testing.T) {
	h := newHarness(t, DefaultConfig(KindEpidemic), nil)
	h.transport.err = errors.New("radio off")
	id := h.add(t, 1, "y", time.Hour)

	rep := h.engine.Cycle(context.Background(), t0.Add(time.Second))
	if rep.Forwarded() != 1 || rep.Forwards[0].Err == nil {
		t.Fatalf("expected one forward carrying the transport error, got %+v", rep.Forwards)
	}
	held, _ := h.store.Get(id)
	if held.Retransmissions != 1 {
		t.Fatalf("forward rolled back after transport error")
	}
}

func TestSprayForwardsNeverExceedBudget(t *testing.T) {
	cfg := DefaultConfig(KindSpray)
	cfg.SprayCopies = 3
	h := newHarness(t, cfg, nil)
	id := h.add(t, 1, "y", time.Hour)
	ctx := context.Background()

	h.neighbors.set("a", "b")
	h.engine.Cycle(ctx, t0.Add(1*time.Second))
	h.engine.Cycle(ctx, t0.Add(2*time.Second))
	h.neighbors.set("a", "b", "c")
	h.engine.Cycle(ctx, t0.Add(3*time.Second))

	if left, _ := h.engine.SprayRemaining(id); left != 0 {
		t.Fatalf("remaining copies = %d, want 0", left)
	}

	h.neighbors.set("d")
	rep := h.engine.Cycle(ctx, t0.Add(4*time.Second))
	if rep.Forwarded() != 0 || rep.Skips[SkipSprayBudgetExhausted] != 1 {
		t.Fatalf("exhausted bundle forwarded: %+v", rep)
	}

	h.neighbors.set("d", "y")
	rep = h.engine.Cycle(ctx, t0.Add(5*time.Second))
	if rep.Forwarded() != 1 || !rep.Forwards[0].Direct || rep.Forwards[0].NextHop != "y" {
		t.Fatalf("expected direct hand-off to y, got %+v", rep.Forwards)
	}
	if h.store.Contains(id) {
		t.Fatalf("bundle kept after hand-off to destination")
	}

	relayed := 0
	seen := map[model.NodeID]bool{}
	for _, f := range h.transport.frames {
		if f.Bundle.SprayBudget != 0 {
			t.Fatalf("relay frame carried spray budget %d", f.Bundle.SprayBudget)
		}
		if f.NextHop != "y" {
			relayed++
			if seen[f.NextHop] {
				t.Fatalf("neighbor %s received two copies", f.NextHop)
			}
			seen[f.NextHop] = true
		}
	}
	if relayed != 3 {
		t.Fatalf("relayed copies = %d, want 3", relayed)
	}
}

func TestSprayRelayWaitsForDestination(t *testing.T) {
	h := newHarness(t, DefaultConfig(KindSpray), nil)
	relayed := &model.Bundle{
		ID:          model.BundleID{Source: "s", Seq: 9},
		Source:      "s",
		Destination: "y",
		CreatedAt:   t0,
		TTL:         time.Hour,
		RoutePath:   []model.NodeID{"s", "x"},
	}
	_ = h.store.Insert(relayed)
	h.neighbors.set("a")

	rep := h.engine.Cycle(context.Background(), t0.Add(time.Second))
	if rep.Forwarded() != 0 || rep.Skips[SkipSprayBudgetExhausted] != 1 {
		t.Fatalf("relay with zero budget should wait, got %+v", rep)
	}
}

func TestScoredSelectsFirstNeighborAboveThreshold(t *testing.T) {
	scorer := &fakeScorer{urgency: 0.9, probs: map[model.NodeID]float64{"n1": 0.5, "n2": 0.7, "n3": 0.8}}
	h := newHarness(t, DefaultConfig(KindScored), scorer)
	h.neighbors.set("n1", "n2", "n3")
	id := h.add(t, 1, "y", time.Hour)

	if got := h.engine.Config().Threshold(0.9); math.Abs(got-0.66) > 1e-9 {
		t.Fatalf("threshold = %v, want 0.66", got)
	}

	rep := h.engine.Cycle(context.Background(), t0.Add(time.Second))
	if rep.Forwarded() != 1 {
		t.Fatalf("forwards = %d, want exactly 1", rep.Forwarded())
	}
	if rep.Forwards[0].NextHop != "n2" {
		t.Fatalf("selected %s, want n2", rep.Forwards[0].NextHop)
	}
	if p, ok := scorer.recorded[id]; !ok || p != 0.7 {
		t.Fatalf("prediction not recorded for learning: %v", scorer.recorded)
	}
	held, _ := h.store.Get(id)
	if held.UrgencyScore != 0.9 || held.DeliveryProbability != 0.7 {
		t.Fatalf("scores not stored: urgency=%v p=%v", held.UrgencyScore, held.DeliveryProbability)
	}
}

func TestScoredBelowThreshold(t *testing.T) {
	scorer := &fakeScorer{urgency: 0.9, probs: map[model.NodeID]float64{"n1": 0.5, "n2": 0.66}}
	h := newHarness(t, DefaultConfig(KindScored), scorer)
	h.neighbors.set("n1", "n2")
	h.add(t, 1, "y", time.Hour)

	rep := h.engine.Cycle(context.Background(), t0.Add(time.Second))
	if rep.Forwarded() != 0 || rep.Skips[SkipBelowThreshold] != 1 {
		t.Fatalf("expected below-threshold skip, got %+v", rep)
	}
	if len(scorer.recorded) != 0 {
		t.Fatalf("skipped bundle should not record a prediction")
	}
}

func TestScoredRefusesWithoutEnergy(t *testing.T) {
	cfg := DefaultConfig(KindScored)
	cfg.EnergyPerByte = 0.01
	scorer := &fakeScorer{probs: map[model.NodeID]float64{"n1": 0.9}}
	h := newHarness(t, cfg, scorer)
	h.neighbors.set("n1")
	id := h.add(t, 1, "y", time.Hour) // 6-byte payload costs 0.06
	h.energy.level = 0.15

	rep := h.engine.Cycle(context.Background(), t0.Add(time.Second))
	if rep.Forwarded() != 0 || rep.Skips[SkipInsufficientEnergy] != 1 {
		t.Fatalf("expected energy refusal, got %+v", rep)
	}
	held, _ := h.store.Get(id)
	if held.HopCount != 0 || held.Retransmissions != 0 || !held.LastForwardAt.IsZero() {
		t.Fatalf("refused forward mutated the bundle: %+v", held)
	}
	if h.energy.level != 0.15 {
		t.Fatalf("battery charged for a refused forward: %v", h.energy.level)
	}

	h.energy.level = 0.2
	rep = h.engine.Cycle(context.Background(), t0.Add(2*time.Second))
	if rep.Forwarded() != 1 {
		t.Fatalf("affordable forward refused: %+v", rep)
	}
	if math.Abs(h.energy.level-0.14) > 1e-9 {
		t.Fatalf("battery after send = %v, want 0.14", h.energy.level)
	}
	held, _ = h.store.Get(id)
	if math.Abs(held.EnergyCost-0.06) > 1e-9 {
		t.Fatalf("bundle energy cost = %v, want 0.06", held.EnergyCost)
	}
}

func TestCycleRecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	st, _ := store.New(4)
	e, err := New(DefaultConfig(KindEpidemic), Deps{
		Self:      "x",
		Store:     st,
		Neighbors: &neighborList{},
		Transport: &recordingTransport{},
		Tracer:    tp.Tracer("test"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.Cycle(context.Background(), t0)

	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "routing.cycle" {
		t.Fatalf("expected one routing.cycle span, got %d", len(spans))
	}
	found := false
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "dtn.strategy" && kv.Value.AsString() == "epidemic" {
			found = true
		}
	}
	if !found {
		t.Fatalf("span missing strategy attribute: %v", spans[0].Attributes())
	}
}
