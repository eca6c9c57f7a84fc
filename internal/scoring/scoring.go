// Package scoring computes bundle urgency and learned per-neighbour delivery
// probabilities.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/signalsfoundry/dtn-router/model"
)

// NumFeatures is the width of the delivery-probability feature vector.
const NumFeatures = 8

// Feature vector layout.
const (
	FeatureDistance = iota
	FeatureBattery
	FeatureOccupancy
	FeatureSocial
	FeatureTrust
	FeaturePriority
	FeatureAge
	FeatureHops
)

// Features is one input row for the delivery predictor.
type Features [NumFeatures]float64

// ErrNilRand indicates New was called without a random source.
var ErrNilRand = errors.New("scoring: nil random source")

// Config holds the model constants. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	LearningRate float64

	// Normalisation scales for the feature vector.
	DistanceScaleKm float64
	OccupancyScale  float64
	AgeScale        time.Duration
	HopScale        float64

	// Initial weights are drawn uniformly from [-WeightRange, WeightRange].
	WeightRange float64

	// MaxTracked bounds how many forward-time predictions are remembered
	// while waiting for an outcome.
	MaxTracked int
}

// DefaultConfig returns the constants used by the deployed engine.
func DefaultConfig() Config {
	return Config{
		LearningRate:    0.01,
		DistanceScaleKm: 1.0,
		OccupancyScale:  100,
		AgeScale:        time.Hour,
		HopScale:        10,
		WeightRange:     0.5,
		MaxTracked:      4096,
	}
}

// Validate checks that every constant is usable.
func (c Config) Validate() error {
	switch {
	case c.LearningRate <= 0:
		return fmt.Errorf("learning rate must be positive, got %v", c.LearningRate)
	case c.DistanceScaleKm <= 0, c.OccupancyScale <= 0, c.HopScale <= 0, c.AgeScale <= 0:
		return errors.New("normalisation scales must be positive")
	case c.WeightRange < 0:
		return fmt.Errorf("weight range must be non-negative, got %v", c.WeightRange)
	case c.MaxTracked <= 0:
		return fmt.Errorf("max tracked predictions must be positive, got %d", c.MaxTracked)
	}
	return nil
}

// Locator resolves the last known position of a node.
type Locator func(model.NodeID) (model.Vec3, bool)

// Option customises Model construction.
type Option func(*Model)

// WithLocator lets the distance feature measure how far a neighbour is from
// the bundle's destination.
func WithLocator(l Locator) Option {
	return func(m *Model) {
		m.locate = l
	}
}

// WithOrigin sets the reference point the distance feature falls back to
// when the destination cannot be located. It defaults to the zero vector.
func WithOrigin(origin model.Vec3) Option {
	return func(m *Model) {
		m.origin = origin
	}
}

type prediction struct {
	probability float64
	features    Features
}

// Model is a per-node logistic predictor. Weights are local to the node and
// never shared.
type Model struct {
	cfg     Config
	weights Features
	locate  Locator
	origin  model.Vec3
	pending *lru.Cache[model.BundleID, prediction]
}

// New builds a model whose initial weights come from rng.
func New(cfg Config, rng *rand.Rand, opts ...Option) (*Model, error) {
	if rng == nil {
		return nil, ErrNilRand
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scoring config: %w", err)
	}
	pending, err := lru.New[model.BundleID, prediction](cfg.MaxTracked)
	if err != nil {
		return nil, fmt.Errorf("prediction cache: %w", err)
	}

	m := &Model{cfg: cfg, pending: pending}
	for i := range m.weights {
		m.weights[i] = (rng.Float64()*2 - 1) * cfg.WeightRange
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// NewSeeded builds a model with a deterministic PCG source.
func NewSeeded(cfg Config, seed uint64, opts ...Option) (*Model, error) {
	return New(cfg, rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), opts...)
}

var priorityBase = map[model.Priority]float64{
	model.PriorityEmergency: 1.0,
	model.PriorityMedical:   0.8,
	model.PriorityGeneral:   0.5,
	model.PriorityLow:       0.2,
}

// Urgency scores how pressing a bundle is at now, in [0,1]. It grows as the
// TTL runs out and shrinks with every retransmission.
func (m *Model) Urgency(b *model.Bundle, now time.Time) float64 {
	base, ok := priorityBase[b.Priority]
	if !ok {
		base = priorityBase[model.PriorityLow]
	}
	u := base + 0.5*(1-b.RemainingTTLFraction(now)) - 0.1*float64(b.Retransmissions)
	return clamp01(u)
}

// Features builds the predictor input for handing b to nb at now.
func (m *Model) Features(b *model.Bundle, nb *model.NeighborContext, now time.Time) Features {
	var x Features

	// An unknown destination measures the neighbour against the origin.
	target := m.origin
	if m.locate != nil {
		if dst, ok := m.locate(b.Destination); ok {
			target = dst
		}
	}
	x[FeatureDistance] = math.Min(1, nb.Position.DistanceTo(target)/m.cfg.DistanceScaleKm)
	x[FeatureBattery] = clamp01(nb.Battery)
	x[FeatureOccupancy] = math.Min(1, float64(nb.BufferOccupancy)/m.cfg.OccupancyScale)
	x[FeatureSocial] = clamp01(nb.SocialWeight)
	x[FeatureTrust] = clamp01(nb.Trust)
	x[FeaturePriority] = float64(b.Priority) / float64(model.PriorityLow)
	x[FeatureAge] = math.Min(1, float64(b.Age(now))/float64(m.cfg.AgeScale))
	x[FeatureHops] = math.Min(1, float64(b.HopCount)/m.cfg.HopScale)
	return x
}

// Predict applies the weights and the logistic function to x.
func (m *Model) Predict(x Features) float64 {
	var sum float64
	for i, w := range m.weights {
		sum += w * x[i]
	}
	return sigmoid(sum)
}

// DeliveryProbability estimates whether handing b to nb leads to delivery.
func (m *Model) DeliveryProbability(b *model.Bundle, nb *model.NeighborContext, now time.Time) float64 {
	return m.Predict(m.Features(b, nb, now))
}

// Estimate returns the delivery probability together with the features it
// was computed from, ready to be passed to Record.
func (m *Model) Estimate(b *model.Bundle, nb *model.NeighborContext, now time.Time) (float64, Features) {
	x := m.Features(b, nb, now)
	return m.Predict(x), x
}

// Record remembers the prediction made when id was forwarded so a later
// outcome can correct the weights.
func (m *Model) Record(id model.BundleID, probability float64, x Features) {
	m.pending.Add(id, prediction{probability: probability, features: x})
}

// Tracked reports whether a prediction for id is awaiting an outcome.
func (m *Model) Tracked(id model.BundleID) bool {
	return m.pending.Contains(id)
}

// UpdateFromOutcome takes one gradient step on the log-loss of the recorded
// prediction for id. The linear model only uses the binary outcome;
// observedDelay is accepted so callers can report it uniformly. It reports
// whether a recorded prediction was consumed.
func (m *Model) UpdateFromOutcome(id model.BundleID, delivered bool, observedDelay time.Duration) bool {
	p, ok := m.pending.Get(id)
	if !ok {
		return false
	}
	m.pending.Remove(id)

	target := 0.0
	if delivered {
		target = 1.0
	}
	step := m.cfg.LearningRate * (target - p.probability)
	for i := range m.weights {
		m.weights[i] += step * p.features[i]
	}
	return true
}

// Weights returns a copy of the current weight vector.
func (m *Model) Weights() Features {
	return m.weights
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
