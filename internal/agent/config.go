package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/dtn-router/internal/cadence"
	"github.com/signalsfoundry/dtn-router/internal/routing"
	"github.com/signalsfoundry/dtn-router/internal/scoring"
	"github.com/signalsfoundry/dtn-router/model"
)

// ErrInvalidConfig wraps every configuration failure reported by New.
var ErrInvalidConfig = errors.New("invalid agent configuration")

// Defaults for fields left zero by callers that build a Config by hand.
const (
	DefaultTTL             = time.Hour
	DefaultIdleDrain       = 0.001
	DefaultDeliveredMemory = 1024
	initialSocialWeight    = 0.5
	initialTrust           = 0.8
)

// Config is everything one agent needs to know about itself. It is built
// per node, usually from the role table in internal/config.
type Config struct {
	NodeID model.NodeID
	Role   model.Role

	// Capacity is the bundle buffer size.
	Capacity int

	// TTL is applied to bundles this node creates.
	TTL time.Duration

	Cadence cadence.Policy
	Routing routing.Config
	Scoring scoring.Config

	// Seed initialises the scoring model weights.
	Seed uint64

	// MainsPowered nodes do not drain their battery while idle.
	MainsPowered bool
	IdleDrain    float64

	// MaxNeighbors caps the neighbour table.
	MaxNeighbors int

	// DeliveredMemory bounds how many delivered bundle IDs a destination
	// remembers to recognise duplicates.
	DeliveredMemory int
}

// DefaultConfig returns a usable configuration for id with the given
// buffer capacity, base cycle interval and strategy.
func DefaultConfig(id model.NodeID, role model.Role, capacity int, interval time.Duration, kind routing.Kind) Config {
	return Config{
		NodeID:          id,
		Role:            role,
		Capacity:        capacity,
		TTL:             DefaultTTL,
		Cadence:         cadence.DefaultPolicy(interval),
		Routing:         routing.DefaultConfig(kind),
		Scoring:         scoring.DefaultConfig(),
		IdleDrain:       DefaultIdleDrain,
		DeliveredMemory: DefaultDeliveredMemory,
	}
}

// Validate reports the first configuration error, wrapped in
// ErrInvalidConfig.
func (c Config) Validate() error {
	var err error
	switch {
	case c.NodeID == "":
		err = errors.New("node id is required")
	case c.Capacity <= 0:
		err = fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	case c.TTL < 0:
		err = fmt.Errorf("ttl must not be negative, got %v", c.TTL)
	case c.IdleDrain < 0:
		err = fmt.Errorf("idle drain must not be negative, got %v", c.IdleDrain)
	case c.DeliveredMemory < 0:
		err = fmt.Errorf("delivered memory must not be negative, got %d", c.DeliveredMemory)
	}
	if err == nil {
		err = c.Cadence.Validate()
	}
	if err == nil {
		err = c.Routing.Validate()
	}
	if err == nil {
		err = c.Scoring.Validate()
	}
	if err != nil {
		return fmt.Errorf("%w: node %q: %w", ErrInvalidConfig, c.NodeID, err)
	}
	return nil
}
