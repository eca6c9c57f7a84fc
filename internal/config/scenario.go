package config

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/dtn-router/core"
	"github.com/signalsfoundry/dtn-router/internal/agent"
	"github.com/signalsfoundry/dtn-router/internal/routing"
	"github.com/signalsfoundry/dtn-router/model"
)

// ErrInvalidScenario wraps every scenario validation failure.
var ErrInvalidScenario = errors.New("invalid scenario")

// Scenario is the YAML description of one simulation run. Times inside the
// run (messages, failures) are offsets from Start.
type Scenario struct {
	Name     string        `yaml:"name"`
	Start    time.Time     `yaml:"start"`
	Duration time.Duration `yaml:"duration"`
	Tick     time.Duration `yaml:"tick"`
	Seed     uint64        `yaml:"seed"`
	Strategy string        `yaml:"strategy"`
	TTL      time.Duration `yaml:"ttl"`

	Origin   Origin   `yaml:"origin"`
	Contact  Contact  `yaml:"contact"`
	Waypoint Waypoint `yaml:"waypoint"`

	Groups   []Group   `yaml:"groups"`
	Nodes    []Node    `yaml:"nodes"`
	Traffic  Traffic   `yaml:"traffic"`
	Failures []Failure `yaml:"failures"`
}

// Origin anchors the ground plane.
type Origin struct {
	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
}

// Contact overrides the contact rules.
type Contact struct {
	GroundRangeKm   float64 `yaml:"ground_range_km"`
	MinElevationDeg float64 `yaml:"min_elevation_deg"`
	SpaceRangeKm    float64 `yaml:"space_range_km"`
}

// Waypoint configures random-waypoint walkers. Speeds are in m/s.
type Waypoint struct {
	HalfWidthKm  float64       `yaml:"half_width_km"`
	HalfHeightKm float64       `yaml:"half_height_km"`
	MinSpeedMps  float64       `yaml:"min_speed_mps"`
	MaxSpeedMps  float64       `yaml:"max_speed_mps"`
	Pause        time.Duration `yaml:"pause"`
}

// Group expands into Count nodes named "<prefix>-<i>", cycling through Roles.
// Static members are laid out on a grid starting at the south-west corner of
// the waypoint area.
type Group struct {
	Prefix        string   `yaml:"prefix"`
	Count         int      `yaml:"count"`
	Roles         []string `yaml:"roles"`
	Strategy      string   `yaml:"strategy"`
	Mobility      string   `yaml:"mobility"`
	GridSpacingKm float64  `yaml:"grid_spacing_km"`
	GridWidth     int      `yaml:"grid_width"`
}

// Node declares one node explicitly. Zero fields fall back to the role table.
type Node struct {
	ID       string        `yaml:"id"`
	Role     string        `yaml:"role"`
	Strategy string        `yaml:"strategy"`
	Capacity int           `yaml:"capacity"`
	Interval time.Duration `yaml:"interval"`
	Mobility string        `yaml:"mobility"`
	Position Offset        `yaml:"position"`
	TLE      []string      `yaml:"tle"`
}

// Offset is a position in the local tangent plane.
type Offset struct {
	EastKm  float64 `yaml:"east_km"`
	NorthKm float64 `yaml:"north_km"`
	UpKm    float64 `yaml:"up_km"`
}

// Traffic lists scripted messages and an optional generated pattern.
type Traffic struct {
	Messages []Message `yaml:"messages"`
	Pattern  *Pattern  `yaml:"pattern"`
}

// Message is one bundle created at At by From for To.
type Message struct {
	At       time.Duration `yaml:"at"`
	From     string        `yaml:"from"`
	To       string        `yaml:"to"`
	Priority string        `yaml:"priority"`
	Payload  string        `yaml:"payload"`
}

// Pattern generates Count messages, one every Every from Start. Message i
// goes from node i mod n to node (i + n/2) mod n with priority i mod 4.
type Pattern struct {
	Count   int           `yaml:"count"`
	Start   time.Duration `yaml:"start"`
	Every   time.Duration `yaml:"every"`
	Payload string        `yaml:"payload"`
}

// Failure stops the listed nodes at At.
type Failure struct {
	At    time.Duration `yaml:"at"`
	Nodes []string      `yaml:"nodes"`
}

// NodePlan is a fully resolved node: its agent configuration and how it
// moves.
type NodePlan struct {
	Agent    agent.Config
	Mobility Mobility
	Position Offset
	TLE      []string
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Parse decodes and validates a scenario from YAML bytes.
func Parse(data []byte) (*Scenario, error) {
	return Decode(bytes.NewReader(data))
}

// Decode reads YAML from r, fills defaults and validates. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func Decode(r io.Reader) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Default reproduces the reference disaster deployment: twenty mobile nodes
// walking a 1 km square, ten fixed sites on a 200 m grid, two scripted
// alerts and an infrastructure failure half-way through.
func Default() *Scenario {
	s := &Scenario{
		Name: "disaster-response",
		Groups: []Group{
			{
				Prefix: "mobile",
				Count:  20,
				Roles: []string{
					string(model.RoleCommandCenter),
					string(model.RoleResponder),
					string(model.RoleCivilian),
					string(model.RoleRescueVehicle),
					string(model.RoleDrone),
				},
			},
			{
				Prefix: "static",
				Count:  10,
				Roles: []string{
					string(model.RoleShelter),
					string(model.RoleHospital),
					string(model.RoleIoTSensor),
				},
			},
		},
		Traffic: Traffic{Messages: []Message{
			{At: 10 * time.Second, From: "mobile-1", To: "mobile-0", Priority: "emergency",
				Payload: "EMERGENCY: Building collapse at coordinates (500,300)"},
			{At: 10 * time.Second, From: "mobile-5", To: "mobile-6", Priority: "medical",
				Payload: "MEDICAL: Injured person needs immediate assistance"},
		}},
		Failures: []Failure{
			{At: 300 * time.Second, Nodes: []string{"static-0", "static-1", "static-2"}},
		},
	}
	s.applyDefaults()
	return s
}

func (s *Scenario) applyDefaults() {
	if s.Start.IsZero() {
		s.Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if s.Duration == 0 {
		s.Duration = 600 * time.Second
	}
	if s.Tick == 0 {
		s.Tick = time.Second
	}
	if s.Seed == 0 {
		s.Seed = 1
	}
	if s.Strategy == "" {
		s.Strategy = string(routing.KindEpidemic)
	}
	if s.TTL == 0 {
		s.TTL = agent.DefaultTTL
	}
	if s.Contact.GroundRangeKm == 0 {
		s.Contact.GroundRangeKm = core.DefaultGroundRangeKm
	}
	if s.Contact.MinElevationDeg == 0 {
		s.Contact.MinElevationDeg = core.DefaultMinElevationDeg
	}
	if s.Waypoint.HalfWidthKm == 0 {
		s.Waypoint.HalfWidthKm = 0.5
	}
	if s.Waypoint.HalfHeightKm == 0 {
		s.Waypoint.HalfHeightKm = 0.5
	}
	if s.Waypoint.MinSpeedMps == 0 {
		s.Waypoint.MinSpeedMps = 1
	}
	if s.Waypoint.MaxSpeedMps == 0 {
		s.Waypoint.MaxSpeedMps = 20
	}
	if s.Waypoint.Pause == 0 {
		s.Waypoint.Pause = 2 * time.Second
	}
	for i := range s.Groups {
		g := &s.Groups[i]
		if g.GridSpacingKm == 0 {
			g.GridSpacingKm = 0.2
		}
		if g.GridWidth == 0 {
			g.GridWidth = 5
		}
	}
}

// Shorten sets the run duration to d and drops scripted messages and
// failures scheduled after it. It returns how many of each were dropped.
// The generated pattern is left alone; messages it would place past the
// end are simply never reached.
func (s *Scenario) Shorten(d time.Duration) (messages, failures int) {
	s.Duration = d
	kept := s.Traffic.Messages[:0]
	for _, m := range s.Traffic.Messages {
		if m.At > d {
			messages++
			continue
		}
		kept = append(kept, m)
	}
	s.Traffic.Messages = kept

	keptFailures := s.Failures[:0]
	for _, f := range s.Failures {
		if f.At > d {
			failures++
			continue
		}
		keptFailures = append(keptFailures, f)
	}
	s.Failures = keptFailures
	return messages, failures
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidScenario, fmt.Sprintf(format, args...))
}

// Validate reports the first problem with the scenario.
func (s *Scenario) Validate() error {
	switch {
	case s.Duration <= 0:
		return invalid("duration must be positive, got %v", s.Duration)
	case s.Tick <= 0 || s.Tick > s.Duration:
		return invalid("tick %v must be positive and no longer than the run", s.Tick)
	case s.TTL < 0:
		return invalid("ttl must not be negative, got %v", s.TTL)
	case s.Contact.GroundRangeKm < 0 || s.Contact.SpaceRangeKm < 0:
		return invalid("contact ranges must not be negative")
	}
	if _, err := routing.ParseKind(s.Strategy); err != nil {
		return invalid("%v", err)
	}
	if err := s.WaypointConfig().Validate(); err != nil {
		return invalid("waypoint: %v", err)
	}

	plans, err := s.Plan()
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		return invalid("no nodes declared")
	}
	known := make(map[model.NodeID]bool, len(plans))
	for _, p := range plans {
		known[p.Agent.NodeID] = true
	}

	for i, m := range s.Traffic.Messages {
		switch {
		case !known[model.NodeID(m.From)]:
			return invalid("message %d: unknown source %q", i, m.From)
		case !known[model.NodeID(m.To)]:
			return invalid("message %d: unknown destination %q", i, m.To)
		case m.From == m.To:
			return invalid("message %d: source and destination are both %q", i, m.From)
		case m.At < 0 || m.At > s.Duration:
			return invalid("message %d: time %v outside the run", i, m.At)
		}
		if _, err := model.ParsePriority(m.Priority); err != nil {
			return invalid("message %d: %v", i, err)
		}
	}
	if p := s.Traffic.Pattern; p != nil {
		if p.Count < 0 || p.Start < 0 || (p.Count > 1 && p.Every <= 0) {
			return invalid("traffic pattern needs a non-negative count and start and a positive interval")
		}
		if p.Count > 0 && len(plans) < 2 {
			return invalid("traffic pattern needs at least two nodes")
		}
	}
	for i, f := range s.Failures {
		if f.At < 0 || f.At > s.Duration {
			return invalid("failure %d: time %v outside the run", i, f.At)
		}
		for _, id := range f.Nodes {
			if !known[model.NodeID(id)] {
				return invalid("failure %d: unknown node %q", i, id)
			}
		}
	}
	return nil
}

// Plan expands groups and explicit nodes into resolved node plans, groups
// first, in declaration order.
func (s *Scenario) Plan() ([]NodePlan, error) {
	var plans []NodePlan
	seen := make(map[model.NodeID]bool)

	add := func(p NodePlan) error {
		id := p.Agent.NodeID
		if id == "" {
			return invalid("node id is required")
		}
		if seen[id] {
			return invalid("duplicate node id %q", id)
		}
		seen[id] = true
		p.Agent.Seed = s.Seed + uint64(len(plans))
		p.Agent.TTL = s.TTL
		if err := p.Agent.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidScenario, err)
		}
		plans = append(plans, p)
		return nil
	}

	for gi, g := range s.Groups {
		if g.Prefix == "" || g.Count < 0 || (g.Count > 0 && len(g.Roles) == 0) {
			return nil, invalid("group %d needs a prefix, a non-negative count and at least one role", gi)
		}
		if g.GridWidth <= 0 || g.GridSpacingKm < 0 {
			return nil, invalid("group %q: grid width must be positive and spacing non-negative", g.Prefix)
		}
		for i := 0; i < g.Count; i++ {
			profile, err := LookupRole(g.Roles[i%len(g.Roles)])
			if err != nil {
				return nil, invalid("group %q: %v", g.Prefix, err)
			}
			plan, err := s.resolve(profile, model.NodeID(fmt.Sprintf("%s-%d", g.Prefix, i)), firstNonEmpty(g.Strategy, s.Strategy), g.Mobility)
			if err != nil {
				return nil, err
			}
			if plan.Mobility == MobilityStatic {
				plan.Position = Offset{
					EastKm:  -s.Waypoint.HalfWidthKm + float64(i%g.GridWidth)*g.GridSpacingKm,
					NorthKm: -s.Waypoint.HalfHeightKm + float64(i/g.GridWidth)*g.GridSpacingKm,
				}
			}
			if plan.Mobility == MobilityOrbital {
				return nil, invalid("group %q: orbital nodes must be declared individually with a TLE", g.Prefix)
			}
			if err := add(plan); err != nil {
				return nil, err
			}
		}
	}

	for _, n := range s.Nodes {
		profile, err := LookupRole(n.Role)
		if err != nil {
			return nil, invalid("node %q: %v", n.ID, err)
		}
		plan, err := s.resolve(profile, model.NodeID(n.ID), firstNonEmpty(n.Strategy, s.Strategy), n.Mobility)
		if err != nil {
			return nil, err
		}
		if n.Capacity > 0 {
			plan.Agent.Capacity = n.Capacity
		}
		if n.Interval > 0 {
			plan.Agent.Cadence.Base = n.Interval
		}
		plan.Position = n.Position
		if plan.Mobility == MobilityOrbital {
			if len(n.TLE) != 2 {
				return nil, invalid("node %q: orbital mobility needs two TLE lines", n.ID)
			}
			plan.TLE = n.TLE
		}
		if err := add(plan); err != nil {
			return nil, err
		}
	}
	return plans, nil
}

func (s *Scenario) resolve(profile RoleProfile, id model.NodeID, strategy, mobility string) (NodePlan, error) {
	kind, err := routing.ParseKind(strategy)
	if err != nil {
		return NodePlan{}, invalid("node %q: %v", id, err)
	}
	plan := NodePlan{Agent: profile.AgentConfig(id, kind), Mobility: profile.Mobility}
	if mobility != "" {
		switch m := Mobility(mobility); m {
		case MobilityStatic, MobilityWaypoint, MobilityOrbital:
			plan.Mobility = m
		default:
			return NodePlan{}, invalid("node %q: unknown mobility %q", id, mobility)
		}
	}
	return plan, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Messages returns scripted and generated messages in time order. Generated
// messages use plans for their endpoints.
func (s *Scenario) Messages(plans []NodePlan) []Message {
	out := append([]Message(nil), s.Traffic.Messages...)
	if p := s.Traffic.Pattern; p != nil && len(plans) >= 2 {
		n := len(plans)
		for i := 0; i < p.Count; i++ {
			payload := p.Payload
			if payload == "" {
				payload = "DTN message"
			}
			out = append(out, Message{
				At:       p.Start + time.Duration(i)*p.Every,
				From:     string(plans[i%n].Agent.NodeID),
				To:       string(plans[(i+n/2)%n].Agent.NodeID),
				Priority: model.Priority(i % 4).String(),
				Payload:  fmt.Sprintf("%s %d", payload, i),
			})
		}
	}
	// Stable so scripted messages stay ahead of generated ones at equal
	// times.
	slices.SortStableFunc(out, func(a, b Message) int { return cmp.Compare(a.At, b.At) })
	return out
}

// ContactPolicy returns the contact rules for the run.
func (s *Scenario) ContactPolicy() core.ContactPolicy {
	cp := core.DefaultContactPolicy()
	cp.GroundRangeKm = s.Contact.GroundRangeKm
	cp.MinElevationDeg = s.Contact.MinElevationDeg
	cp.SpaceRangeKm = s.Contact.SpaceRangeKm
	return cp
}

// WaypointConfig converts the walker settings to kilometres per second.
func (s *Scenario) WaypointConfig() core.WaypointConfig {
	return core.WaypointConfig{
		HalfWidthKm:  s.Waypoint.HalfWidthKm,
		HalfHeightKm: s.Waypoint.HalfHeightKm,
		MinSpeedKmps: s.Waypoint.MinSpeedMps / 1000,
		MaxSpeedKmps: s.Waypoint.MaxSpeedMps / 1000,
		Pause:        s.Waypoint.Pause,
	}
}

// Plane returns the ground tangent plane.
func (s *Scenario) Plane() core.TangentPlane {
	return core.NewTangentPlane(s.Origin.Lat, s.Origin.Lon)
}

// Motion builds the motion model for a plan.
func (s *Scenario) Motion(p NodePlan) (core.MotionModel, error) {
	plane := s.Plane()
	switch p.Mobility {
	case MobilityWaypoint:
		return core.NewRandomWaypointMotionModel(s.WaypointConfig(), plane, s.Start, p.Agent.Seed)
	case MobilityOrbital:
		if len(p.TLE) != 2 {
			return nil, fmt.Errorf("node %q: orbital mobility needs two TLE lines", p.Agent.NodeID)
		}
		return core.NewOrbitalModelFromTLE(p.TLE[0], p.TLE[1])
	default:
		return &core.StaticMotionModel{At: plane.ToECEF(p.Position.EastKm, p.Position.NorthKm, p.Position.UpKm)}, nil
	}
}
