package core

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/dtn-router/model"
)

// MotionModel yields a node's ECEF position (km) at a simulation time.
// Callers query with non-decreasing times.
type MotionModel interface {
	Position(t time.Time) model.Vec3
}

// StaticMotionModel never moves.
type StaticMotionModel struct {
	At model.Vec3
}

// Position returns the fixed position.
func (m *StaticMotionModel) Position(time.Time) model.Vec3 { return m.At }

// ErrInvalidTLE is returned for two-line element sets that cannot be parsed.
var ErrInvalidTLE = errors.New("invalid TLE")

// OrbitalSGP4MotionModel uses a TLE and SGP4 to propagate a satellite.
type OrbitalSGP4MotionModel struct {
	sat satellite.Satellite
}

// NewOrbitalModelFromTLE constructs an orbital model from TLE lines.
func NewOrbitalModelFromTLE(line1, line2 string) (*OrbitalSGP4MotionModel, error) {
	line1, line2 = strings.TrimSpace(line1), strings.TrimSpace(line2)
	if len(line1) < 69 || !strings.HasPrefix(line1, "1 ") {
		return nil, fmt.Errorf("%w: line 1 %q", ErrInvalidTLE, line1)
	}
	if len(line2) < 69 || !strings.HasPrefix(line2, "2 ") {
		return nil, fmt.Errorf("%w: line 2 %q", ErrInvalidTLE, line2)
	}
	sat := satellite.TLEToSat(line1, line2, satellite.GravityWGS72)
	return &OrbitalSGP4MotionModel{sat: sat}, nil
}

// Position propagates the satellite to t. go-satellite works in kilometres,
// as does the rest of the simulation.
func (m *OrbitalSGP4MotionModel) Position(t time.Time) model.Vec3 {
	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	posECI, _ := satellite.Propagate(m.sat, year, int(month), day, hour, min, sec)
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	gmst := satellite.ThetaG_JD(jd)
	posECEF := satellite.ECIToECEF(posECI, gmst)

	return model.Vec3{X: posECEF.X, Y: posECEF.Y, Z: posECEF.Z}
}

// WaypointConfig describes a random-waypoint walk inside a rectangle of the
// tangent plane.
type WaypointConfig struct {
	// Area is the half-extent of the walk area around the plane origin.
	HalfWidthKm  float64
	HalfHeightKm float64

	// Speeds are drawn uniformly from [MinSpeed, MaxSpeed] per leg, in km/s.
	MinSpeedKmps float64
	MaxSpeedKmps float64

	// Pause is how long the node rests at each waypoint.
	Pause time.Duration
}

// Validate reports the first unusable field.
func (c WaypointConfig) Validate() error {
	switch {
	case c.HalfWidthKm <= 0 || c.HalfHeightKm <= 0:
		return errors.New("waypoint area must have a positive extent")
	case c.MinSpeedKmps <= 0 || c.MaxSpeedKmps < c.MinSpeedKmps:
		return fmt.Errorf("waypoint speed range [%v, %v] is invalid", c.MinSpeedKmps, c.MaxSpeedKmps)
	case c.Pause < 0:
		return fmt.Errorf("waypoint pause %v must not be negative", c.Pause)
	}
	return nil
}

type point struct{ east, north float64 }

// RandomWaypointMotionModel walks between uniformly drawn waypoints at a
// random speed, pausing at each. A seeded source makes walks reproducible.
type RandomWaypointMotionModel struct {
	cfg   WaypointConfig
	plane TangentPlane
	rng   *rand.Rand

	from, to  point
	departAt  time.Time
	arriveAt  time.Time
	nextStart time.Time
}

// NewRandomWaypointMotionModel starts a walk at a random point at start.
func NewRandomWaypointMotionModel(cfg WaypointConfig, plane TangentPlane, start time.Time, seed uint64) (*RandomWaypointMotionModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &RandomWaypointMotionModel{
		cfg:   cfg,
		plane: plane,
		rng:   rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d)),
	}
	m.to = m.randomPoint()
	m.nextStart = start
	m.nextLeg()
	return m, nil
}

func (m *RandomWaypointMotionModel) randomPoint() point {
	return point{
		east:  (m.rng.Float64()*2 - 1) * m.cfg.HalfWidthKm,
		north: (m.rng.Float64()*2 - 1) * m.cfg.HalfHeightKm,
	}
}

func (m *RandomWaypointMotionModel) nextLeg() {
	m.from = m.to
	m.to = m.randomPoint()
	speed := m.cfg.MinSpeedKmps + m.rng.Float64()*(m.cfg.MaxSpeedKmps-m.cfg.MinSpeedKmps)
	dist := model.Vec3{X: m.to.east - m.from.east, Y: m.to.north - m.from.north}.Norm()
	travel := time.Duration(dist / speed * float64(time.Second))
	if travel+m.cfg.Pause <= 0 {
		travel = time.Second
	}
	m.departAt = m.nextStart
	m.arriveAt = m.departAt.Add(travel)
	m.nextStart = m.arriveAt.Add(m.cfg.Pause)
}

// local returns the plane coordinates at t.
func (m *RandomWaypointMotionModel) local(t time.Time) point {
	for !t.Before(m.nextStart) {
		m.nextLeg()
	}
	switch {
	case !t.After(m.departAt):
		return m.from
	case !t.Before(m.arriveAt):
		return m.to
	}
	f := float64(t.Sub(m.departAt)) / float64(m.arriveAt.Sub(m.departAt))
	return point{
		east:  m.from.east + f*(m.to.east-m.from.east),
		north: m.from.north + f*(m.to.north-m.from.north),
	}
}

// Position returns the ECEF position at t.
func (m *RandomWaypointMotionModel) Position(t time.Time) model.Vec3 {
	p := m.local(t)
	return m.plane.ToECEF(p.east, p.north, 0)
}

// Offset returns the east/north offset from the plane origin at t.
func (m *RandomWaypointMotionModel) Offset(t time.Time) (eastKm, northKm float64) {
	p := m.local(t)
	return p.east, p.north
}
