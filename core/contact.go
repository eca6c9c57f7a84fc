package core

import "github.com/signalsfoundry/dtn-router/model"

// Contact rule defaults.
const (
	DefaultGroundRangeKm   = 0.25
	DefaultMinElevationDeg = 10.0
	DefaultSpaceAltitudeKm = 100.0

	// Surface terminals sit exactly on the sphere; the occlusion test is
	// run against a slightly smaller sphere so they do not occlude
	// themselves.
	surfaceToleranceKm = 1.0
)

// Blocker names the first rule that prevented a contact.
type Blocker int

const (
	Unblocked Blocker = iota
	BlockedRange
	BlockedLineOfSight
	BlockedElevation
)

func (b Blocker) String() string {
	switch b {
	case Unblocked:
		return "none"
	case BlockedRange:
		return "range"
	case BlockedLineOfSight:
		return "line_of_sight"
	case BlockedElevation:
		return "elevation"
	default:
		return "unknown"
	}
}

// ContactPolicy decides whether two positioned nodes can exchange frames.
// Ground pairs use a short radio range. Pairs with a node in space need
// line of sight, and ground-to-space pairs also need the space node above
// the ground terminal's elevation mask.
type ContactPolicy struct {
	// GroundRangeKm is the radio range between two surface nodes.
	GroundRangeKm float64

	// MinElevationDeg is the minimum elevation angle (degrees)
	// required for ground–space links.
	MinElevationDeg float64

	// SpaceAltitudeKm separates surface nodes from space nodes.
	SpaceAltitudeKm float64

	// SpaceRangeKm caps links involving a space node; 0 means unlimited.
	SpaceRangeKm float64
}

// DefaultContactPolicy returns the deployed contact rules.
func DefaultContactPolicy() ContactPolicy {
	return ContactPolicy{
		GroundRangeKm:   DefaultGroundRangeKm,
		MinElevationDeg: DefaultMinElevationDeg,
		SpaceAltitudeKm: DefaultSpaceAltitudeKm,
	}
}

// InSpace reports whether p is above the space altitude threshold.
func (cp ContactPolicy) InSpace(p model.Vec3) bool {
	return AltitudeKm(p) > cp.SpaceAltitudeKm
}

// Check returns Unblocked when a and b are in contact, otherwise the first
// rule that failed.
func (cp ContactPolicy) Check(a, b model.Vec3) Blocker {
	spaceA, spaceB := cp.InSpace(a), cp.InSpace(b)
	dist := a.DistanceTo(b)

	if !spaceA && !spaceB {
		if dist > cp.GroundRangeKm {
			return BlockedRange
		}
		return Unblocked
	}

	if cp.SpaceRangeKm > 0 && dist > cp.SpaceRangeKm {
		return BlockedRange
	}
	if !clearsSphere(a, b, EarthRadiusKm-surfaceToleranceKm) {
		return BlockedLineOfSight
	}
	if spaceA != spaceB {
		ground, sat := a, b
		if spaceA {
			ground, sat = b, a
		}
		if ElevationDegrees(ground, sat) < cp.MinElevationDeg {
			return BlockedElevation
		}
	}
	return Unblocked
}

// InContact reports whether a and b can exchange frames.
func (cp ContactPolicy) InContact(a, b model.Vec3) bool {
	return cp.Check(a, b) == Unblocked
}
