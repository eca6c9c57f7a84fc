// Package core holds the physical side of the simulation: geometry, node
// motion and the contact rules that decide which nodes can hear each other.
package core

import (
	"math"

	"github.com/signalsfoundry/dtn-router/model"
)

// EarthRadiusKm is the mean Earth radius used for all simple
// geometry calculations (kilometres).
const EarthRadiusKm = 6371.0

// LineOfSight checks whether the straight segment between p1 and p2
// clears the Earth sphere.
//
// All positions are ECEF in kilometres.
func LineOfSight(p1, p2 model.Vec3) bool {
	return clearsSphere(p1, p2, EarthRadiusKm)
}

func clearsSphere(p1, p2 model.Vec3, radius float64) bool {
	v := p2.Sub(p1)
	a := v.Dot(v)
	if a == 0 {
		// Same point: visible only if it is above the surface.
		return p1.Dot(p1) > radius*radius
	}

	// Closest point on the segment to the Earth's centre (origin).
	t := -p1.Dot(v) / a
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	closest := p1.Add(v.Scale(t))

	return closest.Dot(closest) > radius*radius
}

// ElevationDegrees returns the elevation angle of the target as seen from
// the observer, in degrees. 0° = geometric horizon, 90° = overhead.
func ElevationDegrees(observer, target model.Vec3) float64 {
	v := target.Sub(observer)
	vNorm := v.Norm()
	if vNorm == 0 {
		return 90
	}

	// Local zenith at observer is its normalised position vector.
	r := observer.Norm()
	if r == 0 {
		return 90
	}
	zenith := observer.Scale(1 / r)

	// atan2 of the vertical and horizontal components keeps full precision
	// near the zenith, where acos of the cosine does not.
	up := v.Dot(zenith)
	horizontal := v.Sub(zenith.Scale(up)).Norm()
	return math.Atan2(up, horizontal) * 180.0 / math.Pi
}

// AltitudeKm returns the height of p above the spherical Earth.
func AltitudeKm(p model.Vec3) float64 {
	return p.Norm() - EarthRadiusKm
}

// GeodeticToECEF converts latitude/longitude in degrees and altitude in
// kilometres to a position on the spherical Earth.
func GeodeticToECEF(latDeg, lonDeg, altKm float64) model.Vec3 {
	lat := latDeg * math.Pi / 180
	lon := lonDeg * math.Pi / 180
	r := EarthRadiusKm + altKm
	return model.Vec3{
		X: r * math.Cos(lat) * math.Cos(lon),
		Y: r * math.Cos(lat) * math.Sin(lon),
		Z: r * math.Sin(lat),
	}
}

// TangentPlane is a local east/north/up frame anchored at a surface point.
// Ground nodes move in this plane; their positions are converted to ECEF so
// they can be compared with orbital nodes.
type TangentPlane struct {
	origin          model.Vec3
	east, north, up model.Vec3
}

// NewTangentPlane anchors a plane at the given latitude and longitude.
func NewTangentPlane(latDeg, lonDeg float64) TangentPlane {
	lat := latDeg * math.Pi / 180
	lon := lonDeg * math.Pi / 180
	sinLat, cosLat := math.Sin(lat), math.Cos(lat)
	sinLon, cosLon := math.Sin(lon), math.Cos(lon)
	return TangentPlane{
		origin: GeodeticToECEF(latDeg, lonDeg, 0),
		east:   model.Vec3{X: -sinLon, Y: cosLon},
		north:  model.Vec3{X: -sinLat * cosLon, Y: -sinLat * sinLon, Z: cosLat},
		up:     model.Vec3{X: cosLat * cosLon, Y: cosLat * sinLon, Z: sinLat},
	}
}

// Origin returns the anchor point in ECEF.
func (p TangentPlane) Origin() model.Vec3 { return p.origin }

// ToECEF converts local east/north/up offsets in kilometres to ECEF.
func (p TangentPlane) ToECEF(eastKm, northKm, upKm float64) model.Vec3 {
	return p.origin.
		Add(p.east.Scale(eastKm)).
		Add(p.north.Scale(northKm)).
		Add(p.up.Scale(upKm))
}
