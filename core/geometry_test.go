package core

import (
	"math"
	"testing"

	"github.com/signalsfoundry/dtn-router/model"
)

func TestLineOfSight_NoObstruction(t *testing.T) {
	// Two satellites high and on the same side of Earth, separated in Y.
	posA := model.Vec3{X: 8000, Y: 0, Z: 0}
	posB := model.Vec3{X: 8000, Y: 1000, Z: 0}

	if !LineOfSight(posA, posB) {
		t.Errorf("expected LoS between two high satellites on same side of Earth")
	}
}

func TestLineOfSight_Obstructed(t *testing.T) {
	// Two points on opposite sides: the chord passes through the Earth.
	posA := model.Vec3{X: 7000, Y: 0, Z: 0}
	posB := model.Vec3{X: -7000, Y: 0, Z: 0}

	if LineOfSight(posA, posB) {
		t.Errorf("expected LoS to be blocked by Earth")
	}
}

func TestElevationDegrees(t *testing.T) {
	ground := GeodeticToECEF(0, 0, 0)

	if got := ElevationDegrees(ground, GeodeticToECEF(0, 0, 500)); math.Abs(got-90) > 1e-9 {
		t.Fatalf("overhead elevation = %v, want 90", got)
	}
	// A target along the local east axis sits on the geometric horizon.
	horizon := ground.Add(model.Vec3{Y: 1000})
	if got := ElevationDegrees(ground, horizon); math.Abs(got) > 1e-9 {
		t.Fatalf("horizon elevation = %v, want 0", got)
	}
	// Just off the zenith the angle must still resolve to sub-microdegree.
	tilted := ground.Add(model.Vec3{X: 1000, Y: 1e-3})
	want := 90 - math.Atan(1e-6)*180/math.Pi
	if got := ElevationDegrees(ground, tilted); math.Abs(got-want) > 1e-9 {
		t.Fatalf("near-zenith elevation = %v, want %v", got, want)
	}
	if got := ElevationDegrees(ground, ground.Sub(model.Vec3{X: 10})); math.Abs(got+90) > 1e-9 {
		t.Fatalf("nadir elevation = %v, want -90", got)
	}
}

func TestTangentPlaneToECEF(t *testing.T) {
	plane := NewTangentPlane(45, 10)
	if d := plane.ToECEF(0, 0, 0).DistanceTo(GeodeticToECEF(45, 10, 0)); d > 1e-9 {
		t.Fatalf("origin mismatch by %v km", d)
	}
	p := plane.ToECEF(0.3, 0.4, 0)
	if d := p.DistanceTo(plane.Origin()); math.Abs(d-0.5) > 1e-9 {
		t.Fatalf("offset distance = %v km, want 0.5", d)
	}
	up := plane.ToECEF(0, 0, 2)
	if alt := AltitudeKm(up); math.Abs(alt-2) > 1e-9 {
		t.Fatalf("up offset altitude = %v, want 2", alt)
	}
}
