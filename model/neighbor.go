package model

import (
	"maps"
	"time"
)

// Role is the deployment category of a node. Buffer size, cycle cadence and
// power source are looked up per role.
type Role string

const (
	RoleCommandCenter  Role = "command_center"
	RoleResponder      Role = "responder"
	RoleCivilian       Role = "civilian"
	RoleRescueVehicle  Role = "rescue_vehicle"
	RoleDrone          Role = "drone"
	RoleShelter        Role = "shelter"
	RoleHospital       Role = "hospital"
	RoleIoTSensor      Role = "iot_sensor"
	RoleSatelliteRelay Role = "satellite_relay"
)

// NeighborContext is what a node knows about one neighbour as of the last
// encounter.
type NeighborContext struct {
	NodeID NodeID
	Role   Role

	Position Vec3 // ECEF, km
	Velocity Vec3 // km/s

	Battery         float64 // [0,1]
	BufferOccupancy int     // bundles held
	SocialWeight    float64 // [0,1]
	Trust           float64 // [0,1]

	// Encounters accumulates encounter weight per peer of this neighbour.
	Encounters map[NodeID]float64

	// Predictability is the neighbour's advertised delivery predictability
	// per destination.
	Predictability map[NodeID]float64

	LastContact time.Time
}

// Clone returns a deep copy of the context.
func (n *NeighborContext) Clone() *NeighborContext {
	if n == nil {
		return nil
	}
	c := *n
	c.Encounters = maps.Clone(n.Encounters)
	c.Predictability = maps.Clone(n.Predictability)
	return &c
}

// InContact reports whether the last contact happened within window of now.
func (n *NeighborContext) InContact(now time.Time, window time.Duration) bool {
	if n.LastContact.IsZero() {
		return false
	}
	return now.Sub(n.LastContact) <= window
}

// Beacon is the self-description a node advertises to peers it meets.
type Beacon struct {
	NodeID          NodeID
	Role            Role
	Position        Vec3
	Velocity        Vec3
	Battery         float64
	BufferOccupancy int
	SocialWeight    float64
	Trust           float64
	Predictability  map[NodeID]float64
}
