// Package config turns scenario files and the role table into per-node
// agent configurations.
package config

import (
	"fmt"
	"slices"
	"time"

	"github.com/signalsfoundry/dtn-router/internal/agent"
	"github.com/signalsfoundry/dtn-router/internal/routing"
	"github.com/signalsfoundry/dtn-router/model"
)

// Mobility names how a node moves.
type Mobility string

const (
	MobilityStatic   Mobility = "static"
	MobilityWaypoint Mobility = "waypoint"
	MobilityOrbital  Mobility = "orbital"
)

// RoleProfile holds the per-role defaults.
type RoleProfile struct {
	Role         model.Role
	Capacity     int
	Interval     time.Duration
	MainsPowered bool
	Mobility     Mobility
}

var roleTable = map[model.Role]RoleProfile{
	model.RoleCommandCenter:  {Role: model.RoleCommandCenter, Capacity: 1000, Interval: 5 * time.Second, MainsPowered: true, Mobility: MobilityWaypoint},
	model.RoleResponder:      {Role: model.RoleResponder, Capacity: 500, Interval: 7 * time.Second, Mobility: MobilityWaypoint},
	model.RoleCivilian:       {Role: model.RoleCivilian, Capacity: 50, Interval: 15 * time.Second, Mobility: MobilityWaypoint},
	model.RoleRescueVehicle:  {Role: model.RoleRescueVehicle, Capacity: 800, Interval: 6 * time.Second, MainsPowered: true, Mobility: MobilityWaypoint},
	model.RoleDrone:          {Role: model.RoleDrone, Capacity: 200, Interval: 3 * time.Second, Mobility: MobilityWaypoint},
	model.RoleShelter:        {Role: model.RoleShelter, Capacity: 2000, Interval: 8 * time.Second, MainsPowered: true, Mobility: MobilityStatic},
	model.RoleHospital:       {Role: model.RoleHospital, Capacity: 1500, Interval: 4 * time.Second, MainsPowered: true, Mobility: MobilityStatic},
	model.RoleIoTSensor:      {Role: model.RoleIoTSensor, Capacity: 20, Interval: 30 * time.Second, Mobility: MobilityStatic},
	model.RoleSatelliteRelay: {Role: model.RoleSatelliteRelay, Capacity: 300, Interval: 10 * time.Second, Mobility: MobilityOrbital},
}

// LookupRole returns the profile for a role name.
func LookupRole(name string) (RoleProfile, error) {
	p, ok := roleTable[model.Role(name)]
	if !ok {
		return RoleProfile{}, fmt.Errorf("unknown role %q", name)
	}
	return p, nil
}

// Roles lists every known role in a stable order.
func Roles() []model.Role {
	out := make([]model.Role, 0, len(roleTable))
	for r := range roleTable {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

// AgentConfig builds the agent configuration for a node of this role.
func (p RoleProfile) AgentConfig(id model.NodeID, kind routing.Kind) agent.Config {
	cfg := agent.DefaultConfig(id, p.Role, p.Capacity, p.Interval, kind)
	cfg.MainsPowered = p.MainsPowered
	return cfg
}
