// Package sim runs agents inside a simulated world: it moves nodes, detects
// contacts, carries frames between them and injects traffic.
package sim

import (
	"fmt"
	"sync"

	"github.com/signalsfoundry/dtn-router/internal/agent"
	"github.com/signalsfoundry/dtn-router/model"
)

// Registry maps node IDs to agents and remembers registration order.
type Registry struct {
	mu     sync.RWMutex
	agents map[model.NodeID]*agent.Agent
	order  []model.NodeID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[model.NodeID]*agent.Agent)}
}

// Register adds an agent. Returns an error if the ID is already registered.
func (r *Registry) Register(a *agent.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := a.ID()
	if _, exists := r.agents[id]; exists {
		return fmt.Errorf("agent %s already registered", id)
	}
	r.agents[id] = a
	r.order = append(r.order, id)
	return nil
}

// Get retrieves an agent by ID.
func (r *Registry) Get(id model.NodeID) (*agent.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Unregister removes an agent from the registry.
func (r *Registry) Unregister(id model.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return
	}
	delete(r.agents, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
}

// IDs returns registered IDs in registration order.
func (r *Registry) IDs() []model.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.NodeID(nil), r.order...)
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
