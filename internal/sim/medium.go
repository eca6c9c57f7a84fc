package sim

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/signalsfoundry/dtn-router/internal/observability"
	"github.com/signalsfoundry/dtn-router/internal/scheduler"
	"github.com/signalsfoundry/dtn-router/model"
)

// ErrUnknownSender is returned when a node that is not attached broadcasts.
var ErrUnknownSender = errors.New("sender is not attached to the medium")

// Receiver accepts frames from the medium.
type Receiver interface {
	HandleFrame(data []byte, now time.Time)
}

// MediumStats counts traffic carried by the medium.
type MediumStats struct {
	Broadcasts      uint64
	FramesDelivered uint64
	BytesDelivered  uint64
}

// Medium is the shared radio channel. A broadcast reaches every node
// currently in contact with the sender; each receiver gets its own copy of
// the bytes, delivered as a separate scheduler event after Latency.
type Medium struct {
	sched   scheduler.EventScheduler
	latency time.Duration
	metrics *observability.SimCollector

	mu        sync.Mutex
	receivers map[model.NodeID]Receiver
	contacts  map[model.NodeID][]model.NodeID
	stats     MediumStats
}

// NewMedium creates a medium that delivers through sched. metrics may be nil.
func NewMedium(sched scheduler.EventScheduler, latency time.Duration, metrics *observability.SimCollector) *Medium {
	return &Medium{
		sched:     sched,
		latency:   latency,
		metrics:   metrics,
		receivers: make(map[model.NodeID]Receiver),
		contacts:  make(map[model.NodeID][]model.NodeID),
	}
}

// Attach connects a receiver. Detached nodes neither send nor receive.
func (m *Medium) Attach(id model.NodeID, r Receiver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receivers[id] = r
}

// Detach disconnects a node; frames already in flight to it are dropped.
func (m *Medium) Detach(id model.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.receivers, id)
}

// SetContacts replaces the contact graph. pairs lists each undirected
// contact once.
func (m *Medium) SetContacts(pairs [][2]model.NodeID) {
	graph := make(map[model.NodeID][]model.NodeID)
	for _, p := range pairs {
		graph[p[0]] = append(graph[p[0]], p[1])
		graph[p[1]] = append(graph[p[1]], p[0])
	}
	for id := range graph {
		slices.Sort(graph[id])
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts = graph
}

// Neighbors returns the nodes currently in contact with id.
func (m *Medium) Neighbors(id model.NodeID) []model.NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.contacts[id])
}

// Broadcast implements routing.Transport. It never blocks on delivery.
func (m *Medium) Broadcast(from model.NodeID, frame []byte) error {
	m.mu.Lock()
	if _, ok := m.receivers[from]; !ok {
		m.mu.Unlock()
		return ErrUnknownSender
	}
	m.stats.Broadcasts++
	targets := slices.Clone(m.contacts[from])
	m.mu.Unlock()

	at := m.sched.Now().Add(m.latency)
	for _, to := range targets {
		data := slices.Clone(frame)
		m.sched.Schedule(at, func() { m.deliver(to, data) })
	}
	return nil
}

func (m *Medium) deliver(to model.NodeID, data []byte) {
	m.mu.Lock()
	r, ok := m.receivers[to]
	if ok {
		m.stats.FramesDelivered++
		m.stats.BytesDelivered += uint64(len(data))
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.metrics.IncFramesDelivered(1)
	r.HandleFrame(data, m.sched.Now())
}

// Stats returns a copy of the traffic counters.
func (m *Medium) Stats() MediumStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
