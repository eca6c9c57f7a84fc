package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SimCollector exposes metrics of the simulation harness itself.
type SimCollector struct {
	gatherer prometheus.Gatherer

	TickDuration    prometheus.Histogram
	Nodes           prometheus.Gauge
	Contacts        prometheus.Gauge
	EventsPending   prometheus.Gauge
	FramesDelivered prometheus.Counter
}

// NewSimCollector registers harness metrics against the provided registerer.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	tick := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_tick_duration_seconds",
		Help:    "Wall-clock time spent processing one simulation tick.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})
	tick, err := registerHistogram(reg, tick, "sim_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	nodes, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_nodes",
		Help: "Number of agents registered in the simulation.",
	}), "sim_nodes")
	if err != nil {
		return nil, err
	}
	contacts, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_contacts",
		Help: "Node pairs currently able to exchange frames.",
	}), "sim_contacts")
	if err != nil {
		return nil, err
	}
	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_events_pending",
		Help: "Events waiting in the simulation scheduler.",
	}), "sim_events_pending")
	if err != nil {
		return nil, err
	}

	frames := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_frames_delivered_total",
		Help: "Frames handed by the medium to a receiving node.",
	})
	frames, err = registerCounter(reg, frames, "sim_frames_delivered_total")
	if err != nil {
		return nil, err
	}

	return &SimCollector{
		gatherer:        gatherer,
		TickDuration:    tick,
		Nodes:           nodes,
		Contacts:        contacts,
		EventsPending:   pending,
		FramesDelivered: frames,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SimCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveTick records how long one tick took.
func (c *SimCollector) ObserveTick(d time.Duration) {
	if c == nil || c.TickDuration == nil {
		return
	}
	c.TickDuration.Observe(d.Seconds())
}

// SetTopology updates the node and contact gauges.
func (c *SimCollector) SetTopology(nodes, contacts int) {
	if c == nil {
		return
	}
	if c.Nodes != nil {
		c.Nodes.Set(float64(nodes))
	}
	if c.Contacts != nil {
		c.Contacts.Set(float64(contacts))
	}
}

// SetPendingEvents updates the scheduler queue depth gauge.
func (c *SimCollector) SetPendingEvents(n int) {
	if c == nil || c.EventsPending == nil {
		return
	}
	c.EventsPending.Set(float64(n))
}

// IncFramesDelivered counts n frame deliveries.
func (c *SimCollector) IncFramesDelivered(n int) {
	if c == nil || c.FramesDelivered == nil || n <= 0 {
		return
	}
	c.FramesDelivered.Add(float64(n))
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
