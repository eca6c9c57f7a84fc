// Package observability wires Prometheus metrics and OpenTelemetry tracing
// for agents and the simulation harness.
package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/dtn-router/model"
)

// DTNCollector bundles Prometheus metrics for bundle routing. It is the
// metrics Recorder handed to every agent; all agents of a run share one
// collector and are told apart by role.
type DTNCollector struct {
	gatherer prometheus.Gatherer

	Created         *prometheus.CounterVec
	Forwarded       *prometheus.CounterVec
	Received        *prometheus.CounterVec
	Delivered       *prometheus.CounterVec
	Dropped         *prometheus.CounterVec
	Expired         *prometheus.CounterVec
	Skips           *prometheus.CounterVec
	TransportErrors *prometheus.CounterVec
	FlowLogFailures prometheus.Counter

	BufferOccupancy *prometheus.HistogramVec
	CycleDuration   *prometheus.HistogramVec
	DeliveryDelay   *prometheus.HistogramVec
}

// NewDTNCollector registers routing metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewDTNCollector(reg prometheus.Registerer) (*DTNCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	counter := func(name, help string, labels ...string) (*prometheus.CounterVec, error) {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
		return registerCounterVec(reg, vec, name)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) (*prometheus.HistogramVec, error) {
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
		return registerHistogramVec(reg, vec, name)
	}

	c := &DTNCollector{gatherer: gatherer}
	var err error
	if c.Created, err = counter("dtn_bundles_created_total",
		"Bundles originated, labeled by node role.", "role"); err != nil {
		return nil, err
	}
	if c.Forwarded, err = counter("dtn_bundles_forwarded_total",
		"Bundle transmissions, labeled by role, routing strategy and whether the hand-off was direct.",
		"role", "strategy", "direct"); err != nil {
		return nil, err
	}
	if c.Received, err = counter("dtn_bundles_received_total",
		"Bundles accepted into a relay buffer.", "role"); err != nil {
		return nil, err
	}
	if c.Delivered, err = counter("dtn_bundles_delivered_total",
		"Bundles delivered to their destination.", "role"); err != nil {
		return nil, err
	}
	if c.Dropped, err = counter("dtn_bundles_dropped_total",
		"Bundles refused by a buffer, labeled by reason.", "role", "reason"); err != nil {
		return nil, err
	}
	if c.Expired, err = counter("dtn_bundles_expired_total",
		"Bundles evicted after their TTL elapsed.", "role"); err != nil {
		return nil, err
	}
	if c.Skips, err = counter("dtn_forward_skips_total",
		"Forwarding opportunities declined, labeled by reason.", "role", "reason"); err != nil {
		return nil, err
	}
	if c.TransportErrors, err = counter("dtn_transport_errors_total",
		"Frames the link layer failed to accept.", "role"); err != nil {
		return nil, err
	}
	if c.FlowLogFailures, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dtn_flowlog_failures_total",
		Help: "Flow log records that could not be written.",
	}), "dtn_flowlog_failures_total"); err != nil {
		return nil, err
	}
	if c.BufferOccupancy, err = histogram("dtn_buffer_occupancy_ratio",
		"Buffer fill ratio sampled at the end of each forwarding cycle.",
		[]float64{0.05, 0.1, 0.2, 0.4, 0.6, 0.8, 0.9, 1}, "role"); err != nil {
		return nil, err
	}
	if c.CycleDuration, err = histogram("dtn_cycle_duration_seconds",
		"Wall-clock time spent in one forwarding cycle.",
		[]float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1}, "role"); err != nil {
		return nil, err
	}
	if c.DeliveryDelay, err = histogram("dtn_delivery_delay_seconds",
		"Simulated time from bundle creation to delivery.",
		[]float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600}, "role"); err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *DTNCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *DTNCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *DTNCollector) BundleCreated(role model.Role) {
	if c == nil {
		return
	}
	c.Created.WithLabelValues(string(role)).Inc()
}

func (c *DTNCollector) BundleForwarded(role model.Role, strategy string, direct bool) {
	if c == nil {
		return
	}
	c.Forwarded.WithLabelValues(string(role), strategy, strconv.FormatBool(direct)).Inc()
}

func (c *DTNCollector) BundleReceived(role model.Role) {
	if c == nil {
		return
	}
	c.Received.WithLabelValues(string(role)).Inc()
}

func (c *DTNCollector) BundleDelivered(role model.Role, delay time.Duration) {
	if c == nil {
		return
	}
	c.Delivered.WithLabelValues(string(role)).Inc()
	c.DeliveryDelay.WithLabelValues(string(role)).Observe(delay.Seconds())
}

func (c *DTNCollector) BundleDropped(role model.Role, reason string) {
	if c == nil {
		return
	}
	c.Dropped.WithLabelValues(string(role), reason).Inc()
}

func (c *DTNCollector) BundlesExpired(role model.Role, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Expired.WithLabelValues(string(role)).Add(float64(n))
}

func (c *DTNCollector) ForwardSkipped(role model.Role, reason string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Skips.WithLabelValues(string(role), reason).Add(float64(n))
}

func (c *DTNCollector) TransportError(role model.Role) {
	if c == nil {
		return
	}
	c.TransportErrors.WithLabelValues(string(role)).Inc()
}

func (c *DTNCollector) FlowLogFailure() {
	if c == nil {
		return
	}
	c.FlowLogFailures.Inc()
}

// CycleCompleted records the cost and buffer state of one cycle.
func (c *DTNCollector) CycleCompleted(role model.Role, elapsed time.Duration, occupancy float64) {
	if c == nil {
		return
	}
	c.CycleDuration.WithLabelValues(string(role)).Observe(elapsed.Seconds())
	c.BufferOccupancy.WithLabelValues(string(role)).Observe(occupancy)
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
