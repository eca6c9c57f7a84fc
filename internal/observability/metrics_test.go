package observability

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel"

	"github.com/signalsfoundry/dtn-router/internal/agent"
	"github.com/signalsfoundry/dtn-router/model"
)

var _ agent.Recorder = (*DTNCollector)(nil)

func TestDTNCollectorCountsBundleLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewDTNCollector(reg)
	if err != nil {
		t.Fatalf("NewDTNCollector: %v", err)
	}

	c.BundleCreated(model.RoleCivilian)
	c.BundleForwarded(model.RoleCivilian, "epidemic", false)
	c.BundleForwarded(model.RoleCivilian, "epidemic", true)
	c.BundleReceived(model.RoleDrone)
	c.BundleDelivered(model.RoleRescueVehicle, 42*time.Second)
	c.BundleDropped(model.RoleDrone, "buffer_full")
	c.BundlesExpired(model.RoleDrone, 3)
	c.BundlesExpired(model.RoleDrone, 0)
	c.ForwardSkipped(model.RoleCivilian, "below_threshold", 2)
	c.TransportError(model.RoleCivilian)
	c.FlowLogFailure()

	cases := []struct {
		name string
		got  float64
		want float64
	}{
		{"created", testutil.ToFloat64(c.Created.WithLabelValues("civilian")), 1},
		{"forwarded relay", testutil.ToFloat64(c.Forwarded.WithLabelValues("civilian", "epidemic", "false")), 1},
		{"forwarded direct", testutil.ToFloat64(c.Forwarded.WithLabelValues("civilian", "epidemic", "true")), 1},
		{"received", testutil.ToFloat64(c.Received.WithLabelValues("drone")), 1},
		{"delivered", testutil.ToFloat64(c.Delivered.WithLabelValues("rescue_vehicle")), 1},
		{"dropped", testutil.ToFloat64(c.Dropped.WithLabelValues("drone", "buffer_full")), 1},
		{"expired", testutil.ToFloat64(c.Expired.WithLabelValues("drone")), 3},
		{"skips", testutil.ToFloat64(c.Skips.WithLabelValues("civilian", "below_threshold")), 2},
		{"transport errors", testutil.ToFloat64(c.TransportErrors.WithLabelValues("civilian")), 1},
		{"flowlog failures", testutil.ToFloat64(c.FlowLogFailures), 1},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Fatalf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}

	if count := histogramSampleCount(t, reg, "dtn_delivery_delay_seconds", map[string]string{"role": "rescue_vehicle"}); count != 1 {
		t.Fatalf("dtn_delivery_delay_seconds sample_count = %d, want 1", count)
	}
}

func TestDTNCollectorCycleHistograms(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewDTNCollector(reg)
	if err != nil {
		t.Fatalf("NewDTNCollector: %v", err)
	}
	c.CycleCompleted(model.RoleDrone, 200*time.Microsecond, 0.25)
	c.CycleCompleted(model.RoleDrone, 300*time.Microsecond, 0.5)

	for _, name := range []string{"dtn_cycle_duration_seconds", "dtn_buffer_occupancy_ratio"} {
		if count := histogramSampleCount(t, reg, name, map[string]string{"role": "drone"}); count != 2 {
			t.Fatalf("%s sample_count = %d, want 2", name, count)
		}
	}
}

func TestDTNCollectorReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewDTNCollector(reg)
	if err != nil {
		t.Fatalf("NewDTNCollector: %v", err)
	}
	second, err := NewDTNCollector(reg)
	if err != nil {
		t.Fatalf("second NewDTNCollector: %v", err)
	}
	first.BundleCreated(model.RoleDrone)
	second.BundleCreated(model.RoleDrone)
	if got := testutil.ToFloat64(first.Created.WithLabelValues("drone")); got != 2 {
		t.Fatalf("shared counter = %v, want 2", got)
	}
}

func TestNilCollectorsAreSafe(t *testing.T) {
	var c *DTNCollector
	c.BundleCreated(model.RoleDrone)
	c.BundleDelivered(model.RoleDrone, time.Second)
	c.CycleCompleted(model.RoleDrone, time.Millisecond, 1)
	c.FlowLogFailure()
	if c.Gatherer() != nil {
		t.Fatalf("nil collector should have no gatherer")
	}

	var s *SimCollector
	s.ObserveTick(time.Millisecond)
	s.SetTopology(3, 2)
	s.SetPendingEvents(4)
	s.IncFramesDelivered(1)
}

func TestMetricsHandlerExposesRoutingAndSimMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewDTNCollector(reg)
	if err != nil {
		t.Fatalf("NewDTNCollector: %v", err)
	}
	sim, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}
	c.BundleCreated(model.RoleCivilian)
	c.CycleCompleted(model.RoleCivilian, time.Millisecond, 0.1)
	sim.SetTopology(7, 3)
	sim.SetPendingEvents(11)
	sim.ObserveTick(2 * time.Millisecond)
	sim.IncFramesDelivered(5)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"dtn_bundles_created_total",
		"dtn_cycle_duration_seconds",
		"dtn_buffer_occupancy_ratio",
		"sim_nodes 7",
		"sim_contacts 3",
		"sim_events_pending 11",
		"sim_tick_duration_seconds",
		"sim_frames_delivered_total 5",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func TestInitTracingStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	shutdown, err := InitTracing(ctx, TracingConfig{
		Enabled:     true,
		ServiceName: "dtnsim-test",
		Exporter:    "stdout",
		SampleRatio: 1,
		RunID:       "run-42",
		Scenario:    "chain",
		Writer:      &buf,
	}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := otel.Tracer("test").Start(ctx, "routing.cycle")
	span.End()
	ShutdownWithTimeout(ctx, shutdown, nil)

	if !strings.Contains(buf.String(), "routing.cycle") {
		t.Fatalf("stdout exporter did not write the span: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "run-42") {
		t.Fatalf("run id missing from the span resource: %q", buf.String())
	}

	// Leave the global provider in its disabled state for other tests.
	if _, err := InitTracing(ctx, TracingConfig{}, nil); err != nil {
		t.Fatalf("InitTracing disabled: %v", err)
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil)
	if !errors.Is(err, ErrUnsupportedExporter) {
		t.Fatalf("expected ErrUnsupportedExporter, got %v", err)
	}
	if err := (TracingConfig{Exporter: "otlpgrpc", SampleRatio: 2}).Validate(); err == nil {
		t.Fatalf("expected out-of-range sample ratio to be rejected")
	}
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("DTN_TRACING_ENABLED", "TRUE")
	t.Setenv("DTN_TRACING_EXPORTER", "OTLP")
	t.Setenv("DTN_TRACING_SAMPLE_RATIO", "1.5")
	t.Setenv("DTN_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("DTN_TRACING_SERVICE_NAME", "")

	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.Endpoint != "collector:4317" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.SampleRatio != 1 {
		t.Fatalf("out-of-range ratio should fall back to 1, got %v", cfg.SampleRatio)
	}
	if cfg.ServiceName != "dtnsim" {
		t.Fatalf("ServiceName = %q, want dtnsim", cfg.ServiceName)
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
