package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/dtn-router/internal/logging"
)

// Exporter names accepted by TracingConfig.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

const defaultOTLPEndpoint = "localhost:4317"

// ErrUnsupportedExporter is returned for exporter names other than stdout
// and otlp.
var ErrUnsupportedExporter = errors.New("unsupported tracing exporter")

// TracingConfig governs how tracing is initialised.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // used when Exporter == otlp
	SampleRatio float64

	// RunID and Scenario are stamped on the trace resource so spans from
	// concurrent simulation runs can be told apart in a shared collector.
	RunID    string
	Scenario string

	// Writer receives stdout-exporter output. Defaults to os.Stderr so
	// spans do not interleave with the run summary.
	Writer io.Writer
}

// TracingConfigFromEnv reads DTN_TRACING_ENABLED, DTN_TRACING_EXPORTER,
// DTN_TRACING_SERVICE_NAME, DTN_TRACING_SAMPLE_RATIO and DTN_OTLP_ENDPOINT.
// A ratio outside [0,1] or unparsable falls back to 1.
func TracingConfigFromEnv() TracingConfig {
	cfg := TracingConfig{
		Enabled:     strings.EqualFold(os.Getenv("DTN_TRACING_ENABLED"), "true"),
		ServiceName: os.Getenv("DTN_TRACING_SERVICE_NAME"),
		Exporter:    strings.ToLower(os.Getenv("DTN_TRACING_EXPORTER")),
		Endpoint:    os.Getenv("DTN_OTLP_ENDPOINT"),
		SampleRatio: 1,
	}
	if raw := os.Getenv("DTN_TRACING_SAMPLE_RATIO"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed >= 0 && parsed <= 1 {
			cfg.SampleRatio = parsed
		}
	}
	return cfg.withDefaults()
}

func (c TracingConfig) withDefaults() TracingConfig {
	if c.ServiceName == "" {
		c.ServiceName = "dtnsim"
	}
	c.Exporter = strings.ToLower(c.Exporter)
	switch c.Exporter {
	case "":
		c.Exporter = ExporterStdout
	case "otlpgrpc":
		c.Exporter = ExporterOTLP
	}
	if c.Exporter == ExporterOTLP && c.Endpoint == "" {
		c.Endpoint = defaultOTLPEndpoint
	}
	if c.Writer == nil {
		c.Writer = os.Stderr
	}
	return c
}

// Validate reports an unusable exporter or sampling ratio.
func (c TracingConfig) Validate() error {
	c = c.withDefaults()
	if c.Exporter != ExporterStdout && c.Exporter != ExporterOTLP {
		return fmt.Errorf("%w: %s", ErrUnsupportedExporter, c.Exporter)
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("sample ratio %v outside [0,1]", c.SampleRatio)
	}
	return nil
}

// InitTracing installs the global tracer provider and propagators. When
// tracing is disabled a noop provider is installed, so routing spans cost
// nothing. The returned function flushes and stops the provider.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Debug(ctx, "tracing disabled; using noop tracer provider")
		return func(context.Context) error { return nil }, nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch cfg.Exporter {
	case ExporterOTLP:
		exp, err = newOTLPExporter(ctx, cfg.Endpoint)
	default:
		exp, err = newStdoutExporter(cfg.Writer)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.Float64("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

func resourceAttributes(cfg TracingConfig) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "dtn"),
	}
	if cfg.RunID != "" {
		attrs = append(attrs, attribute.String("dtn.run_id", cfg.RunID))
	}
	if cfg.Scenario != "" {
		attrs = append(attrs, attribute.String("dtn.scenario", cfg.Scenario))
	}
	return attrs
}

func newStdoutExporter(w io.Writer) (sdktrace.SpanExporter, error) {
	return stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithPrettyPrint(),
		stdouttrace.WithoutTimestamps(),
	)
}

func newOTLPExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	client := otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	return otlptrace.New(ctx, client)
}

// ShutdownWithTimeout invokes the provided shutdown function with a bounded
// timeout, swallowing errors in the shutdown path.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
