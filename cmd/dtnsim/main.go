package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/dtn-router/internal/config"
	"github.com/signalsfoundry/dtn-router/internal/flowlog"
	"github.com/signalsfoundry/dtn-router/internal/logging"
	"github.com/signalsfoundry/dtn-router/internal/observability"
	"github.com/signalsfoundry/dtn-router/internal/sim"
	"github.com/signalsfoundry/dtn-router/timectrl"
)

type options struct {
	scenario    string
	duration    time.Duration
	strategy    string
	mode        string
	metricsAddr string
	flowPath    string
	statsPath   string
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("dtnsim", flag.ContinueOnError)
	fs.StringVar(&o.scenario, "scenario", "", "path to a YAML scenario; the built-in disaster-response deployment is used when empty")
	fs.DurationVar(&o.duration, "duration", 0, "override the scenario duration")
	fs.StringVar(&o.strategy, "strategy", "", "override the default routing strategy (epidemic, prophet, spray, scored)")
	fs.StringVar(&o.mode, "mode", "accelerated", "time mode: accelerated or realtime")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics; disabled when empty")
	fs.StringVar(&o.flowPath, "flow-log", "bundle_flow.csv", "CSV file receiving bundle lifecycle records; disabled when empty")
	fs.StringVar(&o.statsPath, "node-stats", "", "CSV file receiving per-node statistics at the end of the run")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return o, nil
}

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts, log, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Error(ctx, "simulation failed", logging.Err(err))
		os.Exit(1)
	}
}

func loadScenario(ctx context.Context, o options, log logging.Logger) (*config.Scenario, error) {
	s := config.Default()
	if o.scenario != "" {
		var err error
		if s, err = config.Load(o.scenario); err != nil {
			return nil, err
		}
	}
	if o.duration > 0 {
		if messages, failures := s.Shorten(o.duration); messages+failures > 0 {
			log.Warn(ctx, "duration override dropped scheduled events",
				logging.Duration("duration", o.duration),
				logging.Int("messages", messages),
				logging.Int("failures", failures),
			)
		}
	}
	if o.strategy != "" {
		s.Strategy = o.strategy
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func run(ctx context.Context, o options, log logging.Logger, out io.Writer) error {
	s, err := loadScenario(ctx, o, log)
	if err != nil {
		return err
	}

	ctx, log = logging.WithRunLogger(ctx, log)
	runID := logging.RunIDFromContext(ctx)
	ctx = logging.ContextWithLogger(ctx, log)

	tracing := observability.TracingConfigFromEnv()
	tracing.RunID = runID
	tracing.Scenario = s.Name
	shutdownTracing, err := observability.InitTracing(ctx, tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	dtn, err := observability.NewDTNCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	simMetrics, err := observability.NewSimCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	if srv := serveMetrics(o.metricsAddr, dtn, log); srv != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var flow flowlog.Sink = flowlog.Noop{}
	if o.flowPath != "" {
		csvLog, err := flowlog.CreateCSV(o.flowPath, runID, s.Start)
		if err != nil {
			return err
		}
		defer func() {
			if err := csvLog.Close(); err != nil {
				log.Warn(ctx, "closing flow log failed", logging.String("path", o.flowPath), logging.Err(err))
			}
		}()
		flow = csvLog
	}

	world, err := sim.NewWorld(s, sim.Options{
		Logger:     log,
		Flow:       flow,
		Metrics:    dtn,
		SimMetrics: simMetrics,
		Mode:       timectrl.ParseMode(o.mode),
	})
	if err != nil {
		return err
	}

	sum, runErr := world.Run(ctx)
	printSummary(out, s, runID, sum)

	if o.statsPath != "" {
		if err := writeNodeStats(o.statsPath, sum); err != nil {
			return err
		}
		log.Info(ctx, "wrote node statistics", logging.String("path", o.statsPath))
	}
	return runErr
}

func writeNodeStats(path string, sum sim.Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create node stats: %w", err)
	}
	if err := sum.WriteNodeStats(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printSummary(out io.Writer, s *config.Scenario, runID string, sum sim.Summary) {
	fmt.Fprintf(out, "scenario %s (run %s)\n", s.Name, runID)
	fmt.Fprintf(out, "  elapsed:        %s\n", sum.Elapsed)
	fmt.Fprintf(out, "  nodes:          %d (%d failed)\n", sum.Nodes, sum.Failed)
	fmt.Fprintf(out, "  contacts:       %d\n", sum.Contacts)
	fmt.Fprintf(out, "  generated:      %d\n", sum.Generated)
	fmt.Fprintf(out, "  forwarded:      %d\n", sum.Forwarded)
	fmt.Fprintf(out, "  delivered:      %d\n", sum.Delivered)
	fmt.Fprintf(out, "  dropped:        %d\n", sum.Dropped)
	fmt.Fprintf(out, "  expired:        %d\n", sum.Expired)
	fmt.Fprintf(out, "  delivery ratio: %.1f%%\n", 100*sum.DeliveryRatio)
	fmt.Fprintf(out, "  mean delay:     %s\n", sum.MeanDelay)
	fmt.Fprintf(out, "  frames:         %d (%d bytes)\n", sum.Medium.FramesDelivered, sum.Medium.BytesDelivered)
}

func serveMetrics(addr string, collector *observability.DTNCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
