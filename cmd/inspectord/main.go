// Command inspectord runs an Inspection Engine against a YAML matrix
// file, printing every triggered snapshot to stdout and exposing
// Prometheus metrics and a health endpoint for local exercising. It is
// collaborator wiring around engine/inspection.Engine, not part of the
// core library.
//
// Usage:
//
//	go run ./cmd/inspectord -matrix matrix.yaml -addr :9090
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetwire/inspector/engine/clock"
	"github.com/fleetwire/inspector/engine/health"
	"github.com/fleetwire/inspector/engine/inspection"
	"github.com/fleetwire/inspector/engine/logging"
	"github.com/fleetwire/inspector/engine/metrics"
	"github.com/fleetwire/inspector/engine/payloadstore"
	"github.com/fleetwire/inspector/engine/telemetry"
	"github.com/fleetwire/inspector/matrixconfig"
)

func main() {
	matrixPath := flag.String("matrix", "matrix.yaml", "path to the inspection matrix YAML file")
	addr := flag.String("addr", ":9090", "address to serve /metrics and /healthz on")
	ingressCapacity := flag.Int("ingress-capacity", 4096, "ingress queue capacity")
	egressCapacity := flag.Int("egress-capacity", 1024, "egress queue capacity")
	flag.Parse()

	log := logging.New(slog.Default())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsProvider := metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})

	tracer, err := telemetry.NewOTelTracer("inspectord", "local")
	if err != nil {
		fmt.Fprintf(os.Stderr, "create tracer: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	payloads := payloadstore.New(payloadstore.Config{MaxEntries: 4096})
	clk := clock.New()

	egressReady := make(chan struct{}, 1)
	notify := func() {
		select {
		case egressReady <- struct{}{}:
		default:
		}
	}

	engine := inspection.NewEngine(clk, payloads, *ingressCapacity, *egressCapacity, notify,
		inspection.WithLogger(log),
		inspection.WithMetrics(metricsProvider),
		inspection.WithTracer(tracer),
	)

	manager := matrixconfig.NewManager(*matrixPath)
	watcher, err := matrixconfig.NewWatcher(manager, engine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create matrix watcher: %v\n", err)
		os.Exit(1)
	}

	healthSys := health.NewSystem()
	healthSys.Register("ingress_queue", func(context.Context) health.CheckResult {
		depth := engine.Ingress().Depth()
		status := "healthy"
		if depth > int64(*ingressCapacity)/2 {
			status = "degraded"
		}
		return health.CheckResult{
			Name:      "ingress_queue",
			Status:    status,
			Timestamp: time.Now(),
			Metadata:  map[string]interface{}{"depth": depth, "dropped": engine.Ingress().Dropped()},
		}
	})
	healthSys.Register("matrix", func(context.Context) health.CheckResult {
		status := "unhealthy"
		if manager.Current() != nil {
			status = "healthy"
		}
		return health.CheckResult{Name: "matrix", Status: status, Timestamp: time.Now()}
	})

	mux := http.NewServeMux()
	mux.Handle("/healthz", healthSys.Handler())
	mux.Handle("/metrics", metricsProvider.MetricsHandler())
	server := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.ErrorCtx(ctx, "http server failed", "error", err)
		}
	}()

	go watcher.Run(ctx)
	go runWorker(ctx, engine)
	go printSnapshots(ctx, engine, egressReady)

	<-ctx.Done()
	log.InfoCtx(context.Background(), "shutting down")
	engine.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

// runWorker drives the engine's own Run loop, which paces itself via
// WaitTimeHint; it only needs to be started once and stopped on
// shutdown.
func runWorker(ctx context.Context, e *inspection.Engine) {
	e.Run(ctx)
}

// printSnapshots drains the egress queue and renders each triggered
// snapshot as a line of JSON, standing in for a real campaign sender:
// this command exists to exercise the engine locally, not to transmit
// anything.
func printSnapshots(ctx context.Context, e *inspection.Engine, ready <-chan struct{}) {
	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ready:
			for {
				snap, ok := e.Egress().Pop()
				if !ok {
					break
				}
				_ = enc.Encode(snap)
			}
		}
	}
}
