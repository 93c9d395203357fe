// Package main is the entry point for the buildplane sweeper. It runs the
// presence reconciler and stuck-job expiry outside the API processes; any
// number of sweepers may run against the same store.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"buildplane/internal/bootstrap"
	"buildplane/internal/broadcast"
	"buildplane/internal/callback"
	"buildplane/internal/config"
	"buildplane/internal/logger"
	"buildplane/internal/observability"
	"buildplane/internal/presence"
	"buildplane/internal/scheduler"

	"go.opentelemetry.io/otel"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: buildplane.yaml in current directory)")
	once := flag.Bool("once", false, "Run every sweep once and exit")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9091")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLog := logger.New(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := bootstrap.OpenStore(ctx, cfg, false, appLog)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	transport, err := bootstrap.OpenTransport(ctx, cfg, appLog)
	if err != nil {
		log.Fatalf("Failed to open broadcast transport: %v", err)
	}
	defer transport.Close()

	shutdownTracer, err := observability.InitTracer(ctx, "buildplane-sweeper", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer shutdownTracer(context.Background())

	if *metricsAddr != "" {
		metricsHandler, shutdownMetrics, err := observability.InitMetrics()
		if err != nil {
			log.Fatalf("Failed to init metrics: %v", err)
		}
		defer shutdownMetrics(context.Background())

		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metricsHandler)
		metricsSrv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				appLog.Error("metrics server stopped", "error", err)
			}
		}()
		defer metricsSrv.Close()
	}

	metrics, err := observability.NewMetrics(otel.Meter("buildplane-sweeper"))
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	// The sweeper only publishes, so it needs no grant signer.
	gateway := broadcast.NewService(transport, st, nil, broadcast.WithLogger(appLog))
	ingestor := callback.NewIngestor(st, gateway, metrics, appLog, callback.WithStoreTimeout(cfg.StoreTimeout))
	reconciler, err := presence.NewReconciler(st, gateway, presence.ReconcilerConfig{
		StaleThreshold: cfg.Sweeps.StaleThreshold,
	}, metrics, appLog)
	if err != nil {
		log.Fatalf("Failed to create presence reconciler: %v", err)
	}

	sched := scheduler.New(appLog)
	if *once {
		sched.RunNow("presence-reconcile", cfg.Sweeps.PresenceInterval, reconciler.ReconcileOnce)
		if cfg.Sweeps.StuckJobTimeout > 0 {
			sched.RunNow("expire-stuck-jobs", cfg.Sweeps.StuckJobInterval, func(ctx context.Context) (int, error) {
				return ingestor.ExpireStuck(ctx, cfg.Sweeps.StuckJobTimeout)
			})
		}
		return
	}

	if err := bootstrap.ScheduleSweeps(sched, cfg.Sweeps, reconciler, ingestor); err != nil {
		log.Fatalf("Failed to schedule sweeps: %v", err)
	}
	sched.Start()
	appLog.Info("buildplane sweeper started",
		"presence_interval", cfg.Sweeps.PresenceInterval,
		"stale_threshold", cfg.Sweeps.StaleThreshold,
		"stuck_job_timeout", cfg.Sweeps.StuckJobTimeout)

	<-ctx.Done()
	log.Println("Shutting down sweeper...")
	sched.Stop()
}
