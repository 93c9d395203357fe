// Package main is the entry point for the buildplane controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"buildplane/internal/bootstrap"
	"buildplane/internal/broadcast"
	"buildplane/internal/build"
	"buildplane/internal/buildsys"
	"buildplane/internal/callback"
	"buildplane/internal/config"
	"buildplane/internal/controller"
	"buildplane/internal/controller/handlers"
	"buildplane/internal/controller/middleware"
	"buildplane/internal/logger"
	"buildplane/internal/observability"
	"buildplane/internal/presence"
	"buildplane/internal/scheduler"

	"go.opentelemetry.io/otel"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file (default: buildplane.yaml in current directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.ValidateController(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	appLog := logger.New(cfg.LogLevel)
	ctx := context.Background()

	st, err := bootstrap.OpenStore(ctx, cfg, *migrateFlag, appLog)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	transport, err := bootstrap.OpenTransport(ctx, cfg, appLog)
	if err != nil {
		log.Fatalf("Failed to open broadcast transport: %v", err)
	}
	defer transport.Close()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "buildplane-controller", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()
	metrics, err := observability.NewMetrics(otel.Meter("buildplane-controller"))
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	grants, err := broadcast.NewGrantSigner(cfg.GrantSecret, cfg.GrantTTL)
	if err != nil {
		log.Fatalf("Failed to create grant signer: %v", err)
	}
	gateway := broadcast.NewService(transport, st, grants, broadcast.WithLogger(appLog))

	ingestor := callback.NewIngestor(st, gateway, metrics, appLog, callback.WithStoreTimeout(cfg.StoreTimeout))
	buildClient := buildsys.New(cfg.BuildSystem.URL, cfg.BuildSystem.Token,
		buildsys.WithRetries(cfg.BuildSystem.MaxRetries, 500*time.Millisecond))
	dispatcher := build.NewDispatcher(st, buildClient, ingestor, build.Config{
		CallbackURL:  cfg.CallbackURL,
		Timeout:      cfg.BuildSystem.Timeout,
		StoreTimeout: cfg.StoreTimeout,
	}, metrics, appLog)
	presenceSvc := presence.NewService(st, gateway, metrics, appLog)

	// In-process sweeps. Run them in cmd/sweeper instead when the API is scaled out.
	var sched *scheduler.Scheduler
	if cfg.Sweeps.Enabled {
		reconciler, err := presence.NewReconciler(st, gateway, presence.ReconcilerConfig{
			StaleThreshold: cfg.Sweeps.StaleThreshold,
		}, metrics, appLog)
		if err != nil {
			log.Fatalf("Failed to create presence reconciler: %v", err)
		}
		sched = scheduler.New(appLog)
		if err := bootstrap.ScheduleSweeps(sched, cfg.Sweeps, reconciler, ingestor); err != nil {
			log.Fatalf("Failed to schedule sweeps: %v", err)
		}
		sched.Start()
	}

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(controller.Options{
		Addr: addr,
		Handlers: handlers.Deps{
			Store:      st,
			Dispatcher: dispatcher,
			Ingestor:   ingestor,
			Presence:   presenceSvc,
			Gateway:    gateway,
			Streamer:   broadcast.NewRelay(gateway, appLog),
			Logger:     appLog,
		},
		Users:         st,
		WebhookSecret: cfg.WebhookSecret,
		AdminSecret:   cfg.AdminSecret,
		RateLimiter:   middleware.NewRateLimiter(middleware.WithLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst)),
		Metrics:       metricsHandler,
	})

	go func() {
		appLog.Info("buildplane controller starting", "addr", addr, "store", cfg.StoreDriver, "broadcast", cfg.BroadcastDriver)
		if err := srv.Run(ctx); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down controller...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	if sched != nil {
		sched.Stop()
	}
	// Jobs are already recorded; let their dispatch calls finish.
	dispatcher.Wait()
	log.Println("Server exited properly")
}
