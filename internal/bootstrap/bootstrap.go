// Package bootstrap opens the backends chosen by configuration and registers
// the periodic sweeps. It is shared by the controller and sweeper binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"buildplane/internal/broadcast"
	"buildplane/internal/callback"
	"buildplane/internal/config"
	"buildplane/internal/presence"
	"buildplane/internal/scheduler"
	"buildplane/internal/store"
	"buildplane/internal/store/memstore"
	"buildplane/internal/store/postgres"
)

// Dev fixtures seeded into the memory store.
const (
	DevTenantID   = "demo"
	DevSnapshotID = "demo-config"
)

// OpenStore connects the configured store. With migrate set, pending postgres
// migrations run before it is returned.
func OpenStore(ctx context.Context, cfg *config.Config, migrate bool, log *slog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		s := memstore.New()
		s.PutTenant(store.Tenant{ID: DevTenantID, Name: "Demo Store", CreatedAt: time.Now().UTC()})
		s.PutSnapshot(store.ConfigSnapshot{ID: DevSnapshotID, TenantID: DevTenantID})
		log.Warn("using in-memory store; state is lost on exit", "tenant_id", DevTenantID, "config_snapshot_id", DevSnapshotID)
		return s, nil

	case config.StoreDriverPostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if migrate {
			log.Info("running database migrations")
			version, err := postgres.Migrate(s.DB())
			if err != nil {
				s.Close()
				return nil, err
			}
			log.Info("migrations completed", "version", version)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// OpenTransport connects the configured broadcast transport.
func OpenTransport(ctx context.Context, cfg *config.Config, log *slog.Logger) (broadcast.Transport, error) {
	switch cfg.BroadcastDriver {
	case config.BroadcastDriverMemory:
		log.Warn("using in-memory broadcast transport; events stay inside this process")
		return broadcast.NewMemoryTransport(), nil

	case config.BroadcastDriverRedis:
		t, err := broadcast.NewRedisTransport(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return t, nil
	}
	return nil, fmt.Errorf("unknown broadcast driver %q", cfg.BroadcastDriver)
}

// ScheduleSweeps registers the presence reconciler and, when enabled, the
// stuck-job expiry on s.
func ScheduleSweeps(s *scheduler.Scheduler, cfg config.Sweeps, rec *presence.Reconciler, ing *callback.Ingestor) error {
	if err := s.Every("presence-reconcile", cfg.PresenceInterval, cfg.PresenceInterval, rec.ReconcileOnce); err != nil {
		return err
	}

	if cfg.StuckJobTimeout <= 0 {
		return nil
	}
	timeout := cfg.StuckJobTimeout
	return s.Every("expire-stuck-jobs", cfg.StuckJobInterval, cfg.StuckJobInterval, func(ctx context.Context) (int, error) {
		return ing.ExpireStuck(ctx, timeout)
	})
}
