package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"buildplane/internal/broadcast"
	"buildplane/internal/observability"
	"buildplane/internal/store"
	"buildplane/pkg/api"
)

// Reconciler flips online records with expired heartbeats to offline.
// ReconcileOnce is safe to run from several processes at once: every write
// re-checks staleness, so a record is corrected (and published) at most once.
type Reconciler struct {
	store     store.PresenceStore
	publisher broadcast.Publisher
	threshold time.Duration
	batchSize int
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// ReconcilerConfig holds the reconciler's policy.
type ReconcilerConfig struct {
	// StaleThreshold is how long a record may go without a heartbeat.
	StaleThreshold time.Duration
	// BatchSize caps the records read per query.
	BatchSize int
}

// NewReconciler wires a reconciler. A nil metrics records nothing.
func NewReconciler(s store.PresenceStore, pub broadcast.Publisher, cfg ReconcilerConfig, metrics *observability.Metrics, log *slog.Logger) (*Reconciler, error) {
	if cfg.StaleThreshold <= 0 {
		return nil, errors.New("stale threshold must be positive")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Reconciler{
		store:     s,
		publisher: pub,
		threshold: cfg.StaleThreshold,
		batchSize: cfg.BatchSize,
		metrics:   metrics,
		logger:    log,
		now:       time.Now,
	}, nil
}

// ReconcileOnce runs one sweep and returns how many records it corrected.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	now := r.now().UTC()
	cutoff := now.Add(-r.threshold)
	corrected := 0

	for {
		stale, err := r.store.ListStale(ctx, cutoff, r.batchSize)
		if err != nil {
			return corrected, fmt.Errorf("failed to list stale presence: %w", err)
		}

		batchCorrected := 0
		for _, p := range stale {
			rec, changed, err := r.store.MarkOffline(ctx, p.UserID, cutoff, now)
			if err != nil {
				r.logger.Error("failed to mark user offline", "user_id", p.UserID, "error", err)
				continue
			}
			if !changed {
				// A heartbeat or another sweep got there first.
				continue
			}
			batchCorrected++
			r.publishOffline(ctx, rec, now)
		}
		corrected += batchCorrected

		if len(stale) < r.batchSize || batchCorrected == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return corrected, err
		}
	}

	if corrected > 0 {
		r.metrics.PresenceCorrected(ctx, corrected)
		r.logger.Info("presence sweep corrected stale records", "corrected", corrected, "cutoff", cutoff)
	}
	return corrected, nil
}

func (r *Reconciler) publishOffline(ctx context.Context, p *store.Presence, at time.Time) {
	seen := at
	if p.LastSeenAt != nil {
		seen = *p.LastSeenAt
	}
	event := api.PresenceEvent{UserID: p.UserID, IsOnline: false, LastSeenAt: seen}
	if err := r.publisher.Publish(ctx, broadcast.PresenceTopic(p.TenantID), broadcast.EventPresenceChanged, event); err != nil {
		r.metrics.PublishFailed(ctx, broadcast.EventPresenceChanged)
		r.logger.Error("failed to publish presence change", "user_id", p.UserID, "error", err)
	}
}
