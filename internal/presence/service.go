// Package presence maintains user online state: heartbeats mark users online
// and a periodic reconciler flips users whose heartbeats stopped back offline.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"buildplane/internal/broadcast"
	"buildplane/internal/logger"
	"buildplane/internal/observability"
	"buildplane/internal/store"
	"buildplane/pkg/api"
)

// ErrInvalidHeartbeat is returned when a heartbeat lacks a user or tenant.
var ErrInvalidHeartbeat = errors.New("invalid heartbeat")

// Service handles client heartbeats.
type Service struct {
	store     store.PresenceStore
	publisher broadcast.Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires the heartbeat path. A nil metrics records nothing.
func NewService(s store.PresenceStore, pub broadcast.Publisher, metrics *observability.Metrics, log *slog.Logger) *Service {
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Service{store: s, publisher: pub, metrics: metrics, logger: log, now: time.Now}
}

// Heartbeat marks the user online. Only the offline-to-online edge is
// published; steady heartbeats are silent.
func (s *Service) Heartbeat(ctx context.Context, userID, tenantID string) error {
	if userID == "" || tenantID == "" {
		return fmt.Errorf("%w: user and tenant are required", ErrInvalidHeartbeat)
	}

	at := s.now().UTC()
	wasOnline, err := s.store.Touch(ctx, userID, tenantID, at)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if wasOnline {
		return nil
	}

	log := logger.FromContext(ctx, s.logger).With("user_id", userID)
	log.Info("user came online")
	event := api.PresenceEvent{UserID: userID, IsOnline: true, LastSeenAt: at}
	if err := s.publisher.Publish(ctx, broadcast.PresenceTopic(tenantID), broadcast.EventPresenceChanged, event); err != nil {
		s.metrics.PublishFailed(ctx, broadcast.EventPresenceChanged)
		log.Error("failed to publish presence change", "error", err)
	}
	return nil
}
