// Package broadcast is the adapter between buildplane and its pub/sub transport.
// It names topics, frames events, guards publishing with a circuit breaker and
// authorizes presence-channel joins. It persists nothing.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// ErrForbidden is returned when a presence join crosses tenants or the user
// is not a member of the tenant.
var ErrForbidden = errors.New("presence join forbidden")

// Publisher publishes one event on a topic. Transport errors are returned, never retried.
type Publisher interface {
	Publish(ctx context.Context, topic, event string, payload any) error
}

// Gateway is the capability the core depends on for fan-out.
type Gateway interface {
	Publisher
	AuthorizePresenceJoin(ctx context.Context, userID, tenantID, channel, socketID string) (*Grant, error)
}

// MembershipChecker answers whether a user belongs to a tenant.
type MembershipChecker interface {
	IsMember(ctx context.Context, userID, tenantID string) (bool, error)
}

// Message is the wire frame delivered to subscribers.
type Message struct {
	Event string          `json:"event"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// Service implements Gateway over a Transport.
type Service struct {
	transport Transport
	members   MembershipChecker
	grants    *GrantSigner
	breaker   *gobreaker.CircuitBreaker
	timeout   time.Duration
	logger    *slog.Logger
}

var _ Gateway = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithPublishTimeout bounds a single transport publish.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.timeout = d
	}
}

// WithLogger sets the logger used for breaker state changes.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// NewService builds a gateway. The breaker opens after a run of failed
// publishes and half-opens after 30s.
func NewService(transport Transport, members MembershipChecker, grants *GrantSigner, opts ...Option) *Service {
	s := &Service{
		transport: transport,
		members:   members,
		grants:    grants,
		timeout:   3 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broadcast",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return s
}

// Publish frames payload as a Message and publishes it on topic.
func (s *Service) Publish(ctx context.Context, topic, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Message{Event: event, Topic: topic, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", event, err)
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		pubCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return nil, s.transport.Publish(pubCtx, topic, frame)
	})
	if err != nil {
		return fmt.Errorf("publish %s on %s: %w", event, topic, err)
	}
	return nil
}

// AuthorizePresenceJoin signs a grant for the user to join channel. The channel
// must be the presence channel of the caller's own tenant and the user must be
// a member of it.
func (s *Service) AuthorizePresenceJoin(ctx context.Context, userID, tenantID, channel, socketID string) (*Grant, error) {
	channelTenant, ok := PresenceTenant(channel)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a presence channel", ErrForbidden, channel)
	}
	if channelTenant != tenantID {
		return nil, fmt.Errorf("%w: channel %s belongs to another tenant", ErrForbidden, channel)
	}

	member, err := s.members.IsMember(ctx, userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("membership check failed: %w", err)
	}
	if !member {
		return nil, fmt.Errorf("%w: user %s is not a member of %s", ErrForbidden, userID, tenantID)
	}

	if socketID == "" {
		socketID = uuid.NewString()
	}
	return s.grants.Sign(userID, tenantID, channel, socketID)
}

// VerifyGrant validates a grant previously issued by AuthorizePresenceJoin.
func (s *Service) VerifyGrant(token string) (*GrantClaims, error) {
	return s.grants.Verify(token)
}

// Subscribe opens a subscription on the underlying transport.
func (s *Service) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	return s.transport.Subscribe(ctx, topic)
}
