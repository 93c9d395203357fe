package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

type fakeMembers map[string]string // user -> tenant

func (f fakeMembers) IsMember(_ context.Context, userID, tenantID string) (bool, error) {
	return f[userID] == tenantID, nil
}

type failingTransport struct {
	calls int
}

func (f *failingTransport) Publish(context.Context, string, []byte) error {
	f.calls++
	return errors.New("connection refused")
}

func (f *failingTransport) Subscribe(context.Context, string) (Subscription, error) {
	return nil, errors.New("connection refused")
}

func (f *failingTransport) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, transport Transport) *Service {
	t.Helper()
	signer, err := NewGrantSigner("test-secret", time.Minute)
	if err != nil {
		t.Fatalf("NewGrantSigner failed: %v", err)
	}
	members := fakeMembers{"u1": "tenant1", "u2": "tenant2"}
	return NewService(transport, members, signer, WithLogger(discardLogger()))
}

func TestTopics(t *testing.T) {
	if got := BuildTopic("tenant1"); got != "store.tenant1.builds" {
		t.Errorf("BuildTopic = %s", got)
	}
	if got := PresenceTopic("tenant1"); got != "presence-store.tenant1" {
		t.Errorf("PresenceTopic = %s", got)
	}

	tests := []struct {
		topic    string
		presence bool
		build    bool
		tenant   string
	}{
		{topic: "presence-store.tenant1", presence: true, tenant: "tenant1"},
		{topic: "store.tenant1.builds", build: true, tenant: "tenant1"},
		{topic: "presence-store."},
		{topic: "store..builds"},
		{topic: "presence-store.a.b"},
		{topic: "store.tenant1"},
	}
	for _, tt := range tests {
		tenant, ok := PresenceTenant(tt.topic)
		if ok != tt.presence || (ok && tenant != tt.tenant) {
			t.Errorf("PresenceTenant(%q) = %q, %v", tt.topic, tenant, ok)
		}
		tenant, ok = BuildTenant(tt.topic)
		if ok != tt.build || (ok && tenant != tt.tenant) {
			t.Errorf("BuildTenant(%q) = %q, %v", tt.topic, tenant, ok)
		}
	}
}

func TestPublish_FramesMessage(t *testing.T) {
	transport := NewMemoryTransport()
	svc := newTestService(t, transport)
	ctx := context.Background()

	sub, err := transport.Subscribe(ctx, BuildTopic("tenant1"))
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	payload := map[string]any{"job_id": "j1", "progress": 30}
	if err := svc.Publish(ctx, BuildTopic("tenant1"), EventBuildProgress, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case raw := <-sub.C():
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("invalid frame: %v", err)
		}
		if msg.Event != EventBuildProgress || msg.Topic != "store.tenant1.builds" {
			t.Errorf("unexpected frame %+v", msg)
		}
		var data map[string]any
		json.Unmarshal(msg.Data, &data)
		if data["progress"] != float64(30) {
			t.Errorf("got progress %v, want 30", data["progress"])
		}
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
}

func TestPublish_SurfacesTransportErrorsAndTripsBreaker(t *testing.T) {
	transport := &failingTransport{}
	svc := newTestService(t, transport)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := svc.Publish(ctx, "store.t.builds", EventBuildProgress, nil); err == nil {
			t.Fatal("expected publish error")
		}
	}

	err := svc.Publish(ctx, "store.t.builds", EventBuildProgress, nil)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if transport.calls != 5 {
		t.Errorf("transport called %d times, want 5", transport.calls)
	}
}

func TestAuthorizePresenceJoin(t *testing.T) {
	svc := newTestService(t, NewMemoryTransport())

	tests := []struct {
		name     string
		userID   string
		tenantID string
		channel  string
		wantErr  error
	}{
		{name: "own tenant", userID: "u1", tenantID: "tenant1", channel: "presence-store.tenant1"},
		{name: "cross tenant", userID: "u1", tenantID: "tenant1", channel: "presence-store.tenant2", wantErr: ErrForbidden},
		{name: "not a member", userID: "u2", tenantID: "tenant1", channel: "presence-store.tenant1", wantErr: ErrForbidden},
		{name: "build topic", userID: "u1", tenantID: "tenant1", channel: "store.tenant1.builds", wantErr: ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grant, err := svc.AuthorizePresenceJoin(context.Background(), tt.userID, tt.tenantID, tt.channel, "sock-1")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("AuthorizePresenceJoin failed: %v", err)
			}

			claims, err := svc.VerifyGrant(grant.Token)
			if err != nil {
				t.Fatalf("VerifyGrant failed: %v", err)
			}
			if claims.Subject != tt.userID || claims.Channel != tt.channel || claims.SocketID != "sock-1" {
				t.Errorf("unexpected claims %+v", claims)
			}
		})
	}
}

func TestVerifyGrant_Rejects(t *testing.T) {
	signer, _ := NewGrantSigner("test-secret", time.Minute)
	other, _ := NewGrantSigner("other-secret", time.Minute)

	grant, err := signer.Sign("u1", "tenant1", "presence-store.tenant1", "s")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := other.Verify(grant.Token); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("expected ErrInvalidGrant for wrong key, got %v", err)
	}

	tampered := grant.Token[:len(grant.Token)-2] + "xx"
	if _, err := signer.Verify(tampered); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("expected ErrInvalidGrant for tampered token, got %v", err)
	}

	signer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := signer.Verify(grant.Token); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("expected ErrInvalidGrant for expired token, got %v", err)
	}
}

func TestNewGrantSigner_Validation(t *testing.T) {
	if _, err := NewGrantSigner("", time.Minute); err == nil {
		t.Error("expected error for empty secret")
	}
	if _, err := NewGrantSigner("s", 0); err == nil {
		t.Error("expected error for zero ttl")
	}
}

func TestMemoryTransport_CloseEndsSubscriptions(t *testing.T) {
	transport := NewMemoryTransport()
	sub, _ := transport.Subscribe(context.Background(), "topic")

	transport.Close()

	if _, ok := <-sub.C(); ok {
		t.Error("expected subscription channel to be closed")
	}
	if err := transport.Publish(context.Background(), "topic", []byte("x")); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}
	// Closing a subscription after the transport is a no-op.
	sub.Close()
}

func TestRedisTransport_PublishErrorIsSurfaced(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	transport := NewRedisTransportWithClient(client)
	defer transport.Close()

	err := transport.Publish(context.Background(), "store.t.builds", []byte("{}"))
	if err == nil {
		t.Fatal("expected error publishing to an unreachable server")
	}
	if !strings.Contains(err.Error(), "redis publish to store.t.builds failed") {
		t.Errorf("unexpected error: %v", err)
	}
}
