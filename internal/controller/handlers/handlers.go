// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"buildplane/internal/broadcast"
	"buildplane/internal/callback"
	"buildplane/internal/store"
	"buildplane/pkg/api"

	"github.com/google/uuid"
)

// Store is the slice of persistence the handlers read directly.
type Store interface {
	Ping(ctx context.Context) error
	GetJobByID(ctx context.Context, id uuid.UUID) (*store.Job, error)
	GetTenantByID(ctx context.Context, id string) (*store.Tenant, error)
	CreateUser(ctx context.Context, user *store.User, hashedKey string) error
}

// Dispatcher starts builds.
type Dispatcher interface {
	Dispatch(ctx context.Context, tenantID, snapshotID string, payload json.RawMessage) (uuid.UUID, error)
}

// Ingestor applies build-system callbacks.
type Ingestor interface {
	Ingest(ctx context.Context, cb callback.Callback) (*callback.Result, error)
}

// PresenceTracker records heartbeats.
type PresenceTracker interface {
	Heartbeat(ctx context.Context, userID, tenantID string) error
}

// Gateway authorizes presence joins and verifies their grants.
type Gateway interface {
	AuthorizePresenceJoin(ctx context.Context, userID, tenantID, channel, socketID string) (*broadcast.Grant, error)
	VerifyGrant(token string) (*broadcast.GrantClaims, error)
}

// Streamer relays a topic to a websocket client.
type Streamer interface {
	Serve(w http.ResponseWriter, r *http.Request, topic string)
}

// Deps are the collaborators of the handlers. Nil collaborators leave their
// routes unusable; tests set only what they exercise.
type Deps struct {
	Store      Store
	Dispatcher Dispatcher
	Ingestor   Ingestor
	Presence   PresenceTracker
	Gateway    Gateway
	Streamer   Streamer
	Logger     *slog.Logger
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store      Store
	dispatcher Dispatcher
	ingestor   Ingestor
	presence   PresenceTracker
	gateway    Gateway
	streamer   Streamer
	logger     *slog.Logger
}

// New creates a new Handlers instance.
func New(d Deps) *Handlers {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{
		store:      d.Store,
		dispatcher: d.Dispatcher,
		ingestor:   d.Ingestor,
		presence:   d.Presence,
		gateway:    d.Gateway,
		streamer:   d.Streamer,
		logger:     log,
	}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}
