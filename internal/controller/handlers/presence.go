package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"buildplane/internal/broadcast"
	"buildplane/internal/controller/middleware"
	"buildplane/internal/logger"
	"buildplane/pkg/api"
)

// Heartbeat handles POST /presence/heartbeat.
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := middleware.UserFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.presence.Heartbeat(ctx, user.ID, user.TenantID); err != nil {
		logger.FromContext(ctx, h.logger).Error("failed to record heartbeat", "user_id", user.ID, "error", err)
		h.httpError(w, "Failed to record heartbeat", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PresenceAuth handles POST /presence/auth.
// It signs a grant to join the caller's own tenant presence channel.
func (h *Handlers) PresenceAuth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := middleware.UserFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req api.PresenceAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Channel == "" {
		h.httpError(w, "Channel is required", http.StatusBadRequest)
		return
	}

	grant, err := h.gateway.AuthorizePresenceJoin(ctx, user.ID, user.TenantID, req.Channel, req.SocketID)
	if err != nil {
		if errors.Is(err, broadcast.ErrForbidden) {
			h.httpError(w, "Forbidden", http.StatusForbidden)
			return
		}
		logger.FromContext(ctx, h.logger).Error("failed to authorize presence join", "channel", req.Channel, "error", err)
		h.httpError(w, "Failed to authorize channel", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, api.PresenceAuthResponse{
		Auth:      grant.Token,
		Channel:   grant.Channel,
		ExpiresAt: grant.ExpiresAt,
	})
}
