package handlers

import (
	"net/http"

	"buildplane/internal/broadcast"
	"buildplane/internal/controller/middleware"
)

// Realtime handles GET /realtime?topic=...[&grant=...].
// Build topics are open to members of their tenant. Presence channels also
// need a grant from /presence/auth issued to the caller for that channel.
func (h *Handlers) Realtime(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	topic := r.URL.Query().Get("topic")
	if tenant, ok := broadcast.BuildTenant(topic); ok {
		if tenant != user.TenantID {
			h.httpError(w, "Forbidden", http.StatusForbidden)
			return
		}
	} else if tenant, ok := broadcast.PresenceTenant(topic); ok {
		claims, err := h.gateway.VerifyGrant(r.URL.Query().Get("grant"))
		if err != nil || tenant != user.TenantID || claims.Channel != topic ||
			claims.Tenant != user.TenantID || claims.Subject != user.ID {
			h.httpError(w, "Forbidden", http.StatusForbidden)
			return
		}
	} else {
		h.httpError(w, "Unknown topic", http.StatusBadRequest)
		return
	}

	h.streamer.Serve(w, r, topic)
}
