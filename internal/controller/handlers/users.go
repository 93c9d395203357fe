package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"buildplane/internal/auth"
	"buildplane/internal/store"
	"buildplane/pkg/api"

	"github.com/google/uuid"
)

// apiKeyPrefix marks buildplane user keys.
const apiKeyPrefix = "bp"

// CreateUser handles POST /tenants/{tenantID}/users.
// It provisions a tenant member and returns its API key once.
func (h *Handlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := r.PathValue("tenantID")

	var req api.CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		h.httpError(w, "Name is required", http.StatusBadRequest)
		return
	}

	if _, err := h.store.GetTenantByID(ctx, tenantID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Tenant not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Failed to load tenant", http.StatusInternalServerError)
		return
	}

	key, err := auth.GenerateKey(apiKeyPrefix)
	if err != nil {
		h.httpError(w, "Failed to generate API key", http.StatusInternalServerError)
		return
	}

	user := &store.User{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateUser(ctx, user, auth.HashKey(key)); err != nil {
		h.httpError(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusCreated, api.CreateUserResponse{
		ID:       user.ID,
		TenantID: user.TenantID,
		Name:     user.Name,
		APIKey:   key,
	})
}
