package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"buildplane/internal/build"
	"buildplane/internal/controller/middleware"
	"buildplane/internal/logger"
	"buildplane/internal/store"
	"buildplane/pkg/api"

	"github.com/google/uuid"
)

// DispatchBuild handles POST /builds.
// The job is recorded before the response; the build system is called afterwards.
func (h *Handlers) DispatchBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := middleware.UserFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req api.DispatchBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	jobID, err := h.dispatcher.Dispatch(ctx, user.TenantID, req.ConfigSnapshotID, req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, build.ErrInvalidRequest):
			h.httpError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, store.ErrSnapshotBusy):
			h.httpError(w, "A build is already in progress for this config snapshot", http.StatusConflict)
		case errors.Is(err, store.ErrSnapshotNotFound):
			h.httpError(w, "Config snapshot not found", http.StatusNotFound)
		default:
			logger.FromContext(ctx, h.logger).Error("failed to dispatch build", "error", err)
			h.httpError(w, "Failed to create build job", http.StatusInternalServerError)
		}
		return
	}

	h.respondJson(w, http.StatusAccepted, api.DispatchBuildResponse{
		JobID:  jobID.String(),
		Status: string(store.JobStatusPending),
	})
}

// GetBuild handles GET /builds/{id}.
// Jobs of other tenants look the same as missing ones.
func (h *Handlers) GetBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := middleware.UserFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid job ID", http.StatusBadRequest)
		return
	}

	job, err := h.store.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Job not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Failed to load job", http.StatusInternalServerError)
		return
	}
	if job.TenantID != user.TenantID {
		h.httpError(w, "Job not found", http.StatusNotFound)
		return
	}

	h.respondJson(w, http.StatusOK, toJobResponse(job))
}

func toJobResponse(j *store.Job) api.JobResponse {
	return api.JobResponse{
		ID:               j.ID.String(),
		TenantID:         j.TenantID,
		ConfigSnapshotID: j.ConfigSnapshotID,
		Status:           string(j.Status),
		Progress:         j.Progress,
		Message:          j.Message,
		DownloadURL:      j.DownloadURL,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
		CompletedAt:      j.CompletedAt,
	}
}
