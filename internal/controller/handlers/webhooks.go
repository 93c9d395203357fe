package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"buildplane/internal/callback"
	"buildplane/internal/logger"
	"buildplane/pkg/api"
)

// maxCallbackBody caps a webhook body; real callbacks are a few hundred bytes.
const maxCallbackBody = 64 << 10

// BuildCallback handles POST /webhooks/builds.
// Duplicates and late callbacks are acknowledged with 200 so the build
// system stops retrying; only store failures answer 5xx.
func (h *Handlers) BuildCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.BuildCallbackRequest
	body := http.MaxBytesReader(w, r.Body, maxCallbackBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.ingestor.Ingest(ctx, callback.Callback{
		JobID:       req.JobID,
		Status:      req.Status,
		Progress:    req.Progress,
		DownloadURL: req.DownloadURL,
		Message:     req.Message,
	})
	if err != nil {
		switch {
		case errors.Is(err, callback.ErrInvalidCallback):
			h.httpError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, callback.ErrJobNotFound):
			h.httpError(w, "Job not found", http.StatusNotFound)
		default:
			logger.FromContext(ctx, h.logger).Error("failed to ingest callback", "job_id", req.JobID, "error", err)
			h.httpError(w, "Failed to apply callback", http.StatusInternalServerError)
		}
		return
	}

	h.respondJson(w, http.StatusOK, api.BuildCallbackResponse{
		JobID:   res.Job.ID.String(),
		Status:  string(res.Job.Status),
		Applied: res.Applied(),
	})
}
