// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import (
	"encoding/json"
	"time"
)

// CreateUserRequest is the request body for creating a tenant user.
type CreateUserRequest struct {
	Name string `json:"name"`
}

// CreateUserResponse is the response body after creating a user.
// APIKey is only ever returned here.
type CreateUserResponse struct {
	ID       string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	APIKey   string `json:"api_key"`
}

// DispatchBuildRequest is the request body for starting a build.
type DispatchBuildRequest struct {
	ConfigSnapshotID string          `json:"config_snapshot_id,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// DispatchBuildResponse is the response body after a build was accepted.
type DispatchBuildResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// JobResponse represents a build job in API responses.
type JobResponse struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	ConfigSnapshotID *string    `json:"config_snapshot_id,omitempty"`
	Status           string     `json:"status"`
	Progress         int        `json:"progress"`
	Message          *string    `json:"message,omitempty"`
	DownloadURL      *string    `json:"download_url,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// BuildCallbackRequest is the webhook body posted by the build system.
type BuildCallbackRequest struct {
	JobID       string  `json:"job_id"`
	Status      string  `json:"status"`
	Progress    *int    `json:"progress,omitempty"`
	DownloadURL *string `json:"download_url,omitempty"`
	Message     *string `json:"message,omitempty"`
}

// BuildCallbackResponse acknowledges a webhook. Applied is false for
// duplicates and for callbacks on already-terminal jobs.
type BuildCallbackResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Applied bool   `json:"applied"`
}

// PresenceAuthRequest asks for a grant to join a presence channel.
type PresenceAuthRequest struct {
	Channel  string `json:"channel"`
	SocketID string `json:"socket_id,omitempty"`
}

// PresenceAuthResponse carries the signed grant.
type PresenceAuthResponse struct {
	Auth      string    `json:"auth"`
	Channel   string    `json:"channel"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BuildProgressEvent is published on a tenant's build topic.
type BuildProgressEvent struct {
	JobID       string    `json:"job_id"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Progress    int       `json:"progress"`
	DownloadURL *string   `json:"download_url,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// PresenceEvent is published on a tenant's presence channel.
type PresenceEvent struct {
	UserID     string    `json:"user_id"`
	IsOnline   bool      `json:"is_online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
