// Package store contains the data model and persistence contracts for buildplane.
package store

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a build job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// IsTerminal reports whether the status is absorbing.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ParseJobStatus maps the status vocabulary used by build systems onto JobStatus.
// Matching is case-insensitive; "-" and " " are treated as "_".
func ParseJobStatus(raw string) (JobStatus, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)

	switch s {
	case "pending", "queued":
		return JobStatusPending, true
	case "in_progress", "running", "building", "started", "processing":
		return JobStatusInProgress, true
	case "completed", "complete", "success", "succeeded":
		return JobStatusCompleted, true
	case "failed", "failure", "error", "errored", "cancelled", "canceled":
		return JobStatusFailed, true
	}
	return "", false
}

// Job is one external build request and its lifecycle.
// CompletedAt is non-nil iff Status is terminal.
type Job struct {
	ID               uuid.UUID
	TenantID         string
	ConfigSnapshotID *string
	Status           JobStatus
	Progress         int
	Message          *string
	DownloadURL      *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// Tenant is the "Store" entity owning builds.
// Only LatestBuildURL and LastBuildAt are written by this service.
type Tenant struct {
	ID             string
	Name           string
	LatestBuildURL *string
	LastBuildAt    *time.Time
	CreatedAt      time.Time
}

// ConfigSnapshot is the "CustomTemplate" being materialized by a build.
type ConfigSnapshot struct {
	ID         string
	TenantID   string
	IsBuilding bool
	IsBuilt    bool
}

// User is an authenticated member of a tenant.
type User struct {
	ID        string
	TenantID  string
	Name      string
	CreatedAt time.Time
}

// Presence is a user's online state as last observed.
type Presence struct {
	UserID     string
	TenantID   string
	IsOnline   bool
	LastSeenAt *time.Time
}

// TerminalUpdate describes the one-time terminal transition of a job.
type TerminalUpdate struct {
	JobID       uuid.UUID
	Status      JobStatus
	Message     *string
	DownloadURL *string
	At          time.Time
}

// ProgressUpdate describes a non-terminal progress report.
type ProgressUpdate struct {
	JobID    uuid.UUID
	Progress *int
	Message  *string
	At       time.Time
}

// Transition is the outcome of a guarded job update.
// Applied is false when the job was already terminal; Job then holds the stored row.
type Transition struct {
	Applied bool
	Job     *Job
}
