package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSnapshotBusy is returned when a snapshot already has a job in flight.
	ErrSnapshotBusy = errors.New("config snapshot already has a build in flight")

	// ErrSnapshotNotFound is returned when the snapshot does not exist for the tenant.
	ErrSnapshotNotFound = errors.New("config snapshot not found")
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// JobStore persists build jobs. Every mutation of a job row is guarded by
// "status is non-terminal" inside the write itself.
type JobStore interface {
	// CreateJob inserts a PENDING job and, when the job names a snapshot, flags
	// the snapshot as building in the same transaction.
	CreateJob(ctx context.Context, job *Job) error

	// GetJobByID returns a job by its ID or ErrNotFound.
	GetJobByID(ctx context.Context, id uuid.UUID) (*Job, error)

	// RecordProgress moves a non-terminal job to IN_PROGRESS.
	RecordProgress(ctx context.Context, u ProgressUpdate) (*Transition, error)

	// CompleteJob applies the terminal transition and its derived-field side
	// effects atomically. It is a no-op on an already-terminal job.
	CompleteJob(ctx context.Context, u TerminalUpdate) (*Transition, error)

	// ListStuckJobs returns non-terminal jobs not updated since the cutoff.
	ListStuckJobs(ctx context.Context, cutoff time.Time, limit int) ([]Job, error)
}

// EntityStore reads the tenant-owned entities the orchestrator derives fields on.
type EntityStore interface {
	GetTenantByID(ctx context.Context, id string) (*Tenant, error)
	GetConfigSnapshot(ctx context.Context, id string) (*ConfigSnapshot, error)
}

// UserStore authenticates callers and answers tenant membership.
type UserStore interface {
	CreateUser(ctx context.Context, user *User, hashedKey string) error
	GetUserByAPIKeyHash(ctx context.Context, hash string) (*User, error)
	IsMember(ctx context.Context, userID, tenantID string) (bool, error)
}

// PresenceStore persists presence records. Writers race (heartbeats vs the
// reconciler) so every write is conditional on the state it expects.
type PresenceStore interface {
	// Touch marks the user online at the given time and reports whether the
	// record was offline or absent beforehand.
	Touch(ctx context.Context, userID, tenantID string, at time.Time) (wasOnline bool, err error)

	// ListStale returns online records last seen before the cutoff (or never).
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Presence, error)

	// MarkOffline flips a record offline only if it is still online and still
	// stale relative to cutoff at write time.
	MarkOffline(ctx context.Context, userID string, cutoff, at time.Time) (*Presence, bool, error)

	// GetPresence returns the record for a user or ErrNotFound.
	GetPresence(ctx context.Context, userID string) (*Presence, error)
}

// Store is the full persistence surface used by the controller.
type Store interface {
	JobStore
	EntityStore
	UserStore
	PresenceStore
	Ping(ctx context.Context) error
	Close() error
}
