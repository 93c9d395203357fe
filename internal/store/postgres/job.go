package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"buildplane/internal/store"

	"github.com/google/uuid"
)

const jobColumns = `id, tenant_id, config_snapshot_id, status, progress, message, download_url, created_at, updated_at, completed_at`

// nonTerminal is the guard every job mutation carries in its WHERE clause.
const nonTerminal = `status IN ('PENDING', 'IN_PROGRESS')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*store.Job, error) {
	var job store.Job
	err := row.Scan(
		&job.ID, &job.TenantID, &job.ConfigSnapshotID,
		&job.Status, &job.Progress, &job.Message, &job.DownloadURL,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJob inserts a PENDING job. If the job references a snapshot, the snapshot
// is locked and flagged building first; the partial unique index on in-flight
// jobs turns a concurrent second dispatch into ErrSnapshotBusy.
func (s *Store) CreateJob(ctx context.Context, job *store.Job) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if job.ConfigSnapshotID != nil {
			res, err := tx.ExecContext(ctx, `
				UPDATE custom_templates
				SET is_building = TRUE
				WHERE id = $1 AND store_id = $2
			`, *job.ConfigSnapshotID, job.TenantID)
			if err != nil {
				return fmt.Errorf("failed to flag snapshot building: %w", err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				return store.ErrSnapshotNotFound
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO build_jobs (id, tenant_id, config_snapshot_id, status, progress, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 0, $5, $5)
		`, job.ID, job.TenantID, job.ConfigSnapshotID, job.Status, job.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrSnapshotBusy
			}
			return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
		}
		return nil
	})
}

// GetJobByID returns a job by its ID.
func (s *Store) GetJobByID(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	return getJob(ctx, s.db, id)
}

func getJob(ctx context.Context, executor store.DBTransaction, id uuid.UUID) (*store.Job, error) {
	row := executor.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM build_jobs WHERE id = $1", id)
	job, err := scanJob(row)
	if err != nil {
		return nil, notFound(err)
	}
	return job, nil
}

// RecordProgress moves a non-terminal job to IN_PROGRESS and stores the latest
// progress and message. Terminal jobs are returned untouched with Applied=false.
func (s *Store) RecordProgress(ctx context.Context, u store.ProgressUpdate) (*store.Transition, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE build_jobs
		SET status = 'IN_PROGRESS',
		    progress = COALESCE($2, progress),
		    message = COALESCE($3, message),
		    updated_at = $4
		WHERE id = $1 AND `+nonTerminal+`
		RETURNING `+jobColumns,
		u.JobID, u.Progress, u.Message, u.At,
	)

	job, err := scanJob(row)
	if err == nil {
		return &store.Transition{Applied: true, Job: job}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to record progress for job %s: %w", u.JobID, err)
	}

	// Guard did not match: either the job is terminal or it does not exist.
	current, err := getJob(ctx, s.db, u.JobID)
	if err != nil {
		return nil, err
	}
	return &store.Transition{Applied: false, Job: current}, nil
}

// CompleteJob applies the terminal transition exactly once. The job update, the
// snapshot flags and the tenant's latest build fields commit together.
func (s *Store) CompleteJob(ctx context.Context, u store.TerminalUpdate) (*store.Transition, error) {
	var result *store.Transition

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE build_jobs
			SET status = $2::text,
			    message = COALESCE($3, message),
			    download_url = $4,
			    progress = CASE WHEN $2::text = 'COMPLETED' THEN 100 ELSE progress END,
			    updated_at = $5,
			    completed_at = $5
			WHERE id = $1 AND `+nonTerminal+`
			RETURNING `+jobColumns,
			u.JobID, u.Status, u.Message, u.DownloadURL, u.At,
		)

		job, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			current, err := getJob(ctx, tx, u.JobID)
			if err != nil {
				return err
			}
			result = &store.Transition{Applied: false, Job: current}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to complete job %s: %w", u.JobID, err)
		}

		if job.ConfigSnapshotID != nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE custom_templates
				SET is_building = FALSE, is_built = $2
				WHERE id = $1
			`, *job.ConfigSnapshotID, job.Status == store.JobStatusCompleted); err != nil {
				return fmt.Errorf("failed to update snapshot %s: %w", *job.ConfigSnapshotID, err)
			}
		}

		if job.Status == store.JobStatusCompleted && job.DownloadURL != nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE stores
				SET latest_build_url = $1, last_build_at = $2
				WHERE id = $3
			`, *job.DownloadURL, u.At, job.TenantID); err != nil {
				return fmt.Errorf("failed to update store %s: %w", job.TenantID, err)
			}
		}

		result = &store.Transition{Applied: true, Job: job}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListStuckJobs returns the oldest non-terminal jobs not updated since cutoff.
func (s *Store) ListStuckJobs(ctx context.Context, cutoff time.Time, limit int) ([]store.Job, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM build_jobs
		WHERE `+nonTerminal+` AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("stuck job query failed: %w", err)
	}
	defer rows.Close()

	var jobs []store.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("stuck job scan failed: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stuck job rows error: %w", err)
	}
	return jobs, nil
}
