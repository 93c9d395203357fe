package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"buildplane/internal/store"
)

const presenceColumns = `user_id, tenant_id, is_online, last_seen_at`

// stalePredicate matches online rows whose heartbeat predates $2 (or never arrived).
const stalePredicate = `is_online AND (last_seen_at IS NULL OR last_seen_at < $2)`

func scanPresence(row rowScanner) (*store.Presence, error) {
	var p store.Presence
	if err := row.Scan(&p.UserID, &p.TenantID, &p.IsOnline, &p.LastSeenAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// Touch marks the user online. It returns the previous is_online value read under
// the row lock, so concurrent heartbeats and reconciler writes serialize per user.
// last_seen_at never moves backwards.
func (s *Store) Touch(ctx context.Context, userID, tenantID string, at time.Time) (bool, error) {
	// A second pass covers losing the insert race to a concurrent first heartbeat.
	for attempt := 0; attempt < 2; attempt++ {
		var wasOnline bool
		err := s.db.QueryRowContext(ctx, `
			UPDATE presence p
			SET is_online = TRUE,
			    tenant_id = $2,
			    last_seen_at = GREATEST(p.last_seen_at, $3)
			FROM (SELECT user_id, is_online FROM presence WHERE user_id = $1 FOR UPDATE) prev
			WHERE p.user_id = prev.user_id
			RETURNING prev.is_online
		`, userID, tenantID, at).Scan(&wasOnline)
		if err == nil {
			return wasOnline, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("failed to refresh presence for %s: %w", userID, err)
		}

		res, err := s.db.ExecContext(ctx, `
			INSERT INTO presence (user_id, tenant_id, is_online, last_seen_at)
			VALUES ($1, $2, TRUE, $3)
			ON CONFLICT (user_id) DO NOTHING
		`, userID, tenantID, at)
		if err != nil {
			return false, fmt.Errorf("failed to create presence for %s: %w", userID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return false, err
		} else if n == 1 {
			return false, nil
		}
	}
	return false, fmt.Errorf("presence for %s changed concurrently, giving up", userID)
}

// ListStale returns online records whose last heartbeat is older than cutoff.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]store.Presence, error) {
	if limit <= 0 {
		limit = 500
	}

	// $1 is the limit so the shared predicate can address the cutoff as $2.
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+presenceColumns+`
		FROM presence
		WHERE `+stalePredicate+`
		ORDER BY last_seen_at ASC NULLS FIRST
		LIMIT $1
	`, limit, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stale presence query failed: %w", err)
	}
	defer rows.Close()

	var records []store.Presence
	for rows.Next() {
		p, err := scanPresence(rows)
		if err != nil {
			return nil, fmt.Errorf("stale presence scan failed: %w", err)
		}
		records = append(records, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stale presence rows error: %w", err)
	}
	return records, nil
}

// MarkOffline flips the record offline. The staleness predicate is part of the
// write, so a heartbeat landing after ListStale makes this a no-op.
func (s *Store) MarkOffline(ctx context.Context, userID string, cutoff, at time.Time) (*store.Presence, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE presence
		SET is_online = FALSE, last_seen_at = $3
		WHERE user_id = $1 AND `+stalePredicate+`
		RETURNING `+presenceColumns,
		userID, cutoff, at,
	)

	p, err := scanPresence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to mark %s offline: %w", userID, err)
	}
	return p, true, nil
}

// GetPresence returns the presence record of a user.
func (s *Store) GetPresence(ctx context.Context, userID string) (*store.Presence, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+presenceColumns+" FROM presence WHERE user_id = $1", userID)
	p, err := scanPresence(row)
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}
