package postgres

import (
	"context"
	"fmt"

	"buildplane/internal/store"
)

// GetTenantByID returns the store entity with its derived build fields.
func (s *Store) GetTenantByID(ctx context.Context, id string) (*store.Tenant, error) {
	query := "SELECT id, name, latest_build_url, last_build_at, created_at FROM stores WHERE id = $1"

	var t store.Tenant
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID,
		&t.Name,
		&t.LatestBuildURL,
		&t.LastBuildAt,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	return &t, nil
}

// GetConfigSnapshot returns the custom template's build flags.
func (s *Store) GetConfigSnapshot(ctx context.Context, id string) (*store.ConfigSnapshot, error) {
	query := "SELECT id, store_id, is_building, is_built FROM custom_templates WHERE id = $1"

	var c store.ConfigSnapshot
	err := s.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.TenantID, &c.IsBuilding, &c.IsBuilt)
	if err != nil {
		return nil, notFound(err)
	}

	return &c, nil
}

// CreateUser inserts a user scoped to a tenant with the hash of its API key.
func (s *Store) CreateUser(ctx context.Context, user *store.User, hashedKey string) error {
	query := `
		INSERT INTO users (id, tenant_id, name, api_key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.TenantID,
		user.Name,
		hashedKey,
		user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create user %s: %w", user.ID, err)
	}
	return nil
}

// GetUserByAPIKeyHash resolves the caller of an authenticated request.
func (s *Store) GetUserByAPIKeyHash(ctx context.Context, hash string) (*store.User, error) {
	query := "SELECT id, tenant_id, name, created_at FROM users WHERE api_key_hash = $1"

	var u store.User
	err := s.db.QueryRowContext(ctx, query, hash).Scan(&u.ID, &u.TenantID, &u.Name, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}

	return &u, nil
}

// IsMember reports whether the user belongs to the tenant.
func (s *Store) IsMember(ctx context.Context, userID, tenantID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND tenant_id = $2)",
		userID, tenantID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("membership query failed: %w", err)
	}
	return exists, nil
}
