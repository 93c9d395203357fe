// Package memstore provides an in-memory implementation of store.Store.
// It honours the same guarded-write semantics as the postgres store and is
// used for tests and the controller's dev mode.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"buildplane/internal/store"

	"github.com/google/uuid"
)

// Store implements store.Store. A single mutex makes every method atomic.
type Store struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]store.Job
	tenants   map[string]store.Tenant
	snapshots map[string]store.ConfigSnapshot
	users     map[string]store.User
	keys      map[string]string // api key hash -> user id
	presence  map[string]store.Presence
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		jobs:      make(map[uuid.UUID]store.Job),
		tenants:   make(map[string]store.Tenant),
		snapshots: make(map[string]store.ConfigSnapshot),
		users:     make(map[string]store.User),
		keys:      make(map[string]string),
		presence:  make(map[string]store.Presence),
	}
}

// PutTenant seeds or replaces a tenant.
func (s *Store) PutTenant(t store.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
}

// PutSnapshot seeds or replaces a config snapshot.
func (s *Store) PutSnapshot(c store.ConfigSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[c.ID] = c
}

func (s *Store) CreateJob(_ context.Context, job *store.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ConfigSnapshotID != nil {
		snap, ok := s.snapshots[*job.ConfigSnapshotID]
		if !ok || snap.TenantID != job.TenantID {
			return store.ErrSnapshotNotFound
		}
		for _, existing := range s.jobs {
			if existing.ConfigSnapshotID != nil && *existing.ConfigSnapshotID == snap.ID && !existing.Status.IsTerminal() {
				return store.ErrSnapshotBusy
			}
		}
		snap.IsBuilding = true
		s.snapshots[snap.ID] = snap
	}

	stored := *job
	stored.Progress = 0
	stored.UpdatedAt = job.CreatedAt
	s.jobs[job.ID] = stored
	return nil
}

func (s *Store) GetJobByID(_ context.Context, id uuid.UUID) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &job, nil
}

func (s *Store) RecordProgress(_ context.Context, u store.ProgressUpdate) (*store.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[u.JobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return &store.Transition{Applied: false, Job: &job}, nil
	}

	job.Status = store.JobStatusInProgress
	if u.Progress != nil {
		job.Progress = *u.Progress
	}
	if u.Message != nil {
		job.Message = u.Message
	}
	job.UpdatedAt = u.At
	s.jobs[job.ID] = job
	return &store.Transition{Applied: true, Job: &job}, nil
}

func (s *Store) CompleteJob(_ context.Context, u store.TerminalUpdate) (*store.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[u.JobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return &store.Transition{Applied: false, Job: &job}, nil
	}

	at := u.At
	job.Status = u.Status
	if u.Message != nil {
		job.Message = u.Message
	}
	job.DownloadURL = u.DownloadURL
	if u.Status == store.JobStatusCompleted {
		job.Progress = 100
	}
	job.UpdatedAt = at
	job.CompletedAt = &at
	s.jobs[job.ID] = job

	if job.ConfigSnapshotID != nil {
		if snap, ok := s.snapshots[*job.ConfigSnapshotID]; ok {
			snap.IsBuilding = false
			snap.IsBuilt = job.Status == store.JobStatusCompleted
			s.snapshots[snap.ID] = snap
		}
	}

	if job.Status == store.JobStatusCompleted && job.DownloadURL != nil {
		if t, ok := s.tenants[job.TenantID]; ok {
			url := *job.DownloadURL
			t.LatestBuildURL = &url
			t.LastBuildAt = &at
			s.tenants[t.ID] = t
		}
	}

	return &store.Transition{Applied: true, Job: &job}, nil
}

func (s *Store) ListStuckJobs(_ context.Context, cutoff time.Time, limit int) ([]store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []store.Job
	for _, job := range s.jobs {
		if !job.Status.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].UpdatedAt.Before(jobs[j].UpdatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *Store) GetTenantByID(_ context.Context, id string) (*store.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (s *Store) GetConfigSnapshot(_ context.Context, id string) (*store.ConfigSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.snapshots[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) CreateUser(_ context.Context, user *store.User, hashedKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[user.ID] = *user
	s.keys[hashedKey] = user.ID
	return nil
}

func (s *Store) GetUserByAPIKeyHash(_ context.Context, hash string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.keys[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	u := s.users[id]
	return &u, nil
}

func (s *Store) IsMember(_ context.Context, userID, tenantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	return ok && u.TenantID == tenantID, nil
}

func (s *Store) Touch(_ context.Context, userID, tenantID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.presence[userID]
	wasOnline := ok && p.IsOnline

	seen := at
	if ok && p.LastSeenAt != nil && p.LastSeenAt.After(at) {
		seen = *p.LastSeenAt
	}
	s.presence[userID] = store.Presence{
		UserID:     userID,
		TenantID:   tenantID,
		IsOnline:   true,
		LastSeenAt: &seen,
	}
	return wasOnline, nil
}

func isStale(p store.Presence, cutoff time.Time) bool {
	return p.IsOnline && (p.LastSeenAt == nil || p.LastSeenAt.Before(cutoff))
}

func (s *Store) ListStale(_ context.Context, cutoff time.Time, limit int) ([]store.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []store.Presence
	for _, p := range s.presence {
		if isStale(p, cutoff) {
			records = append(records, p)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i].LastSeenAt, records[j].LastSeenAt
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return a.Before(*b)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *Store) MarkOffline(_ context.Context, userID string, cutoff, at time.Time) (*store.Presence, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.presence[userID]
	if !ok || !isStale(p, cutoff) {
		return nil, false, nil
	}
	seen := at
	p.IsOnline = false
	p.LastSeenAt = &seen
	s.presence[userID] = p
	return &p, true, nil
}

func (s *Store) GetPresence(_ context.Context, userID string) (*store.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.presence[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
