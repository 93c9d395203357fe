package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"buildplane/internal/broadcast"
	"buildplane/internal/callback"
	"buildplane/internal/controller/middleware"
	"buildplane/internal/store"

	"github.com/google/uuid"
)

// mockStore implements Store for testing
type mockStore struct {
	pingErr   error
	job       *store.Job
	getJobErr error
	tenant    *store.Tenant
	tenantErr error
	createErr error
	created   *store.User
	hashedKey string
}

func (m *mockStore) Ping(ctx context.Context) error { return m.pingErr }

func (m *mockStore) GetJobByID(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	if m.getJobErr != nil {
		return nil, m.getJobErr
	}
	if m.job == nil || m.job.ID != id {
		return nil, store.ErrNotFound
	}
	return m.job, nil
}

func (m *mockStore) GetTenantByID(ctx context.Context, id string) (*store.Tenant, error) {
	if m.tenantErr != nil {
		return nil, m.tenantErr
	}
	if m.tenant == nil || m.tenant.ID != id {
		return nil, store.ErrNotFound
	}
	return m.tenant, nil
}

func (m *mockStore) CreateUser(ctx context.Context, user *store.User, hashedKey string) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.created = user
	m.hashedKey = hashedKey
	return nil
}

type mockDispatcher struct {
	jobID    uuid.UUID
	err      error
	tenant   string
	snapshot string
	payload  json.RawMessage
}

func (m *mockDispatcher) Dispatch(ctx context.Context, tenantID, snapshotID string, payload json.RawMessage) (uuid.UUID, error) {
	m.tenant, m.snapshot, m.payload = tenantID, snapshotID, payload
	return m.jobID, m.err
}

type mockIngestor struct {
	res *callback.Result
	err error
	got callback.Callback
}

func (m *mockIngestor) Ingest(ctx context.Context, cb callback.Callback) (*callback.Result, error) {
	m.got = cb
	return m.res, m.err
}

type mockPresence struct {
	err            error
	user, tenantID string
}

func (m *mockPresence) Heartbeat(ctx context.Context, userID, tenantID string) error {
	m.user, m.tenantID = userID, tenantID
	return m.err
}

type mockGateway struct {
	grant     *broadcast.Grant
	authErr   error
	claims    *broadcast.GrantClaims
	verifyErr error
}

func (m *mockGateway) AuthorizePresenceJoin(ctx context.Context, userID, tenantID, channel, socketID string) (*broadcast.Grant, error) {
	return m.grant, m.authErr
}

func (m *mockGateway) VerifyGrant(token string) (*broadcast.GrantClaims, error) {
	return m.claims, m.verifyErr
}

type mockStreamer struct {
	topic string
}

func (m *mockStreamer) Serve(w http.ResponseWriter, r *http.Request, topic string) {
	m.topic = topic
	w.WriteHeader(http.StatusOK)
}

var testUser = &store.User{ID: "u1", TenantID: "tenant1", Name: "Ada", CreatedAt: time.Now()}

func withUser(req *http.Request, u *store.User) *http.Request {
	return req.WithContext(middleware.NewContextWithUser(req.Context(), u))
}

func assertResponse(t *testing.T, rr *httptest.ResponseRecorder, status int, inBody string) {
	t.Helper()
	if rr.Code != status {
		t.Errorf("handler returned wrong status code: got %v want %v (body %s)", rr.Code, status, rr.Body.String())
	}
	if inBody != "" && !strings.Contains(rr.Body.String(), inBody) {
		t.Errorf("handler returned unexpected body: got %v want substring %v", rr.Body.String(), inBody)
	}
}
