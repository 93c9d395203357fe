// Package build turns build requests into durable jobs and hands them to the
// external build system.
package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"buildplane/internal/buildsys"
	"buildplane/internal/callback"
	"buildplane/internal/logger"
	"buildplane/internal/observability"
	"buildplane/internal/store"

	"github.com/google/uuid"
)

// ErrInvalidRequest is returned for dispatch requests that cannot become a job.
var ErrInvalidRequest = errors.New("invalid build request")

// BuildSystem is the outbound half of the build system contract.
type BuildSystem interface {
	Dispatch(ctx context.Context, req buildsys.DispatchRequest) error
}

// Failer applies a FAILED terminal transition through the callback path.
type Failer interface {
	Fail(ctx context.Context, jobID uuid.UUID, message string) (*callback.Result, error)
}

// Dispatcher creates jobs and fires their dispatch calls.
type Dispatcher struct {
	jobs         store.JobStore
	buildSystem  BuildSystem
	failer       Failer
	callbackURL  string
	timeout      time.Duration
	storeTimeout time.Duration
	metrics      *observability.Metrics
	logger       *slog.Logger
	now          func() time.Time

	wg sync.WaitGroup
}

// Config holds the dispatcher's knobs.
type Config struct {
	// CallbackURL is where the build system posts status callbacks.
	CallbackURL string
	// Timeout bounds the whole outbound dispatch, retries included.
	Timeout time.Duration
	// StoreTimeout bounds recording the job.
	StoreTimeout time.Duration
}

// NewDispatcher wires a dispatcher. A nil metrics records nothing.
func NewDispatcher(jobs store.JobStore, bs BuildSystem, failer Failer, cfg Config, metrics *observability.Metrics, log *slog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Dispatcher{
		jobs:         jobs,
		buildSystem:  bs,
		failer:       failer,
		callbackURL:  cfg.CallbackURL,
		timeout:      cfg.Timeout,
		storeTimeout: cfg.StoreTimeout,
		metrics:      metrics,
		logger:       log,
		now:          time.Now,
	}
}

// Dispatch records a PENDING job (flagging snapshotID building when given) and
// returns its ID. The build system call runs in the background; its failure
// never touches the job row except for an outright rejection, which fails the job.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID, snapshotID string, payload json.RawMessage) (uuid.UUID, error) {
	if tenantID == "" {
		return uuid.Nil, fmt.Errorf("%w: tenant is required", ErrInvalidRequest)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return uuid.Nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRequest)
	}

	job := &store.Job{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Status:    store.JobStatusPending,
		CreatedAt: d.now().UTC(),
	}
	if snapshotID != "" {
		job.ConfigSnapshotID = &snapshotID
	}

	sctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	err := d.jobs.CreateJob(sctx, job)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, store.ErrSnapshotBusy):
			d.metrics.Dispatch(ctx, "busy")
		case errors.Is(err, store.ErrSnapshotNotFound):
			d.metrics.Dispatch(ctx, "snapshot_not_found")
		default:
			d.metrics.Dispatch(ctx, "error")
		}
		return uuid.Nil, err
	}
	d.metrics.Dispatch(ctx, "accepted")

	req := buildsys.DispatchRequest{
		JobID:       job.ID.String(),
		TenantID:    tenantID,
		Payload:     payload,
		CallbackURL: d.callbackURL,
	}

	// Detach from the request so the client's disconnect does not abort the
	// dispatch, but keep its values (trace, request id) for logging.
	bg := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.send(bg, job.ID, req)
	}()

	return job.ID, nil
}

// Wait blocks until every in-flight dispatch call has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) send(ctx context.Context, jobID uuid.UUID, req buildsys.DispatchRequest) {
	log := logger.FromContext(ctx, d.logger).With("job_id", jobID, "tenant_id", req.TenantID)

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := d.buildSystem.Dispatch(ctx, req)
	if err == nil {
		d.metrics.Dispatch(ctx, "dispatched")
		log.Info("build dispatched")
		return
	}

	if !errors.Is(err, buildsys.ErrRejected) {
		// The job stays PENDING; the stuck-job sweep owns it from here.
		d.metrics.Dispatch(ctx, "unreachable")
		log.Error("build dispatch failed, job left pending", "error", err)
		return
	}

	d.metrics.Dispatch(ctx, "rejected")
	log.Warn("build system rejected dispatch", "error", err)

	// The dispatch context may be spent; failing the job gets its own budget.
	failCtx, failCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer failCancel()
	if _, ferr := d.failer.Fail(failCtx, jobID, "dispatch rejected: "+err.Error()); ferr != nil {
		log.Error("failed to mark rejected job failed", "error", ferr)
	}
}
