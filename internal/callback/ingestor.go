// Package callback applies build-system callbacks to jobs.
//
// A job moves PENDING -> IN_PROGRESS -> COMPLETED|FAILED. The terminal step
// happens at most once: the store applies it with a conditional write, and
// every later callback for the job is acknowledged without side effects.
// Publishing happens after the write commits and never fails an ingestion.
package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"buildplane/internal/broadcast"
	"buildplane/internal/logger"
	"buildplane/internal/observability"
	"buildplane/internal/store"
	"buildplane/pkg/api"

	"github.com/google/uuid"
)

var (
	// ErrInvalidCallback is returned for malformed callbacks. Nothing is written.
	ErrInvalidCallback = errors.New("invalid callback")

	// ErrJobNotFound is returned for callbacks naming an unknown job.
	ErrJobNotFound = errors.New("job not found")
)

// Callback is one status report from the build system.
type Callback struct {
	JobID       string
	Status      string
	Progress    *int
	DownloadURL *string
	Message     *string
}

// Outcome labels what an accepted callback did.
type Outcome string

const (
	// OutcomeApplied means the job row changed.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the job was already terminal.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means the callback reported a non-advancing status.
	OutcomeIgnored Outcome = "ignored"
)

// Result describes an accepted callback. Job is the stored row after ingestion.
type Result struct {
	Job     *store.Job
	Outcome Outcome
}

// Applied reports whether the callback changed the job.
func (r *Result) Applied() bool {
	return r.Outcome == OutcomeApplied
}

// Ingestor is the job state machine driven by callbacks.
type Ingestor struct {
	jobs      store.JobStore
	publisher broadcast.Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time

	storeTimeout time.Duration
}

// DefaultStoreTimeout bounds each store call of an ingestion.
const DefaultStoreTimeout = 5 * time.Second

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithStoreTimeout bounds each store call. Non-positive values keep the default.
func WithStoreTimeout(d time.Duration) Option {
	return func(in *Ingestor) {
		if d > 0 {
			in.storeTimeout = d
		}
	}
}

// NewIngestor wires an ingestor. A nil metrics records nothing.
func NewIngestor(jobs store.JobStore, publisher broadcast.Publisher, metrics *observability.Metrics, log *slog.Logger, opts ...Option) *Ingestor {
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	in := &Ingestor{
		jobs:         jobs,
		publisher:    publisher,
		metrics:      metrics,
		logger:       log,
		now:          time.Now,
		storeTimeout: DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// storeContext derives the deadline for one store call. A stalled write then
// fails the delivery with a retryable error instead of holding it open.
func (in *Ingestor) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, in.storeTimeout)
}

// Ingest validates cb and applies it. Store failures are returned so the
// caller can reject the delivery and have it retried.
func (in *Ingestor) Ingest(ctx context.Context, cb Callback) (*Result, error) {
	log := logger.FromContext(ctx, in.logger).With("job_id", cb.JobID, "reported_status", cb.Status)

	jobID, status, err := validate(cb)
	if err != nil {
		in.metrics.Callback(ctx, "invalid")
		log.Warn("rejected callback", "error", err)
		return nil, err
	}

	at := in.now().UTC()
	var tr *store.Transition

	switch status {
	case store.JobStatusPending:
		// Build systems report queued after accepting a dispatch. The job is
		// already PENDING (or further along), so there is nothing to apply.
		sctx, cancel := in.storeContext(ctx)
		job, err := in.jobs.GetJobByID(sctx, jobID)
		cancel()
		if err != nil {
			return nil, in.storeError(ctx, jobID, err)
		}
		in.metrics.Callback(ctx, string(OutcomeIgnored))
		return &Result{Job: job, Outcome: OutcomeIgnored}, nil

	case store.JobStatusInProgress:
		sctx, cancel := in.storeContext(ctx)
		tr, err = in.jobs.RecordProgress(sctx, store.ProgressUpdate{
			JobID:    jobID,
			Progress: cb.Progress,
			Message:  cb.Message,
			At:       at,
		})
		cancel()

	default:
		u := store.TerminalUpdate{
			JobID:   jobID,
			Status:  status,
			Message: cb.Message,
			At:      at,
		}
		if status == store.JobStatusCompleted && cb.DownloadURL != nil && strings.TrimSpace(*cb.DownloadURL) != "" {
			u.DownloadURL = cb.DownloadURL
		}
		sctx, cancel := in.storeContext(ctx)
		tr, err = in.jobs.CompleteJob(sctx, u)
		cancel()
	}
	if err != nil {
		return nil, in.storeError(ctx, jobID, err)
	}

	if !tr.Applied {
		in.metrics.Callback(ctx, string(OutcomeDuplicate))
		log.Info("callback for terminal job acknowledged", "status", tr.Job.Status)
		return &Result{Job: tr.Job, Outcome: OutcomeDuplicate}, nil
	}

	in.metrics.Callback(ctx, string(OutcomeApplied))
	log.Info("job updated", "status", tr.Job.Status, "progress", tr.Job.Progress)
	// The row is committed; a caller hanging up must not cancel its event.
	in.publish(context.WithoutCancel(ctx), log, tr.Job, at)

	return &Result{Job: tr.Job, Outcome: OutcomeApplied}, nil
}

// Fail applies a FAILED terminal transition on behalf of the service itself.
func (in *Ingestor) Fail(ctx context.Context, jobID uuid.UUID, message string) (*Result, error) {
	return in.Ingest(ctx, Callback{
		JobID:   jobID.String(),
		Status:  string(store.JobStatusFailed),
		Message: &message,
	})
}

func (in *Ingestor) storeError(ctx context.Context, jobID uuid.UUID, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		in.metrics.Callback(ctx, "unknown_job")
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	in.metrics.Callback(ctx, "error")
	return fmt.Errorf("failed to apply callback for job %s: %w", jobID, err)
}

func (in *Ingestor) publish(ctx context.Context, log *slog.Logger, job *store.Job, at time.Time) {
	event := api.BuildProgressEvent{
		JobID:       job.ID.String(),
		Status:      string(job.Status),
		Progress:    job.Progress,
		DownloadURL: job.DownloadURL,
		Timestamp:   at,
	}
	if job.Message != nil {
		event.Message = *job.Message
	}

	if err := in.publisher.Publish(ctx, broadcast.BuildTopic(job.TenantID), broadcast.EventBuildProgress, event); err != nil {
		in.metrics.PublishFailed(ctx, broadcast.EventBuildProgress)
		log.Error("failed to publish build progress", "error", err)
	}
}

func validate(cb Callback) (uuid.UUID, store.JobStatus, error) {
	if cb.JobID == "" {
		return uuid.Nil, "", fmt.Errorf("%w: job_id is required", ErrInvalidCallback)
	}
	jobID, err := uuid.Parse(cb.JobID)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: job_id %q is not a valid id", ErrInvalidCallback, cb.JobID)
	}
	if cb.Status == "" {
		return uuid.Nil, "", fmt.Errorf("%w: status is required", ErrInvalidCallback)
	}
	status, ok := store.ParseJobStatus(cb.Status)
	if !ok {
		return uuid.Nil, "", fmt.Errorf("%w: unknown status %q", ErrInvalidCallback, cb.Status)
	}
	if cb.Progress != nil && (*cb.Progress < 0 || *cb.Progress > 100) {
		return uuid.Nil, "", fmt.Errorf("%w: progress %d out of range 0..100", ErrInvalidCallback, *cb.Progress)
	}
	return jobID, status, nil
}
