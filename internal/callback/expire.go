package callback

import (
	"context"
	"fmt"
	"time"
)

const expireBatch = 100

// ExpireStuck fails jobs that have not been updated for maxAge. Each job goes
// through the same guarded terminal path as a FAILED callback, so a callback
// racing the sweep wins or loses cleanly. It returns the number of jobs failed.
func (in *Ingestor) ExpireStuck(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := in.now().Add(-maxAge)
	message := fmt.Sprintf("timeout: no terminal callback within %s", maxAge)
	expired := 0

	for {
		sctx, cancel := in.storeContext(ctx)
		jobs, err := in.jobs.ListStuckJobs(sctx, cutoff, expireBatch)
		cancel()
		if err != nil {
			return expired, fmt.Errorf("failed to list stuck jobs: %w", err)
		}

		batchExpired := 0
		for _, job := range jobs {
			res, err := in.Fail(ctx, job.ID, message)
			if err != nil {
				in.logger.Error("failed to expire stuck job", "job_id", job.ID, "error", err)
				continue
			}
			if res.Applied() {
				batchExpired++
				in.logger.Warn("expired stuck job", "job_id", job.ID, "tenant_id", job.TenantID, "last_update", job.UpdatedAt)
			}
		}
		expired += batchExpired

		// A short batch is the last one. A full batch that expired nothing
		// would be listed again unchanged.
		if len(jobs) < expireBatch || batchExpired == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return expired, err
		}
	}

	if expired > 0 {
		in.metrics.JobsExpired(ctx, expired)
	}
	return expired, nil
}
