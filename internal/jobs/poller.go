package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/docmill/docmill/internal/chunk"
)

const (
	// DefaultPollInterval is the delay between status reads.
	DefaultPollInterval = 2 * time.Second
	// DefaultJobTimeout bounds how long one job is tracked before it is
	// declared stuck.
	DefaultJobTimeout = 30 * time.Minute
)

// ErrJobTimeout marks a job that did not reach a terminal state within
// the timeout. The job may still finish remotely; this side stops
// waiting for it.
var ErrJobTimeout = errors.New("job timeout")

// Poller tracks a remote job to a terminal state.
type Poller struct {
	backend  Backend
	interval time.Duration
	timeout  time.Duration
	logger   *logrus.Logger
}

// NewPoller creates a poller. Zero interval or timeout selects the
// defaults.
func NewPoller(logger *logrus.Logger, backend Backend, interval, timeout time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	return &Poller{backend: backend, interval: interval, timeout: timeout, logger: logger}
}

// Wait polls the job every interval until it reaches a terminal state or
// the timeout elapses. Transient status-read errors are logged and
// tolerated. The last observed job record is always returned; on timeout
// the error wraps ErrJobTimeout rather than panicking the batch.
func (p *Poller) Wait(ctx context.Context, jobID string, progress chunk.ProgressFunc) (Job, error) {
	deadline := time.NewTimer(p.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	last := Job{ID: jobID, Status: StatusQueued}

	for {
		job, err := p.backend.Status(ctx, jobID)
		if err != nil {
			// Keep polling through transient read errors; the
			// timeout is the backstop.
			p.logger.WithError(err).WithField("job_id", jobID).Warn("Job status read failed, will retry")
		} else {
			last = job
			if progress != nil && job.Total > 0 {
				percent := job.Processed * 100 / job.Total
				progress(percent, fmt.Sprintf("Job %s: %d of %d processed", jobID, job.Processed, job.Total))
			}
			if job.Status.Terminal() {
				p.logger.WithFields(logrus.Fields{
					"job_id": jobID,
					"status": job.Status,
				}).Debug("Job reached terminal state")
				return job, nil
			}
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			return last, fmt.Errorf("%w: job %s still %s after %s", ErrJobTimeout, jobID, last.Status, p.timeout)
		case <-ticker.C:
		}
	}
}
