package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/docmill/docmill/internal/chunk"
	"github.com/docmill/docmill/internal/faults"
	"github.com/docmill/docmill/internal/jobs"
	"github.com/docmill/docmill/internal/retry"
)

// Progress segments for the remote phases. Cleanup closes out to 100.
const (
	uploadProgressEnd = 30
	jobsProgressEnd   = 95
)

type uploadOutcome struct {
	name string
	path string
	err  error
}

// runRemote walks the remote state machine: upload, submit sub-batches,
// poll each job, download results, clean up uploads. Failures at every
// stage are collected per item; only a total upload failure aborts.
func (o *Orchestrator) runRemote(ctx context.Context, req Request, progress *progressGuard) Result {
	namespace := fmt.Sprintf("users/%s/batches/%s", req.UserID, uuid.NewString())

	o.logger.WithFields(logrus.Fields{
		"namespace":    namespace,
		"files":        len(req.Files),
		"instructions": len(req.Instructions),
	}).Debug("Starting remote execution")

	var batchErrors []string

	// Uploading.
	uploaded, uploadErrors := o.uploadFiles(ctx, req, namespace, progress.scaled(0, uploadProgressEnd))
	batchErrors = append(batchErrors, uploadErrors...)

	if len(uploaded) == 0 {
		return Result{
			Success: false,
			Errors:  append(batchErrors, "No files could be uploaded for remote processing."),
			Message: "Remote execution failed",
		}
	}

	// Submitting, Polling, Downloading per sub-batch.
	processed, outputs, jobErrors := o.runSubBatches(ctx, req, uploaded, progress)
	batchErrors = append(batchErrors, jobErrors...)

	// CleaningUp: best effort, failures logged and never surfaced.
	o.cleanupUploads(ctx, uploaded)
	progress.report(100, "Done")

	result := Result{
		Success:        processed > 0,
		ProcessedCount: processed,
		Errors:         batchErrors,
		Outputs:        outputs,
		Message:        fmt.Sprintf("Processed %d of %d instructions remotely", processed, len(req.Instructions)),
	}
	if !result.Success {
		result.Message = "Remote execution failed"
	}
	return result
}

// uploadFiles pushes every batch file into the per-user namespace in
// concurrency-limited chunks, retrying each upload individually.
// Per-file failures are collected, not fatal.
func (o *Orchestrator) uploadFiles(ctx context.Context, req Request, namespace string, progress chunk.ProgressFunc) ([]string, []string) {
	names := make([]string, 0, len(req.Files))
	for name := range req.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	outcomes, err := chunk.Process(ctx, names, o.cfg.UploadChunkSize,
		func(ctx context.Context, group []string) ([]uploadOutcome, error) {
			results := make([]uploadOutcome, len(group))

			g, groupCtx := errgroup.WithContext(ctx)
			for i, name := range group {
				g.Go(func() error {
					blobPath := namespace + "/" + name
					_, uploadErr := retry.DoWithOptions(groupCtx, o.logger, "upload "+name, o.cfg.RetryAttempts,
						retry.Options{BaseDelay: o.cfg.RetryBaseDelay, Multiplier: retry.DefaultMultiplier},
						func() (struct{}, error) {
							return struct{}{}, o.store.Upload(groupCtx, blobPath, req.Files[name])
						})
					results[i] = uploadOutcome{name: name, path: blobPath, err: uploadErr}
					return nil
				})
			}
			_ = g.Wait()
			return results, nil
		},
		progress,
	)

	var uploaded []string
	var uploadErrors []string
	for _, outcome := range outcomes {
		if outcome.err != nil {
			o.reportError(req, outcome.err)
			uploadErrors = append(uploadErrors, fmt.Sprintf("Upload of %s failed: %s", outcome.name, faults.UserMessage(outcome.err)))
			continue
		}
		uploaded = append(uploaded, outcome.path)
	}
	if err != nil {
		uploadErrors = append(uploadErrors, fmt.Sprintf("Upload interrupted: %v", err))
	}

	o.logger.WithFields(logrus.Fields{
		"uploaded": len(uploaded),
		"failed":   len(uploadErrors),
	}).Debug("Upload phase finished")

	return uploaded, uploadErrors
}

// runSubBatches splits instructions into jobs of at most SubBatchSize,
// submits and tracks each, and downloads completed results. A failed or
// stuck job records its errors and the loop continues with the next
// sub-batch.
func (o *Orchestrator) runSubBatches(ctx context.Context, req Request, uploaded []string, progress *progressGuard) (int, map[string][]byte, []string) {
	subBatches := chunk.Count(len(req.Instructions), o.cfg.SubBatchSize)
	poller := jobs.NewPoller(o.logger, o.backend, o.cfg.PollInterval, o.cfg.JobTimeout)

	processed := 0
	outputs := make(map[string][]byte)
	var jobErrors []string

	span := jobsProgressEnd - uploadProgressEnd
	for i := 0; i < subBatches; i++ {
		start := i * o.cfg.SubBatchSize
		end := min(start+o.cfg.SubBatchSize, len(req.Instructions))
		sub := req.Instructions[start:end]

		segLo := uploadProgressEnd + span*i/subBatches
		segHi := uploadProgressEnd + span*(i+1)/subBatches

		jobID, err := retry.DoWithOptions(ctx, o.logger, fmt.Sprintf("submit job %d", i+1), o.cfg.RetryAttempts,
			retry.Options{BaseDelay: o.cfg.RetryBaseDelay, Multiplier: retry.DefaultMultiplier},
			func() (string, error) {
				return o.backend.Submit(ctx, req.Operation, sub, uploaded)
			})
		if err != nil {
			o.reportError(req, err)
			jobErrors = append(jobErrors, fmt.Sprintf("Submitting job %d of %d failed: %s", i+1, subBatches, faults.UserMessage(err)))
			continue
		}

		job, err := poller.Wait(ctx, jobID, progress.scaled(segLo, segHi))
		processed += job.Processed

		switch {
		case errors.Is(err, jobs.ErrJobTimeout):
			o.reportError(req, err)
			jobErrors = append(jobErrors, fmt.Sprintf("Job timeout: job %s did not finish within %s.", jobID, o.cfg.JobTimeout))
			continue
		case err != nil:
			// Context cancellation: stop submitting further work.
			jobErrors = append(jobErrors, fmt.Sprintf("Batch interrupted: %v", err))
			return processed, outputs, jobErrors
		}

		if job.Status == jobs.StatusFailed {
			jobErrors = append(jobErrors, job.Errors...)
			continue
		}

		if job.ResultPath == "" {
			jobErrors = append(jobErrors, fmt.Sprintf("Job %s finished without a result artifact.", jobID))
			continue
		}
		data, err := o.store.Download(ctx, job.ResultPath)
		if err != nil {
			o.reportError(req, err)
			jobErrors = append(jobErrors, fmt.Sprintf("Downloading result of job %s failed: %s", jobID, faults.UserMessage(err)))
			continue
		}
		outputs[path.Base(job.ResultPath)] = data
	}

	return processed, outputs, jobErrors
}

// cleanupUploads deletes the uploaded source files. Best effort only.
// Cleanup must still run when the batch was cancelled mid-flight, so the
// request context's cancellation is stripped.
func (o *Orchestrator) cleanupUploads(ctx context.Context, uploaded []string) {
	if err := o.store.Remove(context.WithoutCancel(ctx), uploaded); err != nil {
		o.logger.WithError(err).Warn("Failed to clean up uploaded batch files")
	}
}
