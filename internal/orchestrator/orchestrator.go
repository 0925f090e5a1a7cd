// Package orchestrator coordinates instruction batches through
// validation, admission control, routing, and either local in-process
// execution or delegation to the remote job backend.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/docmill/docmill/internal/chunk"
	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/internal/engine"
	"github.com/docmill/docmill/internal/faults"
	"github.com/docmill/docmill/internal/instruction"
	"github.com/docmill/docmill/internal/jobs"
	"github.com/docmill/docmill/internal/pool"
	"github.com/docmill/docmill/internal/ratelimit"
	"github.com/docmill/docmill/internal/route"
	"github.com/docmill/docmill/internal/storage"
	"github.com/docmill/docmill/internal/telemetry"
)

// Request is one batch submitted by a user.
type Request struct {
	Operation    string
	Files        map[string][]byte
	Instructions []instruction.Instruction
	UserID       string
	Progress     chunk.ProgressFunc
}

// Result is the aggregated outcome. Partial success is first class: a
// successful batch may still carry per-item errors as warnings.
type Result struct {
	Success        bool
	ProcessedCount int
	Errors         []string
	Outputs        map[string][]byte
	Message        string
}

// Deps are the orchestrator's collaborators, injected explicitly. Store
// and Backend may be nil when no remote system is configured; Pool may
// be nil to force sequential local execution.
type Deps struct {
	Engine   engine.Engine
	Store    storage.BlobStore
	Backend  jobs.Backend
	Pool     *pool.Pool
	Gate     *ratelimit.Gate
	Recorder *telemetry.Recorder
	Sink     telemetry.Sink
}

// Orchestrator executes batches. Construct with New; the zero value is
// not usable.
type Orchestrator struct {
	cfg      *config.Config
	logger   *logrus.Logger
	engine   engine.Engine
	store    storage.BlobStore
	backend  jobs.Backend
	pool     *pool.Pool
	gate     *ratelimit.Gate
	recorder *telemetry.Recorder
	sink     telemetry.Sink
}

// New wires an orchestrator from its dependencies.
func New(cfg *config.Config, logger *logrus.Logger, deps Deps) *Orchestrator {
	sink := deps.Sink
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	gate := deps.Gate
	if gate == nil {
		gate = ratelimit.NewGate(cfg.GlobalRateLimit, cfg.OpRateLimit, cfg.RateWindow)
	}

	return &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		engine:   deps.Engine,
		store:    deps.Store,
		backend:  deps.Backend,
		pool:     deps.Pool,
		gate:     gate,
		recorder: deps.Recorder,
		sink:     sink,
	}
}

// ProcessOperation validates, admits, routes and executes one batch.
// It never panics the caller: every failure mode folds into the Result.
func (o *Orchestrator) ProcessOperation(ctx context.Context, req Request) Result {
	start := time.Now()
	result := o.process(ctx, req)

	if o.recorder != nil {
		o.recorder.Observe(req.Operation, time.Since(start), result.Success)
	}

	o.logger.WithFields(logrus.Fields{
		"operation": req.Operation,
		"user_id":   req.UserID,
		"success":   result.Success,
		"processed": result.ProcessedCount,
		"errors":    len(result.Errors),
		"duration":  time.Since(start),
	}).Info("Batch finished")

	return result
}

func (o *Orchestrator) process(ctx context.Context, req Request) Result {
	progress := newProgressGuard(req.Progress)

	if err := o.validate(req); err != nil {
		o.reportError(req, err)
		return Result{
			Success: false,
			Errors:  []string{err.Error()},
			Message: "Validation failed",
		}
	}

	if decision := o.gate.Allow(req.UserID, req.Operation); !decision.Allowed {
		wait := time.Until(decision.ResetAt).Round(time.Second)
		msg := fmt.Sprintf("Rate limit exceeded for %s operations. Try again in %s.", decision.Scope, wait)
		o.logger.WithFields(logrus.Fields{
			"user_id": req.UserID,
			"scope":   decision.Scope,
		}).Warn("Batch denied by rate limiter")
		return Result{Success: false, Errors: []string{msg}, Message: "Rate limit exceeded"}
	}

	stats := route.Stats{
		FileCount:        len(req.Files),
		TotalBytes:       totalBytes(req.Files),
		InstructionCount: len(req.Instructions),
	}
	plan := route.Decide(stats, o.cfg.AvailableMemoryBytes)

	if plan.Strategy == route.Remote && (o.store == nil || o.backend == nil) {
		o.logger.WithField("reason", plan.Reason).Warn("Remote execution selected but no remote system configured, running locally")
		plan = route.Plan{Strategy: route.Local, Reason: "remote system not configured"}
	}

	o.logger.WithFields(logrus.Fields{
		"strategy":     plan.Strategy,
		"reason":       plan.Reason,
		"files":        stats.FileCount,
		"bytes":        stats.TotalBytes,
		"instructions": stats.InstructionCount,
	}).Debug("Routing decision")

	if plan.Strategy == route.Remote {
		return o.runRemote(ctx, req, progress)
	}
	return o.runLocal(ctx, req, progress)
}

func (o *Orchestrator) validate(req Request) error {
	if len(req.Instructions) == 0 {
		return instruction.ErrEmptyInstructionSet
	}
	if req.UserID == "" {
		return fmt.Errorf("missing user id")
	}
	if len(req.Files) > o.cfg.MaxFiles {
		return fmt.Errorf("Too many files: %d exceeds the limit of %d", len(req.Files), o.cfg.MaxFiles)
	}

	var total int64
	for name, data := range req.Files {
		size := int64(len(data))
		if size > o.cfg.MaxFileBytes {
			return fmt.Errorf("%w: %s is %d bytes, limit is %d", faults.ErrFileTooLarge, name, size, o.cfg.MaxFileBytes)
		}
		total += size
	}
	if total > o.cfg.MaxTotalBytes {
		return fmt.Errorf("%w: batch is %d bytes, limit is %d", faults.ErrFileTooLarge, total, o.cfg.MaxTotalBytes)
	}
	return nil
}

// reportError ships a classified error to the telemetry sink. The sink
// is fire-and-forget; recording failure can never affect the batch.
func (o *Orchestrator) reportError(req Request, err error) {
	o.sink.Record(telemetry.Event{
		Operation: req.Operation,
		UserID:    req.UserID,
		Class:     string(faults.Classify(err)),
		Error:     err.Error(),
	})
}

func totalBytes(files map[string][]byte) int64 {
	var total int64
	for _, data := range files {
		total += int64(len(data))
	}
	return total
}
