package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/docmill/docmill/internal/chunk"
	"github.com/docmill/docmill/internal/faults"
	"github.com/docmill/docmill/internal/instruction"
	"github.com/docmill/docmill/internal/pool"
)

// workspace is the mutable file set a local batch operates on. Outputs
// of earlier instructions become inputs for later ones; within one
// concurrent group, instructions see the state as of the group start.
type workspace struct {
	mu       sync.Mutex
	files    map[string][]byte
	produced map[string][]byte
}

func newWorkspace(files map[string][]byte) *workspace {
	copied := make(map[string][]byte, len(files))
	for name, data := range files {
		copied[name] = data
	}
	return &workspace{files: copied, produced: make(map[string][]byte)}
}

func (w *workspace) snapshot() map[string][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := make(map[string][]byte, len(w.files))
	for name, data := range w.files {
		snap[name] = data
	}
	return snap
}

func (w *workspace) apply(instr instruction.Instruction, outputs map[string][]byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if rename, ok := instr.(instruction.Rename); ok {
		delete(w.files, rename.OldName)
		delete(w.produced, rename.OldName)
	}
	for name, data := range outputs {
		w.files[name] = data
		w.produced[name] = data
	}
}

func (w *workspace) outputs() map[string][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.produced
}

type itemOutcome struct {
	instr instruction.Instruction
	err   error
}

// runLocal drives instructions in small concurrent groups through the
// worker pool, falling back to strictly sequential execution for a
// single instruction or when no pool is available. One failing
// instruction never aborts the batch.
func (o *Orchestrator) runLocal(ctx context.Context, req Request, progress *progressGuard) Result {
	ws := newWorkspace(req.Files)

	outcomes, err := chunk.Process(ctx, req.Instructions, o.cfg.LocalGroupSize,
		func(ctx context.Context, group []instruction.Instruction) ([]itemOutcome, error) {
			if o.pool != nil && len(group) > 1 {
				return o.runGroupPooled(ctx, group, ws), nil
			}
			return o.runGroupSequential(ctx, group, ws), nil
		},
		progress.scaled(0, 100),
	)
	if err != nil {
		// Only context cancellation reaches here; item failures are
		// folded into outcomes.
		o.reportError(req, err)
		return Result{
			Success: false,
			Errors:  []string{fmt.Sprintf("Batch interrupted: %v", err)},
			Message: "Batch interrupted",
		}
	}

	var errors []string
	processed := 0
	for _, outcome := range outcomes {
		if outcome.err == nil {
			processed++
			continue
		}
		o.reportError(req, outcome.err)
		errors = append(errors, fmt.Sprintf("%s: %s", outcome.instr.Describe(), faults.UserMessage(outcome.err)))
	}

	result := Result{
		Success:        processed > 0,
		ProcessedCount: processed,
		Errors:         errors,
		Outputs:        ws.outputs(),
		Message:        fmt.Sprintf("Processed %d of %d instructions", processed, len(req.Instructions)),
	}
	if !result.Success {
		result.Message = "All instructions failed"
	}
	return result
}

func (o *Orchestrator) runGroupSequential(ctx context.Context, group []instruction.Instruction, ws *workspace) []itemOutcome {
	outcomes := make([]itemOutcome, len(group))
	for i, instr := range group {
		outputs, err := o.engine.Transform(ctx, instr, ws.snapshot())
		if err == nil {
			ws.apply(instr, outputs)
		}
		outcomes[i] = itemOutcome{instr: instr, err: err}
	}
	return outcomes
}

func (o *Orchestrator) runGroupPooled(ctx context.Context, group []instruction.Instruction, ws *workspace) []itemOutcome {
	snap := ws.snapshot()
	outcomes := make([]itemOutcome, len(group))

	var wg sync.WaitGroup
	for i, instr := range group {
		wg.Go(func() {
			payload, err := o.pool.Submit(ctx, pool.Task{
				ID:   uuid.NewString(),
				Kind: string(instr.Op()),
				Run: func(taskCtx context.Context) (any, error) {
					return o.engine.Transform(taskCtx, instr, snap)
				},
			})
			if err == nil {
				if outputs, ok := payload.(map[string][]byte); ok {
					ws.apply(instr, outputs)
				}
			}
			outcomes[i] = itemOutcome{instr: instr, err: err}
		})
	}
	wg.Wait()

	return outcomes
}
