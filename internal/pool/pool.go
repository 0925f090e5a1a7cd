// Package pool runs CPU-bound transformation tasks on a bounded set of
// workers with per-task timeouts. A hung or crashed worker is replaced so
// pool capacity never shrinks during normal operation.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrTaskTimeout is returned when a task exceeds the per-task timeout.
	ErrTaskTimeout = errors.New("task timed out")
	// ErrWorkerCrashed is returned when the task panicked on its worker.
	ErrWorkerCrashed = errors.New("worker crashed")
	// ErrPoolTerminated is returned for tasks rejected by Shutdown.
	ErrPoolTerminated = errors.New("pool terminated")
)

// DefaultTimeout is the per-task execution budget.
const DefaultTimeout = 30 * time.Second

// Task is the typed envelope submitted to the pool.
type Task struct {
	ID   string
	Kind string
	Run  func(ctx context.Context) (any, error)
}

type taskResult struct {
	payload any
	err     error
}

// Task lifecycle states, advanced with compare-and-swap so the submitter
// and the executing worker agree on who owns the outcome.
const (
	statePending int32 = iota
	stateRunning
	stateAbandoned
	stateDone
)

type queuedTask struct {
	Task
	state   atomic.Int32
	started chan struct{}
	result  chan taskResult
}

// Pool is a fixed-capacity worker pool with a FIFO queue.
type Pool struct {
	logger  *logrus.Logger
	size    int
	timeout time.Duration

	queue     chan *queuedTask
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// DefaultSize bounds worker count by hardware parallelism, capped at 8.
func DefaultSize() int {
	return min(runtime.NumCPU(), 8)
}

// New starts a pool with the given worker count and per-task timeout.
// Zero values select DefaultSize and DefaultTimeout.
func New(logger *logrus.Logger, size int, timeout time.Duration) *Pool {
	if size <= 0 {
		size = DefaultSize()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger:  logger,
		size:    size,
		timeout: timeout,
		queue:   make(chan *queuedTask, size*8),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < size; i++ {
		go p.worker()
	}

	logger.WithFields(logrus.Fields{
		"workers": size,
		"timeout": timeout,
	}).Debug("Worker pool started")

	return p
}

// Size returns the configured worker count.
func (p *Pool) Size() int {
	return p.size
}

// Submit enqueues a task and waits for its result, the per-task timeout,
// or pool termination, whichever comes first.
func (p *Pool) Submit(ctx context.Context, t Task) (any, error) {
	qt := &queuedTask{Task: t, started: make(chan struct{}), result: make(chan taskResult, 1)}

	select {
	case <-p.done:
		return nil, fmt.Errorf("task %s rejected: %w", t.ID, ErrPoolTerminated)
	case <-ctx.Done():
		return nil, ctx.Err()
	case p.queue <- qt:
	}

	// The execution budget starts when a worker picks the task up, not
	// while it waits in the queue behind other tasks.
	select {
	case <-qt.started:
	case <-p.done:
		qt.state.Store(stateAbandoned)
		return nil, fmt.Errorf("task %s rejected: %w", t.ID, ErrPoolTerminated)
	case <-ctx.Done():
		p.abandon(qt)
		return nil, ctx.Err()
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case res := <-qt.result:
		return res.payload, res.err
	case <-timer.C:
		p.abandon(qt)
		return nil, fmt.Errorf("task %s: %w after %s", t.ID, ErrTaskTimeout, p.timeout)
	case <-p.done:
		qt.state.Store(stateAbandoned)
		return nil, fmt.Errorf("task %s rejected: %w", t.ID, ErrPoolTerminated)
	case <-ctx.Done():
		p.abandon(qt)
		return nil, ctx.Err()
	}
}

// abandon marks a task as no longer awaited. If it was already running,
// its worker is presumed hung and a replacement is started; the stale
// worker retires when (or if) the task ever returns.
func (p *Pool) abandon(qt *queuedTask) {
	if qt.state.CompareAndSwap(statePending, stateAbandoned) {
		return // never started, a worker will skip it
	}
	if !qt.state.CompareAndSwap(stateRunning, stateAbandoned) {
		return // finished in the same instant, result already delivered
	}
	p.logger.WithFields(logrus.Fields{
		"task": qt.ID,
		"kind": qt.Kind,
	}).Warn("Abandoning in-flight task, starting replacement worker")
	go p.worker()
}

// Shutdown rejects all queued and in-flight tasks with ErrPoolTerminated
// and stops every worker. Intended for clean process shutdown only.
func (p *Pool) Shutdown() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.cancel()
		p.logger.Debug("Worker pool terminated")
	})
}

func (p *Pool) worker() {
	for {
		select {
		case <-p.done:
			return
		case qt := <-p.queue:
			if !qt.state.CompareAndSwap(statePending, stateRunning) {
				continue // abandoned while queued
			}
			close(qt.started)

			res := p.runTask(qt)

			if !qt.state.CompareAndSwap(stateRunning, stateDone) {
				// Submitter gave up and already started a
				// replacement; this worker retires.
				return
			}
			qt.result <- res

			if errors.Is(res.err, ErrWorkerCrashed) {
				// Replace the worker after a panic rather than
				// trusting its state.
				go p.worker()
				return
			}
		}
	}
}

func (p *Pool) runTask(qt *queuedTask) (res taskResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"task":  qt.ID,
				"kind":  qt.Kind,
				"panic": r,
			}).Error("Task panicked")
			res = taskResult{err: fmt.Errorf("task %s: %w: %v", qt.ID, ErrWorkerCrashed, r)}
		}
	}()

	payload, err := qt.Run(p.ctx)
	return taskResult{payload: payload, err: err}
}
