package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/internal/faults"
	"github.com/docmill/docmill/internal/instruction"
	"github.com/docmill/docmill/internal/jobs"
	"github.com/docmill/docmill/internal/ratelimit"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.RetryAttempts = 2
	cfg.RetryBaseDelay = time.Millisecond
	cfg.PollInterval = 2 * time.Millisecond
	cfg.JobTimeout = 50 * time.Millisecond
	cfg.UploadChunkSize = 2
	cfg.SubBatchSize = 2
	cfg.LocalGroupSize = 2
	return cfg
}

// fakeEngine executes rename instructions in memory and fails any
// instruction listed in failOn.
type fakeEngine struct {
	mu     sync.Mutex
	failOn map[string]bool
	calls  int
}

func (f *fakeEngine) Transform(_ context.Context, instr instruction.Instruction, files map[string][]byte) (map[string][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if f.failOn[instr.Describe()] {
		return nil, fmt.Errorf("%w: synthetic failure", faults.ErrCorruptedFile)
	}

	rename, ok := instr.(instruction.Rename)
	if !ok {
		return nil, fmt.Errorf("fake engine only handles renames, got %s", instr.Op())
	}
	data, ok := files[rename.OldName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", faults.ErrFileNotFound, rename.OldName)
	}
	return map[string][]byte{rename.NewName: data}, nil
}

func (f *fakeEngine) PageCount([]byte) (int, error) { return 1, nil }

type fakeStore struct {
	mu          sync.Mutex
	blobs       map[string][]byte
	removed     []string
	failUploads bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{blobs: make(map[string][]byte)}
}

func (s *fakeStore) Upload(_ context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUploads {
		return fmt.Errorf("%w: upload rejected", faults.ErrStorageQuota)
	}
	s.blobs[path] = data
	return nil
}

func (s *fakeStore) Download(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", faults.ErrFileNotFound, path)
	}
	return data, nil
}

func (s *fakeStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var paths []string
	for path := range s.blobs {
		if strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

func (s *fakeStore) Remove(ctx context.Context, paths []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, path := range paths {
		delete(s.blobs, path)
		s.removed = append(s.removed, path)
	}
	return nil
}

type fakeBackend struct {
	mu         sync.Mutex
	submitted  int
	stuck      bool
	jobs       map[string]jobs.Job
	statusHook func()
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{jobs: make(map[string]jobs.Job)}
}

func (b *fakeBackend) Submit(_ context.Context, _ string, instrs []instruction.Instruction, _ []string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted++
	id := fmt.Sprintf("job-%d", b.submitted)

	if b.stuck {
		b.jobs[id] = jobs.Job{ID: id, Status: jobs.StatusProcessing, Total: len(instrs)}
	} else {
		b.jobs[id] = jobs.Job{
			ID:         id,
			Status:     jobs.StatusCompleted,
			Processed:  len(instrs),
			Total:      len(instrs),
			ResultPath: "results/" + id + ".pdf",
		}
	}
	return id, nil
}

func (b *fakeBackend) Status(_ context.Context, jobID string) (jobs.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statusHook != nil {
		b.statusHook()
	}
	job, ok := b.jobs[jobID]
	if !ok {
		return jobs.Job{}, fmt.Errorf("unknown job %s", jobID)
	}
	return job, nil
}

func smallBatchFiles(n int) map[string][]byte {
	files := make(map[string][]byte, n)
	for i := 0; i < n; i++ {
		files[fmt.Sprintf("doc-%02d.pdf", i)] = []byte("content")
	}
	return files
}

func renameInstructions(n int) []instruction.Instruction {
	instrs := make([]instruction.Instruction, 0, n)
	for i := 0; i < n; i++ {
		instrs = append(instrs, instruction.Rename{
			OldName: fmt.Sprintf("doc-%02d.pdf", i),
			NewName: fmt.Sprintf("renamed-%02d.pdf", i),
		})
	}
	return instrs
}

func TestProcessOperation_LocalPartialFailure(t *testing.T) {
	eng := &fakeEngine{failOn: map[string]bool{
		instruction.Rename{OldName: "doc-01.pdf", NewName: "renamed-01.pdf"}.Describe(): true,
	}}
	o := New(testConfig(), testLogger(), Deps{Engine: eng})

	result := o.ProcessOperation(context.Background(), Request{
		Operation:    "rename",
		UserID:       "alice",
		Files:        smallBatchFiles(3),
		Instructions: renameInstructions(3),
	})

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.ProcessedCount)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "rename doc-01.pdf")
	assert.Contains(t, result.Outputs, "renamed-00.pdf")
	assert.Contains(t, result.Outputs, "renamed-02.pdf")
	assert.NotContains(t, result.Outputs, "renamed-01.pdf")
}

func TestProcessOperation_TooManyFiles(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFiles = 2
	eng := &fakeEngine{}
	o := New(cfg, testLogger(), Deps{Engine: eng})

	result := o.ProcessOperation(context.Background(), Request{
		Operation:    "rename",
		UserID:       "alice",
		Files:        smallBatchFiles(3),
		Instructions: renameInstructions(3),
	})

	assert.False(t, result.Success)
	assert.Equal(t, 0, result.ProcessedCount)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Too many files")
	assert.Zero(t, eng.calls)
}

func TestProcessOperation_EmptyInstructions(t *testing.T) {
	o := New(testConfig(), testLogger(), Deps{Engine: &fakeEngine{}})

	result := o.ProcessOperation(context.Background(), Request{
		Operation: "rename",
		UserID:    "alice",
		Files:     smallBatchFiles(1),
	})

	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "no valid instructions")
}

func TestProcessOperation_FileTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFileBytes = 4
	o := New(cfg, testLogger(), Deps{Engine: &fakeEngine{}})

	result := o.ProcessOperation(context.Background(), Request{
		Operation:    "rename",
		UserID:       "alice",
		Files:        map[string][]byte{"doc-00.pdf": []byte("far too large")},
		Instructions: renameInstructions(1),
	})

	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "doc-00.pdf")
}

func TestProcessOperation_RateLimitDenied(t *testing.T) {
	gate := ratelimit.NewGate(1, 1, time.Hour)
	o := New(testConfig(), testLogger(), Deps{Engine: &fakeEngine{}, Gate: gate})

	req := Request{
		Operation:    "rename",
		UserID:       "alice",
		Files:        smallBatchFiles(1),
		Instructions: renameInstructions(1),
	}

	first := o.ProcessOperation(context.Background(), req)
	require.True(t, first.Success)

	second := o.ProcessOperation(context.Background(), req)
	assert.False(t, second.Success)
	require.Len(t, second.Errors, 1)
	assert.Contains(t, second.Errors[0], "Rate limit exceeded")
	assert.Contains(t, second.Errors[0], "Try again in")
}

func TestProcessOperation_RemoteEndToEnd(t *testing.T) {
	store := newFakeStore()
	backend := newFakeBackend()

	// File count above the local fallback limit forces remote routing.
	files := smallBatchFiles(12)
	instrs := renameInstructions(3) // SubBatchSize 2 -> two jobs

	o := New(testConfig(), testLogger(), Deps{Engine: &fakeEngine{}, Store: store, Backend: backend})

	// Pre-seed the job results the backend will point at.
	store.blobs["results/job-1.pdf"] = []byte("result one")
	store.blobs["results/job-2.pdf"] = []byte("result two")

	result := o.ProcessOperation(context.Background(), Request{
		Operation:    "rename",
		UserID:       "alice",
		Files:        files,
		Instructions: instrs,
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.ProcessedCount)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 2, backend.submitted)
	assert.Equal(t, []byte("result one"), result.Outputs["job-1.pdf"])
	assert.Equal(t, []byte("result two"), result.Outputs["job-2.pdf"])

	// Uploaded sources are cleaned up after the batch.
	assert.Len(t, store.removed, len(files))
	for _, path := range store.removed {
		assert.Contains(t, path, "users/alice/batches/")
	}
}

func TestProcessOperation_RemoteJobTimeout(t *testing.T) {
	store := newFakeStore()
	backend := newFakeBackend()
	backend.stuck = true

	o := New(testConfig(), testLogger(), Deps{Engine: &fakeEngine{}, Store: store, Backend: backend})

	result := o.ProcessOperation(context.Background(), Request{
		Operation:    "rename",
		UserID:       "alice",
		Files:        smallBatchFiles(12),
		Instructions: renameInstructions(2),
	})

	assert.False(t, result.Success)
	assert.Equal(t, 0, result.ProcessedCount)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, strings.Join(result.Errors, "\n"), "Job timeout")
}

func TestProcessOperation_RemoteCleanupAfterCancellation(t *testing.T) {
	store := newFakeStore()
	backend := newFakeBackend()
	backend.stuck = true

	// Cancel the request the moment polling starts.
	ctx, cancel := context.WithCancel(context.Background())
	backend.statusHook = cancel

	o := New(testConfig(), testLogger(), Deps{Engine: &fakeEngine{}, Store: store, Backend: backend})

	files := smallBatchFiles(12)
	result := o.ProcessOperation(ctx, Request{
		Operation:    "rename",
		UserID:       "alice",
		Files:        files,
		Instructions: renameInstructions(2),
	})

	assert.False(t, result.Success)
	assert.Contains(t, strings.Join(result.Errors, "\n"), "interrupted")
	assert.Len(t, store.removed, len(files), "uploads are removed even when the request was cancelled")
}

func TestProcessOperation_RemoteAllUploadsFail(t *testing.T) {
	store := newFakeStore()
	store.failUploads = true
	backend := newFakeBackend()

	o := New(testConfig(), testLogger(), Deps{Engine: &fakeEngine{}, Store: store, Backend: backend})

	result := o.ProcessOperation(context.Background(), Request{
		Operation:    "rename",
		UserID:       "alice",
		Files:        smallBatchFiles(12),
		Instructions: renameInstructions(2),
	})

	assert.False(t, result.Success)
	assert.Equal(t, 0, result.ProcessedCount)
	assert.Contains(t, strings.Join(result.Errors, "\n"), "No files could be uploaded")
	assert.Zero(t, backend.submitted)
}

func TestProcessOperation_LocalFallbackWhenRemoteUnconfigured(t *testing.T) {
	// Routing would pick remote for this batch, but without a store and
	// backend the orchestrator must run it locally instead.
	files := smallBatchFiles(12)
	o := New(testConfig(), testLogger(), Deps{Engine: &fakeEngine{}})

	result := o.ProcessOperation(context.Background(), Request{
		Operation:    "rename",
		UserID:       "alice",
		Files:        files,
		Instructions: renameInstructions(2),
	})

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.ProcessedCount)
	assert.Contains(t, result.Outputs, "renamed-00.pdf")
}

func TestProcessOperation_ProgressMonotonic(t *testing.T) {
	store := newFakeStore()
	backend := newFakeBackend()
	store.blobs["results/job-1.pdf"] = []byte("result")

	var mu sync.Mutex
	var percents []int

	o := New(testConfig(), testLogger(), Deps{Engine: &fakeEngine{}, Store: store, Backend: backend})

	result := o.ProcessOperation(context.Background(), Request{
		Operation:    "rename",
		UserID:       "alice",
		Files:        smallBatchFiles(12),
		Instructions: renameInstructions(2),
		Progress: func(percent int, _ string) {
			mu.Lock()
			percents = append(percents, percent)
			mu.Unlock()
		},
	})

	require.True(t, result.Success)
	require.NotEmpty(t, percents)
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1])
	}
	assert.Equal(t, 100, percents[len(percents)-1])
}

func TestProcessOperation_OutputChaining(t *testing.T) {
	// A later instruction reads the output of an earlier one.
	o := New(testConfig(), testLogger(), Deps{Engine: &fakeEngine{}})

	result := o.ProcessOperation(context.Background(), Request{
		Operation: "rename",
		UserID:    "alice",
		Files:     map[string][]byte{"a.pdf": []byte("data")},
		Instructions: []instruction.Instruction{
			instruction.Rename{OldName: "a.pdf", NewName: "b.pdf"},
			instruction.Rename{OldName: "b.pdf", NewName: "c.pdf"},
		},
	})

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.ProcessedCount)
	assert.Contains(t, result.Outputs, "c.pdf")
	assert.NotContains(t, result.Outputs, "b.pdf")
}
