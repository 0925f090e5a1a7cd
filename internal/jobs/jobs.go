// Package jobs talks to the asynchronous remote job backend and tracks
// submitted jobs to a terminal state.
package jobs

import (
	"context"

	"github.com/docmill/docmill/internal/instruction"
)

// Status is the remote job state. Terminal states are StatusCompleted
// and StatusFailed; after either, no further transitions occur.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is the remote job record. It is mutated only by the remote system;
// this side polls and never writes.
type Job struct {
	ID         string   `json:"id"`
	Status     Status   `json:"status"`
	Processed  int      `json:"processed"`
	Total      int      `json:"total"`
	Errors     []string `json:"errors,omitempty"`
	ResultPath string   `json:"result_path,omitempty"`
}

// Backend is the job system contract. Submit registers a sub-batch of
// instructions over previously uploaded files and returns the job ID;
// Status reads the current job record.
type Backend interface {
	Submit(ctx context.Context, operation string, instrs []instruction.Instruction, filePaths []string) (string, error)
	Status(ctx context.Context, jobID string) (Job, error)
}
