package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/docmill/docmill/internal/faults"
	"github.com/docmill/docmill/internal/instruction"
)

// DefaultRequestTimeout bounds a single backend request.
const DefaultRequestTimeout = 30 * time.Second

// wireInstruction is the serializable envelope for one instruction. The
// op tag selects which fields are meaningful.
type wireInstruction struct {
	Op      instruction.OpKind `json:"op"`
	Sources []string           `json:"sources,omitempty"`
	Source  string             `json:"source,omitempty"`
	Pages   []int              `json:"pages,omitempty"`
	Ranges  [][2]int           `json:"ranges,omitempty"`
	Order   []int              `json:"order,omitempty"`
	Outputs []string           `json:"outputs,omitempty"`
	Output  string             `json:"output,omitempty"`
	OldName string             `json:"old_name,omitempty"`
	NewName string             `json:"new_name,omitempty"`
}

func toWire(instr instruction.Instruction) wireInstruction {
	switch v := instr.(type) {
	case instruction.Merge:
		return wireInstruction{Op: v.Op(), Sources: v.Sources, Output: v.Output}
	case instruction.DeletePages:
		return wireInstruction{Op: v.Op(), Source: v.Source, Pages: v.Pages, Output: v.Output}
	case instruction.Split:
		ranges := make([][2]int, len(v.Ranges))
		for i, r := range v.Ranges {
			ranges[i] = [2]int{r.Start, r.End}
		}
		return wireInstruction{Op: v.Op(), Source: v.Source, Ranges: ranges, Outputs: v.Outputs}
	case instruction.Reorder:
		return wireInstruction{Op: v.Op(), Source: v.Source, Order: v.Order, Output: v.Output}
	case instruction.Rename:
		return wireInstruction{Op: v.Op(), OldName: v.OldName, NewName: v.NewName}
	default:
		return wireInstruction{Op: instr.Op()}
	}
}

type submitRequest struct {
	Operation    string            `json:"operation"`
	Instructions []wireInstruction `json:"instructions"`
	Files        []string          `json:"files"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

// HTTPBackend implements Backend over the job service's REST API.
type HTTPBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *logrus.Logger
}

// NewHTTPBackend creates a backend client for the given base URL.
func NewHTTPBackend(logger *logrus.Logger, baseURL, apiKey string) *HTTPBackend {
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: DefaultRequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(10), 1),
		logger:  logger,
	}
}

func (b *HTTPBackend) Submit(ctx context.Context, operation string, instrs []instruction.Instruction, filePaths []string) (string, error) {
	payload := submitRequest{
		Operation:    operation,
		Instructions: make([]wireInstruction, len(instrs)),
		Files:        filePaths,
	}
	for i, instr := range instrs {
		payload.Instructions[i] = toWire(instr)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode job submission: %w", err)
	}

	resp, err := b.do(ctx, http.MethodPost, b.baseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	defer b.discard(resp)

	var submitted submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return "", fmt.Errorf("submit job: failed to decode response: %w", err)
	}
	if submitted.JobID == "" {
		return "", fmt.Errorf("submit job: backend returned empty job id")
	}

	b.logger.WithFields(logrus.Fields{
		"job_id":       submitted.JobID,
		"instructions": len(instrs),
	}).Debug("Submitted remote job")

	return submitted.JobID, nil
}

func (b *HTTPBackend) Status(ctx context.Context, jobID string) (Job, error) {
	resp, err := b.do(ctx, http.MethodGet, b.baseURL+"/jobs/"+jobID, nil)
	if err != nil {
		return Job{}, fmt.Errorf("job %s status: %w", jobID, err)
	}
	defer b.discard(resp)

	var job Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return Job{}, fmt.Errorf("job %s status: failed to decode response: %w", jobID, err)
	}
	return job, nil
}

func (b *HTTPBackend) do(ctx context.Context, method, requestURL string, body io.Reader) (*http.Response, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b.discard(resp)
		return nil, &faults.HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, URL: requestURL}
	}
	return resp, nil
}

func (b *HTTPBackend) discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
