// Package telemetry records per-operation metrics and ships classified
// errors to a fire-and-forget sink. Sink failures never affect the
// primary control flow.
package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is one telemetry record.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	UserID    string    `json:"user_id,omitempty"`
	Class     string    `json:"class,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Sink receives events asynchronously.
type Sink interface {
	Record(event Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// OpStats aggregates outcomes for one operation type.
type OpStats struct {
	Count         int
	Successes     int
	Failures      int
	TotalDuration time.Duration
}

// Recorder collects in-process metrics. It is safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	perOp     map[string]OpStats
	peakAlloc uint64
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{perOp: make(map[string]OpStats)}
}

// Observe records one finished operation and samples memory usage.
func (r *Recorder) Observe(operation string, duration time.Duration, success bool) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.perOp[operation]
	stats.Count++
	stats.TotalDuration += duration
	if success {
		stats.Successes++
	} else {
		stats.Failures++
	}
	r.perOp[operation] = stats

	if mem.Alloc > r.peakAlloc {
		r.peakAlloc = mem.Alloc
	}
}

// Snapshot returns a copy of the aggregates.
func (r *Recorder) Snapshot() map[string]OpStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]OpStats, len(r.perOp))
	for op, stats := range r.perOp {
		out[op] = stats
	}
	return out
}

// PeakAlloc returns the highest sampled heap allocation in bytes.
func (r *Recorder) PeakAlloc() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peakAlloc
}

// FileSink appends events as JSON lines to a file from a background
// goroutine. Record never blocks: when the buffer is full the event is
// dropped and counted.
type FileSink struct {
	logger  *logrus.Logger
	events  chan Event
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	dropped int
}

// NewFileSink opens (creating directories as needed) the JSONL file and
// starts the writer goroutine.
func NewFileSink(logger *logrus.Logger, path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}

	s := &FileSink{
		logger: logger,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	go s.writeLoop(file)
	return s, nil
}

// Record queues an event for writing. Error text is sanitised so
// credentials never reach the event log.
func (s *FileSink) Record(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Error = SanitiseError(event.Error)
	select {
	case s.events <- event:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Close flushes queued events and closes the file.
func (s *FileSink) Close() {
	s.once.Do(func() {
		close(s.events)
		<-s.done
	})
}

// Dropped returns how many events were discarded due to backpressure.
func (s *FileSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *FileSink) writeLoop(file *os.File) {
	defer close(s.done)
	defer func() {
		_ = file.Close()
	}()

	encoder := json.NewEncoder(file)
	for event := range s.events {
		if err := encoder.Encode(event); err != nil {
			s.logger.WithError(err).Debug("Failed to write telemetry event")
		}
	}
}
