// Package config loads orchestration settings from environment
// variables, with a YAML file for remote service endpoints.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the orchestration engine.
type Config struct {
	// Validation limits
	MaxFiles      int   // maximum files per batch
	MaxFileBytes  int64 // maximum size of one file
	MaxTotalBytes int64 // maximum combined size of a batch

	// Local execution
	LocalGroupSize int           // instructions dispatched concurrently
	WorkerTimeout  time.Duration // per-task budget in the worker pool

	// Remote execution
	UploadChunkSize int           // files uploaded per chunk
	SubBatchSize    int           // instructions per remote job
	PollInterval    time.Duration // job status poll cadence
	JobTimeout      time.Duration // per-job tracking budget
	RetryAttempts   int           // attempts for uploads and submissions
	RetryBaseDelay  time.Duration // first backoff delay

	// Rate limiting
	GlobalRateLimit int           // requests per window per user
	OpRateLimit     int           // per-operation requests per window per user
	RateWindow      time.Duration // fixed window length

	// AvailableMemoryBytes feeds the routing decision; 0 means memory
	// introspection is unavailable and conservative fallbacks apply.
	AvailableMemoryBytes int64

	// Paths
	StoreDir      string // filesystem blob store root
	TelemetryPath string // JSONL telemetry sink, empty disables it
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		MaxFiles:             200,
		MaxFileBytes:         100 * 1024 * 1024,
		MaxTotalBytes:        500 * 1024 * 1024,
		LocalGroupSize:       4,
		WorkerTimeout:        30 * time.Second,
		UploadChunkSize:      5,
		SubBatchSize:         50,
		PollInterval:         2 * time.Second,
		JobTimeout:           30 * time.Minute,
		RetryAttempts:        3,
		RetryBaseDelay:       500 * time.Millisecond,
		GlobalRateLimit:      1000,
		OpRateLimit:          100,
		RateWindow:           time.Hour,
		AvailableMemoryBytes: 0,
		StoreDir:             homeDir + "/.docmill/store",
		TelemetryPath:        homeDir + "/.docmill/logs/events.jsonl",
	}
}

// LoadConfig applies environment overrides to the defaults.
func LoadConfig() *Config {
	cfg := DefaultConfig()

	intVar(&cfg.MaxFiles, "DOCMILL_MAX_FILES")
	int64Var(&cfg.MaxFileBytes, "DOCMILL_MAX_FILE_BYTES")
	int64Var(&cfg.MaxTotalBytes, "DOCMILL_MAX_TOTAL_BYTES")
	intVar(&cfg.LocalGroupSize, "DOCMILL_LOCAL_GROUP_SIZE")
	durationVar(&cfg.WorkerTimeout, "DOCMILL_WORKER_TIMEOUT")
	intVar(&cfg.UploadChunkSize, "DOCMILL_UPLOAD_CHUNK_SIZE")
	intVar(&cfg.SubBatchSize, "DOCMILL_SUB_BATCH_SIZE")
	durationVar(&cfg.PollInterval, "DOCMILL_POLL_INTERVAL")
	durationVar(&cfg.JobTimeout, "DOCMILL_JOB_TIMEOUT")
	intVar(&cfg.RetryAttempts, "DOCMILL_RETRY_ATTEMPTS")
	durationVar(&cfg.RetryBaseDelay, "DOCMILL_RETRY_BASE_DELAY")
	intVar(&cfg.GlobalRateLimit, "DOCMILL_GLOBAL_RATE_LIMIT")
	intVar(&cfg.OpRateLimit, "DOCMILL_OP_RATE_LIMIT")
	durationVar(&cfg.RateWindow, "DOCMILL_RATE_WINDOW")
	int64Var(&cfg.AvailableMemoryBytes, "DOCMILL_AVAILABLE_MEMORY")
	stringVar(&cfg.StoreDir, "DOCMILL_STORE_DIR")
	stringVar(&cfg.TelemetryPath, "DOCMILL_TELEMETRY_PATH")

	return cfg
}

// RemoteConfig names the remote collaborators. When absent, every batch
// runs locally.
type RemoteConfig struct {
	StorageURL string `yaml:"storage_url"`
	JobsURL    string `yaml:"jobs_url"`
	APIKey     string `yaml:"api_key"`
}

// LoadRemoteConfig reads and validates a YAML endpoint file.
func LoadRemoteConfig(path string) (*RemoteConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote config %s: %w", path, err)
	}

	var rc RemoteConfig
	if err := yaml.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("failed to parse remote config %s: %w", path, err)
	}
	if rc.StorageURL == "" || rc.JobsURL == "" {
		return nil, fmt.Errorf("remote config %s must set storage_url and jobs_url", path)
	}
	return &rc, nil
}

func intVar(dst *int, name string) {
	if value := os.Getenv(name); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			*dst = parsed
		}
	}
}

func int64Var(dst *int64, name string) {
	if value := os.Getenv(name); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil && parsed > 0 {
			*dst = parsed
		}
	}
}

func durationVar(dst *time.Duration, name string) {
	if value := os.Getenv(name); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			*dst = parsed
		}
	}
}

func stringVar(dst *string, name string) {
	if value := os.Getenv(name); value != "" {
		*dst = value
	}
}
