package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/internal/engine"
	"github.com/docmill/docmill/internal/instruction"
	"github.com/docmill/docmill/internal/jobs"
	"github.com/docmill/docmill/internal/orchestrator"
	"github.com/docmill/docmill/internal/pool"
	"github.com/docmill/docmill/internal/storage"
	"github.com/docmill/docmill/internal/telemetry"
)

// Version information (set during build)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// DefaultMemoryLimit is the default soft memory limit for the process (4GB).
const DefaultMemoryLimit = 4 * 1024 * 1024 * 1024

// parseLogLevel parses the LOG_LEVEL environment variable and returns the
// appropriate logrus level. Defaults to WarnLevel if not set or invalid.
func parseLogLevel() logrus.Level {
	logLevelStr := os.Getenv("LOG_LEVEL")
	if logLevelStr == "" {
		return logrus.WarnLevel
	}

	switch strings.ToLower(strings.TrimSpace(logLevelStr)) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.WarnLevel
	}
}

// setMemoryLimit configures the Go runtime soft memory limit. Large merge
// batches hold every input in memory, so the GC needs a hard target.
func setMemoryLimit() {
	memLimit := int64(DefaultMemoryLimit)
	if value := os.Getenv("DOCMILL_MEMORY_LIMIT"); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil && parsed > 0 {
			memLimit = parsed
		}
	}
	debug.SetMemoryLimit(memLimit)
}

func main() {
	setMemoryLimit()

	// A .env alongside the binary is convenient for remote credentials.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logrus.New()
	logger.SetLevel(parseLogLevel())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	sharedFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    "files",
			Aliases: []string{"f"},
			Value:   ".",
			Usage:   "Directory holding the input documents",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Value:   "out",
			Usage:   "Directory to write produced documents to",
		},
		&cli.StringFlag{
			Name:    "user",
			Aliases: []string{"u"},
			Value:   "local",
			Usage:   "User identity for rate limiting and remote namespacing",
		},
		&cli.StringFlag{
			Name:  "remote-config",
			Usage: "YAML file naming the remote storage and job endpoints (optional)",
		},
	}

	app := &cli.Command{
		Name:    "docmill",
		Usage:   "Spreadsheet-driven bulk document transformation",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate),
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Execute one instruction sheet",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "sheet",
						Aliases:  []string{"s"},
						Required: true,
						Usage:    "Path to the .xlsx instruction sheet",
					},
				}, sharedFlags...),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					runner, err := newRunner(logger, cmd)
					if err != nil {
						return err
					}
					defer runner.close()
					return runner.runSheet(ctx, cmd.String("sheet"))
				},
			},
			{
				Name:  "watch",
				Usage: "Watch a hot folder and execute every instruction sheet dropped into it",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "dir",
						Aliases:  []string{"d"},
						Required: true,
						Usage:    "Directory to watch for .xlsx instruction sheets",
					},
				}, sharedFlags...),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					runner, err := newRunner(logger, cmd)
					if err != nil {
						return err
					}
					defer runner.close()
					return runner.watch(ctx, cmd.String("dir"))
				},
			},
			{
				Name:  "version",
				Usage: "Print version information",
				Action: func(_ context.Context, _ *cli.Command) error {
					fmt.Printf("docmill version %s (commit: %s, built: %s)\n", Version, Commit, BuildDate)
					return nil
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

// runner holds the long-lived collaborators one command invocation uses.
// In watch mode a single runner serves every dropped sheet, so the rate
// limiter and worker pool carry across batches.
type runner struct {
	logger   *logrus.Logger
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	pool     *pool.Pool
	sink     *telemetry.FileSink
	recorder *telemetry.Recorder
	archive  *storage.FileStore

	filesDir string
	outDir   string
	userID   string
}

func newRunner(logger *logrus.Logger, cmd *cli.Command) (*runner, error) {
	cfg := config.LoadConfig()

	r := &runner{
		logger:   logger,
		cfg:      cfg,
		pool:     pool.New(logger, pool.DefaultSize(), cfg.WorkerTimeout),
		recorder: telemetry.NewRecorder(),
		filesDir: cmd.String("files"),
		outDir:   cmd.String("output"),
		userID:   cmd.String("user"),
	}

	deps := orchestrator.Deps{
		Engine:   engine.NewPDFEngine(logger),
		Pool:     r.pool,
		Recorder: r.recorder,
	}

	if archive, err := storage.NewFileStore(logger, cfg.StoreDir); err != nil {
		logger.WithError(err).Warn("Output archive unavailable, results will only be written to the output directory")
	} else {
		r.archive = archive
	}

	if cfg.TelemetryPath != "" {
		sink, err := telemetry.NewFileSink(logger, cfg.TelemetryPath)
		if err != nil {
			logger.WithError(err).Warn("Telemetry sink unavailable, events will not be recorded")
		} else {
			r.sink = sink
			deps.Sink = sink
		}
	}

	if remotePath := cmd.String("remote-config"); remotePath != "" {
		rc, err := config.LoadRemoteConfig(remotePath)
		if err != nil {
			return nil, err
		}
		deps.Store = storage.NewHTTPStore(logger, rc.StorageURL, rc.APIKey)
		deps.Backend = jobs.NewHTTPBackend(logger, rc.JobsURL, rc.APIKey)
	}

	r.orch = orchestrator.New(cfg, logger, deps)
	return r, nil
}

func (r *runner) close() {
	for op, stats := range r.recorder.Snapshot() {
		r.logger.WithFields(logrus.Fields{
			"operation":      op,
			"count":          stats.Count,
			"successes":      stats.Successes,
			"failures":       stats.Failures,
			"total_duration": stats.TotalDuration,
		}).Debug("Operation statistics")
	}
	r.logger.WithField("peak_alloc_bytes", r.recorder.PeakAlloc()).Debug("Peak heap allocation")

	r.pool.Shutdown()
	if r.sink != nil {
		r.sink.Close()
	}
	if r.archive != nil {
		_ = r.archive.Close()
	}
}

// runSheet parses one instruction sheet, loads the documents it
// references, and drives the batch to completion.
func (r *runner) runSheet(ctx context.Context, sheetPath string) error {
	rows, err := instruction.ReadSheet(sheetPath)
	if err != nil {
		return fmt.Errorf("failed to read instruction sheet: %w", err)
	}

	instrs, warnings, err := instruction.ParseRows(r.logger, rows)
	for _, warning := range warnings {
		color.Yellow("Warning: %s", warning)
	}
	if err != nil {
		return err
	}

	files := r.loadInputFiles(instrs)

	progress := color.New(color.FgCyan)
	result := r.orch.ProcessOperation(ctx, orchestrator.Request{
		Operation:    dominantOperation(instrs),
		Files:        files,
		Instructions: instrs,
		UserID:       r.userID,
		Progress: func(percent int, message string) {
			progress.Printf("\r[%3d%%] %-60s", percent, message)
		},
	})
	fmt.Println()

	for _, msg := range result.Errors {
		color.Red("  %s", msg)
	}

	if err := r.writeOutputs(result.Outputs); err != nil {
		return err
	}
	r.archiveOutputs(ctx, result.Outputs)

	if !result.Success {
		return fmt.Errorf("%s", result.Message)
	}
	color.Green("%s", result.Message)
	return nil
}

// watch processes every .xlsx dropped into dir until the context ends.
// A failing sheet is reported and watching continues.
func (r *runner) watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	color.Cyan("Watching %s for instruction sheets", dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !strings.EqualFold(filepath.Ext(event.Name), ".xlsx") {
				continue
			}
			// Give the writer a moment to finish the file.
			time.Sleep(500 * time.Millisecond)

			color.Cyan("Processing %s", event.Name)
			if err := r.runSheet(ctx, event.Name); err != nil {
				r.logger.WithError(err).WithField("sheet", event.Name).Error("Sheet processing failed")
				color.Red("Sheet %s failed: %v", filepath.Base(event.Name), err)
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.WithError(watchErr).Warn("Watcher error")
		}
	}
}

// loadInputFiles reads every document the instructions reference from the
// input directory. Names that cannot be read are skipped: they may be
// outputs of earlier instructions in the same batch, and genuinely
// missing files surface as per-instruction errors during execution.
func (r *runner) loadInputFiles(instrs []instruction.Instruction) map[string][]byte {
	files := make(map[string][]byte)
	for _, instr := range instrs {
		for _, name := range instr.Inputs() {
			if _, ok := files[name]; ok {
				continue
			}
			data, err := os.ReadFile(filepath.Join(r.filesDir, name))
			if err != nil {
				r.logger.WithError(err).WithField("file", name).Debug("Input not readable, deferring to execution")
				continue
			}
			files[name] = data
		}
	}
	return files
}

func (r *runner) writeOutputs(outputs map[string][]byte) error {
	if len(outputs) == 0 {
		return nil
	}
	if err := os.MkdirAll(r.outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", r.outDir, err)
	}
	for name, data := range outputs {
		path := filepath.Join(r.outDir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		r.logger.WithField("path", path).Info("Wrote output document")
	}
	return nil
}

// archiveOutputs keeps a copy of every produced document in the local
// blob store, so results survive cleanup of the output directory.
// Best effort: archive failures are logged and never fail the batch.
func (r *runner) archiveOutputs(ctx context.Context, outputs map[string][]byte) {
	if r.archive == nil || len(outputs) == 0 {
		return
	}

	prefix := fmt.Sprintf("users/%s/outputs/%s", r.userID, time.Now().Format("20060102-150405"))
	for name, data := range outputs {
		if err := r.archive.Upload(ctx, prefix+"/"+name, data); err != nil {
			r.logger.WithError(err).WithField("file", name).Warn("Failed to archive output")
		}
	}
}

// dominantOperation labels a mixed batch by its most frequent operation.
func dominantOperation(instrs []instruction.Instruction) string {
	counts := make(map[instruction.OpKind]int)
	for _, instr := range instrs {
		counts[instr.Op()]++
	}

	best := instruction.OpKind("batch")
	bestCount := 0
	for op, count := range counts {
		if count > bestCount {
			best, bestCount = op, count
		}
	}
	return string(best)
}
