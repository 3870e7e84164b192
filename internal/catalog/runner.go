package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/heimdex/binwatch/internal/export"
	"github.com/heimdex/binwatch/internal/logging"
	"github.com/heimdex/binwatch/internal/metrics"
	"github.com/heimdex/binwatch/internal/pipeline"
)

// Processor executes one run. *pipeline.Pipeline satisfies it.
type Processor interface {
	Run(ctx context.Context, cfg pipeline.RunConfig, progress pipeline.ProgressFunc) (*pipeline.Result, error)
}

// Runner polls for pending runs and executes them one at a time.
type Runner struct {
	repo         Repository
	proc         Processor
	sink         export.Sink
	metrics      *metrics.Metrics
	logger       *slog.Logger
	pollInterval time.Duration
	running      atomic.Bool
	paused       atomic.Bool
	active       atomic.Int32
	now          func() time.Time
}

// NewRunner builds a runner. sink may be nil.
func NewRunner(repo Repository, proc Processor, sink export.Sink, m *metrics.Metrics, logger *slog.Logger) *Runner {
	return &Runner{
		repo:         repo,
		proc:         proc,
		sink:         sink,
		metrics:      m,
		logger:       logging.WithComponent(logger, "runner"),
		pollInterval: 5 * time.Second,
		now:          time.Now,
	}
}

func (r *Runner) Start(ctx context.Context) {
	if r.running.Swap(true) {
		return
	}

	r.logger.Info("run runner started")

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("run runner stopping")
			r.running.Store(false)
			return
		case <-ticker.C:
			if !r.paused.Load() {
				r.processNextRun(ctx)
			}
		}
	}
}

func (r *Runner) Pause() {
	r.paused.Store(true)
	r.logger.Info("run runner paused")
}

func (r *Runner) Resume() {
	r.paused.Store(false)
	r.logger.Info("run runner resumed")
}

func (r *Runner) IsPaused() bool {
	return r.paused.Load()
}

func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// ActiveRuns is the number of runs executing in this process.
func (r *Runner) ActiveRuns() int {
	return int(r.active.Load())
}

// processNextRun executes the oldest pending run, if any. It reports
// whether a run was picked up.
func (r *Runner) processNextRun(ctx context.Context) bool {
	runs, err := r.repo.ListPendingRuns(ctx)
	if err != nil {
		r.logger.Error("failed to list pending runs", "error", err)
		return false
	}
	if len(runs) == 0 {
		return false
	}
	r.execute(ctx, runs[0])
	return true
}

func (r *Runner) execute(ctx context.Context, run *Run) {
	r.active.Add(1)
	defer r.active.Add(-1)

	logger := logging.WithRunID(r.logger, run.ID)
	if r.proc == nil {
		r.fail(ctx, run.ID, "pipeline not configured", logger)
		return
	}

	logger.Info("processing run", "video", run.VideoPath)
	if err := r.repo.UpdateRunStatus(ctx, run.ID, RunStatusRunning, ""); err != nil {
		logger.Error("failed to mark run running", "error", err)
		return
	}

	progress := func(stage pipeline.Stage, pct int) {
		if err := r.repo.UpdateRunProgress(ctx, run.ID, string(stage), pct); err != nil {
			logger.Warn("failed to record progress", "stage", stage, "error", err)
		}
	}

	start := r.now()
	res, err := r.proc.Run(ctx, run.Config, progress)
	if err != nil {
		r.fail(ctx, run.ID, err.Error(), logger)
		return
	}

	report := export.NewReport(run.ID, res, r.now())
	summary, err := json.Marshal(res.Summary)
	if err != nil {
		r.fail(ctx, run.ID, "encode summary: "+err.Error(), logger)
		return
	}
	reportJSON, err := json.Marshal(report)
	if err != nil {
		r.fail(ctx, run.ID, "encode report: "+err.Error(), logger)
		return
	}
	if err := r.repo.CompleteRun(ctx, run.ID, summary, reportJSON, report.Events); err != nil {
		r.fail(ctx, run.ID, "save results: "+err.Error(), logger)
		return
	}
	r.metrics.RunFinished(RunStatusCompleted)

	if r.sink != nil {
		if err := r.sink.Publish(ctx, report); err != nil {
			logger.Warn("failed to publish report", "error", err)
		}
	}

	logger.Info("run completed",
		"events", len(report.Events),
		"spent", res.Summary.Ledger.Spent,
		"duration", r.now().Sub(start))
}

func (r *Runner) fail(ctx context.Context, id, msg string, logger *slog.Logger) {
	logger.Error("run failed", "error", msg)
	if err := r.repo.UpdateRunStatus(ctx, id, RunStatusFailed, truncateStr(msg, 512)); err != nil {
		logger.Error("failed to mark run failed", "error", err)
	}
	r.metrics.RunFinished(RunStatusFailed)
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[len(s)-maxLen:]
}
