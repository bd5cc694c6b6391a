// Package runs queues exports requested through the local service and
// executes them one at a time.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/labelport/labelport/internal/export"
	"github.com/labelport/labelport/internal/logging"
)

// ErrInvalidRun wraps every reason a run is refused at submission.
var ErrInvalidRun = errors.New("invalid export run")

type Runner struct {
	exporter     export.Exporter
	repo         Repository
	exportsDir   string
	stagingDir   string
	logger       *slog.Logger
	pollInterval time.Duration
	running      atomic.Bool
	paused       atomic.Bool
}

func NewRunner(exporter export.Exporter, repo Repository, exportsDir, stagingDir string, logger *slog.Logger) *Runner {
	return &Runner{
		exporter:     exporter,
		repo:         repo,
		exportsDir:   exportsDir,
		stagingDir:   stagingDir,
		logger:       logging.WithComponent(logger, "runner"),
		pollInterval: 2 * time.Second,
	}
}

// ArchivePath is where the archive of a run is written.
func (r *Runner) ArchivePath(id string) string {
	return filepath.Join(r.exportsDir, id+".zip")
}

// Submit validates a run and queues it.
func (r *Runner) Submit(ctx context.Context, run *Run) error {
	run.ID = NewID()
	run.Status = StatusPending
	run.Progress = 0

	req := run.Request(r.ArchivePath(run.ID))
	req.Normalize()
	if _, err := export.ValidateOptions(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRun, err)
	}
	run.Format = string(req.Format)
	run.Layout = string(req.Layout)

	now := time.Now()
	run.CreatedAt = now
	run.UpdatedAt = now
	if err := r.repo.CreateRun(ctx, run); err != nil {
		return err
	}
	r.logger.Info("export run queued", "run_id", run.ID, "project_id", run.ProjectID, "format", run.Format)
	return nil
}

func (r *Runner) Start(ctx context.Context) {
	if r.running.Swap(true) {
		return
	}

	r.logger.Info("export runner started")

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("export runner stopping")
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
	r.logger.Info("export runner paused")
}

func (r *Runner) Resume() {
	r.paused.Store(false)
	r.logger.Info("export runner resumed")
}

func (r *Runner) IsPaused() bool {
	return r.paused.Load()
}

// processNextRun executes the oldest pending run, if any.
func (r *Runner) processNextRun(ctx context.Context) bool {
	pending, err := r.repo.ListPendingRuns(ctx)
	if err != nil {
		r.logger.Error("failed to list pending runs", "error", err)
		return false
	}
	if len(pending) == 0 {
		return false
	}

	run := pending[0]
	logger := logging.WithRunID(r.logger, run.ID)
	logger.Info("processing export run", "project_id", run.ProjectID, "format", run.Format)

	if err := os.MkdirAll(r.exportsDir, 0o755); err != nil {
		r.fail(ctx, run, fmt.Errorf("create exports dir: %w", err))
		return true
	}
	r.repo.UpdateRunStatus(ctx, run.ID, StatusRunning, "")

	lastProgress := 0
	req := run.Request(r.ArchivePath(run.ID))
	req.Run = export.RunConfig{
		Logger:      logger,
		StagingRoot: r.stagingDir,
		Progress: func(done, total int) {
			if total <= 0 {
				return
			}
			// the last percent is reserved for packaging
			progress := done * 99 / total
			if progress != lastProgress {
				lastProgress = progress
				r.repo.UpdateRunProgress(ctx, run.ID, progress)
			}
		},
	}

	report, err := r.exporter.ExportLabels(ctx, req)
	if err != nil {
		r.fail(ctx, run, err)
		return true
	}

	if err := r.repo.CompleteRun(ctx, run.ID, report.OutputPath, report.AssetsExported, len(report.Skipped)); err != nil {
		logger.Error("failed to record completed run", "error", err)
		return true
	}
	logger.Info("export run completed",
		"assets", report.AssetsExported,
		"skipped", len(report.Skipped),
	)
	return true
}

func (r *Runner) fail(ctx context.Context, run *Run, err error) {
	msg := truncateStr(err.Error(), 1024)
	if errors.Is(err, export.ErrNoCompatibleJob) {
		logging.WithRunID(r.logger, run.ID).Warn("export run has nothing to export", "error", err)
	} else {
		logging.WithRunID(r.logger, run.ID).Error("export run failed", "error", err)
	}
	r.repo.UpdateRunStatus(ctx, run.ID, StatusFailed, msg)
}

func truncateStr(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
