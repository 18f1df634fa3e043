// Package worker runs the server's periodic background jobs.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// SnapshotGenerator produces a database snapshot and returns its path.
type SnapshotGenerator interface {
	Generate(ctx context.Context) (string, error)
}

// SnapshotUploader ships a generated snapshot off-box.
type SnapshotUploader interface {
	Upload(ctx context.Context, filePath string) error
}

// SnapshotWorker periodically snapshots the database and uploads the
// result.
type SnapshotWorker struct {
	generator SnapshotGenerator
	uploader  SnapshotUploader
	interval  time.Duration
}

// NewSnapshotWorker creates a worker with the given generator, uploader
// and interval.
func NewSnapshotWorker(generator SnapshotGenerator, uploader SnapshotUploader, interval time.Duration) *SnapshotWorker {
	return &SnapshotWorker{
		generator: generator,
		uploader:  uploader,
		interval:  interval,
	}
}

// Run starts the worker loop. A snapshot is taken immediately on start,
// then on each interval. Respects context cancellation for graceful
// shutdown.
func (w *SnapshotWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot",
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.snapshot(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.snapshot(ctx)
		}
	}
}

func (w *SnapshotWorker) snapshot(ctx context.Context) {
	slog.Info("snapshot started",
		"component", "worker",
		"action", "snapshot_start",
	)

	path, err := w.generator.Generate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("snapshot generation failed",
			"component", "worker",
			"action", "snapshot_failed",
			"error", err,
		)
		return
	}

	if err := w.uploader.Upload(ctx, path); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("snapshot upload failed",
			"component", "worker",
			"action", "snapshot_upload_failed",
			"error", err,
		)
		return
	}

	slog.Info("snapshot completed",
		"component", "worker",
		"action", "snapshot_complete",
		"path", path,
	)
}
