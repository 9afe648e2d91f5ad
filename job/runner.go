// Package job runs the periodic snapshot jobs: creating snapshots, marking old snapshots for
// deletion and pruning datasets whose deletion time has passed. The jobs are driven by user
// properties set on the datasets below the configured parent dataset.
package job

import (
	"context"
	"log/slog"
	"time"

	eventemitter "github.com/vansante/go-event-emitter"

	zfs "github.com/vansante/go-zfsabi"
)

const dateTimeFormat = time.RFC3339

// NewRunner creates a new job runner
func NewRunner(ctx context.Context, conf Config, library *zfs.Library, logger *slog.Logger) *Runner {
	return &Runner{
		Emitter: eventemitter.NewEmitter(false),
		config:  conf,
		library: library,
		logger:  logger,
		ctx:     ctx,
	}
}

// Runner runs Create, Mark and Prune snapshot jobs. Additionally, it can prune filesystems.
type Runner struct {
	*eventemitter.Emitter

	config  Config
	library *zfs.Library

	logger *slog.Logger
	ctx    context.Context
}

// Run starts the goroutines for the different types of jobs
func (r *Runner) Run() {
	if r.config.EnableSnapshotCreate {
		go r.runJob("createSnapshots", r.createSnapshots)
	}
	if r.config.EnableSnapshotMark {
		go r.runJob("markSnapshots", r.markPrunableSnapshots)
	}
	if r.config.EnableSnapshotPrune {
		go r.runJob("pruneSnapshots", r.pruneSnapshots)
	}
	if r.config.EnableFilesystemPrune {
		go r.runJob("pruneFilesystems", r.pruneFilesystems)
	}
}

func (r *Runner) runJob(name string, job func() error) {
	dur := randomizeDuration(r.config.Interval)
	ticker := time.NewTicker(dur)
	defer ticker.Stop()

	logger := r.logger.With("job", name)
	logger.Info("zfs.job.Runner.runJob: Running", "interval", dur)
	defer logger.Info("zfs.job.Runner.runJob: Stopped")

	for {
		select {
		case <-ticker.C:
			err := job()
			switch {
			case isContextError(err):
				logger.Info("zfs.job.Runner.runJob: Job interrupted", "error", err)
			case err != nil:
				logger.Error("zfs.job.Runner.runJob: Job failed", "error", err)
			}
		case <-r.ctx.Done():
			return
		}
	}
}
