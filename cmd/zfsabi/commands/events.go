package commands

import (
	"log/slog"

	"github.com/vansante/go-zfsabi/job"
)

func logEvents(runner *job.Runner, logger *slog.Logger) {
	runner.AddListener(job.CreatedSnapshotEvent, func(args ...interface{}) {
		logger.Info("zfsabi.events: Created snapshot", "args", args)
	})
	runner.AddListener(job.SkippedSnapshotEvent, func(args ...interface{}) {
		logger.Debug("zfsabi.events: Skipped snapshot", "args", args)
	})
	runner.AddListener(job.MarkSnapshotDeletionEvent, func(args ...interface{}) {
		logger.Info("zfsabi.events: Marked snapshot for deletion", "args", args)
	})
	runner.AddListener(job.DeletedSnapshotEvent, func(args ...interface{}) {
		logger.Info("zfsabi.events: Deleted snapshot", "args", args)
	})
	runner.AddListener(job.DeletedFilesystemEvent, func(args ...interface{}) {
		logger.Info("zfsabi.events: Deleted filesystem", "args", args)
	})
}
