package job

import (
	"fmt"
	"time"
)

func (r *Runner) markPrunableSnapshots() error {
	err := r.markPrunableExcessSnapshots()
	if err != nil {
		return err
	}
	return r.markPrunableSnapshotsByAge()
}

func (r *Runner) markPrunableExcessSnapshots() error {
	nodes, err := r.tree(r.ctx)
	if err != nil {
		return fmt.Errorf("error finding retention count datasets: %w", err)
	}
	defer closeTree(nodes)

	countProp := r.config.Properties.snapshotRetentionCount()
	for _, n := range nodes {
		if r.ctx.Err() != nil {
			return nil // context expired, no problem
		}
		if n.ds.Type() != r.config.DatasetType {
			continue
		}

		retentionCount, ok, err := n.intProp(countProp)
		if err != nil {
			return err
		}
		if !ok || retentionCount <= 0 { // Zero or less is considered to be Off.
			continue
		}

		err = r.markExcessDatasetSnapshots(snapshotsOf(nodes, n.name()), retentionCount)
		switch {
		case isContextError(err):
			r.logger.Info("zfs.job.Runner.markPrunableExcessSnapshots: Mark snapshot job interrupted", "error", err, "dataset", n.name())
			return nil
		case err != nil:
			r.logger.Error("zfs.job.Runner.markPrunableExcessSnapshots: Error marking snapshots", "error", err, "dataset", n.name())
			continue // on to the next dataset
		}
	}
	return nil
}

func (r *Runner) markExcessDatasetSnapshots(snaps []node, maxCount int64) error {
	createdProp := r.config.Properties.snapshotCreatedAt()
	deleteProp := r.config.Properties.deleteAt()

	currentFound := int64(0)
	now := time.Now()
	// Newest first
	for i := len(snaps) - 1; i >= 0; i-- {
		if r.ctx.Err() != nil {
			return r.ctx.Err()
		}
		snap := snaps[i]

		_, created := snap.prop(createdProp)
		_, marked := snap.prop(deleteProp)
		if !created || marked {
			continue
		}

		currentFound++
		if currentFound <= maxCount {
			continue // Not at the max yet
		}

		err := r.markSnapshot(snap, now)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) markPrunableSnapshotsByAge() error {
	nodes, err := r.tree(r.ctx)
	if err != nil {
		return fmt.Errorf("error finding retention time datasets: %w", err)
	}
	defer closeTree(nodes)

	retentionProp := r.config.Properties.snapshotRetentionMinutes()
	for _, n := range nodes {
		if r.ctx.Err() != nil {
			return nil // context expired, no problem
		}
		if n.ds.Type() != r.config.DatasetType {
			continue
		}

		retentionMinutes, ok, err := n.intProp(retentionProp)
		if err != nil {
			return err
		}
		if !ok || retentionMinutes <= 0 {
			continue
		}

		err = r.markAgingDatasetSnapshots(snapshotsOf(nodes, n.name()), time.Duration(retentionMinutes)*time.Minute)
		if err != nil {
			return fmt.Errorf("error marking aging snapshots for %s: %w", n.name(), err)
		}
	}
	return nil
}

func (r *Runner) markAgingDatasetSnapshots(snaps []node, duration time.Duration) error {
	createdProp := r.config.Properties.snapshotCreatedAt()
	deleteProp := r.config.Properties.deleteAt()

	now := time.Now()
	for _, snap := range snaps {
		if r.ctx.Err() != nil {
			return r.ctx.Err()
		}
		if _, marked := snap.prop(deleteProp); marked {
			continue
		}

		createdAt, ok, err := snap.timeProp(createdProp)
		if err != nil {
			return err
		}
		if !ok || createdAt.Add(duration).After(now) {
			continue // Retention period has not passed yet.
		}

		err = r.markSnapshot(snap, now)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) markSnapshot(snap node, now time.Time) error {
	deleteProp := r.config.Properties.deleteAt()
	err := snap.ds.SetUserProperty(r.ctx, deleteProp, now.Format(dateTimeFormat))
	if err != nil {
		return fmt.Errorf("error setting %s property for %s: %w", deleteProp, snap.name(), err)
	}
	snap.local[deleteProp] = now.Format(dateTimeFormat)

	r.EmitEvent(MarkSnapshotDeletionEvent, snap.name(), datasetName(snap.name(), true), snapshotName(snap.name()))
	return nil
}
