package job

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	zfs "github.com/vansante/go-zfsabi"
)

func (r *Runner) createSnapshots() error {
	nodes, err := r.tree(r.ctx)
	if err != nil {
		return fmt.Errorf("error finding snapshottable datasets: %w", err)
	}
	defer closeTree(nodes)

	intervalProp := r.config.Properties.snapshotIntervalMinutes()
	for _, n := range nodes {
		if r.ctx.Err() != nil {
			return r.ctx.Err()
		}
		if n.ds.Type() != r.config.DatasetType {
			continue
		}

		intervalMins, ok, err := n.intProp(intervalProp)
		if err != nil {
			return err
		}
		if !ok || intervalMins <= 0 {
			continue
		}

		err = r.createDatasetSnapshot(n, snapshotsOf(nodes, n.name()), time.Duration(intervalMins)*time.Minute)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) snapshotName(tm time.Time) string {
	name := r.config.SnapshotNameTemplate
	name = strings.ReplaceAll(name, "%UNIXTIME%", strconv.FormatInt(tm.Unix(), 10))
	name = strings.ReplaceAll(name, "%DATE%", tm.UTC().Format("20060102"))
	return name
}

func (r *Runner) createDatasetSnapshot(n node, snapshots []node, interval time.Duration) error {
	createdProp := r.config.Properties.snapshotCreatedAt()
	latestSnap := time.Unix(1, 0) // A long, long time ago...

	for _, snap := range snapshots {
		created, ok, err := snap.timeProp(createdProp)
		if err != nil {
			return err
		}
		if !ok {
			if r.config.IgnoreSnapshotsWithoutCreatedProperty {
				continue
			}
			return fmt.Errorf("snapshot %s has no %s property", snap.name(), createdProp)
		}
		if created.After(latestSnap) {
			latestSnap = created
		}
	}

	if time.Since(latestSnap) < interval {
		return nil // The snapshot interval since last snapshot has not elapsed
	}

	tm := time.Now()
	name := r.snapshotName(tm)
	snap, err := n.ds.CreateSnapshot(r.ctx, name, zfs.SnapshotOptions{Recursive: r.config.RecursiveSnapshots})
	if err != nil {
		return fmt.Errorf("error creating snapshot %s for %s: %w", name, n.name(), err)
	}
	if snap == nil {
		r.logger.Debug("zfs.job.Runner.createDatasetSnapshot: Snapshot skipped", "dataset", n.name(), "snapshot", name)
		r.EmitEvent(SkippedSnapshotEvent, n.name(), name)
		return nil
	}
	defer snap.Close() // nolint: errcheck

	// Deliberately using context.Background here, the property must be set once the snapshot exists
	err = snap.SetUserProperty(context.Background(), createdProp, tm.Format(dateTimeFormat))
	if err != nil {
		return fmt.Errorf("error setting %s on snapshot %s: %w", createdProp, snap.Name(), err)
	}

	r.EmitEvent(CreatedSnapshotEvent, n.name(), name, tm)
	return nil
}
