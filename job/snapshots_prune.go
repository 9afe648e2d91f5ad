package job

import (
	"fmt"
	"time"

	zfs "github.com/vansante/go-zfsabi"
)

func (r *Runner) pruneSnapshots() error {
	nodes, err := r.tree(r.ctx)
	if err != nil {
		return fmt.Errorf("error finding prunable snapshots: %w", err)
	}
	defer closeTree(nodes)

	deleteProp := r.config.Properties.deleteAt()
	now := time.Now()
	for _, snap := range nodes {
		if r.ctx.Err() != nil {
			return r.ctx.Err()
		}
		if !snap.ds.IsSnapshot() {
			continue
		}

		deleteAt, ok, err := snap.timeProp(deleteProp)
		if err != nil {
			return err
		}
		if !ok || deleteAt.After(now) {
			continue // Not due for removal yet
		}

		name := snap.name()
		err = snap.ds.Destroy(r.ctx, zfs.DestroyOptions{Defer: r.config.DeferDestroy})
		if err != nil {
			return fmt.Errorf("error destroying %s: %w", name, err)
		}

		r.EmitEvent(DeletedSnapshotEvent, name, datasetName(name, true), snapshotName(name))
	}
	return nil
}
