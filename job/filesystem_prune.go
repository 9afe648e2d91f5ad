package job

import (
	"errors"
	"fmt"
	"time"

	zfs "github.com/vansante/go-zfsabi"
)

func (r *Runner) pruneFilesystems() error {
	nodes, err := r.tree(r.ctx)
	if err != nil {
		return fmt.Errorf("error finding prunable filesystems: %w", err)
	}
	defer closeTree(nodes)

	// Deepest first, so marked children are gone before their parent is looked at
	for i := len(nodes) - 1; i > 0; i-- {
		if r.ctx.Err() != nil {
			return nil // context expired, no problem
		}
		fs := nodes[i]
		if fs.ds.Type() != zfs.DatasetFilesystem || fs.ds.Closed() {
			continue
		}

		err = r.pruneAgedFilesystem(fs)
		switch {
		case isContextError(err):
			r.logger.Info("zfs.job.Runner.pruneFilesystems: Prune filesystem job interrupted", "error", err, "dataset", fs.name())
			return nil
		case err != nil:
			r.logger.Error("zfs.job.Runner.pruneFilesystems: Error pruning filesystem", "error", err, "dataset", fs.name())
			continue // on to the next dataset
		}
	}
	return nil
}

func (r *Runner) pruneAgedFilesystem(fs node) error {
	deleteAt, ok, err := fs.timeProp(r.config.Properties.deleteAt())
	if err != nil {
		return err
	}
	if !ok || deleteAt.After(time.Now()) {
		return nil // Not due for removal yet
	}

	name := fs.name()
	err = fs.ds.Destroy(r.ctx, zfs.DestroyOptions{
		Recursive: r.config.RecursiveFilesystemPrune,
		Defer:     r.config.DeferDestroy,
	})
	var hasChildren *zfs.HasChildrenError
	switch {
	case errors.As(err, &hasChildren):
		r.logger.Debug("zfs.job.Runner.pruneAgedFilesystem: Not pruning filesystem with children",
			"dataset", name, "children", hasChildren.Children,
		)
		return nil
	case err != nil:
		return fmt.Errorf("error destroying %s: %w", name, err)
	}

	r.EmitEvent(DeletedFilesystemEvent, name, datasetName(name, true))
	return nil
}
