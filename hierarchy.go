package zfs

import (
	"context"
	"fmt"
	"slices"
)

// Snapshots returns the direct snapshots of the dataset ordered by creation txg. Snapshots the
// backend reports twice are returned once. When zfs_iter_snapshots is configured as no-op the
// result is empty.
func (d *Dataset) Snapshots(ctx context.Context) ([]*Dataset, error) {
	if d.IsSnapshot() {
		return nil, nil
	}
	h, err := d.acquire(OperationIterSnapshots)
	if err != nil {
		return nil, err
	}

	handles, _, err := dispatch(ctx, d.lib.dispatch, OperationIterSnapshots, d.name, iterSnapshotsVariants, h)
	if err != nil {
		return nil, err
	}

	snaps, err := d.lib.wrapHandles(handles, OperationIterSnapshots)
	if err != nil {
		return nil, err
	}

	type ordered struct {
		ds  *Dataset
		txg uint64
	}
	list := make([]ordered, 0, len(snaps))
	for _, snap := range snaps {
		txg, err := snap.CreateTxg(ctx)
		if err != nil {
			_ = CloseAll(snaps)
			return nil, err
		}
		list = append(list, ordered{ds: snap, txg: txg})
	}
	slices.SortStableFunc(list, func(a, b ordered) int {
		switch {
		case a.txg < b.txg:
			return -1
		case a.txg > b.txg:
			return 1
		}
		return 0
	})

	for i := range list {
		snaps[i] = list[i].ds
	}
	return snaps, nil
}

// Filesystems returns the filesystems and volumes directly below the dataset
func (d *Dataset) Filesystems(ctx context.Context) ([]*Dataset, error) {
	if d.IsSnapshot() {
		return nil, nil
	}
	h, err := d.acquire(OperationIterFilesystems)
	if err != nil {
		return nil, err
	}

	handles, err := d.lib.backend.IterFilesystems(ctx, h)
	if err != nil {
		return nil, backendError(OperationIterFilesystems, d.name, err)
	}
	return d.lib.wrapHandles(handles, OperationIterFilesystems)
}

// Children returns the direct snapshots of the dataset followed by the filesystems and volumes
// one level down. Nested descendants are not included. The caller must close the returned datasets.
func (d *Dataset) Children(ctx context.Context) ([]*Dataset, error) {
	snaps, err := d.Snapshots(ctx)
	if err != nil {
		return nil, err
	}
	fss, err := d.Filesystems(ctx)
	if err != nil {
		_ = CloseAll(snaps)
		return nil, err
	}
	return append(snaps, fss...), nil
}

// Descendants returns all datasets below this one, depth first with every dataset before its own
// children. The snapshots of a dataset are listed before its filesystems are descended into.
func (d *Dataset) Descendants(ctx context.Context) ([]*Dataset, error) {
	children, err := d.Children(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*Dataset, 0, len(children))
	for i, child := range children {
		result = append(result, child)
		if child.IsSnapshot() {
			continue
		}
		desc, err := child.Descendants(ctx)
		if err != nil {
			_ = CloseAll(result)
			_ = CloseAll(children[i+1:])
			return nil, err
		}
		result = append(result, desc...)
	}
	return result, nil
}

// HasChildren reports whether the dataset has any snapshots, filesystems or volumes below it
func (d *Dataset) HasChildren(ctx context.Context) (bool, error) {
	children, err := d.Children(ctx)
	if err != nil {
		return false, err
	}
	defer CloseAll(children) // nolint: errcheck
	return len(children) > 0, nil
}

// wrapHandles turns backend handles into datasets, dropping handles that refer to an
// object already in the list. On error every handle is released.
func (l *Library) wrapHandles(handles []Handle, op Operation) ([]*Dataset, error) {
	result := make([]*Dataset, 0, len(handles))
	for i, h := range handles {
		if slices.ContainsFunc(result, func(ds *Dataset) bool { return ds.handle.Same(h) }) {
			_ = h.Close()
			continue
		}
		ds, err := l.newDataset(h)
		if err != nil {
			for _, rest := range handles[i+1:] {
				_ = rest.Close()
			}
			_ = CloseAll(result)
			return nil, fmt.Errorf("zfs: %s: %w", op, err)
		}
		result = append(result, ds)
	}
	return result, nil
}
