package zfs

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// SnapshotOptions are options you can specify to customize the snapshot call
type SnapshotOptions struct {
	// Sets the specified properties on the snapshot.
	Properties map[string]string

	// Recursively create snapshots of all descendent datasets. The snapshots are taken in a single
	// atomic operation by the backend.
	Recursive bool
}

// CreateSnapshot creates a new snapshot of the receiving dataset, using the specified name.
// When zfs_snapshot is configured as no-op nothing is created and a nil dataset is returned.
func (d *Dataset) CreateSnapshot(ctx context.Context, name string, options SnapshotOptions) (*Dataset, error) {
	if d.IsSnapshot() {
		return nil, fmt.Errorf("zfs: %s on %s: %w", OperationSnapshot, d.name, ErrSnapshotsNotSupported)
	}
	if !validComponent(name) {
		return nil, fmt.Errorf("zfs: %s on %s: snapshot name %q: %w", OperationSnapshot, d.name, name, ErrInvalidName)
	}
	_, err := d.acquire(OperationSnapshot)
	if err != nil {
		return nil, err
	}

	snapName := fmt.Sprintf("%s@%s", d.name, name)
	req := snapshotRequest{name: snapName, recursive: options.Recursive, props: options.Properties}
	_, ran, err := dispatch(ctx, d.lib.dispatch, OperationSnapshot, snapName, snapshotVariants, req)
	if err != nil || !ran {
		return nil, err
	}
	return d.lib.Open(ctx, snapName)
}

// DestroyOptions are options you can specify to customize the destroy call
type DestroyOptions struct {
	// Recursively destroy all children.
	Recursive bool

	// Only for snapshots. If a snapshot cannot be destroyed now, mark it for deferred destruction.
	// Ignored by modes that have no defer argument.
	Defer bool
}

// Destroy destroys the dataset. A recursive destroy removes the filesystems and volumes below the
// dataset first, then its snapshots and then the dataset itself. A non-recursive destroy of a dataset
// with children returns a *HasChildrenError without destroying anything.
//
// A recursive destroy is a sequence of independent backend calls, an error halfway leaves the
// datasets destroyed so far removed. On success the dataset is closed.
func (d *Dataset) Destroy(ctx context.Context, options DestroyOptions) error {
	h, err := d.acquire(OperationDestroy)
	if err != nil {
		return err
	}

	children, err := d.Children(ctx)
	if err != nil {
		return err
	}
	defer CloseAll(children) // nolint: errcheck

	if len(children) > 0 && !options.Recursive {
		names := make([]string, len(children))
		for i := range children {
			names[i] = children[i].name
		}
		return &HasChildrenError{Operation: OperationDestroy, Dataset: d.name, Children: names}
	}

	// Filesystems and volumes go first, a clone below may still depend on one of our snapshots
	slices.SortStableFunc(children, func(a, b *Dataset) int {
		switch {
		case !a.IsSnapshot() && b.IsSnapshot():
			return -1
		case a.IsSnapshot() && !b.IsSnapshot():
			return 1
		}
		return 0
	})
	for _, child := range children {
		err = child.Destroy(ctx, options)
		if err != nil {
			return err
		}
	}

	req := destroyRequest{handle: h, deferDestroy: options.Defer}
	_, ran, err := dispatch(ctx, d.lib.dispatch, OperationDestroy, d.name, destroyVariants, req)
	if err != nil {
		return err
	}
	if ran {
		d.lib.logger.Debug("zfs.Dataset.Destroy: Destroyed dataset", "dataset", d.name)
		return d.Close()
	}
	return nil
}

// DestroySnapshot destroys the named snapshot of this dataset. When recursive, the snapshot of the
// same name is destroyed on every descendant first. Datasets without such a snapshot are skipped.
func (d *Dataset) DestroySnapshot(ctx context.Context, name string, options DestroyOptions) error {
	if d.IsSnapshot() {
		return fmt.Errorf("zfs: %s on %s: %w", OperationDestroySnaps, d.name, ErrSnapshotsNotSupported)
	}
	if !validComponent(name) {
		return fmt.Errorf("zfs: %s on %s: snapshot name %q: %w", OperationDestroySnaps, d.name, name, ErrInvalidName)
	}
	h, err := d.acquire(OperationDestroySnaps)
	if err != nil {
		return err
	}

	if options.Recursive {
		fss, err := d.Filesystems(ctx)
		if err != nil {
			return err
		}
		for _, fs := range fss {
			err = fs.DestroySnapshot(ctx, name, options)
			if err != nil {
				_ = CloseAll(fss)
				return err
			}
		}
		err = CloseAll(fss)
		if err != nil {
			return err
		}
	}

	req := destroySnapsRequest{handle: h, snapName: name, deferDestroy: options.Defer}
	_, _, err = dispatch(ctx, d.lib.dispatch, OperationDestroySnaps, d.name+"@"+name, destroySnapsVariants, req)
	return err
}

// RollbackOptions are options you can specify to customize the rollback call
type RollbackOptions struct {
	// Destroy any snapshots more recent than the one rolled back to. Fails with a *ClonePresentError
	// when one of them has a clone.
	Recursive bool

	// Force an unmount of the filesystem when the backend needs it.
	Force bool
}

// Rollback rolls the filesystem of the receiving snapshot back to it and returns the reopened filesystem.
// An error will be returned if the receiving dataset is not of snapshot type.
//
// Without the recursive option the backend rejects the rollback when more recent snapshots exist.
// With it, all more recent snapshots are checked for clones first. If there are none they are
// destroyed newest first before the rollback is issued.
func (d *Dataset) Rollback(ctx context.Context, options RollbackOptions) (*Dataset, error) {
	if !d.IsSnapshot() {
		return nil, fmt.Errorf("zfs: %s on %s: %w", OperationRollback, d.name, ErrOnlySnapshotsSupported)
	}
	h, err := d.acquire(OperationRollback)
	if err != nil {
		return nil, err
	}

	fsName, _ := snapshotParts(d.name)
	fs, err := d.lib.Open(ctx, fsName)
	if err != nil {
		return nil, err
	}

	if options.Recursive {
		err = d.destroyLaterSnapshots(ctx, fs)
		if err != nil {
			_ = fs.Close()
			return nil, err
		}
	}

	fsHandle, err := fs.acquire(OperationRollback)
	if err != nil {
		_ = fs.Close()
		return nil, err
	}
	err = d.lib.backend.Rollback(ctx, fsHandle, h, options.Force)
	if err != nil {
		_ = fs.Close()
		return nil, backendError(OperationRollback, d.name, err)
	}

	err = fs.reopen(ctx)
	if err != nil {
		_ = fs.Close()
		return nil, err
	}
	return fs, nil
}

func (d *Dataset) destroyLaterSnapshots(ctx context.Context, fs *Dataset) error {
	txg, err := d.CreateTxg(ctx)
	if err != nil {
		return err
	}

	snaps, err := fs.Snapshots(ctx)
	if err != nil {
		return err
	}
	defer CloseAll(snaps) // nolint: errcheck

	later := make([]*Dataset, 0, len(snaps))
	for _, snap := range snaps {
		snapTxg, err := snap.CreateTxg(ctx)
		if err != nil {
			return err
		}
		if snapTxg > txg {
			later = append(later, snap)
		}
	}
	if len(later) == 0 {
		return nil
	}

	err = d.checkClones(ctx, fs, later)
	if err != nil {
		return err
	}

	for i := len(later) - 1; i >= 0; i-- {
		err = later[i].Destroy(ctx, DestroyOptions{})
		if err != nil {
			return err
		}
	}
	return nil
}

// checkClones returns a *ClonePresentError for the first clone of any of the snapshots
func (d *Dataset) checkClones(ctx context.Context, fs *Dataset, snaps []*Dataset) error {
	for _, snap := range snaps {
		clones, ok, err := snap.GetProperty(ctx, PropertyClones)
		if err != nil {
			return err
		}
		if !ok || clones == "" {
			continue
		}
		clone, _, _ := strings.Cut(clones, ",")
		return &ClonePresentError{Operation: OperationRollback, Dataset: d.name, Clone: clone, Origin: snap.name}
	}

	// Not every backend reports the clones property, fall back to the origin of the filesystems below
	fss, err := fs.Filesystems(ctx)
	if err != nil {
		return err
	}
	defer CloseAll(fss) // nolint: errcheck

	for _, child := range fss {
		origin, ok, err := child.GetProperty(ctx, PropertyOrigin)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if slices.ContainsFunc(snaps, func(snap *Dataset) bool { return snap.name == origin }) {
			return &ClonePresentError{Operation: OperationRollback, Dataset: d.name, Clone: child.name, Origin: origin}
		}
	}
	return nil
}

// CloneOptions are options you can specify to customize the clone call
type CloneOptions struct {
	// Properties to be applied to the new dataset
	Properties map[string]string
}

// Clone clones the receiving snapshot into a new filesystem, then mounts and shares it.
// An error will be returned if the receiving dataset is not of snapshot type.
func (d *Dataset) Clone(ctx context.Context, dest string, options CloneOptions) (*Dataset, error) {
	if !d.IsSnapshot() {
		return nil, fmt.Errorf("zfs: %s on %s: %w", OperationClone, d.name, ErrOnlySnapshotsSupported)
	}
	parent, base := splitParent(dest)
	if parent == "" || !validComponent(base) {
		return nil, fmt.Errorf("zfs: %s on %s: destination %q: %w", OperationClone, d.name, dest, ErrInvalidName)
	}
	h, err := d.acquire(OperationClone)
	if err != nil {
		return nil, err
	}

	err = d.lib.backend.Clone(ctx, h, dest, options.Properties)
	if err != nil {
		return nil, backendError(OperationClone, d.name, err)
	}

	clone, err := d.lib.Open(ctx, dest)
	if err != nil {
		return nil, err
	}

	// Mirrors zfs clone, which leaves an immediately usable filesystem
	err = d.lib.mounter.Mount(ctx, dest)
	if err != nil {
		_ = clone.Close()
		return nil, backendError(OperationMount, dest, err)
	}
	err = d.lib.mounter.Share(ctx, dest)
	if err != nil {
		_ = clone.Close()
		return nil, backendError(OperationShare, dest, err)
	}
	return clone, nil
}

// RenameOptions are options you can specify to customize the rename call
type RenameOptions struct {
	// Recursively rename the snapshots of all descendent datasets. Snapshots are the only dataset that can
	// be renamed recursively.
	Recursive bool
}

// Rename renames the dataset and returns it opened under the new name.
// The receiving dataset is closed and returns a *StaleHandleError from then on.
func (d *Dataset) Rename(ctx context.Context, name string, options RenameOptions) (*Dataset, error) {
	if name == "" || name == d.name {
		return nil, fmt.Errorf("zfs: %s on %s: new name %q: %w", OperationRename, d.name, name, ErrInvalidName)
	}
	if d.IsSnapshot() != strings.Contains(name, "@") {
		return nil, fmt.Errorf("zfs: %s on %s: cannot rename to %q: %w", OperationRename, d.name, name, ErrInvalidName)
	}
	h, err := d.acquire(OperationRename)
	if err != nil {
		return nil, err
	}

	err = d.lib.backend.Rename(ctx, h, name, options.Recursive)
	if err != nil {
		return nil, backendError(OperationRename, d.name, err)
	}
	d.supersede()

	return d.lib.Open(ctx, name)
}

// Allow delegates the permissions on the dataset. The mode is resolved once per call, the
// pre-sol10u8 convention then makes a native call per permission entry.
func (d *Dataset) Allow(ctx context.Context, perms ...Permission) error {
	return d.permissions(ctx, OperationPermSet, permSetVariants, perms)
}

// Unallow removes delegated permissions from the dataset
func (d *Dataset) Unallow(ctx context.Context, perms ...Permission) error {
	return d.permissions(ctx, OperationPermRemove, permRemoveVariants, perms)
}

func (d *Dataset) permissions(ctx context.Context, op Operation, variants map[Mode]variant[permRequest, none], perms []Permission) error {
	for _, perm := range perms {
		err := perm.Validate()
		if err != nil {
			return fmt.Errorf("zfs: %s on %s: %w", op, d.name, err)
		}
	}
	h, err := d.acquire(op)
	if err != nil {
		return err
	}

	_, _, err = dispatch(ctx, d.lib.dispatch, op, d.name, variants, permRequest{handle: h, perms: perms})
	return err
}

// SendOptions are options you can specify to customize the send call
type SendOptions struct {
	// When set, uses a rate-limiter to limit the flow to this amount of bytes per second
	BytesPerSecond int64

	// For encrypted datasets, send data exactly as it exists on disk.
	Raw bool

	// When set, the stream is compressed with zstd at this level
	CompressionLevel zstd.EncoderLevel
}

// Send writes a send stream of the receiving snapshot to output.
// An error will be returned if the receiving dataset is not of snapshot type.
func (d *Dataset) Send(ctx context.Context, output io.Writer, options SendOptions) error {
	if !d.IsSnapshot() {
		return fmt.Errorf("zfs: %s on %s: %w", OperationSend, d.name, ErrOnlySnapshotsSupported)
	}
	sender, ok := d.lib.backend.(Sender)
	if !ok {
		return fmt.Errorf("zfs: %s on %s: %w", OperationSend, d.name, ErrSendNotSupported)
	}
	h, err := d.acquire(OperationSend)
	if err != nil {
		return err
	}

	writer, closeWriter, err := zstdWriter(output, options.CompressionLevel)
	if err != nil {
		return fmt.Errorf("zfs: %s on %s: %w", OperationSend, d.name, err)
	}
	writer = rateLimitWriter(writer, options.BytesPerSecond)

	err = sender.Send(ctx, h, writer, options.Raw)
	closeErr := closeWriter()
	if err != nil {
		return backendError(OperationSend, d.name, err)
	}
	if closeErr != nil {
		return fmt.Errorf("zfs: %s on %s: %w", OperationSend, d.name, closeErr)
	}
	return nil
}

// CreateFilesystem creates a filesystem named name directly below the receiving dataset
func (d *Dataset) CreateFilesystem(ctx context.Context, name string, options CreateFilesystemOptions) (*Dataset, error) {
	if d.typ != DatasetFilesystem {
		return nil, fmt.Errorf("zfs: %s below %s: %w", OperationCreate, d.name, ErrSnapshotsNotSupported)
	}
	if !validComponent(name) {
		return nil, fmt.Errorf("zfs: %s below %s: %q: %w", OperationCreate, d.name, name, ErrInvalidName)
	}
	return d.lib.CreateFilesystem(ctx, d.name+"/"+name, options)
}

// CreateVolume creates a volume named name directly below the receiving dataset
func (d *Dataset) CreateVolume(ctx context.Context, name string, size uint64, options CreateVolumeOptions) (*Dataset, error) {
	if d.typ != DatasetFilesystem {
		return nil, fmt.Errorf("zfs: %s below %s: %w", OperationCreate, d.name, ErrSnapshotsNotSupported)
	}
	if !validComponent(name) {
		return nil, fmt.Errorf("zfs: %s below %s: %q: %w", OperationCreate, d.name, name, ErrInvalidName)
	}
	return d.lib.CreateVolume(ctx, d.name+"/"+name, size, options)
}
