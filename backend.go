package zfs

import (
	"context"
	"io"
)

// Handle is an open dataset in the native subsystem.
// A Handle is not safe for concurrent use, at most one operation may be in flight per handle.
type Handle interface {
	// Name returns the name as the native subsystem currently reports it
	Name() string
	// Type returns the dataset type reported by the native subsystem
	Type() DatasetType
	// Same reports whether both handles refer to the same underlying object
	Same(other Handle) bool
	// Close releases the native handle
	Close() error
}

// Backend is the native storage subsystem. The variant methods of the embedded interfaces are only
// called through the ABI table, the others are assumed stable across releases.
//
// Every call is a blocking request to the native subsystem. Errors are reported as returned,
// the library wraps them in a *BackendError.
type Backend interface {
	// Open opens a dataset of any type. Missing datasets return an error wrapping ErrDatasetNotFound.
	Open(ctx context.Context, name string) (Handle, error)
	// Create creates a filesystem or volume, volumes carry their size in the volsize property
	Create(ctx context.Context, name string, typ DatasetType, props map[string]string) error
	// IterFilesystems returns the filesystems and volumes directly below h, not its snapshots
	IterFilesystems(ctx context.Context, h Handle) ([]Handle, error)
	// Clone creates a filesystem at dest from the snapshot
	Clone(ctx context.Context, snapshot Handle, dest string, props map[string]string) error
	// Rename renames the dataset, recursive renames the snapshots of all descendants as well
	Rename(ctx context.Context, h Handle, newName string, recursive bool) error
	// Rollback rolls the filesystem back to the snapshot. It fails when later snapshots exist.
	Rollback(ctx context.Context, filesystem, snapshot Handle, force bool) error

	SnapshotBackend
	DestroyBackend
	PermissionBackend
	PropertyBackend
}

// SnapshotBackend holds the snapshot call conventions
type SnapshotBackend interface {
	// IterSnapshots is zfs_iter_snapshots(handle, simple, func, arg)
	IterSnapshots(ctx context.Context, h Handle, simple bool) ([]Handle, error)
	// IterSnapshotsLegacy is zfs_iter_snapshots(handle, func, arg)
	IterSnapshotsLegacy(ctx context.Context, h Handle) ([]Handle, error)

	// Snapshot is zfs_snapshot(lib, name, recursive, props). A recursive snapshot of the dataset
	// and all its descendants is taken atomically by the native subsystem.
	Snapshot(ctx context.Context, name string, recursive bool, props map[string]string) error
	// SnapshotLegacy is zfs_snapshot(lib, name, recursive)
	SnapshotLegacy(ctx context.Context, name string, recursive bool) error
	// SnapshotPreNV96 is zfs_snapshot(lib, name)
	SnapshotPreNV96(ctx context.Context, name string) error
}

// DestroyBackend holds the destroy call conventions
type DestroyBackend interface {
	// Destroy is zfs_destroy(handle, defer)
	Destroy(ctx context.Context, h Handle, deferDestroy bool) error
	// DestroyLegacy is zfs_destroy(handle)
	DestroyLegacy(ctx context.Context, h Handle) error
	// DestroySnaps is zfs_destroy_snaps(handle, snapname, defer). It destroys the snapshot of the
	// dataset itself, never those of its descendants. A dataset without a snapshot of that name is
	// not an error.
	DestroySnaps(ctx context.Context, h Handle, snapName string, deferDestroy bool) error
	// DestroySnapsLegacy is zfs_destroy_snaps(handle, snapname)
	DestroySnapsLegacy(ctx context.Context, h Handle, snapName string) error
}

// PermissionBackend holds the delegated administration calls that only existed before Solaris 10u8
type PermissionBackend interface {
	PermSet(ctx context.Context, h Handle, perm Permission) error
	PermRemove(ctx context.Context, h Handle, perm Permission) error
}

// PropertyBackend reads and writes dataset properties
type PropertyBackend interface {
	// PropGet returns the value of a native property, ok is false when it has no value
	PropGet(ctx context.Context, h Handle, prop string) (value string, ok bool, err error)
	// UserProps returns all user properties visible on the dataset
	UserProps(ctx context.Context, h Handle) (map[string]string, error)
	PropSet(ctx context.Context, h Handle, prop, value string) error
	// PropInherit clears a local value. Handles opened before the call may keep reporting the old value.
	PropInherit(ctx context.Context, h Handle, prop string) error
}

// Sender is implemented by backends that can produce a send stream for a snapshot
type Sender interface {
	Send(ctx context.Context, snapshot Handle, output io.Writer, raw bool) error
}

// MountController mounts and shares filesystems
type MountController interface {
	Mount(ctx context.Context, name string) error
	Share(ctx context.Context, name string) error
}

// NoopMountController does not mount or share anything
type NoopMountController struct{}

func (NoopMountController) Mount(context.Context, string) error { return nil }
func (NoopMountController) Share(context.Context, string) error { return nil }
