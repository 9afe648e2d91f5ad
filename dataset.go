package zfs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// DatasetType is the zfs dataset type
type DatasetType string

// ZFS dataset types, which can indicate if a dataset is a filesystem, snapshot, or volume.
const (
	DatasetFilesystem DatasetType = "filesystem"
	DatasetSnapshot   DatasetType = "snapshot"
	DatasetVolume     DatasetType = "volume"
)

// Dataset is an open ZFS filesystem, snapshot or volume.
//
// The name is captured when the dataset is opened and never refreshed from the native handle.
// After a rename the old Dataset is stale and the new name has to be opened.
//
// A Dataset owns its native handle and must be closed. Operations on the same Dataset must not run
// concurrently. Close may be called from any goroutine, any number of times.
type Dataset struct {
	lib  *Library
	name string
	typ  DatasetType

	mu      sync.Mutex
	handle  Handle
	renamed bool
}

// newDataset wraps a freshly opened handle. On error the handle is closed.
func (l *Library) newDataset(h Handle) (*Dataset, error) {
	typ := h.Type()
	switch typ {
	case DatasetFilesystem, DatasetSnapshot, DatasetVolume:
	default:
		name := h.Name()
		_ = h.Close()
		return nil, fmt.Errorf("zfs: %s of %s returned type %q: %w", OperationOpen, name, typ, ErrUnknownDatasetType)
	}

	l.openHandles.Add(1)
	return &Dataset{
		lib:    l,
		name:   h.Name(),
		typ:    typ,
		handle: h,
	}, nil
}

// Name returns the full name, like pool/fs/child or pool/fs@snap
func (d *Dataset) Name() string {
	return d.name
}

// String returns the name
func (d *Dataset) String() string {
	return d.name
}

// Type returns the dataset type
func (d *Dataset) Type() DatasetType {
	return d.typ
}

// IsSnapshot returns whether this is a snapshot
func (d *Dataset) IsSnapshot() bool {
	return d.typ == DatasetSnapshot
}

// Pool returns the name of the pool containing the dataset
func (d *Dataset) Pool() string {
	return poolName(d.name)
}

func poolName(name string) string {
	idx := strings.IndexAny(name, "/@")
	if idx < 0 {
		return name
	}
	return name[:idx]
}

// Library returns the library the dataset was opened with
func (d *Dataset) Library() *Library {
	return d.lib
}

func (d *Dataset) acquire(op Operation) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == nil {
		return nil, &StaleHandleError{Operation: op, Dataset: d.name, Renamed: d.renamed}
	}
	return d.handle, nil
}

// Close releases the native handle. Closing an already closed dataset does nothing.
func (d *Dataset) Close() error {
	d.mu.Lock()
	h := d.handle
	d.handle = nil
	d.mu.Unlock()

	if h == nil {
		return nil
	}
	d.lib.openHandles.Add(-1)
	return backendError(OperationClose, d.name, h.Close())
}

// Closed reports whether the handle has been released
func (d *Dataset) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle == nil
}

// supersede closes the handle after the dataset was renamed
func (d *Dataset) supersede() {
	_ = d.Close()
	d.mu.Lock()
	d.renamed = true
	d.mu.Unlock()
}

// reopen replaces the handle with a new one for the same name
func (d *Dataset) reopen(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == nil {
		return &StaleHandleError{Operation: OperationOpen, Dataset: d.name, Renamed: d.renamed}
	}

	old := d.handle
	d.handle = nil
	d.lib.openHandles.Add(-1)
	_ = old.Close()

	h, err := d.lib.backend.Open(ctx, d.name)
	if err != nil {
		return backendError(OperationOpen, d.name, err)
	}
	d.handle = h
	d.lib.openHandles.Add(1)
	return nil
}

// Equal reports whether both datasets refer to the same native object. Closed datasets are
// never equal to anything.
func (d *Dataset) Equal(other *Dataset) bool {
	if d == other {
		return true
	}
	if other == nil {
		return false
	}

	h, err := d.acquire(OperationOpen)
	if err != nil {
		return false
	}
	oh, err := other.acquire(OperationOpen)
	if err != nil {
		return false
	}
	return h.Same(oh)
}

// CreateTxg returns the transaction group the dataset was created in
func (d *Dataset) CreateTxg(ctx context.Context) (uint64, error) {
	val, ok, err := d.GetProperty(ctx, PropertyCreateTxg)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("zfs: %s: %w", d.name, ErrNotOrderable)
	}
	txg, err := strconv.ParseUint(val, 10, 64)
	if err != nil || txg == 0 {
		return 0, fmt.Errorf("zfs: %s: createtxg %q: %w", d.name, val, ErrNotOrderable)
	}
	return txg, nil
}

// Compare orders datasets by creation txg. It returns -1 when d was created before other,
// 1 when after and 0 when in the same txg. Datasets without a valid txg cannot be ordered
// and return an error wrapping ErrNotOrderable.
func (d *Dataset) Compare(ctx context.Context, other *Dataset) (int, error) {
	if other == nil {
		return 0, fmt.Errorf("zfs: %s: compared to nil: %w", d.name, ErrNotOrderable)
	}
	a, err := d.CreateTxg(ctx)
	if err != nil {
		return 0, err
	}
	b, err := other.CreateTxg(ctx)
	if err != nil {
		return 0, err
	}
	switch {
	case a < b:
		return -1, nil
	case a > b:
		return 1, nil
	}
	return 0, nil
}

// CloseAll closes all datasets and returns the first error
func CloseAll(datasets []*Dataset) error {
	var first error
	for _, ds := range datasets {
		if ds == nil {
			continue
		}
		err := ds.Close()
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

func validComponent(name string) bool {
	return name != "" && !strings.ContainsAny(name, "/@")
}

// snapshotParts splits pool/fs@snap into pool/fs and snap
func snapshotParts(name string) (dataset, snapshot string) {
	idx := strings.IndexByte(name, '@')
	if idx < 0 {
		return name, ""
	}
	return name[:idx], name[idx+1:]
}
