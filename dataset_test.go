package zfs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	zfs "github.com/vansante/go-zfsabi"
	"github.com/vansante/go-zfsabi/memory"
)

type bookmarkHandle struct {
	zfs.Handle
}

func (bookmarkHandle) Type() zfs.DatasetType {
	return "bookmark"
}

// bookmarkBackend reports a type the library does not model
type bookmarkBackend struct {
	*memory.Backend
}

func (b bookmarkBackend) Open(ctx context.Context, name string) (zfs.Handle, error) {
	h, err := b.Backend.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return bookmarkHandle{Handle: h}, nil
}

// noTxgBackend never reports a creation txg
type noTxgBackend struct {
	*memory.Backend
}

func (b noTxgBackend) PropGet(ctx context.Context, h zfs.Handle, prop string) (string, bool, error) {
	if prop == zfs.PropertyCreateTxg {
		return "", false, nil
	}
	return b.Backend.PropGet(ctx, h, prop)
}

func TestDatasetOpen(t *testing.T) {
	lib, _ := newTestLibrary(t, memory.Options{})
	createFilesystem(t, lib, testPool+"/fs")
	createSnapshot(t, lib, testPool+"/fs", "snap", false)

	fs := openDataset(t, lib, testPool+"/fs")
	require.Equal(t, testPool+"/fs", fs.Name())
	require.Equal(t, zfs.DatasetFilesystem, fs.Type())
	require.False(t, fs.IsSnapshot())
	require.Equal(t, testPool, fs.Pool())

	snap := openDataset(t, lib, testPool+"/fs@snap")
	require.Equal(t, zfs.DatasetSnapshot, snap.Type())
	require.True(t, snap.IsSnapshot())
	require.Equal(t, testPool, snap.Pool())

	pool := openDataset(t, lib, testPool)
	require.Equal(t, testPool, pool.Pool())
	require.EqualValues(t, 3, lib.OpenHandles())

	_, err := lib.Open(context.Background(), testPool+"/missing")
	require.ErrorIs(t, err, zfs.ErrDatasetNotFound)
	var backendErr *zfs.BackendError
	require.ErrorAs(t, err, &backendErr)
	require.Equal(t, zfs.OperationOpen, backendErr.Operation)
	require.Equal(t, testPool+"/missing", backendErr.Dataset)

	_, err = lib.OpenType(context.Background(), testPool+"/fs", zfs.DatasetVolume)
	require.ErrorIs(t, err, zfs.ErrUnknownDatasetType)
}

func TestDatasetOpenUnknownType(t *testing.T) {
	backend := memory.New(memory.Options{Pools: []string{testPool}})
	lib := zfs.NewLibrary(bookmarkBackend{Backend: backend}, zfs.Options{Logger: zfs.NewTestLogger(t)})

	_, err := lib.Open(context.Background(), testPool)
	require.ErrorIs(t, err, zfs.ErrUnknownDatasetType)
	require.Zero(t, lib.OpenHandles())
	require.Zero(t, backend.OpenHandles())
}

func TestDatasetClose(t *testing.T) {
	lib, backend := newTestLibrary(t, memory.Options{})

	ds, err := lib.Open(context.Background(), testPool)
	require.NoError(t, err)
	require.EqualValues(t, 1, lib.OpenHandles())
	require.Equal(t, 1, backend.OpenHandles())

	require.NoError(t, ds.Close())
	require.True(t, ds.Closed())
	require.NoError(t, ds.Close(), "closing twice must be a no-op")
	require.Zero(t, lib.OpenHandles())
	require.Zero(t, backend.OpenHandles())

	_, _, err = ds.GetProperty(context.Background(), zfs.PropertyCompression)
	var stale *zfs.StaleHandleError
	require.ErrorAs(t, err, &stale)
	require.Equal(t, testPool, stale.Dataset)
	require.Equal(t, zfs.OperationPropGet, stale.Operation)
	require.False(t, stale.Renamed)

	_, err = ds.CreateSnapshot(context.Background(), "snap", zfs.SnapshotOptions{})
	require.ErrorAs(t, err, &stale)
	require.Equal(t, zfs.OperationSnapshot, stale.Operation)
	require.Empty(t, callsOf(backend, zfs.OperationSnapshot))
}

func TestDatasetCloseConcurrent(t *testing.T) {
	lib, _ := newTestLibrary(t, memory.Options{})
	ds, err := lib.Open(context.Background(), testPool)
	require.NoError(t, err)

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			done <- ds.Close()
		}()
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, <-done)
	}
	require.Zero(t, lib.OpenHandles())
}

func TestDatasetEqual(t *testing.T) {
	lib, _ := newTestLibrary(t, memory.Options{})
	createFilesystem(t, lib, testPool+"/a")
	createFilesystem(t, lib, testPool+"/b")

	a1 := openDataset(t, lib, testPool+"/a")
	a2 := openDataset(t, lib, testPool+"/a")
	b := openDataset(t, lib, testPool+"/b")

	require.True(t, a1.Equal(a1))
	require.True(t, a1.Equal(a2))
	require.True(t, a2.Equal(a1))
	require.False(t, a1.Equal(b))
	require.False(t, a1.Equal(nil))

	require.NoError(t, a2.Close())
	require.False(t, a1.Equal(a2))
}

func TestDatasetEqualAfterRename(t *testing.T) {
	lib, _ := newTestLibrary(t, memory.Options{})
	createFilesystem(t, lib, testPool+"/a")

	ds := openDataset(t, lib, testPool+"/a")
	other := openDataset(t, lib, testPool+"/a")

	renamed, err := ds.Rename(context.Background(), testPool+"/b", zfs.RenameOptions{})
	require.NoError(t, err)
	defer renamed.Close() // nolint: errcheck

	// Identity follows the object, not the name
	require.True(t, other.Equal(renamed))
	require.Equal(t, testPool+"/a", other.Name())
}

func TestDatasetCompare(t *testing.T) {
	lib, _ := newTestLibrary(t, memory.Options{})
	createFilesystem(t, lib, testPool+"/fs")
	createSnapshot(t, lib, testPool+"/fs", "first", false)
	createSnapshot(t, lib, testPool+"/fs", "second", false)

	first := openDataset(t, lib, testPool+"/fs@first")
	second := openDataset(t, lib, testPool+"/fs@second")
	again := openDataset(t, lib, testPool+"/fs@first")

	cmp, err := first.Compare(context.Background(), second)
	require.NoError(t, err)
	require.Equal(t, -1, cmp)

	cmp, err = second.Compare(context.Background(), first)
	require.NoError(t, err)
	require.Equal(t, 1, cmp)

	_, err = first.Compare(context.Background(), nil)
	require.ErrorIs(t, err, zfs.ErrNotOrderable)

	cmp, err = first.Compare(context.Background(), again)
	require.NoError(t, err)
	require.Equal(t, 0, cmp)

	txg1, err := first.CreateTxg(context.Background())
	require.NoError(t, err)
	txg2, err := second.CreateTxg(context.Background())
	require.NoError(t, err)
	require.Less(t, txg1, txg2)
}

func TestDatasetCompareWithoutTxg(t *testing.T) {
	backend := memory.New(memory.Options{Pools: []string{testPool}})
	lib := zfs.NewLibrary(noTxgBackend{Backend: backend}, zfs.Options{
		ABI:    zfs.NewABI(zfs.OpenZFSModes()),
		Logger: zfs.NewTestLogger(t),
	})
	createFilesystem(t, lib, testPool+"/a")

	a := openDataset(t, lib, testPool+"/a")
	pool := openDataset(t, lib, testPool)

	_, err := a.Compare(context.Background(), pool)
	require.ErrorIs(t, err, zfs.ErrNotOrderable)

	createSnapshot(t, lib, testPool+"/a", "s", false)
	_, err = a.Snapshots(context.Background())
	require.ErrorIs(t, err, zfs.ErrNotOrderable)
	require.Equal(t, 2, backend.OpenHandles(), "only the two test datasets may remain open")
}

func TestDatasetNameCachedAfterRename(t *testing.T) {
	lib, backend := newTestLibrary(t, memory.Options{})
	createFilesystem(t, lib, testPool+"/old")
	createFilesystem(t, lib, testPool+"/old/child")

	ds := openDataset(t, lib, testPool+"/old")
	renamed, err := ds.Rename(context.Background(), testPool+"/new", zfs.RenameOptions{})
	require.NoError(t, err)
	defer renamed.Close() // nolint: errcheck

	require.Equal(t, testPool+"/old", ds.Name())
	require.Equal(t, testPool+"/new", renamed.Name())
	require.True(t, ds.Closed())
	require.True(t, backend.Exists(testPool+"/new/child"))
	require.False(t, backend.Exists(testPool+"/old"))

	_, err = ds.Children(context.Background())
	var stale *zfs.StaleHandleError
	require.ErrorAs(t, err, &stale)
	require.True(t, stale.Renamed)
	require.Equal(t, testPool+"/old", stale.Dataset)

	_, err = lib.Open(context.Background(), testPool+"/old")
	require.ErrorIs(t, err, zfs.ErrDatasetNotFound)
}

func TestCloseAll(t *testing.T) {
	lib, _ := newTestLibrary(t, memory.Options{})

	a, err := lib.Open(context.Background(), testPool)
	require.NoError(t, err)
	b, err := lib.Open(context.Background(), testPool)
	require.NoError(t, err)

	require.NoError(t, zfs.CloseAll([]*zfs.Dataset{a, nil, b, a}))
	require.True(t, a.Closed())
	require.True(t, b.Closed())
}
