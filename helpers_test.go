package zfs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	zfs "github.com/vansante/go-zfsabi"
	"github.com/vansante/go-zfsabi/memory"
)

const testPool = "tank"

// newTestLibrary returns a library on an in-memory pool using the OpenZFS call conventions.
// The test fails when it leaves datasets open.
func newTestLibrary(t *testing.T, opts memory.Options) (*zfs.Library, *memory.Backend) {
	t.Helper()

	if len(opts.Pools) == 0 {
		opts.Pools = []string{testPool}
	}
	opts.Logger = zfs.NewTestLogger(t)
	backend := memory.New(opts)

	lib := zfs.NewLibrary(backend, zfs.Options{
		ABI:             zfs.NewABI(zfs.OpenZFSModes()),
		MountController: backend,
		Logger:          zfs.NewTestLogger(t),
	})
	t.Cleanup(func() {
		require.Zero(t, lib.OpenHandles(), "datasets left open")
		require.Zero(t, backend.OpenHandles(), "native handles left open")
	})
	return lib, backend
}

func openDataset(t *testing.T, lib *zfs.Library, name string) *zfs.Dataset {
	t.Helper()

	ds, err := lib.Open(context.Background(), name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func createFilesystem(t *testing.T, lib *zfs.Library, name string) {
	t.Helper()

	ds, err := lib.CreateFilesystem(context.Background(), name, zfs.CreateFilesystemOptions{})
	require.NoError(t, err)
	require.NoError(t, ds.Close())
}

func createSnapshot(t *testing.T, lib *zfs.Library, dataset, snap string, recursive bool) {
	t.Helper()

	ds := openDataset(t, lib, dataset)
	s, err := ds.CreateSnapshot(context.Background(), snap, zfs.SnapshotOptions{Recursive: recursive})
	require.NoError(t, err)
	require.NotNil(t, s)
	require.NoError(t, s.Close())
	require.NoError(t, ds.Close())
}

func names(datasets []*zfs.Dataset) []string {
	n := make([]string, len(datasets))
	for i, ds := range datasets {
		n[i] = ds.Name()
	}
	return n
}

// callsOf returns the datasets the backend was called with for the operation
func callsOf(backend *memory.Backend, op zfs.Operation) []string {
	var datasets []string
	for _, call := range backend.Calls() {
		if call.Operation == op {
			datasets = append(datasets, call.Dataset)
		}
	}
	return datasets
}

// destructiveCalls returns the calls that remove or roll back data
func destructiveCalls(backend *memory.Backend) []memory.Call {
	var calls []memory.Call
	for _, call := range backend.Calls() {
		switch call.Operation {
		case zfs.OperationDestroy, zfs.OperationDestroySnaps, zfs.OperationRollback:
			calls = append(calls, call)
		}
	}
	return calls
}
