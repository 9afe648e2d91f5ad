package zfs_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	zfs "github.com/vansante/go-zfsabi"
	"github.com/vansante/go-zfsabi/memory"
)

func TestDispatchUnrecognizedMode(t *testing.T) {
	lib, backend := newTestLibrary(t, memory.Options{})
	createFilesystem(t, lib, testPool+"/fs")
	createSnapshot(t, lib, testPool+"/fs", "snap", false)

	var unrecognized [][]interface{}
	lib.AddListener(zfs.UnrecognizedModeEvent, func(arguments ...interface{}) {
		unrecognized = append(unrecognized, arguments)
	})

	fs := openDataset(t, lib, testPool+"/fs")
	snap := openDataset(t, lib, testPool+"/fs@snap")

	tests := []struct {
		op   zfs.Operation
		mode zfs.Mode
		call func() error
	}{
		{zfs.OperationSnapshot, "variant-z", func() error {
			_, err := fs.CreateSnapshot(context.Background(), "x", zfs.SnapshotOptions{})
			return err
		}},
		// pre-nv96 exists, but not for destroy
		{zfs.OperationDestroy, zfs.ModePreNV96, func() error {
			return snap.Destroy(context.Background(), zfs.DestroyOptions{})
		}},
		{zfs.OperationDestroySnaps, "OPENZFS2", func() error {
			return fs.DestroySnapshot(context.Background(), "snap", zfs.DestroyOptions{})
		}},
		{zfs.OperationPermSet, zfs.ModePreNV96, func() error {
			return fs.Allow(context.Background(), zfs.Permission{Type: zfs.WhoEveryone, Local: true, Permissions: []string{"mount"}})
		}},
		{zfs.OperationIterSnapshots, "guess", func() error {
			_, err := fs.Snapshots(context.Background())
			return err
		}},
	}

	for _, test := range tests {
		t.Run(string(test.op), func(t *testing.T) {
			lib.ABI().Set(test.op, test.mode)
			defer lib.ABI().Set(test.op, zfs.OpenZFSModes()[test.op])
			unrecognized = nil
			backend.ResetCalls()

			err := test.call()
			var cfgErr *zfs.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			require.Equal(t, test.op, cfgErr.Operation)
			require.Equal(t, test.mode, cfgErr.Mode)
			require.NotEmpty(t, cfgErr.Dataset)
			require.Contains(t, err.Error(), string(test.op))
			require.Contains(t, err.Error(), cfgErr.Dataset)

			require.Len(t, unrecognized, 1)
			require.Equal(t, test.op, unrecognized[0][0])
			require.Equal(t, test.mode, unrecognized[0][1])

			for _, call := range backend.Calls() {
				require.NotEqual(t, test.op, call.Operation, "no native call may be made")
			}
			require.Empty(t, destructiveCalls(backend))
		})
	}
}

func TestDispatchMissingMode(t *testing.T) {
	lib, backend := newTestLibrary(t, memory.Options{})
	lib.ABI().Unset(zfs.OperationSnapshot)
	pool := openDataset(t, lib, testPool)

	_, err := pool.CreateSnapshot(context.Background(), "x", zfs.SnapshotOptions{})
	var cfgErr *zfs.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, zfs.OperationSnapshot, cfgErr.Operation)
	require.Equal(t, testPool+"@x", cfgErr.Dataset)
	require.Empty(t, callsOf(backend, zfs.OperationSnapshot))
}

func TestDispatchDefaultABIIsEmpty(t *testing.T) {
	backend := memory.New(memory.Options{Pools: []string{testPool}})
	lib := zfs.NewLibrary(backend, zfs.Options{})
	require.Same(t, zfs.DefaultABI, lib.ABI())

	pool, err := lib.Open(context.Background(), testPool)
	require.NoError(t, err)
	defer pool.Close() // nolint: errcheck

	_, err = pool.CreateSnapshot(context.Background(), "x", zfs.SnapshotOptions{})
	var cfgErr *zfs.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestDispatchModeChangesAtRuntime(t *testing.T) {
	lib, backend := newTestLibrary(t, memory.Options{})
	pool := openDataset(t, lib, testPool)

	for i, mode := range []zfs.Mode{zfs.ModeOpenZFS, zfs.ModeLegacy, zfs.ModePreNV96, "No-Op"} {
		lib.ABI().Set(zfs.OperationSnapshot, zfs.ParseMode(string(mode)))
		snap, err := pool.CreateSnapshot(context.Background(), string(rune('a'+i)), zfs.SnapshotOptions{})
		require.NoError(t, err)
		if snap != nil {
			require.NoError(t, snap.Close())
		}
	}

	var variants []zfs.Mode
	for _, call := range filterCalls(backend, zfs.OperationSnapshot) {
		variants = append(variants, call.Variant)
	}
	require.Equal(t, []zfs.Mode{zfs.ModeOpenZFS, zfs.ModeLegacy, zfs.ModePreNV96}, variants)
}

func TestDispatchBackendError(t *testing.T) {
	lib, backend := newTestLibrary(t, memory.Options{})
	pool := openDataset(t, lib, testPool)

	errNative := errors.New("out of space")
	backend.Fail(zfs.OperationSnapshot, testPool+"@x", errNative)

	_, err := pool.CreateSnapshot(context.Background(), "x", zfs.SnapshotOptions{})
	require.ErrorIs(t, err, errNative)
	var backendErr *zfs.BackendError
	require.ErrorAs(t, err, &backendErr)
	require.Equal(t, zfs.OperationSnapshot, backendErr.Operation)
	require.Equal(t, testPool+"@x", backendErr.Dataset)
	require.Equal(t, "zfs: zfs_snapshot on tank@x failed: out of space", err.Error())
}

func TestDispatchMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	backend := memory.New(memory.Options{Pools: []string{testPool}})
	lib := zfs.NewLibrary(backend, zfs.Options{
		ABI:     zfs.NewABI(zfs.OpenZFSModes()),
		Logger:  zfs.NewTestLogger(t),
		Metrics: zfs.NewMetrics(reg),
	})

	pool, err := lib.Open(context.Background(), testPool)
	require.NoError(t, err)
	defer pool.Close() // nolint: errcheck

	snap, err := pool.CreateSnapshot(context.Background(), "ok", zfs.SnapshotOptions{})
	require.NoError(t, err)
	require.NoError(t, snap.Close())

	backend.Fail(zfs.OperationSnapshot, testPool+"@fail", errors.New("nope"))
	_, err = pool.CreateSnapshot(context.Background(), "fail", zfs.SnapshotOptions{})
	require.Error(t, err)

	lib.ABI().Set(zfs.OperationSnapshot, zfs.ModeNoop)
	_, err = pool.CreateSnapshot(context.Background(), "skip", zfs.SnapshotOptions{})
	require.NoError(t, err)

	lib.ABI().Set(zfs.OperationSnapshot, "bogus")
	_, err = pool.CreateSnapshot(context.Background(), "bogus", zfs.SnapshotOptions{})
	require.Error(t, err)

	expected := `
# HELP zfsabi_operations_total Total number of ABI sensitive operations by operation, mode and result
# TYPE zfsabi_operations_total counter
zfsabi_operations_total{mode="bogus",operation="zfs_snapshot",result="unrecognized"} 1
zfsabi_operations_total{mode="no-op",operation="zfs_snapshot",result="skipped"} 1
zfsabi_operations_total{mode="openzfs",operation="zfs_snapshot",result="error"} 1
zfsabi_operations_total{mode="openzfs",operation="zfs_snapshot",result="ok"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "zfsabi_operations_total"))
}
