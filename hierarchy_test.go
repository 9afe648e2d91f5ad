package zfs_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	zfs "github.com/vansante/go-zfsabi"
	"github.com/vansante/go-zfsabi/memory"
)

// buildTree creates
//
//	tank/a, tank/a@s1, tank/a@s2, tank/a/b, tank/a/b@s1, tank/a/b/c, tank/a/vol
func buildTree(t *testing.T, lib *zfs.Library) {
	t.Helper()

	createFilesystem(t, lib, testPool+"/a")
	createFilesystem(t, lib, testPool+"/a/b")
	createFilesystem(t, lib, testPool+"/a/b/c")
	vol, err := lib.CreateVolume(context.Background(), testPool+"/a/vol", 1<<20, zfs.CreateVolumeOptions{})
	require.NoError(t, err)
	require.NoError(t, vol.Close())

	createSnapshot(t, lib, testPool+"/a", "s1", false)
	createSnapshot(t, lib, testPool+"/a/b", "s1", false)
	createSnapshot(t, lib, testPool+"/a", "s2", false)
}

func TestChildren(t *testing.T) {
	lib, _ := newTestLibrary(t, memory.Options{})
	buildTree(t, lib)

	a := openDataset(t, lib, testPool+"/a")
	children, err := a.Children(context.Background())
	require.NoError(t, err)
	defer zfs.CloseAll(children) // nolint: errcheck

	require.Equal(t, []string{
		testPool + "/a@s1",
		testPool + "/a@s2",
		testPool + "/a/b",
		testPool + "/a/vol",
	}, names(children))

	for _, child := range children {
		rel := strings.TrimPrefix(strings.TrimPrefix(child.Name(), a.Name()), "/")
		require.NotContains(t, rel, "/", "%s is more than one level down", child.Name())
	}
}

func TestChildrenOfSnapshot(t *testing.T) {
	lib, _ := newTestLibrary(t, memory.Options{})
	buildTree(t, lib)

	snap := openDataset(t, lib, testPool+"/a@s1")
	children, err := snap.Children(context.Background())
	require.NoError(t, err)
	require.Empty(t, children)
}

func TestDescendants(t *testing.T) {
	lib, _ := newTestLibrary(t, memory.Options{})
	buildTree(t, lib)

	a := openDataset(t, lib, testPool+"/a")
	desc, err := a.Descendants(context.Background())
	require.NoError(t, err)
	defer zfs.CloseAll(desc) // nolint: errcheck

	require.Equal(t, []string{
		testPool + "/a@s1",
		testPool + "/a@s2",
		testPool + "/a/b",
		testPool + "/a/b@s1",
		testPool + "/a/b/c",
		testPool + "/a/vol",
	}, names(desc))

	// Applying Children depth first yields the same list
	var walk func(ds *zfs.Dataset) []string
	walk = func(ds *zfs.Dataset) []string {
		children, err := ds.Children(context.Background())
		require.NoError(t, err)
		defer zfs.CloseAll(children) // nolint: errcheck

		var result []string
		for _, child := range children {
			result = append(result, child.Name())
			result = append(result, walk(child)...)
		}
		return result
	}
	require.Equal(t, names(desc), walk(a))
}

func TestSnapshotsOrderedByTxg(t *testing.T) {
	lib, _ := newTestLibrary(t, memory.Options{})
	createFilesystem(t, lib, testPool+"/fs")
	for _, name := range []string{"zz", "aa", "mm"} {
		createSnapshot(t, lib, testPool+"/fs", name, false)
	}

	fs := openDataset(t, lib, testPool+"/fs")
	snaps, err := fs.Snapshots(context.Background())
	require.NoError(t, err)
	defer zfs.CloseAll(snaps) // nolint: errcheck

	require.Equal(t, []string{testPool + "/fs@zz", testPool + "/fs@aa", testPool + "/fs@mm"}, names(snaps))
	for i := 1; i < len(snaps); i++ {
		cmp, err := snaps[i-1].Compare(context.Background(), snaps[i])
		require.NoError(t, err)
		require.Equal(t, -1, cmp)
	}
}

func TestSnapshotsDeduplicated(t *testing.T) {
	lib, backend := newTestLibrary(t, memory.Options{RepeatSnapshots: true})
	createFilesystem(t, lib, testPool+"/fs")
	createSnapshot(t, lib, testPool+"/fs", "one", false)
	createSnapshot(t, lib, testPool+"/fs", "two", false)

	fs := openDataset(t, lib, testPool+"/fs")
	snaps, err := fs.Snapshots(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{testPool + "/fs@one", testPool + "/fs@two"}, names(snaps))
	require.NoError(t, zfs.CloseAll(snaps))

	// The duplicate native handles were released as well
	require.Equal(t, 1, backend.OpenHandles())
}

func TestSnapshotsLegacyIteration(t *testing.T) {
	lib, backend := newTestLibrary(t, memory.Options{})
	lib.ABI().Set(zfs.OperationIterSnapshots, zfs.ModeLegacy)
	createFilesystem(t, lib, testPool+"/fs")
	createSnapshot(t, lib, testPool+"/fs", "one", false)

	fs := openDataset(t, lib, testPool+"/fs")
	snaps, err := fs.Snapshots(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{testPool + "/fs@one"}, names(snaps))
	require.NoError(t, zfs.CloseAll(snaps))

	var variants []zfs.Mode
	for _, call := range backend.Calls() {
		if call.Operation == zfs.OperationIterSnapshots {
			variants = append(variants, call.Variant)
		}
	}
	require.Equal(t, []zfs.Mode{zfs.ModeLegacy}, variants)
}

func TestSnapshotsNoopIteration(t *testing.T) {
	lib, backend := newTestLibrary(t, memory.Options{})
	createFilesystem(t, lib, testPool+"/fs")
	createSnapshot(t, lib, testPool+"/fs", "one", false)
	lib.ABI().Set(zfs.OperationIterSnapshots, zfs.ModeNoop)

	var skipped int
	lib.AddListener(zfs.OperationSkippedEvent, func(arguments ...interface{}) {
		skipped++
		require.Equal(t, zfs.OperationIterSnapshots, arguments[0])
	})

	fs := openDataset(t, lib, testPool+"/fs")
	backend.ResetCalls()
	snaps, err := fs.Snapshots(context.Background())
	require.NoError(t, err)
	require.Empty(t, snaps)
	require.Equal(t, 1, skipped)
	require.Empty(t, callsOf(backend, zfs.OperationIterSnapshots))
}

func TestRecursiveSnapshotIsAtomic(t *testing.T) {
	lib, backend := newTestLibrary(t, memory.Options{})
	buildTree(t, lib)
	backend.ResetCalls()

	a := openDataset(t, lib, testPool+"/a")
	snap, err := a.CreateSnapshot(context.Background(), "atomic", zfs.SnapshotOptions{Recursive: true})
	require.NoError(t, err)
	require.Equal(t, testPool+"/a@atomic", snap.Name())
	require.NoError(t, snap.Close())

	// One native call for the whole hierarchy
	require.Equal(t, []string{testPool + "/a@atomic"}, callsOf(backend, zfs.OperationSnapshot))

	expected := []string{testPool + "/a", testPool + "/a/b", testPool + "/a/b/c", testPool + "/a/vol"}
	var txg uint64
	for _, name := range expected {
		ds := openDataset(t, lib, name+"@atomic")
		snapTxg, err := ds.CreateTxg(context.Background())
		require.NoError(t, err)
		if txg == 0 {
			txg = snapTxg
		}
		require.Equal(t, txg, snapTxg, "%s was not taken in the same txg", ds.Name())
		require.NoError(t, ds.Close())
	}
}
