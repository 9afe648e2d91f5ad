package zfs_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	zfs "github.com/vansante/go-zfsabi"
	"github.com/vansante/go-zfsabi/memory"
)

func TestGetProperty(t *testing.T) {
	lib, _ := newTestLibrary(t, memory.Options{})
	pool := openDataset(t, lib, testPool)

	val, ok, err := pool.GetProperty(context.Background(), zfs.PropertyCompression)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, zfs.PropertyOff, val)

	val, ok, err = pool.GetProperty(context.Background(), zfs.PropertyOrigin)
	require.NoError(t, err, "a missing value is not an error")
	require.False(t, ok)
	require.Empty(t, val)

	props, err := pool.GetProperties(context.Background(), zfs.PropertyReadOnly, zfs.PropertyOrigin, "nl.test:nope")
	require.NoError(t, err)
	require.Equal(t, map[string]string{zfs.PropertyReadOnly: zfs.PropertyOff}, props)
}

func TestSetInheritProperty(t *testing.T) {
	lib, _ := newTestLibrary(t, memory.Options{})
	createFilesystem(t, lib, testPool+"/parent")
	createFilesystem(t, lib, testPool+"/parent/child")

	parent := openDataset(t, lib, testPool+"/parent")
	require.NoError(t, parent.SetProperty(context.Background(), zfs.PropertyCompression, "lz4"))

	child := openDataset(t, lib, testPool+"/parent/child")
	require.NoError(t, child.SetProperty(context.Background(), zfs.PropertyCompression, "gzip"))

	val, ok, err := child.GetProperty(context.Background(), zfs.PropertyCompression)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "gzip", val)

	require.NoError(t, child.InheritProperty(context.Background(), zfs.PropertyCompression))

	val, ok, err = child.GetProperty(context.Background(), zfs.PropertyCompression)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "lz4", val, "the inherited value must be visible right away")
	require.EqualValues(t, 2, lib.OpenHandles())
}

func TestInheritPropertyNeedsReopen(t *testing.T) {
	backend := memory.New(memory.Options{Pools: []string{testPool}})
	ctx := context.Background()

	h, err := backend.Open(ctx, testPool)
	require.NoError(t, err)
	defer h.Close() // nolint: errcheck

	require.NoError(t, backend.PropSet(ctx, h, zfs.PropertyCompression, "lz4"))
	require.NoError(t, backend.PropInherit(ctx, h, zfs.PropertyCompression))

	// Like libzfs, the native handle keeps the value it had
	val, _, err := backend.PropGet(ctx, h, zfs.PropertyCompression)
	require.NoError(t, err)
	require.Equal(t, "lz4", val)
}

func TestUserProperties(t *testing.T) {
	lib, _ := newTestLibrary(t, memory.Options{})
	createFilesystem(t, lib, testPool+"/fs")

	pool := openDataset(t, lib, testPool)
	require.NoError(t, pool.SetUserProperty(context.Background(), "nl.test:inherited", "from-pool"))

	fs := openDataset(t, lib, testPool+"/fs")
	require.NoError(t, fs.SetUserProperty(context.Background(), "nl.test:local", "hello"))

	val, ok, err := fs.GetUserProperty(context.Background(), "nl.test:local")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", val)

	_, ok, err = fs.GetUserProperty(context.Background(), "nl.test:missing")
	require.NoError(t, err)
	require.False(t, ok)

	props, err := fs.GetUserProperties(context.Background(), "nl.test:local", "nl.test:missing")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"nl.test:local": "hello"}, props)

	require.NoError(t, fs.InheritProperty(context.Background(), "nl.test:local"))
	all, err := fs.GetUserProperties(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]string{"nl.test:inherited": "from-pool"}, all)

	err = fs.SetUserProperty(context.Background(), zfs.PropertyCompression, "lz4")
	require.ErrorIs(t, err, zfs.ErrNotUserProperty)
}

func TestSetPropertyErrors(t *testing.T) {
	lib, backend := newTestLibrary(t, memory.Options{})
	pool := openDataset(t, lib, testPool)

	err := pool.SetProperty(context.Background(), zfs.PropertyCreateTxg, "1")
	var backendErr *zfs.BackendError
	require.ErrorAs(t, err, &backendErr)
	require.Equal(t, zfs.OperationPropSet, backendErr.Operation)
	require.Equal(t, testPool, backendErr.Dataset)

	errBroken := errors.New("broken")
	backend.Fail(zfs.OperationPropGet, testPool, errBroken)
	_, err = pool.GetProperties(context.Background(), zfs.PropertyCompression, zfs.PropertyQuota)
	require.ErrorIs(t, err, errBroken)
	require.ErrorContains(t, err, "property "+zfs.PropertyCompression+":")
	backend.Fail(zfs.OperationPropGet, testPool, nil)

	backend.Fail(zfs.OperationPropInherit, testPool, errBroken)
	err = pool.InheritProperty(context.Background(), zfs.PropertyCompression)
	require.ErrorIs(t, err, errBroken)
	require.False(t, pool.Closed(), "a failed inherit keeps the handle")
}

func TestIsUserProperty(t *testing.T) {
	require.True(t, zfs.IsUserProperty("nl.test:prop"))
	require.True(t, zfs.IsUserProperty("com.example:a:b"))
	require.False(t, zfs.IsUserProperty("compression"))
	require.False(t, zfs.IsUserProperty(":prop"))
	require.False(t, zfs.IsUserProperty("ns:"))
}
