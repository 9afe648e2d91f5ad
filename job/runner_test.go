package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	eventemitter "github.com/vansante/go-event-emitter"

	zfs "github.com/vansante/go-zfsabi"
	"github.com/vansante/go-zfsabi/memory"
)

const (
	testZPool      = "tank"
	testParent     = testZPool + "/runner"
	testFilesystem = testParent + "/testfs1"
)

type testEnv struct {
	lib     *zfs.Library
	backend *memory.Backend
}

func runnerTest(t *testing.T, fn func(env testEnv, runner *Runner)) {
	t.Helper()

	backend := memory.New(memory.Options{Pools: []string{testZPool}, Logger: zfs.NewTestLogger(t)})
	lib := zfs.NewLibrary(backend, zfs.Options{
		ABI:             zfs.NewABI(zfs.OpenZFSModes()),
		MountController: backend,
		Logger:          zfs.NewTestLogger(t),
	})

	conf := Config{ParentDataset: testParent}
	conf.ApplyDefaults()
	r := NewRunner(context.Background(), conf, lib, zfs.NewTestLogger(t))

	env := testEnv{lib: lib, backend: backend}
	env.create(t, testParent, nil)
	env.create(t, testFilesystem, nil)

	r.AddCapturer(func(event eventemitter.EventType, arguments ...interface{}) {
		t.Logf("EVENT: %s %#v", event, arguments)
	})

	fn(env, r)
	require.Zero(t, lib.OpenHandles(), "jobs must release every dataset")
	require.Zero(t, backend.OpenHandles())
}

func (e testEnv) create(t *testing.T, name string, props map[string]string) {
	t.Helper()
	if props == nil {
		props = map[string]string{}
	}
	props[zfs.PropertyCanMount] = zfs.PropertyOff
	ds, err := e.lib.CreateFilesystem(context.Background(), name, zfs.CreateFilesystemOptions{Properties: props})
	require.NoError(t, err)
	require.NoError(t, ds.Close())
}

// snapshot creates a snapshot with user properties set on it
func (e testEnv) snapshot(t *testing.T, fs, name string, props map[string]string) {
	t.Helper()
	ds, err := e.lib.Open(context.Background(), fs)
	require.NoError(t, err)
	defer ds.Close() // nolint: errcheck

	snap, err := ds.CreateSnapshot(context.Background(), name, zfs.SnapshotOptions{})
	require.NoError(t, err)
	defer snap.Close() // nolint: errcheck
	for k, v := range props {
		require.NoError(t, snap.SetUserProperty(context.Background(), k, v))
	}
}

func (e testEnv) setProp(t *testing.T, name, key, value string) {
	t.Helper()
	ds, err := e.lib.Open(context.Background(), name)
	require.NoError(t, err)
	defer ds.Close() // nolint: errcheck
	require.NoError(t, ds.SetUserProperty(context.Background(), key, value))
}

func (e testEnv) prop(t *testing.T, name, key string) (string, bool) {
	t.Helper()
	ds, err := e.lib.Open(context.Background(), name)
	require.NoError(t, err)
	defer ds.Close() // nolint: errcheck
	val, ok, err := ds.GetUserProperty(context.Background(), key)
	require.NoError(t, err)
	return val, ok
}

func (e testEnv) snapshotNames(t *testing.T, fs string) []string {
	t.Helper()
	ds, err := e.lib.Open(context.Background(), fs)
	require.NoError(t, err)
	defer ds.Close() // nolint: errcheck

	snaps, err := ds.Snapshots(context.Background())
	require.NoError(t, err)
	defer zfs.CloseAll(snaps) // nolint: errcheck

	names := make([]string, len(snaps))
	for i, snap := range snaps {
		names[i] = snapshotName(snap.Name())
	}
	return names
}

func TestRunner_tree(t *testing.T) {
	runnerTest(t, func(env testEnv, runner *Runner) {
		const prop = "nl.test:prop"
		env.setProp(t, testParent, prop, "parent")
		env.create(t, testFilesystem+"/child", map[string]string{prop: "child"})
		env.snapshot(t, testFilesystem, "inherits", nil)
		env.snapshot(t, testFilesystem, "own", map[string]string{prop: "snap"})

		nodes, err := runner.tree(context.Background())
		require.NoError(t, err)
		defer closeTree(nodes)

		local := map[string]map[string]string{}
		names := make([]string, len(nodes))
		for i, n := range nodes {
			names[i] = n.name()
			local[n.name()] = n.local
		}
		require.Equal(t, []string{
			testParent,
			testFilesystem,
			testFilesystem + "@inherits",
			testFilesystem + "@own",
			testFilesystem + "/child",
		}, names)

		require.Equal(t, map[string]string{prop: "parent"}, local[testParent])
		require.Empty(t, local[testFilesystem])
		require.Empty(t, local[testFilesystem+"@inherits"])
		require.Equal(t, map[string]string{prop: "snap"}, local[testFilesystem+"@own"])
		require.Equal(t, map[string]string{prop: "child"}, local[testFilesystem+"/child"])

		require.Equal(t, []string{testFilesystem + "@inherits", testFilesystem + "@own"},
			func() []string {
				var n []string
				for _, s := range snapshotsOf(nodes, testFilesystem) {
					n = append(n, s.name())
				}
				return n
			}(),
		)
	})
}

func TestRunner_Run(t *testing.T) {
	runnerTest(t, func(env testEnv, runner *Runner) {
		ctx, cancel := context.WithCancel(context.Background())
		runner.ctx = ctx
		runner.config.Interval = 200 * time.Millisecond
		runner.config.EnableSnapshotMark = false
		runner.config.EnableSnapshotPrune = false
		env.setProp(t, testFilesystem, runner.config.Properties.snapshotIntervalMinutes(), "60")

		created := make(chan string, 10)
		runner.AddListener(CreatedSnapshotEvent, func(arguments ...interface{}) {
			created <- arguments[0].(string)
		})

		runner.Run()
		select {
		case ds := <-created:
			require.Equal(t, testFilesystem, ds)
		case <-time.After(5 * time.Second):
			t.Fatal("no snapshot created")
		}
		cancel()

		// Let a running job finish before the handle check
		require.Eventually(t, func() bool { return env.lib.OpenHandles() == 0 }, time.Second, 10*time.Millisecond)
	})
}
