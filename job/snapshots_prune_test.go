package job

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunner_pruneSnapshots(t *testing.T) {
	runnerTest(t, func(env testEnv, runner *Runner) {
		createdProp := runner.config.Properties.snapshotCreatedAt()
		deleteProp := runner.config.Properties.deleteAt()

		const snap1, snap2, snap3, snap4 = "s1", "s2", "s3", "s4"
		now := time.Now()

		env.snapshot(t, testFilesystem, snap1, map[string]string{deleteProp: now.Add(-time.Minute * 2).Format(dateTimeFormat)})
		env.snapshot(t, testFilesystem, snap2, map[string]string{deleteProp: now.Add(-time.Second * 6).Format(dateTimeFormat)})
		env.snapshot(t, testFilesystem, snap3, map[string]string{createdProp: now.Add(time.Second).Format(dateTimeFormat)})
		env.snapshot(t, testFilesystem, snap4, map[string]string{
			createdProp: now.Add(time.Minute).Format(dateTimeFormat),
			deleteProp:  now.Add(time.Hour).Format(dateTimeFormat),
		})

		events := 0
		runner.AddListener(DeletedSnapshotEvent, func(arguments ...interface{}) {
			events++

			require.Len(t, arguments, 3)
			require.Equal(t, datasetName(testFilesystem, true), arguments[1])

			switch arguments[0] {
			case fmt.Sprintf("%s@s1", testFilesystem):
				require.Equal(t, "s1", arguments[2])
			case fmt.Sprintf("%s@s2", testFilesystem):
				require.Equal(t, "s2", arguments[2])
			default:
				t.Errorf("unexpected snapshot: %s", arguments[0])
			}
		})

		err := runner.pruneSnapshots()
		require.NoError(t, err)
		require.Equal(t, 2, events)
		require.Equal(t, []string{snap3, snap4}, env.snapshotNames(t, testFilesystem))
	})
}

func TestRunner_pruneSnapshotsIgnoresInheritedDeleteAt(t *testing.T) {
	runnerTest(t, func(env testEnv, runner *Runner) {
		deleteProp := runner.config.Properties.deleteAt()
		env.setProp(t, testFilesystem, deleteProp, time.Now().Add(-time.Hour).Format(dateTimeFormat))
		env.snapshot(t, testFilesystem, "keep", nil)

		require.NoError(t, runner.pruneSnapshots())
		require.Equal(t, []string{"keep"}, env.snapshotNames(t, testFilesystem))
	})
}

func TestRunner_pruneSnapshotsInvalidTime(t *testing.T) {
	runnerTest(t, func(env testEnv, runner *Runner) {
		env.snapshot(t, testFilesystem, "bad", map[string]string{runner.config.Properties.deleteAt(): "tomorrow"})

		require.ErrorContains(t, runner.pruneSnapshots(), "error parsing")
		require.Equal(t, []string{"bad"}, env.snapshotNames(t, testFilesystem))
	})
}
