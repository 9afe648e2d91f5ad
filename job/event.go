package job

import eventemitter "github.com/vansante/go-event-emitter"

const (
	CreatedSnapshotEvent      eventemitter.EventType = "created-snapshot"
	SkippedSnapshotEvent      eventemitter.EventType = "skipped-snapshot"
	MarkSnapshotDeletionEvent eventemitter.EventType = "mark-snapshot-deletion"
	DeletedSnapshotEvent      eventemitter.EventType = "deleted-snapshot"
	DeletedFilesystemEvent    eventemitter.EventType = "deleted-filesystem"
)
