package zfs

import eventemitter "github.com/vansante/go-event-emitter"

// Events emitted by the library. Both carry the operation, the configured mode and the dataset name.
const (
	OperationSkippedEvent eventemitter.EventType = "operation-skipped"
	UnrecognizedModeEvent eventemitter.EventType = "unrecognized-mode"
)
