package zfs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDatasetNotFound        = errors.New("dataset not found")
	ErrOnlySnapshotsSupported = errors.New("only snapshots are supported for this action")
	ErrSnapshotsNotSupported  = errors.New("snapshots are not supported for this action")
	ErrNotOrderable           = errors.New("dataset has no valid creation txg")
	ErrUnknownDatasetType     = errors.New("unknown dataset type")
	ErrSendNotSupported       = errors.New("backend cannot send snapshot streams")
	ErrInvalidName            = errors.New("invalid name")
	ErrNotUserProperty        = errors.New("not a user property")
)

// ConfigurationError is returned when the ABI mode for an operation is missing, unrecognized or
// cannot serve the request. No native call has been made when this error is returned.
type ConfigurationError struct {
	Operation Operation
	Mode      Mode
	Dataset   string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	var sb strings.Builder
	sb.WriteString("zfs: ")
	sb.WriteString(string(e.Operation))
	if e.Dataset != "" {
		sb.WriteString(" on ")
		sb.WriteString(e.Dataset)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Reason)
	if e.Mode != "" {
		fmt.Fprintf(&sb, " (mode %q)", e.Mode)
	}
	return sb.String()
}

// BackendError is returned when a native call reports failure
type BackendError struct {
	Operation Operation
	Dataset   string
	Err       error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("zfs: %s on %s failed: %v", e.Operation, e.Dataset, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// HasChildrenError is returned by a non-recursive destroy of a dataset that has children
type HasChildrenError struct {
	Operation Operation
	Dataset   string
	Children  []string
}

func (e *HasChildrenError) Error() string {
	return fmt.Sprintf("zfs: %s on %s: dataset has %d children (%s), destroy recursively",
		e.Operation, e.Dataset, len(e.Children), strings.Join(e.Children, ", "),
	)
}

// ClonePresentError is returned by a recursive rollback when a clone depends on one of the
// snapshots that would have to be destroyed. The clone must be promoted or destroyed first.
type ClonePresentError struct {
	Operation Operation
	Dataset   string
	Clone     string
	Origin    string
}

func (e *ClonePresentError) Error() string {
	return fmt.Sprintf("zfs: %s on %s: clone %s of %s must be promoted or destroyed first",
		e.Operation, e.Dataset, e.Clone, e.Origin,
	)
}

// StaleHandleError is returned when a dataset is used after Close or after it was renamed
type StaleHandleError struct {
	Operation Operation
	Dataset   string
	Renamed   bool
}

func (e *StaleHandleError) Error() string {
	if e.Renamed {
		return fmt.Sprintf("zfs: %s on %s: dataset was renamed, reopen it by its new name", e.Operation, e.Dataset)
	}
	return fmt.Sprintf("zfs: %s on %s: dataset handle was released", e.Operation, e.Dataset)
}

func backendError(op Operation, dataset string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Operation: op, Dataset: dataset, Err: err}
}
