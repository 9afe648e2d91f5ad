package zfscli

import (
	"sync/atomic"

	zfs "github.com/vansante/go-zfsabi"
)

// handle is the name and identity of a dataset at open time. The command line tool addresses
// datasets by name only, so a handle keeps reporting the name it was opened with.
type handle struct {
	b      *Backend
	name   string
	typ    zfs.DatasetType
	guid   string
	closed atomic.Bool
}

func (h *handle) Name() string {
	return h.name
}

func (h *handle) Type() zfs.DatasetType {
	return h.typ
}

// Same compares guids, which survive a rename
func (h *handle) Same(other zfs.Handle) bool {
	o, ok := other.(*handle)
	return ok && o.b == h.b && o.guid == h.guid
}

func (h *handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return errHandleClosed
	}
	return nil
}
