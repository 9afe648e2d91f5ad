// Package zfs models ZFS datasets on top of a native backend whose call conventions differ between
// libzfs releases. ABI sensitive operations are routed through a configurable operation to mode table.
package zfs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	eventemitter "github.com/vansante/go-event-emitter"
)

// Options configure a Library
type Options struct {
	// ABI is the operation to mode table, DefaultABI when nil
	ABI *ABI
	// MountController mounts and shares new clones, NoopMountController when nil
	MountController MountController
	// Logger receives dispatch and lifecycle logging, discarded when nil
	Logger *slog.Logger
	// Metrics counts dispatched operations, nothing is counted when nil
	Metrics *Metrics
}

// Library opens datasets on a backend. It emits OperationSkippedEvent and UnrecognizedModeEvent.
type Library struct {
	*eventemitter.Emitter

	backend     Backend
	mounter     MountController
	abi         *ABI
	logger      *slog.Logger
	dispatch    *dispatcher
	openHandles atomic.Int64
}

// NewLibrary creates a library for the backend
func NewLibrary(backend Backend, opts Options) *Library {
	if opts.ABI == nil {
		opts.ABI = DefaultABI
	}
	if opts.MountController == nil {
		opts.MountController = NoopMountController{}
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}

	l := &Library{
		Emitter: eventemitter.NewEmitter(false),
		backend: backend,
		mounter: opts.MountController,
		abi:     opts.ABI,
		logger:  opts.Logger,
	}
	l.dispatch = &dispatcher{
		abi:     opts.ABI,
		backend: backend,
		logger:  opts.Logger,
		events:  l.Emitter,
		metrics: opts.Metrics,
	}
	return l
}

// ABI returns the operation to mode table used by the library
func (l *Library) ABI() *ABI {
	return l.abi
}

// Backend returns the native backend
func (l *Library) Backend() Backend {
	return l.backend
}

// OpenHandles returns the number of datasets that were opened and not yet closed
func (l *Library) OpenHandles() int64 {
	return l.openHandles.Load()
}

// Open opens a dataset of any type by its full name
func (l *Library) Open(ctx context.Context, name string) (*Dataset, error) {
	if name == "" {
		return nil, fmt.Errorf("zfs: %s: empty name: %w", OperationOpen, ErrInvalidName)
	}

	h, err := l.backend.Open(ctx, name)
	if err != nil {
		return nil, backendError(OperationOpen, name, err)
	}
	return l.newDataset(h)
}

// OpenType opens a dataset and checks that it has the expected type
func (l *Library) OpenType(ctx context.Context, name string, typ DatasetType) (*Dataset, error) {
	ds, err := l.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	if ds.Type() != typ {
		_ = ds.Close()
		return nil, fmt.Errorf("zfs: %s: %s is a %s, not a %s: %w", OperationOpen, name, ds.Type(), typ, ErrUnknownDatasetType)
	}
	return ds, nil
}

// CreateFilesystemOptions are options you can specify to customize the create filesystem call
type CreateFilesystemOptions struct {
	// Sets the specified properties as if zfs set property=value was invoked at the same time the dataset was created.
	Properties map[string]string
}

// CreateFilesystem creates a new filesystem with the specified name and properties and opens it.
func (l *Library) CreateFilesystem(ctx context.Context, name string, options CreateFilesystemOptions) (*Dataset, error) {
	return l.create(ctx, name, DatasetFilesystem, options.Properties)
}

// CreateVolumeOptions are options you can specify to customize the create volume call
type CreateVolumeOptions struct {
	// Sets the specified properties as if zfs set property=value was invoked at the same time the dataset was created.
	Properties map[string]string

	// Creates a sparse volume with no reservation.
	Sparse bool
}

// CreateVolume creates a new volume with the specified name, size in bytes, and properties and opens it.
func (l *Library) CreateVolume(ctx context.Context, name string, size uint64, options CreateVolumeOptions) (*Dataset, error) {
	if size == 0 {
		return nil, fmt.Errorf("zfs: %s on %s: volume size must be positive", OperationCreate, name)
	}

	props := make(map[string]string, len(options.Properties)+2)
	for k, v := range options.Properties {
		props[k] = v
	}
	props[PropertyVolSize] = strconv.FormatUint(size, 10)
	if options.Sparse {
		props[PropertyRefReservation] = PropertyNone
	}
	return l.create(ctx, name, DatasetVolume, props)
}

func (l *Library) create(ctx context.Context, name string, typ DatasetType, props map[string]string) (*Dataset, error) {
	parent, base := splitParent(name)
	if parent == "" || !validComponent(base) {
		return nil, fmt.Errorf("zfs: %s: %q: %w", OperationCreate, name, ErrInvalidName)
	}

	err := l.backend.Create(ctx, name, typ, props)
	if err != nil {
		return nil, backendError(OperationCreate, name, err)
	}
	l.logger.Debug("zfs.Library.create: Created dataset", "dataset", name, "type", typ)
	return l.Open(ctx, name)
}

// splitParent splits pool/fs/child into pool/fs and child
func splitParent(name string) (parent, base string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[:i], name[i+1:]
		}
	}
	return "", name
}
