package zfs

import (
	"context"
	"errors"
	"log/slog"

	eventemitter "github.com/vansante/go-event-emitter"
)

// variant is one call convention of an operation. A nil variant marks a mode that is recognized
// but has no native implementation, it is skipped just like ModeNoop.
type variant[Req, Res any] func(ctx context.Context, b Backend, req Req) (Res, error)

type none struct{}

type snapshotRequest struct {
	name      string
	recursive bool
	props     map[string]string
}

type destroyRequest struct {
	handle       Handle
	deferDestroy bool
}

type destroySnapsRequest struct {
	handle       Handle
	snapName     string
	deferDestroy bool
}

type permRequest struct {
	handle Handle
	perms  []Permission
}

var snapshotVariants = map[Mode]variant[snapshotRequest, none]{
	ModeOpenZFS: func(ctx context.Context, b Backend, r snapshotRequest) (none, error) {
		return none{}, b.Snapshot(ctx, r.name, r.recursive, r.props)
	},
	ModeLegacy: func(ctx context.Context, b Backend, r snapshotRequest) (none, error) {
		if len(r.props) > 0 {
			return none{}, &ConfigurationError{Operation: OperationSnapshot, Mode: ModeLegacy, Reason: "mode cannot set snapshot properties"}
		}
		return none{}, b.SnapshotLegacy(ctx, r.name, r.recursive)
	},
	ModePreNV96: func(ctx context.Context, b Backend, r snapshotRequest) (none, error) {
		// A recursive snapshot split into separate calls would no longer be atomic
		if r.recursive {
			return none{}, &ConfigurationError{Operation: OperationSnapshot, Mode: ModePreNV96, Reason: "mode cannot take recursive snapshots"}
		}
		if len(r.props) > 0 {
			return none{}, &ConfigurationError{Operation: OperationSnapshot, Mode: ModePreNV96, Reason: "mode cannot set snapshot properties"}
		}
		return none{}, b.SnapshotPreNV96(ctx, r.name)
	},
}

var destroyVariants = map[Mode]variant[destroyRequest, none]{
	ModeOpenZFS: func(ctx context.Context, b Backend, r destroyRequest) (none, error) {
		return none{}, b.Destroy(ctx, r.handle, r.deferDestroy)
	},
	ModeLegacy: func(ctx context.Context, b Backend, r destroyRequest) (none, error) {
		return none{}, b.DestroyLegacy(ctx, r.handle)
	},
}

var destroySnapsVariants = map[Mode]variant[destroySnapsRequest, none]{
	ModeOpenZFS: func(ctx context.Context, b Backend, r destroySnapsRequest) (none, error) {
		return none{}, b.DestroySnaps(ctx, r.handle, r.snapName, r.deferDestroy)
	},
	ModeLegacy: func(ctx context.Context, b Backend, r destroySnapsRequest) (none, error) {
		return none{}, b.DestroySnapsLegacy(ctx, r.handle, r.snapName)
	},
}

var permSetVariants = map[Mode]variant[permRequest, none]{
	ModeOpenZFS: nil,
	ModeLegacy:  nil,
	ModePreSol10u8: func(ctx context.Context, b Backend, r permRequest) (none, error) {
		for _, perm := range r.perms {
			err := b.PermSet(ctx, r.handle, perm)
			if err != nil {
				return none{}, err
			}
		}
		return none{}, nil
	},
}

var permRemoveVariants = map[Mode]variant[permRequest, none]{
	ModeOpenZFS: nil,
	ModeLegacy:  nil,
	ModePreSol10u8: func(ctx context.Context, b Backend, r permRequest) (none, error) {
		for _, perm := range r.perms {
			err := b.PermRemove(ctx, r.handle, perm)
			if err != nil {
				return none{}, err
			}
		}
		return none{}, nil
	},
}

var iterSnapshotsVariants = map[Mode]variant[Handle, []Handle]{
	ModeOpenZFS: func(ctx context.Context, b Backend, h Handle) ([]Handle, error) {
		return b.IterSnapshots(ctx, h, false)
	},
	ModeLegacy: func(ctx context.Context, b Backend, h Handle) ([]Handle, error) {
		return b.IterSnapshotsLegacy(ctx, h)
	},
}

// dispatcher routes ABI sensitive operations to the call convention configured for them
type dispatcher struct {
	abi     *ABI
	backend Backend
	logger  *slog.Logger
	events  *eventemitter.Emitter
	metrics *Metrics
}

// dispatch resolves the mode for op and runs the matching variant. ran is false when the
// operation was skipped, the returned error is nil in that case.
func dispatch[Req, Res any](ctx context.Context, d *dispatcher, op Operation, dataset string,
	variants map[Mode]variant[Req, Res], req Req,
) (res Res, ran bool, err error) {
	mode, err := d.abi.Resolve(op)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			cfgErr.Dataset = dataset
		}
		d.unrecognized(op, mode, dataset)
		return res, false, err
	}

	if mode == ModeNoop {
		d.skipped(op, mode, dataset, "skipped due to config")
		return res, false, nil
	}

	fn, ok := variants[mode]
	if !ok {
		d.unrecognized(op, mode, dataset)
		return res, false, &ConfigurationError{Operation: op, Mode: mode, Dataset: dataset, Reason: "mode has no call convention"}
	}
	if fn == nil {
		d.skipped(op, mode, dataset, "not implemented for this ABI")
		return res, false, nil
	}

	res, err = fn(ctx, d.backend, req)
	var cfgErr *ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		cfgErr.Dataset = dataset
		d.logger.Error("zfs.dispatch: Mode cannot serve request",
			"operation", op, "mode", mode, "dataset", dataset, "reason", cfgErr.Reason,
		)
		d.metrics.observe(op, mode, resultUnrecognized)
		return res, false, err
	case err != nil:
		d.metrics.observe(op, mode, resultError)
		return res, true, &BackendError{Operation: op, Dataset: dataset, Err: err}
	}

	d.metrics.observe(op, mode, resultOK)
	return res, true, nil
}

func (d *dispatcher) skipped(op Operation, mode Mode, dataset, reason string) {
	d.logger.Info("zfs.dispatch: NO-OP, operation "+reason,
		"operation", op, "mode", mode, "dataset", dataset,
	)
	d.metrics.observe(op, mode, resultSkipped)
	d.events.EmitEvent(OperationSkippedEvent, op, mode, dataset)
}

func (d *dispatcher) unrecognized(op Operation, mode Mode, dataset string) {
	d.logger.Error("zfs.dispatch: Operation called with unknown mode",
		"operation", op, "mode", mode, "dataset", dataset,
	)
	d.metrics.observe(op, mode, resultUnrecognized)
	d.events.EmitEvent(UnrecognizedModeEvent, op, mode, dataset)
}
