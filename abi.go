package zfs

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Operation names a libzfs call. The ones listed in knownModes have a signature that differs
// between libzfs releases and are routed through the ABI table.
type Operation string

// ABI sensitive operations
const (
	OperationSnapshot      Operation = "zfs_snapshot"
	OperationDestroy       Operation = "zfs_destroy"
	OperationDestroySnaps  Operation = "zfs_destroy_snaps"
	OperationPermSet       Operation = "zfs_perm_set"
	OperationPermRemove    Operation = "zfs_perm_remove"
	OperationIterSnapshots Operation = "zfs_iter_snapshots"
)

// Operations with a stable signature, only used to label errors
const (
	OperationOpen            Operation = "zfs_open"
	OperationClose           Operation = "zfs_close"
	OperationCreate          Operation = "zfs_create"
	OperationIterFilesystems Operation = "zfs_iter_filesystems"
	OperationClone           Operation = "zfs_clone"
	OperationRename          Operation = "zfs_rename"
	OperationRollback        Operation = "zfs_rollback"
	OperationPropGet         Operation = "zfs_prop_get"
	OperationPropSet         Operation = "zfs_prop_set"
	OperationPropInherit     Operation = "zfs_prop_inherit"
	OperationUserProps       Operation = "zfs_get_user_props"
	OperationMount           Operation = "zfs_mount"
	OperationShare           Operation = "zfs_share"
	OperationSend            Operation = "zfs_send"
)

// Mode selects the call convention used for an Operation
type Mode string

// Known modes. Not every mode is valid for every operation, see KnownModes.
const (
	// ModeNoop skips the operation and reports success
	ModeNoop Mode = "no-op"
	// ModeOpenZFS is the current OpenZFS / illumos signature
	ModeOpenZFS Mode = "openzfs"
	// ModeLegacy is the Solaris 10 era signature
	ModeLegacy Mode = "legacy"
	// ModePreNV96 is the signature from before OpenSolaris build 96
	ModePreNV96 Mode = "pre-nv96"
	// ModePreSol10u8 is the only release family shipping zfs_perm_set and zfs_perm_remove
	ModePreSol10u8 Mode = "pre-sol10u8"
)

var knownModes = map[Operation][]Mode{
	OperationSnapshot:      {ModeOpenZFS, ModeLegacy, ModePreNV96},
	OperationDestroy:       {ModeOpenZFS, ModeLegacy},
	OperationDestroySnaps:  {ModeOpenZFS, ModeLegacy},
	OperationPermSet:       {ModeOpenZFS, ModeLegacy, ModePreSol10u8},
	OperationPermRemove:    {ModeOpenZFS, ModeLegacy, ModePreSol10u8},
	OperationIterSnapshots: {ModeOpenZFS, ModeLegacy},
}

// ParseMode normalizes a configured mode string. Matching is case-insensitive,
// so the NO-OP spelling used by older toggles is accepted.
func ParseMode(s string) Mode {
	return Mode(strings.ToLower(strings.TrimSpace(s)))
}

// Operations returns all ABI sensitive operations, sorted
func Operations() []Operation {
	ops := make([]Operation, 0, len(knownModes))
	for op := range knownModes {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	return ops
}

// KnownModes returns the modes accepted for the operation, including ModeNoop.
// It returns nil for operations that are not ABI sensitive.
func KnownModes(op Operation) []Mode {
	modes, ok := knownModes[op]
	if !ok {
		return nil
	}
	return append([]Mode{ModeNoop}, modes...)
}

func isKnownMode(op Operation, mode Mode) bool {
	return slices.Contains(KnownModes(op), mode)
}

// OpenZFSModes returns a complete mode set for current OpenZFS releases
func OpenZFSModes() map[Operation]Mode {
	return map[Operation]Mode{
		OperationSnapshot:      ModeOpenZFS,
		OperationDestroy:       ModeOpenZFS,
		OperationDestroySnaps:  ModeOpenZFS,
		OperationPermSet:       ModeOpenZFS,
		OperationPermRemove:    ModeOpenZFS,
		OperationIterSnapshots: ModeOpenZFS,
	}
}

// LegacyModes returns a complete mode set for Solaris 10 era releases
func LegacyModes() map[Operation]Mode {
	return map[Operation]Mode{
		OperationSnapshot:      ModeLegacy,
		OperationDestroy:       ModeLegacy,
		OperationDestroySnaps:  ModeLegacy,
		OperationPermSet:       ModeLegacy,
		OperationPermRemove:    ModeLegacy,
		OperationIterSnapshots: ModeLegacy,
	}
}

// ValidateModes checks that every ABI sensitive operation has a recognized mode and that no unknown
// operations are configured. All problems are reported at once.
func ValidateModes(modes map[Operation]Mode) error {
	var errs []error
	for _, op := range Operations() {
		mode, ok := modes[op]
		switch {
		case !ok:
			errs = append(errs, &ConfigurationError{Operation: op, Reason: "no mode configured"})
		case !isKnownMode(op, mode):
			errs = append(errs, &ConfigurationError{Operation: op, Mode: mode, Reason: "unrecognized mode"})
		}
	}
	for op := range modes {
		if _, ok := knownModes[op]; !ok {
			errs = append(errs, fmt.Errorf("unknown operation %q", op))
		}
	}
	return errors.Join(errs...)
}

// ABI is the operation to mode mapping. It is read on every call, so modes can be changed at runtime.
type ABI struct {
	mu    sync.RWMutex
	modes map[Operation]Mode
}

// DefaultABI is the process wide mapping used by libraries that do not set their own.
// It starts out empty, so every ABI sensitive operation fails until it is configured.
var DefaultABI = NewABI(nil)

// NewABI creates a mapping with the given modes. The modes are not validated.
func NewABI(modes map[Operation]Mode) *ABI {
	a := &ABI{modes: make(map[Operation]Mode, len(modes))}
	for op, mode := range modes {
		a.modes[op] = mode
	}
	return a
}

// Resolve returns the configured mode for the operation. A missing or unrecognized mode
// results in a *ConfigurationError, the configured value is never guessed at.
func (a *ABI) Resolve(op Operation) (Mode, error) {
	a.mu.RLock()
	mode, ok := a.modes[op]
	a.mu.RUnlock()

	if !ok {
		return "", &ConfigurationError{Operation: op, Reason: "no mode configured"}
	}
	if !isKnownMode(op, mode) {
		return mode, &ConfigurationError{Operation: op, Mode: mode, Reason: "unrecognized mode"}
	}
	return mode, nil
}

// Set configures the mode for one operation
func (a *ABI) Set(op Operation, mode Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.modes[op] = mode
}

// Unset removes the mode for one operation
func (a *ABI) Unset(op Operation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.modes, op)
}

// Replace validates the given modes and swaps them in as a whole
func (a *ABI) Replace(modes map[Operation]Mode) error {
	err := ValidateModes(modes)
	if err != nil {
		return err
	}

	nw := make(map[Operation]Mode, len(modes))
	for op, mode := range modes {
		nw[op] = mode
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.modes = nw
	return nil
}

// Modes returns a copy of the current mapping
func (a *ABI) Modes() map[Operation]Mode {
	a.mu.RLock()
	defer a.mu.RUnlock()

	cp := make(map[Operation]Mode, len(a.modes))
	for op, mode := range a.modes {
		cp[op] = mode
	}
	return cp
}
