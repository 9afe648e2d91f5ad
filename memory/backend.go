// Package memory implements zfs.Backend in memory. It behaves like a single libzfs instance with
// its own transaction group counter, so code built on the zfs package can be tested without a pool.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	zfs "github.com/vansante/go-zfsabi"
)

var (
	_ zfs.Backend         = (*Backend)(nil)
	_ zfs.Sender          = (*Backend)(nil)
	_ zfs.MountController = (*Backend)(nil)
)

var (
	errHandleClosed = errors.New("handle already closed")
	errForeign      = errors.New("handle does not belong to this backend")
)

// Options configure a Backend
type Options struct {
	// Pools are created as empty filesystems
	Pools []string
	// HideClones leaves the clones property of snapshots unset, like older releases do
	HideClones bool
	// RepeatSnapshots reports every snapshot twice during snapshot iteration
	RepeatSnapshots bool
	// Logger receives a debug line per native call
	Logger *slog.Logger
}

// Call is one recorded native call
type Call struct {
	Operation zfs.Operation
	// Variant is the call convention, empty for operations that have only one
	Variant zfs.Mode
	Dataset string
}

func (c Call) String() string {
	if c.Variant == "" {
		return fmt.Sprintf("%s(%s)", c.Operation, c.Dataset)
	}
	return fmt.Sprintf("%s[%s](%s)", c.Operation, c.Variant, c.Dataset)
}

type object struct {
	guid     uint64
	name     string
	typ      zfs.DatasetType
	txg      uint64
	local    map[string]string
	origin   *object
	data     []byte
	deferred bool
	perms    []zfs.Permission
}

type failure struct {
	op      zfs.Operation
	dataset string
}

// Backend is an in-memory zfs.Backend, zfs.Sender and zfs.MountController.
// It is safe for concurrent use.
type Backend struct {
	mu      sync.Mutex
	opts    Options
	logger  *slog.Logger
	txg     uint64
	guid    uint64
	objects map[string]*object
	calls   []Call
	open    int
	fail    map[failure]error
	mounted map[string]bool
	shared  map[string]bool
}

// New creates a backend holding the configured pools
func New(opts Options) *Backend {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	b := &Backend{
		opts:    opts,
		logger:  logger,
		objects: make(map[string]*object),
		fail:    make(map[failure]error),
		mounted: make(map[string]bool),
		shared:  make(map[string]bool),
	}
	for _, pool := range opts.Pools {
		b.txg++
		b.add(pool, zfs.DatasetFilesystem, nil)
	}
	return b
}

func (b *Backend) add(name string, typ zfs.DatasetType, props map[string]string) *object {
	b.guid++
	obj := &object{
		guid:  b.guid,
		name:  name,
		typ:   typ,
		txg:   b.txg,
		local: make(map[string]string, len(props)),
	}
	for k, v := range props {
		obj.local[k] = v
	}
	b.objects[name] = obj
	return obj
}

// record logs the call and returns the injected failure for it, if any
func (b *Backend) record(op zfs.Operation, variant zfs.Mode, dataset string) error {
	b.calls = append(b.calls, Call{Operation: op, Variant: variant, Dataset: dataset})
	b.logger.Debug("memory.Backend: Native call", "operation", op, "variant", variant, "dataset", dataset)
	return b.fail[failure{op: op, dataset: dataset}]
}

// Fail makes every call of op on the dataset return err. A nil err removes the failure.
func (b *Backend) Fail(op zfs.Operation, dataset string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.fail, failure{op: op, dataset: dataset})
		return
	}
	b.fail[failure{op: op, dataset: dataset}] = err
}

// Calls returns the native calls made so far
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.calls)
}

// ResetCalls clears the call log
func (b *Backend) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

// OpenHandles returns the number of handles that have not been closed
func (b *Backend) OpenHandles() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Names returns the names of all datasets, sorted
func (b *Backend) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.objects))
	for name := range b.objects {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Exists reports whether the dataset exists
func (b *Backend) Exists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[name]
	return ok
}

// Write replaces the contents of a filesystem or volume
func (b *Backend) Write(name string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.objects[name]
	if !ok {
		return notFound(name)
	}
	if obj.typ == zfs.DatasetSnapshot {
		return fmt.Errorf("%s: snapshots are read-only", name)
	}
	obj.data = slices.Clone(data)
	return nil
}

// Data returns the contents of a dataset
func (b *Backend) Data(name string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.objects[name]
	if !ok {
		return nil, notFound(name)
	}
	return slices.Clone(obj.data), nil
}

// Permissions returns the permissions delegated on the dataset
func (b *Backend) Permissions(name string) []zfs.Permission {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.objects[name]
	if !ok {
		return nil
	}
	return slices.Clone(obj.perms)
}

func notFound(name string) error {
	return fmt.Errorf("%s: %w", name, zfs.ErrDatasetNotFound)
}

// resolve checks that the handle is open and its dataset still exists
func (b *Backend) resolve(h zfs.Handle) (*handle, *object, error) {
	mh, ok := h.(*handle)
	if !ok || mh.b != b {
		return nil, nil, errForeign
	}
	if mh.closed {
		return nil, nil, errHandleClosed
	}
	if b.objects[mh.obj.name] != mh.obj {
		return nil, nil, notFound(mh.obj.name)
	}
	return mh, mh.obj, nil
}

func (b *Backend) openHandle(obj *object) *handle {
	b.open++
	return &handle{b: b, obj: obj, cache: b.effective(obj)}
}

// subtree returns the datasets below name, its snapshots included, sorted by name
func (b *Backend) subtree(name string) []*object {
	var objs []*object
	for n, obj := range b.objects {
		if strings.HasPrefix(n, name+"/") || strings.HasPrefix(n, name+"@") {
			objs = append(objs, obj)
		}
	}
	slices.SortFunc(objs, func(a, b *object) int { return strings.Compare(a.name, b.name) })
	return objs
}

func (b *Backend) clonesOf(snap *object) []string {
	var clones []string
	for _, obj := range b.objects {
		if obj.origin == snap {
			clones = append(clones, obj.name)
		}
	}
	slices.Sort(clones)
	return clones
}

func parentName(name string) string {
	if fs, _, ok := strings.Cut(name, "@"); ok {
		return fs
	}
	idx := strings.LastIndexByte(name, '/')
	if idx < 0 {
		return ""
	}
	return name[:idx]
}

// Open opens a dataset of any type
func (b *Backend) Open(_ context.Context, name string) (zfs.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.record(zfs.OperationOpen, "", name)
	if err != nil {
		return nil, err
	}
	obj, ok := b.objects[name]
	if !ok {
		return nil, notFound(name)
	}
	return b.openHandle(obj), nil
}

// Create creates a filesystem or volume below an existing filesystem
func (b *Backend) Create(_ context.Context, name string, typ zfs.DatasetType, props map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.record(zfs.OperationCreate, "", name)
	if err != nil {
		return err
	}
	if _, ok := b.objects[name]; ok {
		return fmt.Errorf("cannot create %s: dataset already exists", name)
	}
	parent, ok := b.objects[parentName(name)]
	if !ok || strings.Contains(name, "@") {
		return fmt.Errorf("cannot create %s: parent does not exist", name)
	}
	if parent.typ != zfs.DatasetFilesystem {
		return fmt.Errorf("cannot create %s: parent is a %s", name, parent.typ)
	}

	switch typ {
	case zfs.DatasetFilesystem:
	case zfs.DatasetVolume:
		size, err := strconv.ParseUint(props[zfs.PropertyVolSize], 10, 64)
		if err != nil || size == 0 {
			return fmt.Errorf("cannot create %s: invalid volsize %q", name, props[zfs.PropertyVolSize])
		}
	default:
		return fmt.Errorf("cannot create %s: unsupported type %s", name, typ)
	}

	b.txg++
	b.add(name, typ, props)
	return nil
}

// IterFilesystems returns the filesystems and volumes directly below the dataset
func (b *Backend) IterFilesystems(_ context.Context, h zfs.Handle) ([]zfs.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, obj, err := b.resolve(h)
	if err != nil {
		return nil, err
	}
	err = b.record(zfs.OperationIterFilesystems, "", obj.name)
	if err != nil {
		return nil, err
	}

	var handles []zfs.Handle
	for _, child := range b.subtree(obj.name) {
		if child.typ != zfs.DatasetSnapshot && parentName(child.name) == obj.name {
			handles = append(handles, b.openHandle(child))
		}
	}
	return handles, nil
}

// IterSnapshots returns the snapshots of the dataset. The simple flag is ignored.
func (b *Backend) IterSnapshots(_ context.Context, h zfs.Handle, _ bool) ([]zfs.Handle, error) {
	return b.iterSnapshots(h, zfs.ModeOpenZFS)
}

// IterSnapshotsLegacy returns the snapshots of the dataset
func (b *Backend) IterSnapshotsLegacy(_ context.Context, h zfs.Handle) ([]zfs.Handle, error) {
	return b.iterSnapshots(h, zfs.ModeLegacy)
}

func (b *Backend) iterSnapshots(h zfs.Handle, variant zfs.Mode) ([]zfs.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, obj, err := b.resolve(h)
	if err != nil {
		return nil, err
	}
	err = b.record(zfs.OperationIterSnapshots, variant, obj.name)
	if err != nil {
		return nil, err
	}

	var handles []zfs.Handle
	for _, child := range b.subtree(obj.name) {
		if child.typ != zfs.DatasetSnapshot || parentName(child.name) != obj.name {
			continue
		}
		handles = append(handles, b.openHandle(child))
		if b.opts.RepeatSnapshots {
			handles = append(handles, b.openHandle(child))
		}
	}
	return handles, nil
}

// Snapshot takes snapshots atomically, all of them share one transaction group
func (b *Backend) Snapshot(_ context.Context, name string, recursive bool, props map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.record(zfs.OperationSnapshot, zfs.ModeOpenZFS, name)
	if err != nil {
		return err
	}
	return b.snapshot(name, recursive, props)
}

// SnapshotLegacy takes snapshots without properties
func (b *Backend) SnapshotLegacy(_ context.Context, name string, recursive bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.record(zfs.OperationSnapshot, zfs.ModeLegacy, name)
	if err != nil {
		return err
	}
	return b.snapshot(name, recursive, nil)
}

// SnapshotPreNV96 takes a single snapshot
func (b *Backend) SnapshotPreNV96(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.record(zfs.OperationSnapshot, zfs.ModePreNV96, name)
	if err != nil {
		return err
	}
	return b.snapshot(name, false, nil)
}

func (b *Backend) snapshot(name string, recursive bool, props map[string]string) error {
	fsName, snapName, ok := strings.Cut(name, "@")
	if !ok || snapName == "" || strings.ContainsAny(snapName, "@/") {
		return fmt.Errorf("cannot create snapshot %s: invalid name", name)
	}
	fs, ok := b.objects[fsName]
	if !ok {
		return notFound(fsName)
	}
	if fs.typ == zfs.DatasetSnapshot {
		return fmt.Errorf("cannot create snapshot %s: snapshots cannot be snapshotted", name)
	}

	targets := []*object{fs}
	if recursive {
		for _, obj := range b.subtree(fsName) {
			if obj.typ != zfs.DatasetSnapshot {
				targets = append(targets, obj)
			}
		}
	}
	for _, target := range targets {
		if _, exists := b.objects[target.name+"@"+snapName]; exists {
			return fmt.Errorf("cannot create snapshot %s@%s: dataset already exists", target.name, snapName)
		}
	}

	b.txg++
	for _, target := range targets {
		snap := b.add(target.name+"@"+snapName, zfs.DatasetSnapshot, props)
		snap.data = slices.Clone(target.data)
	}
	return nil
}

// Destroy destroys the dataset, snapshots with clones are only marked when deferred
func (b *Backend) Destroy(_ context.Context, h zfs.Handle, deferDestroy bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, obj, err := b.resolve(h)
	if err != nil {
		return err
	}
	err = b.record(zfs.OperationDestroy, zfs.ModeOpenZFS, obj.name)
	if err != nil {
		return err
	}
	return b.destroy(obj, deferDestroy)
}

// DestroyLegacy destroys the dataset
func (b *Backend) DestroyLegacy(_ context.Context, h zfs.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, obj, err := b.resolve(h)
	if err != nil {
		return err
	}
	err = b.record(zfs.OperationDestroy, zfs.ModeLegacy, obj.name)
	if err != nil {
		return err
	}
	return b.destroy(obj, false)
}

// DestroySnaps destroys the named snapshot of the dataset, a missing snapshot is not an error
func (b *Backend) DestroySnaps(_ context.Context, h zfs.Handle, snapName string, deferDestroy bool) error {
	return b.destroySnaps(h, snapName, deferDestroy, zfs.ModeOpenZFS)
}

// DestroySnapsLegacy destroys the named snapshot of the dataset
func (b *Backend) DestroySnapsLegacy(_ context.Context, h zfs.Handle, snapName string) error {
	return b.destroySnaps(h, snapName, false, zfs.ModeLegacy)
}

func (b *Backend) destroySnaps(h zfs.Handle, snapName string, deferDestroy bool, variant zfs.Mode) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, obj, err := b.resolve(h)
	if err != nil {
		return err
	}
	name := obj.name + "@" + snapName
	err = b.record(zfs.OperationDestroySnaps, variant, name)
	if err != nil {
		return err
	}

	snap, ok := b.objects[name]
	if !ok {
		return nil
	}
	return b.destroy(snap, deferDestroy)
}

func (b *Backend) destroy(obj *object, deferDestroy bool) error {
	if children := b.subtree(obj.name); len(children) > 0 {
		return fmt.Errorf("cannot destroy %s: dataset has %d children", obj.name, len(children))
	}
	if obj.typ == zfs.DatasetSnapshot {
		if clones := b.clonesOf(obj); len(clones) > 0 {
			if deferDestroy {
				obj.deferred = true
				return nil
			}
			return fmt.Errorf("cannot destroy %s: snapshot has dependent clones %s", obj.name, strings.Join(clones, ","))
		}
	}

	delete(b.objects, obj.name)
	delete(b.mounted, obj.name)
	delete(b.shared, obj.name)

	origin := obj.origin
	if origin != nil && origin.deferred && b.objects[origin.name] == origin && len(b.clonesOf(origin)) == 0 {
		delete(b.objects, origin.name)
	}
	return nil
}

// PermSet delegates a permission
func (b *Backend) PermSet(_ context.Context, h zfs.Handle, perm zfs.Permission) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, obj, err := b.resolve(h)
	if err != nil {
		return err
	}
	err = b.record(zfs.OperationPermSet, zfs.ModePreSol10u8, obj.name)
	if err != nil {
		return err
	}
	obj.perms = append(obj.perms, perm)
	return nil
}

// PermRemove removes delegated permissions matching the principal and scope
func (b *Backend) PermRemove(_ context.Context, h zfs.Handle, perm zfs.Permission) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, obj, err := b.resolve(h)
	if err != nil {
		return err
	}
	err = b.record(zfs.OperationPermRemove, zfs.ModePreSol10u8, obj.name)
	if err != nil {
		return err
	}

	kept := obj.perms[:0]
	for _, p := range obj.perms {
		if p.Type == perm.Type && p.Who == perm.Who && p.Local == perm.Local && p.Descendent == perm.Descendent {
			p.Permissions = slices.DeleteFunc(slices.Clone(p.Permissions), func(s string) bool {
				return slices.Contains(perm.Permissions, s)
			})
			if len(p.Permissions) == 0 {
				continue
			}
		}
		kept = append(kept, p)
	}
	obj.perms = kept
	return nil
}

// Clone creates a filesystem from the snapshot
func (b *Backend) Clone(_ context.Context, snapshot zfs.Handle, dest string, props map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, snap, err := b.resolve(snapshot)
	if err != nil {
		return err
	}
	err = b.record(zfs.OperationClone, "", dest)
	if err != nil {
		return err
	}
	if snap.typ != zfs.DatasetSnapshot {
		return fmt.Errorf("cannot clone %s: not a snapshot", snap.name)
	}
	if _, ok := b.objects[dest]; ok {
		return fmt.Errorf("cannot create %s: dataset already exists", dest)
	}
	parent, ok := b.objects[parentName(dest)]
	if !ok || parent.typ != zfs.DatasetFilesystem || strings.Contains(dest, "@") {
		return fmt.Errorf("cannot create %s: parent does not exist", dest)
	}

	b.txg++
	clone := b.add(dest, zfs.DatasetFilesystem, props)
	clone.origin = snap
	clone.data = slices.Clone(snap.data)
	return nil
}

// Rename renames a dataset. Filesystems and volumes take their descendants along, snapshots can
// be renamed recursively, which renames the same named snapshot of every descendant.
func (b *Backend) Rename(_ context.Context, h zfs.Handle, newName string, recursive bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, obj, err := b.resolve(h)
	if err != nil {
		return err
	}
	err = b.record(zfs.OperationRename, "", obj.name)
	if err != nil {
		return err
	}
	if _, exists := b.objects[newName]; exists {
		return fmt.Errorf("cannot rename to %s: dataset already exists", newName)
	}

	if obj.typ == zfs.DatasetSnapshot {
		return b.renameSnapshot(obj, newName, recursive)
	}
	if recursive {
		return fmt.Errorf("cannot rename %s: recursive rename only applies to snapshots", obj.name)
	}
	parent, ok := b.objects[parentName(newName)]
	if !ok || parent.typ != zfs.DatasetFilesystem || strings.Contains(newName, "@") {
		return fmt.Errorf("cannot rename to %s: parent does not exist", newName)
	}
	if strings.HasPrefix(newName, obj.name+"/") {
		return fmt.Errorf("cannot rename %s to a descendant of itself", obj.name)
	}

	moved := append([]*object{obj}, b.subtree(obj.name)...)
	oldName := obj.name
	for _, o := range moved {
		delete(b.objects, o.name)
	}
	for _, o := range moved {
		o.name = newName + strings.TrimPrefix(o.name, oldName)
		b.objects[o.name] = o
	}
	return nil
}

func (b *Backend) renameSnapshot(obj *object, newName string, recursive bool) error {
	fsName, oldSnap, _ := strings.Cut(obj.name, "@")
	newFS, newSnap, ok := strings.Cut(newName, "@")
	if !ok || newFS != fsName || newSnap == "" {
		return fmt.Errorf("cannot rename %s to %s: snapshots must stay in their filesystem", obj.name, newName)
	}

	renames := []*object{obj}
	if recursive {
		for _, o := range b.subtree(fsName) {
			if o.typ == zfs.DatasetSnapshot || b.objects[o.name+"@"+oldSnap] == nil {
				continue
			}
			if _, exists := b.objects[o.name+"@"+newSnap]; exists {
				return fmt.Errorf("cannot rename to %s@%s: dataset already exists", o.name, newSnap)
			}
			renames = append(renames, b.objects[o.name+"@"+oldSnap])
		}
	}
	for _, o := range renames {
		delete(b.objects, o.name)
		o.name = parentName(o.name) + "@" + newSnap
		b.objects[o.name] = o
	}
	return nil
}

// Rollback restores the filesystem contents from the snapshot. It fails when later snapshots exist.
func (b *Backend) Rollback(_ context.Context, filesystem, snapshot zfs.Handle, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, fs, err := b.resolve(filesystem)
	if err != nil {
		return err
	}
	_, snap, err := b.resolve(snapshot)
	if err != nil {
		return err
	}
	err = b.record(zfs.OperationRollback, "", snap.name)
	if err != nil {
		return err
	}
	if parentName(snap.name) != fs.name || snap.typ != zfs.DatasetSnapshot {
		return fmt.Errorf("cannot rollback %s to %s: not a snapshot of it", fs.name, snap.name)
	}

	for _, o := range b.subtree(fs.name) {
		if o.typ == zfs.DatasetSnapshot && parentName(o.name) == fs.name && o.txg > snap.txg {
			return fmt.Errorf("cannot rollback to %s: more recent snapshots exist, use recursive to force deletion of %s",
				snap.name, o.name,
			)
		}
	}
	fs.data = slices.Clone(snap.data)
	return nil
}

// Send writes a header line followed by the snapshot contents
func (b *Backend) Send(_ context.Context, snapshot zfs.Handle, output io.Writer, raw bool) error {
	header, data, err := b.sendStream(snapshot, raw)
	if err != nil {
		return err
	}

	_, err = io.WriteString(output, header)
	if err != nil {
		return err
	}
	_, err = output.Write(data)
	return err
}

func (b *Backend) sendStream(snapshot zfs.Handle, raw bool) (string, []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, snap, err := b.resolve(snapshot)
	if err != nil {
		return "", nil, err
	}
	err = b.record(zfs.OperationSend, "", snap.name)
	if err != nil {
		return "", nil, err
	}
	if snap.typ != zfs.DatasetSnapshot {
		return "", nil, fmt.Errorf("cannot send %s: not a snapshot", snap.name)
	}
	header := fmt.Sprintf("%s guid=%d txg=%d raw=%t\n", snap.name, snap.guid, snap.txg, raw)
	return header, slices.Clone(snap.data), nil
}

// Mount marks the filesystem as mounted
func (b *Backend) Mount(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.record(zfs.OperationMount, "", name)
	if err != nil {
		return err
	}
	if _, ok := b.objects[name]; !ok {
		return notFound(name)
	}
	b.mounted[name] = true
	return nil
}

// Share marks the filesystem as shared
func (b *Backend) Share(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.record(zfs.OperationShare, "", name)
	if err != nil {
		return err
	}
	if !b.mounted[name] {
		return fmt.Errorf("cannot share %s: not mounted", name)
	}
	b.shared[name] = true
	return nil
}

// Mounted reports whether the filesystem is mounted
func (b *Backend) Mounted(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mounted[name]
}

// Shared reports whether the filesystem is shared
func (b *Backend) Shared(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shared[name]
}
