// Package zfscli implements zfs.Backend on top of the zfs command line tool.
//
// The command line tool has no native handles, a handle is the name and guid read at open time.
// Each call convention of an ABI sensitive operation maps to the flag set the zfs releases of that
// era accepted.
package zfscli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	zfs "github.com/vansante/go-zfsabi"
)

var (
	_ zfs.Backend         = (*Backend)(nil)
	_ zfs.Sender          = (*Backend)(nil)
	_ zfs.MountController = (*Backend)(nil)
)

const (
	valueUnset = "-"

	noSnapshotsMessage = "could not find any snapshots to destroy"
)

var (
	errHandleClosed = errors.New("handle already closed")
	errForeign      = errors.New("handle does not belong to this backend")
)

// Options configure a Backend
type Options struct {
	// Runner executes the commands, defaults to the zfs binary
	Runner Runner
	Logger *slog.Logger
}

// Backend runs zfs commands. It is safe for concurrent use.
type Backend struct {
	runner Runner
	logger *slog.Logger
}

// New creates a command line backend
func New(opts Options) *Backend {
	if opts.Runner == nil {
		opts.Runner = NewRunner(Binary)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Backend{
		runner: opts.Runner,
		logger: opts.Logger,
	}
}

func (b *Backend) zfs(ctx context.Context, args ...string) error {
	_, err := b.zfsOutput(ctx, args...)
	return err
}

func (b *Backend) zfsOutput(ctx context.Context, args ...string) ([][]string, error) {
	b.logger.Debug("zfscli.Backend: Running command", "args", args)
	return b.runner.Run(ctx, nil, args...)
}

func (b *Backend) resolve(h zfs.Handle) (*handle, error) {
	ch, ok := h.(*handle)
	if !ok || ch.b != b {
		return nil, errForeign
	}
	if ch.closed.Load() {
		return nil, errHandleClosed
	}
	return ch, nil
}

// Open reads the type and guid of the dataset
func (b *Backend) Open(ctx context.Context, name string) (zfs.Handle, error) {
	out, err := b.zfsOutput(ctx, "get", "-Hp", "-o", "property,value", zfs.PropertyType+","+zfs.PropertyGUID, name)
	if err != nil {
		return nil, err
	}
	err = expectFields(out, 2)
	if err != nil {
		return nil, err
	}

	h := &handle{b: b, name: name}
	for _, line := range out {
		switch line[0] {
		case zfs.PropertyType:
			h.typ = zfs.DatasetType(line[1])
		case zfs.PropertyGUID:
			h.guid = line[1]
		}
	}
	if h.typ == "" || h.guid == "" {
		return nil, fmt.Errorf("%w: no type or guid for %s", errUnexpectedOutput, name)
	}
	return h, nil
}

// Create runs zfs create, the volsize property of a volume is passed as its size
func (b *Backend) Create(ctx context.Context, name string, typ zfs.DatasetType, props map[string]string) error {
	args := make([]string, 1, 4+len(props)*2)
	args[0] = "create"

	if typ == zfs.DatasetVolume {
		size, ok := props[zfs.PropertyVolSize]
		if !ok {
			return fmt.Errorf("volume %s without %s", name, zfs.PropertyVolSize)
		}
		args = append(args, "-V", size)

		rest := make(map[string]string, len(props))
		for k, v := range props {
			if k != zfs.PropertyVolSize {
				rest[k] = v
			}
		}
		props = rest
	}
	args = append(args, propsSlice(props)...)
	args = append(args, name)
	return b.zfs(ctx, args...)
}

func (b *Backend) listNames(ctx context.Context, args ...string) ([]string, error) {
	out, err := b.zfsOutput(ctx, append([]string{"list", "-H", "-o", "name"}, args...)...)
	if err != nil {
		return nil, err
	}
	err = expectFields(out, 1)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(out))
	for i := range out {
		names[i] = out[i][0]
	}
	return names, nil
}

func (b *Backend) openAll(ctx context.Context, names []string) ([]zfs.Handle, error) {
	handles := make([]zfs.Handle, 0, len(names))
	for _, name := range names {
		h, err := b.Open(ctx, name)
		if err != nil {
			for _, opened := range handles {
				_ = opened.Close()
			}
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// IterFilesystems lists the filesystems and volumes one level below the dataset
func (b *Backend) IterFilesystems(ctx context.Context, h zfs.Handle) ([]zfs.Handle, error) {
	ch, err := b.resolve(h)
	if err != nil {
		return nil, err
	}

	names, err := b.listNames(ctx, "-t", "filesystem,volume", "-d", "1", ch.name)
	if err != nil {
		return nil, err
	}
	return b.openAll(ctx, removeName(names, ch.name))
}

// IterSnapshots lists the snapshots of the dataset with a depth limit
func (b *Backend) IterSnapshots(ctx context.Context, h zfs.Handle, _ bool) ([]zfs.Handle, error) {
	ch, err := b.resolve(h)
	if err != nil {
		return nil, err
	}

	names, err := b.listNames(ctx, "-t", "snapshot", "-d", "1", ch.name)
	if err != nil {
		return nil, err
	}
	return b.openAll(ctx, names)
}

// IterSnapshotsLegacy lists all snapshots below the dataset and keeps its own, releases of that era
// had no depth limit
func (b *Backend) IterSnapshotsLegacy(ctx context.Context, h zfs.Handle) ([]zfs.Handle, error) {
	ch, err := b.resolve(h)
	if err != nil {
		return nil, err
	}

	names, err := b.listNames(ctx, "-t", "snapshot", "-r", ch.name)
	if err != nil {
		return nil, err
	}

	own := names[:0]
	for _, name := range names {
		if strings.HasPrefix(name, ch.name+"@") {
			own = append(own, name)
		}
	}
	return b.openAll(ctx, own)
}

func removeName(names []string, name string) []string {
	result := make([]string, 0, len(names))
	for _, n := range names {
		if n != name {
			result = append(result, n)
		}
	}
	return result
}

// Snapshot runs zfs snapshot with optional properties
func (b *Backend) Snapshot(ctx context.Context, name string, recursive bool, props map[string]string) error {
	args := make([]string, 1, 3+len(props)*2)
	args[0] = "snapshot"
	if recursive {
		args = append(args, "-r")
	}
	args = append(args, propsSlice(props)...)
	args = append(args, name)
	return b.zfs(ctx, args...)
}

// SnapshotLegacy runs zfs snapshot without properties
func (b *Backend) SnapshotLegacy(ctx context.Context, name string, recursive bool) error {
	if recursive {
		return b.zfs(ctx, "snapshot", "-r", name)
	}
	return b.zfs(ctx, "snapshot", name)
}

// SnapshotPreNV96 runs zfs snapshot on a single dataset
func (b *Backend) SnapshotPreNV96(ctx context.Context, name string) error {
	return b.zfs(ctx, "snapshot", name)
}

// Destroy runs zfs destroy, defer marks a snapshot for deletion once its clones are gone
func (b *Backend) Destroy(ctx context.Context, h zfs.Handle, deferDestroy bool) error {
	ch, err := b.resolve(h)
	if err != nil {
		return err
	}
	if deferDestroy {
		return b.zfs(ctx, "destroy", "-d", ch.name)
	}
	return b.zfs(ctx, "destroy", ch.name)
}

// DestroyLegacy runs zfs destroy without options
func (b *Backend) DestroyLegacy(ctx context.Context, h zfs.Handle) error {
	ch, err := b.resolve(h)
	if err != nil {
		return err
	}
	return b.zfs(ctx, "destroy", ch.name)
}

// DestroySnaps destroys the named snapshot of the dataset only, descendants are walked by the caller
func (b *Backend) DestroySnaps(ctx context.Context, h zfs.Handle, snapName string, deferDestroy bool) error {
	ch, err := b.resolve(h)
	if err != nil {
		return err
	}
	if deferDestroy {
		return ignoreNoSnapshots(b.zfs(ctx, "destroy", "-d", ch.name+"@"+snapName))
	}
	return ignoreNoSnapshots(b.zfs(ctx, "destroy", ch.name+"@"+snapName))
}

// DestroySnapsLegacy is DestroySnaps without defer
func (b *Backend) DestroySnapsLegacy(ctx context.Context, h zfs.Handle, snapName string) error {
	ch, err := b.resolve(h)
	if err != nil {
		return err
	}
	return ignoreNoSnapshots(b.zfs(ctx, "destroy", ch.name+"@"+snapName))
}

func ignoreNoSnapshots(err error) error {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, noSnapshotsMessage) {
		return nil
	}
	return err
}

func permArgs(perm zfs.Permission) []string {
	args := make([]string, 0, 6)
	switch perm.Type {
	case zfs.WhoUser:
		args = append(args, "-u", perm.Who)
	case zfs.WhoGroup:
		args = append(args, "-g", perm.Who)
	case zfs.WhoEveryone:
		args = append(args, "-e")
	case zfs.WhoCreate:
		args = append(args, "-c")
	}
	if perm.Local {
		args = append(args, "-l")
	}
	if perm.Descendent {
		args = append(args, "-d")
	}
	return append(args, strings.Join(perm.Permissions, ","))
}

// PermSet runs zfs allow
func (b *Backend) PermSet(ctx context.Context, h zfs.Handle, perm zfs.Permission) error {
	ch, err := b.resolve(h)
	if err != nil {
		return err
	}
	args := append([]string{"allow"}, permArgs(perm)...)
	return b.zfs(ctx, append(args, ch.name)...)
}

// PermRemove runs zfs unallow
func (b *Backend) PermRemove(ctx context.Context, h zfs.Handle, perm zfs.Permission) error {
	ch, err := b.resolve(h)
	if err != nil {
		return err
	}
	args := append([]string{"unallow"}, permArgs(perm)...)
	return b.zfs(ctx, append(args, ch.name)...)
}

// Clone runs zfs clone
func (b *Backend) Clone(ctx context.Context, snapshot zfs.Handle, dest string, props map[string]string) error {
	ch, err := b.resolve(snapshot)
	if err != nil {
		return err
	}
	args := append([]string{"clone"}, propsSlice(props)...)
	return b.zfs(ctx, append(args, ch.name, dest)...)
}

// Rename runs zfs rename
func (b *Backend) Rename(ctx context.Context, h zfs.Handle, newName string, recursive bool) error {
	ch, err := b.resolve(h)
	if err != nil {
		return err
	}
	if recursive {
		return b.zfs(ctx, "rename", "-r", ch.name, newName)
	}
	return b.zfs(ctx, "rename", ch.name, newName)
}

// Rollback runs zfs rollback. It never passes -r, later snapshots are destroyed by the caller.
func (b *Backend) Rollback(ctx context.Context, filesystem, snapshot zfs.Handle, force bool) error {
	fs, err := b.resolve(filesystem)
	if err != nil {
		return err
	}
	snap, err := b.resolve(snapshot)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(snap.name, fs.name+"@") {
		return fmt.Errorf("snapshot %s does not belong to %s", snap.name, fs.name)
	}

	if force {
		return b.zfs(ctx, "rollback", "-f", snap.name)
	}
	return b.zfs(ctx, "rollback", snap.name)
}

// PropGet reads a single property, the unset marker reports no value
func (b *Backend) PropGet(ctx context.Context, h zfs.Handle, prop string) (string, bool, error) {
	ch, err := b.resolve(h)
	if err != nil {
		return "", false, err
	}

	out, err := b.zfsOutput(ctx, "get", "-Hp", "-o", "value", prop, ch.name)
	if err != nil {
		return "", false, err
	}
	if len(out) != 1 || len(out[0]) != 1 {
		return "", false, fmt.Errorf("%w: %d lines for property %s", errUnexpectedOutput, len(out), prop)
	}

	val := out[0][0]
	if val == valueUnset {
		return "", false, nil
	}
	return val, true, nil
}

// UserProps reads every property and keeps the user properties with a value
func (b *Backend) UserProps(ctx context.Context, h zfs.Handle) (map[string]string, error) {
	ch, err := b.resolve(h)
	if err != nil {
		return nil, err
	}

	out, err := b.zfsOutput(ctx, "get", "-Hp", "-o", "property,value", "all", ch.name)
	if err != nil {
		return nil, err
	}
	err = expectFields(out, 2)
	if err != nil {
		return nil, err
	}

	props := make(map[string]string)
	for _, line := range out {
		if zfs.IsUserProperty(line[0]) && line[1] != valueUnset {
			props[line[0]] = line[1]
		}
	}
	return props, nil
}

// PropSet runs zfs set
func (b *Backend) PropSet(ctx context.Context, h zfs.Handle, prop, value string) error {
	ch, err := b.resolve(h)
	if err != nil {
		return err
	}
	return b.zfs(ctx, "set", fmt.Sprintf("%s=%s", prop, value), ch.name)
}

// PropInherit runs zfs inherit
func (b *Backend) PropInherit(ctx context.Context, h zfs.Handle, prop string) error {
	ch, err := b.resolve(h)
	if err != nil {
		return err
	}
	return b.zfs(ctx, "inherit", prop, ch.name)
}

// Send streams zfs send output to the writer
func (b *Backend) Send(ctx context.Context, snapshot zfs.Handle, output io.Writer, raw bool) error {
	ch, err := b.resolve(snapshot)
	if err != nil {
		return err
	}

	args := []string{"send"}
	if raw {
		args = append(args, "-w")
	}
	args = append(args, ch.name)

	b.logger.Debug("zfscli.Backend.Send: Running command", "args", args)
	_, err = b.runner.Run(ctx, output, args...)
	return err
}

// Mount runs zfs mount
func (b *Backend) Mount(ctx context.Context, name string) error {
	return b.zfs(ctx, "mount", name)
}

// Share runs zfs share
func (b *Backend) Share(ctx context.Context, name string) error {
	return b.zfs(ctx, "share", name)
}
