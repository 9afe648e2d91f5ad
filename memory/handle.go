package memory

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	zfs "github.com/vansante/go-zfsabi"
)

// Properties computed from the dataset itself, they can never be set
var readOnlyProperties = []string{
	zfs.PropertyClones, zfs.PropertyCreateTxg, zfs.PropertyGUID, zfs.PropertyMounted,
	zfs.PropertyOrigin, zfs.PropertyUsed, zfs.PropertyName, zfs.PropertyType,
}

// Properties that only apply to the dataset they are set on
var localProperties = []string{
	zfs.PropertyMountPoint, zfs.PropertyQuota, zfs.PropertyRefQuota, zfs.PropertyRefReservation, zfs.PropertyVolSize,
}

type handle struct {
	b      *Backend
	obj    *object
	cache  map[string]string
	closed bool
}

// Name returns the current name of the dataset, which changes on rename
func (h *handle) Name() string {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	return h.obj.name
}

func (h *handle) Type() zfs.DatasetType {
	return h.obj.typ
}

func (h *handle) Same(other zfs.Handle) bool {
	o, ok := other.(*handle)
	return ok && o.b == h.b && o.obj.guid == h.obj.guid
}

func (h *handle) Close() error {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()

	if h.closed {
		return errHandleClosed
	}
	h.closed = true
	h.b.open--
	return nil
}

func defaults(obj *object) map[string]string {
	props := map[string]string{
		zfs.PropertyCompression: zfs.PropertyOff,
		zfs.PropertyReadOnly:    zfs.PropertyOff,
	}
	if obj.typ == zfs.DatasetFilesystem {
		props[zfs.PropertyCanMount] = zfs.PropertyOn
		props[zfs.PropertyMountPoint] = "/" + obj.name
	}
	return props
}

// effective resolves the settable properties of the object, walking up its parents for inherited values
func (b *Backend) effective(obj *object) map[string]string {
	var chain []*object
	for name := parentName(obj.name); name != ""; name = parentName(name) {
		if parent, ok := b.objects[name]; ok {
			chain = append(chain, parent)
		}
	}
	slices.Reverse(chain)

	props := defaults(obj)
	for _, parent := range chain {
		for k, v := range parent.local {
			if !slices.Contains(localProperties, k) {
				props[k] = v
			}
		}
	}
	for k, v := range obj.local {
		props[k] = v
	}
	return props
}

// PropGet returns a property. Settable properties are read from the state captured when the
// handle was opened, like libzfs does.
func (b *Backend) PropGet(_ context.Context, zh zfs.Handle, prop string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, obj, err := b.resolve(zh)
	if err != nil {
		return "", false, err
	}
	err = b.record(zfs.OperationPropGet, "", obj.name)
	if err != nil {
		return "", false, err
	}

	switch prop {
	case zfs.PropertyName:
		return obj.name, true, nil
	case zfs.PropertyType:
		return string(obj.typ), true, nil
	case zfs.PropertyCreateTxg:
		return strconv.FormatUint(obj.txg, 10), true, nil
	case zfs.PropertyGUID:
		return strconv.FormatUint(obj.guid, 10), true, nil
	case zfs.PropertyUsed:
		return strconv.Itoa(len(obj.data)), true, nil
	case zfs.PropertyClones:
		if obj.typ != zfs.DatasetSnapshot || b.opts.HideClones {
			return "", false, nil
		}
		return strings.Join(b.clonesOf(obj), ","), true, nil
	case zfs.PropertyOrigin:
		if obj.origin == nil || b.objects[obj.origin.name] != obj.origin {
			return "", false, nil
		}
		return obj.origin.name, true, nil
	case zfs.PropertyMounted:
		if obj.typ != zfs.DatasetFilesystem {
			return "", false, nil
		}
		if b.mounted[obj.name] {
			return zfs.PropertyYes, true, nil
		}
		return zfs.PropertyNo, true, nil
	}

	val, ok := h.cache[prop]
	return val, ok, nil
}

// UserProps returns the user properties captured when the handle was opened
func (b *Backend) UserProps(_ context.Context, zh zfs.Handle) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, obj, err := b.resolve(zh)
	if err != nil {
		return nil, err
	}
	err = b.record(zfs.OperationUserProps, "", obj.name)
	if err != nil {
		return nil, err
	}

	props := make(map[string]string)
	for k, v := range h.cache {
		if zfs.IsUserProperty(k) {
			props[k] = v
		}
	}
	return props, nil
}

// PropSet sets a property locally and updates the handle it was set through
func (b *Backend) PropSet(_ context.Context, zh zfs.Handle, prop, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, obj, err := b.resolve(zh)
	if err != nil {
		return err
	}
	err = b.record(zfs.OperationPropSet, "", obj.name)
	if err != nil {
		return err
	}
	err = checkSettable(obj, prop)
	if err != nil {
		return err
	}

	obj.local[prop] = value
	h.cache[prop] = value
	return nil
}

// PropInherit clears a local property. Open handles keep reporting the old value.
func (b *Backend) PropInherit(_ context.Context, zh zfs.Handle, prop string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, obj, err := b.resolve(zh)
	if err != nil {
		return err
	}
	err = b.record(zfs.OperationPropInherit, "", obj.name)
	if err != nil {
		return err
	}
	err = checkSettable(obj, prop)
	if err != nil {
		return err
	}

	delete(obj.local, prop)
	return nil
}

func checkSettable(obj *object, prop string) error {
	if slices.Contains(readOnlyProperties, prop) {
		return fmt.Errorf("cannot set property for %s: '%s' is readonly", obj.name, prop)
	}
	if obj.typ == zfs.DatasetSnapshot && !zfs.IsUserProperty(prop) {
		return fmt.Errorf("cannot set property for %s: this property can not be modified for snapshots", obj.name)
	}
	return nil
}
