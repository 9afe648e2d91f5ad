package zfs

import (
	"context"
	"fmt"
	"strings"
)

// Native properties
const (
	PropertyCanMount       = "canmount"
	PropertyClones         = "clones"
	PropertyCompression    = "compression"
	PropertyCreateTxg      = "createtxg"
	PropertyGUID           = "guid"
	PropertyMounted        = "mounted"
	PropertyMountPoint     = "mountpoint"
	PropertyName           = "name"
	PropertyOrigin         = "origin"
	PropertyQuota          = "quota"
	PropertyReadOnly       = "readonly"
	PropertyRefQuota       = "refquota"
	PropertyRefReservation = "refreservation"
	PropertyType           = "type"
	PropertyUsed           = "used"
	PropertyVolSize        = "volsize"

	PropertyYes  = "yes"
	PropertyNo   = "no"
	PropertyOn   = "on"
	PropertyOff  = "off"
	PropertyNone = "none"

	CanMountNoAuto = "noauto"
)

// IsUserProperty reports whether the key is a user property, which contain a colon, like com.example:backup
func IsUserProperty(key string) bool {
	ns, name, ok := strings.Cut(key, ":")
	return ok && ns != "" && name != ""
}

// GetProperty returns the value of a native property. ok is false when the backend reports no value,
// which is not an error.
//
// A full list of available ZFS properties may be found in the ZFS manual:
// https://openzfs.github.io/openzfs-docs/man/7/zfsprops.7.html.
func (d *Dataset) GetProperty(ctx context.Context, key string) (value string, ok bool, err error) {
	h, err := d.acquire(OperationPropGet)
	if err != nil {
		return "", false, err
	}

	value, ok, err = d.lib.backend.PropGet(ctx, h, key)
	if err != nil {
		return "", false, backendError(OperationPropGet, d.name, err)
	}
	return value, ok, nil
}

// GetProperties returns the values of the native properties. Properties without a value are left
// out of the map. A backend error aborts the call and names the property that failed.
func (d *Dataset) GetProperties(ctx context.Context, keys ...string) (map[string]string, error) {
	props := make(map[string]string, len(keys))
	for _, key := range keys {
		val, ok, err := d.GetProperty(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", key, err)
		}
		if ok {
			props[key] = val
		}
	}
	return props, nil
}

// SetProperty sets a property on the receiving dataset.
func (d *Dataset) SetProperty(ctx context.Context, key, value string) error {
	h, err := d.acquire(OperationPropSet)
	if err != nil {
		return err
	}
	return backendError(OperationPropSet, d.name, d.lib.backend.PropSet(ctx, h, key, value))
}

// InheritProperty clears a property from the receiving dataset, making it use its parent datasets value.
// The handle is reopened afterwards, because the backend keeps reporting the old value on handles
// that were open during the call.
func (d *Dataset) InheritProperty(ctx context.Context, key string) error {
	h, err := d.acquire(OperationPropInherit)
	if err != nil {
		return err
	}

	err = d.lib.backend.PropInherit(ctx, h, key)
	if err != nil {
		return backendError(OperationPropInherit, d.name, err)
	}
	return d.reopen(ctx)
}

// GetUserProperty returns the value of a user property. ok is false when the property is not set
// on the dataset or any of its parents.
func (d *Dataset) GetUserProperty(ctx context.Context, key string) (value string, ok bool, err error) {
	props, err := d.userProperties(ctx)
	if err != nil {
		return "", false, err
	}
	value, ok = props[key]
	return value, ok, nil
}

// GetUserProperties returns the requested user properties. When no keys are given all
// user properties are returned. Properties without a value are left out of the map.
func (d *Dataset) GetUserProperties(ctx context.Context, keys ...string) (map[string]string, error) {
	all, err := d.userProperties(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return all, nil
	}

	props := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := all[key]; ok {
			props[key] = val
		}
	}
	return props, nil
}

// SetUserProperty sets a user property, the key must have the namespace:name form
func (d *Dataset) SetUserProperty(ctx context.Context, key, value string) error {
	if !IsUserProperty(key) {
		return fmt.Errorf("zfs: %s on %s: %q: %w", OperationPropSet, d.name, key, ErrNotUserProperty)
	}
	return d.SetProperty(ctx, key, value)
}

func (d *Dataset) userProperties(ctx context.Context) (map[string]string, error) {
	h, err := d.acquire(OperationUserProps)
	if err != nil {
		return nil, err
	}

	props, err := d.lib.backend.UserProps(ctx, h)
	if err != nil {
		return nil, backendError(OperationUserProps, d.name, err)
	}
	if props == nil {
		props = map[string]string{}
	}
	return props, nil
}
