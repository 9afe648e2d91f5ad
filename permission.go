package zfs

import (
	"fmt"
	"strings"
)

// WhoType is the kind of principal a permission is delegated to
type WhoType string

const (
	WhoUser     WhoType = "user"
	WhoGroup    WhoType = "group"
	WhoEveryone WhoType = "everyone"
	WhoCreate   WhoType = "create"
)

// Permission is one entry of a delegated administration ACL
type Permission struct {
	Type WhoType
	// Who is the user or group name, empty for everyone and create time permissions
	Who string
	// Local applies the permission to the dataset itself
	Local bool
	// Descendent applies the permission to all descendants
	Descendent bool
	// Permissions are the permission and property names, like create, snapshot, or compression
	Permissions []string
}

// Validate checks that the permission can be passed to the native subsystem
func (p Permission) Validate() error {
	switch p.Type {
	case WhoUser, WhoGroup:
		if p.Who == "" {
			return fmt.Errorf("%s permission without a name: %w", p.Type, ErrInvalidName)
		}
	case WhoEveryone, WhoCreate:
		if p.Who != "" {
			return fmt.Errorf("%s permission cannot name %q: %w", p.Type, p.Who, ErrInvalidName)
		}
	default:
		return fmt.Errorf("unknown permission type %q", p.Type)
	}
	if len(p.Permissions) == 0 {
		return fmt.Errorf("empty permission set for %s %s", p.Type, p.Who)
	}
	if !p.Local && !p.Descendent && p.Type != WhoCreate {
		return fmt.Errorf("permission for %s %s is neither local nor descendent", p.Type, p.Who)
	}
	return nil
}

func (p Permission) String() string {
	scope := ""
	if p.Local {
		scope += "l"
	}
	if p.Descendent {
		scope += "d"
	}
	who := string(p.Type)
	if p.Who != "" {
		who += ":" + p.Who
	}
	return fmt.Sprintf("%s[%s] %s", who, scope, strings.Join(p.Permissions, ","))
}
