//go:build !freebsd && !linux && !windows
// +build !freebsd,!linux,!windows

package zfscli

import (
	"syscall"
)

func procAttributes() *syscall.SysProcAttr {
	return nil
}
