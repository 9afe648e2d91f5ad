//go:build freebsd
// +build freebsd

package zfscli

import (
	"syscall"
)

func procAttributes() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		// Pdeathsig is only honoured when the calling thread is locked, see golang/go#27505
		Pdeathsig: syscall.SIGINT,
	}
}
