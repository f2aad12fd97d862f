//go:build unix

package cli

import "syscall"

// detachedProcAttr puts the daemon in its own session so it survives the
// terminal that started it.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
