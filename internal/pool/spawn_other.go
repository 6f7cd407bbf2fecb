//go:build unix && !linux

package pool

import "syscall"

// linuxPdeathsig is a no-op on non-Linux unixes; Pdeathsig is Linux-only.
func linuxPdeathsig(attr *syscall.SysProcAttr) {}
