//go:build linux

package pool

import "syscall"

// linuxPdeathsig additionally asks the kernel to SIGTERM a worker if the
// pool process itself dies without running cleanup (crash, SIGKILL), so a
// worker never outlives an unexpectedly-dead parent. Applied in
// osSpawner.Spawn after setProcGroup.
func linuxPdeathsig(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGTERM
}
