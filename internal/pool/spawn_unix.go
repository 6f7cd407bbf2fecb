//go:build unix

package pool

import (
	"os/exec"
	"syscall"
)

// setProcGroup configures cmd to run in its own process group so the
// reaper/handle cleanup path can terminate the whole subtree a worker (or
// the agent runtime underneath it) may have spawned, not just its direct
// pid.
func setProcGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// terminateProcessGroup sends SIGTERM to the entire process group, the
// graceful half of the SIGTERM -> grace -> SIGKILL escalation.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup sends SIGKILL to the entire process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
