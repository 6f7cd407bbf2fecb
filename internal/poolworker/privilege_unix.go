//go:build unix

package poolworker

import (
	"fmt"
	"syscall"
)

// dropPrivileges permanently drops the process's effective and real
// uid/gid to target, in gid-then-uid order (uid must go last: once it's
// dropped the process can no longer change gid). It first replaces the
// supplementary groups with targetGID alone so the worker inherits none of
// the parent's group membership, verifies the drop actually took effect, and sets a
// restrictive umask before returning.
func dropPrivileges(targetUID, targetGID int) error {
	if err := syscall.Setgroups([]int{targetGID}); err != nil {
		return fmt.Errorf("poolworker: setgroups: %w", err)
	}
	if err := syscall.Setgid(targetGID); err != nil {
		return fmt.Errorf("poolworker: setgid(%d): %w", targetGID, err)
	}
	if err := syscall.Setuid(targetUID); err != nil {
		return fmt.Errorf("poolworker: setuid(%d): %w", targetUID, err)
	}

	if got := syscall.Getuid(); got != targetUID {
		return fmt.Errorf("poolworker: privilege drop verification failed: uid is %d, want %d", got, targetUID)
	}
	if got := syscall.Getgid(); got != targetGID {
		return fmt.Errorf("poolworker: privilege drop verification failed: gid is %d, want %d", got, targetGID)
	}

	syscall.Umask(0o022)
	return nil
}

// isSuperuser reports whether the process is currently running as root.
// It gates only operations that need root to succeed at all (chown of
// session directories); whether the privilege drop itself runs is decided
// by the target credentials, not by this.
func isSuperuser() bool {
	return syscall.Getuid() == 0
}
