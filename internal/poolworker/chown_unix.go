//go:build unix

package poolworker

import (
	"os"
	"path/filepath"
	"syscall"
)

// chownIfPrivileged chows path to (uid, gid) when the process is still
// running as root; it is a silent no-op otherwise, since an unprivileged
// dev/test run cannot chown to an arbitrary uid anyway and the session
// directory it created is already owned by the process's own identity.
func chownIfPrivileged(path string, uid, gid int) error {
	if !isSuperuser() {
		return nil
	}
	return syscall.Chown(path, uid, gid)
}

// chownTreeIfPrivileged recursively chowns every entry under root. Used
// only for the best-effort skills copy, so errors are swallowed per-file by
// the caller rather than aborting the walk.
func chownTreeIfPrivileged(root string, uid, gid int) error {
	if !isSuperuser() {
		return nil
	}
	return filepath.Walk(root, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		_ = syscall.Chown(path, uid, gid)
		return nil
	})
}
