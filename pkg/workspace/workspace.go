// Package workspace defines the tenant-scoped identity a worker process
// executes under: a POSIX (uid, gid, cwd) triple plus the stable key used
// for routing and session-directory naming.
package workspace

import (
	"fmt"
	"regexp"
	"strings"
)

// Credentials identifies the POSIX identity and working directory a worker
// executes queries under. The pair (0, 0) is a reserved sentinel meaning
// "superuser passthrough, do not drop privileges."
type Credentials struct {
	UID          int
	GID          int
	Cwd          string
	WorkspaceKey string
}

// IsSuperuserPassthrough reports whether this credential pair instructs the
// worker to skip privilege drop entirely.
func (c Credentials) IsSuperuserPassthrough() bool {
	return c.UID == 0 && c.GID == 0
}

// Validate checks the structural requirements on Credentials that do not
// require touching the filesystem (callers still must verify Cwd exists and
// is readable by (UID, GID) before spawning a worker).
func (c Credentials) Validate() error {
	if c.UID < 0 || c.GID < 0 {
		return fmt.Errorf("workspace credentials: uid/gid must be non-negative")
	}
	if c.Cwd == "" {
		return fmt.Errorf("workspace credentials: cwd is required")
	}
	if !strings.HasPrefix(c.Cwd, "/") {
		return fmt.Errorf("workspace credentials: cwd must be absolute, got %q", c.Cwd)
	}
	for _, segment := range strings.Split(c.Cwd, "/") {
		if segment == ".." {
			return fmt.Errorf("workspace credentials: cwd must not contain .. segments, got %q", c.Cwd)
		}
	}
	return nil
}

const maxSanitizedKeyLength = 100

var invalidKeyChar = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Sanitize converts an arbitrary workspace key into a string safe to use as
// a directory name: any character outside [A-Za-z0-9._-] becomes '_',
// the result is truncated to 100 characters, and an empty result becomes
// "default". Sanitize is idempotent.
func Sanitize(workspaceKey string) string {
	sanitized := invalidKeyChar.ReplaceAllString(workspaceKey, "_")
	if len(sanitized) > maxSanitizedKeyLength {
		sanitized = sanitized[:maxSanitizedKeyLength]
	}
	if sanitized == "" {
		return "default"
	}
	return sanitized
}
