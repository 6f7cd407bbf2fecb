package pool

import "sync"

// The process-wide pool instance. The host process builds exactly one
// Manager and shares it between the request path and the observability
// surface; this get-or-init accessor makes that lifecycle explicit instead
// of relying on package initialization order.
var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

// GetOrInitDefault returns the process-wide Manager, constructing it via
// build on first call. Subsequent calls return the same instance and never
// invoke build again.
func GetOrInitDefault(build func() *Manager) *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultManager == nil {
		defaultManager = build()
	}
	return defaultManager
}

// DefaultManager returns the process-wide Manager, or nil if
// GetOrInitDefault has not run yet.
func DefaultManager() *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultManager
}

// ResetDefault clears the process-wide Manager so tests can install a
// fresh one. It does not shut the previous instance down; callers owning
// live workers must ShutdownAll first.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultManager = nil
}
