package pool

import (
	"sync"
	"time"

	"github.com/eenlars/alive-sub006/internal/poolipc"
	"github.com/eenlars/alive-sub006/pkg/workspace"
)

// WorkerHandle is the parent-side representation of one live (or once-live)
// worker process: its state machine, its current in-flight request if any,
// its metrics, and the resources that must be released when it dies.
// All state transitions happen under h.mu.
type WorkerHandle struct {
	ID           string
	WorkspaceKey string
	Credentials  workspace.Credentials
	SocketPath   string
	CreatedAt    time.Time

	mu                sync.Mutex
	state             State
	lastActivityAt    time.Time
	queriesProcessed  int
	activeRequestID   string
	cancelDeadline    time.Time
	retireAfterCancel bool

	process Process
	conn    *poolipc.Conn

	deadOnce sync.Once
	deadCh   chan struct{}
	deadErr  error
}

// NewWorkerHandle constructs a handle in STARTING state. It becomes usable
// once Attach is called after the parent accepts the worker's connection.
func NewWorkerHandle(id, workspaceKey string, creds workspace.Credentials, socketPath string) *WorkerHandle {
	now := time.Now()
	return &WorkerHandle{
		ID:             id,
		WorkspaceKey:   workspaceKey,
		Credentials:    creds,
		SocketPath:     socketPath,
		CreatedAt:      now,
		state:          StateStarting,
		lastActivityAt: now,
		deadCh:         make(chan struct{}),
	}
}

// Attach records the spawned process and accepted connection once both are
// available. Must be called before the handle can transition to READY.
func (h *WorkerHandle) Attach(p Process, conn *poolipc.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.process = p
	h.conn = conn
}

// State returns the current lifecycle state.
func (h *WorkerHandle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Conn returns the handle's IPC connection. Safe to call any time after
// Attach; nil before.
func (h *WorkerHandle) Conn() *poolipc.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

// Pid returns the worker's process id, or 0 if not yet attached.
func (h *WorkerHandle) Pid() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.process == nil {
		return 0
	}
	return h.process.Pid()
}

// MarkReady transitions STARTING -> READY. Returns false if the handle was
// not in STARTING (e.g. it already died waiting for ready).
func (h *WorkerHandle) MarkReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateStarting {
		return false
	}
	h.state = StateReady
	h.lastActivityAt = time.Now()
	return true
}

// MarkBusy transitions READY -> BUSY and records the in-flight request.
// Returns false if the handle was not READY (the at-most-one invariant).
func (h *WorkerHandle) MarkBusy(requestID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateReady {
		return false
	}
	h.state = StateBusy
	h.activeRequestID = requestID
	h.lastActivityAt = time.Now()
	return true
}

// ActiveRequestID returns the in-flight request id, or "" if idle.
func (h *WorkerHandle) ActiveRequestID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activeRequestID
}

// RecordCancel marks that a cancel was sent for the current request. The
// handle must not return to READY on its next terminal message regardless
// of how that message resolves: a cancelled worker may hold partial tenant
// state and is retired instead of reused.
func (h *WorkerHandle) RecordCancel(deadline time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retireAfterCancel = true
	h.cancelDeadline = deadline
}

// CancelDeadline reports the deadline set by the most recent RecordCancel,
// and whether one is pending.
func (h *WorkerHandle) CancelDeadline() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelDeadline, !h.cancelDeadline.IsZero()
}

// CompleteRequest clears the in-flight request on a terminal message and
// reports whether this handle must now retire (because it was cancelled)
// rather than return to READY. queriesProcessed is incremented regardless.
func (h *WorkerHandle) CompleteRequest() (mustRetire bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activeRequestID = ""
	h.cancelDeadline = time.Time{}
	h.queriesProcessed++
	h.lastActivityAt = time.Now()
	mustRetire = h.retireAfterCancel
	if !mustRetire && h.state == StateBusy {
		h.state = StateReady
	}
	return mustRetire
}

// BeginShutdown transitions READY/BUSY -> SHUTTING_DOWN. Returns false if
// the handle is already SHUTTING_DOWN or DEAD.
func (h *WorkerHandle) BeginShutdown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateShuttingDown || h.state == StateDead {
		return false
	}
	h.state = StateShuttingDown
	return true
}

// MarkDead transitions any state -> DEAD exactly once, recording the
// reason. Returns true the first time it is called for this handle (so
// callers know whether they own running cleanup).
func (h *WorkerHandle) MarkDead(reason error) bool {
	first := false
	h.deadOnce.Do(func() {
		first = true
		h.mu.Lock()
		h.state = StateDead
		h.deadErr = reason
		h.mu.Unlock()
		close(h.deadCh)
	})
	return first
}

// Dead returns a channel closed exactly once, when MarkDead first runs.
func (h *WorkerHandle) Dead() <-chan struct{} { return h.deadCh }

// DeadReason returns the reason passed to MarkDead, valid only after Dead()
// is closed.
func (h *WorkerHandle) DeadReason() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deadErr
}

// IsIdle reports whether the handle is READY and can accept dispatch.
func (h *WorkerHandle) IsIdle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == StateReady
}

// Process returns the underlying Process for lifecycle/signal operations.
func (h *WorkerHandle) Process() Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.process
}

// Snapshot returns a point-in-time WorkerInfo for the observability
// endpoint.
func (h *WorkerHandle) Snapshot() WorkerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	pid := 0
	if h.process != nil {
		pid = h.process.Pid()
	}
	return WorkerInfo{
		WorkspaceKey:     h.WorkspaceKey,
		State:            h.state,
		Pid:              pid,
		CreatedAt:        h.CreatedAt,
		LastActivityAt:   h.lastActivityAt,
		QueriesProcessed: h.queriesProcessed,
		AgeMs:            now.Sub(h.CreatedAt).Milliseconds(),
		IdleMs:           now.Sub(h.lastActivityAt).Milliseconds(),
	}
}

// lastActivity and queries are exposed for eviction-strategy comparisons
// without copying the full snapshot.
func (h *WorkerHandle) lastActivity() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivityAt
}

func (h *WorkerHandle) queryCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queriesProcessed
}
