// Package pool implements the persistent worker pool core: the worker
// handle state machine (C4), the admission controller and fair queue (C5),
// the pool manager (C6), and the reaper (C7). It spawns and routes to
// per-workspace child processes over internal/poolipc. It imports
// internal/agentrt only for its request and message types and never calls
// a Runtime; that wiring lives in the child process started by
// cmd/alive-worker.
package pool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/eenlars/alive-sub006/internal/agentrt"
	"github.com/eenlars/alive-sub006/pkg/workspace"
)

// State is one of the five worker lifecycle states.
type State string

const (
	StateStarting     State = "STARTING"
	StateReady        State = "READY"
	StateBusy         State = "BUSY"
	StateShuttingDown State = "SHUTTING_DOWN"
	StateDead         State = "DEAD"
)

// EvictionStrategy selects which idle worker of another workspace the
// admission controller evicts when the pool is at its worker cap.
type EvictionStrategy string

const (
	EvictionLRU       EvictionStrategy = "lru"
	EvictionOldest    EvictionStrategy = "oldest"
	EvictionLeastUsed EvictionStrategy = "least_used"
)

// QueryOptions is the caller-facing request envelope for Manager.Query.
type QueryOptions struct {
	// RequestID should be a random 128-bit identifier; if empty, Manager
	// generates one.
	RequestID     string
	OwnerKey      string
	WorkloadClass string
	Payload       agentrt.AgentRequest
	// OnMessage is invoked in arrival order for every session/message
	// event before the returned QueryResult settles. It must not block;
	// the pool does not buffer messages on its behalf.
	OnMessage func(agentrt.Message)
}

// QueryResult is the terminal outcome of one query.
type QueryResult struct {
	Success       bool
	Cancelled     bool
	TotalMessages int
	Result        any
}

// Stats is a point-in-time pool observation: current counts plus
// monotonic counters.
// Counters are loaded with sync/atomic; current counts are a live snapshot
// taken under the pool's lock.
type Stats struct {
	Workers        int
	WorkersReady   int
	WorkersBusy    int
	QueuedRequests int
	ActiveRequests int

	PerOwnerActive     map[string]int
	PerWorkspaceActive map[string]int

	Spawned                int64
	Evicted                int64
	RetiredAfterCancel     int64
	QueueRejectedUser      int64
	QueueRejectedWorkspace int64
	QueueRejectedGlobal    int64
	QueueRejectedShedding  int64
	GroupTerminations      int64
	GroupKillEscalations   int64
	SocketErrors           int64
}

// counters holds the monotonic stats tracked across the pool's lifetime.
// All fields are accessed only via sync/atomic so GetStats never contends
// with the hot path.
type counters struct {
	spawned                int64
	evicted                int64
	retiredAfterCancel     int64
	queueRejectedUser      int64
	queueRejectedWorkspace int64
	queueRejectedGlobal    int64
	queueRejectedShedding  int64
	groupTerminations      int64
	groupKillEscalations   int64
	socketErrors           int64
}

func (c *counters) incSpawned()                { atomic.AddInt64(&c.spawned, 1) }
func (c *counters) incEvicted()                { atomic.AddInt64(&c.evicted, 1) }
func (c *counters) incRetiredAfterCancel()     { atomic.AddInt64(&c.retiredAfterCancel, 1) }
func (c *counters) incQueueRejectedUser()      { atomic.AddInt64(&c.queueRejectedUser, 1) }
func (c *counters) incQueueRejectedWorkspace() { atomic.AddInt64(&c.queueRejectedWorkspace, 1) }
func (c *counters) incQueueRejectedGlobal()    { atomic.AddInt64(&c.queueRejectedGlobal, 1) }
func (c *counters) incQueueRejectedShedding()  { atomic.AddInt64(&c.queueRejectedShedding, 1) }
func (c *counters) incGroupTerminations()      { atomic.AddInt64(&c.groupTerminations, 1) }
func (c *counters) incGroupKillEscalations()   { atomic.AddInt64(&c.groupKillEscalations, 1) }
func (c *counters) incSocketErrors()           { atomic.AddInt64(&c.socketErrors, 1) }

func (c *counters) snapshot() (spawned, evicted, retired, rUser, rWs, rGlobal, rShed, groupTerm, groupKill, sockErr int64) {
	return atomic.LoadInt64(&c.spawned),
		atomic.LoadInt64(&c.evicted),
		atomic.LoadInt64(&c.retiredAfterCancel),
		atomic.LoadInt64(&c.queueRejectedUser),
		atomic.LoadInt64(&c.queueRejectedWorkspace),
		atomic.LoadInt64(&c.queueRejectedGlobal),
		atomic.LoadInt64(&c.queueRejectedShedding),
		atomic.LoadInt64(&c.groupTerminations),
		atomic.LoadInt64(&c.groupKillEscalations),
		atomic.LoadInt64(&c.socketErrors)
}

// WorkerInfo is a read-only snapshot of one live worker, for the
// observability endpoint.
type WorkerInfo struct {
	WorkspaceKey     string
	State            State
	Pid              int
	CreatedAt        time.Time
	LastActivityAt   time.Time
	QueriesProcessed int
	AgeMs            int64
	IdleMs           int64
}

// inflight tracks one submitted request end to end: from admission through
// its terminal outcome. It is the single owner of the settle-exactly-once
// contract; every exit path (terminal message, handle death, rejection,
// cancellation) funnels through settle.
type inflight struct {
	req          QueryOptions
	ctx          context.Context
	ownerKey     string
	workspaceKey string
	credentials  workspace.Credentials
	enqueuedAt   time.Time
	assignedAt   time.Time
	resultCh     chan inflightOutcome
	settled      int32 // atomic guard, settle-once
}

type inflightOutcome struct {
	result QueryResult
	err    error
}

func (f *inflight) settle(outcome inflightOutcome) {
	if !atomic.CompareAndSwapInt32(&f.settled, 0, 1) {
		return
	}
	f.resultCh <- outcome
}

func (f *inflight) isSettled() bool {
	return atomic.LoadInt32(&f.settled) == 1
}
