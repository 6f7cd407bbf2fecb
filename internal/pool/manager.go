package pool

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/eenlars/alive-sub006/internal/common/config"
	"github.com/eenlars/alive-sub006/internal/common/logger"
	"github.com/eenlars/alive-sub006/internal/events/bus"
	"github.com/eenlars/alive-sub006/internal/poolerrors"
	"github.com/eenlars/alive-sub006/internal/poolipc"
	"github.com/eenlars/alive-sub006/pkg/workspace"
)

// Manager is the pool's single public surface: it finds, spawns, or evicts
// a worker for a given workspace, routes queries, propagates cancellation,
// and emits events. It owns every WorkerHandle from spawn until DEAD.
type Manager struct {
	cfg      config.PoolConfig
	spawner  Spawner
	eventBus bus.EventBus
	logger   *logger.Logger

	spawnSem *semaphore.Weighted

	mu              sync.Mutex
	workers         map[string]*WorkerHandle   // handle id -> handle, every non-DEAD handle
	byWorkspace     map[string][]*WorkerHandle // workspaceKey -> its handles
	queues          map[string]*fairQueue      // workspaceKey -> queue
	ownerActive     map[string]int
	workspaceActive map[string]int
	ownerQueued     map[string]int
	workspaceQueued map[string]int
	globalQueued    int
	shuttingDown    bool

	activeByRequestID map[string]*dispatched

	counters counters
}

// dispatched pairs an in-flight request with the handle currently serving
// it, so a mid-flight cancellation knows which worker to signal.
type dispatched struct {
	f      *inflight
	handle *WorkerHandle
}

// NewManager constructs a Manager. socketDir/sessionsBaseDir/workerEntryPath
// come from cfg; spawner is osSpawner{} in production and a fake in tests.
func NewManager(cfg config.PoolConfig, spawner Spawner, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		cfg:               cfg,
		spawner:           spawner,
		eventBus:          eventBus,
		logger:            log.WithFields(zap.String("component", "pool-manager")),
		spawnSem:          semaphore.NewWeighted(int64(maxInt(cfg.MaxWorkers, 1))),
		workers:           make(map[string]*WorkerHandle),
		byWorkspace:       make(map[string][]*WorkerHandle),
		queues:            make(map[string]*fairQueue),
		ownerActive:       make(map[string]int),
		workspaceActive:   make(map[string]int),
		ownerQueued:       make(map[string]int),
		workspaceQueued:   make(map[string]int),
		activeByRequestID: make(map[string]*dispatched),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// publish fires an event on the bus, logging (not failing the caller) if
// publish itself errors; events are best-effort observability, never a
// gate on the request path.
func (m *Manager) publish(eventType string, data map[string]any) {
	if m.eventBus == nil {
		return
	}
	evt := bus.NewEvent(eventType, "pool-manager", data)
	if err := m.eventBus.Publish(context.Background(), "pool."+eventType, evt); err != nil {
		m.logger.Warn("failed to publish pool event", zap.String("type", eventType), zap.Error(err))
	}
}

// Query is the pool's single entry point: admits, dispatches (immediately,
// via spawn, via eviction, or via the fair queue), and blocks until the
// request's terminal outcome settles or ctx is cancelled.
func (m *Manager) Query(ctx context.Context, creds workspace.Credentials, opts QueryOptions) (QueryResult, error) {
	if opts.RequestID == "" {
		opts.RequestID = uuid.New().String()
	}
	if reasons := opts.Payload.Validate(); len(reasons) > 0 {
		return QueryResult{}, poolerrors.NewInvalidPayload(reasons)
	}
	if err := creds.Validate(); err != nil {
		return QueryResult{}, poolerrors.Wrap(poolerrors.CodeInvalidPayload, "invalid workspace credentials", err)
	}

	f := &inflight{
		req:          opts,
		ctx:          ctx,
		ownerKey:     opts.OwnerKey,
		workspaceKey: creds.WorkspaceKey,
		credentials:  creds,
		enqueuedAt:   time.Now(),
		resultCh:     make(chan inflightOutcome, 1),
	}

	if err := m.admit(f); err != nil {
		m.publish("request:rejected", map[string]any{"requestId": f.req.RequestID, "ownerKey": f.ownerKey, "reason": err.Error()})
		return QueryResult{}, err
	}

	m.publish("request:admitted", map[string]any{"requestId": f.req.RequestID, "ownerKey": f.ownerKey, "workspaceKey": f.workspaceKey})

	m.scheduleOrEnqueue(f)

	select {
	case outcome := <-f.resultCh:
		return outcome.result, outcome.err
	case <-ctx.Done():
		m.cancelInflight(f)
		outcome := <-f.resultCh
		return outcome.result, outcome.err
	}
}

// admit runs the five admission checks as a literal ordered sequence.
// Callers depend on which limit fires first, so the order is load-bearing:
// shutting-down, global depth, load shed, per-owner, per-workspace.
func (m *Manager) admit(f *inflight) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shuttingDown {
		return poolerrors.NewShuttingDown()
	}
	if m.globalQueued >= m.cfg.MaxQueuedGlobal {
		m.counters.incQueueRejectedGlobal()
		return poolerrors.NewGlobalLimit(m.cfg.MaxQueuedGlobal, m.globalQueued)
	}
	activeWorkers := m.countBusyLocked()
	if m.cfg.LoadShedThreshold > 0 && activeWorkers >= m.cfg.LoadShedThreshold {
		m.counters.incQueueRejectedShedding()
		return poolerrors.NewLoadShed(m.cfg.LoadShedThreshold, activeWorkers)
	}
	if m.ownerQueued[f.ownerKey] >= m.cfg.MaxQueuedPerUser {
		m.counters.incQueueRejectedUser()
		return poolerrors.NewUserLimit(f.ownerKey, m.cfg.MaxQueuedPerUser, m.ownerQueued[f.ownerKey])
	}
	if m.workspaceQueued[f.workspaceKey] >= m.cfg.MaxQueuedPerWorkspace {
		m.counters.incQueueRejectedWorkspace()
		return poolerrors.NewWorkspaceLimit(f.workspaceKey, m.cfg.MaxQueuedPerWorkspace, m.workspaceQueued[f.workspaceKey])
	}
	return nil
}

func (m *Manager) countBusyLocked() int {
	n := 0
	for _, h := range m.workers {
		if h.State() == StateBusy {
			n++
		}
	}
	return n
}

// workspaceCapLocked bounds how many workers one workspace may hold
// concurrently: min(maxWorkersPerWorkspace, workersPerCore * NumCPU).
func (m *Manager) workspaceCapLocked() int {
	coreCap := m.cfg.WorkersPerCore * runtime.NumCPU()
	if m.cfg.MaxWorkersPerWorkspace > 0 && m.cfg.MaxWorkersPerWorkspace < coreCap {
		return m.cfg.MaxWorkersPerWorkspace
	}
	if coreCap > 0 {
		return coreCap
	}
	return m.cfg.MaxWorkersPerWorkspace
}

func (m *Manager) findIdleLocked(workspaceKey string) *WorkerHandle {
	for _, h := range m.byWorkspace[workspaceKey] {
		if h.IsIdle() {
			return h
		}
	}
	return nil
}

// pickEvictionVictimLocked chooses an idle worker belonging to a workspace
// other than excludeWorkspace, per m.cfg.EvictionStrategy.
func (m *Manager) pickEvictionVictimLocked(excludeWorkspace string) *WorkerHandle {
	var candidates []*WorkerHandle
	for ws, handles := range m.byWorkspace {
		if ws == excludeWorkspace {
			continue
		}
		for _, h := range handles {
			if h.IsIdle() {
				candidates = append(candidates, h)
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		switch EvictionStrategy(m.cfg.EvictionStrategy) {
		case EvictionOldest:
			if c.CreatedAt.Before(best.CreatedAt) {
				best = c
			}
		case EvictionLeastUsed:
			if c.queryCount() < best.queryCount() {
				best = c
			}
		default: // "lru"
			if c.lastActivity().Before(best.lastActivity()) {
				best = c
			}
		}
	}
	return best
}

func (m *Manager) enqueueLocked(f *inflight) {
	q, ok := m.queues[f.workspaceKey]
	if !ok {
		q = newFairQueue()
		m.queues[f.workspaceKey] = q
	}
	q.Enqueue(f.ownerKey, f)
	m.ownerQueued[f.ownerKey]++
	m.workspaceQueued[f.workspaceKey]++
	m.globalQueued++
	m.publish("request:queued", map[string]any{"requestId": f.req.RequestID, "workspaceKey": f.workspaceKey})
}

func (m *Manager) dequeueLocked(f *inflight) {
	m.ownerQueued[f.ownerKey]--
	m.workspaceQueued[f.workspaceKey]--
	m.globalQueued--
}

// scheduleOrEnqueue implements the immediate-dispatch / spawn / evict /
// enqueue decision tree.
func (m *Manager) scheduleOrEnqueue(f *inflight) {
	m.mu.Lock()

	if h := m.findIdleLocked(f.workspaceKey); h != nil &&
		m.ownerActive[f.ownerKey] < maxOr1(m.cfg.MaxWorkersPerUser) &&
		m.workspaceActive[f.workspaceKey] < maxOr1(m.cfg.MaxWorkersPerWorkspace) {
		m.mu.Unlock()
		m.dispatch(h, f)
		return
	}

	totalWorkers := len(m.workers)
	workspaceCount := len(m.byWorkspace[f.workspaceKey])
	workspaceCap := m.workspaceCapLocked()

	if totalWorkers < m.cfg.MaxWorkers && workspaceCount < workspaceCap {
		m.mu.Unlock()
		m.spawnAndDispatch(f)
		return
	}

	if totalWorkers >= m.cfg.MaxWorkers {
		if victim := m.pickEvictionVictimLocked(f.workspaceKey); victim != nil {
			m.mu.Unlock()
			m.evictThenSpawn(victim, f)
			return
		}
	}

	m.enqueueLocked(f)
	m.mu.Unlock()
}

func maxOr1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// drainQueueFor is called after a handle becomes idle or a new handle
// becomes READY: it pulls the next fair-queue entry for that workspace (if
// any) and dispatches it.
func (m *Manager) drainQueueFor(workspaceKey string) {
	m.mu.Lock()
	q, ok := m.queues[workspaceKey]
	if !ok || q.Len() == 0 {
		m.mu.Unlock()
		return
	}
	h := m.findIdleLocked(workspaceKey)
	if h == nil {
		m.mu.Unlock()
		return
	}
	next := q.Dequeue()
	if next == nil {
		m.mu.Unlock()
		return
	}
	m.dequeueLocked(next)
	m.mu.Unlock()

	m.dispatch(h, next)
}

// cancelInflight handles an external ctx cancellation for f: if it is
// still queued, it is removed in place and settled cancelled without ever
// touching a worker; if it has been dispatched, a cancel message is sent
// to its worker.
func (m *Manager) cancelInflight(f *inflight) {
	m.mu.Lock()
	if q, ok := m.queues[f.workspaceKey]; ok && q.Remove(f.req.RequestID) {
		m.dequeueLocked(f)
		m.mu.Unlock()
		f.settle(inflightOutcome{result: QueryResult{Success: true, Cancelled: true}})
		return
	}
	d, dispatchedOK := m.activeByRequestID[f.req.RequestID]
	m.mu.Unlock()

	if !dispatchedOK {
		// Already settled or never admitted into either structure; settle
		// is a no-op if so.
		f.settle(inflightOutcome{result: QueryResult{Success: true, Cancelled: true}})
		return
	}
	m.sendCancel(d.handle, f.req.RequestID)
}

// GetStats returns a point-in-time PoolStats snapshot.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		PerOwnerActive:     make(map[string]int, len(m.ownerActive)),
		PerWorkspaceActive: make(map[string]int, len(m.workspaceActive)),
	}
	for _, h := range m.workers {
		s.Workers++
		switch h.State() {
		case StateReady:
			s.WorkersReady++
		case StateBusy:
			s.WorkersBusy++
		}
	}
	for _, q := range m.queues {
		s.QueuedRequests += q.Len()
	}
	s.ActiveRequests = len(m.activeByRequestID)
	for k, v := range m.ownerActive {
		s.PerOwnerActive[k] = v
	}
	for k, v := range m.workspaceActive {
		s.PerWorkspaceActive[k] = v
	}

	spawned, evicted, retired, rUser, rWs, rGlobal, rShed, groupTerm, groupKill, sockErr := m.counters.snapshot()
	s.Spawned = spawned
	s.Evicted = evicted
	s.RetiredAfterCancel = retired
	s.QueueRejectedUser = rUser
	s.QueueRejectedWorkspace = rWs
	s.QueueRejectedGlobal = rGlobal
	s.QueueRejectedShedding = rShed
	s.GroupTerminations = groupTerm
	s.GroupKillEscalations = groupKill
	s.SocketErrors = sockErr
	return s
}

// GetWorkerInfo returns a snapshot of every live worker.
func (m *Manager) GetWorkerInfo() []WorkerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerInfo, 0, len(m.workers))
	for _, h := range m.workers {
		out = append(out, h.Snapshot())
	}
	return out
}

// GetQueueDepths returns the current queue length for every workspace that
// has at least one queued request.
func (m *Manager) GetQueueDepths() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.queues))
	for workspaceKey, q := range m.queues {
		if n := q.Len(); n > 0 {
			out[workspaceKey] = n
		}
	}
	return out
}

// ShutdownAll transitions the pool into "shutting down": new submissions
// are rejected, queued entries are drained and settled cancelled, and
// every live handle is asked to shut down gracefully via errgroup fan-out,
// then force-terminated if it doesn't ack in time.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	var allQueued []*inflight
	for _, q := range m.queues {
		allQueued = append(allQueued, q.Drain()...)
	}
	m.ownerQueued = make(map[string]int)
	m.workspaceQueued = make(map[string]int)
	m.globalQueued = 0
	handles := make([]*WorkerHandle, 0, len(m.workers))
	for _, h := range m.workers {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, f := range allQueued {
		f.settle(inflightOutcome{result: QueryResult{Success: true, Cancelled: true}})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		h := h
		g.Go(func() error {
			return m.shutdownHandle(gctx, h)
		})
	}
	return g.Wait()
}

func (m *Manager) shutdownHandle(ctx context.Context, h *WorkerHandle) error {
	activeID := h.ActiveRequestID()
	if !h.BeginShutdown() {
		<-h.Dead()
		return nil
	}
	conn := h.Conn()
	if conn != nil {
		// A busy handle gets cancel then shutdown; the graceful flag lets
		// the worker finish unwinding the cancelled request before acking.
		if activeID != "" {
			_ = conn.SendJSON(poolipc.NewCancel(activeID))
		}
		_ = conn.SendJSON(poolipc.NewShutdown(true))
	}

	select {
	case <-h.Dead():
		return nil
	case <-time.After(m.cfg.ShutdownTimeout()):
	case <-ctx.Done():
	}

	m.terminateHandle(h, poolerrors.New(poolerrors.CodeWorkerKilled, "shutdown timeout exceeded", nil))
	return nil
}

func (m *Manager) terminateHandle(h *WorkerHandle, reason error) {
	if !h.MarkDead(reason) {
		return
	}
	m.removeHandle(h)

	if conn := h.Conn(); conn != nil {
		_ = conn.Close()
	}
	if p := h.Process(); p != nil {
		_ = p.TerminateGroup()
		select {
		case <-p.Done():
		case <-time.After(m.cfg.KillGrace()):
			_ = p.KillGroup()
			m.counters.incGroupKillEscalations()
		}
	}
	m.counters.incGroupTerminations()
	_ = os.Remove(h.SocketPath)

	if reqID := h.ActiveRequestID(); reqID != "" {
		// Preserve the typed reason (WORKER_KILLED after a cancel or
		// shutdown timeout) where one exists; everything else surfaces as
		// WORKER_CRASHED.
		var pe *poolerrors.PoolError
		if errors.As(reason, &pe) {
			m.settleAndForget(reqID, inflightOutcome{err: pe})
		} else {
			m.settleAndForget(reqID, inflightOutcome{err: poolerrors.Wrap(poolerrors.CodeWorkerCrashed, "worker died mid-request", reason)})
		}
	}

	m.publish("worker:terminated", map[string]any{"pid": h.Pid(), "workspaceKey": h.WorkspaceKey, "reason": errString(reason)})
}

func (m *Manager) removeHandle(h *WorkerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, h.ID)
	handles := m.byWorkspace[h.WorkspaceKey]
	for i, x := range handles {
		if x == h {
			m.byWorkspace[h.WorkspaceKey] = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(m.byWorkspace[h.WorkspaceKey]) == 0 {
		delete(m.byWorkspace, h.WorkspaceKey)
	}
}

// liveSocketPaths returns the socket file of every handle the pool still
// tracks, for the reaper's orphan sweep: any other socket file under
// socketDir belongs to no live worker.
func (m *Manager) liveSocketPaths() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.workers))
	for _, h := range m.workers {
		out[h.SocketPath] = true
	}
	return out
}

func (m *Manager) settleAndForget(requestID string, outcome inflightOutcome) {
	m.mu.Lock()
	d, ok := m.activeByRequestID[requestID]
	if ok {
		delete(m.activeByRequestID, requestID)
		m.ownerActive[d.f.ownerKey]--
		m.workspaceActive[d.f.workspaceKey]--
	}
	m.mu.Unlock()
	if ok {
		d.f.settle(outcome)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

