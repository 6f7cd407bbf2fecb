package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eenlars/alive-sub006/internal/agentrt"
	"github.com/eenlars/alive-sub006/internal/poolerrors"
	"github.com/eenlars/alive-sub006/internal/poolipc"
	"github.com/eenlars/alive-sub006/pkg/workspace"
)

// spawnAndDispatch starts a fresh worker for f's workspace and, once it is
// ready, dispatches f to it. On any spawn failure f settles with the error
// directly; nothing is left registered.
func (m *Manager) spawnAndDispatch(f *inflight) {
	h, err := m.spawnWorker(f.ctx, f.workspaceKey, f.credentials)
	if err != nil {
		f.settle(inflightOutcome{err: err})
		return
	}
	m.dispatch(h, f)
}

// spawnWorker runs the full spawn sequence: allocate a socket, register a
// STARTING handle, fork the worker process, accept its connection, and wait
// for its ready frame within cfg.ReadyTimeout.
func (m *Manager) spawnWorker(ctx context.Context, workspaceKey string, creds workspace.Credentials) (*WorkerHandle, error) {
	if err := m.spawnSem.Acquire(ctx, 1); err != nil {
		return nil, poolerrors.Wrap(poolerrors.CodeWorkerSpawnFailed, "acquire spawn slot", err)
	}
	defer m.spawnSem.Release(1)

	id := uuid.New().String()
	socketPath := filepath.Join(m.cfg.SocketDir, fmt.Sprintf("%s-%s.sock", workspace.Sanitize(workspaceKey), id[:8]))

	listener, err := poolipc.NewListener(socketPath)
	if err != nil {
		return nil, poolerrors.Wrap(poolerrors.CodeWorkerSpawnFailed, "create worker socket", err)
	}

	h := NewWorkerHandle(id, workspaceKey, creds, socketPath)
	m.registerHandle(h)

	readyCtx, cancel := context.WithTimeout(ctx, m.cfg.ReadyTimeout())
	defer cancel()

	proc, err := m.spawner.Spawn(readyCtx, SpawnSpec{
		WorkspaceKey:    workspaceKey,
		Credentials:     creds,
		SocketPath:      socketPath,
		WorkerEntryPath: m.cfg.WorkerEntryPath,
		SessionsBaseDir: m.cfg.SessionsBaseDir,
		HostSkillsDir:   m.cfg.HostSkillsDir,
	})
	if err != nil {
		listener.Close()
		m.removeHandle(h)
		h.MarkDead(err)
		return nil, poolerrors.Wrap(poolerrors.CodeWorkerSpawnFailed, "spawn worker process", err)
	}

	conn, err := listener.Accept(readyCtx)
	if err != nil {
		listener.Close()
		_ = proc.TerminateGroup()
		m.removeHandle(h)
		h.MarkDead(err)
		return nil, poolerrors.Wrap(poolerrors.CodeWorkerReadyTimeout, "worker did not connect in time", err)
	}
	// One worker per listener: stop accepting but keep the socket file as
	// the on-disk record of this live worker, removed again when the
	// handle dies.
	_ = listener.DetachClose()
	h.Attach(proc, conn)

	raw, err := conn.ReadFrame(readyCtx)
	if err != nil {
		_ = proc.TerminateGroup()
		m.removeHandle(h)
		h.MarkDead(err)
		_ = os.Remove(socketPath)
		return nil, poolerrors.Wrap(poolerrors.CodeWorkerReadyTimeout, "worker did not signal ready in time", err)
	}
	var msg poolipc.FromWorker
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != poolipc.TypeReady {
		_ = proc.TerminateGroup()
		m.removeHandle(h)
		h.MarkDead(fmt.Errorf("expected ready frame, got %q: %w", msg.Type, err))
		_ = os.Remove(socketPath)
		return nil, poolerrors.New(poolerrors.CodeWorkerReadyTimeout, "worker sent unexpected first frame", nil)
	}

	h.MarkReady()
	m.counters.incSpawned()
	m.publish("worker:spawned", map[string]any{"pid": proc.Pid(), "workspaceKey": workspaceKey})
	m.publish("worker:ready", map[string]any{"pid": proc.Pid(), "workspaceKey": workspaceKey})

	go m.recvLoop(h)
	go m.watchProcess(h)

	return h, nil
}

func (m *Manager) registerHandle(h *WorkerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[h.ID] = h
	m.byWorkspace[h.WorkspaceKey] = append(m.byWorkspace[h.WorkspaceKey], h)
}

// dispatch hands f to an idle handle h: marks it BUSY, accounts for the
// active-request counters, and sends the query frame. The wire send happens
// outside m.mu since it can block on socket backpressure.
func (m *Manager) dispatch(h *WorkerHandle, f *inflight) {
	if f.isSettled() {
		// The submitter's ctx fired between admission and assignment; the
		// request already resolved cancelled, so the worker must never see
		// it. The idle handle may still serve someone else's queued entry.
		m.drainQueueFor(h.WorkspaceKey)
		return
	}
	if !h.MarkBusy(f.req.RequestID) {
		// h raced out of READY (e.g. a concurrent shutdown); re-route f
		// through the ordinary scheduling path instead of dropping it.
		m.scheduleOrEnqueue(f)
		return
	}

	m.mu.Lock()
	m.activeByRequestID[f.req.RequestID] = &dispatched{f: f, handle: h}
	m.ownerActive[f.ownerKey]++
	m.workspaceActive[f.workspaceKey]++
	m.mu.Unlock()
	f.assignedAt = time.Now()
	m.publish("worker:busy", map[string]any{"pid": h.Pid(), "workspaceKey": h.WorkspaceKey, "requestId": f.req.RequestID})

	payload, err := json.Marshal(f.req.Payload)
	if err != nil {
		m.finishRequest(f.req.RequestID, inflightOutcome{err: poolerrors.Wrap(poolerrors.CodeInvalidPayload, "encode agent request", err)})
		return
	}

	conn := h.Conn()
	if conn == nil {
		m.finishRequest(f.req.RequestID, inflightOutcome{err: poolerrors.New(poolerrors.CodeInternalError, "dispatch to unattached handle", nil)})
		return
	}
	if err := conn.SendJSON(poolipc.NewQuery(f.req.RequestID, payload)); err != nil {
		m.counters.incSocketErrors()
		m.onWorkerDied(h, poolerrors.Wrap(poolerrors.CodeWorkerCrashed, "send query over ipc", err))
	}
}

// finishRequest is the single place a request's terminal outcome settles
// while its worker lives on: it reconciles the active-request accounting,
// transitions the handle (READY, or retired if it was cancelled), publishes
// the completion event, and feeds the workspace's queue.
func (m *Manager) finishRequest(requestID string, outcome inflightOutcome) {
	m.mu.Lock()
	d, ok := m.activeByRequestID[requestID]
	if ok {
		delete(m.activeByRequestID, requestID)
		m.ownerActive[d.f.ownerKey]--
		m.workspaceActive[d.f.workspaceKey]--
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	mustRetire := d.handle.CompleteRequest()
	if outcome.err != nil {
		m.publish("request:failed", map[string]any{"requestId": requestID, "error": outcome.err.Error()})
	} else {
		m.publish("request:completed", map[string]any{"requestId": requestID, "cancelled": outcome.result.Cancelled})
	}
	d.f.settle(outcome)

	if mustRetire {
		m.counters.incRetiredAfterCancel()
		m.terminateHandle(d.handle, errors.New("retired after cancellation"))
		return
	}
	m.publish("worker:idle", map[string]any{"pid": d.handle.Pid(), "workspaceKey": d.handle.WorkspaceKey})
	m.drainQueueFor(d.handle.WorkspaceKey)
}

// evictThenSpawn terminates an idle worker belonging to another workspace to
// free a slot, then spawns+dispatches for f's workspace.
func (m *Manager) evictThenSpawn(victim *WorkerHandle, f *inflight) {
	m.terminateHandle(victim, fmt.Errorf("evicted to free capacity for workspace %s", f.workspaceKey))
	m.counters.incEvicted()
	m.spawnAndDispatch(f)
}

// sendCancel signals cooperative cancellation to the worker serving
// requestID and arms a deadline that force-kills the worker's process group
// if it hasn't produced a terminal message by then.
func (m *Manager) sendCancel(h *WorkerHandle, requestID string) {
	deadline := time.Now().Add(m.cfg.CancelTimeout())
	h.RecordCancel(deadline)

	conn := h.Conn()
	if conn == nil {
		return
	}
	if err := conn.SendJSON(poolipc.NewCancel(requestID)); err != nil {
		m.counters.incSocketErrors()
		return
	}
	go m.enforceCancelDeadline(h, requestID, deadline)
}

func (m *Manager) enforceCancelDeadline(h *WorkerHandle, requestID string, deadline time.Time) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-h.Dead():
		return
	}
	if h.ActiveRequestID() == requestID {
		m.terminateHandle(h, poolerrors.New(poolerrors.CodeWorkerKilled, "cancel grace period exceeded", nil))
	}
}

// recvLoop is the one goroutine per handle that reads frames off its IPC
// connection for the handle's entire lifetime, dispatching each to
// handleFrame. It exits (and tears the handle down) the moment the
// connection errors.
func (m *Manager) recvLoop(h *WorkerHandle) {
	log := m.logger.WithWorker(h.Pid()).WithWorkspace(h.WorkspaceKey)
	conn := h.Conn()
	conn.OnParseError(func(err error) {
		log.Warn("malformed frame from worker", zap.Error(err))
	})

	for {
		raw, err := conn.ReadFrame(context.Background())
		if err != nil {
			m.onWorkerDied(h, poolerrors.Wrap(poolerrors.CodeWorkerCrashed, "ipc connection closed", err))
			return
		}
		var msg poolipc.FromWorker
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn("failed to decode worker frame", zap.Error(err))
			continue
		}
		m.handleFrame(h, msg)
	}
}

func (m *Manager) handleFrame(h *WorkerHandle, msg poolipc.FromWorker) {
	switch msg.Type {
	case poolipc.TypeSession:
		m.routeMessage(msg.Session.RequestID, agentrt.Message{Kind: agentrt.KindInit, SessionID: msg.Session.SessionID})
	case poolipc.TypeMessage:
		m.routeMessage(msg.Message.RequestID, agentrt.Message{Kind: agentrt.KindContent, Content: msg.Message.Content})
	case poolipc.TypeComplete:
		m.finishRequest(msg.Complete.RequestID, inflightOutcome{result: QueryResult{
			Success:       true,
			Cancelled:     msg.Complete.Result.Cancelled,
			TotalMessages: msg.Complete.Result.TotalMessages,
			Result:        msg.Complete.Result.Result,
		}})
	case poolipc.TypeError:
		m.finishRequest(msg.Error.RequestID, inflightOutcome{
			err: poolerrors.NewAgentRuntimeError(msg.Error.Error, msg.Error.Stack, msg.Error.Stderr),
		})
	case poolipc.TypeShutdownAck:
		m.terminateHandle(h, errors.New("worker acknowledged shutdown"))
	case poolipc.TypeHealthOK, poolipc.TypeReady:
		// Observability-only / duplicate startup frame; no action needed.
	}
}

func (m *Manager) routeMessage(requestID string, msg agentrt.Message) {
	m.mu.Lock()
	d, ok := m.activeByRequestID[requestID]
	m.mu.Unlock()
	if !ok || d.f.req.OnMessage == nil {
		return
	}
	d.f.req.OnMessage(msg)
}

// watchProcess detects a worker dying without ever sending a terminal
// frame (e.g. a crash or an unexpected exit). If the handle has already
// been marked dead through the ordinary teardown path this is a no-op.
func (m *Manager) watchProcess(h *WorkerHandle) {
	p := h.Process()
	if p == nil {
		return
	}
	<-p.Done()
	if h.State() == StateDead {
		return
	}
	m.onWorkerDied(h, poolerrors.Wrap(poolerrors.CodeWorkerCrashed, "worker process exited unexpectedly", p.ExitErr()))
}

// onWorkerDied tears down a handle that died on its own (crash, exit, or
// unrecoverable IPC error) rather than through a pool-initiated shutdown or
// eviction.
func (m *Manager) onWorkerDied(h *WorkerHandle, reason error) {
	if !h.MarkDead(reason) {
		return
	}
	m.removeHandle(h)
	if conn := h.Conn(); conn != nil {
		_ = conn.Close()
	}
	_ = os.Remove(h.SocketPath)
	if reqID := h.ActiveRequestID(); reqID != "" {
		m.settleAndForget(reqID, inflightOutcome{err: poolerrors.Wrap(poolerrors.CodeWorkerCrashed, "worker died mid-request", reason)})
	}
	m.publish("worker:crashed", map[string]any{"pid": h.Pid(), "workspaceKey": h.WorkspaceKey, "reason": errString(reason)})
}
