package pool_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eenlars/alive-sub006/internal/agentrt"
	"github.com/eenlars/alive-sub006/internal/common/config"
	"github.com/eenlars/alive-sub006/internal/common/logger"
	"github.com/eenlars/alive-sub006/internal/events/bus"
	"github.com/eenlars/alive-sub006/internal/pool"
	"github.com/eenlars/alive-sub006/internal/poolerrors"
	"github.com/eenlars/alive-sub006/internal/poolipc"
	"github.com/eenlars/alive-sub006/pkg/workspace"
)

// fakeSpawner dials the listener a real spawnWorker creates and runs an
// in-process goroutine speaking the worker side of the protocol, per
// spawner.go's own documented test seam, instead of forking a real setuid
// child.
type fakeSpawner struct {
	mode    string // "echo", "fail", "hang", "gated", "stubborn"
	release chan string
	queries chan string // when non-nil, receives every requestId the worker sees
	pid     int32
}

func (s *fakeSpawner) Spawn(ctx context.Context, spec pool.SpawnSpec) (pool.Process, error) {
	conn, err := poolipc.Connect(ctx, spec.SocketPath)
	if err != nil {
		return nil, err
	}
	p := &fakeProcess{pid: int(atomic.AddInt32(&s.pid, 1)), conn: conn, done: make(chan struct{}), stubborn: s.mode == "stubborn"}
	go runFakeWorker(conn, p, s.mode, s.release, s.queries)
	return p, nil
}

type fakeProcess struct {
	pid      int
	conn     *poolipc.Conn
	done     chan struct{}
	doneOnce sync.Once
	stubborn bool
}

func (p *fakeProcess) closeDone() { p.doneOnce.Do(func() { close(p.done) }) }

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) ExitErr() error        { return nil }

// TerminateGroup models SIGTERM; a stubborn process ignores it, forcing the
// pool through the KILL_GRACE escalation to KillGroup.
func (p *fakeProcess) TerminateGroup() error {
	if p.stubborn {
		return nil
	}
	return p.conn.Close()
}

// KillGroup models SIGKILL, which not even a stubborn process survives.
func (p *fakeProcess) KillGroup() error {
	err := p.conn.Close()
	p.closeDone()
	return err
}

// runFakeWorker plays the worker side of the wire protocol: ready, then one
// response per mode for every query, acking cancel and shutdown (except in
// stubborn mode, which ignores both). A stubborn fake's "process" also
// survives its connection dropping: only KillGroup ends it.
func runFakeWorker(conn *poolipc.Conn, p *fakeProcess, mode string, release, queries chan string) {
	if mode != "stubborn" {
		defer p.closeDone()
	}
	if err := conn.SendJSON(poolipc.NewReady()); err != nil {
		return
	}
	for {
		raw, err := conn.ReadFrame(context.Background())
		if err != nil {
			return
		}
		var msg poolipc.ToWorker
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case poolipc.TypeQuery:
			requestID := msg.Query.RequestID
			if queries != nil {
				queries <- requestID
			}
			switch mode {
			case "fail":
				_ = conn.SendJSON(poolipc.NewError(requestID, "simulated agent failure", "", nil))
			case "hang", "stubborn":
				// no reply until cancel or shutdown arrives
			case "gated":
				<-release
				_ = conn.SendJSON(poolipc.NewSession(requestID, "sess-"+requestID))
				_ = conn.SendJSON(poolipc.NewMessage(requestID, json.RawMessage(`{"text":"chunk"}`)))
				_ = conn.SendJSON(poolipc.NewComplete(requestID, poolipc.CompleteResult{TotalMessages: 1, Result: "done"}))
			default: // "echo"
				_ = conn.SendJSON(poolipc.NewSession(requestID, "sess-"+requestID))
				_ = conn.SendJSON(poolipc.NewMessage(requestID, json.RawMessage(`{"text":"chunk"}`)))
				_ = conn.SendJSON(poolipc.NewComplete(requestID, poolipc.CompleteResult{TotalMessages: 1, Result: "done"}))
			}
		case poolipc.TypeCancel:
			if mode == "stubborn" {
				continue
			}
			_ = conn.SendJSON(poolipc.NewComplete(msg.Cancel.RequestID, poolipc.CompleteResult{Cancelled: true}))
		case poolipc.TypeShutdown:
			if mode == "stubborn" {
				continue
			}
			_ = conn.SendJSON(poolipc.NewShutdownAck())
			return
		}
	}
}

func testPoolConfig(t *testing.T) config.PoolConfig {
	return config.PoolConfig{
		MaxWorkers:             4,
		MaxWorkersPerUser:      4,
		MaxWorkersPerWorkspace: 4,
		MaxQueuedPerUser:       10,
		MaxQueuedPerWorkspace:  10,
		MaxQueuedGlobal:        10,
		WorkersPerCore:         4,
		LoadShedThreshold:      100,
		ReadyTimeoutMs:         2000,
		ShutdownTimeoutMs:      2000,
		CancelTimeoutMs:        2000,
		KillGraceMs:            500,
		EvictionStrategy:       "lru",
		SocketDir:              t.TempDir(),
		WorkerEntryPath:        "unused-with-a-fake-spawner",
	}
}

func testCreds(workspaceKey string) workspace.Credentials {
	return workspace.Credentials{UID: 1000, GID: 1000, Cwd: "/tmp", WorkspaceKey: workspaceKey}
}

func testRequest(message string) agentrt.AgentRequest {
	return agentrt.AgentRequest{Message: message}
}

func newTestManager(t *testing.T, spawner pool.Spawner, mutate func(*config.PoolConfig)) *pool.Manager {
	cfg := testPoolConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	return pool.NewManager(cfg, spawner, bus.NewMemoryEventBus(logger.Default()), logger.Default())
}

func TestManager_QueryEndToEnd(t *testing.T) {
	m := newTestManager(t, &fakeSpawner{mode: "echo"}, nil)

	var messages []agentrt.Message
	result, err := m.Query(context.Background(), testCreds("ws-a"), pool.QueryOptions{
		OwnerKey: "owner-1",
		Payload:  testRequest("hello"),
		OnMessage: func(msg agentrt.Message) {
			messages = append(messages, msg)
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.Cancelled)
	assert.Equal(t, 1, result.TotalMessages)
	assert.Equal(t, "done", result.Result)
	assert.GreaterOrEqual(t, len(messages), 2, "expect at least an init and one content message")
}

func TestManager_WorkerErrorPropagatesAsQueryError(t *testing.T) {
	m := newTestManager(t, &fakeSpawner{mode: "fail"}, nil)

	_, err := m.Query(context.Background(), testCreds("ws-a"), pool.QueryOptions{
		OwnerKey: "owner-1",
		Payload:  testRequest("hello"),
	})
	require.Error(t, err)
}

func TestManager_GlobalQueueLimitRejectsBeforeSpawning(t *testing.T) {
	m := newTestManager(t, &fakeSpawner{mode: "echo"}, func(cfg *config.PoolConfig) {
		cfg.MaxQueuedGlobal = 0
	})

	_, err := m.Query(context.Background(), testCreds("ws-a"), pool.QueryOptions{
		OwnerKey: "owner-1",
		Payload:  testRequest("hello"),
	})
	require.Error(t, err)
	assert.Equal(t, 0, m.GetStats().Workers, "a globally-rejected request must never reach spawn")
}

func TestManager_SecondRequestQueuesThenDrainsWhenWorkerFreesUp(t *testing.T) {
	release := make(chan string, 2)
	m := newTestManager(t, &fakeSpawner{mode: "gated", release: release}, func(cfg *config.PoolConfig) {
		cfg.MaxWorkersPerWorkspace = 1
	})

	doneA := make(chan error, 1)
	go func() {
		_, err := m.Query(context.Background(), testCreds("ws-a"), pool.QueryOptions{
			OwnerKey: "owner-1",
			Payload:  testRequest("first"),
		})
		doneA <- err
	}()
	require.Eventually(t, func() bool { return m.GetStats().WorkersBusy == 1 }, time.Second, 5*time.Millisecond)

	doneB := make(chan error, 1)
	go func() {
		_, err := m.Query(context.Background(), testCreds("ws-a"), pool.QueryOptions{
			OwnerKey: "owner-2",
			Payload:  testRequest("second"),
		})
		doneB <- err
	}()
	require.Eventually(t, func() bool { return m.GetStats().QueuedRequests == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]int{"ws-a": 1}, m.GetQueueDepths())

	release <- "first"
	require.NoError(t, <-doneA)

	require.Eventually(t, func() bool { return m.GetStats().WorkersBusy == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.GetStats().QueuedRequests, "the queued request must be drained onto the now-idle worker")

	release <- "second"
	require.NoError(t, <-doneB)
}

func TestManager_CancelMidRequestRetiresTheWorker(t *testing.T) {
	m := newTestManager(t, &fakeSpawner{mode: "hang"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		result pool.QueryResult
		err    error
	}
	doneA := make(chan outcome, 1)
	go func() {
		r, err := m.Query(ctx, testCreds("ws-a"), pool.QueryOptions{
			OwnerKey: "owner-1",
			Payload:  testRequest("first"),
		})
		doneA <- outcome{r, err}
	}()
	require.Eventually(t, func() bool { return m.GetStats().WorkersBusy == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	out := <-doneA
	require.NoError(t, out.err)
	assert.True(t, out.result.Cancelled)

	require.Eventually(t, func() bool { return m.GetStats().Workers == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), m.GetStats().RetiredAfterCancel)
}

func TestManager_ShutdownAllCancelsQueueAndTerminatesWorkers(t *testing.T) {
	cfg := testPoolConfig(t)
	cfg.MaxWorkers = 1
	cfg.MaxWorkersPerWorkspace = 1
	m := pool.NewManager(cfg, &fakeSpawner{mode: "hang"}, bus.NewMemoryEventBus(logger.Default()), logger.Default())

	type outcome struct {
		result pool.QueryResult
		err    error
	}
	doneA := make(chan outcome, 1)
	go func() {
		r, err := m.Query(context.Background(), testCreds("ws-a"), pool.QueryOptions{
			OwnerKey: "owner-1",
			Payload:  testRequest("first"),
		})
		doneA <- outcome{r, err}
	}()
	require.Eventually(t, func() bool { return m.GetStats().WorkersBusy == 1 }, time.Second, 5*time.Millisecond)

	doneB := make(chan error, 1)
	go func() {
		_, err := m.Query(context.Background(), testCreds("ws-b"), pool.QueryOptions{
			OwnerKey: "owner-2",
			Payload:  testRequest("second"),
		})
		doneB <- err
	}()
	require.Eventually(t, func() bool { return m.GetStats().QueuedRequests == 1 }, time.Second, 5*time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	require.NoError(t, m.ShutdownAll(shutdownCtx))

	require.NoError(t, <-doneB, "a still-queued request must settle as a clean cancellation, not an error")
	outA := <-doneA
	require.NoError(t, outA.err, "a cooperatively cancelled in-flight request settles as a cancellation")
	assert.True(t, outA.result.Cancelled)

	assert.Equal(t, 0, m.GetStats().Workers)

	sockets, err := filepath.Glob(filepath.Join(cfg.SocketDir, "*.sock"))
	require.NoError(t, err)
	assert.Empty(t, sockets, "no socket file created by the pool may survive ShutdownAll")
}

func TestManager_RoundRobinsQueuedOwnersInOneWorkspace(t *testing.T) {
	release := make(chan string)
	m := newTestManager(t, &fakeSpawner{mode: "gated", release: release}, func(cfg *config.PoolConfig) {
		cfg.MaxWorkers = 1
		cfg.MaxWorkersPerWorkspace = 1
	})

	order := make(chan string, 4)
	submit := func(label, owner string) {
		go func() {
			_, err := m.Query(context.Background(), testCreds("ws-a"), pool.QueryOptions{
				RequestID: label,
				OwnerKey:  owner,
				Payload:   testRequest(label),
			})
			assert.NoError(t, err)
			order <- label
		}()
	}

	submit("a-p0", "owner-a")
	require.Eventually(t, func() bool { return m.GetStats().WorkersBusy == 1 }, time.Second, 5*time.Millisecond)
	submit("a-p1", "owner-a")
	require.Eventually(t, func() bool { return m.GetStats().QueuedRequests == 1 }, time.Second, 5*time.Millisecond)
	submit("a-p2", "owner-a")
	require.Eventually(t, func() bool { return m.GetStats().QueuedRequests == 2 }, time.Second, 5*time.Millisecond)
	submit("b-p0", "owner-b")
	require.Eventually(t, func() bool { return m.GetStats().QueuedRequests == 3 }, time.Second, 5*time.Millisecond)

	// owner-b's first entry must overtake owner-a's second queued entry.
	for _, expected := range []string{"a-p0", "a-p1", "b-p0", "a-p2"} {
		release <- expected
		select {
		case got := <-order:
			assert.Equal(t, expected, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s to complete", expected)
		}
	}
}

func TestManager_UserQueueCapOverflowAndQueueTimeCancel(t *testing.T) {
	release := make(chan string, 1)
	queries := make(chan string, 16)
	m := newTestManager(t, &fakeSpawner{mode: "gated", release: release, queries: queries}, func(cfg *config.PoolConfig) {
		cfg.MaxWorkers = 1
		cfg.MaxWorkersPerWorkspace = 1
		cfg.MaxQueuedPerUser = 1
	})

	done1 := make(chan error, 1)
	go func() {
		_, err := m.Query(context.Background(), testCreds("ws-a"), pool.QueryOptions{
			RequestID: "req-1", OwnerKey: "owner-1", Payload: testRequest("first"),
		})
		done1 <- err
	}()
	require.Eventually(t, func() bool { return m.GetStats().WorkersBusy == 1 }, time.Second, 5*time.Millisecond)

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	type outcome struct {
		result pool.QueryResult
		err    error
	}
	done2 := make(chan outcome, 1)
	go func() {
		r, err := m.Query(ctx2, testCreds("ws-a"), pool.QueryOptions{
			RequestID: "req-2", OwnerKey: "owner-1", Payload: testRequest("second"),
		})
		done2 <- outcome{r, err}
	}()
	require.Eventually(t, func() bool { return m.GetStats().QueuedRequests == 1 }, time.Second, 5*time.Millisecond)

	_, err := m.Query(context.Background(), testCreds("ws-a"), pool.QueryOptions{
		RequestID: "req-3", OwnerKey: "owner-1", Payload: testRequest("third"),
	})
	require.ErrorIs(t, err, poolerrors.ErrUserLimit, "the owner's single queue slot is taken")
	assert.Equal(t, int64(1), m.GetStats().QueueRejectedUser)

	cancel2()
	out2 := <-done2
	require.NoError(t, out2.err, "a queue-time cancellation is a clean outcome, not an error")
	assert.True(t, out2.result.Cancelled)

	release <- "first"
	require.NoError(t, <-done1)

	close(queries)
	var seen []string
	for id := range queries {
		seen = append(seen, id)
	}
	assert.Equal(t, []string{"req-1"}, seen, "the worker must never see a query for the cancelled or rejected entries")
}

func TestManager_StubbornWorkerIsKillEscalatedOnShutdown(t *testing.T) {
	cfg := testPoolConfig(t)
	cfg.ShutdownTimeoutMs = 100
	cfg.KillGraceMs = 50
	m := pool.NewManager(cfg, &fakeSpawner{mode: "stubborn"}, bus.NewMemoryEventBus(logger.Default()), logger.Default())

	done := make(chan error, 1)
	go func() {
		_, err := m.Query(context.Background(), testCreds("ws-a"), pool.QueryOptions{
			OwnerKey: "owner-1", Payload: testRequest("first"),
		})
		done <- err
	}()
	require.Eventually(t, func() bool { return m.GetStats().WorkersBusy == 1 }, time.Second, 5*time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	require.NoError(t, m.ShutdownAll(shutdownCtx))

	err := <-done
	require.Error(t, err, "a worker that never answered must reject its in-flight future")
	assert.ErrorIs(t, err, poolerrors.ErrWorkerKilled)

	stats := m.GetStats()
	assert.Equal(t, 0, stats.Workers)
	assert.GreaterOrEqual(t, stats.GroupKillEscalations, int64(1))

	sockets, globErr := filepath.Glob(filepath.Join(cfg.SocketDir, "*.sock"))
	require.NoError(t, globErr)
	assert.Empty(t, sockets)
}

func TestGetOrInitDefault_BuildsOnceAndResets(t *testing.T) {
	pool.ResetDefault()
	t.Cleanup(pool.ResetDefault)

	builds := 0
	build := func() *pool.Manager {
		builds++
		return newTestManager(t, &fakeSpawner{mode: "echo"}, nil)
	}

	first := pool.GetOrInitDefault(build)
	second := pool.GetOrInitDefault(build)
	assert.Same(t, first, second)
	assert.Equal(t, 1, builds)
	assert.Same(t, first, pool.DefaultManager())

	pool.ResetDefault()
	assert.Nil(t, pool.DefaultManager())
}

func TestManager_GetWorkerInfoReportsLiveWorkers(t *testing.T) {
	m := newTestManager(t, &fakeSpawner{mode: "echo"}, nil)

	_, err := m.Query(context.Background(), testCreds("ws-a"), pool.QueryOptions{
		OwnerKey: "owner-1",
		Payload:  testRequest("hello"),
	})
	require.NoError(t, err)

	infos := m.GetWorkerInfo()
	require.Len(t, infos, 1)
	assert.Equal(t, "ws-a", infos[0].WorkspaceKey)
	assert.Equal(t, pool.StateReady, infos[0].State)
	assert.Equal(t, 1, infos[0].QueriesProcessed)
}
