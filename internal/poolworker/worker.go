// Package poolworker implements the child process side of one pool
// worker: it connects to its parent-assigned socket
// while still privileged, drops to the workspace's owning uid/gid,
// enforces one in-flight request at a time, and bridges
// internal/agentrt's streaming Runtime to internal/poolipc's wire
// protocol. The concrete agentrt.Runtime is injected by the caller:
// cmd/alive-worker passes claudert, the tests pass fakert.
package poolworker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eenlars/alive-sub006/internal/agentrt"
	"github.com/eenlars/alive-sub006/internal/common/logger"
	"github.com/eenlars/alive-sub006/internal/poolipc"
	"github.com/eenlars/alive-sub006/pkg/workspace"
)

// sessionSkillsDirName is the subdirectory name the agent runtime expects
// inside a session home for skill files.
const sessionSkillsDirName = ".claude/skills"

// Config carries the environment contract osSpawner sets:
// WORKER_SOCKET_PATH, WORKER_WORKSPACE_KEY, TARGET_UID, TARGET_GID,
// TARGET_CWD, SESSIONS_BASE_DIR, HOST_SKILLS_DIR.
type Config struct {
	SocketPath      string
	WorkspaceKey    string
	TargetUID       int
	TargetGID       int
	TargetCwd       string
	SessionsBaseDir string
	HostSkillsDir   string
}

// ConfigFromEnv reads Config from the environment variables the parent
// sets before exec'ing the worker binary.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		SocketPath:      os.Getenv("WORKER_SOCKET_PATH"),
		WorkspaceKey:    os.Getenv("WORKER_WORKSPACE_KEY"),
		TargetCwd:       os.Getenv("TARGET_CWD"),
		SessionsBaseDir: os.Getenv("SESSIONS_BASE_DIR"),
		HostSkillsDir:   os.Getenv("HOST_SKILLS_DIR"),
	}
	if cfg.SocketPath == "" {
		return cfg, fmt.Errorf("poolworker: WORKER_SOCKET_PATH is not set")
	}
	if cfg.TargetCwd == "" {
		return cfg, fmt.Errorf("poolworker: TARGET_CWD is not set")
	}
	if _, err := fmt.Sscanf(os.Getenv("TARGET_UID"), "%d", &cfg.TargetUID); err != nil {
		return cfg, fmt.Errorf("poolworker: TARGET_UID is not a valid integer: %w", err)
	}
	if _, err := fmt.Sscanf(os.Getenv("TARGET_GID"), "%d", &cfg.TargetGID); err != nil {
		return cfg, fmt.Errorf("poolworker: TARGET_GID is not a valid integer: %w", err)
	}
	return cfg, nil
}

// Worker drives one child process's entire lifetime: connect, drop
// privileges, serve at most one request at a time, shut down.
type Worker struct {
	cfg         Config
	runtime     agentrt.Runtime
	logger      *logger.Logger
	started     time.Time
	sessionHome string

	mu                sync.Mutex
	conn              *poolipc.Conn
	activeRequestID   string
	activeCancel      context.CancelFunc
	runningQueries    int // goroutines still unwinding; may exceed the accept slot briefly after a cancel
	queriesProcessed  int
	shutdownRequested bool

	queryWG sync.WaitGroup
}

// NewWorker constructs a Worker. runtime is injected so tests can supply
// agentrt/fakert.Runtime instead of a real agent backend.
func NewWorker(cfg Config, rt agentrt.Runtime, log *logger.Logger) *Worker {
	return &Worker{
		cfg:     cfg,
		runtime: rt,
		logger:  log.WithFields(zap.String("component", "pool-worker")).WithWorkspace(cfg.WorkspaceKey),
	}
}

// Run executes the full worker lifecycle and returns when the connection
// closes or ctx is cancelled. The agent runtime is linked into the
// process before any of this runs; Run itself starts by connecting to the
// parent's socket while still privileged, since the socket directory is
// root-only.
func (w *Worker) Run(ctx context.Context) error {
	conn, err := poolipc.Connect(ctx, w.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("poolworker: connect to parent: %w", err)
	}
	w.conn = conn
	defer conn.Close()

	if err := w.resolveSessionHome(); err != nil {
		return err
	}

	// The skip is keyed on the target credentials, never on the host's own
	// identity: (0, 0) is the superuser-passthrough sentinel, anything else
	// must actually drop. If the host process lacks the privilege to drop,
	// dropPrivileges fails with EPERM and the worker refuses to serve
	// rather than silently running under the host's identity.
	if w.cfg.TargetUID == 0 && w.cfg.TargetGID == 0 {
		w.logger.Warn("superuser passthrough credentials; skipping privilege drop")
	} else if err := dropPrivileges(w.cfg.TargetUID, w.cfg.TargetGID); err != nil {
		return fmt.Errorf("poolworker: drop privileges: %w", err)
	}

	if err := os.Chdir(w.cfg.TargetCwd); err != nil {
		return fmt.Errorf("poolworker: chdir to workspace cwd: %w", err)
	}

	w.started = time.Now()
	if err := conn.SendJSON(poolipc.NewReady()); err != nil {
		return fmt.Errorf("poolworker: send ready: %w", err)
	}
	w.logger.Info("worker ready")

	conn.OnParseError(func(err error) {
		w.logger.Warn("malformed frame from parent", zap.Error(err))
	})

	// Frames are read on a dedicated goroutine so a cancel or shutdown
	// frame can be acted on while a query is in flight: handleQuery runs
	// synchronously for the duration of one request, so the main loop
	// below must stay free to keep reading instead of blocking inside it.
	frames := make(chan poolipc.ToWorker)
	readErrCh := make(chan error, 1)
	go func() {
		for {
			raw, err := conn.ReadFrame(ctx)
			if err != nil {
				readErrCh <- err
				return
			}
			var msg poolipc.ToWorker
			if err := json.Unmarshal(raw, &msg); err != nil {
				w.logger.Warn("failed to decode parent frame", zap.Error(err))
				continue
			}
			select {
			case frames <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	queryFinished := make(chan struct{}, 1)

	for {
		select {
		case err := <-readErrCh:
			w.queryWG.Wait()
			return fmt.Errorf("poolworker: ipc connection closed: %w", err)

		case msg := <-frames:
			if msg.Type == poolipc.TypeQuery {
				q := msg.Query
				w.queryWG.Add(1)
				go func() {
					defer w.queryWG.Done()
					w.handleQuery(ctx, q)
					select {
					case queryFinished <- struct{}{}:
					default:
					}
				}()
				continue
			}
			if done := w.handleFrame(ctx, msg); done {
				w.queryWG.Wait()
				return nil
			}

		case <-queryFinished:
			w.mu.Lock()
			shouldStop := w.shutdownRequested && w.runningQueries == 0
			w.mu.Unlock()
			if shouldStop {
				_ = conn.SendJSON(poolipc.NewShutdownAck())
				return nil
			}

		case <-ctx.Done():
			w.queryWG.Wait()
			return ctx.Err()
		}
	}
}

// resolveSessionHome ensures the per-workspace session home exists with
// mode 0o700 and is owned by the target (uid, gid), falling back to a private temp directory (and logging
// that sessions will not persist) if that fails. It then sets HOME to the
// session home and TMPDIR to an isolated, equally-owned scratch directory,
// and copies host-global skill files into the session home on a best-effort
// basis. Must run while still privileged, since SessionsBaseDir is
// root-owned until chowned per-workspace.
func (w *Worker) resolveSessionHome() error {
	home, err := w.ensureSessionHome()
	if err != nil {
		w.logger.Warn("session home unavailable, sessions will not persist", zap.Error(err))
		home, err = os.MkdirTemp("", "alive-worker-session-*")
		if err != nil {
			return fmt.Errorf("poolworker: create fallback session dir: %w", err)
		}
		if err := chownIfPrivileged(home, w.cfg.TargetUID, w.cfg.TargetGID); err != nil {
			w.logger.Warn("failed to chown fallback session dir", zap.Error(err))
		}
	}

	tmp := filepath.Join(home, ".tmp")
	if err := os.MkdirAll(tmp, 0o700); err != nil {
		return fmt.Errorf("poolworker: create tmpdir: %w", err)
	}
	if err := chownIfPrivileged(tmp, w.cfg.TargetUID, w.cfg.TargetGID); err != nil {
		w.logger.Warn("failed to chown tmpdir", zap.Error(err))
	}

	w.sessionHome = home
	if err := os.Setenv("HOME", home); err != nil {
		return fmt.Errorf("poolworker: set HOME: %w", err)
	}
	if err := os.Setenv("TMPDIR", tmp); err != nil {
		return fmt.Errorf("poolworker: set TMPDIR: %w", err)
	}

	w.copySkillsBestEffort(home)
	return nil
}

// ensureSessionHome creates (or reuses) <SessionsBaseDir>/<sanitized
// workspace key>/ with mode 0o700, owned by (TargetUID, TargetGID).
func (w *Worker) ensureSessionHome() (string, error) {
	if w.cfg.SessionsBaseDir == "" {
		return "", fmt.Errorf("poolworker: no sessions base dir configured")
	}
	home := filepath.Join(w.cfg.SessionsBaseDir, workspace.Sanitize(w.cfg.WorkspaceKey))
	if err := os.MkdirAll(home, 0o700); err != nil {
		return "", fmt.Errorf("create session home %s: %w", home, err)
	}
	if err := os.Chmod(home, 0o700); err != nil {
		return "", fmt.Errorf("chmod session home %s: %w", home, err)
	}
	if err := chownIfPrivileged(home, w.cfg.TargetUID, w.cfg.TargetGID); err != nil {
		return "", fmt.Errorf("chown session home %s: %w", home, err)
	}
	return home, nil
}

// copySkillsBestEffort copies host-global agent skill files into the
// session home's skills directory. Failures are logged, never fatal: a
// worker that can't see host skills still serves queries.
func (w *Worker) copySkillsBestEffort(home string) {
	if w.cfg.HostSkillsDir == "" {
		return
	}
	entries, err := os.ReadDir(w.cfg.HostSkillsDir)
	if err != nil {
		w.logger.Warn("failed to read host skills dir", zap.String("dir", w.cfg.HostSkillsDir), zap.Error(err))
		return
	}
	dst := filepath.Join(home, sessionSkillsDirName)
	if err := os.MkdirAll(dst, 0o700); err != nil {
		w.logger.Warn("failed to create session skills dir", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(w.cfg.HostSkillsDir, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			w.logger.Warn("failed to copy skill file", zap.String("file", entry.Name()), zap.Error(err))
		}
	}
	_ = chownTreeIfPrivileged(dst, w.cfg.TargetUID, w.cfg.TargetGID)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// handleFrame dispatches one non-query parent->worker message (query frames
// are intercepted in Run before reaching here, since they run on their own
// goroutine). It returns true when the worker should stop serving entirely.
func (w *Worker) handleFrame(ctx context.Context, msg poolipc.ToWorker) bool {
	switch msg.Type {
	case poolipc.TypeCancel:
		w.handleCancel(msg.Cancel.RequestID)
	case poolipc.TypeHealthCheck:
		w.handleHealthCheck()
	case poolipc.TypeShutdown:
		return w.handleShutdown(msg.Shutdown.Graceful)
	}
	return false
}

func (w *Worker) handleHealthCheck() {
	w.mu.Lock()
	uptime := time.Since(w.started).Seconds()
	processed := w.queriesProcessed
	w.mu.Unlock()
	_ = w.conn.SendJSON(poolipc.NewHealthOK(uptime, processed))
}

// handleShutdown reports whether Run should return immediately. A
// graceful shutdown with no in-flight request acks and exits now; one
// with an in-flight request lets the current query finish (its own
// completion path will exit after sending complete/error), and a
// non-graceful shutdown acks and exits immediately regardless.
func (w *Worker) handleShutdown(graceful bool) bool {
	w.mu.Lock()
	// A cancelled request clears the accept slot immediately but its
	// goroutine may still be unwinding; a graceful shutdown waits for that
	// terminal frame too, not just the slot.
	hasActive := w.runningQueries > 0
	if graceful && hasActive {
		w.shutdownRequested = true
	}
	cancel := w.activeCancel
	w.mu.Unlock()

	if graceful && hasActive {
		return false
	}
	if !graceful && cancel != nil {
		cancel()
	}
	_ = w.conn.SendJSON(poolipc.NewShutdownAck())
	return true
}

func (w *Worker) handleCancel(requestID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeRequestID != requestID || w.activeCancel == nil {
		return
	}
	// Cancellation clears local bookkeeping immediately: a subsequent
	// query can be accepted before the in-flight call has fully unwound.
	// The cancelled context still lets that call wind down and send its
	// own terminal message.
	cancel := w.activeCancel
	w.activeRequestID = ""
	w.activeCancel = nil
	cancel()
}

// handleQuery enforces the single in-flight invariant under w.mu and then
// runs the query to completion. Run invokes this on its own goroutine per
// query so the frame-reading loop stays free to act on a cancel or
// shutdown frame while this is in progress; a second query arriving before
// this one finishes is rejected by the activeRequestID check below.
func (w *Worker) handleQuery(ctx context.Context, q *poolipc.QueryPayload) {
	w.mu.Lock()
	if w.activeRequestID != "" {
		w.mu.Unlock()
		_ = w.conn.SendJSON(poolipc.NewError(q.RequestID, "worker already has an in-flight request", "", nil))
		return
	}
	queryCtx, cancel := context.WithCancel(ctx)
	w.activeRequestID = q.RequestID
	w.activeCancel = cancel
	w.runningQueries++
	w.mu.Unlock()
	w.logger.WithRequestID(q.RequestID).Debug("query accepted")

	defer func() {
		cancel()
		w.mu.Lock()
		// A cancel may already have cleared the slot (and a new request
		// may even own it by now); only release what is still ours.
		if w.activeRequestID == q.RequestID {
			w.activeRequestID = ""
			w.activeCancel = nil
		}
		w.runningQueries--
		w.queriesProcessed++
		w.mu.Unlock()
	}()

	var req agentrt.AgentRequest
	if err := json.Unmarshal(q.Payload, &req); err != nil {
		_ = w.conn.SendJSON(poolipc.NewError(q.RequestID, "malformed agent request payload", "", nil))
		return
	}
	if reasons := req.Validate(); len(reasons) > 0 {
		_ = w.conn.SendJSON(poolipc.NewError(q.RequestID, "invalid agent request payload: "+strings.Join(reasons, "; "), "", nil))
		return
	}

	w.prepareRequestEnv(req)
	w.runQuery(queryCtx, q.RequestID, req)
}

// prepareRequestEnv clears any environment carried over from the previous
// request and applies the new payload's: every USER_* variable is unset,
// ALIVE_SESSION_COOKIE is set or cleared from the new payload, and
// ANTHROPIC_API_KEY is set only when the payload provides one
// (otherwise unset so the runtime falls back to the shared credentials
// file).
func (w *Worker) prepareRequestEnv(req agentrt.AgentRequest) {
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "USER_") {
			name, _, _ := strings.Cut(kv, "=")
			_ = os.Unsetenv(name)
		}
	}
	for name, value := range req.UserEnvKeys {
		_ = os.Setenv("USER_"+name, value)
	}
	if req.SessionCookie != "" {
		_ = os.Setenv("ALIVE_SESSION_COOKIE", req.SessionCookie)
	} else {
		_ = os.Unsetenv("ALIVE_SESSION_COOKIE")
	}
	if req.APIKey != "" {
		_ = os.Setenv("ANTHROPIC_API_KEY", req.APIKey)
	} else {
		_ = os.Unsetenv("ANTHROPIC_API_KEY")
	}
}

// runQuery drives the runtime's iterator to completion, translating each
// yielded message into the matching FromWorker wire frame.
func (w *Worker) runQuery(ctx context.Context, requestID string, req agentrt.AgentRequest) {
	permit := w.buildPermissionFunc(req)

	totalMessages := 0
	var terminalResult *agentrt.Result
	var sawResult bool

	for msg, err := range w.runtime.Query(ctx, req, permit) {
		if err != nil {
			if sawResult {
				// The runtime yielded a terminal result and only then
				// threw. This still counts as success: the caller already
				// has everything it asked for.
				w.sendComplete(requestID, totalMessages, terminalResult, ctx.Err() != nil)
				return
			}
			w.sendError(requestID, err)
			return
		}

		switch msg.Kind {
		case agentrt.KindInit:
			_ = w.conn.SendJSON(poolipc.NewSession(requestID, msg.SessionID))
		case agentrt.KindContent:
			totalMessages++
			_ = w.conn.SendJSON(poolipc.NewMessage(requestID, msg.Content))
		case agentrt.KindResult:
			sawResult = true
			terminalResult = msg.Result
		}
	}

	w.sendComplete(requestID, totalMessages, terminalResult, ctx.Err() != nil)
}

func (w *Worker) sendComplete(requestID string, totalMessages int, result *agentrt.Result, cancelled bool) {
	cr := poolipc.CompleteResult{TotalMessages: totalMessages, Cancelled: cancelled}
	if result != nil {
		cr.TotalMessages = result.TotalMessages
		cr.Result = result.Value
	}
	_ = w.conn.SendJSON(poolipc.NewComplete(requestID, cr))
}

// stderrTailLines bounds how much captured runtime stderr rides along on an
// error frame.
const stderrTailLines = 50

func (w *Worker) sendError(requestID string, err error) {
	var tail []string
	if t, ok := w.runtime.(agentrt.StderrTailer); ok {
		tail = t.StderrTail(stderrTailLines)
	}
	_ = w.conn.SendJSON(poolipc.NewError(requestID, err.Error(), "", tail))
}
