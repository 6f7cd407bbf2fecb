package pool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eenlars/alive-sub006/internal/common/logger"
	"github.com/eenlars/alive-sub006/internal/poolipc"
)

// Reaper runs the pool's three periodic maintenance jobs: idle recycle,
// max-age recycle, and orphan sweep. The jobs are independent of one
// another, so each tick runs them concurrently.
type Reaper struct {
	manager   *Manager
	logger    *logger.Logger
	socketDir string

	idleInterval   time.Duration
	maxAgeInterval time.Duration
	orphanInterval time.Duration
	idleTimeout    time.Duration
	maxAge         time.Duration
	orphanMaxAge   time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var ErrReaperAlreadyRunning = errors.New("reaper is already running")
var ErrReaperNotRunning = errors.New("reaper is not running")

// NewReaper builds a Reaper from the pool's timing configuration. Idle and
// max-age sweeps share the orphan sweep's interval as a reasonable default
// cadence; each sweep still applies its own threshold independently.
func NewReaper(manager *Manager, socketDir string, idleTimeout, maxAge, orphanMaxAge, sweepInterval time.Duration, log *logger.Logger) *Reaper {
	return &Reaper{
		manager:        manager,
		logger:         log.WithFields(zap.String("component", "pool-reaper")),
		socketDir:      socketDir,
		idleInterval:   sweepInterval,
		maxAgeInterval: sweepInterval,
		orphanInterval: sweepInterval,
		idleTimeout:    idleTimeout,
		maxAge:         maxAge,
		orphanMaxAge:   orphanMaxAge,
	}
}

// Start begins the reaper's background tick loop.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrReaperAlreadyRunning
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("reaper starting",
		zap.Duration("idleTimeout", r.idleTimeout),
		zap.Duration("maxAge", r.maxAge),
		zap.Duration("orphanMaxAge", r.orphanMaxAge))

	r.wg.Add(1)
	go r.loop(ctx)
	return nil
}

// Stop halts the reaper and waits for its loop to exit.
func (r *Reaper) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrReaperNotRunning
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("reaper stopped")
	return nil
}

// IsRunning reports whether the reaper's loop is active.
func (r *Reaper) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.minInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reaper) minInterval() time.Duration {
	min := r.idleInterval
	if r.maxAgeInterval < min {
		min = r.maxAgeInterval
	}
	if r.orphanInterval < min {
		min = r.orphanInterval
	}
	if min <= 0 {
		min = 30 * time.Second
	}
	return min
}

// tick runs all three sweeps concurrently via errgroup: one tick's sweeps
// are independent of each other and none should block the others.
func (r *Reaper) tick(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { r.sweepIdle(gctx); return nil })
	g.Go(func() error { r.sweepMaxAge(gctx); return nil })
	g.Go(func() error { r.sweepOrphans(gctx); return nil })
	_ = g.Wait()
}

// sweepIdle terminates any READY worker that has been idle past
// idleTimeout.
func (r *Reaper) sweepIdle(ctx context.Context) {
	for _, h := range r.candidateHandles() {
		if h.State() != StateReady {
			continue
		}
		if time.Since(h.lastActivity()) < r.idleTimeout {
			continue
		}
		r.logger.Info("recycling idle worker", zap.Int("pid", h.Pid()), zap.String("workspaceKey", h.WorkspaceKey))
		r.manager.terminateHandle(h, errors.New("recycled: idle timeout exceeded"))
	}
}

// sweepMaxAge terminates any worker that has lived past maxAge, to bound
// the lifetime of any single child process. A BUSY worker is skipped until
// a later sweep finds it no longer busy.
func (r *Reaper) sweepMaxAge(ctx context.Context) {
	for _, h := range r.candidateHandles() {
		if time.Since(h.CreatedAt) < r.maxAge {
			continue
		}
		if h.State() == StateBusy {
			// Let the active request finish; CompleteRequest will return
			// this handle to READY, where the next max-age sweep (it is
			// still past maxAge) will recycle it.
			continue
		}
		r.logger.Info("recycling aged worker", zap.Int("pid", h.Pid()), zap.String("workspaceKey", h.WorkspaceKey))
		r.manager.terminateHandle(h, errors.New("recycled: max age exceeded"))
	}
}

// sweepOrphans covers two jobs: socket files under socketDir that no live
// handle owns are unlinked once past orphanMaxAge, and handles whose process has silently stopped
// responding to IPC (no parse-able frame, connection broken) but whose
// death was never observed by watchProcess are probed with a health_check
// and terminated when the probe cannot even be sent. A kill(0)-style pid
// existence probe is unnecessary here: watchProcess waits on every child
// and observes its exit directly.
func (r *Reaper) sweepOrphans(ctx context.Context) {
	r.sweepOrphanSockets()
	for _, h := range r.candidateHandles() {
		if h.State() == StateDead || h.State() == StateShuttingDown {
			continue
		}
		if time.Since(h.lastActivity()) < r.orphanMaxAge {
			continue
		}
		conn := h.Conn()
		if conn == nil {
			continue
		}
		if err := conn.SendJSON(poolipc.NewHealthCheck()); err != nil {
			r.logger.Warn("orphan sweep: health check send failed, terminating", zap.Int("pid", h.Pid()), zap.Error(err))
			r.manager.terminateHandle(h, errors.New("recycled: orphan health check failed"))
		}
	}
}

// sweepOrphanSockets unlinks *.sock files under socketDir that belong to
// no tracked handle and have sat there longer than orphanMaxAge,
// leftovers of a pool process that crashed before running handle cleanup.
// The age guard keeps the sweep from racing a spawn whose handle
// registration is still in flight.
func (r *Reaper) sweepOrphanSockets() {
	if r.socketDir == "" {
		return
	}
	entries, err := os.ReadDir(r.socketDir)
	if err != nil {
		return
	}
	live := r.manager.liveSocketPaths()
	cutoff := time.Now().Add(-r.orphanMaxAge)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sock" {
			continue
		}
		path := filepath.Join(r.socketDir, entry.Name())
		if live[path] {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err == nil {
			r.logger.Info("removed orphan socket file", zap.String("path", path))
		}
	}
}

func (r *Reaper) candidateHandles() []*WorkerHandle {
	r.manager.mu.Lock()
	defer r.manager.mu.Unlock()
	out := make([]*WorkerHandle, 0, len(r.manager.workers))
	for _, h := range r.manager.workers {
		out = append(out, h)
	}
	return out
}
