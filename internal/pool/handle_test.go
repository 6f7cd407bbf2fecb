package pool_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eenlars/alive-sub006/internal/pool"
	"github.com/eenlars/alive-sub006/pkg/workspace"
)

func newTestHandle() *pool.WorkerHandle {
	return pool.NewWorkerHandle("h1", "ws-1", workspace.Credentials{UID: 1000, GID: 1000, Cwd: "/tmp"}, "/tmp/sock")
}

func TestWorkerHandle_StartsInStarting(t *testing.T) {
	h := newTestHandle()
	assert.Equal(t, pool.StateStarting, h.State())
	assert.False(t, h.IsIdle())
}

func TestWorkerHandle_ReadyThenBusyThenComplete(t *testing.T) {
	h := newTestHandle()
	require.True(t, h.MarkReady())
	assert.True(t, h.IsIdle())

	require.True(t, h.MarkBusy("req-1"))
	assert.False(t, h.IsIdle())
	assert.Equal(t, "req-1", h.ActiveRequestID())

	mustRetire := h.CompleteRequest()
	assert.False(t, mustRetire)
	assert.Equal(t, pool.StateReady, h.State())
	assert.Equal(t, "", h.ActiveRequestID())
}

func TestWorkerHandle_MarkBusyFailsWhenNotReady(t *testing.T) {
	h := newTestHandle()
	assert.False(t, h.MarkBusy("req-1"))
}

func TestWorkerHandle_RetireAfterCancel(t *testing.T) {
	h := newTestHandle()
	require.True(t, h.MarkReady())
	require.True(t, h.MarkBusy("req-1"))

	h.RecordCancel(time.Now().Add(time.Second))
	deadline, pending := h.CancelDeadline()
	assert.True(t, pending)
	assert.False(t, deadline.IsZero())

	mustRetire := h.CompleteRequest()
	assert.True(t, mustRetire, "a handle cancelled mid-request must retire rather than return to READY")
	assert.Equal(t, pool.StateBusy, h.State(), "CompleteRequest does not itself transition a retiring handle")
}

func TestWorkerHandle_MarkDeadIsOnceOnly(t *testing.T) {
	h := newTestHandle()
	reason := errors.New("boom")

	assert.True(t, h.MarkDead(reason))
	assert.False(t, h.MarkDead(errors.New("second reason ignored")))
	assert.Equal(t, pool.StateDead, h.State())
	assert.Equal(t, reason, h.DeadReason())

	select {
	case <-h.Dead():
	default:
		t.Fatal("Dead() channel must be closed after MarkDead")
	}
}

func TestWorkerHandle_BeginShutdownRejectsFromDead(t *testing.T) {
	h := newTestHandle()
	h.MarkDead(errors.New("already gone"))
	assert.False(t, h.BeginShutdown())
}

func TestWorkerHandle_SnapshotReportsQueryCount(t *testing.T) {
	h := newTestHandle()
	require.True(t, h.MarkReady())
	require.True(t, h.MarkBusy("req-1"))
	h.CompleteRequest()
	require.True(t, h.MarkBusy("req-2"))
	h.CompleteRequest()

	snap := h.Snapshot()
	assert.Equal(t, 2, snap.QueriesProcessed)
	assert.Equal(t, "ws-1", snap.WorkspaceKey)
}
