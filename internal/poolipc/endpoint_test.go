package poolipc_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eenlars/alive-sub006/internal/poolipc"
)

func socketPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "sockets", "worker-1.sock")
}

func TestListener_CreatesSocketDirWithRestrictedMode(t *testing.T) {
	path := socketPath(t)
	ln, err := poolipc.NewListener(path)
	require.NoError(t, err)
	defer ln.Close()

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(poolipc.SocketDirMode), info.Mode().Perm())
}

func TestListener_RemovesStaleSocketFile(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o600))

	ln, err := poolipc.NewListener(path)
	require.NoError(t, err)
	defer ln.Close()
}

func TestConnect_TimesOutIfNobodyListening(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := poolipc.Connect(ctx, path)
	assert.Error(t, err)
}

func TestEndpoint_ParentChildRoundTrip(t *testing.T) {
	path := socketPath(t)
	ln, err := poolipc.NewListener(path)
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan *poolipc.Conn, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conn, err := ln.Accept(ctx)
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptCh <- conn
	}()

	childConn, err := poolipc.Connect(context.Background(), path)
	require.NoError(t, err)
	defer childConn.Close()

	var parentConn *poolipc.Conn
	select {
	case parentConn = <-acceptCh:
	case err := <-acceptErrCh:
		t.Fatalf("accept failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
	defer parentConn.Close()

	require.NoError(t, childConn.SendJSON(poolipc.NewReady()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	raw, err := parentConn.ReadFrame(ctx)
	require.NoError(t, err)

	var msg poolipc.FromWorker
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, poolipc.TypeReady, msg.Type)

	payload, err := json.Marshal(map[string]any{"message": "hello"})
	require.NoError(t, err)
	require.NoError(t, parentConn.SendJSON(poolipc.NewQuery("req-1", payload)))

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	raw2, err := childConn.ReadFrame(ctx2)
	require.NoError(t, err)

	var toWorker poolipc.ToWorker
	require.NoError(t, json.Unmarshal(raw2, &toWorker))
	require.NotNil(t, toWorker.Query)
	assert.Equal(t, "req-1", toWorker.Query.RequestID)
}

func TestEndpoint_MalformedFrameIsDroppedNotFatal(t *testing.T) {
	path := socketPath(t)
	ln, err := poolipc.NewListener(path)
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan *poolipc.Conn, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conn, err := ln.Accept(ctx)
		if err == nil {
			acceptCh <- conn
		}
	}()

	childConn, err := poolipc.Connect(context.Background(), path)
	require.NoError(t, err)
	defer childConn.Close()

	parentConn := <-acceptCh
	defer parentConn.Close()

	var dropped []error
	childConn.OnParseError(func(err error) {
		dropped = append(dropped, err)
	})

	require.NoError(t, parentConn.WriteRaw([]byte("not json at all\n")))
	require.NoError(t, parentConn.SendJSON(poolipc.NewShutdown(false)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	raw, err := childConn.ReadFrame(ctx)
	require.NoError(t, err, "malformed frame must not be fatal; the well-formed one after it must still arrive")

	var msg poolipc.ToWorker
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, poolipc.TypeShutdown, msg.Type)
	assert.Len(t, dropped, 1)
}
