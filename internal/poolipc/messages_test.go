package poolipc_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eenlars/alive-sub006/internal/poolipc"
)

func TestToWorker_QueryRoundTrip(t *testing.T) {
	payload, err := json.Marshal(map[string]any{"message": "hello"})
	require.NoError(t, err)

	original := poolipc.NewQuery("req-1", payload)
	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded poolipc.ToWorker
	require.NoError(t, json.Unmarshal(data, &decoded))

	require.NotNil(t, decoded.Query)
	assert.Equal(t, "req-1", decoded.Query.RequestID)
	assert.JSONEq(t, string(payload), string(decoded.Query.Payload))
}

func TestToWorker_CancelRoundTrip(t *testing.T) {
	data, err := json.Marshal(poolipc.NewCancel("req-2"))
	require.NoError(t, err)

	var decoded poolipc.ToWorker
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotNil(t, decoded.Cancel)
	assert.Equal(t, "req-2", decoded.Cancel.RequestID)
}

func TestToWorker_ShutdownRoundTrip(t *testing.T) {
	data, err := json.Marshal(poolipc.NewShutdown(true))
	require.NoError(t, err)

	var decoded poolipc.ToWorker
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotNil(t, decoded.Shutdown)
	assert.True(t, decoded.Shutdown.Graceful)
}

func TestToWorker_HealthCheckRoundTrip(t *testing.T) {
	data, err := json.Marshal(poolipc.NewHealthCheck())
	require.NoError(t, err)

	var decoded poolipc.ToWorker
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, poolipc.TypeHealthCheck, decoded.Type)
	assert.NotNil(t, decoded.HealthCheck)
}

func TestToWorker_UnknownTypeIsRejected(t *testing.T) {
	var decoded poolipc.ToWorker
	err := json.Unmarshal([]byte(`{"type":"teleport","requestId":"x"}`), &decoded)
	assert.Error(t, err)
}

func TestToWorker_MissingRequiredFieldIsRejected(t *testing.T) {
	var decoded poolipc.ToWorker
	err := json.Unmarshal([]byte(`{"type":"query","payload":{}}`), &decoded)
	assert.Error(t, err, "query without requestId must be rejected")
}

func TestToWorker_WrongFieldKindIsRejected(t *testing.T) {
	var decoded poolipc.ToWorker
	err := json.Unmarshal([]byte(`{"type":"cancel","requestId":42}`), &decoded)
	assert.Error(t, err, "requestId must be a string")
}

func TestFromWorker_ReadyRoundTrip(t *testing.T) {
	data, err := json.Marshal(poolipc.NewReady())
	require.NoError(t, err)

	var decoded poolipc.FromWorker
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, poolipc.TypeReady, decoded.Type)
	assert.NotNil(t, decoded.Ready)
}

func TestFromWorker_SessionRoundTrip(t *testing.T) {
	data, err := json.Marshal(poolipc.NewSession("req-1", "sess-abc"))
	require.NoError(t, err)

	var decoded poolipc.FromWorker
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotNil(t, decoded.Session)
	assert.Equal(t, "req-1", decoded.Session.RequestID)
	assert.Equal(t, "sess-abc", decoded.Session.SessionID)
}

func TestFromWorker_MessageRoundTrip(t *testing.T) {
	content, err := json.Marshal(map[string]any{"text": "chunk"})
	require.NoError(t, err)

	data, err := json.Marshal(poolipc.NewMessage("req-1", content))
	require.NoError(t, err)

	var decoded poolipc.FromWorker
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotNil(t, decoded.Message)
	assert.Equal(t, "req-1", decoded.Message.RequestID)
	assert.JSONEq(t, string(content), string(decoded.Message.Content))
}

func TestFromWorker_CompleteRoundTrip(t *testing.T) {
	result := poolipc.CompleteResult{TotalMessages: 3, Result: "done", Cancelled: false}
	data, err := json.Marshal(poolipc.NewComplete("req-1", result))
	require.NoError(t, err)

	var decoded poolipc.FromWorker
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotNil(t, decoded.Complete)
	assert.Equal(t, "req-1", decoded.Complete.RequestID)
	assert.Equal(t, 3, decoded.Complete.Result.TotalMessages)
	assert.False(t, decoded.Complete.Result.Cancelled)
}

func TestFromWorker_ErrorRoundTrip(t *testing.T) {
	data, err := json.Marshal(poolipc.NewError("req-1", "boom", "stack trace", []string{"line1", "line2"}))
	require.NoError(t, err)

	var decoded poolipc.FromWorker
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotNil(t, decoded.Error)
	assert.Equal(t, "boom", decoded.Error.Error)
	assert.Equal(t, "stack trace", decoded.Error.Stack)
	assert.Equal(t, []string{"line1", "line2"}, decoded.Error.Stderr)
}

func TestFromWorker_ShutdownAckRoundTrip(t *testing.T) {
	data, err := json.Marshal(poolipc.NewShutdownAck())
	require.NoError(t, err)

	var decoded poolipc.FromWorker
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, poolipc.TypeShutdownAck, decoded.Type)
}

func TestFromWorker_HealthOKRoundTrip(t *testing.T) {
	data, err := json.Marshal(poolipc.NewHealthOK(12.5, 9))
	require.NoError(t, err)

	var decoded poolipc.FromWorker
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotNil(t, decoded.HealthOK)
	assert.Equal(t, 12.5, decoded.HealthOK.UptimeSeconds)
	assert.Equal(t, 9, decoded.HealthOK.QueriesProcessed)
}

func TestFromWorker_UnknownTypeIsRejected(t *testing.T) {
	var decoded poolipc.FromWorker
	err := json.Unmarshal([]byte(`{"type":"mind_reading"}`), &decoded)
	assert.Error(t, err)
}

func TestFromWorker_ErrorMissingFieldIsRejected(t *testing.T) {
	var decoded poolipc.FromWorker
	err := json.Unmarshal([]byte(`{"type":"error","requestId":"r1"}`), &decoded)
	assert.Error(t, err, "error without an error message must be rejected")
}
