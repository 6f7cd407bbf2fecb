package claudert

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eenlars/alive-sub006/internal/agentrt"
)

func TestPermissionModeOrDefault(t *testing.T) {
	assert.Equal(t, "default", permissionModeOrDefault(""))
	assert.Equal(t, "plan", permissionModeOrDefault("plan"))
	assert.Equal(t, "acceptEdits", permissionModeOrDefault("acceptEdits"))
}

func TestPermissionResultFor(t *testing.T) {
	allow := permissionResultFor(agentrt.Allowed())
	assert.Equal(t, "allow", allow.Behavior)
	assert.Empty(t, allow.Message)

	deny := permissionResultFor(agentrt.Denied("tool is in disallowedTools"))
	assert.Equal(t, "deny", deny.Behavior)
	assert.Equal(t, "tool is in disallowedTools", deny.Message)
}

func TestCanUseTool_PassesInputAsRawJSON(t *testing.T) {
	var gotTool string
	var gotInput json.RawMessage
	hook := canUseTool(func(toolName string, input json.RawMessage) agentrt.PermissionDecision {
		gotTool = toolName
		gotInput = input
		return agentrt.Denied("blocked for the test")
	})

	result, err := hook(context.Background(), "Bash", map[string]any{"command": "rm -rf /"})
	require.NoError(t, err, "a deny is a decision, not a callback failure")
	assert.Equal(t, "deny", result.Behavior)
	assert.Equal(t, "blocked for the test", result.Message)
	assert.Equal(t, "Bash", gotTool)

	var args struct {
		Command string `json:"command"`
	}
	require.NoError(t, json.Unmarshal(gotInput, &args))
	assert.Equal(t, "rm -rf /", args.Command)
}

func TestQuery_RefusesNilPermit(t *testing.T) {
	rt := New(nil)
	var sawErr error
	for _, err := range rt.Query(context.Background(), agentrt.AgentRequest{Message: "hello"}, nil) {
		sawErr = err
		break
	}
	require.Error(t, sawErr, "running the real backend without a permission callback must fail, not proceed unguarded")
}
