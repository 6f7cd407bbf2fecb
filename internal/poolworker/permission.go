package poolworker

import (
	"encoding/json"

	"github.com/eenlars/alive-sub006/internal/agentrt"
)

// planModeBlockedTools is the "plan-mode blocked set": tools that mutate
// the workspace, banned at the permission-callback layer whenever
// permissionMode is "plan" so a plan-mode query stays exploration-only.
// Kept as a plain data slice, not inline logic, so it stays easy to test
// and extend independently of the callback's ordering.
var planModeBlockedTools = []string{"Write", "Edit", "MultiEdit", "NotebookEdit", "Bash"}

func isPlanModeBlocked(toolName string) bool {
	for _, t := range planModeBlockedTools {
		if t == toolName {
			return true
		}
	}
	return false
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

// bashCommand extracts a "command" field from a tool's opaque input,
// used both for the heavy-Bash deny-list and nothing else; most tools'
// inputs are irrelevant to permission decisions beyond their name.
func bashCommand(input json.RawMessage) (string, bool) {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &args); err != nil || args.Command == "" {
		return "", false
	}
	return args.Command, true
}

// buildPermissionFunc returns the tool-permission callback threaded into
// one query's Runtime.Query call. The check order is fixed: disallowed tools, then the plan-mode blocked set, then the unconditional
// ExitPlanMode deny, then the heavy-Bash deny-list, then the
// allowed/OAuth-MCP allow, and finally deny by default.
func (w *Worker) buildPermissionFunc(req agentrt.AgentRequest) agentrt.PermissionFunc {
	cfg := req.Config
	return func(toolName string, input json.RawMessage) agentrt.PermissionDecision {
		if contains(cfg.DisallowedTools, toolName) {
			return agentrt.Denied("tool is in disallowedTools")
		}
		if cfg.PermissionMode == agentrt.PlanMode && isPlanModeBlocked(toolName) {
			return agentrt.Denied("modification tools are blocked in plan mode")
		}
		if toolName == "ExitPlanMode" {
			return agentrt.Denied("plan exit requires out-of-band user approval")
		}
		if toolName == "Bash" && !w.isSuperadminWorker() {
			if cmd, ok := bashCommand(input); ok {
				if label, blocked := agentrt.IsHeavyBashCommand(cmd, agentrt.DefaultHeavyBashDenyList); blocked {
					return agentrt.Denied("heavy bash command blocked: " + label)
				}
			}
		}
		if contains(cfg.AllowedTools, toolName) {
			return agentrt.Allowed()
		}
		if provider, tool, ok := splitOAuthMCPTool(toolName); ok {
			if conn, exists := cfg.OAuthMCPServers[provider]; exists && contains(conn.Tools, tool) {
				return agentrt.Allowed()
			}
		}
		return agentrt.Denied("tool not in allowedTools or a connected OAuth MCP server")
	}
}

// isSuperadminWorker reports whether this worker was spawned with the
// superuser-passthrough credential pair (0, 0), in which case the
// heavy-Bash deny-list does not apply.
func (w *Worker) isSuperadminWorker() bool {
	return w.cfg.TargetUID == 0 && w.cfg.TargetGID == 0
}

// splitOAuthMCPTool recognizes the "mcp__<provider>__<tool>" naming
// convention MCP-backed tools use, so an OAuth-connected provider's tools
// can be allowed without enumerating every one in allowedTools.
func splitOAuthMCPTool(toolName string) (provider, tool string, ok bool) {
	const prefix = "mcp__"
	if len(toolName) <= len(prefix) || toolName[:len(prefix)] != prefix {
		return "", "", false
	}
	rest := toolName[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '_' && i+1 < len(rest) && rest[i+1] == '_' {
			return rest[:i], rest[i+2:], true
		}
	}
	return "", "", false
}
