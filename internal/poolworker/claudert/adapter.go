// Package claudert adapts github.com/wagiedev/claude-agent-sdk-go's
// Query iterator to agentrt.Runtime, the worker's opaque agent backend
// interface. It is the one place in the tree that imports the real SDK.
package claudert

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"

	claudesdk "github.com/wagiedev/claude-agent-sdk-go"

	"github.com/eenlars/alive-sub006/internal/agentrt"
)

// Runtime wraps claudesdk.Query as an agentrt.Runtime.
type Runtime struct {
	Logger *slog.Logger
}

// New returns a Runtime that logs through log, or silently if log is nil.
func New(log *slog.Logger) *Runtime {
	return &Runtime{Logger: log}
}

// Query translates one AgentRequest into claudesdk.Option values and
// streams claudesdk's Message/error iterator back out as agentrt.Message.
//
// permit is mandatory: it is wired into the SDK's CanUseTool hook so every
// tool invocation the backend attempts is decided by the worker's own
// permission callback before it runs. A nil permit refuses the query
// outright; running the real backend without tool-permission enforcement
// is never an acceptable fallback.
func (r *Runtime) Query(ctx context.Context, req agentrt.AgentRequest, permit agentrt.PermissionFunc) iter.Seq2[agentrt.Message, error] {
	if permit == nil {
		return func(yield func(agentrt.Message, error) bool) {
			yield(agentrt.Message{}, errors.New("claudert: no tool-permission callback provided; refusing to run an unguarded query"))
		}
	}

	opts := []claudesdk.Option{
		claudesdk.WithPermissionMode(permissionModeOrDefault(req.Config.PermissionMode)),
		claudesdk.WithCanUseTool(canUseTool(permit)),
	}
	if r.Logger != nil {
		opts = append(opts, claudesdk.WithLogger(r.Logger))
	}
	if req.MaxTurns > 0 {
		opts = append(opts, claudesdk.WithMaxTurns(req.MaxTurns))
	}

	return func(yield func(agentrt.Message, error) bool) {
		sessionSent := false
		count := 0

		for msg, err := range claudesdk.Query(ctx, req.Message, opts...) {
			if err != nil {
				if !yield(agentrt.Message{}, err) {
					return
				}
				continue
			}

			switch m := msg.(type) {
			case *claudesdk.ResultMessage:
				payload, marshalErr := json.Marshal(m)
				if marshalErr != nil {
					if !yield(agentrt.Message{}, marshalErr) {
						return
					}
					continue
				}
				var value any
				_ = json.Unmarshal(payload, &value)
				if !yield(agentrt.Message{Kind: agentrt.KindResult, Result: &agentrt.Result{
					TotalMessages: count,
					Value:         value,
				}}, nil) {
					return
				}
			default:
				if !sessionSent {
					sessionSent = true
					if !yield(agentrt.Message{Kind: agentrt.KindInit}, nil) {
						return
					}
				}
				payload, marshalErr := json.Marshal(m)
				if marshalErr != nil {
					if !yield(agentrt.Message{}, marshalErr) {
						return
					}
					continue
				}
				count++
				if !yield(agentrt.Message{Kind: agentrt.KindContent, Content: json.RawMessage(payload)}, nil) {
					return
				}
			}
		}
	}
}

// canUseTool bridges the SDK's can_use_tool control callback (tool name
// plus decoded input object, answered with an allow/deny behavior) onto an
// agentrt.PermissionFunc, which takes the input as raw JSON for deny-list
// pattern matching.
func canUseTool(permit agentrt.PermissionFunc) func(ctx context.Context, toolName string, input map[string]any) (claudesdk.PermissionResult, error) {
	return func(ctx context.Context, toolName string, input map[string]any) (claudesdk.PermissionResult, error) {
		raw, err := json.Marshal(input)
		if err != nil {
			raw = nil
		}
		return permissionResultFor(permit(toolName, raw)), nil
	}
}

// permissionResultFor maps a PermissionDecision onto the wire behavior the
// CLI's can_use_tool response expects.
func permissionResultFor(decision agentrt.PermissionDecision) claudesdk.PermissionResult {
	if decision.Allow {
		return claudesdk.PermissionResult{Behavior: "allow"}
	}
	return claudesdk.PermissionResult{Behavior: "deny", Message: decision.Reason}
}

func permissionModeOrDefault(mode string) string {
	if mode == "" {
		return "default"
	}
	return mode
}
