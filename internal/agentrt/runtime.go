// Package agentrt models the opaque agent runtime the worker process links
// against: a streaming function that, given a prompt and options, yields an
// async sequence of messages ending in either a terminal result or an error.
// The pool treats this package's Runtime interface as a black box; only
// cmd/alive-worker, internal/poolworker and their tests know any concrete
// implementation.
//
// The Query shape is grounded directly on other_examples' claude-agent-sdk-go
// Query(ctx, prompt, opts...) iter.Seq2[Message, error]: a Go range-over-func
// iterator is the idiomatic replacement for "async sequence of messages
// ending in a terminal result or an exception."
package agentrt

import (
	"context"
	"encoding/json"
	"iter"
)

// MessageKind discriminates the variants a Runtime may yield.
type MessageKind string

const (
	// KindInit is yielded once, first, when the runtime has established a
	// session. The pool forwards it to the caller as a "session" message.
	KindInit MessageKind = "init"
	// KindContent is yielded for every subsequent streamed chunk. The pool
	// forwards it to the caller as a "message" message.
	KindContent MessageKind = "content"
	// KindResult is the terminal success message; no message follows it.
	KindResult MessageKind = "result"
)

// Message is one element of a Runtime's streamed output.
type Message struct {
	Kind MessageKind

	// SessionID is set only on KindInit.
	SessionID string

	// Content is set only on KindContent: an opaque, already-serialized
	// chunk the pool forwards to the caller verbatim.
	Content json.RawMessage

	// Result is set only on KindResult.
	Result *Result
}

// Result is the payload of a terminal KindResult message.
type Result struct {
	TotalMessages int
	Value         any
}

// PermissionDecision is returned by a PermissionFunc for one tool-use
// attempt.
type PermissionDecision struct {
	Allow  bool
	Reason string
}

// Allowed and Denied are the two canonical decisions; use Denied(reason)
// when a reason should be surfaced to the runtime/caller for diagnostics.
func Allowed() PermissionDecision { return PermissionDecision{Allow: true} }

func Denied(reason string) PermissionDecision {
	return PermissionDecision{Allow: false, Reason: reason}
}

// PermissionFunc is consulted by the runtime before every tool invocation.
// input is the tool's opaque call arguments, passed through for deny-list
// pattern matching (e.g. the heavy-Bash deny-list inspects a "command"
// field).
type PermissionFunc func(toolName string, input json.RawMessage) PermissionDecision

// Runtime is the opaque streaming agent the worker process links against.
// Query must respect ctx cancellation: once ctx is done, the iterator must
// stop yielding promptly. Implementations are free to treat "the consumer
// stopped ranging early" (yield returning false) identically to context
// cancellation.
type Runtime interface {
	Query(ctx context.Context, req AgentRequest, permit PermissionFunc) iter.Seq2[Message, error]
}

// StderrTailer is optionally implemented by runtimes that capture their
// backend's stderr (e.g. a subprocess-backed runtime). When a query fails,
// the worker attaches the tail to the error frame for diagnostics.
type StderrTailer interface {
	// StderrTail returns up to maxLines of the most recent stderr output.
	StderrTail(maxLines int) []string
}
