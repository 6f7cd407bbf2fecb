// Package fakert provides an in-process agentrt.Runtime test double so pool
// and worker tests never depend on the real agent runtime. Its message
// sequence (init, N content chunks, terminal result) mirrors the one
// documented in other_examples' claude-agent-sdk-go Query: an init/session
// message, assistant content messages, then a ResultMessage.
package fakert

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/eenlars/alive-sub006/internal/agentrt"
)

// Runtime is a configurable fake. Each call to Query replays Script,
// pausing StepDelay between messages so tests can observe partial
// progress (and cancel mid-stream) deterministically.
type Runtime struct {
	// Script is the content payloads yielded after the init message, one
	// KindContent message per entry.
	Script []string
	// StepDelay is slept before yielding the init message and each
	// content message; the result message follows without a delay. Zero
	// means no delay.
	StepDelay time.Duration
	// FailWith, if non-nil, is yielded as a terminal error instead of a
	// result after the script runs out.
	FailWith error
	// FailAfterResult, if true, yields FailWith *after* a successful
	// result message, exercising the "runtime threw after yielding a
	// terminal result" rule.
	FailAfterResult bool
	// DeniedTool, if set, is queried for permission once via permit
	// before the script runs, purely so tests can assert the callback
	// wiring; the fake does not enforce the decision itself.
	DeniedTool string
	// StderrLines stands in for captured backend stderr, returned by
	// StderrTail so tests can assert error frames carry the tail.
	StderrLines []string

	queries int32
}

// StderrTail implements agentrt.StderrTailer over the scripted StderrLines.
func (r *Runtime) StderrTail(maxLines int) []string {
	if len(r.StderrLines) <= maxLines {
		return r.StderrLines
	}
	return r.StderrLines[len(r.StderrLines)-maxLines:]
}

// QueriesStarted reports how many times Query has been called, for tests
// asserting the worker enforces "at most one in-flight request."
func (r *Runtime) QueriesStarted() int32 {
	return atomic.LoadInt32(&r.queries)
}

func (r *Runtime) Query(ctx context.Context, req agentrt.AgentRequest, permit agentrt.PermissionFunc) iter.Seq2[agentrt.Message, error] {
	atomic.AddInt32(&r.queries, 1)
	return func(yield func(agentrt.Message, error) bool) {
		if r.DeniedTool != "" && permit != nil {
			_ = permit(r.DeniedTool, nil)
		}

		sleep := func() bool {
			if r.StepDelay <= 0 {
				return true
			}
			select {
			case <-ctx.Done():
				return false
			case <-time.After(r.StepDelay):
				return true
			}
		}

		if !sleep() {
			return
		}
		if !yield(agentrt.Message{Kind: agentrt.KindInit, SessionID: fmt.Sprintf("fake-session-%d", atomic.LoadInt32(&r.queries))}, nil) {
			return
		}

		for i, chunk := range r.Script {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if !sleep() {
				return
			}
			if !yield(agentrt.Message{Kind: agentrt.KindContent, Content: []byte(fmt.Sprintf(`{"i":%d,"text":%q}`, i, chunk))}, nil) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		if r.FailWith != nil && !r.FailAfterResult {
			yield(agentrt.Message{}, r.FailWith)
			return
		}

		if !yield(agentrt.Message{Kind: agentrt.KindResult, Result: &agentrt.Result{
			TotalMessages: len(r.Script) + 1,
			Value:         "ok",
		}}, nil) {
			return
		}

		if r.FailWith != nil && r.FailAfterResult {
			yield(agentrt.Message{}, r.FailWith)
		}
	}
}
