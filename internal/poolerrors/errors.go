// Package poolerrors defines the worker pool's error taxonomy: admission
// errors, payload errors, worker lifecycle errors, runtime errors, and
// internal invariant violations. Every error the pool surfaces to a caller
// is a *PoolError wrapping one of the sentinel Err* values below, so callers
// can branch with errors.Is while still getting a human-readable message.
package poolerrors

import (
	"errors"
	"fmt"
)

// Code identifies the category of a pool error.
type Code string

const (
	// Admission errors: the request never contacted a worker.
	CodeShuttingDown    Code = "SHUTTING_DOWN"
	CodeGlobalLimit     Code = "GLOBAL_LIMIT"
	CodeUserLimit       Code = "USER_LIMIT"
	CodeWorkspaceLimit  Code = "WORKSPACE_LIMIT"
	CodeLoadShed        Code = "LOAD_SHED"

	// Payload errors.
	CodeInvalidPayload Code = "INVALID_PAYLOAD"

	// Worker lifecycle errors.
	CodeWorkerSpawnFailed  Code = "WORKER_SPAWN_FAILED"
	CodeWorkerReadyTimeout Code = "WORKER_READY_TIMEOUT"
	CodeWorkerCrashed      Code = "WORKER_CRASHED"
	CodeWorkerKilled       Code = "WORKER_KILLED"

	// Runtime errors.
	CodeAgentRuntimeError Code = "AGENT_RUNTIME_ERROR"

	// Internal invariant violations.
	CodeInternalError Code = "INTERNAL_ERROR"
)

// Sentinel base errors. Use errors.Is(err, poolerrors.ErrUserLimit) etc.
var (
	ErrShuttingDown       = errors.New("pool is shutting down")
	ErrGlobalLimit        = errors.New("global queue depth exceeded")
	ErrUserLimit          = errors.New("per-owner queue limit exceeded")
	ErrWorkspaceLimit     = errors.New("per-workspace queue limit exceeded")
	ErrLoadShed           = errors.New("load shedding active")
	ErrInvalidPayload     = errors.New("invalid agent request payload")
	ErrWorkerSpawnFailed  = errors.New("worker failed to spawn")
	ErrWorkerReadyTimeout = errors.New("worker did not become ready in time")
	ErrWorkerCrashed      = errors.New("worker crashed")
	ErrWorkerKilled       = errors.New("worker was force-killed")
	ErrAgentRuntimeError  = errors.New("agent runtime error")
	ErrInternalError      = errors.New("internal invariant violation")
)

var sentinelByCode = map[Code]error{
	CodeShuttingDown:       ErrShuttingDown,
	CodeGlobalLimit:        ErrGlobalLimit,
	CodeUserLimit:          ErrUserLimit,
	CodeWorkspaceLimit:     ErrWorkspaceLimit,
	CodeLoadShed:           ErrLoadShed,
	CodeInvalidPayload:     ErrInvalidPayload,
	CodeWorkerSpawnFailed:  ErrWorkerSpawnFailed,
	CodeWorkerReadyTimeout: ErrWorkerReadyTimeout,
	CodeWorkerCrashed:      ErrWorkerCrashed,
	CodeWorkerKilled:       ErrWorkerKilled,
	CodeAgentRuntimeError:  ErrAgentRuntimeError,
	CodeInternalError:      ErrInternalError,
}

// PoolError is the concrete error type surfaced across the pool's public
// API. Detail carries structured context (the offending limit and current
// depth for admission errors, field-level reasons for payload errors, the
// runtime's stack/stderr tail for runtime errors).
type PoolError struct {
	Code    Code
	Message string
	Detail  map[string]any
	Err     error // wrapped cause, if any
}

func (e *PoolError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *PoolError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return sentinelByCode[e.Code]
}

// Is reports whether target is the sentinel for e's Code, so errors.Is
// matches the category even when Err holds a different underlying cause.
func (e *PoolError) Is(target error) bool {
	return target != nil && target == sentinelByCode[e.Code]
}

// New builds a *PoolError for the given code with a message and optional detail.
func New(code Code, message string, detail map[string]any) *PoolError {
	return &PoolError{Code: code, Message: message, Detail: detail}
}

// Wrap builds a *PoolError that also carries the original cause.
func Wrap(code Code, message string, err error) *PoolError {
	return &PoolError{Code: code, Message: message, Err: err}
}

// Admission convenience constructors. Each limit error carries the
// offending limit and the current depth; NewShuttingDown carries no detail.

func NewShuttingDown() *PoolError {
	return New(CodeShuttingDown, "pool is shutting down", nil)
}

func NewGlobalLimit(limit, current int) *PoolError {
	return New(CodeGlobalLimit, "global queue depth exceeded", map[string]any{
		"limit": limit, "current": current,
	})
}

func NewUserLimit(ownerKey string, limit, current int) *PoolError {
	return New(CodeUserLimit, "per-owner queue limit exceeded", map[string]any{
		"ownerKey": ownerKey, "limit": limit, "current": current,
	})
}

func NewWorkspaceLimit(workspaceKey string, limit, current int) *PoolError {
	return New(CodeWorkspaceLimit, "per-workspace queue limit exceeded", map[string]any{
		"workspaceKey": workspaceKey, "limit": limit, "current": current,
	})
}

func NewLoadShed(threshold, activeWorkers int) *PoolError {
	return New(CodeLoadShed, "load shedding active", map[string]any{
		"threshold": threshold, "activeWorkers": activeWorkers,
	})
}

// NewInvalidPayload carries the field-level validation reasons.
func NewInvalidPayload(reasons []string) *PoolError {
	return New(CodeInvalidPayload, "invalid agent request payload", map[string]any{
		"reasons": reasons,
	})
}

// NewAgentRuntimeError carries the runtime's message, stack, and stderr tail.
func NewAgentRuntimeError(message, stack string, stderrTail []string) *PoolError {
	return New(CodeAgentRuntimeError, message, map[string]any{
		"stack":      stack,
		"stderrTail": stderrTail,
	})
}
