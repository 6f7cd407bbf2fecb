// Package poolipc defines the tagged-union message types exchanged between
// the pool manager and a worker process, and the listener/connector pair
// that ferries them over a per-worker Unix-domain socket.
//
// Messages share one envelope shape, a stable "type" discriminant plus a
// typed payload, rather than an RPC request/response pairing: the
// protocol is a bidirectional event stream.
package poolipc

import (
	"encoding/json"
	"fmt"
)

// Parent -> worker message type tags.
const (
	TypeQuery       = "query"
	TypeCancel      = "cancel"
	TypeShutdown    = "shutdown"
	TypeHealthCheck = "health_check"
)

// Worker -> parent message type tags.
const (
	TypeReady       = "ready"
	TypeSession     = "session"
	TypeMessage     = "message"
	TypeComplete    = "complete"
	TypeError       = "error"
	TypeShutdownAck = "shutdown_ack"
	TypeHealthOK    = "health_ok"
)

// envelope is the wire shape every frame shares: a discriminant plus a
// lazily-decoded payload. Both ToWorker and FromWorker unmarshal through
// it before dispatching on Type.
type envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// ToWorker is the sum type of every message the parent may send a worker.
// Exactly one of the typed fields is non-nil, selected by Type.
type ToWorker struct {
	Type string

	Query       *QueryPayload
	Cancel      *CancelPayload
	Shutdown    *ShutdownPayload
	HealthCheck *HealthCheckPayload
}

// QueryPayload carries a request for the worker to execute.
type QueryPayload struct {
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload"`
}

// CancelPayload asks the worker to cooperatively abort requestId.
type CancelPayload struct {
	RequestID string `json:"requestId"`
}

// ShutdownPayload asks the worker to terminate, optionally finishing any
// in-flight request first.
type ShutdownPayload struct {
	Graceful bool `json:"graceful"`
}

// HealthCheckPayload requests a liveness reply. It carries no fields.
type HealthCheckPayload struct{}

// MarshalJSON flattens ToWorker back into {"type": ..., <payload fields>}.
func (m ToWorker) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case TypeQuery:
		return marshalTagged(TypeQuery, m.Query)
	case TypeCancel:
		return marshalTagged(TypeCancel, m.Cancel)
	case TypeShutdown:
		return marshalTagged(TypeShutdown, m.Shutdown)
	case TypeHealthCheck:
		return marshalTagged(TypeHealthCheck, m.HealthCheck)
	default:
		return nil, fmt.Errorf("poolipc: unknown ToWorker type %q", m.Type)
	}
}

// UnmarshalJSON decodes a raw frame into the variant named by its "type"
// field. An unrecognized type or a payload missing required fields is
// reported as an error; the caller is expected to log and drop it rather
// than trust the peer.
func (m *ToWorker) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	m.Type = env.Type

	switch env.Type {
	case TypeQuery:
		var p QueryPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("poolipc: decode query payload: %w", err)
		}
		if p.RequestID == "" {
			return fmt.Errorf("poolipc: query missing requestId")
		}
		m.Query = &p
	case TypeCancel:
		var p CancelPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("poolipc: decode cancel payload: %w", err)
		}
		if p.RequestID == "" {
			return fmt.Errorf("poolipc: cancel missing requestId")
		}
		m.Cancel = &p
	case TypeShutdown:
		var p ShutdownPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("poolipc: decode shutdown payload: %w", err)
		}
		m.Shutdown = &p
	case TypeHealthCheck:
		m.HealthCheck = &HealthCheckPayload{}
	default:
		return fmt.Errorf("poolipc: unknown message type %q", env.Type)
	}
	return nil
}

// FromWorker is the sum type of every message a worker may send the parent.
type FromWorker struct {
	Type string

	Ready       *ReadyPayload
	Session     *SessionPayload
	Message     *MessagePayload
	Complete    *CompletePayload
	Error       *ErrorPayload
	ShutdownAck *ShutdownAckPayload
	HealthOK    *HealthOKPayload
}

// ReadyPayload is emitted once, after connect + privilege drop, signaling
// the worker can serve requests. It carries no fields.
type ReadyPayload struct{}

// SessionPayload reports the agent runtime's session identifier for a request.
type SessionPayload struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
}

// MessagePayload is one streamed chunk of output for a request.
type MessagePayload struct {
	RequestID string          `json:"requestId"`
	Content   json.RawMessage `json:"content"`
}

// CompleteResult is the terminal success payload's result field.
type CompleteResult struct {
	TotalMessages int  `json:"totalMessages"`
	Result        any  `json:"result,omitempty"`
	Cancelled     bool `json:"cancelled"`
}

// CompletePayload reports terminal success (including cooperative cancellation).
type CompletePayload struct {
	RequestID string         `json:"requestId"`
	Result    CompleteResult `json:"result"`
}

// ErrorPayload reports terminal failure for a request.
type ErrorPayload struct {
	RequestID string   `json:"requestId"`
	Error     string   `json:"error"`
	Stack     string   `json:"stack,omitempty"`
	Stderr    []string `json:"stderr,omitempty"`
}

// ShutdownAckPayload acknowledges a shutdown request. No fields.
type ShutdownAckPayload struct{}

// HealthOKPayload is the liveness reply.
type HealthOKPayload struct {
	UptimeSeconds    float64 `json:"uptime"`
	QueriesProcessed int     `json:"queriesProcessed"`
}

// MarshalJSON flattens FromWorker back into {"type": ..., <payload fields>}.
func (m FromWorker) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case TypeReady:
		return marshalTagged(TypeReady, m.Ready)
	case TypeSession:
		return marshalTagged(TypeSession, m.Session)
	case TypeMessage:
		return marshalTagged(TypeMessage, m.Message)
	case TypeComplete:
		return marshalTagged(TypeComplete, m.Complete)
	case TypeError:
		return marshalTagged(TypeError, m.Error)
	case TypeShutdownAck:
		return marshalTagged(TypeShutdownAck, m.ShutdownAck)
	case TypeHealthOK:
		return marshalTagged(TypeHealthOK, m.HealthOK)
	default:
		return nil, fmt.Errorf("poolipc: unknown FromWorker type %q", m.Type)
	}
}

// UnmarshalJSON decodes a raw frame into the variant named by its "type"
// field, rejecting unknown types or payloads missing required fields.
func (m *FromWorker) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	m.Type = env.Type

	switch env.Type {
	case TypeReady:
		m.Ready = &ReadyPayload{}
	case TypeSession:
		var p SessionPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("poolipc: decode session payload: %w", err)
		}
		if p.RequestID == "" || p.SessionID == "" {
			return fmt.Errorf("poolipc: session missing requestId/sessionId")
		}
		m.Session = &p
	case TypeMessage:
		var p MessagePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("poolipc: decode message payload: %w", err)
		}
		if p.RequestID == "" {
			return fmt.Errorf("poolipc: message missing requestId")
		}
		m.Message = &p
	case TypeComplete:
		var p CompletePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("poolipc: decode complete payload: %w", err)
		}
		if p.RequestID == "" {
			return fmt.Errorf("poolipc: complete missing requestId")
		}
		m.Complete = &p
	case TypeError:
		var p ErrorPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("poolipc: decode error payload: %w", err)
		}
		if p.RequestID == "" || p.Error == "" {
			return fmt.Errorf("poolipc: error missing requestId/error")
		}
		m.Error = &p
	case TypeShutdownAck:
		m.ShutdownAck = &ShutdownAckPayload{}
	case TypeHealthOK:
		var p HealthOKPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("poolipc: decode health_ok payload: %w", err)
		}
		m.HealthOK = &p
	default:
		return fmt.Errorf("poolipc: unknown message type %q", env.Type)
	}
	return nil
}

func marshalTagged(typ string, payload any) ([]byte, error) {
	fields, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(fields, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	typeJSON, err := json.Marshal(typ)
	if err != nil {
		return nil, err
	}
	m["type"] = typeJSON
	return json.Marshal(m)
}

// NewQuery builds a ToWorker query message.
func NewQuery(requestID string, payload json.RawMessage) ToWorker {
	return ToWorker{Type: TypeQuery, Query: &QueryPayload{RequestID: requestID, Payload: payload}}
}

// NewCancel builds a ToWorker cancel message.
func NewCancel(requestID string) ToWorker {
	return ToWorker{Type: TypeCancel, Cancel: &CancelPayload{RequestID: requestID}}
}

// NewShutdown builds a ToWorker shutdown message.
func NewShutdown(graceful bool) ToWorker {
	return ToWorker{Type: TypeShutdown, Shutdown: &ShutdownPayload{Graceful: graceful}}
}

// NewHealthCheck builds a ToWorker health_check message.
func NewHealthCheck() ToWorker {
	return ToWorker{Type: TypeHealthCheck, HealthCheck: &HealthCheckPayload{}}
}

// NewReady builds a FromWorker ready message.
func NewReady() FromWorker {
	return FromWorker{Type: TypeReady, Ready: &ReadyPayload{}}
}

// NewSession builds a FromWorker session message.
func NewSession(requestID, sessionID string) FromWorker {
	return FromWorker{Type: TypeSession, Session: &SessionPayload{RequestID: requestID, SessionID: sessionID}}
}

// NewMessage builds a FromWorker message (streamed chunk).
func NewMessage(requestID string, content json.RawMessage) FromWorker {
	return FromWorker{Type: TypeMessage, Message: &MessagePayload{RequestID: requestID, Content: content}}
}

// NewComplete builds a FromWorker complete message.
func NewComplete(requestID string, result CompleteResult) FromWorker {
	return FromWorker{Type: TypeComplete, Complete: &CompletePayload{RequestID: requestID, Result: result}}
}

// NewError builds a FromWorker error message.
func NewError(requestID, message, stack string, stderr []string) FromWorker {
	return FromWorker{Type: TypeError, Error: &ErrorPayload{
		RequestID: requestID, Error: message, Stack: stack, Stderr: stderr,
	}}
}

// NewShutdownAck builds a FromWorker shutdown_ack message.
func NewShutdownAck() FromWorker {
	return FromWorker{Type: TypeShutdownAck, ShutdownAck: &ShutdownAckPayload{}}
}

// NewHealthOK builds a FromWorker health_ok message.
func NewHealthOK(uptime float64, queriesProcessed int) FromWorker {
	return FromWorker{Type: TypeHealthOK, HealthOK: &HealthOKPayload{
		UptimeSeconds: uptime, QueriesProcessed: queriesProcessed,
	}}
}
