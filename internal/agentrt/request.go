package agentrt

import (
	"fmt"
	"regexp"
)

// StreamTypes flags which worker->parent message variants a caller wants to
// receive. All four correspond 1:1 to the wire message types in
// internal/poolipc (session, message, complete, error).
type StreamTypes struct {
	Session  bool
	Message  bool
	Complete bool
	Error    bool
}

// DefaultStreamTypes requests every variant, the common case.
func DefaultStreamTypes() StreamTypes {
	return StreamTypes{Session: true, Message: true, Complete: true, Error: true}
}

// OAuthMCPConnection describes one OAuth-authorized MCP tool provider
// currently connected for the calling user. A provider's tools are
// allowed only while the provider is connected.
type OAuthMCPConnection struct {
	Provider string
	Tools    []string
}

// AgentConfig is the structured record validated at the worker boundary
// before a query is allowed to start.
type AgentConfig struct {
	AllowedTools     []string
	DisallowedTools  []string
	PermissionMode   string // "default", "plan", "acceptEdits", "bypassPermissions"
	SettingSources   []string
	OAuthMCPServers  map[string]OAuthMCPConnection
	StreamTypes      StreamTypes
}

// PlanMode is the permission mode that bans modification tools at the
// permission-callback layer (exploration only).
const PlanMode = "plan"

// AgentRequest is the envelope the pool forwards to a worker largely
// opaque, except for structural validation at the worker boundary.
type AgentRequest struct {
	Message string
	Config  AgentConfig

	// Optional fields.
	Model           string
	SystemPrompt    string
	Resume          string
	ResumeSessionAt string
	MaxTurns        int // 0 means unset
	APIKey          string
	SessionCookie   string
	OAuthTokens     map[string]string
	// UserEnvKeys are exported into the worker's environment as USER_<NAME>
	// before the query runs, and cleared before the next one.
	UserEnvKeys map[string]string
}

var userEnvKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Validate performs the structural validation the worker boundary applies
// to every incoming AgentRequest. It returns every
// field-level reason it finds, not just the first, so a single
// INVALID_PAYLOAD error can report them all at once.
func (r AgentRequest) Validate() []string {
	var reasons []string

	if r.Message == "" {
		reasons = append(reasons, "message must not be empty")
	}
	if r.MaxTurns < 0 {
		reasons = append(reasons, "maxTurns must be a positive integer")
	}
	switch r.Config.PermissionMode {
	case "", "default", PlanMode, "acceptEdits", "bypassPermissions":
	default:
		reasons = append(reasons, fmt.Sprintf("permissionMode %q is not recognized", r.Config.PermissionMode))
	}
	for name := range r.UserEnvKeys {
		if !userEnvKeyPattern.MatchString(name) {
			reasons = append(reasons, fmt.Sprintf("userEnvKeys name %q must match [A-Z][A-Z0-9_]*", name))
		}
	}
	return reasons
}
