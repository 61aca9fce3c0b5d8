// Package agentruntime drives the agent tool loop (spec.md §4.7), grounded
// in the reference's controlplane/llm/llm_provider.go (Provider interface)
// and llm/llm_task.go (multi-turn iterate-until-terminal loop, truncation
// helper), generalized from one implicit shell-command tool to a named
// tool registry with policy enforcement per call.
package agentruntime

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a runtime failure the way callers need to branch on
// (spec.md §4.7: "errors carry a kind").
type ErrorKind string

const (
	ErrKindAuth                ErrorKind = "auth_error"
	ErrKindRateLimit           ErrorKind = "rate_limit"
	ErrKindContextLength       ErrorKind = "context_length"
	ErrKindUnsupportedProvider ErrorKind = "unsupported_provider"
	ErrKindTimeout             ErrorKind = "timeout"
	ErrKindCancelled           ErrorKind = "cancelled"
	ErrKindMaxIterations       ErrorKind = "max_iterations"
	ErrKindAgent               ErrorKind = "agent_error"
)

// Error is a typed agent runtime failure.
type Error struct {
	Kind ErrorKind

	// RetryAfterMs is set for ErrKindRateLimit.
	RetryAfterMs int64
	// TimeoutMs, Agent, Action are set for ErrKindTimeout.
	TimeoutMs int64
	Agent     string
	Action    string

	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("agentruntime: %s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("agentruntime: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("agentruntime: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// ErrCredentialNotConfigured is the typed "api key not configured" failure
// the credential resolver fails fast with (spec.md §4.7).
var ErrCredentialNotConfigured = errors.New("agentruntime: api key not configured")

// NewAuthError, NewRateLimitError, etc. construct typed Errors for each kind
// in the taxonomy.
func NewAuthError(err error) *Error { return newError(ErrKindAuth, err) }

func NewRateLimitError(retryAfterMs int64, err error) *Error {
	e := newError(ErrKindRateLimit, err)
	e.RetryAfterMs = retryAfterMs
	return e
}

func NewContextLengthError(err error) *Error { return newError(ErrKindContextLength, err) }

func NewUnsupportedProviderError(provider string) *Error {
	return &Error{Kind: ErrKindUnsupportedProvider, Message: fmt.Sprintf("unsupported provider %q", provider)}
}

func NewTimeoutError(timeoutMs int64, agent, action string) *Error {
	return &Error{Kind: ErrKindTimeout, TimeoutMs: timeoutMs, Agent: agent, Action: action}
}

func NewCancelledError() *Error { return &Error{Kind: ErrKindCancelled} }

func NewMaxIterationsError(maxIterations int) *Error {
	return &Error{Kind: ErrKindMaxIterations, Message: fmt.Sprintf("exceeded %d iterations", maxIterations)}
}

func NewAgentError(err error) *Error { return newError(ErrKindAgent, err) }

func kindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ErrKindAgent
}

func IsAuthError(err error) bool          { return kindOf(err) == ErrKindAuth }
func IsRateLimit(err error) bool          { return kindOf(err) == ErrKindRateLimit }
func IsContextLength(err error) bool      { return kindOf(err) == ErrKindContextLength }
func IsUnsupportedProvider(err error) bool { return kindOf(err) == ErrKindUnsupportedProvider }
func IsTimeout(err error) bool            { return kindOf(err) == ErrKindTimeout }
func IsCancelled(err error) bool          { return kindOf(err) == ErrKindCancelled }
func IsMaxIterations(err error) bool      { return kindOf(err) == ErrKindMaxIterations }

// classifyProviderError maps a provider.Complete error to the runtime's
// typed taxonomy by inspecting the classification markers
// internal/provider's Anthropic/OpenAI providers wrap their errors with
// (e.g. "anthropic rate_limit: ...").
func classifyProviderError(err error) *Error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "auth_error"):
		return NewAuthError(err)
	case containsAny(msg, "rate_limit"):
		return NewRateLimitError(0, err)
	case containsAny(msg, "context_length"):
		return NewContextLengthError(err)
	default:
		return NewAgentError(err)
	}
}

func containsAny(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
