// Package agent implements the execution core: the tool registry, the
// dispatch harness every tool invocation flows through, and the agent loop
// that drives streaming model calls and reconciles tool results back into
// the conversation.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrorKind categorizes a failure in the execution pipeline.
type ErrorKind string

const (
	ErrInvalidParameters ErrorKind = "invalid_parameters"
	ErrPermissionDenied  ErrorKind = "permission_denied"
	ErrToolNotFound      ErrorKind = "tool_not_found"
	ErrForbiddenPath     ErrorKind = "forbidden_path"
	ErrTimeout           ErrorKind = "timeout"
	ErrCancelled         ErrorKind = "cancelled"
	ErrExecutionFailed   ErrorKind = "execution_failed"
	ErrNetwork           ErrorKind = "network"
	ErrRateLimit         ErrorKind = "rate_limit"
	ErrServerTransient   ErrorKind = "server_transient"
	ErrClient            ErrorKind = "client_error"
	ErrCircuitOpen       ErrorKind = "circuit_open"
	ErrParse             ErrorKind = "parse_error"
	ErrRetriesExhausted  ErrorKind = "max_retries_exceeded"
)

// Retryable reports whether the kind suggests a retry may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrTimeout, ErrNetwork, ErrRateLimit, ErrServerTransient, ErrCircuitOpen:
		return true
	}
	return false
}

// Phase names the dispatch phase an error originated from.
type Phase string

const (
	PhaseResolve    Phase = "resolve"
	PhaseValidate   Phase = "validate"
	PhasePermission Phase = "permission"
	PhaseInvoke     Phase = "invoke"
	PhaseFormat     Phase = "format"
	PhaseStream     Phase = "stream"
)

// Error is the typed error carried across the execution core. Input is
// stored redacted; never attach raw tool input.
type Error struct {
	ID         string
	Kind       ErrorKind
	Phase      Phase
	Tool       string
	Message    string
	Suggestion string
	Input      string
	Timestamp  time.Time
	Cause      error
}

// NewError creates an error of the given kind with a fresh id.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{
		ID:        uuid.New().String(),
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WithPhase records the originating dispatch phase.
func (e *Error) WithPhase(p Phase) *Error {
	e.Phase = p
	return e
}

// WithTool records the tool name.
func (e *Error) WithTool(name string) *Error {
	e.Tool = name
	return e
}

// WithInput attaches the invocation input, redacted first.
func (e *Error) WithInput(input []byte) *Error {
	e.Input = RedactJSON(input)
	return e
}

// WithSuggestion attaches a structured recovery hint for the UI.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// WithCause wraps the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	if e.Tool != "" {
		parts = append(parts, e.Tool)
	}
	if e.Phase != "" {
		parts = append(parts, fmt.Sprintf("(%s)", e.Phase))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the error's kind is retryable.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// KindOf extracts the error kind, mapping context sentinels to their kinds
// and defaulting to execution_failed for plain errors.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrExecutionFailed
}
