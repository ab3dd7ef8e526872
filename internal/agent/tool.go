package agent

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tacitdev/tacit/internal/hooks"
	"github.com/tacitdev/tacit/internal/tools/policy"
	"github.com/tacitdev/tacit/pkg/models"
)

// Tool is the interface every tool implements. Optional behaviors —
// semantic validation, permission checks, progress streaming, result
// formatting, concurrency declarations — are separate capability
// interfaces the harness probes for, with defaults when absent.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, ec *ExecContext, input json.RawMessage) (*models.ToolResult, error)
}

// Validator is implemented by tools with semantic checks beyond the JSON
// schema (absolute paths, mutually exclusive flags). Violations are
// returned as a list of human-readable strings.
type Validator interface {
	ValidateInput(input json.RawMessage) []string
}

// PermissionChecker is implemented by tools that refine the gate's
// decision. Default: the gate's outcome stands.
type PermissionChecker interface {
	CheckPermissions(input json.RawMessage, state *AppState) policy.Outcome
}

// Streamer is implemented by tools that emit progress before their result.
// Execute is not called for streamers; the event channel must deliver zero
// or more progress payloads and close after the result is set.
type Streamer interface {
	Stream(ctx context.Context, ec *ExecContext, input json.RawMessage, progress func(any)) (*models.ToolResult, error)
}

// ResultFormatter converts a tool result into the content block embedded in
// the conversation. Default: a plain tool_result block.
type ResultFormatter interface {
	FormatResult(result *models.ToolResult) models.ContentBlock
}

// ConcurrencyDeclarer marks a tool safe to run in parallel with other
// concurrency-safe tools. Default: not safe.
type ConcurrencyDeclarer interface {
	ConcurrencySafe() bool
}

// ConflictKeyer lets a concurrency-safe tool serialize invocations that
// touch the same resource: calls with equal non-empty keys never overlap.
type ConflictKeyer interface {
	ConflictKey(input json.RawMessage) string
}

// ReadOnlyDeclarer marks a tool as having no side effects. Default: false.
type ReadOnlyDeclarer interface {
	ReadOnly() bool
}

func toolConcurrencySafe(t Tool) bool {
	if d, ok := t.(ConcurrencyDeclarer); ok {
		return d.ConcurrencySafe()
	}
	return false
}

func toolConflictKey(t Tool, input json.RawMessage) string {
	if k, ok := t.(ConflictKeyer); ok {
		return k.ConflictKey(input)
	}
	return ""
}

// AppState is the per-session shared state handed to tools: the permission
// gate plus component-registered accessors (task tables, shell pools).
type AppState struct {
	Gate *policy.Gate

	mu     sync.RWMutex
	values map[string]any
}

// NewAppState creates app state around a permission gate.
func NewAppState(gate *policy.Gate) *AppState {
	return &AppState{Gate: gate, values: make(map[string]any)}
}

// Set registers a shared component under a key.
func (s *AppState) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Value retrieves a shared component.
func (s *AppState) Value(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// ExecContext is the per-invocation bundle passed into every tool.
type ExecContext struct {
	SessionID string
	WorkDir   string
	Env       map[string]string
	State     *AppState
	Hooks     *hooks.Bus
}
