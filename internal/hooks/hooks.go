// Package hooks provides the event bus fired around tool invocations and
// agent-loop transitions. Handler errors are logged, never fatal: a broken
// hook must not abort a dispatch.
package hooks

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the category of hook event.
type EventType string

const (
	// EventToolPre fires before a tool's invoke phase.
	EventToolPre EventType = "tool:pre"

	// EventToolPost fires after a tool's invoke phase, carrying the result.
	EventToolPost EventType = "tool:post"

	// EventLoopTurn fires at the start of each agent-loop turn.
	EventLoopTurn EventType = "loop:turn"

	// EventLoopDone fires when an agent loop finishes.
	EventLoopDone EventType = "loop:done"

	// EventTaskExit fires when a background task leaves the running state.
	EventTaskExit EventType = "task:exit"

	// EventCompaction fires after the conversation store compacts.
	EventCompaction EventType = "conversation:compacted"
)

// Event is the payload delivered to handlers.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Tool fields, set for tool:pre and tool:post.
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Result   any             `json:"result,omitempty"`

	// Fields holds event-specific extras.
	Fields map[string]any `json:"fields,omitempty"`

	Err error `json:"-"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(t EventType) *Event {
	return &Event{Type: t, Timestamp: time.Now()}
}

// WithSession sets the session id.
func (e *Event) WithSession(id string) *Event {
	e.SessionID = id
	return e
}

// WithTool sets the tool name and input.
func (e *Event) WithTool(name string, input json.RawMessage) *Event {
	e.ToolName = name
	e.Input = input
	return e
}

// WithResult attaches the tool result.
func (e *Event) WithResult(result any) *Event {
	e.Result = result
	return e
}

// WithField adds an event-specific extra.
func (e *Event) WithField(key string, value any) *Event {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithError attaches an error.
func (e *Event) WithError(err error) *Event {
	e.Err = err
	return e
}

// Handler processes a hook event. Handlers should be fast; long work belongs
// on a goroutine.
type Handler func(ctx context.Context, event *Event) error

// Priority orders handlers for one event type; lower runs earlier.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 50
	PriorityLow    Priority = 100
)
