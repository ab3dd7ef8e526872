package agent

import (
	"context"

	"github.com/tacitdev/tacit/pkg/models"
)

// CompletionRequest is the provider-neutral shape of one streaming model
// call.
type CompletionRequest struct {
	Model         string
	System        string
	Messages      []models.WireMessage
	Tools         []ToolInfo
	MaxTokens     int
	Temperature   *float64
	TopP          *float64
	TopK          *int
	StopSequences []string
	Metadata      map[string]string
}

// StreamEventKind tags events emitted by the streaming engine.
type StreamEventKind string

const (
	StreamMessageStart StreamEventKind = "message_start"
	StreamBlockStart   StreamEventKind = "block_start"
	StreamTextDelta    StreamEventKind = "text_delta"
	StreamJSONDelta    StreamEventKind = "json_delta"
	StreamBlockStop    StreamEventKind = "block_stop"
	StreamUsageUpdate  StreamEventKind = "usage_update"
	StreamMessageStop  StreamEventKind = "message_stop"
	StreamParseError   StreamEventKind = "parse_error"
	StreamCancelled    StreamEventKind = "cancelled"
	StreamRedirect     StreamEventKind = "redirect"
	StreamError        StreamEventKind = "error"
)

// StreamEvent is one event from the streaming engine. Kind selects which
// fields are meaningful.
type StreamEvent struct {
	Kind StreamEventKind

	// block_start, text_delta, json_delta, block_stop
	Index     int
	BlockType string
	Text      string
	Partial   string

	// usage_update, message_stop
	Usage      models.Usage
	StopReason models.StopReason

	// message_stop: final content blocks in index order
	Final []models.ContentBlock

	// redirect
	RedirectFrom   string
	RedirectTo     string
	RedirectStatus int

	// parse_error, error, cancelled
	Err error
}

// ModelClient is the streaming engine's face to the loop: one call, one
// lazily consumed event sequence ending in message_stop, cancelled, or
// error.
type ModelClient interface {
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error)
}
