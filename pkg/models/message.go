package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Block type discriminators for ContentBlock.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockDocument   = "document"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is a tagged variant of message content. Type selects which
// of the remaining fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image and document
	MediaType string `json:"media_type,omitempty"`
	Data      []byte `json:"data,omitempty"`

	// document
	Pages int `json:"pages,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock creates a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ImageBlock creates an image content block.
func ImageBlock(mediaType string, data []byte) ContentBlock {
	return ContentBlock{Type: BlockImage, MediaType: mediaType, Data: data}
}

// DocumentBlock creates a document content block.
func DocumentBlock(mediaType string, data []byte, pages int) ContentBlock {
	return ContentBlock{Type: BlockDocument, MediaType: mediaType, Data: data, Pages: pages}
}

// ToolUseBlock creates a tool_use content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock creates a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is a single entry in a conversation log.
type Message struct {
	ID            string         `json:"id"`
	Role          Role           `json:"role"`
	Content       []ContentBlock `json:"content"`
	CreatedAt     time.Time      `json:"created_at"`
	TokenEstimate int            `json:"token_estimate"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// WireMessage is the shape sent to the model API: role plus content blocks,
// with internal bookkeeping fields stripped.
type WireMessage struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// Wire converts the message to its API representation.
func (m *Message) Wire() WireMessage {
	return WireMessage{Role: m.Role, Content: m.Content}
}

// ToolUses returns the tool_use blocks of the message, in order.
func (m *Message) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// ToolResults returns the tool_result blocks of the message, in order.
func (m *Message) ToolResults() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolResult {
			out = append(out, b)
		}
	}
	return out
}

// Text concatenates the text blocks of the message.
func (m *Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolCall represents the model's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Block converts the result to a tool_result content block.
func (r ToolResult) Block() ContentBlock {
	return ToolResultBlock(r.ToolCallID, r.Content, r.IsError)
}

// Usage accumulates token accounting reported by the model API.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add merges usage increments in place.
func (u *Usage) Add(other Usage) {
	if other.InputTokens > 0 {
		u.InputTokens = other.InputTokens
	}
	u.OutputTokens += other.OutputTokens
}

// StopReason reports why the model stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopSequence  StopReason = "stop_sequence"
	StopCancelled StopReason = "cancelled"
)
