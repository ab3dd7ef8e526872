package anthropic

import (
	"encoding/base64"
	"encoding/json"

	"github.com/tacitdev/tacit/internal/agent"
	"github.com/tacitdev/tacit/pkg/models"
)

// Wire shapes for the messages endpoint. Kept separate from pkg/models so
// the internal representation can evolve without touching the API contract.

type wireBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *wireSource `json:"source,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type wireSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type wireRequestMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireRequest struct {
	Model         string               `json:"model"`
	MaxTokens     int                  `json:"max_tokens"`
	Messages      []wireRequestMessage `json:"messages"`
	System        string               `json:"system,omitempty"`
	Tools         []wireTool           `json:"tools,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	TopK          *int                 `json:"top_k,omitempty"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Metadata      map[string]string    `json:"metadata,omitempty"`
	Stream        bool                 `json:"stream"`
}

func wireContentBlock(b models.ContentBlock) wireBlock {
	switch b.Type {
	case models.BlockImage, models.BlockDocument:
		return wireBlock{
			Type: b.Type,
			Source: &wireSource{
				Type:      "base64",
				MediaType: b.MediaType,
				Data:      base64.StdEncoding.EncodeToString(b.Data),
			},
		}
	case models.BlockToolUse:
		input := b.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		return wireBlock{Type: b.Type, ID: b.ID, Name: b.Name, Input: input}
	case models.BlockToolResult:
		return wireBlock{Type: b.Type, ToolUseID: b.ToolUseID, Content: b.Content, IsError: b.IsError}
	default:
		return wireBlock{Type: models.BlockText, Text: b.Text}
	}
}

// buildRequest translates the provider-neutral request into the endpoint's
// wire shape. Leading system messages fold into the system prompt; system
// messages appearing mid-history (compaction summaries) are carried as user
// turns since the endpoint only accepts user and assistant roles.
func buildRequest(req agent.CompletionRequest, defaultModel string, defaultMaxTokens int) wireRequest {
	out := wireRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		System:        req.System,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.StopSequences,
		Metadata:      req.Metadata,
		Stream:        true,
	}
	if out.Model == "" {
		out.Model = defaultModel
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}

	leading := true
	for _, m := range req.Messages {
		role := string(m.Role)
		if m.Role == models.RoleSystem {
			if leading {
				for _, b := range m.Content {
					if b.Type == models.BlockText {
						if out.System != "" {
							out.System += "\n\n"
						}
						out.System += b.Text
					}
				}
				continue
			}
			role = string(models.RoleUser)
		}
		leading = false

		blocks := make([]wireBlock, 0, len(m.Content))
		for _, b := range m.Content {
			blocks = append(blocks, wireContentBlock(b))
		}
		out.Messages = append(out.Messages, wireRequestMessage{Role: role, Content: blocks})
	}

	for _, t := range req.Tools {
		schema := t.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out.Tools = append(out.Tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out
}
