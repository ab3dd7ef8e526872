package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tacitdev/tacit/internal/agent"
	"github.com/tacitdev/tacit/pkg/models"
)

// WriteTool writes files atomically. Overwriting an existing file requires
// that it was read this session and has not changed since, unless the call
// sets force.
type WriteTool struct {
	resolver Resolver
	tracker  *Tracker
}

// NewWriteTool creates a write tool scoped to the workspace.
func NewWriteTool(cfg Config, tracker *Tracker) *WriteTool {
	return &WriteTool{resolver: Resolver{Root: cfg.Workspace}, tracker: tracker}
}

func (t *WriteTool) Name() string { return "write" }

func (t *WriteTool) Description() string {
	return "Write content to a workspace file. Existing files must be read before being overwritten unless force is set."
}

func (t *WriteTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {
				"type": "string",
				"description": "Path to write (relative to workspace or absolute within it)."
			},
			"content": {
				"type": "string",
				"description": "Full file contents to write."
			},
			"force": {
				"type": "boolean",
				"description": "Overwrite even if the file was not read this session."
			}
		},
		"required": ["file_path", "content"],
		"additionalProperties": false
	}`)
}

// ConflictKey serializes concurrent writes to the same path.
func (t *WriteTool) ConflictKey(input json.RawMessage) string {
	var in struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return ""
	}
	resolved, err := t.resolver.Resolve(in.FilePath)
	if err != nil {
		return in.FilePath
	}
	return resolved
}

func (t *WriteTool) Execute(ctx context.Context, ec *agent.ExecContext, input json.RawMessage) (*models.ToolResult, error) {
	var in struct {
		FilePath string `json:"file_path"`
		Content  string `json:"content"`
		Force    bool   `json:"force"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, agent.NewError(agent.ErrInvalidParameters, err.Error()).WithTool(t.Name())
	}

	resolved, err := t.resolver.Resolve(in.FilePath)
	if err != nil {
		return nil, agent.NewError(agent.ErrForbiddenPath, err.Error()).WithTool(t.Name())
	}
	if !in.Force {
		if err := t.tracker.Check(resolved); err != nil {
			return &models.ToolResult{Content: err.Error(), IsError: true}, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("create directory: %v", err), IsError: true}, nil
	}
	if err := atomicWrite(resolved, []byte(in.Content), 0o644); err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	t.tracker.Record(resolved, time.Now())

	return &models.ToolResult{
		Content: fmt.Sprintf("Wrote %d bytes to %s", len(in.Content), in.FilePath),
	}, nil
}
