package files

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tacitdev/tacit/internal/agent"
	"github.com/tacitdev/tacit/pkg/models"
)

// ReadTool reads workspace files with line numbering and truncation.
// Reading records the file in the tracker, unlocking later overwrites.
type ReadTool struct {
	resolver Resolver
	tracker  *Tracker
	config   Config
}

// NewReadTool creates a read tool scoped to the workspace.
func NewReadTool(cfg Config, tracker *Tracker) *ReadTool {
	return &ReadTool{
		resolver: Resolver{Root: cfg.Workspace},
		tracker:  tracker,
		config:   cfg.sanitized(),
	}
}

func (t *ReadTool) Name() string { return "read" }

func (t *ReadTool) Description() string {
	return "Read a file from the workspace. Text files return numbered lines; images return base64 content."
}

func (t *ReadTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {
				"type": "string",
				"description": "Path to the file (relative to workspace or absolute within it)."
			},
			"offset": {
				"type": "integer",
				"description": "1-based line to start reading from.",
				"minimum": 1
			},
			"limit": {
				"type": "integer",
				"description": "Maximum number of lines to read.",
				"minimum": 1
			}
		},
		"required": ["file_path"],
		"additionalProperties": false
	}`)
}

// ReadOnly marks the tool side-effect free.
func (t *ReadTool) ReadOnly() bool { return true }

// ConcurrencySafe allows parallel reads in a batch.
func (t *ReadTool) ConcurrencySafe() bool { return true }

func (t *ReadTool) Execute(ctx context.Context, ec *agent.ExecContext, input json.RawMessage) (*models.ToolResult, error) {
	var in struct {
		FilePath string `json:"file_path"`
		Offset   int    `json:"offset"`
		Limit    int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, agent.NewError(agent.ErrInvalidParameters, err.Error()).WithTool(t.Name())
	}

	resolved, err := t.resolver.Resolve(in.FilePath)
	if err != nil {
		return nil, agent.NewError(agent.ErrForbiddenPath, err.Error()).WithTool(t.Name())
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("read file: %v", err), IsError: true}, nil
	}
	info, err := os.Stat(resolved)
	if err == nil {
		t.tracker.Record(resolved, info.ModTime())
	}

	sample := data
	if len(sample) > 8192 {
		sample = sample[:8192]
	}
	switch classify(resolved, sample) {
	case "image":
		mediaType := imageExtensions[strings.ToLower(filepath.Ext(resolved))]
		return &models.ToolResult{
			Content: fmt.Sprintf("image (%s, %d bytes, base64):\n%s",
				mediaType, len(data), base64.StdEncoding.EncodeToString(data)),
		}, nil
	case "binary":
		return &models.ToolResult{
			Content: fmt.Sprintf("binary file (%d bytes); not displaying content", len(data)),
		}, nil
	}

	content, truncated := numberLines(string(data), in.Offset, in.Limit, t.config.MaxReadLines, t.config.MaxLineBytes)
	if truncated {
		content += "\n... (output truncated; use offset and limit to read more)"
	}
	if content == "" {
		content = "(empty file)"
	}
	return &models.ToolResult{Content: content}, nil
}

// numberLines renders cat -n style output with offset/limit windowing and
// per-line length capping.
func numberLines(text string, offset, limit, maxLines, maxLineBytes int) (string, bool) {
	lines := strings.Split(text, "\n")
	// A trailing newline yields a phantom empty last element.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	start := 0
	if offset > 1 {
		start = offset - 1
	}
	if start >= len(lines) {
		return "", false
	}
	if limit <= 0 || limit > maxLines {
		limit = maxLines
	}
	end := start + limit
	truncated := false
	if end < len(lines) {
		truncated = true
	} else {
		end = len(lines)
	}

	var b strings.Builder
	for i := start; i < end; i++ {
		line := lines[i]
		if len(line) > maxLineBytes {
			line = line[:maxLineBytes] + "..."
		}
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, line)
	}
	return strings.TrimSuffix(b.String(), "\n"), truncated
}
