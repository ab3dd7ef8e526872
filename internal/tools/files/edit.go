package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/tacitdev/tacit/internal/agent"
	"github.com/tacitdev/tacit/pkg/models"
)

// editSpec is one find/replace operation.
type editSpec struct {
	OldString  string `json:"old_string"`
	NewString  string `json:"new_string"`
	ReplaceAll bool   `json:"replace_all"`
}

// applyEdit performs one edit on content. Without replace_all the match
// must be unique; zero or multiple occurrences fail.
func applyEdit(content string, e editSpec) (string, int, error) {
	if e.OldString == "" {
		return "", 0, fmt.Errorf("old_string must not be empty")
	}
	if e.OldString == e.NewString {
		return "", 0, fmt.Errorf("old_string and new_string are identical")
	}
	count := strings.Count(content, e.OldString)
	switch {
	case count == 0:
		return "", 0, fmt.Errorf("old_string not found in file")
	case count > 1 && !e.ReplaceAll:
		return "", 0, fmt.Errorf("old_string matches %d times; provide more context or set replace_all", count)
	}
	if e.ReplaceAll {
		return strings.ReplaceAll(content, e.OldString, e.NewString), count, nil
	}
	return strings.Replace(content, e.OldString, e.NewString, 1), 1, nil
}

// EditTool applies a single find/replace edit to a file.
type EditTool struct {
	resolver Resolver
	tracker  *Tracker
}

// NewEditTool creates an edit tool scoped to the workspace.
func NewEditTool(cfg Config, tracker *Tracker) *EditTool {
	return &EditTool{resolver: Resolver{Root: cfg.Workspace}, tracker: tracker}
}

func (t *EditTool) Name() string { return "edit" }

func (t *EditTool) Description() string {
	return "Replace a string in a workspace file. The match must be unique unless replace_all is set."
}

func (t *EditTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {
				"type": "string",
				"description": "Path to the file to edit."
			},
			"old_string": {
				"type": "string",
				"description": "Exact text to replace."
			},
			"new_string": {
				"type": "string",
				"description": "Replacement text."
			},
			"replace_all": {
				"type": "boolean",
				"description": "Replace every occurrence instead of requiring a unique match."
			}
		},
		"required": ["file_path", "old_string", "new_string"],
		"additionalProperties": false
	}`)
}

// ConflictKey serializes concurrent edits to the same path.
func (t *EditTool) ConflictKey(input json.RawMessage) string {
	return conflictPath(t.resolver, input)
}

func (t *EditTool) Execute(ctx context.Context, ec *agent.ExecContext, input json.RawMessage) (*models.ToolResult, error) {
	var in struct {
		FilePath string `json:"file_path"`
		editSpec
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, agent.NewError(agent.ErrInvalidParameters, err.Error()).WithTool(t.Name())
	}

	resolved, content, res := loadForEdit(t.resolver, t.tracker, in.FilePath, t.Name())
	if res != nil {
		return res.result, res.err
	}

	updated, n, err := applyEdit(content, in.editSpec)
	if err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	if err := atomicWrite(resolved, []byte(updated), 0o644); err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	t.tracker.Record(resolved, time.Now())

	return &models.ToolResult{
		Content: editSummary(fmt.Sprintf("Applied %d replacement(s) to %s", n, in.FilePath),
			in.FilePath, content, updated),
	}, nil
}

// MultiEditTool applies a sequence of edits to one file in memory, writing
// only if every edit succeeds. One miss fails the whole batch and the file
// is untouched.
type MultiEditTool struct {
	resolver Resolver
	tracker  *Tracker
}

// NewMultiEditTool creates a multi-edit tool scoped to the workspace.
func NewMultiEditTool(cfg Config, tracker *Tracker) *MultiEditTool {
	return &MultiEditTool{resolver: Resolver{Root: cfg.Workspace}, tracker: tracker}
}

func (t *MultiEditTool) Name() string { return "multi_edit" }

func (t *MultiEditTool) Description() string {
	return "Apply several edits to one file atomically: all succeed or the file is unchanged."
}

func (t *MultiEditTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {
				"type": "string",
				"description": "Path to the file to edit."
			},
			"edits": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"properties": {
						"old_string": {"type": "string"},
						"new_string": {"type": "string"},
						"replace_all": {"type": "boolean"}
					},
					"required": ["old_string", "new_string"]
				}
			}
		},
		"required": ["file_path", "edits"],
		"additionalProperties": false
	}`)
}

// ConflictKey serializes concurrent edits to the same path.
func (t *MultiEditTool) ConflictKey(input json.RawMessage) string {
	return conflictPath(t.resolver, input)
}

func (t *MultiEditTool) Execute(ctx context.Context, ec *agent.ExecContext, input json.RawMessage) (*models.ToolResult, error) {
	var in struct {
		FilePath string     `json:"file_path"`
		Edits    []editSpec `json:"edits"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, agent.NewError(agent.ErrInvalidParameters, err.Error()).WithTool(t.Name())
	}
	if len(in.Edits) == 0 {
		return nil, agent.NewError(agent.ErrInvalidParameters, "edits must not be empty").WithTool(t.Name())
	}

	resolved, content, res := loadForEdit(t.resolver, t.tracker, in.FilePath, t.Name())
	if res != nil {
		return res.result, res.err
	}
	original := content

	total := 0
	for i, e := range in.Edits {
		updated, n, err := applyEdit(content, e)
		if err != nil {
			return &models.ToolResult{
				Content: fmt.Sprintf("edit %d of %d failed, file unchanged: %v", i+1, len(in.Edits), err),
				IsError: true,
			}, nil
		}
		content = updated
		total += n
	}
	if err := atomicWrite(resolved, []byte(content), 0o644); err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	t.tracker.Record(resolved, time.Now())

	return &models.ToolResult{
		Content: editSummary(
			fmt.Sprintf("Applied %d replacement(s) across %d edit(s) to %s", total, len(in.Edits), in.FilePath),
			in.FilePath, original, content),
	}, nil
}

// editSummary appends a unified diff of the change to the headline.
func editSummary(headline, path, before, after string) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: path,
		ToFile:   path,
		Context:  3,
	})
	if err != nil || strings.TrimSpace(diff) == "" {
		return headline
	}
	return headline + "\n\n" + strings.TrimRight(diff, "\n")
}

// loadResult carries an early return from loadForEdit.
type loadResult struct {
	result *models.ToolResult
	err    error
}

// loadForEdit resolves the path, enforces the read-before-edit rule, and
// loads the current content.
func loadForEdit(resolver Resolver, tracker *Tracker, path, tool string) (string, string, *loadResult) {
	resolved, err := resolver.Resolve(path)
	if err != nil {
		return "", "", &loadResult{err: agent.NewError(agent.ErrForbiddenPath, err.Error()).WithTool(tool)}
	}
	if err := tracker.Check(resolved); err != nil {
		return "", "", &loadResult{result: &models.ToolResult{Content: err.Error(), IsError: true}}
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", "", &loadResult{result: &models.ToolResult{Content: fmt.Sprintf("read file: %v", err), IsError: true}}
	}
	return resolved, string(data), nil
}

func conflictPath(resolver Resolver, input json.RawMessage) string {
	var in struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return ""
	}
	resolved, err := resolver.Resolve(in.FilePath)
	if err != nil {
		return in.FilePath
	}
	return resolved
}
