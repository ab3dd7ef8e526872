package files

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tacitdev/tacit/internal/agent"
	"github.com/tacitdev/tacit/pkg/models"
)

// notebookCell mirrors the Jupyter cell shape, keeping unknown fields via
// the raw document so edits do not strip metadata.
type notebookDoc struct {
	Cells []map[string]json.RawMessage `json:"cells"`
	rest  map[string]json.RawMessage
}

func parseNotebook(data []byte) (*notebookDoc, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse notebook: %w", err)
	}
	doc := &notebookDoc{rest: raw}
	if cellsRaw, ok := raw["cells"]; ok {
		if err := json.Unmarshal(cellsRaw, &doc.Cells); err != nil {
			return nil, fmt.Errorf("parse notebook cells: %w", err)
		}
	}
	return doc, nil
}

func (d *notebookDoc) marshal() ([]byte, error) {
	cellsRaw, err := json.Marshal(d.Cells)
	if err != nil {
		return nil, fmt.Errorf("encode notebook cells: %w", err)
	}
	d.rest["cells"] = cellsRaw
	out, err := json.MarshalIndent(d.rest, "", " ")
	if err != nil {
		return nil, fmt.Errorf("encode notebook: %w", err)
	}
	return append(out, '\n'), nil
}

// sourceLines splits cell source into the per-line string array Jupyter
// uses, each line keeping its newline except the last.
func sourceLines(source string) []string {
	if source == "" {
		return []string{}
	}
	lines := strings.SplitAfter(source, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func newCell(cellType, source string) map[string]json.RawMessage {
	cell := map[string]json.RawMessage{
		"cell_type": mustJSON(cellType),
		"source":    mustJSON(sourceLines(source)),
		"metadata":  json.RawMessage(`{}`),
	}
	if cellType == "code" {
		cell["outputs"] = json.RawMessage(`[]`)
		cell["execution_count"] = json.RawMessage(`null`)
	}
	return cell
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// NotebookEditTool replaces, inserts, or deletes cells in a Jupyter
// notebook without disturbing the rest of the document.
type NotebookEditTool struct {
	resolver Resolver
	tracker  *Tracker
}

// NewNotebookEditTool creates a notebook edit tool scoped to the workspace.
func NewNotebookEditTool(cfg Config, tracker *Tracker) *NotebookEditTool {
	return &NotebookEditTool{resolver: Resolver{Root: cfg.Workspace}, tracker: tracker}
}

func (t *NotebookEditTool) Name() string { return "notebook_edit" }

func (t *NotebookEditTool) Description() string {
	return "Replace, insert, or delete a cell in a Jupyter notebook."
}

func (t *NotebookEditTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {
				"type": "string",
				"description": "Path to the .ipynb file."
			},
			"cell_index": {
				"type": "integer",
				"description": "0-based index of the cell to operate on.",
				"minimum": 0
			},
			"new_source": {
				"type": "string",
				"description": "New cell source (ignored for delete)."
			},
			"cell_type": {
				"type": "string",
				"enum": ["code", "markdown"],
				"description": "Cell type for insert (default code)."
			},
			"edit_mode": {
				"type": "string",
				"enum": ["replace", "insert", "delete"],
				"description": "Operation (default replace). Insert places the new cell before cell_index."
			}
		},
		"required": ["file_path", "cell_index"],
		"additionalProperties": false
	}`)
}

// ConflictKey serializes concurrent edits to the same notebook.
func (t *NotebookEditTool) ConflictKey(input json.RawMessage) string {
	return conflictPath(t.resolver, input)
}

func (t *NotebookEditTool) Execute(ctx context.Context, ec *agent.ExecContext, input json.RawMessage) (*models.ToolResult, error) {
	var in struct {
		FilePath  string `json:"file_path"`
		CellIndex int    `json:"cell_index"`
		NewSource string `json:"new_source"`
		CellType  string `json:"cell_type"`
		EditMode  string `json:"edit_mode"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, agent.NewError(agent.ErrInvalidParameters, err.Error()).WithTool(t.Name())
	}
	if !strings.HasSuffix(strings.ToLower(in.FilePath), ".ipynb") {
		return nil, agent.NewError(agent.ErrInvalidParameters, "file_path must be a .ipynb notebook").WithTool(t.Name())
	}
	mode := in.EditMode
	if mode == "" {
		mode = "replace"
	}

	resolved, content, res := loadForEdit(t.resolver, t.tracker, in.FilePath, t.Name())
	if res != nil {
		return res.result, res.err
	}

	doc, err := parseNotebook([]byte(content))
	if err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	switch mode {
	case "replace":
		if in.CellIndex >= len(doc.Cells) {
			return &models.ToolResult{
				Content: fmt.Sprintf("cell_index %d out of range; notebook has %d cells", in.CellIndex, len(doc.Cells)),
				IsError: true,
			}, nil
		}
		doc.Cells[in.CellIndex]["source"] = mustJSON(sourceLines(in.NewSource))

	case "insert":
		if in.CellIndex > len(doc.Cells) {
			return &models.ToolResult{
				Content: fmt.Sprintf("cell_index %d out of range for insert; notebook has %d cells", in.CellIndex, len(doc.Cells)),
				IsError: true,
			}, nil
		}
		cellType := in.CellType
		if cellType == "" {
			cellType = "code"
		}
		cell := newCell(cellType, in.NewSource)
		doc.Cells = append(doc.Cells[:in.CellIndex], append([]map[string]json.RawMessage{cell}, doc.Cells[in.CellIndex:]...)...)

	case "delete":
		if in.CellIndex >= len(doc.Cells) {
			return &models.ToolResult{
				Content: fmt.Sprintf("cell_index %d out of range; notebook has %d cells", in.CellIndex, len(doc.Cells)),
				IsError: true,
			}, nil
		}
		doc.Cells = append(doc.Cells[:in.CellIndex], doc.Cells[in.CellIndex+1:]...)

	default:
		return nil, agent.NewError(agent.ErrInvalidParameters, fmt.Sprintf("unknown edit_mode %q", mode)).WithTool(t.Name())
	}

	out, err := doc.marshal()
	if err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	if err := atomicWrite(resolved, out, 0o644); err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	t.tracker.Record(resolved, time.Now())

	return &models.ToolResult{
		Content: fmt.Sprintf("Notebook %s: %s cell %d (now %d cells)", in.FilePath, mode, in.CellIndex, len(doc.Cells)),
	}, nil
}
