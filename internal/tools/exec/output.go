package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tacitdev/tacit/internal/agent"
	coreexec "github.com/tacitdev/tacit/internal/exec"
	"github.com/tacitdev/tacit/pkg/models"
)

// OutputTool retrieves output from a background task. Retrieval is
// idempotent; the task's buffers are never drained.
type OutputTool struct {
	supervisor *coreexec.Supervisor
}

// NewOutputTool creates the BashOutput tool.
func NewOutputTool(supervisor *coreexec.Supervisor) *OutputTool {
	return &OutputTool{supervisor: supervisor}
}

func (t *OutputTool) Name() string { return "bash_output" }

func (t *OutputTool) Description() string {
	return "Retrieve output from a background task by id, optionally filtering lines by regex."
}

func (t *OutputTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task_id": {
				"type": "string",
				"description": "Id returned by a background bash call."
			},
			"filter": {
				"type": "string",
				"description": "Regex applied per line; only matching lines are returned."
			}
		},
		"required": ["task_id"],
		"additionalProperties": false
	}`)
}

// ReadOnly marks retrieval as side-effect free.
func (t *OutputTool) ReadOnly() bool { return true }

// ConcurrencySafe allows retrieval to run inside parallel batches.
func (t *OutputTool) ConcurrencySafe() bool { return true }

func (t *OutputTool) Execute(ctx context.Context, ec *agent.ExecContext, input json.RawMessage) (*models.ToolResult, error) {
	var in struct {
		TaskID string `json:"task_id"`
		Filter string `json:"filter"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, agent.NewError(agent.ErrInvalidParameters, err.Error()).WithTool(t.Name())
	}

	var filter *regexp.Regexp
	if in.Filter != "" {
		re, err := regexp.Compile(in.Filter)
		if err != nil {
			return nil, agent.NewError(agent.ErrInvalidParameters, fmt.Sprintf("filter: %v", err)).WithTool(t.Name())
		}
		filter = re
	}

	out, err := t.supervisor.Output(in.TaskID, filter)
	if err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &models.ToolResult{Content: formatTaskOutput(out)}, nil
}

func formatTaskOutput(out coreexec.TaskOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "status: %s", out.Status)
	if out.ExitCode != nil {
		fmt.Fprintf(&b, "\nexit code: %d", *out.ExitCode)
	}
	if out.Signal != "" {
		fmt.Fprintf(&b, "\nsignal: %s", out.Signal)
	}
	fmt.Fprintf(&b, "\nretrieved: %s", out.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	if out.Stdout != "" {
		fmt.Fprintf(&b, "\n\nstdout (%d lines):\n%s", out.StdoutLines, out.Stdout)
	}
	if out.Stderr != "" {
		fmt.Fprintf(&b, "\n\nstderr (%d lines):\n%s", out.StderrLines, out.Stderr)
	}
	if out.Stdout == "" && out.Stderr == "" {
		b.WriteString("\n\n(no output)")
	}
	return b.String()
}
