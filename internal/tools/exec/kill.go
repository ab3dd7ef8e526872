package exec

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tacitdev/tacit/internal/agent"
	coreexec "github.com/tacitdev/tacit/internal/exec"
	"github.com/tacitdev/tacit/pkg/models"
)

// KillTool terminates a running background task. Killing a task that is not
// running is a no-op reported as a failed result, not a dispatch error.
type KillTool struct {
	supervisor *coreexec.Supervisor
}

// NewKillTool creates the KillShell tool.
func NewKillTool(supervisor *coreexec.Supervisor) *KillTool {
	return &KillTool{supervisor: supervisor}
}

func (t *KillTool) Name() string { return "kill_shell" }

func (t *KillTool) Description() string {
	return "Terminate a running background task by id."
}

func (t *KillTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task_id": {
				"type": "string",
				"description": "Id of the background task to kill."
			}
		},
		"required": ["task_id"],
		"additionalProperties": false
	}`)
}

func (t *KillTool) Execute(ctx context.Context, ec *agent.ExecContext, input json.RawMessage) (*models.ToolResult, error) {
	var in struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, agent.NewError(agent.ErrInvalidParameters, err.Error()).WithTool(t.Name())
	}

	if err := t.supervisor.Kill(in.TaskID); err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &models.ToolResult{Content: fmt.Sprintf("Task %s killed.", in.TaskID)}, nil
}
