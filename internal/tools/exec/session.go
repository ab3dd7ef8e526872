package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tacitdev/tacit/internal/agent"
	coreexec "github.com/tacitdev/tacit/internal/exec"
	"github.com/tacitdev/tacit/pkg/models"
)

// SessionTool runs commands inside a persistent interactive shell, so state
// like cwd and exported variables carries across calls. Sessions are keyed
// by name and evicted by the pool's LRU and idle policies.
type SessionTool struct {
	pool *coreexec.Pool
}

// NewSessionTool creates the persistent-shell tool.
func NewSessionTool(pool *coreexec.Pool) *SessionTool {
	return &SessionTool{pool: pool}
}

func (t *SessionTool) Name() string { return "shell" }

func (t *SessionTool) Description() string {
	return "Run a command in a persistent interactive shell session. State (cwd, variables) persists across calls with the same session name."
}

func (t *SessionTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {
				"type": "string",
				"description": "Shell command to run in the session."
			},
			"session": {
				"type": "string",
				"description": "Session name. Defaults to \"default\"."
			},
			"close": {
				"type": "boolean",
				"description": "Terminate the session instead of running a command."
			}
		},
		"additionalProperties": false
	}`)
}

type sessionInput struct {
	Command string `json:"command"`
	Session string `json:"session"`
	Close   bool   `json:"close"`
}

// ValidateInput requires a command unless the call only closes the session.
func (t *SessionTool) ValidateInput(input json.RawMessage) []string {
	var in sessionInput
	if err := json.Unmarshal(input, &in); err != nil {
		return []string{fmt.Sprintf("invalid input: %v", err)}
	}
	if !in.Close && strings.TrimSpace(in.Command) == "" {
		return []string{"command must not be empty unless close is set"}
	}
	return nil
}

// ConflictKey serializes calls against the same session name.
func (t *SessionTool) ConflictKey(input json.RawMessage) string {
	var in sessionInput
	if err := json.Unmarshal(input, &in); err != nil {
		return ""
	}
	return "shell-session:" + sessionName(in.Session)
}

func (t *SessionTool) Execute(ctx context.Context, ec *agent.ExecContext, input json.RawMessage) (*models.ToolResult, error) {
	var in sessionInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, agent.NewError(agent.ErrInvalidParameters, err.Error()).WithTool(t.Name())
	}
	name := sessionName(in.Session)

	if in.Close {
		t.pool.Remove(name)
		return &models.ToolResult{Content: fmt.Sprintf("session %q closed", name)}, nil
	}

	out, err := t.pool.Execute(ctx, name, in.Command)
	if err != nil {
		// Partial output still reaches the model alongside the failure.
		return &models.ToolResult{
			Content: formatSessionOutput(name, out) + "\nerror: " + err.Error(),
			IsError: true,
		}, nil
	}
	return &models.ToolResult{Content: formatSessionOutput(name, out)}, nil
}

func sessionName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "default"
	}
	return name
}

func formatSessionOutput(name string, out coreexec.SessionOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "session: %s", name)
	if out.Stdout != "" {
		fmt.Fprintf(&b, "\n%s", strings.TrimRight(out.Stdout, "\n"))
	}
	if out.Stderr != "" {
		fmt.Fprintf(&b, "\nstderr:\n%s", strings.TrimRight(out.Stderr, "\n"))
	}
	if out.Stdout == "" && out.Stderr == "" {
		b.WriteString("\n(no output)")
	}
	return b.String()
}
