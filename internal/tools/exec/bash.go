// Package exec exposes subprocess execution as tools: Bash for foreground
// and background runs, BashOutput for background retrieval, KillShell for
// termination.
package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tacitdev/tacit/internal/agent"
	coreexec "github.com/tacitdev/tacit/internal/exec"
	"github.com/tacitdev/tacit/pkg/models"
)

// BashTool runs shell commands through the runner (foreground) or the
// supervisor (background).
type BashTool struct {
	runner     *coreexec.Runner
	supervisor *coreexec.Supervisor
}

// NewBashTool creates the bash tool.
func NewBashTool(runner *coreexec.Runner, supervisor *coreexec.Supervisor) *BashTool {
	return &BashTool{runner: runner, supervisor: supervisor}
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Run a shell command. Foreground calls block until exit; background calls return a task id immediately."
}

func (t *BashTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {
				"type": "string",
				"description": "Shell command to execute."
			},
			"timeout": {
				"type": "integer",
				"description": "Timeout in milliseconds (capped at 600000). Omit for the default; 0 disables the deadline.",
				"minimum": 0
			},
			"run_in_background": {
				"type": "boolean",
				"description": "Start the command as a background task and return its id."
			},
			"cwd": {
				"type": "string",
				"description": "Working directory for the command."
			},
			"description": {
				"type": "string",
				"description": "Short human-readable summary of what the command does."
			}
		},
		"required": ["command"],
		"additionalProperties": false
	}`)
}

type bashInput struct {
	Command         string `json:"command"`
	TimeoutMs       *int   `json:"timeout"`
	RunInBackground bool   `json:"run_in_background"`
	Cwd             string `json:"cwd"`
	Description     string `json:"description"`
}

// timeout maps the wire field onto runner semantics: absent means default,
// explicit zero means no deadline.
func (in bashInput) timeout() time.Duration {
	switch {
	case in.TimeoutMs == nil:
		return 0
	case *in.TimeoutMs == 0:
		return coreexec.NoTimeout
	default:
		return time.Duration(*in.TimeoutMs) * time.Millisecond
	}
}

// ValidateInput adds the semantic checks the schema cannot express.
func (t *BashTool) ValidateInput(input json.RawMessage) []string {
	var in bashInput
	if err := json.Unmarshal(input, &in); err != nil {
		return []string{fmt.Sprintf("invalid input: %v", err)}
	}
	var violations []string
	if strings.TrimSpace(in.Command) == "" {
		violations = append(violations, "command must not be empty")
	}
	if strings.ContainsRune(in.Command, 0) {
		violations = append(violations, "command must not contain null bytes")
	}
	return violations
}

func (t *BashTool) Execute(ctx context.Context, ec *agent.ExecContext, input json.RawMessage) (*models.ToolResult, error) {
	var in bashInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, agent.NewError(agent.ErrInvalidParameters, err.Error()).WithTool(t.Name())
	}

	spec := coreexec.Spec{
		Command: in.Command,
		Dir:     firstNonEmpty(in.Cwd, ec.WorkDir),
		Env:     ec.Env,
		Timeout: in.timeout(),
	}

	if in.RunInBackground {
		id, err := t.supervisor.Start(ctx, spec)
		if err != nil {
			return execError(err, t.Name())
		}
		return &models.ToolResult{
			Content: fmt.Sprintf("Command running in background with task id %s. Use BashOutput to retrieve output.", id),
		}, nil
	}

	result, err := t.runner.Run(ctx, spec)
	if err != nil {
		return execError(err, t.Name())
	}
	return &models.ToolResult{
		Content: formatRunResult(result),
		IsError: result.ExitCode != 0,
	}, nil
}

func formatRunResult(r *coreexec.Result) string {
	var b strings.Builder
	b.WriteString(r.Stdout)
	if r.Stderr != "" {
		if b.Len() > 0 && !strings.HasSuffix(r.Stdout, "\n") {
			b.WriteString("\n")
		}
		b.WriteString(r.Stderr)
	}
	switch {
	case r.TimedOut:
		fmt.Fprintf(&b, "\nCommand timed out after %dms and was killed.", r.DurationMs)
	case r.Reason == coreexec.ReasonCancelled:
		b.WriteString("\nCommand was cancelled.")
	case r.ExitCode != 0:
		fmt.Fprintf(&b, "\nExit code %d", r.ExitCode)
		if r.Signal != "" {
			fmt.Fprintf(&b, " (signal: %s)", r.Signal)
		}
	}
	return strings.TrimLeft(b.String(), "\n")
}

// execError converts supervisor errors into tool results or typed errors.
// Danger-list rejections are permission errors; the rest surface as
// execution failures inside the result so the model can react.
func execError(err error, tool string) (*models.ToolResult, error) {
	var danger *coreexec.DangerError
	if errors.As(err, &danger) {
		return nil, agent.NewError(agent.ErrPermissionDenied, danger.Reason).
			WithTool(tool).
			WithSuggestion("rewrite the command to avoid the dangerous pattern")
	}
	return &models.ToolResult{Content: err.Error(), IsError: true}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
