// Package subagent implements the task tool: a nested agent loop over a
// restricted tool subset, returning its final answer to the parent.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tacitdev/tacit/internal/agent"
	"github.com/tacitdev/tacit/internal/convo"
	"github.com/tacitdev/tacit/internal/observability"
	"github.com/tacitdev/tacit/pkg/models"
)

// Config controls nested agent runs.
type Config struct {
	// Model overrides the parent model for sub-agent turns. Empty means
	// inherit.
	Model string

	// MaxActive bounds concurrently running sub-agents. Default: 5.
	MaxActive int

	// MaxIterations bounds tool rounds inside a sub-agent turn.
	// Default: 15.
	MaxIterations int

	// AllowedTools is the default tool subset handed to sub-agents. Empty
	// means every registered tool except task itself.
	AllowedTools []string
}

func (c Config) sanitized() Config {
	if c.MaxActive <= 0 {
		c.MaxActive = 5
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 15
	}
	return c
}

const subagentSystemPrompt = "You are a focused sub-agent. Complete the given task using the available tools, then reply with a concise final answer. Do not ask questions; make reasonable assumptions."

// TaskTool runs a nested agent loop for a delegated task.
type TaskTool struct {
	client   agent.ModelClient
	registry *agent.Registry
	config   Config
	logger   *slog.Logger
	metrics  *observability.Metrics

	active atomic.Int64
}

// NewTaskTool creates a task tool over the parent registry and model client.
func NewTaskTool(client agent.ModelClient, registry *agent.Registry, config Config, logger *slog.Logger, metrics *observability.Metrics) *TaskTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskTool{
		client:   client,
		registry: registry,
		config:   config.sanitized(),
		logger:   logger.With("component", "subagent"),
		metrics:  metrics,
	}
}

func (t *TaskTool) Name() string { return "task" }

func (t *TaskTool) Description() string {
	return "Delegate a self-contained task to a sub-agent with its own tool loop. Returns the sub-agent's final answer."
}

func (t *TaskTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"description": {
				"type": "string",
				"description": "Short task label for progress reporting."
			},
			"prompt": {
				"type": "string",
				"description": "Full task instructions for the sub-agent."
			},
			"allowed_tools": {
				"type": "array",
				"items": {"type": "string"},
				"description": "Tool names the sub-agent may use (default: all except task)."
			},
			"model": {
				"type": "string",
				"description": "Model override for this sub-agent."
			}
		},
		"required": ["prompt"],
		"additionalProperties": false
	}`)
}

// ConcurrencySafe allows sub-agents to run alongside other safe tools.
func (t *TaskTool) ConcurrencySafe() bool { return true }

// ValidateInput rejects blank prompts before dispatch.
func (t *TaskTool) ValidateInput(input json.RawMessage) []string {
	var in taskInput
	if err := json.Unmarshal(input, &in); err != nil {
		return []string{err.Error()}
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return []string{"prompt must not be empty"}
	}
	return nil
}

type taskInput struct {
	Description  string   `json:"description"`
	Prompt       string   `json:"prompt"`
	AllowedTools []string `json:"allowed_tools"`
	Model        string   `json:"model"`
}

func (t *TaskTool) Execute(ctx context.Context, ec *agent.ExecContext, input json.RawMessage) (*models.ToolResult, error) {
	var in taskInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, agent.NewError(agent.ErrInvalidParameters, err.Error()).WithTool(t.Name())
	}

	if !t.reserve() {
		return &models.ToolResult{
			Content: fmt.Sprintf("max active sub-agents reached (%d); wait for one to finish", t.config.MaxActive),
			IsError: true,
		}, nil
	}
	defer t.release()

	subRegistry, err := t.subsetRegistry(in.AllowedTools)
	if err != nil {
		return nil, agent.NewError(agent.ErrInvalidParameters, err.Error()).WithTool(t.Name())
	}

	model := t.pickModel(in.Model, ec)
	conv := convo.New(model)
	conv.SetSystemPrompt(subagentSystemPrompt)

	dispatcher := agent.NewDispatcher(subRegistry, agent.DispatcherConfig{}, t.logger, t.metrics)
	loop := agent.NewLoop(conv, t.client, dispatcher, subRegistry, nil,
		agent.LoopConfig{MaxIterations: t.config.MaxIterations},
		t.logger, t.metrics)

	subEC := &agent.ExecContext{
		SessionID: ec.SessionID + "-sub-" + uuid.NewString()[:8],
		WorkDir:   ec.WorkDir,
		Env:       ec.Env,
		State:     ec.State,
		Hooks:     ec.Hooks,
	}

	start := time.Now()
	label := in.Description
	if label == "" {
		label = "task"
	}
	t.logger.Info("sub-agent started", "session_id", subEC.SessionID, "task", label)

	if err := loop.Run(ctx, subEC, in.Prompt); err != nil {
		t.logger.Warn("sub-agent failed", "session_id", subEC.SessionID, "error", err)
		return &models.ToolResult{
			Content: fmt.Sprintf("sub-agent failed: %v", err),
			IsError: true,
		}, nil
	}

	answer := finalAnswer(conv)
	t.logger.Info("sub-agent finished",
		"session_id", subEC.SessionID,
		"duration_ms", time.Since(start).Milliseconds(),
		"tokens", conv.TokenCount())
	if answer == "" {
		return &models.ToolResult{Content: "sub-agent produced no final answer", IsError: true}, nil
	}
	return &models.ToolResult{Content: answer}, nil
}

// reserve claims an active slot. Increment-then-check keeps concurrent
// claims from slipping past the limit together.
func (t *TaskTool) reserve() bool {
	if t.active.Add(1) > int64(t.config.MaxActive) {
		t.active.Add(-1)
		return false
	}
	return true
}

func (t *TaskTool) release() { t.active.Add(-1) }

// subsetRegistry builds a registry holding the allowed tools. The task tool
// itself is never included, so sub-agents cannot recurse.
func (t *TaskTool) subsetRegistry(allowed []string) (*agent.Registry, error) {
	if len(allowed) == 0 {
		allowed = t.config.AllowedTools
	}
	if len(allowed) == 0 {
		allowed = t.registry.Names()
	}

	sub := agent.NewRegistry()
	for _, name := range allowed {
		if name == t.Name() {
			continue
		}
		_, tool, err := t.registry.Resolve(name)
		if err != nil {
			return nil, fmt.Errorf("allowed tool %q: %w", name, err)
		}
		if tool.Name() == t.Name() {
			continue
		}
		if err := sub.Register(tool); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

// pickModel resolves the sub-agent model: explicit input, then config
// override, then the parent's search-model env override, then inherit.
func (t *TaskTool) pickModel(explicit string, ec *agent.ExecContext) string {
	if explicit != "" {
		return explicit
	}
	if t.config.Model != "" {
		return t.config.Model
	}
	if ec.Env != nil {
		if m := ec.Env["CLAUDE_SEARCH_MODEL"]; m != "" {
			return m
		}
	}
	return ""
}

// finalAnswer extracts the text of the last assistant message.
func finalAnswer(conv *convo.Conversation) string {
	messages := conv.Messages()
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != models.RoleAssistant {
			continue
		}
		var parts []string
		for _, b := range messages[i].Content {
			if b.Type == models.BlockText && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return ""
}
