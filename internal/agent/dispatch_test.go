package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tacitdev/tacit/internal/hooks"
	"github.com/tacitdev/tacit/internal/tools/policy"
	"github.com/tacitdev/tacit/pkg/models"
)

func allowAllState(t *testing.T) *AppState {
	t.Helper()
	gate, err := policy.NewGate(policy.Config{DefaultMode: policy.DecisionAllow})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	return NewAppState(gate)
}

func testContext(t *testing.T) *ExecContext {
	return &ExecContext{
		SessionID: "sess-test",
		WorkDir:   t.TempDir(),
		State:     allowAllState(t),
		Hooks:     hooks.NewBus(nil),
	}
}

func newTestDispatcher(t *testing.T, tools ...Tool) *Dispatcher {
	t.Helper()
	r := NewRegistry()
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			t.Fatalf("register %s: %v", tool.Name(), err)
		}
	}
	return NewDispatcher(r, DispatcherConfig{}, nil, nil)
}

func TestDispatchHappyPath(t *testing.T) {
	d := newTestDispatcher(t, &fakeTool{
		name:   "echo",
		schema: `{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}`,
		execute: func(ctx context.Context, ec *ExecContext, input json.RawMessage) (*models.ToolResult, error) {
			var in struct {
				Text string `json:"text"`
			}
			json.Unmarshal(input, &in)
			return &models.ToolResult{Content: in.Text}, nil
		},
	})

	result, block, err := d.Dispatch(context.Background(), testContext(t),
		models.ToolCall{ID: "tu_1", Name: "echo", Input: []byte(`{"text":"hi"}`)}, nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Content != "hi" || result.ToolCallID != "tu_1" {
		t.Fatalf("result = %+v", result)
	}
	if block.Type != models.BlockToolResult || block.ToolUseID != "tu_1" {
		t.Fatalf("block = %+v", block)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	d := newTestDispatcher(t)
	_, _, err := d.Dispatch(context.Background(), testContext(t),
		models.ToolCall{ID: "tu_1", Name: "ghost"}, nil)
	var ae *Error
	if !errors.As(err, &ae) || ae.Kind != ErrToolNotFound {
		t.Fatalf("err = %v, want tool_not_found", err)
	}
}

func TestDispatchSchemaViolation(t *testing.T) {
	d := newTestDispatcher(t, &fakeTool{
		name:   "echo",
		schema: `{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}`,
	})
	_, _, err := d.Dispatch(context.Background(), testContext(t),
		models.ToolCall{ID: "tu_1", Name: "echo", Input: []byte(`{}`)}, nil)
	var ae *Error
	if !errors.As(err, &ae) || ae.Kind != ErrInvalidParameters || ae.Phase != PhaseValidate {
		t.Fatalf("err = %v, want invalid_parameters at validate", err)
	}
}

func TestDispatchSemanticViolation(t *testing.T) {
	d := newTestDispatcher(t, &fakeTool{
		name:       "read",
		violations: []string{"path must be absolute"},
	})
	_, _, err := d.Dispatch(context.Background(), testContext(t),
		models.ToolCall{ID: "tu_1", Name: "read", Input: []byte(`{"file_path":"rel.txt"}`)}, nil)
	var ae *Error
	if !errors.As(err, &ae) || ae.Kind != ErrInvalidParameters {
		t.Fatalf("err = %v", err)
	}
}

func TestDispatchPermissionDenied(t *testing.T) {
	gate, _ := policy.NewGate(policy.Config{DefaultMode: policy.DecisionDeny})
	ec := testContext(t)
	ec.State = NewAppState(gate)

	d := newTestDispatcher(t, &fakeTool{name: "bash"})
	_, _, err := d.Dispatch(context.Background(), ec,
		models.ToolCall{ID: "tu_1", Name: "bash", Input: []byte(`{"command":"ls"}`)}, nil)
	var ae *Error
	if !errors.As(err, &ae) || ae.Kind != ErrPermissionDenied {
		t.Fatalf("err = %v, want permission_denied", err)
	}
}

func TestDispatchForbiddenPath(t *testing.T) {
	gate, _ := policy.NewGate(policy.Config{
		DefaultMode: policy.DecisionAllow,
		Paths:       policy.PathPolicy{ForbiddenPrefixes: []string{"/etc"}},
	})
	ec := testContext(t)
	ec.State = NewAppState(gate)

	d := newTestDispatcher(t, &fakeTool{name: "read"})
	_, _, err := d.Dispatch(context.Background(), ec,
		models.ToolCall{ID: "tu_1", Name: "read", Input: []byte(`{"file_path":"/etc/passwd"}`)}, nil)
	var ae *Error
	if !errors.As(err, &ae) || ae.Kind != ErrForbiddenPath {
		t.Fatalf("err = %v, want forbidden_path", err)
	}
}

func TestDispatchAskWithoutUserDenies(t *testing.T) {
	gate, _ := policy.NewGate(policy.Config{DefaultMode: policy.DecisionAsk})
	ec := testContext(t)
	ec.State = NewAppState(gate)

	d := newTestDispatcher(t, &fakeTool{name: "bash"})
	_, _, err := d.Dispatch(context.Background(), ec,
		models.ToolCall{ID: "tu_1", Name: "bash", Input: []byte(`{}`)}, nil)
	var ae *Error
	if !errors.As(err, &ae) || ae.Kind != ErrPermissionDenied {
		t.Fatalf("err = %v, want permission_denied when no asker", err)
	}
}

func TestDispatchAskGranted(t *testing.T) {
	gate, _ := policy.NewGate(policy.Config{DefaultMode: policy.DecisionAsk})
	ec := testContext(t)
	ec.State = NewAppState(gate)

	r := NewRegistry()
	r.Register(&fakeTool{name: "bash"})
	d := NewDispatcher(r, DispatcherConfig{
		Ask: func(ctx context.Context, tool string, input []byte, reason string) (bool, error) {
			return true, nil
		},
	}, nil, nil)

	result, _, err := d.Dispatch(context.Background(), ec,
		models.ToolCall{ID: "tu_1", Name: "bash", Input: []byte(`{}`)}, nil)
	if err != nil || result.Content != "ok" {
		t.Fatalf("result = %v err = %v", result, err)
	}
}

func TestDispatchSubstitutedInputRevalidated(t *testing.T) {
	gate, _ := policy.NewGate(policy.Config{
		DefaultMode: policy.DecisionDeny,
		Allow: []policy.Rule{{
			Tool: "echo",
			Rewrite: func(in json.RawMessage) (json.RawMessage, error) {
				// Substitution drops the required field.
				return json.RawMessage(`{}`), nil
			},
		}},
	})
	ec := testContext(t)
	ec.State = NewAppState(gate)

	d := newTestDispatcher(t, &fakeTool{
		name:   "echo",
		schema: `{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}`,
	})
	_, _, err := d.Dispatch(context.Background(), ec,
		models.ToolCall{ID: "tu_1", Name: "echo", Input: []byte(`{"text":"hi"}`)}, nil)
	var ae *Error
	if !errors.As(err, &ae) || ae.Kind != ErrInvalidParameters || ae.Phase != PhasePermission {
		t.Fatalf("err = %v, want invalid_parameters from substituted input", err)
	}
}

func TestDispatchSubstitutedInputUsedByTool(t *testing.T) {
	gate, _ := policy.NewGate(policy.Config{
		DefaultMode: policy.DecisionDeny,
		Allow: []policy.Rule{{
			Tool: "echo",
			Rewrite: func(in json.RawMessage) (json.RawMessage, error) {
				return json.RawMessage(`{"text":"substituted"}`), nil
			},
		}},
	})
	ec := testContext(t)
	ec.State = NewAppState(gate)

	var seen string
	d := newTestDispatcher(t, &fakeTool{
		name: "echo",
		execute: func(ctx context.Context, ec *ExecContext, input json.RawMessage) (*models.ToolResult, error) {
			seen = string(input)
			return &models.ToolResult{Content: "done"}, nil
		},
	})
	_, _, err := d.Dispatch(context.Background(), ec,
		models.ToolCall{ID: "tu_1", Name: "echo", Input: []byte(`{"text":"original"}`)}, nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if seen != `{"text":"substituted"}` {
		t.Fatalf("tool saw %q, want substituted input", seen)
	}
}

func TestDispatchToolPanicBecomesTypedError(t *testing.T) {
	d := newTestDispatcher(t, &fakeTool{
		name: "boom",
		execute: func(ctx context.Context, ec *ExecContext, input json.RawMessage) (*models.ToolResult, error) {
			panic("tool bug")
		},
	})
	_, _, err := d.Dispatch(context.Background(), testContext(t),
		models.ToolCall{ID: "tu_1", Name: "boom", Input: []byte(`{}`)}, nil)
	var ae *Error
	if !errors.As(err, &ae) || ae.Kind != ErrExecutionFailed {
		t.Fatalf("err = %v, want execution_failed", err)
	}
}

func TestDispatchHooksFire(t *testing.T) {
	ec := testContext(t)
	var pre, post int
	ec.Hooks.Subscribe(hooks.EventToolPre, func(ctx context.Context, e *hooks.Event) error {
		pre++
		return nil
	})
	ec.Hooks.Subscribe(hooks.EventToolPost, func(ctx context.Context, e *hooks.Event) error {
		post++
		return errors.New("broken post hook")
	})

	d := newTestDispatcher(t, &fakeTool{name: "echo"})
	_, _, err := d.Dispatch(context.Background(), ec,
		models.ToolCall{ID: "tu_1", Name: "echo", Input: []byte(`{}`)}, nil)
	if err != nil {
		t.Fatalf("hook errors must not abort dispatch: %v", err)
	}
	if pre != 1 || post != 1 {
		t.Fatalf("pre = %d post = %d", pre, post)
	}
}

func TestDispatchStreamerProgressThenResult(t *testing.T) {
	tool := &streamingTool{steps: 3}
	r := NewRegistry()
	r.Register(tool)
	d := NewDispatcher(r, DispatcherConfig{}, nil, nil)

	var progress []any
	result, _, err := d.Dispatch(context.Background(), testContext(t),
		models.ToolCall{ID: "tu_1", Name: "stream", Input: []byte(`{}`)},
		func(data any) { progress = append(progress, data) })
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(progress) != 3 {
		t.Fatalf("progress events = %d, want 3", len(progress))
	}
	if result.Content != "final" {
		t.Fatalf("result = %+v", result)
	}
}

type streamingTool struct {
	steps int
}

func (s *streamingTool) Name() string            { return "stream" }
func (s *streamingTool) Description() string     { return "emits progress" }
func (s *streamingTool) Schema() json.RawMessage { return nil }

func (s *streamingTool) Execute(ctx context.Context, ec *ExecContext, input json.RawMessage) (*models.ToolResult, error) {
	return nil, errors.New("Execute must not be called for streamers")
}

func (s *streamingTool) Stream(ctx context.Context, ec *ExecContext, input json.RawMessage, progress func(any)) (*models.ToolResult, error) {
	for i := 0; i < s.steps; i++ {
		progress(i)
	}
	return &models.ToolResult{Content: "final"}, nil
}

func TestBatchSequentialWhenUnsafe(t *testing.T) {
	var mu sync.Mutex
	var running, peak int
	mkTool := func(name string, safe bool) *fakeTool {
		return &fakeTool{
			name: name,
			safe: safe,
			execute: func(ctx context.Context, ec *ExecContext, input json.RawMessage) (*models.ToolResult, error) {
				mu.Lock()
				running++
				if running > peak {
					peak = running
				}
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return &models.ToolResult{Content: name}, nil
			},
		}
	}

	d := newTestDispatcher(t, mkTool("safe", true), mkTool("unsafe", false))
	calls := []models.ToolCall{
		{ID: "tu_1", Name: "safe", Input: []byte(`{}`)},
		{ID: "tu_2", Name: "unsafe", Input: []byte(`{}`)},
	}
	items := d.DispatchBatch(context.Background(), testContext(t), calls, nil)
	if peak != 1 {
		t.Fatalf("peak concurrency = %d, want 1 with an unsafe tool in the batch", peak)
	}
	for i, item := range items {
		if item.Err != nil {
			t.Fatalf("item %d: %v", i, item.Err)
		}
	}
}

func TestBatchParallelWhenAllSafe(t *testing.T) {
	var mu sync.Mutex
	var running, peak int
	tool := &fakeTool{
		name: "par",
		safe: true,
		execute: func(ctx context.Context, ec *ExecContext, input json.RawMessage) (*models.ToolResult, error) {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return &models.ToolResult{Content: "done"}, nil
		},
	}

	d := newTestDispatcher(t, tool)
	calls := []models.ToolCall{
		{ID: "tu_1", Name: "par", Input: []byte(`{}`)},
		{ID: "tu_2", Name: "par", Input: []byte(`{}`)},
		{ID: "tu_3", Name: "par", Input: []byte(`{}`)},
	}
	d.DispatchBatch(context.Background(), testContext(t), calls, nil)
	if peak < 2 {
		t.Fatalf("peak concurrency = %d, want parallel execution", peak)
	}
}

func TestBatchConflictKeySerializes(t *testing.T) {
	var mu sync.Mutex
	var running, peak int
	tool := &fakeTool{
		name:        "writer",
		safe:        true,
		conflictKey: "/same/file",
		execute: func(ctx context.Context, ec *ExecContext, input json.RawMessage) (*models.ToolResult, error) {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return &models.ToolResult{Content: "done"}, nil
		},
	}

	d := newTestDispatcher(t, tool)
	calls := []models.ToolCall{
		{ID: "tu_1", Name: "writer", Input: []byte(`{}`)},
		{ID: "tu_2", Name: "writer", Input: []byte(`{}`)},
	}
	d.DispatchBatch(context.Background(), testContext(t), calls, nil)
	if peak != 1 {
		t.Fatalf("peak concurrency = %d, conflict key must serialize", peak)
	}
}

func TestBatchErrorsBecomeBlocks(t *testing.T) {
	d := newTestDispatcher(t, &fakeTool{name: "ok", safe: true})
	calls := []models.ToolCall{
		{ID: "tu_1", Name: "ok", Input: []byte(`{}`)},
		{ID: "tu_2", Name: "missing", Input: []byte(`{}`)},
	}
	items := d.DispatchBatch(context.Background(), testContext(t), calls, nil)
	if items[0].Err != nil {
		t.Fatalf("item 0: %v", items[0].Err)
	}
	if items[1].Err == nil {
		t.Fatal("item 1 should fail")
	}
	if items[1].Block.Type != models.BlockToolResult || !items[1].Block.IsError {
		t.Fatalf("failed call must still yield an error block: %+v", items[1].Block)
	}
	if items[1].Block.ToolUseID != "tu_2" {
		t.Fatalf("block id = %q", items[1].Block.ToolUseID)
	}
}
