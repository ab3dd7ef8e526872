package exec

import (
	"context"
	"strings"
	"testing"

	"github.com/tacitdev/tacit/internal/agent"
	coreexec "github.com/tacitdev/tacit/internal/exec"
)

func sessionHarness(t *testing.T) (*SessionTool, *agent.ExecContext) {
	t.Helper()
	pool := coreexec.NewPool(coreexec.PoolConfig{}, nil, nil)
	t.Cleanup(pool.Close)
	ec := &agent.ExecContext{
		SessionID: "sess-test",
		WorkDir:   t.TempDir(),
		State:     agent.NewAppState(nil),
	}
	return NewSessionTool(pool), ec
}

func TestSessionToolCarriesState(t *testing.T) {
	tool, ec := sessionHarness(t)
	ctx := context.Background()

	if _, err := tool.Execute(ctx, ec, raw(t, map[string]any{"command": "GREETING=hi"})); err != nil {
		t.Fatalf("set: %v", err)
	}
	result, err := tool.Execute(ctx, ec, raw(t, map[string]any{"command": "echo $GREETING"}))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if !strings.Contains(result.Content, "hi") {
		t.Fatalf("state lost across calls: %q", result.Content)
	}
}

func TestSessionToolDefaultsName(t *testing.T) {
	tool, ec := sessionHarness(t)
	result, err := tool.Execute(context.Background(), ec, raw(t, map[string]any{"command": "echo ok"}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(result.Content, "session: default") {
		t.Fatalf("content = %q", result.Content)
	}
}

func TestSessionToolClose(t *testing.T) {
	tool, ec := sessionHarness(t)
	ctx := context.Background()

	tool.Execute(ctx, ec, raw(t, map[string]any{"command": "A=1", "session": "work"}))
	result, err := tool.Execute(ctx, ec, raw(t, map[string]any{"session": "work", "close": true}))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !strings.Contains(result.Content, "closed") {
		t.Fatalf("content = %q", result.Content)
	}
	// A fresh session no longer sees the variable.
	result, err = tool.Execute(ctx, ec, raw(t, map[string]any{"command": "echo ${A:-gone}", "session": "work"}))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !strings.Contains(result.Content, "gone") {
		t.Fatalf("session survived close: %q", result.Content)
	}
}

func TestSessionToolValidateInput(t *testing.T) {
	tool, _ := sessionHarness(t)
	if v := tool.ValidateInput(raw(t, map[string]any{"command": "  "})); len(v) == 0 {
		t.Error("empty command should be rejected")
	}
	if v := tool.ValidateInput(raw(t, map[string]any{"close": true})); len(v) != 0 {
		t.Errorf("close-only call should validate, got %v", v)
	}
}

func TestSessionToolConflictKey(t *testing.T) {
	tool, _ := sessionHarness(t)
	a := tool.ConflictKey(raw(t, map[string]any{"command": "x", "session": "s"}))
	b := tool.ConflictKey(raw(t, map[string]any{"command": "y", "session": "s"}))
	c := tool.ConflictKey(raw(t, map[string]any{"command": "z", "session": "other"}))
	if a != b {
		t.Errorf("same session must share a key: %q vs %q", a, b)
	}
	if a == c {
		t.Error("distinct sessions must not share a key")
	}
}
