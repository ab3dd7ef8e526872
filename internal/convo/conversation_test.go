package convo

import (
	"strings"
	"testing"
	"time"

	"github.com/tacitdev/tacit/pkg/models"
)

func addText(t *testing.T, c *Conversation, role models.Role, text string) *models.Message {
	t.Helper()
	msg, err := c.AddMessage(role, []models.ContentBlock{models.TextBlock(text)}, nil)
	if err != nil {
		t.Fatalf("add %s message: %v", role, err)
	}
	return msg
}

func TestFirstMessageRole(t *testing.T) {
	c := New("test-model")
	if _, err := c.AddMessage(models.RoleAssistant, []models.ContentBlock{models.TextBlock("hi")}, nil); err == nil {
		t.Fatal("assistant must not open a conversation")
	}
	addText(t, c, models.RoleUser, "hello")
}

func TestAlternation(t *testing.T) {
	c := New("test-model")
	addText(t, c, models.RoleUser, "question")
	if _, err := c.AddMessage(models.RoleUser, []models.ContentBlock{models.TextBlock("again")}, nil); err == nil {
		t.Fatal("consecutive user messages must be rejected")
	}
	addText(t, c, models.RoleAssistant, "answer")
	if _, err := c.AddMessage(models.RoleAssistant, []models.ContentBlock{models.TextBlock("more")}, nil); err == nil {
		t.Fatal("consecutive assistant messages must be rejected")
	}
}

func TestToolLoopSequence(t *testing.T) {
	c := New("test-model")
	addText(t, c, models.RoleUser, "list files")

	_, err := c.AddMessage(models.RoleAssistant, []models.ContentBlock{
		models.TextBlock("running ls"),
		models.ToolUseBlock("tu_1", "bash", []byte(`{"command":"ls"}`)),
	}, nil)
	if err != nil {
		t.Fatalf("assistant tool_use: %v", err)
	}

	_, err = c.AddMessage(models.RoleUser, []models.ContentBlock{
		models.ToolResultBlock("tu_1", "a.txt\nb.txt", false),
	}, nil)
	if err != nil {
		t.Fatalf("user tool_result: %v", err)
	}

	// Chained round: assistant issues another tool_use after the results.
	_, err = c.AddMessage(models.RoleAssistant, []models.ContentBlock{
		models.ToolUseBlock("tu_2", "read", []byte(`{"file_path":"/x/a.txt"}`)),
	}, nil)
	if err != nil {
		t.Fatalf("chained tool_use: %v", err)
	}
}

func TestToolResultMustReferenceEarlierUse(t *testing.T) {
	c := New("test-model")
	addText(t, c, models.RoleUser, "go")
	addText(t, c, models.RoleAssistant, "ok")
	_, err := c.AddMessage(models.RoleUser, []models.ContentBlock{
		models.ToolResultBlock("tu_missing", "output", false),
	}, nil)
	if err == nil {
		t.Fatal("dangling tool_result must be rejected")
	}
}

func TestTokenCountIsSumOfEstimates(t *testing.T) {
	c := New("test-model")
	addText(t, c, models.RoleUser, "one two three")
	addText(t, c, models.RoleAssistant, strings.Repeat("word ", 100))
	sum := 0
	for _, m := range c.Messages() {
		sum += m.TokenEstimate
	}
	if c.TokenCount() != sum {
		t.Fatalf("tokenCount = %d, sum = %d", c.TokenCount(), sum)
	}
	if sum == 0 {
		t.Fatal("estimates should be positive")
	}
}

func TestStateMachine(t *testing.T) {
	c := New("test-model")
	steps := []State{StateWaiting, StateProcessing, StateStreaming, StateIdle}
	for _, s := range steps {
		if err := c.SetState(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if err := c.SetState(StateStreaming); err == nil {
		t.Fatal("idle -> streaming must be rejected")
	}
	if err := c.SetState(StateWaiting); err != nil {
		t.Fatalf("idle -> waiting: %v", err)
	}
	if err := c.SetState(StateError); err != nil {
		t.Fatalf("waiting -> error: %v", err)
	}
	if err := c.SetState(StateIdle); err != nil {
		t.Fatalf("error -> idle: %v", err)
	}
	if err := c.SetState(StateTerminated); err != nil {
		t.Fatalf("terminate: %v", err)
	}
}

func TestWireStripsMetadata(t *testing.T) {
	c := New("test-model")
	c.AddMessage(models.RoleUser, []models.ContentBlock{models.TextBlock("hi")}, map[string]any{"internal": true})
	wire := c.Wire()
	if len(wire) != 1 {
		t.Fatalf("wire len = %d", len(wire))
	}
	if wire[0].Role != models.RoleUser || wire[0].Content[0].Text != "hi" {
		t.Fatalf("wire = %+v", wire[0])
	}
}

func TestHistoryFilter(t *testing.T) {
	c := New("test-model")
	addText(t, c, models.RoleUser, "first")
	addText(t, c, models.RoleAssistant, "reply")

	users := c.History(HistoryFilter{Role: models.RoleUser})
	if len(users) != 1 || users[0].Text() != "first" {
		t.Fatalf("role filter returned %d messages", len(users))
	}
	none := c.History(HistoryFilter{After: time.Now().Add(time.Hour)})
	if len(none) != 0 {
		t.Fatalf("time filter returned %d messages", len(none))
	}
}

func TestSystemMessagesExemptFromAlternation(t *testing.T) {
	c := New("test-model")
	addText(t, c, models.RoleUser, "hi")
	addText(t, c, models.RoleSystem, "note")
	addText(t, c, models.RoleAssistant, "hello")
}

func TestEmptyContentRejected(t *testing.T) {
	c := New("test-model")
	if _, err := c.AddMessage(models.RoleUser, nil, nil); err == nil {
		t.Fatal("empty content must be rejected")
	}
}
