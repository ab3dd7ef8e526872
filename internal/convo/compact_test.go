package convo

import (
	"fmt"
	"strings"
	"testing"

	"github.com/tacitdev/tacit/pkg/models"
)

// buildConversation creates an alternating user/assistant log with a tool
// round in the middle, padded so each message carries real token weight.
func buildConversation(t *testing.T, turns int) *Conversation {
	t.Helper()
	c := New("test-model")
	pad := strings.Repeat("lorem ipsum dolor sit amet consectetur ", 40)

	for i := 0; i < turns; i++ {
		addText(t, c, models.RoleUser, fmt.Sprintf("user turn %d: %s", i, pad))
		if i == turns/2 {
			c.AddMessage(models.RoleAssistant, []models.ContentBlock{
				models.ToolUseBlock(fmt.Sprintf("tu_%d", i), "bash", []byte(`{"command":"make test"}`)),
			}, nil)
			c.AddMessage(models.RoleUser, []models.ContentBlock{
				models.ToolResultBlock(fmt.Sprintf("tu_%d", i), "tests passed "+pad, false),
			}, nil)
		}
		addText(t, c, models.RoleAssistant, fmt.Sprintf("assistant turn %d: %s", i, pad))
	}
	return c
}

func TestCompactNoopBelowThreshold(t *testing.T) {
	k := NewCompactor(CompactorConfig{TokenThreshold: 1 << 30}, nil)
	c := buildConversation(t, 15)
	before := c.Len()
	if _, ok := k.Compact(c); ok {
		t.Fatal("compaction must be a no-op below threshold")
	}
	if c.Len() != before {
		t.Fatal("message list changed on no-op")
	}
}

func TestCompactNoopBelowMinMessages(t *testing.T) {
	k := NewCompactor(CompactorConfig{TokenThreshold: 1, MinMessages: 100}, nil)
	c := buildConversation(t, 15)
	if _, ok := k.Compact(c); ok {
		t.Fatal("compaction must respect the message-count floor")
	}
}

func TestCompactReducesTokensAndMessages(t *testing.T) {
	k := NewCompactor(CompactorConfig{TokenThreshold: 100}, nil)
	c := buildConversation(t, 20)
	beforeTokens := c.TokenCount()
	beforeLen := c.Len()

	result, ok := k.Compact(c)
	if !ok {
		t.Fatal("expected compaction")
	}
	if c.Len() >= beforeLen {
		t.Fatalf("messages %d -> %d, want fewer", beforeLen, c.Len())
	}
	if c.TokenCount() >= beforeTokens {
		t.Fatalf("tokens %d -> %d, want fewer", beforeTokens, c.TokenCount())
	}
	if result.TokensAfter != c.TokenCount() || result.TokensBefore != beforeTokens {
		t.Fatalf("result = %+v", result)
	}

	// Recomputed count equals sum of estimates on the new list.
	sum := 0
	for _, m := range c.Messages() {
		sum += m.TokenEstimate
	}
	if sum != c.TokenCount() {
		t.Fatalf("tokenCount %d != sum %d", c.TokenCount(), sum)
	}
}

func TestCompactPreservesSuffixVerbatim(t *testing.T) {
	k := NewCompactor(CompactorConfig{TokenThreshold: 100}, nil)
	c := buildConversation(t, 20)
	original := c.Messages()

	result, ok := k.Compact(c)
	if !ok {
		t.Fatal("expected compaction")
	}

	suffix := original[result.Boundary:]
	after := c.Messages()
	tail := after[len(after)-len(suffix):]
	for i := range suffix {
		if tail[i] != suffix[i] {
			t.Fatalf("suffix message %d not preserved verbatim", i)
		}
	}
	if !strings.Contains(after[0].Text(), "compacted") {
		t.Fatalf("first message should be the boundary marker, got %q", after[0].Text())
	}
}

func TestCompactNeverSplitsToolPair(t *testing.T) {
	// Dispatch a tool round at every candidate boundary position so any
	// split would be caught.
	c := New("test-model")
	pad := strings.Repeat("word repeated for weight in the estimator ", 30)
	for i := 0; i < 12; i++ {
		addText(t, c, models.RoleUser, fmt.Sprintf("request %d %s", i, pad))
		c.AddMessage(models.RoleAssistant, []models.ContentBlock{
			models.ToolUseBlock(fmt.Sprintf("tu_%d", i), "edit", []byte(`{"file_path":"/w/f.go"}`)),
		}, nil)
		c.AddMessage(models.RoleUser, []models.ContentBlock{
			models.ToolResultBlock(fmt.Sprintf("tu_%d", i), "edited "+pad, false),
		}, nil)
		addText(t, c, models.RoleAssistant, fmt.Sprintf("done %d %s", i, pad))
	}

	k := NewCompactor(CompactorConfig{TokenThreshold: 100}, nil)
	result, ok := k.Compact(c)
	if !ok {
		t.Fatal("expected compaction")
	}

	// Every tool_result in the preserved tail must still have its
	// tool_use present.
	after := c.Messages()
	uses := make(map[string]bool)
	for _, m := range after {
		for _, b := range m.Content {
			if b.Type == models.BlockToolUse {
				uses[b.ID] = true
			}
		}
	}
	for i, m := range after {
		for _, b := range m.Content {
			if b.Type == models.BlockToolResult && !uses[b.ToolUseID] {
				t.Fatalf("message %d (boundary %d): tool_result %s orphaned",
					i, result.Boundary, b.ToolUseID)
			}
		}
	}
}

func TestCompactPreservesCriticalCallsVerbatim(t *testing.T) {
	c := buildConversation(t, 6)
	pad := strings.Repeat("filler text for token weight in this message ", 30)
	c.AddMessage(models.RoleUser, []models.ContentBlock{models.TextBlock("more " + pad)}, nil)
	c.AddMessage(models.RoleAssistant, []models.ContentBlock{
		models.ToolUseBlock("tu_crit", "write", []byte(`{"file_path":"/w/new.go","content":"x"}`)),
	}, nil)
	c.AddMessage(models.RoleUser, []models.ContentBlock{
		models.ToolResultBlock("tu_crit", "wrote file", false),
	}, nil)
	for i := 0; i < 8; i++ {
		addText(t, c, models.RoleAssistant, fmt.Sprintf("later a%d %s", i, pad))
		addText(t, c, models.RoleUser, fmt.Sprintf("later u%d %s", i, pad))
	}

	k := NewCompactor(CompactorConfig{TokenThreshold: 100}, nil)
	result, ok := k.Compact(c)
	if !ok {
		t.Fatal("expected compaction")
	}
	if result.Boundary <= 10 {
		// The critical call sits early; only meaningful if it was folded.
		t.Skipf("boundary %d left the critical call in the suffix", result.Boundary)
	}
	var found bool
	for _, m := range c.Messages() {
		if strings.Contains(m.Text(), "tu_crit") && strings.Contains(m.Text(), "write") {
			found = true
		}
	}
	if !found {
		t.Fatal("critical write call not preserved in summary")
	}
}

func TestScoreBoundaryPenalizesToolSplit(t *testing.T) {
	k := NewCompactor(DefaultCompactorConfig(), nil)
	use := &models.Message{Role: models.RoleAssistant, Content: []models.ContentBlock{
		models.ToolUseBlock("tu_1", "bash", []byte(`{}`)),
	}}
	res := &models.Message{Role: models.RoleUser, Content: []models.ContentBlock{
		models.ToolResultBlock("tu_1", "out", false),
	}}
	plainA := &models.Message{Role: models.RoleAssistant, Content: []models.ContentBlock{models.TextBlock("done with that work")}}
	plainU := &models.Message{Role: models.RoleUser, Content: []models.ContentBlock{models.TextBlock("thanks, continue please")}}

	split := k.scoreBoundary([]*models.Message{use, res}, 1)
	clean := k.scoreBoundary([]*models.Message{plainA, plainU}, 1)
	if split >= clean {
		t.Fatalf("split score %d should be below clean score %d", split, clean)
	}
}

func TestNearErrorWindowSymmetric(t *testing.T) {
	text := func(s string) *models.Message {
		return &models.Message{Role: models.RoleUser, Content: []models.ContentBlock{models.TextBlock(s)}}
	}
	errored := &models.Message{Role: models.RoleUser, Content: []models.ContentBlock{
		models.ToolResultBlock("tu_1", "command failed", true),
	}}

	tests := []struct {
		name     string
		messages []*models.Message
		i        int
		want     bool
	}{
		{"error two before", []*models.Message{errored, text("a"), text("b"), text("c")}, 2, true},
		{"error two after", []*models.Message{text("a"), text("b"), text("c"), text("d"), errored}, 2, true},
		{"error three after", []*models.Message{text("a"), text("b"), text("c"), text("d"), text("e"), errored}, 2, false},
		{"error three before", []*models.Message{errored, text("a"), text("b"), text("c"), text("d")}, 3, false},
		{"no error", []*models.Message{text("a"), text("b"), text("c")}, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nearError(tt.messages, tt.i); got != tt.want {
				t.Errorf("nearError(i=%d) = %v, want %v", tt.i, got, tt.want)
			}
		})
	}
}
