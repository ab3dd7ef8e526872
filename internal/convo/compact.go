package convo

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tacitdev/tacit/pkg/models"
)

// CompactorConfig configures the microcompactor.
type CompactorConfig struct {
	// TokenThreshold triggers compaction once the conversation's token
	// count reaches it. Default: 150000.
	TokenThreshold int

	// MinMessages is the minimum message count before compaction is
	// considered. Default: 10.
	MinMessages int

	// TargetRatio positions the ideal boundary as a fraction of the
	// message count. Default: 0.5.
	TargetRatio float64

	// ScoreFloor skips compaction when the best boundary scores below it.
	// Default: 0 (any positive-base candidate qualifies).
	ScoreFloor int
}

// DefaultCompactorConfig returns the default thresholds.
func DefaultCompactorConfig() CompactorConfig {
	return CompactorConfig{
		TokenThreshold: 150000,
		MinMessages:    10,
		TargetRatio:    0.5,
	}
}

func (c CompactorConfig) sanitized() CompactorConfig {
	d := DefaultCompactorConfig()
	if c.TokenThreshold <= 0 {
		c.TokenThreshold = d.TokenThreshold
	}
	if c.MinMessages <= 0 {
		c.MinMessages = d.MinMessages
	}
	if c.TargetRatio <= 0 || c.TargetRatio >= 1 {
		c.TargetRatio = d.TargetRatio
	}
	return c
}

// CompactResult reports what a compaction did.
type CompactResult struct {
	Boundary      int
	MessagesAfter int
	TokensBefore  int
	TokensAfter   int
}

// Compactor folds the older portion of an over-budget conversation into a
// deterministic structured summary, preserving the suffix verbatim.
type Compactor struct {
	config CompactorConfig
	logger *slog.Logger
}

// NewCompactor creates a compactor.
func NewCompactor(config CompactorConfig, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		config: config.sanitized(),
		logger: logger.With("component", "compactor"),
	}
}

// ShouldCompact reports whether the conversation is over both thresholds.
func (k *Compactor) ShouldCompact(c *Conversation) bool {
	return c.TokenCount() >= k.config.TokenThreshold && c.Len() >= k.config.MinMessages
}

// Compact rewrites the conversation in place when over threshold. Returns
// (result, true) when a compaction occurred; (zero, false) for the no-op
// cases: under threshold, too few messages, or no viable boundary.
func (k *Compactor) Compact(c *Conversation) (CompactResult, bool) {
	if !k.ShouldCompact(c) {
		return CompactResult{}, false
	}

	messages := c.Messages()
	boundary, score := k.selectBoundary(messages)
	if boundary < 0 || score < k.config.ScoreFloor {
		k.logger.Debug("compaction skipped", "best_score", score, "floor", k.config.ScoreFloor)
		return CompactResult{}, false
	}

	tokensBefore := c.TokenCount()
	prefix := messages[:boundary]
	suffix := messages[boundary:]

	summary := k.summarize(prefix)
	rebuilt := make([]*models.Message, 0, len(summary)+len(suffix))
	rebuilt = append(rebuilt, summary...)
	rebuilt = append(rebuilt, suffix...)

	c.replace(rebuilt)

	result := CompactResult{
		Boundary:      boundary,
		MessagesAfter: len(rebuilt),
		TokensBefore:  tokensBefore,
		TokensAfter:   c.TokenCount(),
	}
	k.logger.Info("conversation compacted",
		"boundary", boundary,
		"messages_before", len(messages),
		"messages_after", len(rebuilt),
		"tokens_before", tokensBefore,
		"tokens_after", result.TokensAfter)
	return result, true
}

// selectBoundary scores candidate split points around the target position
// and returns the best index, ties broken by lower index. Returns -1 when
// the candidate window is empty.
func (k *Compactor) selectBoundary(messages []*models.Message) (int, int) {
	n := len(messages)
	target := int(float64(n) * k.config.TargetRatio)

	lo := target - 5
	if lo < 10 {
		lo = 10
	}
	hi := target + 5
	if hi > n-5 {
		hi = n - 5
	}
	if lo > hi {
		return -1, 0
	}

	best, bestScore := -1, 0
	for i := lo; i <= hi; i++ {
		s := k.scoreBoundary(messages, i)
		if best == -1 || s > bestScore {
			best, bestScore = i, s
		}
	}
	return best, bestScore
}

// topicShiftPhrases mark an explicit change of subject at a message start.
var topicShiftPhrases = []string{
	"now let's",
	"next,",
	"moving on",
	"new topic",
	"switching to",
	"let's switch",
}

func (k *Compactor) scoreBoundary(messages []*models.Message, i int) int {
	score := 100
	prev := messages[i-1]
	cur := messages[i]

	if prev.Role == models.RoleUser && len(prev.ToolResults()) > 0 {
		score += 50
	}
	if prev.Role == models.RoleAssistant {
		score += 30
	}
	if splitsToolPair(prev, cur) {
		score -= 100
	}
	if naturalBreak(prev, cur) {
		score += 20
	}
	if nearError(messages, i) {
		score -= 30
	}
	if topicChanged(prev, cur) {
		score += 25
	}
	return score
}

// splitsToolPair reports whether cutting between prev and cur separates a
// tool_use from its tool_result, or breaks a chained pair.
func splitsToolPair(prev, cur *models.Message) bool {
	if len(prev.ToolUses()) > 0 && len(cur.ToolResults()) > 0 {
		return true
	}
	// Chained: result feeding directly into the next round of tool calls.
	if len(prev.ToolResults()) > 0 && len(cur.ToolUses()) > 0 {
		return true
	}
	return false
}

func naturalBreak(prev, cur *models.Message) bool {
	if prev.Role == models.RoleUser && cur.Role == models.RoleUser {
		return true
	}
	if cur.CreatedAt.Sub(prev.CreatedAt) >= 5*time.Minute {
		return true
	}
	text := strings.ToLower(strings.TrimSpace(cur.Text()))
	for _, phrase := range topicShiftPhrases {
		if strings.HasPrefix(text, phrase) {
			return true
		}
	}
	return false
}

// nearError looks for an errored tool result within two messages on either
// side of the boundary.
func nearError(messages []*models.Message, i int) bool {
	lo := i - 2
	if lo < 0 {
		lo = 0
	}
	hi := i + 2
	if hi > len(messages)-1 {
		hi = len(messages) - 1
	}
	for j := lo; j <= hi; j++ {
		for _, b := range messages[j].Content {
			if b.Type == models.BlockToolResult && b.IsError {
				return true
			}
		}
	}
	return false
}

// topicChanged is a cheap lexical heuristic: near-zero word overlap between
// adjacent non-empty texts.
func topicChanged(prev, cur *models.Message) bool {
	a := wordSet(prev.Text())
	b := wordSet(cur.Text())
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	common := 0
	for w := range b {
		if a[w] {
			common++
		}
	}
	union := len(a) + len(b) - common
	return float64(common)/float64(union) < 0.1
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if len(w) > 3 {
			set[w] = true
		}
	}
	return set
}

// summarize partitions the prefix by content kind and emits the structured
// summary messages, opening with the boundary marker.
func (k *Compactor) summarize(prefix []*models.Message) []*models.Message {
	stats := collectStats(prefix)

	marker := summaryMessage(models.RoleSystem, fmt.Sprintf(
		"[history compacted] %d earlier messages (%d user, %d assistant) were folded into the summary below; ~%d tokens reclaimed.",
		len(prefix), stats.userCount, stats.assistantCount, stats.tokens))

	overview := summaryMessage(models.RoleSystem, fmt.Sprintf(
		"Compacted span: %d tool calls, %d tool results (%d errored), %d images, %d documents.",
		stats.toolCalls, stats.toolResults, stats.errors, stats.images, stats.documents))

	var parts []string
	parts = append(parts, "Tool usage in the compacted span:")
	for _, tc := range stats.toolFrequency() {
		parts = append(parts, fmt.Sprintf("- %s: %d call(s)", tc.name, tc.count))
	}
	toolBlock := summaryMessage(models.RoleSystem, strings.Join(parts, "\n"))

	narrative := summaryMessage(models.RoleAssistant, stats.narrative())

	out := []*models.Message{marker, overview}
	if stats.toolCalls > 0 {
		out = append(out, toolBlock)
	}
	out = append(out, narrative)
	if critical := stats.criticalCalls(); critical != "" {
		out = append(out, summaryMessage(models.RoleSystem,
			"Critical tool calls preserved verbatim:\n"+critical))
	}
	return out
}

func summaryMessage(role models.Role, text string) *models.Message {
	msg := &models.Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   []models.ContentBlock{models.TextBlock(text)},
		CreatedAt: time.Now(),
		Metadata:  map[string]any{"compaction_summary": true},
	}
	msg.TokenEstimate = EstimateMessage(msg)
	return msg
}

type prefixStats struct {
	userCount      int
	assistantCount int
	toolCalls      int
	toolResults    int
	errors         int
	images         int
	documents      int
	tokens         int

	toolCounts map[string]int
	userTopics []string
	actions    []string
	errorKinds []string
	critical   []models.ContentBlock
}

// criticalToolNames are file-mutating or system-changing tools whose calls
// are preserved verbatim through compaction.
var criticalToolNames = map[string]bool{
	"write":         true,
	"edit":          true,
	"multi_edit":    true,
	"notebook_edit": true,
	"kill_shell":    true,
}

// criticalCommandMarkers flag shell commands that change system or VCS
// state.
var criticalCommandMarkers = []string{
	"install", "apt", "brew", "pip", "npm i",
	"git commit", "git push", "git merge", "git rebase",
	"rm ", "mv ", "chmod", "chown",
}

func collectStats(prefix []*models.Message) *prefixStats {
	s := &prefixStats{toolCounts: make(map[string]int)}
	erroredUses := make(map[string]bool)

	for _, m := range prefix {
		s.tokens += m.TokenEstimate
		switch m.Role {
		case models.RoleUser:
			if len(m.ToolResults()) == 0 {
				s.userCount++
				if t := firstLine(m.Text()); t != "" && len(s.userTopics) < 5 {
					s.userTopics = append(s.userTopics, t)
				}
			}
		case models.RoleAssistant:
			s.assistantCount++
			if t := firstLine(m.Text()); t != "" && len(s.actions) < 7 {
				s.actions = append(s.actions, t)
			}
		}
		for _, b := range m.Content {
			switch b.Type {
			case models.BlockToolUse:
				s.toolCalls++
				s.toolCounts[b.Name]++
			case models.BlockToolResult:
				s.toolResults++
				if b.IsError {
					s.errors++
					erroredUses[b.ToolUseID] = true
					if kind := firstLine(b.Content); kind != "" {
						s.errorKinds = append(s.errorKinds, kind)
					}
				}
			case models.BlockImage:
				s.images++
			case models.BlockDocument:
				s.documents++
			}
		}
	}

	for _, m := range prefix {
		for _, b := range m.Content {
			if b.Type != models.BlockToolUse {
				continue
			}
			if isCriticalCall(b) || erroredUses[b.ID] {
				s.critical = append(s.critical, b)
			}
		}
	}
	return s
}

func isCriticalCall(b models.ContentBlock) bool {
	if criticalToolNames[strings.ToLower(b.Name)] {
		return true
	}
	if strings.EqualFold(b.Name, "bash") {
		input := strings.ToLower(string(b.Input))
		for _, marker := range criticalCommandMarkers {
			if strings.Contains(input, marker) {
				return true
			}
		}
	}
	return false
}

type toolCount struct {
	name  string
	count int
}

func (s *prefixStats) toolFrequency() []toolCount {
	out := make([]toolCount, 0, len(s.toolCounts))
	for name, count := range s.toolCounts {
		out = append(out, toolCount{name, count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].name < out[j].name
	})
	return out
}

func (s *prefixStats) narrative() string {
	var b strings.Builder
	b.WriteString("Summary of the compacted span.\n")
	if len(s.userTopics) > 0 {
		b.WriteString("User topics:\n")
		for _, t := range s.userTopics {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}
	if len(s.actions) > 0 {
		b.WriteString("Key actions:\n")
		for _, a := range s.actions {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	if len(s.errorKinds) > 0 {
		b.WriteString("Errors encountered:\n")
		for _, e := range dedupe(s.errorKinds, 5) {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *prefixStats) criticalCalls() string {
	if len(s.critical) == 0 {
		return ""
	}
	var lines []string
	for _, b := range s.critical {
		lines = append(lines, fmt.Sprintf("- %s(%s) [id=%s]", b.Name, string(b.Input), b.ID))
	}
	return strings.Join(lines, "\n")
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if len(text) > 120 {
		text = text[:120] + "..."
	}
	return text
}

func dedupe(in []string, max int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
		if len(out) == max {
			break
		}
	}
	return out
}
