// Package convo implements the conversation store: an append-only message
// log with incremental token accounting, a state machine over the
// conversation lifecycle, and the microcompactor that folds old history
// into structured summaries once the token budget is exceeded.
package convo

import (
	"math"
	"regexp"
	"strings"

	"github.com/tacitdev/tacit/pkg/models"
)

// Per-block fixed overheads, in tokens. These approximate the framing cost
// the API charges around each block kind.
const (
	toolUseOverhead    = 20
	toolResultOverhead = 15
	imageTokens        = 765
	documentPageTokens = 750
	codeBlockOverhead  = 12
	urlDiscount        = 6
)

var (
	fenceRe = regexp.MustCompile("(?m)^```")
	urlRe   = regexp.MustCompile(`https?://\S+`)
)

// EstimateText approximates the token cost of a text span. Deterministic:
// the same input always yields the same estimate.
func EstimateText(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	chars := len(text)

	est := math.Max(float64(words)*1.3, float64(chars)/4)

	// Fenced code tokenizes worse than prose; each open/close fence pair
	// costs roughly one fixed overhead.
	fences := len(fenceRe.FindAllString(text, -1))
	est += float64(fences/2) * codeBlockOverhead

	// URLs tokenize denser than chars/4 suggests.
	urls := len(urlRe.FindAllString(text, -1))
	est -= float64(urls * urlDiscount)

	n := int(math.Ceil(est))
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateBlock approximates the token cost of one content block.
func EstimateBlock(b models.ContentBlock) int {
	switch b.Type {
	case models.BlockText:
		return EstimateText(b.Text)
	case models.BlockImage:
		return imageTokens
	case models.BlockDocument:
		pages := b.Pages
		if pages < 1 {
			pages = 1
		}
		return pages * documentPageTokens
	case models.BlockToolUse:
		return toolUseOverhead + EstimateText(string(b.Input))
	case models.BlockToolResult:
		return toolResultOverhead + EstimateText(b.Content)
	}
	return 0
}

// EstimateMessage approximates the token cost of a whole message.
func EstimateMessage(m *models.Message) int {
	total := 0
	for _, b := range m.Content {
		total += EstimateBlock(b)
	}
	return total
}
