package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/tacitdev/tacit/internal/agent"
	"github.com/tacitdev/tacit/pkg/models"
)

// maxCarry bounds how much unparseable payload the parser will hold while
// waiting for the rest of a split JSON object.
const maxCarry = 1 << 20

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u wireUsage) usage() models.Usage {
	return models.Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
}

// wireEvent is the decoded payload of one stream event. Type selects which
// fields are populated.
type wireEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message *struct {
		ID    string    `json:"id"`
		Usage wireUsage `json:"usage"`
	} `json:"message,omitempty"`

	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
		Text string `json:"text"`
	} `json:"content_block,omitempty"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta,omitempty"`

	Usage *wireUsage `json:"usage,omitempty"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// blockState accumulates one content block by stream index.
type blockState struct {
	blockType string
	id        string
	name      string
	text      strings.Builder
	inputJSON strings.Builder
	input     json.RawMessage
	stopped   bool
}

// streamParser drives the content-block state machine over a decoded SSE
// stream, emitting provider-neutral events.
type streamParser struct {
	logger *slog.Logger
	blocks map[int]*blockState
	usage  models.Usage
	stop   models.StopReason
	carry  string
}

func newStreamParser(logger *slog.Logger) *streamParser {
	return &streamParser{
		logger: logger,
		blocks: make(map[int]*blockState),
	}
}

// consume reads events until a terminal condition and reports the outcome
// label (ok, error, cancelled) for metrics. Exactly one terminal event is
// emitted.
func (p *streamParser) consume(ctx context.Context, r io.Reader, ch chan<- agent.StreamEvent) string {
	dec := newSSEDecoder(r)
	for {
		if ctx.Err() != nil {
			ch <- agent.StreamEvent{Kind: agent.StreamCancelled, Err: context.Cause(ctx)}
			return "cancelled"
		}

		raw, err := dec.Next()
		if err != nil {
			if ctx.Err() != nil {
				ch <- agent.StreamEvent{Kind: agent.StreamCancelled, Err: context.Cause(ctx)}
				return "cancelled"
			}
			if err == io.EOF {
				ch <- agent.StreamEvent{
					Kind: agent.StreamError,
					Err:  agent.NewError(agent.ErrNetwork, "stream ended before message_stop").WithPhase(agent.PhaseStream),
				}
			} else {
				ch <- agent.StreamEvent{
					Kind: agent.StreamError,
					Err:  agent.NewError(agent.ErrNetwork, "read event stream").WithPhase(agent.PhaseStream).WithCause(err),
				}
			}
			return "error"
		}
		if raw.done() {
			ch <- agent.StreamEvent{
				Kind: agent.StreamError,
				Err:  agent.NewError(agent.ErrNetwork, "stream ended before message_stop").WithPhase(agent.PhaseStream),
			}
			return "error"
		}
		if raw.Data == "" {
			continue
		}

		ev, ok := p.decode(raw.Data, ch)
		if !ok {
			continue
		}
		terminal, outcome := p.apply(ev, ch)
		if terminal {
			return outcome
		}
	}
}

// decode unmarshals one event payload, carrying unparseable fragments
// forward in case the server split a JSON object across events.
func (p *streamParser) decode(data string, ch chan<- agent.StreamEvent) (wireEvent, bool) {
	payload := data
	if p.carry != "" {
		payload = p.carry + data
	}

	var ev wireEvent
	if err := json.Unmarshal([]byte(payload), &ev); err == nil {
		p.carry = ""
		return ev, true
	}

	// The combined payload failed. If the fresh data stands alone, the
	// carried fragment was unrecoverable.
	if p.carry != "" {
		if err := json.Unmarshal([]byte(data), &ev); err == nil {
			p.parseError(ch, fmt.Errorf("dropped %d bytes of unparseable event data", len(p.carry)))
			p.carry = ""
			return ev, true
		}
	}

	if len(payload) > maxCarry {
		p.parseError(ch, fmt.Errorf("event payload exceeds %d bytes without parsing", maxCarry))
		p.carry = ""
		return wireEvent{}, false
	}
	p.carry = payload
	return wireEvent{}, false
}

func (p *streamParser) parseError(ch chan<- agent.StreamEvent, err error) {
	p.logger.Warn("stream parse error", "error", err)
	ch <- agent.StreamEvent{
		Kind: agent.StreamParseError,
		Err:  agent.NewError(agent.ErrParse, err.Error()).WithPhase(agent.PhaseStream),
	}
}

// apply advances the state machine by one event. It reports whether the
// event was terminal and, if so, the metrics outcome label.
func (p *streamParser) apply(ev wireEvent, ch chan<- agent.StreamEvent) (bool, string) {
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			p.usage.Add(ev.Message.Usage.usage())
		}
		ch <- agent.StreamEvent{Kind: agent.StreamMessageStart, Usage: p.usage}

	case "content_block_start":
		b := p.block(ev.Index)
		if ev.ContentBlock != nil {
			b.blockType = ev.ContentBlock.Type
			b.id = ev.ContentBlock.ID
			b.name = ev.ContentBlock.Name
			if ev.ContentBlock.Text != "" {
				b.text.WriteString(ev.ContentBlock.Text)
			}
		}
		ch <- agent.StreamEvent{Kind: agent.StreamBlockStart, Index: ev.Index, BlockType: b.blockType}

	case "content_block_delta":
		if ev.Delta == nil {
			break
		}
		b := p.block(ev.Index)
		switch ev.Delta.Type {
		case "text_delta":
			if b.blockType == "" {
				b.blockType = models.BlockText
			}
			b.text.WriteString(ev.Delta.Text)
			ch <- agent.StreamEvent{Kind: agent.StreamTextDelta, Index: ev.Index, Text: ev.Delta.Text}
		case "input_json_delta":
			if b.blockType == "" {
				b.blockType = models.BlockToolUse
			}
			b.inputJSON.WriteString(ev.Delta.PartialJSON)
			ch <- agent.StreamEvent{Kind: agent.StreamJSONDelta, Index: ev.Index, Partial: ev.Delta.PartialJSON}
		}

	case "content_block_stop":
		b := p.block(ev.Index)
		b.stopped = true
		if b.blockType == models.BlockToolUse {
			raw := b.inputJSON.String()
			if raw == "" {
				raw = "{}"
			}
			if !json.Valid([]byte(raw)) {
				p.parseError(ch, fmt.Errorf("tool_use input for block %d is not valid JSON", ev.Index))
				b.input = json.RawMessage(`{}`)
			} else {
				b.input = json.RawMessage(raw)
			}
		}
		ch <- agent.StreamEvent{Kind: agent.StreamBlockStop, Index: ev.Index, BlockType: b.blockType}

	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			p.stop = models.StopReason(ev.Delta.StopReason)
		}
		if ev.Usage != nil {
			p.usage.Add(ev.Usage.usage())
		}
		ch <- agent.StreamEvent{Kind: agent.StreamUsageUpdate, Usage: p.usage, StopReason: p.stop}

	case "message_stop":
		ch <- agent.StreamEvent{
			Kind:       agent.StreamMessageStop,
			Usage:      p.usage,
			StopReason: p.stop,
			Final:      p.finalize(ch),
		}
		return true, "ok"

	case "error":
		msg := "stream error"
		kind := agent.ErrServerTransient
		if ev.Error != nil {
			msg = ev.Error.Message
			kind = errorEventKind(ev.Error.Type)
		}
		ch <- agent.StreamEvent{
			Kind: agent.StreamError,
			Err:  agent.NewError(kind, msg).WithPhase(agent.PhaseStream),
		}
		return true, "error"

	case "ping":
		// Keepalive.

	default:
		p.logger.Debug("ignoring unknown stream event", "type", ev.Type)
	}
	return false, ""
}

func (p *streamParser) block(index int) *blockState {
	b, ok := p.blocks[index]
	if !ok {
		b = &blockState{}
		p.blocks[index] = b
	}
	return b
}

// finalize assembles the content blocks in index order. Blocks the server
// never stopped are closed here so a well-formed message still comes out.
func (p *streamParser) finalize(ch chan<- agent.StreamEvent) []models.ContentBlock {
	indices := make([]int, 0, len(p.blocks))
	for i := range p.blocks {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	out := make([]models.ContentBlock, 0, len(indices))
	for _, i := range indices {
		b := p.blocks[i]
		switch b.blockType {
		case models.BlockToolUse:
			input := b.input
			if input == nil {
				raw := b.inputJSON.String()
				if raw == "" || !json.Valid([]byte(raw)) {
					if raw != "" {
						p.parseError(ch, fmt.Errorf("tool_use input for block %d is not valid JSON", i))
					}
					raw = "{}"
				}
				input = json.RawMessage(raw)
			}
			out = append(out, models.ToolUseBlock(b.id, b.name, input))
		default:
			text := b.text.String()
			if text == "" && b.blockType == "" {
				continue
			}
			out = append(out, models.TextBlock(text))
		}
	}
	return out
}

func errorEventKind(errorType string) agent.ErrorKind {
	switch errorType {
	case "rate_limit_error":
		return agent.ErrRateLimit
	case "overloaded_error", "api_error":
		return agent.ErrServerTransient
	case "invalid_request_error", "authentication_error", "permission_error", "not_found_error":
		return agent.ErrClient
	default:
		return agent.ErrServerTransient
	}
}
