package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tacitdev/tacit/internal/convo"
	"github.com/tacitdev/tacit/internal/hooks"
	"github.com/tacitdev/tacit/internal/observability"
	"github.com/tacitdev/tacit/pkg/models"
)

// Sink receives user-visible loop output. Nil funcs are skipped.
type Sink struct {
	Text         func(text string)
	ToolUse      func(call models.ToolCall)
	ToolProgress func(tool string, data any)
	ToolDone     func(item BatchItem)
	Err          func(err error)
}

func (s *Sink) text(t string) {
	if s != nil && s.Text != nil {
		s.Text(t)
	}
}

func (s *Sink) toolUse(c models.ToolCall) {
	if s != nil && s.ToolUse != nil {
		s.ToolUse(c)
	}
}

func (s *Sink) toolDone(i BatchItem) {
	if s != nil && s.ToolDone != nil {
		s.ToolDone(i)
	}
}

func (s *Sink) err(e error) {
	if s != nil && s.Err != nil {
		s.Err(e)
	}
}

// LoopConfig configures the agent loop.
type LoopConfig struct {
	// MaxIterations bounds tool rounds per turn. Default: 25.
	MaxIterations int

	// MaxTokens is the per-call generation budget. Default: 8192.
	MaxTokens int

	Temperature   *float64
	TopP          *float64
	TopK          *int
	StopSequences []string
}

// Loop is the top-level coordinator: it drives streaming model calls,
// dispatches tool batches, and reconciles results into the conversation.
type Loop struct {
	conv       *convo.Conversation
	client     ModelClient
	dispatcher *Dispatcher
	registry   *Registry
	compactor  *convo.Compactor
	config     LoopConfig
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewLoop wires a loop around a conversation.
func NewLoop(conv *convo.Conversation, client ModelClient, dispatcher *Dispatcher, registry *Registry, compactor *convo.Compactor, config LoopConfig, logger *slog.Logger, metrics *observability.Metrics) *Loop {
	if config.MaxIterations <= 0 {
		config.MaxIterations = 25
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 8192
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		conv:       conv,
		client:     client,
		dispatcher: dispatcher,
		registry:   registry,
		compactor:  compactor,
		config:     config,
		logger:     logger.With("component", "loop"),
		metrics:    metrics,
	}
}

// turnState tracks tool-call reconciliation for one turn: every tool_use id
// moves from inProgress to exactly one of resolved or errored.
type turnState struct {
	inProgress map[string]bool
	resolved   map[string]bool
	errored    map[string]bool
}

func newTurnState() *turnState {
	return &turnState{
		inProgress: make(map[string]bool),
		resolved:   make(map[string]bool),
		errored:    make(map[string]bool),
	}
}

func (t *turnState) begin(id string)   { t.inProgress[id] = true }
func (t *turnState) resolve(id string) { delete(t.inProgress, id); t.resolved[id] = true }
func (t *turnState) fail(id string)    { delete(t.inProgress, id); t.errored[id] = true }

// stragglers returns ids that never reached a terminal set.
func (t *turnState) stragglers() []string {
	var out []string
	for id := range t.inProgress {
		out = append(out, id)
	}
	return out
}

// Run processes one user turn to completion: append input, compact if over
// budget, then stream and dispatch until the model stops asking for tools.
func (l *Loop) Run(ctx context.Context, ec *ExecContext, input string) error {
	if err := l.conv.SetState(convo.StateWaiting); err != nil {
		return err
	}
	if _, err := l.conv.AddMessage(models.RoleUser, []models.ContentBlock{models.TextBlock(input)}, nil); err != nil {
		l.toError()
		return err
	}
	if err := l.conv.SetState(convo.StateProcessing); err != nil {
		return err
	}

	l.maybeCompact(ctx, ec)

	if err := l.conv.SetState(convo.StateStreaming); err != nil {
		return err
	}

	err := l.runTurn(ctx, ec)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Partial output was already appended with the cancelled
			// marker; the log stays consistent.
			return l.conv.SetState(convo.StateIdle)
		}
		l.toError()
		return err
	}
	return l.conv.SetState(convo.StateIdle)
}

func (l *Loop) runTurn(ctx context.Context, ec *ExecContext) error {
	sink := sinkFrom(ec)

	for iteration := 0; iteration < l.config.MaxIterations; iteration++ {
		assistant, usage, stopReason, err := l.streamOnce(ctx, sink)
		if err != nil {
			sink.err(err)
			return err
		}
		l.recordUsage(usage)

		if len(assistant) > 0 {
			if _, err := l.conv.AddMessage(models.RoleAssistant, assistant, nil); err != nil {
				return err
			}
		}

		calls := toolCalls(assistant)
		if len(calls) == 0 {
			if ec.Hooks != nil {
				_ = ec.Hooks.Emit(ctx, hooks.NewEvent(hooks.EventLoopDone).
					WithSession(ec.SessionID).
					WithField("stop_reason", string(stopReason)))
			}
			return nil
		}

		results, err := l.dispatchRound(ctx, ec, sink, calls)
		if err != nil {
			return err
		}
		if _, err := l.conv.AddMessage(models.RoleUser, results, nil); err != nil {
			return err
		}

		if ec.Hooks != nil {
			_ = ec.Hooks.Emit(ctx, hooks.NewEvent(hooks.EventLoopTurn).
				WithSession(ec.SessionID).
				WithField("iteration", iteration+1))
		}
	}
	return NewError(ErrExecutionFailed, fmt.Sprintf("turn exceeded %d tool rounds", l.config.MaxIterations)).
		WithPhase(PhaseStream).
		WithSuggestion("break the request into smaller steps")
}

// streamOnce performs one model call, forwarding text deltas as they
// arrive, and returns the materialized assistant content.
func (l *Loop) streamOnce(ctx context.Context, sink *Sink) ([]models.ContentBlock, models.Usage, models.StopReason, error) {
	req := CompletionRequest{
		Model:         l.conv.Model(),
		System:        l.conv.SystemPrompt(),
		Messages:      l.conv.Wire(),
		Tools:         l.registry.Describe(),
		MaxTokens:     l.config.MaxTokens,
		Temperature:   l.config.Temperature,
		TopP:          l.config.TopP,
		TopK:          l.config.TopK,
		StopSequences: l.config.StopSequences,
	}

	events, err := l.client.Stream(ctx, req)
	if err != nil {
		return nil, models.Usage{}, "", err
	}

	var (
		partialText string
		usage       models.Usage
		stopReason  models.StopReason
	)
	for ev := range events {
		switch ev.Kind {
		case StreamTextDelta:
			partialText += ev.Text
			sink.text(ev.Text)
		case StreamUsageUpdate:
			usage.Add(ev.Usage)
			if ev.StopReason != "" {
				stopReason = ev.StopReason
			}
		case StreamMessageStop:
			usage.Add(ev.Usage)
			if ev.StopReason != "" {
				stopReason = ev.StopReason
			}
			return ev.Final, usage, stopReason, nil
		case StreamCancelled:
			l.appendPartial(partialText)
			return nil, usage, models.StopCancelled, context.Canceled
		case StreamParseError:
			l.logger.Warn("stream parse error", "error", ev.Err)
		case StreamError:
			return nil, usage, "", ev.Err
		}
	}
	// Channel closed without a terminal: treat as a transport failure.
	return nil, usage, "", NewError(ErrNetwork, "stream ended without message_stop").WithPhase(PhaseStream)
}

// appendPartial preserves partial assistant output after a cancellation so
// the log stays coherent.
func (l *Loop) appendPartial(text string) {
	if text == "" {
		return
	}
	_, err := l.conv.AddMessage(models.RoleAssistant,
		[]models.ContentBlock{models.TextBlock(text)},
		map[string]any{"cancelled": true})
	if err != nil {
		l.logger.Warn("failed to append partial assistant message", "error", err)
	}
}

// dispatchRound runs one batch of tool calls with full reconciliation and
// returns the tool_result blocks, in call order.
func (l *Loop) dispatchRound(ctx context.Context, ec *ExecContext, sink *Sink, calls []models.ToolCall) ([]models.ContentBlock, error) {
	turn := newTurnState()
	for _, call := range calls {
		turn.begin(call.ID)
		sink.toolUse(call)
	}

	var progress ProgressFunc
	if sink != nil && sink.ToolProgress != nil {
		progress = func(data any) { sink.ToolProgress("", data) }
	}

	items := l.dispatcher.DispatchBatch(ctx, ec, calls, progress)

	blocks := make([]models.ContentBlock, 0, len(items))
	for _, item := range items {
		if item.Err != nil || (item.Result != nil && item.Result.IsError) {
			turn.fail(item.Call.ID)
		} else {
			turn.resolve(item.Call.ID)
		}
		sink.toolDone(item)
		blocks = append(blocks, item.Block)
	}

	// Every id must reach a terminal set; synthesize errors for any that
	// did not.
	for _, id := range turn.stragglers() {
		turn.fail(id)
		blocks = append(blocks, models.ToolResultBlock(id, "tool call was cancelled before completion", true))
	}
	return blocks, nil
}

func (l *Loop) maybeCompact(ctx context.Context, ec *ExecContext) {
	if l.compactor == nil {
		return
	}
	result, ok := l.compactor.Compact(l.conv)
	if l.metrics != nil {
		outcome := "skipped"
		if ok {
			outcome = "compacted"
		}
		l.metrics.Compactions.WithLabelValues(outcome).Inc()
		if ok {
			l.metrics.TokensReclaimed.Add(float64(result.TokensBefore - result.TokensAfter))
		}
	}
	if ok && ec.Hooks != nil {
		_ = ec.Hooks.Emit(ctx, hooks.NewEvent(hooks.EventCompaction).
			WithSession(ec.SessionID).
			WithField("boundary", result.Boundary).
			WithField("tokens_before", result.TokensBefore).
			WithField("tokens_after", result.TokensAfter))
	}
}

func (l *Loop) recordUsage(usage models.Usage) {
	if l.metrics == nil {
		return
	}
	model := l.conv.Model()
	l.metrics.TokensUsed.WithLabelValues(model, "input").Add(float64(usage.InputTokens))
	l.metrics.TokensUsed.WithLabelValues(model, "output").Add(float64(usage.OutputTokens))
}

func (l *Loop) toError() {
	if err := l.conv.SetState(convo.StateError); err != nil {
		l.logger.Warn("state transition failed", "error", err)
	}
}

// toolCalls extracts tool_use blocks as dispatchable calls.
func toolCalls(blocks []models.ContentBlock) []models.ToolCall {
	var out []models.ToolCall
	for _, b := range blocks {
		if b.Type == models.BlockToolUse {
			out = append(out, models.ToolCall{ID: b.ID, Name: b.Name, Input: b.Input})
		}
	}
	return out
}

// sinkFrom pulls the UI sink out of app state, if the embedder registered
// one under "ui.sink".
func sinkFrom(ec *ExecContext) *Sink {
	if ec == nil || ec.State == nil {
		return nil
	}
	if v, ok := ec.State.Value("ui.sink"); ok {
		if s, ok := v.(*Sink); ok {
			return s
		}
	}
	return nil
}

// WaitIdle polls until the conversation returns to idle or the context
// trips. Useful for embedders driving Run on another goroutine.
func (l *Loop) WaitIdle(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if l.conv.State() == convo.StateIdle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
