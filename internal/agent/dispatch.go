package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tacitdev/tacit/internal/hooks"
	"github.com/tacitdev/tacit/internal/observability"
	"github.com/tacitdev/tacit/internal/tools/policy"
	"github.com/tacitdev/tacit/pkg/models"
)

// ProgressFunc receives a tool's progress payloads as they arrive. The
// terminal result is returned from Dispatch itself, after all progress.
type ProgressFunc func(data any)

// AskFunc consults the user when the gate answers ask. Nil means no user is
// present: ask terminates as permission_denied.
type AskFunc func(ctx context.Context, tool string, input []byte, reason string) (bool, error)

// DispatcherConfig configures the dispatch harness.
type DispatcherConfig struct {
	// MaxParallel bounds concurrent invocations in a batch. Default: 4.
	MaxParallel int

	// Ask handles gate outcomes of ask. Optional.
	Ask AskFunc
}

// Dispatcher runs every tool invocation through the same pipeline:
// resolve, validate, permission, pre-hook, invoke, post-hook, format.
type Dispatcher struct {
	registry *Registry
	config   DispatcherConfig
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewDispatcher creates a dispatch harness over a registry.
func NewDispatcher(registry *Registry, config DispatcherConfig, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if config.MaxParallel <= 0 {
		config.MaxParallel = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		config:   config,
		logger:   logger.With("component", "dispatch"),
		metrics:  metrics,
	}
}

// Dispatch executes one tool call. Progress events stream through
// onProgress (which may be nil); exactly one terminal follows: the returned
// result or a typed *Error. Tool-internal failures come back as an error
// result, not a Go error, so the tool loop can carry them to the model.
func (d *Dispatcher) Dispatch(ctx context.Context, ec *ExecContext, call models.ToolCall, onProgress ProgressFunc) (*models.ToolResult, models.ContentBlock, error) {
	start := time.Now()
	result, block, err := d.dispatch(ctx, ec, call, onProgress)

	status := "ok"
	switch {
	case err != nil:
		status = string(KindOf(err))
	case result.IsError:
		status = "tool_error"
	}
	if d.metrics != nil {
		d.metrics.ToolInvocations.WithLabelValues(call.Name, status).Inc()
		d.metrics.ToolDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())
	}
	return result, block, err
}

func (d *Dispatcher) dispatch(ctx context.Context, ec *ExecContext, call models.ToolCall, onProgress ProgressFunc) (*models.ToolResult, models.ContentBlock, error) {
	// Phase 1: resolve.
	canonical, tool, err := d.registry.Resolve(call.Name)
	if err != nil {
		return nil, models.ContentBlock{}, err
	}
	if !d.registry.Enabled(canonical) {
		return nil, models.ContentBlock{}, NewError(ErrToolNotFound, fmt.Sprintf("tool %q is disabled", canonical)).
			WithPhase(PhaseResolve).WithTool(canonical)
	}

	input := call.Input

	// Phase 2: validate. No side effects on failure.
	if violations := validateInput(tool, input); len(violations) > 0 {
		return nil, models.ContentBlock{}, NewError(ErrInvalidParameters, strings.Join(violations, "; ")).
			WithPhase(PhaseValidate).WithTool(canonical).WithInput(input)
	}

	// Phase 3: permission.
	outcome := d.checkPermission(tool, canonical, input, ec.State)
	switch outcome.Decision {
	case policy.DecisionAllow:
	case policy.DecisionAllowUpdated:
		input = outcome.UpdatedInput
		// Substitution must still satisfy the schema.
		if violations := validateInput(tool, input); len(violations) > 0 {
			return nil, models.ContentBlock{}, NewError(ErrInvalidParameters,
				"substituted input invalid: "+strings.Join(violations, "; ")).
				WithPhase(PhasePermission).WithTool(canonical).WithInput(input)
		}
	case policy.DecisionAsk:
		granted, askErr := d.ask(ctx, canonical, input, outcome.Reason)
		if askErr != nil {
			return nil, models.ContentBlock{}, askErr
		}
		if !granted {
			return nil, models.ContentBlock{}, NewError(ErrPermissionDenied, outcome.Reason).
				WithPhase(PhasePermission).WithTool(canonical).WithInput(input).
				WithSuggestion("approve the request or adjust the permission policy")
		}
	default:
		kind := ErrPermissionDenied
		if strings.Contains(outcome.Reason, "path") {
			kind = ErrForbiddenPath
		}
		return nil, models.ContentBlock{}, NewError(kind, outcome.Reason).
			WithPhase(PhasePermission).WithTool(canonical).WithInput(input)
	}

	// Phase 4: pre-hook. Failures are logged inside the bus, never fatal.
	if ec.Hooks != nil {
		_ = ec.Hooks.Emit(ctx, hooks.NewEvent(hooks.EventToolPre).
			WithSession(ec.SessionID).WithTool(canonical, input))
	}

	// Phase 5: invoke.
	result, err := d.invoke(ctx, ec, tool, call, input, onProgress)
	if err != nil {
		return nil, models.ContentBlock{}, err
	}

	// Phase 6: post-hook.
	if ec.Hooks != nil {
		_ = ec.Hooks.Emit(ctx, hooks.NewEvent(hooks.EventToolPost).
			WithSession(ec.SessionID).WithTool(canonical, input).WithResult(result))
	}

	// Phase 7: format.
	block := d.format(tool, result)
	return result, block, nil
}

func (d *Dispatcher) checkPermission(tool Tool, name string, input []byte, state *AppState) policy.Outcome {
	if state == nil || state.Gate == nil {
		return policy.Allow()
	}
	outcome := state.Gate.Resolve(name, input)
	if checker, ok := tool.(PermissionChecker); ok && outcome.Decision != policy.DecisionDeny {
		// A tool may tighten or refine a non-deny outcome, never widen a
		// deny.
		return checker.CheckPermissions(input, state)
	}
	return outcome
}

func (d *Dispatcher) ask(ctx context.Context, tool string, input []byte, reason string) (bool, error) {
	if d.config.Ask == nil {
		return false, nil
	}
	granted, err := d.config.Ask(ctx, tool, input, reason)
	if err != nil {
		return false, NewError(ErrPermissionDenied, "permission prompt failed").
			WithPhase(PhasePermission).WithTool(tool).WithCause(err)
	}
	return granted, nil
}

// invoke runs the tool, preferring the streaming capability. Panics and
// plain errors become typed errors; a context trip becomes cancelled or
// timeout.
func (d *Dispatcher) invoke(ctx context.Context, ec *ExecContext, tool Tool, call models.ToolCall, input []byte, onProgress ProgressFunc) (result *models.ToolResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = NewError(ErrExecutionFailed, fmt.Sprintf("tool panicked: %v", p)).
				WithPhase(PhaseInvoke).WithTool(tool.Name()).WithInput(input)
		}
	}()

	progress := func(data any) {
		if onProgress != nil {
			onProgress(data)
		}
	}

	var raw *models.ToolResult
	if s, ok := tool.(Streamer); ok {
		raw, err = s.Stream(ctx, ec, input, progress)
	} else {
		raw, err = tool.Execute(ctx, ec, input)
	}
	if err != nil {
		var ae *Error
		if errors.As(err, &ae) {
			return nil, ae
		}
		kind := KindOf(err)
		return nil, NewError(kind, err.Error()).
			WithPhase(PhaseInvoke).WithTool(tool.Name()).WithInput(input).WithCause(err)
	}
	if raw == nil {
		return nil, NewError(ErrExecutionFailed, "tool returned no result").
			WithPhase(PhaseInvoke).WithTool(tool.Name()).WithInput(input)
	}
	if raw.ToolCallID == "" {
		raw.ToolCallID = call.ID
	}
	return raw, nil
}

func (d *Dispatcher) format(tool Tool, result *models.ToolResult) models.ContentBlock {
	if f, ok := tool.(ResultFormatter); ok {
		return f.FormatResult(result)
	}
	return result.Block()
}

// BatchItem pairs a dispatched call with its terminal outcome. Err holds
// the typed error for calls that failed outside the tool; the Block is
// always usable as a tool_result.
type BatchItem struct {
	Call   models.ToolCall
	Result *models.ToolResult
	Block  models.ContentBlock
	Err    error
}

// DispatchBatch executes a set of tool calls from one assistant message.
// All calls run in parallel only when every involved tool declares
// concurrencySafe; otherwise the batch is sequential. Calls sharing a
// non-empty conflict key are serialized against each other. Results come
// back in call order, every call reaching exactly one terminal.
func (d *Dispatcher) DispatchBatch(ctx context.Context, ec *ExecContext, calls []models.ToolCall, onProgress ProgressFunc) []BatchItem {
	items := make([]BatchItem, len(calls))
	for i, call := range calls {
		items[i].Call = call
	}
	if len(calls) == 0 {
		return items
	}

	if !d.batchParallel(calls) {
		for i, call := range calls {
			items[i].Result, items[i].Block, items[i].Err = d.Dispatch(ctx, ec, call, onProgress)
			d.fillErrorBlock(&items[i])
		}
		return items
	}

	var conflictMu sync.Mutex
	conflictLocks := make(map[string]*sync.Mutex)
	lockFor := func(key string) *sync.Mutex {
		conflictMu.Lock()
		defer conflictMu.Unlock()
		if m, ok := conflictLocks[key]; ok {
			return m
		}
		m := &sync.Mutex{}
		conflictLocks[key] = m
		return m
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.MaxParallel)
	for i := range calls {
		i := i
		g.Go(func() error {
			call := calls[i]
			if _, tool, err := d.registry.Resolve(call.Name); err == nil {
				if key := toolConflictKey(tool, call.Input); key != "" {
					m := lockFor(key)
					m.Lock()
					defer m.Unlock()
				}
			}
			items[i].Result, items[i].Block, items[i].Err = d.Dispatch(gctx, ec, call, onProgress)
			d.fillErrorBlock(&items[i])
			return nil
		})
	}
	_ = g.Wait()
	return items
}

// batchParallel reports whether every resolvable tool in the batch is
// concurrency-safe. Unresolvable names don't block parallelism; they fail
// individually in their own dispatch.
func (d *Dispatcher) batchParallel(calls []models.ToolCall) bool {
	if len(calls) < 2 {
		return false
	}
	for _, call := range calls {
		_, tool, err := d.registry.Resolve(call.Name)
		if err != nil {
			continue
		}
		if !toolConcurrencySafe(tool) {
			return false
		}
	}
	return true
}

// fillErrorBlock materializes a tool_result block for failed dispatches so
// the tool loop can always answer the model.
func (d *Dispatcher) fillErrorBlock(item *BatchItem) {
	if item.Err == nil {
		return
	}
	item.Block = models.ToolResultBlock(item.Call.ID, item.Err.Error(), true)
}
