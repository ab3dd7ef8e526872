package exec

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tacitdev/tacit/internal/hooks"
	"github.com/tacitdev/tacit/internal/observability"
	"github.com/tacitdev/tacit/internal/ringbuf"
)

// Status is a background task's position in its lifecycle. All non-running
// states are terminal.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool { return s != StatusRunning }

// task is one background execution. Buffers outlive the process so output
// stays retrievable until the reaper removes the record.
type task struct {
	id        string
	command   string
	status    Status
	startedAt time.Time
	endedAt   time.Time
	exitCode  *int
	signal    string
	timedOut  bool
	stdout    *ringbuf.Buffer
	stderr    *ringbuf.Buffer
	proc      *os.Process
	cancel    context.CancelFunc
	done      chan struct{}
}

// TaskInfo is a point-in-time task summary.
type TaskInfo struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Signal    string    `json:"signal,omitempty"`
	TimedOut  bool      `json:"timed_out,omitempty"`
}

// TaskOutput is an idempotent snapshot of a task's captured output.
type TaskOutput struct {
	Status      Status    `json:"status"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Signal      string    `json:"signal,omitempty"`
	Stdout      string    `json:"stdout"`
	Stderr      string    `json:"stderr"`
	StdoutLines int       `json:"stdout_lines"`
	StderrLines int       `json:"stderr_lines"`
	Truncated   bool      `json:"truncated"`
	Timestamp   time.Time `json:"timestamp"`
}

// TruncationMarker is prepended to snapshot output when the retrieval cap
// cut it.
const TruncationMarker = "... [output truncated] ...\n"

// SupervisorConfig configures the background task table.
type SupervisorConfig struct {
	Runner RunnerConfig

	// MaxSnapshotBytes caps each stream in an output snapshot.
	// Default: 30000.
	MaxSnapshotBytes int

	// MaxAge is how long terminal tasks are kept after endTime.
	// Default: 1h.
	MaxAge time.Duration

	// SweepInterval is the reaper period. Default: 1m.
	SweepInterval time.Duration
}

// DefaultSupervisorConfig returns the supervisor defaults.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Runner:           DefaultRunnerConfig(),
		MaxSnapshotBytes: 30000,
		MaxAge:           time.Hour,
		SweepInterval:    time.Minute,
	}
}

func (c SupervisorConfig) sanitized() SupervisorConfig {
	d := DefaultSupervisorConfig()
	c.Runner = c.Runner.sanitized()
	if c.MaxSnapshotBytes <= 0 {
		c.MaxSnapshotBytes = d.MaxSnapshotBytes
	}
	if c.MaxAge <= 0 {
		c.MaxAge = d.MaxAge
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// Supervisor owns the background task table: spawning, exit tracking,
// output retrieval, kill, and reaping.
type Supervisor struct {
	mu      sync.Mutex
	tasks   map[string]*task
	config  SupervisorConfig
	danger  *DangerList
	logger  *slog.Logger
	metrics *observability.Metrics
	bus     *hooks.Bus

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewSupervisor creates an empty task table. danger, logger, metrics, and
// bus may all be nil.
func NewSupervisor(config SupervisorConfig, danger *DangerList, logger *slog.Logger, metrics *observability.Metrics, bus *hooks.Bus) *Supervisor {
	if danger == nil {
		danger = DefaultDangerList()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		tasks:   make(map[string]*task),
		config:  config.sanitized(),
		danger:  danger,
		logger:  logger.With("component", "supervisor"),
		metrics: metrics,
		bus:     bus,
	}
}

// Start spawns a background task and returns its id immediately. Output
// streams into the task's buffers on a supervisor goroutine.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (string, error) {
	if err := s.danger.Check(spec.Command); err != nil {
		return "", err
	}
	timeout := s.config.Runner.clampTimeout(spec.Timeout)

	// The task outlives the dispatching call; its lifetime is bounded by
	// its own deadline (when one applies) and explicit kills.
	base := context.WithoutCancel(ctx)
	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(base, timeout)
	} else {
		runCtx, cancel = context.WithCancel(base)
	}

	cmd, stdout, stderr, err := buildCommand(s.config.Runner, spec)
	if err != nil {
		cancel()
		return "", err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return "", fmt.Errorf("start command: %w", err)
	}

	t := &task{
		id:        uuid.NewString(),
		command:   spec.Command,
		status:    StatusRunning,
		startedAt: time.Now(),
		stdout:    stdout,
		stderr:    stderr,
		proc:      cmd.Process,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.tasks[t.id] = t
	s.mu.Unlock()
	s.updateGauges()
	s.startReaper()

	go s.enforceDeadline(runCtx, t)

	go func() {
		defer cancel()
		waitErr := cmd.Wait()

		code, signal := exitStatus(waitErr)

		s.mu.Lock()
		timedOut := t.timedOut
		if t.status == StatusRunning {
			switch {
			case waitErr == nil:
				t.status = StatusCompleted
			default:
				t.status = StatusFailed
			}
			t.exitCode = &code
			t.signal = signal
			t.endedAt = time.Now()
			t.proc = nil
		}
		status := t.status
		s.mu.Unlock()
		close(t.done)
		s.updateGauges()

		s.logger.Info("background task exited",
			"task_id", t.id,
			"status", status,
			"exit_code", code,
			"timed_out", timedOut)
		s.emitExit(t.id, status, code)
	}()

	s.logger.Debug("background task started", "task_id", t.id, "command", spec.Command)
	return t.id, nil
}

// enforceDeadline kills the task's process group when its deadline expires,
// with the same SIGTERM-to-SIGKILL escalation the foreground runner uses.
func (s *Supervisor) enforceDeadline(runCtx context.Context, t *task) {
	select {
	case <-t.done:
		return
	case <-runCtx.Done():
		if runCtx.Err() != context.DeadlineExceeded {
			return
		}
	}

	s.mu.Lock()
	if t.status != StatusRunning {
		s.mu.Unlock()
		return
	}
	t.timedOut = true
	proc := t.proc
	s.mu.Unlock()
	if proc == nil {
		return
	}

	pgid := -proc.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	select {
	case <-t.done:
	case <-time.After(s.config.Runner.KillGrace):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	}
}

func (s *Supervisor) emitExit(id string, status Status, exitCode int) {
	if s.bus == nil {
		return
	}
	ev := hooks.NewEvent(hooks.EventTaskExit).
		WithField("task_id", id).
		WithField("status", string(status)).
		WithField("exit_code", exitCode)
	_ = s.bus.Emit(context.Background(), ev)
}

// Get returns a task summary.
func (s *Supervisor) Get(id string) (TaskInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return TaskInfo{}, false
	}
	return t.info(), true
}

// List returns all tracked tasks, running first, newest first within each
// group.
func (s *Supervisor) List() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.info())
	}
	return out
}

func (t *task) info() TaskInfo {
	return TaskInfo{
		ID:        t.id,
		Command:   t.command,
		Status:    t.status,
		StartedAt: t.startedAt,
		EndedAt:   t.endedAt,
		ExitCode:  t.exitCode,
		Signal:    t.signal,
		TimedOut:  t.timedOut,
	}
}

// Output snapshots a task's buffers. Line endings are normalized and the
// filter, when present, keeps matching lines only. Filtering happens before
// the size cap so a match late in large output still comes through.
// Non-destructive: repeated calls see the same data.
func (s *Supervisor) Output(id string, filter *regexp.Regexp) (TaskOutput, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return TaskOutput{}, fmt.Errorf("no task with id %q", id)
	}
	out := TaskOutput{
		Status:    t.status,
		ExitCode:  t.exitCode,
		Signal:    t.signal,
		Timestamp: time.Now(),
	}
	stdout := t.stdout.String()
	stderr := t.stderr.String()
	s.mu.Unlock()

	out.Stdout, out.StdoutLines, out.Truncated = shapeOutput(stdout, filter, s.config.MaxSnapshotBytes)
	errText, errLines, errTrunc := shapeOutput(stderr, filter, s.config.MaxSnapshotBytes)
	out.Stderr = errText
	out.StderrLines = errLines
	out.Truncated = out.Truncated || errTrunc
	return out, nil
}

func shapeOutput(text string, filter *regexp.Regexp, maxBytes int) (string, int, bool) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if filter != nil {
		var kept []string
		for _, line := range strings.Split(text, "\n") {
			if filter.MatchString(line) {
				kept = append(kept, line)
			}
		}
		text = strings.Join(kept, "\n")
		if len(kept) > 0 {
			text += "\n"
		}
	}
	lines := strings.Count(text, "\n")
	if text != "" && !strings.HasSuffix(text, "\n") {
		lines++
	}
	if len(text) > maxBytes {
		text = TruncationMarker + text[len(text)-maxBytes:]
		return text, lines, true
	}
	return text, lines, false
}

// Kill terminates a running task: SIGTERM, SIGKILL after the grace period,
// status killed with a synthetic exit. Errors when the task is absent or
// already terminal.
func (s *Supervisor) Kill(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no task with id %q", id)
	}
	if t.status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("task %q is already %s", id, t.status)
	}
	proc := t.proc
	code := -1
	t.status = StatusKilled
	t.exitCode = &code
	t.signal = syscall.SIGKILL.String()
	t.endedAt = time.Now()
	t.proc = nil
	done := t.done
	s.mu.Unlock()

	if proc != nil {
		pgid := -proc.Pid
		_ = syscall.Kill(pgid, syscall.SIGTERM)
		go func() {
			select {
			case <-done:
			case <-time.After(s.config.Runner.KillGrace):
				_ = syscall.Kill(pgid, syscall.SIGKILL)
			}
		}()
	}
	s.updateGauges()
	s.logger.Info("background task killed", "task_id", id)
	return nil
}

// Wait blocks until the task's process exits. Used by tests.
func (s *Supervisor) Wait(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no task with id %q", id)
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the reaper and kills every running task.
func (s *Supervisor) Close() {
	s.stopReaper()
	for _, info := range s.List() {
		if info.Status == StatusRunning {
			_ = s.Kill(info.ID)
		}
	}
}

func (s *Supervisor) updateGauges() {
	if s.metrics == nil {
		return
	}
	counts := map[Status]int{}
	s.mu.Lock()
	for _, t := range s.tasks {
		counts[t.status]++
	}
	s.mu.Unlock()
	for _, status := range []Status{StatusRunning, StatusCompleted, StatusFailed, StatusKilled} {
		s.metrics.BackgroundTasks.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// startReaper launches the sweep loop once.
func (s *Supervisor) startReaper() {
	s.mu.Lock()
	if s.sweepStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.sweepStop = stop
	s.sweepDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.reap(time.Now())
			}
		}
	}()
}

func (s *Supervisor) stopReaper() {
	s.mu.Lock()
	stop, done := s.sweepStop, s.sweepDone
	s.sweepStop = nil
	s.sweepDone = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// reap removes terminal tasks past their retention window.
func (s *Supervisor) reap(now time.Time) {
	cutoff := now.Add(-s.config.MaxAge)
	s.mu.Lock()
	for id, t := range s.tasks {
		if t.status.Terminal() && !t.endedAt.IsZero() && t.endedAt.Before(cutoff) {
			delete(s.tasks, id)
			s.logger.Debug("reaped task", "task_id", id, "status", t.status)
		}
	}
	s.mu.Unlock()
	s.updateGauges()
}
