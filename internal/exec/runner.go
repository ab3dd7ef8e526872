package exec

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	osexec "os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/tacitdev/tacit/internal/ringbuf"
)

// TerminationReason records why a subprocess stopped.
type TerminationReason string

const (
	ReasonExit      TerminationReason = "exit"
	ReasonTimeout   TerminationReason = "timeout"
	ReasonCancelled TerminationReason = "cancelled"
	ReasonKilled    TerminationReason = "killed_by_caller"
)

// NoTimeout as a Spec.Timeout runs the command without a deadline. The zero
// value still means "use the default".
const NoTimeout time.Duration = -1

// RunnerConfig configures foreground execution.
type RunnerConfig struct {
	// Shell invoked as `shell -c <command>`. Default: /bin/bash.
	Shell string

	// MaxOutput caps each of the stdout and stderr rings. Default: 4 MiB.
	MaxOutput int

	// DefaultTimeout applies when a call sets none. Default: 120s.
	DefaultTimeout time.Duration

	// MaxTimeout is the hard ceiling on any call's deadline. Default: 600s.
	MaxTimeout time.Duration

	// KillGrace is the SIGTERM-to-SIGKILL escalation window. Default: 5s.
	KillGrace time.Duration
}

// DefaultRunnerConfig returns the runner defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Shell:          "/bin/bash",
		MaxOutput:      4 << 20,
		DefaultTimeout: 120 * time.Second,
		MaxTimeout:     600 * time.Second,
		KillGrace:      5 * time.Second,
	}
}

func (c RunnerConfig) sanitized() RunnerConfig {
	d := DefaultRunnerConfig()
	if c.Shell == "" {
		c.Shell = d.Shell
	}
	if c.MaxOutput <= 0 {
		c.MaxOutput = d.MaxOutput
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = d.MaxTimeout
	}
	if c.KillGrace <= 0 {
		c.KillGrace = d.KillGrace
	}
	return c
}

// clampTimeout resolves a per-call timeout against the defaults and ceiling.
// A zero result means no deadline.
func (c RunnerConfig) clampTimeout(t time.Duration) time.Duration {
	if t < 0 {
		return 0
	}
	if t == 0 {
		t = c.DefaultTimeout
	}
	if t > c.MaxTimeout {
		t = c.MaxTimeout
	}
	return t
}

// Spec describes one command invocation.
type Spec struct {
	Command string
	Dir     string
	Env     map[string]string
	Stdin   string
	// Timeout bounds the run. Zero applies the configured default;
	// NoTimeout disables the deadline.
	Timeout time.Duration
}

// Result is the outcome of a foreground run. A non-nil Result is returned
// even when the process was killed; only spawn failures yield an error.
type Result struct {
	ExitCode   int               `json:"exit_code"`
	Signal     string            `json:"signal,omitempty"`
	Stdout     string            `json:"stdout"`
	Stderr     string            `json:"stderr"`
	DurationMs int64             `json:"duration_ms"`
	Killed     bool              `json:"killed"`
	TimedOut   bool              `json:"timed_out"`
	Reason     TerminationReason `json:"reason"`
}

// Runner executes foreground commands with bounded output capture and
// SIGTERM/SIGKILL deadline escalation.
type Runner struct {
	config RunnerConfig
	danger *DangerList
	logger *slog.Logger
}

// NewRunner creates a runner. danger may be nil for the default list;
// logger may be nil.
func NewRunner(config RunnerConfig, danger *DangerList, logger *slog.Logger) *Runner {
	if danger == nil {
		danger = DefaultDangerList()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		config: config.sanitized(),
		danger: danger,
		logger: logger.With("component", "runner"),
	}
}

// Run executes the command and blocks until it exits or is escalated to
// death. The danger list is checked before any process is spawned.
func (r *Runner) Run(ctx context.Context, spec Spec) (*Result, error) {
	if err := r.danger.Check(spec.Command); err != nil {
		return nil, err
	}
	timeout := r.config.clampTimeout(spec.Timeout)

	cmd, stdout, stderr, err := buildCommand(r.config, spec)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	var waitErr error
	result := &Result{Reason: ReasonExit}
	select {
	case waitErr = <-done:
	case <-timerC:
		result.TimedOut = true
		result.Killed = true
		result.Reason = ReasonTimeout
		waitErr = terminate(cmd, done, r.config.KillGrace)
	case <-ctx.Done():
		result.Killed = true
		result.Reason = ReasonCancelled
		waitErr = terminate(cmd, done, r.config.KillGrace)
	}

	result.ExitCode, result.Signal = exitStatus(waitErr)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.DurationMs = time.Since(start).Milliseconds()

	r.logger.Debug("command finished",
		"exit_code", result.ExitCode,
		"reason", result.Reason,
		"duration_ms", result.DurationMs)
	return result, nil
}

// buildCommand prepares the process with its own group so escalation can
// signal children too.
func buildCommand(config RunnerConfig, spec Spec) (*osexec.Cmd, *ringbuf.Buffer, *ringbuf.Buffer, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, nil, nil, fmt.Errorf("command is empty")
	}

	cmd := osexec.Command(config.Shell, "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	stdout := ringbuf.New(config.MaxOutput)
	stderr := ringbuf.New(config.MaxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	return cmd, stdout, stderr, nil
}

// terminate escalates SIGTERM to SIGKILL after the grace period and returns
// the process's wait error.
func terminate(cmd *osexec.Cmd, done <-chan error, grace time.Duration) error {
	if cmd.Process == nil {
		return <-done
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		return <-done
	}
}

// exitStatus extracts the exit code and terminating signal from a wait
// error. A signaled process reports exit code -1.
func exitStatus(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	if exitErr, ok := err.(*osexec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return -1, ws.Signal().String()
		}
		return exitErr.ExitCode(), ""
	}
	return -1, ""
}
