package exec

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	osexec "os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/tacitdev/tacit/internal/observability"
	"github.com/tacitdev/tacit/internal/ringbuf"
)

// PoolConfig configures the persistent shell session pool.
type PoolConfig struct {
	// Shell binary for interactive sessions. Default: /bin/bash.
	Shell string

	// MaxOutput caps each session's stdout and stderr rings. Default: 4 MiB.
	MaxOutput int

	// MaxSessions bounds the pool; exceeding it evicts the least recently
	// used session. Default: 10.
	MaxSessions int

	// IdleTimeout terminates sessions unused this long. Default: 5m.
	IdleTimeout time.Duration

	// QuietWindow is how long output must stay silent before a command is
	// considered done. Default: 100ms.
	QuietWindow time.Duration

	// ExecTimeout bounds one Execute call. Default: 120s.
	ExecTimeout time.Duration
}

// DefaultPoolConfig returns the pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Shell:       "/bin/bash",
		MaxOutput:   4 << 20,
		MaxSessions: 10,
		IdleTimeout: 5 * time.Minute,
		QuietWindow: 100 * time.Millisecond,
		ExecTimeout: 120 * time.Second,
	}
}

func (c PoolConfig) sanitized() PoolConfig {
	d := DefaultPoolConfig()
	if c.Shell == "" {
		c.Shell = d.Shell
	}
	if c.MaxOutput <= 0 {
		c.MaxOutput = d.MaxOutput
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = d.MaxSessions
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.QuietWindow <= 0 {
		c.QuietWindow = d.QuietWindow
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = d.ExecTimeout
	}
	return c
}

// session is one long-lived interactive shell with its own output rings.
type session struct {
	id       string
	cmd      *osexec.Cmd
	stdin    io.WriteCloser
	stdout   *ringbuf.Buffer
	stderr   *ringbuf.Buffer
	lastUsed time.Time

	// execMu serializes commands within the session.
	execMu sync.Mutex
}

// SessionOutput is one Execute call's captured output.
type SessionOutput struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Pool manages persistent shell sessions keyed by id, with LRU eviction and
// idle termination.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]*session
	config   PoolConfig
	logger   *slog.Logger
	metrics  *observability.Metrics

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewPool creates an empty session pool. logger and metrics may be nil.
func NewPool(config PoolConfig, logger *slog.Logger, metrics *observability.Metrics) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		sessions: make(map[string]*session),
		config:   config.sanitized(),
		logger:   logger.With("component", "shell_pool"),
		metrics:  metrics,
	}
}

// Execute runs a command in the named session, creating the session on
// first use. Output is what arrived between the write and the quiescent
// window closing.
func (p *Pool) Execute(ctx context.Context, sessionID, command string) (SessionOutput, error) {
	s, err := p.acquire(sessionID)
	if err != nil {
		return SessionOutput{}, err
	}

	s.execMu.Lock()
	defer s.execMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.config.ExecTimeout)
	defer cancel()

	outBase := s.stdout.TotalWritten()
	errBase := s.stderr.TotalWritten()
	if _, err := io.WriteString(s.stdin, command+"\n"); err != nil {
		p.Remove(sessionID)
		return SessionOutput{}, fmt.Errorf("session %q: write command: %w", sessionID, err)
	}

	// Wait for output to go quiet. A command that prints nothing resolves
	// after one full quiet window.
	lastOut := outBase
	lastErr := errBase
	lastChange := time.Now()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return SessionOutput{
				Stdout: tailSince(s.stdout, outBase),
				Stderr: tailSince(s.stderr, errBase),
			}, ctx.Err()
		case <-ticker.C:
		}
		curOut := s.stdout.TotalWritten()
		curErr := s.stderr.TotalWritten()
		if curOut != lastOut || curErr != lastErr {
			lastOut, lastErr = curOut, curErr
			lastChange = time.Now()
			continue
		}
		if time.Since(lastChange) >= p.config.QuietWindow {
			break
		}
	}

	p.touch(sessionID)
	return SessionOutput{
		Stdout: tailSince(s.stdout, outBase),
		Stderr: tailSince(s.stderr, errBase),
	}, nil
}

// tailSince returns the bytes written after the base watermark, bounded by
// what the ring still retains.
func tailSince(b *ringbuf.Buffer, base uint64) string {
	grown := b.TotalWritten() - base
	snap := b.Snapshot()
	if grown >= uint64(len(snap)) {
		return string(snap)
	}
	return string(snap[uint64(len(snap))-grown:])
}

// acquire returns the named session, spawning it if needed and evicting the
// LRU session when the pool is over capacity.
func (p *Pool) acquire(id string) (*session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[id]; ok {
		s.lastUsed = time.Now()
		return s, nil
	}

	for len(p.sessions) >= p.config.MaxSessions {
		victim := ""
		var oldest time.Time
		for sid, s := range p.sessions {
			if victim == "" || s.lastUsed.Before(oldest) {
				victim = sid
				oldest = s.lastUsed
			}
		}
		p.removeLocked(victim)
		p.logger.Debug("evicted LRU session", "session_id", victim)
	}

	cmd := osexec.Command(p.config.Shell)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout := ringbuf.New(p.config.MaxOutput)
	stderr := ringbuf.New(p.config.MaxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	s := &session{
		id:       id,
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
		lastUsed: time.Now(),
	}
	p.sessions[id] = s
	go cmd.Wait()

	if p.metrics != nil {
		p.metrics.ShellSessions.Set(float64(len(p.sessions)))
	}
	p.startSweeper()
	p.logger.Debug("started shell session", "session_id", id)
	return s, nil
}

func (p *Pool) touch(id string) {
	p.mu.Lock()
	if s, ok := p.sessions[id]; ok {
		s.lastUsed = time.Now()
	}
	p.mu.Unlock()
}

// Remove terminates and drops a session. No-op when absent.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	p.removeLocked(id)
	p.mu.Unlock()
}

func (p *Pool) removeLocked(id string) {
	s, ok := p.sessions[id]
	if !ok {
		return
	}
	delete(p.sessions, id)
	s.stdin.Close()
	if s.cmd.Process != nil {
		_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
	}
	if p.metrics != nil {
		p.metrics.ShellSessions.Set(float64(len(p.sessions)))
	}
}

// Len returns the live session count.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Close terminates all sessions and stops the idle sweeper.
func (p *Pool) Close() {
	p.stopSweeper()
	p.mu.Lock()
	for id := range p.sessions {
		p.removeLocked(id)
	}
	p.mu.Unlock()
}

func (p *Pool) startSweeper() {
	if p.sweepStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	p.sweepStop = stop
	p.sweepDone = done

	interval := p.config.IdleTimeout / 10
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.evictIdle(time.Now())
			}
		}
	}()
}

func (p *Pool) stopSweeper() {
	p.mu.Lock()
	stop, done := p.sweepStop, p.sweepDone
	p.sweepStop = nil
	p.sweepDone = nil
	p.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (p *Pool) evictIdle(now time.Time) {
	cutoff := now.Add(-p.config.IdleTimeout)
	p.mu.Lock()
	for id, s := range p.sessions {
		if s.lastUsed.Before(cutoff) {
			p.removeLocked(id)
			p.logger.Debug("terminated idle session", "session_id", id)
		}
	}
	p.mu.Unlock()
}
