package exec

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tacitdev/tacit/internal/hooks"
)

func testSupervisor(t *testing.T, config SupervisorConfig) *Supervisor {
	t.Helper()
	s := NewSupervisor(config, nil, nil, nil, nil)
	t.Cleanup(s.Close)
	return s
}

func waitTask(t *testing.T, s *Supervisor, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Wait(ctx, id); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestBackgroundTaskLifecycle(t *testing.T) {
	s := testSupervisor(t, SupervisorConfig{})
	id, err := s.Start(context.Background(), Spec{Command: "echo hello"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitTask(t, s, id)

	info, ok := s.Get(id)
	if !ok {
		t.Fatal("task missing")
	}
	if info.Status != StatusCompleted {
		t.Fatalf("status = %s", info.Status)
	}
	if info.ExitCode == nil || *info.ExitCode != 0 {
		t.Fatalf("exit code = %v", info.ExitCode)
	}
	if info.EndedAt.IsZero() {
		t.Fatal("endTime not recorded")
	}

	out, err := s.Output(id, nil)
	if err != nil {
		t.Fatalf("output: %v", err)
	}
	if out.Stdout != "hello\n" || out.StdoutLines != 1 {
		t.Fatalf("output = %+v", out)
	}
}

func TestBackgroundTaskFailure(t *testing.T) {
	s := testSupervisor(t, SupervisorConfig{})
	id, _ := s.Start(context.Background(), Spec{Command: "echo oops >&2; exit 2"})
	waitTask(t, s, id)

	info, _ := s.Get(id)
	if info.Status != StatusFailed {
		t.Fatalf("status = %s", info.Status)
	}
	if info.ExitCode == nil || *info.ExitCode != 2 {
		t.Fatalf("exit code = %v", info.ExitCode)
	}
	out, _ := s.Output(id, nil)
	if out.Stderr != "oops\n" {
		t.Fatalf("stderr = %q", out.Stderr)
	}
}

func TestOutputRetainedAfterExit(t *testing.T) {
	s := testSupervisor(t, SupervisorConfig{})
	id, _ := s.Start(context.Background(), Spec{Command: "echo persists"})
	waitTask(t, s, id)

	// Repeated retrieval sees the same data.
	for i := 0; i < 3; i++ {
		out, err := s.Output(id, nil)
		if err != nil {
			t.Fatalf("output %d: %v", i, err)
		}
		if out.Stdout != "persists\n" {
			t.Fatalf("output %d = %q", i, out.Stdout)
		}
	}
}

func TestOutputFilterAppliesBeforeTruncation(t *testing.T) {
	s := testSupervisor(t, SupervisorConfig{MaxSnapshotBytes: 200})
	// Noise dwarfs the snapshot cap; the needle is early output and only
	// survives because filtering runs first.
	id, _ := s.Start(context.Background(), Spec{
		Command: `echo "needle: found it"; for i in $(seq 1 200); do echo "noise line $i"; done`,
	})
	waitTask(t, s, id)

	out, err := s.Output(id, regexp.MustCompile(`^needle:`))
	if err != nil {
		t.Fatalf("output: %v", err)
	}
	if out.Stdout != "needle: found it\n" || out.StdoutLines != 1 {
		t.Fatalf("filtered output = %+v", out)
	}
	if out.Truncated {
		t.Fatal("filtered output should fit under the cap")
	}
}

func TestOutputTruncationMarker(t *testing.T) {
	s := testSupervisor(t, SupervisorConfig{MaxSnapshotBytes: 100})
	id, _ := s.Start(context.Background(), Spec{Command: "for i in $(seq 1 100); do echo line $i; done"})
	waitTask(t, s, id)

	out, _ := s.Output(id, nil)
	if !out.Truncated {
		t.Fatal("expected truncation")
	}
	if !strings.HasPrefix(out.Stdout, TruncationMarker) {
		t.Fatalf("missing marker: %q", out.Stdout[:40])
	}
	// The tail survives truncation.
	if !strings.Contains(out.Stdout, "line 100") {
		t.Fatalf("tail lost: %q", out.Stdout)
	}
}

func TestKillRunningTask(t *testing.T) {
	s := testSupervisor(t, SupervisorConfig{Runner: RunnerConfig{KillGrace: 200 * time.Millisecond}})
	id, _ := s.Start(context.Background(), Spec{Command: "sleep 30"})

	if err := s.Kill(id); err != nil {
		t.Fatalf("kill: %v", err)
	}
	info, _ := s.Get(id)
	if info.Status != StatusKilled {
		t.Fatalf("status = %s", info.Status)
	}
	if info.ExitCode == nil || *info.ExitCode != -1 || info.Signal != "killed" {
		t.Fatalf("synthetic exit = %v/%q", info.ExitCode, info.Signal)
	}
	if info.EndedAt.IsZero() {
		t.Fatal("endTime not recorded")
	}
}

func TestKillTerminalTaskFails(t *testing.T) {
	s := testSupervisor(t, SupervisorConfig{})
	id, _ := s.Start(context.Background(), Spec{Command: "true"})
	waitTask(t, s, id)

	if err := s.Kill(id); err == nil {
		t.Fatal("killing a terminal task must fail")
	}
	if err := s.Kill("no-such-task"); err == nil {
		t.Fatal("killing an unknown task must fail")
	}
}

func TestTaskSurvivesDispatchContext(t *testing.T) {
	// The dispatching call's context ends immediately; the task keeps
	// running on its own deadline.
	s := testSupervisor(t, SupervisorConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	id, err := s.Start(ctx, Spec{Command: "sleep 0.2; echo survived"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	waitTask(t, s, id)

	info, _ := s.Get(id)
	if info.Status != StatusCompleted {
		t.Fatalf("status = %s", info.Status)
	}
	out, _ := s.Output(id, nil)
	if out.Stdout != "survived\n" {
		t.Fatalf("stdout = %q", out.Stdout)
	}
}

func TestReapRemovesExpiredTasks(t *testing.T) {
	s := testSupervisor(t, SupervisorConfig{MaxAge: time.Hour})
	id, _ := s.Start(context.Background(), Spec{Command: "true"})
	waitTask(t, s, id)

	// Not yet expired.
	s.reap(time.Now())
	if _, ok := s.Get(id); !ok {
		t.Fatal("fresh task reaped too early")
	}

	// Past endTime + maxAge.
	s.reap(time.Now().Add(2 * time.Hour))
	if _, ok := s.Get(id); ok {
		t.Fatal("expired task not reaped")
	}
}

func TestReapSkipsRunningTasks(t *testing.T) {
	s := testSupervisor(t, SupervisorConfig{MaxAge: time.Nanosecond})
	id, _ := s.Start(context.Background(), Spec{Command: "sleep 5"})
	defer s.Kill(id)

	s.reap(time.Now().Add(time.Hour))
	if _, ok := s.Get(id); !ok {
		t.Fatal("running task must never be reaped")
	}
}

func TestTaskExitHookFires(t *testing.T) {
	bus := hooks.NewBus(nil)
	var mu sync.Mutex
	var events []*hooks.Event
	bus.Subscribe(hooks.EventTaskExit, func(ctx context.Context, ev *hooks.Event) error {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		return nil
	})

	s := NewSupervisor(SupervisorConfig{}, nil, nil, nil, bus)
	t.Cleanup(s.Close)
	id, _ := s.Start(context.Background(), Spec{Command: "exit 7"})
	waitTask(t, s, id)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task exit hook never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	ev := events[0]
	if ev.Fields["task_id"] != id || ev.Fields["exit_code"] != 7 {
		t.Fatalf("event fields = %+v", ev.Fields)
	}
	if ev.Fields["status"] != string(StatusFailed) {
		t.Fatalf("status field = %v", ev.Fields["status"])
	}
}

func TestDangerousBackgroundCommandRejected(t *testing.T) {
	s := testSupervisor(t, SupervisorConfig{})
	if _, err := s.Start(context.Background(), Spec{Command: ":(){ :|:& };:"}); err == nil {
		t.Fatal("fork bomb must be rejected before spawn")
	}
}

func TestBackgroundTaskDeadlineEnforced(t *testing.T) {
	s := testSupervisor(t, SupervisorConfig{Runner: RunnerConfig{KillGrace: 200 * time.Millisecond}})
	id, err := s.Start(context.Background(), Spec{Command: "sleep 30", Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitTask(t, s, id)

	info, _ := s.Get(id)
	if info.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", info.Status, StatusFailed)
	}
	if !info.TimedOut {
		t.Fatal("timed_out not recorded")
	}
	if info.Signal == "" {
		t.Fatalf("expected a terminating signal, got exit %v", info.ExitCode)
	}
}

func TestBackgroundTaskFinishesBeforeDeadline(t *testing.T) {
	s := testSupervisor(t, SupervisorConfig{})
	id, _ := s.Start(context.Background(), Spec{Command: "echo quick", Timeout: 10 * time.Second})
	waitTask(t, s, id)

	info, _ := s.Get(id)
	if info.Status != StatusCompleted || info.TimedOut {
		t.Fatalf("info = %+v", info)
	}
}
