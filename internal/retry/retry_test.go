package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type statusErr struct {
	status int
	reset  time.Time
}

func (e *statusErr) Error() string   { return "api error" }
func (e *statusErr) HTTPStatus() int { return e.status }

func (e *statusErr) RateLimitReset() (time.Time, bool) {
	return e.reset, !e.reset.IsZero()
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"cancelled", context.Canceled, ClassCancelled},
		{"deadline", context.DeadlineExceeded, ClassNetwork},
		{"net error", timeoutErr{}, ClassNetwork},
		{"rate limit", &statusErr{status: 429}, ClassRateLimit},
		{"overloaded", &statusErr{status: 529}, ClassServerOverloaded},
		{"bad gateway", &statusErr{status: 502}, ClassServerTransient},
		{"internal", &statusErr{status: 500}, ClassServerTransient},
		{"bad request", &statusErr{status: 400}, ClassClient},
		{"forbidden", &statusErr{status: 403}, ClassClient},
		{"wrapped status", errors.New("x"), ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyUnwraps(t *testing.T) {
	err := errors.Join(errors.New("request failed"), &statusErr{status: 429})
	if got := Classify(err); got != ClassRateLimit {
		t.Fatalf("Classify = %q, want %q", got, ClassRateLimit)
	}
}

func TestRetryable(t *testing.T) {
	for _, c := range []Class{ClassNetwork, ClassRateLimit, ClassServerTransient, ClassServerOverloaded} {
		if !c.Retryable() {
			t.Fatalf("%q should be retryable", c)
		}
	}
	for _, c := range []Class{ClassClient, ClassValidation, ClassCancelled, ClassUnknown} {
		if c.Retryable() {
			t.Fatalf("%q should not be retryable", c)
		}
	}
}

func TestDelayExponential(t *testing.T) {
	p := Policy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Strategy:     StrategyExponential,
		Jitter:       JitterNone,
	}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second, // capped
	}
	for attempt, w := range want {
		if got := p.Delay(attempt, 0); got != w {
			t.Fatalf("attempt %d: delay = %v, want %v", attempt, got, w)
		}
	}
}

func TestDelayLinear(t *testing.T) {
	p := Policy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Strategy:     StrategyLinear,
		Jitter:       JitterNone,
	}
	for attempt, w := range []time.Duration{100, 200, 300, 400} {
		if got := p.Delay(attempt, 0); got != w*time.Millisecond {
			t.Fatalf("attempt %d: delay = %v, want %v", attempt, got, w*time.Millisecond)
		}
	}
}

func TestDelayFibonacci(t *testing.T) {
	p := Policy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Strategy:     StrategyFibonacci,
		Jitter:       JitterNone,
	}
	for attempt, mult := range []int64{1, 1, 2, 3, 5, 8} {
		want := time.Duration(mult) * 100 * time.Millisecond
		if got := p.Delay(attempt, 0); got != want {
			t.Fatalf("attempt %d: delay = %v, want %v", attempt, got, want)
		}
	}
}

func TestDelayDecorrelatedBounds(t *testing.T) {
	p := Policy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Strategy:     StrategyDecorrelated,
	}
	prev := p.InitialDelay
	for i := 0; i < 100; i++ {
		d := p.Delay(i, prev)
		upper := prev * 3
		if upper > p.MaxDelay {
			upper = p.MaxDelay
		}
		if d < p.InitialDelay || d > upper {
			t.Fatalf("iteration %d: delay %v outside [%v, %v]", i, d, p.InitialDelay, upper)
		}
		prev = d
	}
}

func TestDelayFullJitterBounded(t *testing.T) {
	p := Policy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Strategy:     StrategyExponential,
		Jitter:       JitterFull,
	}
	for i := 0; i < 100; i++ {
		d := p.Delay(1, 0)
		if d < 200*time.Millisecond || d > 250*time.Millisecond {
			t.Fatalf("jittered delay %v outside [200ms, 250ms]", d)
		}
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	p := DefaultPolicy()
	p.InitialDelay = time.Millisecond
	p.MaxAttempts = 4

	calls := 0
	got, err := Do(context.Background(), p, func(ctx context.Context, attempt int) (string, error) {
		calls++
		if attempt < 2 {
			return "", &statusErr{status: 503}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Fatalf("got %q after %d calls, want %q after 3", got, calls, "ok")
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	p := DefaultPolicy()
	p.InitialDelay = time.Millisecond

	calls := 0
	_, err := Do(context.Background(), p, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, &statusErr{status: 400}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (client errors must not retry)", calls)
	}
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		t.Fatal("non-retryable failure must not report exhaustion")
	}
}

func TestDoExhaustion(t *testing.T) {
	p := DefaultPolicy()
	p.InitialDelay = time.Millisecond
	p.MaxAttempts = 3

	calls := 0
	_, err := Do(context.Background(), p, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, &statusErr{status: 503}
	})
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("want *ExhaustedError, got %v", err)
	}
	if ex.Attempts != 3 || calls != 3 {
		t.Fatalf("attempts = %d, calls = %d, want 3", ex.Attempts, calls)
	}
	var se *statusErr
	if !errors.As(err, &se) {
		t.Fatal("ExhaustedError must unwrap to the last failure")
	}
}

func TestDoCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, DefaultPolicy(), func(ctx context.Context, attempt int) (int, error) {
		t.Fatal("fn must not run after cancellation")
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDoRateLimitUsesResetHint(t *testing.T) {
	p := DefaultPolicy()
	p.InitialDelay = time.Millisecond
	p.MaxAttempts = 2

	start := time.Now()
	_, err := Do(context.Background(), p, func(ctx context.Context, attempt int) (int, error) {
		return 0, &statusErr{status: 429, reset: time.Now().Add(50 * time.Millisecond)}
	})
	if err == nil {
		t.Fatal("expected exhaustion")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("retry waited %v, want >= reset hint", elapsed)
	}
}

func TestResetHintRejectsDistantReset(t *testing.T) {
	now := time.Now()
	err := &statusErr{status: 429, reset: now.Add(10 * time.Minute)}
	if _, ok := ResetHint(err, now, 5*time.Minute); ok {
		t.Fatal("reset beyond the cap must be ignored")
	}
	err = &statusErr{status: 429, reset: now.Add(30 * time.Second)}
	wait, ok := ResetHint(err, now, 5*time.Minute)
	if !ok || wait != 30*time.Second {
		t.Fatalf("wait = %v ok = %v, want 30s true", wait, ok)
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: time.Minute})
	for i := 0; i < 2; i++ {
		b.RecordFailure(ClassServerTransient)
		if b.State() != CircuitClosed {
			t.Fatalf("after %d failures state = %q, want closed", i+1, b.State())
		}
	}
	b.RecordFailure(ClassServerTransient)
	if b.State() != CircuitOpen {
		t.Fatalf("state = %q, want open", b.State())
	}
	var oe *OpenError
	if err := b.Allow(); !errors.As(err, &oe) {
		t.Fatalf("Allow = %v, want *OpenError", err)
	} else if oe.RetryAfter <= 0 || oe.RetryAfter > time.Minute {
		t.Fatalf("RetryAfter = %v", oe.RetryAfter)
	}
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: time.Minute})
	b.RecordFailure(ClassNetwork)
	b.RecordFailure(ClassNetwork)
	b.RecordSuccess()
	b.RecordFailure(ClassNetwork)
	b.RecordFailure(ClassNetwork)
	if b.State() != CircuitClosed {
		t.Fatalf("state = %q, want closed (streak broken by success)", b.State())
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: 30 * time.Second})
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		b.RecordFailure(ClassServerTransient)
	}
	if b.State() != CircuitOpen {
		t.Fatalf("state = %q, want open", b.State())
	}
	if err := b.Allow(); err == nil {
		t.Fatal("open circuit must short-circuit")
	}

	// After the reset timeout a probe is admitted.
	now = now.Add(31 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow after reset timeout: %v", err)
	}
	if b.State() != CircuitHalfOpen {
		t.Fatalf("state = %q, want half_open", b.State())
	}

	// One success is not enough at successThreshold=2.
	b.RecordSuccess()
	if b.State() != CircuitHalfOpen {
		t.Fatalf("state = %q, want half_open after one probe success", b.State())
	}
	b.RecordSuccess()
	if b.State() != CircuitClosed {
		t.Fatalf("state = %q, want closed after probe successes", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: 10 * time.Second})
	b.now = func() time.Time { return now }

	b.RecordFailure(ClassNetwork)
	b.RecordFailure(ClassNetwork)
	now = now.Add(11 * time.Second)
	if b.State() != CircuitHalfOpen {
		t.Fatalf("state = %q, want half_open", b.State())
	}
	b.RecordFailure(ClassNetwork)
	if b.State() != CircuitOpen {
		t.Fatalf("state = %q, want open after failed probe", b.State())
	}
	if got := b.Stats().Opens; got != 2 {
		t.Fatalf("opens = %d, want 2", got)
	}
}

func TestBreakerStats(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 10, SuccessThreshold: 1, ResetTimeout: time.Minute})
	b.RecordSuccess()
	b.RecordFailure(ClassRateLimit)
	b.RecordFailure(ClassRateLimit)
	b.RecordFailure(ClassNetwork)

	s := b.Stats()
	if s.Total != 4 || s.Successful != 1 || s.Failed != 3 {
		t.Fatalf("stats = %+v", s)
	}
	if s.ByClass[ClassRateLimit] != 2 || s.ByClass[ClassNetwork] != 1 {
		t.Fatalf("byClass = %v", s.ByClass)
	}
}

func TestBreakerSetPerEndpoint(t *testing.T) {
	set := NewBreakerSet(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Minute})
	set.For("messages").RecordFailure(ClassServerTransient)
	if set.For("messages").State() != CircuitOpen {
		t.Fatal("messages breaker should be open")
	}
	if set.For("count_tokens").State() != CircuitClosed {
		t.Fatal("endpoints must not share breaker state")
	}
	if set.For("messages") != set.For("messages") {
		t.Fatal("For must return the same breaker per endpoint")
	}
}
