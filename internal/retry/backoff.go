package retry

import (
	"math/rand"
	"time"
)

// Strategy selects how the base delay grows between attempts.
type Strategy string

const (
	StrategyExponential  Strategy = "exponential"
	StrategyLinear       Strategy = "linear"
	StrategyFibonacci    Strategy = "fibonacci"
	StrategyDecorrelated Strategy = "decorrelated"
)

// Jitter selects how noise is applied to the computed delay.
type Jitter string

const (
	JitterNone Jitter = "none"
	JitterFull Jitter = "full"
)

// Policy configures the attempt loop. Immutable per call site.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Default: 3.
	MaxAttempts int

	// InitialDelay is the base delay before the first retry.
	// Default: 500ms.
	InitialDelay time.Duration

	// MaxDelay caps the computed delay. Default: 30s.
	MaxDelay time.Duration

	// Multiplier grows the exponential delay. Default: 2.
	Multiplier float64

	// Strategy selects the growth curve. Default: exponential.
	Strategy Strategy

	// Jitter adds noise to the computed delay. Full jitter adds 0-25%.
	Jitter Jitter

	// MaxResetWait bounds how long a rate-limit reset hint may push the
	// delay. Default: 5 minutes.
	MaxResetWait time.Duration

	// Classify overrides the default error classifier.
	Classify Classifier

	// rng allows tests to pin the jitter source.
	rng *rand.Rand
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Strategy:     StrategyExponential,
		Jitter:       JitterFull,
		MaxResetWait: 5 * time.Minute,
	}
}

func (p Policy) sanitized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier <= 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Strategy == "" {
		p.Strategy = d.Strategy
	}
	if p.MaxResetWait <= 0 {
		p.MaxResetWait = d.MaxResetWait
	}
	return p
}

// Delay computes the wait before retrying after the given 0-based attempt.
// prev is the previously computed delay, used by the decorrelated strategy.
func (p Policy) Delay(attempt int, prev time.Duration) time.Duration {
	p = p.sanitized()
	var delay time.Duration

	switch p.Strategy {
	case StrategyLinear:
		delay = p.InitialDelay * time.Duration(attempt+1)
	case StrategyFibonacci:
		delay = p.InitialDelay * time.Duration(fib(attempt+1))
	case StrategyDecorrelated:
		// delay ∈ [initial, min(cap, prev*3)] uniformly sampled.
		if prev < p.InitialDelay {
			prev = p.InitialDelay
		}
		upper := prev * 3
		if upper > p.MaxDelay {
			upper = p.MaxDelay
		}
		if upper <= p.InitialDelay {
			return p.InitialDelay
		}
		return p.InitialDelay + time.Duration(p.intn(int64(upper-p.InitialDelay)))
	default:
		mult := 1.0
		for i := 0; i < attempt; i++ {
			mult *= p.Multiplier
		}
		delay = time.Duration(float64(p.InitialDelay) * mult)
	}

	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter == JitterFull {
		delay += time.Duration(p.intn(int64(delay)/4 + 1))
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func (p Policy) intn(n int64) int64 {
	if n <= 0 {
		return 0
	}
	if p.rng != nil {
		return p.rng.Int63n(n)
	}
	return rand.Int63n(n)
}

func fib(n int) int64 {
	a, b := int64(1), int64(1)
	for i := 2; i <= n; i++ {
		a, b = b, a+b
	}
	return a
}
