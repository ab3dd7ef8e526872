package retry

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState is the breaker's position.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// OpenError is returned when the breaker short-circuits a call.
type OpenError struct {
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open, retry after %s", e.RetryAfter.Round(time.Millisecond))
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold opens the circuit after this many consecutive
	// failures. Default: 5.
	FailureThreshold int

	// SuccessThreshold closes a half-open circuit after this many
	// consecutive successes. Default: 2.
	SuccessThreshold int

	// ResetTimeout is how long an open circuit waits before probing.
	// Default: 30s.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig returns sensible breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
	}
}

func (c BreakerConfig) sanitized() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	return c
}

// BreakerStats is a snapshot of breaker counters.
type BreakerStats struct {
	Total      int64
	Successful int64
	Failed     int64
	Opens      int64
	ByClass    map[Class]int64
}

// Breaker is a per-endpoint circuit breaker. Consecutive failures open it;
// after ResetTimeout a single probe is admitted (half-open); enough probe
// successes close it again.
type Breaker struct {
	mu       sync.Mutex
	config   BreakerConfig
	state    CircuitState
	failures int
	probes   int
	openedAt time.Time

	total      int64
	successful int64
	failed     int64
	opens      int64
	byClass    map[Class]int64

	// now allows tests to pin the clock.
	now func() time.Time
}

// NewBreaker creates a closed breaker with the given configuration.
func NewBreaker(config BreakerConfig) *Breaker {
	return &Breaker{
		config:  config.sanitized(),
		state:   CircuitClosed,
		byClass: make(map[Class]int64),
		now:     time.Now,
	}
}

// State returns the current circuit state, accounting for reset-timeout
// expiry on an open circuit.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() CircuitState {
	if b.state == CircuitOpen && b.now().Sub(b.openedAt) >= b.config.ResetTimeout {
		b.state = CircuitHalfOpen
		b.probes = 0
	}
	return b.state
}

// Allow reports whether a call may proceed. When the circuit is open it
// returns an *OpenError carrying the remaining wait.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stateLocked() == CircuitOpen {
		wait := b.config.ResetTimeout - b.now().Sub(b.openedAt)
		if wait < 0 {
			wait = 0
		}
		return &OpenError{RetryAfter: wait}
	}
	return nil
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total++
	b.successful++
	switch b.stateLocked() {
	case CircuitHalfOpen:
		b.probes++
		if b.probes >= b.config.SuccessThreshold {
			b.state = CircuitClosed
			b.failures = 0
			b.probes = 0
		}
	case CircuitClosed:
		b.failures = 0
	}
}

// RecordFailure notes a failed call of the given class.
func (b *Breaker) RecordFailure(class Class) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total++
	b.failed++
	b.byClass[class]++
	switch b.stateLocked() {
	case CircuitHalfOpen:
		b.open()
	case CircuitClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.open()
		}
	}
}

func (b *Breaker) open() {
	b.state = CircuitOpen
	b.openedAt = b.now()
	b.failures = 0
	b.probes = 0
	b.opens++
}

// Stats returns a copy of the breaker counters.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	byClass := make(map[Class]int64, len(b.byClass))
	for k, v := range b.byClass {
		byClass[k] = v
	}
	return BreakerStats{
		Total:      b.total,
		Successful: b.successful,
		Failed:     b.failed,
		Opens:      b.opens,
		ByClass:    byClass,
	}
}

// BreakerSet holds one breaker per endpoint.
type BreakerSet struct {
	mu       sync.Mutex
	config   BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerSet creates an empty breaker set sharing one configuration.
func NewBreakerSet(config BreakerConfig) *BreakerSet {
	return &BreakerSet{
		config:   config.sanitized(),
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for an endpoint, creating it on first use.
func (s *BreakerSet) For(endpoint string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[endpoint]
	if !ok {
		b = NewBreaker(s.config)
		s.breakers[endpoint] = b
	}
	return b
}
