// Package retry implements error classification, backoff scheduling, and a
// per-endpoint circuit breaker for calls to the model API and other
// network-facing operations.
package retry

import (
	"context"
	"errors"
	"net"
	"time"
)

// Class categorizes a failure for retry and circuit decisions.
type Class string

const (
	ClassNetwork          Class = "network"
	ClassRateLimit        Class = "rate_limit"
	ClassServerTransient  Class = "server_transient"
	ClassServerOverloaded Class = "server_overloaded"
	ClassClient           Class = "client"
	ClassValidation       Class = "validation"
	ClassCancelled        Class = "cancelled"
	ClassUnknown          Class = "unknown"
)

// Retryable reports whether an error of this class is worth retrying.
func (c Class) Retryable() bool {
	switch c {
	case ClassNetwork, ClassRateLimit, ClassServerTransient, ClassServerOverloaded:
		return true
	}
	return false
}

// StatusCarrier is implemented by errors that carry an HTTP status code.
type StatusCarrier interface {
	HTTPStatus() int
}

// ResetCarrier is implemented by rate-limit errors that carry the server's
// reset timestamp.
type ResetCarrier interface {
	RateLimitReset() (time.Time, bool)
}

// Classifier maps an error to a Class. A nil Classifier means Classify.
type Classifier func(error) Class

// Classify determines the error class from typed information only: context
// sentinels, net.Error, and carried HTTP status. It never inspects error
// message text.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassNetwork
	}

	var sc StatusCarrier
	if errors.As(err, &sc) {
		return classifyStatus(sc.HTTPStatus())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassNetwork
	}

	return ClassUnknown
}

func classifyStatus(status int) Class {
	switch {
	case status == 429:
		return ClassRateLimit
	case status == 529:
		return ClassServerOverloaded
	case status == 408 || status == 500 || status == 502 || status == 503 || status == 504:
		return ClassServerTransient
	case status >= 400 && status < 500:
		return ClassClient
	case status >= 500:
		return ClassServerTransient
	}
	return ClassUnknown
}

// ResetHint extracts a rate-limit reset wait from the error, bounded by max.
// Returns false when the error carries no usable hint.
func ResetHint(err error, now time.Time, max time.Duration) (time.Duration, bool) {
	var rc ResetCarrier
	if !errors.As(err, &rc) {
		return 0, false
	}
	reset, ok := rc.RateLimitReset()
	if !ok {
		return 0, false
	}
	wait := reset.Sub(now)
	if wait <= 0 || wait > max {
		return 0, false
	}
	return wait, true
}
