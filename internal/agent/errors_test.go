package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := NewError(ErrPermissionDenied, "policy refused").
		WithPhase(PhasePermission).
		WithTool("bash")
	s := err.Error()
	for _, want := range []string{"permission_denied", "bash", "permission", "policy refused"} {
		if !strings.Contains(s, want) {
			t.Fatalf("error %q missing %q", s, want)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewError(ErrExecutionFailed, "wrapper").WithCause(cause)
	if !errors.Is(err, cause) {
		t.Fatal("Unwrap should expose the cause")
	}
}

func TestErrorKindRetryable(t *testing.T) {
	retryable := []ErrorKind{ErrTimeout, ErrNetwork, ErrRateLimit, ErrServerTransient, ErrCircuitOpen}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Fatalf("%s should be retryable", k)
		}
	}
	terminal := []ErrorKind{ErrInvalidParameters, ErrPermissionDenied, ErrToolNotFound, ErrForbiddenPath, ErrCancelled, ErrClient, ErrParse, ErrRetriesExhausted}
	for _, k := range terminal {
		if k.Retryable() {
			t.Fatalf("%s should not be retryable", k)
		}
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(context.Canceled); got != ErrCancelled {
		t.Fatalf("cancelled: %s", got)
	}
	if got := KindOf(context.DeadlineExceeded); got != ErrTimeout {
		t.Fatalf("deadline: %s", got)
	}
	if got := KindOf(errors.New("boom")); got != ErrExecutionFailed {
		t.Fatalf("plain: %s", got)
	}
	typed := NewError(ErrRateLimit, "slow down")
	if got := KindOf(typed); got != ErrRateLimit {
		t.Fatalf("typed: %s", got)
	}
}

func TestRedactJSON(t *testing.T) {
	input := []byte(`{
		"command": "deploy",
		"api_key": "sk-123456",
		"nested": {"Password": "hunter2", "file_path": "/tmp/x"},
		"tokens": ["a", "b"],
		"credential_id": "abc"
	}`)
	out := RedactJSON(input)
	for _, leaked := range []string{"sk-123456", "hunter2", "abc"} {
		if strings.Contains(out, leaked) {
			t.Fatalf("redacted output leaks %q: %s", leaked, out)
		}
	}
	for _, kept := range []string{"deploy", "/tmp/x"} {
		if !strings.Contains(out, kept) {
			t.Fatalf("redaction dropped benign value %q: %s", kept, out)
		}
	}
	if !strings.Contains(out, RedactionMarker) {
		t.Fatalf("no marker in %s", out)
	}
}

func TestRedactJSONUnparseable(t *testing.T) {
	if got := RedactJSON([]byte("secret=hunter2")); got != RedactionMarker {
		t.Fatalf("unparseable input must not leak: %q", got)
	}
	if got := RedactJSON(nil); got != "" {
		t.Fatalf("empty input: %q", got)
	}
}

func TestErrorWithInputRedacts(t *testing.T) {
	err := NewError(ErrInvalidParameters, "bad").
		WithInput([]byte(`{"token":"tok_abc","path":"/x"}`))
	if strings.Contains(err.Input, "tok_abc") {
		t.Fatalf("error input leaks secret: %s", err.Input)
	}
}
