package hooks

import (
	"context"
	"errors"
	"testing"
)

func TestEmitCallsHandlersInPriorityOrder(t *testing.T) {
	bus := NewBus(nil)
	var order []string

	bus.Subscribe(EventToolPre, func(ctx context.Context, e *Event) error {
		order = append(order, "normal")
		return nil
	})
	bus.Subscribe(EventToolPre, func(ctx context.Context, e *Event) error {
		order = append(order, "high")
		return nil
	}, WithPriority(PriorityHigh))
	bus.Subscribe(EventToolPre, func(ctx context.Context, e *Event) error {
		order = append(order, "low")
		return nil
	}, WithPriority(PriorityLow))

	if err := bus.Emit(context.Background(), NewEvent(EventToolPre)); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	want := []string{"high", "normal", "low"}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestEmitContinuesPastFailures(t *testing.T) {
	bus := NewBus(nil)
	called := false

	bus.Subscribe(EventToolPost, func(ctx context.Context, e *Event) error {
		return errors.New("boom")
	}, WithPriority(PriorityHigh), WithName("broken"))
	bus.Subscribe(EventToolPost, func(ctx context.Context, e *Event) error {
		called = true
		return nil
	})

	err := bus.Emit(context.Background(), NewEvent(EventToolPost))
	if err == nil {
		t.Fatal("expected first error to be reported")
	}
	if !called {
		t.Fatal("later handler must still run after a failure")
	}
}

func TestEmitRecoversPanics(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(EventLoopTurn, func(ctx context.Context, e *Event) error {
		panic("handler bug")
	})
	if err := bus.Emit(context.Background(), NewEvent(EventLoopTurn)); err == nil {
		t.Fatal("panic should surface as an error")
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	id := bus.Subscribe(EventTaskExit, func(ctx context.Context, e *Event) error {
		calls++
		return nil
	})

	bus.Emit(context.Background(), NewEvent(EventTaskExit))
	if !bus.Unsubscribe(id) {
		t.Fatal("Unsubscribe returned false for live id")
	}
	bus.Emit(context.Background(), NewEvent(EventTaskExit))
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if bus.Unsubscribe(id) {
		t.Fatal("second Unsubscribe should return false")
	}
	if bus.HandlerCount(EventTaskExit) != 0 {
		t.Fatalf("handler count = %d", bus.HandlerCount(EventTaskExit))
	}
}

func TestEventBuilders(t *testing.T) {
	e := NewEvent(EventToolPre).
		WithSession("s1").
		WithTool("bash", []byte(`{"command":"ls"}`)).
		WithField("phase", "invoke")
	if e.SessionID != "s1" || e.ToolName != "bash" {
		t.Fatalf("event = %+v", e)
	}
	if e.Fields["phase"] != "invoke" {
		t.Fatalf("fields = %v", e.Fields)
	}
	if e.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
}

func TestEmitNilEvent(t *testing.T) {
	bus := NewBus(nil)
	if err := bus.Emit(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil event")
	}
}
