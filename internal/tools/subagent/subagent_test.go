package subagent

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/tacitdev/tacit/internal/agent"
)

func TestReserveEnforcesLimit(t *testing.T) {
	tool := NewTaskTool(nil, agent.NewRegistry(), Config{MaxActive: 2}, nil, nil)

	if !tool.reserve() || !tool.reserve() {
		t.Fatal("slots under the limit must be granted")
	}
	if tool.reserve() {
		t.Fatal("third slot must be refused at MaxActive=2")
	}
	tool.release()
	if !tool.reserve() {
		t.Fatal("released slot must be reusable")
	}
	tool.release()
	tool.release()
	if got := tool.active.Load(); got != 0 {
		t.Fatalf("active = %d after releasing everything", got)
	}
}

func TestReserveConcurrent(t *testing.T) {
	tool := NewTaskTool(nil, agent.NewRegistry(), Config{MaxActive: 3}, nil, nil)

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tool.reserve() {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if g := granted.Load(); g != 3 {
		t.Fatalf("granted = %d, want exactly 3", g)
	}
	if a := tool.active.Load(); a != 3 {
		t.Fatalf("active = %d, failed reservations must roll back", a)
	}
}
