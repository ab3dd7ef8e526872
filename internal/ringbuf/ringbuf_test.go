package ringbuf

import (
	"bytes"
	"fmt"
	"testing"
)

func TestWriteUnderCapacity(t *testing.T) {
	b := New(16)
	if _, err := b.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := b.String(); got != "hello" {
		t.Fatalf("snapshot = %q, want %q", got, "hello")
	}
	if b.TotalWritten() != 5 {
		t.Fatalf("total = %d, want 5", b.TotalWritten())
	}
}

func TestWrapRetainsTail(t *testing.T) {
	b := New(8)
	b.Write([]byte("abcdef"))
	b.Write([]byte("ghij"))
	if got := b.String(); got != "cdefghij" {
		t.Fatalf("snapshot = %q, want %q", got, "cdefghij")
	}
	if b.TotalWritten() != 10 {
		t.Fatalf("total = %d, want 10", b.TotalWritten())
	}
}

func TestOversizedWrite(t *testing.T) {
	b := New(4)
	b.Write([]byte("abcdefgh"))
	if got := b.String(); got != "efgh" {
		t.Fatalf("snapshot = %q, want %q", got, "efgh")
	}
	if b.TotalWritten() != 8 {
		t.Fatalf("total = %d, want 8", b.TotalWritten())
	}
}

func TestSnapshotMatchesLogicalTail(t *testing.T) {
	// After any sequence of writes, the snapshot must equal the last
	// N bytes of the logical stream.
	for _, capacity := range []int{1, 3, 7, 64} {
		b := New(capacity)
		var logical bytes.Buffer
		for i := 0; i < 50; i++ {
			chunk := []byte(fmt.Sprintf("chunk-%d|", i))
			b.Write(chunk)
			logical.Write(chunk)
		}
		want := logical.Bytes()
		if logical.Len() > capacity {
			want = want[logical.Len()-capacity:]
		}
		if got := b.Snapshot(); !bytes.Equal(got, want) {
			t.Fatalf("cap %d: snapshot = %q, want %q", capacity, got, want)
		}
		if b.TotalWritten() != uint64(logical.Len()) {
			t.Fatalf("cap %d: total = %d, want %d", capacity, b.TotalWritten(), logical.Len())
		}
	}
}

func TestClear(t *testing.T) {
	b := New(8)
	b.Write([]byte("data"))
	b.Clear()
	if b.Len() != 0 {
		t.Fatalf("len after clear = %d", b.Len())
	}
	if b.TotalWritten() != 4 {
		t.Fatalf("total after clear = %d, want 4", b.TotalWritten())
	}
	b.Write([]byte("fresh"))
	if got := b.String(); got != "fresh" {
		t.Fatalf("snapshot = %q, want %q", got, "fresh")
	}
}
