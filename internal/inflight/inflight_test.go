package inflight

import (
	"testing"
	"time"

	"github.com/qrelay/qrelay/internal/protocol"
)

func TestAddGetRemove(t *testing.T) {
	r := New()
	now := time.Now()
	r.Add(Entry{Number: 1, SendTime: now})
	r.Add(Entry{Number: 2, SendTime: now})

	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}

	e, ok := r.Get(1)
	if !ok || e.Number != 1 {
		t.Fatalf("Get(1) = %+v, %v", e, ok)
	}

	removed, ok := r.Remove(1)
	if !ok || removed.Number != 1 {
		t.Fatalf("Remove(1) = %+v, %v", removed, ok)
	}
	if r.Len() != 1 {
		t.Fatalf("Len after remove = %d, want 1", r.Len())
	}
	if _, ok := r.Get(1); ok {
		t.Fatal("Get(1) should fail after removal")
	}
}

func TestRemoveIsOnceOnly(t *testing.T) {
	r := New()
	r.Add(Entry{Number: 5, SendTime: time.Now()})
	if _, ok := r.Remove(5); !ok {
		t.Fatal("first remove should succeed")
	}
	if _, ok := r.Remove(5); ok {
		t.Fatal("second remove of same number should fail (P5: never re-added)")
	}
}

func TestNumbersSorted(t *testing.T) {
	r := New()
	for _, n := range []protocol.PacketNumber{5, 1, 3, 2, 4} {
		r.Add(Entry{Number: n, SendTime: time.Now()})
	}
	nums := r.Numbers()
	for i := 1; i < len(nums); i++ {
		if nums[i-1] >= nums[i] {
			t.Fatalf("Numbers() not sorted ascending: %v", nums)
		}
	}
}

func TestOldest(t *testing.T) {
	r := New()
	r.Add(Entry{Number: 9, SendTime: time.Now()})
	r.Add(Entry{Number: 2, SendTime: time.Now()})
	r.Add(Entry{Number: 5, SendTime: time.Now()})
	e, ok := r.Oldest()
	if !ok || e.Number != 2 {
		t.Fatalf("Oldest() = %+v, %v; want Number=2", e, ok)
	}
}

func TestClearRemovesAllWithoutRetransmission(t *testing.T) {
	r := New()
	r.Add(Entry{Number: 1, SendTime: time.Now()})
	r.Add(Entry{Number: 2, SendTime: time.Now()})
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("Len after Clear = %d, want 0", r.Len())
	}
}
