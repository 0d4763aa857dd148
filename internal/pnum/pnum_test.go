package pnum

import "testing"

func TestGeneratorMonotonicAndUnique(t *testing.T) {
	g := New()
	seen := make(map[uint64]bool)
	var prev int64 = -1
	for i := 0; i < 10_000; i++ {
		n := g.Next()
		if int64(n) <= prev {
			t.Fatalf("non-monotonic at i=%d: prev=%d got=%d", i, prev, n)
		}
		if seen[uint64(n)] {
			t.Fatalf("duplicate packet number %d at i=%d", n, i)
		}
		seen[uint64(n)] = true
		prev = int64(n)
	}
}

func TestGeneratorStartsAtZero(t *testing.T) {
	g := New()
	if n := g.Next(); n != 0 {
		t.Fatalf("expected first packet number 0, got %d", n)
	}
}

func TestPeekDoesNotAdvance(t *testing.T) {
	g := New()
	if p := g.Peek(); p != 0 {
		t.Fatalf("expected peek 0, got %d", p)
	}
	if p := g.Peek(); p != 0 {
		t.Fatalf("expected peek still 0, got %d", p)
	}
	if n := g.Next(); n != 0 {
		t.Fatalf("expected next 0, got %d", n)
	}
	if p := g.Peek(); p != 1 {
		t.Fatalf("expected peek 1 after one Next, got %d", p)
	}
}
