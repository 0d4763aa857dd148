package ackrange

import (
	"math/rand"
	"testing"

	"github.com/qrelay/qrelay/internal/protocol"
)

// checkInvariants verifies P1: ranges sorted, non-overlapping,
// non-adjacent, and gaps consistent with surrounding ends.
func checkInvariants(t *testing.T, ranges []Range) {
	t.Helper()
	for i, r := range ranges {
		if r.Start > r.End {
			t.Fatalf("range %d has Start %d > End %d", i, r.Start, r.End)
		}
		if i == 0 {
			if r.Gap != uint64(r.Start) {
				t.Fatalf("range 0 gap = %d, want %d (its Start)", r.Gap, r.Start)
			}
			continue
		}
		prev := ranges[i-1]
		if r.Start <= prev.End {
			t.Fatalf("range %d overlaps or is unsorted relative to range %d: prev=%+v cur=%+v", i, i-1, prev, r)
		}
		if r.Start == prev.End+1 {
			t.Fatalf("range %d is adjacent to range %d and should have merged: prev=%+v cur=%+v", i, i-1, prev, r)
		}
		wantGap := uint64(r.Start-prev.End) - 1
		if r.Gap != wantGap {
			t.Fatalf("range %d gap = %d, want %d (prev end %d, start %d)", i, r.Gap, wantGap, prev.End, r.Start)
		}
	}
}

// describedSet expands the ranges into the set of packet numbers they claim
// to cover, for comparison against what was actually recorded.
func describedSet(ranges []Range) map[protocol.PacketNumber]bool {
	set := make(map[protocol.PacketNumber]bool)
	for _, r := range ranges {
		for n := r.Start; n <= r.End; n++ {
			set[n] = true
			if n == r.End {
				break // avoid overflow if End == max value
			}
		}
	}
	return set
}

func TestRecordMatchesExactSetRandomOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(12345))
	const numPackets = 400

	perm := rng.Perm(numPackets)
	// Only record a random subset, in random order, to exercise gaps.
	tr := New()
	recorded := make(map[protocol.PacketNumber]bool)
	for _, i := range perm {
		if rng.Intn(3) == 0 {
			continue // leave a gap
		}
		n := protocol.PacketNumber(i)
		tr.Record(n)
		recorded[n] = true
	}
	// Record duplicates too.
	for _, i := range perm[:50] {
		if n := protocol.PacketNumber(i); recorded[n] {
			tr.Record(n)
		}
	}

	snap := tr.Snapshot()
	checkInvariants(t, snap)

	got := describedSet(snap)
	if len(got) != len(recorded) {
		t.Fatalf("described set has %d entries, want %d", len(got), len(recorded))
	}
	for n := range recorded {
		if !got[n] {
			t.Errorf("recorded packet %d missing from snapshot", n)
		}
	}
	for n := range got {
		if !recorded[n] {
			t.Errorf("snapshot describes unrecorded packet %d", n)
		}
	}
	for n := range recorded {
		if !tr.Contains(n) {
			t.Errorf("Contains(%d) = false, want true", n)
		}
	}
}

func TestRecordSequentialMergesIntoOneRange(t *testing.T) {
	tr := New()
	for i := protocol.PacketNumber(0); i < 100; i++ {
		tr.Record(i)
	}
	snap := tr.Snapshot()
	checkInvariants(t, snap)
	if len(snap) != 1 {
		t.Fatalf("expected 1 merged range, got %d: %+v", len(snap), snap)
	}
	if snap[0].Start != 0 || snap[0].End != 99 {
		t.Fatalf("expected [0,99], got [%d,%d]", snap[0].Start, snap[0].End)
	}
}

func TestRecordFillingGapMergesBothNeighbors(t *testing.T) {
	tr := New()
	tr.Record(1)
	tr.Record(2)
	tr.Record(4)
	tr.Record(5)
	// Two ranges: [1,2] gap=1, [4,5] gap=1.
	checkInvariants(t, tr.Snapshot())

	tr.Record(3) // fills the gap, should merge into [1,5]
	snap := tr.Snapshot()
	checkInvariants(t, snap)
	if len(snap) != 1 || snap[0].Start != 1 || snap[0].End != 5 {
		t.Fatalf("expected single merged range [1,5], got %+v", snap)
	}
}

func TestDuplicateRecordIsNoOp(t *testing.T) {
	tr := New()
	tr.Record(10)
	before := tr.Snapshot()
	tr.Record(10)
	after := tr.Snapshot()
	if len(before) != len(after) || before[0] != after[0] {
		t.Fatalf("duplicate record changed snapshot: before=%+v after=%+v", before, after)
	}
}

func TestLargestSeen(t *testing.T) {
	tr := New()
	if _, ok := tr.LargestSeen(); ok {
		t.Fatal("expected no largest seen on empty tracker")
	}
	tr.Record(5)
	tr.Record(2)
	tr.Record(9)
	if largest, ok := tr.LargestSeen(); !ok || largest != 9 {
		t.Fatalf("LargestSeen = %d, %v; want 9, true", largest, ok)
	}
}

func TestToWireOrdersMostRecentFirst(t *testing.T) {
	tr := New()
	tr.Record(1)
	tr.Record(5)
	tr.Record(6)
	wire := ToWire(tr.Snapshot())
	if len(wire) != 2 {
		t.Fatalf("expected 2 wire ranges, got %d", len(wire))
	}
	if wire[0].Start != 5 || wire[0].End != 6 {
		t.Fatalf("expected most-recent range first, got %+v", wire[0])
	}
	if wire[1].Start != 1 || wire[1].End != 1 {
		t.Fatalf("expected oldest range last, got %+v", wire[1])
	}
}
