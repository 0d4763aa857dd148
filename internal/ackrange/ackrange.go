// Package ackrange maintains an endpoint's received-packet set as a sorted
// sequence of merged, gapped ranges (spec.md 3, 4.2). This is grounded on
// the teacher's ReceiveBuffer.GenerateSACK (internal/quantum/reliability/
// recv_buffer.go), which rebuilds contiguous SACK blocks from a map of
// out-of-order sequence numbers on every ACK. Here the structure is kept
// live across record() calls instead of being rebuilt, and the gap of each
// range is maintained as an explicit invariant rather than recomputed ad
// hoc (spec.md's Open Question on gap semantics).
package ackrange

import (
	"sort"
	"sync"

	"github.com/qrelay/qrelay/internal/protocol"
)

// Range is one contiguous run of received packet numbers, plus the count
// of unacknowledged packet numbers immediately preceding it (its "gap").
// For the first range in a Tracker's snapshot, the gap counts from 0.
type Range struct {
	Gap   uint64
	Start protocol.PacketNumber
	End   protocol.PacketNumber
}

// Tracker records individually-arriving packet numbers and exposes them as
// an ordered, merged, gapped sequence of ranges.
type Tracker struct {
	mu     sync.Mutex
	ranges []Range // strictly sorted by Start, non-overlapping, non-adjacent
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{}
}

// Record marks packet number n as received. Recording an already-seen n is
// a no-op.
func (t *Tracker) Record(n protocol.PacketNumber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(n)
}

func (t *Tracker) record(n protocol.PacketNumber) {
	if len(t.ranges) == 0 {
		t.ranges = []Range{{Gap: uint64(n), Start: n, End: n}}
		return
	}

	// Find the insertion point: the first range whose Start > n, or the
	// index one past the last range if none.
	idx := sort.Search(len(t.ranges), func(i int) bool {
		return t.ranges[i].Start > n
	})

	// Check membership in the range immediately before idx.
	if idx > 0 {
		prev := &t.ranges[idx-1]
		if n >= prev.Start && n <= prev.End {
			return // already received
		}
		if n == prev.End+1 {
			prev.End = n
			t.mergeForward(idx - 1)
			return
		}
	}

	// Check whether n extends the range at idx from below.
	if idx < len(t.ranges) && n == t.ranges[idx].Start-1 {
		t.ranges[idx].Start = n
		t.recomputeGap(idx)
		return
	}

	// Otherwise n starts a brand-new range inserted at idx.
	newRange := Range{Start: n, End: n}
	t.ranges = append(t.ranges, Range{})
	copy(t.ranges[idx+1:], t.ranges[idx:])
	t.ranges[idx] = newRange
	t.recomputeGap(idx)
	if idx+1 < len(t.ranges) {
		t.recomputeGap(idx + 1)
	}
}

// mergeForward merges t.ranges[i] with t.ranges[i+1] if they are now
// adjacent (t.ranges[i].End+1 == t.ranges[i+1].Start), after t.ranges[i]'s
// End was just extended.
func (t *Tracker) mergeForward(i int) {
	if i+1 < len(t.ranges) && t.ranges[i].End+1 == t.ranges[i+1].Start {
		t.ranges[i].End = t.ranges[i+1].End
		t.ranges = append(t.ranges[:i+1], t.ranges[i+2:]...)
	}
	if i+1 < len(t.ranges) {
		t.recomputeGap(i + 1)
	}
}

// recomputeGap sets ranges[i].Gap to the count of unacknowledged packet
// numbers strictly between the end of the preceding range (or -1, if i is
// the first range) and ranges[i].Start.
func (t *Tracker) recomputeGap(i int) {
	if i == 0 {
		t.ranges[0].Gap = uint64(t.ranges[0].Start)
		return
	}
	prevEnd := t.ranges[i-1].End
	t.ranges[i].Gap = uint64(t.ranges[i].Start-prevEnd) - 1
}

// Snapshot returns the current ordered sequence of ranges. The returned
// slice is a copy safe for the caller to retain.
func (t *Tracker) Snapshot() []Range {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Range, len(t.ranges))
	copy(out, t.ranges)
	return out
}

// Contains reports whether n has been recorded.
func (t *Tracker) Contains(n protocol.PacketNumber) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := sort.Search(len(t.ranges), func(i int) bool {
		return t.ranges[i].End >= n
	})
	return idx < len(t.ranges) && n >= t.ranges[idx].Start
}

// LargestSeen returns the highest packet number recorded, and whether any
// has been recorded at all.
func (t *Tracker) LargestSeen() (protocol.PacketNumber, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.ranges) == 0 {
		return 0, false
	}
	return t.ranges[len(t.ranges)-1].End, true
}

// ToWire converts the snapshot into the wire ACKRangeWire form for
// inclusion in an ACK frame, most-recent-first as QUIC-style ACK frames
// conventionally order them, capped at protocol.MaxACKRanges.
func ToWire(ranges []Range) []protocol.ACKRangeWire {
	n := len(ranges)
	if n > protocol.MaxACKRanges {
		n = protocol.MaxACKRanges
		ranges = ranges[len(ranges)-n:]
	}
	out := make([]protocol.ACKRangeWire, n)
	for i, r := range ranges {
		// Reverse order: wire carries most-recent range first.
		out[n-1-i] = protocol.ACKRangeWire{Gap: uint32(r.Gap), Start: r.Start, End: r.End}
	}
	return out
}
