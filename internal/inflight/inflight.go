// Package inflight tracks transmitted-but-not-yet-resolved packets
// (spec.md 3, 4.4). Grounded on the teacher's SendBuffer.packets map
// (internal/quantum/reliability/send_buffer.go), generalized to a 64-bit
// key and to retain enough per-entry state (frames, retransmitted bit) for
// both loss detection and Karn's-algorithm RTT sampling.
package inflight

import (
	"sync"
	"time"

	"github.com/qrelay/qrelay/internal/protocol"
)

// Entry is one in-flight packet: the frames it carried (for
// retransmission) and its send time (for loss/RTT accounting).
type Entry struct {
	Number        protocol.PacketNumber
	Stream        *protocol.StreamFrame // nil if this packet carried no data
	SendTime      time.Time
	Retransmitted bool // true if this entry's data already rode a prior packet number
}

// Registry is the map packet_number -> Entry, keyed on a single endpoint's
// outbound packet numbers.
type Registry struct {
	mu      sync.Mutex
	entries map[protocol.PacketNumber]*Entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[protocol.PacketNumber]*Entry)}
}

// Add records a newly sent packet as in flight.
func (r *Registry) Add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := e
	r.entries[e.Number] = &cp
}

// Remove discards an entry, used both when it's acknowledged and when it's
// declared lost and about to be retransmitted under a new number (P4, P5).
func (r *Registry) Remove(n protocol.PacketNumber) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[n]
	if !ok {
		return Entry{}, false
	}
	delete(r.entries, n)
	return *e, true
}

// Get returns the entry for n without removing it.
func (r *Registry) Get(n protocol.PacketNumber) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[n]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of packets currently in flight.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Numbers returns all in-flight packet numbers, ascending.
func (r *Registry) Numbers() []protocol.PacketNumber {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.PacketNumber, 0, len(r.entries))
	for n := range r.entries {
		out = append(out, n)
	}
	// Simple insertion sort: registries stay small (bounded by the send
	// window), so this is cheap and avoids pulling in sort for one call site.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Oldest returns the entry with the smallest packet number, if any.
func (r *Registry) Oldest() (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var oldest *Entry
	for _, e := range r.entries {
		if oldest == nil || e.Number < oldest.Number {
			oldest = e
		}
	}
	if oldest == nil {
		return Entry{}, false
	}
	return *oldest, true
}

// Clear empties the registry without resolving any entry — used on
// connection close (spec.md 5: "Cancellation: ... in-flight registry is
// cleared without retransmission").
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[protocol.PacketNumber]*Entry)
}
