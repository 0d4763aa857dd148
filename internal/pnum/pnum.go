// Package pnum generates the monotonic per-endpoint packet numbers
// spec.md section 4.1 requires. It is split out of the send path it used
// to live in (the teacher's SendBuffer.nextSeqNum) so that both production
// code and the loss detector's tests can drive it directly.
package pnum

import (
	"sync"

	"github.com/qrelay/qrelay/internal/protocol"
)

// Generator produces successive, unique, strictly increasing packet
// numbers for one endpoint direction. Never consulted for inbound
// decoding (spec.md 4.1).
type Generator struct {
	mu   sync.Mutex
	next protocol.PacketNumber
}

// New returns a generator whose first Next() call returns 0.
func New() *Generator {
	return &Generator{}
}

// Next returns the next packet number and advances the sequence.
func (g *Generator) Next() protocol.PacketNumber {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.next
	g.next++
	return n
}

// Peek returns the packet number Next() would return, without advancing.
func (g *Generator) Peek() protocol.PacketNumber {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next
}
