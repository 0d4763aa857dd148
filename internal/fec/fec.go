// Package fec adds optional Reed-Solomon forward error correction over
// groups of outbound stream-frame payloads (SPEC_FULL.md 2.2), so a burst
// loss within the parity budget can be repaired without waiting for a
// retransmission round trip.
//
// Grounded directly on the teacher's internal/quantum/fec/fec.go: the
// group-based Encoder/Decoder split, shard padding to a common length, and
// "recovered once enough shards arrive" decoding flow are all kept.
// Adapted to operate on qrelay's StreamFrame payloads and to return
// reconstructed frames rather than raw parity bytes.
package fec

import (
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"
)

const (
	DefaultDataShards   = 10
	DefaultParityShards = 3
)

// Config tunes the shard counts of one FEC group.
type Config struct {
	DataShards   int
	ParityShards int
}

// DefaultConfig mirrors the teacher's fec.DefaultConfig.
func DefaultConfig() *Config {
	return &Config{DataShards: DefaultDataShards, ParityShards: DefaultParityShards}
}

// Encoder batches outbound payloads into fixed-size groups and emits
// parity shards once a group fills.
type Encoder struct {
	mu sync.Mutex

	dataShards, parityShards int
	rs                       reedsolomon.Encoder

	groupID uint64
	pending [][]byte
}

// NewEncoder validates cfg and constructs the underlying Reed-Solomon coder.
func NewEncoder(cfg *Config) (*Encoder, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	rs, err := reedsolomon.New(cfg.DataShards, cfg.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("fec: new encoder: %w", err)
	}
	return &Encoder{dataShards: cfg.DataShards, parityShards: cfg.ParityShards, rs: rs, groupID: 1}, nil
}

// CurrentGroupID returns the ID that will be assigned to the
// in-progress (not yet full) group, so a caller can tag each data shard
// with its destination group before the group actually completes.
func (e *Encoder) CurrentGroupID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.groupID
}

// AddData appends one payload to the current group. When the group fills,
// it returns the group's ID, parity shards, and the true (pre-padding)
// length of each of the group's data shards in order — a receiver that
// recovers a missing data shard needs these to trim the reconstructed
// payload back to its real size. Otherwise groupID is 0 and parity is nil,
// meaning "keep buffering".
func (e *Encoder) AddData(data []byte) (groupID uint64, parity [][]byte, lengths []int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	e.pending = append(e.pending, cp)

	if len(e.pending) < e.dataShards {
		return 0, nil, nil, nil
	}

	maxLen := 0
	lens := make([]int, e.dataShards)
	for i, s := range e.pending {
		lens[i] = len(s)
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	padded := make([][]byte, e.dataShards)
	for i, s := range e.pending {
		p := make([]byte, maxLen)
		copy(p, s)
		padded[i] = p
	}

	parityShards := make([][]byte, e.parityShards)
	for i := range parityShards {
		parityShards[i] = make([]byte, maxLen)
	}
	all := append(padded, parityShards...)
	if err := e.rs.Encode(all); err != nil {
		return 0, nil, nil, fmt.Errorf("fec: encode group %d: %w", e.groupID, err)
	}

	id := e.groupID
	e.groupID++
	e.pending = nil
	return id, all[e.dataShards:], lens, nil
}

// Decoder reconstructs groups from whatever data/parity shards arrive.
type Decoder struct {
	mu sync.Mutex

	dataShards, parityShards int
	rs                       reedsolomon.Encoder
	groups                   map[uint64]*decodingGroup
}

type decodingGroup struct {
	shards   [][]byte // len == dataShards+parityShards; nil where missing
	present  int
	complete bool
	lengths  []int // true lengths of the dataShards data shards, once known
}

// NewDecoder validates cfg and constructs the underlying Reed-Solomon coder.
func NewDecoder(cfg *Config) (*Decoder, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	rs, err := reedsolomon.New(cfg.DataShards, cfg.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("fec: new decoder: %w", err)
	}
	return &Decoder{
		dataShards:   cfg.DataShards,
		parityShards: cfg.ParityShards,
		rs:           rs,
		groups:       make(map[uint64]*decodingGroup),
	}, nil
}

// AddShard records one shard of group groupID at position index (data
// shards numbered [0,dataShards), parity shards numbered
// [dataShards,dataShards+parityShards)). lengths carries the group's true
// per-data-shard lengths and should be passed whenever the caller has them
// (a parity frame carries them on the wire); pass nil when unknown. When
// enough shards have arrived to reconstruct the group, it returns the
// dataShards-many reconstructed data payloads, each trimmed to its real
// length when lengths has been learned.
func (d *Decoder) AddShard(groupID uint64, index int, data []byte, lengths []int) (recovered [][]byte, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	total := d.dataShards + d.parityShards
	if index < 0 || index >= total {
		return nil, fmt.Errorf("fec: shard index %d out of range [0,%d)", index, total)
	}

	g, ok := d.groups[groupID]
	if !ok {
		g = &decodingGroup{shards: make([][]byte, total)}
		d.groups[groupID] = g
	}
	if g.complete {
		return nil, nil
	}
	if len(lengths) == d.dataShards && g.lengths == nil {
		g.lengths = lengths
	}
	if g.shards[index] == nil {
		cp := make([]byte, len(data))
		copy(cp, data)
		g.shards[index] = cp
		g.present++
	}

	if g.present < d.dataShards {
		return nil, nil // not enough to even attempt reconstruction
	}
	// Reconstruct needs every present shard at one size, and data shards
	// arrive unpadded: zero-pad each present shard to the longest one.
	maxLen := 0
	for _, s := range g.shards {
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	for i, s := range g.shards {
		if s != nil && len(s) < maxLen {
			p := make([]byte, maxLen)
			copy(p, s)
			g.shards[i] = p
		}
	}
	// Try reconstruction; reedsolomon.Reconstruct is a no-op on shards it
	// already has and fills in the rest if enough are present.
	if err := d.rs.Reconstruct(g.shards); err != nil {
		return nil, nil // not yet reconstructable; wait for more shards
	}
	g.complete = true
	delete(d.groups, groupID)

	result := g.shards[:d.dataShards]
	if g.lengths != nil {
		trimmed := make([][]byte, d.dataShards)
		for i, s := range result {
			n := g.lengths[i]
			if n > len(s) {
				n = len(s)
			}
			trimmed[i] = s[:n]
		}
		result = trimmed
	}
	return result, nil
}
