// Package loss implements spec.md 4.4's dual loss-detection rule: an
// ack-threshold test and a time-threshold test over the in-flight
// registry. Grounded on the teacher's SendBuffer.DetectLostPackets
// (internal/quantum/reliability/send_buffer.go), which already separates
// "fast retransmit" (ack-triggered) from "timeout retransmit"
// (time-triggered) — kept here as the same two-reason split, with the
// teacher's exponential-backoff RTO replaced by spec.md's RTT-relative
// time threshold.
package loss

import (
	"time"

	"github.com/qrelay/qrelay/internal/inflight"
	"github.com/qrelay/qrelay/internal/protocol"
	"github.com/qrelay/qrelay/internal/rtt"
)

const (
	// PacketThreshold is kPacketThreshold: the number of later-acked
	// packets that triggers declaring an earlier one lost.
	PacketThreshold = 3

	// TimeThreshold is kTimeThreshold, applied to max(smoothed_rtt, latest_rtt).
	TimeThreshold = 9.0 / 8.0

	// Granularity is kGranularity, the floor for the time-threshold check.
	Granularity = time.Millisecond
)

// Reason distinguishes why a packet was declared lost.
type Reason int

const (
	ReasonPacketThreshold Reason = iota
	ReasonTimeThreshold
)

func (r Reason) String() string {
	if r == ReasonPacketThreshold {
		return "packet-threshold"
	}
	return "time-threshold"
}

// Lost describes one packet the detector has declared lost.
type Lost struct {
	Entry  inflight.Entry
	Reason Reason
}

// Detector wraps an in-flight registry and an RTT estimator to find lost
// packets, either when a new largest-acknowledged number arrives or on a
// periodic time-threshold sweep (spec.md: "between receive attempts").
type Detector struct {
	registry *inflight.Registry
	rtt      *rtt.Estimator
}

// New returns a detector driving loss decisions off registry and estimator.
func New(registry *inflight.Registry, estimator *rtt.Estimator) *Detector {
	return &Detector{registry: registry, rtt: estimator}
}

// OnAck applies the ack-threshold rule: every in-flight entry with a
// number <= largestAcked - PacketThreshold is lost. Called when an ACK
// frame updates the largest acknowledged packet number.
func (d *Detector) OnAck(largestAcked protocol.PacketNumber) []Lost {
	if uint64(largestAcked) < PacketThreshold {
		return nil
	}
	cutoff := largestAcked - PacketThreshold

	var lost []Lost
	for _, n := range d.registry.Numbers() {
		if n > cutoff {
			break // Numbers() is ascending; nothing further qualifies
		}
		if e, ok := d.registry.Remove(n); ok {
			lost = append(lost, Lost{Entry: e, Reason: ReasonPacketThreshold})
		}
	}
	return lost
}

// CheckTimeThreshold sweeps the in-flight registry for packets older than
// the RTT-relative time threshold (spec.md 4.4, rule 2). Called between
// receive attempts, e.g. on a datagram-read timeout.
func (d *Detector) CheckTimeThreshold(now time.Time) []Lost {
	threshold := d.rtt.LossTimeThreshold(TimeThreshold, Granularity)

	var lost []Lost
	for _, n := range d.registry.Numbers() {
		e, ok := d.registry.Get(n)
		if !ok {
			continue
		}
		if now.Sub(e.SendTime) > threshold {
			if removed, ok := d.registry.Remove(n); ok {
				lost = append(lost, Lost{Entry: removed, Reason: ReasonTimeThreshold})
			}
		}
	}
	return lost
}
