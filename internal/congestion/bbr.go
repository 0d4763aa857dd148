// Package congestion implements a BBR-derived pacing and congestion-window
// hook that sits behind the loss detector's "congestion control" socket
// (spec.md treats congestion control as an external collaborator; this is
// the domain-stack component SPEC_FULL.md 2.1 plugs into that socket).
//
// Grounded directly on the teacher's internal/quantum/bbr/bbr.go: the
// STARTUP/DRAIN/PROBE_BW/PROBE_RTT state machine, bandwidth sampling
// window, and pacing-gain cycle are kept as-is. It is adapted to consume
// samples from qrelay's own internal/rtt estimator and internal/loss
// events instead of tracking its own RTT state, and trimmed to a per-send
// pacing delay and a congestion-window size estimate. internal/endpoint
// uses the pacing delay; it does not limit sends by CwndPackets.
package congestion

import (
	"sync"
	"time"
)

// State is the current phase of the BBR state machine.
type State int

const (
	StateStartup State = iota
	StateDrain
	StateProbeBW
	StateProbeRTT
)

func (s State) String() string {
	switch s {
	case StateStartup:
		return "STARTUP"
	case StateDrain:
		return "DRAIN"
	case StateProbeBW:
		return "PROBE_BW"
	case StateProbeRTT:
		return "PROBE_RTT"
	default:
		return "UNKNOWN"
	}
}

const (
	startupGain     = 2.77
	drainGain       = 1.0 / startupGain
	probeBWCycleLen = 8

	probeRTTDuration = 200 * time.Millisecond
	probeRTTInterval = 10 * time.Second

	minPipeCwndPackets = 4

	fullBandwidthThreshold = 1.25

	assumedPacketSize = 1400
)

var probeBWGainCycle = []float64{1.25, 0.75, 1.0, 1.0, 1.0, 1.0, 1.0, 1.0}

// Config tunes the congestion controller's starting point.
type Config struct {
	InitialCwndPackets uint32
	MinRTT             time.Duration
	MaxBandwidth       uint64 // bytes/sec hint
}

// DefaultConfig mirrors the teacher's bbr.DefaultConfig.
func DefaultConfig() *Config {
	return &Config{
		InitialCwndPackets: 10,
		MinRTT:             10 * time.Millisecond,
		MaxBandwidth:       100 * 1024 * 1024,
	}
}

type bandwidthSample struct {
	bandwidth uint64
	timestamp time.Time
}

// Controller is a BBR-derived pacer and congestion-window estimator.
type Controller struct {
	mu sync.Mutex

	state        State
	stateEntryAt time.Time

	btlBw       uint64
	rtProp      time.Duration
	rtPropStamp time.Time

	pacingRate uint64
	cwnd       uint32
	pacingGain float64
	cwndGain   float64

	cycleIndex int
	cycleStamp time.Time

	samples         []bandwidthSample
	lastSampleTime  time.Time
	fullBWReached   bool
	fullBWCount     int
	lastBWMilestone uint64

	lossEvents int
}

// New returns a controller starting in STARTUP.
func New(cfg *Config) *Controller {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	now := time.Now()
	c := &Controller{
		state:        StateStartup,
		stateEntryAt: now,
		rtProp:       cfg.MinRTT,
		rtPropStamp:  now,
		pacingGain:   startupGain,
		cwndGain:     startupGain,
		cycleStamp:   now,
		lastSampleTime: now,
	}
	c.cwnd = cfg.InitialCwndPackets * assumedPacketSize
	c.pacingRate = uint64(float64(c.cwnd) / c.rtProp.Seconds())
	return c
}

// OnPacketAcked updates bandwidth/RTT estimates and advances the state
// machine. size is the acknowledged packet's payload size; rtt is the
// sample internal/rtt produced for it (skip calling this for retransmitted
// packets, same as the RTT estimator's Karn's-algorithm rule).
func (c *Controller) OnPacketAcked(size uint32, rttSample time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rttSample < c.rtProp || now.Sub(c.rtPropStamp) > probeRTTInterval {
		c.rtProp = rttSample
		c.rtPropStamp = now
	}

	if delta := now.Sub(c.lastSampleTime); delta > 0 {
		bw := uint64(float64(size) / delta.Seconds())
		c.samples = append(c.samples, bandwidthSample{bandwidth: bw, timestamp: now})
		if len(c.samples) > 10 {
			c.samples = c.samples[1:]
		}
		max := uint64(0)
		for _, s := range c.samples {
			if s.bandwidth > max {
				max = s.bandwidth
			}
		}
		c.btlBw = max
		c.lastSampleTime = now

		if c.state == StateStartup {
			c.checkFullBandwidth()
		}
	}

	c.updateState(now)
	c.updatePacingAndWindow()
}

// OnPacketsLost should be called when the loss detector declares count
// packets lost. BBR doesn't cut cwnd on loss the way a loss-based
// controller would — bandwidth estimation already factors the loss in via
// the ack stream thinning out — but the count is kept for observability.
func (c *Controller) OnPacketsLost(count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lossEvents += count
}

// LossEvents returns the cumulative number of packets OnPacketsLost has
// been told were lost.
func (c *Controller) LossEvents() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lossEvents
}

func (c *Controller) checkFullBandwidth() {
	if c.btlBw >= uint64(float64(c.lastBWMilestone)*fullBandwidthThreshold) {
		c.lastBWMilestone = c.btlBw
		c.fullBWCount = 0
		return
	}
	c.fullBWCount++
	if c.fullBWCount >= 3 {
		c.fullBWReached = true
	}
}

func (c *Controller) updateState(now time.Time) {
	switch c.state {
	case StateStartup:
		if c.fullBWReached {
			c.enterDrain(now)
		}
	case StateDrain:
		if c.cwnd <= c.bdp() {
			c.enterProbeBW(now)
		}
	case StateProbeBW:
		if now.Sub(c.rtPropStamp) > probeRTTInterval {
			c.enterProbeRTT(now)
		} else {
			c.cycleProbeBW(now)
		}
	case StateProbeRTT:
		if now.Sub(c.stateEntryAt) >= probeRTTDuration {
			c.enterProbeBW(now)
		}
	}
}

func (c *Controller) enterDrain(now time.Time) {
	c.state = StateDrain
	c.stateEntryAt = now
	c.pacingGain = drainGain
	c.cwndGain = 2.0
}

func (c *Controller) enterProbeBW(now time.Time) {
	c.state = StateProbeBW
	c.stateEntryAt = now
	c.cycleIndex = 0
	c.cycleStamp = now
	c.pacingGain = probeBWGainCycle[0]
	c.cwndGain = 2.0
}

func (c *Controller) enterProbeRTT(now time.Time) {
	c.state = StateProbeRTT
	c.stateEntryAt = now
	c.pacingGain = 1.0
	c.cwndGain = 1.0
}

func (c *Controller) cycleProbeBW(now time.Time) {
	if now.Sub(c.cycleStamp) > c.rtProp {
		c.cycleIndex = (c.cycleIndex + 1) % probeBWCycleLen
		c.cycleStamp = now
		c.pacingGain = probeBWGainCycle[c.cycleIndex]
	}
}

func (c *Controller) updatePacingAndWindow() {
	if c.btlBw > 0 {
		c.pacingRate = uint64(float64(c.btlBw) * c.pacingGain)
	}
	cwnd := uint32(float64(c.bdp()) * c.cwndGain)
	minCwnd := uint32(minPipeCwndPackets * assumedPacketSize)
	if cwnd < minCwnd {
		cwnd = minCwnd
	}
	c.cwnd = cwnd
}

func (c *Controller) bdp() uint32 {
	if c.btlBw == 0 || c.rtProp == 0 {
		return minPipeCwndPackets * assumedPacketSize
	}
	return uint32(float64(c.btlBw) * c.rtProp.Seconds())
}

// PacingDelay returns how long to wait before sending the next
// packetSize-byte packet, to stay at the current pacing rate.
func (c *Controller) PacingDelay(packetSize uint32) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pacingRate == 0 {
		return 0
	}
	return time.Duration(float64(packetSize) / float64(c.pacingRate) * float64(time.Second))
}

// CwndPackets returns the current congestion window, in packets.
func (c *Controller) CwndPackets() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cwnd / assumedPacketSize
}

// State returns the current BBR phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BandwidthEstimate returns the current bottleneck bandwidth estimate, in
// bytes/sec.
func (c *Controller) BandwidthEstimate() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.btlBw
}
