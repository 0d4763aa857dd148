package congestion

import (
	"testing"
	"time"
)

func TestNewStartsInStartup(t *testing.T) {
	c := New(nil)
	if c.State() != StateStartup {
		t.Fatalf("State() = %v, want StateStartup", c.State())
	}
}

func TestPacingDelayUsesInitialRateBeforeBandwidthKnown(t *testing.T) {
	c := New(nil)
	// Before any ACK the pacing rate is the initial cwnd (10 packets of
	// 1400 bytes) over the default 10ms MinRTT, 1.4 MB/s, so one
	// 1400-byte packet paces out over 1ms.
	if d := c.PacingDelay(1400); d != time.Millisecond {
		t.Fatalf("PacingDelay before any ACK = %v, want 1ms", d)
	}
}

func TestOnPacketAckedGrowsBandwidthEstimate(t *testing.T) {
	c := New(nil)
	now := time.Now()
	for i := 0; i < 5; i++ {
		now = now.Add(10 * time.Millisecond)
		c.OnPacketAcked(1400, 20*time.Millisecond, now)
	}
	if c.BandwidthEstimate() == 0 {
		t.Fatal("expected non-zero bandwidth estimate after several ACKs")
	}
}

func TestCwndNeverBelowMinimum(t *testing.T) {
	c := New(nil)
	if c.CwndPackets() < minPipeCwndPackets {
		t.Fatalf("CwndPackets() = %d, want >= %d", c.CwndPackets(), minPipeCwndPackets)
	}
}
