package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerDefaultsToInfoLevel(t *testing.T) {
	logger, err := NewLogger(nil)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer logger.Sync()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) || logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected default logger to log at info level and not at debug level")
	}
}

func TestNewTracerDisabledReturnsNoOpSpan(t *testing.T) {
	tr, err := NewTracer(&TracingConfig{Enable: false}, nil)
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	if tr.IsEnabled() {
		t.Fatal("expected tracer to be disabled")
	}
	ctx, span := tr.Start(context.Background(), "op")
	if ctx == nil || span == nil {
		t.Fatal("expected non-nil ctx/span even when disabled")
	}
}

func TestMetricsRecordPacketIncrementsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newTestMetrics(reg)

	m.RecordPacket("sent", 100)
	m.RecordPacket("sent", 50)

	got := testutil.ToFloat64(m.PacketsTotal.WithLabelValues("sent"))
	if got != 2 {
		t.Fatalf("PacketsTotal(sent) = %v, want 2", got)
	}
	gotBytes := testutil.ToFloat64(m.BytesTotal.WithLabelValues("sent"))
	if gotBytes != 150 {
		t.Fatalf("BytesTotal(sent) = %v, want 150", gotBytes)
	}
}

func TestMetricsSetPhaseZeroesOthers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newTestMetrics(reg)

	phases := []string{"INIT", "HANDSHAKING", "ESTABLISHED"}
	m.SetPhase("ESTABLISHED", phases)

	if got := testutil.ToFloat64(m.ConnectionPhase.WithLabelValues("ESTABLISHED")); got != 1 {
		t.Fatalf("ESTABLISHED phase gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConnectionPhase.WithLabelValues("INIT")); got != 0 {
		t.Fatalf("INIT phase gauge = %v, want 0", got)
	}
}

func TestCollectorStartStop(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newTestMetrics(reg)
	c := NewCollector(m, nil)
	c.Start(5 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	c.Stop()
}

// newTestMetrics builds a Metrics whose vecs are registered against reg
// instead of the global default registry, so repeated test runs don't
// collide on promauto's global registration.
func newTestMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PacketsTotal:          factory.NewCounterVec(prometheus.CounterOpts{Name: "packets_total"}, []string{"direction"}),
		BytesTotal:            factory.NewCounterVec(prometheus.CounterOpts{Name: "bytes_total"}, []string{"direction"}),
		PacketsLostTotal:      factory.NewCounterVec(prometheus.CounterOpts{Name: "packets_lost_total"}, []string{"reason"}),
		RetransmissionsTotal:  factory.NewCounter(prometheus.CounterOpts{Name: "retransmissions_total"}),
		ChecksumFailuresTotal: factory.NewCounter(prometheus.CounterOpts{Name: "checksum_failures_total"}),
		MalformedDroppedTotal: factory.NewCounter(prometheus.CounterOpts{Name: "malformed_dropped_total"}),
		PTOFiredTotal:         factory.NewCounter(prometheus.CounterOpts{Name: "pto_fired_total"}),
		FECShardsRecoveredTotal: factory.NewCounter(prometheus.CounterOpts{Name: "fec_shards_recovered_total"}),
		SmoothedRTTSeconds:    factory.NewGauge(prometheus.GaugeOpts{Name: "smoothed_rtt_seconds"}),
		InFlightPackets:       factory.NewGauge(prometheus.GaugeOpts{Name: "in_flight_packets"}),
		ConnectionPhase:       factory.NewGaugeVec(prometheus.GaugeOpts{Name: "connection_phase"}, []string{"phase"}),
		GoRoutines:            factory.NewGauge(prometheus.GaugeOpts{Name: "goroutines"}),
	}
}
