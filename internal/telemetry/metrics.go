// Grounded directly on the teacher's internal/gateway/metrics/metrics.go
// and collector.go: promauto-registered CounterVec/HistogramVec/GaugeVec
// fields plus a background collector sampling runtime.NumGoroutine().
// Narrowed from the teacher's HTTP/gRPC/session/document label set to the
// reliability engine's own surface: packets, bytes, loss reasons,
// retransmissions, RTT, and connection phase.
package telemetry

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Metrics holds every Prometheus series qrelay exports.
type Metrics struct {
	PacketsTotal            *prometheus.CounterVec // direction: sent/received
	BytesTotal              *prometheus.CounterVec // direction: sent/received
	PacketsLostTotal        *prometheus.CounterVec // reason: packet-threshold/time-threshold
	RetransmissionsTotal    prometheus.Counter
	ChecksumFailuresTotal   prometheus.Counter
	MalformedDroppedTotal   prometheus.Counter
	PTOFiredTotal           prometheus.Counter
	FECShardsRecoveredTotal prometheus.Counter

	SmoothedRTTSeconds prometheus.Gauge
	InFlightPackets    prometheus.Gauge
	ConnectionPhase    *prometheus.GaugeVec // phase label, 1 if current

	GoRoutines prometheus.Gauge
}

// NewMetrics registers qrelay's metrics under namespace/subsystem, the
// same two-level promauto.NewCounterVec pattern the teacher's NewMetrics
// uses.
func NewMetrics(namespace, subsystem string) *Metrics {
	return &Metrics{
		PacketsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "packets_total", Help: "Total number of packets sent or received.",
		}, []string{"direction"}),
		BytesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "bytes_total", Help: "Total number of bytes sent or received.",
		}, []string{"direction"}),
		PacketsLostTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "packets_lost_total", Help: "Total number of packets declared lost, by reason.",
		}, []string{"reason"}),
		RetransmissionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "retransmissions_total", Help: "Total number of retransmitted packets.",
		}),
		ChecksumFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "checksum_failures_total", Help: "Total number of stream frames dropped for a checksum mismatch.",
		}),
		MalformedDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "malformed_dropped_total", Help: "Total number of datagrams dropped for failing to parse.",
		}),
		PTOFiredTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "pto_fired_total", Help: "Total number of times the probe timeout fired.",
		}),
		FECShardsRecoveredTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "fec_shards_recovered_total", Help: "Total number of data shards delivered via FEC recovery.",
		}),
		SmoothedRTTSeconds: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "smoothed_rtt_seconds", Help: "Current smoothed RTT estimate.",
		}),
		InFlightPackets: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "in_flight_packets", Help: "Current number of unacknowledged in-flight packets.",
		}),
		ConnectionPhase: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "connection_phase", Help: "1 for the endpoint's current phase, 0 otherwise.",
		}, []string{"phase"}),
		GoRoutines: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "goroutines", Help: "Number of goroutines in the process.",
		}),
	}
}

// RecordPacket records one sent or received packet of size bytes.
func (m *Metrics) RecordPacket(direction string, size int) {
	m.PacketsTotal.WithLabelValues(direction).Inc()
	m.BytesTotal.WithLabelValues(direction).Add(float64(size))
}

// RecordLoss records one packet declared lost for reason.
func (m *Metrics) RecordLoss(reason string) {
	m.PacketsLostTotal.WithLabelValues(reason).Inc()
}

// SetPhase marks phase as the endpoint's current state, zeroing the rest
// of the known phase set so only one gauge reads 1 at a time.
func (m *Metrics) SetPhase(phase string, allPhases []string) {
	for _, p := range allPhases {
		if p == phase {
			m.ConnectionPhase.WithLabelValues(p).Set(1)
		} else {
			m.ConnectionPhase.WithLabelValues(p).Set(0)
		}
	}
}

// Collector periodically samples process-level metrics (goroutine count),
// same split as the teacher's metrics.Collector.
type Collector struct {
	metrics *Metrics
	logger  *zap.Logger
	stop    chan struct{}
}

// NewCollector returns a collector sampling metrics every interval once
// Start is called. logger may be nil.
func NewCollector(metrics *Metrics, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{metrics: metrics, logger: logger, stop: make(chan struct{})}
}

// Start begins the background sampling loop.
func (c *Collector) Start(interval time.Duration) {
	go c.loop(interval)
}

// Stop ends the background sampling loop.
func (c *Collector) Stop() {
	close(c.stop)
}

func (c *Collector) loop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.metrics.GoRoutines.Set(float64(runtime.NumGoroutine()))
		case <-c.stop:
			return
		}
	}
}
