// Command qrelay-client is a demonstration initiator that connects to a
// qrelay-server, requests a file, and writes whatever stream-frame
// payloads arrive to an output path (spec.md 6's connect/
// request_file_handshake/receive_data/close flow). Grounded on the
// teacher's examples/quantum/client main.go: the same connect-send-report
// narration, adapted to a receive-only file transfer and qrelay's
// endpoint API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/qrelay/qrelay/internal/config"
	"github.com/qrelay/qrelay/internal/endpoint"
	"github.com/qrelay/qrelay/internal/iodatagram"
	"github.com/qrelay/qrelay/internal/obsws"
	"github.com/qrelay/qrelay/internal/telemetry"
)

func main() {
	serverAddr := flag.String("server", "localhost:9090", "server address to connect to")
	outPath := flag.String("out", "received.bin", "path to write the received file to")
	idleTimeout := flag.Duration("idle-timeout", 3*time.Second, "how long to wait for more data before considering the transfer done")
	fec := flag.Bool("fec", false, "enable forward error correction")
	authSecret := flag.String("auth-secret", "", "shared secret authenticating the file request (empty disables)")
	obsAddr := flag.String("obs-addr", "", "address to serve the observability WebSocket feed on (empty disables)")
	metricsAddr := flag.String("metrics-addr", "", "address to serve /metrics on (empty disables)")
	tracingEnable := flag.Bool("tracing", false, "export connect/close spans")
	traceExporter := flag.String("trace-exporter", "jaeger", "span exporter: jaeger or zipkin")
	traceEndpoint := flag.String("trace-endpoint", "http://localhost:14268/api/traces", "span exporter collector endpoint")
	flag.Parse()

	logger, err := telemetry.NewLogger(telemetry.DefaultLoggerConfig())
	if err != nil {
		log.Fatalf("qrelay-client: build logger: %v", err)
	}
	defer logger.Sync()

	sock, err := iodatagram.Dial(*serverAddr)
	if err != nil {
		log.Fatalf("qrelay-client: dial: %v", err)
	}

	cfg := config.Default()
	cfg.FECEnabled = *fec
	cfg.FileHandshakeSecret = *authSecret

	ep, err := endpoint.New(endpoint.RoleInitiator, sock, cfg, logger)
	if err != nil {
		log.Fatalf("qrelay-client: new endpoint: %v", err)
	}

	if *tracingEnable {
		tracer, err := telemetry.NewTracer(&telemetry.TracingConfig{
			Enable: true, ServiceName: "qrelay-client", Exporter: *traceExporter,
			Endpoint: *traceEndpoint, SampleRate: 1.0, Environment: "development",
			BatchTimeout: 5 * time.Second, MaxQueueSize: 2048,
		}, logger)
		if err != nil {
			log.Fatalf("qrelay-client: new tracer: %v", err)
		}
		defer tracer.Shutdown(context.Background())
		ep.SetTracer(tracer)
	}

	if *metricsAddr != "" {
		metrics := telemetry.NewMetrics("qrelay", "client")
		collector := telemetry.NewCollector(metrics, logger)
		collector.Start(5 * time.Second)
		defer collector.Stop()
		ep.SetMetrics(metrics)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go serveMetrics(*metricsAddr, mux, logger)
	}

	if *obsAddr != "" {
		hub := obsws.NewHub(logger)
		defer hub.Close()
		go serveObservability(*obsAddr, hub, logger)
		stop := startSnapshotFeed(ep, hub)
		defer stop()
	}

	fmt.Printf("Connecting to %s...\n", *serverAddr)
	if err := ep.Connect(*serverAddr); err != nil {
		log.Fatalf("qrelay-client: connect: %v", err)
	}
	fmt.Println("Connected, requesting file")

	if err := ep.RequestFileHandshake(10 * time.Second); err != nil {
		log.Fatalf("qrelay-client: request file handshake: %v", err)
	}

	var received []byte
	for {
		chunk, err := ep.ReceiveData(*idleTimeout)
		if err != nil {
			log.Fatalf("qrelay-client: receive_data: %v", err)
		}
		if chunk == nil {
			break // no data within idleTimeout: transfer considered complete
		}
		received = append(received, chunk...)
		fmt.Printf("Received %d bytes (%d total)\n", len(chunk), len(received))
	}

	if err := os.WriteFile(*outPath, received, 0o644); err != nil {
		log.Fatalf("qrelay-client: write output: %v", err)
	}
	fmt.Printf("Wrote %d bytes to %s\n", len(received), *outPath)

	stats := ep.Statistics()
	fmt.Printf("Packets received: %d, checksum failures: %d\n", stats.PacketsReceived, stats.ChecksumFailures)

	if err := ep.Close(true); err != nil {
		log.Fatalf("qrelay-client: close: %v", err)
	}
	fmt.Println("Connection closed")
}

// serveObservability runs the obsws WebSocket feed's HTTP server until the
// process exits. Errors are logged rather than fatal: the observability
// feed is a side channel (SPEC_FULL.md 2.5), not part of the data path.
func serveObservability(addr string, hub *obsws.Hub, logger *zap.Logger) {
	if err := http.ListenAndServe(addr, hub); err != nil {
		logger.Warn("observability server stopped", zap.Error(err))
	}
}

// serveMetrics runs the Prometheus /metrics handler until the process
// exits (SPEC_FULL.md 3.4). Errors are logged rather than fatal, same as
// serveObservability.
func serveMetrics(addr string, mux *http.ServeMux, logger *zap.Logger) {
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}

// startSnapshotFeed periodically broadcasts ep's current state to hub's
// subscribers until the returned stop func is called.
func startSnapshotFeed(ep *endpoint.Endpoint, hub *obsws.Hub) (stop func()) {
	ticker := time.NewTicker(250 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				hub.Broadcast(ep.Snapshot())
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
