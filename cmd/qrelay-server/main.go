// Command qrelay-server is a demonstration responder that listens for a
// qrelay connection, waits for a "Request a file" handshake, then streams
// a file to the requester (spec.md 6's accept/respond_file_handshake/
// send_data/close flow). Grounded on the teacher's examples/quantum/server
// main.go: the same plain fmt/log narration of connection lifecycle and
// periodic statistics printing, adapted to qrelay's endpoint API.
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
	addr := flag.String("addr", ":9090", "address to listen on")
	filePath := flag.String("file", "", "path of the file to serve on request")
	fec := flag.Bool("fec", false, "enable forward error correction")
	authSecret := flag.String("auth-secret", "", "shared secret required on incoming file requests (empty disables)")
	obsAddr := flag.String("obs-addr", "", "address to serve the observability WebSocket feed on (empty disables)")
	metricsAddr := flag.String("metrics-addr", "", "address to serve /metrics on (empty disables)")
	tracingEnable := flag.Bool("tracing", false, "export accept/close spans")
	traceExporter := flag.String("trace-exporter", "jaeger", "span exporter: jaeger or zipkin")
	traceEndpoint := flag.String("trace-endpoint", "http://localhost:14268/api/traces", "span exporter collector endpoint")
	flag.Parse()

	if *filePath == "" {
		log.Fatal("qrelay-server: -file is required")
	}

	logger, err := telemetry.NewLogger(telemetry.DefaultLoggerConfig())
	if err != nil {
		log.Fatalf("qrelay-server: build logger: %v", err)
	}
	defer logger.Sync()

	sock, err := iodatagram.Listen(*addr)
	if err != nil {
		log.Fatalf("qrelay-server: listen: %v", err)
	}

	cfg := config.Default()
	cfg.FECEnabled = *fec
	cfg.FileHandshakeSecret = *authSecret

	ep, err := endpoint.New(endpoint.RoleResponder, sock, cfg, logger)
	if err != nil {
		log.Fatalf("qrelay-server: new endpoint: %v", err)
	}

	if *tracingEnable {
		tracer, err := telemetry.NewTracer(&telemetry.TracingConfig{
			Enable: true, ServiceName: "qrelay-server", Exporter: *traceExporter,
			Endpoint: *traceEndpoint, SampleRate: 1.0, Environment: "development",
			BatchTimeout: 5 * time.Second, MaxQueueSize: 2048,
		}, logger)
		if err != nil {
			log.Fatalf("qrelay-server: new tracer: %v", err)
		}
		defer tracer.Shutdown(context.Background())
		ep.SetTracer(tracer)
	}

	if *metricsAddr != "" {
		metrics := telemetry.NewMetrics("qrelay", "server")
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

	fmt.Printf("Listening on %s, serving %s\n", sock.LocalAddr(), *filePath)
	peer, err := ep.Accept()
	if err != nil {
		log.Fatalf("qrelay-server: accept: %v", err)
	}
	fmt.Printf("Accepted connection from %s\n", peer)

	if err := ep.RespondFileHandshake(30 * time.Second); err != nil {
		log.Fatalf("qrelay-server: respond file handshake: %v", err)
	}
	fmt.Println("Received file request, starting transfer")

	data, err := os.ReadFile(*filePath)
	if err != nil {
		log.Fatalf("qrelay-server: read file: %v", err)
	}
	sent, err := ep.SendData(data, "")
	if err != nil {
		log.Fatalf("qrelay-server: send_data: %v", err)
	}
	fmt.Printf("Sent %d bytes\n", sent)

	stats := ep.Statistics()
	fmt.Printf("Packets sent: %d, retransmissions: %d\n", stats.PacketsSent, stats.Retransmissions)

	if err := ep.Close(false); err != nil {
		log.Fatalf("qrelay-server: close: %v", err)
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
