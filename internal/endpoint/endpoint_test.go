package endpoint

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/qrelay/qrelay/internal/config"
	"github.com/qrelay/qrelay/internal/iodatagram"
	"github.com/qrelay/qrelay/internal/telemetry"
)

func newPair(t *testing.T) (*Endpoint, *Endpoint) {
	t.Helper()

	serverSock, err := iodatagram.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	clientSock, err := iodatagram.Dial(serverSock.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	cfg := config.Default()
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.ReceiveTimeout = 20 * time.Millisecond

	client, err := New(RoleInitiator, clientSock, cfg, nil)
	if err != nil {
		t.Fatalf("New(client): %v", err)
	}
	server, err := New(RoleResponder, serverSock, cfg, nil)
	if err != nil {
		t.Fatalf("New(server): %v", err)
	}
	return client, server
}

func handshake(t *testing.T, client, server *Endpoint) {
	t.Helper()
	var wg sync.WaitGroup
	var serverErr, clientErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, serverErr = server.Accept()
	}()
	go func() {
		defer wg.Done()
		clientErr = client.Connect(client.LocalAddr().String())
	}()
	wg.Wait()
	if serverErr != nil {
		t.Fatalf("Accept: %v", serverErr)
	}
	if clientErr != nil {
		t.Fatalf("Connect: %v", clientErr)
	}
	if client.Phase() != PhaseEstablished {
		t.Fatalf("client phase = %v, want Established", client.Phase())
	}
	if server.Phase() != PhaseEstablished {
		t.Fatalf("server phase = %v, want Established", server.Phase())
	}
}

func TestHandshakeReachesEstablished(t *testing.T) {
	client, server := newPair(t)
	handshake(t, client, server)
	client.Close(true)
	server.Close(false)
}

func TestSnapshotReflectsEstablishedPhase(t *testing.T) {
	client, server := newPair(t)
	handshake(t, client, server)

	snap := client.Snapshot()
	if snap.Phase != PhaseEstablished.String() {
		t.Fatalf("snap.Phase = %q, want %q", snap.Phase, PhaseEstablished.String())
	}
	if snap.ConnectionID == "" {
		t.Fatal("snap.ConnectionID is empty")
	}

	client.Close(true)
	server.Close(false)
}

func TestSendDataDeliversPayload(t *testing.T) {
	client, server := newPair(t)
	handshake(t, client, server)

	payload := []byte("hello over qrelay")
	if _, err := client.SendData(payload, ""); err != nil {
		t.Fatalf("SendData: %v", err)
	}

	var got []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := server.ReceiveData(50 * time.Millisecond)
		if err != nil {
			t.Fatalf("ReceiveData: %v", err)
		}
		if data != nil {
			got = data
			break
		}
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}

	client.Close(true)
	server.Close(false)
}

func TestFileHandshakeSignalsResponder(t *testing.T) {
	client, server := newPair(t)
	handshake(t, client, server)

	var wg sync.WaitGroup
	var respondErr, requestErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		respondErr = server.RespondFileHandshake(2 * time.Second)
	}()
	go func() {
		defer wg.Done()
		requestErr = client.RequestFileHandshake(2 * time.Second)
	}()
	wg.Wait()

	if requestErr != nil {
		t.Fatalf("RequestFileHandshake: %v", requestErr)
	}
	if respondErr != nil {
		t.Fatalf("RespondFileHandshake: %v", respondErr)
	}

	client.Close(true)
	server.Close(false)
}

func newAuthenticatedPair(t *testing.T) (*Endpoint, *Endpoint) {
	t.Helper()

	serverSock, err := iodatagram.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	clientSock, err := iodatagram.Dial(serverSock.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	cfg := config.Default()
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.ReceiveTimeout = 20 * time.Millisecond
	cfg.FileHandshakeSecret = "shared-test-secret"
	cfg.FileHandshakeTokenTTL = 2 * time.Second

	client, err := New(RoleInitiator, clientSock, cfg, nil)
	if err != nil {
		t.Fatalf("New(client): %v", err)
	}
	server, err := New(RoleResponder, serverSock, cfg, nil)
	if err != nil {
		t.Fatalf("New(server): %v", err)
	}
	return client, server
}

func TestFileHandshakeAuthenticatedRequestSucceeds(t *testing.T) {
	client, server := newAuthenticatedPair(t)
	handshake(t, client, server)

	var wg sync.WaitGroup
	var respondErr, requestErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		respondErr = server.RespondFileHandshake(2 * time.Second)
	}()
	go func() {
		defer wg.Done()
		requestErr = client.RequestFileHandshake(2 * time.Second)
	}()
	wg.Wait()

	if requestErr != nil {
		t.Fatalf("RequestFileHandshake: %v", requestErr)
	}
	if respondErr != nil {
		t.Fatalf("RespondFileHandshake: %v", respondErr)
	}

	client.Close(true)
	server.Close(false)
}

func TestFileHandshakeRejectsUnauthenticatedRequest(t *testing.T) {
	// The responder requires a signed claim, but the peer sends the
	// bare legacy request string (e.g. a misconfigured or older client).
	serverSock, err := iodatagram.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	clientSock, err := iodatagram.Dial(serverSock.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	serverCfg := config.Default()
	serverCfg.HandshakeTimeout = 2 * time.Second
	serverCfg.ReceiveTimeout = 20 * time.Millisecond
	serverCfg.FileHandshakeSecret = "shared-test-secret"

	clientCfg := config.Default()
	clientCfg.HandshakeTimeout = 2 * time.Second
	clientCfg.ReceiveTimeout = 20 * time.Millisecond

	client, err := New(RoleInitiator, clientSock, clientCfg, nil)
	if err != nil {
		t.Fatalf("New(client): %v", err)
	}
	server, err := New(RoleResponder, serverSock, serverCfg, nil)
	if err != nil {
		t.Fatalf("New(server): %v", err)
	}
	handshake(t, client, server)

	var wg sync.WaitGroup
	var respondErr, requestErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		respondErr = server.RespondFileHandshake(2 * time.Second)
	}()
	go func() {
		defer wg.Done()
		requestErr = client.RequestFileHandshake(2 * time.Second)
	}()
	wg.Wait()

	if requestErr != nil {
		t.Fatalf("RequestFileHandshake: %v", requestErr)
	}
	if respondErr == nil {
		t.Fatal("RespondFileHandshake: expected authentication error, got nil")
	}
}

func TestCloseTransitionsToClosed(t *testing.T) {
	client, server := newPair(t)
	handshake(t, client, server)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		server.Close(false)
	}()
	go func() {
		defer wg.Done()
		client.Close(true)
	}()
	wg.Wait()

	if client.Phase() != PhaseClosed {
		t.Fatalf("client phase = %v, want Closed", client.Phase())
	}
	if server.Phase() != PhaseClosed {
		t.Fatalf("server phase = %v, want Closed", server.Phase())
	}
	if n := client.inFlight.Len(); n != 0 {
		t.Fatalf("client in-flight = %d, want 0 after close", n)
	}
	if n := server.inFlight.Len(); n != 0 {
		t.Fatalf("server in-flight = %d, want 0 after close", n)
	}
}

func TestSendDataMultiChunkTransferIsByteForByte(t *testing.T) {
	client, server := newPair(t)
	handshake(t, client, server)

	cfg := config.Default()
	payload := make([]byte, cfg.FrameSize*3+12345)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	var wg sync.WaitGroup
	var sendErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, sendErr = server.SendData(payload, "")
	}()

	var got []byte
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < len(payload) && time.Now().Before(deadline) {
		data, err := client.ReceiveData(50 * time.Millisecond)
		if err != nil {
			t.Fatalf("ReceiveData: %v", err)
		}
		got = append(got, data...)
	}
	wg.Wait()
	if sendErr != nil {
		t.Fatalf("SendData: %v", sendErr)
	}

	if len(got) != len(payload) {
		t.Fatalf("got %d bytes, want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %x, want %x", i, got[i], payload[i])
		}
	}
	if stats := server.Statistics(); stats.Retransmissions != 0 {
		t.Fatalf("Retransmissions = %d, want 0 for a lossless run", stats.Retransmissions)
	}

	client.Close(true)
	server.Close(false)
}

func TestSendDataWithFECDeliversPayload(t *testing.T) {
	serverSock, err := iodatagram.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	clientSock, err := iodatagram.Dial(serverSock.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	cfg := config.Default()
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.ReceiveTimeout = 20 * time.Millisecond
	cfg.FECEnabled = true
	cfg.FECDataShards = 2
	cfg.FECParityShards = 1
	cfg.FrameSize = 16 // small frames so a short payload spans several FEC shards

	client, err := New(RoleInitiator, clientSock, cfg, nil)
	if err != nil {
		t.Fatalf("New(client): %v", err)
	}
	server, err := New(RoleResponder, serverSock, cfg, nil)
	if err != nil {
		t.Fatalf("New(server): %v", err)
	}
	handshake(t, client, server)

	payload := []byte("a payload long enough to span several small FEC-protected frames")
	if _, err := client.SendData(payload, ""); err != nil {
		t.Fatalf("SendData: %v", err)
	}

	var got []byte
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(got) < len(payload) {
		data, err := server.ReceiveData(50 * time.Millisecond)
		if err != nil {
			t.Fatalf("ReceiveData: %v", err)
		}
		got = append(got, data...)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}

	client.Close(true)
	server.Close(false)
}

func TestSendDataRejectedBeforeEstablished(t *testing.T) {
	serverSock, err := iodatagram.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer serverSock.Close()
	clientSock, err := iodatagram.Dial(serverSock.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer clientSock.Close()

	client, err := New(RoleInitiator, clientSock, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := client.SendData([]byte("x"), ""); err == nil {
		t.Fatal("expected error sending before Established")
	}
}

// testMetrics builds a Metrics registered against a fresh registry, same
// pattern as internal/telemetry's own tests, so SetMetrics can be
// exercised without colliding with other packages on the global
// Prometheus registry.
func testMetrics(t *testing.T) *telemetry.Metrics {
	t.Helper()
	factory := promauto.With(prometheus.NewRegistry())
	return &telemetry.Metrics{
		PacketsTotal:            factory.NewCounterVec(prometheus.CounterOpts{Name: "packets_total"}, []string{"direction"}),
		BytesTotal:              factory.NewCounterVec(prometheus.CounterOpts{Name: "bytes_total"}, []string{"direction"}),
		PacketsLostTotal:        factory.NewCounterVec(prometheus.CounterOpts{Name: "packets_lost_total"}, []string{"reason"}),
		RetransmissionsTotal:    factory.NewCounter(prometheus.CounterOpts{Name: "retransmissions_total"}),
		ChecksumFailuresTotal:   factory.NewCounter(prometheus.CounterOpts{Name: "checksum_failures_total"}),
		MalformedDroppedTotal:   factory.NewCounter(prometheus.CounterOpts{Name: "malformed_dropped_total"}),
		PTOFiredTotal:           factory.NewCounter(prometheus.CounterOpts{Name: "pto_fired_total"}),
		FECShardsRecoveredTotal: factory.NewCounter(prometheus.CounterOpts{Name: "fec_shards_recovered_total"}),
		SmoothedRTTSeconds:      factory.NewGauge(prometheus.GaugeOpts{Name: "smoothed_rtt_seconds"}),
		InFlightPackets:         factory.NewGauge(prometheus.GaugeOpts{Name: "in_flight_packets"}),
		ConnectionPhase:         factory.NewGaugeVec(prometheus.GaugeOpts{Name: "connection_phase"}, []string{"phase"}),
		GoRoutines:              factory.NewGauge(prometheus.GaugeOpts{Name: "goroutines"}),
	}
}

func TestSetMetricsRecordsSendDataTraffic(t *testing.T) {
	client, server := newPair(t)
	clientMetrics := testMetrics(t)
	serverMetrics := testMetrics(t)
	client.SetMetrics(clientMetrics)
	server.SetMetrics(serverMetrics)
	handshake(t, client, server)

	if _, err := client.SendData([]byte("metrics payload"), ""); err != nil {
		t.Fatalf("SendData: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := server.ReceiveData(50 * time.Millisecond)
		if err != nil {
			t.Fatalf("ReceiveData: %v", err)
		}
		if data != nil {
			break
		}
	}

	if got := testutil.ToFloat64(clientMetrics.PacketsTotal.WithLabelValues("sent")); got == 0 {
		t.Fatal("expected PacketsTotal(sent) > 0 after SendData")
	}
	if got := testutil.ToFloat64(serverMetrics.PacketsTotal.WithLabelValues("received")); got == 0 {
		t.Fatal("expected PacketsTotal(received) > 0 after ReceiveData")
	}
	if got := testutil.ToFloat64(clientMetrics.ConnectionPhase.WithLabelValues(PhaseEstablished.String())); got != 1 {
		t.Fatalf("ConnectionPhase(ESTABLISHED) = %v, want 1", got)
	}

	client.Close(true)
	server.Close(false)
}

func TestSetTracerDoesNotBreakHandshake(t *testing.T) {
	client, server := newPair(t)
	tracer, err := telemetry.NewTracer(&telemetry.TracingConfig{Enable: false}, nil)
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	client.SetTracer(tracer)
	server.SetTracer(tracer)
	handshake(t, client, server)

	client.Close(true)
	server.Close(false)
}
