// Package endpoint implements the handshake/data/close state machine of
// spec.md 4.6, wiring together every other core package
// (protocol/pnum/ackrange/rtt/inflight/loss/pto/iodatagram) plus the
// optional domain-stack collaborators (congestion, fec) into the two
// EXTERNAL INTERFACES roles: connect (initiator) and accept (responder).
//
// Grounded on the teacher's quantum.Connection (internal/quantum/
// connection.go): the same Dial/Listen split, a single state enum guarded
// by a mutex, and Send/Receive/Close as the external surface. Per
// spec.md's REDESIGN FLAG on the teacher's four free-running goroutines
// racing shared state, this endpoint instead drives everything from one
// cooperative pump (pumpOnce) that runs on the caller's goroutine inside
// SendData, ReceiveData and the other blocking calls, with no loop goroutine
// of its own; the PTO timer is the only other goroutine
// touching shared state, and it only ever signals over a channel rather
// than mutating the endpoint directly (see internal/pto).
package endpoint

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qrelay/qrelay/internal/ackrange"
	"github.com/qrelay/qrelay/internal/config"
	"github.com/qrelay/qrelay/internal/congestion"
	"github.com/qrelay/qrelay/internal/fec"
	"github.com/qrelay/qrelay/internal/filehandshake"
	"github.com/qrelay/qrelay/internal/inflight"
	"github.com/qrelay/qrelay/internal/iodatagram"
	"github.com/qrelay/qrelay/internal/loss"
	"github.com/qrelay/qrelay/internal/obsws"
	"github.com/qrelay/qrelay/internal/pnum"
	"github.com/qrelay/qrelay/internal/protocol"
	"github.com/qrelay/qrelay/internal/pto"
	"github.com/qrelay/qrelay/internal/ratelimit"
	"github.com/qrelay/qrelay/internal/rtt"
	"github.com/qrelay/qrelay/internal/telemetry"
)

// allPhases lists every Phase name, passed to telemetry.Metrics.SetPhase so
// it can zero out the gauges of whichever phases aren't current (the order
// does not matter to it).
var allPhases = []string{
	PhaseInit.String(),
	PhaseHandshaking.String(),
	PhaseEstablished.String(),
	PhaseClosing.String(),
	PhaseClosed.String(),
}

// Role distinguishes which side of the handshake this endpoint plays.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// Phase is the endpoint's position in spec.md 4.6's state machine.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseHandshaking
	PhaseEstablished
	PhaseClosing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseHandshaking:
		return "HANDSHAKING"
	case PhaseEstablished:
		return "ESTABLISHED"
	case PhaseClosing:
		return "CLOSING"
	case PhaseClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const (
	clientHello     = "Client Hello"
	handshakeFinish = "Finished"
	closeStreamData = "Close"
	fileRequestData = "Request a file"
)

// Statistics mirrors the teacher's Connection.Statistics, generalized with
// a loss-reason breakdown.
type Statistics struct {
	PacketsSent          uint64
	PacketsReceived      uint64
	BytesSent            uint64
	BytesReceived        uint64
	PacketsLostByAck     uint64
	PacketsLostByTimeout uint64
	Retransmissions      uint64
	ChecksumFailures     uint64
	MalformedDropped     uint64
}

// Endpoint is one side of a qrelay connection: the full reliability engine
// (packet numbering, ACK tracking, RTT/loss/PTO) plus the socket adapter,
// wired together into spec.md's Init/Handshaking/Established/Closing/
// Closed state machine.
type Endpoint struct {
	mu sync.Mutex

	id     uuid.UUID
	role   Role
	phase  Phase
	logger *zap.Logger
	cfg    *config.Config

	sock    *iodatagram.Adapter
	peer    *net.UDPAddr
	peerSet bool

	pnumGen  *pnum.Generator
	acks     *ackrange.Tracker
	rttEst   *rtt.Estimator
	inFlight *inflight.Registry
	lossDet  *loss.Detector
	ptoTimer *pto.Timer

	congestionCtl *congestion.Controller
	fecEncoder    *fec.Encoder
	fecDecoder    *fec.Decoder
	fecSeen       map[uint64]map[uint8]bool
	rateLimiter   *ratelimit.Limiter
	fileHandshake *filehandshake.Manager

	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics

	recvQueue chan []byte

	stats Statistics

	fecIndex int // position of the next outbound data shard within its FEC group
}

// New constructs an endpoint around an already-bound socket adapter. role
// and cfg determine handshake direction and tunables; cfg may be nil for
// config.Default().
func New(role Role, sock *iodatagram.Adapter, cfg *config.Config, logger *zap.Logger) (*Endpoint, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("endpoint: generate connection id: %w", err)
	}

	e := &Endpoint{
		id:        id,
		role:      role,
		phase:     PhaseInit,
		logger:    logger.With(zap.String("conn_id", id.String()), zap.String("role", roleString(role))),
		cfg:       cfg,
		sock:      sock,
		pnumGen:   pnum.New(),
		acks:      ackrange.New(),
		rttEst:    rtt.New(),
		inFlight:  inflight.New(),
		ptoTimer:    pto.New(),
		recvQueue:   make(chan []byte, 1024),
		rateLimiter: ratelimit.New(cfg.SendRateLimit, cfg.SendRateBurst),
	}
	e.lossDet = loss.New(e.inFlight, e.rttEst)

	if cfg.CongestionEnabled {
		e.congestionCtl = congestion.New(nil)
	}
	if cfg.FECEnabled {
		fc := &fec.Config{DataShards: cfg.FECDataShards, ParityShards: cfg.FECParityShards}
		enc, err := fec.NewEncoder(fc)
		if err != nil {
			return nil, fmt.Errorf("endpoint: fec encoder: %w", err)
		}
		dec, err := fec.NewDecoder(fc)
		if err != nil {
			return nil, fmt.Errorf("endpoint: fec decoder: %w", err)
		}
		e.fecEncoder, e.fecDecoder = enc, dec
	}
	if cfg.FileHandshakeSecret != "" {
		e.fileHandshake = filehandshake.NewManager(cfg.FileHandshakeSecret, cfg.FileHandshakeTokenTTL, cfg.FileHandshakeIssuer)
	}
	// Tracer always exists, degrading to no-op spans when disabled, so
	// Connect/Accept/Close/etc. never need a nil check (see
	// telemetry.Tracer's own doc comment). SetTracer swaps in a real one.
	tracer, err := telemetry.NewTracer(nil, logger)
	if err != nil {
		return nil, fmt.Errorf("endpoint: default tracer: %w", err)
	}
	e.tracer = tracer
	return e, nil
}

// SetTracer replaces the endpoint's tracer, e.g. with one built from
// telemetry.NewTracer(&telemetry.TracingConfig{Enable: true, ...}, logger)
// once a driver decides to export spans (SPEC_FULL.md 3.3). Safe to call
// before Connect/Accept; not safe concurrently with them.
func (e *Endpoint) SetTracer(t *telemetry.Tracer) {
	if t == nil {
		return
	}
	e.tracer = t
}

// SetMetrics attaches a Prometheus metrics sink (SPEC_FULL.md 3.4). nil
// leaves metrics unrecorded, which is the default. Not safe concurrently
// with Connect/Accept/SendData/ReceiveData.
func (e *Endpoint) SetMetrics(m *telemetry.Metrics) {
	e.metrics = m
}

func roleString(r Role) string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// Phase returns the endpoint's current state-machine phase.
func (e *Endpoint) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Statistics returns a copy of the endpoint's counters.
func (e *Endpoint) Statistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Snapshot captures a point-in-time view of the endpoint's reliability
// state for the observability feed (SPEC_FULL.md 2.5). It reads no
// private state from the callee's locked sections beyond what's already
// exposed by each collaborator's own Snapshot/Len accessors.
func (e *Endpoint) Snapshot() obsws.Snapshot {
	rttSnap := e.rttEst.Snapshot()

	e.mu.Lock()
	phase := e.phase
	inFlight := e.inFlight.Len()
	e.mu.Unlock()

	var bw uint64
	if e.congestionCtl != nil {
		bw = e.congestionCtl.BandwidthEstimate()
	}

	return obsws.Snapshot{
		ConnectionID: e.id.String(),
		Phase:        phase.String(),
		SmoothedRTT:  int64(rttSnap.SmoothedRTT),
		RTTVar:       int64(rttSnap.RTTVar),
		InFlight:     inFlight,
		ACKRanges:    len(e.acks.Snapshot()),
		CongestionBW: bw,
	}
}

func (e *Endpoint) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
	e.logger.Info("phase transition", zap.String("phase", p.String()))
	if e.metrics != nil {
		e.metrics.SetPhase(p.String(), allPhases)
	}
}

// Connect performs the initiator handshake (spec.md 4.6: Init ->
// Handshaking -> Established) against peerAddr. Returns once Established,
// or an error if the handshake times out or is rejected.
func (e *Endpoint) Connect(peerAddr string) (err error) {
	ctx, span := e.tracer.Start(context.Background(), "qrelay.connect")
	defer func() {
		e.tracer.RecordError(ctx, err)
		span.End()
	}()

	addr, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		return fmt.Errorf("endpoint: resolve peer address: %w", err)
	}
	e.mu.Lock()
	e.peer = addr
	e.peerSet = true
	e.mu.Unlock()

	e.setPhase(PhaseHandshaking)

	hello := protocol.NewStreamFrame([]byte(clientHello))
	if _, err := e.sendLong(protocol.PacketTypeInitial, hello); err != nil {
		return fmt.Errorf("endpoint: send Initial: %w", err)
	}

	deadline := time.Now().Add(e.cfg.HandshakeTimeout)
	sawInitialResponse, sawHandshakeFinish := false, false
	for time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		timeout := e.cfg.ReceiveTimeout
		if remaining < timeout {
			timeout = remaining
		}
		res, err := e.sock.Recv(timeout)
		if err != nil {
			return fmt.Errorf("endpoint: handshake recv: %w", err)
		}
		if res.WouldBlock {
			continue
		}
		pkt, err := protocol.Unmarshal(res.Data)
		if err != nil {
			e.incMalformed()
			continue
		}
		if !pkt.Header.Long {
			return fmt.Errorf("endpoint: protocol error: short header during handshake")
		}
		switch pkt.Header.LType {
		case protocol.PacketTypeInitial:
			sawInitialResponse = true
			e.acks.Record(pkt.Header.Number)
			if err := e.ackOnly(); err != nil {
				return err
			}
		case protocol.PacketTypeHandshake:
			sawHandshakeFinish = true
			e.acks.Record(pkt.Header.Number)
			if err := e.ackOnly(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("endpoint: protocol error: unexpected packet type %v during handshake", pkt.Header.LType)
		}
		if sawInitialResponse && sawHandshakeFinish {
			e.setPhase(PhaseEstablished)
			return nil
		}
	}
	return fmt.Errorf("endpoint: handshake timed out after %v", e.cfg.HandshakeTimeout)
}

// Accept performs the responder handshake (spec.md 4.6) on a socket
// already listening. It blocks until an Initial packet arrives from some
// peer, answers it plus a Handshake:"Finished", and returns once
// Established. It fails if no Initial arrives within cfg.HandshakeTimeout.
func (e *Endpoint) Accept() (peer string, err error) {
	ctx, span := e.tracer.Start(context.Background(), "qrelay.accept")
	defer func() {
		e.tracer.RecordError(ctx, err)
		span.End()
	}()

	e.setPhase(PhaseHandshaking)

	for {
		res, err := e.sock.Recv(e.cfg.HandshakeTimeout)
		if err != nil {
			return "", fmt.Errorf("endpoint: accept recv: %w", err)
		}
		if res.WouldBlock {
			return "", fmt.Errorf("endpoint: accept timed out after %v", e.cfg.HandshakeTimeout)
		}
		pkt, err := protocol.Unmarshal(res.Data)
		if err != nil {
			e.incMalformed()
			continue
		}
		if !pkt.Header.Long || pkt.Header.LType != protocol.PacketTypeInitial {
			return "", fmt.Errorf("endpoint: protocol error: expected Initial, got %+v", pkt.Header)
		}

		e.mu.Lock()
		e.peer = res.Addr
		e.peerSet = true
		e.mu.Unlock()
		e.acks.Record(pkt.Header.Number)

		initialNum, err := e.sendLong(protocol.PacketTypeInitial, nil)
		if err != nil {
			return "", fmt.Errorf("endpoint: send Initial response: %w", err)
		}
		finished := protocol.NewStreamFrame([]byte(handshakeFinish))
		handshakeNum, err := e.sendLong(protocol.PacketTypeHandshake, finished)
		if err != nil {
			return "", fmt.Errorf("endpoint: send Handshake Finished: %w", err)
		}
		e.setPhase(PhaseHandshaking)

		// Wait for the initiator to ack both the Initial response and the
		// Handshake Finished packet — not just any ACK frame — before
		// declaring Established (spec.md 4.6), symmetric with Connect's
		// sawInitialResponse && sawHandshakeFinish check.
		ackedInitial, ackedHandshake := false, false
		deadline := time.Now().Add(e.cfg.HandshakeTimeout)
		for time.Now().Before(deadline) {
			res, err := e.sock.Recv(e.cfg.ReceiveTimeout)
			if err != nil {
				return "", fmt.Errorf("endpoint: handshake recv: %w", err)
			}
			if res.WouldBlock {
				continue
			}
			pkt, err := protocol.Unmarshal(res.Data)
			if err != nil {
				e.incMalformed()
				continue
			}
			if pkt.Ack == nil {
				continue
			}
			if ackFrameContains(pkt.Ack, initialNum) {
				ackedInitial = true
			}
			if ackFrameContains(pkt.Ack, handshakeNum) {
				ackedHandshake = true
			}
			if ackedInitial && ackedHandshake {
				e.setPhase(PhaseEstablished)
				return e.peer.String(), nil
			}
		}
		return "", fmt.Errorf("endpoint: handshake timed out waiting for ACK after %v", e.cfg.HandshakeTimeout)
	}
}

// ackFrameContains reports whether ack's ranges cover packet number n.
func ackFrameContains(ack *protocol.ACKFrame, n protocol.PacketNumber) bool {
	for _, r := range ack.Ranges {
		if n >= r.Start && n <= r.End {
			return true
		}
	}
	return false
}

// sendLong serializes and sends a long-header packet (Initial, Handshake,
// or Close), advancing the packet number generator and recording it
// in-flight when it carries data. Returns the packet number assigned, so
// callers that need to confirm a specific number was acknowledged (e.g.
// Accept's handshake completion check) can do so.
func (e *Endpoint) sendLong(ltype protocol.LongPacketType, stream *protocol.StreamFrame) (protocol.PacketNumber, error) {
	num := e.pnumGen.Next()
	pkt := &protocol.Packet{
		Header: protocol.Header{Long: true, LType: ltype, Number: num},
		Stream: stream,
	}
	data, err := protocol.Marshal(pkt)
	if err != nil {
		return num, err
	}
	if err := e.sendDatagram(data); err != nil {
		return num, err
	}
	if stream != nil {
		e.inFlight.Add(inflight.Entry{Number: num, Stream: stream, SendTime: time.Now()})
	}
	return num, nil
}

// ackOnly sends a bare short-header packet carrying only the current ACK
// frame, used to acknowledge handshake packets.
func (e *Endpoint) ackOnly() error {
	num := e.pnumGen.Next()
	pkt := &protocol.Packet{
		Header: protocol.Header{Number: num},
		Ack:    e.buildACKFrame(),
	}
	data, err := protocol.Marshal(pkt)
	if err != nil {
		return err
	}
	return e.sendDatagram(data)
}

func (e *Endpoint) buildACKFrame() *protocol.ACKFrame {
	snapshot := e.acks.Snapshot()
	largest, _ := e.acks.LargestSeen()
	return &protocol.ACKFrame{
		LargestAcked: largest,
		AckDelay:     uint64(e.cfg.MaxAckDelay / time.Microsecond),
		Ranges:       ackrange.ToWire(snapshot),
	}
}

func (e *Endpoint) sendDatagram(data []byte) error {
	e.rateLimiter.Wait()

	e.mu.Lock()
	peer := e.peer
	e.mu.Unlock()
	if err := e.sock.Send(data, peer); err != nil {
		return fmt.Errorf("endpoint: transport send failure: %w", err)
	}
	e.mu.Lock()
	e.stats.PacketsSent++
	e.stats.BytesSent += uint64(len(data))
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.RecordPacket("sent", len(data))
	}
	if e.inFlight.Len() > 0 && !e.ptoTimer.Active() {
		e.armPTO()
	}
	return nil
}

func (e *Endpoint) armPTO() {
	e.ptoTimer.Arm(e.rttEst.PTO(e.cfg.MaxAckDelay))
}

// SendData fragments data into FrameSize-bounded stream frames, each
// carried in its own short-header packet, and sends them to peerAddr
// (spec.md 6: send_data). Returns the number of bytes accepted (always
// len(data) here, since the core buffers internally via retransmission
// rather than rejecting writes — spec.md leaves flow control to the
// caller). Only valid in PhaseEstablished.
func (e *Endpoint) SendData(data []byte, peerAddr string) (int, error) {
	if e.Phase() != PhaseEstablished {
		return 0, fmt.Errorf("endpoint: send_data called outside Established (phase=%v)", e.Phase())
	}
	if peerAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", peerAddr)
		if err != nil {
			return 0, fmt.Errorf("endpoint: resolve peer address: %w", err)
		}
		e.mu.Lock()
		e.peer = addr
		e.peerSet = true
		e.mu.Unlock()
	}

	sent := 0
	for sent < len(data) {
		end := sent + e.cfg.FrameSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[sent:end]
		if err := e.sendStreamChunk(chunk, false); err != nil {
			return sent, err
		}
		sent = end

		// Non-blocking peek at anything the peer has already returned, so
		// handleAck resolves packets and loss detection runs on the
		// sending side too, rather than only ever being driven by a
		// concurrent ReceiveData caller (spec.md 2's single request/ack
		// loop; 4.4, 4.5).
		if err := e.pumpOnce(0); err != nil {
			return sent, err
		}
	}

	// Keep pumping until every packet this call put in flight is resolved
	// (acked, or lost and retransmitted under a new number) or
	// SendDrainTimeout elapses — without this, a packet dropped on the
	// last leg of the transfer would never be retried (spec.md §8
	// scenarios 2 and 4).
	deadline := time.Now().Add(e.cfg.SendDrainTimeout)
	for e.inFlight.Len() > 0 && time.Now().Before(deadline) {
		if err := e.pumpOnce(e.cfg.ReceiveTimeout); err != nil {
			return sent, err
		}
	}
	return sent, nil
}

func (e *Endpoint) sendStreamChunk(chunk []byte, retransmitted bool) error {
	if retransmitted {
		_, span := e.tracer.Start(context.Background(), "qrelay.retransmit")
		defer span.End()
	}
	sf := protocol.NewStreamFrame(chunk)
	num := e.pnumGen.Next()
	pkt := &protocol.Packet{
		Header: protocol.Header{Number: num},
		Stream: sf,
		Ack:    e.buildACKFrame(),
	}
	if e.fecEncoder != nil && !retransmitted {
		pkt.FEC = &protocol.FECFrame{
			GroupID:      e.fecEncoder.CurrentGroupID(),
			Index:        uint8(e.fecIndex),
			DataShards:   uint8(e.cfg.FECDataShards),
			ParityShards: uint8(e.cfg.FECParityShards),
		}
	}
	data, err := protocol.Marshal(pkt)
	if err != nil {
		return fmt.Errorf("endpoint: packet oversize: %w", err)
	}
	if e.congestionCtl != nil {
		if d := e.congestionCtl.PacingDelay(uint32(len(data))); d > 0 {
			time.Sleep(d)
		}
	}
	if err := e.sendDatagram(data); err != nil {
		return err
	}
	e.inFlight.Add(inflight.Entry{
		Number:        num,
		Stream:        sf,
		SendTime:      time.Now(),
		Retransmitted: retransmitted,
	})

	if e.fecEncoder != nil && !retransmitted {
		if err := e.pumpFECEncoder(chunk); err != nil {
			e.logger.Warn("fec encode failed", zap.Error(err))
		}
	}
	return nil
}

// pumpFECEncoder feeds chunk into the FEC encoder's current group and, once
// the group fills, transmits its parity shards as standalone datagrams
// (best-effort: not tracked in-flight, since losing a parity shard only
// costs redundancy, not correctness).
func (e *Endpoint) pumpFECEncoder(chunk []byte) error {
	e.fecIndex++
	if e.fecIndex >= e.cfg.FECDataShards {
		e.fecIndex = 0
	}

	completedID, parity, lengths, err := e.fecEncoder.AddData(chunk)
	if err != nil {
		return err
	}
	if parity == nil {
		return nil
	}
	for i, shard := range parity {
		ff := &protocol.FECFrame{
			GroupID:      completedID,
			Index:        uint8(e.cfg.FECDataShards + i),
			DataShards:   uint8(e.cfg.FECDataShards),
			ParityShards: uint8(e.cfg.FECParityShards),
			Payload:      shard,
			Lengths:      lengthsToUint32(lengths),
		}
		num := e.pnumGen.Next()
		pkt := &protocol.Packet{Header: protocol.Header{Number: num}, FEC: ff}
		data, err := protocol.Marshal(pkt)
		if err != nil {
			return fmt.Errorf("endpoint: marshal FEC parity: %w", err)
		}
		if err := e.sendDatagram(data); err != nil {
			return err
		}
	}
	return nil
}

func lengthsToUint32(lengths []int) []uint32 {
	out := make([]uint32, len(lengths))
	for i, l := range lengths {
		out[i] = uint32(l)
	}
	return out
}

// ReceiveData waits up to timeout for the next delivered stream-frame
// payload (spec.md 6: receive_data). It also drives the endpoint's
// receive-side bookkeeping (processing arriving packets, loss detection,
// PTO) so callers must poll it regularly while Established, rather than
// using a separate background goroutine (spec.md 5: single-threaded
// cooperative driver).
func (e *Endpoint) ReceiveData(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		select {
		case data := <-e.recvQueue:
			return data, nil
		default:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		step := e.cfg.ReceiveTimeout
		if remaining < step {
			step = remaining
		}

		if err := e.pumpOnce(step); err != nil {
			return nil, err
		}

		select {
		case data := <-e.recvQueue:
			return data, nil
		default:
		}
	}
}

// pumpOnce performs one iteration of the cooperative driver loop: try to
// receive a datagram (or time out), process it, then run the PTO/
// time-threshold loss checks that a timeout is meant to trigger.
func (e *Endpoint) pumpOnce(timeout time.Duration) error {
	res, err := e.sock.Recv(timeout)
	if err != nil {
		return fmt.Errorf("endpoint: transport recv failure: %w", err)
	}
	if res.WouldBlock {
		e.checkTimeThresholdLoss()
		e.checkPTO()
		return nil
	}

	e.mu.Lock()
	e.stats.PacketsReceived++
	e.stats.BytesReceived += uint64(len(res.Data))
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.RecordPacket("received", len(res.Data))
	}

	pkt, err := protocol.Unmarshal(res.Data)
	if err != nil {
		e.incMalformed()
		return nil
	}

	if e.Phase() != PhaseEstablished {
		// Outside Established the packet is dropped. During Init and
		// Handshaking, Connect and Accept read the socket themselves, so
		// pumpOnce does not take part in the handshake.
		return nil
	}

	if pkt.Header.Long && pkt.Header.LType == protocol.PacketTypeClose {
		return e.handlePeerClose(pkt)
	}

	if pkt.Ack != nil {
		e.handleAck(pkt.Ack)
	}
	if pkt.Stream != nil {
		e.handleStream(pkt)
	} else if pkt.FEC != nil {
		e.handleFECOnly(pkt.FEC)
	}
	return nil
}

// handleAck resolves every in-flight entry the peer's ack ranges actually
// cover — removing it, sampling RTT off it (Karn's algorithm: never for a
// retransmitted entry), and feeding the congestion controller — before
// running the packet-threshold sweep for whatever is left in flight
// (spec.md 3: "removed when its number is acknowledged"; 4.3, 4.4).
func (e *Endpoint) handleAck(ack *protocol.ACKFrame) {
	now := time.Now()
	for _, rng := range ack.Ranges {
		for n := rng.Start; n <= rng.End; n++ {
			e.resolveAcked(n, now)
			if n == rng.End {
				break // avoids PacketNumber(0) wraparound if End is ^uint64(0)
			}
		}
	}

	lost := e.lossDet.OnAck(ack.LargestAcked)
	e.recordLost(lost)

	if e.inFlight.Len() == 0 {
		e.ptoTimer.Cancel()
	} else {
		e.armPTO()
	}
}

// resolveAcked removes packet number n from the in-flight registry if
// still present, treating it as genuinely delivered: one RTT sample (for a
// first-transmission entry) and one congestion-controller ack.
func (e *Endpoint) resolveAcked(n protocol.PacketNumber, now time.Time) {
	entry, ok := e.inFlight.Remove(n)
	if !ok {
		return
	}
	if entry.Retransmitted {
		return
	}
	sample := now.Sub(entry.SendTime)
	e.rttEst.Sample(sample)
	if e.metrics != nil {
		e.metrics.SmoothedRTTSeconds.Set(e.rttEst.Snapshot().SmoothedRTT.Seconds())
		e.metrics.InFlightPackets.Set(float64(e.inFlight.Len()))
	}
	if e.congestionCtl != nil {
		size := 0
		if entry.Stream != nil {
			size = len(entry.Stream.Data)
		}
		e.congestionCtl.OnPacketAcked(uint32(size), sample, now)
	}
}

func (e *Endpoint) handleStream(pkt *protocol.Packet) {
	duplicate := e.acks.Contains(pkt.Header.Number)
	e.acks.Record(pkt.Header.Number)

	if !duplicate {
		if !pkt.Stream.VerifyChecksum() {
			e.mu.Lock()
			e.stats.ChecksumFailures++
			e.mu.Unlock()
			if e.metrics != nil {
				e.metrics.ChecksumFailuresTotal.Inc()
			}
		} else {
			e.deliver(pkt.Stream.Data)
		}
	}

	if e.fecDecoder != nil && pkt.FEC != nil {
		e.markFECSeen(pkt.FEC.GroupID, pkt.FEC.Index)
		e.feedFECShard(pkt.FEC, pkt.Stream.Data)
	}

	if err := e.ackOnly(); err != nil {
		e.logger.Warn("failed to send ACK", zap.Error(err))
	}
}

// handleFECOnly processes a standalone parity datagram (no stream frame).
func (e *Endpoint) handleFECOnly(ff *protocol.FECFrame) {
	if e.fecDecoder == nil {
		return
	}
	e.feedFECShard(ff, ff.Payload)
}

// markFECSeen records that this endpoint already delivered data shard
// index of group groupID directly off the normal stream path, so a later
// FEC reconstruction of the same group knows not to re-deliver it.
func (e *Endpoint) markFECSeen(groupID uint64, index uint8) {
	if e.fecSeen == nil {
		e.fecSeen = make(map[uint64]map[uint8]bool)
	}
	seen, ok := e.fecSeen[groupID]
	if !ok {
		seen = make(map[uint8]bool)
		e.fecSeen[groupID] = seen
	}
	seen[index] = true
}

// feedFECShard hands one shard to the FEC decoder and, if it completes a
// group, delivers any data shard whose index wasn't already delivered
// directly off the normal stream path (i.e. the recovery actually repaired
// a loss).
func (e *Endpoint) feedFECShard(ff *protocol.FECFrame, payload []byte) {
	var lengths []int
	if len(ff.Lengths) > 0 {
		lengths = make([]int, len(ff.Lengths))
		for i, l := range ff.Lengths {
			lengths[i] = int(l)
		}
	}
	recovered, err := e.fecDecoder.AddShard(ff.GroupID, int(ff.Index), payload, lengths)
	if err != nil {
		e.logger.Warn("fec decode failed", zap.Error(err), zap.Uint64("group_id", ff.GroupID))
		return
	}
	if recovered == nil {
		return
	}
	seen := e.fecSeen[ff.GroupID]
	for i, data := range recovered {
		if seen != nil && seen[uint8(i)] {
			continue
		}
		e.logger.Debug("recovered data shard via FEC",
			zap.Uint64("group_id", ff.GroupID), zap.Int("index", i))
		e.deliver(data)
		if e.metrics != nil {
			e.metrics.FECShardsRecoveredTotal.Inc()
		}
	}
	delete(e.fecSeen, ff.GroupID)
}

// deliver pushes a payload to the application's receive queue, dropping it
// if the queue is full (matching the teacher's recvLoop behavior).
func (e *Endpoint) deliver(data []byte) {
	select {
	case e.recvQueue <- data:
	default:
	}
}

func (e *Endpoint) handlePeerClose(pkt *protocol.Packet) error {
	e.acks.Record(pkt.Header.Number)
	e.setPhase(PhaseClosing)

	closeAck := protocol.NewStreamFrame([]byte(closeStreamData))
	num := e.pnumGen.Next()
	resp := &protocol.Packet{
		Header: protocol.Header{Long: true, LType: protocol.PacketTypeClose, Number: num},
		Stream: closeAck,
		Ack:    e.buildACKFrame(),
	}
	data, err := protocol.Marshal(resp)
	if err != nil {
		return fmt.Errorf("endpoint: marshal close response: %w", err)
	}
	if err := e.sendDatagram(data); err != nil {
		return err
	}
	e.finishClose()
	return nil
}

func (e *Endpoint) recordLost(lost []loss.Lost) {
	if len(lost) == 0 {
		return
	}
	e.mu.Lock()
	for _, l := range lost {
		if l.Reason == loss.ReasonPacketThreshold {
			e.stats.PacketsLostByAck++
		} else {
			e.stats.PacketsLostByTimeout++
		}
	}
	e.mu.Unlock()

	if e.metrics != nil {
		for _, l := range lost {
			e.metrics.RecordLoss(l.Reason.String())
		}
	}

	if e.congestionCtl != nil {
		e.congestionCtl.OnPacketsLost(len(lost))
	}

	for _, l := range lost {
		if l.Entry.Stream == nil {
			continue
		}
		if err := e.sendStreamChunk(l.Entry.Stream.Data, true); err != nil {
			e.logger.Warn("retransmit failed", zap.Error(err), zap.Uint64("packet_number", uint64(l.Entry.Number)))
			continue
		}
		e.mu.Lock()
		e.stats.Retransmissions++
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.RetransmissionsTotal.Inc()
		}
	}
}

func (e *Endpoint) checkTimeThresholdLoss() {
	lost := e.lossDet.CheckTimeThreshold(time.Now())
	e.recordLost(lost)
}

func (e *Endpoint) checkPTO() {
	select {
	case <-e.ptoTimer.Fired():
	default:
		return
	}
	oldest, ok := e.inFlight.Oldest()
	if !ok {
		return
	}
	if _, ok := e.inFlight.Remove(oldest.Number); !ok {
		return
	}
	e.mu.Lock()
	e.stats.PacketsLostByTimeout++
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.RecordLoss(loss.ReasonTimeThreshold.String())
		e.metrics.PTOFiredTotal.Inc()
	}
	e.logger.Debug("PTO fired, probing oldest in-flight packet", zap.Uint64("packet_number", uint64(oldest.Number)))
	if oldest.Stream != nil {
		if err := e.sendStreamChunk(oldest.Stream.Data, true); err != nil {
			e.logger.Warn("PTO probe retransmit failed", zap.Error(err))
			return
		}
		e.mu.Lock()
		e.stats.Retransmissions++
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.RetransmissionsTotal.Inc()
		}
	}
}

func (e *Endpoint) incMalformed() {
	e.mu.Lock()
	e.stats.MalformedDropped++
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.MalformedDroppedTotal.Inc()
	}
}

// RequestFileHandshake sends the optional application-level "Request a
// file" stream frame and blocks until its ACK arrives (spec.md 6). Only
// meaningful from the initiator side, in Established. When the endpoint
// was configured with a FileHandshakeSecret, the frame's payload carries
// a signed claim (SPEC_FULL.md 2.4) instead of the bare request string.
func (e *Endpoint) RequestFileHandshake(timeout time.Duration) error {
	if e.Phase() != PhaseEstablished {
		return fmt.Errorf("endpoint: request_file_handshake called outside Established")
	}
	payload := []byte(fileRequestData)
	if e.fileHandshake != nil {
		token, err := e.fileHandshake.IssueRequestToken(e.id.String())
		if err != nil {
			return fmt.Errorf("endpoint: issue file request token: %w", err)
		}
		payload = []byte(token)
	}
	if err := e.sendStreamChunk(payload, false); err != nil {
		return fmt.Errorf("endpoint: send file request: %w", err)
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := e.pumpOnce(e.cfg.ReceiveTimeout); err != nil {
			return err
		}
		e.mu.Lock()
		inFlight := e.inFlight.Len()
		e.mu.Unlock()
		if inFlight == 0 {
			return nil
		}
	}
	return fmt.Errorf("endpoint: request_file_handshake timed out after %v", timeout)
}

// RespondFileHandshake waits for the peer's "Request a file" stream frame
// and, once it arrives and is delivered to the application, returns. The
// caller is then expected to begin transmission via SendData. When the
// endpoint was configured with a FileHandshakeSecret, the incoming payload
// must verify as a signed request claim (SPEC_FULL.md 2.4); a present but
// invalid or expired claim is rejected rather than silently ignored.
func (e *Endpoint) RespondFileHandshake(timeout time.Duration) error {
	if e.Phase() != PhaseEstablished {
		return fmt.Errorf("endpoint: respond_file_handshake called outside Established")
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		data, err := e.ReceiveData(e.cfg.ReceiveTimeout)
		if err != nil {
			return err
		}
		if data == nil {
			continue
		}
		if e.fileHandshake != nil {
			if string(data) == fileRequestData {
				// Unauthenticated peer sending the legacy bare request.
				return fmt.Errorf("endpoint: file request missing required authentication claim")
			}
			claims, err := e.fileHandshake.VerifyRequestToken(string(data))
			if err != nil {
				return fmt.Errorf("endpoint: file request authentication failed: %w", err)
			}
			e.logger.Info("authenticated file request", zap.String("requester", claims.ConnectionID))
			return nil
		}
		if string(data) == fileRequestData {
			return nil
		}
	}
	return fmt.Errorf("endpoint: respond_file_handshake timed out after %v", timeout)
}

// Close performs the Established -> Closing -> Closed transition (spec.md
// 4.6). isInitiator determines whether this side sends the first Close
// frame or waits for the peer's. On return, all timers are cancelled and
// the in-flight registry is cleared without retransmission (spec.md 5).
func (e *Endpoint) Close(isInitiator bool) (err error) {
	ctx, span := e.tracer.Start(context.Background(), "qrelay.close")
	defer func() {
		e.tracer.RecordError(ctx, err)
		span.End()
	}()

	if e.Phase() == PhaseClosed {
		return nil
	}
	e.setPhase(PhaseClosing)

	if isInitiator {
		closeFrame := protocol.NewStreamFrame([]byte(closeStreamData))
		if _, err := e.sendLong(protocol.PacketTypeClose, closeFrame); err != nil {
			e.logger.Warn("failed to send Close", zap.Error(err))
		}
		e.waitForClosePacket(false)
	} else {
		// The responder waits for the initiator's Close and answers it
		// with its own Close(ACK + Stream:"Close") before finishing
		// (spec.md 4.6).
		e.waitForClosePacket(true)
	}

	e.finishClose()
	return nil
}

// waitForClosePacket blocks (up to HandshakeTimeout) for a long-header
// Close packet from the peer. If respond is true, it answers the first
// one seen with this side's own Close frame before returning.
func (e *Endpoint) waitForClosePacket(respond bool) {
	deadline := time.Now().Add(e.cfg.HandshakeTimeout)
	for time.Now().Before(deadline) {
		res, err := e.sock.Recv(e.cfg.ReceiveTimeout)
		if err != nil || res.WouldBlock {
			continue
		}
		pkt, err := protocol.Unmarshal(res.Data)
		if err != nil {
			continue
		}
		if !(pkt.Header.Long && pkt.Header.LType == protocol.PacketTypeClose) {
			continue
		}
		e.acks.Record(pkt.Header.Number)
		if respond {
			closeFrame := protocol.NewStreamFrame([]byte(closeStreamData))
			if _, err := e.sendLong(protocol.PacketTypeClose, closeFrame); err != nil {
				e.logger.Warn("failed to send Close response", zap.Error(err))
			}
		}
		return
	}
}

func (e *Endpoint) finishClose() {
	e.ptoTimer.Cancel()
	e.inFlight.Clear()
	e.setPhase(PhaseClosed)
	e.sock.Close()
}

// LocalAddr returns the endpoint's local socket address.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.sock.LocalAddr()
}

// ID returns the endpoint's connection identifier.
func (e *Endpoint) ID() uuid.UUID {
	return e.id
}
