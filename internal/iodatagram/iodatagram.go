// Package iodatagram is the thin send/receive/timeout wrapper over UDP
// spec.md 4.8 and 6 describe as the core's only socket dependency.
// Grounded on the teacher's transport.Conn (internal/quantum/transport/
// conn.go): buffer sizing, a Statistics struct, and ReceivePacket's
// context-deadline pattern, generalized to surface a distinguished
// would-block signal (spec.md section 7) instead of a bare context error.
package iodatagram

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

const (
	// DefaultReadBufferSize mirrors the teacher's 2MB UDP read buffer.
	DefaultReadBufferSize = 2 * 1024 * 1024
	// DefaultWriteBufferSize mirrors the teacher's 2MB UDP write buffer.
	DefaultWriteBufferSize = 2 * 1024 * 1024

	maxDatagramSize = 65507
)

// Statistics mirrors the teacher's per-connection socket counters.
type Statistics struct {
	DatagramsSent     uint64
	DatagramsReceived uint64
	BytesSent         uint64
	BytesReceived     uint64
	Errors            uint64
}

// Adapter wraps a UDP socket with the send/receive/timeout contract the
// reliability engine depends on.
type Adapter struct {
	conn    *net.UDPConn
	readBuf []byte
	stats   Statistics
}

// Listen opens a UDP socket bound to address for a responder.
func Listen(address string) (*Adapter, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("iodatagram: resolve: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("iodatagram: listen: %w", err)
	}
	return newAdapter(conn)
}

// Dial opens a UDP socket connected to address for an initiator.
func Dial(address string) (*Adapter, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("iodatagram: resolve: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("iodatagram: dial: %w", err)
	}
	return newAdapter(conn)
}

func newAdapter(conn *net.UDPConn) (*Adapter, error) {
	if err := conn.SetReadBuffer(DefaultReadBufferSize); err != nil {
		conn.Close()
		return nil, fmt.Errorf("iodatagram: set read buffer: %w", err)
	}
	if err := conn.SetWriteBuffer(DefaultWriteBufferSize); err != nil {
		conn.Close()
		return nil, fmt.Errorf("iodatagram: set write buffer: %w", err)
	}
	return &Adapter{conn: conn, readBuf: make([]byte, maxDatagramSize)}, nil
}

// Send writes a datagram, to addr on an unconnected/listening socket, or
// to the connected peer on a socket opened with Dial (addr is then
// ignored and may be nil).
func (a *Adapter) Send(data []byte, addr *net.UDPAddr) error {
	if len(data) > maxDatagramSize {
		return fmt.Errorf("iodatagram: datagram of %d bytes exceeds MAX_DATAGRAM %d (caller misuse)", len(data), maxDatagramSize)
	}
	var (
		n   int
		err error
	)
	if addr != nil && a.conn.RemoteAddr() == nil {
		n, err = a.conn.WriteToUDP(data, addr)
	} else {
		n, err = a.conn.Write(data)
	}
	if err != nil {
		a.stats.Errors++
		return fmt.Errorf("iodatagram: send: %w", err)
	}
	a.stats.DatagramsSent++
	a.stats.BytesSent += uint64(n)
	return nil
}

// Result is what Recv returns: either a datagram, a would-block signal, or
// a fatal error.
type Result struct {
	Data       []byte
	Addr       *net.UDPAddr
	WouldBlock bool
}

// Recv waits up to timeout for a datagram. A timeout expiring is reported
// as Result{WouldBlock: true}, nil — never as an error — so the caller can
// use it to drive time-threshold loss checks between receive attempts
// (spec.md 4.8, 7).
func (a *Adapter) Recv(timeout time.Duration) (Result, error) {
	if err := a.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Result{}, fmt.Errorf("iodatagram: set read deadline: %w", err)
	}

	n, addr, err := a.conn.ReadFromUDP(a.readBuf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Result{WouldBlock: true}, nil
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return Result{WouldBlock: true}, nil
		}
		a.stats.Errors++
		return Result{}, fmt.Errorf("iodatagram: recv: %w", err)
	}

	a.stats.DatagramsReceived++
	a.stats.BytesReceived += uint64(n)

	out := make([]byte, n)
	copy(out, a.readBuf[:n])
	return Result{Data: out, Addr: addr}, nil
}

// LocalAddr returns the local UDP address.
func (a *Adapter) LocalAddr() *net.UDPAddr {
	return a.conn.LocalAddr().(*net.UDPAddr)
}

// Statistics returns a copy of the adapter's socket counters.
func (a *Adapter) Statistics() Statistics {
	return a.stats
}

// Close releases the underlying socket.
func (a *Adapter) Close() error {
	return a.conn.Close()
}
