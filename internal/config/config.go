// Package config collects qrelay's tunable parameters into one struct,
// following the teacher's many per-package DefaultConfig() constructors
// (transport.DefaultConfig, bbr.DefaultConfig, fec.DefaultConfig,
// quantum.DefaultConfig in internal/quantum/...).
package config

import "time"

// Config holds every tunable named in spec.md section 6.
type Config struct {
	// FrameSize is the default stream-frame data budget.
	FrameSize int
	// MaxDatagram is the datagram substrate's payload limit.
	MaxDatagram int

	// PacketThreshold is kPacketThreshold.
	PacketThreshold uint64
	// TimeThreshold is kTimeThreshold.
	TimeThreshold float64
	// Granularity is kGranularity.
	Granularity time.Duration

	// RTTAlpha is kRTTAlpha.
	RTTAlpha float64
	// RTTBeta is kRTTBeta.
	RTTBeta float64
	// MaxAckDelay bounds how long an endpoint may wait before sending an ACK.
	MaxAckDelay time.Duration

	// ReceiveTimeout bounds each datagram read, per spec.md section 6's
	// SO_RCVTIMEO contract.
	ReceiveTimeout time.Duration

	// HandshakeTimeout bounds the Init/Handshaking phases before the
	// connection attempt is abandoned.
	HandshakeTimeout time.Duration

	// SendDrainTimeout bounds how long SendData keeps pumping the socket
	// after its last chunk, waiting for the peer's ACKs (and retrying any
	// packet loss detection declares) so every frame it sent is resolved
	// before SendData returns.
	SendDrainTimeout time.Duration

	// FECEnabled turns on the optional Reed-Solomon forward error
	// correction layer described in SPEC_FULL.md 2.2.
	FECEnabled      bool
	FECDataShards   int
	FECParityShards int

	// CongestionEnabled turns on the BBR pacing/cwnd hook described in
	// SPEC_FULL.md 2.1. When false, sends are unpaced, matching spec.md's
	// framing of congestion control as an external, optional collaborator.
	// In either case sends are not limited by a congestion window.
	CongestionEnabled bool

	// SendRateLimit caps outbound datagrams per second (0 disables the
	// cap). Independent of and additional to CongestionEnabled's BBR
	// pacing: a hard ceiling rather than a bandwidth estimate.
	SendRateLimit float64
	// SendRateBurst is the token bucket's burst size when SendRateLimit
	// is enabled.
	SendRateBurst int

	// FileHandshakeSecret, when non-empty, turns the optional
	// request_file_handshake/respond_file_handshake exchange (spec.md 6)
	// into an authenticated one: the request carries an HS256-signed
	// claim that the responder verifies before proceeding (SPEC_FULL.md
	// 2.4). Empty leaves the exchange as the original bare string.
	FileHandshakeSecret string
	// FileHandshakeTokenTTL bounds how long an issued request token
	// remains valid.
	FileHandshakeTokenTTL time.Duration
	// FileHandshakeIssuer is carried in the token's "iss" claim.
	FileHandshakeIssuer string
}

// Default returns spec.md section 6's defaults.
func Default() *Config {
	return &Config{
		FrameSize:         65447,
		MaxDatagram:       65507,
		PacketThreshold:   3,
		TimeThreshold:     9.0 / 8.0,
		Granularity:       time.Millisecond,
		RTTAlpha:          0.125,
		RTTBeta:           0.25,
		MaxAckDelay:       25 * time.Millisecond,
		ReceiveTimeout:    100 * time.Millisecond,
		HandshakeTimeout:  5 * time.Second,
		SendDrainTimeout:  30 * time.Second,
		FECEnabled:        false,
		FECDataShards:     10,
		FECParityShards:   3,
		CongestionEnabled: false,
		SendRateLimit:     0,
		SendRateBurst:     64,

		FileHandshakeSecret:   "",
		FileHandshakeTokenTTL: 30 * time.Second,
		FileHandshakeIssuer:   "qrelay",
	}
}
