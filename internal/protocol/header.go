// Package protocol implements the wire format for qrelay packets: headers,
// frames, and ACK ranges.
package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// MagicNumber is qrelay's four-byte identifier. The packet header does
	// not carry it: a packet is recognised by its tag byte and, for a long
	// header, its version byte.
	MagicNumber uint32 = 0x51524c59 // "QRLY"

	// CurrentVersion is the only version this codec understands.
	CurrentVersion uint8 = 1

	// MaxDatagram is the datagram substrate's payload limit. Serialized
	// packets must never exceed this.
	MaxDatagram = 65507

	// FrameSize is the default stream-frame data budget, accounting for
	// header and ACK-frame overhead so a packet built from it stays under
	// MaxDatagram.
	FrameSize = 65447

	// MaxACKRanges bounds the number of ACK ranges carried in one ACK
	// frame, so a pathologically fragmented receive set cannot grow an
	// ACK frame without bound.
	MaxACKRanges = 256

	longHeaderFixedSize  = 1 + 1 + 8 // tag byte with type, version, packet number
	shortHeaderFixedSize = 1 + 8         // tag byte, packet number
)

// LongPacketType tags the three long-header packet kinds.
type LongPacketType uint8

const (
	PacketTypeInitial LongPacketType = iota + 1
	PacketTypeHandshake
	PacketTypeClose
)

func (t LongPacketType) String() string {
	switch t {
	case PacketTypeInitial:
		return "Initial"
	case PacketTypeHandshake:
		return "Handshake"
	case PacketTypeClose:
		return "Close"
	default:
		return "Unknown"
	}
}

// headerTag distinguishes long vs. short headers on the wire.
const (
	tagLongHeader  byte = 0x80
	tagShortHeader byte = 0x00
)

// PacketNumber is a 64-bit, per-endpoint monotonic identifier.
type PacketNumber uint64

// Header is either a long header (handshake/close) or a short header
// (data/ACK). Exactly one of the two is populated, distinguished by Long.
type Header struct {
	Long   bool
	LType  LongPacketType // only meaningful when Long
	Number PacketNumber
}

// FrameType tags the frame kinds a packet may carry.
type FrameType uint8

const (
	FrameTypeStream FrameType = iota + 1
	FrameTypeACK
	FrameTypeFEC
)

// StreamFrame carries application byte-stream payload plus an integrity
// checksum, restoring the original Python driver's per-chunk checksum
// (original_source/Utils.py) that the distilled spec dropped.
type StreamFrame struct {
	Data     []byte
	Checksum uint32 // CRC32 (IEEE) over Data
}

// ACKFrame reflects current reception state: the largest acknowledged
// packet number, the sender's self-reported ack delay, and the ordered
// list of ACK ranges describing everything received so far.
type ACKFrame struct {
	LargestAcked PacketNumber
	AckDelay     uint64 // microseconds
	Ranges       []ACKRangeWire
}

// ACKRangeWire is the wire representation of one ACK range: a gap (count of
// unacknowledged packet numbers immediately preceding this range) and the
// inclusive [Start, End] of received packet numbers it covers.
type ACKRangeWire struct {
	Gap   uint32
	Start PacketNumber
	End   PacketNumber
}

// FECFrame carries one Reed-Solomon shard (data or parity) of an outbound
// group, restoring the forward-error-correction path for a peer whose FEC
// is enabled. GroupID ties shards together; Index numbers this shard
// within [0, DataShards+ParityShards).
type FECFrame struct {
	GroupID      uint64
	Index        uint8
	DataShards   uint8
	ParityShards uint8
	Payload      []byte
	// Lengths carries the group's true per-data-shard lengths, so a peer
	// that reconstructs a missing data shard can trim its padding back
	// off. Populated on parity shards, nil on data shards (the sender
	// already knows its own chunk's length without it).
	Lengths []uint32
}

// Packet is a fully decoded wire packet: one header, one or more frames.
type Packet struct {
	Header Header
	Stream *StreamFrame // nil if this packet carries no stream frame
	Ack    *ACKFrame    // nil if this packet carries no ACK frame
	FEC    *FECFrame    // nil if this packet carries no FEC shard
}

// Marshal serializes a packet to bytes. Returns an error if the result
// would exceed MaxDatagram (caller misuse per spec.md section 7).
func Marshal(p *Packet) ([]byte, error) {
	var headerSize int
	if p.Header.Long {
		headerSize = longHeaderFixedSize
	} else {
		headerSize = shortHeaderFixedSize
	}

	size := headerSize + 1 // +1 frame-count byte
	if p.Stream != nil {
		size += streamFrameSize(p.Stream)
	}
	if p.Ack != nil {
		size += ackFrameSize(p.Ack)
	}
	if p.FEC != nil {
		size += fecFrameSize(p.FEC)
	}
	if size > MaxDatagram {
		return nil, fmt.Errorf("protocol: serialized packet of %d bytes exceeds MAX_DATAGRAM %d", size, MaxDatagram)
	}

	buf := make([]byte, 0, size)
	buf = appendHeader(buf, p.Header)

	frameCount := byte(0)
	if p.Stream != nil {
		frameCount++
	}
	if p.Ack != nil {
		frameCount++
	}
	if p.FEC != nil {
		frameCount++
	}
	buf = append(buf, frameCount)

	if p.Stream != nil {
		buf = appendStreamFrame(buf, p.Stream)
	}
	if p.Ack != nil {
		buf = appendACKFrame(buf, p.Ack)
	}
	if p.FEC != nil {
		buf = appendFECFrame(buf, p.FEC)
	}
	return buf, nil
}

// Unmarshal parses bytes into a Packet. Malformed input is reported as an
// error; callers should drop the packet silently and count it rather than
// treat this as fatal (spec.md section 7).
func Unmarshal(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("protocol: empty datagram")
	}

	long := data[0]&tagLongHeader != 0
	var (
		hdr    Header
		offset int
		err    error
	)
	if long {
		hdr, offset, err = parseLongHeader(data)
	} else {
		hdr, offset, err = parseShortHeader(data)
	}
	if err != nil {
		return nil, err
	}

	if offset >= len(data) {
		return nil, fmt.Errorf("protocol: truncated packet: missing frame count")
	}
	frameCount := int(data[offset])
	offset++

	p := &Packet{Header: hdr}
	for i := 0; i < frameCount; i++ {
		if offset >= len(data) {
			return nil, fmt.Errorf("protocol: truncated packet: missing frame type")
		}
		ftype := FrameType(data[offset])
		offset++
		switch ftype {
		case FrameTypeStream:
			sf, next, err := parseStreamFrame(data, offset)
			if err != nil {
				return nil, err
			}
			p.Stream = sf
			offset = next
		case FrameTypeACK:
			af, next, err := parseACKFrame(data, offset)
			if err != nil {
				return nil, err
			}
			p.Ack = af
			offset = next
		case FrameTypeFEC:
			ff, next, err := parseFECFrame(data, offset)
			if err != nil {
				return nil, err
			}
			p.FEC = ff
			offset = next
		default:
			return nil, fmt.Errorf("protocol: unknown frame type 0x%02x", ftype)
		}
	}
	return p, nil
}

func appendHeader(buf []byte, h Header) []byte {
	if h.Long {
		tag := tagLongHeader | byte(h.LType)
		buf = append(buf, tag)
		buf = append(buf, byte(CurrentVersion))
	} else {
		buf = append(buf, tagShortHeader)
	}
	var pn [8]byte
	binary.BigEndian.PutUint64(pn[:], uint64(h.Number))
	return append(buf, pn[:]...)
}

func parseLongHeader(data []byte) (Header, int, error) {
	if len(data) < longHeaderFixedSize {
		return Header{}, 0, fmt.Errorf("protocol: truncated long header")
	}
	ltype := LongPacketType(data[0] &^ tagLongHeader)
	version := data[1]
	if version != CurrentVersion {
		return Header{}, 0, fmt.Errorf("protocol: unsupported version %d", version)
	}
	num := PacketNumber(binary.BigEndian.Uint64(data[2:10]))
	return Header{Long: true, LType: ltype, Number: num}, 10, nil
}

func parseShortHeader(data []byte) (Header, int, error) {
	if len(data) < shortHeaderFixedSize {
		return Header{}, 0, fmt.Errorf("protocol: truncated short header")
	}
	num := PacketNumber(binary.BigEndian.Uint64(data[1:9]))
	return Header{Long: false, Number: num}, 9, nil
}

func streamFrameSize(sf *StreamFrame) int {
	return 1 + 4 + 4 + len(sf.Data) // type, length, checksum, data
}

func appendStreamFrame(buf []byte, sf *StreamFrame) []byte {
	buf = append(buf, byte(FrameTypeStream))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sf.Data)))
	buf = append(buf, lenBuf[:]...)
	var cksBuf [4]byte
	binary.BigEndian.PutUint32(cksBuf[:], sf.Checksum)
	buf = append(buf, cksBuf[:]...)
	return append(buf, sf.Data...)
}

func parseStreamFrame(data []byte, offset int) (*StreamFrame, int, error) {
	if offset+8 > len(data) {
		return nil, 0, fmt.Errorf("protocol: truncated stream frame")
	}
	length := binary.BigEndian.Uint32(data[offset : offset+4])
	checksum := binary.BigEndian.Uint32(data[offset+4 : offset+8])
	offset += 8
	if offset+int(length) > len(data) {
		return nil, 0, fmt.Errorf("protocol: truncated stream frame payload")
	}
	payload := make([]byte, length)
	copy(payload, data[offset:offset+int(length)])
	return &StreamFrame{Data: payload, Checksum: checksum}, offset + int(length), nil
}

func fecFrameSize(ff *FECFrame) int {
	// type, group, index, data, parity, payload-length, payload,
	// lengths-count, lengths...
	return 1 + 8 + 1 + 1 + 1 + 4 + len(ff.Payload) + 2 + len(ff.Lengths)*4
}

func appendFECFrame(buf []byte, ff *FECFrame) []byte {
	buf = append(buf, byte(FrameTypeFEC))
	var groupBuf [8]byte
	binary.BigEndian.PutUint64(groupBuf[:], ff.GroupID)
	buf = append(buf, groupBuf[:]...)
	buf = append(buf, ff.Index, ff.DataShards, ff.ParityShards)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ff.Payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, ff.Payload...)
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(ff.Lengths)))
	buf = append(buf, countBuf[:]...)
	for _, l := range ff.Lengths {
		var lb [4]byte
		binary.BigEndian.PutUint32(lb[:], l)
		buf = append(buf, lb[:]...)
	}
	return buf
}

func parseFECFrame(data []byte, offset int) (*FECFrame, int, error) {
	if offset+15 > len(data) {
		return nil, 0, fmt.Errorf("protocol: truncated FEC frame")
	}
	groupID := binary.BigEndian.Uint64(data[offset : offset+8])
	index := data[offset+8]
	dataShards := data[offset+9]
	parityShards := data[offset+10]
	length := binary.BigEndian.Uint32(data[offset+11 : offset+15])
	offset += 15
	if offset+int(length) > len(data) {
		return nil, 0, fmt.Errorf("protocol: truncated FEC frame payload")
	}
	payload := make([]byte, length)
	copy(payload, data[offset:offset+int(length)])
	offset += int(length)

	if offset+2 > len(data) {
		return nil, 0, fmt.Errorf("protocol: truncated FEC frame lengths count")
	}
	count := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	var lengths []uint32
	if count > 0 {
		if offset+count*4 > len(data) {
			return nil, 0, fmt.Errorf("protocol: truncated FEC frame lengths")
		}
		lengths = make([]uint32, count)
		for i := 0; i < count; i++ {
			lengths[i] = binary.BigEndian.Uint32(data[offset : offset+4])
			offset += 4
		}
	}

	return &FECFrame{
		GroupID: groupID, Index: index,
		DataShards: dataShards, ParityShards: parityShards,
		Payload: payload, Lengths: lengths,
	}, offset, nil
}

func ackFrameSize(af *ACKFrame) int {
	return 1 + 8 + 8 + 2 + len(af.Ranges)*(4+8+8) // type, largest, delay, count, ranges
}

func appendACKFrame(buf []byte, af *ACKFrame) []byte {
	buf = append(buf, byte(FrameTypeACK))
	var largestBuf [8]byte
	binary.BigEndian.PutUint64(largestBuf[:], uint64(af.LargestAcked))
	buf = append(buf, largestBuf[:]...)
	var delayBuf [8]byte
	binary.BigEndian.PutUint64(delayBuf[:], af.AckDelay)
	buf = append(buf, delayBuf[:]...)
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(af.Ranges)))
	buf = append(buf, countBuf[:]...)
	for _, r := range af.Ranges {
		var gapBuf [4]byte
		binary.BigEndian.PutUint32(gapBuf[:], r.Gap)
		buf = append(buf, gapBuf[:]...)
		var startBuf, endBuf [8]byte
		binary.BigEndian.PutUint64(startBuf[:], uint64(r.Start))
		binary.BigEndian.PutUint64(endBuf[:], uint64(r.End))
		buf = append(buf, startBuf[:]...)
		buf = append(buf, endBuf[:]...)
	}
	return buf
}

func parseACKFrame(data []byte, offset int) (*ACKFrame, int, error) {
	if offset+18 > len(data) {
		return nil, 0, fmt.Errorf("protocol: truncated ACK frame")
	}
	largest := PacketNumber(binary.BigEndian.Uint64(data[offset : offset+8]))
	delay := binary.BigEndian.Uint64(data[offset+8 : offset+16])
	count := int(binary.BigEndian.Uint16(data[offset+16 : offset+18]))
	offset += 18
	if count > MaxACKRanges {
		return nil, 0, fmt.Errorf("protocol: ACK frame carries %d ranges, max %d", count, MaxACKRanges)
	}
	ranges := make([]ACKRangeWire, count)
	for i := 0; i < count; i++ {
		if offset+20 > len(data) {
			return nil, 0, fmt.Errorf("protocol: truncated ACK range %d", i)
		}
		ranges[i].Gap = binary.BigEndian.Uint32(data[offset : offset+4])
		ranges[i].Start = PacketNumber(binary.BigEndian.Uint64(data[offset+4 : offset+12]))
		ranges[i].End = PacketNumber(binary.BigEndian.Uint64(data[offset+12 : offset+20]))
		offset += 20
	}
	return &ACKFrame{LargestAcked: largest, AckDelay: delay, Ranges: ranges}, offset, nil
}

// NewStreamFrame builds a stream frame and computes its checksum.
func NewStreamFrame(data []byte) *StreamFrame {
	return &StreamFrame{Data: data, Checksum: crc32IEEE(data)}
}

// VerifyChecksum reports whether the frame's checksum matches its data.
func (sf *StreamFrame) VerifyChecksum() bool {
	return sf.Checksum == crc32IEEE(sf.Data)
}
