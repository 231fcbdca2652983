// Package wire implements the soundmesh wire format: a fixed 16-byte
// network-order header followed by a bounded payload.
//
// The Framer assigns per-stream sequence numbers and timestamps on the
// send side; the Deframer validates incoming packets and accounts for
// loss from sequence gaps. Packets are built and torn down within a
// single call and never retained across pipeline restarts.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Magic identifies a soundmesh frame on the wire ("SMA1").
const Magic uint32 = 0x534D4131

// Version is the current wire format version. Earlier prototype header
// layouts are superseded and not parsed.
const Version uint8 = 1

// HeaderSize is the fixed wire header length in bytes.
const HeaderSize = 16

// PacketType identifies the payload carried by a packet.
type PacketType byte

const (
	// PacketAudioRaw carries uncompressed little-endian PCM16.
	PacketAudioRaw PacketType = iota + 1
	// PacketAudioOpus carries one Opus frame.
	PacketAudioOpus
	// PacketControl carries control-plane messages (ping, pong, heartbeat).
	PacketControl
)

// Wire format errors.
var (
	// ErrInvalidPacket indicates bad magic, version, length or type.
	// Receivers discard such packets silently, counting them at most.
	ErrInvalidPacket = errors.New("invalid wire packet")

	// ErrPayloadTooLarge indicates a payload over the framer's maximum.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum")
)

// Packet is one parsed wire packet.
//
// Invariants: PayloadLen on the wire always equals len(Payload), and Seq
// increases by exactly one per packet sent on a stream, wrapping mod 65536.
type Packet struct {
	Type        PacketType
	StreamID    uint8
	Seq         uint16
	TimestampMs uint32
	TTL         uint8
	Payload     []byte
}

// Marshal serializes the packet. Header layout (network byte order):
//
//	magic(4) version(1) type(1) stream_id(1) seq(2) timestamp_ms(4) payload_len(2) ttl(1)
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.Payload) > 0xFFFF {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	buf[5] = byte(p.Type)
	buf[6] = p.StreamID
	binary.BigEndian.PutUint16(buf[7:9], p.Seq)
	binary.BigEndian.PutUint32(buf[9:13], p.TimestampMs)
	binary.BigEndian.PutUint16(buf[13:15], uint16(len(p.Payload)))
	buf[15] = p.TTL
	copy(buf[HeaderSize:], p.Payload)

	return buf, nil
}

// ParsePacket validates and parses one wire packet. Magic and version are
// checked before anything else; a mismatch yields ErrInvalidPacket and the
// caller discards the datagram.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrInvalidPacket, len(data), HeaderSize)
	}
	if binary.BigEndian.Uint32(data[0:4]) != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidPacket)
	}
	if data[4] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidPacket, data[4])
	}

	t := PacketType(data[5])
	if t < PacketAudioRaw || t > PacketControl {
		return nil, fmt.Errorf("%w: unknown type %d", ErrInvalidPacket, data[5])
	}

	payloadLen := int(binary.BigEndian.Uint16(data[13:15]))
	if HeaderSize+payloadLen != len(data) {
		return nil, fmt.Errorf("%w: payload_len %d does not match %d actual bytes",
			ErrInvalidPacket, payloadLen, len(data)-HeaderSize)
	}

	p := &Packet{
		Type:        t,
		StreamID:    data[6],
		Seq:         binary.BigEndian.Uint16(data[7:9]),
		TimestampMs: binary.BigEndian.Uint32(data[9:13]),
		TTL:         data[15],
		Payload:     make([]byte, payloadLen),
	}
	copy(p.Payload, data[HeaderSize:])

	return p, nil
}

// PeekStreamSeq reads the stream id and sequence number out of a raw
// datagram without a full parse. Relay and dedupe paths use it to key
// packets they forward unmodified.
func PeekStreamSeq(data []byte) (streamID uint8, seq uint16, ok bool) {
	if len(data) < HeaderSize ||
		binary.BigEndian.Uint32(data[0:4]) != Magic || data[4] != Version {
		return 0, 0, false
	}
	return data[6], binary.BigEndian.Uint16(data[7:9]), true
}

// DecrementTTL rewrites the TTL byte of a raw datagram in place,
// returning false when the packet is malformed or its TTL is already
// exhausted and must not be forwarded.
func DecrementTTL(data []byte) bool {
	if len(data) < HeaderSize ||
		binary.BigEndian.Uint32(data[0:4]) != Magic || data[4] != Version {
		return false
	}
	if data[15] <= 1 {
		return false
	}
	data[15]--
	return true
}

// Framer builds outgoing packets for one stream, assigning sequence
// numbers starting at 0 and wrapping mod 65536.
type Framer struct {
	streamID   uint8
	ttl        uint8
	maxPayload int
	seq        uint16
	now        func() uint32
}

// NewFramer creates a framer for the given stream with the given hop
// budget and payload ceiling.
func NewFramer(streamID, ttl uint8, maxPayload int) *Framer {
	return &Framer{
		streamID:   streamID,
		ttl:        ttl,
		maxPayload: maxPayload,
		now:        millisecondClock,
	}
}

func millisecondClock() uint32 {
	return uint32(time.Now().UnixMilli())
}

// Frame serializes payload into a wire packet, stamping the next sequence
// number and the current millisecond clock.
func (f *Framer) Frame(t PacketType, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidPacket)
	}
	if len(payload) > f.maxPayload {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(payload), f.maxPayload)
	}

	p := &Packet{
		Type:        t,
		StreamID:    f.streamID,
		Seq:         f.seq,
		TimestampMs: f.now(),
		TTL:         f.ttl,
		Payload:     payload,
	}
	f.seq++ // wraps mod 65536 by uint16 arithmetic

	return p.Marshal()
}

// Seq reports the sequence number the next Frame call will use.
func (f *Framer) Seq() uint16 {
	return f.seq
}

// Deframer tracks the receive side of one stream: it compares each
// incoming sequence number against the last seen and accounts for loss.
//
// A gap g with 0 < g < 100 counts g lost packets. Gaps of 100 or more are
// treated as a stream reset (sender restart or counter wrap glitch), not
// loss, so a rebooting transmitter does not spike the loss counter.
type Deframer struct {
	lastSeen uint16
	started  bool
	lost     uint64
}

// resetGap is the gap size at which a jump is a stream reset, not loss.
const resetGap = 100

// NewDeframer creates a fresh receive-side tracker.
func NewDeframer() *Deframer {
	return &Deframer{}
}

// Observe accounts one received sequence number, returning how many
// packets it implies were lost. The first packet on a stream initializes
// tracking without loss; lastSeen is updated unconditionally.
func (d *Deframer) Observe(seq uint16) int {
	if !d.started {
		d.started = true
		d.lastSeen = seq
		return 0
	}

	gap := int(seq - (d.lastSeen + 1)) // uint16 arithmetic handles wrap
	d.lastSeen = seq

	if gap > 0 && gap < resetGap {
		d.lost += uint64(gap)
		return gap
	}

	return 0
}

// Lost reports the total packets counted as lost on this stream.
func (d *Deframer) Lost() uint64 {
	return d.lost
}

// LastSeen reports the most recent sequence number observed.
func (d *Deframer) LastSeen() uint16 {
	return d.lastSeen
}
