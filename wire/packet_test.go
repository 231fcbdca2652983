package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		packet Packet
	}{
		{
			name: "opus frame",
			packet: Packet{
				Type:        PacketAudioOpus,
				StreamID:    1,
				Seq:         42,
				TimestampMs: 123456,
				TTL:         6,
				Payload:     []byte{0xDE, 0xAD, 0xBE, 0xEF},
			},
		},
		{
			name: "raw pcm frame",
			packet: Packet{
				Type:        PacketAudioRaw,
				StreamID:    7,
				Seq:         65535,
				TimestampMs: 0,
				TTL:         1,
				Payload:     make([]byte, 960),
			},
		},
		{
			name: "control message",
			packet: Packet{
				Type:        PacketControl,
				StreamID:    1,
				Seq:         0,
				TimestampMs: 999,
				TTL:         6,
				Payload:     []byte{0x01},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.packet.Marshal()
			require.NoError(t, err)
			assert.Equal(t, HeaderSize+len(tt.packet.Payload), len(data))

			parsed, err := ParsePacket(data)
			require.NoError(t, err)
			assert.Equal(t, tt.packet.Type, parsed.Type)
			assert.Equal(t, tt.packet.StreamID, parsed.StreamID)
			assert.Equal(t, tt.packet.Seq, parsed.Seq)
			assert.Equal(t, tt.packet.TimestampMs, parsed.TimestampMs)
			assert.Equal(t, tt.packet.TTL, parsed.TTL)
			assert.Equal(t, tt.packet.Payload, parsed.Payload)
		})
	}
}

func TestParsePacketRejectsMalformed(t *testing.T) {
	valid, err := (&Packet{
		Type:     PacketAudioOpus,
		StreamID: 1,
		Seq:      1,
		TTL:      6,
		Payload:  []byte{1, 2, 3},
	}).Marshal()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{
			name:   "truncated header",
			mutate: func(d []byte) []byte { return d[:HeaderSize-1] },
		},
		{
			name: "bad magic",
			mutate: func(d []byte) []byte {
				d[0] = 0xFF
				return d
			},
		},
		{
			name: "wrong version",
			mutate: func(d []byte) []byte {
				d[4] = Version + 1
				return d
			},
		},
		{
			name: "unknown type",
			mutate: func(d []byte) []byte {
				d[5] = 0x99
				return d
			},
		},
		{
			name: "payload length mismatch",
			mutate: func(d []byte) []byte {
				d[14] = 0xFF
				return d
			},
		},
		{
			name:   "truncated payload",
			mutate: func(d []byte) []byte { return d[:len(d)-1] },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, len(valid))
			copy(data, valid)

			_, err := ParsePacket(tt.mutate(data))
			assert.ErrorIs(t, err, ErrInvalidPacket)
		})
	}
}

func TestFramerSequencesFromZero(t *testing.T) {
	f := NewFramer(1, 6, 512)
	f.now = func() uint32 { return 1000 }

	for want := uint16(0); want < 5; want++ {
		data, err := f.Frame(PacketAudioOpus, []byte{0xAB})
		require.NoError(t, err)

		p, err := ParsePacket(data)
		require.NoError(t, err)
		assert.Equal(t, want, p.Seq)
		assert.Equal(t, uint32(1000), p.TimestampMs)
		assert.Equal(t, uint8(1), p.StreamID)
		assert.Equal(t, uint8(6), p.TTL)
	}
}

func TestFramerSequenceWraps(t *testing.T) {
	f := NewFramer(1, 6, 512)
	f.seq = 65535

	data, err := f.Frame(PacketAudioOpus, []byte{1})
	require.NoError(t, err)
	p, err := ParsePacket(data)
	require.NoError(t, err)
	assert.Equal(t, uint16(65535), p.Seq)

	data, err = f.Frame(PacketAudioOpus, []byte{2})
	require.NoError(t, err)
	p, err = ParsePacket(data)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), p.Seq)
}

func TestFramerRejectsOversizedPayload(t *testing.T) {
	f := NewFramer(1, 6, 512)

	_, err := f.Frame(PacketAudioOpus, make([]byte, 513))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = f.Frame(PacketAudioOpus, make([]byte, 512))
	assert.NoError(t, err)
}

func TestFramerRejectsEmptyPayload(t *testing.T) {
	f := NewFramer(1, 6, 512)

	_, err := f.Frame(PacketAudioOpus, nil)
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func TestDeframerCountsGaps(t *testing.T) {
	d := NewDeframer()

	assert.Equal(t, 0, d.Observe(0))
	assert.Equal(t, 0, d.Observe(1))
	assert.Equal(t, 0, d.Observe(2))
	// 3 and 4 never arrive
	assert.Equal(t, 2, d.Observe(5))

	assert.Equal(t, uint64(2), d.Lost())
	assert.Equal(t, uint16(5), d.LastSeen())
}

func TestDeframerHandlesWrap(t *testing.T) {
	d := NewDeframer()

	d.Observe(65534)
	assert.Equal(t, 0, d.Observe(65535))
	assert.Equal(t, 0, d.Observe(0))
	assert.Equal(t, 0, d.Observe(1))
	assert.Equal(t, uint64(0), d.Lost())
}

func TestDeframerWrapWithLoss(t *testing.T) {
	d := NewDeframer()

	d.Observe(65535)
	// 0 and 1 lost across the wrap
	assert.Equal(t, 2, d.Observe(2))
	assert.Equal(t, uint64(2), d.Lost())
}

func TestDeframerTreatsLargeGapAsReset(t *testing.T) {
	d := NewDeframer()

	d.Observe(500)
	assert.Equal(t, 0, d.Observe(0), "sender restart must not count as loss")
	assert.Equal(t, uint64(0), d.Lost())
	assert.Equal(t, uint16(0), d.LastSeen())

	// tracking resumes normally from the new position
	assert.Equal(t, 0, d.Observe(1))
	assert.Equal(t, 1, d.Observe(3))
	assert.Equal(t, uint64(1), d.Lost())
}

func TestPeekStreamSeq(t *testing.T) {
	data, err := (&Packet{
		Type:     PacketAudioOpus,
		StreamID: 9,
		Seq:      777,
		TTL:      6,
		Payload:  []byte{1},
	}).Marshal()
	require.NoError(t, err)

	stream, seq, ok := PeekStreamSeq(data)
	require.True(t, ok)
	assert.Equal(t, uint8(9), stream)
	assert.Equal(t, uint16(777), seq)

	_, _, ok = PeekStreamSeq(data[:HeaderSize-1])
	assert.False(t, ok)

	data[0] = 0xFF
	_, _, ok = PeekStreamSeq(data)
	assert.False(t, ok)
}

func TestDecrementTTL(t *testing.T) {
	build := func(ttl uint8) []byte {
		data, err := (&Packet{Type: PacketAudioOpus, TTL: ttl, Payload: []byte{1}}).Marshal()
		require.NoError(t, err)
		return data
	}

	data := build(6)
	require.True(t, DecrementTTL(data))
	p, err := ParsePacket(data)
	require.NoError(t, err)
	assert.Equal(t, uint8(5), p.TTL)

	// a packet on its last hop must not be forwarded again
	assert.False(t, DecrementTTL(build(1)))
	assert.False(t, DecrementTTL(build(0)))
	assert.False(t, DecrementTTL(build(6)[:HeaderSize-1]))
}

func TestDeframerIgnoresDuplicatesAndReorders(t *testing.T) {
	d := NewDeframer()

	d.Observe(10)
	assert.Equal(t, 0, d.Observe(10), "duplicate is not loss")
	assert.Equal(t, 0, d.Observe(9), "late packet is not loss")
	assert.Equal(t, uint64(0), d.Lost())
}
