package audio

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToneSourceContinuity(t *testing.T) {
	const sampleRate = 48000
	src := NewToneSource(440, sampleRate)

	first := make([]int16, 960)
	second := make([]int16, 960)
	require.NoError(t, src.ReadFrame(first))
	require.NoError(t, src.ReadFrame(second))

	// phase carries across frames: the first sample of the second frame
	// must continue the sine, not restart it
	expected := int16(math.Sin(2*math.Pi*440/sampleRate*960) * 16000)
	assert.InDelta(t, float64(expected), float64(second[0]), 2)

	// amplitude stays within the configured bound
	for _, s := range first {
		assert.LessOrEqual(t, int(s), 16000)
		assert.GreaterOrEqual(t, int(s), -16000)
	}
}

func TestToneSourceNotSilent(t *testing.T) {
	src := NewToneSource(440, 48000)
	buf := make([]int16, 960)
	require.NoError(t, src.ReadFrame(buf))

	var energy int64
	for _, s := range buf {
		energy += int64(s) * int64(s)
	}
	assert.Greater(t, energy, int64(0))
}

func TestAuxSourceReadsFrames(t *testing.T) {
	raw := []byte{0x01, 0x00, 0xFF, 0xFF, 0x00, 0x80, 0xFF, 0x7F}
	src := NewAuxSource(bytes.NewReader(raw))

	buf := make([]int16, 4)
	require.NoError(t, src.ReadFrame(buf))
	assert.Equal(t, []int16{1, -1, -32768, 32767}, buf)

	// stream exhausted: report no-data, not a fault
	err := src.ReadFrame(buf)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestAuxSourcePartialFrameIsNoData(t *testing.T) {
	src := NewAuxSource(bytes.NewReader([]byte{0x01, 0x00, 0x02}))

	buf := make([]int16, 4)
	err := src.ReadFrame(buf)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestUSBSourceReportsNoData(t *testing.T) {
	src := NewUSBSource()
	err := src.ReadFrame(make([]int16, 960))
	assert.ErrorIs(t, err, ErrNoData)
}

func TestWriterSinkSerializesFrames(t *testing.T) {
	var out bytes.Buffer
	sink := NewWriterSink(&out)

	require.NoError(t, sink.WriteFrame([]int16{1, -1, -32768, 32767}))
	assert.Equal(t, []byte{0x01, 0x00, 0xFF, 0xFF, 0x00, 0x80, 0xFF, 0x7F}, out.Bytes())
}

func TestApplyGain(t *testing.T) {
	tests := []struct {
		name        string
		in          []int16
		gain        float64
		want        []int16
		wantClipped int
	}{
		{
			name: "unity passthrough",
			in:   []int16{100, -100},
			gain: 1.0,
			want: []int16{100, -100},
		},
		{
			name: "doubling",
			in:   []int16{100, -200, 0},
			gain: 2.0,
			want: []int16{200, -400, 0},
		},
		{
			name:        "saturates at full scale",
			in:          []int16{20000, -20000, 1000},
			gain:        2.0,
			want:        []int16{32767, -32768, 2000},
			wantClipped: 2,
		},
		{
			name: "attenuation",
			in:   []int16{1000, -1000},
			gain: 0.5,
			want: []int16{500, -500},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples := make([]int16, len(tt.in))
			copy(samples, tt.in)

			clipped := ApplyGain(samples, tt.gain)
			assert.Equal(t, tt.want, samples)
			assert.Equal(t, tt.wantClipped, clipped)
		})
	}
}
