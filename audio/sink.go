package audio

import (
	"fmt"
	"io"
)

// Sink consumes one PCM frame per call. The playback collaborator's
// write (I2S DMA, sound server, pipe) may block; that blocking is what
// paces the playback stage.
type Sink interface {
	WriteFrame(pcm []int16) error
}

// WriterSink streams frames as little-endian PCM16 bytes to w.
type WriterSink struct {
	w   io.Writer
	buf []byte
}

// NewWriterSink wraps w as a PCM frame sink.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// WriteFrame serializes and writes one frame.
func (s *WriterSink) WriteFrame(pcm []int16) error {
	need := len(pcm) * 2
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	raw := s.buf[:need]

	for i, sample := range pcm {
		raw[i*2] = byte(sample)
		raw[i*2+1] = byte(sample >> 8)
	}

	if _, err := s.w.Write(raw); err != nil {
		return fmt.Errorf("sink write failed: %w", err)
	}

	return nil
}

// NullSink discards frames. Used when a node has no playback hardware
// or when the output path is disabled.
type NullSink struct{}

// NewNullSink creates a discarding sink.
func NewNullSink() *NullSink {
	return &NullSink{}
}

// WriteFrame discards the frame.
func (s *NullSink) WriteFrame(pcm []int16) error {
	return nil
}

// ApplyGain scales samples in place with saturation, returning how many
// samples clipped. I2S DACs without hardware volume need this to bring
// the decoder output up to line level.
func ApplyGain(samples []int16, gain float64) int {
	if gain == 1.0 {
		return 0
	}

	clipped := 0
	for i, sample := range samples {
		v := float64(sample) * gain
		switch {
		case v > 32767:
			samples[i] = 32767
			clipped++
		case v < -32768:
			samples[i] = -32768
			clipped++
		default:
			samples[i] = int16(v)
		}
	}

	return clipped
}
