package audio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

// Source produces one PCM frame per call. Implementations wrap the
// capture side collaborators (line input, USB host, test tone); a
// blocking implementation provides its own pacing, a non-blocking one
// relies on the capture loop's frame cadence.
type Source interface {
	// ReadFrame fills buf with one frame of samples. ErrNoData means
	// nothing was captured this cycle and the caller should retry later.
	ReadFrame(buf []int16) error
}

// ToneSource generates a continuous sine wave, the firmware test signal.
// Phase is carried across frames so there is no discontinuity at frame
// boundaries.
type ToneSource struct {
	mu        sync.Mutex
	phase     float64
	increment float64
	amplitude float64
}

// NewToneSource creates a sine source at freqHz for the given sample rate.
func NewToneSource(freqHz float64, sampleRate int) *ToneSource {
	return &ToneSource{
		increment: 2 * math.Pi * freqHz / float64(sampleRate),
		amplitude: 16000, // ~50% of full scale, headroom against clipping
	}
}

// SetFrequency retunes the oscillator, resetting phase to avoid a click.
func (s *ToneSource) SetFrequency(freqHz float64, sampleRate int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.increment = 2 * math.Pi * freqHz / float64(sampleRate)
	s.phase = 0
}

// ReadFrame fills buf with the next slice of the sine wave.
func (s *ToneSource) ReadFrame(buf []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range buf {
		buf[i] = int16(math.Sin(s.phase) * s.amplitude)
		s.phase += s.increment
		if s.phase >= 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}

	return nil
}

// AuxSource adapts a little-endian PCM16 byte stream (line input driver,
// file, pipe) into frame-sized reads. The underlying reader's blocking
// behavior provides capture pacing, like a hardware FIFO.
type AuxSource struct {
	r   io.Reader
	buf []byte
}

// NewAuxSource wraps r as a PCM frame source.
func NewAuxSource(r io.Reader) *AuxSource {
	return &AuxSource{r: r}
}

// ReadFrame reads exactly one frame of samples from the stream.
// A clean EOF maps to ErrNoData so the capture loop idles instead of
// treating end-of-input as a pipeline fault.
func (s *AuxSource) ReadFrame(buf []int16) error {
	need := len(buf) * 2
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	raw := s.buf[:need]

	if _, err := io.ReadFull(s.r, raw); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrNoData
		}
		return fmt.Errorf("aux read failed: %w", err)
	}

	for i := range buf {
		buf[i] = int16(raw[i*2]) | int16(raw[i*2+1])<<8
	}

	return nil
}

// USBSource is the USB audio input. Host-side enumeration is owned by an
// external collaborator; until one is attached every read reports
// ErrNoData and the capture loop paces itself with silence.
type USBSource struct{}

// NewUSBSource creates the placeholder USB input.
func NewUSBSource() *USBSource {
	return &USBSource{}
}

// ReadFrame reports ErrNoData until a USB host collaborator is attached.
func (s *USBSource) ReadFrame(buf []int16) error {
	return ErrNoData
}
