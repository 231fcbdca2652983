package audio

import (
	"fmt"
	"sync"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
	"layeh.com/gopus"
)

// Codec converts between PCM frames and compressed payloads.
//
// Implementations keep whatever internal state their codec needs between
// calls, but each Encode/Decode is one frame in, one frame out. A Codec
// instance is owned by exactly one pipeline and is not shared.
type Codec interface {
	// Encode compresses one PCM frame.
	Encode(pcm []int16) ([]byte, error)
	// Decode expands one compressed frame back to PCM.
	Decode(data []byte) ([]int16, error)
	// MaxEncodedBytes is the ceiling on any Encode output length.
	MaxEncodedBytes() int
	// Close releases codec resources.
	Close() error
}

// OpusConfig carries the externally supplied codec parameters. Bitrate
// and complexity are configuration inputs, not pipeline decisions.
type OpusConfig struct {
	SampleRate int
	Channels   int
	FrameMs    int
	Bitrate    int
	Complexity int
	MaxBytes   int
}

// OpusCodec wraps an Opus encoder/decoder pair for the streaming pipeline.
//
// Encoding uses the libopus binding, decoding the pure Go pion/opus
// decoder. Both sides operate on the same fixed frame duration, so one
// encoded payload always expands back to exactly one PCM frame.
type OpusCodec struct {
	mu           sync.Mutex
	enc          *gopus.Encoder
	dec          *opus.Decoder
	sampleRate   int
	channels     int
	frameSamples int
	maxBytes     int
	decodeBuf    []byte
	closed       bool
}

// ValidFrameMs reports whether d is a frame duration Opus accepts.
// Opus frames must be 5, 10, 20, 40 or 60 ms (2.5 ms is excluded here
// because it is not expressible as a whole millisecond count).
func ValidFrameMs(d int) bool {
	switch d {
	case 5, 10, 20, 40, 60:
		return true
	}
	return false
}

// NewOpusCodec creates an Opus codec adapter for the given stream
// parameters. Failure here is fatal to pipeline creation.
func NewOpusCodec(cfg OpusConfig) (*OpusCodec, error) {
	logrus.WithFields(logrus.Fields{
		"function":    "NewOpusCodec",
		"sample_rate": cfg.SampleRate,
		"channels":    cfg.Channels,
		"frame_ms":    cfg.FrameMs,
		"bitrate":     cfg.Bitrate,
	}).Info("Creating Opus codec")

	if !ValidFrameMs(cfg.FrameMs) {
		return nil, fmt.Errorf("%w: %d ms (must be 5, 10, 20, 40 or 60)",
			ErrInvalidFrameSize, cfg.FrameMs)
	}
	if cfg.MaxBytes <= 0 {
		return nil, fmt.Errorf("max encoded bytes must be positive, got %d", cfg.MaxBytes)
	}

	enc, err := gopus.NewEncoder(cfg.SampleRate, cfg.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	enc.SetBitrate(cfg.Bitrate)
	// The encoder binding does not expose a complexity knob; cfg.Complexity
	// is carried for callers that swap in a binding that does.

	dec := opus.NewDecoder()

	c := &OpusCodec{
		enc:          enc,
		dec:          &dec,
		sampleRate:   cfg.SampleRate,
		channels:     cfg.Channels,
		frameSamples: cfg.SampleRate * cfg.FrameMs / 1000,
		maxBytes:     cfg.MaxBytes,
		decodeBuf:    make([]byte, cfg.SampleRate*cfg.FrameMs/1000*cfg.Channels*2),
	}

	logrus.WithFields(logrus.Fields{
		"function":      "NewOpusCodec",
		"frame_samples": c.frameSamples,
		"max_bytes":     c.maxBytes,
	}).Info("Opus codec created successfully")

	return c, nil
}

// Encode compresses one PCM frame. The frame must contain exactly the
// configured number of samples per channel.
func (c *OpusCodec) Encode(pcm []int16) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCodecClosed
	}
	if len(pcm) != c.frameSamples*c.channels {
		return nil, fmt.Errorf("%w: got %d samples, want %d",
			ErrInvalidFrameSize, len(pcm), c.frameSamples*c.channels)
	}

	data, err := c.enc.Encode(pcm, c.frameSamples, c.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("opus encode failed: %w", err)
	}

	return data, nil
}

// Decode expands one Opus frame to PCM. A malformed frame yields
// ErrDecodeFailed; the pipeline skips the frame and continues.
func (c *OpusCodec) Decode(data []byte) ([]int16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCodecClosed
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecodeFailed)
	}

	_, isStereo, err := c.dec.Decode(data, c.decodeBuf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}

	sampleCount := len(c.decodeBuf) / 2
	if isStereo {
		sampleCount /= 2
	}
	if sampleCount > c.frameSamples {
		sampleCount = c.frameSamples
	}

	pcm := make([]int16, sampleCount)
	for i := 0; i < sampleCount; i++ {
		pcm[i] = int16(c.decodeBuf[i*2]) | int16(c.decodeBuf[i*2+1])<<8
	}

	return pcm, nil
}

// MaxEncodedBytes returns the configured ceiling on encoded frame length.
func (c *OpusCodec) MaxEncodedBytes() int {
	return c.maxBytes
}

// Close releases the codec. Further calls return ErrCodecClosed.
func (c *OpusCodec) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	logrus.WithFields(logrus.Fields{
		"function": "OpusCodec.Close",
	}).Debug("Opus codec closed")

	return nil
}

// PCMCodec is a raw passthrough adapter: PCM samples are carried on the
// wire as little-endian bytes with no compression. Useful on links with
// bandwidth to spare and for loopback testing.
type PCMCodec struct {
	frameSamples int
	channels     int
}

// NewPCMCodec creates a passthrough codec for the given frame geometry.
func NewPCMCodec(frameSamples, channels int) *PCMCodec {
	return &PCMCodec{frameSamples: frameSamples, channels: channels}
}

// Encode packs samples into little-endian bytes.
func (c *PCMCodec) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != c.frameSamples*c.channels {
		return nil, fmt.Errorf("%w: got %d samples, want %d",
			ErrInvalidFrameSize, len(pcm), c.frameSamples*c.channels)
	}

	data := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data, nil
}

// Decode unpacks little-endian bytes back into samples.
func (c *PCMCodec) Decode(data []byte) ([]int16, error) {
	if len(data) == 0 || len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: payload length %d is not sample-aligned",
			ErrDecodeFailed, len(data))
	}

	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return pcm, nil
}

// MaxEncodedBytes is the raw frame size: passthrough does not compress.
func (c *PCMCodec) MaxEncodedBytes() int {
	return c.frameSamples * c.channels * 2
}

// Close is a no-op for the passthrough codec.
func (c *PCMCodec) Close() error {
	return nil
}
