package audio

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// JitterBuffer smooths playback against network arrival-time variance.
//
// It starts in a priming state: pops return silence while decoded frames
// accumulate, and real audio only flows once the fill reaches the prefill
// threshold. Prefill trades a fixed startup latency (prefill frames ×
// frame duration) for the elimination of most jitter-induced gaps. On
// underrun the buffer drops back to priming instead of resuming
// immediately, re-establishing the safety margin rather than glitching
// repeatedly off an empty buffer.
type JitterBuffer struct {
	mu sync.Mutex

	frames    [][]byte
	capacity  int // max depth in frames
	prefill   int // frames required before playback starts/resumes
	frameSize int // bytes per frame
	primed    bool

	underruns uint32
	overruns  uint32

	silence []byte
}

// NewJitterBuffer creates a jitter buffer holding up to capacityFrames
// frames of frameBytes each, priming at prefillFrames.
func NewJitterBuffer(capacityFrames, prefillFrames, frameBytes int) (*JitterBuffer, error) {
	if capacityFrames <= 0 || frameBytes <= 0 {
		return nil, ErrInvalidCapacity
	}
	if prefillFrames < 1 || prefillFrames > capacityFrames {
		return nil, ErrInvalidCapacity
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewJitterBuffer",
		"capacity":    capacityFrames,
		"prefill":     prefillFrames,
		"frame_bytes": frameBytes,
	}).Debug("Creating jitter buffer")

	return &JitterBuffer{
		frames:    make([][]byte, 0, capacityFrames),
		capacity:  capacityFrames,
		prefill:   prefillFrames,
		frameSize: frameBytes,
		silence:   make([]byte, frameBytes),
	}, nil
}

// Push appends one decoded PCM frame. When the buffer is at capacity the
// frame is rejected with ErrBufferFull and the overrun counter increments;
// the producer backs off rather than the buffer dropping oldest audio.
func (jb *JitterBuffer) Push(frame []byte) error {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if len(jb.frames) >= jb.capacity {
		jb.overruns++
		return ErrBufferFull
	}

	f := make([]byte, len(frame))
	copy(f, frame)
	jb.frames = append(jb.frames, f)

	return nil
}

// Pop returns the next frame for playback.
//
// While priming it returns silence and checks whether the fill has
// reached the prefill threshold. Once primed it returns the oldest
// buffered frame; a primed pop on an empty buffer counts an underrun,
// returns silence and drops back to priming.
func (jb *JitterBuffer) Pop() []byte {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if !jb.primed {
		if len(jb.frames) < jb.prefill {
			return jb.silence
		}
		jb.primed = true
		logrus.WithFields(logrus.Fields{
			"function": "JitterBuffer.Pop",
			"fill":     len(jb.frames),
		}).Debug("Jitter buffer primed")
	}

	if len(jb.frames) == 0 {
		jb.underruns++
		jb.primed = false
		return jb.silence
	}

	frame := jb.frames[0]
	jb.frames = jb.frames[1:]

	return frame
}

// Fill reports the current depth in frames.
func (jb *JitterBuffer) Fill() int {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return len(jb.frames)
}

// Capacity reports the fixed depth limit in frames.
func (jb *JitterBuffer) Capacity() int {
	return jb.capacity
}

// Primed reports whether real audio is currently flowing.
func (jb *JitterBuffer) Primed() bool {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.primed
}

// Underruns reports how often playback starved since creation.
func (jb *JitterBuffer) Underruns() uint32 {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.underruns
}

// Overruns reports how often a push was rejected since creation.
func (jb *JitterBuffer) Overruns() uint32 {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.overruns
}
