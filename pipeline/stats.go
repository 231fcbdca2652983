package pipeline

import "sync/atomic"

// counters is the pipeline's live instrumentation. All fields are
// updated from the stage goroutines without locks.
type counters struct {
	framesCaptured atomic.Uint64
	framesEncoded  atomic.Uint64
	packetsSent    atomic.Uint64
	sendErrors     atomic.Uint64
	queueDrops     atomic.Uint64

	packetsReceived atomic.Uint64
	packetsLost     atomic.Uint64
	decodeErrors    atomic.Uint64
	framesDecoded   atomic.Uint64
	framesPlayed    atomic.Uint64
	jitterDrops     atomic.Uint64

	encodeUs atomic.Int64 // smoothed encode time per frame
	decodeUs atomic.Int64 // smoothed decode time per frame
}

// ewma folds a new microsecond sample into a smoothed counter with a
// 7/8 decay, matching the smoothing used for link latency.
func ewma(c *atomic.Int64, sampleUs int64) {
	for {
		old := c.Load()
		var next int64
		if old == 0 {
			next = sampleUs
		} else {
			next = (old*7 + sampleUs) / 8
		}
		if c.CompareAndSwap(old, next) {
			return
		}
	}
}

// Stats is a point-in-time snapshot of pipeline activity.
type Stats struct {
	FramesCaptured uint64
	FramesEncoded  uint64
	PacketsSent    uint64
	SendErrors     uint64

	// QueueDrops counts frames and packets rejected by a full pipeline
	// ring; the producer dropped rather than blocked.
	QueueDrops uint64

	PacketsReceived uint64
	PacketsLost     uint64
	DecodeErrors    uint64
	FramesDecoded   uint64
	FramesPlayed    uint64

	// JitterDrops counts decoded frames rejected by a full jitter buffer.
	JitterDrops     uint64
	JitterUnderruns uint32
	JitterOverruns  uint32

	// JitterFill and JitterCapacity are both in frames, so fill
	// percentage is JitterFill * 100 / JitterCapacity.
	JitterFill     int
	JitterCapacity int

	// EncodeUs and DecodeUs are smoothed per-frame codec times.
	EncodeUs int64
	DecodeUs int64
}
