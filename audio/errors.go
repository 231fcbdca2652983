package audio

import "errors"

// Sentinel errors for audio package operations.
// These errors enable reliable error classification using errors.Is().

// Ring buffer errors.
var (
	// ErrBufferFull indicates a write would exceed the buffer capacity.
	// The write is rejected whole; nothing is partially applied.
	ErrBufferFull = errors.New("ring buffer full")

	// ErrBufferEmpty indicates a read found no data available.
	ErrBufferEmpty = errors.New("ring buffer empty")

	// ErrItemHeld indicates ReceiveItem was called while a previous
	// item has not been returned yet.
	ErrItemHeld = errors.New("previous item not returned")

	// ErrConsumerBound indicates a consumer wake channel is already registered.
	ErrConsumerBound = errors.New("consumer already registered")

	// ErrWrongMode indicates a stream operation on an item buffer or vice versa.
	ErrWrongMode = errors.New("operation not valid for buffer mode")

	// ErrInvalidCapacity indicates a zero or negative buffer capacity.
	ErrInvalidCapacity = errors.New("invalid buffer capacity")
)

// Codec errors.
var (
	// ErrCodecClosed indicates use of a codec after Close.
	ErrCodecClosed = errors.New("codec is closed")

	// ErrInvalidFrameSize indicates a PCM frame whose duration is not
	// a valid codec frame duration.
	ErrInvalidFrameSize = errors.New("invalid codec frame size")

	// ErrDecodeFailed indicates a malformed or corrupt compressed frame.
	ErrDecodeFailed = errors.New("frame decode failed")
)

// Source errors.
var (
	// ErrNoData indicates the source produced no samples this cycle.
	// The caller treats it as "try again next cycle", not a fault.
	ErrNoData = errors.New("no audio data available")
)
