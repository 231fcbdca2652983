package audio

import (
	"sync"
)

// Mode selects how a RingBuffer treats writes.
type Mode int

const (
	// ModeStream is a continuous byte stream: reads can span multiple
	// writes. Use for PCM audio.
	ModeStream Mode = iota

	// ModeItem keeps every write as one discrete item: a receive gets
	// exactly what was sent. Use for variable-length compressed frames.
	ModeItem
)

// RingBuffer is a fixed-capacity single-producer/single-consumer queue
// with an attached consumer wake channel.
//
// A write that would overflow is rejected whole rather than blocking or
// truncating: the producer side of an audio pipeline must never stall.
// Reads never block either; absence of data is reported as ErrBufferEmpty
// and waiting-with-timeout is layered above by the pipeline.
type RingBuffer struct {
	mu       sync.Mutex
	mode     Mode
	capacity int

	// Stream mode state.
	buf  []byte
	head int
	size int

	// Item mode state. Capacity is accounted in bytes; an item's bytes
	// are released when the item is returned, not when it is received.
	items     [][]byte
	itemBytes int
	held      bool

	consumer chan<- struct{}
}

// NewRingBuffer creates a ring buffer with the given byte capacity and mode.
func NewRingBuffer(capacity int, mode Mode) (*RingBuffer, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}

	rb := &RingBuffer{
		mode:     mode,
		capacity: capacity,
	}
	if mode == ModeStream {
		rb.buf = make([]byte, capacity)
	}

	return rb, nil
}

// SetConsumer binds the wake channel of the single consumer task.
// At most one consumer may be registered at a time; pass nil to unbind.
//
// The wake is idempotent, not a counted semaphore: writes perform a
// non-blocking send, so multiple wakes before consumption collapse into
// one. The consumer must therefore always drain the buffer to empty.
func (rb *RingBuffer) SetConsumer(wake chan<- struct{}) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if wake != nil && rb.consumer != nil {
		return ErrConsumerBound
	}
	rb.consumer = wake

	return nil
}

// Write appends data to the buffer, failing with ErrBufferFull when the
// remaining capacity is insufficient. On success the registered consumer
// is notified. In item mode the data becomes one atomic item.
func (rb *RingBuffer) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	rb.mu.Lock()

	if rb.mode == ModeItem {
		if rb.itemBytes+len(data) > rb.capacity {
			rb.mu.Unlock()
			return ErrBufferFull
		}
		item := make([]byte, len(data))
		copy(item, data)
		rb.items = append(rb.items, item)
		rb.itemBytes += len(data)
	} else {
		if rb.size+len(data) > rb.capacity {
			rb.mu.Unlock()
			return ErrBufferFull
		}
		pos := (rb.head + rb.size) % rb.capacity
		n := copy(rb.buf[pos:], data)
		if n < len(data) {
			copy(rb.buf, data[n:])
		}
		rb.size += len(data)
	}

	wake := rb.consumer
	rb.mu.Unlock()

	if wake != nil {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	return nil
}

// Read returns up to max bytes currently available from a stream buffer,
// or ErrBufferEmpty if none. The unread remainder of any larger block
// stays queued for the next read; nothing is ever silently discarded.
func (rb *RingBuffer) Read(max int) ([]byte, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.mode != ModeStream {
		return nil, ErrWrongMode
	}
	if rb.size == 0 {
		return nil, ErrBufferEmpty
	}

	n := max
	if n > rb.size {
		n = rb.size
	}

	out := make([]byte, n)
	c := copy(out, rb.buf[rb.head:min(rb.head+n, rb.capacity)])
	if c < n {
		copy(out[c:], rb.buf)
	}
	rb.head = (rb.head + n) % rb.capacity
	rb.size -= n

	return out, nil
}

// ReceiveItem returns the oldest whole item from an item buffer, or
// ErrBufferEmpty. The caller must call ReturnItem before receiving the
// next one; the buffer is single-buffered on the consumer side.
func (rb *RingBuffer) ReceiveItem() ([]byte, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.mode != ModeItem {
		return nil, ErrWrongMode
	}
	if rb.held {
		return nil, ErrItemHeld
	}
	if len(rb.items) == 0 {
		return nil, ErrBufferEmpty
	}

	item := rb.items[0]
	rb.items = rb.items[1:]
	rb.held = true

	return item, nil
}

// ReturnItem releases the item obtained from ReceiveItem, freeing its
// capacity for new writes.
func (rb *RingBuffer) ReturnItem(item []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.held {
		return
	}
	rb.held = false
	rb.itemBytes -= len(item)
	if rb.itemBytes < 0 {
		rb.itemBytes = 0
	}
}

// Available reports the queued size in bytes. For item buffers this
// includes bytes of a received-but-not-returned item.
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.mode == ModeItem {
		return rb.itemBytes
	}
	return rb.size
}

// Capacity reports the fixed buffer capacity in bytes.
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}
