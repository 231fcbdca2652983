package transport

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Deduper suppresses re-delivery of packets a relaying mesh has already
// carried past this node. Broadcast relay means every packet can arrive
// multiple times over different paths; the cache remembers recently seen
// (stream, seq) pairs and the bounded LRU keeps memory flat on
// long-running nodes.
type Deduper struct {
	cache *lru.Cache[uint32, struct{}]
}

// NewDeduper creates a dedupe cache remembering the last size packets.
func NewDeduper(size int) (*Deduper, error) {
	cache, err := lru.New[uint32, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Deduper{cache: cache}, nil
}

// Seen reports whether the (stream, seq) pair was already observed, and
// records it either way. The first caller for a pair gets false, every
// later caller true until the entry ages out.
func (d *Deduper) Seen(streamID uint8, seq uint16) bool {
	key := uint32(streamID)<<16 | uint32(seq)

	if d.cache.Contains(key) {
		return true
	}
	d.cache.Add(key, struct{}{})
	return false
}

// Len reports the current number of remembered packets.
func (d *Deduper) Len() int {
	return d.cache.Len()
}
