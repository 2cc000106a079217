// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

// Package dedup suppresses redundant writes: two change events with the
// same fingerprint inside a short window collapse into one. The scan
// driver produces such pairs whenever ticks overlap.
package dedup

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Fingerprint is a 128-bit digest of (key, kind, value-bytes), formed
// from two independently seeded xxhash sums.
type Fingerprint [16]byte

const (
	seedLo = 0x9E3779B97F4A7C15
	seedHi = 0xC2B2AE3D27D4EB4F
)

// Sum fingerprints a change event. key and kind are folded in ahead of
// the payload with NUL separators so (key, kind) pairs cannot alias.
func Sum(key, kind string, payload []byte) Fingerprint {
	var fp Fingerprint

	lo := xxhash.NewWithSeed(seedLo)
	hi := xxhash.NewWithSeed(seedHi)
	for _, d := range []*xxhash.Digest{lo, hi} {
		d.WriteString(key)
		d.Write([]byte{0})
		d.WriteString(kind)
		d.Write([]byte{0})
		d.Write(payload)
	}

	putUint64(fp[:8], lo.Sum64())
	putUint64(fp[8:], hi.Sum64())
	return fp
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

// Cache is the bounded recent-change set. Entries evict by age (the
// window) and by count (LRU); both bounds are enforced by the expirable
// LRU underneath, which tolerates concurrent readers.
type Cache struct {
	window time.Duration
	lru    *expirable.LRU[Fingerprint, time.Time]
}

func NewCache(maxEntries int, window time.Duration) *Cache {
	return &Cache{
		window: window,
		lru:    expirable.NewLRU[Fingerprint, time.Time](maxEntries, nil, window),
	}
}

// Seen reports whether fp was recorded inside the window, recording it
// as a side effect. The first caller gets false and owns the write; any
// repeat within the window gets true and drops its event.
func (c *Cache) Seen(fp Fingerprint) bool {
	now := time.Now()
	if at, ok := c.lru.Get(fp); ok && now.Sub(at) <= c.window {
		return true
	}
	c.lru.Add(fp, now)
	return false
}

func (c *Cache) Len() int { return c.lru.Len() }
