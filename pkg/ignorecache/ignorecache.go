// Package ignorecache implements the time-bounded negative cache
// (component C2) of bundle IDs that failed verification recently. See
// spec §4.2.
package ignorecache

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rhizomehop/fetchd/pkg/rhizome"
)

type entry struct {
	bid    rhizome.BID
	peer   string
	expiry time.Time
	set    bool
}

// Cache is a fixed BINS x ASSOCIATIVITY table keyed by the top bits of
// the BID's first byte (default 64x8 per spec).
type Cache struct {
	mu   sync.Mutex
	bins [][]entry
	bits int
}

// New creates a cache with the given bin/associativity geometry.
func New(bins, associativity int) *Cache {
	if bins <= 0 {
		bins = 1
	}
	if associativity <= 0 {
		associativity = 1
	}
	c := &Cache{
		bins: make([][]entry, bins),
		bits: log2(bins),
	}
	for i := range c.bins {
		c.bins[i] = make([]entry, associativity)
	}
	return c
}

func log2(n int) int {
	bits := 0
	for (1 << bits) < n {
		bits++
	}
	return bits
}

func (c *Cache) binIndex(bid rhizome.BID) int {
	if len(c.bins) <= 1 {
		return 0
	}
	return bid.TopBits(c.bits) % len(c.bins)
}

// IsIgnored reports whether bid has an unexpired entry, evaluated at
// the supplied time so tests can control expiry deterministically.
func (c *Cache) IsIgnored(bid rhizome.BID, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	bin := c.bins[c.binIndex(bid)]
	for i := range bin {
		if bin[i].set && bin[i].bid == bid {
			return bin[i].expiry.After(now)
		}
	}
	return false
}

// Ignore inserts bid with the given peer (informational only) and a
// ttl from now. An existing entry for the same BID is replaced in
// place; otherwise a random slot in the bin is overwritten.
func (c *Cache) Ignore(bid rhizome.BID, peer string, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bin := c.bins[c.binIndex(bid)]
	expiry := now.Add(ttl)

	for i := range bin {
		if bin[i].set && bin[i].bid == bid {
			bin[i].peer = peer
			bin[i].expiry = expiry
			return
		}
	}

	idx := rand.IntN(len(bin))
	bin[idx] = entry{bid: bid, peer: peer, expiry: expiry, set: true}
}
