// Package versioncache implements the bounded set-associative cache
// (component C1) that short-circuits repeated store lookups for
// bundles whose version this node has already seen. See spec §4.1.
package versioncache

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/rhizomehop/fetchd/pkg/rhizome"
)

// Verdict is the outcome of a Lookup.
type Verdict int

const (
	// HaveEqualOrNewer means the store (or cache) already holds a
	// version at least as new as the one being offered.
	HaveEqualOrNewer Verdict = iota
	// HaveOlderOrNone means the offered version is newer than
	// anything known, or nothing is known at all.
	HaveOlderOrNone
)

const prefixLen = 24

type entry struct {
	prefix  [prefixLen]byte
	version uint64
	set     bool
}

// Cache is a BINS x ASSOCIATIVITY array mapping a BID prefix to the
// highest known version. Entries start zero; the all-zero entry never
// matches a real 24-byte prefix, so no validity bit is needed — except
// we do track `set` explicitly to avoid a real all-zero BID ever being
// treated as empty, which is safer than relying on the coincidence.
type Cache struct {
	mu    sync.Mutex
	bins  [][]entry
	store rhizome.Store
	bits  int // log2(len(bins))
}

// New creates a cache with the given bin/associativity geometry. bins
// must be a power of two.
func New(bins, associativity int, store rhizome.Store) *Cache {
	if bins <= 0 {
		bins = 1
	}
	if associativity <= 0 {
		associativity = 1
	}
	c := &Cache{
		bins:  make([][]entry, bins),
		store: store,
		bits:  log2(bins),
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

// lookupBin scans a bin for a full 24-byte-prefix match. A mismatch on
// any byte moves on to the next associative slot — never a partial
// "break early but still count this as i==24" shortcut (spec §9).
func lookupBin(bin []entry, prefix []byte) (int, bool) {
	for i := range bin {
		if !bin[i].set {
			continue
		}
		match := true
		for j := 0; j < prefixLen && j < len(prefix); j++ {
			if bin[i].prefix[j] != prefix[j] {
				match = false
				break
			}
		}
		if match {
			return i, true
		}
	}
	return -1, false
}

// Lookup classifies an offered manifest against what this node already
// knows. When the cache is disabled it always queries the store, which
// still satisfies the contract (spec §4.1 allows this). When enabled,
// a cache hit whose version is stale relative to the manifest is
// refreshed from the store rather than answered from memory, so a
// stale cache can never answer HaveEqualOrNewer on its own.
func (c *Cache) Lookup(ctx context.Context, enabled bool, m *rhizome.Manifest) (Verdict, error) {
	if enabled {
		if v, ok := c.peek(m.BID); ok {
			if v >= m.Version {
				return HaveEqualOrNewer, nil
			}
			// Cached version is older than the offer: fall through to
			// the store instead of trusting a possibly-stale entry.
		}
	}

	version, found, err := c.store.SelectVersion(ctx, m.BID)
	if err != nil {
		return HaveOlderOrNone, rhizome.NewStoreError(err)
	}
	if !found {
		return HaveOlderOrNone, nil
	}
	if enabled {
		c.storeLocked(m.BID, version)
	}
	if version >= m.Version {
		return HaveEqualOrNewer, nil
	}
	return HaveOlderOrNone, nil
}

func (c *Cache) peek(bid rhizome.BID) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bin := c.bins[c.binIndex(bid)]
	prefix := bid.Prefix(prefixLen)
	if i, ok := lookupBin(bin, prefix); ok {
		return bin[i].version, true
	}
	return 0, false
}

// Store inserts or overwrites a random slot in the bid's bin with its
// prefix and version. Repeated Store calls with the same manifest
// leave subsequent Lookup results unchanged (P8): if an entry for this
// BID already exists it is updated in place rather than duplicated
// into a second random slot.
func (c *Cache) Store(m *rhizome.Manifest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(m.BID, m.Version)
}

func (c *Cache) storeLocked(bid rhizome.BID, version uint64) {
	bin := c.bins[c.binIndex(bid)]
	prefix := bid.Prefix(prefixLen)
	if i, ok := lookupBin(bin, prefix); ok {
		bin[i].version = version
		return
	}
	idx := rand.IntN(len(bin))
	copy(bin[idx].prefix[:], prefix)
	bin[idx].version = version
	bin[idx].set = true
}
