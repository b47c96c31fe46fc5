package ignorecache

import (
	"testing"
	"time"

	"github.com/rhizomehop/fetchd/pkg/rhizome"
)

func bidFrom(b byte) rhizome.BID {
	var id rhizome.BID
	id[0] = b
	return id
}

func TestIgnoreThenLookup(t *testing.T) {
	c := New(64, 8)
	bid := bidFrom(0x42)
	now := time.Unix(1000, 0)

	if c.IsIgnored(bid, now) {
		t.Fatalf("fresh cache should not ignore anything")
	}

	c.Ignore(bid, "10.0.0.1:4110", 60*time.Second, now)

	if !c.IsIgnored(bid, now.Add(30*time.Second)) {
		t.Fatalf("entry should be ignored before expiry")
	}
	if c.IsIgnored(bid, now.Add(61*time.Second)) {
		t.Fatalf("entry should no longer be ignored after expiry")
	}
}

func TestIgnoreReplacesSameBID(t *testing.T) {
	c := New(64, 8)
	bid := bidFrom(0x7)
	now := time.Unix(2000, 0)

	c.Ignore(bid, "peer-a", 10*time.Second, now)
	c.Ignore(bid, "peer-b", 10*time.Second, now)

	// Count the BID's entries in its bin to confirm it wasn't duplicated
	// into a second slot (it should have been updated in place).
	bin := c.bins[c.binIndex(bid)]
	count := 0
	for _, e := range bin {
		if e.set && e.bid == bid {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one entry for the BID, found %d", count)
	}
}

func TestDistinctBinsDoNotCollide(t *testing.T) {
	c := New(64, 8)
	now := time.Unix(0, 0)

	var a, b rhizome.BID
	a[0] = 0b000000_00 // bin 0
	b[0] = 0b111111_00 // bin 63

	c.Ignore(a, "p1", time.Minute, now)

	if c.IsIgnored(b, now) {
		t.Fatalf("unrelated BID in a different bin should not be ignored")
	}
}
