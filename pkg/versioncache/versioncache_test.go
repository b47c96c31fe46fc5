package versioncache

import (
	"context"
	"errors"
	"testing"

	"github.com/rhizomehop/fetchd/pkg/rhizome"
)

type mockStore struct {
	versions map[rhizome.BID]uint64
	fail     bool
	calls    int
}

func newMockStore() *mockStore {
	return &mockStore{versions: make(map[rhizome.BID]uint64)}
}

func (s *mockStore) SelectVersion(_ context.Context, bid rhizome.BID) (uint64, bool, error) {
	s.calls++
	if s.fail {
		return 0, false, errors.New("db unavailable")
	}
	v, ok := s.versions[bid]
	return v, ok, nil
}

func (s *mockStore) HasValidPayload(context.Context, rhizome.FHASH) (bool, error) { return false, nil }
func (s *mockStore) ImportBundle(context.Context, *rhizome.Manifest, uint8) error { return nil }

func bidFrom(b byte) rhizome.BID {
	var id rhizome.BID
	id[0] = b
	return id
}

func TestLookupStoreUnknown(t *testing.T) {
	store := newMockStore()
	c := New(16, 4, store)

	m := &rhizome.Manifest{BID: bidFrom(1), Version: 5}
	verdict, err := c.Lookup(context.Background(), false, m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != HaveOlderOrNone {
		t.Fatalf("want HaveOlderOrNone, got %v", verdict)
	}
}

func TestLookupSupersededByStore(t *testing.T) {
	store := newMockStore()
	bid := bidFrom(2)
	store.versions[bid] = 7

	c := New(16, 4, store)
	m := &rhizome.Manifest{BID: bid, Version: 5}
	verdict, err := c.Lookup(context.Background(), false, m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != HaveEqualOrNewer {
		t.Fatalf("want HaveEqualOrNewer, got %v", verdict)
	}
}

func TestLookupStoreErrorPropagates(t *testing.T) {
	store := newMockStore()
	store.fail = true
	c := New(16, 4, store)

	m := &rhizome.Manifest{BID: bidFrom(3), Version: 1}
	_, err := c.Lookup(context.Background(), false, m)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !rhizome.IsRetryable(err) {
		t.Fatalf("store errors should be retryable")
	}
}

// TestStoreIdempotence is property P8: repeated Store calls with the
// same manifest leave subsequent Lookup results unchanged.
func TestStoreIdempotence(t *testing.T) {
	store := newMockStore()
	c := New(16, 4, store)
	bid := bidFrom(9)
	m := &rhizome.Manifest{BID: bid, Version: 42}

	for i := 0; i < 5; i++ {
		c.Store(m)
	}

	v, ok := c.peek(bid)
	if !ok || v != 42 {
		t.Fatalf("want cached version 42, got %d (ok=%v)", v, ok)
	}

	verdict, err := c.Lookup(context.Background(), true, &rhizome.Manifest{BID: bid, Version: 42})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != HaveEqualOrNewer {
		t.Fatalf("want HaveEqualOrNewer from a warm cache, got %v", verdict)
	}
	if store.calls != 0 {
		t.Fatalf("warm cache hit should not touch the store, got %d calls", store.calls)
	}
}

func TestStaleCacheRefreshesFromStore(t *testing.T) {
	store := newMockStore()
	bid := bidFrom(11)
	c := New(16, 4, store)

	// Seed the cache with a stale version.
	c.storeLocked(bid, 1)
	store.versions[bid] = 10

	verdict, err := c.Lookup(context.Background(), true, &rhizome.Manifest{BID: bid, Version: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != HaveEqualOrNewer {
		t.Fatalf("want HaveEqualOrNewer after refresh, got %v", verdict)
	}
	if store.calls != 1 {
		t.Fatalf("stale hit must fall through to the store, got %d calls", store.calls)
	}
	if v, _ := c.peek(bid); v != 10 {
		t.Fatalf("cache should have refreshed to 10, got %d", v)
	}
}

func TestBinIndexMatchesTopBits(t *testing.T) {
	store := newMockStore()
	c := New(4, 2, store) // bits=2

	var a, b rhizome.BID
	a[0] = 0b00_000000 // top 2 bits = 0
	b[0] = 0b11_000000 // top 2 bits = 3

	if c.binIndex(a) == c.binIndex(b) && a.TopBits(2) != b.TopBits(2) {
		t.Fatalf("distinct top-bit prefixes should not collide in a 4-bin cache")
	}
}
