package scheduler

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"

	"github.com/rhizomehop/fetchd/pkg/rhizome"
)

// startStubPeer runs a bare TCP server that accepts connections and
// reads whatever the client sends, but never writes a response — it
// keeps a slot parked in RX_HEADERS until the test tears it down.
func startStubPeer(t *testing.T) rhizome.Peer {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(io.Discard, c)
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	ip, ok := netip.AddrFromSlice(addr.IP.To4())
	if !ok {
		t.Fatalf("stub peer address is not IPv4: %v", addr.IP)
	}
	return rhizome.Peer{Addr: ip, Port: uint16(addr.Port)}
}

func TestTickDrainsRejectedHeadCandidate(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	// No FHASH: tryFetchLocked rejects before ever touching a slot, but
	// the candidate is still drained off the queue's head.
	manifest := testManifest(0x50, 1, 500, "")
	if outcome, err := m.Suggest(ctx, manifest, testPeer(), 0); err != nil || outcome != Enqueued {
		t.Fatalf("want Enqueued, got %v err=%v", outcome, err)
	}

	m.Tick()

	stats := m.Stats()
	if stats.QueueDepths[0] != 0 {
		t.Fatalf("want the queue drained after tick, got depth %d", stats.QueueDepths[0])
	}
}

func TestTickReportsSlotBusyWithoutDrainingQueue(t *testing.T) {
	cfg := testConfig()
	cfg.QueueThresholds = nil
	cfg.QueueCapacities = []int{2} // one unbounded queue, one slot total
	store := newMockStore()
	m := New(cfg, store, newMockVerifier(), &mockCodec{})
	defer m.Close()
	ctx := context.Background()
	peer := startStubPeer(t)

	first := testManifest(0x60, 1, 500, "deadbeef")
	if outcome, err := m.Suggest(ctx, first, peer, 0); err != nil || outcome != Enqueued {
		t.Fatalf("want Enqueued, got %v err=%v", outcome, err)
	}
	m.Tick() // dials the stub peer and parks the only slot in RX_HEADERS

	second := testManifest(0x61, 1, 500, "cafebabe")
	if outcome, err := m.Suggest(ctx, second, peer, 0); err != nil || outcome != Enqueued {
		t.Fatalf("want Enqueued, got %v err=%v", outcome, err)
	}
	m.Tick()

	stats := m.Stats()
	if stats.QueueDepths[0] == 0 {
		t.Fatalf("want the second candidate still queued behind the busy slot")
	}
}

func TestTryFetchRejectsSupersededVersion(t *testing.T) {
	cfg := testConfig()
	cfg.QueueThresholds = nil
	cfg.QueueCapacities = []int{1}
	store := newMockStore()
	var bid rhizome.BID
	bid[0] = 0x80
	store.versions[bid] = 9

	m := New(cfg, store, newMockVerifier(), &mockCodec{})
	defer m.Close()
	ctx := context.Background()

	// Bypass admission (which would already reject this) to exercise
	// the driver's own independent supersession check directly.
	manifest := &rhizome.Manifest{BID: bid, Version: 3, PayloadLength: 500, FHASH: "x", SelfSigned: true, TTL: 5}
	outcome := m.tryFetchForTest(ctx, manifest, testPeer())
	if outcome != Superseded {
		t.Fatalf("want Superseded, got %v", outcome)
	}
}

// tryFetchForTest exposes tryFetchLocked under the core goroutine for
// driver-only test scenarios that don't want to go through Suggest.
func (m *Manager) tryFetchForTest(ctx context.Context, manifest *rhizome.Manifest, peer rhizome.Peer) Outcome {
	var outcome Outcome
	m.do(func() { outcome = m.tryFetchLocked(ctx, manifest, peer) })
	return outcome
}
