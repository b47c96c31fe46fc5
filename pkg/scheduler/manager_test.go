package scheduler

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/rhizomehop/fetchd/pkg/rhizome"
)

// startEchoServer serves one HTTP/1.0 response per accepted connection
// built from body, closing the connection once the response is
// written (matching the "no keep-alive" semantics this transfer path
// expects from a peer).
func startEchoServer(t *testing.T, body string) rhizome.Peer {
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
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil || line == "\r\n" || line == "\n" {
						break
					}
				}
				resp := fmt.Sprintf("HTTP/1.0 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
				c.Write([]byte(resp))
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	ip, _ := netip.AddrFromSlice(addr.IP.To4())
	return rhizome.Peer{Addr: ip, Port: uint16(addr.Port)}
}

func waitUntilSlotsFree(t *testing.T, m *Manager, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		stats := m.Stats()
		allFree := true
		for _, s := range stats.SlotStates {
			if s != SlotFree {
				allFree = false
				break
			}
		}
		if allFree {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("slots never returned to FREE within %s", timeout)
}

// Scenario 5: happy-path HTTP/1.0 payload fetch and import.
func TestEndToEndPayloadFetchImports(t *testing.T) {
	cfg := testConfig()
	cfg.QueueThresholds = nil
	cfg.QueueCapacities = []int{1}
	cfg.FetchIntervalMS = 10
	cfg.ImportDir = t.TempDir()
	store := newMockStore()
	m := New(cfg, store, newMockVerifier(), &mockCodec{})
	defer m.Close()
	ctx := context.Background()

	peer := startEchoServer(t, "hello")
	manifest := testManifest(0x90, 1, 5, "cafef00d")
	if outcome, err := m.Suggest(ctx, manifest, peer, 0); err != nil || outcome != Enqueued {
		t.Fatalf("want Enqueued, got %v err=%v", outcome, err)
	}
	m.Tick() // move the candidate into the slot before waiting on it

	waitUntilSlotsFree(t, m, 2*time.Second)

	if store.importCount() != 1 {
		t.Fatalf("want 1 import after the transfer completes, got %d", store.importCount())
	}

	decisions, err := m.RecentDecisions()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, d := range decisions {
		if d.Outcome == Imported.String() {
			found = true
		}
	}
	if !found {
		t.Fatalf("want an Imported decision in the audit trail, got %+v", decisions)
	}
}

// Scenario 6: a slot whose peer never responds closes once the idle
// deadline elapses, rather than hanging forever.
func TestSlotClosesOnIdleTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.QueueThresholds = nil
	cfg.QueueCapacities = []int{1}
	cfg.FetchIntervalMS = 10
	cfg.IdleTimeout = 50 * time.Millisecond
	cfg.ImportDir = t.TempDir()
	store := newMockStore()
	m := New(cfg, store, newMockVerifier(), &mockCodec{})
	defer m.Close()
	ctx := context.Background()

	peer := startStubPeer(t) // accepts, reads, never responds

	manifest := testManifest(0x91, 1, 5, "deadbeef")
	if outcome, err := m.Suggest(ctx, manifest, peer, 0); err != nil || outcome != Enqueued {
		t.Fatalf("want Enqueued, got %v err=%v", outcome, err)
	}
	m.Tick() // move the candidate into the slot before waiting on it

	waitUntilSlotsFree(t, m, 2*time.Second)

	if store.importCount() != 0 {
		t.Fatalf("want no import after an idle timeout, got %d", store.importCount())
	}
	decisions, err := m.RecentDecisions()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sawFailure := false
	for _, d := range decisions {
		if d.Outcome == FetchError.String() {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatalf("want a FetchError decision recorded after the idle timeout, got %+v", decisions)
	}
}

func TestRequestManifestByPrefixParsesAndReenters(t *testing.T) {
	cfg := testConfig()
	cfg.QueueThresholds = nil
	cfg.QueueCapacities = []int{1}
	cfg.ImportDir = t.TempDir()
	store := newMockStore()

	parsed := testManifest(0xA0, 1, 0, "") // empty payload: re-entry imports immediately
	codec := &mockCodec{parse: func(raw []byte) (*rhizome.Manifest, error) {
		return parsed, nil
	}}
	m := New(cfg, store, newMockVerifier(), codec)
	defer m.Close()

	peer := startEchoServer(t, "manifest-bytes")
	outcome := m.RequestManifestByPrefix("a0a0a0", peer)
	if outcome != Started {
		t.Fatalf("want Started, got %v", outcome)
	}

	waitUntilSlotsFree(t, m, 2*time.Second)
	if store.importCount() != 1 {
		t.Fatalf("want the re-entered empty-payload manifest imported, got %d imports", store.importCount())
	}
}

func TestStatsReportsSlotAndQueueOccupancy(t *testing.T) {
	m, _, _ := newTestManager(t)
	stats := m.Stats()
	if len(stats.QueueDepths) == 0 || len(stats.SlotStates) == 0 {
		t.Fatalf("want non-empty stats, got %+v", stats)
	}
	for _, s := range stats.SlotStates {
		if s != SlotFree {
			t.Fatalf("want every slot FREE on a fresh manager, got %v", s)
		}
	}
}
