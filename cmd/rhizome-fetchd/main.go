// Command rhizome-fetchd runs the payload fetch scheduler as a
// standalone process: an in-memory store stand-in, a Prometheus
// metrics endpoint, and one seed candidate offered to the scheduler on
// startup so the fetch-driver loop has something to do.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhizomehop/fetchd/pkg/rhizome"
	"github.com/rhizomehop/fetchd/pkg/scheduler"
)

func main() {
	defaultSeedBID := rhizome.BID{0: 0x01}
	var (
		metricsAddr = flag.String("metrics-addr", "127.0.0.1:9477", "address to serve /metrics on")
		importDir   = flag.String("import-dir", "./import", "directory for in-flight payload/manifest temp files")
		idleTimeout = flag.Duration("idle-timeout", 30*time.Second, "per-slot idle deadline")
		fetchPeriod = flag.Duration("fetch-period", 5*time.Second, "fetch-driver tick period")
		seedBIDHex  = flag.String("seed-bid", defaultSeedBID.Hex(), "hex-encoded BID of the seed candidate offered at startup")
	)
	flag.Parse()

	cfg := rhizome.DefaultConfig()
	cfg.ImportDir = *importDir
	cfg.IdleTimeout = *idleTimeout
	cfg.FetchIntervalMS = fetchPeriod.Milliseconds()

	store := newMemStore()
	verifier := selfSignedOnlyVerifier{}
	codec := unsupportedCodec{}

	m := scheduler.New(cfg, store, verifier, codec)
	m.SetLogger(stdLogger{})

	registry := prometheus.NewRegistry()
	metrics := scheduler.NewMetrics(registry, prometheus.Labels{"node": "rhizome-fetchd"})
	m.SetMetrics(metrics)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats := m.Stats()
		fmt.Fprintf(w, "queue depths: %v\n", stats.QueueDepths)
		fmt.Fprintf(w, "slot states: %v\n", stats.SlotStates)
	})
	mux.HandleFunc("/errors", func(w http.ResponseWriter, r *http.Request) {
		stats := m.ErrorStats()
		fmt.Fprintf(w, "total: %d\n", stats.Total())
		fmt.Fprintf(w, "by code: %v\n", stats.ByCode)
		fmt.Fprintf(w, "by peer: %v\n", stats.ByPeer)
		if stats.LastError != nil {
			fmt.Fprintf(w, "last error: %v (at %s)\n", stats.LastError, stats.LastErrorTime)
		}
	})
	mux.HandleFunc("/cancel", func(w http.ResponseWriter, r *http.Request) {
		bidHex := r.URL.Query().Get("bid")
		removed, err := m.CancelQueued(bidHex)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, "removed: %v\n", removed)
	})
	httpServer := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("rhizome-fetchd: metrics server: %v", err)
		}
	}()
	log.Printf("rhizome-fetchd: metrics/stats listening on %s", *metricsAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seeds, err := seedCandidates(*seedBIDHex)
	if err != nil {
		log.Fatalf("rhizome-fetchd: -seed-bid: %v", err)
	}
	for _, seed := range seeds {
		outcome, err := m.Suggest(ctx, seed.manifest, seed.peer, seed.priority)
		if err != nil {
			log.Printf("rhizome-fetchd: seed candidate %s rejected: %v", seed.manifest.BID.Hex(), err)
			continue
		}
		log.Printf("rhizome-fetchd: seed candidate %s -> %s", seed.manifest.BID.Hex(), outcome)
	}

	<-ctx.Done()
	log.Printf("rhizome-fetchd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)

	if err := m.Close(); err != nil {
		log.Printf("rhizome-fetchd: scheduler shutdown: %v", err)
	}
}

type seedCandidate struct {
	manifest *rhizome.Manifest
	peer     rhizome.Peer
	priority int
}

func seedCandidates(bidHex string) ([]seedCandidate, error) {
	bid, err := rhizome.BIDFromHex(bidHex)
	if err != nil {
		return nil, err
	}

	addr := netip.MustParseAddr("127.0.0.1")
	peer := rhizome.Peer{Addr: addr, Port: 4110}

	manifest := &rhizome.Manifest{
		BID:           bid,
		Version:       1,
		PayloadLength: 0,
		SelfSigned:    true,
		TTL:           5,
	}
	return []seedCandidate{{manifest: manifest, peer: peer, priority: 100}}, nil
}

// memStore is a process-local stand-in for the real bundle database
// described in §6; it exists so this binary runs without an external
// dependency, not as a production store.
type memStore struct {
	mu         sync.Mutex
	versions   map[rhizome.BID]uint64
	validFHASH map[rhizome.FHASH]bool
}

func newMemStore() *memStore {
	return &memStore{
		versions:   make(map[rhizome.BID]uint64),
		validFHASH: make(map[rhizome.FHASH]bool),
	}
}

func (s *memStore) SelectVersion(_ context.Context, bid rhizome.BID) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[bid]
	return v, ok, nil
}

func (s *memStore) HasValidPayload(_ context.Context, fhash rhizome.FHASH) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validFHASH[fhash], nil
}

func (s *memStore) ImportBundle(_ context.Context, m *rhizome.Manifest, ttl uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[m.BID] = m.Version
	if m.FHASH != "" {
		s.validFHASH[m.FHASH] = true
	}
	log.Printf("rhizome-fetchd: imported bid=%s version=%d ttl=%d", m.BID.Hex(), m.Version, ttl)
	return nil
}

// selfSignedOnlyVerifier rejects anything not marked self-signed; a
// real deployment plugs in Ed25519 signature verification here (§6).
type selfSignedOnlyVerifier struct{}

func (selfSignedOnlyVerifier) Verify(m *rhizome.Manifest) error {
	if m.SelfSigned {
		return nil
	}
	return rhizome.NewValidationError("no verifier configured for non-self-signed manifests", &m.BID, nil)
}

// unsupportedCodec refuses manifest-by-prefix bodies until a wire
// codec is wired in; RequestManifestByPrefix is simply unused by this
// demo binary.
type unsupportedCodec struct{}

func (unsupportedCodec) ParseManifest(raw []byte) (*rhizome.Manifest, error) {
	return nil, rhizome.NewValidationError("no manifest codec configured", nil, nil)
}

type stdLogger struct{}

func (stdLogger) Printf(format string, args ...interface{}) { log.Printf(format, args...) }
