package scheduler

import (
	"context"
	"sync"

	"github.com/rhizomehop/fetchd/pkg/rhizome"
)

type mockStore struct {
	mu          sync.Mutex
	versions    map[rhizome.BID]uint64
	validFHASH  map[rhizome.FHASH]bool
	imported    []*rhizome.Manifest
	importedTTL []uint8
	importErr   error
}

func newMockStore() *mockStore {
	return &mockStore{
		versions:   make(map[rhizome.BID]uint64),
		validFHASH: make(map[rhizome.FHASH]bool),
	}
}

func (s *mockStore) SelectVersion(_ context.Context, bid rhizome.BID) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[bid]
	return v, ok, nil
}

func (s *mockStore) HasValidPayload(_ context.Context, fhash rhizome.FHASH) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validFHASH[fhash], nil
}

func (s *mockStore) ImportBundle(_ context.Context, m *rhizome.Manifest, ttl uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.importErr != nil {
		return s.importErr
	}
	s.imported = append(s.imported, m)
	s.importedTTL = append(s.importedTTL, ttl)
	return nil
}

func (s *mockStore) importCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.imported)
}

type mockVerifier struct {
	mu      sync.Mutex
	fail    map[rhizome.BID]bool
	callCnt int
}

func newMockVerifier() *mockVerifier {
	return &mockVerifier{fail: make(map[rhizome.BID]bool)}
}

func (v *mockVerifier) Verify(m *rhizome.Manifest) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.callCnt++
	if v.fail[m.BID] {
		return rhizome.NewValidationError("signature check failed", &m.BID, nil)
	}
	return nil
}

type mockCodec struct {
	parse func([]byte) (*rhizome.Manifest, error)
}

func (c *mockCodec) ParseManifest(raw []byte) (*rhizome.Manifest, error) {
	if c.parse != nil {
		return c.parse(raw)
	}
	return nil, rhizome.NewValidationError("no parser configured", nil, nil)
}

func testManifest(bidByte byte, version uint64, payloadLength uint64, fhash string) *rhizome.Manifest {
	var bid rhizome.BID
	bid[0] = bidByte
	return &rhizome.Manifest{
		BID:           bid,
		Version:       version,
		PayloadLength: payloadLength,
		FHASH:         rhizome.FHASH(fhash),
		TTL:           5,
		SelfSigned:    true,
	}
}

func testConfig() *rhizome.Config {
	cfg := rhizome.DefaultConfig()
	cfg.QueueThresholds = []uint64{1000}
	cfg.QueueCapacities = []int{2, 2}
	cfg.FetchIntervalMS = 24 * 60 * 60 * 1000 // tests call Tick() explicitly
	cfg.ImportDir = "/tmp/rhizome-fetchd-test"
	return cfg
}
