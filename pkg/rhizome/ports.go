package rhizome

import "context"

// Store is the persistent bundle store (§6): a relational database of
// manifests and payload blobs keyed by content hash. It is an external
// collaborator — this module never opens a database connection.
type Store interface {
	// SelectVersion returns the highest known version for bid, or
	// found=false if no record exists. A non-nil err means "unknown",
	// never "absent" — callers must not cache an error as a miss.
	SelectVersion(ctx context.Context, bid BID) (version uint64, found bool, err error)

	// HasValidPayload reports whether a payload with this hash is
	// already stored with datavalid=1.
	HasValidPayload(ctx context.Context, fhash FHASH) (bool, error)

	// ImportBundle hands a fully-received manifest (with its
	// decremented store-and-forward ttl) to the store for persistence
	// and indexing.
	ImportBundle(ctx context.Context, m *Manifest, ttl uint8) error
}

// ManifestVerifier checks a manifest's embedded signature. Manifest
// parsing and signature verification are external collaborators (§6);
// this module only ever calls Verify, never inspects key material.
type ManifestVerifier interface {
	Verify(m *Manifest) error
}

// ManifestCodec parses a manifest from raw bytes, used by the
// manifest-by-prefix fetch path once a slot's body download completes.
type ManifestCodec interface {
	ParseManifest(raw []byte) (*Manifest, error)
}

// Clock abstracts wall-clock time so alarm math is testable without
// real sleeps.
type Clock interface {
	NowMS() int64
}

// Logger is the minimal sink the scheduler logs lifecycle events and
// admission/transfer outcomes through. The teacher has no structured
// logging dependency (see DESIGN.md) so this mirrors its bare-Printf
// texture rather than adopting one.
type Logger interface {
	Printf(format string, args ...interface{})
}

// NopLogger discards everything. Used as the default when callers
// don't supply one.
type NopLogger struct{}

// Printf implements Logger.
func (NopLogger) Printf(string, ...interface{}) {}
