package rhizome

import "time"

// Config collects every tunable of the fetch scheduler. There is no
// env var or CLI surface for this subsystem (spec §6); callers build
// one Config literal and hand it to the scheduler.
type Config struct {
	// QueueThresholds gives the strictly ascending payload-size upper
	// bound for each queue except the last, which is unbounded
	// (Invariant Q2). Default: 10_000, 100_000, 1_000_000, 10_000_000.
	QueueThresholds []uint64

	// QueueCapacities gives the fixed candidate-array capacity for
	// each queue, same length as QueueThresholds+1. Default: 5,4,3,2,1.
	QueueCapacities []int

	// DefaultPriority is used when a caller does not specify one.
	DefaultPriority int

	// FetchIntervalMS is the fetch-driver tick period.
	FetchIntervalMS int64

	// IdleTimeout bounds how long a slot may sit without a successful
	// read or write before it is closed (RHIZOME_IDLE_TIMEOUT).
	IdleTimeout time.Duration

	// IgnoreTTL is how long a BID that failed verification stays in
	// the ignore cache.
	IgnoreTTL time.Duration

	// VersionCacheBins/Associativity size C1 (must be a power of two
	// for bin indexing via top bits).
	VersionCacheBins          int
	VersionCacheAssociativity int

	// UseVersionCache enables the in-memory short-circuit path ahead
	// of the store query. The spec allows bypassing it unconditionally
	// (the "safer default", §9); default false.
	UseVersionCache bool

	// IgnoreCacheBins/Associativity size C2 (default 64x8 per spec).
	IgnoreCacheBins          int
	IgnoreCacheAssociativity int

	// ImportDir is where temporary payload/manifest files are written.
	ImportDir string

	// MaxManifestBytes bounds a manifest-by-prefix slot's body size.
	MaxManifestBytes uint64

	// DialTimeout bounds the initial TCP connect.
	DialTimeout time.Duration
}

// DefaultConfig returns the configuration described throughout the
// spec's worked examples.
func DefaultConfig() *Config {
	return &Config{
		QueueThresholds:           []uint64{10_000, 100_000, 1_000_000, 10_000_000},
		QueueCapacities:           []int{5, 4, 3, 2, 1},
		DefaultPriority:           100,
		FetchIntervalMS:           5_000,
		IdleTimeout:               30 * time.Second,
		IgnoreTTL:                 60 * time.Second,
		VersionCacheBins:          256,
		VersionCacheAssociativity: 4,
		UseVersionCache:           false,
		IgnoreCacheBins:           64,
		IgnoreCacheAssociativity:  8,
		ImportDir:                 "./import",
		MaxManifestBytes:          8192,
		DialTimeout:               10 * time.Second,
	}
}
