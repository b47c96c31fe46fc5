package scheduler

import (
	"context"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rhizomehop/fetchd/internal/audit"
	"github.com/rhizomehop/fetchd/pkg/fetchqueue"
	"github.com/rhizomehop/fetchd/pkg/ignorecache"
	"github.com/rhizomehop/fetchd/pkg/rhizome"
	"github.com/rhizomehop/fetchd/pkg/versioncache"
)

// Manager owns every piece of mutable scheduler state — queues, slots,
// caches — and mutates it from exactly one goroutine (m.run), the
// realization of spec §5's single-threaded cooperative model. Every
// other method hops onto that goroutine via m.do before touching
// state, the same request/response-over-a-channel idiom beenet's
// ContentFetcher uses for its response handlers.
type Manager struct {
	cfg      *rhizome.Config
	store    rhizome.Store
	verifier rhizome.ManifestVerifier
	codec    rhizome.ManifestCodec
	clock    rhizome.Clock
	logger   rhizome.Logger
	metrics  *Metrics
	audit    *audit.Log

	queues   *fetchqueue.Set
	versions *versioncache.Cache
	ignores  *ignorecache.Cache
	slots    []*Slot
	errStats *rhizome.ErrorStats

	ctx    context.Context
	cancel context.CancelFunc
	cmdCh  chan func()
	events chan slotEvent
	doneCh chan struct{}
	wg     errgroup.Group
}

// New builds a Manager with the given collaborators and starts its
// core goroutine. cfg, store, and verifier must be non-nil; codec is
// stored as given and must be non-nil before a manifest-by-prefix
// transfer completes. clock and logger default to the system clock and
// a no-op logger; metrics stay disabled until SetMetrics.
func New(cfg *rhizome.Config, store rhizome.Store, verifier rhizome.ManifestVerifier, codec rhizome.ManifestCodec) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:      cfg,
		store:    store,
		verifier: verifier,
		codec:    codec,
		clock:    rhizome.SystemClock{},
		logger:   rhizome.NopLogger{},
		audit:    audit.New(256),
		queues:   fetchqueue.NewSet(cfg.QueueThresholds, cfg.QueueCapacities),
		versions: versioncache.New(cfg.VersionCacheBins, cfg.VersionCacheAssociativity, store),
		ignores:  ignorecache.New(cfg.IgnoreCacheBins, cfg.IgnoreCacheAssociativity),
		errStats: rhizome.NewErrorStats(),
		ctx:      ctx,
		cancel:   cancel,
		cmdCh:    make(chan func()),
		events:   make(chan slotEvent, 32),
		doneCh:   make(chan struct{}),
	}
	m.slots = make([]*Slot, len(m.queues.Queues))
	for i := range m.slots {
		m.slots[i] = &Slot{index: i, queueIndex: i, state: SlotFree}
	}

	go m.run()
	return m
}

// SetLogger overrides the default no-op logger.
func (m *Manager) SetLogger(l rhizome.Logger) { m.do(func() { m.logger = l }) }

// SetClock overrides the default system clock (for deterministic
// timestamps and ignore-cache expiry).
func (m *Manager) SetClock(c rhizome.Clock) { m.do(func() { m.clock = c }) }

// SetMetrics attaches a Metrics instance; nil disables metrics.
func (m *Manager) SetMetrics(metrics *Metrics) { m.do(func() { m.metrics = metrics }) }

// run is the single core goroutine: every queue/slot/cache mutation in
// this package happens only while executing inside this loop, whether
// triggered by an external call (via cmdCh), a completed transfer (via
// events), or the periodic fetch-driver timer.
func (m *Manager) run() {
	defer close(m.doneCh)
	interval := time.Duration(m.cfg.FetchIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case fn := <-m.cmdCh:
			fn()
		case ev := <-m.events:
			m.handleSlotEvent(ev)
		case <-ticker.C:
			m.tick()
		}
	}
}

// do submits fn to the core goroutine and blocks until it has run.
// Safe to call from any goroutine except the core's own: a re-entrant
// call from inside a handler would block forever, so internal code
// calls the Locked variants directly instead.
func (m *Manager) do(fn func()) {
	done := make(chan struct{})
	select {
	case m.cmdCh <- func() { fn(); close(done) }:
	case <-m.ctx.Done():
		return
	}
	select {
	case <-done:
	case <-m.ctx.Done():
	}
}

// emit delivers a slot event to the core loop; called only from
// per-slot I/O goroutines.
func (m *Manager) emit(ev slotEvent) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

// Close stops the core goroutine, cancels every in-flight slot
// transfer, and waits for their I/O goroutines to unwind via an
// errgroup fan-in before returning.
func (m *Manager) Close() error {
	m.cancel()
	<-m.doneCh
	return m.wg.Wait()
}

// AnyFetchActive reports whether at least one slot is non-FREE.
func (m *Manager) AnyFetchActive() bool {
	var active bool
	m.do(func() {
		for _, s := range m.slots {
			if !s.free() {
				active = true
				return
			}
		}
	})
	return active
}

// Stats is a point-in-time snapshot of queue occupancy and slot state,
// used by tests and the cmd/ wiring demo.
type Stats struct {
	QueueDepths []int
	SlotStates  []SlotState
}

// Stats returns a snapshot of current queue and slot occupancy.
func (m *Manager) Stats() Stats {
	var s Stats
	m.do(func() {
		s.QueueDepths = make([]int, len(m.queues.Queues))
		for i, q := range m.queues.Queues {
			s.QueueDepths[i] = q.Len()
		}
		s.SlotStates = make([]SlotState, len(m.slots))
		for i, sl := range m.slots {
			s.SlotStates[i] = sl.state
		}
	})
	return s
}

// RecentDecisions returns the audit trail of recent admission/fetch
// decisions, oldest first.
func (m *Manager) RecentDecisions() ([]audit.Record, error) {
	return m.audit.Recent()
}

// ErrorStats returns a snapshot of every error recorded since startup,
// accumulated from rejected admissions and failed slot transfers (§7).
func (m *Manager) ErrorStats() rhizome.ErrorStats {
	var snap rhizome.ErrorStats
	m.do(func() {
		snap.ByCode = make(map[rhizome.ErrCode]uint64, len(m.errStats.ByCode))
		for k, v := range m.errStats.ByCode {
			snap.ByCode[k] = v
		}
		snap.ByPeer = make(map[string]uint64, len(m.errStats.ByPeer))
		for k, v := range m.errStats.ByPeer {
			snap.ByPeer[k] = v
		}
		snap.LastError = m.errStats.LastError
		snap.LastErrorTime = m.errStats.LastErrorTime
	})
	return snap
}

// recordError folds a failure into the running error-stats accumulator.
// Must only run on the core goroutine.
func (m *Manager) recordError(err error) {
	if err == nil {
		return
	}
	m.errStats.Record(err)
}

// Tick forces an immediate fetch-driver pass without waiting for the
// periodic timer, used by tests that want deterministic timing.
func (m *Manager) Tick() {
	m.do(func() { m.tick() })
}

func toTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func (m *Manager) recordDecision(bid rhizome.BID, peer string, outcome Outcome, detail string) {
	_ = m.audit.Append(audit.Record{
		TimestampMS: m.clock.NowMS(),
		BIDHex:      bid.Hex(),
		Peer:        peer,
		Outcome:     outcome.String(),
		Detail:      detail,
	})
}

func (m *Manager) refreshQueueMetrics() {
	if m.metrics == nil {
		return
	}
	active := 0
	for i, q := range m.queues.Queues {
		m.metrics.SetQueueDepth(i, q.Len())
	}
	for _, s := range m.slots {
		if !s.free() {
			active++
		}
	}
	m.metrics.SetActiveSlots(active)
}

// removeTempFile best-effort deletes a slot's temp file; failures are
// logged, never fatal (the file will be overwritten on next use).
func (m *Manager) removeTempFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Printf("rhizome: failed to remove temp file %s: %v", path, err)
	}
}
