package scheduler

import (
	"context"

	"github.com/rhizomehop/fetchd/pkg/rhizome"
	"github.com/rhizomehop/fetchd/pkg/versioncache"
)

// tick is the fetch-driver timer body (§4.4): queues are visited in
// ascending size-threshold order, each draining its head while a slot
// remains available.
func (m *Manager) tick() {
	for qi := range m.queues.Queues {
		m.startNext(qi)
	}
	m.refreshQueueMetrics()
}

// startNext drains queue qi's head-of-line candidates into slots
// until one comes back SLOT_BUSY or the queue empties.
func (m *Manager) startNext(qi int) {
	q := m.queues.Queues[qi]
	for {
		head := q.Head()
		if head == nil {
			return
		}
		manifest, peer := head.Manifest, head.Peer
		outcome := m.tryFetchLocked(m.ctx, manifest, peer)
		if m.metrics != nil {
			m.metrics.RecordFetch(outcome)
		}
		if outcome == SlotBusy {
			return
		}
		// Every other outcome unqueues the head: STARTED/IMPORTED moved
		// the manifest into a slot or the store; every other outcome
		// means try_fetch is done with it (§9: the manifest pointer is
		// nulled/detached before this unqueue, never after).
		q.RemoveAt(0)
	}
}

// tryFetchLocked implements C5's try_fetch (§4.5). Must only run on
// the core goroutine.
func (m *Manager) tryFetchLocked(ctx context.Context, manifest *rhizome.Manifest, peer rhizome.Peer) Outcome {
	// 1. Empty payload imports in-line.
	if manifest.EmptyPayload() {
		if err := m.store.ImportBundle(ctx, manifest, decTTL(manifest.TTL)); err != nil {
			m.recordError(rhizome.NewStoreError(err))
			m.recordDecision(manifest.BID, peer.String(), FetchError, "import failed")
			return FetchError
		}
		m.versions.Store(manifest)
		m.recordDecision(manifest.BID, peer.String(), Imported, "empty payload")
		return Imported
	}

	// 2. Locate an eligible free slot sized for this payload (Q2).
	_, queueIndex, ok := m.queues.QueueFor(manifest.PayloadLength)
	if !ok {
		m.recordDecision(manifest.BID, peer.String(), FetchError, "no queue size class fits")
		return FetchError
	}
	slot, ok := m.allocateFreeSlot(queueIndex)
	if !ok {
		return SlotBusy
	}

	// 3. Already have an equal-or-newer version?
	verdict, err := m.versions.Lookup(ctx, m.cfg.UseVersionCache, manifest)
	if err != nil {
		m.recordError(err)
		m.recordDecision(manifest.BID, peer.String(), FetchError, "store lookup failed")
		return FetchError
	}
	if verdict == versioncache.HaveEqualOrNewer {
		m.recordDecision(manifest.BID, peer.String(), Superseded, "store already has equal or newer version")
		return Superseded
	}

	// 4. Compare against every other active slot's manifest for BID.
	for _, s := range m.slots {
		if s.free() || s.manifest == nil {
			continue
		}
		if s.manifest.BID != manifest.BID {
			continue
		}
		switch {
		case s.manifest.Version == manifest.Version:
			m.recordDecision(manifest.BID, peer.String(), SameBundle, "already in flight")
			return SameBundle
		case s.manifest.Version > manifest.Version:
			m.recordDecision(manifest.BID, peer.String(), NewerBundle, "in-flight transfer is newer")
			return NewerBundle
		default:
			m.recordDecision(manifest.BID, peer.String(), OlderBundle, "in-flight transfer is older")
			return OlderBundle
		}
	}

	// 5. No or malformed file hash, nothing to fetch.
	if !manifest.FHASH.Valid() {
		m.recordDecision(manifest.BID, peer.String(), FetchError, "manifest has no usable FHASH")
		return FetchError
	}

	// 6. Already have a valid payload for this hash?
	has, err := m.store.HasValidPayload(ctx, manifest.FHASH)
	if err != nil {
		m.recordError(rhizome.NewStoreError(err))
		m.recordDecision(manifest.BID, peer.String(), FetchError, "store payload check failed")
		return FetchError
	}
	if has {
		if err := m.store.ImportBundle(ctx, manifest, decTTL(manifest.TTL)); err != nil {
			m.recordError(rhizome.NewStoreError(err))
			m.recordDecision(manifest.BID, peer.String(), FetchError, "import failed")
			return FetchError
		}
		m.versions.Store(manifest)
		m.recordDecision(manifest.BID, peer.String(), Imported, "payload already stored")
		return Imported
	}

	// 7. Already downloading this exact payload elsewhere.
	for _, s := range m.slots {
		if s.free() {
			continue
		}
		if s.fhash == manifest.FHASH {
			m.recordDecision(manifest.BID, peer.String(), SamePayload, "payload already in flight")
			return SamePayload
		}
	}

	// 8. Start the transfer.
	if err := m.startPayloadTransfer(slot, manifest, peer); err != nil {
		slot.reset()
		m.recordError(err)
		m.recordDecision(manifest.BID, peer.String(), FetchError, "failed to start transfer")
		return FetchError
	}
	m.recordDecision(manifest.BID, peer.String(), Started, "transfer started")
	return Started
}
