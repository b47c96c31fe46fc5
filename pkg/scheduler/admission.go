package scheduler

import (
	"context"

	"github.com/rhizomehop/fetchd/pkg/fetchqueue"
	"github.com/rhizomehop/fetchd/pkg/rhizome"
	"github.com/rhizomehop/fetchd/pkg/versioncache"
)

// Suggest offers (manifest, peer) to the scheduler: C4's admission
// algorithm (§4.3). priority is the candidate's queueing priority
// (lower is more urgent); pass 0 to use the configured default. It
// hops onto the core goroutine before touching any shared state.
func (m *Manager) Suggest(ctx context.Context, manifest *rhizome.Manifest, peer rhizome.Peer, priority int) (Outcome, error) {
	var outcome Outcome
	var err error
	m.do(func() { outcome, err = m.suggestLocked(ctx, manifest, peer, priority) })
	return outcome, err
}

// suggestLocked must only run on the core goroutine.
func (m *Manager) suggestLocked(ctx context.Context, manifest *rhizome.Manifest, peer rhizome.Peer, priority int) (Outcome, error) {
	if priority == 0 {
		priority = m.cfg.DefaultPriority
	}
	if manifest.FHASH != "" {
		// Canonicalize at the admission boundary so every downstream
		// comparison (in-flight slot matching, wire GET path) sees the
		// same uppercase form regardless of how the advertisement spelled it.
		manifest.FHASH = rhizome.CanonicalFHASH(string(manifest.FHASH))
	}

	// Step 1: already have an equal-or-newer version?
	verdict, err := m.versions.Lookup(ctx, m.cfg.UseVersionCache, manifest)
	if err != nil {
		m.recordError(err)
		m.recordDecision(manifest.BID, peer.String(), Rejected, "store lookup failed")
		return Rejected, err
	}
	if verdict == versioncache.HaveEqualOrNewer {
		m.recordDecision(manifest.BID, peer.String(), Rejected, "already have equal or newer version")
		return Rejected, nil
	}

	// Step 2: empty payload imports in-line, no queueing.
	if manifest.EmptyPayload() {
		if !manifest.SelfSigned {
			if err := m.verifier.Verify(manifest); err != nil {
				m.ignores.Ignore(manifest.BID, peer.String(), m.cfg.IgnoreTTL, toTime(m.clock.NowMS()))
				m.recordDecision(manifest.BID, peer.String(), Rejected, "signature verification failed")
				return Rejected, nil
			}
		}
		if err := m.store.ImportBundle(ctx, manifest, decTTL(manifest.TTL)); err != nil {
			wrapped := rhizome.NewStoreError(err)
			m.recordError(wrapped)
			m.recordDecision(manifest.BID, peer.String(), Rejected, "import failed")
			return Rejected, wrapped
		}
		m.versions.Store(manifest)
		m.recordDecision(manifest.BID, peer.String(), Imported, "empty payload")
		return Imported, nil
	}

	// Step 3: pick a queue by size class (Q2).
	qi, queueIndex, ok := m.queues.QueueFor(manifest.PayloadLength)
	if !ok {
		noQueueErr := rhizome.NewNoSuitableQueueError(manifest.PayloadLength)
		m.recordError(noQueueErr)
		m.recordDecision(manifest.BID, peer.String(), Rejected, "no queue admits this payload length")
		return Rejected, noQueueErr
	}

	// Step 4: scan every queue for duplicates, and find an insertion
	// point in Qi along the way.
	insertIdx := -1
	haveInsertIdx := false
	for qidx, q := range m.queues.Queues {
		i := 0
		for i < q.Len() {
			c := q.At(i)
			if c == nil {
				break
			}
			if c.Manifest.BID == manifest.BID {
				if c.Manifest.Version >= manifest.Version {
					m.recordDecision(manifest.BID, peer.String(), Rejected, "older or equal duplicate already queued")
					return Rejected, nil
				}
				if !manifest.SelfSigned {
					if err := m.verifier.Verify(manifest); err != nil {
						m.ignores.Ignore(manifest.BID, peer.String(), m.cfg.IgnoreTTL, toTime(m.clock.NowMS()))
						m.recordDecision(manifest.BID, peer.String(), Rejected, "signature verification failed")
						return Rejected, nil
					}
				}
				q.RemoveAt(i)
				continue // re-scan this index; tail has shifted left
			}
			if qidx == queueIndex && !haveInsertIdx && c.Priority > priority {
				insertIdx = i
				haveInsertIdx = true
			}
			i++
		}
	}
	if !haveInsertIdx && qi.Len() < qi.Capacity() {
		insertIdx = qi.Len()
		haveInsertIdx = true
	}

	// Step 5: queue full of equal-or-higher priority candidates.
	if !haveInsertIdx {
		fullErr := rhizome.NewQueueFullError(&manifest.BID)
		m.recordError(fullErr)
		m.recordDecision(manifest.BID, peer.String(), Rejected, "queue full of higher-priority candidates")
		return Rejected, fullErr
	}

	// Step 6: final verification.
	if !manifest.SelfSigned {
		if err := m.verifier.Verify(manifest); err != nil {
			m.ignores.Ignore(manifest.BID, peer.String(), m.cfg.IgnoreTTL, toTime(m.clock.NowMS()))
			m.recordDecision(manifest.BID, peer.String(), Rejected, "signature verification failed")
			return Rejected, nil
		}
	}

	// Step 7: insert, evicting the tail if the queue was full.
	qi.InsertAt(insertIdx, fetchqueue.Candidate{
		Manifest: manifest,
		Peer:     peer,
		Priority: priority,
	})

	m.refreshQueueMetrics()
	if m.metrics != nil {
		m.metrics.RecordAdmission(Enqueued)
	}
	m.recordDecision(manifest.BID, peer.String(), Enqueued, "queued")
	return Enqueued, nil
}

// CancelQueued removes a still-queued candidate by its hex-encoded BID,
// the administrative counterpart to Suggest: an operator (or a
// higher-level "withdraw this bundle" control op) parses a BID the
// same way an advertisement's own BID field would be parsed. Reports
// whether a matching candidate was found and removed.
func (m *Manager) CancelQueued(bidHex string) (bool, error) {
	bid, err := rhizome.BIDFromHex(bidHex)
	if err != nil {
		return false, rhizome.NewValidationError("malformed bid", nil, err)
	}
	var removed bool
	m.do(func() {
		qi, ei, found := m.queues.FindByBID(bid)
		if !found {
			return
		}
		m.queues.Queues[qi].RemoveAt(ei)
		removed = true
		m.refreshQueueMetrics()
	})
	return removed, nil
}

func decTTL(ttl uint8) uint8 {
	if ttl == 0 {
		return 0
	}
	return ttl - 1
}
