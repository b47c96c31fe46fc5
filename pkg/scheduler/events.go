package scheduler

import (
	"os"

	"github.com/rhizomehop/fetchd/internal/integrity"
	"github.com/rhizomehop/fetchd/pkg/rhizome"
)

// handleSlotEvent applies one slotEvent to Manager state. Only ever
// called from the core goroutine (m.run's select loop).
func (m *Manager) handleSlotEvent(ev slotEvent) {
	if ev.slot < 0 || ev.slot >= len(m.slots) {
		return
	}
	slot := m.slots[ev.slot]

	switch ev.kind {
	case evStateChange:
		slot.state = ev.state
		return
	case evError:
		m.failSlot(slot, ev.err)
	case evDone:
		m.completeSlot(slot, ev.digest)
	}
}

// failSlot logs the failure, tears the slot down, and invites smaller
// queues to retry (a free slot newly available may now serve them).
func (m *Manager) failSlot(slot *Slot, err error) {
	peer := slot.peer.String()
	m.recordError(err)
	m.logger.Printf("rhizome: slot %d transfer failed: %v", slot.index, err)
	if slot.manifest != nil {
		m.recordDecision(slot.manifest.BID, peer, FetchError, err.Error())
	} else {
		m.logger.Printf("rhizome: manifest-by-prefix fetch from %s failed: %v", peer, err)
	}
	m.removeTempFile(slot.tempPath)
	m.freeSlotAndInvite(slot)
}

// completeSlot handles a finished transfer: a payload fetch is handed
// to the store; a manifest-by-prefix fetch is parsed and re-enters
// admission (§4.6's body-complete handler, supplemented from
// original_source/rhizome_fetch.c's request_manifest_by_prefix path).
func (m *Manager) completeSlot(slot *Slot, digest string) {
	peer := slot.peer

	if slot.manifest != nil {
		manifest := slot.manifest
		if err := m.verifyPayload(slot.tempPath, digest); err != nil {
			m.recordError(err)
			m.logger.Printf("rhizome: integrity check failed for bid=%s: %v", manifest.BID.Hex(), err)
			m.recordDecision(manifest.BID, peer.String(), FetchError, "payload digest mismatch after transfer")
		} else if err := m.store.ImportBundle(m.ctx, manifest, decTTL(slot.ttl)); err != nil {
			wrapped := rhizome.NewStoreError(err)
			m.recordError(wrapped)
			m.logger.Printf("rhizome: import failed for bid=%s: %v", manifest.BID.Hex(), err)
			m.recordDecision(manifest.BID, peer.String(), FetchError, "import failed after transfer")
		} else {
			m.versions.Store(manifest)
			m.recordDecision(manifest.BID, peer.String(), Imported, "payload transfer complete, digest="+digest)
		}
		m.removeTempFile(slot.tempPath)
		m.freeSlotAndInvite(slot)
		return
	}

	// Manifest-by-prefix mode: parse what was downloaded and re-enter
	// admission with the same peer.
	raw, err := os.ReadFile(slot.tempPath)
	if err != nil {
		m.logger.Printf("rhizome: reading downloaded manifest-by-prefix body: %v", err)
		m.removeTempFile(slot.tempPath)
		m.freeSlotAndInvite(slot)
		return
	}
	m.removeTempFile(slot.tempPath)

	parsed, err := m.codec.ParseManifest(raw)
	if err != nil {
		m.logger.Printf("rhizome: parsing manifest-by-prefix body from %s: %v", peer.String(), err)
		m.freeSlotAndInvite(slot)
		return
	}
	m.freeSlotAndInvite(slot)
	m.suggestLocked(m.ctx, parsed, peer, 0)
}

// verifyPayload re-reads a completed transfer's temp file and confirms
// its BLAKE3 digest matches the one runSlot computed while streaming it,
// catching any divergence between what was received and what landed on
// disk before the bytes are handed to the store.
func (m *Manager) verifyPayload(tempPath, wantDigest string) error {
	f, err := os.Open(tempPath)
	if err != nil {
		return rhizome.NewStoreError(err)
	}
	defer f.Close()
	if err := integrity.VerifyFile(f, wantDigest); err != nil {
		return rhizome.NewProtocolError(err.Error(), "", nil)
	}
	return nil
}

// freeSlotAndInvite resets slot to FREE and invites its own queue and
// every smaller-threshold queue to start_next (§4.4 tail: a
// smaller-payload candidate may legitimately use a larger slot).
func (m *Manager) freeSlotAndInvite(slot *Slot) {
	owner := slot.queueIndex
	slot.reset()
	for qi := 0; qi <= owner; qi++ {
		m.startNext(qi)
	}
	m.refreshQueueMetrics()
}
