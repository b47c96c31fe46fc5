package scheduler

import "github.com/rhizomehop/fetchd/pkg/rhizome"

// RequestManifestByPrefix issues a manifest-by-prefix GET to peer
// (§6), allocating any free slot since this path is not size-classed
// by payload_length — a response whose Content-Length exceeds
// Config.MaxManifestBytes is rejected by the slot's transfer, not by
// queue geometry. Returns Started, SlotBusy, or FetchError.
func (m *Manager) RequestManifestByPrefix(prefixHex string, peer rhizome.Peer) Outcome {
	var outcome Outcome
	m.do(func() {
		slot, ok := m.allocateFreeSlot(0)
		if !ok {
			outcome = SlotBusy
			return
		}
		if err := m.startPrefixTransfer(slot, prefixHex, peer); err != nil {
			slot.reset()
			m.logger.Printf("rhizome: manifest-by-prefix request to %s failed to start: %v", peer.String(), err)
			outcome = FetchError
			return
		}
		outcome = Started
	})
	return outcome
}
