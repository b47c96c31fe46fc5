// Package rhizome holds the shared domain types, error taxonomy, and
// collaborator interfaces used by the fetch scheduler: bundle identity,
// the manifest value, peer addressing, and the external store/verifier
// ports the scheduler is driven through.
package rhizome

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
)

// BIDSize is the length of a bundle identifier: a 32-byte Ed25519-style
// public signing key.
const BIDSize = 32

// BID is a bundle identifier.
type BID [BIDSize]byte

// BIDFromHex parses a canonical (case-insensitive) hex BID.
func BIDFromHex(s string) (BID, error) {
	var b BID
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return b, fmt.Errorf("bid: invalid hex: %w", err)
	}
	if len(raw) != BIDSize {
		return b, fmt.Errorf("bid: want %d bytes, got %d", BIDSize, len(raw))
	}
	copy(b[:], raw)
	return b, nil
}

// Hex returns the canonical uppercase hex form of the BID.
func (b BID) Hex() string {
	return strings.ToUpper(hex.EncodeToString(b[:]))
}

// Prefix returns the leading n bytes of the BID, used as the version
// cache's entry key.
func (b BID) Prefix(n int) []byte {
	if n > len(b) {
		n = len(b)
	}
	return b[:n]
}

// TopBits returns the top n bits of the BID's first byte, used to
// compute a cache bin index.
func (b BID) TopBits(n int) int {
	if n <= 0 {
		return 0
	}
	if n > 8 {
		n = 8
	}
	return int(b[0]) >> (8 - n)
}

// FHASH is the hexadecimal content hash identifying a payload.
type FHASH string

// CanonicalFHASH uppercases a hash string for comparison and wire use.
func CanonicalFHASH(s string) FHASH {
	return FHASH(strings.ToUpper(strings.TrimSpace(s)))
}

// Valid reports whether the hash looks like well-formed hex.
func (h FHASH) Valid() bool {
	if h == "" {
		return false
	}
	_, err := hex.DecodeString(string(h))
	return err == nil
}

// String implements fmt.Stringer.
func (h FHASH) String() string { return string(h) }

// Manifest is the bundle metadata carried between candidates, slots,
// and the store. Parsing the wire bytes and verifying the embedded
// signature are external collaborators (ManifestCodec/ManifestVerifier
// below); the value itself is owned by whichever queue slot or
// candidate currently holds it.
type Manifest struct {
	BID           BID
	Version       uint64
	PayloadLength uint64
	FHASH         FHASH
	TTL           uint8
	SelfSigned    bool
	Raw           []byte
}

// Clone returns a deep copy whose Raw bytes do not alias the
// original's backing array.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	raw := make([]byte, len(m.Raw))
	copy(raw, m.Raw)
	clone := *m
	clone.Raw = raw
	return &clone
}

// EmptyPayload reports whether this manifest describes a zero-length
// payload (imported in-line, never queued for transfer).
func (m *Manifest) EmptyPayload() bool { return m.PayloadLength == 0 }

// Peer is an IPv4 mesh neighbour, address and port only (§6: HTTP/IPv4
// only is in scope here).
type Peer struct {
	Addr netip.Addr
	Port uint16
}

// String renders "ip:port".
func (p Peer) String() string {
	return netip.AddrPortFrom(p.Addr, p.Port).String()
}

// IsValid reports whether the peer has a usable IPv4 address.
func (p Peer) IsValid() bool {
	return p.Addr.Is4() && p.Port != 0
}
