// Package integrity provides a BLAKE3 tee-hasher used while a slot
// streams a payload to its temporary file, grounded on beenet's
// VerifyChunkIntegrity/NewCID (pkg/content/cid.go). Rhizome's own
// on-wire FHASH is a hex content hash of unspecified algorithm owned
// by the external manifest collaborator; this package does not
// reimplement it. Its job is narrower: confirm that the bytes written
// to the temp file are exactly the bytes received from the peer, by
// hashing both sides of the copy and comparing digests before the
// payload is handed to the store.
package integrity

import (
	"encoding/hex"
	"fmt"
	"io"

	"lukechampine.com/blake3"
)

// HashingWriter tees every Write into a running BLAKE3 hash while
// passing bytes through unchanged to the wrapped writer (typically the
// slot's temp file).
type HashingWriter struct {
	w io.Writer
	h *blake3.Hasher
}

// NewHashingWriter wraps w.
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{w: w, h: blake3.New(32, nil)}
}

// Write implements io.Writer.
func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		hw.h.Write(p[:n])
	}
	return n, err
}

// Digest returns the lowercase hex BLAKE3-256 digest of every byte
// written so far.
func (hw *HashingWriter) Digest() string {
	return hex.EncodeToString(hw.h.Sum(nil))
}

// VerifyFile reads r to the end and confirms its BLAKE3-256 digest
// matches want, catching any divergence between what the slot streamed
// and what ended up on disk.
func VerifyFile(r io.Reader, want string) error {
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, r); err != nil {
		return fmt.Errorf("integrity: reading back payload: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != want {
		return fmt.Errorf("integrity: payload digest mismatch: wrote %s, read back %s", want, got)
	}
	return nil
}
