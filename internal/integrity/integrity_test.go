package integrity

import (
	"bytes"
	"testing"
)

func TestHashingWriterPassesBytesThroughUnchanged(t *testing.T) {
	var buf bytes.Buffer
	hw := NewHashingWriter(&buf)

	if _, err := hw.Write([]byte("hello ")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := hw.Write([]byte("world")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.String() != "hello world" {
		t.Fatalf("want passthrough bytes preserved, got %q", buf.String())
	}
	if hw.Digest() == "" {
		t.Fatalf("expected a non-empty digest")
	}
}

func TestVerifyFileAcceptsMatchingDigest(t *testing.T) {
	var buf bytes.Buffer
	hw := NewHashingWriter(&buf)
	hw.Write([]byte("payload bytes"))

	if err := VerifyFile(bytes.NewReader(buf.Bytes()), hw.Digest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVerifyFileRejectsMismatch(t *testing.T) {
	err := VerifyFile(bytes.NewReader([]byte("altered")), "0000000000000000000000000000000000000000000000000000000000000000")
	if err == nil {
		t.Fatalf("expected a digest mismatch error")
	}
}
