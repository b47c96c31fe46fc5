package scheduler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rhizomehop/fetchd/internal/integrity"
	"github.com/rhizomehop/fetchd/pkg/httpresponse"
	"github.com/rhizomehop/fetchd/pkg/rhizome"
)

const maxRequestBytes = 1024
const bodyChunkBytes = 8 * 1024

// Slot is one queue's active transfer, per C6. Invariant S1: a FREE
// slot holds no manifest, no temp path, no in-flight cancel func.
// Invariant S2 (registration/alarm) is realized by the per-slot
// goroutine's own conn deadlines rather than an external poll
// registration — see SPEC_FULL.md §4.6a.
type Slot struct {
	index      int
	queueIndex int // the queue this slot "belongs" to; it may also serve smaller queues
	state      SlotState
	peer       rhizome.Peer
	manifest   *rhizome.Manifest // nil => manifest-by-prefix mode
	prefixHex  string
	fhash      rhizome.FHASH
	ttl        uint8
	tempPath   string
	cancel     context.CancelFunc
}

func (s *Slot) free() bool { return s.state == SlotFree }

func (s *Slot) reset() {
	s.state = SlotFree
	s.peer = rhizome.Peer{}
	s.manifest = nil
	s.prefixHex = ""
	s.fhash = ""
	s.ttl = 0
	s.tempPath = ""
	s.cancel = nil
}

type slotEventKind int

const (
	evStateChange slotEventKind = iota
	evDone
	evError
)

// slotEvent is the only thing a per-slot I/O goroutine ever sends back
// to the core goroutine; it carries no pointers into Manager state.
type slotEvent struct {
	slot          int
	kind          slotEventKind
	state         SlotState
	contentLength int64
	digest        string
	err           error
}

// allocateFreeSlot finds the first FREE slot at index >= qi (Q2: a
// larger slot may serve a smaller queue's candidate, never the
// reverse).
func (m *Manager) allocateFreeSlot(qi int) (*Slot, bool) {
	for i := qi; i < len(m.slots); i++ {
		if m.slots[i].free() {
			return m.slots[i], true
		}
	}
	return nil, false
}

// startPayloadTransfer transitions slot s from FREE into the transfer
// state machine for a payload fetch and spawns its I/O goroutine. The
// body is capped at the manifest's own advertised payload_length: a
// peer that streams more than it advertised is protocol noise, not a
// legitimate payload.
func (m *Manager) startPayloadTransfer(s *Slot, manifest *rhizome.Manifest, peer rhizome.Peer) error {
	path := filepath.Join(m.cfg.ImportDir, fmt.Sprintf("payload.%s", manifest.BID.Hex()))
	req := []byte(fmt.Sprintf("GET /rhizome/file/%s HTTP/1.0\r\n\r\n", manifest.FHASH))
	if len(req) > maxRequestBytes {
		return rhizome.NewProtocolError("request line exceeds 1 KiB", peer.String(), nil)
	}

	s.state = SlotConnecting
	s.peer = peer
	s.manifest = manifest
	s.fhash = manifest.FHASH
	s.ttl = manifest.TTL
	s.tempPath = path

	ctx, cancel := context.WithCancel(m.ctx)
	s.cancel = cancel
	maxBody := int64(manifest.PayloadLength)
	m.wg.Go(func() error { m.runSlot(ctx, s.index, peer, path, req, maxBody); return nil })
	return nil
}

// startPrefixTransfer transitions slot s into manifest-by-prefix mode:
// no Manifest is attached until the body completes and is parsed. The
// body is capped at Config.MaxManifestBytes (§6), since there is no
// advertised payload_length to bound it by in this mode.
func (m *Manager) startPrefixTransfer(s *Slot, prefixHex string, peer rhizome.Peer) error {
	path := filepath.Join(m.cfg.ImportDir, fmt.Sprintf("manifest.%s", prefixHex))
	req := []byte(fmt.Sprintf("GET /rhizome/manifestbyprefix/%s HTTP/1.0\r\n\r\n", prefixHex))
	if len(req) > maxRequestBytes {
		return rhizome.NewProtocolError("request line exceeds 1 KiB", peer.String(), nil)
	}

	s.state = SlotConnecting
	s.peer = peer
	s.prefixHex = prefixHex
	s.tempPath = path

	ctx, cancel := context.WithCancel(m.ctx)
	s.cancel = cancel
	maxBody := int64(m.cfg.MaxManifestBytes)
	m.wg.Go(func() error { m.runSlot(ctx, s.index, peer, path, req, maxBody); return nil })
	return nil
}

// runSlot is the short-lived per-slot I/O goroutine. It never touches
// Manager, Slot, queue, or cache state directly — only the local
// temp file and socket, reporting outcomes as immutable slotEvent
// values over m.events.
func (m *Manager) runSlot(ctx context.Context, slotIndex int, peer rhizome.Peer, tempPath string, request []byte, maxBodyBytes int64) {
	if err := os.MkdirAll(m.cfg.ImportDir, 0o755); err != nil {
		m.emit(slotEvent{slot: slotIndex, kind: evError, err: rhizome.NewNetworkError("creating import dir", "", err)})
		return
	}

	f, err := os.Create(tempPath)
	if err != nil {
		m.emit(slotEvent{slot: slotIndex, kind: evError, err: rhizome.NewNetworkError("creating temp file", "", err)})
		return
	}
	defer f.Close()

	dialer := net.Dialer{Timeout: m.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp4", peer.String())
	if err != nil {
		os.Remove(tempPath)
		m.emit(slotEvent{slot: slotIndex, kind: evError, err: rhizome.NewNetworkError("dial failed", peer.String(), err)})
		return
	}
	defer conn.Close()

	// Force the connection closed if the slot's context is cancelled
	// mid-transfer (Manager.Close shutting down), so Close doesn't wait
	// out a full idle timeout on every live slot.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stopWatch:
		}
	}()

	m.emit(slotEvent{slot: slotIndex, kind: evStateChange, state: SlotSendingRequest})
	conn.SetWriteDeadline(time.Now().Add(m.cfg.IdleTimeout))
	if _, err := conn.Write(request); err != nil {
		os.Remove(tempPath)
		m.emit(slotEvent{slot: slotIndex, kind: evError, err: classifyIOError("write failed", peer.String(), err)})
		return
	}

	m.emit(slotEvent{slot: slotIndex, kind: evStateChange, state: SlotRxHeaders})
	reader := bufio.NewReader(conn)
	headerBlock, err := readHeaderBlock(reader, conn, m.cfg.IdleTimeout, peer.String())
	if err != nil {
		os.Remove(tempPath)
		m.emit(slotEvent{slot: slotIndex, kind: evError, err: err})
		return
	}

	status, err := httpresponse.Parse(headerBlock)
	if err != nil {
		os.Remove(tempPath)
		m.emit(slotEvent{slot: slotIndex, kind: evError, err: err})
		return
	}
	if status.Code != 200 || !status.HasLength {
		os.Remove(tempPath)
		m.emit(slotEvent{slot: slotIndex, kind: evError, err: rhizome.NewProtocolError(
			fmt.Sprintf("unexpected status %d or missing Content-Length", status.Code), peer.String(), nil)})
		return
	}
	if status.ContentLength > maxBodyBytes {
		os.Remove(tempPath)
		m.emit(slotEvent{slot: slotIndex, kind: evError, err: rhizome.NewProtocolError(
			fmt.Sprintf("response body %d bytes exceeds configured maximum of %d", status.ContentLength, maxBodyBytes), peer.String(), nil)})
		return
	}

	m.emit(slotEvent{slot: slotIndex, kind: evStateChange, state: SlotRxBody})
	hw := integrity.NewHashingWriter(f)
	received, err := copyBody(hw, reader, conn, status.ContentLength, m.cfg.IdleTimeout, peer.String())
	if err != nil {
		os.Remove(tempPath)
		m.emit(slotEvent{slot: slotIndex, kind: evError, err: err})
		return
	}
	if received != status.ContentLength {
		os.Remove(tempPath)
		m.emit(slotEvent{slot: slotIndex, kind: evError, err: rhizome.NewProtocolError("short body", peer.String(), nil)})
		return
	}

	m.emit(slotEvent{slot: slotIndex, kind: evDone, contentLength: received, digest: hw.Digest()})
}

// classifyIOError distinguishes an idle-deadline expiry (net.Error's
// Timeout() reporting true) from any other connect/read/write failure,
// keeping spec §7's Timeout bucket distinct from its Network bucket.
func classifyIOError(msg, peer string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return rhizome.NewTimeoutError(msg, peer)
	}
	return rhizome.NewNetworkError(msg, peer, err)
}

// readHeaderBlock accumulates CRLF/LF-delimited lines until a blank
// line and fails with a protocol error once the block exceeds 1 KiB
// ("header-line overrun closes the slot"). The size check runs after
// each complete line, so a single long line is read in full before it
// is rejected.
func readHeaderBlock(r *bufio.Reader, conn net.Conn, idle time.Duration, peer string) ([]byte, error) {
	var block []byte
	for {
		conn.SetReadDeadline(time.Now().Add(idle))
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			block = append(block, line...)
		}
		if err != nil {
			return nil, classifyIOError("reading response headers", peer, err)
		}
		if len(block) > maxRequestBytes {
			return nil, rhizome.NewProtocolError("response header exceeds 1 KiB", "", nil)
		}
		trimmed := trimCRLF(line)
		if len(trimmed) == 0 {
			return block, nil
		}
	}
}

func trimCRLF(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

// copyBody streams exactly contentLength bytes from r into w, 8 KiB at
// a time, resetting the idle deadline on every successful read.
func copyBody(w io.Writer, r *bufio.Reader, conn net.Conn, contentLength int64, idle time.Duration, peer string) (int64, error) {
	buf := make([]byte, bodyChunkBytes)
	var total int64
	for total < contentLength {
		conn.SetReadDeadline(time.Now().Add(idle))
		want := int64(len(buf))
		if remain := contentLength - total; remain < want {
			want = remain
		}
		n, err := r.Read(buf[:want])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, rhizome.NewNetworkError("writing payload to temp file", peer, werr)
			}
			total += int64(n)
		}
		if err != nil {
			if err == io.EOF && total == contentLength {
				break
			}
			return total, classifyIOError("reading payload body", peer, err)
		}
	}
	return total, nil
}
