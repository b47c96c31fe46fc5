// Package audit keeps a bounded, CBOR-encoded trail of recent
// admission and fetch decisions, in the same spirit as beenet's
// pervasive cborcanon-encoded wire records: an inspectable,
// serialization-round-tripped trace rather than a free-form log line.
package audit

import (
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Record is one admission or fetch decision, canonical fields only
// (no pointers, no interfaces) so it round-trips through CBOR cleanly.
type Record struct {
	TimestampMS int64  `cbor:"ts"`
	BIDHex      string `cbor:"bid"`
	Peer        string `cbor:"peer,omitempty"`
	Outcome     string `cbor:"outcome"`
	Detail      string `cbor:"detail,omitempty"`
}

// Log is a fixed-capacity ring of CBOR-encoded Records. Encoding each
// entry on Append (rather than keeping live Go values) means Recent
// returns independent copies with no shared backing state. The ring
// holds a fixed number of entries; each entry keeps its full encoding.
type Log struct {
	mu       sync.Mutex
	entries  [][]byte
	next     int
	filled   bool
	capacity int
}

// New creates a ring of the given capacity. A non-positive capacity
// is treated as 1.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = 1
	}
	return &Log{entries: make([][]byte, capacity), capacity: capacity}
}

// Append encodes r as CBOR and inserts it at the ring's write cursor,
// overwriting the oldest entry once full.
func (l *Log) Append(r Record) error {
	enc, err := cbor.Marshal(r)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = enc
	l.next = (l.next + 1) % l.capacity
	if l.next == 0 {
		l.filled = true
	}
	return nil
}

// Recent decodes and returns every resident record, oldest first.
func (l *Log) Recent() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var order []int
	if l.filled {
		for i := 0; i < l.capacity; i++ {
			order = append(order, (l.next+i)%l.capacity)
		}
	} else {
		for i := 0; i < l.next; i++ {
			order = append(order, i)
		}
	}

	out := make([]Record, 0, len(order))
	for _, idx := range order {
		var r Record
		if err := cbor.Unmarshal(l.entries[idx], &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Len returns the number of resident records.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.filled {
		return l.capacity
	}
	return l.next
}
