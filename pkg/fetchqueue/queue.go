// Package fetchqueue implements the fixed-capacity, size-classed
// candidate queues (component C3) described in spec §3-§4.3. Each
// queue keeps its candidates as a contiguous prefix of a fixed array
// (Invariant Q1); a Set routes a payload to the smallest queue whose
// threshold exceeds its length (Invariant Q2) and offers FindByBID for
// BID lookups across every queue it owns. The Set does not itself
// check BID uniqueness (Invariant Q3) on insertion; the admission scan
// in package scheduler enforces it.
package fetchqueue

import (
	"github.com/rhizomehop/fetchd/pkg/rhizome"
)

// Candidate is a pending, not-yet-started fetch.
type Candidate struct {
	Manifest *rhizome.Manifest
	Peer     rhizome.Peer
	Priority int
}

// occupied reports whether this slot in the array holds a candidate.
func (c *Candidate) occupied() bool { return c != nil && c.Manifest != nil }

// Queue is one size-classed FIFO with a fixed capacity array. Entries
// occupy a contiguous prefix (Invariant Q1); entries[i].Manifest==nil
// marks end-of-queue.
type Queue struct {
	Threshold uint64 // payload_length must be < Threshold to admit here
	Unbounded bool   // the last queue admits any payload_length

	entries []Candidate
}

// NewQueue creates a queue with the given fixed capacity.
func NewQueue(capacity int, threshold uint64, unbounded bool) *Queue {
	return &Queue{
		Threshold: threshold,
		Unbounded: unbounded,
		entries:   make([]Candidate, capacity),
	}
}

// Capacity returns the queue's fixed array size.
func (q *Queue) Capacity() int { return len(q.entries) }

// Len returns the number of occupied entries (P1's contiguous prefix
// length).
func (q *Queue) Len() int {
	for i := range q.entries {
		if !q.entries[i].occupied() {
			return i
		}
	}
	return len(q.entries)
}

// Full reports whether every array slot is occupied.
func (q *Queue) Full() bool { return q.Len() == len(q.entries) }

// At returns a pointer to the entry at index i, or nil if i is out of
// range or unoccupied. The pointer aliases the queue's backing array;
// callers must not retain it past a mutating call.
func (q *Queue) At(i int) *Candidate {
	if i < 0 || i >= len(q.entries) || !q.entries[i].occupied() {
		return nil
	}
	return &q.entries[i]
}

// Head returns the first candidate, or nil if the queue is empty.
func (q *Queue) Head() *Candidate { return q.At(0) }

// Admits reports whether a payload of this length belongs in this
// queue under Invariant Q2.
func (q *Queue) Admits(payloadLength uint64) bool {
	return q.Unbounded || payloadLength < q.Threshold
}

// InsertAt shifts entries[idx:] right by one and writes c at idx. If
// the array was already full, the tail entry is evicted and returned.
// idx must be in [0, Capacity()-1] and must not exceed Len(); the
// caller (admission) always computes such an insertion point first.
func (q *Queue) InsertAt(idx int, c Candidate) (evicted Candidate, didEvict bool) {
	n := len(q.entries)
	if n == 0 {
		return Candidate{}, false
	}
	last := q.entries[n-1]
	if last.occupied() {
		evicted, didEvict = last, true
	}
	copy(q.entries[idx+1:], q.entries[idx:n-1])
	q.entries[idx] = c
	return evicted, didEvict
}

// RemoveAt removes the entry at idx and shifts the remaining tail left
// by one, preserving Invariant Q1.
func (q *Queue) RemoveAt(idx int) {
	n := len(q.entries)
	if idx < 0 || idx >= n {
		return
	}
	copy(q.entries[idx:n-1], q.entries[idx+1:])
	q.entries[n-1] = Candidate{}
}

// PopHead removes and returns the head candidate. The scheduler's
// driver unqueues its head with RemoveAt(0) instead.
func (q *Queue) PopHead() (Candidate, bool) {
	head := q.At(0)
	if head == nil {
		return Candidate{}, false
	}
	c := *head
	q.RemoveAt(0)
	return c, true
}

// Set owns every queue, in ascending threshold order. It does not
// check Invariant Q3 (no BID appears in more than one queue at a time)
// itself; callers keep it by removing a match before inserting.
type Set struct {
	Queues []*Queue
}

// NewSet builds a Set from parallel threshold/capacity slices. len(capacities)
// must be len(thresholds)+1; the last queue is unbounded.
func NewSet(thresholds []uint64, capacities []int) *Set {
	s := &Set{Queues: make([]*Queue, 0, len(capacities))}
	for i, cap := range capacities {
		if i < len(thresholds) {
			s.Queues = append(s.Queues, NewQueue(cap, thresholds[i], false))
		} else {
			s.Queues = append(s.Queues, NewQueue(cap, 0, true))
		}
	}
	return s
}

// QueueFor implements Invariant Q2: the smallest queue whose threshold
// exceeds length, or the unbounded queue. Returns ok=false when no
// queue admits length (the Set has no queues, or no unbounded queue and
// every threshold is at or below length).
func (s *Set) QueueFor(length uint64) (q *Queue, index int, ok bool) {
	for i, cand := range s.Queues {
		if cand.Admits(length) {
			return cand, i, true
		}
	}
	return nil, -1, false
}

// FindByBID scans every queue for a candidate with this BID, enforcing
// Invariant Q3 by construction: callers that find a match here before
// inserting a new one must remove it first.
func (s *Set) FindByBID(bid rhizome.BID) (queueIndex, entryIndex int, found bool) {
	for qi, q := range s.Queues {
		for ei := 0; ei < q.Len(); ei++ {
			if c := q.At(ei); c != nil && c.Manifest.BID == bid {
				return qi, ei, true
			}
		}
	}
	return -1, -1, false
}

// TotalLen returns the number of queued candidates across every queue,
// bounded by the sum of capacities (spec §5 "bounded memory").
func (s *Set) TotalLen() int {
	total := 0
	for _, q := range s.Queues {
		total += q.Len()
	}
	return total
}
