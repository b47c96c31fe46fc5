package rhizome

import (
	"errors"
	"fmt"
	"time"
)

// ErrCode classifies an Error into the taxonomy of spec §7.
type ErrCode string

const (
	ErrValidation       ErrCode = "VALIDATION"        // malformed BID/hex, bad signature
	ErrQueueFull        ErrCode = "QUEUE_FULL"        // no insertion point available
	ErrNoSuitableQueue  ErrCode = "NO_SUITABLE_QUEUE" // Q2 found no matching queue
	ErrSlotBusy         ErrCode = "SLOT_BUSY"         // no free/eligible slot
	ErrStoreUnavailable ErrCode = "STORE_UNAVAILABLE" // store query failed
	ErrNetwork          ErrCode = "NETWORK"           // connect/read/write failure
	ErrProtocol         ErrCode = "PROTOCOL"          // malformed HTTP response
	ErrTimeout          ErrCode = "TIMEOUT"           // idle deadline elapsed
)

// Error is the single error type this module returns. It wraps a
// stable code, optional bundle/peer context, a retryability hint, and
// the underlying cause.
type Error struct {
	Code      ErrCode
	Message   string
	BID       *BID
	FHASH     *FHASH
	Peer      string
	Timestamp time.Time
	Retryable bool
	Cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.BID != nil:
		return fmt.Sprintf("rhizome %s: %s (bid=%s)", e.Code, e.Message, e.BID.Hex())
	case e.FHASH != nil:
		return fmt.Sprintf("rhizome %s: %s (fhash=%s)", e.Code, e.Message, *e.FHASH)
	default:
		return fmt.Sprintf("rhizome %s: %s", e.Code, e.Message)
	}
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable reports whether the caller may usefully retry.
func (e *Error) IsRetryable() bool { return e.Retryable }

func newErr(code ErrCode, msg string, retryable bool, cause error) *Error {
	return &Error{Code: code, Message: msg, Timestamp: time.Now(), Retryable: retryable, Cause: cause}
}

// NewValidationError reports a malformed or unverifiable manifest.
func NewValidationError(msg string, bid *BID, cause error) *Error {
	e := newErr(ErrValidation, msg, false, cause)
	e.BID = bid
	return e
}

// NewQueueFullError reports that no insertion point exists in the
// destination queue (every resident candidate is equally or more urgent
// than the newcomer).
func NewQueueFullError(bid *BID) *Error {
	e := newErr(ErrQueueFull, "queue full of equal-or-higher priority candidates", false, nil)
	e.BID = bid
	return e
}

// NewNoSuitableQueueError reports that no size class fits the payload.
func NewNoSuitableQueueError(length uint64) *Error {
	return newErr(ErrNoSuitableQueue, fmt.Sprintf("no queue admits payload_length=%d", length), false, nil)
}

// NewSlotBusyError reports that no eligible free slot exists right now.
func NewSlotBusyError() *Error {
	return newErr(ErrSlotBusy, "no free slot eligible for this size class", true, nil)
}

// NewStoreError reports a failed store query; callers must treat the
// result as unknown, never as evidence of absence.
func NewStoreError(cause error) *Error {
	return newErr(ErrStoreUnavailable, "store query failed", true, cause)
}

// NewNetworkError reports a connect/read/write failure against peer.
func NewNetworkError(msg, peer string, cause error) *Error {
	e := newErr(ErrNetwork, msg, true, cause)
	e.Peer = peer
	return e
}

// NewProtocolError reports a malformed HTTP/1.0 response.
func NewProtocolError(msg, peer string, cause error) *Error {
	e := newErr(ErrProtocol, msg, false, cause)
	e.Peer = peer
	return e
}

// NewTimeoutError reports an idle-deadline expiry.
func NewTimeoutError(msg, peer string) *Error {
	e := newErr(ErrTimeout, msg, true, nil)
	e.Peer = peer
	return e
}

// IsRetryable reports whether err (if it is or wraps an *Error)
// suggests the caller may retry later.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CodeOf extracts the ErrCode from err, if any.
func CodeOf(err error) (ErrCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// ErrorStats accumulates error counts by code and by peer, mirroring
// the "observable via logs, recoverable on next advertisement" design
// of spec §7.
type ErrorStats struct {
	ByCode        map[ErrCode]uint64
	ByPeer        map[string]uint64
	LastError     *Error
	LastErrorTime time.Time
}

// NewErrorStats creates an empty stats accumulator.
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ByCode: make(map[ErrCode]uint64),
		ByPeer: make(map[string]uint64),
	}
}

// Record folds err into the accumulator. Non-*Error values are counted
// under ErrNetwork, the closest bucket for "something external broke".
func (s *ErrorStats) Record(err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = newErr(ErrNetwork, err.Error(), true, err)
	}
	s.LastError = e
	s.LastErrorTime = e.Timestamp
	s.ByCode[e.Code]++
	if e.Peer != "" {
		s.ByPeer[e.Peer]++
	}
}

// Total returns the number of errors recorded so far.
func (s *ErrorStats) Total() uint64 {
	var total uint64
	for _, n := range s.ByCode {
		total += n
	}
	return total
}
