package ledger

import (
	"errors"
	"fmt"
)

var errBadAccountLength = errors.New("ledger: account id must be 32 bytes")

// RejectReason enumerates the deterministic business-level refusals the ledger
// protocol can return. Each wire code maps to exactly one reason.
type RejectReason string

const (
	RejectInsufficientFunds RejectReason = "insufficient_funds"
	RejectBadFee            RejectReason = "bad_fee"
	RejectDuplicate         RejectReason = "duplicate"
	RejectTooOld            RejectReason = "too_old"
	RejectCreatedInFuture   RejectReason = "created_in_future"
	RejectBadBurn           RejectReason = "bad_burn"
	RejectGeneric           RejectReason = "generic"
)

// RejectionError reports that the ledger refused the operation. The refusal is
// deterministic: it is safe to conclude that no funds moved.
type RejectionError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("ledger rejected: %s", e.Reason)
	}
	return fmt.Sprintf("ledger rejected: %s (%s)", e.Reason, e.Detail)
}

// TransportError reports that the call to the ledger could not be confirmed to
// have executed. The outcome is unknown: funds may or may not have moved, so
// the operation must only be retried with the same idempotency marker.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ledger transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AsRejection unwraps err as a ledger rejection if it is one.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// IsTransport reports whether err represents an unconfirmed ledger call.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
