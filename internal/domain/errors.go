package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by ledger reads for missing rows.
	ErrNotFound = errors.New("not found")
	// ErrGatewayRejected means the exchange definitively refused an order.
	// No exposure was created; the attempt is safe to mark failed.
	ErrGatewayRejected = errors.New("order rejected by exchange")
	// ErrGatewayAmbiguous means a submission's fill state is unknown
	// (network error or timeout after the order may have reached the
	// exchange). Resolved only by status polling, never by resubmission.
	ErrGatewayAmbiguous = errors.New("order outcome ambiguous")
	// ErrLedgerUnavailable is a retryable infrastructure fault (lock
	// contention, disk full). The in-flight protocol step is retried with
	// the same write-ahead record.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	// ErrLedgerCorrupt is fatal. The process must refuse to trade.
	ErrLedgerCorrupt = errors.New("ledger corrupt")
	// ErrCompensationFailed marks a saga whose automatic reversal of leg 1
	// failed. Terminal; requires manual review.
	ErrCompensationFailed = errors.New("saga compensation failed")
	// ErrHalted is returned for new entries while the engine is halted.
	ErrHalted = errors.New("new entries halted")
	// ErrInstrumentBusy means another submission protocol is in flight for
	// the same instrument.
	ErrInstrumentBusy = errors.New("instrument busy")
	// ErrInstrumentExcluded means reconciliation flagged the instrument and
	// it is excluded from automated trading until acknowledged.
	ErrInstrumentExcluded = errors.New("instrument excluded pending reconciliation")
	// ErrPositionExists rejects a new entry while the instrument already
	// has an exposed position.
	ErrPositionExists = errors.New("position already open on instrument")
)

// ValidationError describes a malformed trading decision. It is raised
// before any durable write and has no side effects.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid decision: %s %s", e.Field, e.Reason)
}

// IsRetryable reports whether the error is a transient fault that the same
// protocol step may be retried against.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLedgerUnavailable)
}
