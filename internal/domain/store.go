package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Fill carries the confirmed terminal data of one exchange order.
type Fill struct {
	OrderID  string
	Qty      decimal.Decimal
	Price    decimal.Decimal
	Fee      decimal.Decimal
	FilledAt int64
}

// CloseIntentState tracks the durable record written ahead of a closing
// order.
type CloseIntentState string

const (
	CloseIntentPending   CloseIntentState = "pending"
	CloseIntentDone      CloseIntentState = "done"
	CloseIntentAbandoned CloseIntentState = "abandoned"
)

// CloseIntent is the write-ahead record for a full or partial close. It is
// durable before the closing order is submitted; the position's remaining
// quantity is only decremented after a confirmed fill.
type CloseIntent struct {
	ID         string
	PositionID string
	Symbol     string
	Qty        decimal.Decimal
	Reason     string
	// Stage is the take-profit stage this close realizes, 0 for stop-loss
	// and plain closes.
	Stage     int
	State     CloseIntentState
	CreatedAt int64
	UpdatedAt int64
}

// Exclusion flags an instrument removed from automated trading by the
// reconciler until an operator acknowledges the discrepancy.
type Exclusion struct {
	Symbol    string
	Reason    string
	CreatedAt int64
	Acked     bool
}

// OpRecord is one row of the append-only operation log. The log is written
// in the same transaction as the state it describes and is never read on
// the hot path.
type OpRecord struct {
	Seq       int64
	Entity    string
	EntityID  string
	FromState string
	ToState   string
	Detail    string
	At        int64
}

// Ledger is the durable, transactional system of record for positions,
// trade legs, pair sagas, close intents, and the operation log. Every
// method that performs a multi-row logical transition does so inside a
// single transaction; partial writes are never visible to readers.
//
// Failures are classified as ErrLedgerUnavailable (retryable) or
// ErrLedgerCorrupt (fatal) via errors.Is.
type Ledger interface {
	// InsertPendingPosition durably records intent before any exchange
	// call (the write-ahead step of the open protocol).
	InsertPendingPosition(ctx context.Context, p *Position) error
	// PromotePosition records the confirmed entry fill: inserts the entry
	// trade leg and moves the position from pending to open, atomically.
	PromotePosition(ctx context.Context, positionID string, fill Fill) error
	// MarkPositionFailed resolves a pending position whose order was
	// definitively rejected or provably never placed.
	MarkPositionFailed(ctx context.Context, positionID, reason string) error

	// InsertCloseIntent durably records intent to close qty of a position.
	InsertCloseIntent(ctx context.Context, ci *CloseIntent) error
	// RecordClose records a confirmed exit fill against an intent: inserts
	// the exit leg, decrements remaining quantity, accrues realized P&L,
	// updates status, and marks the intent done, atomically.
	RecordClose(ctx context.Context, intentID string, fill Fill) error
	// AbandonCloseIntent resolves an intent whose order was definitively
	// rejected. The position is left untouched.
	AbandonCloseIntent(ctx context.Context, intentID, reason string) error

	InsertSaga(ctx context.Context, s *PairSaga) error
	// ConfirmSagaLeg records leg number legNo's confirmed fill: creates
	// the leg's position (open) with its entry trade leg and advances the
	// saga, all in one transaction.
	ConfirmSagaLeg(ctx context.Context, sagaID string, legNo int, pos *Position, fill Fill) error
	// BeginSagaCompensation moves the saga to compensating.
	BeginSagaCompensation(ctx context.Context, sagaID, reason string) error
	// CompleteSagaCompensation records the confirmed reversal of leg 1 and
	// closes its position, atomically.
	CompleteSagaCompensation(ctx context.Context, sagaID string, fill Fill) error
	// RecordPartialCompensation records a reversal that executed only part
	// of leg 1's remaining quantity before terminating: the executed slice
	// becomes an exit leg and the saga is parked for manual review.
	RecordPartialCompensation(ctx context.Context, sagaID string, fill Fill, reason string) error
	// MarkSagaManualReview parks the saga for human intervention.
	MarkSagaManualReview(ctx context.Context, sagaID, reason string) error
	// AbandonSaga resolves an initiated saga whose leg 1 order was
	// provably never placed; the saga goes straight to compensated (flat).
	AbandonSaga(ctx context.Context, sagaID, reason string) error

	GetPosition(ctx context.Context, id string) (Position, error)
	OpenPositions(ctx context.Context) ([]Position, error)
	OpenPositionBySymbol(ctx context.Context, symbol string) (Position, error)
	PendingPositions(ctx context.Context) ([]Position, error)
	ClosedPositions(ctx context.Context, since int64) ([]Position, error)
	PositionLegs(ctx context.Context, positionID string) ([]TradeLeg, error)
	PendingCloseIntents(ctx context.Context) ([]CloseIntent, error)
	UnresolvedSagas(ctx context.Context) ([]PairSaga, error)

	ExcludeInstrument(ctx context.Context, symbol, reason string) error
	Exclusions(ctx context.Context) ([]Exclusion, error)
	AcknowledgeExclusion(ctx context.Context, symbol string) error

	// Ops returns the operation log for one entity, oldest first. Used by
	// reconciliation tooling and tests only.
	Ops(ctx context.Context, entity, entityID string) ([]OpRecord, error)
}

// PriceSource supplies the latest traded price for an instrument.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error)
}

// EventSink receives terminal events. Implementations must not block the
// caller on delivery.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}
