package domain

import "github.com/shopspring/decimal"

// SagaState tracks a two-leg hedged trade through its staged commit
// protocol. States advance strictly forward.
type SagaState string

const (
	// SagaInitiated is written before leg 1 is submitted.
	SagaInitiated SagaState = "initiated"
	// SagaLeg1Confirmed is the critical durability point: leg 1 holds a
	// confirmed fill, leg 2 does not. Observed after a restart it means an
	// unresolved partial fill that must be recovered before new trading.
	SagaLeg1Confirmed SagaState = "leg1_confirmed"
	// SagaCommitted means both legs hold confirmed fills.
	SagaCommitted SagaState = "committed"
	// SagaCompensating means leg 2 failed definitively and a reversing
	// order for leg 1 is in flight.
	SagaCompensating SagaState = "compensating"
	// SagaCompensated means leg 1's exposure was reversed; net flat.
	SagaCompensated SagaState = "compensated"
	// SagaManualReview means automatic compensation itself failed. Never
	// auto-retried; a human resolves it.
	SagaManualReview SagaState = "failed_needs_manual_review"
)

// Terminal reports whether the saga requires no further automated action.
func (s SagaState) Terminal() bool {
	return s == SagaCommitted || s == SagaCompensated || s == SagaManualReview
}

// sagaTransitions enumerates the allowed forward edges.
var sagaTransitions = map[SagaState][]SagaState{
	SagaInitiated:     {SagaLeg1Confirmed, SagaCompensated, SagaManualReview},
	SagaLeg1Confirmed: {SagaCommitted, SagaCompensating, SagaManualReview},
	SagaCompensating:  {SagaCompensated, SagaManualReview},
}

// SagaCanTransition reports whether from → to is a legal edge.
func SagaCanTransition(from, to SagaState) bool {
	for _, next := range sagaTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SagaLeg describes one half of a hedged pair.
type SagaLeg struct {
	Symbol string
	Side   Side
	Qty    decimal.Decimal
	// OrderID is the exchange order identifier, empty until the leg's
	// order has been submitted.
	OrderID string
	// PositionID links to the position row created for this leg once its
	// fill is confirmed.
	PositionID string
}

// PairSaga tracks a two-leg hedged position. CompOrderID records the
// compensating order for leg 1 when leg 2 fails.
type PairSaga struct {
	ID          string
	Leg1        SagaLeg
	Leg2        SagaLeg
	State       SagaState
	CompOrderID string
	Reason      string
	CreatedAt   int64
	UpdatedAt   int64
}
