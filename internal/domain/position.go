package domain

import "github.com/shopspring/decimal"

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the side that flattens this one.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// PositionStatus tracks the position lifecycle. Transitions are monotonic:
// a closed or failed position never becomes open again.
type PositionStatus string

const (
	// PositionPending is written before any exchange call. A pending row
	// with no matching exchange activity is provably safe to discard.
	PositionPending PositionStatus = "pending"
	PositionOpen    PositionStatus = "open"
	// PositionPartiallyClosed means a staged take-profit has realized part
	// of the entry quantity.
	PositionPartiallyClosed PositionStatus = "partially_closed"
	PositionClosed          PositionStatus = "closed"
	// PositionFailed marks a creation attempt that never reached the
	// exchange. It never represents an unresolved crash.
	PositionFailed PositionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s PositionStatus) Terminal() bool {
	return s == PositionClosed || s == PositionFailed
}

// positionTransitions enumerates the allowed forward edges of the lifecycle.
var positionTransitions = map[PositionStatus][]PositionStatus{
	PositionPending:         {PositionOpen, PositionFailed, PositionClosed},
	PositionOpen:            {PositionPartiallyClosed, PositionClosed},
	PositionPartiallyClosed: {PositionClosed},
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to PositionStatus) bool {
	for _, next := range positionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Position is a single-instrument holding tracked by the ledger. Quantities
// and prices use decimal arithmetic so that remaining quantity is always
// exactly entry quantity minus the sum of exit legs. All timestamps are
// integer epoch seconds.
type Position struct {
	ID           string
	Symbol       string
	Side         Side
	EntryPrice   decimal.Decimal
	EntryQty     decimal.Decimal
	RemainingQty decimal.Decimal
	Status       PositionStatus

	// StopLossPct is the negative unrealized-P&L percentage at which the
	// position is force-closed, expressed as a positive number (10 = -10%).
	StopLossPct float64
	// TakeProfitStage counts staged take-profits already realized (0 or 1;
	// stage 2 closes the position).
	TakeProfitStage int

	RealizedPnL decimal.Decimal
	OpenedAt    int64
	ClosedAt    int64
	UpdatedAt   int64
}

// UnrealizedPnL returns the mark-to-market P&L of the remaining quantity at
// the given price.
func (p *Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.EntryPrice)
	if p.Side == SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(p.RemainingQty)
}

// UnrealizedPnLPct returns the unrealized P&L as a percentage of the capital
// at entry for the remaining quantity. Returns 0 when nothing remains.
func (p *Position) UnrealizedPnLPct(price decimal.Decimal) float64 {
	invested := p.EntryPrice.Mul(p.RemainingQty)
	if invested.IsZero() {
		return 0
	}
	pct, _ := p.UnrealizedPnL(price).Div(invested).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// Exposed reports whether the position represents live exchange exposure.
func (p *Position) Exposed() bool {
	return p.Status == PositionOpen || p.Status == PositionPartiallyClosed
}
