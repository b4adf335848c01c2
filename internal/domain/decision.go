package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Decision is a trading decision produced by the external signal pipeline.
// The engine validates only size and side, never signal quality.
type Decision struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Qty        decimal.Decimal `json:"qty"`
	Confidence float64         `json:"confidence"`
	// Hedge, when non-nil, turns the decision into a two-leg pair trade
	// executed under the saga protocol.
	Hedge     *HedgeLeg `json:"hedge,omitempty"`
	CreatedAt int64     `json:"created_at"`
}

// HedgeLeg is the optional second leg of a pair-trade decision.
type HedgeLeg struct {
	Symbol string          `json:"symbol"`
	Side   Side            `json:"side"`
	Qty    decimal.Decimal `json:"qty"`
}

// Validate rejects malformed decisions before any durable write.
func (d Decision) Validate() error {
	if d.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	if d.Side != SideLong && d.Side != SideShort {
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", d.Side)}
	}
	if !d.Qty.IsPositive() {
		return &ValidationError{Field: "qty", Reason: "must be > 0"}
	}
	if d.Hedge != nil {
		if d.Hedge.Symbol == "" {
			return &ValidationError{Field: "hedge.symbol", Reason: "must not be empty"}
		}
		if d.Hedge.Symbol == d.Symbol {
			return &ValidationError{Field: "hedge.symbol", Reason: "must differ from primary symbol"}
		}
		if d.Hedge.Side != SideLong && d.Hedge.Side != SideShort {
			return &ValidationError{Field: "hedge.side", Reason: fmt.Sprintf("unknown side %q", d.Hedge.Side)}
		}
		if !d.Hedge.Qty.IsPositive() {
			return &ValidationError{Field: "hedge.qty", Reason: "must be > 0"}
		}
	}
	return nil
}
