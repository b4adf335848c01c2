// Package risk holds the exit rules evaluated against every exposed
// position each cycle, the account-level halt tracker, and position
// sizing. Evaluation is pure: it reads a position and a price and
// returns an action, leaving all durable writes to the executor.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hmatsuda/cryptotrader/internal/config"
	"github.com/hmatsuda/cryptotrader/internal/domain"
)

// ActionKind says what the executor should do with a position.
type ActionKind string

const (
	Hold         ActionKind = "hold"
	PartialClose ActionKind = "partial_close"
	FullClose    ActionKind = "full_close"
)

// Action is the outcome of one evaluation. Qty is the quantity to close
// and is zero for Hold.
type Action struct {
	Kind   ActionKind
	Qty    decimal.Decimal
	Reason string
	// Stage is the take-profit stage being realized, 0 for stop-loss.
	Stage int
}

// Evaluate applies the exit rules to one exposed position at the given
// price. The stop loss is checked first and always closes the full
// remaining quantity. Take-profit stages fire lowest un-taken stage
// first, so a price that has blown through several thresholds still
// realizes the stages one evaluation at a time.
func Evaluate(p *domain.Position, price decimal.Decimal, cfg config.RiskConfig) Action {
	if !p.Exposed() {
		return Action{Kind: Hold}
	}

	pnlPct := p.UnrealizedPnLPct(price)

	// The stop persisted at open time governs the position; the config
	// value only covers rows opened before the field existed. A reload
	// must not move the stop on live exposure.
	stop := p.StopLossPct
	if stop <= 0 {
		stop = cfg.StopLossPct
	}
	if pnlPct <= -stop {
		return Action{
			Kind:   FullClose,
			Qty:    p.RemainingQty,
			Reason: fmt.Sprintf("stop_loss %.2f%%", pnlPct),
		}
	}

	for i, st := range cfg.ProfitStages {
		if p.TakeProfitStage > i {
			continue
		}
		if pnlPct < st.ThresholdPct {
			break
		}
		stage := i + 1
		if st.Fraction >= 1 {
			return Action{
				Kind:   FullClose,
				Qty:    p.RemainingQty,
				Reason: fmt.Sprintf("take_profit %.2f%%", pnlPct),
				Stage:  stage,
			}
		}
		qty := p.EntryQty.Mul(decimal.NewFromFloat(st.Fraction))
		if qty.GreaterThan(p.RemainingQty) {
			qty = p.RemainingQty
		}
		return Action{
			Kind:   PartialClose,
			Qty:    qty,
			Reason: fmt.Sprintf("take_profit %.2f%%", pnlPct),
			Stage:  stage,
		}
	}

	return Action{Kind: Hold}
}
