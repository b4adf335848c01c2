package risk

import (
	"github.com/shopspring/decimal"

	"github.com/hmatsuda/cryptotrader/internal/config"
)

// quantityPlaces is the precision orders are truncated to. bitFlyer
// accepts sizes down to 0.00000001.
const quantityPlaces = 8

// PositionSize computes the order quantity for a new entry. The account
// risks RiskPerTradePct of the balance per trade: with a stop loss at
// stopLossPct, the position value is the risk amount divided by the stop
// distance, capped so the notional plus fees never exceeds
// MaxPositionFraction of the balance.
func PositionSize(balance, price decimal.Decimal, stopLossPct float64, cfg config.RiskConfig) decimal.Decimal {
	if !balance.IsPositive() || !price.IsPositive() || stopLossPct <= 0 {
		return decimal.Zero
	}

	riskAmount := balance.Mul(decimal.NewFromFloat(cfg.RiskPerTradePct / 100))
	value := riskAmount.Div(decimal.NewFromFloat(stopLossPct / 100))

	maxValue := balance.
		Mul(decimal.NewFromFloat(cfg.MaxPositionFraction)).
		Div(decimal.NewFromFloat(1 + cfg.FeeRate))
	if value.GreaterThan(maxValue) {
		value = maxValue
	}

	return value.Div(price).Truncate(quantityPlaces)
}
