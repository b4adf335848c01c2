package domain

import "github.com/shopspring/decimal"

// LegKind distinguishes fills that establish exposure from fills that
// reduce it.
type LegKind string

const (
	LegEntry LegKind = "entry"
	LegExit  LegKind = "exit"
)

// OrderSide is the exchange-level direction of an order.
type OrderSide string

const (
	OrderBuy  OrderSide = "buy"
	OrderSell OrderSide = "sell"
)

// EntryOrderSide maps a position side to the order side that opens it.
func EntryOrderSide(s Side) OrderSide {
	if s == SideLong {
		return OrderBuy
	}
	return OrderSell
}

// ExitOrderSide maps a position side to the order side that reduces it.
func ExitOrderSide(s Side) OrderSide {
	if s == SideLong {
		return OrderSell
	}
	return OrderBuy
}

// TradeLeg is an immutable record of one confirmed exchange fill tied to a
// position. Legs are created exactly once, when the fill is confirmed, and
// never mutated afterwards.
type TradeLeg struct {
	ID              string
	PositionID      string
	ExchangeOrderID string
	Kind            LegKind
	Side            OrderSide
	Qty             decimal.Decimal
	Price           decimal.Decimal
	Fee             decimal.Decimal
	FilledAt        int64
}
