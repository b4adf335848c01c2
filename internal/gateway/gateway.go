// Package gateway talks to the exchange. It exposes order submission,
// order-status lookup, and account queries behind one interface so the
// coordinator and reconciler never depend on a concrete exchange.
//
// Submission failures are classified, not retried blindly: a definitive
// exchange rejection surfaces domain.ErrGatewayRejected, while timeouts
// and transport failures surface domain.ErrGatewayAmbiguous because the
// order may or may not exist server-side. Ambiguity is resolved only by
// status lookups, never by resubmitting.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/hmatsuda/cryptotrader/internal/domain"
)

// OrderRequest is one market order. ClientID is a caller-chosen
// idempotency key recorded in the durable ledger before submission; the
// exchange stores it with the order so a crashed process can find orders
// whose exchange id was never written down.
type OrderRequest struct {
	ClientID string
	Symbol   string
	Side     domain.OrderSide
	Qty      decimal.Decimal
}

// OrderState is the exchange-side lifecycle of a submitted order.
type OrderState string

const (
	// OrderActive means the order is on the book and not yet terminal.
	OrderActive OrderState = "active"
	// OrderFilled is terminal with a confirmed fill.
	OrderFilled OrderState = "filled"
	// OrderRejected, OrderCanceled and OrderExpired are terminal without a
	// fill.
	OrderRejected OrderState = "rejected"
	OrderCanceled OrderState = "canceled"
	OrderExpired  OrderState = "expired"
)

// Terminal reports whether the state can no longer change.
func (s OrderState) Terminal() bool {
	return s == OrderFilled || s == OrderRejected || s == OrderCanceled || s == OrderExpired
}

// OrderStatus is the result of a status lookup. Fill is set whenever the
// order executed any quantity: always for OrderFilled, and for a canceled
// or expired order that died partially executed. A terminal status with a
// nil Fill is proof nothing executed.
type OrderStatus struct {
	OrderID  string
	ClientID string
	State    OrderState
	Fill     *domain.Fill
}

// PartialFill returns the executed slice of an order that terminated
// without filling completely, or nil.
func (s OrderStatus) PartialFill() *domain.Fill {
	if s.State.Terminal() && s.State != OrderFilled && s.Fill != nil && s.Fill.Qty.IsPositive() {
		return s.Fill
	}
	return nil
}

// Gateway is the exchange client used by the execution coordinator and
// the startup reconciler.
type Gateway interface {
	// SubmitOrder places a market order and returns the exchange order id.
	// Errors map to domain.ErrGatewayRejected (order provably does not
	// exist) or domain.ErrGatewayAmbiguous (outcome unknown).
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)

	// OrderStatus looks up one order by exchange id. Returns
	// domain.ErrNotFound when the exchange has no record of it.
	OrderStatus(ctx context.Context, symbol, orderID string) (OrderStatus, error)

	// FindOrderByClientID looks up an order by the idempotency key it was
	// submitted with. Returns domain.ErrNotFound when no such order exists,
	// which proves the corresponding submission never reached the exchange.
	FindOrderByClientID(ctx context.Context, symbol, clientID string) (OrderStatus, error)

	// Holdings returns the exchange-side asset quantities by currency code.
	Holdings(ctx context.Context) (map[string]decimal.Decimal, error)

	// Balance returns the available quote-currency balance.
	Balance(ctx context.Context) (decimal.Decimal, error)
}
