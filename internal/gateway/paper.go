package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hmatsuda/cryptotrader/internal/domain"
)

// Paper is an in-memory exchange used in paper-trading mode. Orders fill
// immediately at the latest price from the configured PriceSource, fees
// accrue at a flat rate, and holdings plus the quote balance update as a
// real venue's would.
type Paper struct {
	prices  domain.PriceSource
	feeRate decimal.Decimal
	log     *slog.Logger

	mu       sync.Mutex
	seq      int
	orders   map[string]OrderStatus // by exchange order id
	byClient map[string]string      // client id -> exchange order id
	balance  decimal.Decimal        // quote currency (JPY)
	holdings map[string]decimal.Decimal
}

// NewPaper returns a paper venue seeded with a starting quote balance.
func NewPaper(prices domain.PriceSource, startBalance decimal.Decimal, feeRate float64, log *slog.Logger) *Paper {
	if log == nil {
		log = slog.Default()
	}
	return &Paper{
		prices:   prices,
		feeRate:  decimal.NewFromFloat(feeRate),
		log:      log.With("component", "gateway", "mode", "paper"),
		orders:   make(map[string]OrderStatus),
		byClient: make(map[string]string),
		balance:  startBalance,
		holdings: make(map[string]decimal.Decimal),
	}
}

// baseCurrency extracts the base asset from a product code like BTC_JPY.
func baseCurrency(symbol string) string {
	if i := strings.Index(symbol, "_"); i > 0 {
		return symbol[:i]
	}
	return symbol
}

// SubmitOrder fills the order at the latest price. Duplicate client ids
// return the already-recorded order rather than filling twice.
func (p *Paper) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	price, _, err := p.prices.GetPrice(ctx, req.Symbol)
	if err != nil {
		return "", fmt.Errorf("gateway: paper fill %s: no price: %v: %w", req.Symbol, err, domain.ErrGatewayAmbiguous)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if req.ClientID != "" {
		if id, ok := p.byClient[req.ClientID]; ok {
			return id, nil
		}
	}

	notional := price.Mul(req.Qty)
	fee := notional.Mul(p.feeRate)
	base := baseCurrency(req.Symbol)

	switch req.Side {
	case domain.OrderBuy:
		cost := notional.Add(fee)
		if cost.GreaterThan(p.balance) {
			return "", fmt.Errorf("gateway: paper fill %s: insufficient balance %s for %s: %w",
				req.Symbol, p.balance, cost, domain.ErrGatewayRejected)
		}
		p.balance = p.balance.Sub(cost)
		p.holdings[base] = p.holdings[base].Add(req.Qty)
	case domain.OrderSell:
		if req.Qty.GreaterThan(p.holdings[base]) {
			return "", fmt.Errorf("gateway: paper fill %s: insufficient holdings %s for %s: %w",
				req.Symbol, p.holdings[base], req.Qty, domain.ErrGatewayRejected)
		}
		p.holdings[base] = p.holdings[base].Sub(req.Qty)
		p.balance = p.balance.Add(notional.Sub(fee))
	default:
		return "", fmt.Errorf("gateway: paper fill %s: bad side %q: %w", req.Symbol, req.Side, domain.ErrGatewayRejected)
	}

	p.seq++
	id := fmt.Sprintf("PAPER-%06d", p.seq)
	p.orders[id] = OrderStatus{
		OrderID:  id,
		ClientID: req.ClientID,
		State:    OrderFilled,
		Fill: &domain.Fill{
			OrderID:  id,
			Qty:      req.Qty,
			Price:    price,
			Fee:      fee,
			FilledAt: time.Now().Unix(),
		},
	}
	if req.ClientID != "" {
		p.byClient[req.ClientID] = id
	}

	p.log.Info("paper fill",
		"symbol", req.Symbol, "side", req.Side, "qty", req.Qty.String(), "price", price.String(), "order_id", id)
	return id, nil
}

func (p *Paper) OrderStatus(_ context.Context, _, orderID string) (OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.orders[orderID]
	if !ok {
		return OrderStatus{}, fmt.Errorf("gateway: paper order %s: %w", orderID, domain.ErrNotFound)
	}
	return st, nil
}

func (p *Paper) FindOrderByClientID(_ context.Context, _, clientID string) (OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byClient[clientID]
	if !ok {
		return OrderStatus{}, fmt.Errorf("gateway: paper client order %s: %w", clientID, domain.ErrNotFound)
	}
	return p.orders[id], nil
}

func (p *Paper) Holdings(context.Context) (map[string]decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(p.holdings)+1)
	for k, v := range p.holdings {
		out[k] = v
	}
	out["JPY"] = p.balance
	return out, nil
}

func (p *Paper) Balance(context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}
