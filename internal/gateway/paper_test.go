package gateway_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hmatsuda/cryptotrader/internal/domain"
	"github.com/hmatsuda/cryptotrader/internal/gateway"
)

type fixedPrices map[string]string

func (f fixedPrices) GetPrice(_ context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	s, ok := f[symbol]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return decimal.RequireFromString(s), time.Now(), nil
}

func newPaper(t *testing.T, balance string) *gateway.Paper {
	t.Helper()
	prices := fixedPrices{"BTC_JPY": "10000000", "ETH_JPY": "500000"}
	log := slog.New(slog.DiscardHandler)
	return gateway.NewPaper(prices, decimal.RequireFromString(balance), 0.0015, log)
}

func TestPaperBuyFillAndBalance(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t, "1000000")

	id, err := p.SubmitOrder(ctx, gateway.OrderRequest{
		ClientID: "c1", Symbol: "BTC_JPY", Side: domain.OrderBuy, Qty: decimal.RequireFromString("0.01"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	st, err := p.OrderStatus(ctx, "BTC_JPY", id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != gateway.OrderFilled || st.Fill == nil {
		t.Fatalf("status = %+v, want filled", st)
	}
	if got := st.Fill.Price.String(); got != "10000000" {
		t.Fatalf("fill price = %s", got)
	}
	// fee = 100000 * 0.0015 = 150, so balance = 1000000 - 100150
	bal, _ := p.Balance(ctx)
	if got := bal.String(); got != "899850" {
		t.Fatalf("balance = %s, want 899850", got)
	}
	holdings, _ := p.Holdings(ctx)
	if got := holdings["BTC"].String(); got != "0.01" {
		t.Fatalf("BTC holdings = %s, want 0.01", got)
	}
}

func TestPaperDuplicateClientIDFillsOnce(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t, "1000000")

	req := gateway.OrderRequest{
		ClientID: "dup", Symbol: "BTC_JPY", Side: domain.OrderBuy, Qty: decimal.RequireFromString("0.01"),
	}
	id1, err := p.SubmitOrder(ctx, req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	id2, err := p.SubmitOrder(ctx, req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ids differ: %s vs %s", id1, id2)
	}
	bal, _ := p.Balance(ctx)
	if got := bal.String(); got != "899850" {
		t.Fatalf("balance = %s, duplicate must not fill twice", got)
	}
}

func TestPaperInsufficientFundsRejected(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t, "1000")

	_, err := p.SubmitOrder(ctx, gateway.OrderRequest{
		ClientID: "poor", Symbol: "BTC_JPY", Side: domain.OrderBuy, Qty: decimal.RequireFromString("1"),
	})
	if !errors.Is(err, domain.ErrGatewayRejected) {
		t.Fatalf("err = %v, want rejection", err)
	}
	// A rejected order leaves no trace for the idempotency lookup.
	if _, err := p.FindOrderByClientID(ctx, "BTC_JPY", "poor"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("find = %v, want not found", err)
	}
}

func TestPaperSellWithoutHoldingsRejected(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t, "1000000")

	_, err := p.SubmitOrder(ctx, gateway.OrderRequest{
		ClientID: "naked", Symbol: "ETH_JPY", Side: domain.OrderSell, Qty: decimal.RequireFromString("1"),
	})
	if !errors.Is(err, domain.ErrGatewayRejected) {
		t.Fatalf("err = %v, want rejection", err)
	}
}

func TestPaperFindByClientID(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t, "1000000")

	id, err := p.SubmitOrder(ctx, gateway.OrderRequest{
		ClientID: "find-me", Symbol: "ETH_JPY", Side: domain.OrderBuy, Qty: decimal.RequireFromString("0.5"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	st, err := p.FindOrderByClientID(ctx, "ETH_JPY", "find-me")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if st.OrderID != id {
		t.Fatalf("order id = %s, want %s", st.OrderID, id)
	}
}
