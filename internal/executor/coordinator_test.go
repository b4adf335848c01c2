package executor_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hmatsuda/cryptotrader/internal/config"
	"github.com/hmatsuda/cryptotrader/internal/domain"
	"github.com/hmatsuda/cryptotrader/internal/executor"
	"github.com/hmatsuda/cryptotrader/internal/gateway"
	"github.com/hmatsuda/cryptotrader/internal/ledger"
	"github.com/hmatsuda/cryptotrader/internal/risk"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// scriptGateway lets each test script exchange behavior per call.
type scriptGateway struct {
	mu       sync.Mutex
	submits  []gateway.OrderRequest
	submitFn func(req gateway.OrderRequest) (string, error)
	statusFn func(symbol, orderID string) (gateway.OrderStatus, error)
	findFn   func(symbol, clientID string) (gateway.OrderStatus, error)
	balance  decimal.Decimal
}

func (g *scriptGateway) SubmitOrder(_ context.Context, req gateway.OrderRequest) (string, error) {
	g.mu.Lock()
	g.submits = append(g.submits, req)
	g.mu.Unlock()
	return g.submitFn(req)
}

func (g *scriptGateway) OrderStatus(_ context.Context, symbol, orderID string) (gateway.OrderStatus, error) {
	if g.statusFn == nil {
		return gateway.OrderStatus{}, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	return g.statusFn(symbol, orderID)
}

func (g *scriptGateway) FindOrderByClientID(_ context.Context, symbol, clientID string) (gateway.OrderStatus, error) {
	if g.findFn == nil {
		return gateway.OrderStatus{}, fmt.Errorf("client order %s: %w", clientID, domain.ErrNotFound)
	}
	return g.findFn(symbol, clientID)
}

func (g *scriptGateway) Holdings(context.Context) (map[string]decimal.Decimal, error) {
	return map[string]decimal.Decimal{}, nil
}

func (g *scriptGateway) Balance(context.Context) (decimal.Decimal, error) {
	if g.balance.IsZero() {
		return d("100000000"), nil
	}
	return g.balance, nil
}

func (g *scriptGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submits)
}

// filled builds a terminal filled status for qty at price.
func filled(orderID, qty, price string) gateway.OrderStatus {
	return gateway.OrderStatus{
		OrderID: orderID,
		State:   gateway.OrderFilled,
		Fill: &domain.Fill{
			OrderID:  orderID,
			Qty:      d(qty),
			Price:    d(price),
			Fee:      d("0"),
			FilledAt: time.Now().Unix(),
		},
	}
}

// expiredPartial builds an expired status that executed qty before dying.
func expiredPartial(orderID, qty, price string) gateway.OrderStatus {
	st := filled(orderID, qty, price)
	st.State = gateway.OrderExpired
	return st
}

type staticPrices map[string]string

func (p staticPrices) GetPrice(_ context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	s, ok := p[symbol]
	if !ok {
		return decimal.Zero, time.Time{}, fmt.Errorf("price %s: %w", symbol, domain.ErrNotFound)
	}
	return d(s), time.Now(), nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) Emit(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) byType(t domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	store   *ledger.Store
	gw      *scriptGateway
	prices  staticPrices
	events  *eventRecorder
	tracker *risk.Tracker
	coord   *executor.Coordinator
	cfg     *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := ledger.Open(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Defaults()
	cfg.Exchange.SubmitTimeout.Duration = time.Second
	cfg.Exchange.MaxRetries = 2
	cfg.Exchange.RetryBase.Duration = time.Millisecond

	gw := &scriptGateway{}
	prices := staticPrices{"BTC_JPY": "10000000", "ETH_JPY": "500000"}
	events := &eventRecorder{}
	tracker := risk.NewTracker(cfg.Risk, nil)
	log := slog.New(slog.DiscardHandler)

	return &fixture{
		store:   store,
		gw:      gw,
		prices:  prices,
		events:  events,
		tracker: tracker,
		coord:   executor.NewCoordinator(store, gw, prices, events, tracker, &cfg, log),
		cfg:     &cfg,
	}
}

func decision(symbol, qty string) domain.Decision {
	return domain.Decision{
		ID:         "dec-1",
		Symbol:     symbol,
		Side:       domain.SideLong,
		Qty:        d(qty),
		Confidence: 0.9,
	}
}

func TestOpenHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.gw.submitFn = func(req gateway.OrderRequest) (string, error) { return "JRF-1", nil }
	f.gw.statusFn = func(_, orderID string) (gateway.OrderStatus, error) {
		return filled(orderID, "0.01", "10000000"), nil
	}

	if err := f.coord.HandleDecision(ctx, decision("BTC_JPY", "0.01")); err != nil {
		t.Fatalf("handle decision: %v", err)
	}

	pos, err := f.store.OpenPositionBySymbol(ctx, "BTC_JPY")
	if err != nil {
		t.Fatalf("open position: %v", err)
	}
	if pos.Status != domain.PositionOpen || !pos.EntryQty.Equal(d("0.01")) {
		t.Fatalf("position = %+v", pos)
	}
	legs, _ := f.store.PositionLegs(ctx, pos.ID)
	if len(legs) != 1 || legs[0].ExchangeOrderID != "JRF-1" {
		t.Fatalf("legs = %+v", legs)
	}
	if len(f.events.byType(domain.EventPositionOpened)) != 1 {
		t.Fatal("missing position_opened event")
	}
	// The client id ties the order to the write-ahead record.
	if f.gw.submits[0].ClientID != pos.ID {
		t.Fatalf("client id = %s, want position id %s", f.gw.submits[0].ClientID, pos.ID)
	}
}

func TestOpenRejectedMarksFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.gw.submitFn = func(gateway.OrderRequest) (string, error) {
		return "", fmt.Errorf("insufficient funds: %w", domain.ErrGatewayRejected)
	}

	err := f.coord.HandleDecision(ctx, decision("BTC_JPY", "0.01"))
	if !errors.Is(err, domain.ErrGatewayRejected) {
		t.Fatalf("err = %v, want rejection", err)
	}

	pending, _ := f.store.PendingPositions(ctx)
	if len(pending) != 0 {
		t.Fatalf("pending rows = %d, want 0 after definitive rejection", len(pending))
	}
	if _, err := f.store.OpenPositionBySymbol(ctx, "BTC_JPY"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("no position should be open")
	}
}

func TestOpenAmbiguousResolvedByLookup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// The submit times out, but the order actually landed and filled. The
	// coordinator must find it via the client id, never submit again.
	f.gw.submitFn = func(gateway.OrderRequest) (string, error) {
		return "", fmt.Errorf("timeout: %w", domain.ErrGatewayAmbiguous)
	}
	f.gw.findFn = func(_, clientID string) (gateway.OrderStatus, error) {
		st := filled("JRF-9", "0.01", "10000000")
		st.ClientID = clientID
		return st, nil
	}

	if err := f.coord.HandleDecision(ctx, decision("BTC_JPY", "0.01")); err != nil {
		t.Fatalf("handle decision: %v", err)
	}
	if n := f.gw.submitCount(); n != 1 {
		t.Fatalf("submits = %d, ambiguity must never resubmit", n)
	}
	pos, err := f.store.OpenPositionBySymbol(ctx, "BTC_JPY")
	if err != nil {
		t.Fatalf("open position: %v", err)
	}
	legs, _ := f.store.PositionLegs(ctx, pos.ID)
	if len(legs) != 1 || legs[0].ExchangeOrderID != "JRF-9" {
		t.Fatalf("legs = %+v", legs)
	}
}

func TestOpenAmbiguousProvablyAbsentFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.gw.submitFn = func(gateway.OrderRequest) (string, error) {
		return "", fmt.Errorf("connection reset: %w", domain.ErrGatewayAmbiguous)
	}
	// The lookup proves the order never reached the exchange.

	err := f.coord.HandleDecision(ctx, decision("BTC_JPY", "0.01"))
	if !errors.Is(err, domain.ErrGatewayRejected) {
		t.Fatalf("err = %v, want rejection after proven absence", err)
	}
	pending, _ := f.store.PendingPositions(ctx)
	if len(pending) != 0 {
		t.Fatalf("pending rows = %d, want 0", len(pending))
	}
}

func TestOpenAmbiguousUnresolvedLeavesPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.gw.submitFn = func(gateway.OrderRequest) (string, error) {
		return "", fmt.Errorf("timeout: %w", domain.ErrGatewayAmbiguous)
	}
	f.gw.findFn = func(string, string) (gateway.OrderStatus, error) {
		return gateway.OrderStatus{}, errors.New("gateway down")
	}

	err := f.coord.HandleDecision(ctx, decision("BTC_JPY", "0.01"))
	if !errors.Is(err, domain.ErrGatewayAmbiguous) {
		t.Fatalf("err = %v, want ambiguous", err)
	}
	// The write-ahead row survives for the startup reconciler.
	pending, _ := f.store.PendingPositions(ctx)
	if len(pending) != 1 {
		t.Fatalf("pending rows = %d, want 1", len(pending))
	}
	if len(f.events.byType(domain.EventReconcileAlert)) == 0 {
		t.Fatal("missing reconciliation alert")
	}
}

func TestOpenExpiredPartialFillOpensPosition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// The market order dies after executing part of its size. The executed
	// slice is live exposure and must become the position, not a failure.
	f.gw.submitFn = func(gateway.OrderRequest) (string, error) { return "JRF-1", nil }
	f.gw.statusFn = func(_, orderID string) (gateway.OrderStatus, error) {
		return expiredPartial(orderID, "0.004", "10000000"), nil
	}

	if err := f.coord.HandleDecision(ctx, decision("BTC_JPY", "0.01")); err != nil {
		t.Fatalf("handle decision: %v", err)
	}

	pos, err := f.store.OpenPositionBySymbol(ctx, "BTC_JPY")
	if err != nil {
		t.Fatalf("open position: %v", err)
	}
	if pos.Status != domain.PositionOpen || !pos.EntryQty.Equal(d("0.004")) {
		t.Fatalf("position = %+v, want open with the executed 0.004", pos)
	}
	pending, _ := f.store.PendingPositions(ctx)
	if len(pending) != 0 {
		t.Fatalf("pending rows = %d, want 0", len(pending))
	}
	if len(f.events.byType(domain.EventPositionOpened)) != 1 {
		t.Fatal("missing position_opened event")
	}
}

func TestCloseExpiredPartialFillRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.gw.submitFn = func(gateway.OrderRequest) (string, error) { return "JRF-1", nil }
	f.gw.statusFn = func(_, orderID string) (gateway.OrderStatus, error) {
		return filled(orderID, "0.4", "1000000"), nil
	}
	if err := f.coord.HandleDecision(ctx, decision("BTC_JPY", "0.4")); err != nil {
		t.Fatalf("open: %v", err)
	}
	pos, _ := f.store.OpenPositionBySymbol(ctx, "BTC_JPY")

	// The closing order executes 0.1 of 0.4 and expires. The ledger must
	// show exactly what left the book; the remainder stays exposed.
	f.gw.submitFn = func(gateway.OrderRequest) (string, error) { return "JRF-2", nil }
	f.gw.statusFn = func(_, orderID string) (gateway.OrderStatus, error) {
		return expiredPartial(orderID, "0.1", "1050000"), nil
	}
	if err := f.coord.ClosePosition(ctx, pos.ID, d("0.4"), "manual", 0); err != nil {
		t.Fatalf("close: %v", err)
	}

	after, _ := f.store.GetPosition(ctx, pos.ID)
	if after.Status != domain.PositionPartiallyClosed || !after.RemainingQty.Equal(d("0.3")) {
		t.Fatalf("position = %+v, want partially_closed with 0.3 remaining", after)
	}
	intents, _ := f.store.PendingCloseIntents(ctx)
	if len(intents) != 0 {
		t.Fatalf("pending intents = %d, want 0", len(intents))
	}
	legs, _ := f.store.PositionLegs(ctx, pos.ID)
	if len(legs) != 2 {
		t.Fatalf("legs = %d, want entry + partial exit", len(legs))
	}
}

func TestHaltBlocksEntriesNotExits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.gw.submitFn = func(req gateway.OrderRequest) (string, error) { return "JRF-1", nil }
	f.gw.statusFn = func(_, orderID string) (gateway.OrderStatus, error) {
		return filled(orderID, "0.01", "10000000"), nil
	}
	if err := f.coord.HandleDecision(ctx, decision("BTC_JPY", "0.01")); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Force a halt, then try another entry and an exit.
	for i := 0; i < f.cfg.Risk.ConsecutiveLossLimit; i++ {
		f.tracker.RecordClose(d("-1"))
	}
	err := f.coord.HandleDecision(ctx, decision("ETH_JPY", "0.1"))
	if !errors.Is(err, domain.ErrHalted) {
		t.Fatalf("entry while halted: err = %v, want ErrHalted", err)
	}

	pos, _ := f.store.OpenPositionBySymbol(ctx, "BTC_JPY")
	f.gw.statusFn = func(_, orderID string) (gateway.OrderStatus, error) {
		return filled(orderID, "0.01", "9000000"), nil
	}
	if err := f.coord.ClosePosition(ctx, pos.ID, pos.RemainingQty, "manual", 0); err != nil {
		t.Fatalf("exit while halted must work: %v", err)
	}
}

func TestSinglePositionPerInstrument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.gw.submitFn = func(req gateway.OrderRequest) (string, error) { return "JRF-1", nil }
	f.gw.statusFn = func(_, orderID string) (gateway.OrderStatus, error) {
		return filled(orderID, "0.01", "10000000"), nil
	}
	if err := f.coord.HandleDecision(ctx, decision("BTC_JPY", "0.01")); err != nil {
		t.Fatalf("first open: %v", err)
	}
	err := f.coord.HandleDecision(ctx, decision("BTC_JPY", "0.01"))
	if !errors.Is(err, domain.ErrPositionExists) {
		t.Fatalf("second open: err = %v, want ErrPositionExists", err)
	}
}

func TestConfidenceGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	dec := decision("BTC_JPY", "0.01")
	dec.Confidence = 0.3
	err := f.coord.HandleDecision(ctx, dec)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "confidence" {
		t.Fatalf("err = %v, want confidence validation error", err)
	}
}

func TestEvaluateExitsStopLoss(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.gw.submitFn = func(req gateway.OrderRequest) (string, error) { return "JRF-1", nil }
	f.gw.statusFn = func(_, orderID string) (gateway.OrderStatus, error) {
		return filled(orderID, "0.01", "10000000"), nil
	}
	if err := f.coord.HandleDecision(ctx, decision("BTC_JPY", "0.01")); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Price collapses past the stop; the exit order fills at the new price.
	f.prices["BTC_JPY"] = "8900000"
	f.gw.submitFn = func(req gateway.OrderRequest) (string, error) { return "JRF-2", nil }
	f.gw.statusFn = func(_, orderID string) (gateway.OrderStatus, error) {
		return filled(orderID, "0.01", "8900000"), nil
	}

	if err := f.coord.EvaluateExits(ctx); err != nil {
		t.Fatalf("evaluate exits: %v", err)
	}

	if _, err := f.store.OpenPositionBySymbol(ctx, "BTC_JPY"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("position should be fully closed")
	}
	if len(f.events.byType(domain.EventPositionClosed)) != 1 {
		t.Fatal("missing position_closed event")
	}
}

func TestTakeProfitStagesAcrossEvaluations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.gw.submitFn = func(req gateway.OrderRequest) (string, error) { return "JRF-1", nil }
	f.gw.statusFn = func(_, orderID string) (gateway.OrderStatus, error) {
		return filled(orderID, "0.4", "1000000"), nil
	}
	if err := f.coord.HandleDecision(ctx, decision("BTC_JPY", "0.4")); err != nil {
		t.Fatalf("open: %v", err)
	}
	pos, _ := f.store.OpenPositionBySymbol(ctx, "BTC_JPY")

	// +16%: stage one takes half the entry.
	f.prices["BTC_JPY"] = "1160000"
	f.gw.submitFn = func(req gateway.OrderRequest) (string, error) { return "JRF-2", nil }
	f.gw.statusFn = func(_, orderID string) (gateway.OrderStatus, error) {
		return filled(orderID, "0.2", "1160000"), nil
	}
	if err := f.coord.EvaluateExits(ctx); err != nil {
		t.Fatalf("first evaluation: %v", err)
	}
	mid, _ := f.store.GetPosition(ctx, pos.ID)
	if mid.Status != domain.PositionPartiallyClosed || mid.TakeProfitStage != 1 {
		t.Fatalf("after stage 1: %+v", mid)
	}

	// +26%: stage two closes the remainder.
	f.prices["BTC_JPY"] = "1260000"
	f.gw.submitFn = func(req gateway.OrderRequest) (string, error) { return "JRF-3", nil }
	f.gw.statusFn = func(_, orderID string) (gateway.OrderStatus, error) {
		return filled(orderID, "0.2", "1260000"), nil
	}
	if err := f.coord.EvaluateExits(ctx); err != nil {
		t.Fatalf("second evaluation: %v", err)
	}
	final, _ := f.store.GetPosition(ctx, pos.ID)
	if final.Status != domain.PositionClosed || !final.RemainingQty.IsZero() {
		t.Fatalf("after stage 2: %+v", final)
	}
}
