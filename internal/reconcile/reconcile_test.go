package reconcile_test

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
	"github.com/hmatsuda/cryptotrader/internal/reconcile"
	"github.com/hmatsuda/cryptotrader/internal/risk"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeGateway struct {
	findFn   func(symbol, clientID string) (gateway.OrderStatus, error)
	holdings map[string]decimal.Decimal
}

func (g *fakeGateway) SubmitOrder(context.Context, gateway.OrderRequest) (string, error) {
	return "", errors.New("no submissions during reconciliation tests")
}

func (g *fakeGateway) OrderStatus(_ context.Context, _, orderID string) (gateway.OrderStatus, error) {
	return gateway.OrderStatus{}, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
}

func (g *fakeGateway) FindOrderByClientID(_ context.Context, symbol, clientID string) (gateway.OrderStatus, error) {
	if g.findFn == nil {
		return gateway.OrderStatus{}, fmt.Errorf("client order %s: %w", clientID, domain.ErrNotFound)
	}
	return g.findFn(symbol, clientID)
}

func (g *fakeGateway) Holdings(context.Context) (map[string]decimal.Decimal, error) {
	if g.holdings == nil {
		return map[string]decimal.Decimal{}, nil
	}
	return g.holdings, nil
}

func (g *fakeGateway) Balance(context.Context) (decimal.Decimal, error) {
	return d("100000000"), nil
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

func (r *eventRecorder) count(t domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	store  *ledger.Store
	gw     *fakeGateway
	events *eventRecorder
	rec    *reconcile.Reconciler
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
	cfg.Exchange.MaxRetries = 1
	cfg.Exchange.RetryBase.Duration = time.Millisecond

	gw := &fakeGateway{}
	events := &eventRecorder{}
	log := slog.New(slog.DiscardHandler)
	tracker := risk.NewTracker(cfg.Risk, nil)
	prices := staticPrices{"BTC_JPY": "10000000", "ETH_JPY": "500000"}
	coord := executor.NewCoordinator(store, gw, prices, events, tracker, &cfg, log)

	return &fixture{
		store:  store,
		gw:     gw,
		events: events,
		rec:    reconcile.New(store, gw, coord, events, &cfg, log),
	}
}

func fillFor(clientID, orderID, qty, price string) gateway.OrderStatus {
	return gateway.OrderStatus{
		OrderID:  orderID,
		ClientID: clientID,
		State:    gateway.OrderFilled,
		Fill: &domain.Fill{
			OrderID:  orderID,
			Qty:      d(qty),
			Price:    d(price),
			Fee:      d("0"),
			FilledAt: time.Now().Unix(),
		},
	}
}

func TestRecoverPendingEntryThatFilled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Crash after submit, before the acceptance id was recorded.
	p := &domain.Position{Symbol: "BTC_JPY", Side: domain.SideLong, EntryPrice: d("10000000"), EntryQty: d("0.01")}
	if err := f.store.InsertPendingPosition(ctx, p); err != nil {
		t.Fatalf("insert pending: %v", err)
	}
	f.gw.findFn = func(_, clientID string) (gateway.OrderStatus, error) {
		if clientID == p.ID {
			return fillFor(clientID, "JRF-7", "0.01", "10005000"), nil
		}
		return gateway.OrderStatus{}, fmt.Errorf("client order %s: %w", clientID, domain.ErrNotFound)
	}
	f.gw.holdings = map[string]decimal.Decimal{"BTC": d("0.01")}

	if _, err := f.rec.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := f.store.GetPosition(ctx, p.ID)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if got.Status != domain.PositionOpen || !got.EntryPrice.Equal(d("10005000")) {
		t.Fatalf("position = %+v, want open at the discovered fill price", got)
	}

	// Running again must change nothing.
	if _, err := f.rec.Run(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	legs, _ := f.store.PositionLegs(ctx, p.ID)
	if len(legs) != 1 {
		t.Fatalf("legs = %d after replayed reconciliation, want 1", len(legs))
	}
}

func TestDiscardPhantomPendingEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p := &domain.Position{Symbol: "BTC_JPY", Side: domain.SideLong, EntryPrice: d("10000000"), EntryQty: d("0.01")}
	if err := f.store.InsertPendingPosition(ctx, p); err != nil {
		t.Fatalf("insert pending: %v", err)
	}
	// Default findFn: the exchange has no such order.

	if _, err := f.rec.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := f.store.GetPosition(ctx, p.ID)
	if got.Status != domain.PositionFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	exclusions, _ := f.store.Exclusions(ctx)
	if len(exclusions) != 0 {
		t.Fatalf("exclusions = %+v, provable absence needs none", exclusions)
	}
}

func TestUnresolvablePendingEntryExcludesInstrument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p := &domain.Position{Symbol: "BTC_JPY", Side: domain.SideLong, EntryPrice: d("10000000"), EntryQty: d("0.01")}
	if err := f.store.InsertPendingPosition(ctx, p); err != nil {
		t.Fatalf("insert pending: %v", err)
	}
	f.gw.findFn = func(string, string) (gateway.OrderStatus, error) {
		return gateway.OrderStatus{}, errors.New("gateway down")
	}

	rep, err := f.rec.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.Excluded) != 1 || rep.Excluded[0] != "BTC_JPY" || rep.Alerts == 0 {
		t.Fatalf("report = %+v", rep)
	}

	// Still pending, instrument excluded, operator alerted.
	pending, _ := f.store.PendingPositions(ctx)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1 (never guess)", len(pending))
	}
	exclusions, _ := f.store.Exclusions(ctx)
	if len(exclusions) != 1 || exclusions[0].Symbol != "BTC_JPY" || exclusions[0].Acked {
		t.Fatalf("exclusions = %+v", exclusions)
	}
	if f.events.count(domain.EventReconcileAlert) == 0 {
		t.Fatal("missing reconciliation alert")
	}
}

func TestRecoverPendingCloseIntent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p := &domain.Position{Symbol: "BTC_JPY", Side: domain.SideLong, EntryPrice: d("10000000"), EntryQty: d("0.01")}
	if err := f.store.InsertPendingPosition(ctx, p); err != nil {
		t.Fatalf("insert pending: %v", err)
	}
	entry := domain.Fill{OrderID: "JRF-1", Qty: d("0.01"), Price: d("10000000"), Fee: d("0"), FilledAt: time.Now().Unix()}
	if err := f.store.PromotePosition(ctx, p.ID, entry); err != nil {
		t.Fatalf("promote: %v", err)
	}
	ci := &domain.CloseIntent{PositionID: p.ID, Symbol: "BTC_JPY", Qty: d("0.01"), Reason: "stop_loss"}
	if err := f.store.InsertCloseIntent(ctx, ci); err != nil {
		t.Fatalf("insert intent: %v", err)
	}

	f.gw.findFn = func(_, clientID string) (gateway.OrderStatus, error) {
		if clientID == ci.ID {
			return fillFor(clientID, "JRF-2", "0.01", "8900000"), nil
		}
		return gateway.OrderStatus{}, fmt.Errorf("client order %s: %w", clientID, domain.ErrNotFound)
	}

	if _, err := f.rec.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := f.store.GetPosition(ctx, p.ID)
	if got.Status != domain.PositionClosed {
		t.Fatalf("status = %s, want closed from recovered exit", got.Status)
	}
	intents, _ := f.store.PendingCloseIntents(ctx)
	if len(intents) != 0 {
		t.Fatalf("pending intents = %d, want 0", len(intents))
	}
}

func TestResumeSagaDuringRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	saga := &domain.PairSaga{
		Leg1: domain.SagaLeg{Symbol: "BTC_JPY", Side: domain.SideLong, Qty: d("0.01")},
		Leg2: domain.SagaLeg{Symbol: "ETH_JPY", Side: domain.SideShort, Qty: d("0.2")},
	}
	if err := f.store.InsertSaga(ctx, saga); err != nil {
		t.Fatalf("insert saga: %v", err)
	}
	// Neither leg's order exists: the saga resolves flat.

	if _, err := f.rec.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	sagas, _ := f.store.UnresolvedSagas(ctx)
	if len(sagas) != 0 {
		t.Fatalf("unresolved sagas = %d, want 0", len(sagas))
	}
}

func TestHoldingsMismatchExcludesInstrument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p := &domain.Position{Symbol: "BTC_JPY", Side: domain.SideLong, EntryPrice: d("10000000"), EntryQty: d("0.01")}
	if err := f.store.InsertPendingPosition(ctx, p); err != nil {
		t.Fatalf("insert pending: %v", err)
	}
	entry := domain.Fill{OrderID: "JRF-1", Qty: d("0.01"), Price: d("10000000"), Fee: d("0"), FilledAt: time.Now().Unix()}
	if err := f.store.PromotePosition(ctx, p.ID, entry); err != nil {
		t.Fatalf("promote: %v", err)
	}
	// The exchange says the wallet is empty.
	f.gw.holdings = map[string]decimal.Decimal{"BTC": d("0")}

	if _, err := f.rec.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	exclusions, _ := f.store.Exclusions(ctx)
	if len(exclusions) != 1 || exclusions[0].Symbol != "BTC_JPY" {
		t.Fatalf("exclusions = %+v", exclusions)
	}
	if f.events.count(domain.EventReconcileAlert) == 0 {
		t.Fatal("missing reconciliation alert")
	}
}

func TestHoldingsDustIsTolerated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p := &domain.Position{Symbol: "BTC_JPY", Side: domain.SideLong, EntryPrice: d("10000000"), EntryQty: d("0.01")}
	if err := f.store.InsertPendingPosition(ctx, p); err != nil {
		t.Fatalf("insert pending: %v", err)
	}
	entry := domain.Fill{OrderID: "JRF-1", Qty: d("0.01"), Price: d("10000000"), Fee: d("0"), FilledAt: time.Now().Unix()}
	if err := f.store.PromotePosition(ctx, p.ID, entry); err != nil {
		t.Fatalf("promote: %v", err)
	}
	// Base-currency fee deduction leaves slightly less than recorded.
	f.gw.holdings = map[string]decimal.Decimal{"BTC": d("0.0099999")}

	if _, err := f.rec.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	exclusions, _ := f.store.Exclusions(ctx)
	if len(exclusions) != 0 {
		t.Fatalf("exclusions = %+v, dust must not exclude", exclusions)
	}
}
