// Package reconcile restores consistency between the ledger and the
// exchange after a restart. It runs to completion before any new trading:
// pending positions and close intents are resolved through idempotency
// lookups, unresolved sagas are driven to terminal states, and exchange
// holdings are diffed against ledger expectations. Anything that cannot
// be resolved automatically excludes the instrument and alerts instead of
// guessing.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hmatsuda/cryptotrader/internal/config"
	"github.com/hmatsuda/cryptotrader/internal/domain"
	"github.com/hmatsuda/cryptotrader/internal/executor"
	"github.com/hmatsuda/cryptotrader/internal/gateway"
)

// holdingsTolerance absorbs dust from base-currency fee deductions when
// comparing exchange holdings against ledger expectations.
var holdingsTolerance = decimal.RequireFromString("0.000001")

// Report summarizes one reconciliation pass for logging and operator
// visibility.
type Report struct {
	ResolvedPositions int
	ResolvedIntents   int
	ResolvedSagas     int
	Excluded          []string
	Alerts            int
}

// Reconciler drives the startup recovery pass.
type Reconciler struct {
	ledger domain.Ledger
	gw     gateway.Gateway
	coord  *executor.Coordinator
	events domain.EventSink
	cfg    *config.Config
	log    *slog.Logger
}

// New wires a reconciler.
func New(
	ledger domain.Ledger,
	gw gateway.Gateway,
	coord *executor.Coordinator,
	events domain.EventSink,
	cfg *config.Config,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		ledger: ledger,
		gw:     gw,
		coord:  coord,
		events: events,
		cfg:    cfg,
		log:    logger.With(slog.String("component", "reconcile")),
	}
}

// Run executes the full reconciliation pass. It is idempotent: running it
// twice in a row leaves the ledger unchanged the second time.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	r.log.Info("reconciliation started")
	var rep Report

	if err := r.resolvePendingPositions(ctx, &rep); err != nil {
		return rep, fmt.Errorf("reconcile: pending positions: %w", err)
	}
	if err := r.resolvePendingCloseIntents(ctx, &rep); err != nil {
		return rep, fmt.Errorf("reconcile: close intents: %w", err)
	}
	if err := r.resolveSagas(ctx, &rep); err != nil {
		return rep, fmt.Errorf("reconcile: sagas: %w", err)
	}
	if err := r.diffHoldings(ctx, &rep); err != nil {
		return rep, fmt.Errorf("reconcile: holdings: %w", err)
	}

	r.log.Info("reconciliation finished",
		"resolved_positions", rep.ResolvedPositions,
		"resolved_intents", rep.ResolvedIntents,
		"resolved_sagas", rep.ResolvedSagas,
		"excluded", len(rep.Excluded),
		"alerts", rep.Alerts)
	return rep, nil
}

// resolvePendingPositions settles every write-ahead row left by a crashed
// open protocol. The position id doubles as the order's client id, so the
// exchange can be asked directly whether the order ever existed.
func (r *Reconciler) resolvePendingPositions(ctx context.Context, rep *Report) error {
	pending, err := r.ledger.PendingPositions(ctx)
	if err != nil {
		return err
	}
	for _, p := range pending {
		status, err := r.coord.ResolveByClientID(ctx, p.Symbol, p.ID)
		switch {
		case err == nil && status.State == gateway.OrderFilled:
			if err := r.ledger.PromotePosition(ctx, p.ID, *status.Fill); err != nil {
				return err
			}
			rep.ResolvedPositions++
			r.log.Info("recovered filled entry", "position_id", p.ID, "order_id", status.OrderID)
			r.alert(ctx, rep, domain.Event{
				Type: domain.EventPositionOpened, Symbol: p.Symbol, PositionID: p.ID,
				Detail: "recovered after restart",
			})
		case err == nil:
			if err := r.ledger.MarkPositionFailed(ctx, p.ID, "recovery: order "+string(status.State)); err != nil {
				return err
			}
			rep.ResolvedPositions++
		case errors.Is(err, domain.ErrGatewayRejected):
			if err := r.ledger.MarkPositionFailed(ctx, p.ID, "recovery: order never reached the exchange"); err != nil {
				return err
			}
			rep.ResolvedPositions++
			r.log.Info("discarded phantom entry", "position_id", p.ID)
		default:
			// Cannot prove anything; stop trading the instrument.
			if err := r.exclude(ctx, rep, p.Symbol, "unresolved pending entry "+p.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolvePendingCloseIntents settles close protocols that crashed between
// write-ahead and confirmation.
func (r *Reconciler) resolvePendingCloseIntents(ctx context.Context, rep *Report) error {
	intents, err := r.ledger.PendingCloseIntents(ctx)
	if err != nil {
		return err
	}
	for _, ci := range intents {
		status, err := r.coord.ResolveByClientID(ctx, ci.Symbol, ci.ID)
		switch {
		case err == nil && status.State == gateway.OrderFilled:
			if err := r.ledger.RecordClose(ctx, ci.ID, *status.Fill); err != nil {
				return err
			}
			rep.ResolvedIntents++
			r.log.Info("recovered filled exit", "intent_id", ci.ID, "order_id", status.OrderID)
		case err == nil:
			if err := r.ledger.AbandonCloseIntent(ctx, ci.ID, "recovery: order "+string(status.State)); err != nil {
				return err
			}
			rep.ResolvedIntents++
		case errors.Is(err, domain.ErrGatewayRejected):
			if err := r.ledger.AbandonCloseIntent(ctx, ci.ID, "recovery: order never reached the exchange"); err != nil {
				return err
			}
			rep.ResolvedIntents++
		default:
			if err := r.exclude(ctx, rep, ci.Symbol, "unresolved close intent "+ci.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveSagas drives every non-terminal saga forward. Failures exclude
// both legs' instruments rather than aborting the whole pass.
func (r *Reconciler) resolveSagas(ctx context.Context, rep *Report) error {
	sagas, err := r.ledger.UnresolvedSagas(ctx)
	if err != nil {
		return err
	}
	for _, saga := range sagas {
		if err := r.coord.ResumeSaga(ctx, saga); err != nil {
			r.log.Error("saga recovery failed", "saga_id", saga.ID, "error", err.Error())
			if xerr := r.exclude(ctx, rep, saga.Leg1.Symbol, "unresolved saga "+saga.ID); xerr != nil {
				return xerr
			}
			if xerr := r.exclude(ctx, rep, saga.Leg2.Symbol, "unresolved saga "+saga.ID); xerr != nil {
				return xerr
			}
			continue
		}
		rep.ResolvedSagas++
	}
	return nil
}

// diffHoldings compares exchange holdings per base currency against the
// sum of remaining quantities the ledger believes are open. A mismatch
// beyond fee dust excludes the instrument until an operator acknowledges.
func (r *Reconciler) diffHoldings(ctx context.Context, rep *Report) error {
	holdings, err := r.gw.Holdings(ctx)
	if err != nil {
		return err
	}
	open, err := r.ledger.OpenPositions(ctx)
	if err != nil {
		return err
	}

	expected := make(map[string]decimal.Decimal)
	symbolByBase := make(map[string]string)
	for _, sym := range r.cfg.Trading.Instruments {
		base := baseCurrency(sym)
		expected[base] = decimal.Zero
		symbolByBase[base] = sym
	}
	for _, p := range open {
		base := baseCurrency(p.Symbol)
		if _, tracked := expected[base]; !tracked {
			continue
		}
		// Short exposure holds no base asset on a spot venue.
		if p.Side == domain.SideLong {
			expected[base] = expected[base].Add(p.RemainingQty)
		}
	}

	for base, want := range expected {
		got := holdings[base]
		diff := got.Sub(want).Abs()
		if diff.LessThanOrEqual(holdingsTolerance) {
			continue
		}
		sym := symbolByBase[base]
		r.log.Warn("holdings mismatch",
			"symbol", sym, "expected", want.String(), "actual", got.String())
		if err := r.exclude(ctx, rep, sym,
			fmt.Sprintf("holdings mismatch: ledger %s, exchange %s", want, got)); err != nil {
			return err
		}
	}
	return nil
}

func baseCurrency(symbol string) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '_' {
			return symbol[:i]
		}
	}
	return symbol
}

// exclude flags the instrument and raises an alert. Never silent.
func (r *Reconciler) exclude(ctx context.Context, rep *Report, symbol, reason string) error {
	if err := r.ledger.ExcludeInstrument(ctx, symbol, reason); err != nil {
		return err
	}
	rep.Excluded = append(rep.Excluded, symbol)
	r.alert(ctx, rep, domain.Event{
		Type: domain.EventReconcileAlert, Symbol: symbol, Detail: reason,
	})
	return nil
}

func (r *Reconciler) alert(ctx context.Context, rep *Report, ev domain.Event) {
	rep.Alerts++
	if r.events == nil {
		return
	}
	ev.At = time.Now().Unix()
	r.events.Emit(ctx, ev)
}
