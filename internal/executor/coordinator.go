// Package executor drives the order submission protocols. Every order
// follows write-ahead, submit, confirm: intent is durable in the ledger
// before the exchange is called, and position state changes only on a
// confirmed fill. Ambiguous submissions are resolved by status lookups
// keyed on the idempotency client id, never by submitting again.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hmatsuda/cryptotrader/internal/config"
	"github.com/hmatsuda/cryptotrader/internal/domain"
	"github.com/hmatsuda/cryptotrader/internal/gateway"
	"github.com/hmatsuda/cryptotrader/internal/risk"
)

// Coordinator owns the open and close protocols for single-leg positions
// and delegates pair decisions to the saga path.
type Coordinator struct {
	ledger domain.Ledger
	gw     gateway.Gateway
	prices domain.PriceSource
	events domain.EventSink
	halt   *risk.Tracker
	cfg    *config.Config
	locks  *instrumentLocks
	log    *slog.Logger
}

// NewCoordinator wires the execution dependencies.
func NewCoordinator(
	ledger domain.Ledger,
	gw gateway.Gateway,
	prices domain.PriceSource,
	events domain.EventSink,
	halt *risk.Tracker,
	cfg *config.Config,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		ledger: ledger,
		gw:     gw,
		prices: prices,
		events: events,
		halt:   halt,
		cfg:    cfg,
		locks:  newInstrumentLocks(),
		log:    logger.With(slog.String("component", "executor")),
	}
}

// HandleDecision validates and executes one trade decision. Entries are
// refused while halted; exits are never gated here.
func (c *Coordinator) HandleDecision(ctx context.Context, d domain.Decision) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if halted, reason := c.halt.Halted(); halted {
		return fmt.Errorf("executor: decision %s: %s: %w", d.ID, reason, domain.ErrHalted)
	}
	if d.Confidence < c.cfg.Risk.MinConfidence {
		return &domain.ValidationError{
			Field:  "confidence",
			Reason: fmt.Sprintf("%.2f below minimum %.2f", d.Confidence, c.cfg.Risk.MinConfidence),
		}
	}

	symbols := []string{d.Symbol}
	if d.Hedge != nil {
		symbols = append(symbols, d.Hedge.Symbol)
	}
	for _, sym := range symbols {
		if err := c.entryAllowed(ctx, sym); err != nil {
			return err
		}
	}

	if !c.locks.tryAcquire(symbols...) {
		return fmt.Errorf("executor: %v: %w", symbols, domain.ErrInstrumentBusy)
	}
	defer c.locks.release(symbols...)

	if d.Hedge != nil {
		return c.openPair(ctx, d)
	}
	return c.openSingle(ctx, d)
}

// entryAllowed enforces instrument enablement, reconciliation exclusions,
// and the single-position rule.
func (c *Coordinator) entryAllowed(ctx context.Context, symbol string) error {
	enabled := false
	for _, s := range c.cfg.Trading.Instruments {
		if s == symbol {
			enabled = true
			break
		}
	}
	if !enabled {
		return &domain.ValidationError{Field: "symbol", Reason: fmt.Sprintf("%s not enabled for trading", symbol)}
	}

	exclusions, err := c.ledger.Exclusions(ctx)
	if err != nil {
		return err
	}
	for _, e := range exclusions {
		if e.Symbol == symbol && !e.Acked {
			return fmt.Errorf("executor: %s: %s: %w", symbol, e.Reason, domain.ErrInstrumentExcluded)
		}
	}

	if c.cfg.Trading.SinglePositionPerInstrument {
		_, err := c.ledger.OpenPositionBySymbol(ctx, symbol)
		switch {
		case err == nil:
			return fmt.Errorf("executor: %s: %w", symbol, domain.ErrPositionExists)
		case errors.Is(err, domain.ErrNotFound):
		default:
			return err
		}
	}
	return nil
}

// cappedQty bounds the decision quantity by risk-based sizing against the
// available balance.
func (c *Coordinator) cappedQty(ctx context.Context, symbol string, want decimal.Decimal) (decimal.Decimal, error) {
	price, _, err := c.prices.GetPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("executor: size %s: %w", symbol, err)
	}
	balance, err := c.gw.Balance(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("executor: size %s: %w", symbol, err)
	}
	max := risk.PositionSize(balance, price, c.cfg.Risk.StopLossPct, c.cfg.Risk)
	if max.IsZero() {
		return decimal.Zero, &domain.ValidationError{Field: "qty", Reason: "balance too small for any position"}
	}
	if want.GreaterThan(max) {
		c.log.Info("capping decision quantity", "symbol", symbol, "want", want.String(), "max", max.String())
		return max, nil
	}
	return want, nil
}

// openSingle runs the single-leg open protocol: write-ahead, submit with
// the position id as client id, confirm or resolve.
func (c *Coordinator) openSingle(ctx context.Context, d domain.Decision) error {
	qty, err := c.cappedQty(ctx, d.Symbol, d.Qty)
	if err != nil {
		return err
	}
	price, _, err := c.prices.GetPrice(ctx, d.Symbol)
	if err != nil {
		return fmt.Errorf("executor: open %s: %w", d.Symbol, err)
	}

	pos := &domain.Position{
		Symbol:      d.Symbol,
		Side:        d.Side,
		EntryPrice:  price,
		EntryQty:    qty,
		StopLossPct: c.cfg.Risk.StopLossPct,
	}
	if err := c.ledger.InsertPendingPosition(ctx, pos); err != nil {
		return err
	}
	c.log.Info("opening position",
		"position_id", pos.ID, "symbol", d.Symbol, "side", d.Side, "qty", qty.String())

	status, err := c.submitAndConfirm(ctx, gateway.OrderRequest{
		ClientID: pos.ID,
		Symbol:   d.Symbol,
		Side:     domain.EntryOrderSide(d.Side),
		Qty:      qty,
	})
	switch {
	case err == nil && status.State == gateway.OrderFilled:
		if err := c.ledger.PromotePosition(ctx, pos.ID, *status.Fill); err != nil {
			return err
		}
		c.emit(ctx, domain.Event{
			Type: domain.EventPositionOpened, Symbol: d.Symbol, PositionID: pos.ID,
			Detail: fmt.Sprintf("%s %s @ %s", d.Side, status.Fill.Qty, status.Fill.Price),
		})
		return nil
	case err == nil:
		if pf := status.PartialFill(); pf != nil {
			// The order died partially executed; the executed slice is
			// real exposure and becomes the position.
			if err := c.ledger.PromotePosition(ctx, pos.ID, *pf); err != nil {
				return err
			}
			c.log.Warn("entry order terminated partially filled",
				"position_id", pos.ID, "state", string(status.State),
				"filled", pf.Qty.String(), "wanted", qty.String())
			c.emit(ctx, domain.Event{
				Type: domain.EventPositionOpened, Symbol: d.Symbol, PositionID: pos.ID,
				Detail: fmt.Sprintf("%s %s @ %s (order %s after partial fill)",
					d.Side, pf.Qty, pf.Price, status.State),
			})
			return nil
		}
		// Terminal without a fill.
		return c.failPending(ctx, pos.ID, d.Symbol, "order "+string(status.State))
	case errors.Is(err, domain.ErrGatewayRejected):
		if ferr := c.failPending(ctx, pos.ID, d.Symbol, err.Error()); ferr != nil {
			return ferr
		}
		return err
	case errors.Is(err, domain.ErrGatewayAmbiguous):
		// The pending row stays for the startup reconciler.
		c.log.Error("entry unresolved, leaving pending", "position_id", pos.ID, "error", err.Error())
		c.emit(ctx, domain.Event{
			Type: domain.EventReconcileAlert, Symbol: d.Symbol, PositionID: pos.ID,
			Detail: "entry order unresolved: " + err.Error(),
		})
		return err
	default:
		return err
	}
}

func (c *Coordinator) failPending(ctx context.Context, positionID, symbol, reason string) error {
	if err := c.ledger.MarkPositionFailed(ctx, positionID, reason); err != nil {
		return err
	}
	c.log.Warn("entry failed", "position_id", positionID, "symbol", symbol, "reason", reason)
	return nil
}

// ClosePosition runs the close protocol for qty of an exposed position.
// Stage carries the take-profit stage being realized, 0 otherwise.
func (c *Coordinator) ClosePosition(ctx context.Context, positionID string, qty decimal.Decimal, reason string, stage int) error {
	pos, err := c.ledger.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if !pos.Exposed() {
		return fmt.Errorf("executor: close %s: position is %s: %w", positionID, pos.Status, domain.ErrNotFound)
	}

	if !c.locks.tryAcquire(pos.Symbol) {
		return fmt.Errorf("executor: close %s: %w", pos.Symbol, domain.ErrInstrumentBusy)
	}
	defer c.locks.release(pos.Symbol)

	return c.closeHeld(ctx, pos, qty, reason, stage)
}

// closeHeld runs the close protocol with the instrument lock already held
// by the caller.
func (c *Coordinator) closeHeld(ctx context.Context, pos domain.Position, qty decimal.Decimal, reason string, stage int) error {
	positionID := pos.ID
	ci := &domain.CloseIntent{
		PositionID: positionID,
		Symbol:     pos.Symbol,
		Qty:        qty,
		Reason:     reason,
		Stage:      stage,
	}
	if err := c.ledger.InsertCloseIntent(ctx, ci); err != nil {
		return err
	}
	c.log.Info("closing position",
		"position_id", positionID, "intent_id", ci.ID, "qty", qty.String(), "reason", reason)

	status, err := c.submitAndConfirm(ctx, gateway.OrderRequest{
		ClientID: ci.ID,
		Symbol:   pos.Symbol,
		Side:     domain.ExitOrderSide(pos.Side),
		Qty:      qty,
	})
	switch {
	case err == nil && status.State == gateway.OrderFilled:
		return c.recordClose(ctx, pos, ci, *status.Fill)
	case err == nil:
		if pf := status.PartialFill(); pf != nil {
			// Record what actually executed; the remainder stays open.
			c.log.Warn("close order terminated partially filled",
				"intent_id", ci.ID, "state", string(status.State),
				"filled", pf.Qty.String(), "wanted", qty.String())
			return c.recordClose(ctx, pos, ci, *pf)
		}
		return c.ledger.AbandonCloseIntent(ctx, ci.ID, "order "+string(status.State))
	case errors.Is(err, domain.ErrGatewayRejected):
		if aerr := c.ledger.AbandonCloseIntent(ctx, ci.ID, err.Error()); aerr != nil {
			return aerr
		}
		return err
	case errors.Is(err, domain.ErrGatewayAmbiguous):
		c.log.Error("close unresolved, leaving intent pending", "intent_id", ci.ID, "error", err.Error())
		c.emit(ctx, domain.Event{
			Type: domain.EventReconcileAlert, Symbol: pos.Symbol, PositionID: positionID,
			Detail: "close order unresolved: " + err.Error(),
		})
		return err
	default:
		return err
	}
}

// recordClose applies a confirmed exit fill and feeds the halt tracker.
func (c *Coordinator) recordClose(ctx context.Context, pos domain.Position, ci *domain.CloseIntent, fill domain.Fill) error {
	if err := c.ledger.RecordClose(ctx, ci.ID, fill); err != nil {
		return err
	}

	diff := fill.Price.Sub(pos.EntryPrice)
	if pos.Side == domain.SideShort {
		diff = diff.Neg()
	}
	realized := diff.Mul(fill.Qty).Sub(fill.Fee)

	after, err := c.ledger.GetPosition(ctx, pos.ID)
	if err != nil {
		return err
	}
	evType := domain.EventPositionPartial
	if after.Status == domain.PositionClosed {
		evType = domain.EventPositionClosed
		c.halt.RecordClose(after.RealizedPnL)
		if halted, why := c.halt.Halted(); halted {
			c.emit(ctx, domain.Event{Type: domain.EventHalted, Detail: why})
		}
	}
	c.emit(ctx, domain.Event{
		Type: evType, Symbol: pos.Symbol, PositionID: pos.ID,
		Detail: fmt.Sprintf("%s: %s @ %s, pnl %s", ci.Reason, fill.Qty, fill.Price, realized),
	})
	return nil
}

// EvaluateExits applies the exit rules to every exposed position. Errors
// on one position never stop evaluation of the rest.
func (c *Coordinator) EvaluateExits(ctx context.Context) error {
	open, err := c.ledger.OpenPositions(ctx)
	if err != nil {
		return err
	}
	for _, pos := range open {
		price, _, err := c.prices.GetPrice(ctx, pos.Symbol)
		if err != nil {
			c.log.Warn("no price for exit evaluation", "symbol", pos.Symbol, "error", err.Error())
			continue
		}
		action := risk.Evaluate(&pos, price, c.cfg.Risk)
		if action.Kind == risk.Hold {
			continue
		}
		if err := c.ClosePosition(ctx, pos.ID, action.Qty, action.Reason, action.Stage); err != nil {
			c.log.Error("exit failed",
				"position_id", pos.ID, "action", string(action.Kind), "error", err.Error())
		}
	}
	return nil
}

// submitAndConfirm submits one order and drives it to a terminal status.
// A rejected submission returns ErrGatewayRejected; an ambiguous one is
// resolved through the client-id lookup before giving up.
func (c *Coordinator) submitAndConfirm(ctx context.Context, req gateway.OrderRequest) (gateway.OrderStatus, error) {
	submitCtx, cancel := context.WithTimeout(ctx, c.cfg.Exchange.SubmitTimeout.Duration)
	orderID, err := c.gw.SubmitOrder(submitCtx, req)
	cancel()

	switch {
	case err == nil:
		return c.awaitTerminal(ctx, req.Symbol, orderID)
	case errors.Is(err, domain.ErrGatewayAmbiguous):
		return c.ResolveByClientID(ctx, req.Symbol, req.ClientID)
	default:
		return gateway.OrderStatus{}, err
	}
}

// awaitTerminal polls an order until it reaches a terminal state, backing
// off between attempts.
func (c *Coordinator) awaitTerminal(ctx context.Context, symbol, orderID string) (gateway.OrderStatus, error) {
	var last gateway.OrderStatus
	for attempt := 0; attempt <= c.cfg.Exchange.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.Exchange.RetryBase.Duration << (attempt - 1)
			select {
			case <-ctx.Done():
				return last, fmt.Errorf("executor: await %s: %v: %w", orderID, ctx.Err(), domain.ErrGatewayAmbiguous)
			case <-time.After(backoff):
			}
		}
		status, err := c.gw.OrderStatus(ctx, symbol, orderID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// Accepted but not yet visible; keep polling.
				continue
			}
			c.log.Warn("order status poll failed", "order_id", orderID, "error", err.Error())
			continue
		}
		last = status
		if status.State.Terminal() {
			return status, nil
		}
	}
	return last, fmt.Errorf("executor: order %s not terminal after %d polls: %w",
		orderID, c.cfg.Exchange.MaxRetries, domain.ErrGatewayAmbiguous)
}

// ResolveByClientID resolves an ambiguous submission through the
// idempotency key. A provably absent order maps to ErrGatewayRejected so
// the caller can safely mark the write-ahead record failed.
func (c *Coordinator) ResolveByClientID(ctx context.Context, symbol, clientID string) (gateway.OrderStatus, error) {
	for attempt := 0; attempt <= c.cfg.Exchange.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.Exchange.RetryBase.Duration << (attempt - 1)
			select {
			case <-ctx.Done():
				return gateway.OrderStatus{}, fmt.Errorf("executor: resolve %s: %v: %w", clientID, ctx.Err(), domain.ErrGatewayAmbiguous)
			case <-time.After(backoff):
			}
		}
		status, err := c.gw.FindOrderByClientID(ctx, symbol, clientID)
		switch {
		case err == nil:
			if status.State.Terminal() {
				return status, nil
			}
			// Active; fall through to another poll.
		case errors.Is(err, domain.ErrNotFound):
			// The exchange has no such order: the submission never landed.
			return gateway.OrderStatus{}, fmt.Errorf("executor: order %s never reached the exchange: %w",
				clientID, domain.ErrGatewayRejected)
		default:
			c.log.Warn("client-id lookup failed", "client_id", clientID, "error", err.Error())
		}
	}
	return gateway.OrderStatus{}, fmt.Errorf("executor: order %s unresolved after %d lookups: %w",
		clientID, c.cfg.Exchange.MaxRetries, domain.ErrGatewayAmbiguous)
}

func (c *Coordinator) emit(ctx context.Context, ev domain.Event) {
	if c.events == nil {
		return
	}
	ev.At = time.Now().Unix()
	c.events.Emit(ctx, ev)
}
