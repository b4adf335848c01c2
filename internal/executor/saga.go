package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/hmatsuda/cryptotrader/internal/domain"
	"github.com/hmatsuda/cryptotrader/internal/gateway"
)

// Client ids for saga orders are derived from the saga id so a restarted
// process can find every order the crashed one may have placed.
func sagaClientID(sagaID, leg string) string {
	return sagaID + ":" + leg
}

// openPair executes a two-leg hedged decision under the saga protocol.
// Instrument locks for both symbols are held by the caller.
func (c *Coordinator) openPair(ctx context.Context, d domain.Decision) error {
	saga := &domain.PairSaga{
		Leg1: domain.SagaLeg{Symbol: d.Symbol, Side: d.Side, Qty: d.Qty},
		Leg2: domain.SagaLeg{Symbol: d.Hedge.Symbol, Side: d.Hedge.Side, Qty: d.Hedge.Qty},
	}
	if err := c.ledger.InsertSaga(ctx, saga); err != nil {
		return err
	}
	c.log.Info("pair trade initiated",
		"saga_id", saga.ID,
		"leg1", fmt.Sprintf("%s %s %s", saga.Leg1.Side, saga.Leg1.Qty, saga.Leg1.Symbol),
		"leg2", fmt.Sprintf("%s %s %s", saga.Leg2.Side, saga.Leg2.Qty, saga.Leg2.Symbol))

	if err := c.runLeg1(ctx, saga); err != nil {
		return err
	}
	return c.runLeg2(ctx, saga)
}

func (c *Coordinator) runLeg1(ctx context.Context, saga *domain.PairSaga) error {
	status, err := c.submitAndConfirm(ctx, gateway.OrderRequest{
		ClientID: sagaClientID(saga.ID, "leg1"),
		Symbol:   saga.Leg1.Symbol,
		Side:     domain.EntryOrderSide(saga.Leg1.Side),
		Qty:      saga.Leg1.Qty,
	})
	switch {
	case err == nil && status.State == gateway.OrderFilled:
		pos := &domain.Position{
			Symbol:      saga.Leg1.Symbol,
			Side:        saga.Leg1.Side,
			StopLossPct: c.cfg.Risk.StopLossPct,
		}
		return c.ledger.ConfirmSagaLeg(ctx, saga.ID, 1, pos, *status.Fill)
	case err == nil:
		if pf := status.PartialFill(); pf != nil {
			return c.reverseLeg1Partial(ctx, saga.ID, *pf, status.State)
		}
		return c.abandonSaga(ctx, saga.ID, "leg 1 order "+string(status.State))
	case errors.Is(err, domain.ErrGatewayRejected):
		if aerr := c.abandonSaga(ctx, saga.ID, err.Error()); aerr != nil {
			return aerr
		}
		return err
	case errors.Is(err, domain.ErrGatewayAmbiguous):
		// State stays initiated; the startup reconciler resumes it.
		c.sagaAlert(ctx, saga, "leg 1 unresolved: "+err.Error())
		return err
	default:
		return err
	}
}

func (c *Coordinator) abandonSaga(ctx context.Context, sagaID, reason string) error {
	if err := c.ledger.AbandonSaga(ctx, sagaID, reason); err != nil {
		return err
	}
	c.log.Warn("pair trade abandoned before any fill", "saga_id", sagaID, "reason", reason)
	return nil
}

// reverseLeg1Partial handles a leg 1 order that terminated after executing
// only part of its size. The executed slice is confirmed so the exposure
// is on the books, then reversed: a rump leg 1 is not the pair the
// decision asked for.
func (c *Coordinator) reverseLeg1Partial(ctx context.Context, sagaID string, fill domain.Fill, state gateway.OrderState) error {
	saga, err := c.getSaga(ctx, sagaID)
	if err != nil {
		return err
	}
	pos := &domain.Position{
		Symbol:      saga.Leg1.Symbol,
		Side:        saga.Leg1.Side,
		StopLossPct: c.cfg.Risk.StopLossPct,
	}
	if err := c.ledger.ConfirmSagaLeg(ctx, sagaID, 1, pos, fill); err != nil {
		return err
	}
	return c.compensate(ctx, sagaID,
		fmt.Sprintf("leg 1 order %s after partial fill %s of %s", state, fill.Qty, saga.Leg1.Qty))
}

func (c *Coordinator) runLeg2(ctx context.Context, saga *domain.PairSaga) error {
	status, err := c.submitAndConfirm(ctx, gateway.OrderRequest{
		ClientID: sagaClientID(saga.ID, "leg2"),
		Symbol:   saga.Leg2.Symbol,
		Side:     domain.EntryOrderSide(saga.Leg2.Side),
		Qty:      saga.Leg2.Qty,
	})
	switch {
	case err == nil && status.State == gateway.OrderFilled:
		pos := &domain.Position{
			Symbol:      saga.Leg2.Symbol,
			Side:        saga.Leg2.Side,
			StopLossPct: c.cfg.Risk.StopLossPct,
		}
		if err := c.ledger.ConfirmSagaLeg(ctx, saga.ID, 2, pos, *status.Fill); err != nil {
			return err
		}
		c.emit(ctx, domain.Event{
			Type: domain.EventPairCommitted, SagaID: saga.ID,
			Detail: fmt.Sprintf("%s + %s", saga.Leg1.Symbol, saga.Leg2.Symbol),
		})
		return nil
	case err == nil:
		if pf := status.PartialFill(); pf != nil {
			return c.commitPartialHedge(ctx, saga.ID, *pf)
		}
		return c.compensate(ctx, saga.ID, "leg 2 order "+string(status.State))
	case errors.Is(err, domain.ErrGatewayRejected):
		return c.compensate(ctx, saga.ID, err.Error())
	case errors.Is(err, domain.ErrGatewayAmbiguous):
		// State stays leg1_confirmed; the startup reconciler resumes it.
		c.sagaAlert(ctx, saga, "leg 2 unresolved: "+err.Error())
		return err
	default:
		return err
	}
}

// commitPartialHedge commits a saga whose leg 2 order terminated with only
// part of its quantity executed. The executed slice becomes leg 2's
// position, and leg 1 is trimmed to the achieved hedge ratio through the
// close protocol so the pair stays balanced.
func (c *Coordinator) commitPartialHedge(ctx context.Context, sagaID string, fill domain.Fill) error {
	saga, err := c.getSaga(ctx, sagaID)
	if err != nil {
		return err
	}
	pos := &domain.Position{
		Symbol:      saga.Leg2.Symbol,
		Side:        saga.Leg2.Side,
		StopLossPct: c.cfg.Risk.StopLossPct,
	}
	if err := c.ledger.ConfirmSagaLeg(ctx, sagaID, 2, pos, fill); err != nil {
		return err
	}
	c.emit(ctx, domain.Event{
		Type: domain.EventPairCommitted, SagaID: sagaID,
		Detail: fmt.Sprintf("%s + %s (hedge filled %s of %s)",
			saga.Leg1.Symbol, saga.Leg2.Symbol, fill.Qty, saga.Leg2.Qty),
	})

	leg1, err := c.ledger.GetPosition(ctx, saga.Leg1.PositionID)
	if err != nil {
		return err
	}
	keep := leg1.RemainingQty.Mul(fill.Qty.Div(saga.Leg2.Qty)).Truncate(8)
	excess := leg1.RemainingQty.Sub(keep)
	if !excess.IsPositive() {
		return nil
	}
	c.log.Warn("leg 2 partially filled, trimming leg 1 to the hedge ratio",
		"saga_id", sagaID, "filled", fill.Qty.String(), "wanted", saga.Leg2.Qty.String(),
		"trim", excess.String())
	return c.closeHeld(ctx, leg1, excess,
		fmt.Sprintf("hedge shortfall %s of %s", fill.Qty, saga.Leg2.Qty), 0)
}

// compensate reverses leg 1's confirmed exposure after leg 2 failed
// definitively. Compensation is attempted exactly once; if the reversing
// order itself fails the saga is parked for manual review and never
// auto-retried.
func (c *Coordinator) compensate(ctx context.Context, sagaID, reason string) error {
	if err := c.ledger.BeginSagaCompensation(ctx, sagaID, reason); err != nil {
		return err
	}
	saga, err := c.getSaga(ctx, sagaID)
	if err != nil {
		return err
	}
	pos, err := c.ledger.GetPosition(ctx, saga.Leg1.PositionID)
	if err != nil {
		return err
	}
	c.log.Warn("compensating pair trade",
		"saga_id", sagaID, "reason", reason, "reversal_qty", pos.RemainingQty.String())

	status, err := c.submitAndConfirm(ctx, gateway.OrderRequest{
		ClientID: sagaClientID(sagaID, "comp"),
		Symbol:   pos.Symbol,
		Side:     domain.ExitOrderSide(pos.Side),
		Qty:      pos.RemainingQty,
	})
	switch {
	case err == nil && status.State == gateway.OrderFilled:
		if err := c.ledger.CompleteSagaCompensation(ctx, sagaID, *status.Fill); err != nil {
			return err
		}
		c.emit(ctx, domain.Event{
			Type: domain.EventPairCompensated, SagaID: sagaID, Symbol: pos.Symbol,
			Detail: reason,
		})
		return nil
	case err == nil, errors.Is(err, domain.ErrGatewayRejected):
		detail := "compensation order "
		if err != nil {
			detail += err.Error()
		} else {
			detail += string(status.State)
		}
		return c.failCompensation(ctx, sagaID, pos.Symbol, detail, status.PartialFill())
	default:
		// Ambiguous: state stays compensating for the reconciler.
		c.sagaAlert(ctx, &saga, "compensation unresolved: "+err.Error())
		return err
	}
}

// failCompensation parks a saga whose reversing order failed. A partially
// executed reversal is recorded first so the ledger shows exactly how much
// exposure is left for the human to resolve.
func (c *Coordinator) failCompensation(ctx context.Context, sagaID, symbol, detail string, partial *domain.Fill) error {
	if partial != nil {
		detail = fmt.Sprintf("%s (reversed %s before terminating)", detail, partial.Qty)
		if err := c.ledger.RecordPartialCompensation(ctx, sagaID, *partial, detail); err != nil {
			return err
		}
	} else if err := c.ledger.MarkSagaManualReview(ctx, sagaID, detail); err != nil {
		return err
	}
	c.emit(ctx, domain.Event{
		Type: domain.EventPairManualReview, SagaID: sagaID, Symbol: symbol,
		Detail: detail,
	})
	return fmt.Errorf("executor: saga %s: %s: %w", sagaID, detail, domain.ErrCompensationFailed)
}

// ResumeSaga drives one unresolved saga to a terminal state. Called by
// the startup reconciler before any new trading.
func (c *Coordinator) ResumeSaga(ctx context.Context, saga domain.PairSaga) error {
	if !c.locks.tryAcquire(saga.Leg1.Symbol, saga.Leg2.Symbol) {
		return fmt.Errorf("executor: resume saga %s: %w", saga.ID, domain.ErrInstrumentBusy)
	}
	defer c.locks.release(saga.Leg1.Symbol, saga.Leg2.Symbol)

	c.log.Info("resuming saga", "saga_id", saga.ID, "state", string(saga.State))

	switch saga.State {
	case domain.SagaInitiated:
		return c.resumeInitiated(ctx, saga)
	case domain.SagaLeg1Confirmed:
		return c.resumeLeg2(ctx, saga)
	case domain.SagaCompensating:
		return c.resumeCompensating(ctx, saga)
	default:
		return nil
	}
}

// resumeInitiated discovers whether leg 1's order ever reached the
// exchange. Absence is proof nothing was placed and the saga resolves
// flat; a fill means the pair must still be completed or compensated.
func (c *Coordinator) resumeInitiated(ctx context.Context, saga domain.PairSaga) error {
	status, err := c.ResolveByClientID(ctx, saga.Leg1.Symbol, sagaClientID(saga.ID, "leg1"))
	switch {
	case err == nil && status.State == gateway.OrderFilled:
		pos := &domain.Position{
			Symbol:      saga.Leg1.Symbol,
			Side:        saga.Leg1.Side,
			StopLossPct: c.cfg.Risk.StopLossPct,
		}
		if err := c.ledger.ConfirmSagaLeg(ctx, saga.ID, 1, pos, *status.Fill); err != nil {
			return err
		}
		fresh, err := c.getSaga(ctx, saga.ID)
		if err != nil {
			return err
		}
		return c.resumeLeg2(ctx, fresh)
	case err == nil:
		if pf := status.PartialFill(); pf != nil {
			return c.reverseLeg1Partial(ctx, saga.ID, *pf, status.State)
		}
		return c.abandonSaga(ctx, saga.ID, "leg 1 order "+string(status.State))
	case errors.Is(err, domain.ErrGatewayRejected):
		return c.abandonSaga(ctx, saga.ID, "leg 1 order never reached the exchange")
	default:
		return err
	}
}

// resumeLeg2 handles a saga holding exactly one confirmed fill. A leg 2
// order found filled commits the pair; a leg 2 that provably never
// happened or terminated without a fill triggers compensation, because
// the decision that justified the hedge is stale by restart time.
func (c *Coordinator) resumeLeg2(ctx context.Context, saga domain.PairSaga) error {
	status, err := c.ResolveByClientID(ctx, saga.Leg2.Symbol, sagaClientID(saga.ID, "leg2"))
	switch {
	case err == nil && status.State == gateway.OrderFilled:
		pos := &domain.Position{
			Symbol:      saga.Leg2.Symbol,
			Side:        saga.Leg2.Side,
			StopLossPct: c.cfg.Risk.StopLossPct,
		}
		if err := c.ledger.ConfirmSagaLeg(ctx, saga.ID, 2, pos, *status.Fill); err != nil {
			return err
		}
		c.emit(ctx, domain.Event{
			Type: domain.EventPairCommitted, SagaID: saga.ID,
			Detail: fmt.Sprintf("%s + %s (recovered)", saga.Leg1.Symbol, saga.Leg2.Symbol),
		})
		return nil
	case err == nil:
		if pf := status.PartialFill(); pf != nil {
			return c.commitPartialHedge(ctx, saga.ID, *pf)
		}
		return c.compensate(ctx, saga.ID, "recovery: leg 2 order "+string(status.State))
	case errors.Is(err, domain.ErrGatewayRejected):
		return c.compensate(ctx, saga.ID, "recovery: leg 2 never reached the exchange")
	default:
		return err
	}
}

// resumeCompensating finishes a reversal that was in flight at crash
// time. If the compensation order was filled the saga completes; if it
// provably never landed, one fresh attempt is made.
func (c *Coordinator) resumeCompensating(ctx context.Context, saga domain.PairSaga) error {
	status, err := c.ResolveByClientID(ctx, saga.Leg1.Symbol, sagaClientID(saga.ID, "comp"))
	switch {
	case err == nil && status.State == gateway.OrderFilled:
		if err := c.ledger.CompleteSagaCompensation(ctx, saga.ID, *status.Fill); err != nil {
			return err
		}
		c.emit(ctx, domain.Event{
			Type: domain.EventPairCompensated, SagaID: saga.ID, Symbol: saga.Leg1.Symbol,
			Detail: "recovered compensation " + status.OrderID,
		})
		return nil
	case err == nil:
		if pf := status.PartialFill(); pf != nil {
			// Only one reversal is ever attempted; the executed slice is
			// recorded and the remainder goes to a human.
			return c.failCompensation(ctx, saga.ID, saga.Leg1.Symbol,
				"compensation order "+string(status.State), pf)
		}
		return c.compensate(ctx, saga.ID, "recovery: "+saga.Reason)
	case errors.Is(err, domain.ErrGatewayRejected):
		return c.compensate(ctx, saga.ID, "recovery: "+saga.Reason)
	default:
		return err
	}
}

func (c *Coordinator) getSaga(ctx context.Context, sagaID string) (domain.PairSaga, error) {
	sagas, err := c.ledger.UnresolvedSagas(ctx)
	if err != nil {
		return domain.PairSaga{}, err
	}
	for _, s := range sagas {
		if s.ID == sagaID {
			return s, nil
		}
	}
	return domain.PairSaga{}, fmt.Errorf("executor: saga %s: %w", sagaID, domain.ErrNotFound)
}

func (c *Coordinator) sagaAlert(ctx context.Context, saga *domain.PairSaga, detail string) {
	c.log.Error("saga needs recovery", "saga_id", saga.ID, "detail", detail)
	c.emit(ctx, domain.Event{
		Type: domain.EventReconcileAlert, SagaID: saga.ID, Symbol: saga.Leg1.Symbol,
		Detail: detail,
	})
}
