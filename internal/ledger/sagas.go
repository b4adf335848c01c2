package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hmatsuda/cryptotrader/internal/domain"
)

const sagaCols = `id, leg1_symbol, leg1_side, leg1_qty, leg1_order_id, leg1_position_id,
	leg2_symbol, leg2_side, leg2_qty, leg2_order_id, leg2_position_id,
	state, comp_order_id, reason, created_at, updated_at`

func scanSaga(row rowScanner) (domain.PairSaga, error) {
	var (
		s            domain.PairSaga
		side1, side2 string
		qty1, qty2   string
		state        string
	)
	err := row.Scan(
		&s.ID, &s.Leg1.Symbol, &side1, &qty1, &s.Leg1.OrderID, &s.Leg1.PositionID,
		&s.Leg2.Symbol, &side2, &qty2, &s.Leg2.OrderID, &s.Leg2.PositionID,
		&state, &s.CompOrderID, &s.Reason, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return domain.PairSaga{}, err
	}
	s.Leg1.Side = domain.Side(side1)
	s.Leg2.Side = domain.Side(side2)
	s.State = domain.SagaState(state)
	if s.Leg1.Qty, err = decimal.NewFromString(qty1); err != nil {
		return domain.PairSaga{}, fmt.Errorf("decode leg1_qty %q: %w", qty1, domain.ErrLedgerCorrupt)
	}
	if s.Leg2.Qty, err = decimal.NewFromString(qty2); err != nil {
		return domain.PairSaga{}, fmt.Errorf("decode leg2_qty %q: %w", qty2, domain.ErrLedgerCorrupt)
	}
	return s, nil
}

func getSagaTx(tx *sql.Tx, id string) (domain.PairSaga, error) {
	row := tx.QueryRow(`SELECT `+sagaCols+` FROM pair_sagas WHERE id = ?`, id)
	return scanSaga(row)
}

// InsertSaga durably records a pair trade in the initiated state before
// leg 1 is submitted.
func (s *Store) InsertSaga(ctx context.Context, saga *domain.PairSaga) error {
	if saga.ID == "" {
		saga.ID = uuid.New().String()
	}
	now := time.Now().Unix()
	saga.State = domain.SagaInitiated
	saga.CreatedAt = now
	saga.UpdatedAt = now

	return s.withTx(ctx, "insert saga", func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO pair_sagas (id, leg1_symbol, leg1_side, leg1_qty, leg1_order_id, leg1_position_id,
				leg2_symbol, leg2_side, leg2_qty, leg2_order_id, leg2_position_id,
				state, comp_order_id, reason, created_at, updated_at)
			 VALUES (?, ?, ?, ?, '', '', ?, ?, ?, '', '', ?, '', '', ?, ?)`,
			saga.ID,
			saga.Leg1.Symbol, string(saga.Leg1.Side), saga.Leg1.Qty.String(),
			saga.Leg2.Symbol, string(saga.Leg2.Side), saga.Leg2.Qty.String(),
			string(domain.SagaInitiated), saga.CreatedAt, saga.UpdatedAt,
		)
		if err != nil {
			return classify("insert saga "+saga.ID, err)
		}
		if err := appendOp(tx, "saga", saga.ID, "", string(domain.SagaInitiated),
			saga.Leg1.Symbol+"/"+saga.Leg2.Symbol, now); err != nil {
			return classify("log saga "+saga.ID, err)
		}
		return nil
	})
}

// ConfirmSagaLeg records leg legNo's confirmed fill. In one transaction it
// creates the leg's position in the open state together with its entry
// trade leg, stores the exchange order id on the saga, and advances the
// saga (leg 1 → leg1_confirmed, leg 2 → committed). Replaying the same
// confirmation is a no-op.
func (s *Store) ConfirmSagaLeg(ctx context.Context, sagaID string, legNo int, pos *domain.Position, fill domain.Fill) error {
	if legNo != 1 && legNo != 2 {
		return fmt.Errorf("ledger: confirm saga leg: leg number %d out of range", legNo)
	}
	now := time.Now().Unix()
	return s.withTx(ctx, "confirm saga leg", func(tx *sql.Tx) error {
		saga, err := getSagaTx(tx, sagaID)
		if err != nil {
			return classify("load saga "+sagaID, err)
		}

		target := domain.SagaLeg1Confirmed
		want := domain.SagaInitiated
		if legNo == 2 {
			target = domain.SagaCommitted
			want = domain.SagaLeg1Confirmed
		}

		if saga.State != want {
			// Replay: the leg's order id is already recorded.
			recorded := saga.Leg1.OrderID
			if legNo == 2 {
				recorded = saga.Leg2.OrderID
			}
			if recorded == fill.OrderID {
				return nil
			}
			return fmt.Errorf("ledger: confirm saga %s leg %d: state %s: %w",
				sagaID, legNo, saga.State, domain.ErrLedgerCorrupt)
		}

		if pos.ID == "" {
			pos.ID = uuid.New().String()
		}
		pos.Status = domain.PositionOpen
		pos.EntryPrice = fill.Price
		pos.EntryQty = fill.Qty
		pos.RemainingQty = fill.Qty
		pos.OpenedAt = fill.FilledAt
		pos.UpdatedAt = now

		_, err = tx.Exec(
			`INSERT INTO positions (id, symbol, side, entry_price, entry_qty, remaining_qty,
				status, stop_loss_pct, tp_stage, realized_pnl, opened_at, closed_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '0', ?, 0, ?)`,
			pos.ID, pos.Symbol, string(pos.Side),
			pos.EntryPrice.String(), pos.EntryQty.String(), pos.RemainingQty.String(),
			string(domain.PositionOpen), pos.StopLossPct, pos.OpenedAt, pos.UpdatedAt,
		)
		if err != nil {
			return classify("insert saga position "+pos.ID, err)
		}
		_, err = tx.Exec(
			`INSERT INTO trade_legs (id, position_id, exchange_order_id, kind, side, qty, price, fee, filled_at)
			 VALUES (?, ?, ?, 'entry', ?, ?, ?, ?, ?)`,
			uuid.New().String(), pos.ID, fill.OrderID,
			string(domain.EntryOrderSide(pos.Side)),
			fill.Qty.String(), fill.Price.String(), fill.Fee.String(), fill.FilledAt,
		)
		if err != nil {
			return classify("insert saga entry leg "+pos.ID, err)
		}

		col := "leg1"
		if legNo == 2 {
			col = "leg2"
		}
		_, err = tx.Exec(
			`UPDATE pair_sagas SET state = ?, `+col+`_order_id = ?, `+col+`_position_id = ?, updated_at = ?
			 WHERE id = ?`,
			string(target), fill.OrderID, pos.ID, now, sagaID,
		)
		if err != nil {
			return classify("advance saga "+sagaID, err)
		}
		if err := appendOp(tx, "saga", sagaID, string(want), string(target), "fill "+fill.OrderID, now); err != nil {
			return classify("log saga advance "+sagaID, err)
		}
		if err := appendOp(tx, "position", pos.ID, "", string(domain.PositionOpen), "saga "+sagaID, now); err != nil {
			return classify("log saga position "+pos.ID, err)
		}
		return nil
	})
}

// BeginSagaCompensation moves a saga with a confirmed leg 1 into the
// compensating state before the reversing order is submitted.
func (s *Store) BeginSagaCompensation(ctx context.Context, sagaID, reason string) error {
	now := time.Now().Unix()
	return s.withTx(ctx, "begin saga compensation", func(tx *sql.Tx) error {
		saga, err := getSagaTx(tx, sagaID)
		if err != nil {
			return classify("load saga "+sagaID, err)
		}
		if saga.State == domain.SagaCompensating {
			return nil
		}
		if !domain.SagaCanTransition(saga.State, domain.SagaCompensating) {
			return fmt.Errorf("ledger: compensate saga %s: state %s: %w", sagaID, saga.State, domain.ErrLedgerCorrupt)
		}
		if _, err := tx.Exec(
			`UPDATE pair_sagas SET state = ?, reason = ?, updated_at = ? WHERE id = ?`,
			string(domain.SagaCompensating), reason, now, sagaID,
		); err != nil {
			return classify("update saga "+sagaID, err)
		}
		if err := appendOp(tx, "saga", sagaID, string(saga.State), string(domain.SagaCompensating), reason, now); err != nil {
			return classify("log saga "+sagaID, err)
		}
		return nil
	})
}

// CompleteSagaCompensation records the confirmed reversal of leg 1: the
// exit leg is inserted, leg 1's position is closed, and the saga reaches
// compensated, all in one transaction. Replays are no-ops.
func (s *Store) CompleteSagaCompensation(ctx context.Context, sagaID string, fill domain.Fill) error {
	now := time.Now().Unix()
	return s.withTx(ctx, "complete saga compensation", func(tx *sql.Tx) error {
		saga, err := getSagaTx(tx, sagaID)
		if err != nil {
			return classify("load saga "+sagaID, err)
		}
		if saga.State == domain.SagaCompensated {
			return nil
		}
		if !domain.SagaCanTransition(saga.State, domain.SagaCompensated) {
			return fmt.Errorf("ledger: complete compensation %s: state %s: %w", sagaID, saga.State, domain.ErrLedgerCorrupt)
		}
		if saga.Leg1.PositionID == "" {
			return fmt.Errorf("ledger: complete compensation %s: no leg 1 position: %w", sagaID, domain.ErrLedgerCorrupt)
		}

		p, err := getPositionTx(tx, saga.Leg1.PositionID)
		if err != nil {
			return classify("load position "+saga.Leg1.PositionID, err)
		}

		_, err = tx.Exec(
			`INSERT INTO trade_legs (id, position_id, exchange_order_id, kind, side, qty, price, fee, filled_at)
			 VALUES (?, ?, ?, 'exit', ?, ?, ?, ?, ?)`,
			uuid.New().String(), p.ID, fill.OrderID,
			string(domain.ExitOrderSide(p.Side)),
			fill.Qty.String(), fill.Price.String(), fill.Fee.String(), fill.FilledAt,
		)
		if err != nil {
			return classify("insert compensation leg "+p.ID, err)
		}

		diff := fill.Price.Sub(p.EntryPrice)
		if p.Side == domain.SideShort {
			diff = diff.Neg()
		}
		realized := p.RealizedPnL.Add(diff.Mul(fill.Qty)).Sub(fill.Fee)

		_, err = tx.Exec(
			`UPDATE positions SET remaining_qty = '0', realized_pnl = ?, status = ?, closed_at = ?, updated_at = ?
			 WHERE id = ?`,
			realized.String(), string(domain.PositionClosed), fill.FilledAt, now, p.ID,
		)
		if err != nil {
			return classify("close compensated position "+p.ID, err)
		}
		_, err = tx.Exec(
			`UPDATE pair_sagas SET state = ?, comp_order_id = ?, updated_at = ? WHERE id = ?`,
			string(domain.SagaCompensated), fill.OrderID, now, sagaID,
		)
		if err != nil {
			return classify("update saga "+sagaID, err)
		}
		if err := appendOp(tx, "saga", sagaID, string(saga.State), string(domain.SagaCompensated), "reversal "+fill.OrderID, now); err != nil {
			return classify("log saga "+sagaID, err)
		}
		if err := appendOp(tx, "position", p.ID, string(p.Status), string(domain.PositionClosed), "compensation", now); err != nil {
			return classify("log position "+p.ID, err)
		}
		return nil
	})
}

// RecordPartialCompensation records a reversing order that terminated
// after executing only part of leg 1's remaining quantity. In one
// transaction the executed slice is recorded as an exit leg against leg
// 1's position and the saga is parked for manual review; the unreversed
// remainder stays visible as live exposure.
func (s *Store) RecordPartialCompensation(ctx context.Context, sagaID string, fill domain.Fill, reason string) error {
	now := time.Now().Unix()
	return s.withTx(ctx, "record partial compensation", func(tx *sql.Tx) error {
		saga, err := getSagaTx(tx, sagaID)
		if err != nil {
			return classify("load saga "+sagaID, err)
		}
		if saga.State == domain.SagaManualReview {
			return nil
		}
		if !domain.SagaCanTransition(saga.State, domain.SagaManualReview) {
			return fmt.Errorf("ledger: partial compensation %s: state %s: %w", sagaID, saga.State, domain.ErrLedgerCorrupt)
		}
		if saga.Leg1.PositionID == "" {
			return fmt.Errorf("ledger: partial compensation %s: no leg 1 position: %w", sagaID, domain.ErrLedgerCorrupt)
		}

		p, err := getPositionTx(tx, saga.Leg1.PositionID)
		if err != nil {
			return classify("load position "+saga.Leg1.PositionID, err)
		}
		if fill.Qty.GreaterThan(p.RemainingQty) {
			return fmt.Errorf("ledger: partial compensation %s: reversal qty %s exceeds remaining %s: %w",
				sagaID, fill.Qty, p.RemainingQty, domain.ErrLedgerCorrupt)
		}

		_, err = tx.Exec(
			`INSERT INTO trade_legs (id, position_id, exchange_order_id, kind, side, qty, price, fee, filled_at)
			 VALUES (?, ?, ?, 'exit', ?, ?, ?, ?, ?)`,
			uuid.New().String(), p.ID, fill.OrderID,
			string(domain.ExitOrderSide(p.Side)),
			fill.Qty.String(), fill.Price.String(), fill.Fee.String(), fill.FilledAt,
		)
		if err != nil {
			return classify("insert partial compensation leg "+p.ID, err)
		}

		diff := fill.Price.Sub(p.EntryPrice)
		if p.Side == domain.SideShort {
			diff = diff.Neg()
		}
		realized := p.RealizedPnL.Add(diff.Mul(fill.Qty)).Sub(fill.Fee)
		remaining := p.RemainingQty.Sub(fill.Qty)

		newStatus := domain.PositionPartiallyClosed
		closedAt := int64(0)
		if remaining.IsZero() {
			newStatus = domain.PositionClosed
			closedAt = fill.FilledAt
		}
		if !domain.CanTransition(p.Status, newStatus) && p.Status != newStatus {
			return fmt.Errorf("ledger: partial compensation %s: illegal transition %s → %s: %w",
				p.ID, p.Status, newStatus, domain.ErrLedgerCorrupt)
		}

		_, err = tx.Exec(
			`UPDATE positions SET remaining_qty = ?, realized_pnl = ?, status = ?, closed_at = ?, updated_at = ?
			 WHERE id = ?`,
			remaining.String(), realized.String(), string(newStatus), closedAt, now, p.ID,
		)
		if err != nil {
			return classify("update position "+p.ID, err)
		}
		_, err = tx.Exec(
			`UPDATE pair_sagas SET state = ?, comp_order_id = ?, reason = ?, updated_at = ? WHERE id = ?`,
			string(domain.SagaManualReview), fill.OrderID, reason, now, sagaID,
		)
		if err != nil {
			return classify("update saga "+sagaID, err)
		}
		if err := appendOp(tx, "saga", sagaID, string(saga.State), string(domain.SagaManualReview), reason, now); err != nil {
			return classify("log saga "+sagaID, err)
		}
		if err := appendOp(tx, "position", p.ID,
			string(p.Status), string(newStatus), "partial reversal "+fill.OrderID, now); err != nil {
			return classify("log position "+p.ID, err)
		}
		return nil
	})
}

// MarkSagaManualReview parks the saga for human intervention. The state is
// terminal and never auto-retried.
func (s *Store) MarkSagaManualReview(ctx context.Context, sagaID, reason string) error {
	now := time.Now().Unix()
	return s.withTx(ctx, "mark saga manual review", func(tx *sql.Tx) error {
		saga, err := getSagaTx(tx, sagaID)
		if err != nil {
			return classify("load saga "+sagaID, err)
		}
		if saga.State == domain.SagaManualReview {
			return nil
		}
		if !domain.SagaCanTransition(saga.State, domain.SagaManualReview) {
			return fmt.Errorf("ledger: manual review %s: state %s: %w", sagaID, saga.State, domain.ErrLedgerCorrupt)
		}
		if _, err := tx.Exec(
			`UPDATE pair_sagas SET state = ?, reason = ?, updated_at = ? WHERE id = ?`,
			string(domain.SagaManualReview), reason, now, sagaID,
		); err != nil {
			return classify("update saga "+sagaID, err)
		}
		if err := appendOp(tx, "saga", sagaID, string(saga.State), string(domain.SagaManualReview), reason, now); err != nil {
			return classify("log saga "+sagaID, err)
		}
		return nil
	})
}

// AbandonSaga resolves an initiated saga whose first order was provably
// never placed. No exposure exists, so the saga goes straight to
// compensated.
func (s *Store) AbandonSaga(ctx context.Context, sagaID, reason string) error {
	now := time.Now().Unix()
	return s.withTx(ctx, "abandon saga", func(tx *sql.Tx) error {
		saga, err := getSagaTx(tx, sagaID)
		if err != nil {
			return classify("load saga "+sagaID, err)
		}
		if saga.State == domain.SagaCompensated {
			return nil
		}
		if saga.State != domain.SagaInitiated {
			return fmt.Errorf("ledger: abandon saga %s: state %s: %w", sagaID, saga.State, domain.ErrLedgerCorrupt)
		}
		if _, err := tx.Exec(
			`UPDATE pair_sagas SET state = ?, reason = ?, updated_at = ? WHERE id = ?`,
			string(domain.SagaCompensated), reason, now, sagaID,
		); err != nil {
			return classify("update saga "+sagaID, err)
		}
		if err := appendOp(tx, "saga", sagaID, string(domain.SagaInitiated), string(domain.SagaCompensated), reason, now); err != nil {
			return classify("log saga "+sagaID, err)
		}
		return nil
	})
}

// UnresolvedSagas returns sagas whose state requires recovery action:
// initiated, leg1_confirmed, and compensating.
func (s *Store) UnresolvedSagas(ctx context.Context) ([]domain.PairSaga, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sagaCols+` FROM pair_sagas
		 WHERE state IN ('initiated', 'leg1_confirmed', 'compensating')
		 ORDER BY created_at, id`)
	if err != nil {
		return nil, classify("unresolved sagas", err)
	}
	defer rows.Close()

	var out []domain.PairSaga
	for rows.Next() {
		saga, err := scanSaga(rows)
		if err != nil {
			return nil, classify("scan saga", err)
		}
		out = append(out, saga)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("unresolved sagas", err)
	}
	return out, nil
}

// GetSaga retrieves one saga by ID.
func (s *Store) GetSaga(ctx context.Context, id string) (domain.PairSaga, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sagaCols+` FROM pair_sagas WHERE id = ?`, id)
	saga, err := scanSaga(row)
	if err != nil {
		return domain.PairSaga{}, classify("get saga "+id, err)
	}
	return saga, nil
}
