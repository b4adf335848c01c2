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

const positionCols = `id, symbol, side, entry_price, entry_qty, remaining_qty,
	status, stop_loss_pct, tp_stage, realized_pnl, opened_at, closed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (domain.Position, error) {
	var (
		p                               domain.Position
		side, status                    string
		entryPrice, entryQty, remaining string
		realized                        string
	)
	err := row.Scan(
		&p.ID, &p.Symbol, &side, &entryPrice, &entryQty, &remaining,
		&status, &p.StopLossPct, &p.TakeProfitStage, &realized,
		&p.OpenedAt, &p.ClosedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	if p.EntryPrice, err = decimal.NewFromString(entryPrice); err != nil {
		return domain.Position{}, fmt.Errorf("decode entry_price %q: %w", entryPrice, domain.ErrLedgerCorrupt)
	}
	if p.EntryQty, err = decimal.NewFromString(entryQty); err != nil {
		return domain.Position{}, fmt.Errorf("decode entry_qty %q: %w", entryQty, domain.ErrLedgerCorrupt)
	}
	if p.RemainingQty, err = decimal.NewFromString(remaining); err != nil {
		return domain.Position{}, fmt.Errorf("decode remaining_qty %q: %w", remaining, domain.ErrLedgerCorrupt)
	}
	if p.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
		return domain.Position{}, fmt.Errorf("decode realized_pnl %q: %w", realized, domain.ErrLedgerCorrupt)
	}
	return p, nil
}

func getPositionTx(tx *sql.Tx, id string) (domain.Position, error) {
	row := tx.QueryRow(`SELECT `+positionCols+` FROM positions WHERE id = ?`, id)
	return scanPosition(row)
}

// InsertPendingPosition durably records the write-ahead row of the open
// protocol. The position carries no confirmed fill yet; entry price and
// quantity hold the decision's target values until promotion.
func (s *Store) InsertPendingPosition(ctx context.Context, p *domain.Position) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().Unix()
	p.Status = domain.PositionPending
	p.RemainingQty = p.EntryQty
	p.UpdatedAt = now
	if p.OpenedAt == 0 {
		p.OpenedAt = now
	}

	err := s.withTx(ctx, "insert pending position", func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO positions (id, symbol, side, entry_price, entry_qty, remaining_qty,
				status, stop_loss_pct, tp_stage, realized_pnl, opened_at, closed_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '0', ?, 0, ?)`,
			p.ID, p.Symbol, string(p.Side),
			p.EntryPrice.String(), p.EntryQty.String(), p.RemainingQty.String(),
			string(domain.PositionPending), p.StopLossPct, p.OpenedAt, p.UpdatedAt,
		)
		if err != nil {
			return classify("insert pending position "+p.ID, err)
		}
		if err := appendOp(tx, "position", p.ID, "", string(domain.PositionPending), "write-ahead "+p.Symbol, now); err != nil {
			return classify("log pending position "+p.ID, err)
		}
		return nil
	})
	return err
}

// PromotePosition records the confirmed entry fill: the entry trade leg is
// inserted and the position moves from pending to open in one transaction.
// Entry price and quantity are replaced by the fill's actual values.
// Calling it again for the same fill is a no-op, so crash-replay and
// reconciliation cannot double-record a leg.
func (s *Store) PromotePosition(ctx context.Context, positionID string, fill domain.Fill) error {
	now := time.Now().Unix()
	return s.withTx(ctx, "promote position", func(tx *sql.Tx) error {
		p, err := getPositionTx(tx, positionID)
		if err != nil {
			return classify("load position "+positionID, err)
		}

		if p.Status != domain.PositionPending {
			if p.Status == domain.PositionFailed {
				return fmt.Errorf("ledger: promote position %s: already failed: %w", positionID, domain.ErrLedgerCorrupt)
			}
			// Already promoted: verify the entry leg matches this fill.
			var n int
			err := tx.QueryRow(
				`SELECT COUNT(*) FROM trade_legs WHERE position_id = ? AND exchange_order_id = ? AND kind = 'entry'`,
				positionID, fill.OrderID,
			).Scan(&n)
			if err != nil {
				return classify("check entry leg "+positionID, err)
			}
			if n == 0 {
				return fmt.Errorf("ledger: promote position %s: already %s with a different fill: %w",
					positionID, p.Status, domain.ErrLedgerCorrupt)
			}
			return nil
		}

		_, err = tx.Exec(
			`INSERT INTO trade_legs (id, position_id, exchange_order_id, kind, side, qty, price, fee, filled_at)
			 VALUES (?, ?, ?, 'entry', ?, ?, ?, ?, ?)`,
			uuid.New().String(), positionID, fill.OrderID,
			string(domain.EntryOrderSide(p.Side)),
			fill.Qty.String(), fill.Price.String(), fill.Fee.String(), fill.FilledAt,
		)
		if err != nil {
			return classify("insert entry leg "+positionID, err)
		}

		_, err = tx.Exec(
			`UPDATE positions SET status = ?, entry_price = ?, entry_qty = ?, remaining_qty = ?,
				opened_at = ?, updated_at = ? WHERE id = ?`,
			string(domain.PositionOpen),
			fill.Price.String(), fill.Qty.String(), fill.Qty.String(),
			fill.FilledAt, now, positionID,
		)
		if err != nil {
			return classify("promote position "+positionID, err)
		}
		if err := appendOp(tx, "position", positionID,
			string(domain.PositionPending), string(domain.PositionOpen),
			"fill "+fill.OrderID, now); err != nil {
			return classify("log promote "+positionID, err)
		}
		return nil
	})
}

// MarkPositionFailed resolves a pending position whose order was rejected
// or provably never reached the exchange. Idempotent.
func (s *Store) MarkPositionFailed(ctx context.Context, positionID, reason string) error {
	now := time.Now().Unix()
	return s.withTx(ctx, "mark position failed", func(tx *sql.Tx) error {
		p, err := getPositionTx(tx, positionID)
		if err != nil {
			return classify("load position "+positionID, err)
		}
		if p.Status == domain.PositionFailed {
			return nil
		}
		if p.Status != domain.PositionPending {
			return fmt.Errorf("ledger: mark failed %s: illegal transition from %s: %w",
				positionID, p.Status, domain.ErrLedgerCorrupt)
		}
		if _, err := tx.Exec(
			`UPDATE positions SET status = ?, updated_at = ? WHERE id = ?`,
			string(domain.PositionFailed), now, positionID,
		); err != nil {
			return classify("update position "+positionID, err)
		}
		if err := appendOp(tx, "position", positionID,
			string(domain.PositionPending), string(domain.PositionFailed), reason, now); err != nil {
			return classify("log failed "+positionID, err)
		}
		return nil
	})
}

// InsertCloseIntent durably records intent to close qty of a position
// before the closing order is submitted.
func (s *Store) InsertCloseIntent(ctx context.Context, ci *domain.CloseIntent) error {
	if ci.ID == "" {
		ci.ID = uuid.New().String()
	}
	now := time.Now().Unix()
	ci.State = domain.CloseIntentPending
	ci.CreatedAt = now
	ci.UpdatedAt = now

	return s.withTx(ctx, "insert close intent", func(tx *sql.Tx) error {
		p, err := getPositionTx(tx, ci.PositionID)
		if err != nil {
			return classify("load position "+ci.PositionID, err)
		}
		if !p.Exposed() {
			return fmt.Errorf("ledger: close intent for %s position %s: %w", p.Status, p.ID, domain.ErrNotFound)
		}
		if ci.Qty.GreaterThan(p.RemainingQty) {
			return fmt.Errorf("ledger: close intent qty %s exceeds remaining %s on %s: %w",
				ci.Qty, p.RemainingQty, p.ID, domain.ErrLedgerCorrupt)
		}
		_, err = tx.Exec(
			`INSERT INTO close_intents (id, position_id, symbol, qty, reason, stage, state, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ci.ID, ci.PositionID, ci.Symbol, ci.Qty.String(), ci.Reason, ci.Stage,
			string(domain.CloseIntentPending), ci.CreatedAt, ci.UpdatedAt,
		)
		if err != nil {
			return classify("insert close intent "+ci.ID, err)
		}
		if err := appendOp(tx, "close_intent", ci.ID, "", string(domain.CloseIntentPending), ci.Reason, now); err != nil {
			return classify("log close intent "+ci.ID, err)
		}
		return nil
	})
}

// RecordClose records a confirmed exit fill against a close intent. In one
// transaction it inserts the exit leg, decrements the position's remaining
// quantity, accrues realized P&L, advances status, and marks the intent
// done. Replays of the same fill are no-ops.
func (s *Store) RecordClose(ctx context.Context, intentID string, fill domain.Fill) error {
	now := time.Now().Unix()
	return s.withTx(ctx, "record close", func(tx *sql.Tx) error {
		var (
			positionID, state string
			stage             int
		)
		err := tx.QueryRow(
			`SELECT position_id, state, stage FROM close_intents WHERE id = ?`, intentID,
		).Scan(&positionID, &state, &stage)
		if err != nil {
			return classify("load close intent "+intentID, err)
		}
		if domain.CloseIntentState(state) == domain.CloseIntentDone {
			return nil
		}
		if domain.CloseIntentState(state) == domain.CloseIntentAbandoned {
			return fmt.Errorf("ledger: record close on abandoned intent %s: %w", intentID, domain.ErrLedgerCorrupt)
		}

		p, err := getPositionTx(tx, positionID)
		if err != nil {
			return classify("load position "+positionID, err)
		}
		if fill.Qty.GreaterThan(p.RemainingQty) {
			return fmt.Errorf("ledger: exit qty %s exceeds remaining %s on %s: %w",
				fill.Qty, p.RemainingQty, positionID, domain.ErrLedgerCorrupt)
		}

		_, err = tx.Exec(
			`INSERT INTO trade_legs (id, position_id, exchange_order_id, kind, side, qty, price, fee, filled_at)
			 VALUES (?, ?, ?, 'exit', ?, ?, ?, ?, ?)`,
			uuid.New().String(), positionID, fill.OrderID,
			string(domain.ExitOrderSide(p.Side)),
			fill.Qty.String(), fill.Price.String(), fill.Fee.String(), fill.FilledAt,
		)
		if err != nil {
			return classify("insert exit leg "+positionID, err)
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
			return fmt.Errorf("ledger: record close %s: illegal transition %s → %s: %w",
				positionID, p.Status, newStatus, domain.ErrLedgerCorrupt)
		}
		newStage := p.TakeProfitStage
		if stage > newStage {
			newStage = stage
		}

		_, err = tx.Exec(
			`UPDATE positions SET remaining_qty = ?, realized_pnl = ?, status = ?, tp_stage = ?,
				closed_at = ?, updated_at = ? WHERE id = ?`,
			remaining.String(), realized.String(), string(newStatus), newStage, closedAt, now, positionID,
		)
		if err != nil {
			return classify("update position "+positionID, err)
		}
		_, err = tx.Exec(
			`UPDATE close_intents SET state = ?, updated_at = ? WHERE id = ?`,
			string(domain.CloseIntentDone), now, intentID,
		)
		if err != nil {
			return classify("update close intent "+intentID, err)
		}
		if err := appendOp(tx, "position", positionID,
			string(p.Status), string(newStatus), "exit fill "+fill.OrderID, now); err != nil {
			return classify("log close "+positionID, err)
		}
		return nil
	})
}

// AbandonCloseIntent resolves an intent whose closing order was rejected
// before creating any exposure change. The position is untouched.
func (s *Store) AbandonCloseIntent(ctx context.Context, intentID, reason string) error {
	now := time.Now().Unix()
	return s.withTx(ctx, "abandon close intent", func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE close_intents SET state = ?, reason = ?, updated_at = ? WHERE id = ? AND state = ?`,
			string(domain.CloseIntentAbandoned), reason, now, intentID, string(domain.CloseIntentPending),
		)
		if err != nil {
			return classify("abandon close intent "+intentID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify("abandon close intent "+intentID, err)
		}
		if n == 0 {
			return nil
		}
		if err := appendOp(tx, "close_intent", intentID,
			string(domain.CloseIntentPending), string(domain.CloseIntentAbandoned), reason, now); err != nil {
			return classify("log abandon "+intentID, err)
		}
		return nil
	})
}

// GetPosition retrieves a single position by ID.
func (s *Store) GetPosition(ctx context.Context, id string) (domain.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionCols+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if err != nil {
		return domain.Position{}, classify("get position "+id, err)
	}
	return p, nil
}

func (s *Store) queryPositions(ctx context.Context, op, where string, args ...any) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE `+where+` ORDER BY opened_at, id`, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// OpenPositions returns every position with live exchange exposure.
func (s *Store) OpenPositions(ctx context.Context) ([]domain.Position, error) {
	return s.queryPositions(ctx, "open positions", `status IN ('open', 'partially_closed')`)
}

// OpenPositionBySymbol returns the exposed position on a symbol, or
// ErrNotFound.
func (s *Store) OpenPositionBySymbol(ctx context.Context, symbol string) (domain.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE symbol = ? AND status IN ('open', 'partially_closed') LIMIT 1`, symbol)
	p, err := scanPosition(row)
	if err != nil {
		return domain.Position{}, classify("open position for "+symbol, err)
	}
	return p, nil
}

// PendingPositions returns write-ahead rows that never resolved. They are
// the reconciler's first input.
func (s *Store) PendingPositions(ctx context.Context) ([]domain.Position, error) {
	return s.queryPositions(ctx, "pending positions", `status = 'pending'`)
}

// ClosedPositions returns positions closed at or after since (epoch
// seconds), oldest first.
func (s *Store) ClosedPositions(ctx context.Context, since int64) ([]domain.Position, error) {
	return s.queryPositions(ctx, "closed positions", `status = 'closed' AND closed_at >= ?`, since)
}

// PositionLegs returns all fills recorded for one position, oldest first.
func (s *Store) PositionLegs(ctx context.Context, positionID string) ([]domain.TradeLeg, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, position_id, exchange_order_id, kind, side, qty, price, fee, filled_at
		 FROM trade_legs WHERE position_id = ? ORDER BY filled_at, id`, positionID)
	if err != nil {
		return nil, classify("position legs "+positionID, err)
	}
	defer rows.Close()

	var out []domain.TradeLeg
	for rows.Next() {
		var (
			l               domain.TradeLeg
			kind, side      string
			qty, price, fee string
		)
		if err := rows.Scan(&l.ID, &l.PositionID, &l.ExchangeOrderID, &kind, &side, &qty, &price, &fee, &l.FilledAt); err != nil {
			return nil, classify("scan leg", err)
		}
		l.Kind = domain.LegKind(kind)
		l.Side = domain.OrderSide(side)
		if l.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("ledger: decode leg qty %q: %w", qty, domain.ErrLedgerCorrupt)
		}
		if l.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("ledger: decode leg price %q: %w", price, domain.ErrLedgerCorrupt)
		}
		if l.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, fmt.Errorf("ledger: decode leg fee %q: %w", fee, domain.ErrLedgerCorrupt)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("position legs "+positionID, err)
	}
	return out, nil
}

// PendingCloseIntents returns intents whose closing order has not been
// confirmed or abandoned.
func (s *Store) PendingCloseIntents(ctx context.Context) ([]domain.CloseIntent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, position_id, symbol, qty, reason, stage, state, created_at, updated_at
		 FROM close_intents WHERE state = 'pending' ORDER BY created_at, id`)
	if err != nil {
		return nil, classify("pending close intents", err)
	}
	defer rows.Close()

	var out []domain.CloseIntent
	for rows.Next() {
		var (
			ci         domain.CloseIntent
			qty, state string
		)
		if err := rows.Scan(&ci.ID, &ci.PositionID, &ci.Symbol, &qty, &ci.Reason, &ci.Stage, &state, &ci.CreatedAt, &ci.UpdatedAt); err != nil {
			return nil, classify("scan close intent", err)
		}
		ci.State = domain.CloseIntentState(state)
		if ci.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("ledger: decode intent qty %q: %w", qty, domain.ErrLedgerCorrupt)
		}
		out = append(out, ci)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("pending close intents", err)
	}
	return out, nil
}
