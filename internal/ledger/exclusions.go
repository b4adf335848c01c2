package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/hmatsuda/cryptotrader/internal/domain"
)

// ExcludeInstrument flags symbol as excluded from automated trading.
// Re-excluding an already flagged symbol refreshes the reason and clears
// any prior acknowledgement.
func (s *Store) ExcludeInstrument(ctx context.Context, symbol, reason string) error {
	now := time.Now().Unix()
	return s.withTx(ctx, "exclude instrument", func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO exclusions (symbol, reason, created_at, acked) VALUES (?, ?, ?, 0)
			 ON CONFLICT(symbol) DO UPDATE SET reason = excluded.reason, created_at = excluded.created_at, acked = 0`,
			symbol, reason, now,
		)
		if err != nil {
			return classify("exclude "+symbol, err)
		}
		if err := appendOp(tx, "exclusion", symbol, "", "excluded", reason, now); err != nil {
			return classify("log exclusion "+symbol, err)
		}
		return nil
	})
}

// Exclusions returns all exclusion rows, unacknowledged first.
func (s *Store) Exclusions(ctx context.Context) ([]domain.Exclusion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, reason, created_at, acked FROM exclusions ORDER BY acked, created_at, symbol`)
	if err != nil {
		return nil, classify("exclusions", err)
	}
	defer rows.Close()

	var out []domain.Exclusion
	for rows.Next() {
		var (
			e     domain.Exclusion
			acked int
		)
		if err := rows.Scan(&e.Symbol, &e.Reason, &e.CreatedAt, &acked); err != nil {
			return nil, classify("scan exclusion", err)
		}
		e.Acked = acked != 0
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("exclusions", err)
	}
	return out, nil
}

// AcknowledgeExclusion marks an exclusion as handled by an operator,
// re-enabling automated trading on the symbol.
func (s *Store) AcknowledgeExclusion(ctx context.Context, symbol string) error {
	now := time.Now().Unix()
	return s.withTx(ctx, "acknowledge exclusion", func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE exclusions SET acked = 1 WHERE symbol = ?`, symbol)
		if err != nil {
			return classify("ack exclusion "+symbol, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify("ack exclusion "+symbol, err)
		}
		if n == 0 {
			return classify("ack exclusion "+symbol, sql.ErrNoRows)
		}
		if err := appendOp(tx, "exclusion", symbol, "excluded", "acked", "", now); err != nil {
			return classify("log ack "+symbol, err)
		}
		return nil
	})
}

// Ops returns the operation log for one entity, oldest first.
func (s *Store) Ops(ctx context.Context, entity, entityID string) ([]domain.OpRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, entity, entity_id, from_state, to_state, detail, at
		 FROM operation_log WHERE entity = ? AND entity_id = ? ORDER BY seq`,
		entity, entityID)
	if err != nil {
		return nil, classify("ops", err)
	}
	defer rows.Close()

	var out []domain.OpRecord
	for rows.Next() {
		var r domain.OpRecord
		if err := rows.Scan(&r.Seq, &r.Entity, &r.EntityID, &r.FromState, &r.ToState, &r.Detail, &r.At); err != nil {
			return nil, classify("scan op", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("ops", err)
	}
	return out, nil
}
