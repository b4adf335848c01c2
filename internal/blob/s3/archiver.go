package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"time"

	"github.com/hmatsuda/cryptotrader/internal/domain"
)

// closedTradeRecord is the export schema for one closed position and its
// confirmed fills. Exported deliberately as its own type so the archive
// format does not drift with internal struct changes.
type closedTradeRecord struct {
	PositionID  string      `json:"position_id"`
	Symbol      string      `json:"symbol"`
	Side        string      `json:"side"`
	EntryPrice  string      `json:"entry_price"`
	EntryQty    string      `json:"entry_qty"`
	RealizedPnL string      `json:"realized_pnl"`
	OpenedAt    int64       `json:"opened_at"`
	ClosedAt    int64       `json:"closed_at"`
	Legs        []legRecord `json:"legs"`
}

type legRecord struct {
	OrderID  string `json:"order_id"`
	Kind     string `json:"kind"`
	Side     string `json:"side"`
	Qty      string `json:"qty"`
	Price    string `json:"price"`
	Fee      string `json:"fee"`
	FilledAt int64  `json:"filled_at"`
}

// checkpoint marks how far the archive has progressed. It is stored next
// to the archive objects so a restart resumes instead of re-uploading.
// BoundaryIDs lists the positions already exported at LastClosedAt: the
// ledger query's lower bound is inclusive, so rows closed exactly at the
// checkpoint timestamp come back on every pass and must be skipped, while
// a same-second close committed after the pass must not be.
type checkpoint struct {
	LastClosedAt int64    `json:"last_closed_at"`
	BoundaryIDs  []string `json:"boundary_ids,omitempty"`
}

// Archiver periodically exports closed positions to object storage as
// JSONL batches for the reporting collaborator. Archival is read-only
// against the ledger; nothing is ever deleted from it.
type Archiver struct {
	ledger   domain.Ledger
	writer   *Writer
	reader   *Reader
	prefix   string
	interval time.Duration
	log      *slog.Logger

	since    int64
	boundary map[string]bool
}

// NewArchiver wires an archiver rooted at prefix in the client's bucket.
func NewArchiver(c *Client, ledger domain.Ledger, prefix string, interval time.Duration, log *slog.Logger) *Archiver {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Archiver{
		ledger:   ledger,
		writer:   NewWriter(c),
		reader:   NewReader(c),
		prefix:   prefix,
		interval: interval,
		log:      log.With(slog.String("component", "archiver")),
	}
}

// Run archives on the configured interval until ctx ends. One failed pass
// is logged and retried on the next tick.
func (a *Archiver) Run(ctx context.Context) error {
	if err := a.loadCheckpoint(ctx); err != nil {
		return fmt.Errorf("s3blob: load checkpoint: %w", err)
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := a.ArchiveOnce(ctx); err != nil {
				a.log.Error("archive pass failed", "error", err.Error())
			} else if n > 0 {
				a.log.Info("archived closed trades", "count", n)
			}
		}
	}
}

// ArchiveOnce uploads every position closed since the checkpoint and
// advances the checkpoint. Returns the number of positions archived.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	closed, err := a.ledger.ClosedPositions(ctx, a.since)
	if err != nil {
		return 0, fmt.Errorf("query closed positions: %w", err)
	}
	closed = dropArchived(closed, a.since, a.boundary)
	if len(closed) == 0 {
		return 0, nil
	}

	records := make([]closedTradeRecord, 0, len(closed))
	maxClosedAt := a.since
	for _, p := range closed {
		legs, err := a.ledger.PositionLegs(ctx, p.ID)
		if err != nil {
			return 0, fmt.Errorf("query legs for %s: %w", p.ID, err)
		}
		records = append(records, toRecord(p, legs))
		if p.ClosedAt > maxClosedAt {
			maxClosedAt = p.ClosedAt
		}
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("marshal batch: %w", err)
	}

	key := a.batchKey(maxClosedAt)
	if int64(len(buf)) >= minPartSize {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("upload batch: %w", err)
	}

	a.advance(closed, maxClosedAt)
	if err := a.saveCheckpoint(ctx); err != nil {
		// The batch is already durable; a stale checkpoint only means the
		// next pass re-uploads the same records under a new key.
		a.log.Warn("checkpoint save failed", "error", err.Error())
	}
	return len(records), nil
}

// dropArchived removes positions the previous pass already exported at the
// checkpoint timestamp.
func dropArchived(closed []domain.Position, since int64, boundary map[string]bool) []domain.Position {
	out := make([]domain.Position, 0, len(closed))
	for _, p := range closed {
		if p.ClosedAt == since && boundary[p.ID] {
			continue
		}
		out = append(out, p)
	}
	return out
}

// advance moves the checkpoint to maxClosedAt and remembers which of the
// just-archived positions sit exactly on it.
func (a *Archiver) advance(closed []domain.Position, maxClosedAt int64) {
	ids := make(map[string]bool)
	if maxClosedAt == a.since {
		for id := range a.boundary {
			ids[id] = true
		}
	}
	for _, p := range closed {
		if p.ClosedAt == maxClosedAt {
			ids[p.ID] = true
		}
	}
	a.since = maxClosedAt
	a.boundary = ids
}

func (a *Archiver) loadCheckpoint(ctx context.Context) error {
	body, err := a.reader.Get(ctx, a.checkpointKey())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.since = 0
			return nil
		}
		return err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}
	a.since = cp.LastClosedAt
	a.boundary = make(map[string]bool, len(cp.BoundaryIDs))
	for _, id := range cp.BoundaryIDs {
		a.boundary[id] = true
	}
	a.log.Info("archive checkpoint loaded", "last_closed_at", cp.LastClosedAt)
	return nil
}

func (a *Archiver) saveCheckpoint(ctx context.Context) error {
	cp := checkpoint{LastClosedAt: a.since}
	for id := range a.boundary {
		cp.BoundaryIDs = append(cp.BoundaryIDs, id)
	}
	sort.Strings(cp.BoundaryIDs)
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return a.writer.Put(ctx, a.checkpointKey(), bytes.NewReader(data), "application/json")
}

// batchKey partitions archive objects by close day, with the batch's
// newest close timestamp making the key unique.
//
//	<prefix>/closed/2026-08-28/1756368000.jsonl
func (a *Archiver) batchKey(maxClosedAt int64) string {
	day := time.Unix(maxClosedAt, 0).UTC().Format("2006-01-02")
	return path.Join(a.prefix, "closed", day, fmt.Sprintf("%d.jsonl", maxClosedAt))
}

func (a *Archiver) checkpointKey() string {
	return path.Join(a.prefix, "checkpoint.json")
}

func toRecord(p domain.Position, legs []domain.TradeLeg) closedTradeRecord {
	rec := closedTradeRecord{
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		Side:        string(p.Side),
		EntryPrice:  p.EntryPrice.String(),
		EntryQty:    p.EntryQty.String(),
		RealizedPnL: p.RealizedPnL.String(),
		OpenedAt:    p.OpenedAt,
		ClosedAt:    p.ClosedAt,
		Legs:        make([]legRecord, 0, len(legs)),
	}
	for _, l := range legs {
		rec.Legs = append(rec.Legs, legRecord{
			OrderID:  l.ExchangeOrderID,
			Kind:     string(l.Kind),
			Side:     string(l.Side),
			Qty:      l.Qty.String(),
			Price:    l.Price.String(),
			Fee:      l.Fee.String(),
			FilledAt: l.FilledAt,
		})
	}
	return rec
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
