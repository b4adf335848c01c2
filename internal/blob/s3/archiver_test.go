package s3blob

import (
	"testing"

	"github.com/hmatsuda/cryptotrader/internal/domain"
)

func closedAt(id string, ts int64) domain.Position {
	return domain.Position{ID: id, Symbol: "BTC_JPY", Status: domain.PositionClosed, ClosedAt: ts}
}

func TestCheckpointBoundaryIsNotReArchived(t *testing.T) {
	a := &Archiver{}

	// First pass: two positions close at t=100.
	first := []domain.Position{closedAt("p1", 100), closedAt("p2", 100)}
	if got := dropArchived(first, a.since, a.boundary); len(got) != 2 {
		t.Fatalf("first pass = %d records, want 2", len(got))
	}
	a.advance(first, 100)

	// Second pass: the inclusive query returns the boundary rows again,
	// plus a same-second close committed after the first pass and a later
	// one. Only the new rows may be exported.
	second := []domain.Position{
		closedAt("p1", 100), closedAt("p2", 100),
		closedAt("p3", 100), closedAt("p4", 105),
	}
	got := dropArchived(second, a.since, a.boundary)
	if len(got) != 2 || got[0].ID != "p3" || got[1].ID != "p4" {
		t.Fatalf("second pass = %+v, want only p3 and p4", got)
	}
	a.advance(got, 105)

	// Third pass: nothing new. The boundary now sits at t=105.
	third := []domain.Position{closedAt("p4", 105)}
	if got := dropArchived(third, a.since, a.boundary); len(got) != 0 {
		t.Fatalf("third pass = %+v, want nothing", got)
	}
}

func TestAdvanceMergesBoundaryAtSameTimestamp(t *testing.T) {
	a := &Archiver{}
	a.advance([]domain.Position{closedAt("p1", 100)}, 100)
	// A later pass lands on the same second; the earlier id must survive.
	a.advance([]domain.Position{closedAt("p2", 100)}, 100)

	if a.since != 100 {
		t.Fatalf("since = %d, want 100", a.since)
	}
	if !a.boundary["p1"] || !a.boundary["p2"] {
		t.Fatalf("boundary = %v, want both p1 and p2", a.boundary)
	}
}
