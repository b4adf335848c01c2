package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/hmatsuda/cryptotrader/internal/config"
	"github.com/hmatsuda/cryptotrader/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func longPosition(entry, qty string) *domain.Position {
	q := d(qty)
	return &domain.Position{
		ID:           "p1",
		Symbol:       "BTC_JPY",
		Side:         domain.SideLong,
		EntryPrice:   d(entry),
		EntryQty:     q,
		RemainingQty: q,
		Status:       domain.PositionOpen,
		StopLossPct:  10,
	}
}

func TestEvaluate(t *testing.T) {
	cfg := config.Defaults().Risk

	tests := []struct {
		name      string
		pos       func() *domain.Position
		price     string
		wantKind  ActionKind
		wantQty   string
		wantStage int
	}{
		{
			name:     "flat price holds",
			pos:      func() *domain.Position { return longPosition("1000000", "0.4") },
			price:    "1010000",
			wantKind: Hold,
		},
		{
			name:     "small loss holds",
			pos:      func() *domain.Position { return longPosition("1000000", "0.4") },
			price:    "950000",
			wantKind: Hold,
		},
		{
			name:     "stop loss closes everything",
			pos:      func() *domain.Position { return longPosition("1000000", "0.4") },
			price:    "900000",
			wantKind: FullClose,
			wantQty:  "0.4",
		},
		{
			name:      "stage one takes half the entry",
			pos:       func() *domain.Position { return longPosition("1000000", "0.4") },
			price:     "1150000",
			wantKind:  PartialClose,
			wantQty:   "0.2",
			wantStage: 1,
		},
		{
			name: "stage one fires before stage two even beyond both thresholds",
			pos:  func() *domain.Position { return longPosition("1000000", "0.4") },
			// +30% clears both thresholds; only the first un-taken stage
			// fires per evaluation.
			price:     "1300000",
			wantKind:  PartialClose,
			wantQty:   "0.2",
			wantStage: 1,
		},
		{
			name: "stage two closes the remainder",
			pos: func() *domain.Position {
				p := longPosition("1000000", "0.4")
				p.TakeProfitStage = 1
				p.RemainingQty = d("0.2")
				p.Status = domain.PositionPartiallyClosed
				return p
			},
			price:     "1250000",
			wantKind:  FullClose,
			wantQty:   "0.2",
			wantStage: 2,
		},
		{
			name: "stage one threshold after stage one taken holds",
			pos: func() *domain.Position {
				p := longPosition("1000000", "0.4")
				p.TakeProfitStage = 1
				p.RemainingQty = d("0.2")
				p.Status = domain.PositionPartiallyClosed
				return p
			},
			price:    "1150000",
			wantKind: Hold,
		},
		{
			name: "stop loss wins over take profit state",
			pos: func() *domain.Position {
				p := longPosition("1000000", "0.4")
				p.TakeProfitStage = 1
				p.RemainingQty = d("0.2")
				p.Status = domain.PositionPartiallyClosed
				return p
			},
			price:    "890000",
			wantKind: FullClose,
			wantQty:  "0.2",
		},
		{
			name: "short profits when price falls",
			pos: func() *domain.Position {
				p := longPosition("1000000", "0.4")
				p.Side = domain.SideShort
				return p
			},
			price:     "850000",
			wantKind:  PartialClose,
			wantQty:   "0.2",
			wantStage: 1,
		},
		{
			name: "short stops out when price rises",
			pos: func() *domain.Position {
				p := longPosition("1000000", "0.4")
				p.Side = domain.SideShort
				return p
			},
			price:    "1100000",
			wantKind: FullClose,
			wantQty:  "0.4",
		},
		{
			name: "closed position is never acted on",
			pos: func() *domain.Position {
				p := longPosition("1000000", "0.4")
				p.Status = domain.PositionClosed
				p.RemainingQty = decimal.Zero
				return p
			},
			price:    "500000",
			wantKind: Hold,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.pos(), d(tt.price), cfg)
			if got.Kind != tt.wantKind {
				t.Fatalf("kind = %s, want %s (reason %q)", got.Kind, tt.wantKind, got.Reason)
			}
			if tt.wantQty != "" && !got.Qty.Equal(d(tt.wantQty)) {
				t.Fatalf("qty = %s, want %s", got.Qty, tt.wantQty)
			}
			if got.Stage != tt.wantStage {
				t.Fatalf("stage = %d, want %d", got.Stage, tt.wantStage)
			}
		})
	}
}

func TestEvaluateUsesPositionStopLoss(t *testing.T) {
	// The position carries a 5% stop while the config says 10%: the
	// persisted value wins, so tightening or loosening the config after
	// the fact never moves the stop on live exposure.
	cfg := config.Defaults().Risk
	p := longPosition("1000000", "0.1")
	p.StopLossPct = 5

	got := Evaluate(p, d("960000"), cfg)
	if got.Kind != Hold {
		t.Fatalf("at -4%% got %s, want hold", got.Kind)
	}
	got = Evaluate(p, d("950000"), cfg)
	if got.Kind != FullClose {
		t.Fatalf("at -5%% got %s, want full close on the position's own stop", got.Kind)
	}

	// A wider persisted stop also wins over a tighter config.
	p.StopLossPct = 20
	got = Evaluate(p, d("880000"), cfg)
	if got.Kind != Hold {
		t.Fatalf("at -12%% with a 20%% stop got %s, want hold", got.Kind)
	}

	// Rows from before the field existed fall back to the config stop.
	p.StopLossPct = 0
	got = Evaluate(p, d("900000"), cfg)
	if got.Kind != FullClose {
		t.Fatalf("at -10%% with no persisted stop got %s, want full close", got.Kind)
	}
}

func TestPositionSize(t *testing.T) {
	cfg := config.Defaults().Risk

	// 2% of 1,000,000 = 20,000 at risk; stop at 10% gives a 200,000
	// position; under the 95% cap. 200,000 / 10,000,000 = 0.02.
	qty := PositionSize(d("1000000"), d("10000000"), 10, cfg)
	if !qty.Equal(d("0.02")) {
		t.Fatalf("qty = %s, want 0.02", qty)
	}

	// A tight stop would size beyond the balance; the cap binds.
	qty = PositionSize(d("1000000"), d("10000000"), 1, cfg)
	maxValue := d("1000000").Mul(d("0.95")).Div(d("1.0015"))
	want := maxValue.Div(d("10000000")).Truncate(8)
	if !qty.Equal(want) {
		t.Fatalf("qty = %s, want capped %s", qty, want)
	}

	if !PositionSize(decimal.Zero, d("10000000"), 10, cfg).IsZero() {
		t.Fatal("zero balance must size to zero")
	}
	if !PositionSize(d("1000000"), decimal.Zero, 10, cfg).IsZero() {
		t.Fatal("zero price must size to zero")
	}
}
