package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hmatsuda/cryptotrader/internal/config"
	"github.com/hmatsuda/cryptotrader/internal/domain"
)

// Halt reasons reported by the tracker.
const (
	ReasonDrawdown          = "max_drawdown"
	ReasonConsecutiveLosses = "consecutive_losses"
	ReasonOperator          = "operator_pause"
)

// Tracker halts new entries when account-level limits are breached:
// equity drawdown from the windowed peak, or a run of consecutive losing
// closes. A halt only blocks new entries; exits and compensation always
// run. The tracker is rebuilt from the ledger on startup so a restart
// cannot forget a loss streak.
type Tracker struct {
	cfg config.RiskConfig
	log *slog.Logger

	mu           sync.Mutex
	peakEquity   decimal.Decimal
	peakAt       int64
	consecLosses int
	halted       bool
	reason       string
}

// NewTracker returns an un-halted tracker.
func NewTracker(cfg config.RiskConfig, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		cfg: cfg,
		log: log.With("component", "risk"),
	}
}

// Rebuild recomputes the consecutive-loss streak from closed positions
// (oldest first) and seeds the equity peak. Called once at startup after
// reconciliation.
func (t *Tracker) Rebuild(closed []domain.Position, equity decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	streak := 0
	for _, p := range closed {
		if p.RealizedPnL.IsNegative() {
			streak++
		} else {
			streak = 0
		}
	}
	t.consecLosses = streak
	t.peakEquity = equity
	t.peakAt = time.Now().Unix()

	if streak >= t.cfg.ConsecutiveLossLimit {
		t.haltLocked(ReasonConsecutiveLosses)
	}
	t.log.Info("halt tracker rebuilt",
		"consecutive_losses", streak, "equity", equity.String(), "halted", t.halted)
}

// RecordClose feeds one realized close into the loss streak. A winning or
// flat close resets the streak.
func (t *Tracker) RecordClose(realized decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if realized.IsNegative() {
		t.consecLosses++
		if t.consecLosses >= t.cfg.ConsecutiveLossLimit && !t.halted {
			t.haltLocked(ReasonConsecutiveLosses)
		}
	} else {
		t.consecLosses = 0
	}
}

// UpdateEquity tracks the rolling peak and halts when the drawdown from
// it exceeds the configured limit. A peak older than the drawdown window
// expires and is replaced by the current equity.
func (t *Tracker) UpdateEquity(now int64, equity decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	window := int64(t.cfg.DrawdownWindow.Duration / time.Second)
	if t.peakEquity.IsZero() || (window > 0 && now-t.peakAt > window) {
		t.peakEquity = equity
		t.peakAt = now
		return
	}
	if equity.GreaterThan(t.peakEquity) {
		t.peakEquity = equity
		t.peakAt = now
		return
	}

	if t.peakEquity.IsPositive() {
		dd, _ := t.peakEquity.Sub(equity).Div(t.peakEquity).Mul(decimal.NewFromInt(100)).Float64()
		if dd >= t.cfg.MaxDrawdownPct && !t.halted {
			t.log.Warn("drawdown limit breached",
				"drawdown_pct", dd, "peak", t.peakEquity.String(), "equity", equity.String())
			t.haltLocked(ReasonDrawdown)
		}
	}
}

func (t *Tracker) haltLocked(reason string) {
	t.halted = true
	t.reason = reason
	t.log.Error("trading halted", "reason", reason, "consecutive_losses", t.consecLosses)
}

// Halted reports whether new entries are blocked, and why.
func (t *Tracker) Halted() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.halted, t.reason
}

// SetConfig swaps the risk limits at runtime. Current halt state and the
// loss streak are kept; only future checks use the new thresholds.
func (t *Tracker) SetConfig(cfg config.RiskConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg
	t.log.Info("risk limits updated",
		"max_drawdown_pct", cfg.MaxDrawdownPct,
		"consecutive_loss_limit", cfg.ConsecutiveLossLimit)
}

// Pause halts new entries on operator request.
func (t *Tracker) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.halted {
		t.haltLocked(ReasonOperator)
	}
}

// Resume clears a halt after operator intervention. The loss streak is
// reset; the equity peak is kept.
func (t *Tracker) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.halted = false
	t.reason = ""
	t.consecLosses = 0
	t.log.Info("trading resumed")
}
