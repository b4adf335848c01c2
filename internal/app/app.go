// Package app owns the application lifecycle: it wires the ledger,
// exchange gateway, Redis channels, risk tracker, and notifier, runs
// startup reconciliation to completion, and then starts the trading
// loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/hmatsuda/cryptotrader/internal/config"
	"github.com/hmatsuda/cryptotrader/internal/domain"
)

// App is the root application object. It owns the configuration, logger,
// and the cleanup functions called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies, reconciles, and blocks until ctx is cancelled.
// No order is placed before reconciliation finishes.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting engine",
		slog.Bool("paper", a.cfg.Exchange.Paper),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	// Recovery first: every unresolved protocol is settled against the
	// exchange before any new order may be placed.
	report, err := deps.Reconciler.Run(ctx)
	if err != nil {
		return fmt.Errorf("app: reconciliation: %w", err)
	}
	if len(report.Excluded) > 0 {
		a.logger.WarnContext(ctx, "instruments excluded during recovery",
			slog.Any("symbols", report.Excluded))
	}

	// Seed the halt tracker from durable history so a restart cannot
	// forget a loss streak.
	closed, err := deps.Ledger.ClosedPositions(ctx, 0)
	if err != nil {
		return fmt.Errorf("app: load closed positions: %w", err)
	}
	equity, err := a.equity(ctx, deps)
	if err != nil {
		a.logger.WarnContext(ctx, "equity unavailable at startup", slog.String("error", err.Error()))
		equity = decimal.Zero
	}
	deps.Tracker.Rebuild(closed, equity)

	g, ctx := errgroup.WithContext(ctx)

	// Ticker feed keeps the price cache current.
	g.Go(func() error {
		defer deps.Feed.Close()
		return deps.Feed.Run(ctx)
	})

	// Decision intake: one decision at a time, in arrival order.
	g.Go(func() error {
		return a.decisionLoop(ctx, deps)
	})

	// Periodic exit evaluation and equity tracking.
	g.Go(func() error {
		return a.evalLoop(ctx, deps)
	})

	// Operator commands.
	g.Go(func() error {
		return deps.Control.Run(ctx)
	})

	// Periodic WAL checkpoint.
	if a.cfg.Ledger.CheckpointInterval.Duration > 0 {
		g.Go(func() error {
			return a.checkpointLoop(ctx, deps)
		})
	}

	// Closed-trade archive.
	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx)
		})
	}

	return g.Wait()
}

// Close tears down all resources in reverse registration order.
func (a *App) Close() {
	a.logger.Info("shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// decisionLoop consumes the decision stream. A failed decision is logged
// and never retried; the publisher sees results through events.
func (a *App) decisionLoop(ctx context.Context, deps *Dependencies) error {
	decisions, err := deps.Decisions.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("app: subscribe decisions: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-decisions:
			if !ok {
				return ctx.Err()
			}
			if err := deps.Coord.HandleDecision(ctx, d); err != nil {
				level := slog.LevelWarn
				if errors.Is(err, domain.ErrLedgerCorrupt) || errors.Is(err, domain.ErrCompensationFailed) {
					level = slog.LevelError
				}
				a.logger.Log(ctx, level, "decision not executed",
					slog.String("decision_id", d.ID),
					slog.String("symbol", d.Symbol),
					slog.String("error", err.Error()),
				)
				if errors.Is(err, domain.ErrLedgerCorrupt) {
					return fmt.Errorf("app: ledger corrupt: %w", err)
				}
			}
		}
	}
}

// evalLoop applies stop-loss and take-profit rules on the configured
// interval and feeds current equity into the drawdown tracker.
func (a *App) evalLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Trading.EvalInterval.Duration
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := deps.Coord.EvaluateExits(ctx); err != nil {
				if errors.Is(err, domain.ErrLedgerCorrupt) {
					return fmt.Errorf("app: ledger corrupt: %w", err)
				}
				a.logger.WarnContext(ctx, "exit evaluation failed", slog.String("error", err.Error()))
			}
			if eq, err := a.equity(ctx, deps); err == nil {
				deps.Tracker.UpdateEquity(time.Now().Unix(), eq)
			}
		}
	}
}

// checkpointLoop truncates the ledger WAL on the configured interval.
func (a *App) checkpointLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(a.cfg.Ledger.CheckpointInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := deps.Ledger.Checkpoint(ctx); err != nil {
				a.logger.WarnContext(ctx, "wal checkpoint failed", slog.String("error", err.Error()))
			}
		}
	}
}

// equity is the quote balance plus the marked value of open positions.
// A position whose price is unavailable is marked at entry.
func (a *App) equity(ctx context.Context, deps *Dependencies) (decimal.Decimal, error) {
	balance, err := deps.Gateway.Balance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	open, err := deps.Ledger.OpenPositions(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	total := balance
	for _, p := range open {
		price, _, err := deps.Prices.GetPrice(ctx, p.Symbol)
		if err != nil {
			price = p.EntryPrice
		}
		if p.Side == domain.SideLong {
			total = total.Add(price.Mul(p.RemainingQty))
		} else {
			total = total.Add(p.UnrealizedPnL(price))
		}
	}
	return total, nil
}
