package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	s3blob "github.com/hmatsuda/cryptotrader/internal/blob/s3"
	"github.com/hmatsuda/cryptotrader/internal/cache/redis"
	"github.com/hmatsuda/cryptotrader/internal/config"
	"github.com/hmatsuda/cryptotrader/internal/control"
	"github.com/hmatsuda/cryptotrader/internal/executor"
	"github.com/hmatsuda/cryptotrader/internal/feed"
	"github.com/hmatsuda/cryptotrader/internal/gateway"
	"github.com/hmatsuda/cryptotrader/internal/ledger"
	"github.com/hmatsuda/cryptotrader/internal/notify"
	"github.com/hmatsuda/cryptotrader/internal/reconcile"
	"github.com/hmatsuda/cryptotrader/internal/risk"
)

// Dependencies bundles everything the trading loops need. It is built by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Ledger     *ledger.Store
	Redis      *redis.Client
	Prices     *redis.PriceCache
	Decisions  *redis.DecisionBus
	Gateway    gateway.Gateway
	Notifier   *notify.Notifier
	Tracker    *risk.Tracker
	Coord      *executor.Coordinator
	Reconciler *reconcile.Reconciler
	Control    *control.Listener
	Feed       *feed.TickerFeed

	// Archiver is nil when archival is disabled.
	Archiver *s3blob.Archiver
}

// Wire constructs all concrete dependencies from the configuration and
// returns them with a cleanup function for shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Ledger ---
	store, err := ledger.Open(ctx, cfg.Ledger.Path)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: ledger: %w", err)
	}
	closers = append(closers, func() { _ = store.Close() })
	if err := store.IntegrityCheck(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: ledger integrity: %w", err)
	}
	deps.Ledger = store

	// --- Redis: price cache, decision stream, control channel ---
	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.Redis = redisClient
	deps.Prices = redis.NewPriceCache(redisClient)
	deps.Decisions = redis.NewDecisionBus(redisClient, cfg.Redis.DecisionChannel, logger)

	// --- Exchange gateway ---
	if cfg.Exchange.Paper {
		deps.Gateway = gateway.NewPaper(deps.Prices, decimal.NewFromInt(1_000_000), cfg.Risk.FeeRate, logger)
	} else {
		deps.Gateway = gateway.NewBitFlyer(gateway.Options{
			BaseURL:    cfg.Exchange.BaseURL,
			APIKey:     cfg.Exchange.ApiKey,
			APISecret:  cfg.Exchange.ApiSecret,
			Timeout:    cfg.Exchange.SubmitTimeout.Duration,
			MaxRetries: cfg.Exchange.MaxRetries,
			RetryBase:  cfg.Exchange.RetryBase.Duration,
			Logger:     logger,
		})
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.New(senders, cfg.Notify.Events, logger)

	// --- Risk, execution, recovery ---
	deps.Tracker = risk.NewTracker(cfg.Risk, logger)
	deps.Coord = executor.NewCoordinator(store, deps.Gateway, deps.Prices, deps.Notifier, deps.Tracker, cfg, logger)
	deps.Reconciler = reconcile.New(store, deps.Gateway, deps.Coord, deps.Notifier, cfg, logger)
	deps.Control = control.NewListener(redisClient, cfg.Redis.ControlChannel, deps.Tracker, store, logger).
		WithReload(func(ctx context.Context) error {
			if cfg.Path() == "" {
				return fmt.Errorf("configuration was not loaded from a file")
			}
			next, err := config.Load(cfg.Path())
			if err != nil {
				return fmt.Errorf("reload: %w", err)
			}
			if err := next.Validate(); err != nil {
				return fmt.Errorf("reload: %w", err)
			}
			// Only risk limits are safe to swap while the loops run;
			// everything else needs a restart.
			deps.Tracker.SetConfig(next.Risk)
			return nil
		})
	deps.Feed = feed.NewTickerFeed(cfg.Exchange.WsURL, cfg.Trading.Instruments, deps.Prices, logger)

	// --- Closed-trade archive (optional) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, cfg.Archive)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3Client, store, cfg.Archive.Prefix, cfg.Archive.Interval.Duration, logger)
	}

	return deps, cleanup, nil
}
