// Package control executes operator commands arriving on the Redis
// control channel: pausing and resuming entries, and acknowledging
// instrument exclusions raised by reconciliation.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hmatsuda/cryptotrader/internal/cache/redis"
	"github.com/hmatsuda/cryptotrader/internal/domain"
	"github.com/hmatsuda/cryptotrader/internal/risk"
)

// Command is one operator instruction.
type Command struct {
	// Action is one of "pause", "resume", "ack_exclusion", "reload".
	Action string `json:"action"`
	// Symbol identifies the instrument for ack_exclusion.
	Symbol string `json:"symbol,omitempty"`
}

// Listener consumes the control channel until its context ends.
type Listener struct {
	bus     *redis.Bus
	channel string
	tracker *risk.Tracker
	ledger  domain.Ledger
	reload  func(ctx context.Context) error
	log     *slog.Logger
}

// NewListener wires a control listener.
func NewListener(c *redis.Client, channel string, tracker *risk.Tracker, ledger domain.Ledger, log *slog.Logger) *Listener {
	return &Listener{
		bus:     redis.NewBus(c),
		channel: channel,
		tracker: tracker,
		ledger:  ledger,
		log:     log.With(slog.String("component", "control")),
	}
}

// WithReload enables the reload command. fn re-reads the configuration
// and applies whatever is safe to change at runtime.
func (l *Listener) WithReload(fn func(ctx context.Context) error) *Listener {
	l.reload = fn
	return l
}

// Run subscribes and dispatches commands until ctx is cancelled. A bad
// command is logged and skipped; it never stops the listener.
func (l *Listener) Run(ctx context.Context) error {
	msgs, err := l.bus.Subscribe(ctx, l.channel)
	if err != nil {
		return fmt.Errorf("control: subscribe: %w", err)
	}
	l.log.Info("control listener started", "channel", l.channel)

	for payload := range msgs {
		var cmd Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			l.log.Warn("dropping malformed command", "error", err.Error())
			continue
		}
		if err := l.dispatch(ctx, cmd); err != nil {
			l.log.Error("command failed", "action", cmd.Action, "symbol", cmd.Symbol, "error", err.Error())
		}
	}
	return ctx.Err()
}

func (l *Listener) dispatch(ctx context.Context, cmd Command) error {
	switch cmd.Action {
	case "pause":
		l.tracker.Pause()
		l.log.Info("entries paused by operator")
		return nil
	case "resume":
		l.tracker.Resume()
		return nil
	case "ack_exclusion":
		if cmd.Symbol == "" {
			return errors.New("ack_exclusion requires a symbol")
		}
		if err := l.ledger.AcknowledgeExclusion(ctx, cmd.Symbol); err != nil {
			return err
		}
		l.log.Info("exclusion acknowledged", "symbol", cmd.Symbol)
		return nil
	case "reload":
		if l.reload == nil {
			return errors.New("reload is not available")
		}
		if err := l.reload(ctx); err != nil {
			return err
		}
		l.log.Info("configuration reloaded")
		return nil
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
}
