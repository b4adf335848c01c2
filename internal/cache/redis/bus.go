package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/hmatsuda/cryptotrader/internal/domain"
)

// Bus is a thin pub/sub wrapper used for the decision and control
// channels.
type Bus struct {
	rdb *redis.Client
}

// NewBus creates a Bus backed by the given Client.
func NewBus(c *Client) *Bus {
	return &Bus{rdb: c.Underlying()}
}

// Publish sends a raw payload to a channel.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of raw payloads. The subscription closes
// when ctx is cancelled; the returned channel is closed at that point.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := b.rdb.Subscribe(ctx, channel)

	// Receive the confirmation so a broken subscription fails fast.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// DecisionBus decodes trade decisions published by the signal pipeline.
type DecisionBus struct {
	bus     *Bus
	channel string
	log     *slog.Logger
}

// NewDecisionBus subscribes decisions from the given channel.
func NewDecisionBus(c *Client, channel string, log *slog.Logger) *DecisionBus {
	if log == nil {
		log = slog.Default()
	}
	return &DecisionBus{
		bus:     NewBus(c),
		channel: channel,
		log:     log.With("component", "decision_bus"),
	}
}

// Subscribe returns a channel of decoded decisions. Malformed payloads
// are logged and skipped; they never stop the stream.
func (db *DecisionBus) Subscribe(ctx context.Context) (<-chan domain.Decision, error) {
	raw, err := db.bus.Subscribe(ctx, db.channel)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.Decision, 16)
	go func() {
		defer close(out)
		for payload := range raw {
			var d domain.Decision
			if err := json.Unmarshal(payload, &d); err != nil {
				db.log.Warn("dropping malformed decision", "error", err.Error())
				continue
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
