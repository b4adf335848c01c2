// Package feed streams live ticker prices from the exchange's realtime
// API into the price cache.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// PriceWriter receives each ticker tick. Implemented by the Redis price
// cache.
type PriceWriter interface {
	SetPrice(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) error
}

// TickerFeed subscribes to lightning_ticker channels over the bitFlyer
// JSON-RPC websocket and writes last traded prices to a PriceWriter. It
// reconnects with backoff on disconnect.
type TickerFeed struct {
	wsURL     string
	symbols   []string
	sink      PriceWriter
	logger    *slog.Logger
	closeOnce sync.Once
	done      chan struct{}
}

// NewTickerFeed creates a feed for the given product codes.
func NewTickerFeed(wsURL string, symbols []string, sink PriceWriter, logger *slog.Logger) *TickerFeed {
	return &TickerFeed{
		wsURL:   wsURL,
		symbols: symbols,
		sink:    sink,
		logger:  logger.With(slog.String("component", "ticker_feed")),
		done:    make(chan struct{}),
	}
}

// Run connects, subscribes to a ticker channel per symbol, and runs until
// ctx is cancelled.
func (f *TickerFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols to subscribe, exiting")
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("ticker ws disconnected, reconnecting", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id,omitempty"`
}

type rpcMessage struct {
	Method string `json:"method"`
	Params struct {
		Channel string `json:"channel"`
		Message struct {
			ProductCode string          `json:"product_code"`
			LTP         decimal.Decimal `json:"ltp"`
			Timestamp   string          `json:"timestamp"`
		} `json:"message"`
	} `json:"params"`
}

func (f *TickerFeed) runConnection(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.wsURL, err)
	}
	defer conn.Close()

	// Drop the connection when ctx is cancelled so ReadMessage unblocks.
	go func() {
		select {
		case <-ctx.Done():
		case <-f.done:
		}
		_ = conn.Close()
	}()

	for i, sym := range f.symbols {
		sub := rpcRequest{
			JSONRPC: "2.0",
			Method:  "subscribe",
			Params:  map[string]string{"channel": "lightning_ticker_" + sym},
			ID:      i + 1,
		}
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("subscribe %s: %w", sym, err)
		}
	}
	f.logger.Info("ticker ws subscribed", slog.Int("symbols", len(f.symbols)))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Method != "channelMessage" {
			continue
		}
		tick := msg.Params.Message
		if tick.ProductCode == "" || tick.LTP.IsZero() {
			continue
		}
		at, err := time.Parse(time.RFC3339Nano, tick.Timestamp)
		if err != nil {
			at = time.Now()
		}
		if err := f.sink.SetPrice(ctx, tick.ProductCode, tick.LTP, at); err != nil {
			f.logger.Warn("price write failed",
				slog.String("symbol", tick.ProductCode), slog.String("error", err.Error()))
		}
	}
}

// Close stops the feed.
func (f *TickerFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
