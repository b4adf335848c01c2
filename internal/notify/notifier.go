// Package notify delivers terminal engine events to operators over
// Telegram and Discord. Delivery is fire-and-forget: the trading path
// never blocks on a chat API.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hmatsuda/cryptotrader/internal/domain"
)

// Sender is one delivery channel.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender.
	Name() string
}

// Notifier implements domain.EventSink. Events are filtered against the
// configured allow-list, formatted, and handed to every sender on a
// detached goroutine.
type Notifier struct {
	senders []Sender
	allowed map[domain.EventType]bool
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Notifier delivering to the given senders. Only event
// types in events are forwarded; an empty list allows everything.
func New(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		allowed[domain.EventType(strings.TrimSpace(e))] = true
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		timeout: 10 * time.Second,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Emit implements domain.EventSink. It returns immediately; delivery
// happens in the background with its own timeout so a cancelled trading
// context cannot cut off an alert mid-flight.
func (n *Notifier) Emit(_ context.Context, ev domain.Event) {
	if len(n.senders) == 0 {
		return
	}
	if len(n.allowed) > 0 && !n.allowed[ev.Type] {
		return
	}

	title, message := format(ev)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		for _, s := range n.senders {
			if err := s.Send(ctx, title, message); err != nil {
				n.logger.Error("sender failed",
					slog.String("sender", s.Name()),
					slog.String("event", string(ev.Type)),
					slog.String("error", err.Error()))
			}
		}
	}()
}

// format renders an event as a short operator-facing message.
func format(ev domain.Event) (title, message string) {
	switch ev.Type {
	case domain.EventPositionOpened:
		title = "Position opened"
	case domain.EventPositionPartial:
		title = "Partial take-profit"
	case domain.EventPositionClosed:
		title = "Position closed"
	case domain.EventPairCommitted:
		title = "Pair trade committed"
	case domain.EventPairCompensated:
		title = "Pair trade compensated"
	case domain.EventPairManualReview:
		title = "PAIR TRADE NEEDS MANUAL REVIEW"
	case domain.EventHalted:
		title = "TRADING HALTED"
	case domain.EventReconcileAlert:
		title = "Reconciliation alert"
	default:
		title = string(ev.Type)
	}

	var b strings.Builder
	if ev.Symbol != "" {
		fmt.Fprintf(&b, "%s\n", ev.Symbol)
	}
	if ev.Detail != "" {
		fmt.Fprintf(&b, "%s\n", ev.Detail)
	}
	if ev.PositionID != "" {
		fmt.Fprintf(&b, "position %s\n", ev.PositionID)
	}
	if ev.SagaID != "" {
		fmt.Fprintf(&b, "saga %s\n", ev.SagaID)
	}
	return title, strings.TrimRight(b.String(), "\n")
}

// postJSON marshals payload and POSTs it, treating any non-2xx response
// as an error. Shared by the HTTP-based senders.
func postJSON(ctx context.Context, client *http.Client, name, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: unexpected status %d: %s", name, resp.StatusCode, string(respBody))
	}
	return nil
}

// Compile-time interface check.
var _ domain.EventSink = (*Notifier)(nil)
