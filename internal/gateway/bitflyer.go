package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hmatsuda/cryptotrader/internal/domain"
)

// Options configures the bitFlyer REST client.
type Options struct {
	BaseURL   string
	APIKey    string
	APISecret string
	// Timeout bounds every single HTTP attempt.
	Timeout time.Duration
	// MaxRetries and RetryBase govern exponential backoff on read-only
	// calls. Submissions are never retried.
	MaxRetries int
	RetryBase  time.Duration
	Logger     *slog.Logger
}

// BitFlyer implements Gateway against the bitFlyer Lightning private REST
// API.
type BitFlyer struct {
	opts Options
	http *http.Client
	log  *slog.Logger
}

// NewBitFlyer returns a client ready to sign private requests.
func NewBitFlyer(opts Options) *BitFlyer {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &BitFlyer{
		opts: opts,
		http: &http.Client{Timeout: opts.Timeout},
		log:  log.With("component", "gateway"),
	}
}

type sendChildOrderRequest struct {
	ProductCode    string `json:"product_code"`
	ChildOrderType string `json:"child_order_type"`
	Side           string `json:"side"`
	Size           string `json:"size"`
	ClientOrderID  string `json:"client_order_id,omitempty"`
}

type sendChildOrderResponse struct {
	ChildOrderAcceptanceID string `json:"child_order_acceptance_id"`
	Status                 int    `json:"status"`
	ErrorMessage           string `json:"error_message"`
}

// SubmitOrder places a market order. A definitive exchange rejection (4xx
// or an error body) maps to domain.ErrGatewayRejected. Anything that
// leaves the outcome unknown, such as a timeout or a 5xx, maps to
// domain.ErrGatewayAmbiguous; the caller must resolve it by status
// lookup, never by submitting again.
func (c *BitFlyer) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	body := sendChildOrderRequest{
		ProductCode:    req.Symbol,
		ChildOrderType: "MARKET",
		Side:           strings.ToUpper(string(req.Side)),
		Size:           req.Qty.String(),
		ClientOrderID:  req.ClientID,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("gateway: encode order: %w", err)
	}

	c.log.Info("submitting order",
		"symbol", req.Symbol, "side", req.Side, "qty", req.Qty.String(), "client_id", req.ClientID)

	status, respBody, err := c.do(ctx, http.MethodPost, "/v1/me/sendchildorder", "", payload)
	if err != nil {
		// The request may have reached the exchange before the failure.
		return "", fmt.Errorf("gateway: submit %s %s: %v: %w", req.Side, req.Symbol, err, domain.ErrGatewayAmbiguous)
	}

	if status >= 500 {
		return "", fmt.Errorf("gateway: submit %s %s: http %d: %w", req.Side, req.Symbol, status, domain.ErrGatewayAmbiguous)
	}

	var resp sendChildOrderResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("gateway: submit %s %s: decode response: %v: %w", req.Side, req.Symbol, err, domain.ErrGatewayAmbiguous)
	}

	if status >= 400 || resp.ErrorMessage != "" {
		return "", fmt.Errorf("gateway: submit %s %s: %s (http %d): %w",
			req.Side, req.Symbol, resp.ErrorMessage, status, domain.ErrGatewayRejected)
	}
	if resp.ChildOrderAcceptanceID == "" {
		return "", fmt.Errorf("gateway: submit %s %s: empty acceptance id: %w", req.Side, req.Symbol, domain.ErrGatewayAmbiguous)
	}

	c.log.Info("order accepted", "order_id", resp.ChildOrderAcceptanceID, "client_id", req.ClientID)
	return resp.ChildOrderAcceptanceID, nil
}

type childOrder struct {
	ChildOrderAcceptanceID string          `json:"child_order_acceptance_id"`
	ClientOrderID          string          `json:"client_order_id"`
	ChildOrderState        string          `json:"child_order_state"`
	ExecutedSize           decimal.Decimal `json:"executed_size"`
	AveragePrice           decimal.Decimal `json:"average_price"`
	TotalCommission        decimal.Decimal `json:"total_commission"`
	ChildOrderDate         string          `json:"child_order_date"`
}

// OrderStatus looks up one order by its acceptance id.
func (c *BitFlyer) OrderStatus(ctx context.Context, symbol, orderID string) (OrderStatus, error) {
	q := url.Values{}
	q.Set("product_code", symbol)
	q.Set("child_order_acceptance_id", orderID)
	return c.queryOrder(ctx, symbol, q, orderID)
}

// FindOrderByClientID looks up an order by the idempotency key it was
// submitted with.
func (c *BitFlyer) FindOrderByClientID(ctx context.Context, symbol, clientID string) (OrderStatus, error) {
	q := url.Values{}
	q.Set("product_code", symbol)
	q.Set("client_order_id", clientID)
	return c.queryOrder(ctx, symbol, q, clientID)
}

func (c *BitFlyer) queryOrder(ctx context.Context, symbol string, q url.Values, ref string) (OrderStatus, error) {
	body, err := c.getWithRetry(ctx, "/v1/me/getchildorders", q.Encode())
	if err != nil {
		return OrderStatus{}, fmt.Errorf("gateway: order lookup %s on %s: %w", ref, symbol, err)
	}

	var orders []childOrder
	if err := json.Unmarshal(body, &orders); err != nil {
		return OrderStatus{}, fmt.Errorf("gateway: order lookup %s: decode: %w", ref, err)
	}
	if len(orders) == 0 {
		return OrderStatus{}, fmt.Errorf("gateway: order %s on %s: %w", ref, symbol, domain.ErrNotFound)
	}
	return toStatus(orders[0]), nil
}

func toStatus(o childOrder) OrderStatus {
	st := OrderStatus{
		OrderID:  o.ChildOrderAcceptanceID,
		ClientID: o.ClientOrderID,
	}
	switch o.ChildOrderState {
	case "COMPLETED":
		st.State = OrderFilled
	case "CANCELED":
		st.State = OrderCanceled
	case "EXPIRED":
		st.State = OrderExpired
	case "REJECTED":
		st.State = OrderRejected
	default:
		st.State = OrderActive
	}
	// A canceled or expired order may still have executed part of its
	// size; that execution is real exposure and must reach the caller.
	if st.State == OrderFilled || (st.State.Terminal() && o.ExecutedSize.IsPositive()) {
		st.Fill = &domain.Fill{
			OrderID:  o.ChildOrderAcceptanceID,
			Qty:      o.ExecutedSize,
			Price:    o.AveragePrice,
			Fee:      o.TotalCommission,
			FilledAt: parseOrderDate(o.ChildOrderDate),
		}
	}
	return st
}

// parseOrderDate converts bitFlyer's naive UTC timestamp to epoch seconds.
func parseOrderDate(s string) int64 {
	t, err := time.Parse("2006-01-02T15:04:05", strings.TrimSuffix(s, "Z"))
	if err != nil {
		return time.Now().Unix()
	}
	return t.Unix()
}

type balanceEntry struct {
	CurrencyCode string          `json:"currency_code"`
	Amount       decimal.Decimal `json:"amount"`
	Available    decimal.Decimal `json:"available"`
}

// Holdings returns exchange-side asset amounts keyed by currency code.
func (c *BitFlyer) Holdings(ctx context.Context) (map[string]decimal.Decimal, error) {
	body, err := c.getWithRetry(ctx, "/v1/me/getbalance", "")
	if err != nil {
		return nil, fmt.Errorf("gateway: holdings: %w", err)
	}
	var entries []balanceEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("gateway: holdings: decode: %w", err)
	}
	out := make(map[string]decimal.Decimal, len(entries))
	for _, e := range entries {
		out[e.CurrencyCode] = e.Amount
	}
	return out, nil
}

// Balance returns the available JPY balance.
func (c *BitFlyer) Balance(ctx context.Context) (decimal.Decimal, error) {
	body, err := c.getWithRetry(ctx, "/v1/me/getbalance", "")
	if err != nil {
		return decimal.Zero, fmt.Errorf("gateway: balance: %w", err)
	}
	var entries []balanceEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return decimal.Zero, fmt.Errorf("gateway: balance: decode: %w", err)
	}
	for _, e := range entries {
		if e.CurrencyCode == "JPY" {
			return e.Available, nil
		}
	}
	return decimal.Zero, nil
}

// getWithRetry performs a signed GET, retrying transport failures and 5xx
// responses with exponential backoff. Read-only calls are always safe to
// retry.
func (c *BitFlyer) getWithRetry(ctx context.Context, path, query string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.opts.RetryBase << (attempt - 1)
			c.log.Debug("retrying request", "path", path, "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		status, body, err := c.do(ctx, http.MethodGet, path, query, nil)
		if err != nil {
			lastErr = err
			continue
		}
		if status >= 500 {
			lastErr = fmt.Errorf("http %d", status)
			continue
		}
		if status >= 400 {
			return nil, fmt.Errorf("http %d: %s", status, strings.TrimSpace(string(body)))
		}
		return body, nil
	}
	return nil, fmt.Errorf("%v: %w", lastErr, domain.ErrGatewayAmbiguous)
}

// do signs and executes one HTTP request. bitFlyer signs
// timestamp + method + path(+query) + body with HMAC-SHA256.
func (c *BitFlyer) do(ctx context.Context, method, path, query string, body []byte) (int, []byte, error) {
	fullPath := path
	if query != "" {
		fullPath = path + "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+fullPath, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(c.opts.APISecret))
	mac.Write([]byte(ts + method + fullPath))
	mac.Write(body)

	req.Header.Set("ACCESS-KEY", c.opts.APIKey)
	req.Header.Set("ACCESS-TIMESTAMP", ts)
	req.Header.Set("ACCESS-SIGN", hex.EncodeToString(mac.Sum(nil)))
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}
