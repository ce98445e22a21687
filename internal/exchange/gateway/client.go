// Package gateway talks to an exchange through a normalized REST + WebSocket
// gateway. Requests are signed with HMAC-SHA256 over
// timestamp+method+path+body and throttled client side.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tradeguard-bot/internal/errs"
	"tradeguard-bot/internal/exchange"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	headerKey       = "X-API-KEY"
	headerTimestamp = "X-TIMESTAMP"
	headerSignature = "X-SIGNATURE"
)

type Config struct {
	Name           string
	BaseURL        string
	WSURL          string
	Timeout        time.Duration
	RateLimit      float64
	RateBurst      int
	ReconnectDelay time.Duration
	PingInterval   time.Duration
}

type Client struct {
	name    string
	baseURL string
	wsURL   string
	creds   exchange.Credentials
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
	now     func() time.Time

	reconnectDelay time.Duration
	pingInterval   time.Duration
}

// New builds a client trading with creds. GetBalance may be called with other
// credentials to check an owner's account.
func New(cfg Config, creds exchange.Credentials, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	return &Client{
		name:           cfg.Name,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		wsURL:          cfg.WSURL,
		creds:          creds,
		http:           &http.Client{Timeout: cfg.Timeout},
		limiter:        rate.NewLimiter(limit, burst),
		log:            log,
		now:            time.Now,
		reconnectDelay: cfg.ReconnectDelay,
		pingInterval:   cfg.PingInterval,
	}
}

func (c *Client) Name() string { return c.name }

type balanceResponse struct {
	Spot           decimal.Decimal `json:"spot"`
	Futures        decimal.Decimal `json:"futures"`
	Total          decimal.Decimal `json:"total"`
	MarginCapacity decimal.Decimal `json:"margin_capacity"`
	Commission     decimal.Decimal `json:"commission"`
}

func (c *Client) GetBalance(ctx context.Context, creds exchange.Credentials) (exchange.Balance, error) {
	if creds.Empty() {
		creds = c.creds
	}
	var resp balanceResponse
	if err := c.do(ctx, "get balance", http.MethodGet, "/v1/balance", nil, creds, &resp); err != nil {
		return exchange.Balance{}, err
	}
	total := resp.Total
	if total.IsZero() {
		total = resp.Spot.Add(resp.Futures)
	}
	return exchange.Balance{
		Spot:           resp.Spot,
		Futures:        resp.Futures,
		Total:          total,
		MarginCapacity: resp.MarginCapacity,
	}, nil
}

// Commission returns the taker fee rate the venue reports.
func (c *Client) Commission(ctx context.Context) (decimal.Decimal, error) {
	var resp balanceResponse
	if err := c.do(ctx, "get commission", http.MethodGet, "/v1/balance", nil, c.creds, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Commission, nil
}

type orderRequest struct {
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	Side          exchange.Side    `json:"side"`
	Type          string           `json:"type"`
	Qty           decimal.Decimal  `json:"qty"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	ReduceOnly    bool             `json:"reduce_only,omitempty"`
	Futures       bool             `json:"futures"`
	Leverage      int              `json:"leverage,omitempty"`
}

type orderResponse struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	AcceptedAt    int64  `json:"accepted_at"`
}

// PlaceOrder submits spec. The idempotency key travels as the client order
// id, which the gateway dedupes on as well.
func (c *Client) PlaceOrder(ctx context.Context, spec exchange.OrderSpec) (exchange.OrderHandle, error) {
	req := orderRequest{
		ClientOrderID: spec.IdempotencyKey,
		Symbol:        spec.Symbol,
		Side:          spec.Side,
		Type:          "market",
		Qty:           spec.Qty,
		ReduceOnly:    spec.ReduceOnly,
		Futures:       spec.Futures,
		Leverage:      spec.Leverage,
	}
	if !spec.IsMarket() {
		price := spec.Price
		req.Type = "limit"
		req.Price = &price
	}
	var resp orderResponse
	if err := c.do(ctx, "place order", http.MethodPost, "/v1/orders", req, c.creds, &resp); err != nil {
		return exchange.OrderHandle{}, err
	}
	accepted := c.now()
	if resp.AcceptedAt > 0 {
		accepted = time.UnixMilli(resp.AcceptedAt)
	}
	key := resp.ClientOrderID
	if key == "" {
		key = spec.IdempotencyKey
	}
	return exchange.OrderHandle{OrderID: resp.OrderID, IdempotencyKey: key, AcceptedAt: accepted}, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.do(ctx, "cancel order", http.MethodDelete, "/v1/orders/"+url.PathEscape(orderID), nil, c.creds, nil)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, creds exchange.Credentials, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if !creds.Empty() {
		ts := strconv.FormatInt(c.now().UnixMilli(), 10)
		httpReq.Header.Set(headerKey, creds.APIKey)
		httpReq.Header.Set(headerTimestamp, ts)
		httpReq.Header.Set(headerSignature, Sign(creds.APISecret, ts, method, path, payload))
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.New(op, errs.CodeNetwork, errs.WithExchange(c.name), errs.WithCause(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return c.classify(op, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errs.New(op, errs.CodeNetwork, errs.WithExchange(c.name), errs.WithMessage("decode response"), errs.WithCause(err))
	}
	return nil
}

// classify maps a non-2xx response onto the error taxonomy.
func (c *Client) classify(op string, status int, raw []byte) error {
	var body apiError
	_ = json.Unmarshal(raw, &body)
	msg := strings.TrimSpace(body.Message)
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	code := errs.Code(body.Code)
	switch code {
	case errs.CodeInsufficientMargin, errs.CodeInvalidSymbol, errs.CodeRejected, errs.CodeAlreadyFilled, errs.CodeNotFound:
	default:
		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			code = errs.CodeAuthFailed
		case status == http.StatusTooManyRequests:
			code = errs.CodeRateLimited
		case status == http.StatusNotFound:
			code = errs.CodeNotFound
		case status == http.StatusConflict:
			code = errs.CodeAlreadyFilled
		case status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
			code = errs.CodeExchangeUnreachable
		case status >= 500:
			code = errs.CodeNetwork
		default:
			code = errs.CodeRejected
		}
	}
	return errs.New(op, code, errs.WithExchange(c.name), errs.WithHTTP(status), errs.WithMessage(msg))
}

// Sign returns the hex HMAC-SHA256 of ts+method+path+body under secret.
func Sign(secret, ts, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s%s%s", ts, method, path)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
