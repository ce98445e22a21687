// Package exchange defines the abstract exchange capability the engine trades
// through. Adapters normalize venue responses into these types and classify
// failures with internal/errs codes.
package exchange

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type Credentials struct {
	APIKey    string
	APISecret string
}

func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.APIKey) == ""
}

// CredentialSource resolves opaque exchange credentials for an owner.
type CredentialSource interface {
	Credentials(ctx context.Context, ownerID, exchange string) (Credentials, error)
}

type Balance struct {
	Spot    decimal.Decimal `json:"spot"`
	Futures decimal.Decimal `json:"futures"`
	Total   decimal.Decimal `json:"total"`
	// MarginCapacity is the exchange-reported maximum futures notional. Zero
	// means the venue did not report one.
	MarginCapacity decimal.Decimal `json:"margin_capacity"`
}

// OrderSpec describes one order. A zero Price requests a market order.
type OrderSpec struct {
	IdempotencyKey string
	Symbol         string
	Side           Side
	Qty            decimal.Decimal
	Price          decimal.Decimal
	ReduceOnly     bool
	Futures        bool
	Leverage       int
}

func (o OrderSpec) IsMarket() bool {
	return o.Price.IsZero()
}

type OrderHandle struct {
	OrderID        string
	IdempotencyKey string
	AcceptedAt     time.Time
}

// FillEvent is one execution reported by the fill stream. Final marks the
// fill that completes the order.
type FillEvent struct {
	FillID         string
	OrderID        string
	IdempotencyKey string
	Symbol         string
	Side           Side
	Qty            decimal.Decimal
	Price          decimal.Decimal
	Fee            decimal.Decimal
	Final          bool
	Time           time.Time
}

// Client is the capability one exchange exposes to the engine.
//
// StreamFills returns a channel that stays open until ctx is done or the
// underlying stream breaks; callers restart it by calling StreamFills again.
type Client interface {
	Name() string
	GetBalance(ctx context.Context, creds Credentials) (Balance, error)
	PlaceOrder(ctx context.Context, spec OrderSpec) (OrderHandle, error)
	CancelOrder(ctx context.Context, orderID string) error
	StreamFills(ctx context.Context) (<-chan FillEvent, error)
}

// Symbol renders a pair the way adapters address it.
func Symbol(base, quote string) string {
	return strings.ToUpper(strings.TrimSpace(base)) + "/" + strings.ToUpper(strings.TrimSpace(quote))
}

// BotIDFromKey extracts the bot id prefix from an idempotency key of the
// form "<botID>:<suffix>".
func BotIDFromKey(key string) (string, bool) {
	id, _, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func NewIdempotencyKey(botID, suffix string) string {
	return botID + ":" + suffix
}
