package gateway

import (
	"context"
	"time"

	"tradeguard-bot/internal/exchange"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const fillBuffer = 256

type fillMessage struct {
	FillID        string          `json:"fill_id"`
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          exchange.Side   `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	Fee           decimal.Decimal `json:"fee"`
	Final         bool            `json:"final"`
	Time          int64           `json:"time"`
}

// StreamFills opens the account fill channel. The websocket reconnects on its
// own; the returned channel closes once ctx is done.
func (c *Client) StreamFills(ctx context.Context) (<-chan exchange.FillEvent, error) {
	s := newStream(c.wsURL, c.reconnectDelay, c.pingInterval, c.log.With(zap.String("stream", "fills")))
	s.subs = []any{c.signedSubscription("fills")}
	// Dial up front so the caller sees an unreachable gateway immediately.
	if err := s.connect(ctx); err != nil {
		return nil, c.classifyDial("stream fills", err)
	}
	out := make(chan exchange.FillEvent, fillBuffer)
	go func() {
		defer close(out)
		err := s.run(ctx, func(data []byte) {
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil || env.Channel != "fills" {
				return
			}
			var msg fillMessage
			if err := json.Unmarshal(env.Data, &msg); err != nil {
				c.log.Warn("malformed fill", zap.Error(err))
				return
			}
			ev := exchange.FillEvent{
				FillID:         msg.FillID,
				OrderID:        msg.OrderID,
				IdempotencyKey: msg.ClientOrderID,
				Symbol:         msg.Symbol,
				Side:           msg.Side,
				Qty:            msg.Qty,
				Price:          msg.Price,
				Fee:            msg.Fee,
				Final:          msg.Final,
				Time:           time.UnixMilli(msg.Time),
			}
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		})
		c.log.Debug("fill stream ended", zap.Error(err))
	}()
	return out, nil
}

type authSubscription struct {
	subscription
	Key       string `json:"key,omitempty"`
	Timestamp string `json:"ts,omitempty"`
	Signature string `json:"sig,omitempty"`
}

func (c *Client) signedSubscription(channel string) any {
	sub := authSubscription{subscription: subscription{Op: "subscribe", Channel: channel}}
	if !c.creds.Empty() {
		ts := timestampMS(c.now())
		sub.Key = c.creds.APIKey
		sub.Timestamp = ts
		sub.Signature = Sign(c.creds.APISecret, ts, "SUBSCRIBE", "/"+channel, nil)
	}
	return sub
}
