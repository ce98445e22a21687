package gateway

import (
	"context"
	"strconv"
	"sync"
	"time"

	"tradeguard-bot/internal/errs"
	"tradeguard-bot/internal/market"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type quoteMessage struct {
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol"`
	Bid      decimal.Decimal `json:"bid"`
	Ask      decimal.Decimal `json:"ask"`
	Time     int64           `json:"ts"`
}

// QuoteSource streams best bid/ask from the gateway's public quote channel.
// It implements market.Source.
type QuoteSource struct {
	exchange string
	stream   *stream

	mu      sync.Mutex
	tracked map[string]struct{}
	ctx     context.Context
}

func NewQuoteSource(exchangeName, wsURL string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *QuoteSource {
	if log == nil {
		log = zap.NewNop()
	}
	if reconnectDelay <= 0 {
		reconnectDelay = 3 * time.Second
	}
	return &QuoteSource{
		exchange: exchangeName,
		stream:   newStream(wsURL, reconnectDelay, pingInterval, log.With(zap.String("stream", "quotes"))),
		tracked:  make(map[string]struct{}),
	}
}

// Track subscribes to symbol. Subscriptions are replayed on reconnect.
func (q *QuoteSource) Track(key market.Key) {
	if key.Exchange != q.exchange {
		return
	}
	q.mu.Lock()
	if _, ok := q.tracked[key.Symbol]; ok {
		q.mu.Unlock()
		return
	}
	q.tracked[key.Symbol] = struct{}{}
	ctx := q.ctx
	q.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := q.stream.subscribe(ctx, subscription{Op: "subscribe", Channel: "quotes", Symbol: key.Symbol}); err != nil {
		q.stream.log.Warn("quote subscribe failed", zap.String("symbol", key.Symbol), zap.Error(err))
	}
}

func (q *QuoteSource) Run(ctx context.Context, publish func(market.Quote)) error {
	q.mu.Lock()
	q.ctx = ctx
	q.mu.Unlock()
	return q.stream.run(ctx, func(data []byte) {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Channel != "quotes" {
			return
		}
		var msg quoteMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return
		}
		name := msg.Exchange
		if name == "" {
			name = q.exchange
		}
		publish(market.Quote{Exchange: name, Symbol: msg.Symbol, Bid: msg.Bid, Ask: msg.Ask, Time: time.UnixMilli(msg.Time)})
	})
}

func (c *Client) classifyDial(op string, err error) error {
	return errs.New(op, errs.CodeNetwork, errs.WithExchange(c.name), errs.WithCause(err))
}

func timestampMS(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
