package paper

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"tradeguard-bot/internal/market"

	"github.com/shopspring/decimal"
)

type WalkConfig struct {
	Interval      time.Duration
	StepPercent   decimal.Decimal
	SpreadPercent decimal.Decimal
	// Start maps symbols to their first mid price. Unknown symbols start at
	// DefaultStart.
	Start        map[string]decimal.Decimal
	DefaultStart decimal.Decimal
	Seed         uint64
}

// Walker quotes every tracked symbol of one paper exchange with a random
// walk. Each tick moves the book on the exchange and publishes the quote.
// It implements market.Source.
type Walker struct {
	ex  *Exchange
	cfg WalkConfig

	mu     sync.Mutex
	rnd    *rand.Rand
	prices map[string]decimal.Decimal
}

func NewWalker(ex *Exchange, cfg WalkConfig) *Walker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if !cfg.StepPercent.IsPositive() {
		cfg.StepPercent = decimal.RequireFromString("0.1")
	}
	if !cfg.SpreadPercent.IsPositive() {
		cfg.SpreadPercent = decimal.RequireFromString("0.02")
	}
	if !cfg.DefaultStart.IsPositive() {
		cfg.DefaultStart = decimal.NewFromInt(100)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Walker{
		ex:     ex,
		cfg:    cfg,
		rnd:    rand.New(rand.NewPCG(seed, seed>>1|1)),
		prices: make(map[string]decimal.Decimal),
	}
}

// Track starts quoting key.Symbol when key belongs to this exchange.
func (w *Walker) Track(key market.Key) {
	if key.Exchange != w.ex.Name() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.prices[key.Symbol]; ok {
		return
	}
	start, ok := w.cfg.Start[key.Symbol]
	if !ok || !start.IsPositive() {
		start = w.cfg.DefaultStart
	}
	w.prices[key.Symbol] = start
}

func (w *Walker) Run(ctx context.Context, publish func(market.Quote)) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, q := range w.step(now) {
				w.ex.SetQuote(q.Symbol, q.Bid, q.Ask)
				publish(q)
			}
		}
	}
}

var hundred = decimal.NewFromInt(100)

func (w *Walker) step(now time.Time) []market.Quote {
	w.mu.Lock()
	defer w.mu.Unlock()
	symbols := make([]string, 0, len(w.prices))
	for symbol := range w.prices {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	halfSpread := w.cfg.SpreadPercent.Div(hundred).Div(decimal.NewFromInt(2))
	out := make([]market.Quote, 0, len(symbols))
	for _, symbol := range symbols {
		mid := w.prices[symbol]
		// uniform move in [-step, +step] percent
		move := decimal.NewFromFloat(w.rnd.Float64()*2 - 1).Mul(w.cfg.StepPercent).Div(hundred)
		next := mid.Mul(decimal.NewFromInt(1).Add(move)).Round(8)
		if !next.IsPositive() {
			next = mid
		}
		w.prices[symbol] = next
		half := next.Mul(halfSpread).Round(8)
		out = append(out, market.Quote{
			Exchange: w.ex.Name(),
			Symbol:   symbol,
			Bid:      next.Sub(half),
			Ask:      next.Add(half),
			Time:     now,
		})
	}
	return out
}
