// Package market maintains the live view of best bid/ask per (exchange, pair)
// and fans updates out to bot loops.
package market

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrInvalidQuote = errors.New("invalid quote")

type Key struct {
	Exchange string
	Symbol   string
}

type Quote struct {
	Exchange string
	Symbol   string
	Bid      decimal.Decimal
	Ask      decimal.Decimal
	Time     time.Time
}

// Snapshot is the last accepted quote for a key. Timestamp never moves
// backwards for a given key.
type Snapshot struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"timestamp"`
}

func (s Snapshot) Mid() decimal.Decimal {
	return s.Bid.Add(s.Ask).Div(decimal.NewFromInt(2))
}

func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// Stale reports whether the snapshot is unusable at now. A snapshot that
// never received data is always stale.
func (s Snapshot) Stale(now time.Time, threshold time.Duration) bool {
	if s.Timestamp.IsZero() {
		return true
	}
	if threshold <= 0 {
		return false
	}
	return s.Age(now) > threshold
}

// Source pushes quotes until ctx is done or the upstream breaks.
type Source interface {
	Run(ctx context.Context, publish func(Quote)) error
}

// Subscription delivers the latest snapshot for one key. Delivery is
// conflating and at-least-once: a slow reader sees the newest value, and may
// see a value it already handled.
type Subscription struct {
	C <-chan Snapshot

	ch   chan Snapshot
	feed *Feed
	key  Key
	id   int
	once sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.feed.unsubscribe(s.key, s.id)
	})
}

type Feed struct {
	log    *zap.Logger
	window int

	mu       sync.RWMutex
	snaps    map[Key]Snapshot
	candles  map[Key][]*series
	subs     map[Key]map[int]*Subscription
	nextID   int
	watchers []func(Snapshot)
	trackers []func(Key)
	tracked  map[Key]struct{}
}

func NewFeed(log *zap.Logger, candleWindow int) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	if candleWindow <= 0 {
		candleWindow = 120
	}
	return &Feed{
		log:     log,
		window:  candleWindow,
		snaps:   make(map[Key]Snapshot),
		candles: make(map[Key][]*series),
		subs:    make(map[Key]map[int]*Subscription),
		tracked: make(map[Key]struct{}),
	}
}

// Publish normalizes q into the snapshot for its key. Quotes that are not
// newer than the current snapshot are discarded and reported as false.
func (f *Feed) Publish(q Quote) (bool, error) {
	if q.Exchange == "" || q.Symbol == "" || !q.Bid.IsPositive() || !q.Ask.IsPositive() || q.Bid.GreaterThan(q.Ask) || q.Time.IsZero() {
		return false, ErrInvalidQuote
	}
	key := Key{Exchange: q.Exchange, Symbol: q.Symbol}
	snap := Snapshot{Exchange: q.Exchange, Symbol: q.Symbol, Bid: q.Bid, Ask: q.Ask, Timestamp: q.Time}

	f.mu.Lock()
	if cur, ok := f.snaps[key]; ok && !q.Time.After(cur.Timestamp) {
		f.mu.Unlock()
		return false, nil
	}
	f.snaps[key] = snap
	f.addCandleLocked(key, snap)
	for _, fn := range f.watchers {
		fn(snap)
	}
	for _, sub := range f.subs[key] {
		offer(sub.ch, snap)
	}
	f.mu.Unlock()
	return true, nil
}

func (f *Feed) Snapshot(exchange, symbol string) (Snapshot, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snap, ok := f.snaps[Key{Exchange: exchange, Symbol: symbol}]
	return snap, ok
}

// Subscribe registers for updates on one key. The current snapshot, when
// present, is delivered immediately.
func (f *Feed) Subscribe(exchange, symbol string) *Subscription {
	key := Key{Exchange: exchange, Symbol: symbol}
	ch := make(chan Snapshot, 1)
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	sub := &Subscription{C: ch, ch: ch, feed: f, key: key, id: id}
	if f.subs[key] == nil {
		f.subs[key] = make(map[int]*Subscription)
	}
	f.subs[key][id] = sub
	if snap, ok := f.snaps[key]; ok {
		offer(ch, snap)
	}
	f.mu.Unlock()
	return sub
}

func (f *Feed) unsubscribe(key Key, id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[key]
	sub, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(f.subs, key)
	}
	close(sub.ch)
}

// Watch registers fn for every accepted snapshot on any key. fn runs under
// the feed lock before subscribers are offered the snapshot, so it must be
// quick and must not call back into the feed.
func (f *Feed) Watch(fn func(Snapshot)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchers = append(f.watchers, fn)
}

// OnTrack registers fn to be told about keys bots start trading, so sources
// can subscribe upstream.
func (f *Feed) OnTrack(fn func(Key)) {
	f.mu.Lock()
	tracked := make([]Key, 0, len(f.tracked))
	for key := range f.tracked {
		tracked = append(tracked, key)
	}
	f.trackers = append(f.trackers, fn)
	f.mu.Unlock()
	for _, key := range tracked {
		fn(key)
	}
}

func (f *Feed) Track(exchange, symbol string) {
	key := Key{Exchange: exchange, Symbol: symbol}
	f.mu.Lock()
	if _, ok := f.tracked[key]; ok {
		f.mu.Unlock()
		return
	}
	f.tracked[key] = struct{}{}
	trackers := slices.Clone(f.trackers)
	f.mu.Unlock()
	for _, fn := range trackers {
		fn(key)
	}
}

// Closes returns candle closes for interval, oldest first.
func (f *Feed) Closes(exchange, symbol string, interval time.Duration) []float64 {
	candles := f.Candles(exchange, symbol, interval)
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func (f *Feed) Candles(exchange, symbol string, interval time.Duration) []Candle {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.candles[Key{Exchange: exchange, Symbol: symbol}] {
		if s.interval == interval {
			return append([]Candle(nil), s.candles...)
		}
	}
	return nil
}

// Run feeds quotes from src until ctx is done, restarting src with
// exponential backoff whenever it fails.
func (f *Feed) Run(ctx context.Context, src Source) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	publish := func(q Quote) {
		if _, err := f.Publish(q); err != nil {
			f.log.Debug("quote dropped", zap.String("exchange", q.Exchange), zap.String("symbol", q.Symbol), zap.Error(err))
		}
	}
	for {
		started := time.Now()
		err := src.Run(ctx, publish)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > b.MaxInterval {
			b.Reset()
		}
		sleep := b.NextBackOff()
		f.log.Warn("market source stopped", zap.Error(err), zap.Duration("retry_in", sleep))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (f *Feed) addCandleLocked(key Key, snap Snapshot) {
	set, ok := f.candles[key]
	if !ok {
		set = make([]*series, 0, len(Intervals))
		for _, interval := range Intervals {
			set = append(set, &series{interval: interval, window: f.window})
		}
		f.candles[key] = set
	}
	price := snap.Mid().InexactFloat64()
	for _, s := range set {
		s.add(price, snap.Timestamp)
	}
}

func offer(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
