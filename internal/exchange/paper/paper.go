// Package paper simulates an exchange in process. Orders match against the
// last quote set for their symbol; resting limit orders fill when a later
// quote crosses them.
package paper

import (
	"context"
	"sync"
	"time"

	"tradeguard-bot/internal/errs"
	"tradeguard-bot/internal/exchange"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Op names an exchange call for fault injection.
type Op string

const (
	OpGetBalance  Op = "get_balance"
	OpPlaceOrder  Op = "place_order"
	OpCancelOrder Op = "cancel_order"
	OpStreamFills Op = "stream_fills"
)

const subscriberBuffer = 1024

type Config struct {
	Name           string
	Spot           decimal.Decimal
	Futures        decimal.Decimal
	MarginCapacity decimal.Decimal
	FeeRate        decimal.Decimal
}

type quote struct {
	bid decimal.Decimal
	ask decimal.Decimal
}

type order struct {
	handle exchange.OrderHandle
	spec   exchange.OrderSpec
	filled bool
}

type subscriber struct {
	ch   chan exchange.FillEvent
	done <-chan struct{}
}

type Exchange struct {
	name    string
	feeRate decimal.Decimal
	log     *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	balance exchange.Balance
	quotes  map[string]quote
	orders  map[string]*order
	byKey   map[string]string
	subs    map[int]*subscriber
	nextSub int
	faults  map[Op][]error
	calls   map[Op]int
	fills   []exchange.FillEvent
}

func New(cfg Config, log *zap.Logger) *Exchange {
	if log == nil {
		log = zap.NewNop()
	}
	name := cfg.Name
	if name == "" {
		name = "paper"
	}
	return &Exchange{
		name:    name,
		feeRate: cfg.FeeRate,
		log:     log,
		now:     time.Now,
		balance: exchange.Balance{
			Spot:           cfg.Spot,
			Futures:        cfg.Futures,
			Total:          cfg.Spot.Add(cfg.Futures),
			MarginCapacity: cfg.MarginCapacity,
		},
		quotes: make(map[string]quote),
		orders: make(map[string]*order),
		byKey:  make(map[string]string),
		subs:   make(map[int]*subscriber),
		faults: make(map[Op][]error),
		calls:  make(map[Op]int),
	}
}

func (e *Exchange) Name() string { return e.name }

// FailNext queues errors returned by the next calls of op, one per call.
func (e *Exchange) FailNext(op Op, errors ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults[op] = append(e.faults[op], errors...)
}

func (e *Exchange) Calls(op Op) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// Fills returns every fill the exchange has produced.
func (e *Exchange) Fills() []exchange.FillEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]exchange.FillEvent(nil), e.fills...)
}

func (e *Exchange) Commission() decimal.Decimal {
	return e.feeRate
}

func (e *Exchange) SetBalance(b exchange.Balance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b.Total.IsZero() {
		b.Total = b.Spot.Add(b.Futures)
	}
	e.balance = b
}

// SetQuote updates the book top for symbol and fills resting orders it crosses.
func (e *Exchange) SetQuote(symbol string, bid, ask decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quotes[symbol] = quote{bid: bid, ask: ask}
	for _, o := range e.orders {
		if o.filled || o.spec.Symbol != symbol {
			continue
		}
		if price, ok := crossPrice(o.spec, bid, ask); ok {
			e.fillLocked(o, price)
		}
	}
}

func (e *Exchange) GetBalance(ctx context.Context, creds exchange.Credentials) (exchange.Balance, error) {
	_ = creds
	if err := ctx.Err(); err != nil {
		return exchange.Balance{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFaultLocked(OpGetBalance); err != nil {
		return exchange.Balance{}, err
	}
	return e.balance, nil
}

func (e *Exchange) PlaceOrder(ctx context.Context, spec exchange.OrderSpec) (exchange.OrderHandle, error) {
	if err := ctx.Err(); err != nil {
		return exchange.OrderHandle{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFaultLocked(OpPlaceOrder); err != nil {
		return exchange.OrderHandle{}, err
	}
	if spec.IdempotencyKey != "" {
		if id, ok := e.byKey[spec.IdempotencyKey]; ok {
			return e.orders[id].handle, nil
		}
	}
	q, ok := e.quotes[spec.Symbol]
	if !ok {
		return exchange.OrderHandle{}, errs.New("place order", errs.CodeInvalidSymbol, errs.WithExchange(e.name), errs.WithMessage(spec.Symbol))
	}
	if !spec.Qty.IsPositive() {
		return exchange.OrderHandle{}, errs.New("place order", errs.CodeRejected, errs.WithExchange(e.name), errs.WithMessage("quantity must be positive"))
	}
	if !spec.ReduceOnly {
		ref := spec.Price
		if spec.IsMarket() {
			ref = q.ask
		}
		notional := spec.Qty.Mul(ref)
		limit := e.balance.MarginCapacity
		if !spec.Futures {
			limit = e.balance.Spot
		}
		if limit.IsPositive() && notional.GreaterThan(limit) {
			return exchange.OrderHandle{}, errs.New("place order", errs.CodeInsufficientMargin, errs.WithExchange(e.name),
				errs.WithMessage("notional "+notional.String()+" exceeds "+limit.String()))
		}
	}
	o := &order{
		handle: exchange.OrderHandle{
			OrderID:        uuid.NewString(),
			IdempotencyKey: spec.IdempotencyKey,
			AcceptedAt:     e.now(),
		},
		spec: spec,
	}
	e.orders[o.handle.OrderID] = o
	if spec.IdempotencyKey != "" {
		e.byKey[spec.IdempotencyKey] = o.handle.OrderID
	}
	if price, ok := crossPrice(spec, q.bid, q.ask); ok {
		e.fillLocked(o, price)
	}
	return o.handle, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFaultLocked(OpCancelOrder); err != nil {
		return err
	}
	o, ok := e.orders[orderID]
	if !ok {
		return errs.New("cancel order", errs.CodeNotFound, errs.WithExchange(e.name), errs.WithMessage(orderID))
	}
	if o.filled {
		return errs.New("cancel order", errs.CodeAlreadyFilled, errs.WithExchange(e.name), errs.WithMessage(orderID))
	}
	delete(e.orders, orderID)
	return nil
}

func (e *Exchange) StreamFills(ctx context.Context) (<-chan exchange.FillEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFaultLocked(OpStreamFills); err != nil {
		return nil, err
	}
	id := e.nextSub
	e.nextSub++
	sub := &subscriber{ch: make(chan exchange.FillEvent, subscriberBuffer), done: ctx.Done()}
	e.subs[id] = sub
	go func() {
		<-ctx.Done()
		e.mu.Lock()
		delete(e.subs, id)
		close(sub.ch)
		e.mu.Unlock()
	}()
	return sub.ch, nil
}

func (e *Exchange) takeFaultLocked(op Op) error {
	e.calls[op]++
	queue := e.faults[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	e.faults[op] = queue[1:]
	return err
}

func (e *Exchange) fillLocked(o *order, price decimal.Decimal) {
	o.filled = true
	fill := exchange.FillEvent{
		FillID:         uuid.NewString(),
		OrderID:        o.handle.OrderID,
		IdempotencyKey: o.spec.IdempotencyKey,
		Symbol:         o.spec.Symbol,
		Side:           o.spec.Side,
		Qty:            o.spec.Qty,
		Price:          price,
		Fee:            o.spec.Qty.Mul(price).Mul(e.feeRate),
		Final:          true,
		Time:           e.now(),
	}
	e.fills = append(e.fills, fill)
	e.log.Debug("paper fill",
		zap.String("order_id", fill.OrderID),
		zap.String("symbol", fill.Symbol),
		zap.String("side", string(fill.Side)),
		zap.String("qty", fill.Qty.String()),
		zap.String("price", fill.Price.String()),
	)
	for _, sub := range e.subs {
		select {
		case sub.ch <- fill:
		case <-sub.done:
		}
	}
}

// crossPrice reports whether spec executes against bid/ask and at what price.
func crossPrice(spec exchange.OrderSpec, bid, ask decimal.Decimal) (decimal.Decimal, bool) {
	if spec.Side == exchange.SideBuy {
		if ask.IsZero() {
			return decimal.Zero, false
		}
		if spec.IsMarket() || ask.LessThanOrEqual(spec.Price) {
			return ask, true
		}
		return decimal.Zero, false
	}
	if bid.IsZero() {
		return decimal.Zero, false
	}
	if spec.IsMarket() || bid.GreaterThanOrEqual(spec.Price) {
		return bid, true
	}
	return decimal.Zero, false
}
