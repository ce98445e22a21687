package exec

import (
	"context"
	"errors"
	"sync"
	"time"

	"tradeguard-bot/internal/errs"
	"tradeguard-bot/internal/exchange"
	"tradeguard-bot/internal/state"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const keyPrefix = "idem:"

type Config struct {
	Window          time.Duration
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 200 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	return c
}

// RetryObserver is told about every transient failure before the next attempt.
type RetryObserver func(op string, attempt int, err error)

type observerKey struct{}

// WithRetryObserver attaches fn to ctx so that retries of calls made with the
// returned context are reported to the caller that owns them.
func WithRetryObserver(ctx context.Context, fn RetryObserver) context.Context {
	return context.WithValue(ctx, observerKey{}, fn)
}

func observerFrom(ctx context.Context) RetryObserver {
	fn, _ := ctx.Value(observerKey{}).(RetryObserver)
	return fn
}

// Executor wraps an exchange.Client so that placements sharing an
// idempotency key within Window reach the venue at most once, and transient
// failures are retried with exponential backoff.
type Executor struct {
	client exchange.Client
	store  state.Store
	log    *zap.Logger
	cfg    Config
	now    func() time.Time

	mu       sync.Mutex
	cache    map[string]placed
	inflight map[string]*call
}

type placed struct {
	Handle exchange.OrderHandle `json:"handle"`
	AtMS   int64                `json:"at_ms"`
}

type call struct {
	done   chan struct{}
	handle exchange.OrderHandle
	err    error
}

func New(client exchange.Client, store state.Store, log *zap.Logger, cfg Config) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		client:   client,
		store:    store,
		log:      log,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		cache:    make(map[string]placed),
		inflight: make(map[string]*call),
	}
}

func (e *Executor) Name() string { return e.client.Name() }

func (e *Executor) GetBalance(ctx context.Context, creds exchange.Credentials) (exchange.Balance, error) {
	return e.client.GetBalance(ctx, creds)
}

func (e *Executor) StreamFills(ctx context.Context) (<-chan exchange.FillEvent, error) {
	return e.client.StreamFills(ctx)
}

func (e *Executor) PlaceOrder(ctx context.Context, spec exchange.OrderSpec) (exchange.OrderHandle, error) {
	key := spec.IdempotencyKey
	if key == "" {
		return e.placeWithRetry(ctx, spec)
	}
	now := e.now()
	e.mu.Lock()
	expired := e.pruneLocked(now)
	e.mu.Unlock()
	e.forget(ctx, expired)

	e.mu.Lock()
	if p, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return p.Handle, nil
	}
	if c, ok := e.inflight[key]; ok {
		e.mu.Unlock()
		select {
		case <-c.done:
			return c.handle, c.err
		case <-ctx.Done():
			return exchange.OrderHandle{}, ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	e.inflight[key] = c
	e.mu.Unlock()

	c.handle, c.err = e.place(ctx, spec, now)

	e.mu.Lock()
	delete(e.inflight, key)
	if c.err == nil {
		e.cache[key] = placed{Handle: c.handle, AtMS: e.now().UnixMilli()}
	}
	e.mu.Unlock()
	close(c.done)
	return c.handle, c.err
}

func (e *Executor) place(ctx context.Context, spec exchange.OrderSpec, now time.Time) (exchange.OrderHandle, error) {
	storeKey := keyPrefix + spec.IdempotencyKey
	if e.store != nil {
		raw, ok, err := e.store.Get(ctx, storeKey)
		if err != nil {
			return exchange.OrderHandle{}, err
		}
		if ok {
			var p placed
			if err := json.Unmarshal([]byte(raw), &p); err == nil && now.Sub(time.UnixMilli(p.AtMS)) < e.cfg.Window {
				return p.Handle, nil
			}
			e.forget(ctx, []string{spec.IdempotencyKey})
		}
	}
	handle, err := e.placeWithRetry(ctx, spec)
	if err != nil {
		return exchange.OrderHandle{}, err
	}
	if e.store != nil {
		payload, err := json.Marshal(placed{Handle: handle, AtMS: e.now().UnixMilli()})
		if err == nil {
			err = e.store.Set(ctx, storeKey, string(payload))
		}
		if err != nil {
			e.log.Warn("failed to persist idempotency key", zap.String("key", spec.IdempotencyKey), zap.Error(err))
		}
	}
	return handle, nil
}

func (e *Executor) CancelOrder(ctx context.Context, orderID string) error {
	return e.retry(ctx, "cancel_order", func() error {
		return e.client.CancelOrder(ctx, orderID)
	})
}

func (e *Executor) placeWithRetry(ctx context.Context, spec exchange.OrderSpec) (exchange.OrderHandle, error) {
	var handle exchange.OrderHandle
	err := e.retry(ctx, "place_order", func() error {
		var err error
		handle, err = e.client.PlaceOrder(ctx, spec)
		return err
	})
	if err != nil {
		return exchange.OrderHandle{}, err
	}
	if handle.OrderID == "" {
		return exchange.OrderHandle{}, errs.New("place order", errs.CodeRejected, errs.WithMessage("empty order id"))
	}
	if handle.IdempotencyKey == "" {
		handle.IdempotencyKey = spec.IdempotencyKey
	}
	return handle, nil
}

func (e *Executor) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialInterval
	b.MaxInterval = e.cfg.MaxInterval
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if !errs.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.log.Warn("exchange call retry",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err),
			)
			if observer := observerFrom(ctx); observer != nil {
				observer(op, attempt, err)
			}
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}

// pruneLocked drops cached placements older than the window and returns
// their keys.
func (e *Executor) pruneLocked(now time.Time) []string {
	var expired []string
	for key, p := range e.cache {
		if now.Sub(time.UnixMilli(p.AtMS)) >= e.cfg.Window {
			delete(e.cache, key)
			expired = append(expired, key)
		}
	}
	return expired
}

// forget removes the persisted rows of expired idempotency keys.
func (e *Executor) forget(ctx context.Context, keys []string) {
	if e.store == nil {
		return
	}
	for _, key := range keys {
		if err := e.store.Delete(context.WithoutCancel(ctx), keyPrefix+key); err != nil {
			e.log.Warn("failed to drop idempotency key", zap.String("key", key), zap.Error(err))
		}
	}
}

// Sweep removes persisted idempotency keys that are outside the window,
// including those left by earlier runs. It needs a store that can list keys.
func (e *Executor) Sweep(ctx context.Context) (int, error) {
	lister, ok := e.store.(state.KeyLister)
	if !ok {
		return 0, nil
	}
	keys, err := lister.Keys(ctx, keyPrefix)
	if err != nil {
		return 0, err
	}
	now := e.now()
	removed := 0
	for _, storeKey := range keys {
		raw, ok, err := e.store.Get(ctx, storeKey)
		if err != nil {
			return removed, err
		}
		if !ok {
			continue
		}
		var p placed
		if err := json.Unmarshal([]byte(raw), &p); err == nil && now.Sub(time.UnixMilli(p.AtMS)) < e.cfg.Window {
			continue
		}
		if err := e.store.Delete(ctx, storeKey); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
