package scheduler

import (
	"context"
	"sync"
	"time"

	"tradeguard-bot/internal/exchange"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// mailbox is an unbounded FIFO of fills for one bot. Pushing never blocks,
// so a slow bot cannot stall the router or other bots.
type mailbox struct {
	mu    sync.Mutex
	items []exchange.FillEvent
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) push(ev exchange.FillEvent) {
	m.mu.Lock()
	m.items = append(m.items, ev)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// take returns every queued fill in arrival order.
func (m *mailbox) take() []exchange.FillEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// router reads one exchange's fill stream and dispatches fills to bot
// mailboxes by the bot id prefix of their idempotency key. The stream is
// reopened with backoff whenever it ends.
type router struct {
	client exchange.Client
	log    *zap.Logger
	retry  RetryConfig

	mu    sync.Mutex
	boxes map[string]*mailbox
}

func newRouter(client exchange.Client, retry RetryConfig, log *zap.Logger) *router {
	return &router{
		client: client,
		log:    log.With(zap.String("exchange", client.Name())),
		retry:  retry,
		boxes:  make(map[string]*mailbox),
	}
}

func (r *router) register(botID string, box *mailbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.boxes[botID] = box
}

func (r *router) unregister(botID string, box *mailbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.boxes[botID] == box {
		delete(r.boxes, botID)
	}
}

func (r *router) dispatch(ev exchange.FillEvent) {
	botID, ok := exchange.BotIDFromKey(ev.IdempotencyKey)
	if !ok {
		r.log.Debug("fill without bot key", zap.String("fill_id", ev.FillID), zap.String("order_id", ev.OrderID))
		return
	}
	r.mu.Lock()
	box := r.boxes[botID]
	r.mu.Unlock()
	if box == nil {
		r.log.Debug("fill for inactive bot", zap.String("bot_id", botID), zap.String("fill_id", ev.FillID))
		return
	}
	box.push(ev)
}

// open subscribes once. Start calls it synchronously so that orders placed
// right after startup are already covered by a stream.
func (r *router) open(ctx context.Context) (<-chan exchange.FillEvent, error) {
	ch, err := r.client.StreamFills(ctx)
	if err != nil {
		r.log.Warn("fill stream open failed", zap.Error(err))
		return nil, err
	}
	return ch, nil
}

func (r *router) run(ctx context.Context, ch <-chan exchange.FillEvent) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retry.InitialInterval
	b.MaxInterval = r.retry.MaxInterval
	for {
		if ch != nil {
			started := time.Now()
			for ev := range ch {
				r.dispatch(ev)
			}
			if ctx.Err() != nil {
				return
			}
			if time.Since(started) > b.MaxInterval {
				b.Reset()
			}
			r.log.Warn("fill stream ended")
		}
		sleep := b.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		ch, _ = r.open(ctx)
		if ch != nil {
			r.log.Info("fill stream reopened")
		}
	}
}
