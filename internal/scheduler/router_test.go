package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"tradeguard-bot/internal/exchange"

	"go.uber.org/zap"
)

// scriptedStream hands out one channel per StreamFills call, failing the
// calls listed in fail.
type scriptedStream struct {
	stuckClient

	mu      sync.Mutex
	opens   int
	fail    map[int]bool
	streams []chan exchange.FillEvent
}

func (s *scriptedStream) StreamFills(context.Context) (<-chan exchange.FillEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.fail[s.opens] {
		return nil, errors.New("stream refused")
	}
	ch := make(chan exchange.FillEvent, 16)
	s.streams = append(s.streams, ch)
	return ch, nil
}

func (s *scriptedStream) stream(i int) chan exchange.FillEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.streams) {
		return nil
	}
	return s.streams[i]
}

func fillFor(botID string, n int) exchange.FillEvent {
	return exchange.FillEvent{
		FillID:         "f" + strconv.Itoa(n),
		IdempotencyKey: exchange.NewIdempotencyKey(botID, strconv.Itoa(n)),
		Qty:            d("1"),
		Price:          d("100"),
	}
}

func TestMailboxKeepsOrder(t *testing.T) {
	box := newMailbox()
	for i := 0; i < 100; i++ {
		box.push(fillFor("bot", i))
	}
	select {
	case <-box.ready:
	default:
		t.Fatalf("expected ready signal")
	}
	items := box.take()
	if len(items) != 100 {
		t.Fatalf("expected 100 fills, got %d", len(items))
	}
	for i, ev := range items {
		if ev.FillID != "f"+strconv.Itoa(i) {
			t.Fatalf("fill %d out of order: %s", i, ev.FillID)
		}
	}
	if rest := box.take(); len(rest) != 0 {
		t.Fatalf("expected empty mailbox, got %d", len(rest))
	}
}

func TestRouterDispatchesByBotAndReopens(t *testing.T) {
	src := &scriptedStream{fail: map[int]bool{2: true}}
	r := newRouter(src, RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}, zap.NewNop())
	a, b := newMailbox(), newMailbox()
	r.register("bot-a", a)
	r.register("bot-b", b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := r.open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	done := make(chan struct{})
	go func() {
		r.run(ctx, ch)
		close(done)
	}()

	first := src.stream(0)
	first <- fillFor("bot-a", 1)
	first <- fillFor("bot-b", 2)
	first <- fillFor("bot-gone", 3)
	first <- exchange.FillEvent{FillID: "no-key"}
	close(first)

	// the second open is refused, the third succeeds
	deadline := time.Now().Add(2 * time.Second)
	for src.stream(1) == nil {
		if time.Now().After(deadline) {
			t.Fatalf("router never reopened the stream")
		}
		time.Sleep(time.Millisecond)
	}
	src.stream(1) <- fillFor("bot-a", 4)

	waitMailbox(t, a, 2)
	if got := b.take(); len(got) != 1 || got[0].FillID != "f2" {
		t.Fatalf("unexpected bot-b fills %+v", got)
	}

	r.unregister("bot-a", newMailbox())
	r.unregister("bot-b", b)
	src.stream(1) <- fillFor("bot-b", 5)
	src.stream(1) <- fillFor("bot-a", 6)
	waitMailbox(t, a, 1)
	if got := b.take(); len(got) != 0 {
		t.Fatalf("unregistered bot received %d fills", len(got))
	}

	cancel()
	close(src.stream(1))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("router did not stop")
	}
}

func waitMailbox(t *testing.T, box *mailbox, n int) {
	t.Helper()
	var got []exchange.FillEvent
	deadline := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case <-box.ready:
			got = append(got, box.take()...)
		case <-deadline:
			t.Fatalf("expected %d fills, got %d", n, len(got))
		}
	}
}
