// Package ledger keeps the append-only record of a bot's executions. The
// event log is authoritative; positions are folded incrementally on append
// and the exported Snapshot is a cache rebuilt lazily after each append.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradeguard-bot/internal/exchange"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindFill      Kind = "fill"
	KindCancel    Kind = "cancel"
	KindRiskClose Kind = "risk_close"
)

type Leg string

const (
	LegMain  Leg = "main"
	LegHedge Leg = "hedge"
)

type Purpose string

const (
	PurposeEntry Purpose = "entry"
	PurposeHedge Purpose = "hedge"
	PurposeClose Purpose = "close"
)

var (
	ErrInvalidEvent = errors.New("invalid ledger event")
	ErrOutOfOrder   = errors.New("ledger event out of order")
)

type Event struct {
	Seq     int64           `json:"seq"`
	BotID   string          `json:"bot_id"`
	Kind    Kind            `json:"kind"`
	Time    time.Time       `json:"time"`
	FillID  string          `json:"fill_id,omitempty"`
	OrderID string          `json:"order_id,omitempty"`
	Leg     Leg             `json:"leg,omitempty"`
	Purpose Purpose         `json:"purpose,omitempty"`
	Level   int             `json:"level"`
	Side    exchange.Side   `json:"side,omitempty"`
	Qty     decimal.Decimal `json:"qty"`
	Price   decimal.Decimal `json:"price"`
	Fee     decimal.Decimal `json:"fee"`
	Reason  string          `json:"reason,omitempty"`
}

// Journal persists ledger events.
type Journal interface {
	AppendEvent(ctx context.Context, ev Event) error
	LoadEvents(ctx context.Context, botID string) ([]Event, error)
	PageEvents(ctx context.Context, botID string, afterSeq int64, limit int) ([]Event, error)
}

type Snapshot struct {
	BotID     string          `json:"bot_id"`
	Main      Position        `json:"main"`
	Hedge     Position        `json:"hedge"`
	Realized  decimal.Decimal `json:"realized"`
	Fees      decimal.Decimal `json:"fees"`
	Events    int             `json:"events"`
	LastSeq   int64           `json:"last_seq"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (s Snapshot) Flat() bool {
	return !s.Main.Open() && !s.Hedge.Open()
}

func (s Snapshot) EntryValue() decimal.Decimal {
	return s.Main.Cost.Add(s.Hedge.Cost)
}

func (s Snapshot) Unrealized(bid, ask decimal.Decimal) decimal.Decimal {
	return s.Main.Unrealized(bid, ask).Add(s.Hedge.Unrealized(bid, ask))
}

// PnLPercent is (currentValue - entryValue) / entryValue * 100 over both
// legs. ok is false while flat.
func (s Snapshot) PnLPercent(bid, ask decimal.Decimal) (pct decimal.Decimal, ok bool) {
	entry := s.EntryValue()
	if !entry.IsPositive() {
		return decimal.Zero, false
	}
	return s.Unrealized(bid, ask).Div(entry).Mul(hundred), true
}

// NetRealized is realized P&L across legs after fees.
func (s Snapshot) NetRealized() decimal.Decimal {
	return s.Realized.Sub(s.Fees)
}

type Ledger struct {
	botID string
	now   func() time.Time

	mu      sync.Mutex
	events  []Event
	seen    map[string]struct{}
	main    Position
	hedge   Position
	nextSeq int64
	cache   *Snapshot
}

func New(botID string) *Ledger {
	return &Ledger{
		botID:   botID,
		now:     time.Now,
		seen:    make(map[string]struct{}),
		main:    Position{Leg: LegMain},
		hedge:   Position{Leg: LegHedge},
		nextSeq: 1,
	}
}

// Replay rebuilds a ledger from persisted events in sequence order.
func Replay(botID string, events []Event) (*Ledger, error) {
	l := New(botID)
	for _, ev := range events {
		if ev.Seq < l.nextSeq {
			return nil, fmt.Errorf("seq %d after %d: %w", ev.Seq, l.nextSeq-1, ErrOutOfOrder)
		}
		l.nextSeq = ev.Seq
		if _, _, err := l.Append(ev); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Append validates and records ev, assigning its sequence number. Fills whose
// FillID was already recorded are ignored and reported with appended=false.
func (l *Ledger) Append(ev Event) (recorded Event, appended bool, err error) {
	if err := validate(ev); err != nil {
		return Event{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if ev.Kind == KindFill && ev.FillID != "" {
		if _, dup := l.seen[ev.FillID]; dup {
			return Event{}, false, nil
		}
		l.seen[ev.FillID] = struct{}{}
	}
	ev.Seq = l.nextSeq
	l.nextSeq++
	ev.BotID = l.botID
	if ev.Time.IsZero() {
		ev.Time = l.now()
	}
	if ev.Leg == "" {
		ev.Leg = LegMain
	}
	if ev.Kind == KindFill {
		if ev.Leg == LegHedge {
			l.hedge.apply(ev)
		} else {
			l.main.apply(ev)
		}
	}
	l.events = append(l.events, ev)
	l.cache = nil
	return ev, true, nil
}

func (l *Ledger) ApplyFill(ev Event) (Event, bool, error) {
	ev.Kind = KindFill
	return l.Append(ev)
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cache == nil {
		snap := Snapshot{
			BotID:    l.botID,
			Main:     l.main,
			Hedge:    l.hedge,
			Realized: l.main.Realized.Add(l.hedge.Realized),
			Fees:     l.main.Fees.Add(l.hedge.Fees),
			Events:   len(l.events),
		}
		if n := len(l.events); n > 0 {
			snap.LastSeq = l.events[n-1].Seq
			snap.UpdatedAt = l.events[n-1].Time
		}
		l.cache = &snap
	}
	return *l.cache
}

// Events returns up to limit events with Seq > afterSeq.
func (l *Ledger) Events(afterSeq int64, limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, 0)
	for _, ev := range l.events {
		if ev.Seq <= afterSeq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Fold derives a snapshot from a full event log without the cache.
func Fold(botID string, events []Event) Snapshot {
	main := Position{Leg: LegMain}
	hedge := Position{Leg: LegHedge}
	seen := make(map[string]struct{})
	var last Event
	for _, ev := range events {
		last = ev
		if ev.Kind != KindFill {
			continue
		}
		if ev.FillID != "" {
			if _, dup := seen[ev.FillID]; dup {
				continue
			}
			seen[ev.FillID] = struct{}{}
		}
		if ev.Leg == LegHedge {
			hedge.apply(ev)
		} else {
			main.apply(ev)
		}
	}
	return Snapshot{
		BotID:     botID,
		Main:      main,
		Hedge:     hedge,
		Realized:  main.Realized.Add(hedge.Realized),
		Fees:      main.Fees.Add(hedge.Fees),
		Events:    len(events),
		LastSeq:   last.Seq,
		UpdatedAt: last.Time,
	}
}

func validate(ev Event) error {
	switch ev.Kind {
	case KindFill:
		if ev.Side != exchange.SideBuy && ev.Side != exchange.SideSell {
			return fmt.Errorf("fill side %q: %w", ev.Side, ErrInvalidEvent)
		}
		if !ev.Qty.IsPositive() || !ev.Price.IsPositive() {
			return fmt.Errorf("fill qty %s price %s: %w", ev.Qty, ev.Price, ErrInvalidEvent)
		}
		if ev.Fee.IsNegative() {
			return fmt.Errorf("fill fee %s: %w", ev.Fee, ErrInvalidEvent)
		}
	case KindCancel, KindRiskClose:
	default:
		return fmt.Errorf("kind %q: %w", ev.Kind, ErrInvalidEvent)
	}
	return nil
}
