// Package telemetry carries bot lifecycle and execution events to sinks
// such as logs, metrics, alerts and the timescale writer.
package telemetry

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	KindTransition     Kind = "transition"
	KindTransientError Kind = "transient_error"
	KindFill           Kind = "fill"
	KindOrder          Kind = "order"
	KindRiskAction     Kind = "risk_action"
)

type Event struct {
	Kind    Kind      `json:"kind"`
	BotID   string    `json:"bot_id"`
	OwnerID string    `json:"owner_id,omitempty"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Time    time.Time `json:"time"`
	Attempt int       `json:"attempt,omitempty"`
	Err     string    `json:"error,omitempty"`
	// Fill and order details.
	Symbol  string `json:"symbol,omitempty"`
	Side    string `json:"side,omitempty"`
	Qty     string `json:"qty,omitempty"`
	Price   string `json:"price,omitempty"`
	OrderID string `json:"order_id,omitempty"`
}

// Sink receives events. Emit must not block the caller for long.
type Sink interface {
	Emit(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

type nopSink struct{}

func (nopSink) Emit(Event) {}

func Nop() Sink { return nopSink{} }

// Fanout delivers each event to every sink in order.
type Fanout []Sink

func (f Fanout) Emit(ev Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(ev)
		}
	}
}

type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Emit(ev Event) {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.String("bot_id", ev.BotID),
	}
	if ev.From != "" || ev.To != "" {
		fields = append(fields, zap.String("from", ev.From), zap.String("to", ev.To))
	}
	if ev.Reason != "" {
		fields = append(fields, zap.String("reason", ev.Reason))
	}
	if ev.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", ev.Attempt))
	}
	if ev.Err != "" {
		fields = append(fields, zap.String("error", ev.Err))
	}
	if ev.Symbol != "" {
		fields = append(fields, zap.String("symbol", ev.Symbol), zap.String("side", ev.Side), zap.String("qty", ev.Qty), zap.String("price", ev.Price))
	}
	switch ev.Kind {
	case KindTransientError:
		s.log.Warn("bot transient error", fields...)
	case KindTransition:
		if ev.To == "failed" {
			s.log.Error("bot transition", fields...)
			return
		}
		s.log.Info("bot transition", fields...)
	default:
		s.log.Info("bot event", fields...)
	}
}

// Recorder keeps every event in memory. Tests and the CLI use it.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Filter returns recorded events of kind for botID. An empty botID matches
// every bot.
func (r *Recorder) Filter(botID string, kind Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind && (botID == "" || ev.BotID == botID) {
			out = append(out, ev)
		}
	}
	return out
}

// Transitions returns the "to" states recorded for botID, oldest first.
func (r *Recorder) Transitions(botID string) []string {
	var out []string
	for _, ev := range r.Filter(botID, KindTransition) {
		out = append(out, ev.To)
	}
	return out
}

// Wait blocks until match returns true for the recorded events or timeout
// elapses.
func (r *Recorder) Wait(timeout time.Duration, match func([]Event) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if match(r.Events()) {
			return true
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return match(r.Events())
		}
	}
}
