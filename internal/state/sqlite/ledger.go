package sqlite

import (
	"context"
	"time"

	"tradeguard-bot/internal/exchange"
	"tradeguard-bot/internal/ledger"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

// eventRow is the msgpack payload of a ledger event. Decimals travel as
// strings so that no precision is lost.
type eventRow struct {
	FillID  string `msgpack:"f,omitempty"`
	OrderID string `msgpack:"o,omitempty"`
	Leg     string `msgpack:"l,omitempty"`
	Purpose string `msgpack:"p,omitempty"`
	Level   int    `msgpack:"v"`
	Side    string `msgpack:"s,omitempty"`
	Qty     string `msgpack:"q"`
	Price   string `msgpack:"x"`
	Fee     string `msgpack:"fee"`
	Reason  string `msgpack:"r,omitempty"`
}

func (s *Store) AppendEvent(ctx context.Context, ev ledger.Event) error {
	payload, err := msgpack.Marshal(eventRow{
		FillID:  ev.FillID,
		OrderID: ev.OrderID,
		Leg:     string(ev.Leg),
		Purpose: string(ev.Purpose),
		Level:   ev.Level,
		Side:    string(ev.Side),
		Qty:     ev.Qty.String(),
		Price:   ev.Price.String(),
		Fee:     ev.Fee.String(),
		Reason:  ev.Reason,
	})
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO ledger_events (bot_id, seq, kind, time_ms, payload) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(bot_id, seq) DO NOTHING`,
		ev.BotID, ev.Seq, string(ev.Kind), ev.Time.UnixMilli(), payload)
	return err
}

func (s *Store) LoadEvents(ctx context.Context, botID string) ([]ledger.Event, error) {
	return s.PageEvents(ctx, botID, 0, 0)
}

// PageEvents returns up to limit events with seq > afterSeq; limit <= 0
// returns all of them.
func (s *Store) PageEvents(ctx context.Context, botID string, afterSeq int64, limit int) ([]ledger.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT seq, kind, time_ms, payload FROM ledger_events
		WHERE bot_id = ? AND seq > ? ORDER BY seq LIMIT ?`, botID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ledger.Event, 0)
	for rows.Next() {
		var (
			seq     int64
			kind    string
			timeMS  int64
			payload []byte
		)
		if err := rows.Scan(&seq, &kind, &timeMS, &payload); err != nil {
			return nil, err
		}
		var row eventRow
		if err := msgpack.Unmarshal(payload, &row); err != nil {
			return nil, err
		}
		ev := ledger.Event{
			Seq:     seq,
			BotID:   botID,
			Kind:    ledger.Kind(kind),
			Time:    time.UnixMilli(timeMS).UTC(),
			FillID:  row.FillID,
			OrderID: row.OrderID,
			Leg:     ledger.Leg(row.Leg),
			Purpose: ledger.Purpose(row.Purpose),
			Level:   row.Level,
			Side:    exchange.Side(row.Side),
			Reason:  row.Reason,
		}
		if ev.Qty, err = parseDecimal(row.Qty); err != nil {
			return nil, err
		}
		if ev.Price, err = parseDecimal(row.Price); err != nil {
			return nil, err
		}
		if ev.Fee, err = parseDecimal(row.Fee); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}
