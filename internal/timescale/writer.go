package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"tradeguard-bot/internal/config"
	"tradeguard-bot/internal/telemetry"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	transitions chan telemetry.Event
	fills       chan telemetry.Event
	started     atomic.Bool
	dropTrans   atomic.Uint64
	dropFill    atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, log, cfg.Schema, cfg.QueueSize)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, log *zap.Logger, schema string, queueSize int) *Writer {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:          db,
		log:         log,
		schema:      schema,
		transitions: make(chan telemetry.Event, queueSize),
		fills:       make(chan telemetry.Event, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// Emit queues transitions and fills for insertion. Other kinds are ignored.
func (w *Writer) Emit(ev telemetry.Event) {
	if w == nil {
		return
	}
	switch ev.Kind {
	case telemetry.KindTransition:
		select {
		case w.transitions <- ev:
		default:
			if w.dropTrans.Add(1) == 1 {
				w.log.Warn("timescale transition queue full")
			}
		}
	case telemetry.KindFill:
		select {
		case w.fills <- ev:
		default:
			if w.dropFill.Add(1) == 1 {
				w.log.Warn("timescale fill queue full")
			}
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.transitions:
			w.writeTransition(ctx, ev)
		case ev := <-w.fills:
			w.writeFill(ctx, ev)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		bot_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	)`, w.table("bot_transitions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		bot_id TEXT NOT NULL,
		order_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		qty NUMERIC NOT NULL,
		price NUMERIC NOT NULL
	)`, w.table("bot_fills"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"bot_transitions", "bot_fills"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeTransition(ctx context.Context, ev telemetry.Event) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, bot_id, owner_id, from_state, to_state, reason, error
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`, w.table("bot_transitions"))
	if _, err := w.db.ExecContext(ctx, query, ev.Time, ev.BotID, ev.OwnerID, ev.From, ev.To, ev.Reason, ev.Err); err != nil {
		w.log.Warn("timescale transition insert failed", zap.Error(err))
	}
}

func (w *Writer) writeFill(ctx context.Context, ev telemetry.Event) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, bot_id, order_id, symbol, side, qty, price
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`, w.table("bot_fills"))
	if _, err := w.db.ExecContext(ctx, query, ev.Time, ev.BotID, ev.OrderID, ev.Symbol, ev.Side, ev.Qty, ev.Price); err != nil {
		w.log.Warn("timescale fill insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
