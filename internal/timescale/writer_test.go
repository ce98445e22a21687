package timescale

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"tradeguard-bot/internal/config"
	"tradeguard-bot/internal/telemetry"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	w, err := New(config.TimescaleConfig{}, zap.NewNop())
	if err != nil || w != nil {
		t.Fatalf("expected nil writer, got %v %v", w, err)
	}
	w.Emit(telemetry.Event{Kind: telemetry.KindTransition})
	w.Start(context.Background())
	if err := w.Close(); err != nil {
		t.Fatalf("close nil writer: %v", err)
	}
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(config.TimescaleConfig{Enabled: true}, zap.NewNop()); err == nil {
		t.Fatalf("expected dsn error")
	}
}

func TestEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	w := newWriter(db, zap.NewNop(), "bots", 4)

	mock.ExpectExec(regexp.QuoteMeta("CREATE SCHEMA IF NOT EXISTS bots")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS bots.bot_transitions")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS bots.bot_fills")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE EXTENSION IF NOT EXISTS timescaledb")).WillReturnError(errors.New("permission denied"))

	if err := w.ensureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWriterInsertsTransitionsAndFills(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	w := newWriter(db, zap.NewNop(), "", 4)
	ts := time.Unix(1_700_000_000, 0)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO public.bot_transitions")).
		WithArgs(ts, "bot-1", "user-1", "running", "stopping", "stop-loss", "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO public.bot_fills")).
		WithArgs(ts, "bot-1", "o-1", "BTC/USDT", "sell", "1", "95").
		WillReturnResult(sqlmock.NewResult(1, 1))

	w.Emit(telemetry.Event{Kind: telemetry.KindTransition, Time: ts, BotID: "bot-1", OwnerID: "user-1", From: "running", To: "stopping", Reason: "stop-loss"})
	w.Emit(telemetry.Event{Kind: telemetry.KindTransientError, BotID: "bot-1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.writeTransition(ctx, <-w.transitions)
	w.Emit(telemetry.Event{Kind: telemetry.KindFill, Time: ts, BotID: "bot-1", OrderID: "o-1", Symbol: "BTC/USDT", Side: "sell", Qty: "1", Price: "95"})
	w.writeFill(ctx, <-w.fills)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEmitDropsWhenQueueFull(t *testing.T) {
	w := newWriter(nil, zap.NewNop(), "", 1)
	w.Emit(telemetry.Event{Kind: telemetry.KindTransition})
	w.Emit(telemetry.Event{Kind: telemetry.KindTransition})
	w.Emit(telemetry.Event{Kind: telemetry.KindFill})
	w.Emit(telemetry.Event{Kind: telemetry.KindFill})
	if w.dropTrans.Load() != 1 || w.dropFill.Load() != 1 {
		t.Fatalf("expected one drop per queue, got %d %d", w.dropTrans.Load(), w.dropFill.Load())
	}
}
