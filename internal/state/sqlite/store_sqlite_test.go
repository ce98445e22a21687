package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tradeguard-bot/internal/exchange"
	"tradeguard-bot/internal/ledger"
	"tradeguard-bot/internal/registry"
	"tradeguard-bot/internal/strategy"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "key", "value"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || val != "value" {
		t.Fatalf("unexpected value: %v (ok=%v)", val, ok)
	}
	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestStoreKeysMatchPrefixLiterally(t *testing.T) {
	store, err := New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	for _, key := range []string{"idem:b", "idem:a", "idemX", "checkpoint:bot-1"} {
		require.NoError(t, store.Set(ctx, key, "v"))
	}
	keys, err := store.Keys(ctx, "idem:")
	require.NoError(t, err)
	assert.Equal(t, []string{"idem:a", "idem:b"}, keys)

	keys, err = store.Keys(ctx, "idem_")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestBotsPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bots.db")
	store, err := New(path)
	require.NoError(t, err)
	ctx := context.Background()

	reg := registry.New(store)
	cfg := strategy.Defaults()
	cfg.Exchange = "paper"
	cfg.Pair.Base = "ETH"
	cfg.StopLoss = strategy.StopLoss{Enabled: true, Value: decimal.RequireFromString("5.5")}
	rec, err := reg.Create(ctx, "user-1", cfg)
	require.NoError(t, err)
	_, err = reg.Create(ctx, "user-2", cfg)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = New(path)
	require.NoError(t, err)
	defer store.Close()
	reg = registry.New(store)

	got, err := reg.Get(ctx, "user-1", rec.ID())
	require.NoError(t, err)
	assert.Equal(t, "ETH/USDT", got.Config.Symbol())
	assert.True(t, got.Config.StopLoss.Value.Equal(decimal.RequireFromString("5.5")))
	require.NotNil(t, got.Config.Overlap)
	assert.Equal(t, 5, got.Config.Overlap.Levels)

	mine, err := reg.List(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	all, err := reg.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, reg.Delete(ctx, "user-1", rec.ID()))
	mine, err = reg.List(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, mine)

	_, err = store.GetBot(ctx, "missing")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestLedgerEventsRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	l := ledger.New("bot-1")
	ts := time.UnixMilli(1_700_000_000_123).UTC()
	inputs := []ledger.Event{
		{Kind: ledger.KindFill, Time: ts, FillID: "f1", OrderID: "o1", Purpose: ledger.PurposeEntry, Side: exchange.SideBuy, Qty: decimal.RequireFromString("0.00012345"), Price: decimal.RequireFromString("64123.5"), Fee: decimal.RequireFromString("0.0031")},
		{Kind: ledger.KindRiskClose, Time: ts, Reason: "stop-loss"},
		{Kind: ledger.KindFill, Time: ts, FillID: "f2", OrderID: "o2", Purpose: ledger.PurposeClose, Side: exchange.SideSell, Qty: decimal.RequireFromString("0.00012345"), Price: decimal.RequireFromString("60000")},
	}
	for _, in := range inputs {
		ev, ok, err := l.Append(in)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, store.AppendEvent(ctx, ev))
	}
	// at-least-once persistence is harmless
	require.NoError(t, store.AppendEvent(ctx, l.Events(0, 1)[0]))

	events, err := store.LoadEvents(ctx, "bot-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, want := range l.Events(0, 0) {
		got := events[i]
		assert.Equal(t, want.Seq, got.Seq)
		assert.Equal(t, want.Kind, got.Kind)
		assert.Equal(t, want.FillID, got.FillID)
		assert.Equal(t, want.Leg, got.Leg)
		assert.Equal(t, want.Side, got.Side)
		assert.Equal(t, want.Reason, got.Reason)
		assert.True(t, want.Time.Equal(got.Time))
		assert.True(t, want.Qty.Equal(got.Qty), "qty %s vs %s", want.Qty, got.Qty)
		assert.True(t, want.Price.Equal(got.Price))
		assert.True(t, want.Fee.Equal(got.Fee))
	}

	page, err := store.PageEvents(ctx, "bot-1", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ledger.KindRiskClose, page[0].Kind)

	replayed, err := ledger.Replay("bot-1", events)
	require.NoError(t, err)
	assert.True(t, replayed.Snapshot().Realized.Equal(l.Snapshot().Realized))

	other, err := store.LoadEvents(ctx, "bot-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}
