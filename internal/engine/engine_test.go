package engine

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tradeguard-bot/internal/errs"
	"tradeguard-bot/internal/exchange"
	"tradeguard-bot/internal/exchange/paper"
	"tradeguard-bot/internal/ledger"
	"tradeguard-bot/internal/market"
	"tradeguard-bot/internal/registry"
	"tradeguard-bot/internal/scheduler"
	"tradeguard-bot/internal/state/sqlite"
	"tradeguard-bot/internal/strategy"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	owner  = "user-1"
	symbol = "BTC/USDT"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type env struct {
	t      *testing.T
	store  *sqlite.Store
	paper  *paper.Exchange
	feed   *market.Feed
	sched  *scheduler.Scheduler
	engine *Engine
	stop   func()

	mu   sync.Mutex
	last time.Time
}

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// newEnv wires an engine over store. Each call builds a fresh scheduler and
// paper exchange, the way a process restart would.
func newEnv(t *testing.T, store *sqlite.Store) *env {
	t.Helper()
	e := &env{
		t:     t,
		store: store,
		paper: paper.New(paper.Config{
			Name:           "paper",
			Spot:           d("10000"),
			Futures:        d("10000"),
			MarginCapacity: d("100000"),
		}, nil),
		feed: market.NewFeed(zap.NewNop(), 10),
	}
	e.sched = scheduler.New(scheduler.Config{
		EvalInterval: 5 * time.Millisecond,
		StaleAfter:   5 * time.Second,
		DrainTimeout: 500 * time.Millisecond,
		CallTimeout:  time.Second,
		Retry:        scheduler.RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
	}, scheduler.Options{
		Clients: map[string]exchange.Client{"paper": e.paper},
		Feed:    e.feed,
		Journal: store,
		Store:   store,
	})
	ctx, cancel := context.WithCancel(context.Background())
	e.sched.Start(ctx)
	var once sync.Once
	e.stop = func() {
		once.Do(func() {
			cancel()
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			_ = e.sched.Shutdown(shutdownCtx)
		})
	}
	t.Cleanup(e.stop)
	e.engine = New(Options{
		Registry:  registry.New(store),
		Scheduler: e.sched,
		Journal:   store,
		Store:     store,
	})
	return e
}

func (e *env) quote(bid, ask string) {
	e.mu.Lock()
	ts := time.Now()
	if !ts.After(e.last) {
		ts = e.last.Add(time.Microsecond)
	}
	e.last = ts
	e.mu.Unlock()
	e.paper.SetQuote(symbol, d(bid), d(ask))
	_, err := e.feed.Publish(market.Quote{Exchange: "paper", Symbol: symbol, Bid: d(bid), Ask: d(ask), Time: ts})
	require.NoError(e.t, err)
}

func (e *env) waitState(botID string, want strategy.State) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		st, ok := e.sched.Status(botID)
		return ok && st.State == want
	}, 3*time.Second, 5*time.Millisecond, "bot %s never reached %s", botID, want)
}

func (e *env) waitOpen(botID string) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		st, ok := e.sched.Status(botID)
		return ok && st.Position.Main.Open()
	}, 3*time.Second, 5*time.Millisecond, "bot %s never opened a position", botID)
}

func (e *env) view(botID string) BotView {
	e.t.Helper()
	views, err := e.engine.ListBots(context.Background(), owner)
	require.NoError(e.t, err)
	for _, v := range views {
		if v.ID == botID {
			return v
		}
	}
	e.t.Fatalf("bot %s not listed", botID)
	return BotView{}
}

func botConfig() strategy.BotConfig {
	cfg := strategy.Defaults()
	cfg.Exchange = "paper"
	cfg.Pair = strategy.Pair{Base: "BTC", Quote: "USDT"}
	cfg.Deposit = d("100")
	cfg.Leverage = 10
	cfg.Mode = strategy.ModeGrid
	cfg.Overlap = nil
	cfg.Grid = &strategy.GridParams{StepPercent: d("2"), Levels: 1}
	cfg.Distribution = strategy.DistributionLinear
	cfg.GridPull = decimal.Zero
	cfg.StopLoss = strategy.StopLoss{Enabled: true, Value: d("5")}
	cfg.TakeProfit = d("10")
	return cfg
}

func TestCreateAndListIdleBot(t *testing.T) {
	e := newEnv(t, openStore(t))
	ctx := context.Background()

	id, err := e.engine.CreateBot(ctx, owner, botConfig())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	v := e.view(id)
	assert.Equal(t, owner, v.Config.OwnerID)
	assert.Equal(t, registry.DesiredIdle, v.Desired)
	assert.Equal(t, StateIdle, v.RuntimeState.State)
	assert.False(t, v.RuntimeState.Live)
	assert.True(t, v.CurrentPosition.Flat())

	others, err := e.engine.ListBots(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, others)
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	e := newEnv(t, openStore(t))
	cfg := botConfig()
	cfg.Deposit = decimal.Zero

	_, err := e.engine.CreateBot(context.Background(), owner, cfg)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeConfigInvalid), "got %v", err)
}

func TestLifecycleThroughEngine(t *testing.T) {
	e := newEnv(t, openStore(t))
	ctx := context.Background()
	id, err := e.engine.CreateBot(ctx, owner, botConfig())
	require.NoError(t, err)

	require.NoError(t, e.engine.ActivateBot(ctx, owner, id))
	assert.Equal(t, registry.DesiredEnabled, e.view(id).Desired)

	e.quote("99.9", "100")
	e.waitOpen(id)
	v := e.view(id)
	assert.Equal(t, strategy.StateRunning, v.RuntimeState.State)
	assert.True(t, v.RuntimeState.Live)
	assert.True(t, v.CurrentPosition.Main.Qty.Equal(d("10")))

	require.NoError(t, e.engine.PauseBot(ctx, owner, id))
	e.waitState(id, strategy.StatePaused)
	assert.Equal(t, registry.DesiredPaused, e.view(id).Desired)

	require.NoError(t, e.engine.ResumeBot(ctx, owner, id))
	e.waitState(id, strategy.StateRunning)
	assert.Equal(t, registry.DesiredEnabled, e.view(id).Desired)

	require.NoError(t, e.engine.StopBot(ctx, owner, id))
	require.NoError(t, e.engine.StopBot(ctx, owner, id))
	v = e.view(id)
	assert.Equal(t, strategy.StateStopped, v.RuntimeState.State)
	assert.Equal(t, "user stop: drained", v.RuntimeState.Reason)
	assert.Equal(t, registry.DesiredIdle, v.Desired)
	// a user stop cancels orders but leaves the position
	assert.True(t, v.CurrentPosition.Main.Open())
}

func TestStopBotThatNeverRan(t *testing.T) {
	e := newEnv(t, openStore(t))
	ctx := context.Background()
	id, err := e.engine.CreateBot(ctx, owner, botConfig())
	require.NoError(t, err)

	require.NoError(t, e.engine.StopBot(ctx, owner, id))
	assert.Equal(t, StateIdle, e.view(id).RuntimeState.State)
}

func TestOwnershipIsChecked(t *testing.T) {
	e := newEnv(t, openStore(t))
	ctx := context.Background()
	id, err := e.engine.CreateBot(ctx, owner, botConfig())
	require.NoError(t, err)

	cases := map[string]func() error{
		"activate": func() error { return e.engine.ActivateBot(ctx, "intruder", id) },
		"pause":    func() error { return e.engine.PauseBot(ctx, "intruder", id) },
		"resume":   func() error { return e.engine.ResumeBot(ctx, "intruder", id) },
		"stop":     func() error { return e.engine.StopBot(ctx, "intruder", id) },
		"update":   func() error { return e.engine.UpdateBot(ctx, "intruder", id, botConfig()) },
		"delete":   func() error { return e.engine.DeleteBot(ctx, "intruder", id) },
		"ledger": func() error {
			_, err := e.engine.GetLedger(ctx, "intruder", id, 0, 10)
			return err
		},
	}
	for name, call := range cases {
		t.Run(name, func(t *testing.T) {
			err := call()
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.CodeForbidden), "got %v", err)
		})
	}
	_, ok := e.sched.Status(id)
	assert.False(t, ok)

	err = e.engine.ActivateBot(ctx, owner, "missing")
	assert.True(t, errs.Is(err, errs.CodeNotFound), "got %v", err)
}

func TestActivateSurfacesConfigInvalid(t *testing.T) {
	e := newEnv(t, openStore(t))
	ctx := context.Background()
	cfg := botConfig()
	cfg.Exchange = "unknown"
	id, err := e.engine.CreateBot(ctx, owner, cfg)
	require.NoError(t, err)

	err = e.engine.ActivateBot(ctx, owner, id)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeConfigInvalid), "got %v", err)
	assert.Equal(t, registry.DesiredIdle, e.view(id).Desired)
}

func TestGetLedgerPagesAfterStopLoss(t *testing.T) {
	e := newEnv(t, openStore(t))
	ctx := context.Background()
	id, err := e.engine.CreateBot(ctx, owner, botConfig())
	require.NoError(t, err)
	require.NoError(t, e.engine.ActivateBot(ctx, owner, id))

	e.quote("99.9", "100")
	e.waitOpen(id)
	e.quote("95", "95.1")
	e.waitState(id, strategy.StateStopped)

	first, err := e.engine.GetLedger(ctx, owner, id, 0, 2)
	require.NoError(t, err)
	require.Len(t, first.Events, 2)
	assert.True(t, first.More)
	assert.Equal(t, ledger.KindFill, first.Events[0].Kind)
	assert.Equal(t, ledger.KindRiskClose, first.Events[1].Kind)
	assert.Equal(t, first.Events[1].Seq, first.NextSeq)

	second, err := e.engine.GetLedger(ctx, owner, id, first.NextSeq, 2)
	require.NoError(t, err)
	require.Len(t, second.Events, 1)
	assert.False(t, second.More)
	assert.Equal(t, ledger.KindFill, second.Events[0].Kind)
	assert.Equal(t, ledger.PurposeClose, second.Events[0].Purpose)

	empty, err := e.engine.GetLedger(ctx, owner, id, second.NextSeq, 0)
	require.NoError(t, err)
	assert.Empty(t, empty.Events)
	assert.Equal(t, second.NextSeq, empty.NextSeq)

	_, err = e.engine.GetLedger(ctx, owner, id, -1, 10)
	assert.True(t, errs.Is(err, errs.CodeConfigInvalid), "got %v", err)

	v := e.view(id)
	assert.Equal(t, strategy.StateStopped, v.RuntimeState.State)
	assert.True(t, strings.HasPrefix(v.RuntimeState.Reason, strategy.CauseStopLoss), "reason %q", v.RuntimeState.Reason)
	assert.True(t, strings.HasSuffix(v.RuntimeState.Reason, ": drained"), "reason %q", v.RuntimeState.Reason)
	assert.True(t, v.CurrentPosition.Flat())
	assert.True(t, v.CurrentPosition.Realized.Equal(d("-50")), "realized %s", v.CurrentPosition.Realized)
}

func TestUpdateRestartsLiveBot(t *testing.T) {
	e := newEnv(t, openStore(t))
	ctx := context.Background()
	id, err := e.engine.CreateBot(ctx, owner, botConfig())
	require.NoError(t, err)
	require.NoError(t, e.engine.ActivateBot(ctx, owner, id))
	require.NoError(t, e.engine.PauseBot(ctx, owner, id))
	e.waitState(id, strategy.StatePaused)

	cfg := botConfig()
	cfg.TakeProfit = d("20")
	require.NoError(t, e.engine.UpdateBot(ctx, owner, id, cfg))

	e.waitState(id, strategy.StatePaused)
	v := e.view(id)
	assert.True(t, v.Config.TakeProfit.Equal(d("20")))
	assert.Equal(t, id, v.Config.ID)

	bad := botConfig()
	bad.Leverage = 0
	err = e.engine.UpdateBot(ctx, owner, id, bad)
	assert.True(t, errs.Is(err, errs.CodeConfigInvalid), "got %v", err)
	// the rejected update is neither stored nor applied
	v = e.view(id)
	assert.Equal(t, 10, v.Config.Leverage)
	assert.Equal(t, strategy.StatePaused, v.RuntimeState.State)
}

func TestDeleteStopsAndArchives(t *testing.T) {
	e := newEnv(t, openStore(t))
	ctx := context.Background()
	id, err := e.engine.CreateBot(ctx, owner, botConfig())
	require.NoError(t, err)
	require.NoError(t, e.engine.ActivateBot(ctx, owner, id))

	require.NoError(t, e.engine.DeleteBot(ctx, owner, id))

	_, ok := e.sched.Status(id)
	assert.False(t, ok)
	views, err := e.engine.ListBots(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, views)
	err = e.engine.ActivateBot(ctx, owner, id)
	assert.True(t, errs.Is(err, errs.CodeNotFound), "got %v", err)
}

func TestRestoreBringsBackEnabledAndPausedBots(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	first := newEnv(t, store)

	running, err := first.engine.CreateBot(ctx, owner, botConfig())
	require.NoError(t, err)
	paused, err := first.engine.CreateBot(ctx, owner, botConfig())
	require.NoError(t, err)
	idle, err := first.engine.CreateBot(ctx, owner, botConfig())
	require.NoError(t, err)

	require.NoError(t, first.engine.ActivateBot(ctx, owner, running))
	require.NoError(t, first.engine.ActivateBot(ctx, owner, paused))
	first.quote("99.9", "100")
	first.waitOpen(running)
	first.waitOpen(paused)
	require.NoError(t, first.engine.PauseBot(ctx, owner, paused))
	first.waitState(paused, strategy.StatePaused)
	first.stop()

	second := newEnv(t, store)
	restored, err := second.engine.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	second.waitState(running, strategy.StateRunning)
	second.waitState(paused, strategy.StatePaused)
	_, ok := second.sched.Status(idle)
	assert.False(t, ok)

	// the journal is replayed, so the position opened before the restart is back
	st, ok := second.sched.Status(running)
	require.True(t, ok)
	assert.True(t, st.Position.Main.Qty.Equal(d("10")), "qty %s", st.Position.Main.Qty)
	assert.Equal(t, "restored paused", second.view(paused).RuntimeState.Reason)
}

func (e *env) waitDesired(botID string, want registry.Desired) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		return e.view(botID).Desired == want
	}, 3*time.Second, 5*time.Millisecond, "bot %s never became %s", botID, want)
}

func TestRestoreSkipsBotsWhoseRunEnded(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	first := newEnv(t, store)

	stoppedOut, err := first.engine.CreateBot(ctx, owner, botConfig())
	require.NoError(t, err)
	crashed, err := first.engine.CreateBot(ctx, owner, botConfig())
	require.NoError(t, err)
	require.NoError(t, first.engine.ActivateBot(ctx, owner, stoppedOut))
	require.NoError(t, first.engine.ActivateBot(ctx, owner, crashed))
	first.quote("99.9", "100")
	first.waitOpen(stoppedOut)
	first.waitOpen(crashed)

	first.quote("95", "95.1")
	first.waitState(stoppedOut, strategy.StateStopped)
	first.waitState(crashed, strategy.StateStopped)
	first.waitDesired(stoppedOut, registry.DesiredIdle)
	first.waitDesired(crashed, registry.DesiredIdle)
	// the process died before the end of the run was recorded
	_, err = first.engine.registry.SetDesired(ctx, owner, crashed, registry.DesiredEnabled)
	require.NoError(t, err)
	first.stop()

	second := newEnv(t, store)
	restored, err := second.engine.Restore(ctx)
	require.NoError(t, err)
	assert.Zero(t, restored)
	for _, id := range []string{stoppedOut, crashed} {
		_, live := second.sched.Status(id)
		assert.False(t, live, "bot %s came back", id)
		v := second.view(id)
		assert.Equal(t, registry.DesiredIdle, v.Desired)
		assert.Equal(t, strategy.StateStopped, v.RuntimeState.State)
		assert.True(t, v.CurrentPosition.Flat())
	}
	assert.Zero(t, second.paper.Calls(paper.OpPlaceOrder))
}

func TestRestoreReportsFailures(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	first := newEnv(t, store)
	id, err := first.engine.CreateBot(ctx, owner, botConfig())
	require.NoError(t, err)
	require.NoError(t, first.engine.ActivateBot(ctx, owner, id))
	first.stop()

	second := newEnv(t, store)
	second.paper.FailNext(paper.OpGetBalance, errs.New("get balance", errs.CodeAuthFailed))
	restored, err := second.engine.Restore(ctx)
	require.Error(t, err)
	assert.Zero(t, restored)
	assert.True(t, errs.Is(err, errs.CodeAuthFailed), "got %v", err)
	assert.Contains(t, err.Error(), id)
	second.waitState(id, strategy.StateFailed)
	// a failed bot waits for its owner instead of retrying on every start
	second.waitDesired(id, registry.DesiredIdle)
	second.stop()

	third := newEnv(t, store)
	restored, err = third.engine.Restore(ctx)
	require.NoError(t, err)
	assert.Zero(t, restored)
	assert.Zero(t, third.paper.Calls(paper.OpGetBalance))
}
