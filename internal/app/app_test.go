package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tradeguard-bot/internal/config"
	"tradeguard-bot/internal/engine"
	"tradeguard-bot/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const owner = "user-1"

func loadConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	content := `
log:
  level: error
state:
  sqlite_path: ` + filepath.Join(dir, "data", "state.db") + `
engine:
  eval_interval: 5ms
  stale_after: 5s
  drain_timeout: 200ms
  call_timeout: 1s
  retry:
    max_attempts: 3
    initial_interval: 1ms
    max_interval: 5ms
exchanges:
  - name: paper
    kind: paper
    paper:
      spot_balance: 10000
      futures_balance: 10000
      margin_capacity: 100000
      tick_interval: 5ms
      step_percent: 0.01
      prices:
        BTC/USDT: 100
metrics:
  enabled: true
  address: 127.0.0.1:0
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TRADEGUARD_SQLITE_PATH", "")
	t.Setenv("TRADEGUARD_LOG_LEVEL", "")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func botConfig() strategy.BotConfig {
	cfg := strategy.Defaults()
	cfg.Exchange = "paper"
	cfg.Pair = strategy.Pair{Base: "BTC", Quote: "USDT"}
	cfg.Deposit = decimal.NewFromInt(100)
	cfg.Leverage = 10
	cfg.Mode = strategy.ModeGrid
	cfg.Overlap = nil
	cfg.Grid = &strategy.GridParams{StepPercent: decimal.NewFromInt(2), Levels: 1}
	cfg.Distribution = strategy.DistributionLinear
	cfg.GridPull = decimal.Zero
	cfg.StopLoss = strategy.StopLoss{Enabled: true, Value: decimal.NewFromInt(20)}
	cfg.TakeProfit = decimal.NewFromInt(20)
	return cfg
}

type running struct {
	app    *App
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func start(t *testing.T, cfg *config.Config) *running {
	t.Helper()
	a, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{app: a, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- a.Run(ctx) }()
	t.Cleanup(func() { r.stop(t) })
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.once.Do(func() {
		r.cancel()
		select {
		case err := <-r.done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("run returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("app did not shut down")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func view(t *testing.T, eng *engine.Engine, id string) engine.BotView {
	t.Helper()
	views, err := eng.ListBots(context.Background(), owner)
	if err != nil {
		t.Fatalf("list bots: %v", err)
	}
	for _, v := range views {
		if v.ID == id {
			return v
		}
	}
	t.Fatalf("bot %s not listed", id)
	return engine.BotView{}
}

func TestRunTradesOnPaperQuotesAndRestoresAfterRestart(t *testing.T) {
	cfg := loadConfig(t, t.TempDir())
	ctx := context.Background()

	first := start(t, cfg)
	eng := first.app.Engine()
	id, err := eng.CreateBot(ctx, owner, botConfig())
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	if err := eng.ActivateBot(ctx, owner, id); err != nil {
		t.Fatalf("activate bot: %v", err)
	}
	waitFor(t, "entry fill", func() bool {
		return view(t, eng, id).CurrentPosition.Main.Open()
	})
	waitFor(t, "fill counter", func() bool {
		rec := httptest.NewRecorder()
		first.app.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return strings.Contains(rec.Body.String(), "tradeguard_bot_fills_total 1")
	})
	entry := view(t, eng, id).CurrentPosition.Main.Qty
	first.stop(t)

	second := start(t, cfg)
	eng = second.app.Engine()
	waitFor(t, "restored bot", func() bool {
		v := view(t, eng, id)
		return v.RuntimeState.Live && v.RuntimeState.State == strategy.StateRunning
	})
	v := view(t, eng, id)
	if !v.CurrentPosition.Main.Qty.Equal(entry) {
		t.Fatalf("expected restored position %s, got %s", entry, v.CurrentPosition.Main.Qty)
	}
	if err := eng.StopBot(ctx, owner, id); err != nil {
		t.Fatalf("stop bot: %v", err)
	}
	if got := view(t, eng, id).RuntimeState.State; got != strategy.StateStopped {
		t.Fatalf("expected stopped, got %s", got)
	}
}

func TestNewRequiresGatewayCredentials(t *testing.T) {
	dir := t.TempDir()
	cfg := loadConfig(t, dir)
	cfg.Exchanges = append(cfg.Exchanges, config.ExchangeConfig{
		Name:      "alpha",
		Kind:      config.ExchangeKindGateway,
		BaseURL:   "http://127.0.0.1:1",
		APIKeyEnv: "TRADEGUARD_TEST_ALPHA_KEY",
	})
	t.Setenv("TRADEGUARD_TEST_ALPHA_KEY", "")

	_, err := New(cfg, zap.NewNop())
	if err == nil {
		t.Fatalf("expected missing credential error")
	}
	if !strings.Contains(err.Error(), "TRADEGUARD_TEST_ALPHA_KEY") {
		t.Fatalf("expected error to name the missing variable, got %v", err)
	}
}

func TestCheckExchange(t *testing.T) {
	a, err := New(loadConfig(t, t.TempDir()), zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()

	bal, err := a.CheckExchange(context.Background(), "paper")
	if err != nil {
		t.Fatalf("check paper: %v", err)
	}
	if !bal.Futures.Equal(decimal.NewFromInt(10000)) || !bal.MarginCapacity.Equal(decimal.NewFromInt(100000)) {
		t.Fatalf("unexpected balance %+v", bal)
	}
	if _, err := a.CheckExchange(context.Background(), "missing"); err == nil {
		t.Fatalf("expected unknown exchange error")
	}
}
