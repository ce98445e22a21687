package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tradeguard-bot/internal/alerts"
	"tradeguard-bot/internal/config"
	"tradeguard-bot/internal/engine"
	"tradeguard-bot/internal/exchange"
	"tradeguard-bot/internal/exchange/gateway"
	"tradeguard-bot/internal/exchange/paper"
	"tradeguard-bot/internal/exec"
	"tradeguard-bot/internal/market"
	"tradeguard-bot/internal/metrics"
	"tradeguard-bot/internal/registry"
	"tradeguard-bot/internal/scheduler"
	"tradeguard-bot/internal/state/sqlite"
	"tradeguard-bot/internal/telemetry"
	"tradeguard-bot/internal/timescale"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

const (
	metricsReadHeaderTimeout = 5 * time.Second
	shutdownGrace            = 5 * time.Second
)

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *sqlite.Store
	feed      *market.Feed
	sources   []market.Source
	papers    map[string]*paper.Exchange
	clients   map[string]exchange.Client
	creds     *exchange.EnvCredentials
	sched     *scheduler.Scheduler
	engine    *engine.Engine
	metrics   *metrics.Prometheus
	alerts    *alerts.Telegram
	timescale *timescale.Writer
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		feed:    market.NewFeed(log.Named("feed"), cfg.Engine.CandleWindow),
		papers:  make(map[string]*paper.Exchange),
		clients: make(map[string]exchange.Client),
		metrics: metrics.NewPrometheus(),
		alerts:  alerts.NewTelegram(cfg.Telegram, log),
	}
	creds := exchange.NewEnvCredentials()
	a.creds = creds
	for _, exCfg := range cfg.Exchanges {
		client, err := a.buildExchange(exCfg, creds)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("exchange %s: %w", exCfg.Name, err)
		}
		a.clients[exCfg.Name] = exec.New(client, store, log.With(zap.String("exchange", exCfg.Name)), exec.Config{
			Window:          cfg.Engine.IdempotencyWindow,
			MaxAttempts:     uint(cfg.Engine.Retry.MaxAttempts),
			InitialInterval: cfg.Engine.Retry.InitialInterval,
			MaxInterval:     cfg.Engine.Retry.MaxInterval,
		})
	}
	if cfg.Market.Source == config.MarketSourceGateway && len(a.papers) > 0 {
		// paper books follow the live quotes published under their name
		a.feed.Watch(func(snap market.Snapshot) {
			if p, ok := a.papers[snap.Exchange]; ok {
				p.SetQuote(snap.Symbol, snap.Bid, snap.Ask)
			}
		})
	}

	a.timescale, err = timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("timescale: %w", err)
	}
	sinks := telemetry.Fanout{telemetry.NewLogSink(log)}
	if cfg.Metrics.EnabledValue() {
		sinks = append(sinks, a.metrics.Metrics)
	}
	if cfg.Telegram.Enabled {
		sinks = append(sinks, a.alerts)
	}
	if a.timescale != nil {
		sinks = append(sinks, a.timescale)
	}

	a.sched = scheduler.New(scheduler.Config{
		EvalInterval: cfg.Engine.EvalInterval,
		StaleAfter:   cfg.Engine.StaleAfter,
		DrainTimeout: cfg.Engine.DrainTimeout,
		CallTimeout:  cfg.Engine.CallTimeout,
		Retry: scheduler.RetryConfig{
			MaxAttempts:     uint(cfg.Engine.Retry.MaxAttempts),
			InitialInterval: cfg.Engine.Retry.InitialInterval,
			MaxInterval:     cfg.Engine.Retry.MaxInterval,
		},
	}, scheduler.Options{
		Clients:     a.clients,
		Feed:        a.feed,
		Credentials: creds,
		Journal:     store,
		Store:       store,
		Sink:        sinks,
		Log:         log.Named("scheduler"),
	})
	a.engine = engine.New(engine.Options{
		Registry:  registry.New(store),
		Scheduler: a.sched,
		Journal:   store,
		Store:     store,
		Log:       log.Named("engine"),
	})
	return a, nil
}

// buildExchange creates the venue client for exCfg and registers the quote
// source that prices it.
func (a *App) buildExchange(exCfg config.ExchangeConfig, creds *exchange.EnvCredentials) (exchange.Client, error) {
	log := a.log.With(zap.String("exchange", exCfg.Name))
	mkt := a.cfg.Market
	switch exCfg.Kind {
	case config.ExchangeKindPaper:
		p := paper.New(paper.Config{
			Name:           exCfg.Name,
			Spot:           decimal.NewFromFloat(exCfg.Paper.SpotBalance),
			Futures:        decimal.NewFromFloat(exCfg.Paper.FuturesBalance),
			MarginCapacity: decimal.NewFromFloat(exCfg.Paper.MarginCapacity),
			FeeRate:        decimal.NewFromFloat(exCfg.Paper.FeeRate),
		}, log)
		a.papers[exCfg.Name] = p
		if mkt.Source == config.MarketSourceGateway {
			a.addSource(gateway.NewQuoteSource(exCfg.Name, mkt.WSURL, mkt.ReconnectDelay, mkt.PingInterval, log))
			return p, nil
		}
		start := make(map[string]decimal.Decimal, len(exCfg.Paper.Prices))
		for symbol, price := range exCfg.Paper.Prices {
			start[symbol] = decimal.NewFromFloat(price)
		}
		a.addSource(paper.NewWalker(p, paper.WalkConfig{
			Interval:      exCfg.Paper.TickInterval,
			StepPercent:   decimal.NewFromFloat(exCfg.Paper.StepPercent),
			SpreadPercent: decimal.NewFromFloat(exCfg.Paper.SpreadPercent),
			Start:         start,
		}))
		return p, nil
	case config.ExchangeKindGateway:
		creds.Register(exCfg.Name, exCfg.APIKeyEnv, exCfg.APISecretEnv)
		trading, err := creds.Credentials(context.Background(), "", exCfg.Name)
		if err != nil {
			return nil, err
		}
		client := gateway.New(gateway.Config{
			Name:           exCfg.Name,
			BaseURL:        exCfg.BaseURL,
			WSURL:          exCfg.WSURL,
			Timeout:        exCfg.Timeout,
			RateLimit:      exCfg.RateLimit,
			RateBurst:      exCfg.RateBurst,
			ReconnectDelay: mkt.ReconnectDelay,
			PingInterval:   mkt.PingInterval,
		}, trading, log)
		a.logCommission(client)
		if exCfg.WSURL != "" {
			a.addSource(gateway.NewQuoteSource(exCfg.Name, exCfg.WSURL, mkt.ReconnectDelay, mkt.PingInterval, log))
		}
		return client, nil
	}
	return nil, fmt.Errorf("unsupported exchange kind %q", exCfg.Kind)
}

type trackingSource interface {
	market.Source
	Track(market.Key)
}

func (a *App) addSource(src trackingSource) {
	a.feed.OnTrack(src.Track)
	a.sources = append(a.sources, src)
}

func (a *App) logCommission(client *gateway.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Engine.CallTimeout)
	defer cancel()
	fee, err := client.Commission(ctx)
	if err != nil {
		a.log.Warn("commission lookup failed", zap.String("exchange", client.Name()), zap.Error(err))
		return
	}
	a.log.Info("exchange commission", zap.String("exchange", client.Name()), zap.String("taker_fee", fee.String()))
}

// CheckExchange asks the named venue for the operator account's balance
// through the same client bots trade with.
func (a *App) CheckExchange(ctx context.Context, name string) (exchange.Balance, error) {
	client, ok := a.clients[name]
	if !ok {
		return exchange.Balance{}, fmt.Errorf("exchange %q is not configured", name)
	}
	creds, err := a.creds.Credentials(ctx, "", name)
	if err != nil {
		return exchange.Balance{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Engine.CallTimeout)
	defer cancel()
	return client.GetBalance(ctx, creds)
}

// Engine is the operation surface for the API layer.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Run starts market sources and the scheduler, restores bots that were
// running before the last shutdown and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()
	a.alerts.Start(ctx)
	a.timescale.Start(ctx)

	var lifecycle conc.WaitGroup
	var server *http.Server
	if a.cfg.Metrics.EnabledValue() {
		mux := http.NewServeMux()
		mux.Handle(a.cfg.Metrics.Path, a.metrics.Handler())
		server = &http.Server{
			Addr:              a.cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: metricsReadHeaderTimeout,
		}
		lifecycle.Go(func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Warn("metrics server stopped", zap.Error(err))
			}
		})
		a.log.Info("metrics server listening", zap.String("address", a.cfg.Metrics.Address), zap.String("path", a.cfg.Metrics.Path))
	}

	a.sweepIdempotencyKeys(ctx)
	a.sched.Start(ctx)
	for _, src := range a.sources {
		lifecycle.Go(func() {
			_ = a.feed.Run(ctx, src)
		})
	}
	restored, err := a.engine.Restore(ctx)
	if err != nil {
		a.log.Warn("some bots could not be restored", zap.Error(err))
	}
	a.log.Info("engine running", zap.Int("exchanges", len(a.clients)), zap.Int("restored_bots", restored))

	<-ctx.Done()
	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Engine.DrainTimeout+shutdownGrace)
	defer cancel()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("metrics server shutdown failed", zap.Error(err))
		}
	}
	if err := a.sched.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("scheduler shutdown incomplete", zap.Error(err))
	}
	lifecycle.Wait()
	return ctx.Err()
}

// Close releases the stores. Run calls it on return; tools that only use
// Engine call it themselves.
// sweepIdempotencyKeys drops placement keys that outlived their window in an
// earlier run. The executors share one store, so a single sweep covers them.
func (a *App) sweepIdempotencyKeys(ctx context.Context) {
	for _, client := range a.clients {
		ex, ok := client.(*exec.Executor)
		if !ok {
			continue
		}
		removed, err := ex.Sweep(ctx)
		if err != nil {
			a.log.Warn("idempotency key sweep failed", zap.Error(err))
			return
		}
		if removed > 0 {
			a.log.Info("dropped expired idempotency keys", zap.Int("count", removed))
		}
		return
	}
}

func (a *App) Close() {
	if err := a.timescale.Close(); err != nil {
		a.log.Warn("timescale close failed", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("state store close failed", zap.Error(err))
	}
}
