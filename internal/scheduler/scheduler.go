// Package scheduler owns the lifecycle of every active bot. Each bot runs in
// its own goroutine; errors and panics inside one bot never reach another.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradeguard-bot/internal/errs"
	"tradeguard-bot/internal/exchange"
	"tradeguard-bot/internal/ledger"
	"tradeguard-bot/internal/market"
	"tradeguard-bot/internal/state"
	"tradeguard-bot/internal/strategy"
	"tradeguard-bot/internal/telemetry"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

type RetryConfig struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Config struct {
	EvalInterval time.Duration
	StaleAfter   time.Duration
	DrainTimeout time.Duration
	CallTimeout  time.Duration
	Retry        RetryConfig
}

func (c Config) withDefaults() Config {
	if c.EvalInterval <= 0 {
		c.EvalInterval = time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = 250 * time.Millisecond
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = 5 * time.Second
	}
	return c
}

// Options are the collaborators a Scheduler drives. Clients are keyed by
// exchange name; Journal, Store and Credentials are optional.
type Options struct {
	Clients     map[string]exchange.Client
	Feed        *market.Feed
	Credentials exchange.CredentialSource
	Journal     ledger.Journal
	Store       state.Store
	Sink        telemetry.Sink
	Log         *zap.Logger
}

type ActivateOptions struct {
	// Paused activates the bot and immediately holds it in Paused, the way a
	// restored bot whose owner had paused it comes back.
	Paused bool
}

// Status is the queryable runtime state of one bot.
type Status struct {
	BotID            string           `json:"bot_id"`
	State            strategy.State   `json:"state"`
	Reason           string           `json:"reason"`
	OpenOrders       map[string]Order `json:"open_orders"`
	LastPrice        string           `json:"last_price,omitempty"`
	RealizedPnl      string           `json:"realized_pnl"`
	CreatedAt        time.Time        `json:"created_at"`
	LastTransitionAt time.Time        `json:"last_transition_at"`
	TransientErrors  int              `json:"transient_errors"`
	Position         ledger.Snapshot  `json:"position"`
}

type Scheduler struct {
	cfg     Config
	clients map[string]exchange.Client
	feed    *market.Feed
	creds   exchange.CredentialSource
	journal ledger.Journal
	store   state.Store
	sink    telemetry.Sink
	log     *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	onEnded func(strategy.BotConfig, Status)
	bots    map[string]*runtime
	routers map[string]*router
	wg      conc.WaitGroup
}

func New(cfg Config, opts Options) *Scheduler {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	sink := opts.Sink
	if sink == nil {
		sink = telemetry.Nop()
	}
	feed := opts.Feed
	if feed == nil {
		feed = market.NewFeed(log, 0)
	}
	clients := make(map[string]exchange.Client, len(opts.Clients))
	for name, c := range opts.Clients {
		clients[name] = c
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		clients: clients,
		feed:    feed,
		creds:   opts.Credentials,
		journal: opts.Journal,
		store:   opts.Store,
		sink:    sink,
		log:     log,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		bots:    make(map[string]*runtime),
		routers: make(map[string]*router),
	}
}

// Start opens one fill stream per exchange and ties the scheduler to ctx:
// once ctx is done every bot loop and router ends as if Shutdown was called.
// Bots activated before Start keep running; their routers are already open.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.started = true
		context.AfterFunc(ctx, s.cancel)
	}
	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s.routerFor(name)
	}
}

// routerFor returns the fill router of exchange name, opening its stream on
// first use. Callers hold s.mu.
func (s *Scheduler) routerFor(name string) *router {
	if r, ok := s.routers[name]; ok {
		return r
	}
	client, ok := s.clients[name]
	if !ok {
		return nil
	}
	base := s.ctx
	r := newRouter(client, s.cfg.Retry, s.log)
	s.routers[name] = r
	ch, _ := r.open(base)
	s.wg.Go(func() { r.run(base, ch) })
	return r
}

// Shutdown ends every bot loop without changing lifecycle state, so that
// Restore can pick the bots up again on the next start.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Activate runs cfg through validation and the initial balance check and,
// on success, starts the bot's loop in Running. Retryable balance failures
// are retried with exponential backoff and reported as transient errors;
// exhausting the retries or hitting a non-retryable error leaves the bot in
// Failed.
func (s *Scheduler) Activate(ctx context.Context, cfg strategy.BotConfig, opts ActivateOptions) error {
	const op = "activate"
	cfg = cfg.Normalize()
	if err := strategy.Validate(cfg); err != nil {
		return err
	}
	if cfg.ID == "" {
		return errs.New(op, errs.CodeConfigInvalid, errs.WithMessage("bot id is required"))
	}
	client, ok := s.clients[cfg.Exchange]
	if !ok {
		return errs.New(op, errs.CodeConfigInvalid, errs.WithMessage(fmt.Sprintf("exchange %q is not configured", cfg.Exchange)))
	}

	s.mu.Lock()
	if cur, ok := s.bots[cfg.ID]; ok && !cur.machine.State().Terminal() {
		s.mu.Unlock()
		return errs.New(op, errs.CodeInvalidState, errs.WithMessage(fmt.Sprintf("bot %s is %s", cfg.ID, cur.machine.State())))
	}
	base := s.ctx
	if base.Err() != nil {
		s.mu.Unlock()
		return errs.New(op, errs.CodeInvalidState, errs.WithMessage("scheduler is shut down"))
	}
	router := s.routerFor(cfg.Exchange)
	r := newRuntime(s, cfg, client, base)
	s.bots[cfg.ID] = r
	s.mu.Unlock()
	r.checkpoint()

	actCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopAfter := context.AfterFunc(r.opCtx, cancel)
	defer stopAfter()

	if err := s.prepare(actCtx, r); err != nil {
		if r.stopRequested() {
			r.abortActivation()
			return errs.New(op, errs.CodeInvalidState, errs.WithMessage("stopped during activation"))
		}
		r.fail(err)
		r.finish()
		return err
	}

	router.register(cfg.ID, r.box)
	r.router = router
	s.feed.Track(cfg.Exchange, cfg.Symbol())
	if !r.transition(strategy.EventActivate, "activated", nil) {
		r.abortActivation()
		return errs.New(op, errs.CodeInvalidState, errs.WithMessage("stopped during activation"))
	}
	s.wg.Go(r.loop)
	if opts.Paused {
		if err := r.send(ctx, command{event: strategy.EventPause, reason: "restored paused"}); err != nil {
			r.log.Warn("restore pause failed", zap.Error(err))
		}
	}
	return nil
}

// prepare replays the persisted ledger, resolves credentials, checks the
// balance with retries and enforces margin capacity.
func (s *Scheduler) prepare(ctx context.Context, r *runtime) error {
	if s.journal != nil {
		events, err := s.journal.LoadEvents(ctx, r.cfg.ID)
		if err != nil {
			return fmt.Errorf("load ledger: %w", err)
		}
		l, err := ledger.Replay(r.cfg.ID, events)
		if err != nil {
			return fmt.Errorf("replay ledger: %w", err)
		}
		r.setLedger(l)
	}
	var creds exchange.Credentials
	if s.creds != nil {
		var err error
		creds, err = s.creds.Credentials(ctx, r.cfg.OwnerID, r.cfg.Exchange)
		if err != nil {
			return err
		}
	}
	bal, err := s.checkBalance(ctx, r, creds)
	if err != nil {
		return err
	}
	return strategy.CheckMarginCapacity(r.cfg, bal)
}

func (s *Scheduler) checkBalance(ctx context.Context, r *runtime, creds exchange.Credentials) (exchange.Balance, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.Retry.InitialInterval
	b.MaxInterval = s.cfg.Retry.MaxInterval
	attempt := 0
	bal, err := backoff.Retry(ctx, func() (exchange.Balance, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
		bal, err := r.client.GetBalance(callCtx, creds)
		if err == nil {
			return bal, nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = errs.New("get balance", errs.CodeNetwork, errs.WithExchange(r.cfg.Exchange), errs.WithCause(err))
		}
		if !errs.Retryable(err) {
			return bal, backoff.Permanent(err)
		}
		return bal, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.cfg.Retry.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.transient("get_balance", attempt, err)
		}),
	)
	if err == nil {
		return bal, nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if ctx.Err() != nil {
		return exchange.Balance{}, ctx.Err()
	}
	if errs.Retryable(err) {
		return exchange.Balance{}, errs.New("activate", errs.CodeExchangeUnreachable,
			errs.WithExchange(r.cfg.Exchange),
			errs.WithMessage(fmt.Sprintf("balance check failed after %d attempts", attempt)),
			errs.WithCause(err))
	}
	return exchange.Balance{}, err
}

func (s *Scheduler) lookup(op, botID string) (*runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.bots[botID]
	if !ok {
		return nil, errs.New(op, errs.CodeNotFound, errs.WithMessage("bot "+botID+" has no runtime"))
	}
	return r, nil
}

// Pause holds a running bot. It places no new orders until Resume.
func (s *Scheduler) Pause(ctx context.Context, botID string) error {
	r, err := s.lookup("pause", botID)
	if err != nil {
		return err
	}
	return r.send(ctx, command{event: strategy.EventPause, reason: "user pause"})
}

func (s *Scheduler) Resume(ctx context.Context, botID string) error {
	r, err := s.lookup("resume", botID)
	if err != nil {
		return err
	}
	return r.send(ctx, command{event: strategy.EventResume, reason: "user resume"})
}

// OnRunEnded registers fn for runs that end without a Stop call: risk stops,
// single-deal take-profits and failures. fn runs on the bot's goroutine
// before Wait returns and must not call back into the scheduler's lifecycle
// operations.
func (s *Scheduler) OnRunEnded(fn func(cfg strategy.BotConfig, st Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnded = fn
}

// Stop drains the bot and waits until it is Stopped or ctx is done. Stopping
// a bot that is already stopping or terminal is a no-op.
func (s *Scheduler) Stop(ctx context.Context, botID, reason string) error {
	r, err := s.lookup("stop", botID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "user stop"
	}
	r.requestStop(reason, true)
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the bot's runtime reaches a terminal state.
func (s *Scheduler) Wait(ctx context.Context, botID string) (strategy.State, error) {
	r, err := s.lookup("wait", botID)
	if err != nil {
		return "", err
	}
	select {
	case <-r.done:
		return r.machine.State(), nil
	case <-ctx.Done():
		return r.machine.State(), ctx.Err()
	}
}

func (s *Scheduler) Status(botID string) (Status, bool) {
	s.mu.Lock()
	r, ok := s.bots[botID]
	s.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return r.status(), true
}

// Ledger returns the in-memory ledger of the bot's current or last run.
func (s *Scheduler) Ledger(botID string) (*ledger.Ledger, bool) {
	s.mu.Lock()
	r, ok := s.bots[botID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return r.ledger(), true
}

// Forget drops a terminal runtime so the bot no longer reports status.
func (s *Scheduler) Forget(botID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.bots[botID]
	if !ok || !r.machine.State().Terminal() {
		return false
	}
	delete(s.bots, botID)
	return true
}

func (s *Scheduler) emit(ev telemetry.Event) {
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}
	s.sink.Emit(ev)
}
