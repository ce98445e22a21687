// Package engine is the surface the outer API layer calls. It resolves bot
// records through the registry, checks ownership on every call and drives
// the scheduler.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeguard-bot/internal/errs"
	"tradeguard-bot/internal/ledger"
	"tradeguard-bot/internal/registry"
	"tradeguard-bot/internal/scheduler"
	"tradeguard-bot/internal/state"
	"tradeguard-bot/internal/strategy"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000

	restoreWorkers = 4
	endedTimeout   = 5 * time.Second
)

// StateIdle is reported for bots that never ran.
const StateIdle strategy.State = "idle"

type Options struct {
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Journal   ledger.Journal
	Store     state.Store
	Log       *zap.Logger
}

type Engine struct {
	registry *registry.Registry
	sched    *scheduler.Scheduler
	journal  ledger.Journal
	store    state.Store
	log      *zap.Logger

	locks sync.Map
}

// RuntimeState is what listBots reports for one bot. Live is false when the
// state comes from the last persisted checkpoint.
type RuntimeState struct {
	State            strategy.State `json:"state"`
	Reason           string         `json:"reason,omitempty"`
	Live             bool           `json:"live"`
	OpenOrders       int            `json:"open_orders"`
	LastPrice        string         `json:"last_price,omitempty"`
	RealizedPnl      string         `json:"realized_pnl,omitempty"`
	TransientErrors  int            `json:"transient_errors,omitempty"`
	LastTransitionAt time.Time      `json:"last_transition_at,omitempty"`
}

type BotView struct {
	ID              string             `json:"id"`
	Config          strategy.BotConfig `json:"config"`
	Desired         registry.Desired   `json:"desired"`
	RuntimeState    RuntimeState       `json:"runtime_state"`
	CurrentPosition ledger.Snapshot    `json:"current_position"`
}

// LedgerPage is one slice of a bot's event log. Pass NextSeq as afterSeq to
// continue; More is false on the last page.
type LedgerPage struct {
	Events  []ledger.Event `json:"events"`
	NextSeq int64          `json:"next_seq"`
	More    bool           `json:"more"`
}

func New(opts Options) *Engine {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		registry: opts.Registry,
		sched:    opts.Scheduler,
		journal:  opts.Journal,
		store:    opts.Store,
		log:      log,
	}
	e.sched.OnRunEnded(e.runEnded)
	return e
}

// runEnded parks bots whose run ended on its own. A stop-loss, a finished
// single deal or a failure needs the owner to act before the bot trades
// again, so Restore must not bring it back.
func (e *Engine) runEnded(cfg strategy.BotConfig, st scheduler.Status) {
	if cur, ok := e.sched.Status(cfg.ID); ok && !cur.State.Terminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), endedTimeout)
	defer cancel()
	if _, err := e.registry.SetDesired(ctx, cfg.OwnerID, cfg.ID, registry.DesiredIdle); err != nil {
		if !errs.Is(err, errs.CodeNotFound) {
			e.log.Warn("desired state update failed", zap.String("bot_id", cfg.ID), zap.Error(err))
		}
		return
	}
	e.log.Info("bot run ended", zap.String("bot_id", cfg.ID), zap.String("state", string(st.State)), zap.String("reason", st.Reason))
}

// lock serializes lifecycle calls for one bot so that an update restart
// cannot interleave with a stop.
func (e *Engine) lock(botID string) func() {
	v, _ := e.locks.LoadOrStore(botID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) ListBots(ctx context.Context, userID string) ([]BotView, error) {
	recs, err := e.registry.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]BotView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, e.view(ctx, rec))
	}
	return out, nil
}

func (e *Engine) view(ctx context.Context, rec registry.Record) BotView {
	v := BotView{ID: rec.ID(), Config: rec.Config, Desired: rec.Desired}
	if st, ok := e.sched.Status(rec.ID()); ok {
		v.RuntimeState = RuntimeState{
			State:            st.State,
			Reason:           st.Reason,
			Live:             !st.State.Terminal(),
			OpenOrders:       len(st.OpenOrders),
			LastPrice:        st.LastPrice,
			RealizedPnl:      st.RealizedPnl,
			TransientErrors:  st.TransientErrors,
			LastTransitionAt: st.LastTransitionAt,
		}
		v.CurrentPosition = st.Position
		return v
	}
	v.RuntimeState = RuntimeState{State: StateIdle}
	cp, ok, err := state.LoadRuntimeCheckpoint(ctx, e.store, rec.ID())
	if err != nil {
		e.log.Warn("runtime checkpoint load failed", zap.String("bot_id", rec.ID()), zap.Error(err))
	} else if ok {
		v.RuntimeState = RuntimeState{
			State:           strategy.State(cp.Lifecycle),
			Reason:          cp.Reason,
			OpenOrders:      cp.OpenOrders,
			LastPrice:       cp.LastPrice,
			RealizedPnl:     cp.RealizedPnl,
			TransientErrors: cp.TransientErrs,
		}
		if cp.TransitionMS > 0 {
			v.RuntimeState.LastTransitionAt = time.UnixMilli(cp.TransitionMS).UTC()
		}
	}
	v.CurrentPosition = ledger.Fold(rec.ID(), nil)
	if e.journal != nil {
		events, err := e.journal.LoadEvents(ctx, rec.ID())
		if err != nil {
			e.log.Warn("ledger load failed", zap.String("bot_id", rec.ID()), zap.Error(err))
		} else {
			v.CurrentPosition = ledger.Fold(rec.ID(), events)
		}
	}
	return v
}

func (e *Engine) CreateBot(ctx context.Context, userID string, cfg strategy.BotConfig) (string, error) {
	rec, err := e.registry.Create(ctx, userID, cfg)
	if err != nil {
		return "", err
	}
	e.log.Info("bot created", zap.String("bot_id", rec.ID()), zap.String("owner_id", rec.OwnerID()))
	return rec.ID(), nil
}

// UpdateBot stores the new configuration. A live bot is stopped and started
// again with it, keeping a paused bot paused.
func (e *Engine) UpdateBot(ctx context.Context, userID, botID string, cfg strategy.BotConfig) error {
	unlock := e.lock(botID)
	defer unlock()
	rec, err := e.registry.Update(ctx, userID, botID, cfg)
	if err != nil {
		return err
	}
	st, ok := e.sched.Status(botID)
	if !ok || st.State.Terminal() {
		return nil
	}
	paused := st.State == strategy.StatePaused
	if err := e.sched.Stop(ctx, botID, "config updated"); err != nil {
		return err
	}
	e.log.Info("restarting bot with updated config", zap.String("bot_id", botID))
	return e.sched.Activate(ctx, rec.Config, scheduler.ActivateOptions{Paused: paused})
}

// DeleteBot stops the bot if it runs and archives its record. The ledger
// is kept.
func (e *Engine) DeleteBot(ctx context.Context, userID, botID string) error {
	unlock := e.lock(botID)
	defer unlock()
	if _, err := e.registry.Get(ctx, userID, botID); err != nil {
		return err
	}
	if err := e.stop(ctx, botID, "bot deleted"); err != nil {
		return err
	}
	if err := e.registry.Delete(ctx, userID, botID); err != nil {
		return err
	}
	e.sched.Forget(botID)
	if err := state.DeleteRuntimeCheckpoint(ctx, e.store, botID); err != nil {
		e.log.Warn("runtime checkpoint delete failed", zap.String("bot_id", botID), zap.Error(err))
	}
	e.log.Info("bot deleted", zap.String("bot_id", botID))
	return nil
}

// ActivateBot validates the stored config, checks the exchange and starts
// the bot. The owner's intent is only recorded once the bot is running.
func (e *Engine) ActivateBot(ctx context.Context, userID, botID string) error {
	unlock := e.lock(botID)
	defer unlock()
	rec, err := e.registry.Get(ctx, userID, botID)
	if err != nil {
		return err
	}
	if err := e.sched.Activate(ctx, rec.Config, scheduler.ActivateOptions{}); err != nil {
		return err
	}
	_, err = e.registry.SetDesired(ctx, userID, botID, registry.DesiredEnabled)
	return err
}

func (e *Engine) PauseBot(ctx context.Context, userID, botID string) error {
	unlock := e.lock(botID)
	defer unlock()
	if _, err := e.registry.Get(ctx, userID, botID); err != nil {
		return err
	}
	if err := e.sched.Pause(ctx, botID); err != nil {
		return err
	}
	_, err := e.registry.SetDesired(ctx, userID, botID, registry.DesiredPaused)
	return err
}

func (e *Engine) ResumeBot(ctx context.Context, userID, botID string) error {
	unlock := e.lock(botID)
	defer unlock()
	if _, err := e.registry.Get(ctx, userID, botID); err != nil {
		return err
	}
	if err := e.sched.Resume(ctx, botID); err != nil {
		return err
	}
	_, err := e.registry.SetDesired(ctx, userID, botID, registry.DesiredEnabled)
	return err
}

// StopBot is idempotent: stopping a bot that already stopped, or never ran,
// succeeds without another drain.
func (e *Engine) StopBot(ctx context.Context, userID, botID string) error {
	unlock := e.lock(botID)
	defer unlock()
	if _, err := e.registry.Get(ctx, userID, botID); err != nil {
		return err
	}
	if err := e.stop(ctx, botID, "user stop"); err != nil {
		return err
	}
	_, err := e.registry.SetDesired(ctx, userID, botID, registry.DesiredIdle)
	return err
}

func (e *Engine) stop(ctx context.Context, botID, reason string) error {
	err := e.sched.Stop(ctx, botID, reason)
	if errs.Is(err, errs.CodeNotFound) {
		return nil
	}
	return err
}

// GetLedger pages the bot's events in sequence order starting after
// afterSeq. The persisted journal is read when present, otherwise the
// in-memory ledger of the current run.
func (e *Engine) GetLedger(ctx context.Context, userID, botID string, afterSeq int64, limit int) (LedgerPage, error) {
	if _, err := e.registry.Get(ctx, userID, botID); err != nil {
		return LedgerPage{}, err
	}
	if afterSeq < 0 {
		return LedgerPage{}, errs.New("get ledger", errs.CodeConfigInvalid, errs.WithMessage("cursor must not be negative"))
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	var events []ledger.Event
	switch {
	case e.journal != nil:
		page, err := e.journal.PageEvents(ctx, botID, afterSeq, limit+1)
		if err != nil {
			return LedgerPage{}, err
		}
		events = page
	default:
		if l, ok := e.sched.Ledger(botID); ok {
			events = l.Events(afterSeq, limit+1)
		}
	}
	page := LedgerPage{Events: events, NextSeq: afterSeq}
	if len(events) > limit {
		page.Events = events[:limit]
		page.More = true
	}
	if page.Events == nil {
		page.Events = []ledger.Event{}
	}
	if n := len(page.Events); n > 0 {
		page.NextSeq = page.Events[n-1].Seq
	}
	return page, nil
}

// endedBeforeRestart reports whether rec's last run reached Stopped or
// Failed without the end being recorded as its desired state, for example
// when the process died right after the final transition. Such bots are
// parked instead of restored.
func (e *Engine) endedBeforeRestart(ctx context.Context, rec registry.Record) bool {
	cp, ok, err := state.LoadRuntimeCheckpoint(ctx, e.store, rec.ID())
	if err != nil {
		e.log.Warn("runtime checkpoint load failed", zap.String("bot_id", rec.ID()), zap.Error(err))
		return false
	}
	if !ok || !strategy.State(cp.Lifecycle).Terminal() {
		return false
	}
	if _, err := e.registry.SetDesired(ctx, rec.OwnerID(), rec.ID(), registry.DesiredIdle); err != nil {
		e.log.Warn("desired state update failed", zap.String("bot_id", rec.ID()), zap.Error(err))
	}
	e.log.Info("bot not restored, last run ended", zap.String("bot_id", rec.ID()), zap.String("state", cp.Lifecycle), zap.String("reason", cp.Reason))
	return true
}

// Restore activates every bot whose owner left it enabled or paused. A bot
// that cannot be restored is logged and lands in Failed; the others still
// come back. The returned error joins every failure.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	recs, err := e.registry.All(ctx)
	if err != nil {
		return 0, err
	}
	var (
		mu       sync.Mutex
		restored int
	)
	p := pool.New().WithErrors().WithMaxGoroutines(restoreWorkers)
	for _, rec := range recs {
		if rec.Desired != registry.DesiredEnabled && rec.Desired != registry.DesiredPaused {
			continue
		}
		if e.endedBeforeRestart(ctx, rec) {
			continue
		}
		p.Go(func() error {
			unlock := e.lock(rec.ID())
			defer unlock()
			opts := scheduler.ActivateOptions{Paused: rec.Desired == registry.DesiredPaused}
			if err := e.sched.Activate(ctx, rec.Config, opts); err != nil {
				e.log.Warn("bot restore failed", zap.String("bot_id", rec.ID()), zap.Error(err))
				return fmt.Errorf("restore %s: %w", rec.ID(), err)
			}
			mu.Lock()
			restored++
			mu.Unlock()
			return nil
		})
	}
	err = p.Wait()
	e.log.Info("bots restored", zap.Int("restored", restored), zap.Int("records", len(recs)))
	return restored, err
}
