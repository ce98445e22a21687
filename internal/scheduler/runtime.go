package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeguard-bot/internal/errs"
	"tradeguard-bot/internal/exchange"
	"tradeguard-bot/internal/exec"
	"tradeguard-bot/internal/indicator"
	"tradeguard-bot/internal/ledger"
	"tradeguard-bot/internal/market"
	"tradeguard-bot/internal/state"
	"tradeguard-bot/internal/strategy"
	"tradeguard-bot/internal/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const cancelWorkers = 4

var hundred = decimal.NewFromInt(100)

// Order is the runtime's view of one order it placed and has not yet seen
// completed.
type Order struct {
	OrderID        string          `json:"order_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Side           exchange.Side   `json:"side"`
	Qty            decimal.Decimal `json:"qty"`
	Leg            ledger.Leg      `json:"leg"`
	Purpose        ledger.Purpose  `json:"purpose"`
	Level          int             `json:"level"`
	PlacedAt       time.Time       `json:"placed_at"`
}

type command struct {
	event  strategy.Event
	reason string
	reply  chan error
}

// runtime is one bot's execution unit. Everything below the mutex is shared
// with status readers; the remaining fields belong to the loop goroutine.
type runtime struct {
	s       *Scheduler
	cfg     strategy.BotConfig
	plan    strategy.Plan
	client  exchange.Client
	router  *router
	log     *zap.Logger
	machine *strategy.StateMachine
	box     *mailbox

	ctx       context.Context
	cancel    context.CancelFunc
	opCtx     context.Context
	cancelOps context.CancelFunc

	commands   chan command
	stopCh     chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	finishOnce sync.Once

	last        market.Snapshot
	activatedAt time.Time
	staleHeld   bool
	userPaused  bool
	hedged      bool

	mu           sync.Mutex
	book         *ledger.Ledger
	orders       map[string]*Order
	reason       string
	stopReason   string
	stopByCaller bool
	lastPrice    decimal.Decimal
	createdAt    time.Time
	transitionAt time.Time
	transients   int
	drains       int
}

func newRuntime(s *Scheduler, cfg strategy.BotConfig, client exchange.Client, base context.Context) *runtime {
	now := s.now()
	r := &runtime{
		s:       s,
		cfg:     cfg,
		plan:    strategy.BuildPlan(cfg),
		client:  client,
		machine: strategy.NewStateMachine(),
		box:     newMailbox(),
		log: s.log.With(
			zap.String("bot_id", cfg.ID),
			zap.String("exchange", cfg.Exchange),
			zap.String("symbol", cfg.Symbol()),
		),
		commands:     make(chan command),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
		book:         ledger.New(cfg.ID),
		orders:       make(map[string]*Order),
		createdAt:    now,
		transitionAt: now,
	}
	ctx, cancel := context.WithCancel(base)
	r.ctx = exec.WithRetryObserver(ctx, r.transient)
	r.cancel = cancel
	r.opCtx, r.cancelOps = context.WithCancel(r.ctx)
	return r
}

func (r *runtime) ledger() *ledger.Ledger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.book
}

func (r *runtime) setLedger(l *ledger.Ledger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.book = l
}

func (r *runtime) loop() {
	defer r.finish()
	var pc panics.Catcher
	pc.Try(r.run)
	if rec := pc.Recovered(); rec != nil {
		r.log.Error("bot loop panic", zap.Any("panic", rec.Value), zap.ByteString("stack", rec.Stack))
		r.recoverPanic(fmt.Errorf("panic: %v", rec.Value))
	}
}

func (r *runtime) run() {
	sub := r.s.feed.Subscribe(r.cfg.Exchange, r.cfg.Symbol())
	defer sub.Close()
	ticker := time.NewTicker(r.s.cfg.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.stopCh:
			r.stop()
			return
		case cmd := <-r.commands:
			cmd.reply <- r.handle(cmd)
		case <-r.box.ready:
			r.applyFills()
		case snap, ok := <-sub.C:
			if ok && r.observe(snap) {
				r.evaluate()
			}
		case <-ticker.C:
			r.evaluate()
		}
		if r.machine.State().Terminal() {
			return
		}
	}
}

func (r *runtime) handle(cmd command) error {
	current := r.machine.State()
	switch cmd.event {
	case strategy.EventPause:
		if current == strategy.StatePaused {
			r.userPaused = true
			return nil
		}
		if !r.transition(strategy.EventPause, cmd.reason, nil) {
			return invalidState("pause", current)
		}
		r.userPaused = true
	case strategy.EventResume:
		if !r.transition(strategy.EventResume, cmd.reason, nil) {
			return invalidState("resume", current)
		}
		r.userPaused = false
		r.staleHeld = false
	default:
		return invalidState(string(cmd.event), current)
	}
	return nil
}

// observe accepts snap when it is newer than the last one seen. Feed
// delivery is at-least-once, so duplicates and reordering land here.
func (r *runtime) observe(snap market.Snapshot) bool {
	if !snap.Timestamp.After(r.last.Timestamp) {
		return false
	}
	r.last = snap
	r.mu.Lock()
	r.lastPrice = snap.Mid()
	r.mu.Unlock()
	return true
}

func (r *runtime) evaluate() {
	now := r.s.now()
	switch r.machine.State() {
	case strategy.StatePaused:
		if r.staleHeld && !r.userPaused && !r.last.Stale(now, r.s.cfg.StaleAfter) {
			r.staleHeld = false
			r.transition(strategy.EventResume, "market data fresh", nil)
			return
		}
		r.guardPaused(now)
		return
	case strategy.StateRunning:
	default:
		return
	}
	if r.closing() {
		return
	}
	// Quotes for a newly tracked pair take a moment to arrive.
	if r.last.Timestamp.IsZero() && now.Sub(r.activatedAt) < r.s.cfg.StaleAfter {
		return
	}

	view := r.view(now)
	d := strategy.Evaluate(r.cfg, view, r.last)
	switch d.Action {
	case strategy.ActionPauseForStaleData:
		r.staleHeld = true
		r.emitRisk(d)
		r.transition(strategy.EventPause, d.Reason(), nil)
	case strategy.ActionCloseAll:
		r.closeAll(d, view.Position)
	case strategy.ActionTriggerHedge:
		r.hedge(d, view.Position)
	case strategy.ActionOpenGridLevel:
		r.openLevel(d)
	}
}

// guardPaused keeps stop-loss and take-profit armed while the bot is paused.
// A paused bot places no entries or hedges, but it still closes its position.
func (r *runtime) guardPaused(now time.Time) {
	if r.closing() || r.last.Timestamp.IsZero() {
		return
	}
	view := r.view(now)
	if !view.Position.Main.Open() && !view.Position.Hedge.Open() {
		return
	}
	if d := strategy.Evaluate(r.cfg, view, r.last); d.Action == strategy.ActionCloseAll {
		r.closeAll(d, view.Position)
	}
}

func (r *runtime) view(now time.Time) strategy.RuntimeView {
	return strategy.RuntimeView{
		Position:      r.ledger().Snapshot(),
		PendingOrders: r.pending(),
		Hedged:        r.hedged,
		Now:           now,
		StaleAfter:    r.s.cfg.StaleAfter,
		Indicators:    r.indicators(),
	}
}

func (r *runtime) openLevel(d strategy.Decision) {
	qty := r.plan.Qty(r.cfg.Notional(), d.Price, d.Level)
	if !qty.IsPositive() {
		r.log.Warn("grid level below order precision", zap.Int("level", d.Level), zap.String("price", d.Price.String()))
		return
	}
	r.log.Debug("opening grid level", zap.Int("level", d.Level), zap.String("price", d.Price.String()), zap.String("qty", qty.String()))
	err := r.place(Order{
		Side:    r.cfg.Direction.EntrySide(),
		Qty:     qty,
		Leg:     ledger.LegMain,
		Purpose: ledger.PurposeEntry,
		Level:   d.Level,
	})
	if err != nil {
		r.orderFailed(err)
	}
}

func (r *runtime) hedge(d strategy.Decision, pos ledger.Snapshot) {
	side := pos.Main.Side.Opposite()
	if r.cfg.Hedging.Direction == strategy.HedgeSame {
		side = pos.Main.Side
	}
	qty := pos.Main.Qty.Mul(r.cfg.Hedging.VolumePercent).Div(hundred).Truncate(8)
	if !qty.IsPositive() {
		return
	}
	r.emitRisk(d)
	if err := r.place(Order{Side: side, Qty: qty, Leg: ledger.LegHedge, Purpose: ledger.PurposeHedge}); err != nil {
		r.orderFailed(err)
		return
	}
	r.hedged = true
}

// closeAll liquidates every open leg with reduce-only market orders. A
// stop-loss always ends the run; a take-profit ends it only for single-deal
// bots, otherwise the grid starts a new deal once flat.
func (r *runtime) closeAll(d strategy.Decision, pos ledger.Snapshot) {
	r.log.Info("closing position", zap.String("cause", d.Cause), zap.String("pnl_percent", d.PnLPercent.StringFixed(4)))
	r.emitRisk(d)
	r.record(ledger.Event{Kind: ledger.KindRiskClose, Reason: d.Reason()})
	r.cancelEntries(r.opCtx)
	for _, leg := range []ledger.Position{pos.Main, pos.Hedge} {
		if !leg.Open() {
			continue
		}
		err := r.place(Order{Side: leg.Side.Opposite(), Qty: leg.Qty, Leg: leg.Leg, Purpose: ledger.PurposeClose})
		if err != nil {
			r.orderFailed(err)
			return
		}
	}
	if d.Cause == strategy.CauseStopLoss || r.cfg.StopAfterDeal {
		r.requestStop(d.Reason(), false)
	}
}

func (r *runtime) place(o Order) error {
	key := exchange.NewIdempotencyKey(r.cfg.ID, uuid.NewString())
	o.IdempotencyKey = key
	spec := exchange.OrderSpec{
		IdempotencyKey: key,
		Symbol:         r.cfg.Symbol(),
		Side:           o.Side,
		Qty:            o.Qty,
		ReduceOnly:     o.Purpose == ledger.PurposeClose,
		Futures:        r.cfg.Futures(),
		Leverage:       r.cfg.Leverage,
	}
	r.mu.Lock()
	r.orders[key] = &o
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.opCtx, r.s.cfg.CallTimeout)
	defer cancel()
	handle, err := r.client.PlaceOrder(ctx, spec)
	ev := telemetry.Event{
		Kind:   telemetry.KindOrder,
		Symbol: spec.Symbol,
		Side:   string(spec.Side),
		Qty:    spec.Qty.String(),
		Reason: string(o.Purpose),
	}
	if err != nil {
		r.mu.Lock()
		delete(r.orders, key)
		r.mu.Unlock()
		ev.Err = err.Error()
		r.emit(ev)
		return err
	}
	r.mu.Lock()
	if cur, ok := r.orders[key]; ok {
		cur.OrderID = handle.OrderID
		cur.PlacedAt = handle.AcceptedAt
	}
	r.mu.Unlock()
	ev.OrderID = handle.OrderID
	r.emit(ev)
	return nil
}

// orderFailed lands the bot in Failed unless the call was cut short by a
// stop request.
func (r *runtime) orderFailed(err error) {
	if r.opCtx.Err() != nil {
		r.log.Debug("order call cancelled by stop", zap.Error(err))
		return
	}
	r.fail(err)
}

func (r *runtime) applyFills() {
	for _, f := range r.box.take() {
		r.applyFill(f)
	}
}

func (r *runtime) applyFill(f exchange.FillEvent) {
	r.mu.Lock()
	o, known := r.orders[f.IdempotencyKey]
	r.mu.Unlock()
	ev := ledger.Event{
		Kind:    ledger.KindFill,
		FillID:  f.FillID,
		OrderID: f.OrderID,
		Side:    f.Side,
		Qty:     f.Qty,
		Price:   f.Price,
		Fee:     f.Fee,
		Time:    f.Time,
	}
	if known {
		ev.Leg = o.Leg
		ev.Purpose = o.Purpose
		ev.Level = o.Level
	} else {
		r.log.Warn("fill for unknown order", zap.String("fill_id", f.FillID), zap.String("order_id", f.OrderID))
	}
	recorded, appended := r.record(ev)
	if known && f.Final {
		r.mu.Lock()
		delete(r.orders, f.IdempotencyKey)
		r.mu.Unlock()
	}
	if !appended {
		return
	}
	r.emit(telemetry.Event{
		Kind:    telemetry.KindFill,
		Symbol:  f.Symbol,
		Side:    string(f.Side),
		Qty:     f.Qty.String(),
		Price:   f.Price.String(),
		OrderID: f.OrderID,
		Reason:  string(recorded.Purpose),
	})
	if r.ledger().Snapshot().Flat() {
		r.hedged = false
	}
}

// record appends ev to the ledger and the journal. Journal failures are
// logged; the in-memory log stays authoritative for the run.
func (r *runtime) record(ev ledger.Event) (ledger.Event, bool) {
	recorded, appended, err := r.ledger().Append(ev)
	if err != nil {
		r.log.Warn("ledger append rejected", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return ledger.Event{}, false
	}
	if !appended {
		r.log.Debug("duplicate fill ignored", zap.String("fill_id", ev.FillID))
		return recorded, false
	}
	if r.s.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.s.cfg.CallTimeout)
		defer cancel()
		if err := r.s.journal.AppendEvent(ctx, recorded); err != nil {
			r.log.Warn("ledger journal append failed", zap.Int64("seq", recorded.Seq), zap.Error(err))
		}
	}
	return recorded, true
}

func (r *runtime) stop() {
	r.mu.Lock()
	reason := r.stopReason
	r.mu.Unlock()
	if !r.transition(strategy.EventStop, reason, nil) {
		return
	}
	r.mu.Lock()
	r.drains++
	r.mu.Unlock()
	outcome := r.drain()
	r.transition(strategy.EventDrained, withCause(reason, outcome), nil)
}

// drain cancels resting entry orders and waits for the rest to fill. Once
// the drain timeout passes, whatever is left is force-cancelled.
func (r *runtime) drain() string {
	deadline := time.NewTimer(r.s.cfg.DrainTimeout)
	defer deadline.Stop()
	r.applyFills()
	r.cancelEntries(r.ctx)
	for r.pending() > 0 {
		select {
		case <-r.ctx.Done():
			return "shutdown during drain"
		case <-r.box.ready:
			r.applyFills()
		case <-deadline.C:
			n := r.forceCancel("drain timeout")
			return fmt.Sprintf("drain timeout, %d orders force-cancelled", n)
		}
	}
	return "drained"
}

func (r *runtime) cancelEntries(ctx context.Context) {
	orders := r.openOrders(func(o Order) bool {
		return o.Purpose != ledger.PurposeClose && o.OrderID != ""
	})
	if len(orders) == 0 {
		return
	}
	var mu sync.Mutex
	var gone []Order
	p := pool.New().WithMaxGoroutines(cancelWorkers)
	for _, o := range orders {
		o := o
		p.Go(func() {
			callCtx, cancel := context.WithTimeout(ctx, r.s.cfg.CallTimeout)
			defer cancel()
			err := r.client.CancelOrder(callCtx, o.OrderID)
			switch {
			case err == nil, errs.Is(err, errs.CodeNotFound):
				mu.Lock()
				gone = append(gone, o)
				mu.Unlock()
			case errs.Is(err, errs.CodeAlreadyFilled):
				r.log.Debug("order filled before cancel", zap.String("order_id", o.OrderID))
			default:
				r.log.Warn("cancel order failed", zap.String("order_id", o.OrderID), zap.Error(err))
			}
		})
	}
	p.Wait()
	for _, o := range gone {
		r.dropOrder(o, "cancelled")
	}
}

// forceCancel makes a last cancel attempt for every open order and drops it
// from the runtime regardless of the outcome.
func (r *runtime) forceCancel(reason string) int {
	orders := r.openOrders(func(Order) bool { return true })
	p := pool.New().WithMaxGoroutines(cancelWorkers)
	for _, o := range orders {
		if o.OrderID == "" {
			continue
		}
		o := o
		p.Go(func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), r.s.cfg.CallTimeout)
			defer cancel()
			if err := r.client.CancelOrder(ctx, o.OrderID); err != nil {
				r.log.Warn("force cancel failed", zap.String("order_id", o.OrderID), zap.Error(err))
			}
		})
	}
	p.Wait()
	for _, o := range orders {
		r.dropOrder(o, "force-cancel: "+reason)
	}
	return len(orders)
}

func (r *runtime) dropOrder(o Order, reason string) {
	r.mu.Lock()
	delete(r.orders, o.IdempotencyKey)
	r.mu.Unlock()
	r.record(ledger.Event{
		Kind:    ledger.KindCancel,
		OrderID: o.OrderID,
		Leg:     o.Leg,
		Purpose: o.Purpose,
		Level:   o.Level,
		Side:    o.Side,
		Qty:     o.Qty,
		Reason:  reason,
	})
}

func (r *runtime) openOrders(match func(Order) bool) []Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Order, 0, len(r.orders))
	for _, o := range r.orders {
		if match(*o) {
			out = append(out, *o)
		}
	}
	return out
}

func (r *runtime) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

func (r *runtime) closing() bool {
	return len(r.openOrders(func(o Order) bool { return o.Purpose == ledger.PurposeClose })) > 0
}

func (r *runtime) indicators() map[int]float64 {
	if len(r.cfg.Filters) == 0 {
		return nil
	}
	out := make(map[int]float64, len(r.cfg.Filters))
	for i, f := range r.cfg.Filters {
		interval, err := market.ParseInterval(f.Interval)
		if err != nil {
			continue
		}
		candles := r.s.feed.Candles(r.cfg.Exchange, r.cfg.Symbol(), interval)
		closes := make([]float64, len(candles))
		highs := make([]float64, len(candles))
		lows := make([]float64, len(candles))
		for j, c := range candles {
			closes[j], highs[j], lows[j] = c.Close, c.High, c.Low
		}
		var (
			v  float64
			ok bool
		)
		switch f.Indicator {
		case strategy.IndicatorRSI:
			v, ok = indicator.RSI(closes, f.Period)
		case strategy.IndicatorCCI:
			v, ok = indicator.CCI(highs, lows, closes, f.Period)
		}
		if ok {
			out[i] = v
		}
	}
	return out
}

// transition applies event and, when the state moves, records the reason,
// emits a transition event and checkpoints the runtime.
func (r *runtime) transition(event strategy.Event, reason string, cause error) bool {
	from, moved := r.machine.Apply(event)
	if !moved {
		return false
	}
	to := r.machine.State()
	now := r.s.now()
	r.mu.Lock()
	r.reason = reason
	r.transitionAt = now
	r.mu.Unlock()
	if event == strategy.EventActivate {
		r.activatedAt = now
	}
	ev := telemetry.Event{
		Kind:   telemetry.KindTransition,
		From:   string(from),
		To:     string(to),
		Reason: reason,
		Time:   now,
	}
	if cause != nil {
		ev.Err = cause.Error()
	}
	r.emit(ev)
	r.checkpoint()
	return true
}

func (r *runtime) fail(err error) {
	if r.machine.State() == strategy.StatePaused {
		r.stopWithError(err)
		return
	}
	if !r.transition(strategy.EventFail, err.Error(), err) {
		return
	}
	r.log.Error("bot failed", zap.Error(err))
	if r.pending() > 0 {
		r.forceCancel("bot failed")
	}
}

// recoverPanic lands the bot in a terminal state after a panic in its loop.
// Paused and stopping bots cannot fail, so they are stopped instead.
func (r *runtime) recoverPanic(err error) {
	if r.ctx.Err() != nil {
		return
	}
	reason := err.Error()
	switch r.machine.State() {
	case strategy.StatePending, strategy.StateRunning:
		r.fail(err)
	case strategy.StatePaused:
		r.stopWithError(err)
	case strategy.StateStopping:
		r.forceCancel(reason)
		r.transition(strategy.EventDrained, reason, err)
	}
}

// stopWithError ends a paused bot, which has no edge to Failed, with err as
// the reason on both transitions.
func (r *runtime) stopWithError(err error) {
	reason := err.Error()
	if !r.transition(strategy.EventStop, reason, err) {
		return
	}
	r.log.Error("paused bot stopped on error", zap.Error(err))
	r.forceCancel(reason)
	r.transition(strategy.EventDrained, reason, err)
}

func (r *runtime) transient(op string, attempt int, err error) {
	r.mu.Lock()
	r.transients++
	r.mu.Unlock()
	r.emit(telemetry.Event{
		Kind:    telemetry.KindTransientError,
		Reason:  op,
		Attempt: attempt,
		Err:     err.Error(),
	})
}

func (r *runtime) emitRisk(d strategy.Decision) {
	r.emit(telemetry.Event{
		Kind:   telemetry.KindRiskAction,
		Reason: d.Cause,
		Err:    d.Detail,
		Symbol: r.cfg.Symbol(),
	})
}

func (r *runtime) emit(ev telemetry.Event) {
	ev.BotID = r.cfg.ID
	ev.OwnerID = r.cfg.OwnerID
	r.s.emit(ev)
}

// requestStop asks the loop to drain and stop. byCaller marks stops that came
// through Scheduler.Stop rather than from the bot's own risk decisions.
func (r *runtime) requestStop(reason string, byCaller bool) {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopReason = reason
		r.stopByCaller = byCaller
		r.mu.Unlock()
		close(r.stopCh)
		r.cancelOps()
	})
}

func (r *runtime) stopRequested() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// abortActivation ends a bot that was stopped before it reached Running.
func (r *runtime) abortActivation() {
	r.mu.Lock()
	reason := r.stopReason
	r.mu.Unlock()
	if r.transition(strategy.EventStop, reason, nil) {
		r.mu.Lock()
		r.drains++
		r.mu.Unlock()
		r.transition(strategy.EventDrained, withCause(reason, "stopped before activation completed"), nil)
	}
	r.finish()
}

func (r *runtime) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case r.commands <- cmd:
	case <-r.done:
		return invalidState(string(cmd.event), r.machine.State())
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-r.done:
		return invalidState(string(cmd.event), r.machine.State())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *runtime) finish() {
	r.finishOnce.Do(func() {
		if r.router != nil {
			r.router.unregister(r.cfg.ID, r.box)
		}
		r.cancelOps()
		r.cancel()
		r.reportEnded()
		close(r.done)
	})
}

// reportEnded tells the scheduler's end hook about runs that reached Stopped
// or Failed on their own. Caller stops and shutdowns are not reported.
func (r *runtime) reportEnded() {
	if !r.machine.State().Terminal() {
		return
	}
	r.mu.Lock()
	byCaller := r.stopByCaller
	r.mu.Unlock()
	if byCaller {
		return
	}
	r.s.mu.Lock()
	fn := r.s.onEnded
	r.s.mu.Unlock()
	if fn != nil {
		fn(r.cfg, r.status())
	}
}

func (r *runtime) checkpoint() {
	if r.s.store == nil {
		return
	}
	st := r.status()
	cp := state.RuntimeCheckpoint{
		BotID:         r.cfg.ID,
		Lifecycle:     string(st.State),
		Reason:        st.Reason,
		RealizedPnl:   st.RealizedPnl,
		OpenOrders:    len(st.OpenOrders),
		CreatedAtMS:   st.CreatedAt.UnixMilli(),
		TransitionMS:  st.LastTransitionAt.UnixMilli(),
		LastPrice:     st.LastPrice,
		TransientErrs: st.TransientErrors,
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.s.cfg.CallTimeout)
	defer cancel()
	if err := state.SaveRuntimeCheckpoint(ctx, r.s.store, cp); err != nil {
		r.log.Warn("runtime checkpoint failed", zap.Error(err))
	}
}

func (r *runtime) status() Status {
	pos := r.ledger().Snapshot()
	r.mu.Lock()
	defer r.mu.Unlock()
	orders := make(map[string]Order, len(r.orders))
	for key, o := range r.orders {
		id := o.OrderID
		if id == "" {
			id = key
		}
		orders[id] = *o
	}
	st := Status{
		BotID:            r.cfg.ID,
		State:            r.machine.State(),
		Reason:           r.reason,
		OpenOrders:       orders,
		RealizedPnl:      pos.NetRealized().String(),
		CreatedAt:        r.createdAt,
		LastTransitionAt: r.transitionAt,
		TransientErrors:  r.transients,
		Position:         pos,
	}
	if !r.lastPrice.IsZero() {
		st.LastPrice = r.lastPrice.String()
	}
	return st
}

func (r *runtime) drainCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drains
}

// withCause keeps the reason a stop was requested for in the final
// transition, so a risk stop still reads as one after the drain.
func withCause(cause, outcome string) string {
	if cause == "" {
		return outcome
	}
	return cause + ": " + outcome
}

func invalidState(op string, current strategy.State) error {
	return errs.New(op, errs.CodeInvalidState, errs.WithMessage(fmt.Sprintf("bot is %s", current)))
}
