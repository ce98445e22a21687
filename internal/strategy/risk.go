package strategy

import (
	"fmt"
	"time"

	"tradeguard-bot/internal/ledger"
	"tradeguard-bot/internal/market"

	"github.com/shopspring/decimal"
)

type Action string

const (
	ActionHold              Action = "hold"
	ActionOpenGridLevel     Action = "open_grid_level"
	ActionCloseAll          Action = "close_all"
	ActionTriggerHedge      Action = "trigger_hedge"
	ActionPauseForStaleData Action = "pause_for_stale_data"
)

// Causes attached to a Decision.
const (
	CauseStaleData  = "stale market data"
	CauseStopLoss   = "stop-loss"
	CauseTakeProfit = "take-profit"
	CauseHedge      = "hedge trigger"
	CauseGridEntry  = "grid entry"
	CauseFiltered   = "entry filtered"
)

// RuntimeView is the part of a bot's runtime the guard reads.
type RuntimeView struct {
	Position      ledger.Snapshot
	PendingOrders int
	Hedged        bool
	Now           time.Time
	StaleAfter    time.Duration
	// Indicators holds the current value of cfg.Filters[i] at key i. A
	// missing value blocks new deals.
	Indicators map[int]float64
}

type Decision struct {
	Action     Action
	Cause      string
	Level      int
	Price      decimal.Decimal
	PnLPercent decimal.Decimal
	Detail     string
}

func (d Decision) Reason() string {
	if d.Detail == "" {
		return d.Cause
	}
	return d.Cause + ": " + d.Detail
}

// Evaluate decides the next action for a bot. Rules are checked in fixed
// priority and the first match wins: stale data, stop-loss, take-profit,
// hedge, grid entry, hold.
func Evaluate(cfg BotConfig, view RuntimeView, snap market.Snapshot) Decision {
	if snap.Stale(view.Now, view.StaleAfter) {
		return Decision{
			Action: ActionPauseForStaleData,
			Cause:  CauseStaleData,
			Detail: fmt.Sprintf("age %s exceeds %s", staleAge(snap, view.Now), view.StaleAfter),
		}
	}

	pos := view.Position
	pct, open := pos.PnLPercent(snap.Bid, snap.Ask)
	if open {
		if cfg.StopLoss.Enabled && pct.LessThanOrEqual(cfg.StopLoss.Value.Neg()) {
			return Decision{
				Action:     ActionCloseAll,
				Cause:      CauseStopLoss,
				PnLPercent: pct,
				Detail:     fmt.Sprintf("pnl %s%% <= -%s%%", pct.StringFixed(4), cfg.StopLoss.Value),
			}
		}
		if pct.GreaterThanOrEqual(cfg.TakeProfit) {
			return Decision{
				Action:     ActionCloseAll,
				Cause:      CauseTakeProfit,
				PnLPercent: pct,
				Detail:     fmt.Sprintf("pnl %s%% >= %s%%", pct.StringFixed(4), cfg.TakeProfit),
			}
		}
		if cfg.Hedging.Enabled && !view.Hedged && !pos.Hedge.Open() && pos.Main.Open() {
			if hit, detail := hedgeTriggered(cfg.Hedging, pos.Unrealized(snap.Bid, snap.Ask), pct); hit {
				return Decision{Action: ActionTriggerHedge, Cause: CauseHedge, PnLPercent: pct, Detail: detail}
			}
		}
	}

	if view.PendingOrders == 0 {
		if d, ok := gridEntry(cfg, view, snap); ok {
			d.PnLPercent = pct
			return d
		}
	}
	return Decision{Action: ActionHold, PnLPercent: pct}
}

func hedgeTriggered(h Hedging, unrealized, pct decimal.Decimal) (bool, string) {
	threshold := h.TriggerValue.Abs().Neg()
	switch h.Trigger {
	case TriggerAmount:
		if unrealized.LessThanOrEqual(threshold) {
			return true, fmt.Sprintf("unrealized %s <= %s", unrealized.StringFixed(4), threshold)
		}
	case TriggerPercent:
		if pct.LessThanOrEqual(threshold) {
			return true, fmt.Sprintf("pnl %s%% <= %s%%", pct.StringFixed(4), threshold)
		}
	}
	return false, ""
}

func gridEntry(cfg BotConfig, view RuntimeView, snap market.Snapshot) (Decision, bool) {
	plan := BuildPlan(cfg)
	if plan.Len() == 0 {
		return Decision{}, false
	}
	entry := snap.Ask
	if cfg.Direction == DirectionShort {
		entry = snap.Bid
	}
	main := view.Position.Main
	if !main.Open() {
		if ok, detail := filtersPass(cfg, view.Indicators); !ok {
			return Decision{Action: ActionHold, Cause: CauseFiltered, Detail: detail}, true
		}
		return Decision{Action: ActionOpenGridLevel, Cause: CauseGridEntry, Level: 0, Price: entry}, true
	}
	next := main.NextLevel
	if next >= plan.Len() {
		return Decision{}, false
	}
	trigger := plan.Price(main.Anchor, next)
	crossed := entry.LessThanOrEqual(trigger)
	if cfg.Direction == DirectionShort {
		crossed = entry.GreaterThanOrEqual(trigger)
	}
	if !crossed {
		return Decision{}, false
	}
	return Decision{
		Action: ActionOpenGridLevel,
		Cause:  CauseGridEntry,
		Level:  next,
		Price:  entry,
		Detail: fmt.Sprintf("level %d trigger %s", next, trigger.StringFixed(8)),
	}, true
}

// filtersPass requires every filter's indicator to sit on the entry side of
// its threshold: at or below for longs, at or above for shorts.
func filtersPass(cfg BotConfig, values map[int]float64) (bool, string) {
	for i, f := range cfg.Filters {
		v, ok := values[i]
		if !ok {
			return false, fmt.Sprintf("%s %s unavailable", f.Indicator, f.Interval)
		}
		threshold := f.Threshold.InexactFloat64()
		if cfg.Direction == DirectionShort {
			if v < threshold {
				return false, fmt.Sprintf("%s %.2f < %s", f.Indicator, v, f.Threshold)
			}
			continue
		}
		if v > threshold {
			return false, fmt.Sprintf("%s %.2f > %s", f.Indicator, v, f.Threshold)
		}
	}
	return true, ""
}

func staleAge(snap market.Snapshot, now time.Time) string {
	if snap.Timestamp.IsZero() {
		return "never"
	}
	return snap.Age(now).Truncate(time.Millisecond).String()
}
