package strategy

import (
	"fmt"
	"strings"

	"tradeguard-bot/internal/errs"
	"tradeguard-bot/internal/exchange"
	"tradeguard-bot/internal/market"

	"github.com/shopspring/decimal"
)

const (
	MaxLeverage = 100
	MaxLevels   = 100
)

// SupportedQuotes are the quote assets bots may trade against.
var SupportedQuotes = []string{"USDT", "USDC"}

// Validate checks cfg eagerly and reports every problem at once as a
// config_invalid error.
func Validate(cfg BotConfig) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(cfg.OwnerID) == "" {
		add("owner is required")
	}
	if cfg.Exchange == "" {
		add("exchange is required")
	}
	if cfg.Pair.Base == "" || cfg.Pair.Quote == "" {
		add("pair base and quote are required")
	} else if !contains(SupportedQuotes, cfg.Pair.Quote) {
		add("quote asset %s is not supported", cfg.Pair.Quote)
	}
	switch cfg.Wallet {
	case WalletSpot, WalletFutures:
	default:
		add("wallet %q is invalid", cfg.Wallet)
	}
	switch cfg.Direction {
	case DirectionLong, DirectionShort:
	default:
		add("direction %q is invalid", cfg.Direction)
	}
	switch cfg.Margin {
	case MarginCross, MarginIsolated:
	default:
		add("margin type %q is invalid", cfg.Margin)
	}
	switch cfg.Distribution {
	case DistributionLinear, DistributionLogarithmic:
	default:
		add("price distribution %q is invalid", cfg.Distribution)
	}
	if !cfg.Deposit.IsPositive() {
		add("deposit must be > 0")
	}
	if cfg.Leverage < 1 || cfg.Leverage > MaxLeverage {
		add("leverage must be within 1..%d", MaxLeverage)
	}
	if cfg.Wallet == WalletSpot {
		if cfg.Leverage != 1 {
			add("spot bots cannot use leverage")
		}
		if cfg.Direction == DirectionShort {
			add("spot bots can only trade long")
		}
		if cfg.Hedging.Enabled {
			add("hedging requires a futures wallet")
		}
	}
	if cfg.GridPull.IsNegative() {
		add("grid pull must be >= 0")
	}
	if !cfg.TakeProfit.IsPositive() {
		add("take profit must be > 0")
	}
	if cfg.StopLoss.Enabled && !cfg.StopLoss.Value.IsPositive() {
		add("stop loss value must be > 0")
	}
	problems = append(problems, validateMode(cfg)...)
	problems = append(problems, validateHedging(cfg.Hedging)...)
	for i, f := range cfg.Filters {
		problems = append(problems, validateFilter(i, f)...)
	}

	if len(problems) == 0 {
		return nil
	}
	return errs.New("validate bot config", errs.CodeConfigInvalid, errs.WithMessage(strings.Join(problems, "; ")))
}

func validateMode(cfg BotConfig) []string {
	var problems []string
	set := 0
	for _, present := range []bool{cfg.Overlap != nil, cfg.Grid != nil, cfg.Martingale != nil, cfg.Custom != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		problems = append(problems, fmt.Sprintf("exactly one mode parameter block is required, got %d", set))
	}
	levelsOK := func(n int) {
		if n < 1 || n > MaxLevels {
			problems = append(problems, fmt.Sprintf("levels must be within 1..%d", MaxLevels))
		}
	}
	switch cfg.Mode {
	case ModeOverlap:
		if cfg.Overlap == nil {
			return append(problems, "overlap mode requires overlap parameters")
		}
		levelsOK(cfg.Overlap.Levels)
		if cfg.Overlap.Levels > 1 && !cfg.Overlap.OverlapPercent.IsPositive() {
			problems = append(problems, "overlap percent must be > 0")
		}
	case ModeGrid:
		if cfg.Grid == nil {
			return append(problems, "grid mode requires grid parameters")
		}
		levelsOK(cfg.Grid.Levels)
		if cfg.Grid.Levels > 1 && !cfg.Grid.StepPercent.IsPositive() {
			problems = append(problems, "grid step must be > 0")
		}
	case ModeMartingale:
		if cfg.Martingale == nil {
			return append(problems, "martingale mode requires martingale parameters")
		}
		levelsOK(cfg.Martingale.Levels)
		if cfg.Martingale.Levels > 1 && !cfg.Martingale.StepPercent.IsPositive() {
			problems = append(problems, "martingale step must be > 0")
		}
		if cfg.Martingale.Multiplier.LessThan(one) {
			problems = append(problems, "martingale multiplier must be >= 1")
		}
	case ModeCustom:
		if cfg.Custom == nil {
			return append(problems, "custom mode requires custom parameters")
		}
		levelsOK(len(cfg.Custom.Offsets) + 1)
		prev := decimal.Zero
		for _, off := range cfg.Custom.Offsets {
			if !off.GreaterThan(prev) {
				problems = append(problems, "custom offsets must be positive and increasing")
				break
			}
			prev = off
		}
		if w := cfg.Custom.Weights; len(w) > 0 {
			if len(w) != len(cfg.Custom.Offsets)+1 {
				problems = append(problems, "custom weights must have one entry per level")
			}
			for _, v := range w {
				if !v.IsPositive() {
					problems = append(problems, "custom weights must be > 0")
					break
				}
			}
		}
	default:
		return append(problems, fmt.Sprintf("trade mode %q is invalid", cfg.Mode))
	}
	if len(problems) == 0 && cfg.Direction == DirectionLong {
		plan := BuildPlan(cfg)
		if last := plan.Price(one, plan.Len()-1); !last.IsPositive() {
			problems = append(problems, "grid reaches a non-positive price")
		}
	}
	return problems
}

func validateHedging(h Hedging) []string {
	if !h.Enabled {
		return nil
	}
	var problems []string
	switch h.Trigger {
	case TriggerAmount, TriggerPercent:
	default:
		problems = append(problems, fmt.Sprintf("hedging trigger %q is invalid", h.Trigger))
	}
	if h.TriggerValue.IsZero() {
		problems = append(problems, "hedging trigger value must be non-zero")
	}
	switch h.Direction {
	case HedgeOpposite, HedgeSame:
	default:
		problems = append(problems, fmt.Sprintf("hedging direction %q is invalid", h.Direction))
	}
	if !h.VolumePercent.IsPositive() || h.VolumePercent.GreaterThan(hundred) {
		problems = append(problems, "hedging volume must be within (0, 100]")
	}
	return problems
}

func validateFilter(i int, f Filter) []string {
	var problems []string
	switch f.Indicator {
	case IndicatorRSI:
		if f.Threshold.IsNegative() || f.Threshold.GreaterThan(hundred) {
			problems = append(problems, fmt.Sprintf("filter %d: rsi threshold must be within 0..100", i))
		}
	case IndicatorCCI:
	default:
		problems = append(problems, fmt.Sprintf("filter %d: indicator %q is invalid", i, f.Indicator))
	}
	if _, err := market.ParseInterval(f.Interval); err != nil {
		problems = append(problems, fmt.Sprintf("filter %d: %v", i, err))
	}
	if f.Period < 2 || f.Period > 200 {
		problems = append(problems, fmt.Sprintf("filter %d: period must be within 2..200", i))
	}
	return problems
}

// CheckMarginCapacity enforces that the bot's notional fits what the exchange
// reports at activation time.
func CheckMarginCapacity(cfg BotConfig, bal exchange.Balance) error {
	notional := cfg.Notional()
	var capacity decimal.Decimal
	if cfg.Futures() {
		capacity = bal.MarginCapacity
		if capacity.IsZero() {
			capacity = bal.Futures.Mul(decimal.NewFromInt(int64(cfg.Leverage)))
		}
	} else {
		capacity = bal.Spot
	}
	if notional.GreaterThan(capacity) {
		return errs.New("activate", errs.CodeConfigInvalid,
			errs.WithMessage(fmt.Sprintf("leverage x deposit %s exceeds margin capacity %s", notional, capacity)))
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
