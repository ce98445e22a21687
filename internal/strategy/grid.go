package strategy

import (
	"github.com/shopspring/decimal"
)

const qtyPrecision = 8

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Level is one rung of the grid. Spacing is the percent distance from the
// previous level, Offset the cumulative percent distance from the anchor and
// Weight the share of notional the level deploys.
type Level struct {
	Index   int
	Spacing decimal.Decimal
	Offset  decimal.Decimal
	Weight  decimal.Decimal
}

type Plan struct {
	Direction    Direction
	Distribution Distribution
	Levels       []Level
}

// BuildPlan expands cfg's mode parameters into concrete levels. Level 0 is
// entered at market; deeper levels move against the position direction.
func BuildPlan(cfg BotConfig) Plan {
	plan := Plan{Direction: cfg.Direction, Distribution: cfg.Distribution}
	var spacings []decimal.Decimal
	var weights []decimal.Decimal
	switch cfg.Mode {
	case ModeOverlap:
		if p := cfg.Overlap; p != nil && p.Levels > 0 {
			step := decimal.Zero
			if p.Levels > 1 {
				step = p.OverlapPercent.Div(decimal.NewFromInt(int64(p.Levels - 1)))
			}
			spacings = pulled(step, p.Levels, cfg.GridPull)
			weights = equalWeights(p.Levels)
		}
	case ModeGrid:
		if p := cfg.Grid; p != nil && p.Levels > 0 {
			spacings = pulled(p.StepPercent, p.Levels, cfg.GridPull)
			weights = equalWeights(p.Levels)
		}
	case ModeMartingale:
		if p := cfg.Martingale; p != nil && p.Levels > 0 {
			spacings = pulled(p.StepPercent, p.Levels, cfg.GridPull)
			weights = make([]decimal.Decimal, p.Levels)
			w := one
			for i := range weights {
				weights[i] = w
				w = w.Mul(p.Multiplier)
			}
		}
	case ModeCustom:
		if p := cfg.Custom; p != nil {
			n := len(p.Offsets) + 1
			spacings = make([]decimal.Decimal, n)
			prev := decimal.Zero
			for i, off := range p.Offsets {
				spacings[i+1] = off.Sub(prev)
				prev = off
			}
			weights = p.Weights
			if len(weights) != n {
				weights = equalWeights(n)
			}
			plan.Distribution = DistributionLinear
		}
	}
	total := decimal.Zero
	for _, w := range weights {
		total = total.Add(w)
	}
	offset := decimal.Zero
	for i := range spacings {
		offset = offset.Add(spacings[i])
		weight := decimal.Zero
		if total.IsPositive() {
			weight = weights[i].Div(total)
		}
		plan.Levels = append(plan.Levels, Level{Index: i, Spacing: spacings[i], Offset: offset, Weight: weight})
	}
	return plan
}

// pulled spaces levels step apart, widening each successive gap by pull
// percent.
func pulled(step decimal.Decimal, levels int, pull decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, levels)
	growth := one.Add(pull.Div(hundred))
	gap := step
	for i := 1; i < levels; i++ {
		out[i] = gap
		gap = gap.Mul(growth)
	}
	return out
}

func equalWeights(n int) []decimal.Decimal {
	out := make([]decimal.Decimal, n)
	for i := range out {
		out[i] = one
	}
	return out
}

func (p Plan) Len() int {
	return len(p.Levels)
}

// Price is the trigger price of level relative to anchor, the level-0 fill.
// Linear distribution moves by cumulative offset; logarithmic compounds each
// spacing so that levels are evenly spaced in log price.
func (p Plan) Price(anchor decimal.Decimal, level int) decimal.Decimal {
	if level <= 0 || level >= len(p.Levels) {
		return anchor
	}
	sign := one.Neg()
	if p.Direction == DirectionShort {
		sign = one
	}
	if p.Distribution == DistributionLogarithmic {
		factor := one
		for i := 1; i <= level; i++ {
			factor = factor.Mul(one.Add(sign.Mul(p.Levels[i].Spacing).Div(hundred)))
		}
		return anchor.Mul(factor)
	}
	return anchor.Mul(one.Add(sign.Mul(p.Levels[level].Offset).Div(hundred)))
}

// Qty sizes level at price from the bot's notional, truncated to the
// engine's quantity precision.
func (p Plan) Qty(notional, price decimal.Decimal, level int) decimal.Decimal {
	if level < 0 || level >= len(p.Levels) || !price.IsPositive() {
		return decimal.Zero
	}
	return notional.Mul(p.Levels[level].Weight).Div(price).Truncate(qtyPrecision)
}
