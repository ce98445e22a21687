package strategy

import (
	"strings"

	"tradeguard-bot/internal/exchange"

	"github.com/shopspring/decimal"
)

type State string

type Event string

// Bot lifecycle states.
const (
	StatePending  State = "pending"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

const (
	EventActivate Event = "activate"
	EventPause    Event = "pause"
	EventResume   Event = "resume"
	EventStop     Event = "stop"
	EventDrained  Event = "drained"
	EventFail     Event = "fail"
)

func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

type WalletType string

const (
	WalletSpot    WalletType = "spot"
	WalletFutures WalletType = "futures"
)

type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// EntrySide is the order side that grows a position in this direction.
func (d Direction) EntrySide() exchange.Side {
	if d == DirectionShort {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

func (d Direction) Opposite() Direction {
	if d == DirectionShort {
		return DirectionLong
	}
	return DirectionShort
}

type MarginType string

const (
	MarginCross    MarginType = "cross"
	MarginIsolated MarginType = "isolated"
)

type TradeMode string

const (
	ModeOverlap    TradeMode = "overlap"
	ModeGrid       TradeMode = "grid"
	ModeMartingale TradeMode = "martingale"
	ModeCustom     TradeMode = "custom"
)

type Distribution string

const (
	DistributionLinear      Distribution = "linear"
	DistributionLogarithmic Distribution = "logarithmic"
)

type TriggerType string

const (
	TriggerAmount  TriggerType = "amount"
	TriggerPercent TriggerType = "percent"
)

type HedgeDirection string

const (
	HedgeOpposite HedgeDirection = "opposite"
	HedgeSame     HedgeDirection = "same"
)

type Indicator string

const (
	IndicatorRSI Indicator = "rsi"
	IndicatorCCI Indicator = "cci"
)

// RunStrategy is the execution path of one run: a single deal that stops
// after closing, or a grid that starts a new deal after each take-profit.
type RunStrategy string

const (
	RunSingleDeal     RunStrategy = "single_deal"
	RunContinuousGrid RunStrategy = "continuous_grid"
)

type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

func (p Pair) Symbol() string {
	return exchange.Symbol(p.Base, p.Quote)
}

func (p Pair) String() string {
	return p.Symbol()
}

// OverlapParams spreads Levels orders evenly across OverlapPercent of price.
type OverlapParams struct {
	OverlapPercent decimal.Decimal `json:"overlap_percent"`
	Levels         int             `json:"levels"`
}

// GridParams places Levels orders StepPercent apart with equal size.
type GridParams struct {
	StepPercent decimal.Decimal `json:"step_percent"`
	Levels      int             `json:"levels"`
}

// MartingaleParams grows each level's size by Multiplier.
type MartingaleParams struct {
	StepPercent decimal.Decimal `json:"step_percent"`
	Levels      int             `json:"levels"`
	Multiplier  decimal.Decimal `json:"multiplier"`
}

// CustomParams lists cumulative percent offsets from the first entry for
// levels 1..n and relative sizes for levels 0..n.
type CustomParams struct {
	Offsets []decimal.Decimal `json:"offsets"`
	Weights []decimal.Decimal `json:"weights,omitempty"`
}

type Hedging struct {
	Enabled       bool            `json:"enabled"`
	Trigger       TriggerType     `json:"trigger_type"`
	TriggerValue  decimal.Decimal `json:"trigger_value"`
	Direction     HedgeDirection  `json:"direction"`
	VolumePercent decimal.Decimal `json:"volume_percent"`
}

type StopLoss struct {
	Enabled bool            `json:"enabled"`
	Value   decimal.Decimal `json:"value"`
}

type Filter struct {
	Indicator Indicator       `json:"indicator"`
	Interval  string          `json:"interval"`
	Threshold decimal.Decimal `json:"threshold"`
	Period    int             `json:"period,omitempty"`
}

// BotConfig is immutable while a run is active. Exactly one of the mode
// parameter blocks is set, matching Mode.
type BotConfig struct {
	ID            string            `json:"id"`
	OwnerID       string            `json:"owner_id"`
	Name          string            `json:"name,omitempty"`
	Exchange      string            `json:"exchange"`
	Wallet        WalletType        `json:"wallet"`
	Pair          Pair              `json:"pair"`
	Direction     Direction         `json:"direction"`
	Deposit       decimal.Decimal   `json:"deposit"`
	Leverage      int               `json:"leverage"`
	Margin        MarginType        `json:"margin"`
	Mode          TradeMode         `json:"mode"`
	Overlap       *OverlapParams    `json:"overlap,omitempty"`
	Grid          *GridParams       `json:"grid,omitempty"`
	Martingale    *MartingaleParams `json:"martingale,omitempty"`
	Custom        *CustomParams     `json:"custom,omitempty"`
	Distribution  Distribution      `json:"distribution"`
	GridPull      decimal.Decimal   `json:"grid_pull"`
	StopAfterDeal bool              `json:"stop_after_deal"`
	Hedging       Hedging           `json:"hedging"`
	StopLoss      StopLoss          `json:"stop_loss"`
	TakeProfit    decimal.Decimal   `json:"take_profit"`
	Filters       []Filter          `json:"filters,omitempty"`
}

// Notional is deposit times leverage, the quote amount the grid deploys.
func (c BotConfig) Notional() decimal.Decimal {
	return c.Deposit.Mul(decimal.NewFromInt(int64(c.Leverage)))
}

func (c BotConfig) Symbol() string {
	return c.Pair.Symbol()
}

func (c BotConfig) Futures() bool {
	return c.Wallet == WalletFutures
}

func (c BotConfig) RunStrategy() RunStrategy {
	if c.StopAfterDeal {
		return RunSingleDeal
	}
	return RunContinuousGrid
}

// Normalize trims identifiers and fills defaults for unset enum fields and
// filter periods. Leverage and money fields are left as sent so Validate can
// reject them; Defaults carries their product defaults.
func (c BotConfig) Normalize() BotConfig {
	c.Exchange = strings.ToLower(strings.TrimSpace(c.Exchange))
	c.Pair.Base = strings.ToUpper(strings.TrimSpace(c.Pair.Base))
	c.Pair.Quote = strings.ToUpper(strings.TrimSpace(c.Pair.Quote))
	if c.Wallet == "" {
		c.Wallet = WalletFutures
	}
	if c.Direction == "" {
		c.Direction = DirectionLong
	}
	if c.Margin == "" {
		c.Margin = MarginCross
	}
	if c.Distribution == "" {
		c.Distribution = DistributionLogarithmic
	}
	if c.Hedging.Trigger == "" {
		c.Hedging.Trigger = TriggerAmount
	}
	if c.Hedging.Direction == "" {
		c.Hedging.Direction = HedgeOpposite
	}
	if c.Hedging.VolumePercent.IsZero() {
		c.Hedging.VolumePercent = decimal.NewFromInt(100)
	}
	c.Filters = append([]Filter(nil), c.Filters...)
	for i := range c.Filters {
		c.Filters[i].Indicator = Indicator(strings.ToLower(string(c.Filters[i].Indicator)))
		if c.Filters[i].Period == 0 {
			c.Filters[i].Period = 14
		}
	}
	return c
}

// Defaults returns a config prefilled the way the product's creation form is.
func Defaults() BotConfig {
	return BotConfig{
		Wallet:       WalletFutures,
		Pair:         Pair{Quote: "USDT"},
		Direction:    DirectionLong,
		Deposit:      decimal.NewFromInt(100),
		Leverage:     1,
		Margin:       MarginCross,
		Mode:         ModeOverlap,
		Overlap:      &OverlapParams{OverlapPercent: decimal.NewFromInt(10), Levels: 5},
		Distribution: DistributionLogarithmic,
		GridPull:     decimal.RequireFromString("0.5"),
		Hedging: Hedging{
			Trigger:       TriggerAmount,
			TriggerValue:  decimal.NewFromInt(100),
			Direction:     HedgeOpposite,
			VolumePercent: decimal.NewFromInt(100),
		},
		TakeProfit: decimal.NewFromInt(1),
	}
}
