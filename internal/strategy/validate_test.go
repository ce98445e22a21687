package strategy

import (
	"strings"
	"testing"

	"tradeguard-bot/internal/errs"
	"tradeguard-bot/internal/exchange"

	"github.com/shopspring/decimal"
)

func validConfig() BotConfig {
	cfg := Defaults()
	cfg.OwnerID = "user-1"
	cfg.Exchange = "paper"
	cfg.Pair.Base = "BTC"
	return cfg.Normalize()
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Deposit = decimal.Zero
	cfg.Leverage = 101
	cfg.TakeProfit = decimal.Zero
	cfg.Pair.Quote = "EUR"
	err := Validate(cfg)
	if !errs.Is(err, errs.CodeConfigInvalid) {
		t.Fatalf("expected config_invalid, got %v", err)
	}
	for _, want := range []string{"deposit", "leverage", "take profit", "EUR"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestValidateSpotRestrictions(t *testing.T) {
	cfg := validConfig()
	cfg.Wallet = WalletSpot
	cfg.Leverage = 3
	cfg.Direction = DirectionShort
	cfg.Hedging.Enabled = true
	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected spot restrictions to fail")
	}
	for _, want := range []string{"leverage", "long", "hedging"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestValidateModeBlocks(t *testing.T) {
	cfg := validConfig()
	cfg.Grid = &GridParams{StepPercent: decimal.NewFromInt(1), Levels: 3}
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "exactly one") {
		t.Fatalf("expected exactly-one error, got %v", err)
	}

	cfg = validConfig()
	cfg.Mode = ModeMartingale
	cfg.Overlap = nil
	cfg.Martingale = &MartingaleParams{StepPercent: decimal.NewFromInt(1), Levels: 3, Multiplier: decimal.RequireFromString("0.5")}
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "multiplier") {
		t.Fatalf("expected multiplier error, got %v", err)
	}

	cfg = validConfig()
	cfg.Mode = ModeCustom
	cfg.Overlap = nil
	cfg.Custom = &CustomParams{Offsets: []decimal.Decimal{decimal.NewFromInt(2), decimal.NewFromInt(1)}}
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "increasing") {
		t.Fatalf("expected offsets error, got %v", err)
	}
}

func TestValidateRejectsGridBelowZero(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = ModeGrid
	cfg.Overlap = nil
	cfg.Distribution = DistributionLinear
	cfg.Grid = &GridParams{StepPercent: decimal.NewFromInt(30), Levels: 5}
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "non-positive") {
		t.Fatalf("expected non-positive price error, got %v", err)
	}
}

func TestValidateFilters(t *testing.T) {
	cfg := validConfig()
	cfg.Filters = []Filter{
		{Indicator: IndicatorRSI, Interval: "5m", Threshold: decimal.NewFromInt(30), Period: 14},
		{Indicator: "macd", Interval: "2h", Period: 1},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected filter errors")
	}
	msg := err.Error()
	if strings.Contains(msg, "filter 0") {
		t.Fatalf("first filter is valid, got %v", err)
	}
	if !strings.Contains(msg, "filter 1: indicator") || !strings.Contains(msg, "filter 1: period") {
		t.Fatalf("expected filter 1 problems, got %v", err)
	}
}

func TestCheckMarginCapacity(t *testing.T) {
	cfg := validConfig()
	cfg.Leverage = 10
	bal := exchange.Balance{Futures: decimal.NewFromInt(50), MarginCapacity: decimal.NewFromInt(999)}
	if err := CheckMarginCapacity(cfg, bal); !errs.Is(err, errs.CodeConfigInvalid) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	bal.MarginCapacity = decimal.NewFromInt(1000)
	if err := CheckMarginCapacity(cfg, bal); err != nil {
		t.Fatalf("expected capacity ok, got %v", err)
	}
	bal.MarginCapacity = decimal.Zero
	bal.Futures = decimal.NewFromInt(100)
	if err := CheckMarginCapacity(cfg, bal); err != nil {
		t.Fatalf("expected futures*leverage fallback, got %v", err)
	}

	cfg.Wallet = WalletSpot
	cfg.Leverage = 1
	if err := CheckMarginCapacity(cfg, exchange.Balance{Spot: decimal.NewFromInt(99)}); err == nil {
		t.Fatalf("expected spot balance check to fail")
	}
}

func TestValidateRejectsZeroLeverage(t *testing.T) {
	cfg := validConfig()
	cfg.Leverage = 0
	err := Validate(cfg.Normalize())
	if !errs.Is(err, errs.CodeConfigInvalid) {
		t.Fatalf("expected config_invalid, got %v", err)
	}
	if !strings.Contains(err.Error(), "leverage") {
		t.Fatalf("expected leverage problem, got %v", err)
	}
}

func TestNormalizeDoesNotMutateFilters(t *testing.T) {
	cfg := validConfig()
	cfg.Filters = []Filter{{Indicator: "RSI", Interval: "5m"}}
	out := cfg.Normalize()
	if out.Filters[0].Indicator != IndicatorRSI || out.Filters[0].Period != 14 {
		t.Fatalf("unexpected normalized filter %+v", out.Filters[0])
	}
	if cfg.Filters[0].Period != 0 {
		t.Fatalf("normalize mutated caller filters")
	}
}
