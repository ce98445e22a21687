package ledger

import (
	"tradeguard-bot/internal/exchange"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Position is one leg's derived state. Side is SideBuy for long and SideSell
// for short; it is empty while flat. Cost is the sum of qty*price of the fills
// still open, so the average entry is Cost/Qty.
type Position struct {
	Leg       Leg             `json:"leg"`
	Side      exchange.Side   `json:"side,omitempty"`
	Qty       decimal.Decimal `json:"qty"`
	Cost      decimal.Decimal `json:"cost"`
	Realized  decimal.Decimal `json:"realized"`
	Fees      decimal.Decimal `json:"fees"`
	Anchor    decimal.Decimal `json:"anchor"`
	NextLevel int             `json:"next_level"`
}

func (p Position) Open() bool {
	return p.Qty.IsPositive()
}

func (p Position) AvgEntry() decimal.Decimal {
	if !p.Open() {
		return decimal.Zero
	}
	return p.Cost.Div(p.Qty)
}

// Unrealized marks the leg at the price it would exit on: bid for longs,
// ask for shorts.
func (p Position) Unrealized(bid, ask decimal.Decimal) decimal.Decimal {
	if !p.Open() {
		return decimal.Zero
	}
	if p.Side == exchange.SideBuy {
		return bid.Mul(p.Qty).Sub(p.Cost)
	}
	return p.Cost.Sub(ask.Mul(p.Qty))
}

func (p *Position) apply(ev Event) {
	p.Fees = p.Fees.Add(ev.Fee)
	qty := ev.Qty
	switch {
	case !p.Open():
		p.open(ev.Side, qty, ev.Price)
	case ev.Side == p.Side:
		p.Qty = p.Qty.Add(qty)
		p.Cost = p.Cost.Add(qty.Mul(ev.Price))
	default:
		reduce := decimal.Min(qty, p.Qty)
		var released decimal.Decimal
		if reduce.Equal(p.Qty) {
			released = p.Cost
		} else {
			released = p.Cost.Mul(reduce).Div(p.Qty)
		}
		proceeds := reduce.Mul(ev.Price)
		if p.Side == exchange.SideBuy {
			p.Realized = p.Realized.Add(proceeds.Sub(released))
		} else {
			p.Realized = p.Realized.Add(released.Sub(proceeds))
		}
		p.Qty = p.Qty.Sub(reduce)
		p.Cost = p.Cost.Sub(released)
		if !p.Open() {
			p.flatten()
		}
		if rest := qty.Sub(reduce); rest.IsPositive() {
			p.open(ev.Side, rest, ev.Price)
		}
	}
	if ev.Purpose == PurposeEntry && p.Side == ev.Side && ev.Level+1 > p.NextLevel {
		p.NextLevel = ev.Level + 1
	}
}

func (p *Position) open(side exchange.Side, qty, price decimal.Decimal) {
	p.Side = side
	p.Qty = qty
	p.Cost = qty.Mul(price)
	p.Anchor = price
	p.NextLevel = 0
}

func (p *Position) flatten() {
	p.Side = ""
	p.Qty = decimal.Zero
	p.Cost = decimal.Zero
	p.Anchor = decimal.Zero
	p.NextLevel = 0
}
