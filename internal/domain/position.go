package domain

import "time"

// Position is an open leveraged exposure. One row per fill — there is no
// netting across positions of the same (account, symbol).
//
// Invariants:
//   - for LONG: LiquidationPrice < EntryPrice
//   - for SHORT: LiquidationPrice > EntryPrice
//   - TakeProfit, if set, lies on the winning side of EntryPrice
//   - StopLoss, if set, lies on the losing side of EntryPrice (the engine
//     accepts a caller-supplied violation of this; the trigger just fires
//     immediately on the next tick)
type Position struct {
	ID               string
	AccountID        string
	Symbol           string
	Side             Side
	Quantity         Money
	Leverage         int
	EntryPrice       Money
	Notional         Money
	MarginUsed       Money
	EntryFee         Money
	TakeProfit       *Money
	StopLoss         *Money
	LiquidationPrice Money
	CurrentPrice     Money
	UnrealizedPnl    Money
	OpenedAt         time.Time
	AccumulatedFunding Money
	LastFundingAt    time.Time
}

// RecomputeUnrealized recomputes CurrentPrice and UnrealizedPnl for a fresh
// tick, per side: LONG marks at the derived bid (what it could sell at),
// SHORT marks at the derived ask (what it could buy back at).
func (p *Position) RecomputeUnrealized(tick PriceTick) {
	if p.Side == SideLong {
		p.CurrentPrice = tick.DerivedBid
	} else {
		p.CurrentPrice = tick.DerivedAsk
	}
	diff := p.CurrentPrice.Sub(p.EntryPrice)
	if p.Side == SideShort {
		diff = diff.Neg()
	}
	p.UnrealizedPnl = diff.Mul(p.Quantity)
}

// LiquidationDistance returns how far CurrentPrice is from LiquidationPrice,
// signed so that a positive value means "still safe, this far away."
func (p Position) LiquidationDistance() Money {
	if p.Side == SideLong {
		return p.CurrentPrice.Sub(p.LiquidationPrice)
	}
	return p.LiquidationPrice.Sub(p.CurrentPrice)
}
