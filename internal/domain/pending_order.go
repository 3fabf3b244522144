package domain

import "time"

// PendingLimitOrder is an unfilled limit order resting in the pending-order
// book. Reserved margin (margin + entry fee) is debited from the account's
// available margin at acceptance and released on cancel/expire.
//
// A LONG limit fills when the derived ask crosses down to the limit price;
// a SHORT limit fills when the derived bid crosses up to it.
type PendingLimitOrder struct {
	ID             string
	AccountID      string
	Symbol         string
	Side           Side
	Quantity       Money
	Leverage       int
	LimitPrice     Money
	TakeProfit     *Money
	StopLoss       *Money
	ReservedMargin Money
	ExpiresAt      *time.Time
	PlacedAt       time.Time
	ClientOrderID  string
}

// Crosses reports whether the given tick's market price has crossed this
// limit order's price, making it fillable.
func (o PendingLimitOrder) Crosses(tick PriceTick) bool {
	if o.Side == SideLong {
		return tick.DerivedAsk.LessThanOrEqual(o.LimitPrice)
	}
	return tick.DerivedBid.GreaterThanOrEqual(o.LimitPrice)
}

// Expired reports whether the order has passed its expiration instant.
func (o PendingLimitOrder) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}
