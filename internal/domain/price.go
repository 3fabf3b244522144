package domain

import "time"

// PriceTick is a derived quote for a symbol: the upstream mid marked up (or
// down) on each side by mid·SpreadBps/10000, i.e. by the full configured
// spread on each side.
//
// Invariant: DerivedBid <= Mid <= DerivedAsk. Timestamp is monotone per
// symbol (a later-accepted tick never carries an earlier timestamp).
type PriceTick struct {
	Symbol       string
	UpstreamBid  Money
	UpstreamAsk  Money
	Mid          Money
	SpreadBps    float64
	DerivedBid   Money
	DerivedAsk   Money
	Timestamp    time.Time
}

// Side is a position or order direction.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the closing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// ExecutionPrice returns the price a MARKET order on this side would fill
// at: the derived ask for a LONG (buying), the derived bid for a SHORT
// (selling).
func (t PriceTick) ExecutionPrice(side Side) Money {
	if side == SideLong {
		return t.DerivedAsk
	}
	return t.DerivedBid
}
