package domain

// TriggerType distinguishes the three trigger kinds held in the trigger
// engine's sorted sequences.
type TriggerType string

const (
	TriggerTakeProfit  TriggerType = "TP"
	TriggerStopLoss    TriggerType = "SL"
	TriggerLiquidation TriggerType = "LIQ"
)

// TriggerEntry is one row in a trigger engine sorted sequence.
type TriggerEntry struct {
	PositionID string
	AccountID  string
	Symbol     string
	Side       Side
	Type       TriggerType
	Price      Money
	// EntryPrice is the position's entry price at registration time, used
	// only by the LIQ entry to size the liquidation-warning buffer — it is
	// the position's entry price, not this entry's own trigger price.
	EntryPrice Money
}

// Fires reports whether mid crosses this entry's trigger condition, given
// the sequence it belongs to:
//   - LONG_TP (ascending):  fires when mid >= Price
//   - LONG_SL (descending): fires when mid <= Price  (LIQ shares this seq)
//   - SHORT_TP (descending):fires when mid <= Price
//   - SHORT_SL (ascending): fires when mid >= Price  (LIQ shares this seq)
func (e TriggerEntry) Fires(mid Money) bool {
	switch {
	case e.Side == SideLong && e.Type == TriggerTakeProfit:
		return mid.GreaterThanOrEqual(e.Price)
	case e.Side == SideLong: // SL or LIQ
		return mid.LessThanOrEqual(e.Price)
	case e.Side == SideShort && e.Type == TriggerTakeProfit:
		return mid.LessThanOrEqual(e.Price)
	default: // SHORT, SL or LIQ
		return mid.GreaterThanOrEqual(e.Price)
	}
}

// CloseReason maps a trigger type to the close reason it produces.
func (t TriggerType) CloseReason() CloseReason {
	switch t {
	case TriggerTakeProfit:
		return CloseTakeProfit
	case TriggerStopLoss:
		return CloseStopLoss
	default:
		return CloseLiquidation
	}
}
