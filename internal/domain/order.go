package domain

import "time"

// OrderType is MARKET or LIMIT.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// PlaceOrderRequest is the input to the order executor's place-order
// pipeline.
type PlaceOrderRequest struct {
	AccountID     string
	Symbol        string
	Side          Side
	Quantity      Money
	OrderType     OrderType
	LimitPrice    *Money
	Leverage      int
	TakeProfit    *Money
	StopLoss      *Money
	ClientOrderID string
	Timestamp     time.Time
	ExpiresAt     *time.Time
}

// CloseRequest is the input to the close executor.
type CloseRequest struct {
	PositionID        string
	Reason            CloseReason
	ExplicitExitPrice *Money
	CloseQty          *Money
}

// Reason is a machine-readable rejection/result code. No stack traces or
// internal identifiers ever accompany it across a component boundary.
type Reason string

const (
	ReasonOK                 Reason = "OK"
	ReasonRateLimited        Reason = "RATE_LIMITED"
	ReasonTimestampInvalid   Reason = "TIMESTAMP_INVALID"
	ReasonAccountNotActive   Reason = "ACCOUNT_NOT_ACTIVE"
	ReasonNoPrice            Reason = "NO_PRICE"
	ReasonStalePrice         Reason = "STALE_PRICE"
	ReasonCircuitOpen        Reason = "CIRCUIT_OPEN"
	ReasonInsufficientMargin Reason = "INSUFFICIENT_MARGIN"
	ReasonInvalidLeverage    Reason = "INVALID_LEVERAGE"
	ReasonPersistFailed      Reason = "PERSIST_FAILED"
	ReasonInternal           Reason = "INTERNAL"
	ReasonAccepted           Reason = "ACCEPTED"
	ReasonNotFound           Reason = "NOT_FOUND"
	ReasonInvalidQuantity    Reason = "INVALID_QUANTITY"
	ReasonExpired            Reason = "EXPIRED"
)

// OrderResult is the outcome of a place-order call.
type OrderResult struct {
	Reason     Reason
	Position   *Position
	PendingID  string
	Err        error
}

// Accepted reports whether the order resulted in a fill or a resting
// pending order (as opposed to a rejection).
func (r OrderResult) Accepted() bool {
	return r.Reason == ReasonOK || r.Reason == ReasonAccepted
}

// CloseResult is the outcome of a close-position call.
type CloseResult struct {
	Reason    Reason
	Trade     *Trade
	Remainder *Position // non-nil on partial close
	Err       error
}
