package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// EventType enumerates the append-only audit event catalogue.
type EventType string

const (
	EventOrderPlaced        EventType = "ORDER_PLACED"
	EventOrderFilled        EventType = "ORDER_FILLED"
	EventPositionOpened     EventType = "POSITION_OPENED"
	EventPositionClosed     EventType = "POSITION_CLOSED"
	EventTPSet              EventType = "TP_SET"
	EventTPModified         EventType = "TP_MODIFIED"
	EventTPTriggered        EventType = "TP_TRIGGERED"
	EventSLSet              EventType = "SL_SET"
	EventSLModified         EventType = "SL_MODIFIED"
	EventSLTriggered        EventType = "SL_TRIGGERED"
	EventLiquidationWarning EventType = "LIQUIDATION_WARNING"
	EventLiquidationTriggered EventType = "LIQUIDATION_TRIGGERED"
	EventDailyReset         EventType = "DAILY_RESET"
	EventFundingApplied     EventType = "FUNDING_APPLIED"
	EventAdminBreach        EventType = "ADMIN_BREACH"
)

// TradeEvent is an append-only audit row. EventHash is a SHA-256 over the
// canonical JSON of the hashed fields below, chained to the previous
// event's hash for the same account so a downstream auditor can detect a
// truncated chain.
type TradeEvent struct {
	ID         string
	AccountID  string
	PositionID string
	TradeID    string
	Type       EventType
	Details    json.RawMessage
	PrevHash   string
	EventHash  string
	CreatedAt  time.Time
}

type hashedFields struct {
	AccountID  string          `json:"account_id"`
	PositionID string          `json:"position_id"`
	TradeID    string          `json:"trade_id"`
	Type       EventType       `json:"type"`
	Details    json.RawMessage `json:"details"`
	PrevHash   string          `json:"prev_hash"`
	CreatedAt  int64           `json:"created_at"`
}

// ComputeHash derives EventHash from the canonical JSON of the fixed field
// set, chained onto prevHash.
func (e *TradeEvent) ComputeHash(prevHash string) error {
	e.PrevHash = prevHash
	canonical, err := json.Marshal(hashedFields{
		AccountID:  e.AccountID,
		PositionID: e.PositionID,
		TradeID:    e.TradeID,
		Type:       e.Type,
		Details:    e.Details,
		PrevHash:   e.PrevHash,
		CreatedAt:  e.CreatedAt.UnixNano(),
	})
	if err != nil {
		return err
	}
	sum := sha256.Sum256(canonical)
	e.EventHash = hex.EncodeToString(sum[:])
	return nil
}
