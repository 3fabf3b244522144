package domain

import "time"

// DailySnapshot is written by the daily reset worker at each account's UTC
// reset boundary.
type DailySnapshot struct {
	ID               string
	AccountID        string
	Date             time.Time
	StartingBalance  Money
	EndingBalance    Money
	PeakBalance      Money
	DailyPnl         Money
	Drawdown         Money
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	Volume           Money
}

// AuditLog is a generic append-only row for actions outside the trade-event
// catalogue (admin actions, rate-limit degradation, etc).
type AuditLog struct {
	ID        string
	ActorID   string
	Action    string
	Details   string
	CreatedAt time.Time
}
