package domain

import "time"

// AccountStatus is the lifecycle state of a trading account.
type AccountStatus string

const (
	StatusPendingPayment AccountStatus = "pending_payment"
	StatusActive         AccountStatus = "active"
	StatusStep1Passed    AccountStatus = "step1_passed"
	StatusPassed         AccountStatus = "passed"
	StatusBreached       AccountStatus = "breached"
	StatusExpired        AccountStatus = "expired"
	StatusSuspended      AccountStatus = "suspended"
)

// BreachType records why an account was breached.
type BreachType string

const (
	BreachNone        BreachType = ""
	BreachDailyLoss   BreachType = "daily_loss"
	BreachMaxDrawdown BreachType = "max_drawdown"
	BreachAdmin       BreachType = "admin"
)

// PlanParams are the evaluation-plan parameters that gate an account's
// trading rules (separate from its live balances).
type PlanParams struct {
	MajorsMaxLeverage   int
	AltcoinMaxLeverage  int
	ProfitSplitPct      float64
	MinTradingDays      int
	ProfitTarget         Money
	DailyLossLimit       Money
	MaxDrawdownLimit     Money
	TwoStep              bool
}

// Account is the authoritative in-memory record for one trading account.
//
// Invariants:
//   - AvailableMargin + MarginUsed == CurrentBalance (post-fee)
//   - PeakBalance >= CurrentBalance at all times
//   - CurrentBalance >= 0 or Status == StatusBreached
type Account struct {
	ID                 string
	UserID             string
	StartingBalance    Money
	CurrentBalance     Money
	PeakBalance        Money
	MarginUsed         Money
	AvailableMargin    Money
	DailyStartingBalance Money
	DailyPnl           Money
	DailyResetAt       time.Time
	Plan               PlanParams
	TradingDays        int
	TotalTrades        int
	WinningTrades      int
	LosingTrades       int
	Status             AccountStatus
	BreachType         BreachType
	EvaluationStep     int
	LastTradeAt        time.Time

	Dirty bool
}

// Equity returns CurrentBalance plus unrealized P&L supplied by the caller
// (the account itself does not track open positions; the position manager
// does).
func (a Account) Equity(unrealizedPnl Money) Money {
	return a.CurrentBalance.Add(unrealizedPnl)
}

// Drawdown returns PeakBalance - CurrentBalance (never negative).
func (a Account) Drawdown() Money {
	d := a.PeakBalance.Sub(a.CurrentBalance)
	if d.IsNegative() {
		return Zero
	}
	return d
}

// MaxLeverageFor returns the plan's leverage ceiling for the given asset
// class.
func (p PlanParams) MaxLeverageFor(class AssetClass) int {
	if class == AssetClassMajor {
		return p.MajorsMaxLeverage
	}
	return p.AltcoinMaxLeverage
}
