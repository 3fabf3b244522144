package account

import (
	"time"

	"github.com/alejandrodnm/perpengine/internal/domain"
)

// ApplyOrderFill debits margin and the entry fee from available margin and
// moves it into margin used. Callers run this inside WithAccountLock after
// confirming affordability; it performs no validation of its own.
func ApplyOrderFill(a *domain.Account, margin, entryFee domain.Money) {
	cost := margin.Add(entryFee)
	a.AvailableMargin = a.AvailableMargin.Sub(cost)
	a.MarginUsed = a.MarginUsed.Add(margin)
	a.CurrentBalance = a.CurrentBalance.Sub(entryFee)
	a.TotalTrades++
	a.LastTradeAt = time.Now()
}

// ApplyClose releases margin and realizes net P&L for a full or partial
// close. fullClose indicates whether to bump the win/loss counters (only
// done on a full close).
//
// Reserved margin was never subtracted from CurrentBalance at fill time —
// only the entry fee was (see ApplyOrderFill) — so releasing it back must
// not add it to CurrentBalance a second time; only the realized P&L does.
// AvailableMargin absorbs both the margin release and the P&L so that
// AvailableMargin + MarginUsed == CurrentBalance holds after the update.
func ApplyClose(a *domain.Account, netPnl, marginReleased domain.Money, fullClose bool) {
	a.CurrentBalance = a.CurrentBalance.Add(netPnl)
	a.AvailableMargin = a.AvailableMargin.Add(netPnl).Add(marginReleased)
	a.MarginUsed = a.MarginUsed.Sub(marginReleased)
	a.DailyPnl = a.DailyPnl.Add(netPnl)
	if a.CurrentBalance.GreaterThan(a.PeakBalance) {
		a.PeakBalance = a.CurrentBalance
	}
	if fullClose {
		if netPnl.IsPositive() {
			a.WinningTrades++
		} else if netPnl.IsNegative() {
			a.LosingTrades++
		}
	}
	a.LastTradeAt = time.Now()
}

// ApplyFunding adjusts balance and daily P&L for a funding payment. payment
// is signed from the position's perspective: positive means the position
// pays, negative means it receives.
func ApplyFunding(a *domain.Account, payment domain.Money) {
	a.CurrentBalance = a.CurrentBalance.Sub(payment)
	a.DailyPnl = a.DailyPnl.Sub(payment)
	if a.CurrentBalance.GreaterThan(a.PeakBalance) {
		a.PeakBalance = a.CurrentBalance
	}
}

// ResetDaily clears the daily counters and advances the reset boundary to
// the next UTC midnight. incrementTradingDays is set by the caller based on
// whether the account had any trade activity since the prior reset.
func ResetDaily(a *domain.Account, now time.Time, incrementTradingDays bool) {
	if incrementTradingDays {
		a.TradingDays++
	}
	a.DailyStartingBalance = a.CurrentBalance
	a.DailyPnl = domain.Zero
	a.DailyResetAt = nextUTCMidnight(now)
}

func nextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	midnight := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.AddDate(0, 0, 1)
}

// TransitionBreach moves an account into breached status, setting the
// breach type. Positions must already be closed by the caller before this
// runs — ApplyClose handles the balance side, TransitionBreach just flips
// status.
func TransitionBreach(a *domain.Account, reason domain.BreachType) {
	a.Status = domain.StatusBreached
	a.BreachType = reason
}

// TransitionEvaluation advances EvaluationStep/Status once the plan's
// profit target and minimum trading days are both satisfied. For a
// two-step plan this moves active -> step1_passed on the first pass and
// step1_passed -> passed on the second; for a one-step plan it moves
// directly active -> passed.
func TransitionEvaluation(a *domain.Account) bool {
	profit := a.CurrentBalance.Sub(a.StartingBalance)
	if profit.LessThan(a.Plan.ProfitTarget) || a.TradingDays < a.Plan.MinTradingDays {
		return false
	}
	switch {
	case a.Plan.TwoStep && a.Status == domain.StatusActive:
		a.Status = domain.StatusStep1Passed
		a.EvaluationStep = 1
	case a.Plan.TwoStep && a.Status == domain.StatusStep1Passed:
		a.Status = domain.StatusPassed
		a.EvaluationStep = 2
	case !a.Plan.TwoStep && a.Status == domain.StatusActive:
		a.Status = domain.StatusPassed
		a.EvaluationStep = 1
	default:
		return false
	}
	return true
}
