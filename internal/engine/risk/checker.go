// Package risk implements the risk and evaluation checker: the periodic
// sweep that breaches accounts which blew through their daily-loss or
// max-drawdown limit, and advances accounts that have met their
// evaluation plan's profit target and minimum trading days.
package risk

import (
	"context"
	"log/slog"

	"github.com/alejandrodnm/perpengine/internal/domain"
	"github.com/alejandrodnm/perpengine/internal/engine/account"
	"github.com/alejandrodnm/perpengine/internal/engine/orders"
	"github.com/alejandrodnm/perpengine/internal/engine/position"
	"github.com/alejandrodnm/perpengine/internal/ports"
)

// Checker evaluates every account on each pass against its plan's risk
// limits and evaluation criteria.
type Checker struct {
	accounts  *account.Manager
	positions *position.Manager
	executor  *orders.Executor
	broadcast ports.Broadcaster
	log       *slog.Logger
}

// New constructs a risk/evaluation checker.
func New(accounts *account.Manager, positions *position.Manager, executor *orders.Executor, broadcast ports.Broadcaster, log *slog.Logger) *Checker {
	return &Checker{accounts: accounts, positions: positions, executor: executor, broadcast: broadcast, log: log}
}

// RunOnce evaluates every loaded account once. It is safe to call on a
// fixed interval from a worker loop.
func (c *Checker) RunOnce(ctx context.Context) {
	for _, a := range c.accounts.All() {
		if a.Status != domain.StatusActive && a.Status != domain.StatusStep1Passed {
			continue
		}
		c.checkAccount(ctx, a)
	}
}

func (c *Checker) checkAccount(ctx context.Context, a domain.Account) {
	if breach := c.breachReason(a); breach != domain.BreachNone {
		c.breach(ctx, a.ID, breach)
		return
	}

	advanced := false
	err := c.accounts.WithAccountLock(a.ID, func(acct *domain.Account) error {
		advanced = account.TransitionEvaluation(acct)
		return nil
	})
	if err != nil {
		c.log.Error("evaluation transition failed", "account_id", a.ID, "error", err)
		return
	}
	if advanced {
		snap, _ := c.accounts.Snapshot(a.ID)
		c.log.Info("account advanced evaluation stage", "account_id", a.ID, "status", snap.Status)
		c.broadcast.ToAccount(a.ID, ports.OutboundMessage{Type: ports.OutAccountUpdated, Payload: snap})
	}
}

// breachReason evaluates the two breach conditions against a read-only
// snapshot; the account lock is only taken once a breach is confirmed, to
// keep the common (no-breach) path lock-free against other accounts.
func (c *Checker) breachReason(a domain.Account) domain.BreachType {
	if a.Plan.DailyLossLimit.IsPositive() && a.DailyPnl.LessThanOrEqual(a.Plan.DailyLossLimit.Neg()) {
		return domain.BreachDailyLoss
	}
	if a.Plan.MaxDrawdownLimit.IsPositive() && a.Drawdown().GreaterThanOrEqual(a.Plan.MaxDrawdownLimit) {
		return domain.BreachMaxDrawdown
	}
	return domain.BreachNone
}

// breach closes every open position for the account with reason BREACH and
// flips its status, under the account's lock for the status transition.
func (c *Checker) breach(ctx context.Context, accountID string, reason domain.BreachType) {
	for _, p := range c.positions.ByAccount(accountID) {
		result := c.executor.Close(ctx, domain.CloseRequest{PositionID: p.ID, Reason: domain.CloseBreach})
		if result.Reason != domain.ReasonOK && result.Reason != domain.ReasonNotFound {
			c.log.Error("breach close failed, account remains at risk until retried", "account_id", accountID, "position_id", p.ID, "reason", result.Reason)
			return
		}
	}

	err := c.accounts.WithAccountLock(accountID, func(a *domain.Account) error {
		account.TransitionBreach(a, reason)
		return nil
	})
	if err != nil {
		c.log.Error("breach status transition failed", "account_id", accountID, "error", err)
		return
	}

	c.log.Warn("account breached", "account_id", accountID, "reason", reason)
	snap, _ := c.accounts.Snapshot(accountID)
	c.broadcast.ToAccount(accountID, ports.OutboundMessage{Type: ports.OutAccountUpdated, Payload: snap})
}
