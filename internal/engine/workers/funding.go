package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/perpengine/internal/domain"
	"github.com/alejandrodnm/perpengine/internal/engine/account"
	"github.com/alejandrodnm/perpengine/internal/engine/orders"
	"github.com/alejandrodnm/perpengine/internal/engine/position"
	"github.com/alejandrodnm/perpengine/internal/ports"
)

var fundingBoundaryHours = [...]int{0, 8, 16}

const fundingGrace = 5 * time.Minute

// Funding applies the funding rate to every open position at each
// 00:00/08:00/16:00 UTC boundary, idempotent per position via
// lastFundingAt.
type Funding struct {
	accounts  *account.Manager
	positions *position.Manager
	store     ports.Storage
	symbols   *orders.SymbolRegistry
	log       *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewFunding constructs the funding worker.
func NewFunding(accounts *account.Manager, positions *position.Manager, store ports.Storage, symbols *orders.SymbolRegistry, log *slog.Logger) *Funding {
	return &Funding{
		accounts:  accounts,
		positions: positions,
		store:     store,
		symbols:   symbols,
		log:       log,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Run sweeps once a minute until ctx is cancelled.
func (w *Funding) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	w.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// lastFundingBoundary returns the most recent funding boundary at or
// before now.
func lastFundingBoundary(now time.Time) time.Time {
	u := now.UTC()
	best := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1).Add(16 * time.Hour)
	for _, h := range fundingBoundaryHours {
		b := time.Date(u.Year(), u.Month(), u.Day(), h, 0, 0, 0, time.UTC)
		if !b.After(u) && b.After(best) {
			best = b
		}
	}
	return best
}

func (w *Funding) sweep(ctx context.Context) {
	now := w.now()
	boundary := lastFundingBoundary(now)
	if now.Sub(boundary) > fundingGrace {
		return
	}

	costByAccount := make(map[string]domain.Money)
	for _, p := range w.positions.All() {
		if !p.LastFundingAt.Before(boundary) {
			continue
		}
		rate := w.symbols.Get(p.Symbol).FundingRate
		if rate == 0 {
			continue
		}
		payment := p.Notional.Mul(domain.MoneyFromFloat(rate))
		if p.Side == domain.SideShort {
			payment = payment.Neg()
		}

		p.AccumulatedFunding = p.AccumulatedFunding.Add(payment)
		p.LastFundingAt = boundary
		w.positions.Update(p)

		if existing, ok := costByAccount[p.AccountID]; ok {
			costByAccount[p.AccountID] = existing.Add(payment)
		} else {
			costByAccount[p.AccountID] = payment
		}

		event := domain.TradeEvent{
			ID:         w.newID(),
			AccountID:  p.AccountID,
			PositionID: p.ID,
			Type:       domain.EventFundingApplied,
			Details:    mustJSON(p),
			CreatedAt:  now,
		}
		if err := w.store.AppendTradeEvent(ctx, event); err != nil {
			w.log.Error("funding event persist failed", "position_id", p.ID, "error", err)
		}
	}

	for accountID, cost := range costByAccount {
		err := w.accounts.WithAccountLock(accountID, func(a *domain.Account) error {
			account.ApplyFunding(a, cost)
			return nil
		})
		if err != nil {
			w.log.Error("funding settlement failed", "account_id", accountID, "error", err)
		}
	}
}
