package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/perpengine/internal/domain"
	"github.com/alejandrodnm/perpengine/internal/engine/account"
	"github.com/alejandrodnm/perpengine/internal/ports"
)

// DailyReset sweeps every account once a minute and resets the ones that
// have crossed their dailyResetAt boundary: snapshot, zero the daily
// counters, bump tradingDays if the account traded since the previous
// reset, advance the boundary to the next UTC midnight.
type DailyReset struct {
	accounts *account.Manager
	store    ports.Storage
	log      *slog.Logger
	now      func() time.Time
	newID    func() string

	mu            sync.Mutex
	tradesAtReset map[string]int
}

// NewDailyReset constructs the daily reset worker.
func NewDailyReset(accounts *account.Manager, store ports.Storage, log *slog.Logger) *DailyReset {
	return &DailyReset{
		accounts:      accounts,
		store:         store,
		log:           log,
		now:           time.Now,
		newID:         uuid.NewString,
		tradesAtReset: make(map[string]int),
	}
}

// Run sweeps immediately, then on a one-minute tick, until ctx is
// cancelled.
func (w *DailyReset) Run(ctx context.Context) {
	w.sweep(ctx)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *DailyReset) sweep(ctx context.Context) {
	now := w.now()
	for _, a := range w.accounts.All() {
		if a.DailyResetAt.IsZero() || a.DailyResetAt.After(now) {
			continue
		}
		w.resetAccount(ctx, a, now)
	}
}

// resetAccount snapshots the closing day before zeroing its counters.
// Activity is tracked two ways: comparing TotalTrades against the count
// observed at the account's previous reset (a trade placed and then
// closed within the same day still counts once, since TotalTrades only
// increments on fill) and a nonzero DailyPnl, which catches a day with
// only closes of positions opened on a prior day — those never bump
// TotalTrades but still move the balance.
func (w *DailyReset) resetAccount(ctx context.Context, a domain.Account, now time.Time) {
	w.mu.Lock()
	prevTrades, seen := w.tradesAtReset[a.ID]
	w.mu.Unlock()
	activity := !seen || a.TotalTrades != prevTrades || !a.DailyPnl.IsZero()

	snap := domain.DailySnapshot{
		ID:              w.newID(),
		AccountID:       a.ID,
		Date:            a.DailyResetAt,
		StartingBalance: a.DailyStartingBalance,
		EndingBalance:   a.CurrentBalance,
		PeakBalance:     a.PeakBalance,
		DailyPnl:        a.DailyPnl,
		Drawdown:        a.Drawdown(),
		TotalTrades:     a.TotalTrades,
		WinningTrades:   a.WinningTrades,
		LosingTrades:    a.LosingTrades,
	}

	err := w.accounts.WithAccountLock(a.ID, func(acct *domain.Account) error {
		account.ResetDaily(acct, now, activity)
		return nil
	})
	if err != nil {
		w.log.Error("daily reset failed", "account_id", a.ID, "error", err)
		return
	}

	w.mu.Lock()
	w.tradesAtReset[a.ID] = a.TotalTrades
	w.mu.Unlock()

	if err := w.store.SaveDailySnapshot(ctx, snap); err != nil {
		w.log.Error("daily snapshot persist failed", "account_id", a.ID, "error", err)
	}

	event := domain.TradeEvent{
		ID:        w.newID(),
		AccountID: a.ID,
		Type:      domain.EventDailyReset,
		Details:   mustJSON(snap),
		CreatedAt: now,
	}
	if err := w.store.AppendTradeEvent(ctx, event); err != nil {
		w.log.Error("daily reset event persist failed", "account_id", a.ID, "error", err)
	}
}
