package workers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/perpengine/internal/domain"
	"github.com/alejandrodnm/perpengine/internal/engine/account"
	"github.com/alejandrodnm/perpengine/internal/engine/orders"
	"github.com/alejandrodnm/perpengine/internal/engine/position"
	"github.com/alejandrodnm/perpengine/internal/engine/price"
	"github.com/alejandrodnm/perpengine/internal/ratelimit"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeStorage struct {
	mu        sync.Mutex
	snapshots []domain.DailySnapshot
	events    []domain.TradeEvent
}

func (s *fakeStorage) ApplySchema(ctx context.Context) error                      { return nil }
func (s *fakeStorage) LoadAccounts(ctx context.Context) ([]domain.Account, error) { return nil, nil }
func (s *fakeStorage) SaveAccount(ctx context.Context, a domain.Account) error    { return nil }
func (s *fakeStorage) LoadOpenPositions(ctx context.Context) ([]domain.Position, error) {
	return nil, nil
}
func (s *fakeStorage) LoadPendingOrders(ctx context.Context) ([]domain.PendingLimitOrder, error) {
	return nil, nil
}
func (s *fakeStorage) FillOrder(ctx context.Context, pos domain.Position, clientOrderID string, event domain.TradeEvent) error {
	return nil
}
func (s *fakeStorage) SavePendingOrder(ctx context.Context, o domain.PendingLimitOrder) error {
	return nil
}
func (s *fakeStorage) DeletePendingOrder(ctx context.Context, id string) error { return nil }
func (s *fakeStorage) ClosePosition(ctx context.Context, trade domain.Trade, remainder *domain.Position, event domain.TradeEvent) error {
	return nil
}
func (s *fakeStorage) AppendTradeEvent(ctx context.Context, event domain.TradeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}
func (s *fakeStorage) LastEventHash(ctx context.Context, accountID string) (string, error) {
	return "", nil
}
func (s *fakeStorage) SaveDailySnapshot(ctx context.Context, snap domain.DailySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return nil
}
func (s *fakeStorage) Close() error { return nil }

func (s *fakeStorage) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fakeCache struct {
	mu   sync.Mutex
	sets map[string]string
}

func newFakeCache() *fakeCache { return &fakeCache{sets: make(map[string]string)} }

func (c *fakeCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 1, nil
}
func (c *fakeCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.sets[key]
	return v, ok, nil
}
func (c *fakeCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets[key] = value
	return nil
}
func (c *fakeCache) SortedSetAdd(ctx context.Context, set, member string, score float64) error {
	return nil
}
func (c *fakeCache) SortedSetRange(ctx context.Context, set string, min, max float64) ([]string, error) {
	return nil, nil
}
func (c *fakeCache) Publish(ctx context.Context, channel, payload string) error { return nil }
func (c *fakeCache) Healthy() bool                                             { return true }

func baseAccount() domain.Account {
	return domain.Account{
		ID:                   "acct-1",
		StartingBalance:      dec("10000"),
		CurrentBalance:       dec("10000"),
		PeakBalance:          dec("10000"),
		AvailableMargin:      dec("10000"),
		DailyStartingBalance: dec("10000"),
		Status:               domain.StatusActive,
		Plan: domain.PlanParams{
			DailyLossLimit:   dec("500"),
			MaxDrawdownLimit: dec("2000"),
			ProfitTarget:     dec("1000"),
			MinTradingDays:   5,
		},
	}
}

func TestDailyReset_ResetsAccountsPastBoundary(t *testing.T) {
	store := &fakeStorage{}
	accounts := account.New(store, testLogger(), time.Hour)
	acct := baseAccount()
	acct.DailyPnl = dec("-120")
	acct.TotalTrades = 3
	acct.DailyResetAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	accounts.Insert(acct)

	w := NewDailyReset(accounts, store, testLogger())
	fixedNow := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)
	w.now = func() time.Time { return fixedNow }

	w.sweep(context.Background())

	snap, ok := accounts.Snapshot("acct-1")
	require.True(t, ok)
	assert.True(t, snap.DailyPnl.IsZero())
	assert.Equal(t, 1, snap.TradingDays, "first sweep has no prior trade count to compare against, so activity defaults to true")
	assert.True(t, snap.DailyResetAt.After(fixedNow))

	require.Len(t, store.snapshots, 1)
	assert.True(t, store.snapshots[0].DailyPnl.Equal(dec("-120")))
	assert.Equal(t, 1, store.eventCount())
}

func TestDailyReset_NoActivitySinceLastResetDoesNotIncrementTradingDays(t *testing.T) {
	store := &fakeStorage{}
	accounts := account.New(store, testLogger(), time.Hour)
	acct := baseAccount()
	acct.TotalTrades = 2
	acct.DailyResetAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	accounts.Insert(acct)

	w := NewDailyReset(accounts, store, testLogger())
	day1 := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	w.now = func() time.Time { return day1 }
	w.sweep(context.Background())

	snap, _ := accounts.Snapshot("acct-1")
	assert.Equal(t, 1, snap.TradingDays)

	err := accounts.WithAccountLock("acct-1", func(a *domain.Account) error {
		a.DailyResetAt = time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
		return nil
	})
	require.NoError(t, err)

	day2 := time.Date(2026, 1, 2, 0, 1, 0, 0, time.UTC)
	w.now = func() time.Time { return day2 }
	w.sweep(context.Background())

	snap, _ = accounts.Snapshot("acct-1")
	assert.Equal(t, 1, snap.TradingDays, "no trades happened between the two resets, so tradingDays must not advance again")
}

func TestDailyReset_ClosesOnlyDayStillIncrementsTradingDaysOnNonzeroPnl(t *testing.T) {
	store := &fakeStorage{}
	accounts := account.New(store, testLogger(), time.Hour)
	acct := baseAccount()
	acct.TotalTrades = 2
	acct.DailyResetAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	accounts.Insert(acct)

	w := NewDailyReset(accounts, store, testLogger())
	day1 := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	w.now = func() time.Time { return day1 }
	w.sweep(context.Background())

	snap, _ := accounts.Snapshot("acct-1")
	assert.Equal(t, 1, snap.TradingDays)

	// Day 2: only a close of a position opened on day 1 happens. TotalTrades
	// (fills) is unchanged, but the close's netPnl moved DailyPnl off zero.
	err := accounts.WithAccountLock("acct-1", func(a *domain.Account) error {
		a.DailyResetAt = time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
		a.DailyPnl = dec("45")
		return nil
	})
	require.NoError(t, err)

	day2 := time.Date(2026, 1, 2, 0, 1, 0, 0, time.UTC)
	w.now = func() time.Time { return day2 }
	w.sweep(context.Background())

	snap, _ = accounts.Snapshot("acct-1")
	assert.Equal(t, 2, snap.TradingDays, "a close-only day with nonzero DailyPnl must still count as a trading day")
}

func TestDailyReset_SkipsAccountsNotYetAtBoundary(t *testing.T) {
	store := &fakeStorage{}
	accounts := account.New(store, testLogger(), time.Hour)
	acct := baseAccount()
	acct.DailyResetAt = time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	accounts.Insert(acct)

	w := NewDailyReset(accounts, store, testLogger())
	w.now = func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) }
	w.sweep(context.Background())

	assert.Empty(t, store.snapshots)
}

func symbolsWithFunding() *orders.SymbolRegistry {
	return orders.NewSymbolRegistry([]domain.SymbolConfig{
		{Symbol: "BTCUSDT", AssetClass: domain.AssetClassMajor, MaxLeverage: 20, FundingRate: 0.0001},
	})
}

func TestScenarioS5_FundingAppliedAtBoundary(t *testing.T) {
	store := &fakeStorage{}
	accounts := account.New(store, testLogger(), time.Hour)
	accounts.Insert(baseAccount())

	positions := position.New()
	positions.Add(domain.Position{
		ID:         "p1",
		AccountID:  "acct-1",
		Symbol:     "BTCUSDT",
		Side:       domain.SideLong,
		Quantity:   dec("0.1"),
		EntryPrice: dec("65000"),
		Notional:   dec("6500"),
	})

	w := NewFunding(accounts, positions, store, symbolsWithFunding(), testLogger())
	boundary := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return boundary.Add(time.Minute) }

	w.sweep(context.Background())

	snap, _ := accounts.Snapshot("acct-1")
	assert.True(t, snap.CurrentBalance.Equal(dec("9999.35")), "got %s", snap.CurrentBalance)
	assert.True(t, snap.DailyPnl.Equal(dec("-0.65")))

	pos, ok := positions.Get("p1")
	require.True(t, ok)
	assert.True(t, pos.AccumulatedFunding.Equal(dec("0.65")))
	assert.Equal(t, boundary, pos.LastFundingAt)
}

func TestFunding_ShortPositionReceivesPayment(t *testing.T) {
	store := &fakeStorage{}
	accounts := account.New(store, testLogger(), time.Hour)
	accounts.Insert(baseAccount())

	positions := position.New()
	positions.Add(domain.Position{
		ID:        "p1",
		AccountID: "acct-1",
		Symbol:    "BTCUSDT",
		Side:      domain.SideShort,
		Quantity:  dec("0.1"),
		Notional:  dec("6500"),
	})

	w := NewFunding(accounts, positions, store, symbolsWithFunding(), testLogger())
	boundary := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return boundary.Add(2 * time.Minute) }
	w.sweep(context.Background())

	snap, _ := accounts.Snapshot("acct-1")
	assert.True(t, snap.CurrentBalance.Equal(dec("10000.65")))
}

func TestFunding_IsIdempotentOnceBoundaryAlreadyProcessed(t *testing.T) {
	store := &fakeStorage{}
	accounts := account.New(store, testLogger(), time.Hour)
	accounts.Insert(baseAccount())

	positions := position.New()
	boundary := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	positions.Add(domain.Position{
		ID:            "p1",
		AccountID:     "acct-1",
		Symbol:        "BTCUSDT",
		Side:          domain.SideLong,
		Quantity:      dec("0.1"),
		Notional:      dec("6500"),
		LastFundingAt: boundary,
	})

	w := NewFunding(accounts, positions, store, symbolsWithFunding(), testLogger())
	w.now = func() time.Time { return boundary.Add(time.Minute) }
	w.sweep(context.Background())

	snap, _ := accounts.Snapshot("acct-1")
	assert.True(t, snap.CurrentBalance.Equal(dec("10000")), "a position already marked funded at this boundary must not pay twice")
}

func TestFunding_OutsideGraceWindowDoesNothing(t *testing.T) {
	store := &fakeStorage{}
	accounts := account.New(store, testLogger(), time.Hour)
	accounts.Insert(baseAccount())

	positions := position.New()
	positions.Add(domain.Position{ID: "p1", AccountID: "acct-1", Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: dec("0.1"), Notional: dec("6500")})

	w := NewFunding(accounts, positions, store, symbolsWithFunding(), testLogger())
	boundary := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return boundary.Add(20 * time.Minute) }
	w.sweep(context.Background())

	snap, _ := accounts.Snapshot("acct-1")
	assert.True(t, snap.CurrentBalance.Equal(dec("10000")))
}

func TestRetry_SucceedsOnFirstAttempt(t *testing.T) {
	r := NewRetry(testLogger(), 4)
	done := make(chan struct{})
	r.Enqueue(orders.RetryJob{
		Kind: "fill",
		Do: func(ctx context.Context) error {
			close(done)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retry job never ran")
	}
}

func TestRetry_RetriesUntilSuccess(t *testing.T) {
	r := NewRetry(testLogger(), 4)
	var attempts int
	var mu sync.Mutex
	done := make(chan struct{})

	r.Enqueue(orders.RetryJob{
		Kind: "close",
		Do: func(ctx context.Context) error {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 3 {
				return errors.New("transient")
			}
			close(done)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("retry job never succeeded")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestRetry_QueueFullDropsJob(t *testing.T) {
	r := NewRetry(testLogger(), 1)
	block := make(chan struct{})
	r.jobs <- orders.RetryJob{Kind: "fill", Do: func(ctx context.Context) error { <-block; return nil }}

	ran := false
	r.Enqueue(orders.RetryJob{Kind: "fill", Do: func(ctx context.Context) error { ran = true; return nil }})

	assert.False(t, ran)
	close(block)
}

func TestStats_FlushWritesSnapshotToCache(t *testing.T) {
	positions := position.New()
	positions.Add(domain.Position{ID: "p1", AccountID: "a1", Symbol: "BTCUSDT"})

	prices := price.New(price.Config{DefaultSpreadBps: 10, CircuitBreakerThresholdPct: 0.05, CircuitBreakerResetMs: 1000})

	cache := newFakeCache()
	limiter := ratelimit.New(cache, testLogger(), ratelimit.Config{})

	w := NewStats(positions, prices, limiter, cache, []string{"BTCUSDT"}, testLogger())
	w.flush(context.Background())

	v, ok, err := cache.Get(context.Background(), "engine:stats")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, v, `"open_positions":1`)
}
