package account

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/perpengine/internal/domain"
)

// fakeStorage is a minimal in-memory ports.Storage used only to exercise
// the account manager's load/flush paths.
type fakeStorage struct {
	mu       sync.Mutex
	accounts map[string]domain.Account
	saveErr  error
	saves    int
}

func newFakeStorage(accts ...domain.Account) *fakeStorage {
	m := make(map[string]domain.Account)
	for _, a := range accts {
		m[a.ID] = a
	}
	return &fakeStorage{accounts: m}
}

func (s *fakeStorage) ApplySchema(ctx context.Context) error { return nil }

func (s *fakeStorage) LoadAccounts(ctx context.Context) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (s *fakeStorage) SaveAccount(ctx context.Context, a domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.accounts[a.ID] = a
	return nil
}

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
	return nil
}
func (s *fakeStorage) LastEventHash(ctx context.Context, accountID string) (string, error) {
	return "", nil
}
func (s *fakeStorage) SaveDailySnapshot(ctx context.Context, snap domain.DailySnapshot) error {
	return nil
}
func (s *fakeStorage) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoad_PopulatesFromStorage(t *testing.T) {
	store := newFakeStorage(domain.Account{ID: "a1", CurrentBalance: mustDec("100")})
	m := New(store, testLogger(), time.Hour)

	require.NoError(t, m.Load(context.Background()))

	snap, ok := m.Snapshot("a1")
	require.True(t, ok)
	assert.True(t, snap.CurrentBalance.Equal(mustDec("100")))
}

func TestWithAccountLock_MutatesInPlace(t *testing.T) {
	store := newFakeStorage(domain.Account{ID: "a1", CurrentBalance: mustDec("100")})
	m := New(store, testLogger(), time.Hour)
	require.NoError(t, m.Load(context.Background()))

	err := m.WithAccountLock("a1", func(a *domain.Account) error {
		a.CurrentBalance = a.CurrentBalance.Add(mustDec("50"))
		return nil
	})
	require.NoError(t, err)

	snap, _ := m.Snapshot("a1")
	assert.True(t, snap.CurrentBalance.Equal(mustDec("150")))
	assert.True(t, snap.Dirty)
}

func TestWithAccountLock_RollsBackOnError(t *testing.T) {
	store := newFakeStorage(domain.Account{ID: "a1", CurrentBalance: mustDec("100")})
	m := New(store, testLogger(), time.Hour)
	require.NoError(t, m.Load(context.Background()))

	sentinel := errors.New("boom")
	err := m.WithAccountLock("a1", func(a *domain.Account) error {
		a.CurrentBalance = a.CurrentBalance.Add(mustDec("999"))
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	snap, _ := m.Snapshot("a1")
	assert.True(t, snap.CurrentBalance.Equal(mustDec("100")), "a failed mutation must not be observable")
	assert.False(t, snap.Dirty)
}

func TestWithAccountLock_UnknownAccount(t *testing.T) {
	m := New(newFakeStorage(), testLogger(), time.Hour)
	err := m.WithAccountLock("ghost", func(a *domain.Account) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFlushAll_OnlyPersistsDirtyAccounts(t *testing.T) {
	store := newFakeStorage(
		domain.Account{ID: "dirty", CurrentBalance: mustDec("100")},
		domain.Account{ID: "clean", CurrentBalance: mustDec("200")},
	)
	m := New(store, testLogger(), time.Hour)
	require.NoError(t, m.Load(context.Background()))

	require.NoError(t, m.WithAccountLock("dirty", func(a *domain.Account) error {
		a.CurrentBalance = a.CurrentBalance.Add(mustDec("1"))
		return nil
	}))

	m.flushAll(context.Background())

	assert.Equal(t, 1, store.saves)

	snap, _ := m.Snapshot("dirty")
	assert.False(t, snap.Dirty, "a successfully flushed account must clear its dirty flag")
}

func TestInsert_IsIdempotent(t *testing.T) {
	m := New(newFakeStorage(), testLogger(), time.Hour)
	m.Insert(domain.Account{ID: "a1", CurrentBalance: mustDec("100")})
	m.Insert(domain.Account{ID: "a1", CurrentBalance: mustDec("999")})

	snap, ok := m.Snapshot("a1")
	require.True(t, ok)
	assert.True(t, snap.CurrentBalance.Equal(mustDec("100")), "insert must not overwrite an existing account")
}
