// Package account implements the account manager: the single authoritative,
// in-memory home for every trading account's balances and status. All
// mutation happens under a per-account lock so two concurrent requests for
// the same account never interleave; dirty accounts are flushed to storage
// on a background interval rather than on every mutation.
package account

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/perpengine/internal/domain"
	"github.com/alejandrodnm/perpengine/internal/ports"
)

// entry pairs an account with its own mutex so that locking one account
// never blocks operations against another.
type entry struct {
	mu      sync.Mutex
	account domain.Account
}

// Manager owns every account in the process. It is constructed once at
// startup, loaded from storage, and handed by reference to every component
// that reads or mutates account state.
type Manager struct {
	store ports.Storage
	log   *slog.Logger

	mu       sync.RWMutex
	accounts map[string]*entry

	flushInterval time.Duration
}

// New constructs an empty manager; call Load to populate it from storage.
func New(store ports.Storage, log *slog.Logger, flushInterval time.Duration) *Manager {
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Manager{
		store:         store,
		log:           log,
		accounts:      make(map[string]*entry),
		flushInterval: flushInterval,
	}
}

// Load populates the manager from storage. Must be called before any other
// method, once, at startup.
func (m *Manager) Load(ctx context.Context) error {
	accts, err := m.store.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range accts {
		m.accounts[a.ID] = &entry{account: a}
	}
	m.log.Info("accounts loaded", "count", len(accts))
	return nil
}

// ErrNotFound is returned when an account id has no entry.
var ErrNotFound = fmt.Errorf("account not found")

// WithAccountLock runs fn while holding the exclusive lock for accountID,
// passing a snapshot it may mutate in place via a pointer. Every mutating
// engine operation (order placement, close, funding, daily reset, breach)
// goes through this seam — it is the one place concurrent access to a
// single account is serialized.
func (m *Manager) WithAccountLock(accountID string, fn func(a *domain.Account) error) error {
	m.mu.RLock()
	e, ok := m.accounts[accountID]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	before := e.account
	if err := fn(&e.account); err != nil {
		e.account = before
		return err
	}
	e.account.Dirty = true
	return nil
}

// Snapshot returns a copy of the account's current state without taking its
// lock for longer than the copy itself — callers must not mutate the
// returned value and expect it reflected back.
func (m *Manager) Snapshot(accountID string) (domain.Account, bool) {
	m.mu.RLock()
	e, ok := m.accounts[accountID]
	m.mu.RUnlock()
	if !ok {
		return domain.Account{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account, true
}

// All returns a copy of every account currently loaded, used by workers
// that scan the whole book (daily reset, funding, risk evaluation).
func (m *Manager) All() []domain.Account {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.accounts))
	for _, e := range m.accounts {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]domain.Account, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.account)
		e.mu.Unlock()
	}
	return out
}

// Insert registers a newly created account (e.g. from a pending_payment ->
// active transition driven by an external collaborator). Idempotent: an
// existing id is left untouched.
func (m *Manager) Insert(a domain.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.ID]; ok {
		return
	}
	m.accounts[a.ID] = &entry{account: a}
}

// RunFlusher runs until ctx is cancelled, persisting every dirty account on
// a fixed interval and once more on shutdown so no mutation is lost longer
// than one interval.
func (m *Manager) RunFlusher(ctx context.Context) {
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.flushAll(context.Background())
			return
		case <-ticker.C:
			m.flushAll(ctx)
		}
	}
}

func (m *Manager) flushAll(ctx context.Context) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.accounts))
	for _, e := range m.accounts {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if !e.account.Dirty {
			e.mu.Unlock()
			continue
		}
		snapshot := e.account
		e.mu.Unlock()

		if err := m.store.SaveAccount(ctx, snapshot); err != nil {
			m.log.Warn("account flush failed, will retry next interval", "account_id", snapshot.ID, "error", err)
			continue
		}

		e.mu.Lock()
		if e.account.Dirty && e.account.CurrentBalance.Equal(snapshot.CurrentBalance) {
			e.account.Dirty = false
		}
		e.mu.Unlock()
	}
}
