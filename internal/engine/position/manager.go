// Package position implements the position manager: the indexed,
// in-memory home for every open position, kept current as prices move and
// consulted by the trigger engine, the close executor, and the risk
// checker.
package position

import (
	"sync"

	"github.com/alejandrodnm/perpengine/internal/domain"
)

// Manager indexes positions by id, by account, and by symbol. Entries are
// plain values copied in and out — there are no cross-position pointers,
// so the manager can be read and mutated from multiple goroutines behind
// a single mutex without any entity needing to know about locking.
type Manager struct {
	mu sync.RWMutex

	byID      map[string]domain.Position
	byAccount map[string]map[string]struct{} // accountID -> set of position IDs
	bySymbol  map[string]map[string]struct{} // symbol -> set of position IDs
}

// New constructs an empty position manager; call Load to populate it from
// storage at startup.
func New() *Manager {
	return &Manager{
		byID:      make(map[string]domain.Position),
		byAccount: make(map[string]map[string]struct{}),
		bySymbol:  make(map[string]map[string]struct{}),
	}
}

// Load seeds the manager from a full set of open positions read from
// storage at startup.
func (m *Manager) Load(positions []domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range positions {
		m.insertLocked(p)
	}
}

// Add registers a newly opened position.
func (m *Manager) Add(p domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(p)
}

func (m *Manager) insertLocked(p domain.Position) {
	m.byID[p.ID] = p
	if m.byAccount[p.AccountID] == nil {
		m.byAccount[p.AccountID] = make(map[string]struct{})
	}
	m.byAccount[p.AccountID][p.ID] = struct{}{}
	if m.bySymbol[p.Symbol] == nil {
		m.bySymbol[p.Symbol] = make(map[string]struct{})
	}
	m.bySymbol[p.Symbol][p.ID] = struct{}{}
}

// Remove deletes a position (full close or liquidation). A miss is a no-op
// so close is idempotent on an already-gone position.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	delete(m.byAccount[p.AccountID], id)
	if len(m.byAccount[p.AccountID]) == 0 {
		delete(m.byAccount, p.AccountID)
	}
	delete(m.bySymbol[p.Symbol], id)
	if len(m.bySymbol[p.Symbol]) == 0 {
		delete(m.bySymbol, p.Symbol)
	}
}

// Update replaces the stored copy of a position (used after a partial
// close reduces its quantity).
func (m *Manager) Update(p domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[p.ID]; !ok {
		return
	}
	m.byID[p.ID] = p
}

// Get returns a copy of one position by id.
func (m *Manager) Get(id string) (domain.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	return p, ok
}

// ByAccount returns copies of every open position for an account.
func (m *Manager) ByAccount(accountID string) []domain.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byAccount[accountID]
	out := make([]domain.Position, 0, len(ids))
	for id := range ids {
		out = append(out, m.byID[id])
	}
	return out
}

// BySymbol returns copies of every open position for a symbol, used by the
// price-update fan-out to recompute unrealized P&L in bulk.
func (m *Manager) BySymbol(symbol string) []domain.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.bySymbol[symbol]
	out := make([]domain.Position, 0, len(ids))
	for id := range ids {
		out = append(out, m.byID[id])
	}
	return out
}

// UpdatePriceForSymbol recomputes CurrentPrice/UnrealizedPnl for every open
// position on symbol against tick, storing the updated copies back.
func (m *Manager) UpdatePriceForSymbol(tick domain.PriceTick) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.bySymbol[tick.Symbol] {
		p := m.byID[id]
		p.RecomputeUnrealized(tick)
		m.byID[id] = p
	}
}

// All returns a copy of every open position, used by workers that scan the
// whole book (funding, risk evaluation snapshots).
func (m *Manager) All() []domain.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Position, 0, len(m.byID))
	for _, p := range m.byID {
		out = append(out, p)
	}
	return out
}

// Count returns the number of currently open positions, used for metrics
// and CLI status display.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
