package orders

import (
	"context"
	"sync"

	"github.com/alejandrodnm/perpengine/internal/ports"
)

// hashChain tracks, per account, the hash of the last trade event
// persisted, so each new event can chain onto it without a database round
// trip on the hot path after the first touch.
type hashChain struct {
	store ports.Storage

	mu    sync.Mutex
	last  map[string]string
}

func newHashChain(store ports.Storage) *hashChain {
	return &hashChain{store: store, last: make(map[string]string)}
}

// Prev returns the previous event hash for accountID, fetching it from
// storage once and caching it thereafter.
func (h *hashChain) Prev(ctx context.Context, accountID string) (string, error) {
	h.mu.Lock()
	if hash, ok := h.last[accountID]; ok {
		h.mu.Unlock()
		return hash, nil
	}
	h.mu.Unlock()

	hash, err := h.store.LastEventHash(ctx, accountID)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	h.last[accountID] = hash
	h.mu.Unlock()
	return hash, nil
}

// Advance records the hash of the event just persisted as the new chain
// head for accountID.
func (h *hashChain) Advance(accountID, hash string) {
	h.mu.Lock()
	h.last[accountID] = hash
	h.mu.Unlock()
}
