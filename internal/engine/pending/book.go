// Package pending implements the pending-order book: resting limit orders
// indexed by symbol, swept on every tick for a price cross and on a
// periodic interval for expiry.
package pending

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/perpengine/internal/domain"
)

// FillFunc completes a crossed limit order — constructing the position,
// persisting the fill, and registering it downstream. It mirrors the tail
// half of the order executor's place pipeline (steps 10-14), skipping the
// validation/pricing steps a resting limit order already passed at
// acceptance.
type FillFunc func(ctx context.Context, order domain.PendingLimitOrder, fillPrice domain.Money) domain.OrderResult

// ExpireFunc releases an order's reserved margin back to the account when
// it expires unfilled.
type ExpireFunc func(ctx context.Context, order domain.PendingLimitOrder)

// Book holds every resting limit order, indexed by symbol for the tick
// sweep and by account for cancellation/listing.
type Book struct {
	fill   FillFunc
	expire ExpireFunc
	log    *slog.Logger

	mu        sync.Mutex
	bySymbol  map[string]map[string]domain.PendingLimitOrder // symbol -> orderID -> order
	byAccount map[string]map[string]struct{}                 // accountID -> set of orderIDs
}

// New constructs an empty pending-order book.
func New(fill FillFunc, expire ExpireFunc, log *slog.Logger) *Book {
	return &Book{
		fill:      fill,
		expire:    expire,
		log:       log,
		bySymbol:  make(map[string]map[string]domain.PendingLimitOrder),
		byAccount: make(map[string]map[string]struct{}),
	}
}

// Load seeds the book from storage at startup.
func (b *Book) Load(orders []domain.PendingLimitOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range orders {
		b.insertLocked(o)
	}
}

// Add enqueues a newly accepted limit order.
func (b *Book) Add(o domain.PendingLimitOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.insertLocked(o)
}

func (b *Book) insertLocked(o domain.PendingLimitOrder) {
	if b.bySymbol[o.Symbol] == nil {
		b.bySymbol[o.Symbol] = make(map[string]domain.PendingLimitOrder)
	}
	b.bySymbol[o.Symbol][o.ID] = o
	if b.byAccount[o.AccountID] == nil {
		b.byAccount[o.AccountID] = make(map[string]struct{})
	}
	b.byAccount[o.AccountID][o.ID] = struct{}{}
}

func (b *Book) removeLocked(o domain.PendingLimitOrder) {
	delete(b.bySymbol[o.Symbol], o.ID)
	if len(b.bySymbol[o.Symbol]) == 0 {
		delete(b.bySymbol, o.Symbol)
	}
	delete(b.byAccount[o.AccountID], o.ID)
	if len(b.byAccount[o.AccountID]) == 0 {
		delete(b.byAccount, o.AccountID)
	}
}

// Cancel removes a resting order, returning it so the caller can release
// its reserved margin. The second return is false if no such order rests.
func (b *Book) Cancel(symbol, id string) (domain.PendingLimitOrder, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.bySymbol[symbol][id]
	if !ok {
		return domain.PendingLimitOrder{}, false
	}
	b.removeLocked(o)
	return o, true
}

// ByAccount returns every resting order for an account.
func (b *Book) ByAccount(accountID string) []domain.PendingLimitOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := b.byAccount[accountID]
	out := make([]domain.PendingLimitOrder, 0, len(ids))
	for id := range ids {
		for _, bySym := range b.bySymbol {
			if o, ok := bySym[id]; ok {
				out = append(out, o)
				break
			}
		}
	}
	return out
}

// OnPriceTick sweeps resting orders for tick.Symbol, filling every one
// whose limit price has crossed. It implements price.Subscriber.
func (b *Book) OnPriceTick(tick domain.PriceTick) {
	b.mu.Lock()
	symOrders := b.bySymbol[tick.Symbol]
	var crossed []domain.PendingLimitOrder
	for _, o := range symOrders {
		if o.Crosses(tick) {
			crossed = append(crossed, o)
		}
	}
	b.mu.Unlock()

	for _, o := range crossed {
		fillPrice := tick.ExecutionPrice(o.Side)
		result := b.fill(context.Background(), o, fillPrice)
		if result.Reason == domain.ReasonPersistFailed {
			// leave it resting; the order was never removed from the book,
			// so the next crossing tick will retry the fill.
			continue
		}
		b.mu.Lock()
		b.removeLocked(o)
		b.mu.Unlock()
	}
}

// SweepExpired removes every order past its expiry and releases its
// reserved margin via expire. Intended to run on a periodic worker tick
// alongside the daily reset / funding workers.
func (b *Book) SweepExpired(ctx context.Context, now time.Time) {
	b.mu.Lock()
	var expired []domain.PendingLimitOrder
	for _, orders := range b.bySymbol {
		for _, o := range orders {
			if o.Expired(now) {
				expired = append(expired, o)
			}
		}
	}
	for _, o := range expired {
		b.removeLocked(o)
	}
	b.mu.Unlock()

	for _, o := range expired {
		b.log.Info("pending order expired", "order_id", o.ID, "account_id", o.AccountID, "symbol", o.Symbol)
		b.expire(ctx, o)
	}
}

// Count returns the number of resting orders.
func (b *Book) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, orders := range b.bySymbol {
		n += len(orders)
	}
	return n
}
