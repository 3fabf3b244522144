package ports

import (
	"context"

	"github.com/alejandrodnm/perpengine/internal/domain"
)

// Storage persists the system of record: accounts, positions, pending
// orders, orders, trades, trade events and daily snapshots.
type Storage interface {
	// ApplySchema creates all tables if they don't exist.
	ApplySchema(ctx context.Context) error

	LoadAccounts(ctx context.Context) ([]domain.Account, error)
	SaveAccount(ctx context.Context, a domain.Account) error

	LoadOpenPositions(ctx context.Context) ([]domain.Position, error)
	LoadPendingOrders(ctx context.Context) ([]domain.PendingLimitOrder, error)

	// FillOrder persists, in one transaction: the position row, the order
	// row (status=filled), and a POSITION_OPENED trade event. A
	// clientOrderID already seen is a no-op that returns nil (idempotent
	// replay) instead of filling twice.
	FillOrder(ctx context.Context, pos domain.Position, clientOrderID string, event domain.TradeEvent) error

	SavePendingOrder(ctx context.Context, o domain.PendingLimitOrder) error
	DeletePendingOrder(ctx context.Context, id string) error

	// ClosePosition persists, in one transaction: the Trade row, a
	// POSITION_CLOSED trade event, and either the position's deletion
	// (full close) or its pro-rata update (partial close).
	ClosePosition(ctx context.Context, trade domain.Trade, remainder *domain.Position, event domain.TradeEvent) error

	AppendTradeEvent(ctx context.Context, event domain.TradeEvent) error
	LastEventHash(ctx context.Context, accountID string) (string, error)

	SaveDailySnapshot(ctx context.Context, s domain.DailySnapshot) error

	Close() error
}
