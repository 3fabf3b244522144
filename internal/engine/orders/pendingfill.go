package orders

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/perpengine/internal/domain"
	"github.com/alejandrodnm/perpengine/internal/engine/account"
	"github.com/alejandrodnm/perpengine/internal/ports"
)

// FillPending completes a resting limit order that a price tick has
// crossed. It mirrors the tail half of Place's market pipeline, priced at
// fillPrice (the book's crossing price, not the order's own limit price)
// rather than the top-of-book tick passed to Place. Bound as the pending
// book's FillFunc.
func (e *Executor) FillPending(ctx context.Context, order domain.PendingLimitOrder, fillPrice domain.Money) domain.OrderResult {
	var result domain.OrderResult
	lockErr := e.accounts.WithAccountLock(order.AccountID, func(a *domain.Account) error {
		// Release the reserve taken at acceptance time before re-applying the
		// real cost below — the limit price and the actual crossing price
		// are rarely identical.
		a.AvailableMargin = a.AvailableMargin.Add(order.ReservedMargin)
		result = e.fillPendingLocked(ctx, a, order, fillPrice)
		return nil
	})
	if lockErr != nil {
		e.log.Error("pending fill account lock failed", "order_id", order.ID, "account_id", order.AccountID, "error", lockErr)
		return reject(domain.ReasonInternal)
	}
	return result
}

func (e *Executor) fillPendingLocked(ctx context.Context, a *domain.Account, order domain.PendingLimitOrder, fillPrice domain.Money) domain.OrderResult {
	notional := order.Quantity.Mul(fillPrice)
	margin := notional.Div(decimal.NewFromInt(int64(order.Leverage)))
	entryFee := notional.Mul(domain.MoneyFromFloat(e.cfg.EntryFeePct))

	if margin.Add(entryFee).GreaterThan(a.AvailableMargin) {
		// The move between resting and crossing left the account unable to
		// afford the fill at the actual price: cancel rather than fill.
		e.deletePendingOrder(ctx, order.ID)
		e.broadcast.ToAccount(a.ID, ports.OutboundMessage{
			Type:    ports.OutOrderRejected,
			Payload: pendingCancelledPayload{PendingID: order.ID, Reason: domain.ReasonInsufficientMargin},
		})
		return reject(domain.ReasonInsufficientMargin)
	}

	pos := domain.Position{
		ID:               e.newID(),
		AccountID:        a.ID,
		Symbol:           order.Symbol,
		Side:             order.Side,
		Quantity:         order.Quantity,
		Leverage:         order.Leverage,
		EntryPrice:       fillPrice,
		Notional:         notional,
		MarginUsed:       margin,
		EntryFee:         entryFee,
		TakeProfit:       order.TakeProfit,
		StopLoss:         order.StopLoss,
		LiquidationPrice: liquidationPrice(order.Side, fillPrice, order.Leverage, e.cfg.MaintenanceMarginPct),
		CurrentPrice:     fillPrice,
		OpenedAt:         e.now(),
	}

	account.ApplyOrderFill(a, margin, entryFee)

	event := domain.TradeEvent{
		ID:         e.newID(),
		AccountID:  a.ID,
		PositionID: pos.ID,
		Type:       domain.EventPositionOpened,
		Details:    mustJSON(pos),
		CreatedAt:  e.now(),
	}
	prevHash, err := e.chain.Prev(ctx, a.ID)
	if err != nil {
		prevHash = ""
	}
	if err := event.ComputeHash(prevHash); err != nil {
		e.log.Error("event hash computation failed", "error", err)
	}

	if err := e.store.FillOrder(ctx, pos, order.ClientOrderID, event); err != nil {
		e.enqueueFillRetry(pos, order.ClientOrderID, event)
		return reject(domain.ReasonPersistFailed)
	}
	e.chain.Advance(a.ID, event.EventHash)

	e.positions.Add(pos)
	e.triggers.Register(pos)
	e.deletePendingOrder(ctx, order.ID)

	e.broadcast.ToAccount(a.ID, ports.OutboundMessage{Type: ports.OutOrderFilled, CorrelationID: order.ClientOrderID, Payload: pos})
	e.broadcast.ToSymbolSubscribers(pos.Symbol, ports.OutboundMessage{Type: ports.OutPositionOpened, Payload: pos})

	return domain.OrderResult{Reason: domain.ReasonOK, Position: &pos}
}

// ExpirePending releases a resting limit order's reserved margin back to
// the account once it has passed its expiry without crossing. Bound as
// the pending book's ExpireFunc.
func (e *Executor) ExpirePending(ctx context.Context, order domain.PendingLimitOrder) {
	lockErr := e.accounts.WithAccountLock(order.AccountID, func(a *domain.Account) error {
		a.AvailableMargin = a.AvailableMargin.Add(order.ReservedMargin)
		return nil
	})
	if lockErr != nil {
		e.log.Error("expiring pending order margin release failed", "order_id", order.ID, "account_id", order.AccountID, "error", lockErr)
		return
	}
	e.deletePendingOrder(ctx, order.ID)
	e.broadcast.ToAccount(order.AccountID, ports.OutboundMessage{
		Type:    ports.OutOrderRejected,
		Payload: pendingCancelledPayload{PendingID: order.ID, Reason: domain.ReasonExpired},
	})
}

func (e *Executor) deletePendingOrder(ctx context.Context, orderID string) {
	if err := e.store.DeletePendingOrder(ctx, orderID); err != nil {
		e.log.Error("pending order delete failed", "order_id", orderID, "error", err)
	}
}

type pendingCancelledPayload struct {
	PendingID string        `json:"pendingId"`
	Reason    domain.Reason `json:"reason"`
}
