package orders

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/perpengine/internal/domain"
	"github.com/alejandrodnm/perpengine/internal/engine/account"
	"github.com/alejandrodnm/perpengine/internal/ports"
)

func closeReject(reason domain.Reason) domain.CloseResult {
	return domain.CloseResult{Reason: reason}
}

// Close runs the close-position pipeline: validates the requested
// quantity, prices the exit, settles P&L into the account, persists in
// one transaction, and fans the outcome out — all under the account's
// exclusive lock, the same mutual-exclusion discipline Place uses. It is
// idempotent on a position that is already gone — the trigger engine and
// the manual close path both rely on this to tolerate a race between a
// fill and a concurrent trigger, since whichever of them acquires the
// lock first removes the position before the other's closeLocked ever
// re-fetches it.
func (e *Executor) Close(ctx context.Context, req domain.CloseRequest) domain.CloseResult {
	pos, ok := e.positions.Get(req.PositionID)
	if !ok {
		return closeReject(domain.ReasonNotFound)
	}

	var result domain.CloseResult
	lockErr := e.accounts.WithAccountLock(pos.AccountID, func(a *domain.Account) error {
		result = e.closeLocked(ctx, a, req)
		return nil
	})
	if lockErr != nil {
		return closeReject(domain.ReasonInternal)
	}
	return result
}

// closeLocked executes the close pipeline. The caller already holds the
// position's account lock via WithAccountLock; the position is re-fetched
// here (not trusted from the caller's pre-lock read) so a position removed
// by a racing trigger or breach closure between that read and lock
// acquisition is caught as ReasonNotFound rather than double-settled.
func (e *Executor) closeLocked(ctx context.Context, a *domain.Account, req domain.CloseRequest) domain.CloseResult {
	pos, ok := e.positions.Get(req.PositionID)
	if !ok {
		return closeReject(domain.ReasonNotFound)
	}

	closeQty := pos.Quantity
	fullClose := true
	if req.CloseQty != nil {
		closeQty = *req.CloseQty
		if closeQty.LessThanOrEqual(decimal.Zero) || closeQty.GreaterThan(pos.Quantity) {
			return closeReject(domain.ReasonInvalidQuantity)
		}
		fullClose = closeQty.Equal(pos.Quantity)
	}

	exitPrice := decimal.Zero
	if req.ExplicitExitPrice != nil {
		exitPrice = *req.ExplicitExitPrice
	} else {
		tick, ok := e.prices.GetPrice(pos.Symbol)
		if !ok {
			return closeReject(domain.ReasonNoPrice)
		}
		exitPrice = tick.ExecutionPrice(pos.Side.Opposite())
	}

	diff := exitPrice.Sub(pos.EntryPrice)
	if pos.Side == domain.SideShort {
		diff = diff.Neg()
	}
	grossPnl := diff.Mul(closeQty)
	exitFee := closeQty.Mul(exitPrice).Mul(domain.MoneyFromFloat(e.cfg.ExitFeePct))
	netPnl := grossPnl.Sub(exitFee)
	marginReleased := pos.MarginUsed.Mul(closeQty).Div(pos.Quantity)

	trade := domain.Trade{
		ID:         e.newID(),
		PositionID: pos.ID,
		AccountID:  pos.AccountID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Quantity:   closeQty,
		Leverage:   pos.Leverage,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		Notional:   pos.Notional,
		ExitValue:  closeQty.Mul(exitPrice),
		EntryFee:   pos.EntryFee,
		ExitFee:    exitFee,
		GrossPnl:   grossPnl,
		NetPnl:     netPnl,
		Reason:     req.Reason,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   e.now(),
	}

	var remainder *domain.Position
	if !fullClose {
		r := pos
		r.Quantity = pos.Quantity.Sub(closeQty)
		r.Notional = r.Notional.Mul(r.Quantity).Div(pos.Quantity)
		r.MarginUsed = r.MarginUsed.Sub(marginReleased)
		r.EntryFee = r.EntryFee.Mul(r.Quantity).Div(pos.Quantity)
		remainder = &r
	}

	eventType := domain.EventPositionClosed
	event := domain.TradeEvent{
		ID:         e.newID(),
		AccountID:  pos.AccountID,
		PositionID: pos.ID,
		TradeID:    trade.ID,
		Type:       eventType,
		Details:    mustJSON(trade),
		CreatedAt:  e.now(),
	}
	prevHash, err := e.chain.Prev(ctx, pos.AccountID)
	if err != nil {
		prevHash = ""
	}
	if err := event.ComputeHash(prevHash); err != nil {
		e.log.Error("event hash computation failed", "error", err)
	}

	if err := e.store.ClosePosition(ctx, trade, remainder, event); err != nil {
		e.enqueueCloseRetry(trade, remainder, event)
		return closeReject(domain.ReasonPersistFailed)
	}
	e.chain.Advance(pos.AccountID, event.EventHash)

	account.ApplyClose(a, netPnl, marginReleased, fullClose)

	if fullClose {
		e.positions.Remove(pos.ID)
		e.triggers.Remove(pos.Symbol, pos.ID)
		e.broadcast.ToAccount(pos.AccountID, ports.OutboundMessage{Type: ports.OutPositionClosed, Payload: trade})
		e.broadcast.ToSymbolSubscribers(pos.Symbol, ports.OutboundMessage{Type: ports.OutPositionClosed, Payload: trade})
	} else {
		e.positions.Update(*remainder)
		e.broadcast.ToAccount(pos.AccountID, ports.OutboundMessage{Type: ports.OutPositionPartial, Payload: trade})
	}

	return domain.CloseResult{Reason: domain.ReasonOK, Trade: &trade, Remainder: remainder}
}

func (e *Executor) enqueueCloseRetry(trade domain.Trade, remainder *domain.Position, event domain.TradeEvent) {
	if e.retry == nil {
		return
	}
	e.retry.Enqueue(RetryJob{
		Kind: "close",
		Do: func(ctx context.Context) error {
			if err := e.store.ClosePosition(ctx, trade, remainder, event); err != nil {
				return err
			}
			e.chain.Advance(trade.AccountID, event.EventHash)
			return nil
		},
	})
}
