// Package orders implements the order and close executors: the two
// synchronous request/response pipelines that mutate account and position
// state under a per-account lock, persist the result in one database
// transaction, and fan the outcome out to subscribers.
package orders

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/perpengine/internal/domain"
	"github.com/alejandrodnm/perpengine/internal/engine/account"
	"github.com/alejandrodnm/perpengine/internal/engine/pending"
	"github.com/alejandrodnm/perpengine/internal/engine/position"
	"github.com/alejandrodnm/perpengine/internal/engine/price"
	"github.com/alejandrodnm/perpengine/internal/engine/trigger"
	"github.com/alejandrodnm/perpengine/internal/ports"
	"github.com/alejandrodnm/perpengine/internal/ratelimit"
)

// Config holds the executor's margin and fee parameters, sourced from
// environment configuration (see config.Config).
type Config struct {
	MaintenanceMarginPct float64
	EntryFeePct          float64
	ExitFeePct           float64
}

// Executor runs the place-order and close-position pipelines.
type Executor struct {
	accounts *account.Manager
	prices   *price.Engine
	positions *position.Manager
	pendingBook *pending.Book
	triggers *trigger.Engine
	limiter  *ratelimit.Limiter
	store    ports.Storage
	broadcast ports.Broadcaster
	retry    RetryQueue
	symbols  *SymbolRegistry
	chain    *hashChain
	cfg      Config
	log      *slog.Logger

	now   func() time.Time
	newID func() string

	// dedupMu guards dedup, the per-(account, clientOrderId) cache of
	// results that actually mutated state. It is separate from the
	// account lock because lookups/stores happen for whichever account
	// placeLocked is currently running for, and different accounts place
	// concurrently under their own locks.
	dedupMu sync.Mutex
	dedup   map[string]domain.OrderResult
}

// New constructs an order/close executor wired to every engine component
// it coordinates.
func New(
	accounts *account.Manager,
	prices *price.Engine,
	positions *position.Manager,
	pendingBook *pending.Book,
	triggers *trigger.Engine,
	limiter *ratelimit.Limiter,
	store ports.Storage,
	broadcast ports.Broadcaster,
	retry RetryQueue,
	symbols *SymbolRegistry,
	cfg Config,
	log *slog.Logger,
) *Executor {
	return &Executor{
		accounts:    accounts,
		prices:      prices,
		positions:   positions,
		pendingBook: pendingBook,
		triggers:    triggers,
		limiter:     limiter,
		store:       store,
		broadcast:   broadcast,
		retry:       retry,
		symbols:     symbols,
		chain:       newHashChain(store),
		cfg:         cfg,
		log:         log,
		now:         time.Now,
		newID:       uuid.NewString,
		dedup:       make(map[string]domain.OrderResult),
	}
}

func dedupKey(accountID, clientOrderID string) string {
	return accountID + "\x00" + clientOrderID
}

// dedupLookup returns the cached result of a prior PLACE_ORDER call that
// actually mutated state (opened a position or rested a limit order) for
// this (account, clientOrderId) pair, if any. A request that was merely
// rejected (e.g. insufficient margin) is never cached, since nothing was
// created and a retry should be free to try again.
func (e *Executor) dedupLookup(accountID, clientOrderID string) (domain.OrderResult, bool) {
	if clientOrderID == "" {
		return domain.OrderResult{}, false
	}
	e.dedupMu.Lock()
	defer e.dedupMu.Unlock()
	result, ok := e.dedup[dedupKey(accountID, clientOrderID)]
	return result, ok
}

func (e *Executor) dedupStore(accountID, clientOrderID string, result domain.OrderResult) {
	if clientOrderID == "" {
		return
	}
	e.dedupMu.Lock()
	defer e.dedupMu.Unlock()
	e.dedup[dedupKey(accountID, clientOrderID)] = result
}

func reject(reason domain.Reason) domain.OrderResult {
	return domain.OrderResult{Reason: reason}
}

// Place runs the full 14-step order placement pipeline under the
// account's exclusive lock. It is the only entry point for opening a
// position or resting a limit order.
func (e *Executor) Place(ctx context.Context, req domain.PlaceOrderRequest) domain.OrderResult {
	// step 1: timestamp sanity
	delta := e.now().Sub(req.Timestamp)
	if delta > 3*time.Second || delta < -time.Second {
		return reject(domain.ReasonTimestampInvalid)
	}

	// step 2: rate limit
	allowed, err := e.limiter.Allow(ctx, req.AccountID, ratelimit.ActionPlaceOrder)
	if err != nil {
		e.log.Error("rate limiter error, failing open would defeat its purpose", "error", err)
		return reject(domain.ReasonInternal)
	}
	if !allowed {
		return reject(domain.ReasonRateLimited)
	}

	var result domain.OrderResult
	lockErr := e.accounts.WithAccountLock(req.AccountID, func(a *domain.Account) error {
		result = e.placeLocked(ctx, a, req)
		return nil
	})
	if lockErr != nil {
		if lockErr == account.ErrNotFound {
			return reject(domain.ReasonInternal)
		}
		return reject(domain.ReasonInternal)
	}
	return result
}

// placeLocked executes steps 3-14. The caller already holds the
// account's lock via WithAccountLock.
func (e *Executor) placeLocked(ctx context.Context, a *domain.Account, req domain.PlaceOrderRequest) domain.OrderResult {
	// A resend of a clientOrderId that already opened a position or rested
	// a limit order must not debit margin or register a second position —
	// return the original outcome instead of re-running the pipeline.
	if cached, ok := e.dedupLookup(a.ID, req.ClientOrderID); ok {
		return cached
	}

	// step 3: account status
	if a.Status != domain.StatusActive && a.Status != domain.StatusStep1Passed {
		return reject(domain.ReasonAccountNotActive)
	}

	// step 4: price fetch
	tick, ok := e.prices.GetPrice(req.Symbol)
	if !ok {
		return reject(domain.ReasonNoPrice)
	}
	if e.prices.IsStale(req.Symbol, e.prices.StaleThreshold()) {
		return reject(domain.ReasonStalePrice)
	}
	if e.prices.IsTripped(req.Symbol) {
		return reject(domain.ReasonCircuitOpen)
	}

	// step 5: leverage clamp
	symCfg := e.symbols.Get(req.Symbol)
	maxLev := a.Plan.MaxLeverageFor(symCfg.AssetClass)
	if maxLev <= 0 {
		maxLev = symCfg.MaxLeverage
	}
	leverage := req.Leverage
	if leverage <= 0 {
		leverage = maxLev
	}
	if leverage < 1 || leverage > maxLev {
		return reject(domain.ReasonInvalidLeverage)
	}

	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return domain.OrderResult{Reason: domain.ReasonInvalidQuantity}
	}

	if req.OrderType == domain.OrderLimit {
		result := e.placeLimitLocked(ctx, a, req, leverage)
		if result.Reason == domain.ReasonAccepted {
			e.dedupStore(a.ID, req.ClientOrderID, result)
		}
		return result
	}
	result := e.placeMarketLocked(ctx, a, req, leverage, tick)
	if result.Reason == domain.ReasonOK {
		e.dedupStore(a.ID, req.ClientOrderID, result)
	}
	return result
}

func (e *Executor) placeLimitLocked(ctx context.Context, a *domain.Account, req domain.PlaceOrderRequest, leverage int) domain.OrderResult {
	if req.LimitPrice == nil {
		return reject(domain.ReasonInternal)
	}
	notional := req.Quantity.Mul(*req.LimitPrice)
	margin := notional.Div(decimal.NewFromInt(int64(leverage)))
	entryFee := notional.Mul(domain.MoneyFromFloat(e.cfg.EntryFeePct))
	reserve := margin.Add(entryFee)

	if reserve.GreaterThan(a.AvailableMargin) {
		return reject(domain.ReasonInsufficientMargin)
	}

	a.AvailableMargin = a.AvailableMargin.Sub(reserve)

	order := domain.PendingLimitOrder{
		ID:             e.newID(),
		AccountID:      a.ID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Quantity:       req.Quantity,
		Leverage:       leverage,
		LimitPrice:     *req.LimitPrice,
		TakeProfit:     req.TakeProfit,
		StopLoss:       req.StopLoss,
		ReservedMargin: reserve,
		ExpiresAt:      req.ExpiresAt,
		PlacedAt:       e.now(),
		ClientOrderID:  req.ClientOrderID,
	}

	if err := e.store.SavePendingOrder(ctx, order); err != nil {
		a.AvailableMargin = a.AvailableMargin.Add(reserve)
		e.log.Error("persisting pending order failed", "account_id", a.ID, "error", err)
		return reject(domain.ReasonPersistFailed)
	}

	e.pendingBook.Add(order)
	return domain.OrderResult{Reason: domain.ReasonAccepted, PendingID: order.ID}
}

func (e *Executor) placeMarketLocked(ctx context.Context, a *domain.Account, req domain.PlaceOrderRequest, leverage int, tick domain.PriceTick) domain.OrderResult {
	fillPrice := tick.ExecutionPrice(req.Side)

	notional := req.Quantity.Mul(fillPrice)
	margin := notional.Div(decimal.NewFromInt(int64(leverage)))
	entryFee := notional.Mul(domain.MoneyFromFloat(e.cfg.EntryFeePct))

	if margin.Add(entryFee).GreaterThan(a.AvailableMargin) {
		return reject(domain.ReasonInsufficientMargin)
	}

	pos := domain.Position{
		ID:               e.newID(),
		AccountID:        a.ID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		Quantity:         req.Quantity,
		Leverage:         leverage,
		EntryPrice:       fillPrice,
		Notional:         notional,
		MarginUsed:       margin,
		EntryFee:         entryFee,
		TakeProfit:       req.TakeProfit,
		StopLoss:         req.StopLoss,
		LiquidationPrice: liquidationPrice(req.Side, fillPrice, leverage, e.cfg.MaintenanceMarginPct),
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

	if err := e.store.FillOrder(ctx, pos, req.ClientOrderID, event); err != nil {
		e.enqueueFillRetry(pos, req.ClientOrderID, event)
		return reject(domain.ReasonPersistFailed)
	}
	e.chain.Advance(a.ID, event.EventHash)

	e.positions.Add(pos)
	e.triggers.Register(pos)

	e.broadcast.ToAccount(a.ID, ports.OutboundMessage{Type: ports.OutOrderFilled, CorrelationID: req.ClientOrderID, Payload: pos})
	e.broadcast.ToSymbolSubscribers(pos.Symbol, ports.OutboundMessage{Type: ports.OutPositionOpened, Payload: pos})

	return domain.OrderResult{Reason: domain.ReasonOK, Position: &pos}
}

func (e *Executor) enqueueFillRetry(pos domain.Position, clientOrderID string, event domain.TradeEvent) {
	if e.retry == nil {
		return
	}
	e.retry.Enqueue(RetryJob{
		Kind: "fill",
		Do: func(ctx context.Context) error {
			if err := e.store.FillOrder(ctx, pos, clientOrderID, event); err != nil {
				return err
			}
			e.chain.Advance(pos.AccountID, event.EventHash)
			return nil
		},
	})
}

// liquidationPrice implements the simplified formula: for LONG,
// entry*(1 - 1/leverage + maintenanceMarginPct); for SHORT, the mirrored
// expression so the liquidation price sits above entry.
func liquidationPrice(side domain.Side, entry domain.Money, leverage int, maintenanceMarginPct float64) domain.Money {
	inverseLev := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(leverage)))
	maint := domain.MoneyFromFloat(maintenanceMarginPct)
	if side == domain.SideLong {
		return entry.Mul(decimal.NewFromInt(1).Sub(inverseLev).Add(maint))
	}
	return entry.Mul(decimal.NewFromInt(1).Add(inverseLev).Sub(maint))
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
