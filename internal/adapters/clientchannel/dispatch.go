package clientchannel

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/perpengine/internal/domain"
	"github.com/alejandrodnm/perpengine/internal/engine/orders"
	"github.com/alejandrodnm/perpengine/internal/engine/position"
	"github.com/alejandrodnm/perpengine/internal/engine/trigger"
	"github.com/alejandrodnm/perpengine/internal/ports"
	"github.com/alejandrodnm/perpengine/internal/ratelimit"
)

// Dispatcher routes one parsed inbound message to the engine component
// that owns it and turns the result into an outbound push, either to the
// requesting session directly (validation errors) or broadcast to the
// account/symbol (state changes everyone watching should see).
type Dispatcher struct {
	orders    *orders.Executor
	positions *position.Manager
	triggers  *trigger.Engine
	limiter   *ratelimit.Limiter
	store     ports.Storage
	log       *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewDispatcher wires the dispatcher to the engine components it calls
// into. h (the Hub) is passed per-call rather than stored, since the hub
// owns the dispatcher's lifetime the other way around in cmd/engine's
// wiring.
func NewDispatcher(
	ordersExec *orders.Executor,
	positions *position.Manager,
	triggers *trigger.Engine,
	limiter *ratelimit.Limiter,
	store ports.Storage,
	log *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		orders:    ordersExec,
		positions: positions,
		triggers:  triggers,
		limiter:   limiter,
		store:     store,
		log:       log,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Handle parses and routes one raw inbound frame.
func (d *Dispatcher) Handle(h *Hub, s *Session, raw []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.reject(s, "", domain.ReasonInternal, "malformed message")
		return
	}

	ctx := context.Background()
	switch env.Type {
	case "SUBSCRIBE":
		d.handleSubscribe(ctx, h, s, env)
	case "UNSUBSCRIBE":
		d.handleUnsubscribe(ctx, h, s, env)
	case "PLACE_ORDER":
		d.handlePlaceOrder(ctx, s, env)
	case "CLOSE_POSITION":
		d.handleClosePosition(ctx, s, env)
	case "MODIFY_TPSL":
		d.handleModifyTPSL(ctx, h, s, env)
	default:
		d.reject(s, env.CorrelationID, domain.ReasonInternal, "unknown message type")
	}
}

func (d *Dispatcher) reject(s *Session, correlationID string, reason domain.Reason, message string) {
	s.push(encodeFrame(string(ports.OutError), correlationID, errorPayload{Reason: string(reason), Message: message}))
}

func (d *Dispatcher) handleSubscribe(ctx context.Context, h *Hub, s *Session, env inboundEnvelope) {
	allowed, err := d.limiter.Allow(ctx, s.accountID, ratelimit.ActionSubscribe)
	if err != nil || !allowed {
		d.reject(s, env.CorrelationID, domain.ReasonRateLimited, "")
		return
	}
	s.subscribe(env.Symbols)
	h.trackSubscription(s, env.Symbols)
	s.push(encodeFrame("SUBSCRIBED", env.CorrelationID, env.Symbols))
}

func (d *Dispatcher) handleUnsubscribe(ctx context.Context, h *Hub, s *Session, env inboundEnvelope) {
	allowed, err := d.limiter.Allow(ctx, s.accountID, ratelimit.ActionUnsubscribe)
	if err != nil || !allowed {
		d.reject(s, env.CorrelationID, domain.ReasonRateLimited, "")
		return
	}
	s.unsubscribe(env.Symbols)
	h.untrackSubscription(s, env.Symbols)
	s.push(encodeFrame("UNSUBSCRIBED", env.CorrelationID, env.Symbols))
}

func parseMoney(s *string) *domain.Money {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

func (d *Dispatcher) handlePlaceOrder(ctx context.Context, s *Session, env inboundEnvelope) {
	qty, err := decimal.NewFromString(env.Quantity)
	if err != nil {
		d.reject(s, env.CorrelationID, domain.ReasonInvalidQuantity, "quantity must be a decimal string")
		return
	}

	req := domain.PlaceOrderRequest{
		AccountID:     s.accountID,
		Symbol:        strings.ToUpper(env.Symbol),
		Side:          domain.Side(strings.ToUpper(env.Side)),
		Quantity:      qty,
		OrderType:     domain.OrderType(strings.ToUpper(env.OrderType)),
		LimitPrice:    parseMoney(env.LimitPrice),
		Leverage:      env.Leverage,
		TakeProfit:    parseMoney(env.TakeProfit),
		StopLoss:      parseMoney(env.StopLoss),
		ClientOrderID: env.ClientOrderID,
		Timestamp:     time.UnixMilli(env.TimestampMs).UTC(),
	}
	if env.ExpiresAtMs != nil {
		t := time.UnixMilli(*env.ExpiresAtMs).UTC()
		req.ExpiresAt = &t
	}

	result := d.orders.Place(ctx, req)
	if !result.Accepted() {
		d.reject(s, env.CorrelationID, result.Reason, "")
		return
	}

	// A filled market order is already pushed to the account and symbol
	// subscribers by the executor itself. A resting limit order isn't —
	// nothing else in the pipeline knows its pending ID — so only that
	// case gets an explicit ack here.
	if result.Reason == domain.ReasonAccepted {
		s.push(encodeFrame("ORDER_ACCEPTED", env.CorrelationID, map[string]any{"pendingId": result.PendingID}))
	}
}

func (d *Dispatcher) handleClosePosition(ctx context.Context, s *Session, env inboundEnvelope) {
	allowed, err := d.limiter.Allow(ctx, s.accountID, ratelimit.ActionClosePosition)
	if err != nil || !allowed {
		d.reject(s, env.CorrelationID, domain.ReasonRateLimited, "")
		return
	}

	pos, ok := d.positions.Get(env.PositionID)
	if ok && pos.AccountID != s.accountID {
		d.reject(s, env.CorrelationID, domain.ReasonNotFound, "")
		return
	}

	reason := domain.CloseReason(env.Reason)
	if reason == "" {
		reason = domain.CloseManual
	}
	req := domain.CloseRequest{
		PositionID:        env.PositionID,
		Reason:            reason,
		ExplicitExitPrice: parseMoney(env.ExplicitExitPrice),
		CloseQty:          parseMoney(env.CloseQty),
	}

	// The executor broadcasts the close/partial-close outcome to the
	// account (and, on a full close, to symbol subscribers) itself; the
	// requester only needs a correlation-linked ack.
	result := d.orders.Close(ctx, req)
	if result.Reason != domain.ReasonOK {
		d.reject(s, env.CorrelationID, result.Reason, "")
		return
	}
	s.push(encodeFrame("CLOSE_ACCEPTED", env.CorrelationID, map[string]any{"tradeId": result.Trade.ID}))
}

// handleModifyTPSL updates a resting position's take-profit/stop-loss.
// There is no dedicated executor pipeline for this — unlike place/close it
// never touches the account balance or margin, so it only needs the
// position manager and the trigger engine's sorted sequences kept in sync.
func (d *Dispatcher) handleModifyTPSL(ctx context.Context, h *Hub, s *Session, env inboundEnvelope) {
	allowed, err := d.limiter.Allow(ctx, s.accountID, ratelimit.ActionModifyPosition)
	if err != nil || !allowed {
		d.reject(s, env.CorrelationID, domain.ReasonRateLimited, "")
		return
	}

	pos, ok := d.positions.Get(env.PositionID)
	if !ok || pos.AccountID != s.accountID {
		d.reject(s, env.CorrelationID, domain.ReasonNotFound, "")
		return
	}

	eventType := domain.EventTPModified
	if env.TakeProfit != nil {
		pos.TakeProfit = parseMoney(env.TakeProfit)
	}
	if env.StopLoss != nil {
		pos.StopLoss = parseMoney(env.StopLoss)
		eventType = domain.EventSLModified
	}

	d.positions.Update(pos)
	d.triggers.UpdateTPSL(pos)

	event := domain.TradeEvent{
		ID:         d.newID(),
		AccountID:  s.accountID,
		PositionID: pos.ID,
		Type:       eventType,
		CreatedAt:  d.now(),
	}
	if err := d.store.AppendTradeEvent(ctx, event); err != nil {
		d.log.Warn("modify tpsl event persist failed", "position_id", pos.ID, "error", err)
	}

	h.ToAccount(s.accountID, ports.OutboundMessage{
		Type:          ports.OutPositionUpdated,
		CorrelationID: env.CorrelationID,
		Payload:       pos,
	})
}
