package clientchannel_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/perpengine/internal/adapters/cache"
	"github.com/alejandrodnm/perpengine/internal/adapters/clientchannel"
	"github.com/alejandrodnm/perpengine/internal/domain"
	"github.com/alejandrodnm/perpengine/internal/engine/account"
	"github.com/alejandrodnm/perpengine/internal/engine/orders"
	"github.com/alejandrodnm/perpengine/internal/engine/pending"
	"github.com/alejandrodnm/perpengine/internal/engine/position"
	"github.com/alejandrodnm/perpengine/internal/engine/price"
	"github.com/alejandrodnm/perpengine/internal/engine/trigger"
	"github.com/alejandrodnm/perpengine/internal/ports"
	"github.com/alejandrodnm/perpengine/internal/ratelimit"
)

// fakeStorage is a minimal in-memory ports.Storage good enough to drive
// the executor and dispatcher without a real database.
type fakeStorage struct {
	mu        sync.Mutex
	accounts  map[string]domain.Account
	positions map[string]domain.Position
	pending   map[string]domain.PendingLimitOrder
	events    []domain.TradeEvent
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		accounts:  make(map[string]domain.Account),
		positions: make(map[string]domain.Position),
		pending:   make(map[string]domain.PendingLimitOrder),
	}
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
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.ID] = pos
	s.events = append(s.events, event)
	return nil
}

func (s *fakeStorage) SavePendingOrder(ctx context.Context, o domain.PendingLimitOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[o.ID] = o
	return nil
}

func (s *fakeStorage) DeletePendingOrder(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	return nil
}

func (s *fakeStorage) ClosePosition(ctx context.Context, trade domain.Trade, remainder *domain.Position, event domain.TradeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if remainder == nil {
		delete(s.positions, trade.PositionID)
	} else {
		s.positions[remainder.ID] = *remainder
	}
	s.events = append(s.events, event)
	return nil
}

func (s *fakeStorage) AppendTradeEvent(ctx context.Context, event domain.TradeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *fakeStorage) LastEventHash(ctx context.Context, accountID string) (string, error) {
	return "", nil
}

func (s *fakeStorage) SaveDailySnapshot(ctx context.Context, snap domain.DailySnapshot) error {
	return nil
}

func (s *fakeStorage) Close() error { return nil }

func (s *fakeStorage) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func testLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func dec(t *testing.T, v string) domain.Money {
	t.Helper()
	d, err := decimal.NewFromString(v)
	require.NoError(t, err)
	return d
}

// deferredBroadcaster forwards to a *clientchannel.Hub that is assigned
// after construction — the hub and the executor each need to exist before
// the other can be built, since the executor broadcasts through the hub
// and the hub's dispatcher calls into the executor.
type deferredBroadcaster struct {
	hub **clientchannel.Hub
}

func (b deferredBroadcaster) ToAccount(accountID string, msg ports.OutboundMessage) {
	if *b.hub != nil {
		(*b.hub).ToAccount(accountID, msg)
	}
}

func (b deferredBroadcaster) ToSymbolSubscribers(symbol string, msg ports.OutboundMessage) {
	if *b.hub != nil {
		(*b.hub).ToSymbolSubscribers(symbol, msg)
	}
}

func (b deferredBroadcaster) Notify(accountID string, msg ports.OutboundMessage) {
	if *b.hub != nil {
		(*b.hub).Notify(accountID, msg)
	}
}

// testRig assembles a dispatcher wired to real engine components and a
// fake storage, mirroring how cmd/engine wires the production stack minus
// the database.
type testRig struct {
	store     *fakeStorage
	accounts  *account.Manager
	positions *position.Manager
	prices    *price.Engine
	triggers  *trigger.Engine
	limiter   *ratelimit.Limiter
	dispatch  *clientchannel.Dispatcher
	hub       *clientchannel.Hub
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	store := newFakeStorage()
	accounts := account.New(store, testLog(), time.Minute)
	positions := position.New()
	prices := price.New(price.Config{})
	prices.UpdatePrice("BTCUSDT", dec(t, "64999"), dec(t, "65001"))

	symbols := orders.NewSymbolRegistry([]domain.SymbolConfig{
		{Symbol: "BTCUSDT", AssetClass: domain.AssetClassMajor, MaxLeverage: 20},
	})

	pendingBook := pending.New(
		func(ctx context.Context, order domain.PendingLimitOrder, fillPrice domain.Money) domain.OrderResult {
			return domain.OrderResult{}
		},
		func(ctx context.Context, order domain.PendingLimitOrder) {},
		testLog(),
	)
	limiter := ratelimit.New(cache.New(), testLog(), ratelimit.Config{})

	var hub *clientchannel.Hub

	var executor *orders.Executor
	triggers := trigger.New(func(ctx context.Context, req domain.CloseRequest) domain.CloseResult {
		return executor.Close(ctx, req)
	}, deferredBroadcaster{&hub}, testLog())

	executor = orders.New(
		accounts,
		prices,
		positions,
		pendingBook,
		triggers,
		limiter,
		store,
		deferredBroadcaster{&hub},
		nil,
		symbols,
		orders.Config{MaintenanceMarginPct: 0.005, EntryFeePct: 0.0004, ExitFeePct: 0.0004},
		testLog(),
	)

	dispatch := clientchannel.NewDispatcher(executor, positions, triggers, limiter, store, testLog())
	hub = clientchannel.NewHub(dispatch, 0, testLog())

	return &testRig{
		store:     store,
		accounts:  accounts,
		positions: positions,
		prices:    prices,
		triggers:  triggers,
		limiter:   limiter,
		dispatch:  dispatch,
		hub:       hub,
	}
}

// newTestServer upgrades every connection under accountID, driven entirely
// through the hub's public HandleWebSocket entry point — the same path a
// real client takes.
func newTestServer(rig *testRig, accountID string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rig.hub.HandleWebSocket(w, r, accountID)
	}))
}

func dialTestServer(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

type wireFrame struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame wireFrame
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

func TestDispatcher_PlaceMarketOrder_FillsAndPushesToAccount(t *testing.T) {
	rig := newTestRig(t)
	rig.accounts.Insert(domain.Account{
		ID: "acct-1", Status: domain.StatusActive,
		CurrentBalance: dec(t, "10000"), AvailableMargin: dec(t, "10000"),
	})

	server := newTestServer(rig, "acct-1")
	defer server.Close()
	conn := dialTestServer(t, server)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":          "PLACE_ORDER",
		"correlationId": "req-1",
		"clientOrderId": "req-1",
		"symbol":        "BTCUSDT",
		"side":          "LONG",
		"quantity":      "0.1",
		"orderType":     "MARKET",
		"leverage":      10,
		"timestamp":     time.Now().UnixMilli(),
	}))

	frame := readFrame(t, conn)
	assert.Equal(t, "ORDER_FILLED", frame.Type)
	assert.Equal(t, "req-1", frame.CorrelationID)

	require.Equal(t, 1, rig.positions.Count())
	assert.Equal(t, 1, rig.store.eventCount())
}

func TestDispatcher_PlaceOrder_RejectsInvalidQuantity(t *testing.T) {
	rig := newTestRig(t)
	rig.accounts.Insert(domain.Account{ID: "acct-2", Status: domain.StatusActive, AvailableMargin: dec(t, "10000")})

	server := newTestServer(rig, "acct-2")
	defer server.Close()
	conn := dialTestServer(t, server)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":          "PLACE_ORDER",
		"correlationId": "req-2",
		"symbol":        "BTCUSDT",
		"side":          "LONG",
		"quantity":      "not-a-number",
		"orderType":     "MARKET",
		"leverage":      10,
	}))

	frame := readFrame(t, conn)
	assert.Equal(t, "ERROR", frame.Type)
	var payload errorFramePayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, "INVALID_QUANTITY", payload.Reason)
}

func TestDispatcher_Subscribe_AcksAndTracksSymbol(t *testing.T) {
	rig := newTestRig(t)
	server := newTestServer(rig, "acct-3")
	defer server.Close()
	conn := dialTestServer(t, server)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":          "SUBSCRIBE",
		"correlationId": "sub-1",
		"symbols":       []string{"BTCUSDT"},
	}))

	frame := readFrame(t, conn)
	assert.Equal(t, "SUBSCRIBED", frame.Type)

	rig.hub.ToSymbolSubscribers("BTCUSDT", ports.OutboundMessage{Type: ports.OutPriceTick})
	pushed := readFrame(t, conn)
	assert.Equal(t, "PRICE_TICK", pushed.Type)

	require.Eventually(t, func() bool {
		return rig.hub.SessionCount("acct-3") == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDispatcher_CloseUnknownPosition_RejectsNotFound(t *testing.T) {
	rig := newTestRig(t)
	server := newTestServer(rig, "acct-4")
	defer server.Close()
	conn := dialTestServer(t, server)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":          "CLOSE_POSITION",
		"correlationId": "close-1",
		"positionId":    "does-not-exist",
	}))

	frame := readFrame(t, conn)
	assert.Equal(t, "ERROR", frame.Type)
	var payload errorFramePayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, "NOT_FOUND", payload.Reason)
}

type errorFramePayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}
