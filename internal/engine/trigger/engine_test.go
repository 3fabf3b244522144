package trigger

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/perpengine/internal/domain"
	"github.com/alejandrodnm/perpengine/internal/ports"
)

type recordingNotifier struct {
	sent []ports.OutboundMessage
}

func (n *recordingNotifier) Notify(accountID string, msg ports.OutboundMessage) {
	n.sent = append(n.sent, msg)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func money(v string) *domain.Money {
	d := dec(v)
	return &d
}

func tick(symbol, mid, bid, ask string) domain.PriceTick {
	return domain.PriceTick{Symbol: symbol, Mid: dec(mid), DerivedBid: dec(bid), DerivedAsk: dec(ask)}
}

func TestLongTakeProfitFiresAscending(t *testing.T) {
	var closed []domain.CloseRequest
	closer := func(ctx context.Context, req domain.CloseRequest) domain.CloseResult {
		closed = append(closed, req)
		return domain.CloseResult{Reason: domain.ReasonOK}
	}
	e := New(closer, nil, testLogger())

	e.Register(domain.Position{ID: "p1", Symbol: "BTCUSDT", Side: domain.SideLong, TakeProfit: money("51000"), LiquidationPrice: dec("10000")})

	e.OnPriceTick(tick("BTCUSDT", "50500", "50495", "50505"))
	assert.Empty(t, closed)

	e.OnPriceTick(tick("BTCUSDT", "51200", "51195", "51205"))
	require.Len(t, closed, 1)
	assert.Equal(t, "p1", closed[0].PositionID)
	assert.Equal(t, domain.CloseTakeProfit, closed[0].Reason)
	assert.True(t, closed[0].ExplicitExitPrice.Equal(dec("51195")), "LONG exits at derived bid")
}

func TestShortTakeProfitFiresDescending(t *testing.T) {
	var closed []domain.CloseRequest
	closer := func(ctx context.Context, req domain.CloseRequest) domain.CloseResult {
		closed = append(closed, req)
		return domain.CloseResult{Reason: domain.ReasonOK}
	}
	e := New(closer, nil, testLogger())

	e.Register(domain.Position{ID: "p1", Symbol: "BTCUSDT", Side: domain.SideShort, TakeProfit: money("49000"), LiquidationPrice: dec("90000")})

	e.OnPriceTick(tick("BTCUSDT", "49500", "49495", "49505"))
	assert.Empty(t, closed)

	e.OnPriceTick(tick("BTCUSDT", "48900", "48895", "48905"))
	require.Len(t, closed, 1)
	assert.True(t, closed[0].ExplicitExitPrice.Equal(dec("48905")), "SHORT exits at derived ask")
}

func TestLiquidationTakesPriorityOverUserStopLossOnTie(t *testing.T) {
	var closed []domain.CloseRequest
	closer := func(ctx context.Context, req domain.CloseRequest) domain.CloseResult {
		closed = append(closed, req)
		return domain.CloseResult{Reason: domain.ReasonOK}
	}
	e := New(closer, nil, testLogger())

	e.Register(domain.Position{ID: "p1", Symbol: "BTCUSDT", Side: domain.SideLong, StopLoss: money("45000"), LiquidationPrice: dec("45000")})

	e.OnPriceTick(tick("BTCUSDT", "45000", "44995", "45005"))
	require.Len(t, closed, 1)
	assert.Equal(t, domain.CloseLiquidation, closed[0].Reason, "on an exact tie LIQ must fire ahead of the user stop loss")
}

func TestSortedBreakStopsAtFirstNonFiringEntry(t *testing.T) {
	var closed []domain.CloseRequest
	closer := func(ctx context.Context, req domain.CloseRequest) domain.CloseResult {
		closed = append(closed, req)
		return domain.CloseResult{Reason: domain.ReasonOK}
	}
	e := New(closer, nil, testLogger())

	e.Register(domain.Position{ID: "p1", Symbol: "BTCUSDT", Side: domain.SideLong, TakeProfit: money("51000"), LiquidationPrice: dec("10000")})
	e.Register(domain.Position{ID: "p2", Symbol: "BTCUSDT", Side: domain.SideLong, TakeProfit: money("52000"), LiquidationPrice: dec("10000")})
	e.Register(domain.Position{ID: "p3", Symbol: "BTCUSDT", Side: domain.SideLong, TakeProfit: money("53000"), LiquidationPrice: dec("10000")})

	e.OnPriceTick(tick("BTCUSDT", "52100", "52095", "52105"))

	ids := map[string]bool{}
	for _, c := range closed {
		ids[c.PositionID] = true
	}
	assert.True(t, ids["p1"])
	assert.True(t, ids["p2"])
	assert.False(t, ids["p3"], "a tick below p3's take-profit must not fire it")
}

func TestRemove_DropsAllEntriesForPosition(t *testing.T) {
	var closed []domain.CloseRequest
	closer := func(ctx context.Context, req domain.CloseRequest) domain.CloseResult {
		closed = append(closed, req)
		return domain.CloseResult{Reason: domain.ReasonOK}
	}
	e := New(closer, nil, testLogger())
	e.Register(domain.Position{ID: "p1", Symbol: "BTCUSDT", Side: domain.SideLong, TakeProfit: money("51000"), StopLoss: money("40000"), LiquidationPrice: dec("35000")})

	e.Remove("BTCUSDT", "p1")

	e.OnPriceTick(tick("BTCUSDT", "52000", "51995", "52005"))
	e.OnPriceTick(tick("BTCUSDT", "30000", "29995", "30005"))
	assert.Empty(t, closed)
}

func TestTransientFailureReRegistersForNextTick(t *testing.T) {
	attempt := 0
	closer := func(ctx context.Context, req domain.CloseRequest) domain.CloseResult {
		attempt++
		if attempt == 1 {
			return domain.CloseResult{Reason: domain.ReasonPersistFailed}
		}
		return domain.CloseResult{Reason: domain.ReasonOK}
	}
	e := New(closer, nil, testLogger())
	e.Register(domain.Position{ID: "p1", Symbol: "BTCUSDT", Side: domain.SideLong, TakeProfit: money("51000"), LiquidationPrice: dec("10000")})

	e.OnPriceTick(tick("BTCUSDT", "51100", "51095", "51105"))
	assert.Equal(t, 1, attempt)

	e.OnPriceTick(tick("BTCUSDT", "51200", "51195", "51205"))
	assert.Equal(t, 2, attempt, "a transiently-failed trigger must refire on the next tick")
}

func TestLiquidationWarning_FiresOnceWithinBuffer(t *testing.T) {
	closer := func(ctx context.Context, req domain.CloseRequest) domain.CloseResult {
		return domain.CloseResult{Reason: domain.ReasonOK}
	}
	notifier := &recordingNotifier{}
	e := New(closer, notifier, testLogger())

	// entry 50000, liquidation 45000: full distance 5000, buffer 500 (10%).
	e.Register(domain.Position{
		ID: "p1", AccountID: "acct-1", Symbol: "BTCUSDT", Side: domain.SideLong,
		EntryPrice: dec("50000"), LiquidationPrice: dec("45000"),
	})

	// Outside the buffer: no warning.
	e.OnPriceTick(tick("BTCUSDT", "46000", "45995", "46005"))
	assert.Empty(t, notifier.sent)

	// Inside the buffer, still above the liquidation price: warns once.
	e.OnPriceTick(tick("BTCUSDT", "45400", "45395", "45405"))
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, ports.OutLiquidationWarning, notifier.sent[0].Type)

	// A further tick still inside the buffer does not re-warn.
	e.OnPriceTick(tick("BTCUSDT", "45300", "45295", "45305"))
	assert.Len(t, notifier.sent, 1, "a position already warned must not be warned again")
}

func TestLiquidationWarning_ReRegisterClearsWarnedState(t *testing.T) {
	closer := func(ctx context.Context, req domain.CloseRequest) domain.CloseResult {
		return domain.CloseResult{Reason: domain.ReasonOK}
	}
	notifier := &recordingNotifier{}
	e := New(closer, notifier, testLogger())

	pos := domain.Position{
		ID: "p1", AccountID: "acct-1", Symbol: "BTCUSDT", Side: domain.SideLong,
		EntryPrice: dec("50000"), LiquidationPrice: dec("45000"),
	}
	e.Register(pos)
	e.OnPriceTick(tick("BTCUSDT", "45400", "45395", "45405"))
	require.Len(t, notifier.sent, 1)

	// UpdateTPSL re-registers the position (e.g. after a TP/SL edit),
	// which should allow it to warn again if it is still within range.
	e.UpdateTPSL(pos)
	e.OnPriceTick(tick("BTCUSDT", "45400", "45395", "45405"))
	assert.Len(t, notifier.sent, 2)
}
