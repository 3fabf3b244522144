// Package trigger implements the trigger engine: four sorted per-symbol
// sequences (long take-profit, long stop-loss/liquidation, short
// take-profit, short stop-loss/liquidation) that a price tick sweeps in
// O(log n) insert / O(k) fire time instead of scanning every open
// position on every tick.
package trigger

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/perpengine/internal/domain"
	"github.com/alejandrodnm/perpengine/internal/ports"
)

// liquidationWarningBufferPct is the fraction of a position's full
// entry-to-liquidation distance at which a LIQUIDATION_WARNING fires,
// ahead of the hard liquidation trigger itself.
const liquidationWarningBufferPct = 0.10

// CloseFunc executes a triggered close. Implementations run the close
// executor's full pipeline; a transient failure must leave the entry in
// place so the next tick retries it.
type CloseFunc func(ctx context.Context, req domain.CloseRequest) domain.CloseResult

// sequence is one sorted slice of entries for one symbol/side/kind
// family. ascending controls both sort order and, indirectly, which end
// of the slice is scanned first — the scan always starts at index 0,
// which for an ascending sequence holds the entry nearest to firing and
// for a descending sequence holds the same.
type sequence struct {
	entries    []domain.TriggerEntry
	ascending  bool
}

func (s *sequence) less(a, b domain.Money) bool {
	if s.ascending {
		return a.LessThan(b)
	}
	return a.GreaterThan(b)
}

// insert places e in sorted position via binary search. On a price tie
// within the SL/LIQ sequence, a LIQ entry is ordered before a user SL so
// it is scanned — and so fires — first.
func (s *sequence) insert(e domain.TriggerEntry) {
	idx := sort.Search(len(s.entries), func(i int) bool {
		if s.entries[i].Price.Equal(e.Price) {
			return e.Type == domain.TriggerLiquidation && s.entries[i].Type != domain.TriggerLiquidation
		}
		return !s.less(s.entries[i].Price, e.Price)
	})
	s.entries = append(s.entries, domain.TriggerEntry{})
	copy(s.entries[idx+1:], s.entries[idx:])
	s.entries[idx] = e
}

func (s *sequence) removeByPositionID(positionID string) {
	for i, e := range s.entries {
		if e.PositionID == positionID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// fireable returns the prefix of entries that fire against mid and the
// count to drop from the front, stopping at the first entry that does not
// fire — the sequence invariant (sorted by distance-to-fire) guarantees
// every later entry also does not fire yet.
func (s *sequence) fireable(mid domain.Money) []domain.TriggerEntry {
	i := 0
	for i < len(s.entries) && s.entries[i].Fires(mid) {
		i++
	}
	if i == 0 {
		return nil
	}
	fired := append([]domain.TriggerEntry(nil), s.entries[:i]...)
	s.entries = s.entries[i:]
	return fired
}

// symbolSequences holds the four families for one symbol.
type symbolSequences struct {
	longTP     sequence // ascending, fires mid >= price
	longSLLiq  sequence // descending, fires mid <= price
	shortTP    sequence // descending, fires mid <= price
	shortSLLiq sequence // ascending, fires mid >= price
}

func newSymbolSequences() *symbolSequences {
	return &symbolSequences{
		longTP:     sequence{ascending: true},
		longSLLiq:  sequence{ascending: false},
		shortTP:    sequence{ascending: false},
		shortSLLiq: sequence{ascending: true},
	}
}

// Engine owns every resting TP/SL/liquidation trigger across every symbol.
type Engine struct {
	close  CloseFunc
	notify ports.Notifier
	log    *slog.Logger

	mu      sync.Mutex
	symbols map[string]*symbolSequences
	warned  map[string]bool
}

// New constructs a trigger engine. close is invoked synchronously on fire,
// inside the engine's lock released — see OnPriceTick. notify may be nil,
// in which case liquidation warnings are silently skipped.
func New(close CloseFunc, notify ports.Notifier, log *slog.Logger) *Engine {
	return &Engine{
		close:   close,
		notify:  notify,
		log:     log,
		symbols: make(map[string]*symbolSequences),
		warned:  make(map[string]bool),
	}
}

func (e *Engine) seqFor(symbol string) *symbolSequences {
	s, ok := e.symbols[symbol]
	if !ok {
		s = newSymbolSequences()
		e.symbols[symbol] = s
	}
	return s
}

// Register adds TP, SL, and (always) a liquidation entry for a newly
// opened or modified position. A nil TP or SL is simply omitted.
func (e *Engine) Register(p domain.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	seqs := e.seqFor(p.Symbol)

	// clear any prior entries for this position before re-registering, so
	// UpdateTPSL can call Register again idempotently.
	e.removeLocked(seqs, p.ID)

	if p.Side == domain.SideLong {
		if p.TakeProfit != nil {
			seqs.longTP.insert(domain.TriggerEntry{PositionID: p.ID, AccountID: p.AccountID, Symbol: p.Symbol, Side: p.Side, Type: domain.TriggerTakeProfit, Price: *p.TakeProfit})
		}
		if p.StopLoss != nil {
			seqs.longSLLiq.insert(domain.TriggerEntry{PositionID: p.ID, AccountID: p.AccountID, Symbol: p.Symbol, Side: p.Side, Type: domain.TriggerStopLoss, Price: *p.StopLoss})
		}
		seqs.longSLLiq.insert(domain.TriggerEntry{PositionID: p.ID, AccountID: p.AccountID, Symbol: p.Symbol, Side: p.Side, Type: domain.TriggerLiquidation, Price: p.LiquidationPrice, EntryPrice: p.EntryPrice})
		return
	}

	if p.TakeProfit != nil {
		seqs.shortTP.insert(domain.TriggerEntry{PositionID: p.ID, AccountID: p.AccountID, Symbol: p.Symbol, Side: p.Side, Type: domain.TriggerTakeProfit, Price: *p.TakeProfit})
	}
	if p.StopLoss != nil {
		seqs.shortSLLiq.insert(domain.TriggerEntry{PositionID: p.ID, AccountID: p.AccountID, Symbol: p.Symbol, Side: p.Side, Type: domain.TriggerStopLoss, Price: *p.StopLoss})
	}
	seqs.shortSLLiq.insert(domain.TriggerEntry{PositionID: p.ID, AccountID: p.AccountID, Symbol: p.Symbol, Side: p.Side, Type: domain.TriggerLiquidation, Price: p.LiquidationPrice, EntryPrice: p.EntryPrice})
}

// UpdateTPSL re-registers a position after its TP/SL has changed.
func (e *Engine) UpdateTPSL(p domain.Position) {
	e.Register(p)
}

// Remove drops every entry for a position (its close has already been
// persisted by the caller).
func (e *Engine) Remove(symbol, positionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	seqs, ok := e.symbols[symbol]
	if !ok {
		return
	}
	e.removeLocked(seqs, positionID)
}

func (e *Engine) removeLocked(seqs *symbolSequences, positionID string) {
	seqs.longTP.removeByPositionID(positionID)
	seqs.longSLLiq.removeByPositionID(positionID)
	seqs.shortTP.removeByPositionID(positionID)
	seqs.shortSLLiq.removeByPositionID(positionID)
	delete(e.warned, positionID)
}

// OnPriceTick sweeps every sequence for tick.Symbol, firing closes for any
// entry whose condition is met. Once a position is closed (or found already
// gone), its other entries fired by the same tick are skipped, so on an
// SL/LIQ tie only the LIQ close runs. It implements price.Subscriber.
func (e *Engine) OnPriceTick(tick domain.PriceTick) {
	e.mu.Lock()
	seqs, ok := e.symbols[tick.Symbol]
	if !ok {
		e.mu.Unlock()
		return
	}

	var toWarn []domain.TriggerEntry
	if e.notify != nil {
		toWarn = append(toWarn, e.warnableLocked(seqs.longSLLiq.entries, tick.Mid)...)
		toWarn = append(toWarn, e.warnableLocked(seqs.shortSLLiq.entries, tick.Mid)...)
		for _, entry := range toWarn {
			e.warned[entry.PositionID] = true
		}
	}

	var fired []domain.TriggerEntry
	fired = append(fired, seqs.longTP.fireable(tick.Mid)...)
	fired = append(fired, seqs.longSLLiq.fireable(tick.Mid)...)
	fired = append(fired, seqs.shortTP.fireable(tick.Mid)...)
	fired = append(fired, seqs.shortSLLiq.fireable(tick.Mid)...)
	e.mu.Unlock()

	for _, entry := range toWarn {
		e.notify.Notify(entry.AccountID, ports.OutboundMessage{
			Type:    ports.OutLiquidationWarning,
			Payload: liquidationWarningPayload{PositionID: entry.PositionID, Symbol: entry.Symbol, LiquidationPrice: entry.Price, CurrentPrice: tick.Mid},
		})
	}

	done := make(map[string]bool)
	for _, entry := range fired {
		if done[entry.PositionID] {
			continue
		}
		exitPrice := tick.DerivedBid
		if entry.Side == domain.SideShort {
			exitPrice = tick.DerivedAsk
		}
		reason := entry.Type.CloseReason()
		result := e.close(context.Background(), domain.CloseRequest{
			PositionID:        entry.PositionID,
			Reason:            reason,
			ExplicitExitPrice: &exitPrice,
		})
		if result.Reason == domain.ReasonPersistFailed {
			e.log.Warn("trigger close failed transiently, re-registering for next tick",
				"position_id", entry.PositionID, "type", entry.Type)
			e.mu.Lock()
			s := e.seqFor(entry.Symbol)
			switch entry.Type {
			case domain.TriggerTakeProfit:
				if entry.Side == domain.SideLong {
					s.longTP.insert(entry)
				} else {
					s.shortTP.insert(entry)
				}
			default:
				if entry.Side == domain.SideLong {
					s.longSLLiq.insert(entry)
				} else {
					s.shortSLLiq.insert(entry)
				}
			}
			e.mu.Unlock()
			continue
		}
		if result.Reason == domain.ReasonOK || result.Reason == domain.ReasonNotFound {
			done[entry.PositionID] = true
		} else {
			e.log.Error("trigger close failed", "position_id", entry.PositionID, "reason", result.Reason, "error", result.Err)
		}
	}
}

// liquidationWarningPayload is the LIQUIDATION_WARNING broadcast body.
type liquidationWarningPayload struct {
	PositionID       string      `json:"positionId"`
	Symbol           string      `json:"symbol"`
	LiquidationPrice domain.Money `json:"liquidationPrice"`
	CurrentPrice     domain.Money `json:"currentPrice"`
}

// warnableLocked returns the LIQ entries in entries that are within the
// liquidation-warning buffer of mid but have not yet fired, and have not
// already been warned about since their last registration. Must be called
// with e.mu held.
func (e *Engine) warnableLocked(entries []domain.TriggerEntry, mid domain.Money) []domain.TriggerEntry {
	var out []domain.TriggerEntry
	for _, entry := range entries {
		if entry.Type != domain.TriggerLiquidation || e.warned[entry.PositionID] {
			continue
		}
		if entry.Fires(mid) {
			continue
		}
		fullDistance := entry.EntryPrice.Sub(entry.Price).Abs()
		if !fullDistance.IsPositive() {
			continue
		}
		remaining := mid.Sub(entry.Price).Abs()
		buffer := fullDistance.Mul(decimal.NewFromFloat(liquidationWarningBufferPct))
		if remaining.LessThanOrEqual(buffer) {
			out = append(out, entry)
		}
	}
	return out
}
