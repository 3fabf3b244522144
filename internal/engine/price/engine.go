// Package price implements the price engine: derives per-symbol bid/ask
// from the upstream mid plus a configured spread, stamps a monotone
// timestamp, guards against sudden moves with a circuit breaker, and fans
// updates out to subscribers synchronously.
package price

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/perpengine/internal/domain"
)

// Subscriber receives an accepted tick. Implementations must not block the
// publisher — enqueue internally if the work is slow.
type Subscriber interface {
	OnPriceTick(tick domain.PriceTick)
}

// symbolState is the mutable per-symbol state, guarded by its own mutex so
// that ticks for different symbols never contend.
type symbolState struct {
	mu           sync.RWMutex
	spreadBps    float64
	lastTick     domain.PriceTick
	hasTick      bool
	tripped      bool
	lastAccepted time.Time
}

// Config holds the circuit-breaker and staleness thresholds, overridable
// per deployment via environment (see config.Config).
type Config struct {
	DefaultSpreadBps          float64
	CircuitBreakerThresholdPct float64
	CircuitBreakerResetMs     int64
	PriceStaleThresholdMs     int64
}

// Engine is the price engine. One instance per process, constructed at
// startup and passed by reference to every component that needs prices —
// never a package-level global.
type Engine struct {
	cfg Config

	mu      sync.RWMutex
	symbols map[string]*symbolState

	subMu       sync.RWMutex
	subscribers []Subscriber

	now func() time.Time
}

// New constructs a price engine. now defaults to time.Now; tests may
// override it to drive the circuit breaker deterministically.
func New(cfg Config) *Engine {
	if cfg.DefaultSpreadBps <= 0 {
		cfg.DefaultSpreadBps = 10
	}
	if cfg.CircuitBreakerThresholdPct <= 0 {
		cfg.CircuitBreakerThresholdPct = 0.05
	}
	if cfg.CircuitBreakerResetMs <= 0 {
		cfg.CircuitBreakerResetMs = 1000
	}
	if cfg.PriceStaleThresholdMs <= 0 {
		cfg.PriceStaleThresholdMs = 5000
	}
	return &Engine{
		cfg:     cfg,
		symbols: make(map[string]*symbolState),
		now:     time.Now,
	}
}

// Subscribe registers a subscriber for every accepted tick, on every
// symbol. The price engine does not support per-symbol subscriptions
// itself — subscribers (position manager, trigger engine, client channel)
// filter internally.
func (e *Engine) Subscribe(s Subscriber) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subscribers = append(e.subscribers, s)
}

func (e *Engine) stateFor(symbol string) *symbolState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.symbols[symbol]
	if !ok {
		st = &symbolState{spreadBps: e.cfg.DefaultSpreadBps}
		e.symbols[symbol] = st
	}
	return st
}

// SetSpread overrides the configured spread (bps) for a symbol.
func (e *Engine) SetSpread(symbol string, bps float64) {
	st := e.stateFor(symbol)
	st.mu.Lock()
	st.spreadBps = bps
	st.mu.Unlock()
}

// UpdatePrice ingests a new upstream quote. It is the only mutation path
// for price state and must only be called from the feed ingress goroutine
// for a given symbol; readers are lock-free relative to each other (each
// symbol's state carries its own RWMutex).
//
// Returns false if the tick was rejected (stale ordering or circuit
// breaker trip); in that case no fan-out occurs.
func (e *Engine) UpdatePrice(symbol string, upstreamBid, upstreamAsk decimal.Decimal) (domain.PriceTick, bool) {
	st := e.stateFor(symbol)

	now := e.now()
	mid := upstreamBid.Add(upstreamAsk).Div(decimal.NewFromInt(2))

	st.mu.Lock()
	if st.hasTick && now.Before(st.lastTick.Timestamp) {
		st.mu.Unlock()
		return domain.PriceTick{}, false
	}

	if e.tripCheck(st, mid, now) {
		st.mu.Unlock()
		return domain.PriceTick{}, false
	}

	halfSpread := mid.Mul(decimal.NewFromFloat(st.spreadBps)).Div(decimal.NewFromInt(10000))
	tick := domain.PriceTick{
		Symbol:      symbol,
		UpstreamBid: upstreamBid,
		UpstreamAsk: upstreamAsk,
		Mid:         mid,
		SpreadBps:   st.spreadBps,
		DerivedBid:  mid.Sub(halfSpread),
		DerivedAsk:  mid.Add(halfSpread),
		Timestamp:   now,
	}
	st.lastTick = tick
	st.hasTick = true
	st.lastAccepted = now
	st.tripped = false
	st.mu.Unlock()

	e.fanOut(tick)
	return tick, true
}

// tripCheck evaluates and updates circuit-breaker state for a candidate
// mid. Caller holds st.mu. Returns true if the tick must be rejected.
func (e *Engine) tripCheck(st *symbolState, mid decimal.Decimal, now time.Time) bool {
	if !st.hasTick {
		return false
	}
	prevMid := st.lastTick.Mid
	if prevMid.IsZero() {
		return false
	}
	moveAbs := mid.Sub(prevMid).Abs().Div(prevMid)
	threshold := decimal.NewFromFloat(e.cfg.CircuitBreakerThresholdPct)
	sinceLastAccepted := now.Sub(st.lastAccepted)
	resetWindow := time.Duration(e.cfg.CircuitBreakerResetMs) * time.Millisecond

	if st.tripped {
		if sinceLastAccepted >= resetWindow {
			st.tripped = false
			return false
		}
		return true
	}

	if moveAbs.GreaterThan(threshold) && sinceLastAccepted < time.Second {
		st.tripped = true
		return true
	}
	return false
}

// IsTripped reports whether a symbol's circuit breaker is currently open.
func (e *Engine) IsTripped(symbol string) bool {
	st := e.stateFor(symbol)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.tripped
}

func (e *Engine) fanOut(tick domain.PriceTick) {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	for _, s := range e.subscribers {
		s.OnPriceTick(tick)
	}
}

// GetPrice returns the last accepted tick for symbol, or false if none has
// ever been accepted.
func (e *Engine) GetPrice(symbol string) (domain.PriceTick, bool) {
	st := e.stateFor(symbol)
	st.mu.RLock()
	defer st.mu.RUnlock()
	if !st.hasTick {
		return domain.PriceTick{}, false
	}
	return st.lastTick, true
}

// ExecutionPrice returns the derived ask for a LONG fill, the derived bid
// for a SHORT fill.
func (e *Engine) ExecutionPrice(symbol string, side domain.Side) (decimal.Decimal, bool) {
	tick, ok := e.GetPrice(symbol)
	if !ok {
		return decimal.Zero, false
	}
	return tick.ExecutionPrice(side), true
}

// IsStale reports whether the symbol's last accepted tick is older than
// maxAge, or true if no tick has ever been accepted.
func (e *Engine) IsStale(symbol string, maxAge time.Duration) bool {
	tick, ok := e.GetPrice(symbol)
	if !ok {
		return true
	}
	return e.now().Sub(tick.Timestamp) > maxAge
}

// StaleThreshold returns the configured default staleness window.
func (e *Engine) StaleThreshold() time.Duration {
	return time.Duration(e.cfg.PriceStaleThresholdMs) * time.Millisecond
}
