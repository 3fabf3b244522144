package orders

import "github.com/alejandrodnm/perpengine/internal/domain"

// SymbolRegistry holds the static per-symbol configuration (asset class,
// max leverage) the order executor needs to validate and price a request.
// It is populated once at startup from config and never mutated after.
type SymbolRegistry struct {
	symbols map[string]domain.SymbolConfig
	fallback domain.SymbolConfig
}

// NewSymbolRegistry builds a registry from the given symbols. fallback is
// returned for any symbol not explicitly configured, treated as an
// altcoin with a conservative leverage ceiling.
func NewSymbolRegistry(symbols []domain.SymbolConfig) *SymbolRegistry {
	r := &SymbolRegistry{
		symbols: make(map[string]domain.SymbolConfig, len(symbols)),
		fallback: domain.SymbolConfig{
			AssetClass:  domain.AssetClassAltcoin,
			MaxLeverage: 10,
		},
	}
	for _, s := range symbols {
		r.symbols[s.Symbol] = s
	}
	return r
}

// Get returns the configuration for symbol, falling back to a
// conservative altcoin default if it was never registered.
func (r *SymbolRegistry) Get(symbol string) domain.SymbolConfig {
	if s, ok := r.symbols[symbol]; ok {
		return s
	}
	fb := r.fallback
	fb.Symbol = symbol
	return fb
}
