package domain

// AssetClass distinguishes majors (BTC/ETH) from altcoins for leverage
// ceilings and margin treatment.
type AssetClass string

const (
	AssetClassMajor    AssetClass = "MAJOR"
	AssetClassAltcoin  AssetClass = "ALTCOIN"
)

// SymbolConfig is the static configuration for a tradable symbol.
type SymbolConfig struct {
	Symbol      string
	AssetClass  AssetClass
	SpreadBps   float64
	MaxLeverage int
	FundingRate float64
}

// Majors reports whether the symbol belongs to the major asset class.
func (c SymbolConfig) Majors() bool {
	return c.AssetClass == AssetClassMajor
}
