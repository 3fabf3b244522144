package domain

import "github.com/shopspring/decimal"

// Money is the exact-decimal type used for every monetary quantity in the
// engine: balances, margin, fees, P&L. Never a binary float. Basis points,
// leverage ratios and percentages may still use float64 where a 1-ulp drift
// is acceptable (see bps.go).
type Money = decimal.Decimal

// Zero is the canonical zero Money value.
var Zero = decimal.Zero

// MoneyFromFloat builds a Money from a float64. Reserved for values that
// originate as floats at a trust boundary (config defaults, test fixtures);
// never use it to round-trip a value already held as Money.
func MoneyFromFloat(f float64) Money {
	return decimal.NewFromFloat(f)
}
