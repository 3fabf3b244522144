package domain

import "github.com/shopspring/decimal"

// BasisPoints converts bps (e.g. 5 for 5bps) into a decimal fraction.
func BasisPoints(bps float64) decimal.Decimal {
	return decimal.NewFromFloat(bps).Div(decimal.NewFromInt(10000))
}
