// internal/pkg/money/money.go
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BasisPoints is the denominator for rates expressed in basis points (1% = 100)
const BasisPoints = 10000

// Money is an amount in integer minor units with a derived major-unit mirror
type Money struct {
	Minor int64   `json:"minor"`
	Major float64 `json:"major"`
}

// New builds a Money from minor units. The major mirror is always derived, never parsed back.
func New(minor int64) Money {
	return Money{Minor: minor, Major: Major(minor)}
}

// Major converts minor units to major units for display
func Major(minor int64) float64 {
	return decimal.New(minor, -2).InexactFloat64()
}

// Format renders minor units as a fixed two-decimal string
func Format(minor int64, currency string) string {
	return fmt.Sprintf("%s %s", decimal.New(minor, -2).StringFixed(2), currency)
}

// PercentOf returns round(amount * bps / 10000), rounding half away from zero
func PercentOf(amount, bps int64) int64 {
	if amount == 0 || bps == 0 {
		return 0
	}
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(bps)).
		Div(decimal.NewFromInt(BasisPoints)).
		Round(0).
		IntPart()
}

// Min returns the smaller of two amounts
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// NonNegative clamps negative amounts to zero
func NonNegative(a int64) int64 {
	if a < 0 {
		return 0
	}
	return a
}
