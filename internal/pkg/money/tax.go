package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TaxMode selects whether catalog prices already contain tax
type TaxMode string

const (
	TaxInclusive TaxMode = "inclusive"
	TaxExclusive TaxMode = "exclusive"
)

// ParseTaxMode validates a configured pricing mode
func ParseTaxMode(s string) (TaxMode, error) {
	switch TaxMode(s) {
	case TaxInclusive, TaxExclusive:
		return TaxMode(s), nil
	}
	return "", fmt.Errorf("unknown pricing mode %q", s)
}

// TaxBreakdown is the result of applying a VAT-style rate to a gross figure.
// TotalBeforeTax + Tax == TotalAfterTax holds for both modes.
type TaxBreakdown struct {
	Mode           TaxMode `json:"mode"`
	RateBps        int64   `json:"rate_bps"`
	Basis          int64   `json:"basis"`
	Tax            int64   `json:"tax"`
	TotalBeforeTax int64   `json:"total_before_tax"`
	TotalAfterTax  int64   `json:"total_after_tax"`
}

// ComputeTax applies rateBps to amount. In exclusive mode amount is net and tax is
// added on top; in inclusive mode amount is gross and tax is backed out of it.
func ComputeTax(mode TaxMode, amount, rateBps int64) TaxBreakdown {
	amount = NonNegative(amount)
	b := TaxBreakdown{Mode: mode, RateBps: rateBps, Basis: amount}
	if rateBps <= 0 {
		b.TotalBeforeTax = amount
		b.TotalAfterTax = amount
		return b
	}

	switch mode {
	case TaxInclusive:
		net := decimal.NewFromInt(amount).
			Mul(decimal.NewFromInt(BasisPoints)).
			Div(decimal.NewFromInt(BasisPoints + rateBps)).
			Round(0).
			IntPart()
		b.Tax = amount - net
		b.TotalBeforeTax = net
		b.TotalAfterTax = amount
	default:
		b.Tax = PercentOf(amount, rateBps)
		b.TotalBeforeTax = amount
		b.TotalAfterTax = amount + b.Tax
	}
	return b
}

// Consistent reports whether the breakdown satisfies its arithmetic identity
func (b TaxBreakdown) Consistent() bool {
	return b.TotalBeforeTax+b.Tax == b.TotalAfterTax && b.Tax >= 0
}
