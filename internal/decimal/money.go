// Package decimal holds the monetary arithmetic of the fiscal layout.
// Amounts are shopspring decimals rounded half away from zero to centavos.
package decimal

import (
	"github.com/shopspring/decimal"
)

// Zero is decimal zero
var Zero = decimal.Zero

// Tolerance is the accepted difference between a declared line total and
// quantity times unit price (one centavo).
var Tolerance = decimal.New(1, -2)

var hundred = decimal.NewFromInt(100)

// CalculateTax computes base * (rate/100) rounded to centavos.
func CalculateTax(base, ratePercent decimal.Decimal) decimal.Decimal {
	if ratePercent.IsZero() || base.IsZero() {
		return Zero
	}
	return RoundBRL(base.Mul(ratePercent).Div(hundred))
}

// LineTotal computes quantity * unit price rounded to centavos.
func LineTotal(quantity, unitPrice decimal.Decimal) decimal.Decimal {
	return RoundBRL(quantity.Mul(unitPrice))
}

// WithinTolerance reports whether a and b differ by at most one centavo.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

// IsPositive reports d > 0
func IsPositive(d decimal.Decimal) bool {
	return d.Sign() > 0
}

// IsNonNegative reports d >= 0
func IsNonNegative(d decimal.Decimal) bool {
	return d.Sign() >= 0
}

// RoundBRL rounds to centavos.
func RoundBRL(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Format renders d with exactly places fractional digits, the way the
// fiscal layout expects monetary (2) and quantity (4) fields.
func Format(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

// FormatUnitPrice renders a unit price with at least 2 and at most 10
// fractional digits.
func FormatUnitPrice(d decimal.Decimal) string {
	s := d.Round(10).StringFixed(10)
	end := len(s)
	for end > 0 && s[end-1] == '0' {
		end--
	}
	// keep at least two decimals
	dot := len(s) - 11
	if end < dot+3 {
		end = dot + 3
	}
	return s[:end]
}
