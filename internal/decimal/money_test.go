package decimal_test

import (
	"testing"

	dec "github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/rezonia/nfe-service/internal/decimal"
)

func TestCalculateTax(t *testing.T) {
	tests := []struct {
		name string
		base string
		rate string
		want string
	}{
		{"icms 18%", "100.00", "18", "18.00"},
		{"pis 1.65%", "20.00", "1.65", "0.33"},
		{"cofins 7.6%", "20.00", "7.6", "1.52"},
		{"zero rate", "20.00", "0", "0"},
		{"zero base", "0", "18", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decimal.CalculateTax(dec.RequireFromString(tt.base), dec.RequireFromString(tt.rate))
			assert.True(t, got.Equal(dec.RequireFromString(tt.want)), "got %s", got)
		})
	}
}

func TestLineTotal(t *testing.T) {
	got := decimal.LineTotal(dec.NewFromInt(2), dec.RequireFromString("10.00"))
	assert.Equal(t, "20.00", decimal.Format(got, 2))

	got = decimal.LineTotal(dec.RequireFromString("3"), dec.RequireFromString("0.333"))
	assert.Equal(t, "1.00", decimal.Format(got, 2))
}

func TestWithinTolerance(t *testing.T) {
	assert.True(t, decimal.WithinTolerance(dec.RequireFromString("20.00"), dec.RequireFromString("20.01")))
	assert.True(t, decimal.WithinTolerance(dec.RequireFromString("20.00"), dec.RequireFromString("19.99")))
	assert.False(t, decimal.WithinTolerance(dec.RequireFromString("20.00"), dec.RequireFromString("20.02")))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "20.00", decimal.Format(dec.NewFromInt(20), 2))
	assert.Equal(t, "2.0000", decimal.Format(dec.NewFromInt(2), 4))
	assert.Equal(t, "0.33", decimal.Format(dec.RequireFromString("0.333"), 2))
}

func TestFormatUnitPrice(t *testing.T) {
	assert.Equal(t, "10.00", decimal.FormatUnitPrice(dec.NewFromInt(10)))
	assert.Equal(t, "10.50", decimal.FormatUnitPrice(dec.RequireFromString("10.5")))
	assert.Equal(t, "0.12345", decimal.FormatUnitPrice(dec.RequireFromString("0.12345")))
	assert.Equal(t, "1.1234567891", decimal.FormatUnitPrice(dec.RequireFromString("1.123456789123")))
}

func TestPredicates(t *testing.T) {
	assert.True(t, decimal.IsPositive(dec.NewFromInt(1)))
	assert.False(t, decimal.IsPositive(dec.Zero))
	assert.True(t, decimal.IsNonNegative(dec.Zero))
	assert.False(t, decimal.IsNonNegative(dec.NewFromInt(-1)))
	assert.True(t, decimal.RoundBRL(dec.RequireFromString("1.005")).Equal(dec.RequireFromString("1.01")))
	assert.True(t, decimal.RoundBRL(dec.RequireFromString("-1.005")).Equal(dec.RequireFromString("-1.01")))
}

func TestCalculateTax_RoundsHalfAwayFromZero(t *testing.T) {
	// 12.50 * 0.65% = 0.08125
	got := decimal.CalculateTax(dec.RequireFromString("12.50"), dec.RequireFromString("0.65"))
	assert.Equal(t, "0.08", decimal.Format(got, 2))

	// 0.50 * 1% = 0.005
	got = decimal.CalculateTax(dec.RequireFromString("0.50"), dec.NewFromInt(1))
	assert.Equal(t, "0.01", decimal.Format(got, 2))
}
