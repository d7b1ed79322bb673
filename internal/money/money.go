// Package money provides shared amount parsing, rounding and comparison.
//
// Amounts are fiat values with 2 decimal places, carried as decimal.Decimal
// so that ledger arithmetic never touches binary floating point.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits kept on every amount.
const Places = 2

// Tolerance is the largest difference accepted when comparing sums that
// were split from a single amount (e.g. milestone amounts vs. total).
var Tolerance = decimal.New(1, -Places)

var (
	ErrInvalid  = errors.New("money: invalid amount")
	ErrNegative = errors.New("money: negative amount")
)

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string ("1000", "12.5", "0.07") to a rounded
// amount. Negative values and more than one decimal point are rejected.
// An empty string parses to zero.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	if strings.HasPrefix(s, "-") {
		return decimal.Zero, ErrNegative
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalid
	}
	return Round(d), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Round rounds half away from zero to Places digits.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Format renders an amount with exactly 2 decimal places ("500.00").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// Positive reports whether d is strictly greater than zero.
func Positive(d decimal.Decimal) bool {
	return d.GreaterThan(decimal.Zero)
}

// Within reports whether a and b differ by at most Tolerance.
func Within(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

// Sum adds amounts and rounds the result.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return Round(total)
}

// ToCents converts an amount to integer minor units for payment rails.
func ToCents(d decimal.Decimal) int64 {
	return Round(d).Shift(Places).IntPart()
}

// FromCents converts integer minor units back to an amount.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -Places)
}
