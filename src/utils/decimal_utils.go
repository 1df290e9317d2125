package utils

import (
	"strings"

	"github.com/shopspring/decimal"
)

// SafeDecimal parses a monetary or quantity string. Blank and malformed
// values are coerced to zero rather than rejected, so a recalculation can
// always run to completion; the second return value reports whether the
// input was coerced, letting callers flag it in the step log.
func SafeDecimal(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, true
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, true
	}
	return d, false
}

// Q2 rounds a monetary amount to 2 decimal places, half away from zero.
func Q2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Q6 rounds a share quantity to 6 decimal places, half away from zero.
func Q6(d decimal.Decimal) decimal.Decimal {
	return d.Round(6)
}
