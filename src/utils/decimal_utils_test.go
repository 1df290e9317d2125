package utils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSafeDecimal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		coerced bool
	}{
		{"plain number", "12.34", "12.34", false},
		{"negative", "-0.5", "-0.5", false},
		{"whitespace trimmed", "  7 ", "7", false},
		{"empty coerces to zero", "", "0", true},
		{"blank coerces to zero", "   ", "0", true},
		{"garbage coerces to zero", "abc", "0", true},
		{"partial number coerces", "12,34", "0", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, coerced := SafeDecimal(tc.input)
			assert.Equal(t, tc.coerced, coerced)
			assert.True(t, got.Equal(decimal.RequireFromString(tc.want)), "got %s want %s", got, tc.want)
		})
	}
}

func TestQ2RoundsHalfAwayFromZero(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"1.005", "1.01"},
		{"1.004", "1"},
		{"-1.005", "-1.01"},
		{"2.675", "2.68"},
		{"10", "10"},
	}
	for _, tc := range tests {
		got := Q2(decimal.RequireFromString(tc.input))
		assert.True(t, got.Equal(decimal.RequireFromString(tc.want)), "Q2(%s) got %s want %s", tc.input, got, tc.want)
	}
}

func TestQ6(t *testing.T) {
	got := Q6(decimal.RequireFromString("0.12345649"))
	assert.Equal(t, "0.123456", got.String())

	got = Q6(decimal.RequireFromString("0.1234565"))
	assert.Equal(t, "0.123457", got.String())
}
