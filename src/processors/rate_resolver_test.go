package processors

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/cgtfolio/src/models"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testRates() []models.ExchangeRate {
	return []models.ExchangeRate{
		{ID: 1, Date: day("2023-06-01"), USDGBP: dec("1.2")},
		{ID: 2, Date: day("2023-09-01"), USDGBP: dec("1.25")},
		{ID: 3, Date: day("2025-03-01"), USDGBP: dec("1.3")},
	}
}

func TestRateResolverResolve(t *testing.T) {
	r := NewRateResolver(testRates())
	require.True(t, r.HasRates())

	tests := []struct {
		name string
		date string
		want string
	}{
		{"exact date", "2023-06-01", "1.2"},
		{"same year falls back to latest entry in year", "2023-12-25", "1.25"},
		{"gap year uses nearest earlier year", "2024-05-05", "1.25"},
		{"before all rates uses earliest later year", "2022-01-01", "1.25"},
		{"exact date in later year", "2025-03-01", "1.3"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := r.Resolve(day(tc.date))
			assert.True(t, got.Equal(dec(tc.want)), "got %s, want %s", got, tc.want)
		})
	}
}

func TestRateResolverEmpty(t *testing.T) {
	r := NewRateResolver(nil)
	assert.False(t, r.HasRates())
	got := r.Resolve(day("2024-01-01"))
	assert.True(t, got.Equal(decimal.NewFromInt(1)), "empty resolver must return 1, got %s", got)
}
