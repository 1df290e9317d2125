package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDate(t *testing.T) {
	d, ok := ParseDate("2024-04-06")
	require.True(t, ok)
	assert.Equal(t, 2024, d.Year())
	assert.Equal(t, time.April, d.Month())
	assert.Equal(t, 6, d.Day())

	_, ok = ParseDate("06/04/2024")
	assert.False(t, ok)
	_, ok = ParseDate("")
	assert.False(t, ok)
}

func TestTaxYearOf(t *testing.T) {
	tests := []struct {
		date string
		want int
	}{
		{"2024-04-05", 2023},
		{"2024-04-06", 2024},
		{"2024-12-31", 2024},
		{"2025-01-01", 2024},
		{"2025-04-05", 2024},
		{"2025-04-06", 2025},
	}
	for _, tc := range tests {
		d, ok := ParseDate(tc.date)
		require.True(t, ok)
		assert.Equal(t, tc.want, TaxYearOf(d), "date %s", tc.date)
	}
}

func TestTaxYearBounds(t *testing.T) {
	start, end := TaxYearBounds(2024)
	assert.Equal(t, "2024-04-06", start.Format(DefaultDateFormat))
	assert.Equal(t, "2025-04-05", end.Format(DefaultDateFormat))

	assert.Equal(t, 2024, TaxYearOf(start))
	assert.Equal(t, 2024, TaxYearOf(end))
}
