package utils

import (
	"time"
)

const DefaultDateFormat = "2006-01-02"

// ParseDate parses a date string using the default format.
// Returns zero time and false if parsing fails.
func ParseDate(dateStr string) (time.Time, bool) {
	t, err := time.Parse(DefaultDateFormat, dateStr)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// TaxYearOf returns the UK tax year a date falls in, identified by its
// starting calendar year. The UK tax year runs 6 April to 5 April.
func TaxYearOf(d time.Time) int {
	start := time.Date(d.Year(), time.April, 6, 0, 0, 0, 0, time.UTC)
	if d.Before(start) {
		return d.Year() - 1
	}
	return d.Year()
}

// TaxYearBounds returns the first and last day of a UK tax year.
func TaxYearBounds(taxYear int) (time.Time, time.Time) {
	start := time.Date(taxYear, time.April, 6, 0, 0, 0, 0, time.UTC)
	end := time.Date(taxYear+1, time.April, 5, 0, 0, 0, 0, time.UTC)
	return start, end
}
