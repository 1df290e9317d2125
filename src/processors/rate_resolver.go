package processors

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/cgtfolio/src/models"
	"github.com/username/cgtfolio/src/utils"
)

// YearRate is one calendar year's representative USD/GBP rate.
type YearRate struct {
	Year int
	Rate decimal.Decimal
}

// RateResolver resolves a USD/GBP conversion rate for a date from the sparse
// rate table. Resolution never fails: exact date first, then the date's own
// year, then the nearest earlier year, then the nearest later year, then a
// neutral 1:1 rate when the table is empty.
type RateResolver struct {
	exact map[string]decimal.Decimal
	years []YearRate
}

func NewRateResolver(rates []models.ExchangeRate) *RateResolver {
	sorted := make([]models.ExchangeRate, len(rates))
	copy(sorted, rates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	exact := make(map[string]decimal.Decimal, len(sorted))
	yearMap := make(map[int]decimal.Decimal)
	for _, r := range sorted {
		exact[r.Date.Format(utils.DefaultDateFormat)] = r.USDGBP
		// latest entry within a year becomes the year's representative rate
		yearMap[r.Date.Year()] = r.USDGBP
	}

	years := make([]YearRate, 0, len(yearMap))
	for y, rate := range yearMap {
		years = append(years, YearRate{Year: y, Rate: rate})
	}
	sort.Slice(years, func(i, j int) bool { return years[i].Year < years[j].Year })

	return &RateResolver{exact: exact, years: years}
}

// HasRates reports whether any rates were loaded.
func (r *RateResolver) HasRates() bool {
	return len(r.years) > 0
}

func (r *RateResolver) Resolve(date time.Time) decimal.Decimal {
	if rate, ok := r.exact[date.Format(utils.DefaultDateFormat)]; ok {
		return rate
	}
	if len(r.years) == 0 {
		return decimal.NewFromInt(1)
	}

	year := date.Year()
	for _, yr := range r.years {
		if yr.Year == year {
			return yr.Rate
		}
	}

	var earlier *YearRate
	for i := range r.years {
		if r.years[i].Year < year {
			earlier = &r.years[i]
		}
	}
	if earlier != nil {
		return earlier.Rate
	}

	for _, yr := range r.years {
		if yr.Year > year {
			return yr.Rate
		}
	}
	return decimal.NewFromInt(1)
}
