package parsers

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/username/cgtfolio/src/logger"
	"github.com/username/cgtfolio/src/models"
	"github.com/username/cgtfolio/src/utils"
)

// Date format used by Bank of England CSV exports, e.g. "17 Mar 23".
const boeDateFormat = "02 Jan 06"

// Rows dated outside this range are assumed to be junk and skipped.
const (
	boeMinYear = 2010
	boeMaxYear = 2025
)

// BoERateParser parses the Bank of England daily-spot CSV export
// (date, USD per GBP). Malformed rows are skipped, not fatal.
type BoERateParser struct{}

func NewBoERateParser() *BoERateParser {
	return &BoERateParser{}
}

func (p *BoERateParser) Parse(file io.Reader) ([]models.ExchangeRate, error) {
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	// header
	if _, err := reader.Read(); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("empty CSV file")
		}
		return nil, fmt.Errorf("error reading CSV header: %w", err)
	}

	var rates []models.ExchangeRate
	seen := make(map[string]bool)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading CSV row: %w", err)
		}
		if len(row) < 2 {
			continue
		}
		dateStr := strings.Trim(strings.TrimSpace(row[0]), `"`)
		rateStr := strings.Trim(strings.TrimSpace(row[1]), `"`)
		if dateStr == "" || rateStr == "" {
			continue
		}
		dt, err := time.Parse(boeDateFormat, dateStr)
		if err != nil {
			logger.L.Debug("Skipping unparsable BoE CSV date", "value", dateStr)
			continue
		}
		if dt.Year() < boeMinYear || dt.Year() > boeMaxYear {
			continue
		}
		rate, coerced := utils.SafeDecimal(rateStr)
		if coerced || rate.Sign() <= 0 {
			continue
		}
		key := dt.Format(utils.DefaultDateFormat)
		if seen[key] {
			continue
		}
		seen[key] = true
		rates = append(rates, models.ExchangeRate{
			Date:        dt,
			USDGBP:      rate,
			Description: fmt.Sprintf("BoE daily spot %s", key),
			Notes:       "Uploaded from BoE CSV",
		})
	}
	return rates, nil
}
