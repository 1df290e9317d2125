package parsers

import (
	"io"

	"github.com/username/cgtfolio/src/models"
)

// RateParser defines the interface for parsing exchange-rate files.
type RateParser interface {
	Parse(file io.Reader) ([]models.ExchangeRate, error)
}
