package services

import (
	"errors"
	"time"

	"github.com/username/cgtfolio/src/models"
)

var ErrInvalidScope = errors.New("recalculation scope must be exactly one of full, sale ids, or from-date")

// RecalcScope selects which sales a recalculation pass rewrites. Exactly one
// selector must be set. Matching always replays the complete sale history so
// lot state is correct; the scope only limits which derived rows are replaced.
type RecalcScope struct {
	Full     bool
	SaleIDs  []int64
	FromDate *time.Time
}

// FullScope recalculates everything.
func FullScope() RecalcScope {
	return RecalcScope{Full: true}
}

func (s RecalcScope) validate() error {
	selectors := 0
	if s.Full {
		selectors++
	}
	if len(s.SaleIDs) > 0 {
		selectors++
	}
	if s.FromDate != nil {
		selectors++
	}
	if selectors != 1 {
		return ErrInvalidScope
	}
	return nil
}

// RecalcOptions tunes a recalculation pass. Explain persists the ordered
// step log; TaxYear, when set, additionally aggregates that year's summary
// and rewrites carry-forward losses and per-fragment tax allocations.
type RecalcOptions struct {
	Explain bool
	TaxYear *int
}

// CalculationResult is the outcome of one recalculation pass.
type CalculationResult struct {
	RunID         string                 `json:"run_id"`
	SaleSnapshots []models.SaleSnapshot  `json:"sale_snapshots"`
	Disposals     int                    `json:"disposals"`
	ErrorsPresent bool                   `json:"errors_present"`
	Summary       *models.TaxYearSummary `json:"summary,omitempty"`
}

// Calculator is the recalculation surface the handlers depend on.
type Calculator interface {
	Recalculate(scope RecalcScope, opts RecalcOptions) (*CalculationResult, error)
	SummaryForYear(taxYear int) (*models.TaxYearSummary, error)
}
