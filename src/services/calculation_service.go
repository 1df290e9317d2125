package services

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/username/cgtfolio/src/logger"
	"github.com/username/cgtfolio/src/models"
	"github.com/username/cgtfolio/src/processors"
	"github.com/username/cgtfolio/src/utils"
)

const summaryCachePrefix = "tax_year_summary_"

// CalculationService orchestrates the full recalculation pass: it rebuilds
// the lot inventory from acquisition records, replays every sale through the
// matching waterfall, persists the resulting fragments and traces, and
// optionally aggregates one tax year's position.
type CalculationService struct {
	engine *processors.MatchingEngine
	coster *processors.FragmentCoster
	cache  *cache.Cache
}

func NewCalculationService(c *cache.Cache) *CalculationService {
	return &CalculationService{
		engine: processors.NewMatchingEngine(),
		coster: processors.NewFragmentCoster(),
		cache:  c,
	}
}

// Recalculate runs one pass. All sales are replayed in date order regardless
// of scope, because matching any sale depends on the lot depletion caused by
// every earlier one; the scope only controls which sales' derived rows are
// deleted and rewritten. Pool snapshots are written on full passes only.
func (s *CalculationService) Recalculate(scope RecalcScope, opts RecalcOptions) (*CalculationResult, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	started := time.Now()
	stepOrder := 0
	logStep := func(saleInputID int64, message string) {
		stepOrder++
		if opts.Explain {
			if err := insertCalculationStep(runID, saleInputID, stepOrder, message); err != nil {
				logger.L.Error("failed to persist calculation step", "run_id", runID, "error", err)
			}
		}
		logger.L.Debug("calculation step", "run_id", runID, "step", stepOrder, "message", message)
	}

	logger.L.Info("Starting recalculation", "run_id", runID,
		"full", scope.Full, "sale_ids", len(scope.SaleIDs), "from_date", scope.FromDate != nil)

	rates, err := LoadExchangeRates()
	if err != nil {
		return nil, err
	}
	resolver := processors.NewRateResolver(rates)
	if !resolver.HasRates() {
		logStep(0, "WARNING: no exchange rates loaded; all USD amounts are converted at rate 1")
	}

	vestings, err := LoadVestings(logStep)
	if err != nil {
		return nil, err
	}
	purchases, err := LoadESPPPurchases(logStep)
	if err != nil {
		return nil, err
	}
	sales, err := LoadSales(logStep)
	if err != nil {
		return nil, err
	}

	inScope := s.scopeFilter(scope, sales)
	if scope.Full {
		if err := clearDerivedFull(); err != nil {
			return nil, err
		}
	} else {
		ids := make([]int64, 0, len(sales))
		for _, sale := range sales {
			if inScope[sale.ID] {
				ids = append(ids, sale.ID)
			}
		}
		if err := clearDerivedForSales(ids); err != nil {
			return nil, err
		}
	}

	lots := processors.NewLotBuilder(resolver).Build(vestings, purchases, logStep)
	logStep(0, fmt.Sprintf("Built %d acquisition lots from %d vestings and %d ESPP purchases",
		len(lots), len(vestings), len(purchases)))

	result := &CalculationResult{RunID: runID}
	var lastSaleDate *time.Time
	lastSnapshotYear := 0

	for _, sale := range sales {
		if scope.Full && lastSaleDate != nil {
			year := utils.TaxYearOf(*lastSaleDate)
			if utils.TaxYearOf(sale.Date) != year && year != lastSnapshotYear {
				if err := insertPoolSnapshot(runID, &year, lots); err != nil {
					return nil, err
				}
				lastSnapshotYear = year
			}
		}

		logStep(sale.ID, fmt.Sprintf("Processing sale %d on %s: %s shares at %s USD",
			sale.ID, sale.Date.Format(utils.DefaultDateFormat),
			sale.SharesSold.String(), sale.SalePriceUSD.String()))

		match := s.engine.MatchSale(sale, lots, logStep)
		rateForSale := s.saleRate(sale, resolver)

		saleFailed := match.Unmatched.Sign() > 0
		var fragments []models.DisposalFragment
		if saleFailed {
			result.ErrorsPresent = true
			logStep(sale.ID, fmt.Sprintf("ERROR: sale %d requested %s shares but only %s could be matched; %s unmatched",
				sale.ID, sale.SharesSold.String(),
				sale.SharesSold.Sub(match.Unmatched).String(), match.Unmatched.String()))
			// Partial matches of a failed sale have no reliable gain, so
			// only the terminal error fragment is recorded for it.
			fragments = []models.DisposalFragment{processors.ErrorFragment(sale, match.Unmatched)}
		} else {
			fragments = make([]models.DisposalFragment, 0, len(match.Pieces))
			for i, piece := range match.Pieces {
				fragments = append(fragments, s.coster.Cost(sale, piece, rateForSale, i+1))
			}
			s.coster.AllocateIncidentalCosts(sale, fragments, logStep)
		}

		if inScope[sale.ID] {
			for i := range fragments {
				if err := insertDisposal(&fragments[i]); err != nil {
					return nil, err
				}
				if err := s.persistDetail(&fragments[i]); err != nil {
					return nil, err
				}
			}
		}

		poolAfter, _, _ := lotStates(lots)
		result.SaleSnapshots = append(result.SaleSnapshots, models.SaleSnapshot{
			Sale: models.SaleRef{
				ID:     sale.ID,
				Date:   sale.Date.Format(utils.DefaultDateFormat),
				Shares: sale.SharesSold.String(),
			},
			Changed:   match.Changed,
			PoolAfter: poolAfter,
			Error:     saleFailed,
		})
		saleDate := sale.Date
		lastSaleDate = &saleDate
		result.Disposals += len(fragments)
	}

	if scope.Full {
		if lastSaleDate != nil {
			year := utils.TaxYearOf(*lastSaleDate)
			if year != lastSnapshotYear {
				if err := insertPoolSnapshot(runID, &year, lots); err != nil {
					return nil, err
				}
			}
		}
		if err := insertPoolSnapshot(runID, nil, lots); err != nil {
			return nil, err
		}
	}

	s.cache.Flush()

	if opts.TaxYear != nil {
		if result.ErrorsPresent {
			logStep(0, fmt.Sprintf("Skipping tax year %d aggregation: unmatched sales present", *opts.TaxYear))
			logger.L.Warn("skipping tax-year aggregation", "run_id", runID, "tax_year", *opts.TaxYear)
		} else {
			summary, err := s.aggregateYear(*opts.TaxYear, logStep)
			if err != nil {
				return nil, err
			}
			result.Summary = summary
		}
	}

	logStep(0, fmt.Sprintf("Recalculation complete: %d sales, %d fragments", len(sales), result.Disposals))
	logger.L.Info("Recalculation finished", "run_id", runID,
		"sales", len(sales), "fragments", result.Disposals,
		"errors", result.ErrorsPresent, "duration", time.Since(started).String())
	return result, nil
}

// SummaryForYear computes a tax year's position from the persisted fragments
// without mutating anything. Results are cached until the next recalculation.
func (s *CalculationService) SummaryForYear(taxYear int) (*models.TaxYearSummary, error) {
	cacheKey := fmt.Sprintf("%s%d", summaryCachePrefix, taxYear)
	if cached, found := s.cache.Get(cacheKey); found {
		if summary, ok := cached.(*models.TaxYearSummary); ok {
			return summary, nil
		}
	}

	start, end := utils.TaxYearBounds(taxYear)
	fragments, err := LoadDisposalsInRange(start, end)
	if err != nil {
		return nil, err
	}
	losses, err := LoadCarryForwardLosses()
	if err != nil {
		return nil, err
	}
	cfg, err := LoadTaxConfig()
	if err != nil {
		return nil, err
	}

	agg := processors.NewTaxYearAggregator(cfg).Aggregate(taxYear, fragments, losses)
	summary := agg.Summary
	s.cache.Set(cacheKey, &summary, cache.DefaultExpiration)
	return &summary, nil
}

// aggregateYear recomputes a tax year's summary from the persisted fragments,
// rewrites that year's carry-forward excess loss, and allocates the estimated
// tax back onto each positive-gain fragment row.
func (s *CalculationService) aggregateYear(taxYear int, logStep processors.StepLogger) (*models.TaxYearSummary, error) {
	start, end := utils.TaxYearBounds(taxYear)
	fragments, err := LoadDisposalsInRange(start, end)
	if err != nil {
		return nil, err
	}
	losses, err := LoadCarryForwardLosses()
	if err != nil {
		return nil, err
	}
	cfg, err := LoadTaxConfig()
	if err != nil {
		return nil, err
	}

	agg := processors.NewTaxYearAggregator(cfg).Aggregate(taxYear, fragments, losses)

	if err := upsertCarryForwardLoss(taxYear, agg.ExcessLoss, "Recorded by recalculation"); err != nil {
		return nil, fmt.Errorf("storing carry-forward loss: %w", err)
	}
	if agg.ExcessLoss.Sign() > 0 {
		logStep(0, fmt.Sprintf("Tax year %d net loss of %s GBP carried forward", taxYear, agg.ExcessLoss.String()))
	}

	for i := range fragments {
		amount, ok := agg.Allocations[i]
		if !ok {
			amount = decimal.Zero
		}
		if fragments[i].CGTDueGBP.Equal(amount) {
			continue
		}
		if err := updateDisposalCGT(fragments[i].ID, amount); err != nil {
			return nil, err
		}
	}

	logStep(0, fmt.Sprintf("Tax year %d: taxable %s GBP after allowance, estimated CGT %s GBP",
		taxYear, agg.Summary.TaxableAfterAllowance.String(), agg.Summary.EstimatedCGT.String()))

	summary := agg.Summary
	cacheKey := fmt.Sprintf("%s%d", summaryCachePrefix, taxYear)
	s.cache.Set(cacheKey, &summary, cache.DefaultExpiration)
	return &summary, nil
}

// persistDetail stores the readable derivation alongside the fragment row.
func (s *CalculationService) persistDetail(f *models.DisposalFragment) error {
	if f.Calculation == nil {
		return nil
	}
	explanation := ""
	if f.Calculation.Error != "" {
		explanation = fmt.Sprintf("%s: requested %s, unmatched %s",
			f.Calculation.Error, f.Calculation.Requested, f.Calculation.RemainingUnmatched)
	} else if f.Calculation.NumericTrace != nil {
		explanation = fmt.Sprintf("%s matched %s shares: proceeds %s GBP, cost %s GBP, gain %s GBP",
			f.MatchingType, f.Calculation.NumericTrace.SharesMatched,
			f.Calculation.NumericTrace.ProceedsTotalGBP,
			f.Calculation.NumericTrace.CostTotalGBP,
			f.Calculation.NumericTrace.GainGBP)
	}
	return insertCalculationDetail(f.ID, f.SaleInputID, f.Calculation.Equations, explanation)
}

// scopeFilter resolves a scope to the set of sale ids whose derived rows
// this pass owns.
func (s *CalculationService) scopeFilter(scope RecalcScope, sales []models.SaleInput) map[int64]bool {
	inScope := make(map[int64]bool, len(sales))
	for _, sale := range sales {
		switch {
		case scope.Full:
			inScope[sale.ID] = true
		case scope.FromDate != nil:
			inScope[sale.ID] = !sale.Date.Before(*scope.FromDate)
		default:
			for _, id := range scope.SaleIDs {
				if id == sale.ID {
					inScope[sale.ID] = true
					break
				}
			}
		}
	}
	return inScope
}

func (s *CalculationService) saleRate(sale models.SaleInput, resolver *processors.RateResolver) decimal.Decimal {
	if sale.ExchangeRate != nil && sale.ExchangeRate.Sign() > 0 {
		return *sale.ExchangeRate
	}
	return resolver.Resolve(sale.Date)
}
