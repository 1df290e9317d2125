package processors

import (
	"github.com/shopspring/decimal"
	"github.com/username/cgtfolio/src/models"
	"github.com/username/cgtfolio/src/utils"
)

// TaxConfig is an explicit snapshot of the settings consulted by tax-year
// aggregation. The engine never reads ambient process state.
type TaxConfig struct {
	// AllowanceOverride replaces the built-in annual exempt amount when
	// positive, but only for tax years before 2024.
	AllowanceOverride  decimal.Decimal
	NonSavingsIncome   decimal.Decimal
	BasicBandThreshold decimal.Decimal
}

// DefaultBasicBandThreshold is the UK basic-rate band limit used when no
// setting is present.
var DefaultBasicBandThreshold = decimal.NewFromInt(37700)

var (
	cgtRateBasic  = decimal.NewFromFloat(0.10)
	cgtRateHigher = decimal.NewFromFloat(0.20)
)

// AnnualExemptAmount returns the built-in allowance for a UK tax year
// (identified by its starting calendar year). Untabulated later years get
// the lowest known allowance; untabulated earlier years get the pre-2023
// amount.
func AnnualExemptAmount(taxYear int) decimal.Decimal {
	switch {
	case taxYear >= 2024:
		return decimal.NewFromInt(3000)
	case taxYear == 2023:
		return decimal.NewFromInt(6000)
	default:
		return decimal.NewFromInt(12300)
	}
}

// AllowanceFor resolves the annual exempt amount for a tax year, applying
// the pre-2024 override rule.
func (c TaxConfig) AllowanceFor(taxYear int) decimal.Decimal {
	if c.AllowanceOverride.Sign() > 0 && taxYear < 2024 {
		return c.AllowanceOverride
	}
	return AnnualExemptAmount(taxYear)
}

func (c TaxConfig) basicBandAvailable() decimal.Decimal {
	threshold := c.BasicBandThreshold
	if threshold.Sign() <= 0 {
		threshold = DefaultBasicBandThreshold
	}
	avail := threshold.Sub(c.NonSavingsIncome)
	if avail.Sign() < 0 {
		return decimal.Zero
	}
	return avail
}

// TaxYearAggregator groups disposal fragments into a UK tax year's taxable
// position: gains and losses, carry-forward offsets, the annual exempt
// amount, and the two-band estimated tax.
type TaxYearAggregator struct {
	cfg TaxConfig
}

func NewTaxYearAggregator(cfg TaxConfig) *TaxYearAggregator {
	return &TaxYearAggregator{cfg: cfg}
}

// AggregateResult carries the summary plus the side outputs of aggregation:
// the current year's excess loss to add to the carry-forward balance, and
// the tax allocated back onto each positive-gain fragment, keyed by the
// fragment's index in the input slice.
type AggregateResult struct {
	Summary     models.TaxYearSummary
	ExcessLoss  decimal.Decimal
	Allocations map[int]decimal.Decimal
}

// Aggregate computes the tax-year summary from fragments whose sale falls in
// the given tax year. Fragments outside the window are ignored. A sale that
// carries an error fragment has no reliable gain, so every fragment of that
// sale is excluded from the monetary totals; such fragments still count
// toward the disposal total and the sale is reported in ErroredSales.
// carryLosses from strictly earlier tax years are summed and subtracted from
// the net gain before the allowance is applied. The tax allocation is
// re-derived in full on every call.
func (a *TaxYearAggregator) Aggregate(taxYear int, fragments []models.DisposalFragment, carryLosses []models.CarryForwardLoss) AggregateResult {
	start, end := utils.TaxYearBounds(taxYear)

	errored := make(map[int64]bool)
	for _, f := range fragments {
		if f.SaleDate.Before(start) || f.SaleDate.After(end) {
			continue
		}
		if f.MatchingType == models.MatchingError {
			errored[f.SaleInputID] = true
		}
	}

	totalProceeds := decimal.Zero
	totalCost := decimal.Zero
	totalGain := decimal.Zero
	pos := decimal.Zero
	neg := decimal.Zero
	count := 0
	inYear := make([]int, 0, len(fragments))

	for i, f := range fragments {
		if f.SaleDate.Before(start) || f.SaleDate.After(end) {
			continue
		}
		count++
		if errored[f.SaleInputID] {
			continue
		}
		inYear = append(inYear, i)
		totalProceeds = totalProceeds.Add(f.ProceedsGBP)
		totalCost = totalCost.Add(f.CostBasisGBP)
		totalGain = totalGain.Add(f.GainGBP)
		switch {
		case f.GainGBP.Sign() > 0:
			pos = pos.Add(f.GainGBP)
		case f.GainGBP.Sign() < 0:
			neg = neg.Add(f.GainGBP.Abs())
		}
	}

	netGain := pos.Sub(neg)
	excessLoss := decimal.Zero
	if netGain.Sign() < 0 {
		excessLoss = netGain.Neg()
		netGain = decimal.Zero
	}

	carryTotal := decimal.Zero
	for _, loss := range carryLosses {
		if loss.TaxYear < taxYear {
			carryTotal = carryTotal.Add(loss.Amount)
		}
	}
	netAfterLosses := netGain.Sub(carryTotal)
	if netAfterLosses.Sign() < 0 {
		netAfterLosses = decimal.Zero
	}

	allowance := a.cfg.AllowanceFor(taxYear)
	taxable := netAfterLosses.Sub(allowance)
	if taxable.Sign() < 0 {
		taxable = decimal.Zero
	}

	basicAvail := a.cfg.basicBandAvailable()
	basicTaxable := decimal.Min(taxable, basicAvail)
	higherTaxable := taxable.Sub(basicTaxable)
	estimatedCGT := utils.Q2(basicTaxable.Mul(cgtRateBasic).Add(higherTaxable.Mul(cgtRateHigher)))

	allocations := make(map[int]decimal.Decimal)
	if pos.Sign() > 0 && estimatedCGT.Sign() > 0 {
		for _, i := range inYear {
			g := fragments[i].GainGBP
			if g.Sign() > 0 {
				allocations[i] = utils.Q2(estimatedCGT.Mul(g).Div(pos))
			}
		}
	}

	threshold := a.cfg.BasicBandThreshold
	if threshold.Sign() <= 0 {
		threshold = DefaultBasicBandThreshold
	}
	summary := models.TaxYearSummary{
		TaxYear:               taxYear,
		TaxYearStart:          start.Format(utils.DefaultDateFormat),
		TaxYearEnd:            end.Format(utils.DefaultDateFormat),
		TotalDisposals:        count,
		ErroredSales:          len(errored),
		TotalProceeds:         utils.Q2(totalProceeds),
		TotalCost:             utils.Q2(totalCost),
		TotalGain:             utils.Q2(totalGain),
		Gains:                 utils.Q2(pos),
		Losses:                utils.Q2(neg),
		NetGain:               utils.Q2(netGain),
		CarryForwardLoss:      utils.Q2(carryTotal),
		NetGainAfterLosses:    utils.Q2(netAfterLosses),
		CGTAllowance:          utils.Q2(allowance),
		NonSavingsIncome:      utils.Q2(a.cfg.NonSavingsIncome),
		BasicBandThreshold:    utils.Q2(threshold),
		BasicBandAvailable:    utils.Q2(basicAvail),
		TaxableAfterAllowance: utils.Q2(taxable),
		BasicTaxableGain:      utils.Q2(basicTaxable),
		HigherTaxableGain:     utils.Q2(higherTaxable),
		EstimatedCGT:          estimatedCGT,
	}

	return AggregateResult{Summary: summary, ExcessLoss: excessLoss, Allocations: allocations}
}
