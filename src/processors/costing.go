package processors

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/username/cgtfolio/src/models"
	"github.com/username/cgtfolio/src/utils"
)

// FragmentCoster converts matched pieces into disposal fragments with
// proceeds, cost basis and gain in GBP, each carrying a derivation trace
// sufficient to reconstruct the numbers independently.
type FragmentCoster struct{}

func NewFragmentCoster() *FragmentCoster {
	return &FragmentCoster{}
}

// Cost builds the fragment for one matched piece. fragmentIndex numbers the
// fragment within its sale, starting at 1. Monetary results are rounded to
// 2 decimal places, half away from zero.
func (c *FragmentCoster) Cost(sale models.SaleInput, piece MatchedPiece, rateForSale decimal.Decimal, fragmentIndex int) models.DisposalFragment {
	lot := piece.Lot
	qty := piece.Quantity

	proceedsPerShare := sale.SalePriceUSD
	if !rateForSale.IsZero() {
		proceedsPerShare = sale.SalePriceUSD.Div(rateForSale)
	}
	proceedsTotal := utils.Q2(proceedsPerShare.Mul(qty))
	costPerShare := utils.Q2(lot.AvgCost)
	costTotal := utils.Q2(costPerShare.Mul(qty))
	gain := utils.Q2(proceedsTotal.Sub(costTotal))

	equations := []string{
		fmt.Sprintf("Proceeds per share (GBP) = round(sale_price_usd / rate) = round(%s / %s) = %s",
			sale.SalePriceUSD, rateForSale, utils.Q2(proceedsPerShare)),
		fmt.Sprintf("Total proceeds = %s × %s = %s", utils.Q2(proceedsPerShare), qty, proceedsTotal),
		fmt.Sprintf("Cost per share used = %s", costPerShare),
		fmt.Sprintf("Total cost = %s × %s = %s", costPerShare, qty, costTotal),
	}
	if lot.USDTotal != nil && lot.RateUsed != nil {
		purchaseGBP := *lot.USDTotal
		if !lot.RateUsed.IsZero() {
			purchaseGBP = lot.USDTotal.Div(*lot.RateUsed)
		}
		purchaseGBP = utils.Q2(purchaseGBP)
		equations = append(equations, fmt.Sprintf("Lot USD total %s → GBP = %s / %s = %s",
			lot.USDTotal, lot.USDTotal, lot.RateUsed, purchaseGBP))
		if lot.PAYE != nil && !lot.PAYE.IsZero() {
			equations = append(equations, fmt.Sprintf("PAYE added = £%s → chosen lot total = £%s",
				utils.Q2(*lot.PAYE), utils.Q2(purchaseGBP.Add(*lot.PAYE))))
		}
	}
	equations = append(equations, fmt.Sprintf("Gain = %s − %s = %s", proceedsTotal, costTotal, gain))

	numeric := &models.NumericTrace{
		SalePriceUSD:        sale.SalePriceUSD.String(),
		RateForSale:         rateForSale.String(),
		ProceedsPerShareGBP: utils.Q2(proceedsPerShare).String(),
		ProceedsTotalGBP:    proceedsTotal.String(),
		CostPerShareGBP:     costPerShare.String(),
		CostTotalGBP:        costTotal.String(),
		GainGBP:             gain.String(),
		SharesMatched:       utils.Q6(qty).String(),
		FragmentIndex:       fragmentIndex,
	}
	if lot.USDTotal != nil {
		s := lot.USDTotal.String()
		numeric.LotUSDTotal = &s
	}
	if lot.RateUsed != nil {
		s := lot.RateUsed.String()
		numeric.LotRateUsed = &s
	}
	if lot.PAYE != nil {
		s := lot.PAYE.String()
		numeric.LotPAYEGBP = &s
	}

	inputs := &models.TraceInputs{
		SalePriceUSD: sale.SalePriceUSD.String(),
		SaleRateUsed: rateForSale.String(),
		Lot: models.TraceLot{
			Entry:    lot.Entry,
			Date:     lot.Date.Format(utils.DefaultDateFormat),
			Source:   lot.Source,
			USDTotal: decimalPtrString(lot.USDTotal),
			RateUsed: decimalPtrString(lot.RateUsed),
			PAYE:     decimalPtrString(lot.PAYE),
		},
	}

	matchedDate := lot.Date
	return models.DisposalFragment{
		SaleDate:      sale.Date,
		SaleInputID:   sale.ID,
		MatchedDate:   &matchedDate,
		MatchingType:  piece.Tier,
		MatchedShares: qty,
		AvgCostGBP:    lot.AvgCost,
		ProceedsGBP:   proceedsTotal,
		CostBasisGBP:  costTotal,
		GainGBP:       gain,
		CGTDueGBP:     decimal.Zero,
		Calculation: &models.CalculationTrace{
			Inputs:       inputs,
			Equations:    equations,
			NumericTrace: numeric,
		},
	}
}

// AllocateIncidentalCosts deducts a sale's incidental transaction costs from
// its fragments' gross proceeds, pro-rata by each fragment's share of gross
// proceeds, and recomputes gains from the adjusted proceeds. With zero gross
// proceeds the cost cannot be allocated and is only logged.
func (c *FragmentCoster) AllocateIncidentalCosts(sale models.SaleInput, fragments []models.DisposalFragment, logStep StepLogger) {
	incidental := sale.IncidentalCostsGBP
	if incidental.Sign() <= 0 || len(fragments) == 0 {
		return
	}

	gross := decimal.Zero
	for _, f := range fragments {
		gross = gross.Add(f.ProceedsGBP)
	}
	if gross.Sign() <= 0 {
		logStep(sale.ID, fmt.Sprintf("No proceeds to adjust for incidental £%s on sale %d", utils.Q2(incidental), sale.ID))
		return
	}

	proRata := gross.Sub(incidental).Div(gross)
	logStep(sale.ID, fmt.Sprintf("Applied incidental costs £%s to sale %d (pro-rata %s%%)",
		utils.Q2(incidental), sale.ID, utils.Q2(proRata.Mul(decimal.NewFromInt(100)))))

	for i := range fragments {
		f := &fragments[i]
		grossProceeds := f.ProceedsGBP
		adjProceeds := utils.Q2(grossProceeds.Mul(proRata))
		adjGain := utils.Q2(adjProceeds.Sub(f.CostBasisGBP))
		f.ProceedsGBP = adjProceeds
		f.GainGBP = adjGain

		if f.Calculation == nil {
			continue
		}
		if len(f.Calculation.Equations) > 1 {
			f.Calculation.Equations[1] = fmt.Sprintf("Adjusted total proceeds = %s × %s (after £%s incidental) = %s",
				utils.Q2(grossProceeds), utils.Q2(proRata), utils.Q2(incidental), adjProceeds)
		}
		if f.Calculation.NumericTrace != nil {
			f.Calculation.NumericTrace.ProceedsTotalGBP = adjProceeds.String()
			f.Calculation.NumericTrace.GainGBP = adjGain.String()
		}
		if f.Calculation.Inputs != nil {
			f.Calculation.Inputs.IncidentalSale = incidental.String()
		}
	}
}

// ErrorFragment builds the terminal fragment recorded when a sale's quantity
// exceeds everything matchable through all four tiers.
func ErrorFragment(sale models.SaleInput, unmatched decimal.Decimal) models.DisposalFragment {
	return models.DisposalFragment{
		SaleDate:      sale.Date,
		SaleInputID:   sale.ID,
		MatchingType:  models.MatchingError,
		MatchedShares: decimal.Zero,
		AvgCostGBP:    decimal.Zero,
		ProceedsGBP:   decimal.Zero,
		CostBasisGBP:  decimal.Zero,
		GainGBP:       decimal.Zero,
		CGTDueGBP:     decimal.Zero,
		Calculation: &models.CalculationTrace{
			Error:              "insufficient holdings",
			Requested:          sale.SharesSold.String(),
			RemainingUnmatched: unmatched.String(),
		},
	}
}

func decimalPtrString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
