package processors

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/cgtfolio/src/models"
)

func TestCostSection104Fragment(t *testing.T) {
	c := NewFragmentCoster()
	sale := models.SaleInput{ID: 1, Date: day("2024-06-10"), SharesSold: dec("500"), SalePriceUSD: dec("6.00")}
	pooled := &models.Lot{
		Kind:    models.LotPooled,
		Entry:   models.PooledLotEntry,
		Date:    sale.Date,
		Source:  models.LotSourcePooled,
		AvgCost: dec("4.00"),
	}
	piece := MatchedPiece{Tier: models.MatchingSection104, Lot: pooled, Quantity: dec("500")}

	f := c.Cost(sale, piece, decimal.NewFromInt(1), 1)
	assert.True(t, f.ProceedsGBP.Equal(dec("3000")), "got %s", f.ProceedsGBP)
	assert.True(t, f.CostBasisGBP.Equal(dec("2000")), "got %s", f.CostBasisGBP)
	assert.True(t, f.GainGBP.Equal(dec("1000")), "got %s", f.GainGBP)
	assert.Equal(t, models.MatchingSection104, f.MatchingType)
	assert.True(t, f.CGTDueGBP.IsZero())

	require.NotNil(t, f.Calculation)
	require.NotNil(t, f.Calculation.NumericTrace)
	nt := f.Calculation.NumericTrace
	assert.Equal(t, "6", nt.SalePriceUSD)
	assert.Equal(t, "3000", nt.ProceedsTotalGBP)
	assert.Equal(t, "2000", nt.CostTotalGBP)
	assert.Equal(t, "1000", nt.GainGBP)
	assert.Equal(t, "500", nt.SharesMatched)
	assert.NotEmpty(t, f.Calculation.Equations)
}

func TestCostAppliesExchangeRate(t *testing.T) {
	c := NewFragmentCoster()
	sale := models.SaleInput{ID: 1, Date: day("2024-06-10"), SharesSold: dec("100"), SalePriceUSD: dec("15")}
	lot := ordinaryLot("V:1", day("2024-01-01"), "100", "5")
	piece := MatchedPiece{Tier: models.MatchingSection104, Lot: lot, Quantity: dec("100")}

	f := c.Cost(sale, piece, dec("1.25"), 1)
	// 15 USD / 1.25 = 12 GBP per share × 100
	assert.True(t, f.ProceedsGBP.Equal(dec("1200")), "got %s", f.ProceedsGBP)
	assert.True(t, f.CostBasisGBP.Equal(dec("500")))
	assert.True(t, f.GainGBP.Equal(dec("700")))
}

func TestCostRoundsHalfAwayFromZero(t *testing.T) {
	c := NewFragmentCoster()
	sale := models.SaleInput{ID: 1, Date: day("2024-06-10"), SharesSold: dec("3"), SalePriceUSD: dec("10")}
	lot := ordinaryLot("V:1", day("2024-01-01"), "3", "3.333")
	piece := MatchedPiece{Tier: models.MatchingSameDay, Lot: lot, Quantity: dec("3")}

	f := c.Cost(sale, piece, dec("3"), 1)
	// 10/3 per share × 3 = 10.000..., cost per share rounds 3.333 → 3.33
	assert.True(t, f.ProceedsGBP.Equal(dec("10")), "got %s", f.ProceedsGBP)
	assert.True(t, f.CostBasisGBP.Equal(dec("9.99")), "got %s", f.CostBasisGBP)
}

func TestAllocateIncidentalSingleFragment(t *testing.T) {
	c := NewFragmentCoster()
	sale := models.SaleInput{
		ID: 1, Date: day("2024-06-10"),
		SharesSold: dec("1000"), SalePriceUSD: dec("1.50"),
		IncidentalCostsGBP: dec("100"),
	}
	lot := ordinaryLot("V:1", day("2024-01-01"), "1000", "1.00")
	piece := MatchedPiece{Tier: models.MatchingSection104, Lot: lot, Quantity: dec("1000")}

	fragments := []models.DisposalFragment{c.Cost(sale, piece, decimal.NewFromInt(1), 1)}
	require.True(t, fragments[0].ProceedsGBP.Equal(dec("1500")))

	c.AllocateIncidentalCosts(sale, fragments, NopStepLogger)
	// one fragment carries the whole deduction
	assert.True(t, fragments[0].ProceedsGBP.Equal(dec("1400")), "got %s", fragments[0].ProceedsGBP)
	assert.True(t, fragments[0].GainGBP.Equal(dec("400")), "got %s", fragments[0].GainGBP)
	assert.Equal(t, "100", fragments[0].Calculation.Inputs.IncidentalSale)
	assert.Equal(t, "1400", fragments[0].Calculation.NumericTrace.ProceedsTotalGBP)
}

func TestAllocateIncidentalProRata(t *testing.T) {
	c := NewFragmentCoster()
	sale := models.SaleInput{
		ID: 1, Date: day("2024-06-10"),
		SharesSold: dec("400"), SalePriceUSD: dec("2.00"),
		IncidentalCostsGBP: dec("40"),
	}
	lotA := ordinaryLot("V:1", day("2024-06-10"), "300", "1.00")
	lotB := ordinaryLot("V:2", day("2024-05-20"), "100", "1.00")
	fragments := []models.DisposalFragment{
		c.Cost(sale, MatchedPiece{Tier: models.MatchingSameDay, Lot: lotA, Quantity: dec("300")}, decimal.NewFromInt(1), 1),
		c.Cost(sale, MatchedPiece{Tier: models.Matching30Day, Lot: lotB, Quantity: dec("100")}, decimal.NewFromInt(1), 2),
	}

	c.AllocateIncidentalCosts(sale, fragments, NopStepLogger)
	// gross 800, deduction 40, pro-rata factor 0.95
	assert.True(t, fragments[0].ProceedsGBP.Equal(dec("570")), "got %s", fragments[0].ProceedsGBP)
	assert.True(t, fragments[1].ProceedsGBP.Equal(dec("190")), "got %s", fragments[1].ProceedsGBP)

	total := fragments[0].ProceedsGBP.Add(fragments[1].ProceedsGBP)
	assert.True(t, total.Equal(dec("760")), "total after deduction got %s", total)
}

func TestAllocateIncidentalZeroGross(t *testing.T) {
	c := NewFragmentCoster()
	sale := models.SaleInput{
		ID: 1, Date: day("2024-06-10"),
		SharesSold: dec("100"), SalePriceUSD: dec("0"),
		IncidentalCostsGBP: dec("25"),
	}
	lot := ordinaryLot("V:1", day("2024-01-01"), "100", "1.00")
	fragments := []models.DisposalFragment{
		c.Cost(sale, MatchedPiece{Tier: models.MatchingSection104, Lot: lot, Quantity: dec("100")}, decimal.NewFromInt(1), 1),
	}

	c.AllocateIncidentalCosts(sale, fragments, NopStepLogger)
	assert.True(t, fragments[0].ProceedsGBP.IsZero(), "zero gross stays untouched, got %s", fragments[0].ProceedsGBP)
}

func TestErrorFragment(t *testing.T) {
	sale := models.SaleInput{ID: 7, Date: day("2024-06-10"), SharesSold: dec("250")}
	f := ErrorFragment(sale, dec("150"))

	assert.Equal(t, models.MatchingError, f.MatchingType)
	assert.Equal(t, int64(7), f.SaleInputID)
	assert.True(t, f.MatchedShares.IsZero())
	assert.True(t, f.GainGBP.IsZero())
	require.NotNil(t, f.Calculation)
	assert.Equal(t, "insufficient holdings", f.Calculation.Error)
	assert.Equal(t, "250", f.Calculation.Requested)
	assert.Equal(t, "150", f.Calculation.RemainingUnmatched)
	assert.Nil(t, f.MatchedDate)
}
