package processors

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/cgtfolio/src/models"
)

func TestAnnualExemptAmount(t *testing.T) {
	tests := []struct {
		year int
		want string
	}{
		{2020, "12300"},
		{2022, "12300"},
		{2023, "6000"},
		{2024, "3000"},
		{2030, "3000"},
	}
	for _, tc := range tests {
		got := AnnualExemptAmount(tc.year)
		assert.True(t, got.Equal(dec(tc.want)), "year %d: got %s want %s", tc.year, got, tc.want)
	}
}

func TestAllowanceOverridePre2024Only(t *testing.T) {
	cfg := TaxConfig{AllowanceOverride: dec("5000")}
	assert.True(t, cfg.AllowanceFor(2023).Equal(dec("5000")))
	assert.True(t, cfg.AllowanceFor(2024).Equal(dec("3000")), "override must not apply from 2024")

	zero := TaxConfig{}
	assert.True(t, zero.AllowanceFor(2023).Equal(dec("6000")), "zero override falls back to the table")
}

func gainFragment(saleDate, gain string) models.DisposalFragment {
	g := dec(gain)
	proceeds := g
	if g.Sign() > 0 {
		proceeds = g.Add(dec("100"))
	}
	return models.DisposalFragment{
		SaleDate:      day(saleDate),
		MatchingType:  models.MatchingSection104,
		MatchedShares: dec("1"),
		ProceedsGBP:   proceeds,
		CostBasisGBP:  proceeds.Sub(g),
		GainGBP:       g,
	}
}

func TestAggregateCarryForwardOffsetsBeforeAllowance(t *testing.T) {
	a := NewTaxYearAggregator(TaxConfig{})
	fragments := []models.DisposalFragment{
		gainFragment("2024-06-10", "1000"),
	}
	losses := []models.CarryForwardLoss{
		{TaxYear: 2023, Amount: dec("2000")},
	}

	res := a.Aggregate(2024, fragments, losses)
	s := res.Summary
	assert.True(t, s.NetGain.Equal(dec("1000")))
	assert.True(t, s.CarryForwardLoss.Equal(dec("2000")))
	assert.True(t, s.NetGainAfterLosses.IsZero(), "got %s", s.NetGainAfterLosses)
	assert.True(t, s.TaxableAfterAllowance.IsZero())
	assert.True(t, s.EstimatedCGT.IsZero())
	assert.Empty(t, res.Allocations)
}

func TestAggregateIgnoresCurrentAndLaterYearLosses(t *testing.T) {
	a := NewTaxYearAggregator(TaxConfig{})
	fragments := []models.DisposalFragment{
		gainFragment("2024-06-10", "10000"),
	}
	losses := []models.CarryForwardLoss{
		{TaxYear: 2024, Amount: dec("4000")},
		{TaxYear: 2025, Amount: dec("4000")},
	}

	res := a.Aggregate(2024, fragments, losses)
	assert.True(t, res.Summary.CarryForwardLoss.IsZero(), "only strictly earlier years count, got %s", res.Summary.CarryForwardLoss)
	assert.True(t, res.Summary.NetGainAfterLosses.Equal(dec("10000")))
}

func TestAggregateTwoBandSplit(t *testing.T) {
	a := NewTaxYearAggregator(TaxConfig{NonSavingsIncome: dec("20000")})
	fragments := []models.DisposalFragment{
		gainFragment("2024-06-10", "60000"),
	}

	res := a.Aggregate(2024, fragments, nil)
	s := res.Summary
	// headroom 37700 − 20000 = 17700; taxable 60000 − 3000 = 57000
	assert.True(t, s.BasicBandAvailable.Equal(dec("17700")), "got %s", s.BasicBandAvailable)
	assert.True(t, s.TaxableAfterAllowance.Equal(dec("57000")), "got %s", s.TaxableAfterAllowance)
	assert.True(t, s.BasicTaxableGain.Equal(dec("17700")))
	assert.True(t, s.HigherTaxableGain.Equal(dec("39300")))
	// 17700 × 0.10 + 39300 × 0.20 = 1770 + 7860
	assert.True(t, s.EstimatedCGT.Equal(dec("9630")), "got %s", s.EstimatedCGT)
}

func TestAggregateIncomeAboveThresholdUsesHigherRateOnly(t *testing.T) {
	a := NewTaxYearAggregator(TaxConfig{NonSavingsIncome: dec("60000")})
	fragments := []models.DisposalFragment{
		gainFragment("2024-06-10", "13000"),
	}

	res := a.Aggregate(2024, fragments, nil)
	s := res.Summary
	assert.True(t, s.BasicBandAvailable.IsZero())
	assert.True(t, s.BasicTaxableGain.IsZero())
	assert.True(t, s.HigherTaxableGain.Equal(dec("10000")))
	assert.True(t, s.EstimatedCGT.Equal(dec("2000")), "got %s", s.EstimatedCGT)
}

func TestAggregateExcessLossAndWindow(t *testing.T) {
	a := NewTaxYearAggregator(TaxConfig{})
	fragments := []models.DisposalFragment{
		gainFragment("2024-06-10", "500"),
		gainFragment("2024-07-01", "-1700"),
		gainFragment("2023-06-10", "99999"), // outside the 2024 window
	}

	res := a.Aggregate(2024, fragments, nil)
	s := res.Summary
	assert.Equal(t, 2, s.TotalDisposals)
	assert.True(t, s.Gains.Equal(dec("500")))
	assert.True(t, s.Losses.Equal(dec("1700")))
	assert.True(t, s.NetGain.IsZero(), "net loss floors at zero, got %s", s.NetGain)
	assert.True(t, res.ExcessLoss.Equal(dec("1200")), "got %s", res.ExcessLoss)
	assert.True(t, s.EstimatedCGT.IsZero())
}

func TestAggregateErrorFragmentsCountDisposalsOnly(t *testing.T) {
	a := NewTaxYearAggregator(TaxConfig{})
	errFrag := ErrorFragment(models.SaleInput{ID: 1, Date: day("2024-06-10"), SharesSold: dec("10")}, dec("10"))
	fragments := []models.DisposalFragment{
		errFrag,
		gainFragment("2024-06-11", "100"),
	}

	res := a.Aggregate(2024, fragments, nil)
	assert.Equal(t, 2, res.Summary.TotalDisposals)
	assert.True(t, res.Summary.TotalGain.Equal(dec("100")), "error fragment contributes nothing, got %s", res.Summary.TotalGain)
	assert.Equal(t, 1, res.Summary.ErroredSales)
}

func TestAggregateExcludesAllFragmentsOfErroredSale(t *testing.T) {
	a := NewTaxYearAggregator(TaxConfig{})
	partial := gainFragment("2023-06-10", "500")
	partial.SaleInputID = 42
	errFrag := ErrorFragment(models.SaleInput{ID: 42, Date: day("2023-06-10"), SharesSold: dec("100")}, dec("60"))
	other := gainFragment("2023-07-01", "300")
	other.SaleInputID = 7
	fragments := []models.DisposalFragment{partial, errFrag, other}

	res := a.Aggregate(2023, fragments, nil)
	s := res.Summary
	assert.Equal(t, 3, s.TotalDisposals)
	assert.Equal(t, 1, s.ErroredSales)
	assert.True(t, s.Gains.Equal(dec("300")), "errored sale's partial gain must not count, got %s", s.Gains)
	assert.True(t, s.TotalGain.Equal(dec("300")), "got %s", s.TotalGain)
	assert.True(t, s.TotalProceeds.Equal(other.ProceedsGBP), "got %s", s.TotalProceeds)
	_, allocated := res.Allocations[0]
	assert.False(t, allocated, "no tax may be allocated to an errored sale's fragment")
}

func TestAggregateAllocationsProRata(t *testing.T) {
	a := NewTaxYearAggregator(TaxConfig{NonSavingsIncome: dec("60000")})
	fragments := []models.DisposalFragment{
		gainFragment("2024-06-10", "9000"),
		gainFragment("2024-06-11", "3000"),
		gainFragment("2024-06-12", "-1000"),
	}

	res := a.Aggregate(2024, fragments, nil)
	// net 11000, taxable 8000, all at 20% = 1600, split 3:1 across positive gains
	require.True(t, res.Summary.EstimatedCGT.Equal(dec("1600")), "got %s", res.Summary.EstimatedCGT)
	require.Len(t, res.Allocations, 2)
	assert.True(t, res.Allocations[0].Equal(dec("1200")), "got %s", res.Allocations[0])
	assert.True(t, res.Allocations[1].Equal(dec("400")), "got %s", res.Allocations[1])

	total := decimal.Zero
	for _, amt := range res.Allocations {
		total = total.Add(amt)
	}
	assert.True(t, total.Equal(res.Summary.EstimatedCGT))
}

func TestTaxYearBoundariesRespected(t *testing.T) {
	a := NewTaxYearAggregator(TaxConfig{})
	fragments := []models.DisposalFragment{
		gainFragment("2024-04-05", "100"), // last day of 2023/24
		gainFragment("2024-04-06", "200"), // first day of 2024/25
		gainFragment("2025-04-05", "300"), // last day of 2024/25
		gainFragment("2025-04-06", "400"), // first day of 2025/26
	}

	res := a.Aggregate(2024, fragments, nil)
	assert.Equal(t, 2, res.Summary.TotalDisposals)
	assert.True(t, res.Summary.TotalGain.Equal(dec("500")), "got %s", res.Summary.TotalGain)
}
