package processors

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/cgtfolio/src/models"
)

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestLotBuilderVesting(t *testing.T) {
	b := NewLotBuilder(NewRateResolver(nil))

	vestings := []models.Vesting{
		{
			ID:                 1,
			Date:               day("2024-01-10"),
			SharesVested:       dec("100"),
			PriceUSD:           decPtr("10"),
			ExchangeRate:       decPtr("1.25"),
			IncidentalCostsGBP: dec("20"),
			SharesSold:         dec("40"),
		},
	}
	lots := b.Build(vestings, nil, NopStepLogger)
	require.Len(t, lots, 1)

	lot := lots[0]
	assert.Equal(t, "V:1", lot.Entry)
	assert.Equal(t, models.LotSourceRSU, lot.Source)
	assert.Equal(t, models.LotOrdinary, lot.Kind)
	assert.True(t, lot.Remaining.Equal(dec("60")), "net shares, got %s", lot.Remaining)
	// 100 × 10 USD / 1.25 = 800 GBP, plus 20 incidental = 820, over 60 shares
	want := dec("820").Div(dec("60"))
	assert.True(t, lot.AvgCost.Equal(want), "avg cost got %s want %s", lot.AvgCost, want)
	require.NotNil(t, lot.USDTotal)
	assert.True(t, lot.USDTotal.Equal(dec("1000")))
}

func TestLotBuilderVestingNetSharesOverride(t *testing.T) {
	b := NewLotBuilder(NewRateResolver(nil))

	vestings := []models.Vesting{
		{
			ID:           2,
			Date:         day("2024-02-01"),
			SharesVested: dec("100"),
			SharesSold:   dec("10"),
			NetShares:    decPtr("55"),
			TotalUSD:     decPtr("550"),
			ExchangeRate: decPtr("1"),
		},
	}
	lots := b.Build(vestings, nil, NopStepLogger)
	require.Len(t, lots, 1)
	assert.True(t, lots[0].Remaining.Equal(dec("55")), "explicit net_shares wins, got %s", lots[0].Remaining)
	assert.True(t, lots[0].AvgCost.Equal(dec("10")), "got %s", lots[0].AvgCost)
}

func TestLotBuilderSkipsEmptyVesting(t *testing.T) {
	b := NewLotBuilder(NewRateResolver(nil))

	vestings := []models.Vesting{
		{ID: 3, Date: day("2024-03-01"), SharesVested: dec("50"), SharesSold: dec("50")},
	}
	lots := b.Build(vestings, nil, NopStepLogger)
	assert.Empty(t, lots)
}

func TestLotBuilderESPPPAYEAddBack(t *testing.T) {
	b := NewLotBuilder(NewRateResolver(nil))

	purchases := []models.ESPPPurchase{
		{
			ID:                1,
			Date:              day("2024-04-01"),
			SharesRetained:    dec("50"),
			PurchasePriceUSD:  decPtr("8.5"),
			ExchangeRate:      decPtr("1.25"),
			DiscountTaxedPAYE: true,
			PAYETaxGBP:        decPtr("60"),
		},
	}
	lots := b.Build(nil, purchases, NopStepLogger)
	require.Len(t, lots, 1)

	lot := lots[0]
	assert.Equal(t, "E:1", lot.Entry)
	assert.Equal(t, models.LotSourceESPP, lot.Source)
	// 50 × 8.5 USD / 1.25 = 340 GBP, plus 60 PAYE added back = 400, over 50 shares
	assert.True(t, lot.AvgCost.Equal(dec("8")), "got %s", lot.AvgCost)
	require.NotNil(t, lot.PAYE)
	assert.True(t, lot.PAYE.Equal(dec("60")))
}

func TestLotBuilderESPPDiscountNotTaxed(t *testing.T) {
	b := NewLotBuilder(NewRateResolver(nil))

	purchases := []models.ESPPPurchase{
		{
			ID:               2,
			Date:             day("2024-04-01"),
			SharesRetained:   dec("50"),
			PurchasePriceUSD: decPtr("8.5"),
			ExchangeRate:     decPtr("1.25"),
			PAYETaxGBP:       decPtr("60"),
		},
	}
	lots := b.Build(nil, purchases, NopStepLogger)
	require.Len(t, lots, 1)
	// PAYE is not added back when the discount was not taxed as income
	assert.True(t, lots[0].AvgCost.Equal(dec("6.8")), "got %s", lots[0].AvgCost)
}

func TestLotBuilderOrdering(t *testing.T) {
	b := NewLotBuilder(NewRateResolver(nil))

	vestings := []models.Vesting{
		{ID: 2, Date: day("2024-05-01"), SharesVested: dec("10"), TotalUSD: decPtr("100"), ExchangeRate: decPtr("1")},
		{ID: 1, Date: day("2024-01-01"), SharesVested: dec("10"), TotalUSD: decPtr("100"), ExchangeRate: decPtr("1")},
	}
	purchases := []models.ESPPPurchase{
		{ID: 1, Date: day("2024-03-01"), SharesRetained: dec("5"), PurchasePriceUSD: decPtr("10"), ExchangeRate: decPtr("1")},
	}
	lots := b.Build(vestings, purchases, NopStepLogger)
	require.Len(t, lots, 3)
	assert.Equal(t, "V:1", lots[0].Entry)
	assert.Equal(t, "E:1", lots[1].Entry)
	assert.Equal(t, "V:2", lots[2].Entry)
}
