package processors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/cgtfolio/src/models"
)

func ordinaryLot(entry string, date time.Time, remaining, avgCost string) *models.Lot {
	return &models.Lot{
		Kind:      models.LotOrdinary,
		Entry:     entry,
		Date:      date,
		Source:    models.LotSourceRSU,
		Remaining: dec(remaining),
		AvgCost:   dec(avgCost),
	}
}

func TestMatchSaleSection104Only(t *testing.T) {
	e := NewMatchingEngine()
	lots := []*models.Lot{
		ordinaryLot("V:1", day("2024-02-01"), "1000", "4.00"),
	}
	sale := models.SaleInput{ID: 1, Date: day("2024-06-10"), SharesSold: dec("500"), SalePriceUSD: dec("6.00")}

	res := e.MatchSale(sale, lots, NopStepLogger)
	require.Len(t, res.Pieces, 1)
	assert.True(t, res.Unmatched.IsZero())

	piece := res.Pieces[0]
	assert.Equal(t, models.MatchingSection104, piece.Tier)
	assert.Equal(t, models.LotPooled, piece.Lot.Kind)
	assert.Equal(t, models.PooledLotEntry, piece.Lot.Entry)
	assert.True(t, piece.Quantity.Equal(dec("500")))
	assert.True(t, piece.Lot.AvgCost.Equal(dec("4.00")), "pool avg cost got %s", piece.Lot.AvgCost)
	assert.True(t, lots[0].Remaining.Equal(dec("500")), "lot depleted to %s", lots[0].Remaining)
}

func TestMatchSaleForwardThenPool(t *testing.T) {
	e := NewMatchingEngine()
	lots := []*models.Lot{
		ordinaryLot("V:1", day("2024-01-15"), "9500", "1.00"),
		ordinaryLot("V:2", day("2024-06-22"), "500", "1.70"),
	}
	sale := models.SaleInput{ID: 1, Date: day("2024-06-10"), SharesSold: dec("4000"), SalePriceUSD: dec("1.50")}

	res := e.MatchSale(sale, lots, NopStepLogger)
	require.Len(t, res.Pieces, 2)
	assert.True(t, res.Unmatched.IsZero())

	forward := res.Pieces[0]
	assert.Equal(t, models.Matching30DayForward, forward.Tier)
	assert.Equal(t, "V:2", forward.Lot.Entry)
	assert.True(t, forward.Quantity.Equal(dec("500")))

	pooled := res.Pieces[1]
	assert.Equal(t, models.MatchingSection104, pooled.Tier)
	assert.True(t, pooled.Quantity.Equal(dec("3500")))
	// only the prior lot feeds the pool average
	assert.True(t, pooled.Lot.AvgCost.Equal(dec("1.00")), "got %s", pooled.Lot.AvgCost)

	assert.True(t, lots[0].Remaining.Equal(dec("6000")))
	assert.True(t, lots[1].Remaining.IsZero())
}

func TestMatchSaleTierOrdering(t *testing.T) {
	e := NewMatchingEngine()
	saleDate := day("2024-06-10")
	lots := []*models.Lot{
		ordinaryLot("V:1", day("2024-05-20"), "100", "2.00"), // inside 30-day backward window
		ordinaryLot("V:2", saleDate, "100", "3.00"),          // same-day
		ordinaryLot("V:3", day("2024-06-20"), "100", "4.00"), // forward window
	}
	sale := models.SaleInput{ID: 1, Date: saleDate, SharesSold: dec("250"), SalePriceUSD: dec("5.00")}

	res := e.MatchSale(sale, lots, NopStepLogger)
	require.Len(t, res.Pieces, 3)
	assert.Equal(t, models.MatchingSameDay, res.Pieces[0].Tier)
	assert.Equal(t, "V:2", res.Pieces[0].Lot.Entry)
	assert.Equal(t, models.Matching30Day, res.Pieces[1].Tier)
	assert.Equal(t, "V:1", res.Pieces[1].Lot.Entry)
	assert.Equal(t, models.Matching30DayForward, res.Pieces[2].Tier)
	assert.Equal(t, "V:3", res.Pieces[2].Lot.Entry)
	assert.True(t, res.Pieces[2].Quantity.Equal(dec("50")), "forward takes the remainder, got %s", res.Pieces[2].Quantity)
	assert.True(t, res.Unmatched.IsZero())
}

func TestMatchSaleBackwardWindowBounds(t *testing.T) {
	e := NewMatchingEngine()
	saleDate := day("2024-06-10")
	lots := []*models.Lot{
		ordinaryLot("V:1", day("2024-05-11"), "10", "1.00"), // exactly 30 days before, inside
		ordinaryLot("V:2", day("2024-05-10"), "10", "1.00"), // 31 days before, outside
	}
	sale := models.SaleInput{ID: 1, Date: saleDate, SharesSold: dec("10"), SalePriceUSD: dec("2.00")}

	res := e.MatchSale(sale, lots, NopStepLogger)
	require.Len(t, res.Pieces, 1)
	assert.Equal(t, models.Matching30Day, res.Pieces[0].Tier)
	assert.Equal(t, "V:1", res.Pieces[0].Lot.Entry)
}

func TestMatchSaleQuantityConservation(t *testing.T) {
	e := NewMatchingEngine()
	lots := []*models.Lot{
		ordinaryLot("V:1", day("2024-01-01"), "120.5", "1.10"),
		ordinaryLot("V:2", day("2024-06-10"), "30.25", "2.20"),
		ordinaryLot("V:3", day("2024-06-25"), "10", "3.30"),
	}
	sale := models.SaleInput{ID: 1, Date: day("2024-06-10"), SharesSold: dec("100"), SalePriceUSD: dec("2.00")}

	res := e.MatchSale(sale, lots, NopStepLogger)
	total := res.Unmatched
	for _, p := range res.Pieces {
		total = total.Add(p.Quantity)
	}
	assert.True(t, total.Equal(sale.SharesSold), "pieces plus unmatched must equal shares sold, got %s", total)
}

func TestMatchSaleInsufficientHoldings(t *testing.T) {
	e := NewMatchingEngine()
	lots := []*models.Lot{
		ordinaryLot("V:1", day("2024-01-01"), "100", "1.00"),
	}
	sale := models.SaleInput{ID: 1, Date: day("2024-06-10"), SharesSold: dec("250"), SalePriceUSD: dec("2.00")}

	res := e.MatchSale(sale, lots, NopStepLogger)
	require.Len(t, res.Pieces, 1)
	assert.True(t, res.Unmatched.Equal(dec("150")), "got %s", res.Unmatched)
	assert.True(t, lots[0].Remaining.IsZero())
}

func TestMatchSaleNoLotsAtAll(t *testing.T) {
	e := NewMatchingEngine()
	sale := models.SaleInput{ID: 1, Date: day("2024-06-10"), SharesSold: dec("10"), SalePriceUSD: dec("2.00")}

	res := e.MatchSale(sale, nil, NopStepLogger)
	assert.Empty(t, res.Pieces)
	assert.True(t, res.Unmatched.Equal(dec("10")))
}

func TestMatchSaleRecordsLotChanges(t *testing.T) {
	e := NewMatchingEngine()
	lots := []*models.Lot{
		ordinaryLot("V:1", day("2024-06-10"), "100", "1.00"),
	}
	sale := models.SaleInput{ID: 1, Date: day("2024-06-10"), SharesSold: dec("40"), SalePriceUSD: dec("2.00")}

	res := e.MatchSale(sale, lots, NopStepLogger)
	change, ok := res.Changed["V:1"]
	require.True(t, ok)
	assert.Equal(t, models.MatchingSameDay, change.Matching)
	assert.Equal(t, "100", change.Before)
	assert.Equal(t, "60", change.After)
	assert.Equal(t, "-40", change.Delta)
}
