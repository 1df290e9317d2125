package processors

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/cgtfolio/src/models"
	"github.com/username/cgtfolio/src/utils"
)

// LotBuilder turns acquisition records (RSU vestings and ESPP purchases)
// into the ordered lot inventory for one recalculation pass. The inventory
// is transient working state: it is rebuilt from scratch on every pass and
// owned exclusively by that pass.
type LotBuilder struct {
	rates *RateResolver
}

func NewLotBuilder(rates *RateResolver) *LotBuilder {
	return &LotBuilder{rates: rates}
}

// Build produces lots sorted by (acquisition date, provenance key). Records
// with non-positive net quantity are skipped and logged.
func (b *LotBuilder) Build(vestings []models.Vesting, purchases []models.ESPPPurchase, logStep StepLogger) []*models.Lot {
	logStep(0, "Building lots from Vestings and ESPP purchases (ordered).")

	sort.Slice(vestings, func(i, j int) bool {
		if !vestings[i].Date.Equal(vestings[j].Date) {
			return vestings[i].Date.Before(vestings[j].Date)
		}
		return vestings[i].ID < vestings[j].ID
	})
	sort.Slice(purchases, func(i, j int) bool {
		if !purchases[i].Date.Equal(purchases[j].Date) {
			return purchases[i].Date.Before(purchases[j].Date)
		}
		return purchases[i].ID < purchases[j].ID
	})

	var lots []*models.Lot

	for _, v := range vestings {
		net := v.SharesVested.Sub(v.SharesSold)
		if v.NetShares != nil {
			net = *v.NetShares
		}
		if net.Sign() <= 0 {
			logStep(0, fmt.Sprintf("Skip vesting %d net %s", v.ID, net))
			continue
		}

		usdTotal := decimal.Zero
		if v.TotalUSD != nil {
			usdTotal = *v.TotalUSD
		} else if v.PriceUSD != nil {
			usdTotal = v.PriceUSD.Mul(v.SharesVested)
		}
		rate := b.acquisitionRate(v.ExchangeRate, v.Date)

		totalGBP := usdTotal.Div(rate).Add(v.IncidentalCostsGBP)
		avgCost := totalGBP.Div(net)

		entry := fmt.Sprintf("V:%d", v.ID)
		tooltip := fmt.Sprintf("RSU %s: USD %s / rate %s → £%s; incidental £%s; per-share £%s",
			v.Date.Format(utils.DefaultDateFormat), usdTotal, rate,
			utils.Q2(totalGBP.Sub(v.IncidentalCostsGBP)), utils.Q2(v.IncidentalCostsGBP), utils.Q2(avgCost))

		lotUSDTotal := usdTotal
		lotRate := rate
		lots = append(lots, &models.Lot{
			Kind:      models.LotOrdinary,
			Entry:     entry,
			Date:      v.Date,
			Source:    models.LotSourceRSU,
			Remaining: net,
			AvgCost:   avgCost,
			USDTotal:  &lotUSDTotal,
			RateUsed:  &lotRate,
			Tooltip:   tooltip,
		})
		logStep(0, fmt.Sprintf("Added RSU lot %s shares %s per-share %s (incidental %s)",
			entry, net, utils.Q2(avgCost), utils.Q2(v.IncidentalCostsGBP)))
	}

	for _, p := range purchases {
		shares := p.SharesRetained
		if shares.Sign() <= 0 {
			logStep(0, fmt.Sprintf("Skip ESPP %d retained %s", p.ID, shares))
			continue
		}

		purchasePriceUSD := decimal.Zero
		if p.PurchasePriceUSD != nil {
			purchasePriceUSD = *p.PurchasePriceUSD
		}
		rate := b.acquisitionRate(p.ExchangeRate, p.Date)

		usdTotal := purchasePriceUSD.Mul(shares)
		purchaseGBP := usdTotal.Div(rate).Add(p.IncidentalCostsGBP)

		paye := decimal.Zero
		if p.PAYETaxGBP != nil {
			paye = *p.PAYETaxGBP
		}
		// When the discount was already taxed as income under PAYE, the tax
		// paid is added back into the CGT cost basis to avoid double taxation.
		chosenTotalGBP := purchaseGBP
		if p.DiscountTaxedPAYE {
			chosenTotalGBP = purchaseGBP.Add(paye)
		}
		avgCost := chosenTotalGBP.Div(shares)

		entry := fmt.Sprintf("E:%d", p.ID)
		tooltip := fmt.Sprintf("ESPP %s: USD %s / rate %s → purchase £%s; incidental £%s; PAYE £%s; per-share £%s",
			p.Date.Format(utils.DefaultDateFormat), usdTotal, rate,
			utils.Q2(purchaseGBP.Sub(p.IncidentalCostsGBP)), utils.Q2(p.IncidentalCostsGBP),
			utils.Q2(paye), utils.Q2(avgCost))

		lotUSDTotal := usdTotal
		lotRate := rate
		lot := &models.Lot{
			Kind:      models.LotOrdinary,
			Entry:     entry,
			Date:      p.Date,
			Source:    models.LotSourceESPP,
			Remaining: shares,
			AvgCost:   avgCost,
			USDTotal:  &lotUSDTotal,
			RateUsed:  &lotRate,
			Tooltip:   tooltip,
		}
		if p.PAYETaxGBP != nil {
			lotPAYE := paye
			lot.PAYE = &lotPAYE
		}
		lots = append(lots, lot)
		logStep(0, fmt.Sprintf("Added ESPP lot %s shares %s per-share %s (incidental %s)",
			entry, shares, utils.Q2(avgCost), utils.Q2(p.IncidentalCostsGBP)))
	}

	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].Date.Equal(lots[j].Date) {
			return lots[i].Date.Before(lots[j].Date)
		}
		return lots[i].Entry < lots[j].Entry
	})
	logStep(0, fmt.Sprintf("Total lots built: %d", len(lots)))
	return lots
}

// acquisitionRate prefers a record's explicit rate, then the resolver;
// a zero rate degrades to 1:1 so cost conversion never divides by zero.
func (b *LotBuilder) acquisitionRate(explicit *decimal.Decimal, date time.Time) decimal.Decimal {
	rate := decimal.Zero
	if explicit != nil {
		rate = *explicit
	}
	if rate.IsZero() {
		rate = b.rates.Resolve(date)
	}
	if rate.IsZero() {
		rate = decimal.NewFromInt(1)
	}
	return rate
}
