package processors

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/username/cgtfolio/src/models"
	"github.com/username/cgtfolio/src/utils"
)

// MatchingEngine consumes sales against the lot inventory using HMRC's
// share-identification waterfall: same-day, 30-day backward, 30-day forward
// (bed-and-breakfasting), then the Section 104 pool. Lot state is mutated in
// place, so sales must be processed in ascending (date, id) order: later
// sales see lots already depleted by earlier ones.
type MatchingEngine struct{}

func NewMatchingEngine() *MatchingEngine {
	return &MatchingEngine{}
}

// MatchedPiece pairs a matching tier with the lot consumed and the quantity
// taken from it. For a Section 104 match the lot is a synthetic pooled lot
// carrying the blended average cost.
type MatchedPiece struct {
	Tier     string
	Lot      *models.Lot
	Quantity decimal.Decimal
}

// MatchResult is the outcome of matching one sale. Unmatched is non-zero
// only when the sale exceeded everything matchable through all four tiers.
type MatchResult struct {
	Pieces    []MatchedPiece
	Unmatched decimal.Decimal
	Changed   map[string]models.LotChange
}

func (e *MatchingEngine) MatchSale(sale models.SaleInput, lots []*models.Lot, logStep StepLogger) MatchResult {
	remaining := sale.SharesSold
	changed := make(map[string]models.LotChange)
	var pieces []MatchedPiece

	take := func(lot *models.Lot, tier string) decimal.Decimal {
		before := lot.Remaining
		qty := decimal.Min(lot.Remaining, remaining)
		lot.Remaining = lot.Remaining.Sub(qty)
		changed[lot.Entry] = models.LotChange{
			Matching: tier,
			Before:   before.String(),
			After:    lot.Remaining.String(),
			Delta:    lot.Remaining.Sub(before).String(),
		}
		pieces = append(pieces, MatchedPiece{Tier: tier, Lot: lot, Quantity: qty})
		remaining = remaining.Sub(qty)
		return qty
	}

	for _, lot := range lots {
		if remaining.Sign() <= 0 {
			break
		}
		if lot.Date.Equal(sale.Date) && lot.Remaining.Sign() > 0 {
			take(lot, models.MatchingSameDay)
		}
	}

	if remaining.Sign() > 0 {
		windowStart := sale.Date.AddDate(0, 0, -30)
		for _, lot := range lots {
			if remaining.Sign() <= 0 {
				break
			}
			if !lot.Date.Before(windowStart) && lot.Date.Before(sale.Date) && lot.Remaining.Sign() > 0 {
				take(lot, models.Matching30Day)
			}
		}
	}

	if remaining.Sign() > 0 {
		windowEnd := sale.Date.AddDate(0, 0, 30)
		for _, lot := range lots {
			if remaining.Sign() <= 0 {
				break
			}
			if lot.Date.After(sale.Date) && !lot.Date.After(windowEnd) && lot.Remaining.Sign() > 0 {
				qty := take(lot, models.Matching30DayForward)
				logStep(sale.ID, fmt.Sprintf("30-day forward match from %s %s shares", lot.Entry, qty))
			}
		}
	}

	if remaining.Sign() > 0 {
		remaining = e.matchSection104(sale, lots, remaining, changed, &pieces, logStep)
	}

	return MatchResult{Pieces: pieces, Unmatched: remaining, Changed: changed}
}

// matchSection104 computes a weighted average cost across all lots dated
// strictly before the sale that still hold quantity, depletes them in
// chronological order, and emits one synthetic pooled piece at the blended
// cost. Returns the quantity still unmatched.
func (e *MatchingEngine) matchSection104(sale models.SaleInput, lots []*models.Lot, remaining decimal.Decimal, changed map[string]models.LotChange, pieces *[]MatchedPiece, logStep StepLogger) decimal.Decimal {
	var prior []*models.Lot
	priorShares := decimal.Zero
	priorCost := decimal.Zero
	for _, lot := range lots {
		if lot.Date.Before(sale.Date) && lot.Remaining.Sign() > 0 {
			prior = append(prior, lot)
			priorShares = priorShares.Add(lot.Remaining)
			priorCost = priorCost.Add(lot.AvgCost.Mul(lot.Remaining))
		}
	}
	if len(prior) == 0 {
		logStep(sale.ID, "s104: No prior lots available")
		return remaining
	}

	avgCost := priorCost.Div(priorShares)
	depleted := decimal.Zero
	for _, lot := range prior {
		if remaining.Sign() <= 0 {
			break
		}
		before := lot.Remaining
		qty := decimal.Min(lot.Remaining, remaining)
		lot.Remaining = lot.Remaining.Sub(qty)
		changed[lot.Entry] = models.LotChange{
			Matching: models.MatchingSection104,
			Before:   before.String(),
			After:    lot.Remaining.String(),
			Delta:    lot.Remaining.Sub(before).String(),
		}
		remaining = remaining.Sub(qty)
		depleted = depleted.Add(qty)
	}

	pooled := &models.Lot{
		Kind:    models.LotPooled,
		Entry:   models.PooledLotEntry,
		Date:    sale.Date,
		Source:  models.LotSourcePooled,
		AvgCost: avgCost,
		Tooltip: fmt.Sprintf("s104 average from prior lots: £%s for %s shares", utils.Q2(avgCost), depleted),
	}
	*pieces = append(*pieces, MatchedPiece{Tier: models.MatchingSection104, Lot: pooled, Quantity: depleted})
	logStep(sale.ID, fmt.Sprintf("s104 match: %s shares at avg £%s", depleted, utils.Q2(avgCost)))
	return remaining
}
