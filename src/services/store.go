package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/cgtfolio/src/database"
	"github.com/username/cgtfolio/src/logger"
	"github.com/username/cgtfolio/src/models"
	"github.com/username/cgtfolio/src/processors"
	"github.com/username/cgtfolio/src/utils"
)

// scanDecimal parses a TEXT decimal column, coercing blank or malformed
// values to zero. Coercions are reported through the step logger so they
// surface in the audit trail instead of vanishing.
func scanDecimal(ns sql.NullString, table, column string, rowID int64, logStep processors.StepLogger) decimal.Decimal {
	if !ns.Valid {
		return decimal.Zero
	}
	d, coerced := utils.SafeDecimal(ns.String)
	if coerced && strings.TrimSpace(ns.String) != "" {
		logStep(0, fmt.Sprintf("WARNING: %s.%s for row %d is not a valid number (%q); treated as 0", table, column, rowID, ns.String))
		logger.L.Warn("coerced malformed decimal", "table", table, "column", column, "row_id", rowID, "value", ns.String)
	}
	return d
}

// scanDecimalPtr is scanDecimal for nullable columns; NULL and blank map
// to nil rather than zero.
func scanDecimalPtr(ns sql.NullString, table, column string, rowID int64, logStep processors.StepLogger) *decimal.Decimal {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil
	}
	d := scanDecimal(ns, table, column, rowID, logStep)
	return &d
}

func scanDate(s string, table string, rowID int64) (time.Time, error) {
	t, ok := utils.ParseDate(s)
	if !ok {
		return time.Time{}, fmt.Errorf("%s row %d has unparseable date %q", table, rowID, s)
	}
	return t, nil
}

// LoadExchangeRates returns every rate row ordered by date then id, so a
// later upload for the same date wins inside the resolver's year map.
func LoadExchangeRates() ([]models.ExchangeRate, error) {
	rows, err := database.DB.Query("SELECT id, date, description, usd_gbp, notes FROM exchange_rates ORDER BY date ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("querying exchange rates: %w", err)
	}
	defer rows.Close()

	var rates []models.ExchangeRate
	for rows.Next() {
		var r models.ExchangeRate
		var dateStr string
		var desc, rate, notes sql.NullString
		if err := rows.Scan(&r.ID, &dateStr, &desc, &rate, &notes); err != nil {
			return nil, fmt.Errorf("scanning exchange rate: %w", err)
		}
		if r.Date, err = scanDate(dateStr, "exchange_rates", r.ID); err != nil {
			return nil, err
		}
		r.Description = desc.String
		r.Notes = notes.String
		r.USDGBP = scanDecimal(rate, "exchange_rates", "usd_gbp", r.ID, processors.NopStepLogger)
		rates = append(rates, r)
	}
	return rates, rows.Err()
}

func LoadVestings(logStep processors.StepLogger) ([]models.Vesting, error) {
	rows, err := database.DB.Query(`SELECT id, date, shares_vested, price_usd, total_usd, exchange_rate,
		incidental_costs_gbp, shares_sold, net_shares FROM vestings ORDER BY date ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying vestings: %w", err)
	}
	defer rows.Close()

	var vestings []models.Vesting
	for rows.Next() {
		var v models.Vesting
		var dateStr string
		var shares, price, total, rate, incidental, sold, net sql.NullString
		if err := rows.Scan(&v.ID, &dateStr, &shares, &price, &total, &rate, &incidental, &sold, &net); err != nil {
			return nil, fmt.Errorf("scanning vesting: %w", err)
		}
		if v.Date, err = scanDate(dateStr, "vestings", v.ID); err != nil {
			return nil, err
		}
		v.SharesVested = scanDecimal(shares, "vestings", "shares_vested", v.ID, logStep)
		v.PriceUSD = scanDecimalPtr(price, "vestings", "price_usd", v.ID, logStep)
		v.TotalUSD = scanDecimalPtr(total, "vestings", "total_usd", v.ID, logStep)
		v.ExchangeRate = scanDecimalPtr(rate, "vestings", "exchange_rate", v.ID, logStep)
		v.IncidentalCostsGBP = scanDecimal(incidental, "vestings", "incidental_costs_gbp", v.ID, logStep)
		v.SharesSold = scanDecimal(sold, "vestings", "shares_sold", v.ID, logStep)
		v.NetShares = scanDecimalPtr(net, "vestings", "net_shares", v.ID, logStep)
		vestings = append(vestings, v)
	}
	return vestings, rows.Err()
}

func LoadESPPPurchases(logStep processors.StepLogger) ([]models.ESPPPurchase, error) {
	rows, err := database.DB.Query(`SELECT id, date, shares_retained, purchase_price_usd, market_price_usd,
		discount, exchange_rate, discount_taxed_paye, paye_tax_gbp, qualifying, incidental_costs_gbp, notes
		FROM espp_purchases ORDER BY date ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying espp purchases: %w", err)
	}
	defer rows.Close()

	var purchases []models.ESPPPurchase
	for rows.Next() {
		var p models.ESPPPurchase
		var dateStr string
		var shares, purchase, market, disc, rate, paye, incidental, notes sql.NullString
		if err := rows.Scan(&p.ID, &dateStr, &shares, &purchase, &market, &disc, &rate,
			&p.DiscountTaxedPAYE, &paye, &p.Qualifying, &incidental, &notes); err != nil {
			return nil, fmt.Errorf("scanning espp purchase: %w", err)
		}
		if p.Date, err = scanDate(dateStr, "espp_purchases", p.ID); err != nil {
			return nil, err
		}
		p.SharesRetained = scanDecimal(shares, "espp_purchases", "shares_retained", p.ID, logStep)
		p.PurchasePriceUSD = scanDecimalPtr(purchase, "espp_purchases", "purchase_price_usd", p.ID, logStep)
		p.MarketPriceUSD = scanDecimalPtr(market, "espp_purchases", "market_price_usd", p.ID, logStep)
		p.DiscountPct = scanDecimal(disc, "espp_purchases", "discount", p.ID, logStep)
		p.ExchangeRate = scanDecimalPtr(rate, "espp_purchases", "exchange_rate", p.ID, logStep)
		p.PAYETaxGBP = scanDecimalPtr(paye, "espp_purchases", "paye_tax_gbp", p.ID, logStep)
		p.IncidentalCostsGBP = scanDecimal(incidental, "espp_purchases", "incidental_costs_gbp", p.ID, logStep)
		p.Notes = notes.String
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

// LoadSales returns every sale row ordered by date then id, the order the
// matching engine processes them in.
func LoadSales(logStep processors.StepLogger) ([]models.SaleInput, error) {
	rows, err := database.DB.Query(`SELECT id, date, shares_sold, sale_price_usd, exchange_rate,
		incidental_costs_gbp FROM sales ORDER BY date ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying sales: %w", err)
	}
	defer rows.Close()

	var sales []models.SaleInput
	for rows.Next() {
		var s models.SaleInput
		var dateStr string
		var shares, price, rate, incidental sql.NullString
		if err := rows.Scan(&s.ID, &dateStr, &shares, &price, &rate, &incidental); err != nil {
			return nil, fmt.Errorf("scanning sale: %w", err)
		}
		if s.Date, err = scanDate(dateStr, "sales", s.ID); err != nil {
			return nil, err
		}
		s.SharesSold = scanDecimal(shares, "sales", "shares_sold", s.ID, logStep)
		s.SalePriceUSD = scanDecimal(price, "sales", "sale_price_usd", s.ID, logStep)
		s.ExchangeRate = scanDecimalPtr(rate, "sales", "exchange_rate", s.ID, logStep)
		s.IncidentalCostsGBP = scanDecimal(incidental, "sales", "incidental_costs_gbp", s.ID, logStep)
		sales = append(sales, s)
	}
	return sales, rows.Err()
}

func LoadCarryForwardLosses() ([]models.CarryForwardLoss, error) {
	rows, err := database.DB.Query("SELECT tax_year, amount, notes FROM carry_forward_losses ORDER BY tax_year ASC")
	if err != nil {
		return nil, fmt.Errorf("querying carry-forward losses: %w", err)
	}
	defer rows.Close()

	var losses []models.CarryForwardLoss
	for rows.Next() {
		var l models.CarryForwardLoss
		var amount, notes sql.NullString
		if err := rows.Scan(&l.TaxYear, &amount, &notes); err != nil {
			return nil, fmt.Errorf("scanning carry-forward loss: %w", err)
		}
		l.Amount = scanDecimal(amount, "carry_forward_losses", "amount", int64(l.TaxYear), processors.NopStepLogger)
		l.Notes = notes.String
		losses = append(losses, l)
	}
	return losses, rows.Err()
}

// LoadTaxConfig snapshots the settings rows the aggregator consults. Missing
// keys leave zero values, which the aggregator resolves to its built-in
// defaults.
func LoadTaxConfig() (processors.TaxConfig, error) {
	cfg := processors.TaxConfig{}
	rows, err := database.DB.Query("SELECT key, value FROM settings WHERE key IN (?, ?, ?)",
		models.SettingCGTAllowance, models.SettingNonSavingsIncome, models.SettingBasicBandThreshold)
	if err != nil {
		return cfg, fmt.Errorf("querying settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return cfg, fmt.Errorf("scanning setting: %w", err)
		}
		d, _ := utils.SafeDecimal(value)
		switch key {
		case models.SettingCGTAllowance:
			cfg.AllowanceOverride = d
		case models.SettingNonSavingsIncome:
			cfg.NonSavingsIncome = d
		case models.SettingBasicBandThreshold:
			cfg.BasicBandThreshold = d
		}
	}
	return cfg, rows.Err()
}

const disposalColumns = `id, sale_date, sale_input_id, matched_date, matching_type, matched_shares,
	avg_cost_gbp, proceeds_gbp, cost_basis_gbp, gain_gbp, cgt_due_gbp, calculation_json`

func scanDisposal(rows *sql.Rows) (models.DisposalFragment, error) {
	var f models.DisposalFragment
	var saleDate string
	var matchedDate, matchingType, shares, avgCost, proceeds, cost, gain, cgt, calcJSON sql.NullString
	if err := rows.Scan(&f.ID, &saleDate, &f.SaleInputID, &matchedDate, &matchingType,
		&shares, &avgCost, &proceeds, &cost, &gain, &cgt, &calcJSON); err != nil {
		return f, fmt.Errorf("scanning disposal result: %w", err)
	}
	var err error
	if f.SaleDate, err = scanDate(saleDate, "disposal_results", f.ID); err != nil {
		return f, err
	}
	if matchedDate.Valid && matchedDate.String != "" {
		if t, ok := utils.ParseDate(matchedDate.String); ok {
			f.MatchedDate = &t
		}
	}
	f.MatchingType = matchingType.String
	f.MatchedShares = scanDecimal(shares, "disposal_results", "matched_shares", f.ID, processors.NopStepLogger)
	f.AvgCostGBP = scanDecimal(avgCost, "disposal_results", "avg_cost_gbp", f.ID, processors.NopStepLogger)
	f.ProceedsGBP = scanDecimal(proceeds, "disposal_results", "proceeds_gbp", f.ID, processors.NopStepLogger)
	f.CostBasisGBP = scanDecimal(cost, "disposal_results", "cost_basis_gbp", f.ID, processors.NopStepLogger)
	f.GainGBP = scanDecimal(gain, "disposal_results", "gain_gbp", f.ID, processors.NopStepLogger)
	f.CGTDueGBP = scanDecimal(cgt, "disposal_results", "cgt_due_gbp", f.ID, processors.NopStepLogger)
	if calcJSON.Valid && calcJSON.String != "" {
		var trace models.CalculationTrace
		if err := json.Unmarshal([]byte(calcJSON.String), &trace); err == nil {
			f.Calculation = &trace
		} else {
			logger.L.Warn("unparseable calculation_json", "disposal_id", f.ID, "error", err)
		}
	}
	return f, nil
}

// QueryDisposals runs an arbitrary SELECT over disposal_results, provided it
// selects the standard column set in order.
func QueryDisposals(query string, args ...interface{}) ([]models.DisposalFragment, error) {
	rows, err := database.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying disposal results: %w", err)
	}
	defer rows.Close()

	var fragments []models.DisposalFragment
	for rows.Next() {
		f, err := scanDisposal(rows)
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, f)
	}
	return fragments, rows.Err()
}

// LoadDisposalsInRange returns persisted fragments whose sale date falls in
// [start, end], ordered by sale date then id.
func LoadDisposalsInRange(start, end time.Time) ([]models.DisposalFragment, error) {
	query := "SELECT " + disposalColumns + ` FROM disposal_results
		WHERE sale_date >= ? AND sale_date <= ? ORDER BY sale_date ASC, id ASC`
	rows, err := database.DB.Query(query, start.Format(utils.DefaultDateFormat), end.Format(utils.DefaultDateFormat))
	if err != nil {
		return nil, fmt.Errorf("querying disposal results: %w", err)
	}
	defer rows.Close()

	var fragments []models.DisposalFragment
	for rows.Next() {
		f, err := scanDisposal(rows)
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, f)
	}
	return fragments, rows.Err()
}

func insertDisposal(f *models.DisposalFragment) error {
	var matchedDate interface{}
	if f.MatchedDate != nil {
		matchedDate = f.MatchedDate.Format(utils.DefaultDateFormat)
	}
	var calcJSON interface{}
	if f.Calculation != nil {
		b, err := json.Marshal(f.Calculation)
		if err != nil {
			return fmt.Errorf("marshalling calculation trace: %w", err)
		}
		calcJSON = string(b)
	}
	res, err := database.DB.Exec(`INSERT INTO disposal_results
		(sale_date, sale_input_id, matched_date, matching_type, matched_shares,
		 avg_cost_gbp, proceeds_gbp, cost_basis_gbp, gain_gbp, cgt_due_gbp, calculation_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.SaleDate.Format(utils.DefaultDateFormat), f.SaleInputID, matchedDate, f.MatchingType,
		f.MatchedShares.String(), f.AvgCostGBP.String(), f.ProceedsGBP.String(),
		f.CostBasisGBP.String(), f.GainGBP.String(), f.CGTDueGBP.String(), calcJSON)
	if err != nil {
		return fmt.Errorf("inserting disposal result: %w", err)
	}
	f.ID, err = res.LastInsertId()
	return err
}

func insertCalculationDetail(disposalID, saleInputID int64, equations []string, explanation string) error {
	b, err := json.Marshal(equations)
	if err != nil {
		return fmt.Errorf("marshalling equations: %w", err)
	}
	_, err = database.DB.Exec(`INSERT INTO calculation_details
		(disposal_id, sale_input_id, created_at, equations, explanation) VALUES (?, ?, ?, ?, ?)`,
		disposalID, saleInputID, time.Now().UTC().Format(time.RFC3339), string(b), explanation)
	if err != nil {
		return fmt.Errorf("inserting calculation detail: %w", err)
	}
	return nil
}

// lotStates reduces the live inventory to its open positions plus totals.
func lotStates(lots []*models.Lot) ([]models.LotState, decimal.Decimal, decimal.Decimal) {
	states := make([]models.LotState, 0, len(lots))
	totalShares := decimal.Zero
	totalCost := decimal.Zero
	for _, lot := range lots {
		if lot.Remaining.Sign() <= 0 {
			continue
		}
		states = append(states, models.LotState{
			Entry:        lot.Entry,
			Date:         lot.Date.Format(utils.DefaultDateFormat),
			Source:       lot.Source,
			Remaining:    lot.Remaining.String(),
			PerShareCost: lot.AvgCost.String(),
			Tooltip:      lot.Tooltip,
		})
		totalShares = totalShares.Add(lot.Remaining)
		totalCost = totalCost.Add(lot.Remaining.Mul(lot.AvgCost))
	}
	return states, totalShares, totalCost
}

func insertPoolSnapshot(runID string, taxYear *int, lots []*models.Lot) error {
	states, totalShares, totalCost := lotStates(lots)
	avgCost := decimal.Zero
	if totalShares.Sign() > 0 {
		avgCost = totalCost.Div(totalShares)
	}
	b, err := json.Marshal(states)
	if err != nil {
		return fmt.Errorf("marshalling pool snapshot: %w", err)
	}
	var yearVal interface{}
	if taxYear != nil {
		yearVal = *taxYear
	}
	_, err = database.DB.Exec(`INSERT INTO pool_snapshots
		(timestamp, run_id, tax_year, snapshot_json, total_shares, total_cost_gbp, avg_cost_gbp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), runID, yearVal, string(b),
		utils.Q6(totalShares).String(), utils.Q2(totalCost).String(), utils.Q6(avgCost).String())
	if err != nil {
		return fmt.Errorf("inserting pool snapshot: %w", err)
	}
	return nil
}

func insertCalculationStep(runID string, saleInputID int64, stepOrder int, message string) error {
	var saleVal interface{}
	if saleInputID != 0 {
		saleVal = saleInputID
	}
	_, err := database.DB.Exec(`INSERT INTO calculation_steps
		(timestamp, run_id, sale_input_id, step_order, message) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), runID, saleVal, stepOrder, message)
	if err != nil {
		return fmt.Errorf("inserting calculation step: %w", err)
	}
	return nil
}

// upsertCarryForwardLoss replaces the stored excess loss for a tax year. A
// zero excess removes the row so stale losses never linger after inputs
// change.
func upsertCarryForwardLoss(taxYear int, amount decimal.Decimal, notes string) error {
	if amount.Sign() <= 0 {
		_, err := database.DB.Exec("DELETE FROM carry_forward_losses WHERE tax_year = ?", taxYear)
		return err
	}
	_, err := database.DB.Exec(`INSERT INTO carry_forward_losses (tax_year, amount, notes) VALUES (?, ?, ?)
		ON CONFLICT(tax_year) DO UPDATE SET amount = excluded.amount, notes = excluded.notes`,
		taxYear, amount.String(), notes)
	return err
}

func updateDisposalCGT(disposalID int64, amount decimal.Decimal) error {
	_, err := database.DB.Exec("UPDATE disposal_results SET cgt_due_gbp = ? WHERE id = ?",
		amount.String(), disposalID)
	return err
}

// clearDerivedFull drops every derived row ahead of a full recalculation.
func clearDerivedFull() error {
	for _, table := range []string{"disposal_results", "calculation_details", "pool_snapshots", "calculation_steps"} {
		if _, err := database.DB.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return nil
}

// clearDerivedForSales drops only the fragments and traces belonging to the
// given sales. Snapshots and step logs from prior full runs are left alone.
func clearDerivedForSales(saleIDs []int64) error {
	if len(saleIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?, ", len(saleIDs)-1) + "?"
	args := make([]interface{}, len(saleIDs))
	for i, id := range saleIDs {
		args[i] = id
	}
	for _, table := range []string{"disposal_results", "calculation_details"} {
		query := fmt.Sprintf("DELETE FROM %s WHERE sale_input_id IN (%s)", table, placeholders)
		if _, err := database.DB.Exec(query, args...); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return nil
}
