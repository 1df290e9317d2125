package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/cgtfolio/src/database"
	"github.com/username/cgtfolio/src/logger"
	"github.com/username/cgtfolio/src/security/validation"
	"github.com/username/cgtfolio/src/services"
	"github.com/username/cgtfolio/src/utils"
)

// maxESPPDiscountPct is the upper bound of a plausible employee share plan
// discount. Values above it are almost always a misplaced price field.
var maxESPPDiscountPct = decimal.NewFromInt(15)

// AwardHandler serves the acquisition records: RSU vestings and ESPP
// purchases. Every mutation triggers a partial recalculation covering all
// sales from the affected date onward.
type AwardHandler struct {
	calc services.Calculator
}

func NewAwardHandler(calc services.Calculator) *AwardHandler {
	return &AwardHandler{calc: calc}
}

// requiredDecimal parses a mandatory decimal field strictly. API input is
// rejected rather than coerced; coercion is reserved for stored rows.
func requiredDecimal(name, value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, fmt.Errorf("%s is required", name)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal number, got %q", name, value)
	}
	return d, nil
}

// optionalDecimal parses an optional decimal field; empty means absent.
func optionalDecimal(name, value string) (*string, error) {
	if value == "" {
		return nil, nil
	}
	if _, err := decimal.NewFromString(value); err != nil {
		return nil, fmt.Errorf("%s must be a decimal number, got %q", name, value)
	}
	return &value, nil
}

// recalculateFrom replays sales from the given date after an input mutation.
// The mutation itself is already committed; a recalculation failure is
// reported but does not undo it.
func (h *AwardHandler) recalculateFrom(date time.Time) bool {
	_, err := h.calc.Recalculate(services.RecalcScope{FromDate: &date}, services.RecalcOptions{})
	if err != nil {
		logger.L.Error("Partial recalculation after input change failed",
			"from_date", date.Format(utils.DefaultDateFormat), "error", err)
		return false
	}
	return true
}

type vestingPayload struct {
	Date               string `json:"date"`
	SharesVested       string `json:"shares_vested"`
	PriceUSD           string `json:"price_usd"`
	TotalUSD           string `json:"total_usd"`
	ExchangeRate       string `json:"exchange_rate"`
	IncidentalCostsGBP string `json:"incidental_costs_gbp"`
	SharesSold         string `json:"shares_sold"`
	NetShares          string `json:"net_shares"`
}

type vestingRow struct {
	date       time.Time
	shares     decimal.Decimal
	price      *string
	total      *string
	rate       *string
	incidental string
	sold       string
	net        *string
}

func (p vestingPayload) validate() (vestingRow, error) {
	var row vestingRow
	date, ok := utils.ParseDate(p.Date)
	if !ok {
		return row, fmt.Errorf("date must be in YYYY-MM-DD format, got %q", p.Date)
	}
	shares, err := requiredDecimal("shares_vested", p.SharesVested)
	if err != nil {
		return row, err
	}
	if shares.Sign() <= 0 {
		return row, fmt.Errorf("shares_vested must be positive, got %s", shares.String())
	}
	row.date = date
	row.shares = shares
	if row.price, err = optionalDecimal("price_usd", p.PriceUSD); err != nil {
		return row, err
	}
	if row.total, err = optionalDecimal("total_usd", p.TotalUSD); err != nil {
		return row, err
	}
	if row.rate, err = optionalDecimal("exchange_rate", p.ExchangeRate); err != nil {
		return row, err
	}
	if row.net, err = optionalDecimal("net_shares", p.NetShares); err != nil {
		return row, err
	}
	row.incidental = p.IncidentalCostsGBP
	if row.incidental == "" {
		row.incidental = "0"
	} else if _, err := decimal.NewFromString(row.incidental); err != nil {
		return row, fmt.Errorf("incidental_costs_gbp must be a decimal number, got %q", row.incidental)
	}
	row.sold = p.SharesSold
	if row.sold == "" {
		row.sold = "0"
	} else if _, err := decimal.NewFromString(row.sold); err != nil {
		return row, fmt.Errorf("shares_sold must be a decimal number, got %q", row.sold)
	}
	return row, nil
}

func (h *AwardHandler) HandleListVestings(w http.ResponseWriter, r *http.Request) {
	vestings, err := services.LoadVestings(nopStep)
	if err != nil {
		logger.L.Error("Error listing vestings", "error", err)
		utils.SendJSONError(w, "Error retrieving vestings", http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, vestings, http.StatusOK)
}

func (h *AwardHandler) HandleCreateVesting(w http.ResponseWriter, r *http.Request) {
	var payload vestingPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	row, err := payload.validate()
	if err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := database.DB.Exec(`INSERT INTO vestings
		(date, shares_vested, price_usd, total_usd, exchange_rate, incidental_costs_gbp, shares_sold, net_shares)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.date.Format(utils.DefaultDateFormat), row.shares.String(),
		row.price, row.total, row.rate, row.incidental, row.sold, row.net)
	if err != nil {
		logger.L.Error("Error inserting vesting", "error", err)
		utils.SendJSONError(w, "Error storing vesting", http.StatusInternalServerError)
		return
	}
	id, _ := res.LastInsertId()
	recalculated := h.recalculateFrom(row.date)
	utils.SendJSON(w, map[string]interface{}{"id": id, "recalculated": recalculated}, http.StatusCreated)
}

func (h *AwardHandler) HandleUpdateVesting(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		utils.SendJSONError(w, "Invalid vesting id", http.StatusBadRequest)
		return
	}
	var payload vestingPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	row, err := payload.validate()
	if err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	oldDate, found := rowDate("vestings", id)
	if !found {
		utils.SendJSONError(w, "Vesting not found", http.StatusNotFound)
		return
	}
	_, err = database.DB.Exec(`UPDATE vestings SET date = ?, shares_vested = ?, price_usd = ?, total_usd = ?,
		exchange_rate = ?, incidental_costs_gbp = ?, shares_sold = ?, net_shares = ? WHERE id = ?`,
		row.date.Format(utils.DefaultDateFormat), row.shares.String(),
		row.price, row.total, row.rate, row.incidental, row.sold, row.net, id)
	if err != nil {
		logger.L.Error("Error updating vesting", "id", id, "error", err)
		utils.SendJSONError(w, "Error updating vesting", http.StatusInternalServerError)
		return
	}
	recalculated := h.recalculateFrom(earlierOf(oldDate, row.date))
	utils.SendJSON(w, map[string]interface{}{"id": id, "recalculated": recalculated}, http.StatusOK)
}

func (h *AwardHandler) HandleDeleteVesting(w http.ResponseWriter, r *http.Request) {
	h.deleteAward(w, r, "vestings", "Vesting")
}

type esppPayload struct {
	Date               string `json:"date"`
	SharesRetained     string `json:"shares_retained"`
	PurchasePriceUSD   string `json:"purchase_price_usd"`
	MarketPriceUSD     string `json:"market_price_usd"`
	Discount           string `json:"discount"`
	ExchangeRate       string `json:"exchange_rate"`
	DiscountTaxedPAYE  *bool  `json:"discount_taxed_paye"`
	PAYETaxGBP         string `json:"paye_tax_gbp"`
	Qualifying         *bool  `json:"qualifying"`
	IncidentalCostsGBP string `json:"incidental_costs_gbp"`
	Notes              string `json:"notes"`
}

type esppRow struct {
	date       time.Time
	shares     decimal.Decimal
	purchase   *string
	market     *string
	discount   string
	rate       *string
	taxedPAYE  bool
	paye       *string
	qualifying bool
	incidental string
	notes      string
}

func (p esppPayload) validate() (esppRow, error) {
	var row esppRow
	date, ok := utils.ParseDate(p.Date)
	if !ok {
		return row, fmt.Errorf("date must be in YYYY-MM-DD format, got %q", p.Date)
	}
	shares, err := requiredDecimal("shares_retained", p.SharesRetained)
	if err != nil {
		return row, err
	}
	if shares.Sign() <= 0 {
		return row, fmt.Errorf("shares_retained must be positive, got %s", shares.String())
	}
	row.date = date
	row.shares = shares
	if row.purchase, err = optionalDecimal("purchase_price_usd", p.PurchasePriceUSD); err != nil {
		return row, err
	}
	if row.market, err = optionalDecimal("market_price_usd", p.MarketPriceUSD); err != nil {
		return row, err
	}
	if row.rate, err = optionalDecimal("exchange_rate", p.ExchangeRate); err != nil {
		return row, err
	}
	if row.paye, err = optionalDecimal("paye_tax_gbp", p.PAYETaxGBP); err != nil {
		return row, err
	}
	row.discount = p.Discount
	if row.discount == "" {
		row.discount = "0"
	} else {
		discount, err := decimal.NewFromString(row.discount)
		if err != nil {
			return row, fmt.Errorf("discount must be a decimal number, got %q", row.discount)
		}
		if discount.GreaterThan(maxESPPDiscountPct) {
			return row, fmt.Errorf("discount of %s%% exceeds the %s%% plan maximum; check the value is a percentage, not a price",
				discount.String(), maxESPPDiscountPct.String())
		}
	}
	row.incidental = p.IncidentalCostsGBP
	if row.incidental == "" {
		row.incidental = "0"
	} else if _, err := decimal.NewFromString(row.incidental); err != nil {
		return row, fmt.Errorf("incidental_costs_gbp must be a decimal number, got %q", row.incidental)
	}
	row.taxedPAYE = true
	if p.DiscountTaxedPAYE != nil {
		row.taxedPAYE = *p.DiscountTaxedPAYE
	}
	row.qualifying = true
	if p.Qualifying != nil {
		row.qualifying = *p.Qualifying
	}
	row.notes = validation.StripUnprintable(p.Notes)
	return row, nil
}

func (h *AwardHandler) HandleListESPP(w http.ResponseWriter, r *http.Request) {
	purchases, err := services.LoadESPPPurchases(nopStep)
	if err != nil {
		logger.L.Error("Error listing ESPP purchases", "error", err)
		utils.SendJSONError(w, "Error retrieving ESPP purchases", http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, purchases, http.StatusOK)
}

func (h *AwardHandler) HandleCreateESPP(w http.ResponseWriter, r *http.Request) {
	var payload esppPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	row, err := payload.validate()
	if err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := database.DB.Exec(`INSERT INTO espp_purchases
		(date, shares_retained, purchase_price_usd, market_price_usd, discount, exchange_rate,
		 discount_taxed_paye, paye_tax_gbp, qualifying, incidental_costs_gbp, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.date.Format(utils.DefaultDateFormat), row.shares.String(), row.purchase, row.market,
		row.discount, row.rate, row.taxedPAYE, row.paye, row.qualifying, row.incidental, row.notes)
	if err != nil {
		logger.L.Error("Error inserting ESPP purchase", "error", err)
		utils.SendJSONError(w, "Error storing ESPP purchase", http.StatusInternalServerError)
		return
	}
	id, _ := res.LastInsertId()
	recalculated := h.recalculateFrom(row.date)
	utils.SendJSON(w, map[string]interface{}{"id": id, "recalculated": recalculated}, http.StatusCreated)
}

func (h *AwardHandler) HandleUpdateESPP(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		utils.SendJSONError(w, "Invalid ESPP purchase id", http.StatusBadRequest)
		return
	}
	var payload esppPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	row, err := payload.validate()
	if err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	oldDate, found := rowDate("espp_purchases", id)
	if !found {
		utils.SendJSONError(w, "ESPP purchase not found", http.StatusNotFound)
		return
	}
	_, err = database.DB.Exec(`UPDATE espp_purchases SET date = ?, shares_retained = ?, purchase_price_usd = ?,
		market_price_usd = ?, discount = ?, exchange_rate = ?, discount_taxed_paye = ?, paye_tax_gbp = ?,
		qualifying = ?, incidental_costs_gbp = ?, notes = ? WHERE id = ?`,
		row.date.Format(utils.DefaultDateFormat), row.shares.String(), row.purchase, row.market,
		row.discount, row.rate, row.taxedPAYE, row.paye, row.qualifying, row.incidental, row.notes, id)
	if err != nil {
		logger.L.Error("Error updating ESPP purchase", "id", id, "error", err)
		utils.SendJSONError(w, "Error updating ESPP purchase", http.StatusInternalServerError)
		return
	}
	recalculated := h.recalculateFrom(earlierOf(oldDate, row.date))
	utils.SendJSON(w, map[string]interface{}{"id": id, "recalculated": recalculated}, http.StatusOK)
}

func (h *AwardHandler) HandleDeleteESPP(w http.ResponseWriter, r *http.Request) {
	h.deleteAward(w, r, "espp_purchases", "ESPP purchase")
}

func (h *AwardHandler) deleteAward(w http.ResponseWriter, r *http.Request, table, label string) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		utils.SendJSONError(w, "Invalid "+label+" id", http.StatusBadRequest)
		return
	}
	date, found := rowDate(table, id)
	if !found {
		utils.SendJSONError(w, label+" not found", http.StatusNotFound)
		return
	}
	if _, err := database.DB.Exec("DELETE FROM "+table+" WHERE id = ?", id); err != nil {
		logger.L.Error("Error deleting "+label, "id", id, "error", err)
		utils.SendJSONError(w, "Error deleting "+label, http.StatusInternalServerError)
		return
	}
	recalculated := h.recalculateFrom(date)
	utils.SendJSON(w, map[string]interface{}{"id": id, "recalculated": recalculated}, http.StatusOK)
}

// rowDate fetches the date of one input row, used to bound partial
// recalculations.
func rowDate(table string, id int64) (time.Time, bool) {
	var dateStr string
	err := database.DB.QueryRow("SELECT date FROM "+table+" WHERE id = ?", id).Scan(&dateStr)
	if err != nil {
		return time.Time{}, false
	}
	date, ok := utils.ParseDate(dateStr)
	return date, ok
}

func earlierOf(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func nopStep(int64, string) {}
