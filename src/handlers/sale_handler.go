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
	"github.com/username/cgtfolio/src/services"
	"github.com/username/cgtfolio/src/utils"
)

// SaleHandler serves the disposal input records. Matching depends on the
// cumulative depletion of every earlier sale, so each mutation triggers a
// recalculation from the affected date rather than of the single sale.
type SaleHandler struct {
	calc services.Calculator
}

func NewSaleHandler(calc services.Calculator) *SaleHandler {
	return &SaleHandler{calc: calc}
}

type salePayload struct {
	Date               string `json:"date"`
	SharesSold         string `json:"shares_sold"`
	SalePriceUSD       string `json:"sale_price_usd"`
	ExchangeRate       string `json:"exchange_rate"`
	IncidentalCostsGBP string `json:"incidental_costs_gbp"`
}

type saleRow struct {
	date       time.Time
	shares     decimal.Decimal
	price      decimal.Decimal
	rate       *string
	incidental string
}

func (p salePayload) validate() (saleRow, error) {
	var row saleRow
	date, ok := utils.ParseDate(p.Date)
	if !ok {
		return row, fmt.Errorf("date must be in YYYY-MM-DD format, got %q", p.Date)
	}
	shares, err := requiredDecimal("shares_sold", p.SharesSold)
	if err != nil {
		return row, err
	}
	if shares.Sign() <= 0 {
		return row, fmt.Errorf("shares_sold must be positive, got %s", shares.String())
	}
	price, err := requiredDecimal("sale_price_usd", p.SalePriceUSD)
	if err != nil {
		return row, err
	}
	if price.Sign() < 0 {
		return row, fmt.Errorf("sale_price_usd must not be negative, got %s", price.String())
	}
	row.date = date
	row.shares = shares
	row.price = price
	if row.rate, err = optionalDecimal("exchange_rate", p.ExchangeRate); err != nil {
		return row, err
	}
	row.incidental = p.IncidentalCostsGBP
	if row.incidental == "" {
		row.incidental = "0"
	} else if _, err := decimal.NewFromString(row.incidental); err != nil {
		return row, fmt.Errorf("incidental_costs_gbp must be a decimal number, got %q", row.incidental)
	}
	return row, nil
}

func (h *SaleHandler) HandleListSales(w http.ResponseWriter, r *http.Request) {
	sales, err := services.LoadSales(nopStep)
	if err != nil {
		logger.L.Error("Error listing sales", "error", err)
		utils.SendJSONError(w, "Error retrieving sales", http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, sales, http.StatusOK)
}

func (h *SaleHandler) HandleCreateSale(w http.ResponseWriter, r *http.Request) {
	var payload salePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	row, err := payload.validate()
	if err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := database.DB.Exec(`INSERT INTO sales
		(date, shares_sold, sale_price_usd, exchange_rate, incidental_costs_gbp)
		VALUES (?, ?, ?, ?, ?)`,
		row.date.Format(utils.DefaultDateFormat), row.shares.String(), row.price.String(),
		row.rate, row.incidental)
	if err != nil {
		logger.L.Error("Error inserting sale", "error", err)
		utils.SendJSONError(w, "Error storing sale", http.StatusInternalServerError)
		return
	}
	id, _ := res.LastInsertId()
	recalculated := h.recalculateFrom(row.date)
	utils.SendJSON(w, map[string]interface{}{"id": id, "recalculated": recalculated}, http.StatusCreated)
}

func (h *SaleHandler) HandleUpdateSale(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		utils.SendJSONError(w, "Invalid sale id", http.StatusBadRequest)
		return
	}
	var payload salePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	row, err := payload.validate()
	if err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	oldDate, found := rowDate("sales", id)
	if !found {
		utils.SendJSONError(w, "Sale not found", http.StatusNotFound)
		return
	}
	_, err = database.DB.Exec(`UPDATE sales SET date = ?, shares_sold = ?, sale_price_usd = ?,
		exchange_rate = ?, incidental_costs_gbp = ? WHERE id = ?`,
		row.date.Format(utils.DefaultDateFormat), row.shares.String(), row.price.String(),
		row.rate, row.incidental, id)
	if err != nil {
		logger.L.Error("Error updating sale", "id", id, "error", err)
		utils.SendJSONError(w, "Error updating sale", http.StatusInternalServerError)
		return
	}
	recalculated := h.recalculateFrom(earlierOf(oldDate, row.date))
	utils.SendJSON(w, map[string]interface{}{"id": id, "recalculated": recalculated}, http.StatusOK)
}

func (h *SaleHandler) HandleDeleteSale(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		utils.SendJSONError(w, "Invalid sale id", http.StatusBadRequest)
		return
	}
	date, found := rowDate("sales", id)
	if !found {
		utils.SendJSONError(w, "Sale not found", http.StatusNotFound)
		return
	}
	if _, err := database.DB.Exec("DELETE FROM sales WHERE id = ?", id); err != nil {
		logger.L.Error("Error deleting sale", "id", id, "error", err)
		utils.SendJSONError(w, "Error deleting sale", http.StatusInternalServerError)
		return
	}
	// Derived rows for the deleted sale are orphaned; the recalculation
	// below does not own them, so drop them explicitly.
	if _, err := database.DB.Exec("DELETE FROM disposal_results WHERE sale_input_id = ?", id); err != nil {
		logger.L.Error("Error deleting disposal results for sale", "id", id, "error", err)
	}
	if _, err := database.DB.Exec("DELETE FROM calculation_details WHERE sale_input_id = ?", id); err != nil {
		logger.L.Error("Error deleting calculation details for sale", "id", id, "error", err)
	}
	recalculated := h.recalculateFrom(date)
	utils.SendJSON(w, map[string]interface{}{"id": id, "recalculated": recalculated}, http.StatusOK)
}

func (h *SaleHandler) recalculateFrom(date time.Time) bool {
	_, err := h.calc.Recalculate(services.RecalcScope{FromDate: &date}, services.RecalcOptions{})
	if err != nil {
		logger.L.Error("Partial recalculation after sale change failed",
			"from_date", date.Format(utils.DefaultDateFormat), "error", err)
		return false
	}
	return true
}
