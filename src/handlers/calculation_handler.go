package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/cgtfolio/src/database"
	"github.com/username/cgtfolio/src/logger"
	"github.com/username/cgtfolio/src/models"
	"github.com/username/cgtfolio/src/services"
	"github.com/username/cgtfolio/src/utils"
)

// CalculationHandler serves the derived data: recalculation, disposal
// fragments, traces, pool snapshots, tax-year summaries, settings and
// carry-forward losses.
type CalculationHandler struct {
	calc services.Calculator
}

func NewCalculationHandler(calc services.Calculator) *CalculationHandler {
	return &CalculationHandler{calc: calc}
}

type recalculatePayload struct {
	Scope    string  `json:"scope"`
	SaleIDs  []int64 `json:"sale_ids"`
	FromDate string  `json:"from_date"`
	Explain  bool    `json:"explain"`
	TaxYear  *int    `json:"tax_year"`
}

// HandleRecalculate runs a recalculation pass. Scope is one of "full",
// "sale-ids" or "from-date".
func (h *CalculationHandler) HandleRecalculate(w http.ResponseWriter, r *http.Request) {
	var payload recalculatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var scope services.RecalcScope
	switch payload.Scope {
	case "", "full":
		scope = services.FullScope()
	case "sale-ids":
		scope = services.RecalcScope{SaleIDs: payload.SaleIDs}
	case "from-date":
		date, ok := utils.ParseDate(payload.FromDate)
		if !ok {
			utils.SendJSONError(w, "from_date must be in YYYY-MM-DD format", http.StatusBadRequest)
			return
		}
		scope = services.RecalcScope{FromDate: &date}
	default:
		utils.SendJSONError(w, "scope must be one of full, sale-ids, from-date", http.StatusBadRequest)
		return
	}

	result, err := h.calc.Recalculate(scope, services.RecalcOptions{
		Explain: payload.Explain,
		TaxYear: payload.TaxYear,
	})
	if err != nil {
		if errors.Is(err, services.ErrInvalidScope) {
			utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.L.Error("Recalculation failed", "error", err)
		utils.SendJSONError(w, "Recalculation failed", http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, result, http.StatusOK)
}

// HandleListDisposals returns persisted fragments, filterable by tax year,
// matching tier, and sale id.
func (h *CalculationHandler) HandleListDisposals(w http.ResponseWriter, r *http.Request) {
	query := `SELECT id, sale_date, sale_input_id, matched_date, matching_type, matched_shares,
		avg_cost_gbp, proceeds_gbp, cost_basis_gbp, gain_gbp, cgt_due_gbp, calculation_json
		FROM disposal_results WHERE 1=1`
	var args []interface{}

	if yearStr := r.URL.Query().Get("tax_year"); yearStr != "" {
		year, err := strconv.Atoi(yearStr)
		if err != nil {
			utils.SendJSONError(w, "tax_year must be an integer", http.StatusBadRequest)
			return
		}
		start, end := utils.TaxYearBounds(year)
		query += " AND sale_date >= ? AND sale_date <= ?"
		args = append(args, start.Format(utils.DefaultDateFormat), end.Format(utils.DefaultDateFormat))
	}
	if matching := r.URL.Query().Get("matching"); matching != "" {
		query += " AND matching_type = ?"
		args = append(args, matching)
	}
	if saleIDStr := r.URL.Query().Get("sale_id"); saleIDStr != "" {
		saleID, err := strconv.ParseInt(saleIDStr, 10, 64)
		if err != nil {
			utils.SendJSONError(w, "sale_id must be an integer", http.StatusBadRequest)
			return
		}
		query += " AND sale_input_id = ?"
		args = append(args, saleID)
	}
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		query += " AND (matching_type LIKE ? OR calculation_json LIKE ?)"
		pattern := "%" + q + "%"
		args = append(args, pattern, pattern)
	}
	query += " ORDER BY sale_date ASC, id ASC"

	fragments, err := services.QueryDisposals(query, args...)
	if err != nil {
		logger.L.Error("Error listing disposals", "error", err)
		utils.SendJSONError(w, "Error retrieving disposals", http.StatusInternalServerError)
		return
	}
	if fragments == nil {
		fragments = []models.DisposalFragment{}
	}
	utils.SendJSON(w, fragments, http.StatusOK)
}

// HandleGetTrace returns one fragment with its full derivation: the stored
// trace plus the readable calculation detail rows.
func (h *CalculationHandler) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		utils.SendJSONError(w, "Invalid disposal id", http.StatusBadRequest)
		return
	}

	fragments, err := services.QueryDisposals(`SELECT id, sale_date, sale_input_id, matched_date,
		matching_type, matched_shares, avg_cost_gbp, proceeds_gbp, cost_basis_gbp, gain_gbp,
		cgt_due_gbp, calculation_json FROM disposal_results WHERE id = ?`, id)
	if err != nil {
		logger.L.Error("Error loading disposal", "id", id, "error", err)
		utils.SendJSONError(w, "Error retrieving disposal", http.StatusInternalServerError)
		return
	}
	if len(fragments) == 0 {
		utils.SendJSONError(w, "Disposal not found", http.StatusNotFound)
		return
	}

	type detailRow struct {
		CreatedAt   string   `json:"created_at"`
		Equations   []string `json:"equations"`
		Explanation string   `json:"explanation"`
	}
	var details []detailRow
	rows, err := database.DB.Query(
		"SELECT created_at, equations, explanation FROM calculation_details WHERE disposal_id = ? ORDER BY id ASC", id)
	if err != nil {
		logger.L.Error("Error loading calculation details", "disposal_id", id, "error", err)
		utils.SendJSONError(w, "Error retrieving calculation details", http.StatusInternalServerError)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var d detailRow
		var equationsJSON string
		if err := rows.Scan(&d.CreatedAt, &equationsJSON, &d.Explanation); err != nil {
			logger.L.Error("Error scanning calculation detail", "disposal_id", id, "error", err)
			utils.SendJSONError(w, "Error retrieving calculation details", http.StatusInternalServerError)
			return
		}
		if err := json.Unmarshal([]byte(equationsJSON), &d.Equations); err != nil {
			logger.L.Warn("Unparseable equations JSON", "disposal_id", id, "error", err)
		}
		details = append(details, d)
	}

	utils.SendJSON(w, map[string]interface{}{
		"disposal": fragments[0],
		"details":  details,
	}, http.StatusOK)
}

// HandleGetSnapshot returns the most recent pool snapshot, optionally the
// one tagged with a tax year. Without a tax_year parameter the final
// (untagged) snapshot of the latest full run is served.
func (h *CalculationHandler) HandleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	query := `SELECT id, timestamp, run_id, tax_year, snapshot_json, total_shares, total_cost_gbp, avg_cost_gbp
		FROM pool_snapshots WHERE `
	var args []interface{}
	if yearStr := r.URL.Query().Get("tax_year"); yearStr != "" {
		year, err := strconv.Atoi(yearStr)
		if err != nil {
			utils.SendJSONError(w, "tax_year must be an integer", http.StatusBadRequest)
			return
		}
		query += "tax_year = ?"
		args = append(args, year)
	} else {
		query += "tax_year IS NULL"
	}
	query += " ORDER BY id DESC LIMIT 1"

	var snap models.PoolSnapshot
	var timestamp string
	var runID, snapJSON, shares, cost, avg sql.NullString
	var taxYear sql.NullInt64
	err := database.DB.QueryRow(query, args...).Scan(&snap.ID, &timestamp, &runID, &taxYear,
		&snapJSON, &shares, &cost, &avg)
	if err == sql.ErrNoRows {
		utils.SendJSONError(w, "No pool snapshot available; run a full recalculation first", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.L.Error("Error loading pool snapshot", "error", err)
		utils.SendJSONError(w, "Error retrieving pool snapshot", http.StatusInternalServerError)
		return
	}
	if t, err := parseRFC3339(timestamp); err == nil {
		snap.Timestamp = t
	}
	snap.RunID = runID.String
	if taxYear.Valid {
		year := int(taxYear.Int64)
		snap.TaxYear = &year
	}
	snap.SnapshotJSON = snapJSON.String
	snap.TotalShares, _ = utils.SafeDecimal(shares.String)
	snap.TotalCostGBP, _ = utils.SafeDecimal(cost.String)
	snap.AvgCostGBP, _ = utils.SafeDecimal(avg.String)

	var lots []models.LotState
	if err := json.Unmarshal([]byte(snap.SnapshotJSON), &lots); err != nil {
		logger.L.Warn("Unparseable snapshot JSON", "snapshot_id", snap.ID, "error", err)
	}
	utils.SendJSON(w, map[string]interface{}{
		"snapshot": snap,
		"lots":     lots,
	}, http.StatusOK)
}

// HandleGetSummary serves one tax year's aggregate position. Summaries are
// cached by the service and cheap to serve, so an ETag lets clients skip
// the body entirely.
func (h *CalculationHandler) HandleGetSummary(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(r.URL.Query().Get("tax_year"))
	if err != nil {
		utils.SendJSONError(w, "tax_year query parameter is required and must be an integer", http.StatusBadRequest)
		return
	}

	summary, err := h.calc.SummaryForYear(year)
	if err != nil {
		logger.L.Error("Error computing tax year summary", "tax_year", year, "error", err)
		utils.SendJSONError(w, "Error computing summary", http.StatusInternalServerError)
		return
	}

	if etag, err := utils.GenerateETag(summary); err == nil {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
	}
	utils.SendJSON(w, summary, http.StatusOK)
}

// HandleListTaxYears returns the tax years touched by any sale, newest first.
func (h *CalculationHandler) HandleListTaxYears(w http.ResponseWriter, r *http.Request) {
	sales, err := services.LoadSales(nopStep)
	if err != nil {
		logger.L.Error("Error listing sales for tax years", "error", err)
		utils.SendJSONError(w, "Error retrieving tax years", http.StatusInternalServerError)
		return
	}
	seen := make(map[int]bool)
	years := []int{}
	for _, sale := range sales {
		year := utils.TaxYearOf(sale.Date)
		if !seen[year] {
			seen[year] = true
			years = append(years, year)
		}
	}
	for i, j := 0, len(years)-1; i < j; i, j = i+1, j-1 {
		years[i], years[j] = years[j], years[i]
	}
	utils.SendJSON(w, years, http.StatusOK)
}

// HandleListSteps returns the ordered step log, filterable by run and sale.
func (h *CalculationHandler) HandleListSteps(w http.ResponseWriter, r *http.Request) {
	query := `SELECT id, timestamp, run_id, sale_input_id, step_order, message
		FROM calculation_steps WHERE 1=1`
	var args []interface{}
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		query += " AND run_id = ?"
		args = append(args, runID)
	}
	if saleIDStr := r.URL.Query().Get("sale_id"); saleIDStr != "" {
		saleID, err := strconv.ParseInt(saleIDStr, 10, 64)
		if err != nil {
			utils.SendJSONError(w, "sale_id must be an integer", http.StatusBadRequest)
			return
		}
		query += " AND sale_input_id = ?"
		args = append(args, saleID)
	}
	query += " ORDER BY step_order ASC"

	rows, err := database.DB.Query(query, args...)
	if err != nil {
		logger.L.Error("Error listing calculation steps", "error", err)
		utils.SendJSONError(w, "Error retrieving calculation steps", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	steps := []models.CalculationStep{}
	for rows.Next() {
		var step models.CalculationStep
		var timestamp string
		var runID sql.NullString
		var saleID sql.NullInt64
		if err := rows.Scan(&step.ID, &timestamp, &runID, &saleID, &step.StepOrder, &step.Message); err != nil {
			logger.L.Error("Error scanning calculation step", "error", err)
			utils.SendJSONError(w, "Error retrieving calculation steps", http.StatusInternalServerError)
			return
		}
		if t, err := parseRFC3339(timestamp); err == nil {
			step.Timestamp = t
		}
		step.RunID = runID.String
		if saleID.Valid {
			step.SaleInputID = &saleID.Int64
		}
		steps = append(steps, step)
	}
	utils.SendJSON(w, steps, http.StatusOK)
}

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// Settings

var allowedSettingKeys = map[string]bool{
	models.SettingCGTAllowance:       true,
	models.SettingCGTRate:            true,
	models.SettingNonSavingsIncome:   true,
	models.SettingBasicBandThreshold: true,
}

func (h *CalculationHandler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	rows, err := database.DB.Query("SELECT key, value FROM settings ORDER BY key ASC")
	if err != nil {
		logger.L.Error("Error listing settings", "error", err)
		utils.SendJSONError(w, "Error retrieving settings", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	settings := map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			logger.L.Error("Error scanning setting", "error", err)
			utils.SendJSONError(w, "Error retrieving settings", http.StatusInternalServerError)
			return
		}
		settings[key] = value
	}
	utils.SendJSON(w, settings, http.StatusOK)
}

func (h *CalculationHandler) HandleUpdateSetting(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !allowedSettingKeys[payload.Key] {
		utils.SendJSONError(w, "Unknown setting key: "+payload.Key, http.StatusBadRequest)
		return
	}
	if _, err := decimal.NewFromString(strings.TrimSpace(payload.Value)); err != nil {
		utils.SendJSONError(w, "Setting value must be a decimal number", http.StatusBadRequest)
		return
	}

	_, err := database.DB.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, payload.Key, payload.Value)
	if err != nil {
		logger.L.Error("Error storing setting", "key", payload.Key, "error", err)
		utils.SendJSONError(w, "Error storing setting", http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, map[string]string{payload.Key: payload.Value}, http.StatusOK)
}

// Carry-forward losses

func (h *CalculationHandler) HandleListLosses(w http.ResponseWriter, r *http.Request) {
	losses, err := services.LoadCarryForwardLosses()
	if err != nil {
		logger.L.Error("Error listing carry-forward losses", "error", err)
		utils.SendJSONError(w, "Error retrieving carry-forward losses", http.StatusInternalServerError)
		return
	}
	if losses == nil {
		losses = []models.CarryForwardLoss{}
	}
	utils.SendJSON(w, losses, http.StatusOK)
}

func (h *CalculationHandler) HandleUpsertLoss(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(r.PathValue("year"))
	if err != nil {
		utils.SendJSONError(w, "Invalid tax year", http.StatusBadRequest)
		return
	}
	var payload struct {
		Amount string `json:"amount"`
		Notes  string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil || amount.Sign() < 0 {
		utils.SendJSONError(w, "amount must be a non-negative decimal number", http.StatusBadRequest)
		return
	}

	_, err = database.DB.Exec(`INSERT INTO carry_forward_losses (tax_year, amount, notes) VALUES (?, ?, ?)
		ON CONFLICT(tax_year) DO UPDATE SET amount = excluded.amount, notes = excluded.notes`,
		year, amount.String(), payload.Notes)
	if err != nil {
		logger.L.Error("Error storing carry-forward loss", "tax_year", year, "error", err)
		utils.SendJSONError(w, "Error storing carry-forward loss", http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, models.CarryForwardLoss{TaxYear: year, Amount: amount, Notes: payload.Notes}, http.StatusOK)
}

func (h *CalculationHandler) HandleDeleteLoss(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(r.PathValue("year"))
	if err != nil {
		utils.SendJSONError(w, "Invalid tax year", http.StatusBadRequest)
		return
	}
	res, err := database.DB.Exec("DELETE FROM carry_forward_losses WHERE tax_year = ?", year)
	if err != nil {
		logger.L.Error("Error deleting carry-forward loss", "tax_year", year, "error", err)
		utils.SendJSONError(w, "Error deleting carry-forward loss", http.StatusInternalServerError)
		return
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		utils.SendJSONError(w, "No carry-forward loss recorded for that year", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
