package handlers

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/username/cgtfolio/src/database"
	"github.com/username/cgtfolio/src/logger"
	"github.com/username/cgtfolio/src/models"
	"github.com/username/cgtfolio/src/security/validation"
	"github.com/username/cgtfolio/src/services"
	"github.com/username/cgtfolio/src/utils"
)

// ExportHandler serves CSV downloads of the derived data.
type ExportHandler struct {
	calc services.Calculator
}

func NewExportHandler(calc services.Calculator) *ExportHandler {
	return &ExportHandler{calc: calc}
}

func beginCSV(w http.ResponseWriter, filename string) *csv.Writer {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	return csv.NewWriter(w)
}

// HandleExportDisposals streams every fragment of one tax year as CSV.
func (h *ExportHandler) HandleExportDisposals(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(r.URL.Query().Get("tax_year"))
	if err != nil {
		utils.SendJSONError(w, "tax_year query parameter is required and must be an integer", http.StatusBadRequest)
		return
	}
	start, end := utils.TaxYearBounds(year)
	fragments, err := services.LoadDisposalsInRange(start, end)
	if err != nil {
		logger.L.Error("Error loading disposals for export", "tax_year", year, "error", err)
		utils.SendJSONError(w, "Error exporting disposals", http.StatusInternalServerError)
		return
	}

	cw := beginCSV(w, fmt.Sprintf("disposals_%d_%d.csv", year, year+1))
	cw.Write([]string{"sale_date", "sale_input_id", "matched_date", "matching_type",
		"matched_shares", "avg_cost_gbp", "proceeds_gbp", "cost_basis_gbp", "gain_gbp", "cgt_due_gbp"})
	for _, f := range fragments {
		matchedDate := ""
		if f.MatchedDate != nil {
			matchedDate = f.MatchedDate.Format(utils.DefaultDateFormat)
		}
		cw.Write([]string{
			f.SaleDate.Format(utils.DefaultDateFormat),
			strconv.FormatInt(f.SaleInputID, 10),
			matchedDate,
			f.MatchingType,
			f.MatchedShares.String(),
			f.AvgCostGBP.String(),
			f.ProceedsGBP.String(),
			f.CostBasisGBP.String(),
			f.GainGBP.String(),
			f.CGTDueGBP.String(),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		logger.L.Error("Error writing disposals CSV", "error", err)
	}
}

// HandleExportPool streams the open lot positions of the latest final pool
// snapshot as CSV.
func (h *ExportHandler) HandleExportPool(w http.ResponseWriter, r *http.Request) {
	var snapJSON string
	err := database.DB.QueryRow(`SELECT snapshot_json FROM pool_snapshots
		WHERE tax_year IS NULL ORDER BY id DESC LIMIT 1`).Scan(&snapJSON)
	if err == sql.ErrNoRows {
		utils.SendJSONError(w, "No pool snapshot available; run a full recalculation first", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.L.Error("Error loading pool snapshot for export", "error", err)
		utils.SendJSONError(w, "Error exporting pool", http.StatusInternalServerError)
		return
	}
	var lots []models.LotState
	if err := json.Unmarshal([]byte(snapJSON), &lots); err != nil {
		logger.L.Error("Unparseable snapshot JSON during export", "error", err)
		utils.SendJSONError(w, "Error exporting pool", http.StatusInternalServerError)
		return
	}

	cw := beginCSV(w, "pool.csv")
	cw.Write([]string{"entry", "date", "source", "remaining", "per_share_cost"})
	for _, lot := range lots {
		cw.Write([]string{
			validation.SanitizeForFormulaInjection(lot.Entry),
			lot.Date,
			validation.SanitizeForFormulaInjection(lot.Source),
			lot.Remaining,
			lot.PerShareCost,
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		logger.L.Error("Error writing pool CSV", "error", err)
	}
}

// HandleExportSummary writes one tax year's aggregate position as a
// two-column CSV of field and value.
func (h *ExportHandler) HandleExportSummary(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(r.URL.Query().Get("tax_year"))
	if err != nil {
		utils.SendJSONError(w, "tax_year query parameter is required and must be an integer", http.StatusBadRequest)
		return
	}
	summary, err := h.calc.SummaryForYear(year)
	if err != nil {
		logger.L.Error("Error computing summary for export", "tax_year", year, "error", err)
		utils.SendJSONError(w, "Error exporting summary", http.StatusInternalServerError)
		return
	}

	cw := beginCSV(w, fmt.Sprintf("summary_%d_%d.csv", year, year+1))
	cw.Write([]string{"field", "value"})
	records := [][2]string{
		{"tax_year", strconv.Itoa(summary.TaxYear)},
		{"tax_year_start", summary.TaxYearStart},
		{"tax_year_end", summary.TaxYearEnd},
		{"total_disposals", strconv.Itoa(summary.TotalDisposals)},
		{"errored_sales", strconv.Itoa(summary.ErroredSales)},
		{"total_proceeds", summary.TotalProceeds.String()},
		{"total_cost", summary.TotalCost.String()},
		{"total_gain", summary.TotalGain.String()},
		{"gains", summary.Gains.String()},
		{"losses", summary.Losses.String()},
		{"net_gain", summary.NetGain.String()},
		{"carry_forward_loss_gbp", summary.CarryForwardLoss.String()},
		{"net_gain_after_losses", summary.NetGainAfterLosses.String()},
		{"cgt_allowance_gbp", summary.CGTAllowance.String()},
		{"non_savings_income", summary.NonSavingsIncome.String()},
		{"basic_threshold", summary.BasicBandThreshold.String()},
		{"basic_band_available", summary.BasicBandAvailable.String()},
		{"taxable_after_allowance", summary.TaxableAfterAllowance.String()},
		{"basic_taxable_gain", summary.BasicTaxableGain.String()},
		{"higher_taxable_gain", summary.HigherTaxableGain.String()},
		{"estimated_cgt", summary.EstimatedCGT.String()},
	}
	for _, rec := range records {
		cw.Write([]string{rec[0], rec[1]})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		logger.L.Error("Error writing summary CSV", "error", err)
	}
}
