package handlers

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/username/cgtfolio/src/config"
	"github.com/username/cgtfolio/src/database"
	"github.com/username/cgtfolio/src/logger"
	"github.com/username/cgtfolio/src/parsers"
	"github.com/username/cgtfolio/src/security/validation"
	"github.com/username/cgtfolio/src/services"
	"github.com/username/cgtfolio/src/utils"
)

// RateHandler serves the USD/GBP exchange rate table.
type RateHandler struct {
	parser parsers.RateParser
}

func NewRateHandler(parser parsers.RateParser) *RateHandler {
	return &RateHandler{parser: parser}
}

type ratePayload struct {
	Date        string `json:"date"`
	Description string `json:"description"`
	USDGBP      string `json:"usd_gbp"`
	Notes       string `json:"notes"`
}

func (p *ratePayload) validate() (string, decimal.Decimal, error) {
	if _, ok := utils.ParseDate(p.Date); !ok {
		return "", decimal.Zero, fmt.Errorf("date must be in YYYY-MM-DD format, got %q", p.Date)
	}
	p.Description = validation.StripUnprintable(p.Description)
	p.Notes = validation.StripUnprintable(p.Notes)
	rate, err := decimal.NewFromString(p.USDGBP)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("usd_gbp must be a decimal number, got %q", p.USDGBP)
	}
	if rate.Sign() <= 0 {
		return "", decimal.Zero, fmt.Errorf("usd_gbp must be positive, got %s", rate.String())
	}
	return p.Date, rate, nil
}

// HandleListRates returns every stored rate ordered by date.
func (h *RateHandler) HandleListRates(w http.ResponseWriter, r *http.Request) {
	rates, err := services.LoadExchangeRates()
	if err != nil {
		logger.L.Error("Error listing exchange rates", "error", err)
		utils.SendJSONError(w, "Error retrieving exchange rates", http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, rates, http.StatusOK)
}

func (h *RateHandler) HandleCreateRate(w http.ResponseWriter, r *http.Request) {
	var payload ratePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	date, rate, err := payload.validate()
	if err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, created, err := upsertRateByDate(date, payload.Description, rate, payload.Notes)
	if err != nil {
		logger.L.Error("Error storing exchange rate", "date", date, "error", err)
		utils.SendJSONError(w, "Error storing exchange rate", http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	utils.SendJSON(w, map[string]interface{}{"id": id, "created": created}, status)
}

func (h *RateHandler) HandleUpdateRate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		utils.SendJSONError(w, "Invalid rate id", http.StatusBadRequest)
		return
	}
	var payload ratePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	date, rate, err := payload.validate()
	if err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := database.DB.Exec("UPDATE exchange_rates SET date = ?, description = ?, usd_gbp = ?, notes = ? WHERE id = ?",
		date, payload.Description, rate.String(), payload.Notes, id)
	if err != nil {
		logger.L.Error("Error updating exchange rate", "id", id, "error", err)
		utils.SendJSONError(w, "Error updating exchange rate", http.StatusInternalServerError)
		return
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		utils.SendJSONError(w, "Exchange rate not found", http.StatusNotFound)
		return
	}
	utils.SendJSON(w, map[string]interface{}{"id": id}, http.StatusOK)
}

func (h *RateHandler) HandleDeleteRate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		utils.SendJSONError(w, "Invalid rate id", http.StatusBadRequest)
		return
	}
	res, err := database.DB.Exec("DELETE FROM exchange_rates WHERE id = ?", id)
	if err != nil {
		logger.L.Error("Error deleting exchange rate", "id", id, "error", err)
		utils.SendJSONError(w, "Error deleting exchange rate", http.StatusInternalServerError)
		return
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		utils.SendJSONError(w, "Exchange rate not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleUploadCSV ingests a Bank of England daily spot rate CSV. Rows for
// dates already stored are skipped so an upload never overwrites manually
// maintained rates; new dates are inserted.
func (h *RateHandler) HandleUploadCSV(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, config.Cfg.MaxUploadSizeBytes)
	if err := r.ParseMultipartForm(config.Cfg.MaxUploadSizeBytes); err != nil {
		utils.SendJSONError(w, "Upload too large or malformed", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		utils.SendJSONError(w, "Missing 'file' form field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	logger.L.Info("Handling rate CSV upload", "filename", header.Filename, "size", header.Size)

	if err := validation.ValidateClientContentType(header.Header.Get("Content-Type")); err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := validation.ValidateFileContentByMagicBytes(file); err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rates, err := h.parser.Parse(file)
	if err != nil {
		logger.L.Error("Error parsing rate CSV", "filename", header.Filename, "error", err)
		utils.SendJSONError(w, fmt.Sprintf("Error parsing CSV: %v", err), http.StatusBadRequest)
		return
	}
	if len(rates) == 0 {
		utils.SendJSONError(w, "No usable rate rows found in CSV", http.StatusBadRequest)
		return
	}

	inserted, skipped := 0, 0
	for _, rate := range rates {
		date := rate.Date.Format(utils.DefaultDateFormat)
		created, err := insertRateIfAbsent(date, rate.Description, rate.USDGBP, rate.Notes)
		if err != nil {
			logger.L.Error("Error storing uploaded rate", "date", date, "error", err)
			utils.SendJSONError(w, "Error storing uploaded rates", http.StatusInternalServerError)
			return
		}
		if created {
			inserted++
		} else {
			skipped++
		}
	}

	logger.L.Info("Rate CSV upload complete", "inserted", inserted, "skipped", skipped)
	utils.SendJSON(w, map[string]int{"inserted": inserted, "skipped": skipped}, http.StatusOK)
}

// insertRateIfAbsent stores a rate only when the date has no row yet.
func insertRateIfAbsent(date, description string, rate decimal.Decimal, notes string) (bool, error) {
	var id int64
	err := database.DB.QueryRow("SELECT id FROM exchange_rates WHERE date = ?", date).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		_, err := database.DB.Exec("INSERT INTO exchange_rates (date, description, usd_gbp, notes) VALUES (?, ?, ?, ?)",
			date, description, rate.String(), notes)
		return err == nil, err
	case err != nil:
		return false, err
	default:
		return false, nil
	}
}

// upsertRateByDate keeps the one-rate-per-date invariant: an existing row for
// the date is overwritten instead of duplicated.
func upsertRateByDate(date, description string, rate decimal.Decimal, notes string) (int64, bool, error) {
	var id int64
	err := database.DB.QueryRow("SELECT id FROM exchange_rates WHERE date = ?", date).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		res, err := database.DB.Exec("INSERT INTO exchange_rates (date, description, usd_gbp, notes) VALUES (?, ?, ?, ?)",
			date, description, rate.String(), notes)
		if err != nil {
			return 0, false, err
		}
		id, err = res.LastInsertId()
		return id, true, err
	case err != nil:
		return 0, false, err
	default:
		_, err := database.DB.Exec("UPDATE exchange_rates SET description = ?, usd_gbp = ?, notes = ? WHERE id = ?",
			description, rate.String(), notes, id)
		return id, false, err
	}
}
