package main

import (
	"encoding/json"
	stdlog "log"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/username/cgtfolio/src/config"
	"github.com/username/cgtfolio/src/database"
	"github.com/username/cgtfolio/src/handlers"
	"github.com/username/cgtfolio/src/logger"
	"github.com/username/cgtfolio/src/parsers"
	"github.com/username/cgtfolio/src/services"
	"golang.org/x/time/rate"
)

var limiter = rate.NewLimiter(rate.Every(100*time.Millisecond), 30)

func rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			logger.L.Warn("Rate limit exceeded",
				"method", r.Method,
				"path", r.URL.Path,
				"remoteAddr", r.RemoteAddr)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin == config.Cfg.CORSAllowedOrigin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE, PATCH")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Requested-With, If-None-Match")
			w.Header().Set("Access-Control-Expose-Headers", "ETag")
		} else if origin == "" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		if r.Method == "OPTIONS" {
			logger.L.Debug("Handling OPTIONS preflight request", "path", r.URL.Path, "origin", origin)
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	config.LoadConfig()
	logger.InitLogger(config.Cfg.LogLevel)
	logger.L.Info("Cgtfolio backend server starting...")

	logger.L.Info("Initializing database...", "path", config.Cfg.DatabasePath)
	database.InitDB(config.Cfg.DatabasePath)
	logger.L.Info("Database initialized successfully.")

	logger.L.Info("Initializing summary cache...")
	summaryCache := cache.New(15*time.Minute, 30*time.Minute)

	logger.L.Info("Initializing services and handlers...")
	calculationService := services.NewCalculationService(summaryCache)

	rateHandler := handlers.NewRateHandler(parsers.NewBoERateParser())
	awardHandler := handlers.NewAwardHandler(calculationService)
	saleHandler := handlers.NewSaleHandler(calculationService)
	calcHandler := handlers.NewCalculationHandler(calculationService)
	exportHandler := handlers.NewExportHandler(calculationService)

	logger.L.Info("Configuring routes...")
	rootMux := http.NewServeMux()
	apiRouter := http.NewServeMux()

	apiRouter.HandleFunc("GET /api/rates", rateHandler.HandleListRates)
	apiRouter.HandleFunc("POST /api/rates", rateHandler.HandleCreateRate)
	apiRouter.HandleFunc("PUT /api/rates/{id}", rateHandler.HandleUpdateRate)
	apiRouter.HandleFunc("DELETE /api/rates/{id}", rateHandler.HandleDeleteRate)
	apiRouter.HandleFunc("POST /api/rates/upload", rateHandler.HandleUploadCSV)

	apiRouter.HandleFunc("GET /api/vestings", awardHandler.HandleListVestings)
	apiRouter.HandleFunc("POST /api/vestings", awardHandler.HandleCreateVesting)
	apiRouter.HandleFunc("PUT /api/vestings/{id}", awardHandler.HandleUpdateVesting)
	apiRouter.HandleFunc("DELETE /api/vestings/{id}", awardHandler.HandleDeleteVesting)

	apiRouter.HandleFunc("GET /api/espp", awardHandler.HandleListESPP)
	apiRouter.HandleFunc("POST /api/espp", awardHandler.HandleCreateESPP)
	apiRouter.HandleFunc("PUT /api/espp/{id}", awardHandler.HandleUpdateESPP)
	apiRouter.HandleFunc("DELETE /api/espp/{id}", awardHandler.HandleDeleteESPP)

	apiRouter.HandleFunc("GET /api/sales", saleHandler.HandleListSales)
	apiRouter.HandleFunc("POST /api/sales", saleHandler.HandleCreateSale)
	apiRouter.HandleFunc("PUT /api/sales/{id}", saleHandler.HandleUpdateSale)
	apiRouter.HandleFunc("DELETE /api/sales/{id}", saleHandler.HandleDeleteSale)

	apiRouter.HandleFunc("POST /api/recalculate", calcHandler.HandleRecalculate)
	apiRouter.HandleFunc("GET /api/disposals", calcHandler.HandleListDisposals)
	apiRouter.HandleFunc("GET /api/disposals/{id}/trace", calcHandler.HandleGetTrace)
	apiRouter.HandleFunc("GET /api/pool/snapshot", calcHandler.HandleGetSnapshot)
	apiRouter.HandleFunc("GET /api/summary", calcHandler.HandleGetSummary)
	apiRouter.HandleFunc("GET /api/tax-years", calcHandler.HandleListTaxYears)
	apiRouter.HandleFunc("GET /api/steps", calcHandler.HandleListSteps)

	apiRouter.HandleFunc("GET /api/settings", calcHandler.HandleGetSettings)
	apiRouter.HandleFunc("PUT /api/settings", calcHandler.HandleUpdateSetting)

	apiRouter.HandleFunc("GET /api/losses", calcHandler.HandleListLosses)
	apiRouter.HandleFunc("PUT /api/losses/{year}", calcHandler.HandleUpsertLoss)
	apiRouter.HandleFunc("DELETE /api/losses/{year}", calcHandler.HandleDeleteLoss)

	apiRouter.HandleFunc("GET /api/export/disposals", exportHandler.HandleExportDisposals)
	apiRouter.HandleFunc("GET /api/export/pool", exportHandler.HandleExportPool)
	apiRouter.HandleFunc("GET /api/export/summary", exportHandler.HandleExportSummary)

	rootMux.Handle("/api/", apiRouter)

	rootMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" && r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"message": "CGTFOLIO Backend is running"})
		} else {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				logger.L.Warn("Root level path not found", "method", r.Method, "path", r.URL.Path)
				http.NotFound(w, r)
			}
		}
	})

	logger.L.Info("Applying global middleware...")
	finalHandler := enableCORS(rateLimitMiddleware(rootMux))

	serverAddr := ":" + config.Cfg.Port
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      finalHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.L.Info("Server starting", "address", serverAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.L.Error("Failed to start server", "error", err)
		stdlog.Fatalf("Failed to start server: %v", err)
	} else if err == http.ErrServerClosed {
		logger.L.Info("Server stopped gracefully.")
	}
}
