package database

import (
	"database/sql"
	stdlog "log"

	"github.com/username/cgtfolio/src/logger"
	_ "modernc.org/sqlite"
)

var DB *sql.DB

func InitDB(databasePath string) {
	db, err := sql.Open("sqlite", databasePath)
	if err != nil {
		stdlog.Fatalf("failed to open database at %s: %v", databasePath, err)
	}

	DB = db

	if logger.L != nil {
		logger.L.Info("Checking database migrations", "databasePath", databasePath)
	} else {
		stdlog.Println("Checking database migrations for:", databasePath)
	}

	createTableStatement := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exchange_rates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		date TEXT NOT NULL,
		description TEXT,
		usd_gbp TEXT NOT NULL,
		notes TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_exchange_rates_date ON exchange_rates(date);

	CREATE TABLE IF NOT EXISTS vestings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		date TEXT NOT NULL,
		shares_vested TEXT NOT NULL,
		price_usd TEXT,
		total_usd TEXT,
		exchange_rate TEXT,
		incidental_costs_gbp TEXT DEFAULT '0',
		shares_sold TEXT DEFAULT '0',
		net_shares TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_vestings_date ON vestings(date);

	CREATE TABLE IF NOT EXISTS espp_purchases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		date TEXT NOT NULL,
		shares_retained TEXT NOT NULL,
		purchase_price_usd TEXT,
		market_price_usd TEXT,
		discount TEXT,
		exchange_rate TEXT,
		discount_taxed_paye BOOLEAN DEFAULT TRUE,
		paye_tax_gbp TEXT,
		qualifying BOOLEAN DEFAULT TRUE,
		incidental_costs_gbp TEXT DEFAULT '0',
		notes TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_espp_purchases_date ON espp_purchases(date);

	CREATE TABLE IF NOT EXISTS sales (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		date TEXT NOT NULL,
		shares_sold TEXT NOT NULL,
		sale_price_usd TEXT,
		exchange_rate TEXT,
		incidental_costs_gbp TEXT DEFAULT '0'
	);
	CREATE INDEX IF NOT EXISTS idx_sales_date ON sales(date);

	CREATE TABLE IF NOT EXISTS disposal_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sale_date TEXT,
		sale_input_id INTEGER,
		matched_date TEXT,
		matching_type TEXT,
		matched_shares TEXT,
		avg_cost_gbp TEXT,
		proceeds_gbp TEXT,
		cost_basis_gbp TEXT,
		gain_gbp TEXT,
		cgt_due_gbp TEXT,
		calculation_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_disposal_results_sale_date ON disposal_results(sale_date);
	CREATE INDEX IF NOT EXISTS idx_disposal_results_sale_input_id ON disposal_results(sale_input_id);

	CREATE TABLE IF NOT EXISTS pool_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		run_id TEXT,
		tax_year INTEGER,
		snapshot_json TEXT,
		total_shares TEXT,
		total_cost_gbp TEXT,
		avg_cost_gbp TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_pool_snapshots_tax_year ON pool_snapshots(tax_year);

	CREATE TABLE IF NOT EXISTS calculation_steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		run_id TEXT,
		sale_input_id INTEGER,
		step_order INTEGER NOT NULL,
		message TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_calculation_steps_sale_input_id ON calculation_steps(sale_input_id);
	CREATE INDEX IF NOT EXISTS idx_calculation_steps_step_order ON calculation_steps(step_order);

	CREATE TABLE IF NOT EXISTS calculation_details (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		disposal_id INTEGER NOT NULL,
		sale_input_id INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		equations TEXT NOT NULL,
		explanation TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_calculation_details_disposal_id ON calculation_details(disposal_id);

	CREATE TABLE IF NOT EXISTS carry_forward_losses (
		tax_year INTEGER PRIMARY KEY,
		amount TEXT NOT NULL,
		notes TEXT
	);
	`

	_, err = DB.Exec(createTableStatement)
	if err != nil {
		if logger.L != nil {
			logger.L.Error("failed to create tables", "error", err)
		}
		stdlog.Fatalf("failed to create tables: %v", err)
	}

	migrateDisposalResults()
	migratePoolSnapshots()

	if logger.L != nil {
		logger.L.Info("Database tables ensured/created.")
	} else {
		stdlog.Println("Database tables ensured/created.")
	}
}

func tableColumns(table string) (map[string]bool, bool) {
	rows, err := DB.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		if logger.L != nil {
			logger.L.Error("Error querying table schema", "table", table, "error", err)
		} else {
			stdlog.Printf("Error querying table schema for '%s': %v", table, err)
		}
		return nil, false
	}
	defer rows.Close()

	columnExists := make(map[string]bool)
	for rows.Next() {
		var cid, pk int
		var name, dataType string
		var notnullVal int
		var dfltValue interface{}

		if err := rows.Scan(&cid, &name, &dataType, &notnullVal, &dfltValue, &pk); err != nil {
			if logger.L != nil {
				logger.L.Error("Error scanning column info", "table", table, "error", err)
			} else {
				stdlog.Printf("Error scanning column info for '%s': %v", table, err)
			}
			return nil, false
		}
		columnExists[name] = true
	}
	if err = rows.Err(); err != nil {
		if logger.L != nil {
			logger.L.Error("Error iterating over column info", "table", table, "error", err)
		} else {
			stdlog.Printf("Error iterating over column info for '%s': %v", table, err)
		}
		return nil, false
	}
	return columnExists, true
}

// migrateDisposalResults backfills the calculation_json column on databases
// created before per-fragment traces were stored.
func migrateDisposalResults() {
	columnExists, ok := tableColumns("disposal_results")
	if !ok {
		return
	}
	if _, exists := columnExists["calculation_json"]; !exists {
		_, err := DB.Exec("ALTER TABLE disposal_results ADD COLUMN calculation_json TEXT")
		if err != nil {
			logger.L.Error("Error adding 'calculation_json' column to 'disposal_results'", "error", err)
		} else {
			logger.L.Info("Added 'calculation_json' column to 'disposal_results' table")
		}
	}
}

// migratePoolSnapshots backfills the run_id column on snapshot and step-log
// tables from before recalculation passes were tagged.
func migratePoolSnapshots() {
	for _, table := range []string{"pool_snapshots", "calculation_steps"} {
		columnExists, ok := tableColumns(table)
		if !ok {
			continue
		}
		if _, exists := columnExists["run_id"]; !exists {
			_, err := DB.Exec("ALTER TABLE " + table + " ADD COLUMN run_id TEXT")
			if err != nil {
				logger.L.Error("Error adding 'run_id' column", "table", table, "error", err)
			} else {
				logger.L.Info("Added 'run_id' column", "table", table)
			}
		}
	}
}
