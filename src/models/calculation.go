package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LotKind distinguishes ordinary acquisition lots from the synthetic lot
// emitted for a Section 104 pool match.
type LotKind int

const (
	LotOrdinary LotKind = iota
	LotPooled
)

// Matching tier labels, in waterfall order. MatchingError marks a terminal
// fragment for a sale that could not be fully matched.
const (
	MatchingSameDay      = "Same-day"
	Matching30Day        = "30-day"
	Matching30DayForward = "30-day forward"
	MatchingSection104   = "Section 104"
	MatchingError        = "ERROR: insufficient holdings"
)

// Lot provenance sources.
const (
	LotSourceRSU    = "RSU"
	LotSourceESPP   = "ESPP"
	LotSourcePooled = "POOLED"
)

// PooledLotEntry is the provenance key of the synthetic Section 104 lot.
const PooledLotEntry = "S104_POOL"

// Lot is one cost-basis holding in the inventory. It is transient working
// state, rebuilt from acquisition records on every recalculation pass, and
// mutated only by the matching engine (Remaining decreases, never below zero).
// USDTotal, RateUsed and PAYE are provenance metadata and are nil on
// pooled lots.
type Lot struct {
	Kind      LotKind
	Entry     string // provenance key, e.g. "V:12" or "E:3"
	Date      time.Time
	Source    string
	Remaining decimal.Decimal
	AvgCost   decimal.Decimal // per-share cost in GBP
	USDTotal  *decimal.Decimal
	RateUsed  *decimal.Decimal
	PAYE      *decimal.Decimal
	Tooltip   string
}

// TraceLot captures the matched lot's literal inputs inside a trace.
type TraceLot struct {
	Entry    string `json:"entry"`
	Date     string `json:"date"`
	Source   string `json:"source"`
	USDTotal string `json:"usd_total"`
	RateUsed string `json:"rate_used"`
	PAYE     string `json:"paye"`
}

// TraceInputs records the literal inputs a fragment was derived from.
type TraceInputs struct {
	SalePriceUSD   string   `json:"sale_price_usd"`
	SaleRateUsed   string   `json:"sale_rate_used"`
	IncidentalSale string   `json:"incidental_sale,omitempty"`
	Lot            TraceLot `json:"lot"`
	CoercedFields  []string `json:"coerced_fields,omitempty"`
}

// NumericTrace is the machine-checkable side of a fragment derivation; every
// value is serialized as a decimal string so the result can be reconstructed
// independently.
type NumericTrace struct {
	SalePriceUSD        string  `json:"sale_price_usd"`
	RateForSale         string  `json:"rate_for_sale"`
	ProceedsPerShareGBP string  `json:"proceeds_per_share_gbp"`
	ProceedsTotalGBP    string  `json:"proceeds_total_gbp"`
	CostPerShareGBP     string  `json:"cost_per_share_gbp"`
	CostTotalGBP        string  `json:"cost_total_gbp"`
	GainGBP             string  `json:"gain_gbp"`
	LotUSDTotal         *string `json:"lot_usd_total"`
	LotRateUsed         *string `json:"lot_rate_used"`
	LotPAYEGBP          *string `json:"lot_paye_gbp"`
	SharesMatched       string  `json:"shares_matched"`
	FragmentIndex       int     `json:"fragment_index"`
}

// CalculationTrace is the serialized derivation attached to each fragment.
// Error, Requested and RemainingUnmatched are only set on terminal
// insufficient-holdings fragments.
type CalculationTrace struct {
	Inputs             *TraceInputs  `json:"inputs,omitempty"`
	Equations          []string      `json:"equations,omitempty"`
	NumericTrace       *NumericTrace `json:"numeric_trace,omitempty"`
	Error              string        `json:"error,omitempty"`
	Requested          string        `json:"requested,omitempty"`
	RemainingUnmatched string        `json:"remaining_unmatched,omitempty"`
}

// DisposalFragment is one matched piece of a sale: the result of matching a
// sale (fully or partially) against one lot or the Section 104 pool.
// CGTDueGBP is filled in by the tax-year aggregation after creation; all
// other monetary fields are final once incidental costs are allocated.
type DisposalFragment struct {
	ID            int64             `json:"disposal_id"`
	SaleDate      time.Time         `json:"sale_date"`
	SaleInputID   int64             `json:"sale_input_id"`
	MatchedDate   *time.Time        `json:"matched_date,omitempty"`
	MatchingType  string            `json:"matching_type"`
	MatchedShares decimal.Decimal   `json:"matched_shares"`
	AvgCostGBP    decimal.Decimal   `json:"avg_cost_gbp"`
	ProceedsGBP   decimal.Decimal   `json:"proceeds_gbp"`
	CostBasisGBP  decimal.Decimal   `json:"cost_basis_gbp"`
	GainGBP       decimal.Decimal   `json:"gain_gbp"`
	CGTDueGBP     decimal.Decimal   `json:"cgt_due_gbp"`
	Calculation   *CalculationTrace `json:"calculation,omitempty"`
}

// LotChange records how a single lot's remaining quantity moved while
// matching one sale.
type LotChange struct {
	Matching string `json:"matching"`
	Before   string `json:"before"`
	After    string `json:"after"`
	Delta    string `json:"delta"`
}

// LotState is a lot's position inside a pool snapshot.
type LotState struct {
	Entry        string `json:"entry"`
	Date         string `json:"date"`
	Source       string `json:"source"`
	Remaining    string `json:"remaining"`
	PerShareCost string `json:"per_share_cost"`
	Tooltip      string `json:"tooltip,omitempty"`
}

// SaleRef identifies the sale a snapshot was taken after.
type SaleRef struct {
	ID     int64  `json:"id"`
	Date   string `json:"date"`
	Shares string `json:"shares"`
}

// SaleSnapshot captures the pool state immediately after one sale was matched.
type SaleSnapshot struct {
	Sale      SaleRef              `json:"sale"`
	Changed   map[string]LotChange `json:"changed"`
	PoolAfter []LotState           `json:"pool_after"`
	Error     bool                 `json:"error"`
}

// PoolSnapshot is a persisted point-in-time capture of the whole lot
// inventory, written once per recalculation, optionally tagged by tax year.
type PoolSnapshot struct {
	ID           int64           `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	RunID        string          `json:"run_id"`
	TaxYear      *int            `json:"tax_year,omitempty"`
	SnapshotJSON string          `json:"snapshot_json"`
	TotalShares  decimal.Decimal `json:"total_shares"`
	TotalCostGBP decimal.Decimal `json:"total_cost_gbp"`
	AvgCostGBP   decimal.Decimal `json:"avg_cost_gbp"`
}

// CalculationStep is one line of the ordered, human-readable step log.
type CalculationStep struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	RunID       string    `json:"run_id"`
	SaleInputID *int64    `json:"sale_input_id,omitempty"`
	StepOrder   int       `json:"step_order"`
	Message     string    `json:"message"`
}

// TaxYearSummary is the aggregate CGT position for one UK tax year.
type TaxYearSummary struct {
	TaxYear               int             `json:"tax_year"`
	TaxYearStart          string          `json:"tax_year_start"`
	TaxYearEnd            string          `json:"tax_year_end"`
	TotalDisposals        int             `json:"total_disposals"`
	ErroredSales          int             `json:"errored_sales"`
	TotalProceeds         decimal.Decimal `json:"total_proceeds"`
	TotalCost             decimal.Decimal `json:"total_cost"`
	TotalGain             decimal.Decimal `json:"total_gain"`
	Gains                 decimal.Decimal `json:"pos"`
	Losses                decimal.Decimal `json:"neg"`
	NetGain               decimal.Decimal `json:"net_gain"`
	CarryForwardLoss      decimal.Decimal `json:"carry_forward_loss_gbp"`
	NetGainAfterLosses    decimal.Decimal `json:"net_gain_after_losses"`
	CGTAllowance          decimal.Decimal `json:"cgt_allowance_gbp"`
	NonSavingsIncome      decimal.Decimal `json:"non_savings_income"`
	BasicBandThreshold    decimal.Decimal `json:"basic_threshold"`
	BasicBandAvailable    decimal.Decimal `json:"basic_band_available"`
	TaxableAfterAllowance decimal.Decimal `json:"taxable_after_allowance"`
	BasicTaxableGain      decimal.Decimal `json:"basic_taxable_gain"`
	HigherTaxableGain     decimal.Decimal `json:"higher_taxable_gain"`
	EstimatedCGT          decimal.Decimal `json:"estimated_cgt"`
}
