package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Setting keys consulted by the tax-year aggregation. Values live in the
// settings table and are read-only to the calculation engine.
const (
	SettingCGTAllowance       = "CGT_Allowance"
	SettingCGTRate            = "CGT_Rate"
	SettingNonSavingsIncome   = "NonSavingsIncome"
	SettingBasicBandThreshold = "BasicBandThreshold"
)

// ExchangeRate is one row of the sparse USD/GBP rate table.
// At most one rate exists per exact date.
type ExchangeRate struct {
	ID          int64           `json:"id"`
	Date        time.Time       `json:"date"`
	Description string          `json:"description"`
	USDGBP      decimal.Decimal `json:"usd_gbp"` // USD per GBP
	Notes       string          `json:"notes"`
}

// Vesting is an RSU vesting event, an acquisition record.
type Vesting struct {
	ID                 int64            `json:"id"`
	Date               time.Time        `json:"date"`
	SharesVested       decimal.Decimal  `json:"shares_vested"`
	PriceUSD           *decimal.Decimal `json:"price_usd,omitempty"`
	TotalUSD           *decimal.Decimal `json:"total_usd,omitempty"`
	ExchangeRate       *decimal.Decimal `json:"exchange_rate,omitempty"`
	IncidentalCostsGBP decimal.Decimal  `json:"incidental_costs_gbp"`
	SharesSold         decimal.Decimal  `json:"shares_sold"`
	NetShares          *decimal.Decimal `json:"net_shares,omitempty"`
}

// ESPPPurchase is a discounted employee share purchase, an acquisition record.
// DiscountTaxedPAYE reports whether the purchase discount was already taxed
// as income; when true, PAYETaxGBP is added back into the CGT cost basis so
// the discount is not taxed twice.
type ESPPPurchase struct {
	ID                 int64            `json:"id"`
	Date               time.Time        `json:"date"`
	SharesRetained     decimal.Decimal  `json:"shares_retained"`
	PurchasePriceUSD   *decimal.Decimal `json:"purchase_price_usd,omitempty"`
	MarketPriceUSD     *decimal.Decimal `json:"market_price_usd,omitempty"`
	DiscountPct        decimal.Decimal  `json:"discount"`
	ExchangeRate       *decimal.Decimal `json:"exchange_rate,omitempty"`
	DiscountTaxedPAYE  bool             `json:"discount_taxed_paye"`
	PAYETaxGBP         *decimal.Decimal `json:"paye_tax_gbp,omitempty"`
	Qualifying         bool             `json:"qualifying"`
	IncidentalCostsGBP decimal.Decimal  `json:"incidental_costs_gbp"`
	Notes              string           `json:"notes"`
}

// SaleInput is an immutable disposal record.
type SaleInput struct {
	ID                 int64            `json:"id"`
	Date               time.Time        `json:"date"`
	SharesSold         decimal.Decimal  `json:"shares_sold"`
	SalePriceUSD       decimal.Decimal  `json:"sale_price_usd"`
	ExchangeRate       *decimal.Decimal `json:"exchange_rate,omitempty"`
	IncidentalCostsGBP decimal.Decimal  `json:"incidental_costs_gbp"`
}

// CarryForwardLoss is a tax year's unused net loss, consumable by later years.
type CarryForwardLoss struct {
	TaxYear int             `json:"tax_year"`
	Amount  decimal.Decimal `json:"amount"`
	Notes   string          `json:"notes"`
}
