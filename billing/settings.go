package billing

import (
	"time"

	"github.com/shiftwise/billing/usage"

	"github.com/shopspring/decimal"
)

// ProrationBasis selects how a seat change is prorated
type ProrationBasis string

const (
	// ProrationPerSeatPrice bills the per-seat price difference across the new seat count
	ProrationPerSeatPrice ProrationBasis = "per_seat_price"
	// ProrationSeatCharge bills the difference between the old and new monthly charges
	ProrationSeatCharge ProrationBasis = "seat_charge"
)

// Settings are the tunable constants of the billing engine
type Settings struct {
	Currency           string
	TaxRate            decimal.Decimal // flat VAT applied to every record
	ProrationThreshold decimal.Decimal // relative seat change that triggers proration
	ProrationDays      int             // month length assumed by proration
	ProrationBasis     ProrationBasis
	ProrationMinimum   decimal.Decimal // prorated amounts at or below this magnitude are not billed
	OverageThreshold   decimal.Decimal // summed overage must exceed this to be billed
	OverageTiers       []OverageTier
	GatewayTimeout     time.Duration
	AutoCharge         bool // charge the default payment method instead of emailing the invoice
}

func DefaultSettings() Settings {
	return Settings{
		Currency:           "gbp",
		TaxRate:            decimal.RequireFromString("0.20"),
		ProrationThreshold: decimal.RequireFromString("0.20"),
		ProrationDays:      30,
		ProrationBasis:     ProrationPerSeatPrice,
		ProrationMinimum:   decimal.NewFromInt(1),
		OverageThreshold:   decimal.NewFromInt(5),
		OverageTiers:       DefaultOverageTiers(),
		GatewayTimeout:     30 * time.Second,
	}
}

// DefaultOverageTiers are the free allowances of the metered features
func DefaultOverageTiers() []OverageTier {
	return []OverageTier{
		{Metric: usage.APICalls, Limit: decimal.NewFromInt(10000), UnitSize: decimal.NewFromInt(1000), Rate: decimal.RequireFromString("0.001")},
		{Metric: usage.StorageGB, Limit: decimal.NewFromInt(10), UnitSize: decimal.NewFromInt(1), Rate: decimal.RequireFromString("1.99")},
		{Metric: usage.ReportsGenerated, Limit: decimal.NewFromInt(100), UnitSize: decimal.NewFromInt(1), Rate: decimal.RequireFromString("0.10")},
	}
}

func (s *Settings) applyDefaults() {
	def := DefaultSettings()
	if len(s.Currency) == 0 {
		s.Currency = def.Currency
	}
	if s.ProrationDays <= 0 {
		s.ProrationDays = def.ProrationDays
	}
	if len(s.ProrationBasis) == 0 {
		s.ProrationBasis = def.ProrationBasis
	}
	if s.OverageTiers == nil {
		s.OverageTiers = def.OverageTiers
	}
	if s.GatewayTimeout <= 0 {
		s.GatewayTimeout = def.GatewayTimeout
	}
}
