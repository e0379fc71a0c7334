package plan

import (
	"time"

	"github.com/shopspring/decimal"
)

// BillingCycle is how often a Plan is charged
type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleAnnual  BillingCycle = "annual"
)

// Plan describes a per-seat pricing plan. Once a billing record references a Plan it must not be mutated;
// retire it with SetPlanActive and create a new one instead.
type Plan struct {
	ID                  string          `json:"id" gorm:"primaryKey"`
	Name                string          `json:"name" gorm:"not null"`
	BasePrice           decimal.Decimal `json:"basePrice" gorm:"type:numeric(12,2);not null"` // per seat per month
	SetupFee            decimal.Decimal `json:"setupFee" gorm:"type:numeric(12,2);not null"`
	MaxSeats            *int            `json:"maxSeats,omitempty"`
	BillingCycle        BillingCycle    `json:"billingCycle" gorm:"not null"`
	BaseDiscountPercent decimal.Decimal `json:"baseDiscountPercent" gorm:"type:numeric(5,2);not null"`
	Active              bool            `json:"active" gorm:"not null;index"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

func (Plan) TableName() string {
	return "pricing_plans"
}

// AllowsSeats reports whether seatCount fits under the plan's seat cap, if any
func (p *Plan) AllowsSeats(seatCount int) bool {
	return p.MaxSeats == nil || seatCount <= *p.MaxSeats
}
