package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Kind tells what a Record charges for
type Kind string

const (
	KindCycle     Kind = "cycle"
	KindProration Kind = "proration"
	KindOverage   Kind = "overage"
)

// Status of a Record. Only pending is set here; the others arrive from payment webhooks.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusFailed   Status = "failed"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
)

// Record is one amount owed by an organization. TotalAmount is fixed when the record is inserted
// and is what the payment gateway is asked to collect.
type Record struct {
	ID                 string          `json:"id" gorm:"primaryKey"`
	OrganizationID     string          `json:"organizationId" gorm:"not null;index"`
	SubscriptionID     string          `json:"subscriptionId" gorm:"not null;index"`
	PlanID             string          `json:"planId" gorm:"not null"`
	Kind               Kind            `json:"kind" gorm:"not null"`
	BillingPeriod      string          `json:"billingPeriod" gorm:"not null"`
	SeatCount          int             `json:"seatCount"`
	BaseAmount         decimal.Decimal `json:"baseAmount" gorm:"type:numeric(12,2);not null"`
	DiscountAmount     decimal.Decimal `json:"discountAmount" gorm:"type:numeric(12,2);not null"`
	TaxAmount          decimal.Decimal `json:"taxAmount" gorm:"type:numeric(12,2);not null"`
	TotalAmount        decimal.Decimal `json:"totalAmount" gorm:"type:numeric(12,2);not null"`
	Description        string          `json:"description"`
	IdempotencyKey     string          `json:"-" gorm:"not null;uniqueIndex"`
	ExternalInvoiceRef string          `json:"externalInvoiceRef" gorm:"index"`
	Status             Status          `json:"status" gorm:"not null"`
	ErrorMessage       string          `json:"errorMessage,omitempty"`
	PaidAt             *time.Time      `json:"paidAt,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

func (Record) TableName() string {
	return "billing_records"
}

// BeforeCreate fixes the total; it is never recomputed afterwards
func (r *Record) BeforeCreate(tx *gorm.DB) error {
	if len(r.ID) == 0 {
		r.ID = uuid.New().String()
	}
	if len(r.Status) == 0 {
		r.Status = StatusPending
	}
	r.TotalAmount = r.BaseAmount.Sub(r.DiscountAmount).Add(r.TaxAmount).Round(2)
	return nil
}

// Invoiced reports whether the record is already attached to a gateway invoice
func (r *Record) Invoiced() bool {
	return len(r.ExternalInvoiceRef) > 0
}
