package usage

import (
	"time"

	"github.com/shopspring/decimal"
)

// MetricType names a metered quantity
type MetricType string

const (
	ActiveEmployees  MetricType = "active_employees"
	TimeEntries      MetricType = "time_entries"
	ReportsGenerated MetricType = "reports_generated"
	APICalls         MetricType = "api_calls"
	StorageGB        MetricType = "storage_gb"
)

func (t MetricType) Valid() bool {
	switch t {
	case ActiveEmployees, TimeEntries, ReportsGenerated, APICalls, StorageGB:
		return true
	}
	return false
}

// Metric is one usage observation. Rows are append-only; a correction is a newer row for the same
// metric and period.
type Metric struct {
	ID             uint64          `json:"id" gorm:"primaryKey;autoIncrement"`
	OrganizationID string          `json:"organizationId" gorm:"not null;index:idx_usage_org_period"`
	SubscriptionID string          `json:"subscriptionId" gorm:"not null"`
	MetricType     MetricType      `json:"metricType" gorm:"not null"`
	Value          decimal.Decimal `json:"value" gorm:"type:numeric(16,4);not null"`
	BillingPeriod  string          `json:"billingPeriod" gorm:"not null;index:idx_usage_org_period"`
	RecordedAt     time.Time       `json:"recordedAt" gorm:"not null"`
}

func (Metric) TableName() string {
	return "usage_metrics"
}

const periodLayout = "2006-01"

// BillingPeriodOf returns the calendar month of t as "YYYY-MM"
func BillingPeriodOf(t time.Time) string {
	return t.UTC().Format(periodLayout)
}

// PreviousPeriod returns the billing period before the one containing t
func PreviousPeriod(t time.Time) string {
	u := t.UTC()
	first := time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	return BillingPeriodOf(first.AddDate(0, -1, 0))
}

// ValidPeriod reports whether p is formatted as "YYYY-MM"
func ValidPeriod(p string) bool {
	_, err := time.Parse(periodLayout, p)
	return err == nil
}
