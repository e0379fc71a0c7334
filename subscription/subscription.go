package subscription

import "time"

// Subscription is an organization's subscription to a pricing plan. An organization has at most one
// non-terminal subscription at a time.
type Subscription struct {
	ID                      string     `json:"id" gorm:"primaryKey"`
	OrganizationID          string     `json:"organizationId" gorm:"not null;index"`
	PlanID                  string     `json:"planId" gorm:"not null"`
	ExternalSubscriptionRef string     `json:"externalSubscriptionRef"`
	ExternalCustomerRef     string     `json:"externalCustomerRef"`
	Status                  Status     `json:"status" gorm:"not null;index"`
	CurrentPeriodStart      time.Time  `json:"currentPeriodStart"`
	CurrentPeriodEnd        time.Time  `json:"currentPeriodEnd"`
	TrialStart              *time.Time `json:"trialStart,omitempty"`
	TrialEnd                *time.Time `json:"trialEnd,omitempty"`
	SeatCount               int        `json:"seatCount" gorm:"not null"`
	SeatRevision            int        `json:"seatRevision" gorm:"not null;default:0"` // bumped on every stored seat change
	LastBilledAt            *time.Time `json:"lastBilledAt,omitempty"`
	NextBillDate            time.Time  `json:"nextBillDate" gorm:"index"`
	AutoRenewal             bool       `json:"autoRenewal" gorm:"not null"`
	CreatedAt               time.Time  `json:"createdAt"`
	UpdatedAt               time.Time  `json:"updatedAt"`
}

func (Subscription) TableName() string {
	return "organization_subscriptions"
}

// Billable subscriptions accept usage and may be charged
func (s *Subscription) Billable() bool {
	return s.Status == StatusTrial || s.Status == StatusActive
}

// AddMonth moves t one calendar month forward, clamping to the last day of the target month
// so that a period starting on the 31st never skips the following month.
func AddMonth(t time.Time) time.Time {
	firstOfNext := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
	lastDay := firstOfNext.AddDate(0, 1, -1).Day()
	day := t.Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(firstOfNext.Year(), firstOfNext.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
