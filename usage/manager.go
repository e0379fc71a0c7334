package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/shiftwise/billing/apperr"
	"github.com/shiftwise/billing/metrics"
	"github.com/shiftwise/billing/subscription"

	extErrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SubscriptionFinder resolves the organization's live subscription
type SubscriptionFinder interface {
	FindCurrent(ctx context.Context, organizationID string) (*subscription.Subscription, error)
}

type ManagerOptions struct {
	DB            *gorm.DB
	Subscriptions SubscriptionFinder
	Logger        *zap.Logger
	Metrics       *metrics.Billing // optional
	Now           func() time.Time
}

type Manager struct {
	ManagerOptions
}

func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Now == nil {
		option.Now = time.Now
	}
	if err := option.DB.AutoMigrate(&Metric{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize usage.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// RecordUsage appends a usage value for the current billing period. Usage from an organization without a
// billable subscription is dropped: it returns nil, nil and logs a warning.
func (m *Manager) RecordUsage(ctx context.Context, organizationID string, metricType MetricType, value decimal.Decimal) (*Metric, error) {
	if len(organizationID) == 0 {
		return nil, apperr.Validation("organizationId", "is required")
	}
	if !metricType.Valid() {
		return nil, apperr.Validation("metricType", fmt.Sprintf("unknown metric %q", metricType))
	}
	if value.IsNegative() {
		return nil, apperr.Validation("value", "must not be negative")
	}

	logger := m.Logger.With(
		zap.String("OrganizationID", organizationID),
		zap.String("MetricType", string(metricType)),
	)

	sub, err := m.Subscriptions.FindCurrent(ctx, organizationID)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot resolve subscription for usage")
	}
	if sub == nil || !sub.Billable() {
		logger.Warn("Dropping usage for organization without a billable subscription")
		m.Metrics.UsageDropped()
		return nil, nil
	}

	now := m.Now().UTC()
	metric := &Metric{
		OrganizationID: organizationID,
		SubscriptionID: sub.ID,
		MetricType:     metricType,
		Value:          value,
		BillingPeriod:  BillingPeriodOf(now),
		RecordedAt:     now,
	}
	if result := m.DB.WithContext(ctx).Create(metric); result.Error != nil {
		logger.Error("Unable to record usage in database",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot record usage")
	}
	m.Metrics.UsageRecorded(string(metricType))
	return metric, nil
}

// GetOrganizationUsage returns the latest value of each metric recorded in the period. An empty period
// means the current month. Metrics never recorded have no entry.
func (m *Manager) GetOrganizationUsage(ctx context.Context, organizationID string, period string) (map[MetricType]decimal.Decimal, error) {
	if len(period) == 0 {
		period = BillingPeriodOf(m.Now())
	}
	if !ValidPeriod(period) {
		return nil, apperr.Validation("billingPeriod", fmt.Sprintf("%q is not YYYY-MM", period))
	}

	rows := make([]Metric, 0, 8)
	result := m.DB.WithContext(ctx).
		Where("organization_id = ? AND billing_period = ?", organizationID, period).
		Order("recorded_at asc").
		Order("id asc").
		Find(&rows)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get organization usage")
	}

	latest := make(map[MetricType]decimal.Decimal, len(rows))
	for _, r := range rows {
		latest[r.MetricType] = r.Value
	}
	return latest, nil
}
