package usage

import (
	"context"
	"testing"
	"time"

	"github.com/shiftwise/billing/apperr"
	"github.com/shiftwise/billing/db/dbtest"
	"github.com/shiftwise/billing/metrics"
	"github.com/shiftwise/billing/subscription"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubFinder map[string]*subscription.Subscription

func (s stubFinder) FindCurrent(ctx context.Context, organizationID string) (*subscription.Subscription, error) {
	return s[organizationID], nil
}

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func newTestManager(t *testing.T, finder SubscriptionFinder, c *clock) (*Manager, *metrics.Billing) {
	mt := metrics.New(prometheus.NewRegistry())
	m, err := NewManager(ManagerOptions{
		DB:            dbtest.New(t),
		Subscriptions: finder,
		Logger:        zaptest.NewLogger(t),
		Metrics:       mt,
		Now:           c.Now,
	})
	require.NoError(t, err)
	return m, mt
}

func TestBillingPeriods(t *testing.T) {
	assert.Equal(t, "2024-03", BillingPeriodOf(time.Date(2024, 3, 31, 23, 59, 0, 0, time.UTC)))
	assert.Equal(t, "2024-02", PreviousPeriod(time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2023-12", PreviousPeriod(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)))
	assert.True(t, ValidPeriod("2024-03"))
	assert.False(t, ValidPeriod("2024-3"))
	assert.False(t, ValidPeriod("March"))
}

func TestRecordAndGetUsage(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}
	finder := stubFinder{"org": {ID: "sub", OrganizationID: "org", Status: subscription.StatusActive}}
	m, mt := newTestManager(t, finder, c)

	metric, err := m.RecordUsage(ctx, "org", APICalls, decimal.NewFromInt(1200))
	require.NoError(t, err)
	require.NotNil(t, metric)
	assert.Equal(t, "2024-03", metric.BillingPeriod)
	assert.Equal(t, "sub", metric.SubscriptionID)

	// a later row supersedes the earlier one, even with the same timestamp
	_, err = m.RecordUsage(ctx, "org", APICalls, decimal.NewFromInt(1500))
	require.NoError(t, err)
	c.now = c.now.Add(time.Hour)
	_, err = m.RecordUsage(ctx, "org", StorageGB, decimal.RequireFromString("2.5"))
	require.NoError(t, err)

	got, err := m.GetOrganizationUsage(ctx, "org", "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[APICalls].Equal(decimal.NewFromInt(1500)))
	assert.True(t, got[StorageGB].Equal(decimal.RequireFromString("2.5")))
	_, ok := got[ReportsGenerated]
	assert.False(t, ok)

	// no aggregation across periods
	c.now = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	got, err = m.GetOrganizationUsage(ctx, "org", "")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = m.GetOrganizationUsage(ctx, "org", "2024-03")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(mt.UsageRecordedTotal.WithLabelValues("api_calls")))

	_, err = m.GetOrganizationUsage(ctx, "org", "03/2024")
	assert.True(t, apperr.IsValidation(err))
}

func TestRecordUsageWithoutBillableSubscription(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}
	finder := stubFinder{"past-due": {ID: "sub", OrganizationID: "past-due", Status: subscription.StatusPastDue}}
	m, mt := newTestManager(t, finder, c)

	metric, err := m.RecordUsage(ctx, "nobody", APICalls, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Nil(t, metric)

	metric, err = m.RecordUsage(ctx, "past-due", APICalls, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Nil(t, metric)

	assert.Equal(t, 2.0, testutil.ToFloat64(mt.UsageDroppedTotal))

	got, err := m.GetOrganizationUsage(ctx, "past-due", "2024-03")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecordUsageValidation(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Now()}
	m, _ := newTestManager(t, stubFinder{}, c)

	_, err := m.RecordUsage(ctx, "org", "coffee", decimal.NewFromInt(1))
	assert.True(t, apperr.IsValidation(err))

	_, err = m.RecordUsage(ctx, "org", APICalls, decimal.NewFromInt(-1))
	assert.True(t, apperr.IsValidation(err))

	_, err = m.RecordUsage(ctx, "", APICalls, decimal.NewFromInt(1))
	assert.True(t, apperr.IsValidation(err))
}
