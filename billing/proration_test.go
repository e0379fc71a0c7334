package billing

import (
	"context"
	"testing"
	"time"

	"github.com/shiftwise/billing/plan"
	"github.com/shiftwise/billing/subscription"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldProrate(t *testing.T) {
	threshold := d("0.20")
	cases := []struct {
		old, new int
		want     bool
	}{
		{10, 12, true},
		{10, 11, false},
		{10, 8, true},
		{10, 9, false},
		{5, 5, false},
		{0, 3, true},
		{3, 0, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ShouldProrate(c.old, c.new, threshold), "%d -> %d", c.old, c.new)
	}
}

func TestProrationRatio(t *testing.T) {
	assert.Equal(t, 16, daysRemaining(now))
	assert.Equal(t, 19, daysRemaining(time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 0, daysRemaining(time.Date(2024, 4, 30, 8, 0, 0, 0, time.UTC)))
	assert.Equal(t, "0.5333", ProrationRatio(now, 30).StringFixed(4))
}

func TestProratedAmount(t *testing.T) {
	ratio := ProrationRatio(now, 30)

	// per-seat price difference across the new seat count
	assert.Equal(t, "12.48", ProratedAmount(d("9"), d("10.80"), 13, ratio).Round(2).StringFixed(2))
	assert.Equal(t, "-9.60", ProratedAmount(d("10.80"), d("9"), 10, ratio).Round(2).StringFixed(2))
	// an unchanged per-seat price prorates to nothing whatever the seat counts
	assert.True(t, ProratedAmount(d("9"), d("9"), 13, ratio).IsZero())

	// the charge delta basis also bills the added seats themselves
	assert.Equal(t, "14.40", ProratedChargeDelta(d("9"), 10, d("9"), 13, ratio).Round(2).StringFixed(2))
	assert.Equal(t, "-24.00", ProratedChargeDelta(d("9"), 10, d("9"), 5, ratio).Round(2).StringFixed(2))
	assert.Equal(t, "7.47", ProratedChargeDelta(d("9"), 10, d("8"), 13, ratio).Round(2).StringFixed(2))
}

func TestCreateProratedBilling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.activeSub(t, "acme", 10, now.AddDate(0, 0, 16))

	// 9.00 -> 10.80 per seat on 13 seats for 16 of 30 days
	rec, err := f.processor.CreateProratedBilling(ctx, sub, 13)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, KindProration, rec.Kind)
	assert.Equal(t, "2024-03", rec.BillingPeriod)
	assert.Equal(t, 13, rec.SeatCount)
	assert.Equal(t, "12.48", rec.BaseAmount.StringFixed(2))
	assert.Equal(t, "2.50", rec.TaxAmount.StringFixed(2))
	assert.Equal(t, "14.98", rec.TotalAmount.StringFixed(2))

	again, err := f.processor.CreateProratedBilling(ctx, sub, 13)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
	assert.Len(t, f.recordsOf(t, "acme"), 1)
	assert.Empty(t, f.gateway.invoices)

	// both counts price at 9.00 per seat
	same, err := f.processor.CreateProratedBilling(ctx, sub, 5)
	require.NoError(t, err)
	assert.Nil(t, same)
	assert.Len(t, f.recordsOf(t, "acme"), 1)
}

func TestCreateProratedBillingCredit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.activeSub(t, "acme", 13, now.AddDate(0, 0, 16))

	credit, err := f.processor.CreateProratedBilling(ctx, sub, 10)
	require.NoError(t, err)
	require.NotNil(t, credit)
	assert.Equal(t, "-9.60", credit.BaseAmount.StringFixed(2))
	assert.Equal(t, "-1.92", credit.TaxAmount.StringFixed(2))
	assert.Equal(t, "-11.52", credit.TotalAmount.StringFixed(2))
}

func TestCreateProratedBillingSeatChargeBasis(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.processor.Settings.ProrationBasis = ProrationSeatCharge
	sub := f.activeSub(t, "acme", 10, now.AddDate(0, 0, 16))

	// 90.00 -> 140.40 a month
	rec, err := f.processor.CreateProratedBilling(ctx, sub, 13)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "26.88", rec.BaseAmount.StringFixed(2))
	assert.Equal(t, "32.26", rec.TotalAmount.StringFixed(2))
}

func TestCreateProratedBillingNewRevision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.activeSub(t, "acme", 10, now.AddDate(0, 0, 16))

	first, err := f.processor.CreateProratedBilling(ctx, sub, 13)
	require.NoError(t, err)
	require.NotNil(t, first)

	// the same seat change stored again later in the month is a separate charge
	sub.SeatRevision = 2
	second, err := f.processor.CreateProratedBilling(ctx, sub, 13)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, f.recordsOf(t, "acme"), 2)
}

func TestCreateProratedBillingBelowMinimum(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.plans.CreatePlan(ctx, &plan.Plan{
		ID:           "micro",
		Name:         "Micro",
		BasePrice:    d("0.50"),
		BillingCycle: plan.BillingCycleMonthly,
		Active:       true,
	}))
	require.NoError(t, f.plans.CreateRule(ctx, &plan.Rule{
		PlanID:    "micro",
		Name:      "busy",
		Priority:  1,
		Active:    true,
		Condition: plan.Condition{Kind: plan.ConditionEmployeeCount, Operator: plan.OpGreaterOrEqual, Threshold: decimal.NewFromInt(13)},
		Action:    plan.Action{Kind: plan.ActionPriceOverride, PriceOverride: &plan.PriceOverrideParams{Price: d("0.60")}},
	}))
	sub := &subscription.Subscription{
		OrganizationID:     "acme",
		PlanID:             "micro",
		Status:             subscription.StatusActive,
		CurrentPeriodStart: now.AddDate(0, 0, -14),
		CurrentPeriodEnd:   now.AddDate(0, 0, 16),
		SeatCount:          10,
		NextBillDate:       now.AddDate(0, 0, 16),
	}
	require.NoError(t, f.subs.Create(ctx, sub))

	// 0.10 more per seat on 13 seats is 1.30 a month, 0.69 for the rest of March
	rec, err := f.processor.CreateProratedBilling(ctx, sub, 13)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Empty(t, f.recordsOf(t, "acme"))
}
