package billing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shiftwise/billing/broker/brokertest"
	"github.com/shiftwise/billing/db/dbtest"
	"github.com/shiftwise/billing/external"
	"github.com/shiftwise/billing/metrics"
	"github.com/shiftwise/billing/organization"
	"github.com/shiftwise/billing/plan"
	"github.com/shiftwise/billing/pricing"
	"github.com/shiftwise/billing/subscription"
	"github.com/shiftwise/billing/usage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// 16 days remain in March after the 15th
var now = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeGateway struct {
	mu sync.Mutex

	customers []external.CustomerRequest
	items     []external.InvoiceItemRequest
	invoices  []external.InvoiceRequest
	sent      []string

	itemErr    error
	invoiceErr error
	sendErr    error
	panicFor   string // customer ref whose invoice items blow up
}

var _ external.Gateway = (*fakeGateway)(nil)

func (g *fakeGateway) CreateCustomer(ctx context.Context, req external.CustomerRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.customers = append(g.customers, req)
	return "cus_" + req.OrganizationID, nil
}

func (g *fakeGateway) CreateInvoiceItem(ctx context.Context, req external.InvoiceItemRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.panicFor) > 0 && req.CustomerRef == g.panicFor {
		panic("invoice item for " + req.CustomerRef)
	}
	if g.itemErr != nil {
		return "", g.itemErr
	}
	g.items = append(g.items, req)
	return fmt.Sprintf("ii_%d", len(g.items)), nil
}

func (g *fakeGateway) CreateInvoice(ctx context.Context, req external.InvoiceRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.invoiceErr != nil {
		return "", g.invoiceErr
	}
	g.invoices = append(g.invoices, req)
	return fmt.Sprintf("in_%d", len(g.invoices)), nil
}

func (g *fakeGateway) SendInvoice(ctx context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return g.sendErr
	}
	g.sent = append(g.sent, ref)
	return nil
}

type fixture struct {
	orgs      *organization.Manager
	plans     *plan.Manager
	subs      *subscription.Manager
	usage     *usage.Manager
	records   *RecordManager
	engine    *pricing.Engine
	processor *Processor
	accounts  *Accounts
	gateway   *fakeGateway
	events    *brokertest.Recorder
	metrics   *metrics.Billing
}

// newFixture wires the billing engine on an in-memory database with plan "team" and organization "acme".
// A team seat is 10.00 less 10%, so 9.00; from 12 seats up the base is 12.00, so 10.80.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	gdb := dbtest.New(t)
	logger := zaptest.NewLogger(t)
	clock := func() time.Time { return now }

	f := &fixture{
		gateway: &fakeGateway{},
		events:  &brokertest.Recorder{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}

	var err error
	f.orgs, err = organization.NewManager(organization.ManagerOptions{DB: gdb, Logger: logger})
	require.NoError(t, err)
	f.plans, err = plan.NewManager(plan.ManagerOptions{DB: gdb, Logger: logger})
	require.NoError(t, err)
	f.subs, err = subscription.NewManager(subscription.ManagerOptions{
		DB:        gdb,
		Logger:    logger,
		Publisher: f.events,
		Metrics:   f.metrics,
	})
	require.NoError(t, err)
	f.usage, err = usage.NewManager(usage.ManagerOptions{
		DB:            gdb,
		Subscriptions: f.subs,
		Logger:        logger,
		Metrics:       f.metrics,
		Now:           clock,
	})
	require.NoError(t, err)
	f.records, err = NewRecordManager(RecordManagerOptions{DB: gdb, Logger: logger})
	require.NoError(t, err)
	f.engine, err = pricing.NewEngine(pricing.EngineOptions{
		Plans:         f.plans,
		Organizations: f.orgs,
		Subscriptions: f.subs,
		Logger:        logger,
		Now:           clock,
	})
	require.NoError(t, err)
	f.processor, err = NewProcessor(ProcessorOptions{
		Subscriptions: f.subs,
		Records:       f.records,
		Pricing:       f.engine,
		Usage:         f.usage,
		Organizations: f.orgs,
		Gateway:       f.gateway,
		Publisher:     f.events,
		Metrics:       f.metrics,
		Logger:        logger,
		Settings:      DefaultSettings(),
		Now:           clock,
	})
	require.NoError(t, err)
	f.accounts, err = NewAccounts(AccountsOptions{
		Plans:         f.plans,
		Organizations: f.orgs,
		Subscriptions: f.subs,
		Usage:         f.usage,
		Processor:     f.processor,
		Gateway:       f.gateway,
		Logger:        logger,
		Now:           clock,
	})
	require.NoError(t, err)

	require.NoError(t, f.plans.CreatePlan(ctx, &plan.Plan{
		ID:                  "team",
		Name:                "Team",
		BasePrice:           d("10.00"),
		BillingCycle:        plan.BillingCycleMonthly,
		BaseDiscountPercent: d("10"),
		Active:              true,
	}))
	require.NoError(t, f.plans.CreateRule(ctx, &plan.Rule{
		PlanID:    "team",
		Name:      "large teams",
		Priority:  1,
		Active:    true,
		Condition: plan.Condition{Kind: plan.ConditionEmployeeCount, Operator: plan.OpGreaterOrEqual, Threshold: decimal.NewFromInt(12)},
		Action:    plan.Action{Kind: plan.ActionPriceOverride, PriceOverride: &plan.PriceOverrideParams{Price: d("12.00")}},
	}))
	f.organization(t, "acme")
	return f
}

func (f *fixture) organization(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.orgs.Create(context.Background(), &organization.Organization{
		ID:    id,
		Name:  id + " ltd",
		Email: "billing@" + id + ".test",
	}))
}

// activeSub stores an active subscription of org on plan "team" billed next at nextBill
func (f *fixture) activeSub(t *testing.T, org string, seats int, nextBill time.Time) *subscription.Subscription {
	t.Helper()
	sub := &subscription.Subscription{
		OrganizationID:     org,
		PlanID:             "team",
		Status:             subscription.StatusActive,
		CurrentPeriodStart: nextBill.AddDate(0, -1, 0),
		CurrentPeriodEnd:   nextBill,
		SeatCount:          seats,
		NextBillDate:       nextBill,
		AutoRenewal:        true,
	}
	require.NoError(t, f.subs.Create(context.Background(), sub))
	return sub
}

func (f *fixture) subscription(t *testing.T, id string) *subscription.Subscription {
	t.Helper()
	sub, err := f.subs.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sub)
	return sub
}

func (f *fixture) recordsOf(t *testing.T, org string) []Record {
	t.Helper()
	records, err := f.records.ListByOrganization(context.Background(), org, 0)
	require.NoError(t, err)
	return records
}
