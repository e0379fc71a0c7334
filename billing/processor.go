package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shiftwise/billing/apperr"
	"github.com/shiftwise/billing/broker"
	"github.com/shiftwise/billing/external"
	"github.com/shiftwise/billing/metrics"
	"github.com/shiftwise/billing/organization"
	"github.com/shiftwise/billing/pricing"
	"github.com/shiftwise/billing/subscription"
	"github.com/shiftwise/billing/usage"

	extErrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Pricer interface {
	CalculatePrice(ctx context.Context, planID string, seatCount int, organizationID string) (*pricing.Breakdown, error)
}

type UsageReader interface {
	GetOrganizationUsage(ctx context.Context, organizationID string, period string) (map[usage.MetricType]decimal.Decimal, error)
}

type CustomerResolver interface {
	EnsureCustomer(ctx context.Context, organizationID string, creator organization.CustomerCreator) (string, error)
}

type ProcessorOptions struct {
	Subscriptions *subscription.Manager
	Records       *RecordManager
	Pricing       Pricer
	Usage         UsageReader
	Organizations CustomerResolver
	Gateway       external.Gateway
	Publisher     broker.Publisher // optional
	Metrics       *metrics.Billing // optional
	Logger        *zap.Logger
	Settings      Settings
	Now           func() time.Time
}

// Processor charges subscriptions: the recurring cycle, proration and overage
type Processor struct {
	ProcessorOptions
}

var _ subscription.Biller = (*Processor)(nil)

func NewProcessor(option ProcessorOptions) (*Processor, error) {
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Records == nil {
		return nil, fmt.Errorf("nil Records is invalid")
	}
	if option.Pricing == nil {
		return nil, fmt.Errorf("nil Pricing is invalid")
	}
	if option.Usage == nil {
		return nil, fmt.Errorf("nil Usage is invalid")
	}
	if option.Organizations == nil {
		return nil, fmt.Errorf("nil Organizations is invalid")
	}
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Publisher == nil {
		option.Publisher = broker.NopPublisher{}
	}
	if option.Now == nil {
		option.Now = time.Now
	}
	option.Settings.applyDefaults()
	return &Processor{
		ProcessorOptions: option,
	}, nil
}

// CycleResult summarizes one pass of the billing cycle
type CycleResult struct {
	Due     int `json:"due"`
	Billed  int `json:"billed"`
	Resumed int `json:"resumed"` // records from an interrupted earlier pass that were completed
	Failed  int `json:"failed"`
}

type cycleOutcome string

const (
	outcomeBilled  cycleOutcome = "billed"
	outcomeResumed cycleOutcome = "resumed"
	outcomeFailed  cycleOutcome = "failed"
)

// RunCycle bills every due subscription, one at a time. A failing subscription is logged and
// counted; it never stops the pass.
func (p *Processor) RunCycle(ctx context.Context) CycleResult {
	start := time.Now()
	defer func() {
		p.Metrics.ObserveCycle(time.Since(start))
	}()

	now := p.Now().UTC()
	due, err := p.Subscriptions.ListDueForBilling(ctx, now)
	if err != nil {
		p.Logger.Error("Cannot list subscriptions due for billing", zap.Error(err))
		return CycleResult{}
	}

	res := CycleResult{
		Due: len(due),
	}
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		sub := &due[i]
		_, outcome, err := p.billSafely(ctx, sub)
		p.Metrics.CycleOutcome(string(outcome))
		switch outcome {
		case outcomeBilled:
			res.Billed++
		case outcomeResumed:
			res.Resumed++
		default:
			res.Failed++
			p.Logger.Error("Billing subscription failed",
				zap.String("SubscriptionID", sub.ID),
				zap.String("OrganizationID", sub.OrganizationID),
				zap.Error(err),
			)
		}
	}

	if res.Due > 0 {
		p.Logger.Info("Billing cycle completed",
			zap.Int("Due", res.Due),
			zap.Int("Billed", res.Billed),
			zap.Int("Resumed", res.Resumed),
			zap.Int("Failed", res.Failed),
		)
	}
	return res
}

func (p *Processor) billSafely(ctx context.Context, sub *subscription.Subscription) (rec *Record, outcome cycleOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec, outcome, err = nil, outcomeFailed, fmt.Errorf("panic: %v", r)
		}
	}()
	return p.bill(ctx, sub)
}

// BillSubscription charges one subscription for the period of its next bill date
func (p *Processor) BillSubscription(ctx context.Context, sub *subscription.Subscription) error {
	_, _, err := p.billSafely(ctx, sub)
	return err
}

// ProcessBilling is the on-demand trigger for an organization's current subscription
func (p *Processor) ProcessBilling(ctx context.Context, organizationID string) (*Record, error) {
	sub, err := p.Subscriptions.FindCurrent(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, apperr.NotFound("subscription", organizationID)
	}
	if sub.Status != subscription.StatusActive {
		return nil, apperr.Validation("subscription", fmt.Sprintf("status %s cannot be billed", sub.Status))
	}
	if sub.NextBillDate.After(p.Now()) {
		return nil, apperr.InconsistentState("subscription %s is not due until %s", sub.ID, sub.NextBillDate.Format(time.RFC3339))
	}
	rec, _, err := p.billSafely(ctx, sub)
	return rec, err
}

func cycleKey(subscriptionID, period string) string {
	return fmt.Sprintf("cycle:%s:%s", subscriptionID, period)
}

func (p *Processor) bill(ctx context.Context, sub *subscription.Subscription) (*Record, cycleOutcome, error) {
	now := p.Now().UTC()
	period := usage.BillingPeriodOf(sub.NextBillDate)
	logger := p.Logger.With(
		zap.String("SubscriptionID", sub.ID),
		zap.String("OrganizationID", sub.OrganizationID),
		zap.String("BillingPeriod", period),
	)

	existing, err := p.Records.FindByIdempotencyKey(ctx, cycleKey(sub.ID, period))
	if err != nil {
		return nil, outcomeFailed, err
	}
	if existing != nil && existing.Invoiced() {
		// invoiced by an earlier pass that did not get to advance the subscription
		logger.Warn("Cycle record already invoiced, advancing subscription only",
			zap.String("RecordID", existing.ID),
		)
		if err := p.advance(ctx, sub.ID, period, existing.SeatCount, now); err != nil {
			return existing, outcomeFailed, err
		}
		return existing, outcomeResumed, nil
	}

	rec := existing
	outcome := outcomeResumed
	if rec == nil {
		outcome = outcomeBilled
		rec, err = p.createCycleRecord(ctx, sub, period, now)
		if err != nil {
			return nil, outcomeFailed, err
		}
	}

	if _, err := p.CalculateOverageCharges(ctx, sub, usage.PreviousPeriod(now)); err != nil {
		// the next cycle retries; overage is keyed per period
		logger.Error("Unable to calculate overage charges", zap.Error(err))
	}

	if _, err := p.invoice(ctx, sub, rec); err != nil {
		return rec, outcomeFailed, err
	}

	if err := p.advance(ctx, sub.ID, period, rec.SeatCount, now); err != nil {
		return rec, outcomeFailed, err
	}

	logger.Info("Subscription billed",
		zap.String("RecordID", rec.ID),
		zap.String("TotalAmount", rec.TotalAmount.StringFixed(2)),
	)
	return rec, outcome, nil
}

// resolveSeats prefers the metered active employee count over the stored seat count
func (p *Processor) resolveSeats(ctx context.Context, sub *subscription.Subscription, now time.Time) (int, error) {
	metered, err := p.Usage.GetOrganizationUsage(ctx, sub.OrganizationID, usage.BillingPeriodOf(now))
	if err != nil {
		return 0, extErrors.Wrap(err, "Cannot resolve current usage")
	}
	if v, ok := metered[usage.ActiveEmployees]; ok {
		return int(v.IntPart()), nil
	}
	return sub.SeatCount, nil
}

func (p *Processor) createCycleRecord(ctx context.Context, sub *subscription.Subscription, period string, now time.Time) (*Record, error) {
	seats, err := p.resolveSeats(ctx, sub, now)
	if err != nil {
		return nil, err
	}
	breakdown, err := p.Pricing.CalculatePrice(ctx, sub.PlanID, seats, sub.OrganizationID)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot price subscription")
	}

	n := decimal.NewFromInt(int64(seats))
	base := breakdown.BasePrice.Mul(n).Round(2)
	subtotal := breakdown.Total().Round(2)
	tax := subtotal.Mul(p.Settings.TaxRate).Round(2)

	rec := &Record{
		OrganizationID: sub.OrganizationID,
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
		Kind:           KindCycle,
		BillingPeriod:  period,
		SeatCount:      seats,
		BaseAmount:     base,
		DiscountAmount: base.Sub(subtotal),
		TaxAmount:      tax,
		Description:    fmt.Sprintf("%d seats for %s at %s per seat", seats, period, breakdown.FinalPrice.StringFixed(2)),
		IdempotencyKey: cycleKey(sub.ID, period),
	}
	return p.store(ctx, rec)
}

// store inserts the record once and announces it
func (p *Processor) store(ctx context.Context, rec *Record) (*Record, error) {
	stored, created, err := p.Records.CreateOnce(ctx, rec)
	if err != nil {
		return nil, err
	}
	if created {
		p.Metrics.RecordCreated(string(stored.Kind))
		p.publish(ctx, broker.NewEvent(broker.EventRecordCreated, stored.OrganizationID, stored.SubscriptionID, map[string]interface{}{
			"recordId":      stored.ID,
			"kind":          string(stored.Kind),
			"billingPeriod": stored.BillingPeriod,
			"totalAmount":   stored.TotalAmount.StringFixed(2),
		}))
	}
	return stored, nil
}

func (p *Processor) publish(ctx context.Context, e *broker.Event) {
	if err := p.Publisher.Publish(ctx, e); err != nil {
		p.Logger.Warn("Unable to publish billing event",
			zap.String("Type", e.Type),
			zap.Error(err),
		)
	}
}

func (p *Processor) customerRef(ctx context.Context, sub *subscription.Subscription) (string, error) {
	if len(sub.ExternalCustomerRef) > 0 {
		return sub.ExternalCustomerRef, nil
	}
	return p.Organizations.EnsureCustomer(ctx, sub.OrganizationID, p.Gateway)
}

func (p *Processor) gatewayFailure(ctx context.Context, rec *Record, op string, err error) error {
	p.Metrics.GatewayError(op)
	if setErr := p.Records.SetError(ctx, rec.ID, err.Error()); setErr != nil {
		p.Logger.Error("Unable to store gateway failure on record",
			zap.String("RecordID", rec.ID),
			zap.Error(setErr),
		)
	}
	if apperr.IsGateway(err) {
		return err
	}
	return apperr.Gateway(op, err)
}

// invoice puts rec and the subscription's other pending supplemental records on one gateway invoice,
// then asks the gateway to send it. A failed send is only logged.
func (p *Processor) invoice(ctx context.Context, sub *subscription.Subscription, rec *Record) (string, error) {
	gctx, cancel := context.WithTimeout(ctx, p.Settings.GatewayTimeout)
	defer cancel()

	customerRef, err := p.customerRef(gctx, sub)
	if err != nil {
		return "", p.gatewayFailure(ctx, rec, "resolve_customer", err)
	}

	pending, err := p.Records.ListUninvoiced(ctx, sub.ID)
	if err != nil {
		return "", err
	}
	items := []Record{*rec}
	for _, r := range pending {
		if r.ID != rec.ID {
			items = append(items, r)
		}
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		if _, err := p.Gateway.CreateInvoiceItem(gctx, external.InvoiceItemRequest{
			CustomerRef:    customerRef,
			Amount:         item.TotalAmount,
			Currency:       p.Settings.Currency,
			Description:    item.Description,
			Metadata:       recordMetadata(&item),
			IdempotencyKey: "item-" + item.ID,
		}); err != nil {
			return "", p.gatewayFailure(ctx, rec, "create_invoice_item", err)
		}
		ids = append(ids, item.ID)
	}

	invoiceRef, err := p.Gateway.CreateInvoice(gctx, external.InvoiceRequest{
		CustomerRef:    customerRef,
		AutoCharge:     p.Settings.AutoCharge,
		Metadata:       recordMetadata(rec),
		IdempotencyKey: "invoice-" + rec.ID,
	})
	if err != nil {
		return "", p.gatewayFailure(ctx, rec, "create_invoice", err)
	}

	if err := p.Records.AttachInvoice(ctx, ids, invoiceRef); err != nil {
		return "", err
	}
	rec.ExternalInvoiceRef = invoiceRef

	if err := p.Gateway.SendInvoice(gctx, invoiceRef); err != nil {
		p.Metrics.GatewayError("send_invoice")
		p.Logger.Warn("Invoice created but not sent",
			zap.String("RecordID", rec.ID),
			zap.String("InvoiceRef", invoiceRef),
			zap.Error(err),
		)
	}

	p.publish(ctx, broker.NewEvent(broker.EventInvoiceIssued, sub.OrganizationID, sub.ID, map[string]interface{}{
		"invoiceRef": invoiceRef,
		"recordIds":  ids,
	}))
	return invoiceRef, nil
}

func recordMetadata(r *Record) map[string]string {
	return map[string]string{
		"organizationId":  r.OrganizationID,
		"subscriptionId":  r.SubscriptionID,
		"billingRecordId": r.ID,
		"billingPeriod":   r.BillingPeriod,
		"kind":            string(r.Kind),
	}
}

// advance moves the next bill date one month on, provided nobody else billed the period meanwhile
func (p *Processor) advance(ctx context.Context, subscriptionID, period string, seats int, now time.Time) error {
	_, err := p.Subscriptions.LambdaUpdate(ctx, subscriptionID, func(current, desired *subscription.Subscription) (bool, error) {
		if current.Status != subscription.StatusActive {
			return false, apperr.InconsistentState("subscription %s is %s, not active", current.ID, current.Status)
		}
		if got := usage.BillingPeriodOf(current.NextBillDate); got != period {
			return false, apperr.InconsistentState("subscription %s next bill date moved to period %s while billing %s", current.ID, got, period)
		}
		billedAt := now
		desired.LastBilledAt = &billedAt
		desired.NextBillDate = subscription.AddMonth(current.NextBillDate)
		desired.SeatCount = seats
		return true, nil
	})
	return err
}
