package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shiftwise/billing/apperr"
	"github.com/shiftwise/billing/external"
	"github.com/shiftwise/billing/organization"
	"github.com/shiftwise/billing/plan"
	"github.com/shiftwise/billing/subscription"
	"github.com/shiftwise/billing/usage"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var validate = validator.New()

type PlanReader interface {
	GetActivePlan(ctx context.Context, id string) (*plan.Plan, error)
}

type OrganizationStore interface {
	GetByID(ctx context.Context, id string) (*organization.Organization, error)
	EnsureCustomer(ctx context.Context, id string, creator organization.CustomerCreator) (string, error)
}

type UsageRecorder interface {
	RecordUsage(ctx context.Context, organizationID string, metricType usage.MetricType, value decimal.Decimal) (*usage.Metric, error)
}

type AccountsOptions struct {
	Plans         PlanReader
	Organizations OrganizationStore
	Subscriptions *subscription.Manager
	Usage         UsageRecorder
	Processor     *Processor
	Gateway       external.Gateway
	Logger        *zap.Logger
	Now           func() time.Time
}

// Accounts handles the organization facing subscription operations
type Accounts struct {
	AccountsOptions
}

func NewAccounts(option AccountsOptions) (*Accounts, error) {
	if option.Plans == nil {
		return nil, fmt.Errorf("nil Plans is invalid")
	}
	if option.Organizations == nil {
		return nil, fmt.Errorf("nil Organizations is invalid")
	}
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Usage == nil {
		return nil, fmt.Errorf("nil Usage is invalid")
	}
	if option.Processor == nil {
		return nil, fmt.Errorf("nil Processor is invalid")
	}
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Now == nil {
		option.Now = time.Now
	}
	return &Accounts{
		AccountsOptions: option,
	}, nil
}

type CreateSubscriptionRequest struct {
	OrganizationID string `json:"organizationId" validate:"required"`
	PlanID         string `json:"planId" validate:"required"`
	SeatCount      int    `json:"seatCount" validate:"gte=0"`
	TrialDays      int    `json:"trialDays" validate:"gte=0,lte=365"`
	AutoRenewal    *bool  `json:"autoRenewal,omitempty"`
}

// CreateOrganizationSubscription subscribes an organization to a plan. With TrialDays the subscription
// starts as a trial billed when the trial ends; otherwise it is active and due immediately.
func (a *Accounts) CreateOrganizationSubscription(ctx context.Context, req CreateSubscriptionRequest) (*subscription.Subscription, error) {
	if err := validate.Struct(&req); err != nil {
		return nil, apperr.Validation("", err.Error())
	}

	p, err := a.Plans.GetActivePlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	if !p.AllowsSeats(req.SeatCount) {
		return nil, apperr.Validation("seatCount", fmt.Sprintf("plan %s allows at most %d seats", p.ID, *p.MaxSeats))
	}

	org, err := a.Organizations.GetByID(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, apperr.NotFound("organization", req.OrganizationID)
	}

	customerRef, err := a.Organizations.EnsureCustomer(ctx, org.ID, a.Gateway)
	if err != nil {
		return nil, err
	}

	now := a.Now().UTC()
	autoRenewal := true
	if req.AutoRenewal != nil {
		autoRenewal = *req.AutoRenewal
	}
	sub := &subscription.Subscription{
		OrganizationID:      org.ID,
		PlanID:              p.ID,
		ExternalCustomerRef: customerRef,
		SeatCount:           req.SeatCount,
		CurrentPeriodStart:  now,
		AutoRenewal:         autoRenewal,
	}
	if req.TrialDays > 0 {
		trialEnd := now.AddDate(0, 0, req.TrialDays)
		sub.Status = subscription.StatusTrial
		sub.TrialStart = &now
		sub.TrialEnd = &trialEnd
		sub.CurrentPeriodEnd = trialEnd
		sub.NextBillDate = trialEnd
	} else {
		sub.Status = subscription.StatusActive
		sub.CurrentPeriodEnd = subscription.AddMonth(now)
		sub.NextBillDate = now
	}

	if err := a.Subscriptions.Create(ctx, sub); err != nil {
		return nil, err
	}

	if _, err := a.Usage.RecordUsage(ctx, org.ID, usage.ActiveEmployees, decimal.NewFromInt(int64(req.SeatCount))); err != nil {
		a.Logger.Warn("Unable to record initial seat count",
			zap.String("OrganizationID", org.ID),
			zap.Error(err),
		)
	}

	a.Logger.Info("Subscription created",
		zap.String("OrganizationID", org.ID),
		zap.String("SubscriptionID", sub.ID),
		zap.String("PlanID", p.ID),
		zap.String("Status", string(sub.Status)),
	)
	return sub, nil
}

// SeatChange describes the outcome of UpdateEmployeeCount
type SeatChange struct {
	SubscriptionID string  `json:"subscriptionId"`
	PreviousSeats  int     `json:"previousSeats"`
	SeatCount      int     `json:"seatCount"`
	Prorated       bool    `json:"prorated"`
	Record         *Record `json:"record,omitempty"`
}

// UpdateEmployeeCount meters the new seat count. When it differs from the subscription's seat count by at
// least the proration threshold, the rest of the month is prorated and the subscription's seat count is
// updated. A prorated charge is invoiced right away; a credit stays pending for the next invoice.
func (a *Accounts) UpdateEmployeeCount(ctx context.Context, organizationID string, seats int) (*SeatChange, error) {
	if seats < 0 {
		return nil, apperr.Validation("seatCount", "must not be negative")
	}
	sub, err := a.Subscriptions.FindCurrent(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, apperr.NotFound("subscription", organizationID)
	}
	p, err := a.Plans.GetActivePlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	if !p.AllowsSeats(seats) {
		return nil, apperr.Validation("seatCount", fmt.Sprintf("plan %s allows at most %d seats", p.ID, *p.MaxSeats))
	}

	if _, err := a.Usage.RecordUsage(ctx, organizationID, usage.ActiveEmployees, decimal.NewFromInt(int64(seats))); err != nil {
		return nil, err
	}

	change := &SeatChange{
		SubscriptionID: sub.ID,
		PreviousSeats:  sub.SeatCount,
		SeatCount:      sub.SeatCount,
	}
	if !ShouldProrate(sub.SeatCount, seats, a.Processor.Settings.ProrationThreshold) {
		return change, nil
	}

	logger := a.Logger.With(
		zap.String("OrganizationID", organizationID),
		zap.String("SubscriptionID", sub.ID),
		zap.Int("PreviousSeats", sub.SeatCount),
		zap.Int("SeatCount", seats),
	)

	if sub.Status == subscription.StatusActive {
		rec, err := a.Processor.CreateProratedBilling(ctx, sub, seats)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			change.Prorated = true
			change.Record = rec
		}
		// credits wait for the next invoice, which nets them against the charges on it
		if rec != nil && rec.TotalAmount.IsPositive() {
			if _, err := a.Processor.InvoiceNow(ctx, sub, rec); err != nil {
				logger.Error("Prorated charge recorded but not invoiced, leaving it for the next cycle",
					zap.String("RecordID", rec.ID),
					zap.Error(err),
				)
			}
		}
	}

	previous, revision := sub.SeatCount, sub.SeatRevision
	updated, err := a.Subscriptions.LambdaUpdate(ctx, sub.ID, func(current, desired *subscription.Subscription) (bool, error) {
		if current.SeatCount != previous || current.SeatRevision != revision {
			return false, apperr.InconsistentState("seat count of subscription %s changed concurrently", current.ID)
		}
		desired.SeatCount = seats
		desired.SeatRevision = revision + 1
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	change.SeatCount = updated.SeatCount

	logger.Info("Seat count updated", zap.Bool("Prorated", change.Prorated))
	return change, nil
}
