package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/shiftwise/billing/apperr"
	"github.com/shiftwise/billing/plan"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

type PlanSource interface {
	GetActivePlan(ctx context.Context, id string) (*plan.Plan, error)
	ListActiveRules(ctx context.Context, planID string, at time.Time) ([]plan.Rule, error)
}

type OrganizationDirectory interface {
	CreatedAt(ctx context.Context, organizationID string) (time.Time, bool, error)
}

type SubscriptionDirectory interface {
	SubscribedSince(ctx context.Context, organizationID string) (time.Time, bool, error)
}

type EngineOptions struct {
	Plans         PlanSource
	Organizations OrganizationDirectory
	Subscriptions SubscriptionDirectory
	Logger        *zap.Logger
	Now           func() time.Time
}

// Engine loads pricing data and evaluates it. It never writes.
type Engine struct {
	EngineOptions
}

func NewEngine(option EngineOptions) (*Engine, error) {
	if option.Plans == nil {
		return nil, fmt.Errorf("nil Plans is invalid")
	}
	if option.Organizations == nil {
		return nil, fmt.Errorf("nil Organizations is invalid")
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
	return &Engine{
		EngineOptions: option,
	}, nil
}

func daysSince(now, then time.Time) *int {
	days := int(now.Sub(then).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return &days
}

// CalculatePrice prices seatCount seats on the plan. organizationID may be empty, in which case
// organization_age and subscription_duration conditions are skipped.
func (e *Engine) CalculatePrice(ctx context.Context, planID string, seatCount int, organizationID string) (*Breakdown, error) {
	if seatCount < 0 {
		return nil, apperr.Validation("seatCount", "must not be negative")
	}

	p, err := e.Plans.GetActivePlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	now := e.Now().UTC()
	rules, err := e.Plans.ListActiveRules(ctx, planID, now)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot load pricing rules")
	}

	ec := EvalContext{
		SeatCount: seatCount,
	}
	if len(organizationID) > 0 {
		createdAt, found, err := e.Organizations.CreatedAt(ctx, organizationID)
		if err != nil {
			return nil, extErrors.Wrap(err, "Cannot resolve organization age")
		}
		if found {
			ec.OrganizationAgeDays = daysSince(now, createdAt)
		}
		since, found, err := e.Subscriptions.SubscribedSince(ctx, organizationID)
		if err != nil {
			return nil, extErrors.Wrap(err, "Cannot resolve subscription duration")
		}
		if found {
			ec.SubscriptionDurationDays = daysSince(now, since)
		}
	}

	b := Evaluate(p, rules, ec)

	e.Logger.Debug("Calculated price",
		zap.String("PlanID", planID),
		zap.String("OrganizationID", organizationID),
		zap.Int("SeatCount", seatCount),
		zap.String("FinalPrice", b.FinalPrice.StringFixed(2)),
		zap.Strings("AppliedRules", b.AppliedRules),
	)

	return &b, nil
}
