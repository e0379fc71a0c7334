package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/shiftwise/billing/subscription"
	"github.com/shiftwise/billing/usage"

	extErrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// OverageTier is a metered feature's free allowance and the price per UnitSize beyond it
type OverageTier struct {
	Metric   usage.MetricType
	Limit    decimal.Decimal
	UnitSize decimal.Decimal
	Rate     decimal.Decimal
}

// OverageLine is the overage of a single feature
type OverageLine struct {
	Metric usage.MetricType `json:"metric"`
	Usage  decimal.Decimal  `json:"usage"`
	Units  decimal.Decimal  `json:"units"`
	Amount decimal.Decimal  `json:"amount"`
}

// ComputeOverage prices usage beyond each tier's limit. Features at or under their limit, or without
// recorded usage, contribute nothing.
func ComputeOverage(tiers []OverageTier, metered map[usage.MetricType]decimal.Decimal) (decimal.Decimal, []OverageLine) {
	total := decimal.Zero
	lines := make([]OverageLine, 0, len(tiers))
	for _, tier := range tiers {
		used, ok := metered[tier.Metric]
		if !ok || !used.GreaterThan(tier.Limit) {
			continue
		}
		unitSize := tier.UnitSize
		if !unitSize.IsPositive() {
			unitSize = decimal.NewFromInt(1)
		}
		units := used.Sub(tier.Limit).Div(unitSize)
		amount := units.Mul(tier.Rate)
		total = total.Add(amount)
		lines = append(lines, OverageLine{
			Metric: tier.Metric,
			Usage:  used,
			Units:  units,
			Amount: amount,
		})
	}
	return total, lines
}

func overageKey(subscriptionID, period string) string {
	return fmt.Sprintf("overage:%s:%s", subscriptionID, period)
}

// CalculateOverageCharges bills the period's overage once per subscription and period, and only
// when the summed overage exceeds OverageThreshold. It returns nil, nil when nothing is owed.
func (p *Processor) CalculateOverageCharges(ctx context.Context, sub *subscription.Subscription, period string) (*Record, error) {
	metered, err := p.Usage.GetOrganizationUsage(ctx, sub.OrganizationID, period)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot load usage for overage")
	}

	total, lines := ComputeOverage(p.Settings.OverageTiers, metered)
	if !total.GreaterThan(p.Settings.OverageThreshold) {
		return nil, nil
	}

	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		parts = append(parts, fmt.Sprintf("%s %s", l.Metric, l.Amount.StringFixed(2)))
	}

	base := total.Round(2)
	rec := &Record{
		OrganizationID: sub.OrganizationID,
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
		Kind:           KindOverage,
		BillingPeriod:  period,
		SeatCount:      sub.SeatCount,
		BaseAmount:     base,
		DiscountAmount: decimal.Zero,
		TaxAmount:      base.Mul(p.Settings.TaxRate).Round(2),
		Description:    fmt.Sprintf("Overage for %s: %s", period, strings.Join(parts, ", ")),
		IdempotencyKey: overageKey(sub.ID, period),
	}
	return p.store(ctx, rec)
}
