// Package pricing turns a plan, its rules and an organization's context into a per-seat price.
package pricing

import (
	"fmt"
	"sort"

	"github.com/shiftwise/billing/plan"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// EvalContext carries the facts rule conditions compare against. A nil fact is unknown and
// every condition on it is skipped.
type EvalContext struct {
	SeatCount                int
	OrganizationAgeDays      *int
	SubscriptionDurationDays *int
}

// Breakdown is the result of a price calculation. Prices are per seat per month.
type Breakdown struct {
	PlanID          string          `json:"planId"`
	SeatCount       int             `json:"seatCount"`
	BasePrice       decimal.Decimal `json:"basePrice"`
	DiscountPercent decimal.Decimal `json:"discountPercent"`
	FinalPrice      decimal.Decimal `json:"finalPrice"`
	AppliedRules    []string        `json:"appliedRules"`
}

// Total is the monthly charge for all seats before tax
func (b *Breakdown) Total() decimal.Decimal {
	return b.FinalPrice.Mul(decimal.NewFromInt(int64(b.SeatCount)))
}

func (ec EvalContext) fact(kind plan.ConditionKind) (decimal.Decimal, bool) {
	switch kind {
	case plan.ConditionEmployeeCount:
		return decimal.NewFromInt(int64(ec.SeatCount)), true
	case plan.ConditionOrganizationAge:
		if ec.OrganizationAgeDays != nil {
			return decimal.NewFromInt(int64(*ec.OrganizationAgeDays)), true
		}
	case plan.ConditionSubscriptionDuration:
		if ec.SubscriptionDurationDays != nil {
			return decimal.NewFromInt(int64(*ec.SubscriptionDurationDays)), true
		}
	}
	return decimal.Zero, false
}

// Evaluate applies rules in descending priority. A price_override replaces the running base price,
// so when several overrides match, the one evaluated last (the lowest priority) decides the base.
// Discounts from every source add up and are applied once at the end, floored at zero.
func Evaluate(p *plan.Plan, rules []plan.Rule, ec EvalContext) Breakdown {
	ordered := make([]plan.Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	base := p.BasePrice
	discount := decimal.Zero
	applied := make([]string, 0, len(ordered))

	for _, r := range ordered {
		value, known := ec.fact(r.Condition.Kind)
		if !known || !r.Condition.Operator.Compare(value, r.Condition.Threshold) {
			continue
		}
		switch r.Action.Kind {
		case plan.ActionDiscount:
			if r.Action.Discount == nil {
				continue
			}
			discount = discount.Add(r.Action.Discount.Percent)
			applied = append(applied, fmt.Sprintf("%s: %s%% discount", r.Name, r.Action.Discount.Percent))
		case plan.ActionPriceOverride:
			if r.Action.PriceOverride == nil {
				continue
			}
			base = r.Action.PriceOverride.Price
			applied = append(applied, fmt.Sprintf("%s: price set to %s", r.Name, base.StringFixed(2)))
		case plan.ActionVolumeDiscount:
			vd := r.Action.VolumeDiscount
			if vd == nil {
				continue
			}
			volume := decimal.Min(vd.MaxDiscount, vd.PerSeatDiscount.Mul(decimal.NewFromInt(int64(ec.SeatCount))))
			discount = discount.Add(volume)
			applied = append(applied, fmt.Sprintf("%s: %s%% volume discount", r.Name, volume))
		}
	}

	discount = discount.Add(p.BaseDiscountPercent)

	final := base.Mul(decimal.NewFromInt(1).Sub(discount.Div(hundred)))
	if final.IsNegative() {
		final = decimal.Zero
	}

	return Breakdown{
		PlanID:          p.ID,
		SeatCount:       ec.SeatCount,
		BasePrice:       base,
		DiscountPercent: discount,
		FinalPrice:      final.Round(2),
		AppliedRules:    applied,
	}
}
