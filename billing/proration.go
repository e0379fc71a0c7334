package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shiftwise/billing/subscription"
	"github.com/shiftwise/billing/usage"

	extErrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ShouldProrate reports whether a seat change is large enough to bill mid-cycle: the relative change
// must reach threshold. Any change away from zero seats qualifies.
func ShouldProrate(oldSeats, newSeats int, threshold decimal.Decimal) bool {
	if oldSeats == newSeats {
		return false
	}
	if oldSeats == 0 {
		return true
	}
	delta := decimal.NewFromInt(int64(newSeats - oldSeats)).Abs()
	return delta.Div(decimal.NewFromInt(int64(oldSeats))).GreaterThanOrEqual(threshold)
}

// daysRemaining counts the days left in t's month after t's day
func daysRemaining(t time.Time) int {
	u := t.UTC()
	last := time.Date(u.Year(), u.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
	return last - u.Day()
}

// ProrationRatio is the share of a month still to run, over a fixed-length month
func ProrationRatio(now time.Time, monthDays int) decimal.Decimal {
	return decimal.NewFromInt(int64(daysRemaining(now))).Div(decimal.NewFromInt(int64(monthDays)))
}

// ProratedAmount is the per-seat price difference billed across the new seat count, scaled by ratio
func ProratedAmount(oldFinalPrice, newFinalPrice decimal.Decimal, newSeats int, ratio decimal.Decimal) decimal.Decimal {
	return newFinalPrice.Sub(oldFinalPrice).Mul(decimal.NewFromInt(int64(newSeats))).Mul(ratio)
}

// ProratedChargeDelta is the difference between the new and old monthly charges, scaled by ratio
func ProratedChargeDelta(oldFinalPrice decimal.Decimal, oldSeats int, newFinalPrice decimal.Decimal, newSeats int, ratio decimal.Decimal) decimal.Decimal {
	oldCharge := oldFinalPrice.Mul(decimal.NewFromInt(int64(oldSeats)))
	newCharge := newFinalPrice.Mul(decimal.NewFromInt(int64(newSeats)))
	return newCharge.Sub(oldCharge).Mul(ratio)
}

func (s *Settings) prorate(oldFinalPrice decimal.Decimal, oldSeats int, newFinalPrice decimal.Decimal, newSeats int, ratio decimal.Decimal) decimal.Decimal {
	if s.ProrationBasis == ProrationSeatCharge {
		return ProratedChargeDelta(oldFinalPrice, oldSeats, newFinalPrice, newSeats, ratio)
	}
	return ProratedAmount(oldFinalPrice, newFinalPrice, newSeats, ratio)
}

// prorationKey identifies one stored seat change. The revision keeps a later change between the same
// seat counts from colliding with an earlier one in the same month.
func prorationKey(sub *subscription.Subscription, period string, newSeats int) string {
	return fmt.Sprintf("proration:%s:%s:r%d:%d->%d", sub.ID, period, sub.SeatRevision, sub.SeatCount, newSeats)
}

// CreateProratedBilling records the charge (or credit, when negative) for moving sub from its stored
// seat count to newSeats for the rest of the month. Calling it again before the seat change is stored
// returns the first record. Nothing is recorded when the amount does not exceed ProrationMinimum in
// magnitude; it then returns nil, nil.
func (p *Processor) CreateProratedBilling(ctx context.Context, sub *subscription.Subscription, newSeats int) (*Record, error) {
	now := p.Now().UTC()

	oldPrice, err := p.Pricing.CalculatePrice(ctx, sub.PlanID, sub.SeatCount, sub.OrganizationID)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot price previous seat count")
	}
	newPrice, err := p.Pricing.CalculatePrice(ctx, sub.PlanID, newSeats, sub.OrganizationID)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot price new seat count")
	}

	ratio := ProrationRatio(now, p.Settings.ProrationDays)
	amount := p.Settings.prorate(oldPrice.FinalPrice, sub.SeatCount, newPrice.FinalPrice, newSeats, ratio).Round(2)
	if amount.Abs().LessThanOrEqual(p.Settings.ProrationMinimum) {
		return nil, nil
	}

	period := usage.BillingPeriodOf(now)
	rec := &Record{
		OrganizationID: sub.OrganizationID,
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
		Kind:           KindProration,
		BillingPeriod:  period,
		SeatCount:      newSeats,
		BaseAmount:     amount,
		DiscountAmount: decimal.Zero,
		TaxAmount:      amount.Mul(p.Settings.TaxRate).Round(2),
		Description: fmt.Sprintf("Seat change %d to %d, %d days remaining in %s",
			sub.SeatCount, newSeats, daysRemaining(now), period),
		IdempotencyKey: prorationKey(sub, period, newSeats),
	}
	return p.store(ctx, rec)
}

// InvoiceNow puts a supplemental record on an invoice right away instead of waiting for the next cycle.
// A failure leaves the record pending for the next cycle to pick up.
func (p *Processor) InvoiceNow(ctx context.Context, sub *subscription.Subscription, rec *Record) (string, error) {
	if rec.Invoiced() {
		return rec.ExternalInvoiceRef, nil
	}
	return p.invoice(ctx, sub, rec)
}
