package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/shiftwise/billing/broker"

	"go.uber.org/zap"
)

// Biller charges a single subscription immediately
type Biller interface {
	BillSubscription(ctx context.Context, sub *Subscription) error
}

type LifecycleOptions struct {
	Subscriptions *Manager
	Biller        Biller
	Logger        *zap.Logger

	FirstPeriod     time.Duration // length of the first paid period after a trial
	SuspensionGrace time.Duration // how long past_due may go unpaid
	RenewalHorizon  time.Duration // renew periods ending within this window
	Now             func() time.Time
}

// Lifecycle runs the time driven status transitions
type Lifecycle struct {
	LifecycleOptions
}

func NewLifecycle(option LifecycleOptions) (*Lifecycle, error) {
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Biller == nil {
		return nil, fmt.Errorf("nil Biller is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.FirstPeriod <= 0 {
		option.FirstPeriod = 30 * 24 * time.Hour
	}
	if option.SuspensionGrace <= 0 {
		option.SuspensionGrace = 3 * 24 * time.Hour
	}
	if option.RenewalHorizon <= 0 {
		option.RenewalHorizon = 24 * time.Hour
	}
	if option.Now == nil {
		option.Now = time.Now
	}
	return &Lifecycle{
		LifecycleOptions: option,
	}, nil
}

// PassResult summarizes one pass over a due set
type PassResult struct {
	Candidates int `json:"candidates"`
	Processed  int `json:"processed"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

type LifecycleResult struct {
	Trials      PassResult `json:"trials"`
	Suspensions PassResult `json:"suspensions"`
	Renewals    PassResult `json:"renewals"`
}

// Run executes every pass in order
func (l *Lifecycle) Run(ctx context.Context) LifecycleResult {
	return LifecycleResult{
		Trials:      l.ExpireTrials(ctx),
		Suspensions: l.SuspendDelinquent(ctx),
		Renewals:    l.Renew(ctx),
	}
}

// outcome of handling one subscription
type outcome int

const (
	processed outcome = iota
	skipped
)

func (l *Lifecycle) pass(ctx context.Context, name string, candidates []Subscription, handle func(sub *Subscription) (outcome, error)) PassResult {
	res := PassResult{
		Candidates: len(candidates),
	}
	for i := range candidates {
		if ctx.Err() != nil {
			break
		}
		sub := &candidates[i]
		o, err := l.guard(sub, handle)
		switch {
		case err != nil:
			res.Failed++
			l.Logger.Error("Lifecycle transition failed",
				zap.String("Pass", name),
				zap.String("SubscriptionID", sub.ID),
				zap.String("OrganizationID", sub.OrganizationID),
				zap.Error(err),
			)
		case o == skipped:
			res.Skipped++
		default:
			res.Processed++
		}
	}
	if res.Candidates > 0 {
		l.Logger.Info("Lifecycle pass completed",
			zap.String("Pass", name),
			zap.Int("Candidates", res.Candidates),
			zap.Int("Processed", res.Processed),
			zap.Int("Skipped", res.Skipped),
			zap.Int("Failed", res.Failed),
		)
	}
	return res
}

func (l *Lifecycle) guard(sub *Subscription, handle func(sub *Subscription) (outcome, error)) (o outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handle(sub)
}

// ExpireTrials converts ended trials to active and bills them straight away
func (l *Lifecycle) ExpireTrials(ctx context.Context) PassResult {
	now := l.Now().UTC()
	candidates, err := l.Subscriptions.ListTrialsEnded(ctx, now)
	if err != nil {
		l.Logger.Error("Cannot list ended trials", zap.Error(err))
		return PassResult{}
	}
	return l.pass(ctx, "trial_expiry", candidates, func(sub *Subscription) (outcome, error) {
		updated, err := l.Subscriptions.Transition(ctx, sub.ID, StatusActive, func(current, desired *Subscription) bool {
			if current.Status != StatusTrial || current.TrialEnd == nil || current.TrialEnd.After(now) {
				return false
			}
			desired.CurrentPeriodStart = now
			desired.CurrentPeriodEnd = now.Add(l.FirstPeriod)
			desired.NextBillDate = now
			return true
		})
		if err != nil {
			return processed, err
		}
		if updated == nil {
			return skipped, nil
		}
		if err := l.Biller.BillSubscription(ctx, updated); err != nil {
			// the conversion is committed; the regular billing cycle picks the subscription up again
			return processed, fmt.Errorf("first billing after trial: %w", err)
		}
		return processed, nil
	})
}

// SuspendDelinquent moves past_due subscriptions that have stayed unpaid beyond the grace period to unpaid
func (l *Lifecycle) SuspendDelinquent(ctx context.Context) PassResult {
	cutoff := l.Now().UTC().Add(-l.SuspensionGrace)
	candidates, err := l.Subscriptions.ListPastDueBefore(ctx, cutoff)
	if err != nil {
		l.Logger.Error("Cannot list delinquent subscriptions", zap.Error(err))
		return PassResult{}
	}
	return l.pass(ctx, "suspension", candidates, func(sub *Subscription) (outcome, error) {
		updated, err := l.Subscriptions.Transition(ctx, sub.ID, StatusUnpaid, func(current, desired *Subscription) bool {
			return current.Status == StatusPastDue && current.NextBillDate.Before(cutoff)
		})
		if err != nil {
			return processed, err
		}
		if updated == nil {
			return skipped, nil
		}
		return processed, nil
	})
}

// Renew extends the service period of active subscriptions about to end. Charging for the new
// period is left to the billing cycle.
func (l *Lifecycle) Renew(ctx context.Context) PassResult {
	horizon := l.Now().UTC().Add(l.RenewalHorizon)
	candidates, err := l.Subscriptions.ListRenewable(ctx, horizon)
	if err != nil {
		l.Logger.Error("Cannot list renewable subscriptions", zap.Error(err))
		return PassResult{}
	}
	return l.pass(ctx, "renewal", candidates, func(sub *Subscription) (outcome, error) {
		updated, err := l.Subscriptions.LambdaUpdate(ctx, sub.ID, func(current, desired *Subscription) (bool, error) {
			if current.Status != StatusActive || !current.AutoRenewal || current.CurrentPeriodEnd.After(horizon) {
				return false, nil
			}
			desired.CurrentPeriodStart = current.CurrentPeriodEnd
			desired.CurrentPeriodEnd = AddMonth(current.CurrentPeriodEnd)
			return true, nil
		})
		if err != nil {
			return processed, err
		}
		if updated == nil {
			return skipped, nil
		}
		l.Subscriptions.publish(ctx, broker.NewEvent(broker.EventSubscriptionRenewed, updated.OrganizationID, updated.ID, map[string]interface{}{
			"currentPeriodStart": updated.CurrentPeriodStart,
			"currentPeriodEnd":   updated.CurrentPeriodEnd,
		}))
		return processed, nil
	})
}
