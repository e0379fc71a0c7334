package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shiftwise/billing/apperr"
	"github.com/shiftwise/billing/broker"
	"github.com/shiftwise/billing/metrics"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var terminalStatuses = []Status{StatusUnpaid, StatusCancelled}

type ManagerOptions struct {
	DB        *gorm.DB
	Logger    *zap.Logger
	Publisher broker.Publisher // optional
	Metrics   *metrics.Billing // optional
}

// Manager handles the database operations relating to Subscriptions
type Manager struct {
	ManagerOptions
}

func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Publisher == nil {
		option.Publisher = broker.NopPublisher{}
	}
	if err := option.DB.AutoMigrate(&Subscription{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize subscription.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

func (m *Manager) publish(ctx context.Context, e *broker.Event) {
	if err := m.Publisher.Publish(ctx, e); err != nil {
		m.Logger.Warn("Unable to publish subscription event",
			zap.String("Type", e.Type),
			zap.String("SubscriptionID", e.SubscriptionID),
			zap.Error(err),
		)
	}
}

// Create inserts the subscription unless the organization already has a live one
func (m *Manager) Create(ctx context.Context, sub *Subscription) error {
	if len(sub.OrganizationID) == 0 {
		return apperr.Validation("organizationId", "is required")
	}
	if len(sub.PlanID) == 0 {
		return apperr.Validation("planId", "is required")
	}
	if !sub.Status.Valid() || sub.Status.Terminal() {
		return apperr.Validation("status", fmt.Sprintf("cannot create a subscription in status %q", sub.Status))
	}
	if sub.SeatCount < 0 {
		return apperr.Validation("seatCount", "must not be negative")
	}
	if len(sub.ID) == 0 {
		sub.ID = uuid.New().String()
	}

	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var live int64
		if err := tx.Model(&Subscription{}).
			Where("organization_id = ?", sub.OrganizationID).
			Where("status NOT IN ?", terminalStatuses).
			Count(&live).Error; err != nil {
			return err
		}
		if live > 0 {
			return apperr.InconsistentState("organization %s already has a live subscription", sub.OrganizationID)
		}
		return tx.Create(sub).Error
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if apperr.IsInconsistentState(err) {
		return err
	}
	if err != nil {
		m.Logger.Error("Unable to create new subscription in database",
			zap.String("OrganizationID", sub.OrganizationID),
			zap.Error(err),
		)
		return extErrors.Wrap(err, "Cannot create subscription")
	}

	m.publish(ctx, broker.NewEvent(broker.EventSubscriptionCreated, sub.OrganizationID, sub.ID, map[string]interface{}{
		"planId": sub.PlanID,
		"status": string(sub.Status),
	}))
	return nil
}

func (m *Manager) GetByID(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription

	result := m.DB.WithContext(ctx).Where("id = ?", id).First(&sub)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by id")
	}

	return &sub, nil
}

// FindCurrent returns the organization's live subscription, or nil if it has none
func (m *Manager) FindCurrent(ctx context.Context, organizationID string) (*Subscription, error) {
	var sub Subscription

	result := m.DB.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Where("status NOT IN ?", terminalStatuses).
		Order("created_at desc").
		First(&sub)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get current subscription")
	}

	return &sub, nil
}

// SubscribedSince reports when the organization's live subscription was created
func (m *Manager) SubscribedSince(ctx context.Context, organizationID string) (time.Time, bool, error) {
	sub, err := m.FindCurrent(ctx, organizationID)
	if err != nil || sub == nil {
		return time.Time{}, false, err
	}
	return sub.CreatedAt, true, nil
}

func (m *Manager) list(ctx context.Context, what string, query func(*gorm.DB) *gorm.DB) ([]Subscription, error) {
	results := make([]Subscription, 0, 8)
	result := query(m.DB.WithContext(ctx)).Order("id asc").Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.String("Query", what),
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrapf(result.Error, "Cannot list %s", what)
	}
	return results, nil
}

// ListDueForBilling returns active, auto-renewing subscriptions whose next bill date has arrived
func (m *Manager) ListDueForBilling(ctx context.Context, now time.Time) ([]Subscription, error) {
	return m.list(ctx, "subscriptions due for billing", func(q *gorm.DB) *gorm.DB {
		return q.Where("status = ? AND auto_renewal = ? AND next_bill_date <= ?", StatusActive, true, now).
			Order("next_bill_date asc")
	})
}

func (m *Manager) ListTrialsEnded(ctx context.Context, now time.Time) ([]Subscription, error) {
	return m.list(ctx, "ended trials", func(q *gorm.DB) *gorm.DB {
		return q.Where("status = ? AND trial_end IS NOT NULL AND trial_end <= ?", StatusTrial, now)
	})
}

func (m *Manager) ListPastDueBefore(ctx context.Context, cutoff time.Time) ([]Subscription, error) {
	return m.list(ctx, "delinquent subscriptions", func(q *gorm.DB) *gorm.DB {
		return q.Where("status = ? AND next_bill_date < ?", StatusPastDue, cutoff)
	})
}

// ListRenewable returns active, auto-renewing subscriptions whose period ends at or before horizon
func (m *Manager) ListRenewable(ctx context.Context, horizon time.Time) ([]Subscription, error) {
	return m.list(ctx, "renewable subscriptions", func(q *gorm.DB) *gorm.DB {
		return q.Where("status = ? AND auto_renewal = ? AND current_period_end <= ?", StatusActive, true, horizon)
	})
}

// LambdaUpdateFunc is used when transaction is required for update. The returned bool determines if Manager
// should commit the changes; a non-nil error aborts the transaction and is returned as is.
type LambdaUpdateFunc func(current *Subscription, desired *Subscription) (shouldSave bool, err error)

// LambdaUpdate will perform a transactional update based on the lambda function. If the lambda signals shouldSave AND update was successful, it will return the new state.
// The selected Subscription will be locked with FOR UPDATE
func (m *Manager) LambdaUpdate(ctx context.Context, id string, lambda LambdaUpdateFunc) (*Subscription, error) {
	var desired Subscription
	var shouldReturn bool
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Subscription
		lookupRes := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&current, "id = ?", id)
		if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return apperr.NotFound("subscription", id)
		}
		if lookupRes.Error != nil {
			return lookupRes.Error
		}
		desired = current
		save, err := lambda(&current, &desired)
		if err != nil {
			return err
		}
		if !save {
			return nil
		}
		if saveRes := tx.Save(&desired); saveRes.Error != nil {
			return saveRes.Error
		}
		shouldReturn = true
		return nil
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		// transaction failed, return nil new state
		return nil, err
	}
	if !shouldReturn {
		// shouldSave == false, return nil new state
		return nil, nil
	}
	// transaction succeed and shouldSave == true, return new state
	return &desired, nil
}

// TransitionFunc re-checks its precondition against the locked row and prepares the desired state.
// Returning false leaves the subscription untouched.
type TransitionFunc func(current *Subscription, desired *Subscription) (apply bool)

// Transition moves the subscription to status to. It returns nil without error when fn declines, and an
// InconsistentStateError when the move is not allowed from the current status.
func (m *Manager) Transition(ctx context.Context, id string, to Status, fn TransitionFunc) (*Subscription, error) {
	var from Status
	updated, err := m.LambdaUpdate(ctx, id, func(current *Subscription, desired *Subscription) (bool, error) {
		if fn != nil && !fn(current, desired) {
			return false, nil
		}
		if !CanTransition(current.Status, to) {
			return false, apperr.InconsistentState("subscription %s cannot move from %s to %s", id, current.Status, to)
		}
		from = current.Status
		desired.Status = to
		return true, nil
	})
	if err != nil || updated == nil {
		return nil, err
	}

	m.Logger.Info("Subscription transitioned",
		zap.String("SubscriptionID", id),
		zap.String("OrganizationID", updated.OrganizationID),
		zap.String("From", string(from)),
		zap.String("To", string(to)),
	)
	m.Metrics.Transition(string(from), string(to))
	m.publish(ctx, broker.NewEvent(broker.EventSubscriptionTransitioned, updated.OrganizationID, id, map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	}))
	return updated, nil
}

// Cancel moves a live subscription to cancelled
func (m *Manager) Cancel(ctx context.Context, id string) (*Subscription, error) {
	return m.Transition(ctx, id, StatusCancelled, func(current, desired *Subscription) bool {
		desired.AutoRenewal = false
		return true
	})
}
