package plan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shiftwise/billing/apperr"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager handles the database operations relating to Plans and Rules
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
	if err := option.DB.AutoMigrate(&Plan{}, &Rule{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize plan.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

func validatePlan(p *Plan) error {
	if len(p.Name) == 0 {
		return apperr.Validation("name", "is required")
	}
	if p.BasePrice.IsNegative() {
		return apperr.Validation("basePrice", "must not be negative")
	}
	if p.SetupFee.IsNegative() {
		return apperr.Validation("setupFee", "must not be negative")
	}
	if p.BaseDiscountPercent.IsNegative() {
		return apperr.Validation("baseDiscountPercent", "must not be negative")
	}
	if p.MaxSeats != nil && *p.MaxSeats <= 0 {
		return apperr.Validation("maxSeats", "must be positive when set")
	}
	switch p.BillingCycle {
	case BillingCycleMonthly, BillingCycleAnnual:
	default:
		return apperr.Validation("billingCycle", fmt.Sprintf("unknown cycle %q", p.BillingCycle))
	}
	return nil
}

func (m *Manager) CreatePlan(ctx context.Context, p *Plan) error {
	if len(p.ID) == 0 {
		p.ID = uuid.New().String()
	}
	if err := validatePlan(p); err != nil {
		return err
	}
	result := m.DB.WithContext(ctx).Create(p)
	if result.Error != nil {
		m.Logger.Error("Unable to create new plan in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create plan")
	}
	return nil
}

// CreateRule validates the rule's condition and action before persisting it
func (m *Manager) CreateRule(ctx context.Context, r *Rule) error {
	if len(r.ID) == 0 {
		r.ID = uuid.New().String()
	}
	if err := r.Validate(); err != nil {
		return apperr.Validation("rule", err.Error())
	}
	var count int64
	if err := m.DB.WithContext(ctx).Model(&Plan{}).Where("id = ?", r.PlanID).Count(&count).Error; err != nil {
		return extErrors.Wrap(err, "Cannot look up plan for rule")
	}
	if count == 0 {
		return apperr.NotFound("plan", r.PlanID)
	}
	result := m.DB.WithContext(ctx).Create(r)
	if result.Error != nil {
		m.Logger.Error("Unable to create new rule in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create rule")
	}
	return nil
}

// GetActivePlan returns a NotFoundError when the plan is absent or retired
func (m *Manager) GetActivePlan(ctx context.Context, id string) (*Plan, error) {
	var p Plan
	result := m.DB.WithContext(ctx).Where("id = ? AND active = ?", id, true).First(&p)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("plan", id)
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get plan by id")
	}

	return &p, nil
}

func (m *Manager) ListPlans(ctx context.Context, all bool) ([]Plan, error) {
	plans := make([]Plan, 0, 4)
	baseQuery := m.DB.WithContext(ctx).Order("created_at asc")
	if !all {
		baseQuery = baseQuery.Where("active = ?", true)
	}
	if result := baseQuery.Find(&plans); result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return plans, nil
}

// ListActiveRules returns the plan's active rules valid at the given time, highest priority first.
// Rules of equal priority keep their creation order.
func (m *Manager) ListActiveRules(ctx context.Context, planID string, at time.Time) ([]Rule, error) {
	rules := make([]Rule, 0, 4)
	result := m.DB.WithContext(ctx).
		Where("plan_id = ? AND active = ?", planID, true).
		Order("priority desc").
		Order("created_at asc").
		Order("id asc").
		Find(&rules)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list rules")
	}

	valid := rules[:0]
	for _, r := range rules {
		if r.InWindow(at) {
			valid = append(valid, r)
		}
	}
	return valid, nil
}

func (m *Manager) SetPlanActive(ctx context.Context, id string, active bool) error {
	return m.setActive(ctx, &Plan{}, "plan", id, active)
}

func (m *Manager) SetRuleActive(ctx context.Context, id string, active bool) error {
	return m.setActive(ctx, &Rule{}, "rule", id, active)
}

func (m *Manager) setActive(ctx context.Context, model interface{}, resource, id string, active bool) error {
	result := m.DB.WithContext(ctx).Model(model).Where("id = ?", id).Update("active", active)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return extErrors.Wrapf(result.Error, "Cannot update %s", resource)
	}
	if result.RowsAffected == 0 {
		return apperr.NotFound(resource, id)
	}
	return nil
}

// EnsurePlans inserts every defined plan and rule that does not exist yet. Existing rows are left untouched
// since plans referenced by billing records must not change.
func (m *Manager) EnsurePlans(ctx context.Context, defs []Definition) error {
	for _, def := range defs {
		p := def.Plan
		if err := validatePlan(&p); err != nil {
			return extErrors.Wrapf(err, "Invalid plan definition %s", p.ID)
		}
		if len(p.ID) == 0 {
			return fmt.Errorf("plan definition %q needs an id", p.Name)
		}
		for i := range def.Rules {
			def.Rules[i].PlanID = p.ID
			if err := def.Rules[i].Validate(); err != nil {
				return extErrors.Wrapf(err, "Invalid rule definition %s", def.Rules[i].ID)
			}
		}
		err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&p).Error; err != nil {
				return err
			}
			for i := range def.Rules {
				r := def.Rules[i]
				if len(r.ID) == 0 {
					return fmt.Errorf("rule definition %q needs an id", r.Name)
				}
				if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&r).Error; err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			m.Logger.Error("Unable to seed plan",
				zap.String("PlanID", p.ID),
				zap.Error(err),
			)
			return extErrors.Wrap(err, "Cannot ensure plan existence")
		}
	}
	return nil
}
