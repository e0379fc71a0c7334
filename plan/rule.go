package plan

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// ConditionKind selects which organization fact a rule compares against
type ConditionKind string

const (
	ConditionEmployeeCount        ConditionKind = "employee_count"
	ConditionOrganizationAge      ConditionKind = "organization_age"      // days since the organization was created
	ConditionSubscriptionDuration ConditionKind = "subscription_duration" // days since the subscription was created
)

// Operator is a numeric comparison
type Operator string

const (
	OpGreaterOrEqual Operator = ">="
	OpLessOrEqual    Operator = "<="
	OpGreater        Operator = ">"
	OpLess           Operator = "<"
	OpEqual          Operator = "=="
)

func (o Operator) valid() bool {
	switch o {
	case OpGreaterOrEqual, OpLessOrEqual, OpGreater, OpLess, OpEqual:
		return true
	}
	return false
}

// Compare evaluates "left <op> right"
func (o Operator) Compare(left, right decimal.Decimal) bool {
	switch o {
	case OpGreaterOrEqual:
		return left.GreaterThanOrEqual(right)
	case OpLessOrEqual:
		return left.LessThanOrEqual(right)
	case OpGreater:
		return left.GreaterThan(right)
	case OpLess:
		return left.LessThan(right)
	case OpEqual:
		return left.Equal(right)
	}
	return false
}

// ActionKind selects what a matching rule does to the price
type ActionKind string

const (
	ActionDiscount       ActionKind = "discount"
	ActionPriceOverride  ActionKind = "price_override"
	ActionVolumeDiscount ActionKind = "volume_discount"
)

// Condition is the "when" half of a Rule
type Condition struct {
	Kind      ConditionKind   `json:"type" validate:"required,oneof=employee_count organization_age subscription_duration"`
	Operator  Operator        `json:"operator" validate:"required,operator"`
	Threshold decimal.Decimal `json:"value"`
}

// DiscountParams adds Percent to the discount accumulator
type DiscountParams struct {
	Percent decimal.Decimal `json:"percent"`
}

// PriceOverrideParams replaces the running per-seat base price
type PriceOverrideParams struct {
	Price decimal.Decimal `json:"price"`
}

// VolumeDiscountParams adds min(MaxDiscount, seats*PerSeatDiscount) percent
type VolumeDiscountParams struct {
	PerSeatDiscount decimal.Decimal `json:"perSeatDiscount"`
	MaxDiscount     decimal.Decimal `json:"maxDiscount"`
}

// Action is the "then" half of a Rule. Exactly one payload matching Kind must be set.
type Action struct {
	Kind           ActionKind            `json:"type" validate:"required,oneof=discount price_override volume_discount"`
	Discount       *DiscountParams       `json:"discount,omitempty" validate:"required_if=Kind discount"`
	PriceOverride  *PriceOverrideParams  `json:"priceOverride,omitempty" validate:"required_if=Kind price_override"`
	VolumeDiscount *VolumeDiscountParams `json:"volumeDiscount,omitempty" validate:"required_if=Kind volume_discount"`
}

// Rule attaches a conditional price adjustment to a Plan. Rules are evaluated in descending Priority.
type Rule struct {
	ID         string     `json:"id" gorm:"primaryKey"`
	PlanID     string     `json:"planId" gorm:"not null;index"`
	Name       string     `json:"name" gorm:"not null"`
	Condition  Condition  `json:"condition" gorm:"not null"`
	Action     Action     `json:"action" gorm:"not null"`
	Priority   int        `json:"priority" gorm:"not null"`
	Active     bool       `json:"active" gorm:"not null"`
	ValidFrom  *time.Time `json:"validFrom,omitempty"`
	ValidUntil *time.Time `json:"validUntil,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

func (Rule) TableName() string {
	return "pricing_rules"
}

// InWindow reports whether t falls inside [ValidFrom, ValidUntil)
func (r *Rule) InWindow(t time.Time) bool {
	if r.ValidFrom != nil && t.Before(*r.ValidFrom) {
		return false
	}
	if r.ValidUntil != nil && !t.Before(*r.ValidUntil) {
		return false
	}
	return true
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("operator", func(fl validator.FieldLevel) bool {
		return Operator(fl.Field().String()).valid()
	})
	return v
}

// Validate checks the rule's tagged payloads so evaluation never sees a malformed rule
func (r *Rule) Validate() error {
	if len(r.PlanID) == 0 {
		return fmt.Errorf("empty PlanID is invalid")
	}
	if len(r.Name) == 0 {
		return fmt.Errorf("empty Name is invalid")
	}
	if err := validate.Struct(&r.Condition); err != nil {
		return err
	}
	if r.Condition.Threshold.IsNegative() {
		return fmt.Errorf("condition value must not be negative")
	}
	if err := validate.Struct(&r.Action); err != nil {
		return err
	}
	if err := r.Action.validatePayload(); err != nil {
		return err
	}
	if r.ValidFrom != nil && r.ValidUntil != nil && !r.ValidUntil.After(*r.ValidFrom) {
		return fmt.Errorf("ValidUntil must be after ValidFrom")
	}
	return nil
}

func (a *Action) validatePayload() error {
	set := 0
	for _, present := range []bool{a.Discount != nil, a.PriceOverride != nil, a.VolumeDiscount != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("action %q must carry exactly one payload, got %d", a.Kind, set)
	}
	switch a.Kind {
	case ActionDiscount:
		if a.Discount == nil {
			return fmt.Errorf("discount action requires discount params")
		}
		if a.Discount.Percent.IsNegative() {
			return fmt.Errorf("discount percent must not be negative")
		}
	case ActionPriceOverride:
		if a.PriceOverride == nil {
			return fmt.Errorf("price_override action requires priceOverride params")
		}
		if a.PriceOverride.Price.IsNegative() {
			return fmt.Errorf("override price must not be negative")
		}
	case ActionVolumeDiscount:
		if a.VolumeDiscount == nil {
			return fmt.Errorf("volume_discount action requires volumeDiscount params")
		}
		if a.VolumeDiscount.PerSeatDiscount.IsNegative() || !a.VolumeDiscount.MaxDiscount.IsPositive() {
			return fmt.Errorf("volume discount needs a non-negative perSeatDiscount and a positive maxDiscount")
		}
	}
	return nil
}

//				JSON column plumbing

func scanJSON(value interface{}, dst interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	}
	return fmt.Errorf("Failed to unmarshal json value: %v", value)
}

func jsonDataType(db *gorm.DB) string {
	switch db.Dialector.Name() {
	case "mysql", "sqlite":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}

func (c *Condition) Scan(value interface{}) error {
	return scanJSON(value, c)
}

func (c Condition) Value() (driver.Value, error) {
	return json.Marshal(c)
}

func (Condition) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonDataType(db)
}

func (a *Action) Scan(value interface{}) error {
	return scanJSON(value, a)
}

func (a Action) Value() (driver.Value, error) {
	return json.Marshal(a)
}

func (Action) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonDataType(db)
}
