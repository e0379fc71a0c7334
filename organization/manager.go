package organization

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shiftwise/billing/apperr"
	"github.com/shiftwise/billing/external"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CustomerCreator is the subset of the payment gateway needed to register an organization
type CustomerCreator interface {
	CreateCustomer(ctx context.Context, req external.CustomerRequest) (string, error)
}

type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager handles the database operations relating to Organizations
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for organizations
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Organization{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize organization.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

func (m *Manager) Create(ctx context.Context, org *Organization) error {
	if len(org.Name) == 0 {
		return apperr.Validation("name", "is required")
	}
	if len(org.ID) == 0 {
		org.ID = uuid.New().String()
	}
	result := m.DB.WithContext(ctx).Create(org)
	if result.Error != nil {
		m.Logger.Error("Unable to create new organization in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create organization")
	}
	return nil
}

// GetByID will try to return the organization in the database by id
func (m *Manager) GetByID(ctx context.Context, id string) (*Organization, error) {
	var org Organization

	result := m.DB.WithContext(ctx).First(&org, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get organization by id")
	}

	return &org, nil
}

// CreatedAt reports when the organization was created; found is false for unknown organizations
func (m *Manager) CreatedAt(ctx context.Context, id string) (createdAt time.Time, found bool, err error) {
	org, err := m.GetByID(ctx, id)
	if err != nil || org == nil {
		return time.Time{}, false, err
	}
	return org.CreatedAt, true, nil
}

// EnsureCustomer returns the organization's gateway customer reference, registering the organization with
// the gateway the first time. Concurrent callers converge on whichever reference is stored first.
func (m *Manager) EnsureCustomer(ctx context.Context, id string, creator CustomerCreator) (string, error) {
	org, err := m.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if org == nil {
		return "", apperr.NotFound("organization", id)
	}
	if len(org.ExternalCustomerRef) > 0 {
		return org.ExternalCustomerRef, nil
	}

	ref, err := creator.CreateCustomer(ctx, external.CustomerRequest{
		OrganizationID: org.ID,
		Name:           org.Name,
		Email:          org.Email,
		IdempotencyKey: "customer-" + org.ID,
	})
	if err != nil {
		return "", err
	}

	result := m.DB.WithContext(ctx).
		Model(&Organization{}).
		Where("id = ? AND external_customer_ref = ?", org.ID, "").
		Update("external_customer_ref", ref)
	if result.Error != nil {
		m.Logger.Error("Unable to store customer reference",
			zap.String("OrganizationID", org.ID),
			zap.Error(result.Error),
		)
		return "", extErrors.Wrap(result.Error, "Cannot store customer reference")
	}
	if result.RowsAffected == 0 {
		// lost the race; the stored reference wins
		stored, err := m.GetByID(ctx, org.ID)
		if err != nil {
			return "", err
		}
		return stored.ExternalCustomerRef, nil
	}
	return ref, nil
}
