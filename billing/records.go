package billing

import (
	"context"
	"errors"
	"fmt"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type RecordManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// RecordManager handles the database operations relating to billing Records
type RecordManager struct {
	RecordManagerOptions
}

func NewRecordManager(option RecordManagerOptions) (*RecordManager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Record{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize billing.RecordManager")
	}
	return &RecordManager{
		RecordManagerOptions: option,
	}, nil
}

// CreateOnce inserts the record unless one with the same idempotency key exists. It returns the stored
// record and whether this call created it.
func (m *RecordManager) CreateOnce(ctx context.Context, r *Record) (*Record, bool, error) {
	if len(r.IdempotencyKey) == 0 {
		return nil, false, fmt.Errorf("empty IdempotencyKey is invalid")
	}
	existing, err := m.FindByIdempotencyKey(ctx, r.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	result := m.DB.WithContext(ctx).Create(r)
	if result.Error != nil {
		// a concurrent writer may have won the unique index
		if existing, lookupErr := m.FindByIdempotencyKey(ctx, r.IdempotencyKey); lookupErr == nil && existing != nil {
			return existing, false, nil
		}
		m.Logger.Error("Unable to create billing record in database",
			zap.String("IdempotencyKey", r.IdempotencyKey),
			zap.Error(result.Error),
		)
		return nil, false, extErrors.Wrap(result.Error, "Cannot create billing record")
	}
	return r, true, nil
}

func (m *RecordManager) FindByIdempotencyKey(ctx context.Context, key string) (*Record, error) {
	var r Record

	result := m.DB.WithContext(ctx).Where("idempotency_key = ?", key).First(&r)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get billing record by idempotency key")
	}

	return &r, nil
}

func (m *RecordManager) GetByID(ctx context.Context, id string) (*Record, error) {
	var r Record

	result := m.DB.WithContext(ctx).Where("id = ?", id).First(&r)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get billing record by id")
	}

	return &r, nil
}

// ListUninvoiced returns the subscription's pending supplemental (proration and overage) records
// that have not been put on an invoice yet, oldest first
func (m *RecordManager) ListUninvoiced(ctx context.Context, subscriptionID string) ([]Record, error) {
	results := make([]Record, 0, 2)
	result := m.DB.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Where("kind IN ?", []Kind{KindProration, KindOverage}).
		Where("status = ? AND external_invoice_ref = ?", StatusPending, "").
		Order("created_at asc").
		Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list uninvoiced records")
	}
	return results, nil
}

// ListByOrganization returns the organization's records, newest first
func (m *RecordManager) ListByOrganization(ctx context.Context, organizationID string, limit int) ([]Record, error) {
	results := make([]Record, 0, 8)
	baseQuery := m.DB.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Order("created_at desc")
	if limit > 0 {
		baseQuery = baseQuery.Limit(limit)
	}
	if result := baseQuery.Find(&results); result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list billing records")
	}
	return results, nil
}

// AttachInvoice stores the invoice reference on records that do not have one yet
func (m *RecordManager) AttachInvoice(ctx context.Context, ids []string, invoiceRef string) error {
	if len(ids) == 0 {
		return nil
	}
	result := m.DB.WithContext(ctx).
		Model(&Record{}).
		Where("id IN ? AND external_invoice_ref = ?", ids, "").
		Updates(map[string]interface{}{
			"external_invoice_ref": invoiceRef,
			"error_message":        "",
		})
	if result.Error != nil {
		m.Logger.Error("Unable to attach invoice to billing records",
			zap.String("InvoiceRef", invoiceRef),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot attach invoice reference")
	}
	return nil
}

// SetError keeps the last failure on the record for operators
func (m *RecordManager) SetError(ctx context.Context, id string, message string) error {
	result := m.DB.WithContext(ctx).
		Model(&Record{}).
		Where("id = ?", id).
		Update("error_message", message)
	if result.Error != nil {
		m.Logger.Error("Unable to store billing error",
			zap.String("RecordID", id),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot store billing error")
	}
	return nil
}
