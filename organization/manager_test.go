package organization

import (
	"context"
	"fmt"
	"testing"

	"github.com/shiftwise/billing/apperr"
	"github.com/shiftwise/billing/db/dbtest"
	"github.com/shiftwise/billing/external"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingCreator struct {
	calls int
	err   error
	last  external.CustomerRequest
}

func (c *countingCreator) CreateCustomer(ctx context.Context, req external.CustomerRequest) (string, error) {
	c.calls++
	c.last = req
	if c.err != nil {
		return "", c.err
	}
	return fmt.Sprintf("cus_%d", c.calls), nil
}

func newTestManager(t *testing.T) *Manager {
	m, err := NewManager(ManagerOptions{
		DB:     dbtest.New(t),
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return m
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	org := &Organization{Name: "Acme", Email: "ops@acme.test"}
	require.NoError(t, m.Create(ctx, org))
	assert.NotEmpty(t, org.ID)

	got, err := m.GetByID(ctx, org.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Acme", got.Name)

	missing, err := m.GetByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	createdAt, found, err := m.CreatedAt(ctx, org.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, createdAt.IsZero())

	_, found, err = m.CreatedAt(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, found)

	assert.True(t, apperr.IsValidation(m.Create(ctx, &Organization{})))
}

func TestEnsureCustomerRegistersOnce(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	creator := &countingCreator{}

	org := &Organization{Name: "Acme"}
	require.NoError(t, m.Create(ctx, org))

	ref, err := m.EnsureCustomer(ctx, org.ID, creator)
	require.NoError(t, err)
	assert.Equal(t, "cus_1", ref)
	assert.Equal(t, "customer-"+org.ID, creator.last.IdempotencyKey)

	ref, err = m.EnsureCustomer(ctx, org.ID, creator)
	require.NoError(t, err)
	assert.Equal(t, "cus_1", ref)
	assert.Equal(t, 1, creator.calls)

	_, err = m.EnsureCustomer(ctx, "nope", creator)
	assert.True(t, apperr.IsNotFound(err))
}

func TestEnsureCustomerGatewayFailure(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	creator := &countingCreator{err: apperr.Gateway("create customer", fmt.Errorf("down"))}

	org := &Organization{Name: "Acme"}
	require.NoError(t, m.Create(ctx, org))

	_, err := m.EnsureCustomer(ctx, org.ID, creator)
	assert.True(t, apperr.IsGateway(err))

	stored, err := m.GetByID(ctx, org.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.ExternalCustomerRef)
}
