package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/shiftwise/billing/apperr"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap/zaptest"
)

type capturedRequest struct {
	Path           string
	Form           map[string]string
	IdempotencyKey string
}

type fakeStripe struct {
	mu       sync.Mutex
	requests []capturedRequest
	fail     map[string]bool
}

func (f *fakeStripe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	form := make(map[string]string)
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}
	f.mu.Lock()
	f.requests = append(f.requests, capturedRequest{
		Path:           r.URL.Path,
		Form:           form,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	failing := f.fail[r.URL.Path]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if failing {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"type": "invalid_request_error", "message": "boom"},
		})
		return
	}
	var body map[string]string
	switch r.URL.Path {
	case "/v1/customers":
		body = map[string]string{"id": "cus_123", "object": "customer"}
	case "/v1/invoiceitems":
		body = map[string]string{"id": "ii_123", "object": "invoiceitem"}
	case "/v1/invoices":
		body = map[string]string{"id": "in_123", "object": "invoice"}
	case "/v1/invoices/in_123/send":
		body = map[string]string{"id": "in_123", "object": "invoice"}
	default:
		w.WriteHeader(http.StatusNotFound)
		body = map[string]string{}
	}
	json.NewEncoder(w).Encode(body)
}

func (f *fakeStripe) failOn(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[path] = true
}

func (f *fakeStripe) last() capturedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestGateway(t *testing.T) (*StripeGateway, *fakeStripe) {
	fake := &fakeStripe{fail: map[string]bool{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	sc := NewStripeClient("sk_test_123", &stripe.Backends{
		API:     backend,
		Uploads: backend,
	})

	g, err := NewStripeGateway(StripeOptions{
		Client: sc,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return g, fake
}

func TestToMinorUnits(t *testing.T) {
	assert.Equal(t, int64(1234), toMinorUnits(decimal.RequireFromString("12.34")))
	assert.Equal(t, int64(1235), toMinorUnits(decimal.RequireFromString("12.345")))
	assert.Equal(t, int64(-500), toMinorUnits(decimal.NewFromInt(-5)))
}

func TestCreateCustomer(t *testing.T) {
	g, fake := newTestGateway(t)

	ref, err := g.CreateCustomer(context.Background(), CustomerRequest{
		OrganizationID: "org-1",
		Name:           "Acme",
		Email:          "billing@acme.test",
		IdempotencyKey: "customer-org-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "cus_123", ref)

	req := fake.last()
	assert.Equal(t, "/v1/customers", req.Path)
	assert.Equal(t, "Acme", req.Form["name"])
	assert.Equal(t, "org-1", req.Form["metadata[organizationId]"])
	assert.Equal(t, "customer-org-1", req.IdempotencyKey)
}

func TestCreateInvoiceItem(t *testing.T) {
	g, fake := newTestGateway(t)

	ref, err := g.CreateInvoiceItem(context.Background(), InvoiceItemRequest{
		CustomerRef:    "cus_123",
		Amount:         decimal.RequireFromString("1349.46"),
		Currency:       "gbp",
		Description:    "Seats 2024-03",
		Metadata:       map[string]string{"billingPeriod": "2024-03"},
		IdempotencyKey: "item-rec-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "ii_123", ref)

	req := fake.last()
	assert.Equal(t, "134946", req.Form["amount"])
	assert.Equal(t, "gbp", req.Form["currency"])
	assert.Equal(t, "2024-03", req.Form["metadata[billingPeriod]"])
	assert.Equal(t, "item-rec-1", req.IdempotencyKey)

	_, err = g.CreateInvoiceItem(context.Background(), InvoiceItemRequest{})
	assert.True(t, apperr.IsValidation(err))
}

func TestCreateInvoiceCollectionMethod(t *testing.T) {
	g, fake := newTestGateway(t)
	ctx := context.Background()

	ref, err := g.CreateInvoice(ctx, InvoiceRequest{CustomerRef: "cus_123", AutoCharge: true})
	require.NoError(t, err)
	assert.Equal(t, "in_123", ref)
	assert.Equal(t, "charge_automatically", fake.last().Form["collection_method"])

	_, err = g.CreateInvoice(ctx, InvoiceRequest{CustomerRef: "cus_123"})
	require.NoError(t, err)
	assert.Equal(t, "send_invoice", fake.last().Form["collection_method"])
	assert.Equal(t, "30", fake.last().Form["days_until_due"])
}

func TestGatewayErrors(t *testing.T) {
	g, fake := newTestGateway(t)
	ctx := context.Background()

	fake.failOn("/v1/invoices")
	_, err := g.CreateInvoice(ctx, InvoiceRequest{CustomerRef: "cus_123"})
	require.Error(t, err)
	assert.True(t, apperr.IsGateway(err))

	require.NoError(t, g.SendInvoice(ctx, "in_123"))
	fake.failOn("/v1/invoices/in_123/send")
	assert.True(t, apperr.IsGateway(g.SendInvoice(ctx, "in_123")))
}
