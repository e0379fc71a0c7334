package external

import (
	"context"

	"github.com/shopspring/decimal"
)

// Gateway is the payment provider that owns customers and invoices
type Gateway interface {
	CreateCustomer(ctx context.Context, req CustomerRequest) (customerRef string, err error)
	CreateInvoiceItem(ctx context.Context, req InvoiceItemRequest) (itemRef string, err error)
	CreateInvoice(ctx context.Context, req InvoiceRequest) (invoiceRef string, err error)
	SendInvoice(ctx context.Context, invoiceRef string) error
}

type CustomerRequest struct {
	OrganizationID string
	Name           string
	Email          string
	IdempotencyKey string
}

// InvoiceItemRequest adds a pending line to the customer's next invoice
type InvoiceItemRequest struct {
	CustomerRef    string
	Amount         decimal.Decimal // major currency units
	Currency       string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// InvoiceRequest collects the customer's pending items into an invoice.
// AutoCharge charges the default payment method, otherwise the invoice is emailed with a due date.
type InvoiceRequest struct {
	CustomerRef    string
	AutoCharge     bool
	Metadata       map[string]string
	IdempotencyKey string
}
