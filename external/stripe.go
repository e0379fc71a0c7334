package external

import (
	"context"
	"fmt"

	"github.com/shiftwise/billing/apperr"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
)

const daysUntilDue = 30

// NewStripeClient returns a stripe client. A nil backends uses the live Stripe API.
func NewStripeClient(key string, backends *stripe.Backends) *client.API {
	sc := &client.API{}
	sc.Init(key, backends)
	return sc
}

type StripeOptions struct {
	Client *client.API
	Logger *zap.Logger
}

// StripeGateway implements Gateway on top of the Stripe invoicing API
type StripeGateway struct {
	StripeOptions
}

func NewStripeGateway(option StripeOptions) (*StripeGateway, error) {
	if option.Client == nil {
		return nil, fmt.Errorf("nil Client is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &StripeGateway{
		StripeOptions: option,
	}, nil
}

var _ Gateway = (*StripeGateway)(nil)

func stripeParams(ctx context.Context, idempotencyKey string, metadata map[string]string) stripe.Params {
	p := stripe.Params{
		Context: ctx,
	}
	if len(idempotencyKey) > 0 {
		p.IdempotencyKey = stripe.String(idempotencyKey)
	}
	for k, v := range metadata {
		p.AddMetadata(k, v)
	}
	return p
}

// toMinorUnits converts 12.34 to 1234
func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	params := &stripe.CustomerParams{
		Params: stripeParams(ctx, req.IdempotencyKey, map[string]string{
			"organizationId": req.OrganizationID,
		}),
		Name: stripe.String(req.Name),
	}
	if len(req.Email) > 0 {
		params.Email = stripe.String(req.Email)
	}
	c, err := g.Client.Customers.New(params)
	if err != nil {
		g.Logger.Error("Stripe returned error",
			zap.String("OrganizationID", req.OrganizationID),
			zap.Error(err),
		)
		return "", apperr.Gateway("create customer", err)
	}
	return c.ID, nil
}

func (g *StripeGateway) CreateInvoiceItem(ctx context.Context, req InvoiceItemRequest) (string, error) {
	if len(req.CustomerRef) == 0 {
		return "", apperr.Validation("customerRef", "is required")
	}
	params := &stripe.InvoiceItemParams{
		Params:      stripeParams(ctx, req.IdempotencyKey, req.Metadata),
		Customer:    stripe.String(req.CustomerRef),
		Amount:      stripe.Int64(toMinorUnits(req.Amount)),
		Currency:    stripe.String(req.Currency),
		Description: stripe.String(req.Description),
	}
	item, err := g.Client.InvoiceItems.New(params)
	if err != nil {
		g.Logger.Error("Stripe returned error",
			zap.String("CustomerRef", req.CustomerRef),
			zap.Error(err),
		)
		return "", apperr.Gateway("create invoice item", err)
	}
	return item.ID, nil
}

func (g *StripeGateway) CreateInvoice(ctx context.Context, req InvoiceRequest) (string, error) {
	if len(req.CustomerRef) == 0 {
		return "", apperr.Validation("customerRef", "is required")
	}
	params := &stripe.InvoiceParams{
		Params:      stripeParams(ctx, req.IdempotencyKey, req.Metadata),
		Customer:    stripe.String(req.CustomerRef),
		AutoAdvance: stripe.Bool(true),
	}
	if req.AutoCharge {
		params.CollectionMethod = stripe.String(string(stripe.InvoiceCollectionMethodChargeAutomatically))
	} else {
		params.CollectionMethod = stripe.String(string(stripe.InvoiceCollectionMethodSendInvoice))
		params.DaysUntilDue = stripe.Int64(daysUntilDue)
	}
	inv, err := g.Client.Invoices.New(params)
	if err != nil {
		g.Logger.Error("Stripe returned error",
			zap.String("CustomerRef", req.CustomerRef),
			zap.Error(err),
		)
		return "", apperr.Gateway("create invoice", err)
	}
	return inv.ID, nil
}

func (g *StripeGateway) SendInvoice(ctx context.Context, invoiceRef string) error {
	params := &stripe.InvoiceSendParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	if _, err := g.Client.Invoices.SendInvoice(invoiceRef, params); err != nil {
		g.Logger.Error("Stripe returned error",
			zap.String("InvoiceRef", invoiceRef),
			zap.Error(err),
		)
		return apperr.Gateway("send invoice", err)
	}
	return nil
}
