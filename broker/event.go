package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types published on the billing exchange. The type doubles as the routing key.
const (
	EventSubscriptionCreated      = "subscription.created"
	EventSubscriptionTransitioned = "subscription.transitioned"
	EventSubscriptionRenewed      = "subscription.renewed"
	EventRecordCreated            = "billing.record_created"
	EventInvoiceIssued            = "billing.invoice_issued"
)

// Event is a domain notification for downstream consumers (dashboards, email)
type Event struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	OrganizationID string                 `json:"organizationId"`
	SubscriptionID string                 `json:"subscriptionId,omitempty"`
	OccurredAt     time.Time              `json:"occurredAt"`
	Data           map[string]interface{} `json:"data,omitempty"`
}

func NewEvent(eventType, organizationID, subscriptionID string, data map[string]interface{}) *Event {
	return &Event{
		ID:             uuid.New().String(),
		Type:           eventType,
		OrganizationID: organizationID,
		SubscriptionID: subscriptionID,
		OccurredAt:     time.Now().UTC(),
		Data:           data,
	}
}

// Publisher defines the interface for publishing events via message broker
type Publisher interface {
	Publish(ctx context.Context, e *Event) error
	Close()
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

var _ Publisher = NopPublisher{}

func (NopPublisher) Publish(ctx context.Context, e *Event) error {
	return nil
}

func (NopPublisher) Close() {}
