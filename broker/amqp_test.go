package broker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/streadway/amqp"
)

func TestToPublishing(t *testing.T) {
	e := NewEvent(EventInvoiceIssued, "org-1", "sub-1", map[string]interface{}{"invoiceRef": "in_123"})

	msg, err := toPublishing(e)
	require.NoError(t, err)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, e.ID, msg.MessageId)
	assert.Equal(t, EventInvoiceIssued, msg.Type)

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, "org-1", decoded.OrganizationID)
	assert.Equal(t, "sub-1", decoded.SubscriptionID)
	assert.Equal(t, "in_123", decoded.Data["invoiceRef"])
	assert.True(t, e.OccurredAt.Equal(decoded.OccurredAt))
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), NewEvent(EventRecordCreated, "org", "", nil)))
	p.Close()
}
