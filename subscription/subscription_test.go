package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAddMonth(t *testing.T) {
	cases := map[string]string{
		"2024-01-15T10:00:00Z": "2024-02-15T10:00:00Z",
		"2024-01-31T10:00:00Z": "2024-02-29T10:00:00Z",
		"2023-01-31T00:00:00Z": "2023-02-28T00:00:00Z",
		"2024-03-31T23:59:59Z": "2024-04-30T23:59:59Z",
		"2024-12-31T08:00:00Z": "2025-01-31T08:00:00Z",
	}
	for in, want := range cases {
		from, err := time.Parse(time.RFC3339, in)
		assert.NoError(t, err)
		assert.Equal(t, want, AddMonth(from).Format(time.RFC3339), in)
	}
}

func TestBillable(t *testing.T) {
	assert.True(t, (&Subscription{Status: StatusTrial}).Billable())
	assert.True(t, (&Subscription{Status: StatusActive}).Billable())
	assert.False(t, (&Subscription{Status: StatusPastDue}).Billable())
	assert.False(t, (&Subscription{Status: StatusCancelled}).Billable())
}
