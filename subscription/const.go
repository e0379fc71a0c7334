package subscription

// Status is the custom type to define the current state of a subscription
type Status string

// Defining different Statuses for a Subscription
const (
	StatusTrial      Status = "trial"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusUnpaid     Status = "unpaid"
	StatusCancelled  Status = "cancelled"
	StatusIncomplete Status = "incomplete"
)

var transitions = map[Status][]Status{
	StatusTrial:      {StatusActive, StatusCancelled},
	StatusActive:     {StatusPastDue, StatusCancelled},
	StatusPastDue:    {StatusActive, StatusUnpaid, StatusCancelled},
	StatusIncomplete: {StatusActive, StatusCancelled},
}

// CanTransition reports whether moving from one status to another is legal
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal statuses never change again
func (s Status) Terminal() bool {
	return s == StatusUnpaid || s == StatusCancelled
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusTrial, StatusActive, StatusPastDue, StatusUnpaid, StatusCancelled, StatusIncomplete:
		return true
	}
	return false
}
