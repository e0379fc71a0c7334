// Package brokertest captures published events for assertions in tests.
package brokertest

import (
	"context"
	"sync"

	"github.com/shiftwise/billing/broker"
)

// Recorder is an in-memory broker.Publisher
type Recorder struct {
	mu     sync.Mutex
	events []*broker.Event
	Err    error
}

var _ broker.Publisher = (*Recorder)(nil)

func (r *Recorder) Publish(ctx context.Context, e *broker.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() {}

// OfType returns the recorded events with the given type, in publish order
func (r *Recorder) OfType(eventType string) []*broker.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*broker.Event, 0, len(r.events))
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
