// Package eventstest records bus traffic for assertions in tests.
package eventstest

import (
	"sync"

	"github.com/smukkama/fieldmesh/internal/events"
)

// Recorder captures every event published on a bus
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
	sub    *events.Subscription
}

// NewRecorder subscribes a recorder to all topics on bus
func NewRecorder(bus *events.Bus) *Recorder {
	r := &Recorder{}
	r.sub = bus.SubscribeAll(func(evt events.Event) {
		r.mu.Lock()
		r.events = append(r.events, evt)
		r.mu.Unlock()
	})
	return r
}

// Events returns a copy of the captured events for topic, or all events when topic is empty
func (r *Recorder) Events(topic events.Topic) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []events.Event
	for _, evt := range r.events {
		if topic == "" || evt.Topic == topic {
			out = append(out, evt)
		}
	}
	return out
}

// Count returns the number of captured events for topic
func (r *Recorder) Count(topic events.Topic) int {
	return len(r.Events(topic))
}

// Reset drops everything captured so far
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// Stop detaches the recorder from the bus
func (r *Recorder) Stop() {
	r.sub.Unsubscribe()
}
