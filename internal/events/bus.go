// Package events is the engine's in-process publish/subscribe bus.
//
// Delivery is synchronous in the publisher's goroutine, in subscription
// order. Handlers that do I/O must hand off to their own goroutine (see
// queue.EventForwarder). A panicking handler is recovered and logged.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Topic names an event stream
type Topic string

const (
	TopicDeviceRegistered      Topic = "device.registered"
	TopicDeviceOffline         Topic = "device.offline"
	TopicDeviceAlert           Topic = "device.alert"
	TopicDeviceCommandSent     Topic = "device.command_sent"
	TopicDeviceCommandExecuted Topic = "device.command_executed"
	TopicSensorReading         Topic = "sensor.reading"
	TopicAutomationExecuted    Topic = "automation.executed"
)

// AllTopics lists every topic the engine produces
var AllTopics = []Topic{
	TopicDeviceRegistered,
	TopicDeviceOffline,
	TopicDeviceAlert,
	TopicDeviceCommandSent,
	TopicDeviceCommandExecuted,
	TopicSensorReading,
	TopicAutomationExecuted,
}

// Event is delivered to subscribers
type Event struct {
	Topic     Topic
	Timestamp time.Time
	Payload   interface{}
}

// Handler receives events
type Handler func(Event)

// Publisher is the producer-side view of the bus
type Publisher interface {
	Publish(topic Topic, payload interface{})
}

type subscriber struct {
	id      string
	topic   Topic // empty for wildcard
	handler Handler
}

// Bus is a topic-routed publish/subscribe channel
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool
	logger zerolog.Logger
	now    func() time.Time
}

// NewBus creates an empty bus
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger, now: time.Now}
}

// Subscription is returned by Subscribe and detaches the handler when unsubscribed
type Subscription struct {
	bus  *Bus
	id   string
	once sync.Once
}

// Unsubscribe detaches the handler; calling it more than once is a no-op
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s.id)
	})
}

// Subscribe registers handler for topic
func (b *Bus) Subscribe(topic Topic, handler Handler) *Subscription {
	return b.add(topic, handler)
}

// SubscribeAll registers handler for every topic
func (b *Bus) SubscribeAll(handler Handler) *Subscription {
	return b.add("", handler)
}

func (b *Bus) add(topic Topic, handler Handler) *Subscription {
	sub := &subscriber{id: uuid.New().String(), topic: topic, handler: handler}

	b.mu.Lock()
	if !b.closed {
		b.subs = append(b.subs, sub)
	}
	b.mu.Unlock()

	return &Subscription{bus: b, id: sub.id}
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers payload to every subscriber of topic. Publishing on a
// closed bus is a no-op.
func (b *Bus) Publish(topic Topic, payload interface{}) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.topic == "" || sub.topic == topic {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	evt := Event{Topic: topic, Timestamp: b.now(), Payload: payload}
	for _, sub := range targets {
		b.deliver(sub, evt)
	}
}

func (b *Bus) deliver(sub *subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("topic", string(evt.Topic)).Msg("event handler panicked")
		}
	}()
	sub.handler(evt)
}

// SubscriberCount returns the number of attached handlers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches every subscription and rejects further publishes and subscriptions
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
}
