package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/smukkama/fieldmesh/internal/events"
	"github.com/smukkama/fieldmesh/internal/metrics"
	"github.com/smukkama/fieldmesh/internal/model"
	"github.com/smukkama/fieldmesh/internal/protocol"
)

// BatchPublisher writes messages to a topic. Producer satisfies it.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, messages []kafka.Message) error
}

// ForwarderConfig tunes the event forwarder
type ForwarderConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	Topics        []events.Topic // empty means every topic
}

// EventForwarder copies bus events to Kafka. Publishing on the bus never
// blocks on Kafka: events are buffered and dropped when the buffer is full.
type EventForwarder struct {
	publisher BatchPublisher
	cfg       ForwarderConfig
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	events chan events.Event
	subs   []*events.Subscription
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	mu      sync.Mutex
	dropped uint64
	sent    uint64
}

// NewEventForwarder creates a forwarder. m may be nil.
func NewEventForwarder(publisher BatchPublisher, cfg ForwarderConfig, m *metrics.Metrics, logger zerolog.Logger) *EventForwarder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &EventForwarder{
		publisher: publisher,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		events:    make(chan events.Event, cfg.BufferSize),
		stopCh:    make(chan struct{}),
	}
}

// Attach subscribes the forwarder to bus and starts the flush loop
func (f *EventForwarder) Attach(ctx context.Context, bus *events.Bus) {
	if len(f.cfg.Topics) == 0 {
		f.subs = append(f.subs, bus.SubscribeAll(f.enqueue))
	} else {
		for _, topic := range f.cfg.Topics {
			f.subs = append(f.subs, bus.Subscribe(topic, f.enqueue))
		}
	}

	f.wg.Add(1)
	go f.run(ctx)
}

func (f *EventForwarder) enqueue(evt events.Event) {
	select {
	case f.events <- evt:
	default:
		f.mu.Lock()
		f.dropped++
		f.mu.Unlock()
		f.metrics.EventsForwardedN("dropped", 1)
	}
}

// Stop detaches from the bus, flushes what is buffered and waits
func (f *EventForwarder) Stop() {
	f.once.Do(func() {
		for _, sub := range f.subs {
			sub.Unsubscribe()
		}
		close(f.stopCh)
	})
	f.wg.Wait()
}

func (f *EventForwarder) run(ctx context.Context) {
	defer f.wg.Done()

	var batch []kafka.Message
	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()

	add := func(evt events.Event) {
		if msg, ok := f.encode(evt); ok {
			batch = append(batch, msg)
		}
		if len(batch) >= f.cfg.BatchSize {
			f.flush(ctx, batch)
			batch = nil
		}
	}

	for {
		select {
		case <-f.stopCh:
			for {
				select {
				case evt := <-f.events:
					add(evt)
				default:
					// ctx may already be canceled on shutdown
					f.flush(context.Background(), batch)
					return
				}
			}

		case <-ctx.Done():
			f.flush(context.Background(), batch)
			return

		case <-ticker.C:
			f.flush(ctx, batch)
			batch = nil

		case evt := <-f.events:
			add(evt)
		}
	}
}

func (f *EventForwarder) encode(evt events.Event) (kafka.Message, bool) {
	env, err := protocol.NewEventEnvelope(evt)
	if err == nil {
		var value []byte
		if value, err = protocol.EncodeEventEnvelope(env); err == nil {
			return kafka.Message{Key: []byte(eventKey(evt)), Value: value, Time: evt.Timestamp}, true
		}
	}
	f.logger.Warn().Err(err).Str("topic", string(evt.Topic)).Msg("failed to encode event")
	f.metrics.EventsForwardedN("invalid", 1)
	return kafka.Message{}, false
}

// eventKey partitions events by the device they concern
func eventKey(evt events.Event) string {
	switch p := evt.Payload.(type) {
	case model.Device:
		return p.ID
	case model.SensorReading:
		return p.DeviceID
	case model.Alert:
		return p.DeviceID
	case events.DeviceOffline:
		return p.DeviceID
	case events.CommandEvent:
		return p.Command.DeviceID
	case events.AutomationExecuted:
		if p.DeviceID != "" {
			return p.DeviceID
		}
		return p.AutomationID
	default:
		return string(evt.Topic)
	}
}

func (f *EventForwarder) flush(ctx context.Context, batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}

	if err := f.publisher.PublishBatch(ctx, batch); err != nil {
		f.logger.Error().Err(err).Int("count", len(batch)).Msg("failed to forward events")
		f.metrics.EventsForwardedN("failed", len(batch))
		return
	}

	f.mu.Lock()
	f.sent += uint64(len(batch))
	f.mu.Unlock()
	f.metrics.EventsForwardedN("sent", len(batch))
	f.logger.Debug().Int("count", len(batch)).Msg("forwarded events")
}

// Stats returns statistics about the forwarder
func (f *EventForwarder) Stats() ForwarderStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ForwarderStats{Sent: f.sent, Dropped: f.dropped, Buffered: len(f.events)}
}

// ForwarderStats contains statistics about the forwarder
type ForwarderStats struct {
	Sent     uint64
	Dropped  uint64
	Buffered int
}
