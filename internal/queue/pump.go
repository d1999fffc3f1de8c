package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/smukkama/fieldmesh/internal/model"
	"github.com/smukkama/fieldmesh/internal/protocol"
)

// MessageSource yields messages and accepts offset commits. Consumer satisfies it.
type MessageSource interface {
	Consume(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

// Ingester accepts readings
type Ingester interface {
	IngestReading(ctx context.Context, reading model.SensorReading)
}

// ReadingPump feeds readings from a Kafka topic into the engine. An offset
// is committed once its reading has been handed to ingestion, or when the
// message cannot be decoded so a poison message never blocks the partition.
type ReadingPump struct {
	source   MessageSource
	ingester Ingester
	logger   zerolog.Logger
	backoff  time.Duration
	stopCh   chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	ingested uint64
	invalid  uint64
}

// NewReadingPump creates a pump
func NewReadingPump(source MessageSource, ingester Ingester, logger zerolog.Logger) *ReadingPump {
	return &ReadingPump{
		source:   source,
		ingester: ingester,
		logger:   logger,
		backoff:  time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins consuming in the background
func (p *ReadingPump) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		go func() {
			select {
			case <-p.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		p.run(ctx)
	}()
}

// Stop halts consumption and waits for the in-flight message
func (p *ReadingPump) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *ReadingPump) run(ctx context.Context) {
	for {
		msg, err := p.source.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Warn().Err(err).Msg("reading consumer error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.backoff):
			}
			continue
		}

		p.process(ctx, msg)

		if err := p.source.Commit(ctx, msg); err != nil {
			p.logger.Warn().Err(err).Int("partition", msg.Partition).Int64("offset", msg.Offset).
				Msg("failed to commit offset")
		}
	}
}

func (p *ReadingPump) process(ctx context.Context, msg kafka.Message) {
	env, err := protocol.DecodeReadingEnvelope(msg.Value)
	if err == nil {
		var reading model.SensorReading
		if reading, err = env.Data.ToReading(env.DeviceID); err == nil {
			p.ingester.IngestReading(ctx, reading)
			p.mu.Lock()
			p.ingested++
			p.mu.Unlock()
			return
		}
	}

	p.logger.Warn().Err(err).Int("partition", msg.Partition).Int64("offset", msg.Offset).
		Msg("skipping undecodable reading")
	p.mu.Lock()
	p.invalid++
	p.mu.Unlock()
}

// Stats returns statistics about the pump
func (p *ReadingPump) Stats() PumpStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PumpStats{Ingested: p.ingested, Invalid: p.invalid}
}

// PumpStats contains statistics about the pump
type PumpStats struct {
	Ingested uint64
	Invalid  uint64
}
