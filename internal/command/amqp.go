package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/smukkama/fieldmesh/internal/model"
)

// AMQPConfig configures the RabbitMQ command transport
type AMQPConfig struct {
	URL      string
	Exchange string // topic exchange, routing key device.<id>
}

// amqpPublisher is the slice of *amqp.Channel the transport needs
type amqpPublisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPTransport publishes commands to a durable topic exchange
type AMQPTransport struct {
	publisher amqpPublisher
	conn      *amqp.Connection
	exchange  string
	logger    zerolog.Logger
}

// NewAMQPTransport dials the broker and declares the command exchange
func NewAMQPTransport(cfg AMQPConfig, logger zerolog.Logger) (*AMQPTransport, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}

	t := newAMQPTransport(ch, cfg, logger)
	if err := ch.ExchangeDeclare(
		t.exchange, // name
		"topic",    // kind
		true,       // durable
		false,      // delete when unused
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", t.exchange, err)
	}

	t.conn = conn
	logger.Info().Str("exchange", t.exchange).Msg("connected to amqp broker")
	return t, nil
}

func newAMQPTransport(publisher amqpPublisher, cfg AMQPConfig, logger zerolog.Logger) *AMQPTransport {
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "fieldmesh.commands"
	}
	return &AMQPTransport{publisher: publisher, exchange: exchange, logger: logger}
}

// RoutingKey returns the routing key of a device
func (t *AMQPTransport) RoutingKey(deviceID string) string {
	return "device." + deviceID
}

// Deliver publishes the command as a persistent message
func (t *AMQPTransport) Deliver(ctx context.Context, commandID string, cmd model.DeviceCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now()
	body, err := json.Marshal(commandMessage{
		CommandID:  commandID,
		Command:    cmd.Command,
		Parameters: cmd.Parameters,
		Priority:   string(cmd.Priority),
		SentAt:     now,
	})
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}

	err = t.publisher.Publish(t.exchange, t.RoutingKey(cmd.DeviceID), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     amqpPriority(cmd.Priority),
		MessageId:    commandID,
		Timestamp:    now,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish command: %w", err)
	}
	return nil
}

// Close disconnects from the broker
func (t *AMQPTransport) Close() {
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			t.logger.Warn().Err(err).Msg("failed to close amqp connection")
			return
		}
		t.logger.Info().Msg("disconnected from amqp broker")
	}
}

func amqpPriority(p model.CommandPriority) uint8 {
	switch p {
	case model.PriorityCritical:
		return 9
	case model.PriorityHigh:
		return 6
	case model.PriorityLow:
		return 1
	default:
		return 3
	}
}
