package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pmqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/smukkama/fieldmesh/internal/model"
)

// MQTTConfig holds the MQTT command channel settings
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	PublishTimeout time.Duration
}

// mqttPublisher is the slice of pmqtt.Client the transport needs
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pmqtt.Token
}

// MQTTTransport publishes commands as JSON to <prefix>/<deviceID>/commands
type MQTTTransport struct {
	publisher mqttPublisher
	client    pmqtt.Client
	prefix    string
	qos       byte
	timeout   time.Duration
	logger    zerolog.Logger
}

// commandMessage is the payload a device receives
type commandMessage struct {
	CommandID  string                 `json:"command_id"`
	Command    string                 `json:"command"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Priority   string                 `json:"priority"`
	SentAt     time.Time              `json:"sent_at"`
}

// NewMQTTTransport connects to the broker and returns a ready transport
func NewMQTTTransport(cfg MQTTConfig, logger zerolog.Logger) (*MQTTTransport, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "fieldmesh-" + uuid.NewString()
	}

	opts := pmqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(pmqtt.Client) {
			logger.Info().Str("broker", cfg.Broker).Msg("connected to mqtt broker")
		}).
		SetConnectionLostHandler(func(_ pmqtt.Client, err error) {
			logger.Warn().Err(err).Msg("mqtt connection lost")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}

	client := pmqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: %w", cfg.Broker, token.Error())
	}

	t := newMQTTTransport(client, cfg, logger)
	t.client = client
	return t, nil
}

func newMQTTTransport(publisher mqttPublisher, cfg MQTTConfig, logger zerolog.Logger) *MQTTTransport {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "fieldmesh/devices"
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MQTTTransport{
		publisher: publisher,
		prefix:    prefix,
		qos:       cfg.QoS,
		timeout:   timeout,
		logger:    logger,
	}
}

// Topic returns the command topic of a device
func (t *MQTTTransport) Topic(deviceID string) string {
	return fmt.Sprintf("%s/%s/commands", t.prefix, deviceID)
}

// Deliver publishes the command and waits for the broker to acknowledge it
func (t *MQTTTransport) Deliver(ctx context.Context, commandID string, cmd model.DeviceCommand) error {
	payload, err := json.Marshal(commandMessage{
		CommandID:  commandID,
		Command:    cmd.Command,
		Parameters: cmd.Parameters,
		Priority:   string(cmd.Priority),
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	topic := t.Topic(cmd.DeviceID)
	token := t.publisher.Publish(topic, t.qos, false, payload)

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("publish to %s: %w", topic, errPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	t.logger.Debug().Str("topic", topic).Str("command_id", commandID).Msg("command published")
	return nil
}

var errPublishTimeout = errors.New("mqtt publish timed out")

// Close disconnects from the broker
func (t *MQTTTransport) Close() {
	if t.client != nil {
		t.client.Disconnect(250)
		t.logger.Info().Msg("disconnected from mqtt broker")
	}
}
