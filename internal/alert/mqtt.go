package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"collicam/internal/pipeline"
)

// MQTTConfig holds broker settings for the MQTT alerter
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// Publisher is the subset of mqtt.Client used by the alerter
type Publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// CollisionMessage is the JSON payload published per collision
type CollisionMessage struct {
	Source  string    `json:"source"`
	Classes []string  `json:"classes"`
	At      time.Time `json:"at"`
}

// MQTTAlerter publishes collisions to a broker topic. Publishing does not
// wait for the broker acknowledgement.
type MQTTAlerter struct {
	client Publisher
	topic  string
	qos    byte
	logger *zap.Logger
}

// NewMQTTAlerter creates a new MQTT alerter over an existing client
func NewMQTTAlerter(client Publisher, topic string, qos byte, logger *zap.Logger) *MQTTAlerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTAlerter{client: client, topic: topic, qos: qos, logger: logger.Named("mqtt")}
}

var _ pipeline.Alerter = (*MQTTAlerter)(nil)

func (a *MQTTAlerter) Alert(ctx context.Context, event pipeline.CollisionEvent) error {
	if a.client == nil {
		return ErrAlertUnsupported
	}
	if !a.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(CollisionMessage{
		Source:  event.Source,
		Classes: event.Classes(),
		At:      event.At,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal collision: %w", err)
	}

	token := a.client.Publish(a.topic, a.qos, false, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			a.logger.Warn("publish timeout", zap.String("topic", a.topic))
			return
		}
		if err := token.Error(); err != nil {
			a.logger.Warn("publish failed", zap.String("topic", a.topic), zap.Error(err))
		}
	}()
	return nil
}

// ConnectMQTT dials the broker with auto-reconnect enabled
func ConnectMQTT(cfg MQTTConfig, logger *zap.Logger) (mqtt.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(c mqtt.Client) {
		logger.Info("mqtt connection established", zap.String("broker", cfg.Broker))
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", zap.String("broker", cfg.Broker), zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}
