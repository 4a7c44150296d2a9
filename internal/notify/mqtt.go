package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTPublisher is the subset of mqtt.Client the notifier needs.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
}

// MQTTNotifier publishes each event on TopicPrefix/<kind>.
type MQTTNotifier struct {
	client  MQTTPublisher
	prefix  string
	qos     byte
	timeout time.Duration
}

func NewMQTTNotifier(cfg MQTTConfig) (*MQTTNotifier, mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return NewMQTTNotifierWithClient(client, cfg), client, nil
}

func NewMQTTNotifierWithClient(client MQTTPublisher, cfg MQTTConfig) *MQTTNotifier {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "carelink/events"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &MQTTNotifier{client: client, prefix: cfg.TopicPrefix, qos: cfg.QoS, timeout: cfg.Timeout}
}

func (n *MQTTNotifier) Notify(_ context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	topic := n.prefix + "/" + string(event.Kind)
	token := n.client.Publish(topic, n.qos, false, payload)
	if !token.WaitTimeout(n.timeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}
