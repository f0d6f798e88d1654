package domain

import (
	"context"
)

// EventSink is where readings and alerts are forwarded. Every bus backend
// implements it.
type EventSink interface {
	// Publish sends a payload to a tenant-scoped topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// EventBus is an EventSink that also delivers messages to in-process
// subscribers. Supported by the channel and NATS backends.
type EventBus interface {
	EventSink

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event sink initialization.
type EventBusConfig struct {
	// Type is the backend: "channel", "nats", "kafka" or "mqtt"
	Type string `yaml:"type"`

	// Channel settings
	ChannelBufferSize int `yaml:"channelBufferSize"`

	// NATS settings
	NATSUrl           string `yaml:"natsUrl"`
	NATSToken         string `yaml:"natsToken"`
	NATSMaxReconnects int    `yaml:"natsMaxReconnects"`
	NATSReconnectWait int    `yaml:"natsReconnectWait"` // seconds

	// Kafka settings
	KafkaBrokers     []string `yaml:"kafkaBrokers"`
	KafkaTopicPrefix string   `yaml:"kafkaTopicPrefix"`
	KafkaClientID    string   `yaml:"kafkaClientId"`

	// MQTT settings
	MQTTBroker      string `yaml:"mqttBroker"`
	MQTTClientID    string `yaml:"mqttClientId"`
	MQTTUsername    string `yaml:"mqttUsername"`
	MQTTPassword    string `yaml:"mqttPassword"`
	MQTTQoS         byte   `yaml:"mqttQos"`
	MQTTTopicPrefix string `yaml:"mqttTopicPrefix"`
}
