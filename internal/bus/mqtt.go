package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/opensource-finance/fieldgate/internal/domain"
)

const mqttPublishTimeout = 10 * time.Second

// MQTTSink publishes raw payloads to <prefix>/<tenant>/<topic>.
type MQTTSink struct {
	client mqtt.Client
	prefix string
	qos    byte
}

// NewMQTTSink connects to cfg.MQTTBroker with auto-reconnect enabled.
func NewMQTTSink(cfg domain.EventBusConfig) (*MQTTSink, error) {
	if cfg.MQTTBroker == "" {
		return nil, domain.NewError(domain.KindValidation, "mqtt sink", "broker url is required")
	}
	if cfg.MQTTQoS > 2 {
		return nil, domain.NewError(domain.KindValidation, "mqtt sink", "qos must be 0, 1 or 2").With("qos", cfg.MQTTQoS)
	}

	clientID := cfg.MQTTClientID
	if clientID == "" {
		clientID = "fieldgate"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTTBroker)
	opts.SetClientID(clientID)
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		r := c.OptionsReader()
		slog.Info("connected to MQTT broker", "client_id", r.ClientID())
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		r := c.OptionsReader()
		slog.Warn("MQTT connection lost", "client_id", r.ClientID(), "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(30*time.Second) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.MQTTBroker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return newMQTTSink(client, cfg.MQTTTopicPrefix, cfg.MQTTQoS), nil
}

func newMQTTSink(client mqtt.Client, prefix string, qos byte) *MQTTSink {
	if prefix == "" {
		prefix = "fieldgate"
	}
	return &MQTTSink{client: client, prefix: prefix, qos: qos}
}

// MQTTTopic returns the MQTT topic for a tenant topic.
func (m *MQTTSink) MQTTTopic(tenantID, topic string) string {
	return m.prefix + "/" + tenantID + "/" + topic
}

// Publish sends payload and waits for the QoS handshake.
func (m *MQTTSink) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	target := m.MQTTTopic(tenantID, topic)
	token := m.client.Publish(target, m.qos, false, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttPublishTimeout):
		return fmt.Errorf("mqtt publish to %s timed out", target)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", target, err)
	}
	return nil
}

// Ping reports whether the client is connected.
func (m *MQTTSink) Ping(ctx context.Context) error {
	if !m.client.IsConnectionOpen() {
		return fmt.Errorf("MQTT not connected")
	}
	return nil
}

// Close disconnects after letting in-flight work finish.
func (m *MQTTSink) Close() error {
	m.client.Disconnect(250)
	return nil
}
