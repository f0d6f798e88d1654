package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/opensource-finance/fieldgate/internal/domain"
)

// KafkaSink publishes raw payloads to Kafka. The record key is the tenant id,
// so one tenant's readings stay ordered within a partition.
type KafkaSink struct {
	client   sarama.Client
	producer sarama.SyncProducer
	prefix   string

	mu     sync.Mutex
	closed bool
}

// NewKafkaSink connects a synchronous producer to cfg.KafkaBrokers.
func NewKafkaSink(cfg domain.EventBusConfig) (*KafkaSink, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, domain.NewError(domain.KindValidation, "kafka sink", "at least one broker is required")
	}

	config := sarama.NewConfig()
	config.ClientID = cfg.KafkaClientID
	if config.ClientID == "" {
		config.ClientID = "fieldgate"
	}
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Retry.Backoff = 250 * time.Millisecond
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	client, err := sarama.NewClient(cfg.KafkaBrokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to kafka: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	slog.Info("kafka sink connected", "brokers", cfg.KafkaBrokers)
	sink := newKafkaSink(producer, cfg.KafkaTopicPrefix)
	sink.client = client
	return sink, nil
}

func newKafkaSink(producer sarama.SyncProducer, prefix string) *KafkaSink {
	if prefix == "" {
		prefix = "fieldgate"
	}
	return &KafkaSink{producer: producer, prefix: prefix}
}

// KafkaTopic returns the Kafka topic for an event topic.
func (k *KafkaSink) KafkaTopic(topic string) string {
	return k.prefix + "." + topic
}

// Publish sends payload and waits for the broker acknowledgement.
func (k *KafkaSink) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return errClosed
	}

	msg := &sarama.ProducerMessage{
		Topic: k.KafkaTopic(topic),
		Key:   sarama.StringEncoder(tenantID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("tenant_id"), Value: []byte(tenantID)},
		},
		Timestamp: time.Now(),
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// Ping refreshes cluster metadata when a client is attached.
func (k *KafkaSink) Ping(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errClosed
	}
	if k.client == nil {
		return nil
	}
	if k.client.Closed() {
		return fmt.Errorf("kafka client closed")
	}
	return k.client.RefreshMetadata()
}

// Close closes the producer and its client.
func (k *KafkaSink) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true

	err := k.producer.Close()
	if k.client != nil && !k.client.Closed() {
		if cerr := k.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
