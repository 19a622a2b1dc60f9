package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/ricesearch/rice-eval/internal/pkg/errors"
)

// KafkaBus publishes events to Kafka. It is publish-only: evaluation results
// are consumed by other services.
type KafkaBus struct {
	config   KafkaConfig
	producer sarama.SyncProducer

	mu     sync.RWMutex
	closed bool
}

// KafkaConfig holds Kafka connection settings.
type KafkaConfig struct {
	Brokers     []string      // Kafka broker addresses
	ClientID    string        // Client identifier
	Version     string        // Kafka version (e.g., "2.8.0")
	TopicPrefix string        // Prepended to every topic as "<prefix>.<topic>"
	Timeout     time.Duration // Network timeout (default: 10s)
}

func (cfg *KafkaConfig) setDefaults() {
	if cfg.ClientID == "" {
		cfg.ClientID = "rice-eval"
	}
	if cfg.Version == "" {
		cfg.Version = "2.8.0"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
}

// saramaConfig builds the producer configuration.
func (cfg KafkaConfig) saramaConfig() (*sarama.Config, error) {
	version, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, errors.Wrap(errors.CodeConfiguration, "invalid kafka version", err)
	}

	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Version = version
	kafkaConfig.ClientID = cfg.ClientID
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Return.Errors = true
	kafkaConfig.Producer.Retry.Max = 0
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Net.DialTimeout = cfg.Timeout
	kafkaConfig.Net.ReadTimeout = cfg.Timeout
	kafkaConfig.Net.WriteTimeout = cfg.Timeout
	return kafkaConfig, nil
}

// NewKafkaBus connects a synchronous producer to the brokers.
func NewKafkaBus(cfg KafkaConfig) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.ConfigurationError("kafka brokers cannot be empty")
	}
	cfg.setDefaults()

	kafkaConfig, err := cfg.saramaConfig()
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, errors.ServiceUnavailableError("kafka", err)
	}

	return newKafkaBusWithProducer(cfg, producer), nil
}

func newKafkaBusWithProducer(cfg KafkaConfig, producer sarama.SyncProducer) *KafkaBus {
	cfg.setDefaults()
	return &KafkaBus{
		config:   cfg,
		producer: producer,
	}
}

// Topic returns the Kafka topic name for a bus topic.
func (b *KafkaBus) Topic(topic string) string {
	if b.config.TopicPrefix == "" {
		return topic
	}
	return b.config.TopicPrefix + "." + topic
}

// Publish publishes an event to a Kafka topic.
func (b *KafkaBus) Publish(ctx context.Context, topic string, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Serialize event to JSON
	data, err := json.Marshal(event)
	if err != nil {
		return errors.InternalError("failed to marshal event", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: b.Topic(topic),
		Value: sarama.ByteEncoder(data),
		Key:   sarama.StringEncoder(event.CorrelationID), // keep a run on one partition
	}

	if event.CorrelationID != "" {
		msg.Headers = []sarama.RecordHeader{
			{
				Key:   []byte("correlation_id"),
				Value: []byte(event.CorrelationID),
			},
		}
	}

	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return errors.ServiceUnavailableError("kafka", err).WithDetail("topic", msg.Topic)
	}

	return nil
}

// Subscribe is not supported by the publish-only Kafka bus.
func (b *KafkaBus) Subscribe(context.Context, string, Handler) error {
	return errors.ValidationError("kafka bus is publish-only")
}

// Close closes the producer. It is safe to call more than once.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if err := b.producer.Close(); err != nil {
		return errors.InternalError(fmt.Sprintf("close producer: %v", err), err)
	}
	return nil
}
