package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig configures the Kafka/Redpanda backend (grounded on
// ws/kafka/consumer.go's ConsumerConfig shape, adapted from consuming
// topics to producing to them).
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

func (c KafkaConfig) withDefaults() KafkaConfig {
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// KafkaBackend publishes to a single Kafka/Redpanda topic, using the event
// channel as the record key so consumers can partition/filter by channel.
type KafkaBackend struct {
	client  *kgo.Client
	topic   string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewKafkaBackend builds a franz-go producer client over the given brokers,
// the same client construction the teacher's consumer.go uses minus the
// consumer-group/topic-subscription options.
func NewKafkaBackend(cfg KafkaConfig, logger zerolog.Logger) (*KafkaBackend, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("eventbus: at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("eventbus: a Kafka topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchMaxBytes(1024*1024),
	)
	if err != nil {
		return nil, fmt.Errorf("eventbus: new kafka client: %w", err)
	}

	return &KafkaBackend{
		client:  client,
		topic:   cfg.Topic,
		timeout: cfg.WriteTimeout,
		logger:  logger.With().Str("component", "eventbus-kafka").Logger(),
	}, nil
}

// Send produces body, keyed by channel, to the configured topic.
func (b *KafkaBackend) Send(channel string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	record := &kgo.Record{
		Topic: b.topic,
		Key:   []byte(channel),
		Value: body,
	}

	result := b.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("eventbus: kafka produce to %s: %w", b.topic, err)
	}
	return nil
}

// Close flushes pending records and closes the client.
func (b *KafkaBackend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.client.Flush(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("flush before close failed")
	}
	b.client.Close()
	return nil
}
