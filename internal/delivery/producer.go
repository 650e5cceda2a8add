package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer publishes canonical envelopes to the message bus, keyed by
// entry id.
type Producer interface {
	Produce(ctx context.Context, key, value []byte) (producedAt time.Time, err error)
	Close() error
}

// KafkaProducerConfig configures the Kafka producer.
type KafkaProducerConfig struct {
	Brokers []string
	Topic   string

	// MaxAttempts bounds produce retries. Defaults to 3.
	MaxAttempts int

	// WriteTimeout bounds each write attempt. Defaults to 5s.
	WriteTimeout time.Duration
}

// KafkaProducer wraps a kafka-go Writer with retry semantics. The hash
// balancer routes all messages with the same key to one partition, so
// per-entry ordering holds wherever the bus preserves partition order.
type KafkaProducer struct {
	writer      *kafka.Writer
	maxAttempts int
}

// NewKafkaProducer constructs a KafkaProducer.
func NewKafkaProducer(cfg KafkaProducerConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaProducer{writer: w, maxAttempts: cfg.MaxAttempts}, nil
}

// Produce implements Producer.
func (p *KafkaProducer) Produce(ctx context.Context, key, value []byte) (time.Time, error) {
	var lastErr error
	backoff := 100 * time.Millisecond

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		msg := kafka.Message{
			Key:   key,
			Value: value,
			Time:  time.Now().UTC(),
		}
		if err := p.writer.WriteMessages(ctx, msg); err == nil {
			return msg.Time, nil
		} else {
			lastErr = err
		}

		if attempt < p.maxAttempts {
			select {
			case <-ctx.Done():
				return time.Time{}, ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 2*time.Second {
				backoff *= 2
			}
		}
	}
	return time.Time{}, fmt.Errorf("produce failed after %d attempts: %w", p.maxAttempts, lastErr)
}

// Close implements Producer.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}
