package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
)

// Producer is the subset of Kafka behaviour the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key, value []byte) (producedAt time.Time, err error)
	Close() error
}

type KafkaProducerConfig struct {
	Brokers []string
	Topic   string
	// MaxAttempts defaults to 3.
	MaxAttempts int
	// WriteTimeout is per attempt and defaults to 10s.
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes completed audit entries, keyed by entry id so all
// records of one entry land on the same partition.
type KafkaProducer struct {
	writer       messageWriter
	maxAttempts  int
	writeTimeout time.Duration
}

func NewKafkaProducer(cfg KafkaProducerConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return newKafkaProducer(w, cfg), nil
}

func newKafkaProducer(w messageWriter, cfg KafkaProducerConfig) *KafkaProducer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &KafkaProducer{writer: w, maxAttempts: cfg.MaxAttempts, writeTimeout: cfg.WriteTimeout}
}

func (p *KafkaProducer) Produce(ctx context.Context, key, value []byte) (time.Time, error) {
	msg := kafka.Message{Key: key, Value: value}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	var producedAt time.Time
	attempt := func() error {
		msg.Time = time.Now().UTC()
		actx, cancel := context.WithTimeout(ctx, p.writeTimeout)
		defer cancel()
		if err := p.writer.WriteMessages(actx, msg); err != nil {
			return err
		}
		producedAt = msg.Time
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.maxAttempts-1)), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return time.Time{}, fmt.Errorf("produce failed after %d attempts: %w", p.maxAttempts, err)
	}
	return producedAt, nil
}

func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
