package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/something1703/Nexus-Zero/internal/agentstate"
	"github.com/something1703/Nexus-Zero/internal/aggregator"
	"github.com/something1703/Nexus-Zero/internal/apperr"
	"github.com/something1703/Nexus-Zero/internal/logging"
	"github.com/something1703/Nexus-Zero/internal/models"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Processor interface {
	Process(ctx context.Context, actor string, ev models.ErrorEvent) (aggregator.IncidentRef, error)
}

// StateStore keeps the consumer's cursor between restarts.
type StateStore interface {
	Update(ctx context.Context, actor string, fn func(*agentstate.State)) (agentstate.State, error)
}

type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func NewKafkaReader(cfg ReaderConfig) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka consumer requires a topic")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	}), nil
}

type ConsumerConfig struct {
	// Actor names the consumer in the ledger and in agent state.
	Actor string
	// MaxAttempts bounds handling of one message, defaults to 5.
	MaxAttempts int
	// RetryInterval is the first backoff step, defaults to 100ms.
	RetryInterval time.Duration
}

// Consumer reads the error stream and commits each message once it has been
// handled. Delivery is at least once: a retried timeout may count an
// occurrence twice.
type Consumer struct {
	reader    MessageReader
	processor Processor
	state     StateStore
	cfg       ConsumerConfig
	logger    *zap.Logger
}

// NewConsumer wires a consumer. state may be nil.
func NewConsumer(reader MessageReader, processor Processor, state StateStore, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	if cfg.Actor == "" {
		cfg.Actor = "error-stream-consumer"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	return &Consumer{reader: reader, processor: processor, state: state, cfg: cfg, logger: logging.OrNop(logger)}
}

// Run consumes until ctx is done and then closes the reader.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("closing kafka reader", zap.Error(err))
		}
	}()
	c.logger.Info("error stream consumer started", zap.String("actor", c.cfg.Actor))
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch error event: %w", err)
		}
		c.handle(ctx, msg)
		if ctx.Err() != nil {
			return nil
		}
		c.saveCursor(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	fields := []zap.Field{
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	}
	var ev models.ErrorEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.logger.Warn("skipping undecodable error event", append(fields, zap.Error(err))...)
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInterval
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	var ref aggregator.IncidentRef
	attempt := func() error {
		r, err := c.processor.Process(ctx, c.cfg.Actor, ev)
		if err == nil {
			ref = r
			return nil
		}
		if permanent(err) {
			return backoff.Permanent(err)
		}
		c.logger.Debug("retrying error event", append(fields, zap.Error(err))...)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1)), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("dropping error event", append(fields, zap.String("service", ev.Service), zap.Error(err))...)
		return
	}
	c.logger.Debug("error event ingested", append(fields,
		zap.String("incident_id", ref.ID.String()),
		zap.Int("occurrences", ref.OccurrenceCount),
	)...)
}

// permanent errors are skipped rather than retried.
func permanent(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindNotFound, apperr.KindInvalidTransition:
		return true
	}
	return false
}

func (c *Consumer) saveCursor(ctx context.Context, msg kafka.Message) {
	if c.state == nil {
		return
	}
	now := time.Now().UTC()
	_, err := c.state.Update(ctx, c.cfg.Actor, func(st *agentstate.State) {
		st.Cursor = fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
		st.LastRunAt = &now
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("failed to save consumer cursor", zap.Error(err))
	}
}
