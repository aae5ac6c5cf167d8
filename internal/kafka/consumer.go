package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is the handler's view of a record.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Partition int32
	Offset    int64
	Timestamp time.Time
	Headers   map[string]string
}

// EventType is the notification type stamped by the outbox relay.
func (m *Message) EventType() string {
	return m.Headers[HeaderEventType]
}

func newMessage(r *kgo.Record) *Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &Message{
		Topic:     r.Topic,
		Key:       r.Key,
		Value:     r.Value,
		Partition: r.Partition,
		Offset:    r.Offset,
		Timestamp: r.Timestamp,
		Headers:   headers,
	}
}

// Handler processes one message. A returned error is retried unless it wraps
// ErrSkipRetry.
type Handler func(ctx context.Context, msg *Message) error

var ErrSkipRetry = errors.New("do not retry")

// DeadLetter receives messages whose handler kept failing.
type DeadLetter func(ctx context.Context, msg *Message, err error)

type Consumer struct {
	client *kgo.Client
	cfg    *Config
	logger *zerolog.Logger
	dlq    DeadLetter
}

func NewConsumer(cfg *Config, group, topic string, logger *zerolog.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.Heartbeat),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	l := logger.With().Str("component", "kafka-consumer").Str("topic", topic).Str("group", group).Logger()
	return &Consumer{client: client, cfg: cfg, logger: &l}, nil
}

// OnDeadLetter sets the handler for messages that exhausted their retries.
func (c *Consumer) OnDeadLetter(dlq DeadLetter) {
	c.dlq = dlq
}

// Run polls until ctx is cancelled. Offsets are committed per batch, and only
// when every record of the batch was handled or dead-lettered; a batch cut
// short by shutdown is redelivered to the next consumer.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	for {
		fetches := c.client.PollRecords(ctx, c.cfg.MaxPollRecords)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			c.client.AllowRebalance()
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Warn().Err(err).Int32("partition", partition).Msg("Fetch error")
		})

		complete := true
		fetches.EachRecord(func(record *kgo.Record) {
			if !complete {
				return
			}
			msg := newMessage(record)
			err := c.process(ctx, handler, msg)
			switch {
			case err == nil:
			case ctx.Err() != nil:
				complete = false
			default:
				c.logger.Error().Err(err).
					Int32("partition", msg.Partition).
					Int64("offset", msg.Offset).
					Str("event_type", msg.EventType()).
					Msg("Giving up on message")
				if c.dlq != nil {
					c.dlq(ctx, msg, err)
				}
			}
		})

		if complete {
			if err := c.client.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("Failed to commit offsets")
			}
		}
		c.client.AllowRebalance()
	}
}

func (c *Consumer) process(ctx context.Context, handler Handler, msg *Message) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.Backoff(attempt)):
			}
		}

		err := handler(ctx, msg)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrSkipRetry) {
			return err
		}
		lastErr = err
		c.logger.Warn().Err(err).Int("attempt", attempt+1).Int64("offset", msg.Offset).Msg("Handler failed, will retry")
	}
	return fmt.Errorf("retries exhausted: %w", lastErr)
}

func (c *Consumer) Close() {
	c.client.Close()
}
