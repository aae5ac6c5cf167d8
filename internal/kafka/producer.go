package kafka

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

type Producer struct {
	client *kgo.Client
	logger *zerolog.Logger
}

// NewProducer returns a synchronous producer. Records with the same key (the
// reservation id) land on the same partition, so a reservation's
// notifications stay ordered.
func NewProducer(cfg *Config, logger *zerolog.Logger) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(cfg.RequiredAcks),
		kgo.ProduceRequestTimeout(cfg.ProduceTimeout),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	l := logger.With().Str("component", "kafka-producer").Logger()
	return &Producer{client: client, logger: &l}, nil
}

func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte) error {
	return p.PublishWithHeaders(ctx, topic, key, value, nil)
}

// PublishWithHeaders blocks until the record is acknowledged.
func (p *Producer) PublishWithHeaders(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	record := &kgo.Record{Topic: topic, Key: key, Value: value}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return p.client.ProduceSync(ctx, record).FirstErr()
}

// DeadLetter republishes msg to TopicDLQ, keeping its headers and adding the
// source topic and the failure.
func (p *Producer) DeadLetter(ctx context.Context, msg *Message, cause error) {
	headers := make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderSource] = msg.Topic
	headers[HeaderError] = cause.Error()

	log := p.logger.With().
		Str("source_topic", msg.Topic).
		Int64("offset", msg.Offset).
		Str("outbox_id", msg.Headers[HeaderOutboxID]).
		Logger()

	if err := p.PublishWithHeaders(ctx, TopicDLQ, msg.Key, msg.Value, headers); err != nil {
		log.Error().Err(err).Msg("Failed to publish to DLQ")
		return
	}
	log.Warn().Msg("Message moved to DLQ")
}

func (p *Producer) Close() {
	p.client.Flush(context.Background())
	p.client.Close()
}
