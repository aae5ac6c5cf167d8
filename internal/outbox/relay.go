// Package outbox moves committed outbox rows onto Kafka.
package outbox

import (
	"context"
	"strconv"
	"time"

	"github.com/Niiaks/Lodge/internal/kafka"
	"github.com/Niiaks/Lodge/internal/model"
	"github.com/Niiaks/Lodge/internal/notify"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	PublishWithHeaders(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

type Options struct {
	BatchSize  int
	Interval   time.Duration
	MaxRetries int
}

type Relay struct {
	db        *pgxpool.Pool
	publisher Publisher
	logger    *zerolog.Logger
	opts      Options
}

func NewRelay(db *pgxpool.Pool, publisher Publisher, logger *zerolog.Logger, opts Options) *Relay {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	l := logger.With().Str("component", "outbox-relay").Logger()
	return &Relay{
		db:        db,
		publisher: publisher,
		logger:    &l,
		opts:      opts,
	}
}

func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info().Dur("interval", r.opts.Interval).Int("batch_size", r.opts.BatchSize).Msg("Starting Outbox Relay")
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Stopping Outbox Relay")
			return nil
		case <-ticker.C:
			if err := r.processBatch(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("Failed to process batch")
			}
		}
	}
}

func (r *Relay) processBatch(ctx context.Context) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin outbox batch")
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, event_type, payload, partition_key, retry_count
		FROM outbox
		WHERE status = 'pending' AND available_at <= NOW()
		ORDER BY available_at ASC, id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, r.opts.BatchSize)
	if err != nil {
		return errors.Wrap(err, "select outbox batch")
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.OutboxEvent, error) {
		var e model.OutboxEvent
		err := row.Scan(&e.ID, &e.EventType, &e.Payload, &e.PartitionKey, &e.RetryCount)
		return e, err
	})
	if err != nil {
		return errors.Wrap(err, "scan outbox batch")
	}
	if len(events) == 0 {
		return nil
	}

	r.logger.Debug().Int("count", len(events)).Msg("Fetched outbox events")

	var processedIDs []int64
	for _, e := range events {
		topic := TopicFor(e.EventType)
		headers := map[string]string{
			kafka.HeaderEventType: e.EventType,
			kafka.HeaderOutboxID:  strconv.FormatInt(e.ID, 10),
		}

		if err := r.publisher.PublishWithHeaders(ctx, topic, []byte(e.PartitionKey), e.Payload, headers); err != nil {
			r.logger.Error().Err(err).Int64("event_id", e.ID).Str("event_type", e.EventType).Msg("Failed to publish event to Kafka")
			if err := r.markRetry(ctx, tx, e, err); err != nil {
				return err
			}
			continue
		}
		processedIDs = append(processedIDs, e.ID)
	}

	if len(processedIDs) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE outbox
			SET status = 'processed', updated_at = NOW()
			WHERE id = ANY($1)
		`, processedIDs); err != nil {
			return errors.Wrap(err, "mark outbox processed")
		}
	}

	return tx.Commit(ctx)
}

// markRetry pushes a failed row back with backoff, or gives up on it once it
// has failed MaxRetries times.
func (r *Relay) markRetry(ctx context.Context, tx pgx.Tx, e model.OutboxEvent, cause error) error {
	status := model.OutboxPending
	if e.RetryCount+1 >= r.opts.MaxRetries {
		status = model.OutboxFailed
		r.logger.Error().Int64("event_id", e.ID).Str("event_type", e.EventType).Msg("Outbox event abandoned after max retries")
	}

	_, err := tx.Exec(ctx, `
		UPDATE outbox
		SET retry_count = retry_count + 1,
		    last_error = $2,
		    status = $3,
		    available_at = NOW() + $4::interval,
		    updated_at = NOW()
		WHERE id = $1
	`, e.ID, cause.Error(), string(status), RetryDelay(e.RetryCount, r.opts.Interval).String())
	return errors.Wrap(err, "mark outbox retry")
}

// RetryDelay doubles base per previous failure, capped at five minutes.
func RetryDelay(retries int, base time.Duration) time.Duration {
	const maxDelay = 5 * time.Minute
	if retries > 16 {
		return maxDelay
	}
	d := base * time.Duration(1<<retries)
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// TopicFor routes an outbox event type to its Kafka topic. Unknown types go to
// the DLQ.
func TopicFor(eventType string) string {
	if notify.IsNotification(eventType) {
		return kafka.TopicNotifications
	}
	return kafka.TopicDLQ
}
