package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Niiaks/Lodge/internal/kafka"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	processedNamespace = "notification"
	processedTTL       = 7 * 24 * time.Hour
)

// ProcessedStore is satisfied by *redis.Client.
type ProcessedStore interface {
	IsProcessed(ctx context.Context, namespace, id string) (bool, error)
	MarkProcessed(ctx context.Context, namespace, id string, ttl time.Duration) error
}

// Worker delivers notification events consumed from Kafka. Delivery is at
// least once; the processed marker suppresses most duplicates and the event id
// travels as the downstream idempotency key for the rest.
type Worker struct {
	dispatcher Dispatcher
	processed  ProcessedStore
	logger     *zerolog.Logger
}

func NewWorker(dispatcher Dispatcher, processed ProcessedStore, logger *zerolog.Logger) *Worker {
	l := logger.With().Str("component", "notification-worker").Logger()
	return &Worker{dispatcher: dispatcher, processed: processed, logger: &l}
}

// Handle is a kafka.Handler. Malformed payloads and permanent rejections skip
// the retry loop and go to the DLQ.
func (w *Worker) Handle(ctx context.Context, msg *kafka.Message) error {
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		w.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("Failed to unmarshal notification")
		return fmt.Errorf("%w: decode notification: %v", kafka.ErrSkipRetry, err)
	}
	if !IsNotification(ev.Type) || len(ev.Recipients) == 0 {
		w.logger.Error().Str("event_type", ev.Type).Int64("offset", msg.Offset).Msg("Invalid notification payload")
		return fmt.Errorf("%w: invalid notification %q", kafka.ErrSkipRetry, ev.Type)
	}

	logger := w.logger.With().
		Str("event_id", ev.ID.String()).
		Str("event_type", ev.Type).
		Str("reservation_id", ev.ReservationID.String()).
		Logger()

	if w.processed != nil {
		done, err := w.processed.IsProcessed(ctx, processedNamespace, ev.ID.String())
		if err != nil {
			logger.Warn().Err(err).Msg("Processed marker lookup failed, dispatching anyway")
		} else if done {
			logger.Debug().Msg("Notification already delivered, skipping")
			return nil
		}
	}

	if err := w.dispatcher.Dispatch(ctx, ev); err != nil {
		if errors.Is(err, ErrPermanent) {
			logger.Error().Err(err).Msg("Notification rejected permanently")
			return fmt.Errorf("%w: %v", kafka.ErrSkipRetry, err)
		}
		logger.Warn().Err(err).Msg("Notification dispatch failed, will retry")
		return err
	}

	if w.processed != nil {
		if err := w.processed.MarkProcessed(ctx, processedNamespace, ev.ID.String(), processedTTL); err != nil {
			logger.Warn().Err(err).Msg("Failed to set processed marker")
		}
	}
	logger.Info().Int("recipients", len(ev.Recipients)).Msg("Notification delivered")
	return nil
}
