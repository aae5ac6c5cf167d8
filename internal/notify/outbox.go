package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Niiaks/Lodge/internal/model"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Execer is satisfied by *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// OutboxNotifier enqueues events as outbox rows for the relay.
type OutboxNotifier struct {
	db     Execer
	logger *zerolog.Logger
	now    func() time.Time
}

func NewOutboxNotifier(db Execer, logger *zerolog.Logger) *OutboxNotifier {
	return &OutboxNotifier{db: db, logger: logger, now: time.Now}
}

// Notify enqueues ev for immediate delivery.
func (n *OutboxNotifier) Notify(ctx context.Context, ev Event) error {
	return n.enqueue(ctx, ev, n.now())
}

// Schedule enqueues ev for delivery no earlier than at. A time in the past
// means immediately.
func (n *OutboxNotifier) Schedule(ctx context.Context, ev Event, at time.Time) error {
	if now := n.now(); at.Before(now) {
		at = now
	}
	return n.enqueue(ctx, ev, at)
}

func (n *OutboxNotifier) enqueue(ctx context.Context, ev Event, availableAt time.Time) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal notification")
	}

	_, err = n.db.Exec(ctx, `
		INSERT INTO outbox (event_type, payload, partition_key, status, available_at)
		VALUES ($1, $2, $3, $4, $5)`,
		ev.Type, payload, ev.ReservationID.String(), string(model.OutboxPending), availableAt)
	if err != nil {
		return errors.Wrap(err, "insert outbox row")
	}

	n.logger.Debug().
		Str("event_type", ev.Type).
		Str("reservation_id", ev.ReservationID.String()).
		Time("available_at", availableAt).
		Msg("Notification enqueued")
	return nil
}
