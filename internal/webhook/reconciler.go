// Package webhook reconciles asynchronous gateway callbacks with the ledger.
// Every callback is acknowledged; processing is idempotent per gateway event id
// and per intent, so redelivery is always safe.
package webhook

import (
	"context"
	"time"

	"github.com/Niiaks/Lodge/internal/ledger"
	"github.com/Niiaks/Lodge/internal/middleware"
	"github.com/Niiaks/Lodge/internal/model"
	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	markerNamespace = "webhook"
	markerTTL       = 24 * time.Hour
)

// StateMachine is satisfied by *reservation.Service.
type StateMachine interface {
	ConfirmDeposit(ctx context.Context, id uuid.UUID) (bool, error)
	CompleteRemainingPayment(ctx context.Context, id, scheduleID uuid.UUID) (bool, error)
}

// Marker is the Redis fast path for already-processed event ids. The
// webhook_events table stays the audit record.
type Marker interface {
	IsProcessed(ctx context.Context, namespace, id string) (bool, error)
	MarkProcessed(ctx context.Context, namespace, id string, ttl time.Duration) error
}

type Reconciler struct {
	store  ledger.Store
	states StateMachine
	marker Marker
	logger *zerolog.Logger
}

// NewReconciler accepts a nil marker; every event then goes to the ledger.
func NewReconciler(store ledger.Store, states StateMachine, marker Marker, logger *zerolog.Logger) *Reconciler {
	l := logger.With().Str("component", "webhook").Logger()
	return &Reconciler{store: store, states: states, marker: marker, logger: &l}
}

// Reconcile applies one verified callback body. The returned error is for
// logging only; the gateway always gets an acknowledgement.
func (r *Reconciler) Reconcile(ctx context.Context, body []byte) error {
	ev, err := Parse(body)
	if err != nil {
		return err
	}

	logger := middleware.LoggerOr(ctx, r.logger).With().
		Str("event_id", ev.EventID()).
		Str("event_type", ev.EventType()).
		Logger()
	if txn := newrelic.FromContext(ctx); txn != nil {
		txn.AddAttribute("webhook.event_id", ev.EventID())
		txn.AddAttribute("webhook.type", ev.EventType())
	}

	if r.marker != nil {
		done, err := r.marker.IsProcessed(ctx, markerNamespace, ev.EventID())
		if err != nil {
			logger.Warn().Err(err).Msg("Processed marker lookup failed, falling back to ledger")
		} else if done {
			logger.Debug().Msg("Webhook event already processed")
			return nil
		}
	}

	fresh, err := r.store.RecordWebhookEvent(ctx, &model.WebhookEvent{
		EventID: ev.EventID(),
		Type:    ev.EventType(),
		Payload: body,
		Status:  model.WebhookReceived,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record webhook event")
	} else if !fresh {
		logger.Info().Msg("Webhook event redelivered, reprocessing")
	}

	status, procErr := r.dispatch(ctx, &logger, ev)

	errMsg := ""
	if procErr != nil {
		status, errMsg = model.WebhookError, procErr.Error()
	}
	if err := r.store.MarkWebhookEvent(ctx, ev.EventID(), status, errMsg); err != nil {
		logger.Error().Err(err).Msg("Failed to update webhook event status")
	}
	if procErr != nil {
		return procErr
	}

	if r.marker != nil {
		if err := r.marker.MarkProcessed(ctx, markerNamespace, ev.EventID(), markerTTL); err != nil {
			logger.Warn().Err(err).Msg("Failed to set processed marker")
		}
	}
	return nil
}

func (r *Reconciler) dispatch(ctx context.Context, logger *zerolog.Logger, ev Event) (model.WebhookStatus, error) {
	switch e := ev.(type) {
	case IntentSucceeded:
		return r.paymentSucceeded(ctx, logger, e.IntentID)
	case CheckoutSessionPaid:
		return r.paymentSucceeded(ctx, logger, e.IntentID)
	case IntentFailed:
		return r.paymentFailed(ctx, logger, e.IntentID, e.Reason)
	default:
		logger.Info().Msg("Ignoring unhandled webhook event type")
		return model.WebhookIgnored, nil
	}
}

// paymentSucceeded settles the transaction, then advances the reservation. The
// state machine call runs on every delivery so a crash between the two steps
// is repaired by the gateway's retry.
func (r *Reconciler) paymentSucceeded(ctx context.Context, logger *zerolog.Logger, intentID string) (model.WebhookStatus, error) {
	var txn *model.Transaction
	err := r.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		txn, err = tx.LockTransactionByIntent(ctx, intentID)
		if err != nil {
			return err
		}
		if txn.Status == model.TransactionSucceeded {
			return nil
		}
		if _, err := tx.UpdateTransactionStatus(ctx, intentID,
			[]model.TransactionStatus{model.TransactionPending, model.TransactionFailed},
			model.TransactionSucceeded, nil); err != nil {
			return err
		}
		txn.Status = model.TransactionSucceeded
		return nil
	})
	if errors.Is(err, ledger.ErrNotFound) {
		logger.Warn().Str("intent_id", intentID).Msg("Success webhook for unknown intent")
		return model.WebhookIgnored, nil
	}
	if errors.Is(err, ledger.ErrDuplicate) {
		// Another intent already settled this schedule item. The transaction
		// stays pending; redelivery lands here again and stays ignored.
		logger.Warn().
			Str("intent_id", intentID).
			Str("reservation_id", txn.ReservationID.String()).
			Str("schedule_id", txn.ScheduleID.String()).
			Int64("amount", txn.Amount).
			Msg("Second payment for an already settled schedule item, manual refund required")
		return model.WebhookIgnored, nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "settle transaction for intent %s", intentID)
	}

	schedules, err := r.store.GetSchedules(ctx, txn.ReservationID)
	if err != nil {
		return "", errors.Wrapf(err, "load schedules for reservation %s", txn.ReservationID)
	}
	var kind model.ScheduleKind
	for _, s := range schedules {
		if s.ID == txn.ScheduleID {
			kind = s.Kind
		}
	}

	var moved bool
	switch kind {
	case model.ScheduleDeposit, model.ScheduleFull:
		moved, err = r.states.ConfirmDeposit(ctx, txn.ReservationID)
	case model.ScheduleRemaining:
		moved, err = r.states.CompleteRemainingPayment(ctx, txn.ReservationID, txn.ScheduleID)
	default:
		return "", errors.Errorf("transaction %s references unknown schedule %s", txn.ID, txn.ScheduleID)
	}
	if err != nil {
		return "", err
	}

	l := logger.With().
		Str("intent_id", intentID).
		Str("reservation_id", txn.ReservationID.String()).
		Str("schedule_kind", string(kind)).
		Logger()
	if moved {
		l.Info().Msg("Payment reconciled")
		return model.WebhookProcessed, nil
	}

	res, err := r.store.GetReservation(ctx, txn.ReservationID)
	if err == nil && res.Status == model.StatusCancelled {
		l.Warn().Int64("amount", txn.Amount).Msg("Payment succeeded on a cancelled reservation, manual refund required")
		return model.WebhookIgnored, nil
	}
	l.Info().Msg("Payment already reconciled")
	return model.WebhookProcessed, nil
}

// paymentFailed only ever moves pending to failed; a succeeded transaction is
// never regressed and the reservation is left alone so the guest can retry.
func (r *Reconciler) paymentFailed(ctx context.Context, logger *zerolog.Logger, intentID, reason string) (model.WebhookStatus, error) {
	var changed bool
	err := r.store.InTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.LockTransactionByIntent(ctx, intentID); err != nil {
			return err
		}
		var err error
		changed, err = tx.UpdateTransactionStatus(ctx, intentID,
			[]model.TransactionStatus{model.TransactionPending},
			model.TransactionFailed, &reason)
		return err
	})
	if errors.Is(err, ledger.ErrNotFound) {
		logger.Warn().Str("intent_id", intentID).Msg("Failure webhook for unknown intent")
		return model.WebhookIgnored, nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "fail transaction for intent %s", intentID)
	}

	if !changed {
		logger.Info().Str("intent_id", intentID).Msg("Failure webhook ignored, transaction no longer pending")
		return model.WebhookIgnored, nil
	}
	logger.Info().Str("intent_id", intentID).Str("reason", reason).Msg("Payment failed")
	return model.WebhookProcessed, nil
}
