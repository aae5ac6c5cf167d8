// Package notify carries reservation lifecycle events to the external
// notification service. Events are written to the outbox after the business
// transaction commits, relayed to Kafka and delivered by the notifications
// worker, so a delivery failure never affects reservation state.
package notify

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	EventRequested   = "reservation.requested"
	EventApproved    = "reservation.approved"
	EventDeclined    = "reservation.declined"
	EventConfirmed   = "reservation.confirmed"
	EventBalancePaid = "reservation.balance_paid"
	EventCancelled   = "reservation.cancelled"
	EventCompleted   = "reservation.completed"
	EventReminder    = "payment.reminder"
)

// Event is addressed by user id; the notification service resolves delivery
// channels.
type Event struct {
	ID            uuid.UUID      `json:"id"`
	Type          string         `json:"type"`
	ReservationID uuid.UUID      `json:"reservation_id"`
	Recipients    []uuid.UUID    `json:"recipients"`
	Data          map[string]any `json:"data,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

func NewEvent(eventType string, reservationID uuid.UUID, recipients ...uuid.UUID) Event {
	return Event{
		ID:            uuid.New(),
		Type:          eventType,
		ReservationID: reservationID,
		Recipients:    recipients,
		Data:          map[string]any{},
		OccurredAt:    time.Now().UTC(),
	}
}

func (e Event) With(key string, value any) Event {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	e.Data[key] = value
	return e
}

// IsNotification reports whether an outbox event type belongs to this package.
func IsNotification(eventType string) bool {
	return strings.HasPrefix(eventType, "reservation.") || strings.HasPrefix(eventType, "payment.")
}
