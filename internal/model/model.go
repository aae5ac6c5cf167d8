package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Model struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ReservationStatus string

const (
	StatusPending         ReservationStatus = "pending"
	StatusAwaitingPayment ReservationStatus = "awaiting_payment"
	StatusConfirmed       ReservationStatus = "confirmed"
	StatusCompleted       ReservationStatus = "completed"
	StatusDeclined        ReservationStatus = "declined"
	StatusCancelled       ReservationStatus = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s ReservationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDeclined || s == StatusCancelled
}

func (s ReservationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAwaitingPayment, StatusConfirmed,
		StatusCompleted, StatusDeclined, StatusCancelled:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PaymentMethodDeposit PaymentMethod = "deposit"
	PaymentMethodFull    PaymentMethod = "full"
)

type ScheduleKind string

const (
	ScheduleDeposit   ScheduleKind = "deposit"
	ScheduleRemaining ScheduleKind = "remaining"
	ScheduleFull      ScheduleKind = "full"
)

type ScheduleStatus string

const (
	SchedulePending ScheduleStatus = "pending"
	SchedulePaid    ScheduleStatus = "paid"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionSucceeded TransactionStatus = "succeeded"
	TransactionFailed    TransactionStatus = "failed"
)

type ActorRole string

const (
	ActorClient ActorRole = "client"
	ActorHost   ActorRole = "host"
	ActorAdmin  ActorRole = "admin"
)

// Listing is reference data owned by the listings service. Only the fields the
// payment lifecycle needs are loaded.
type Listing struct {
	ID                 uuid.UUID `json:"id"`
	HostID             uuid.UUID `json:"host_id"`
	Title              string    `json:"title"`
	MaxGuests          int       `json:"max_guests"`
	CancellationPolicy string    `json:"cancellation_policy"`
	Currency           string    `json:"currency"`
}

// Reservation amounts are in minor currency units.
type Reservation struct {
	ID                 uuid.UUID         `json:"id"`
	ListingID          uuid.UUID         `json:"listing_id"`
	ClientID           uuid.UUID         `json:"client_id"`
	HostID             uuid.UUID         `json:"host_id"`
	CheckInDate        time.Time         `json:"check_in_date"`
	CheckOutDate       time.Time         `json:"check_out_date"`
	GuestCount         int               `json:"guest_count"`
	GuestName          string            `json:"guest_name"`
	GuestEmail         string            `json:"guest_email"`
	GuestPhone         string            `json:"guest_phone,omitempty"`
	Currency           string            `json:"currency"`
	PaymentMethod      PaymentMethod     `json:"payment_method"`
	TotalAmount        int64             `json:"total_amount"`
	DepositAmount      int64             `json:"deposit_amount"`
	RemainingAmount    int64             `json:"remaining_amount"`
	PaymentDueDate     time.Time         `json:"payment_due_date"`
	Status             ReservationStatus `json:"status"`
	DepositPaid        bool              `json:"deposit_paid"`
	BalancePaid        bool              `json:"balance_paid"`
	CancellationFee    int64             `json:"cancellation_fee"`
	RefundAmount       int64             `json:"refund_amount"`
	CancelledBy        *ActorRole        `json:"cancelled_by,omitempty"`
	CancellationReason *string           `json:"cancellation_reason,omitempty"`
	DeclineReason      *string           `json:"decline_reason,omitempty"`
	CancelledAt        *time.Time        `json:"cancelled_at,omitempty"`
	Model
}

type PaymentSchedule struct {
	ID            uuid.UUID      `json:"id"`
	ReservationID uuid.UUID      `json:"reservation_id"`
	Kind          ScheduleKind   `json:"kind"`
	Amount        int64          `json:"amount"`
	DueDate       time.Time      `json:"due_date"`
	IntentID      *string        `json:"intent_id,omitempty"`
	Status        ScheduleStatus `json:"status"`
	PaidAt        *time.Time     `json:"paid_at,omitempty"`
	Model
}

type Transaction struct {
	ID            uuid.UUID         `json:"id"`
	ReservationID uuid.UUID         `json:"reservation_id"`
	ScheduleID    uuid.UUID         `json:"schedule_id"`
	IntentID      string            `json:"intent_id"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Status        TransactionStatus `json:"status"`
	FailureReason *string           `json:"failure_reason,omitempty"`
	Model
}

type CancellationPolicy struct {
	Name              string `json:"name"`
	DaysBeforeCheckIn int    `json:"days_before_checkin"`
	RefundPercentage  int    `json:"refund_percentage"`
}

type RefundRecord struct {
	ID                uuid.UUID `json:"id"`
	ReservationID     uuid.UUID `json:"reservation_id"`
	PaidAmount        int64     `json:"paid_amount"`
	RefundPercentage  int       `json:"refund_percentage"`
	RefundAmount      int64     `json:"refund_amount"`
	CancellationFee   int64     `json:"cancellation_fee"`
	ExternalRefundIDs []string  `json:"external_refund_ids"`
	Actor             ActorRole `json:"actor"`
	Reason            string    `json:"reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// GatewayRefund is one refund the gateway accepted, journaled outside the
// cancellation transaction.
type GatewayRefund struct {
	IdempotencyKey string    `json:"idempotency_key"`
	ReservationID  uuid.UUID `json:"reservation_id"`
	TransactionID  uuid.UUID `json:"transaction_id"`
	IntentID       string    `json:"intent_id"`
	RefundID       string    `json:"refund_id"`
	Amount         int64     `json:"amount"`
	CreatedAt      time.Time `json:"created_at"`
}

type WebhookStatus string

const (
	WebhookReceived  WebhookStatus = "received"
	WebhookProcessed WebhookStatus = "processed"
	WebhookIgnored   WebhookStatus = "ignored"
	WebhookError     WebhookStatus = "error"
)

type WebhookEvent struct {
	EventID string          `json:"event_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Status  WebhookStatus   `json:"status"`
	Error   string          `json:"error,omitempty"`
	Model
}

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxProcessed OutboxStatus = "processed"
	OutboxFailed    OutboxStatus = "failed"
)

type OutboxEvent struct {
	ID           int64           `json:"id"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	PartitionKey string          `json:"partition_key"`
	Status       OutboxStatus    `json:"status"`
	AvailableAt  time.Time       `json:"available_at"`
	RetryCount   int             `json:"retry_count"`
	LastError    string          `json:"last_error,omitempty"`
	Model
}
