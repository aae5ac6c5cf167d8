// Package ledger persists reservations, payment schedules, gateway transactions,
// refund records and webhook audit rows. Every mutation of a reservation goes
// through Store.InTx so callers get one atomic read-modify-write.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/Niiaks/Lodge/internal/model"
	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("ledger: record not found")
	ErrDuplicate = errors.New("ledger: duplicate record")
)

// ListFilter scopes a reservation listing. A nil Participant lists every
// reservation (admin view).
type ListFilter struct {
	Participant *uuid.UUID
	Status      model.ReservationStatus
	Page        int
	Limit       int
}

func (f ListFilter) Offset() int {
	if f.Page <= 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

type Queries interface {
	GetListing(ctx context.Context, id uuid.UUID) (*model.Listing, error)
	GetReservation(ctx context.Context, id uuid.UUID) (*model.Reservation, error)
	ListReservations(ctx context.Context, f ListFilter) ([]model.Reservation, int, error)
	GetSchedules(ctx context.Context, reservationID uuid.UUID) ([]model.PaymentSchedule, error)
	GetPolicy(ctx context.Context, name string) ([]model.CancellationPolicy, error)
	GetTransactionByIntent(ctx context.Context, intentID string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, reservationID uuid.UUID) ([]model.Transaction, error)
	GetRefundRecord(ctx context.Context, reservationID uuid.UUID) (*model.RefundRecord, error)
}

// Tx is the write surface, only reachable inside Store.InTx.
type Tx interface {
	Queries

	// LockListing serializes bookings on one listing for the rest of the tx.
	LockListing(ctx context.Context, id uuid.UUID) (*model.Listing, error)
	LockReservation(ctx context.Context, id uuid.UUID) (*model.Reservation, error)
	LockTransactionByIntent(ctx context.Context, intentID string) (*model.Transaction, error)

	// HasOverlap reports whether an active reservation on the listing shares a
	// night with [checkIn, checkOut).
	HasOverlap(ctx context.Context, listingID uuid.UUID, checkIn, checkOut time.Time) (bool, error)

	CreateReservation(ctx context.Context, r *model.Reservation) error
	UpdateReservation(ctx context.Context, r *model.Reservation) error
	CreateSchedules(ctx context.Context, schedules []model.PaymentSchedule) error
	UpdateSchedule(ctx context.Context, s *model.PaymentSchedule) error
	CreateTransaction(ctx context.Context, t *model.Transaction) error

	// UpdateTransactionStatus moves the transaction to `to` only if its current
	// status is one of `from`. It reports whether a row changed.
	UpdateTransactionStatus(ctx context.Context, intentID string, from []model.TransactionStatus, to model.TransactionStatus, reason *string) (bool, error)

	CreateRefundRecord(ctx context.Context, r *model.RefundRecord) error

	// CompleteCheckedOut moves confirmed reservations whose check-out is before
	// the given date to completed and returns their ids.
	CompleteCheckedOut(ctx context.Context, before time.Time) ([]uuid.UUID, error)
}

type Store interface {
	Queries

	InTx(ctx context.Context, fn func(tx Tx) error) error

	// RecordWebhookEvent inserts the audit row; false means the event id was
	// already recorded.
	RecordWebhookEvent(ctx context.Context, e *model.WebhookEvent) (bool, error)
	MarkWebhookEvent(ctx context.Context, eventID string, status model.WebhookStatus, errMsg string) error

	// RecordGatewayRefund journals an accepted gateway refund. It commits on its
	// own, so the entry outlives a rollback of the cancellation that issued it.
	RecordGatewayRefund(ctx context.Context, r *model.GatewayRefund) error
	ListGatewayRefunds(ctx context.Context, reservationID uuid.UUID) ([]model.GatewayRefund, error)
}

// ActiveStatuses hold the listing's dates.
var ActiveStatuses = []model.ReservationStatus{
	model.StatusPending,
	model.StatusAwaitingPayment,
	model.StatusConfirmed,
}
