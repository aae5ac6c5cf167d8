// Package reservation owns the reservation state machine:
//
//	pending -> awaiting_payment -> confirmed -> completed
//	pending -> declined
//	pending | awaiting_payment | confirmed -> cancelled
//
// Every transition locks the reservation row, re-checks the status and writes
// inside one ledger transaction. Notifications are enqueued after commit.
package reservation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Niiaks/Lodge/internal/apperror"
	"github.com/Niiaks/Lodge/internal/ledger"
	"github.com/Niiaks/Lodge/internal/middleware"
	"github.com/Niiaks/Lodge/internal/model"
	"github.com/Niiaks/Lodge/internal/notify"
	"github.com/Niiaks/Lodge/internal/refund"
	"github.com/Niiaks/Lodge/pkg/constants"
	"github.com/Niiaks/Lodge/pkg/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Gateway interface {
	CreateIntent(ctx context.Context, req types.IntentRequest) (*types.Intent, error)
	CreateRefund(ctx context.Context, req types.RefundRequest) (*types.Refund, error)
}

// NoGateway serves processes that never move money, like the completion
// worker. Every call fails as gateway_unavailable.
type NoGateway struct{}

func (NoGateway) CreateIntent(context.Context, types.IntentRequest) (*types.Intent, error) {
	return nil, apperror.New(apperror.CodeGatewayUnavailable, "no payment gateway configured in this process")
}

func (NoGateway) CreateRefund(context.Context, types.RefundRequest) (*types.Refund, error) {
	return nil, apperror.New(apperror.CodeGatewayUnavailable, "no payment gateway configured in this process")
}

// Notifier failures are logged and never fail the operation that triggered them.
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event) error
	Schedule(ctx context.Context, ev notify.Event, at time.Time) error
}

// Caller is the authenticated user behind a request.
type Caller struct {
	UserID uuid.UUID
	Admin  bool
}

type Options struct {
	Currency      string
	DefaultPolicy string
}

type Service struct {
	store    ledger.Store
	gateway  Gateway
	notifier Notifier
	logger   *zerolog.Logger
	opts     Options
	now      func() time.Time
}

func NewService(store ledger.Store, gateway Gateway, notifier Notifier, logger *zerolog.Logger, opts Options) *Service {
	l := logger.With().Str("component", "reservation").Logger()
	return &Service{
		store:    store,
		gateway:  gateway,
		notifier: notifier,
		logger:   &l,
		opts:     opts,
		now:      time.Now,
	}
}

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	return middleware.LoggerOr(ctx, s.logger)
}

func (s *Service) today() time.Time {
	return dateOf(s.now())
}

type CreateInput struct {
	ListingID     uuid.UUID
	CheckIn       time.Time
	CheckOut      time.Time
	GuestCount    int
	GuestName     string
	GuestEmail    string
	GuestPhone    string
	TotalAmount   int64
	PaymentMethod model.PaymentMethod
}

func (in CreateInput) validate(today time.Time) error {
	var missing []string
	if in.ListingID == uuid.Nil {
		missing = append(missing, "listing_id")
	}
	if in.CheckIn.IsZero() {
		missing = append(missing, "check_in_date")
	}
	if in.CheckOut.IsZero() {
		missing = append(missing, "check_out_date")
	}
	if strings.TrimSpace(in.GuestName) == "" {
		missing = append(missing, "guest_name")
	}
	if strings.TrimSpace(in.GuestEmail) == "" {
		missing = append(missing, "guest_email")
	}
	if len(missing) > 0 {
		return apperror.Validation("missing required fields: %s", strings.Join(missing, ", "))
	}

	checkIn, checkOut := dateOf(in.CheckIn), dateOf(in.CheckOut)
	switch {
	case checkIn.Before(today):
		return apperror.Validation("check-in date %s is in the past", checkIn.Format(constants.DateLayout))
	case !checkOut.After(checkIn):
		return apperror.Validation("check-out date must be after check-in date")
	case in.GuestCount < 1:
		return apperror.Validation("guest_count must be at least 1")
	case in.TotalAmount <= 0:
		return apperror.Validation("total_amount must be positive")
	case in.PaymentMethod != model.PaymentMethodDeposit && in.PaymentMethod != model.PaymentMethodFull:
		return apperror.Validation("unknown payment method %q", in.PaymentMethod)
	}
	return nil
}

// Create records a booking request in pending with its payment schedule.
func (s *Service) Create(ctx context.Context, caller Caller, in CreateInput) (*Details, error) {
	today := s.today()
	if err := in.validate(today); err != nil {
		return nil, err
	}

	listing, err := s.store.GetListing(ctx, in.ListingID)
	if err != nil {
		return nil, mapLedgerError(err, "listing")
	}
	if listing.HostID == caller.UserID {
		return nil, apperror.Forbidden("hosts cannot book their own listing")
	}
	if listing.MaxGuests > 0 && in.GuestCount > listing.MaxGuests {
		return nil, apperror.Validation("guest_count %d exceeds the listing maximum of %d", in.GuestCount, listing.MaxGuests)
	}

	checkIn, checkOut := dateOf(in.CheckIn), dateOf(in.CheckOut)
	plan := NewPlan(in.TotalAmount, in.PaymentMethod, checkIn, today)

	currency := listing.Currency
	if currency == "" {
		currency = s.opts.Currency
	}

	res := &model.Reservation{
		ID:              uuid.New(),
		ListingID:       listing.ID,
		ClientID:        caller.UserID,
		HostID:          listing.HostID,
		CheckInDate:     checkIn,
		CheckOutDate:    checkOut,
		GuestCount:      in.GuestCount,
		GuestName:       strings.TrimSpace(in.GuestName),
		GuestEmail:      strings.TrimSpace(in.GuestEmail),
		GuestPhone:      strings.TrimSpace(in.GuestPhone),
		Currency:        currency,
		PaymentMethod:   plan.Method,
		TotalAmount:     plan.Total,
		DepositAmount:   plan.Deposit,
		RemainingAmount: plan.Remaining,
		PaymentDueDate:  plan.DueDate,
		Status:          model.StatusPending,
	}
	schedules := plan.Schedules(res.ID, today)

	err = s.store.InTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.LockListing(ctx, listing.ID); err != nil {
			return mapLedgerError(err, "listing")
		}
		overlap, err := tx.HasOverlap(ctx, listing.ID, checkIn, checkOut)
		if err != nil {
			return err
		}
		if overlap {
			return apperror.New(apperror.CodeUnavailable, "listing is not available for the selected dates")
		}
		if err := tx.CreateReservation(ctx, res); err != nil {
			return err
		}
		return tx.CreateSchedules(ctx, schedules)
	})
	if err != nil {
		return nil, err
	}

	s.log(ctx).Info().
		Str("reservation_id", res.ID.String()).
		Str("listing_id", res.ListingID.String()).
		Str("payment_method", string(res.PaymentMethod)).
		Int64("total_amount", res.TotalAmount).
		Msg("Reservation requested")

	s.notify(ctx, notify.NewEvent(notify.EventRequested, res.ID, res.HostID).
		With("check_in_date", checkIn.Format(constants.DateLayout)).
		With("check_out_date", checkOut.Format(constants.DateLayout)).
		With("guest_count", res.GuestCount))

	return &Details{Reservation: res, Schedules: schedules}, nil
}

type Decision string

const (
	Approve Decision = "approve"
	Decline Decision = "decline"
)

// PaymentIntent is what the client needs to complete a payment.
type PaymentIntent struct {
	IntentID     string             `json:"intent_id"`
	ClientSecret string             `json:"client_secret"`
	CheckoutURL  string             `json:"checkout_url,omitempty"`
	Amount       int64              `json:"amount"`
	Currency     string             `json:"currency"`
	Kind         model.ScheduleKind `json:"kind"`
}

type DecisionResult struct {
	Reservation *model.Reservation `json:"reservation"`
	Payment     *PaymentIntent     `json:"payment,omitempty"`
}

// HostDecision approves or declines a pending request. Approval creates the
// gateway intent for the first schedule item inside the same transaction, so a
// gateway failure leaves the reservation pending.
func (s *Service) HostDecision(ctx context.Context, id uuid.UUID, caller Caller, decision Decision, reason string) (*DecisionResult, error) {
	if decision != Approve && decision != Decline {
		return nil, apperror.Validation("action must be approve or decline")
	}

	current, err := s.store.GetReservation(ctx, id)
	if err != nil {
		return nil, mapLedgerError(err, "reservation")
	}
	if current.Status != model.StatusPending {
		return nil, apperror.InvalidState("reservation is %s, only pending requests can be approved or declined", current.Status)
	}
	if current.HostID != caller.UserID {
		return nil, apperror.Forbidden("only the host can act on this reservation")
	}

	var (
		res     *model.Reservation
		payment *PaymentIntent
	)
	err = s.store.InTx(ctx, func(tx ledger.Tx) error {
		res, err = tx.LockReservation(ctx, id)
		if err != nil {
			return mapLedgerError(err, "reservation")
		}
		if res.Status != model.StatusPending {
			return apperror.InvalidState("reservation is %s, only pending requests can be approved or declined", res.Status)
		}

		if decision == Decline {
			res.Status = model.StatusDeclined
			if r := strings.TrimSpace(reason); r != "" {
				res.DeclineReason = &r
			}
			return tx.UpdateReservation(ctx, res)
		}

		res.Status = model.StatusAwaitingPayment
		if err := tx.UpdateReservation(ctx, res); err != nil {
			return err
		}

		schedules, err := tx.GetSchedules(ctx, res.ID)
		if err != nil {
			return err
		}
		first := firstSchedule(schedules)
		if first == nil {
			return apperror.New(apperror.CodeInternal, "reservation %s has no initial payment schedule", res.ID)
		}

		payment, err = s.startPayment(ctx, tx, res, first, "intent-"+first.ID.String())
		return err
	})
	if err != nil {
		return nil, err
	}

	logger := s.log(ctx)
	if decision == Decline {
		logger.Info().Str("reservation_id", res.ID.String()).Msg("Reservation declined")
		ev := notify.NewEvent(notify.EventDeclined, res.ID, res.ClientID)
		if res.DeclineReason != nil {
			ev = ev.With("reason", *res.DeclineReason)
		}
		s.notify(ctx, ev)
		return &DecisionResult{Reservation: res}, nil
	}

	logger.Info().
		Str("reservation_id", res.ID.String()).
		Str("intent_id", payment.IntentID).
		Int64("amount", payment.Amount).
		Msg("Reservation approved, awaiting payment")
	s.notify(ctx, notify.NewEvent(notify.EventApproved, res.ID, res.ClientID).
		With("amount", payment.Amount).
		With("currency", payment.Currency).
		With("checkout_url", payment.CheckoutURL))

	return &DecisionResult{Reservation: res, Payment: payment}, nil
}

// startPayment creates the gateway intent for schedule and records the pending
// transaction against it.
func (s *Service) startPayment(ctx context.Context, tx ledger.Tx, res *model.Reservation, schedule *model.PaymentSchedule, idempotencyKey string) (*PaymentIntent, error) {
	intent, err := s.requestIntent(ctx, res, schedule, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if err := tx.CreateTransaction(ctx, &model.Transaction{
		ID:            uuid.New(),
		ReservationID: res.ID,
		ScheduleID:    schedule.ID,
		IntentID:      intent.ID,
		Amount:        schedule.Amount,
		Currency:      res.Currency,
		Status:        model.TransactionPending,
	}); err != nil {
		return nil, err
	}

	schedule.IntentID = &intent.ID
	if err := tx.UpdateSchedule(ctx, schedule); err != nil {
		return nil, err
	}
	return paymentIntentFor(res, schedule, intent), nil
}

// requestIntent asks the gateway for an intent. Replaying a key returns the
// intent created on its first use.
func (s *Service) requestIntent(ctx context.Context, res *model.Reservation, schedule *model.PaymentSchedule, idempotencyKey string) (*types.Intent, error) {
	return s.gateway.CreateIntent(ctx, types.IntentRequest{
		Amount:         schedule.Amount,
		Currency:       res.Currency,
		Description:    fmt.Sprintf("Reservation %s (%s)", res.ID, schedule.Kind),
		IdempotencyKey: idempotencyKey,
		Metadata: map[string]string{
			"reservation_id": res.ID.String(),
			"schedule_id":    schedule.ID.String(),
			"kind":           string(schedule.Kind),
		},
	})
}

func paymentIntentFor(res *model.Reservation, schedule *model.PaymentSchedule, intent *types.Intent) *PaymentIntent {
	return &PaymentIntent{
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		CheckoutURL:  intent.CheckoutURL,
		Amount:       schedule.Amount,
		Currency:     res.Currency,
		Kind:         schedule.Kind,
	}
}

// ConfirmDeposit settles the first schedule item and confirms the reservation.
// It reports whether a transition happened; repeated calls, and calls on a
// reservation that has since been cancelled, declined or completed, are no-ops.
func (s *Service) ConfirmDeposit(ctx context.Context, id uuid.UUID) (bool, error) {
	var (
		res       *model.Reservation
		remaining *model.PaymentSchedule
	)
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		res, err = tx.LockReservation(ctx, id)
		if err != nil {
			return mapLedgerError(err, "reservation")
		}
		if res.Status != model.StatusAwaitingPayment {
			res = nil
			return nil
		}

		schedules, err := tx.GetSchedules(ctx, id)
		if err != nil {
			return err
		}
		first := firstSchedule(schedules)
		if first == nil {
			return apperror.New(apperror.CodeInternal, "reservation %s has no initial payment schedule", id)
		}
		if first.Status != model.SchedulePaid {
			paidAt := s.now()
			first.Status, first.PaidAt = model.SchedulePaid, &paidAt
			if err := tx.UpdateSchedule(ctx, first); err != nil {
				return err
			}
		}
		remaining = scheduleOfKind(schedules, model.ScheduleRemaining)

		res.Status = model.StatusConfirmed
		res.DepositPaid = true
		if res.PaymentMethod == model.PaymentMethodFull || remaining == nil {
			res.BalancePaid = true
		}
		return tx.UpdateReservation(ctx, res)
	})
	if err != nil {
		return false, err
	}

	logger := s.log(ctx)
	if res == nil {
		current, getErr := s.store.GetReservation(ctx, id)
		if getErr == nil {
			logger.Info().
				Str("reservation_id", id.String()).
				Str("status", string(current.Status)).
				Msg("Deposit confirmation ignored for reservation not awaiting payment")
		}
		return false, nil
	}

	logger.Info().Str("reservation_id", id.String()).Msg("Reservation confirmed")
	s.notify(ctx, notify.NewEvent(notify.EventConfirmed, res.ID, res.ClientID, res.HostID).
		With("balance_paid", res.BalancePaid))

	if remaining != nil && remaining.Status != model.SchedulePaid {
		remindAt := remaining.DueDate.AddDate(0, 0, -constants.ReminderLeadDays)
		ev := notify.NewEvent(notify.EventReminder, res.ID, res.ClientID).
			With("amount", remaining.Amount).
			With("currency", res.Currency).
			With("due_date", remaining.DueDate.Format(constants.DateLayout))
		if err := s.notifier.Schedule(ctx, ev, remindAt); err != nil {
			logger.Error().Err(err).Str("reservation_id", res.ID.String()).Msg("Failed to schedule payment reminder")
		}
	}
	return true, nil
}

// CompleteRemainingPayment settles the remaining-balance schedule item. Only a
// confirmed reservation moves; anything else is logged and ignored.
func (s *Service) CompleteRemainingPayment(ctx context.Context, id, scheduleID uuid.UUID) (bool, error) {
	var res *model.Reservation
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		res, err = tx.LockReservation(ctx, id)
		if err != nil {
			return mapLedgerError(err, "reservation")
		}
		if res.Status != model.StatusConfirmed {
			s.log(ctx).Info().
				Str("reservation_id", id.String()).
				Str("status", string(res.Status)).
				Msg("Balance payment ignored for reservation not confirmed")
			res = nil
			return nil
		}

		schedules, err := tx.GetSchedules(ctx, id)
		if err != nil {
			return err
		}
		var target *model.PaymentSchedule
		for i := range schedules {
			if schedules[i].ID == scheduleID {
				target = &schedules[i]
			}
		}
		if target == nil || target.Kind != model.ScheduleRemaining {
			return apperror.NotFound("remaining payment schedule %s not found on reservation %s", scheduleID, id)
		}
		if target.Status == model.SchedulePaid && res.BalancePaid {
			res = nil
			return nil
		}

		paidAt := s.now()
		target.Status, target.PaidAt = model.SchedulePaid, &paidAt
		if err := tx.UpdateSchedule(ctx, target); err != nil {
			return err
		}
		res.BalancePaid = true
		return tx.UpdateReservation(ctx, res)
	})
	if err != nil || res == nil {
		return false, err
	}

	s.log(ctx).Info().Str("reservation_id", id.String()).Msg("Remaining balance paid")
	s.notify(ctx, notify.NewEvent(notify.EventBalancePaid, res.ID, res.ClientID, res.HostID).
		With("amount", res.RemainingAmount))
	return true, nil
}

func remainingKey(scheduleID uuid.UUID, attempt int) string {
	return fmt.Sprintf("intent-%s-%d", scheduleID, attempt)
}

// PayRemaining returns a gateway intent for the outstanding balance: the
// pending one if the guest already started paying, otherwise a new one.
func (s *Service) PayRemaining(ctx context.Context, id uuid.UUID, caller Caller) (*PaymentIntent, error) {
	current, err := s.store.GetReservation(ctx, id)
	if err != nil {
		return nil, mapLedgerError(err, "reservation")
	}
	if current.ClientID != caller.UserID {
		return nil, apperror.Forbidden("only the guest can pay for this reservation")
	}

	var payment *PaymentIntent
	err = s.store.InTx(ctx, func(tx ledger.Tx) error {
		res, err := tx.LockReservation(ctx, id)
		if err != nil {
			return mapLedgerError(err, "reservation")
		}
		if res.Status != model.StatusConfirmed || !res.DepositPaid || res.BalancePaid {
			return apperror.InvalidState("no remaining balance can be paid on a %s reservation", res.Status)
		}

		schedules, err := tx.GetSchedules(ctx, id)
		if err != nil {
			return err
		}
		remaining := scheduleOfKind(schedules, model.ScheduleRemaining)
		if remaining == nil || remaining.Status == model.SchedulePaid {
			return apperror.InvalidState("reservation has no unpaid remaining balance")
		}

		txns, err := tx.ListTransactions(ctx, id)
		if err != nil {
			return err
		}

		// Attempt n uses key intent-{schedule}-{n}. While an earlier intent is
		// still pending its key is replayed, so the guest never holds two
		// payable intents for the same balance.
		attempt := 0
		var outstanding *model.Transaction
		outstandingAttempt := 0
		for i := range txns {
			if txns[i].ScheduleID != remaining.ID {
				continue
			}
			if txns[i].Status == model.TransactionPending {
				outstanding, outstandingAttempt = &txns[i], attempt
			}
			attempt++
		}

		if outstanding == nil {
			payment, err = s.startPayment(ctx, tx, res, remaining, remainingKey(remaining.ID, attempt))
			return err
		}

		intent, err := s.requestIntent(ctx, res, remaining, remainingKey(remaining.ID, outstandingAttempt))
		if err != nil {
			return err
		}
		if intent.ID != outstanding.IntentID {
			return apperror.New(apperror.CodeGatewayRejected,
				"gateway returned intent %s for the key of pending intent %s", intent.ID, outstanding.IntentID)
		}
		payment = paymentIntentFor(res, remaining, intent)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log(ctx).Info().
		Str("reservation_id", id.String()).
		Str("intent_id", payment.IntentID).
		Int64("amount", payment.Amount).
		Msg("Remaining balance intent created")
	return payment, nil
}

type CancelResult struct {
	Reservation *model.Reservation  `json:"reservation"`
	Refund      *model.RefundRecord `json:"refund"`
}

func actorFor(res *model.Reservation, caller Caller) (model.ActorRole, bool) {
	switch {
	case caller.UserID == res.ClientID:
		return model.ActorClient, true
	case caller.UserID == res.HostID:
		return model.ActorHost, true
	case caller.Admin:
		return model.ActorAdmin, true
	}
	return "", false
}

// Cancel cancels a reservation that has not completed, refunding what was
// paid according to the listing's cancellation policy. The gateway refund is
// part of the transaction: if it fails nothing is written.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, caller Caller, reason string) (*CancelResult, error) {
	current, err := s.store.GetReservation(ctx, id)
	if err != nil {
		return nil, mapLedgerError(err, "reservation")
	}
	actor, ok := actorFor(current, caller)
	if !ok {
		return nil, apperror.Forbidden("only the guest, the host or an admin can cancel this reservation")
	}
	if current.Status.Terminal() {
		return nil, apperror.InvalidState("reservation is already %s", current.Status)
	}

	policyName := s.opts.DefaultPolicy
	if listing, err := s.store.GetListing(ctx, current.ListingID); err == nil && listing.CancellationPolicy != "" {
		policyName = listing.CancellationPolicy
	}

	var (
		res    *model.Reservation
		record *model.RefundRecord
	)
	err = s.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		res, err = tx.LockReservation(ctx, id)
		if err != nil {
			return mapLedgerError(err, "reservation")
		}
		if res.Status.Terminal() {
			return apperror.InvalidState("reservation is already %s", res.Status)
		}

		schedules, err := tx.GetSchedules(ctx, id)
		if err != nil {
			return err
		}
		policy, err := tx.GetPolicy(ctx, policyName)
		if err != nil {
			return errors.Wrapf(err, "load cancellation policy %q", policyName)
		}

		now := s.now()
		paid := paidAmount(schedules)
		calc := refund.Calculate(paid, res.CheckInDate, now, policy)

		res.Status = model.StatusCancelled
		res.CancellationFee = calc.CancellationFee
		res.RefundAmount = calc.RefundAmount
		res.CancelledBy = &actor
		res.CancelledAt = &now
		if r := strings.TrimSpace(reason); r != "" {
			res.CancellationReason = &r
		}
		if err := tx.UpdateReservation(ctx, res); err != nil {
			return err
		}

		var refundIDs []string
		if paid > 0 && calc.RefundAmount > 0 {
			txns, err := tx.ListTransactions(ctx, id)
			if err != nil {
				return err
			}
			refundIDs, err = s.issueRefunds(ctx, res, txns, calc.RefundAmount, reason)
			if err != nil {
				return err
			}
		}

		record = &model.RefundRecord{
			ID:                uuid.New(),
			ReservationID:     res.ID,
			PaidAmount:        paid,
			RefundPercentage:  calc.RefundPercentage,
			RefundAmount:      calc.RefundAmount,
			CancellationFee:   calc.CancellationFee,
			ExternalRefundIDs: refundIDs,
			Actor:             actor,
			Reason:            strings.TrimSpace(reason),
		}
		return tx.CreateRefundRecord(ctx, record)
	})
	if err != nil {
		return nil, err
	}

	s.log(ctx).Info().
		Str("reservation_id", res.ID.String()).
		Str("cancelled_by", string(actor)).
		Int64("paid_amount", record.PaidAmount).
		Int64("refund_amount", record.RefundAmount).
		Int64("cancellation_fee", record.CancellationFee).
		Msg("Reservation cancelled")

	s.notify(ctx, notify.NewEvent(notify.EventCancelled, res.ID, res.ClientID, res.HostID).
		With("cancelled_by", string(actor)).
		With("refund_amount", record.RefundAmount).
		With("currency", res.Currency))

	return &CancelResult{Reservation: res, Refund: record}, nil
}

// issueRefunds spreads amount over the succeeded intents in payment order.
// Refunds a failed earlier attempt already got through the gateway are read
// back from the journal and counted, never issued again. New keys carry the
// amount, so a retry at a different amount is a distinct gateway request.
func (s *Service) issueRefunds(ctx context.Context, res *model.Reservation, txns []model.Transaction, amount int64, reason string) ([]string, error) {
	issued, err := s.store.ListGatewayRefunds(ctx, res.ID)
	if err != nil {
		return nil, errors.Wrap(err, "load issued refunds")
	}
	prior := make(map[uuid.UUID]model.GatewayRefund, len(issued))
	for _, g := range issued {
		prior[g.TransactionID] = g
	}

	var ids []string
	left := amount
	for _, t := range txns {
		if left <= 0 {
			break
		}
		if t.Status != model.TransactionSucceeded {
			continue
		}
		if g, ok := prior[t.ID]; ok {
			ids = append(ids, g.RefundID)
			left -= g.Amount
			continue
		}
		part := t.Amount
		if part > left {
			part = left
		}

		key := fmt.Sprintf("refund-%s-%s-%d", res.ID, t.ID, part)
		rf, err := s.gateway.CreateRefund(ctx, types.RefundRequest{
			IntentID:       t.IntentID,
			Amount:         part,
			Reason:         reason,
			IdempotencyKey: key,
		})
		if err != nil {
			return nil, apperror.Wrap(apperror.CodeRefundFailed, err, "gateway refund failed")
		}
		err = s.store.RecordGatewayRefund(ctx, &model.GatewayRefund{
			IdempotencyKey: key,
			ReservationID:  res.ID,
			TransactionID:  t.ID,
			IntentID:       t.IntentID,
			RefundID:       rf.ID,
			Amount:         part,
		})
		if err != nil {
			s.log(ctx).Error().Err(err).
				Str("reservation_id", res.ID.String()).
				Str("refund_id", rf.ID).
				Int64("amount", part).
				Msg("Failed to journal gateway refund")
		}
		ids = append(ids, rf.ID)
		left -= part
	}

	if left < 0 {
		s.log(ctx).Warn().
			Str("reservation_id", res.ID.String()).
			Int64("refund_amount", amount).
			Int64("over_refunded", -left).
			Msg("Earlier cancellation attempt refunded more than the policy now allows")
	}
	if left > 0 {
		return nil, apperror.New(apperror.CodeRefundFailed, "no settled payments cover a refund of %d", amount)
	}
	return ids, nil
}

// AutoComplete moves confirmed reservations whose check-out date has passed to
// completed. It returns how many moved.
func (s *Service) AutoComplete(ctx context.Context) (int, error) {
	var ids []uuid.UUID
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		ids, err = tx.CompleteCheckedOut(ctx, s.today())
		return err
	})
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		res, err := s.store.GetReservation(ctx, id)
		if err != nil {
			s.log(ctx).Error().Err(err).Str("reservation_id", id.String()).Msg("Failed to load completed reservation")
			continue
		}
		s.notify(ctx, notify.NewEvent(notify.EventCompleted, res.ID, res.ClientID, res.HostID))
	}

	if len(ids) > 0 {
		s.log(ctx).Info().Int("count", len(ids)).Msg("Reservations completed")
	}
	return len(ids), nil
}

type Details struct {
	Reservation *model.Reservation      `json:"reservation"`
	Schedules   []model.PaymentSchedule `json:"schedules"`
	Refund      *model.RefundRecord     `json:"refund,omitempty"`
}

func (s *Service) Get(ctx context.Context, id uuid.UUID, caller Caller) (*Details, error) {
	res, err := s.store.GetReservation(ctx, id)
	if err != nil {
		return nil, mapLedgerError(err, "reservation")
	}
	if _, ok := actorFor(res, caller); !ok {
		return nil, apperror.Forbidden("not a participant of this reservation")
	}

	schedules, err := s.store.GetSchedules(ctx, id)
	if err != nil {
		return nil, err
	}
	details := &Details{Reservation: res, Schedules: schedules}

	if res.Status == model.StatusCancelled {
		rec, err := s.store.GetRefundRecord(ctx, id)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return nil, err
		}
		details.Refund = rec
	}
	return details, nil
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type ListResult struct {
	Reservations []model.Reservation `json:"reservations"`
	Total        int                 `json:"total"`
	Page         int                 `json:"page"`
	Limit        int                 `json:"limit"`
}

// List returns the caller's reservations as guest or host; admins see all.
func (s *Service) List(ctx context.Context, caller Caller, status model.ReservationStatus, page, limit int) (*ListResult, error) {
	if status != "" && !status.Valid() {
		return nil, apperror.Validation("unknown status %q", status)
	}
	if page < 1 {
		page = 1
	}
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}

	filter := ledger.ListFilter{Status: status, Page: page, Limit: limit}
	if !caller.Admin {
		filter.Participant = &caller.UserID
	}

	items, total, err := s.store.ListReservations(ctx, filter)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []model.Reservation{}
	}
	return &ListResult{Reservations: items, Total: total, Page: page, Limit: limit}, nil
}

func (s *Service) notify(ctx context.Context, ev notify.Event) {
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.log(ctx).Error().Err(err).
			Str("event_type", ev.Type).
			Str("reservation_id", ev.ReservationID.String()).
			Msg("Failed to enqueue notification")
	}
}

func mapLedgerError(err error, what string) error {
	if errors.Is(err, ledger.ErrNotFound) {
		return apperror.Wrap(apperror.CodeNotFound, err, what+" not found")
	}
	return err
}
