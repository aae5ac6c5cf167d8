package reservation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Niiaks/Lodge/internal/apperror"
	"github.com/Niiaks/Lodge/internal/ledger"
	"github.com/Niiaks/Lodge/internal/ledger/ledgertest"
	"github.com/Niiaks/Lodge/internal/model"
	"github.com/Niiaks/Lodge/internal/notify"
	"github.com/Niiaks/Lodge/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreateIntent(ctx context.Context, req types.IntentRequest) (*types.Intent, error) {
	args := m.Called(ctx, req)
	intent, _ := args.Get(0).(*types.Intent)
	return intent, args.Error(1)
}

func (m *mockGateway) CreateRefund(ctx context.Context, req types.RefundRequest) (*types.Refund, error) {
	args := m.Called(ctx, req)
	rf, _ := args.Get(0).(*types.Refund)
	return rf, args.Error(1)
}

type scheduledEvent struct {
	event notify.Event
	at    time.Time
}

type fakeNotifier struct {
	mu        sync.Mutex
	events    []notify.Event
	scheduled []scheduledEvent
}

func (n *fakeNotifier) Notify(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *fakeNotifier) Schedule(_ context.Context, ev notify.Event, at time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.scheduled = append(n.scheduled, scheduledEvent{event: ev, at: at})
	return nil
}

func (n *fakeNotifier) count(eventType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events {
		if ev.Type == eventType {
			c++
		}
	}
	return c
}

type fixture struct {
	store    *ledgertest.Store
	gateway  *mockGateway
	notifier *fakeNotifier
	svc      *Service
	listing  model.Listing
	host     Caller
	guest    Caller
	admin    Caller
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := ledgertest.New()
	store.SetClock(func() time.Time { return now })
	store.AddPolicy("moderate",
		model.CancellationPolicy{DaysBeforeCheckIn: 7, RefundPercentage: 100},
		model.CancellationPolicy{DaysBeforeCheckIn: 3, RefundPercentage: 50},
		model.CancellationPolicy{DaysBeforeCheckIn: 0, RefundPercentage: 0},
	)

	host := Caller{UserID: uuid.New()}
	listing := model.Listing{
		ID:                 uuid.New(),
		HostID:             host.UserID,
		Title:              "Cabin by the lake",
		MaxGuests:          4,
		CancellationPolicy: "moderate",
		Currency:           "USD",
	}
	store.AddListing(listing)

	gateway := &mockGateway{}
	notifier := &fakeNotifier{}
	logger := zerolog.Nop()
	svc := NewService(store, gateway, notifier, &logger, Options{Currency: "USD", DefaultPolicy: "moderate"})
	svc.now = func() time.Time { return now }

	t.Cleanup(func() { gateway.AssertExpectations(t) })

	return &fixture{
		store:    store,
		gateway:  gateway,
		notifier: notifier,
		svc:      svc,
		listing:  listing,
		host:     host,
		guest:    Caller{UserID: uuid.New()},
		admin:    Caller{UserID: uuid.New(), Admin: true},
		now:      now,
	}
}

func (f *fixture) date(daysFromToday int) time.Time {
	return dateOf(f.now).AddDate(0, 0, daysFromToday)
}

func (f *fixture) input(checkIn, nights int, total int64, method model.PaymentMethod) CreateInput {
	return CreateInput{
		ListingID:     f.listing.ID,
		CheckIn:       f.date(checkIn),
		CheckOut:      f.date(checkIn + nights),
		GuestCount:    2,
		GuestName:     "Ama Mensah",
		GuestEmail:    "ama@example.com",
		TotalAmount:   total,
		PaymentMethod: method,
	}
}

func (f *fixture) expectIntent(intentID string) {
	f.gateway.On("CreateIntent", mock.Anything, mock.Anything).
		Return(&types.Intent{ID: intentID, ClientSecret: intentID + "_secret", Status: "requires_payment_method"}, nil).
		Once()
}

// settle marks the intent succeeded the way the webhook reconciler does.
func (f *fixture) settle(t *testing.T, intentID string) {
	t.Helper()
	err := f.store.InTx(context.Background(), func(tx ledger.Tx) error {
		_, err := tx.UpdateTransactionStatus(context.Background(), intentID,
			[]model.TransactionStatus{model.TransactionPending}, model.TransactionSucceeded, nil)
		return err
	})
	require.NoError(t, err)
}

// confirmed books, approves and settles the first payment.
func (f *fixture) confirmed(t *testing.T, in CreateInput, intentID string) *model.Reservation {
	t.Helper()
	ctx := context.Background()

	details, err := f.svc.Create(ctx, f.guest, in)
	require.NoError(t, err)

	f.expectIntent(intentID)
	_, err = f.svc.HostDecision(ctx, details.Reservation.ID, f.host, Approve, "")
	require.NoError(t, err)

	f.settle(t, intentID)
	moved, err := f.svc.ConfirmDeposit(ctx, details.Reservation.ID)
	require.NoError(t, err)
	require.True(t, moved)

	res, err := f.store.GetReservation(ctx, details.Reservation.ID)
	require.NoError(t, err)
	return res
}

func TestCreate_DepositPlan(t *testing.T) {
	f := newFixture(t)

	details, err := f.svc.Create(context.Background(), f.guest, f.input(20, 3, 200001, model.PaymentMethodDeposit))
	require.NoError(t, err)

	res := details.Reservation
	assert.Equal(t, model.StatusPending, res.Status)
	assert.Equal(t, model.PaymentMethodDeposit, res.PaymentMethod)
	assert.Equal(t, int64(100001), res.DepositAmount)
	assert.Equal(t, int64(100000), res.RemainingAmount)
	assert.Equal(t, res.TotalAmount, res.DepositAmount+res.RemainingAmount)
	assert.Equal(t, f.date(17), res.PaymentDueDate)
	assert.Equal(t, f.listing.HostID, res.HostID)

	require.Len(t, details.Schedules, 2)
	assert.Equal(t, model.ScheduleDeposit, details.Schedules[0].Kind)
	assert.Equal(t, f.date(0), details.Schedules[0].DueDate)
	assert.Equal(t, model.ScheduleRemaining, details.Schedules[1].Kind)
	assert.Equal(t, f.date(17), details.Schedules[1].DueDate)

	assert.Equal(t, 1, f.notifier.count(notify.EventRequested))
	assert.Equal(t, []uuid.UUID{f.host.UserID}, f.notifier.events[0].Recipients)
}

func TestCreate_FullPlanWhenBalanceAlreadyDue(t *testing.T) {
	f := newFixture(t)

	details, err := f.svc.Create(context.Background(), f.guest, f.input(2, 2, 50000, model.PaymentMethodDeposit))
	require.NoError(t, err)

	assert.Equal(t, model.PaymentMethodFull, details.Reservation.PaymentMethod)
	require.Len(t, details.Schedules, 1)
	assert.Equal(t, model.ScheduleFull, details.Schedules[0].Kind)
	assert.Equal(t, int64(50000), details.Schedules[0].Amount)
}

func TestCreate_RejectsBeforeWriting(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		caller Caller
		mutate func(*CreateInput)
		code   apperror.Code
	}{
		{"past check-in", f.guest, func(in *CreateInput) { in.CheckIn = f.date(-1) }, apperror.CodeValidation},
		{"check-out not after check-in", f.guest, func(in *CreateInput) { in.CheckOut = in.CheckIn }, apperror.CodeValidation},
		{"missing guest name", f.guest, func(in *CreateInput) { in.GuestName = "  " }, apperror.CodeValidation},
		{"non-positive total", f.guest, func(in *CreateInput) { in.TotalAmount = 0 }, apperror.CodeValidation},
		{"too many guests", f.guest, func(in *CreateInput) { in.GuestCount = 5 }, apperror.CodeValidation},
		{"unknown listing", f.guest, func(in *CreateInput) { in.ListingID = uuid.New() }, apperror.CodeNotFound},
		{"host books own listing", f.host, func(*CreateInput) {}, apperror.CodeForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := f.input(10, 2, 100000, model.PaymentMethodDeposit)
			tt.mutate(&in)

			_, err := f.svc.Create(context.Background(), tt.caller, in)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperror.CodeOf(err))

			reservations, schedules, transactions, refunds := f.store.Counts()
			assert.Zero(t, reservations+schedules+transactions+refunds)
		})
	}
}

func TestCreate_OverlappingDatesUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, f.guest, f.input(10, 3, 90000, model.PaymentMethodFull))
	require.NoError(t, err)

	other := Caller{UserID: uuid.New()}
	_, err = f.svc.Create(ctx, other, f.input(12, 2, 60000, model.PaymentMethodFull))
	assert.Equal(t, apperror.CodeUnavailable, apperror.CodeOf(err))

	// check-out day is free for the next arrival
	_, err = f.svc.Create(ctx, other, f.input(13, 2, 60000, model.PaymentMethodFull))
	assert.NoError(t, err)
}

func TestCreate_DeclinedDatesBecomeAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, f.guest, f.input(10, 3, 90000, model.PaymentMethodFull))
	require.NoError(t, err)
	_, err = f.svc.HostDecision(ctx, first.Reservation.ID, f.host, Decline, "dates blocked")
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, Caller{UserID: uuid.New()}, f.input(10, 3, 90000, model.PaymentMethodFull))
	assert.NoError(t, err)
}

func TestHostDecision_Approve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	details, err := f.svc.Create(ctx, f.guest, f.input(20, 3, 200000, model.PaymentMethodDeposit))
	require.NoError(t, err)
	deposit := details.Schedules[0]

	f.gateway.On("CreateIntent", mock.Anything, mock.MatchedBy(func(req types.IntentRequest) bool {
		return req.Amount == 100000 &&
			req.Currency == "USD" &&
			req.IdempotencyKey == "intent-"+deposit.ID.String() &&
			req.Metadata["reservation_id"] == details.Reservation.ID.String()
	})).Return(&types.Intent{ID: "pi_deposit", ClientSecret: "pi_deposit_secret"}, nil).Once()

	result, err := f.svc.HostDecision(ctx, details.Reservation.ID, f.host, Approve, "")
	require.NoError(t, err)

	assert.Equal(t, model.StatusAwaitingPayment, result.Reservation.Status)
	require.NotNil(t, result.Payment)
	assert.Equal(t, "pi_deposit", result.Payment.IntentID)
	assert.Equal(t, "pi_deposit_secret", result.Payment.ClientSecret)
	assert.Equal(t, model.ScheduleDeposit, result.Payment.Kind)

	txn, err := f.store.GetTransactionByIntent(ctx, "pi_deposit")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionPending, txn.Status)
	assert.Equal(t, deposit.ID, txn.ScheduleID)

	schedules, err := f.store.GetSchedules(ctx, details.Reservation.ID)
	require.NoError(t, err)
	require.NotNil(t, schedules[0].IntentID)
	assert.Equal(t, "pi_deposit", *schedules[0].IntentID)

	assert.Equal(t, 1, f.notifier.count(notify.EventApproved))
}

func TestHostDecision_GatewayFailureLeavesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	details, err := f.svc.Create(ctx, f.guest, f.input(20, 3, 200000, model.PaymentMethodDeposit))
	require.NoError(t, err)

	f.gateway.On("CreateIntent", mock.Anything, mock.Anything).
		Return(nil, apperror.New(apperror.CodeGatewayUnavailable, "gateway timed out")).Once()

	_, err = f.svc.HostDecision(ctx, details.Reservation.ID, f.host, Approve, "")
	assert.Equal(t, apperror.CodeGatewayUnavailable, apperror.CodeOf(err))

	res, err := f.store.GetReservation(ctx, details.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, res.Status)

	_, _, transactions, _ := f.store.Counts()
	assert.Zero(t, transactions)
	assert.Zero(t, f.notifier.count(notify.EventApproved))
}

func TestHostDecision_NonPendingIsInvalidStateForEveryCaller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	details, err := f.svc.Create(ctx, f.guest, f.input(20, 3, 200000, model.PaymentMethodDeposit))
	require.NoError(t, err)
	_, err = f.svc.HostDecision(ctx, details.Reservation.ID, f.host, Decline, "maintenance")
	require.NoError(t, err)

	callers := map[string]Caller{
		"host":     f.host,
		"guest":    f.guest,
		"admin":    f.admin,
		"stranger": {UserID: uuid.New()},
	}
	for name, caller := range callers {
		for _, decision := range []Decision{Approve, Decline} {
			t.Run(name+"/"+string(decision), func(t *testing.T) {
				_, err := f.svc.HostDecision(ctx, details.Reservation.ID, caller, decision, "")
				assert.Equal(t, apperror.CodeInvalidState, apperror.CodeOf(err))
			})
		}
	}
}

func TestHostDecision_OnlyHostActsOnPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	details, err := f.svc.Create(ctx, f.guest, f.input(20, 3, 200000, model.PaymentMethodDeposit))
	require.NoError(t, err)

	_, err = f.svc.HostDecision(ctx, details.Reservation.ID, f.guest, Approve, "")
	assert.Equal(t, apperror.CodeForbidden, apperror.CodeOf(err))

	_, err = f.svc.HostDecision(ctx, details.Reservation.ID, f.host, Decision("maybe"), "")
	assert.Equal(t, apperror.CodeValidation, apperror.CodeOf(err))
}

func TestConfirmDeposit_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.confirmed(t, f.input(20, 3, 200000, model.PaymentMethodDeposit), "pi_deposit")

	moved, err := f.svc.ConfirmDeposit(ctx, res.ID)
	require.NoError(t, err)
	assert.False(t, moved)

	assert.Equal(t, model.StatusConfirmed, res.Status)
	assert.True(t, res.DepositPaid)
	assert.False(t, res.BalancePaid)
	assert.Equal(t, 1, f.notifier.count(notify.EventConfirmed))

	require.Len(t, f.notifier.scheduled, 1)
	reminder := f.notifier.scheduled[0]
	assert.Equal(t, notify.EventReminder, reminder.event.Type)
	assert.Equal(t, f.date(16), reminder.at)

	schedules, err := f.store.GetSchedules(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SchedulePaid, schedules[0].Status)
	assert.Equal(t, model.SchedulePending, schedules[1].Status)
}

func TestConfirmDeposit_FullPaymentSettlesBalance(t *testing.T) {
	f := newFixture(t)

	res := f.confirmed(t, f.input(20, 3, 200000, model.PaymentMethodFull), "pi_full")

	assert.True(t, res.DepositPaid)
	assert.True(t, res.BalancePaid)
	assert.Empty(t, f.notifier.scheduled)
}

func TestConfirmDeposit_IgnoresCancelledReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	details, err := f.svc.Create(ctx, f.guest, f.input(20, 3, 200000, model.PaymentMethodDeposit))
	require.NoError(t, err)
	f.expectIntent("pi_deposit")
	_, err = f.svc.HostDecision(ctx, details.Reservation.ID, f.host, Approve, "")
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, details.Reservation.ID, f.guest, "changed plans")
	require.NoError(t, err)

	moved, err := f.svc.ConfirmDeposit(ctx, details.Reservation.ID)
	require.NoError(t, err)
	assert.False(t, moved)

	res, err := f.store.GetReservation(ctx, details.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, res.Status)
	assert.False(t, res.DepositPaid)
}

func TestPayRemaining_ThenComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.confirmed(t, f.input(20, 3, 200000, model.PaymentMethodDeposit), "pi_deposit")
	schedules, err := f.store.GetSchedules(ctx, res.ID)
	require.NoError(t, err)
	remaining := schedules[1]

	_, err = f.svc.PayRemaining(ctx, res.ID, f.host)
	assert.Equal(t, apperror.CodeForbidden, apperror.CodeOf(err))

	f.gateway.On("CreateIntent", mock.Anything, mock.MatchedBy(func(req types.IntentRequest) bool {
		return req.Amount == 100000 && req.IdempotencyKey == "intent-"+remaining.ID.String()+"-0"
	})).Return(&types.Intent{ID: "pi_balance", ClientSecret: "pi_balance_secret"}, nil).Once()

	payment, err := f.svc.PayRemaining(ctx, res.ID, f.guest)
	require.NoError(t, err)
	assert.Equal(t, "pi_balance", payment.IntentID)
	assert.Equal(t, model.ScheduleRemaining, payment.Kind)

	f.settle(t, "pi_balance")
	moved, err := f.svc.CompleteRemainingPayment(ctx, res.ID, remaining.ID)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = f.svc.CompleteRemainingPayment(ctx, res.ID, remaining.ID)
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := f.store.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, got.Status)
	assert.True(t, got.BalancePaid)
	assert.Equal(t, 1, f.notifier.count(notify.EventBalancePaid))

	_, err = f.svc.PayRemaining(ctx, res.ID, f.guest)
	assert.Equal(t, apperror.CodeInvalidState, apperror.CodeOf(err))
}

func TestPayRemaining_ReplaysPendingIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.confirmed(t, f.input(20, 3, 200000, model.PaymentMethodDeposit), "pi_deposit")
	schedules, err := f.store.GetSchedules(ctx, res.ID)
	require.NoError(t, err)
	remaining := schedules[1]
	keyFor := func(attempt string) func(types.IntentRequest) bool {
		return func(req types.IntentRequest) bool {
			return req.IdempotencyKey == "intent-"+remaining.ID.String()+"-"+attempt
		}
	}

	f.gateway.On("CreateIntent", mock.Anything, mock.MatchedBy(keyFor("0"))).
		Return(&types.Intent{ID: "pi_balance", ClientSecret: "pi_balance_secret"}, nil).Twice()

	first, err := f.svc.PayRemaining(ctx, res.ID, f.guest)
	require.NoError(t, err)
	second, err := f.svc.PayRemaining(ctx, res.ID, f.guest)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	txns, err := f.store.ListTransactions(ctx, res.ID)
	require.NoError(t, err)
	assert.Len(t, txns, 2, "deposit plus a single balance transaction")

	// once the pending attempt fails a fresh key is used
	require.NoError(t, f.store.InTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.UpdateTransactionStatus(ctx, "pi_balance",
			[]model.TransactionStatus{model.TransactionPending}, model.TransactionFailed, nil)
		return err
	}))
	f.gateway.On("CreateIntent", mock.Anything, mock.MatchedBy(keyFor("1"))).
		Return(&types.Intent{ID: "pi_balance_retry"}, nil).Once()

	retry, err := f.svc.PayRemaining(ctx, res.ID, f.guest)
	require.NoError(t, err)
	assert.Equal(t, "pi_balance_retry", retry.IntentID)

	sched, err := f.store.GetSchedules(ctx, res.ID)
	require.NoError(t, err)
	require.NotNil(t, sched[1].IntentID)
	assert.Equal(t, "pi_balance_retry", *sched[1].IntentID)
}

func TestPayRemaining_RejectsMismatchedReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.confirmed(t, f.input(20, 3, 200000, model.PaymentMethodDeposit), "pi_deposit")

	f.gateway.On("CreateIntent", mock.Anything, mock.Anything).
		Return(&types.Intent{ID: "pi_balance"}, nil).Once()
	_, err := f.svc.PayRemaining(ctx, res.ID, f.guest)
	require.NoError(t, err)

	f.gateway.On("CreateIntent", mock.Anything, mock.Anything).
		Return(&types.Intent{ID: "pi_other"}, nil).Once()
	_, err = f.svc.PayRemaining(ctx, res.ID, f.guest)
	assert.Equal(t, apperror.CodeGatewayRejected, apperror.CodeOf(err))

	_, err = f.store.GetTransactionByIntent(ctx, "pi_other")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestCancel_RefundsPerPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 2000.00 booked, 1000.00 deposit paid, cancelled 8 days out on moderate.
	res := f.confirmed(t, f.input(8, 3, 200000, model.PaymentMethodDeposit), "pi_deposit")
	txn, err := f.store.GetTransactionByIntent(ctx, "pi_deposit")
	require.NoError(t, err)

	f.gateway.On("CreateRefund", mock.Anything, types.RefundRequest{
		IntentID:       "pi_deposit",
		Amount:         90000,
		Reason:         "change of plans",
		IdempotencyKey: "refund-" + res.ID.String() + "-" + txn.ID.String() + "-90000",
	}).Return(&types.Refund{ID: "re_1", Amount: 90000, Status: "succeeded"}, nil).Once()

	result, err := f.svc.Cancel(ctx, res.ID, f.guest, "change of plans")
	require.NoError(t, err)

	assert.Equal(t, model.StatusCancelled, result.Reservation.Status)
	assert.Equal(t, int64(10000), result.Reservation.CancellationFee)
	assert.Equal(t, int64(90000), result.Reservation.RefundAmount)
	require.NotNil(t, result.Reservation.CancelledBy)
	assert.Equal(t, model.ActorClient, *result.Reservation.CancelledBy)

	assert.Equal(t, int64(100000), result.Refund.PaidAmount)
	assert.Equal(t, 100, result.Refund.RefundPercentage)
	assert.Equal(t, []string{"re_1"}, result.Refund.ExternalRefundIDs)

	details, err := f.svc.Get(ctx, res.ID, f.host)
	require.NoError(t, err)
	require.NotNil(t, details.Refund)
	assert.Equal(t, int64(90000), details.Refund.RefundAmount)
	assert.Equal(t, 1, f.notifier.count(notify.EventCancelled))
}

func TestCancel_RefundFailureChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.confirmed(t, f.input(8, 3, 200000, model.PaymentMethodDeposit), "pi_deposit")

	f.gateway.On("CreateRefund", mock.Anything, mock.Anything).
		Return(nil, errors.New("connection reset")).Once()

	_, err := f.svc.Cancel(ctx, res.ID, f.guest, "")
	assert.Equal(t, apperror.CodeRefundFailed, apperror.CodeOf(err))
	assert.True(t, apperror.Retryable(err))

	got, err := f.store.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, got.Status)
	assert.Nil(t, got.CancelledBy)
	assert.Zero(t, got.RefundAmount)

	_, err = f.store.GetRefundRecord(ctx, res.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.Zero(t, f.notifier.count(notify.EventCancelled))
}

func refundKeyed(key string) any {
	return mock.MatchedBy(func(req types.RefundRequest) bool { return req.IdempotencyKey == key })
}

func TestCancel_RetryAtLowerRefundUsesNewKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.confirmed(t, f.input(20, 3, 200000, model.PaymentMethodDeposit), "pi_deposit")
	txn, err := f.store.GetTransactionByIntent(ctx, "pi_deposit")
	require.NoError(t, err)
	prefix := "refund-" + res.ID.String() + "-" + txn.ID.String()

	// 100% tier: 100000 paid, 10000 fee.
	f.gateway.On("CreateRefund", mock.Anything, refundKeyed(prefix+"-90000")).
		Return(nil, errors.New("connection reset")).Once()
	_, err = f.svc.Cancel(ctx, res.ID, f.guest, "")
	assert.Equal(t, apperror.CodeRefundFailed, apperror.CodeOf(err))

	// Five days out the 50% tier applies.
	f.svc.now = func() time.Time { return f.now.AddDate(0, 0, 15) }
	f.gateway.On("CreateRefund", mock.Anything, refundKeyed(prefix+"-45000")).
		Return(&types.Refund{ID: "re_2", Amount: 45000, Status: "succeeded"}, nil).Once()

	result, err := f.svc.Cancel(ctx, res.ID, f.guest, "")
	require.NoError(t, err)
	assert.Equal(t, 50, result.Refund.RefundPercentage)
	assert.Equal(t, int64(45000), result.Refund.RefundAmount)
	assert.Equal(t, []string{"re_2"}, result.Refund.ExternalRefundIDs)
}

func TestCancel_RetryKeepsRefundsAlreadyIssued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.confirmed(t, f.input(20, 3, 200000, model.PaymentMethodDeposit), "pi_deposit")
	f.expectIntent("pi_balance")
	_, err := f.svc.PayRemaining(ctx, res.ID, f.guest)
	require.NoError(t, err)
	f.settle(t, "pi_balance")
	schedules, err := f.store.GetSchedules(ctx, res.ID)
	require.NoError(t, err)
	_, err = f.svc.CompleteRemainingPayment(ctx, res.ID, schedules[1].ID)
	require.NoError(t, err)

	deposit, err := f.store.GetTransactionByIntent(ctx, "pi_deposit")
	require.NoError(t, err)
	balance, err := f.store.GetTransactionByIntent(ctx, "pi_balance")
	require.NoError(t, err)

	// 200000 paid at 100%: 180000 back, split 100000 + 80000.
	f.gateway.On("CreateRefund", mock.Anything,
		refundKeyed("refund-"+res.ID.String()+"-"+deposit.ID.String()+"-100000")).
		Return(&types.Refund{ID: "re_1", Amount: 100000, Status: "succeeded"}, nil).Once()
	f.gateway.On("CreateRefund", mock.Anything,
		refundKeyed("refund-"+res.ID.String()+"-"+balance.ID.String()+"-80000")).
		Return(nil, errors.New("connection reset")).Once()

	_, err = f.svc.Cancel(ctx, res.ID, f.guest, "")
	assert.Equal(t, apperror.CodeRefundFailed, apperror.CodeOf(err))

	got, err := f.store.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, got.Status)

	journal, err := f.store.ListGatewayRefunds(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, journal, 1)
	assert.Equal(t, "re_1", journal[0].RefundID)

	f.gateway.On("CreateRefund", mock.Anything,
		refundKeyed("refund-"+res.ID.String()+"-"+balance.ID.String()+"-80000")).
		Return(&types.Refund{ID: "re_2", Amount: 80000, Status: "succeeded"}, nil).Once()

	result, err := f.svc.Cancel(ctx, res.ID, f.guest, "")
	require.NoError(t, err)
	assert.Equal(t, int64(180000), result.Refund.RefundAmount)
	assert.Equal(t, []string{"re_1", "re_2"}, result.Refund.ExternalRefundIDs)
	f.gateway.AssertNumberOfCalls(t, "CreateRefund", 3)
}

func TestCancel_UnpaidSkipsGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	details, err := f.svc.Create(ctx, f.guest, f.input(20, 3, 200000, model.PaymentMethodDeposit))
	require.NoError(t, err)

	result, err := f.svc.Cancel(ctx, details.Reservation.ID, f.host, "")
	require.NoError(t, err)

	assert.Equal(t, model.ActorHost, *result.Reservation.CancelledBy)
	assert.Zero(t, result.Refund.PaidAmount)
	assert.Zero(t, result.Refund.RefundAmount)
	assert.Empty(t, result.Refund.ExternalRefundIDs)
	f.gateway.AssertNotCalled(t, "CreateRefund", mock.Anything, mock.Anything)
}

func TestCancel_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	details, err := f.svc.Create(ctx, f.guest, f.input(20, 3, 200000, model.PaymentMethodDeposit))
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, details.Reservation.ID, Caller{UserID: uuid.New()}, "")
	assert.Equal(t, apperror.CodeForbidden, apperror.CodeOf(err))

	result, err := f.svc.Cancel(ctx, details.Reservation.ID, f.admin, "fraud review")
	require.NoError(t, err)
	assert.Equal(t, model.ActorAdmin, *result.Reservation.CancelledBy)

	_, err = f.svc.Cancel(ctx, details.Reservation.ID, f.guest, "")
	assert.Equal(t, apperror.CodeInvalidState, apperror.CodeOf(err))
}

func TestAutoComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.confirmed(t, f.input(5, 2, 80000, model.PaymentMethodFull), "pi_full")
	pending, err := f.svc.Create(ctx, Caller{UserID: uuid.New()}, f.input(30, 2, 80000, model.PaymentMethodFull))
	require.NoError(t, err)

	n, err := f.svc.AutoComplete(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	later := f.now.AddDate(0, 0, 8)
	f.svc.now = func() time.Time { return later }

	n, err = f.svc.AutoComplete(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)

	other, err := f.store.GetReservation(ctx, pending.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, other.Status)
	assert.Equal(t, 1, f.notifier.count(notify.EventCompleted))

	n, err = f.svc.AutoComplete(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAutoComplete_WithoutGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.confirmed(t, f.input(5, 2, 80000, model.PaymentMethodFull), "pi_full")
	pending, err := f.svc.Create(ctx, Caller{UserID: uuid.New()}, f.input(30, 2, 80000, model.PaymentMethodFull))
	require.NoError(t, err)

	logger := zerolog.Nop()
	worker := NewService(f.store, NoGateway{}, f.notifier, &logger, Options{DefaultPolicy: "moderate"})
	worker.now = func() time.Time { return f.now.AddDate(0, 0, 8) }

	n, err := worker.AutoComplete(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)

	_, err = worker.HostDecision(ctx, pending.Reservation.ID, f.host, Approve, "")
	assert.Equal(t, apperror.CodeGatewayUnavailable, apperror.CodeOf(err))

	other, err := f.store.GetReservation(ctx, pending.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, other.Status)
}

func TestGetAndList_ScopedToParticipants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	details, err := f.svc.Create(ctx, f.guest, f.input(20, 3, 200000, model.PaymentMethodDeposit))
	require.NoError(t, err)

	stranger := Caller{UserID: uuid.New()}
	_, err = f.svc.Get(ctx, details.Reservation.ID, stranger)
	assert.Equal(t, apperror.CodeForbidden, apperror.CodeOf(err))

	_, err = f.svc.Get(ctx, uuid.New(), f.guest)
	assert.Equal(t, apperror.CodeNotFound, apperror.CodeOf(err))

	got, err := f.svc.Get(ctx, details.Reservation.ID, f.host)
	require.NoError(t, err)
	assert.Len(t, got.Schedules, 2)
	assert.Nil(t, got.Refund)

	list, err := f.svc.List(ctx, stranger, "", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, list.Reservations)
	assert.Equal(t, DefaultPageSize, list.Limit)
	assert.Equal(t, 1, list.Page)

	list, err = f.svc.List(ctx, f.admin, model.StatusPending, 1, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, MaxPageSize, list.Limit)

	_, err = f.svc.List(ctx, f.guest, model.ReservationStatus("archived"), 1, 10)
	assert.Equal(t, apperror.CodeValidation, apperror.CodeOf(err))
}
