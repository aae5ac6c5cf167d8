package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Niiaks/Lodge/internal/config"
	"github.com/Niiaks/Lodge/internal/ledger"
	"github.com/Niiaks/Lodge/internal/ledger/ledgertest"
	"github.com/Niiaks/Lodge/internal/model"
	"github.com/Niiaks/Lodge/internal/notify"
	"github.com/Niiaks/Lodge/internal/psp"
	"github.com/Niiaks/Lodge/internal/reservation"
	"github.com/Niiaks/Lodge/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

// stubGateway numbers intents pi_1, pi_2, ... and replays an intent for a
// reused idempotency key.
type stubGateway struct {
	mu    sync.Mutex
	byKey map[string]*types.Intent
}

func (g *stubGateway) CreateIntent(_ context.Context, req types.IntentRequest) (*types.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.byKey == nil {
		g.byKey = map[string]*types.Intent{}
	}
	if intent, ok := g.byKey[req.IdempotencyKey]; ok {
		return intent, nil
	}
	id := fmt.Sprintf("pi_%d", len(g.byKey)+1)
	intent := &types.Intent{ID: id, ClientSecret: id + "_secret", Amount: req.Amount, Currency: req.Currency}
	g.byKey[req.IdempotencyKey] = intent
	return intent, nil
}

func (g *stubGateway) CreateRefund(_ context.Context, req types.RefundRequest) (*types.Refund, error) {
	return &types.Refund{ID: "re_" + req.IntentID, Amount: req.Amount, Status: "succeeded"}, nil
}

type countingNotifier struct {
	mu     sync.Mutex
	counts map[string]int
}

func (n *countingNotifier) Notify(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts[ev.Type]++
	return nil
}

func (n *countingNotifier) Schedule(context.Context, notify.Event, time.Time) error { return nil }

func (n *countingNotifier) count(eventType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts[eventType]
}

type memMarker struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *memMarker) IsProcessed(_ context.Context, namespace, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[namespace+":"+id], nil
}

func (m *memMarker) MarkProcessed(_ context.Context, namespace, id string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[namespace+":"+id] = true
	return nil
}

type fixture struct {
	store      *ledgertest.Store
	svc        *reservation.Service
	notifier   *countingNotifier
	reconciler *Reconciler
	host       reservation.Caller
	guest      reservation.Caller
	listingID  uuid.UUID
}

func newFixture(t *testing.T, marker Marker) *fixture {
	t.Helper()

	store := ledgertest.New()
	store.AddPolicy("moderate",
		model.CancellationPolicy{DaysBeforeCheckIn: 7, RefundPercentage: 100},
		model.CancellationPolicy{DaysBeforeCheckIn: 3, RefundPercentage: 50},
		model.CancellationPolicy{DaysBeforeCheckIn: 0, RefundPercentage: 0},
	)
	host := reservation.Caller{UserID: uuid.New()}
	listing := model.Listing{ID: uuid.New(), HostID: host.UserID, MaxGuests: 4, CancellationPolicy: "moderate", Currency: "USD"}
	store.AddListing(listing)

	logger := zerolog.Nop()
	notifier := &countingNotifier{counts: map[string]int{}}
	svc := reservation.NewService(store, &stubGateway{}, notifier, &logger, reservation.Options{Currency: "USD", DefaultPolicy: "moderate"})

	return &fixture{
		store:      store,
		svc:        svc,
		notifier:   notifier,
		reconciler: NewReconciler(store, svc, marker, &logger),
		host:       host,
		guest:      reservation.Caller{UserID: uuid.New()},
		listingID:  listing.ID,
	}
}

// approved returns a reservation awaiting its first payment and that
// payment's intent id.
func (f *fixture) approved(t *testing.T, method model.PaymentMethod) (uuid.UUID, string) {
	t.Helper()
	ctx := context.Background()
	today := time.Now().UTC().Truncate(24 * time.Hour)

	details, err := f.svc.Create(ctx, f.guest, reservation.CreateInput{
		ListingID:     f.listingID,
		CheckIn:       today.AddDate(0, 0, 30),
		CheckOut:      today.AddDate(0, 0, 33),
		GuestCount:    2,
		GuestName:     "Kofi Boateng",
		GuestEmail:    "kofi@example.com",
		TotalAmount:   200000,
		PaymentMethod: method,
	})
	require.NoError(t, err)

	result, err := f.svc.HostDecision(ctx, details.Reservation.ID, f.host, reservation.Approve, "")
	require.NoError(t, err)
	return details.Reservation.ID, result.Payment.IntentID
}

func intentEvent(t *testing.T, eventID, eventType, intentID string) []byte {
	t.Helper()
	obj := map[string]any{"id": intentID, "amount": 100000, "currency": "usd", "status": "succeeded"}
	if eventType == types.EventIntentFailed {
		obj["status"] = "requires_payment_method"
		obj["last_payment_error"] = map[string]string{"code": "card_declined", "message": "Your card was declined."}
	}
	body, err := json.Marshal(map[string]any{
		"id":      eventID,
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]any{"object": obj},
	})
	require.NoError(t, err)
	return body
}

func (f *fixture) transaction(t *testing.T, intentID string) *model.Transaction {
	t.Helper()
	txn, err := f.store.GetTransactionByIntent(context.Background(), intentID)
	require.NoError(t, err)
	return txn
}

func TestReconcile_DuplicateSuccessAppliesOnce(t *testing.T) {
	for name, marker := range map[string]Marker{
		"with marker":    &memMarker{seen: map[string]bool{}},
		"without marker": nil,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, marker)
			ctx := context.Background()
			resID, intentID := f.approved(t, model.PaymentMethodDeposit)

			body := intentEvent(t, "evt_1", types.EventIntentSucceeded, intentID)
			require.NoError(t, f.reconciler.Reconcile(ctx, body))
			require.NoError(t, f.reconciler.Reconcile(ctx, body))

			res, err := f.store.GetReservation(ctx, resID)
			require.NoError(t, err)
			assert.Equal(t, model.StatusConfirmed, res.Status)
			assert.True(t, res.DepositPaid)
			assert.Equal(t, 1, f.notifier.count(notify.EventConfirmed))

			schedules, err := f.store.GetSchedules(ctx, resID)
			require.NoError(t, err)
			assert.Equal(t, model.SchedulePaid, schedules[0].Status)
			assert.Equal(t, model.TransactionSucceeded, f.transaction(t, intentID).Status)

			ev, ok := f.store.WebhookEvent("evt_1")
			require.True(t, ok)
			assert.Equal(t, model.WebhookProcessed, ev.Status)
		})
	}
}

func TestReconcile_RedeliveryAfterCrashHeals(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	resID, intentID := f.approved(t, model.PaymentMethodFull)

	// first delivery settled the transaction but died before confirming
	_, err := f.store.RecordWebhookEvent(ctx, &model.WebhookEvent{EventID: "evt_1", Type: types.EventIntentSucceeded, Payload: []byte("{}")})
	require.NoError(t, err)
	require.NoError(t, f.store.InTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.UpdateTransactionStatus(ctx, intentID,
			[]model.TransactionStatus{model.TransactionPending}, model.TransactionSucceeded, nil)
		return err
	}))

	require.NoError(t, f.reconciler.Reconcile(ctx, intentEvent(t, "evt_1", types.EventIntentSucceeded, intentID)))

	res, err := f.store.GetReservation(ctx, resID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, res.Status)
	assert.True(t, res.BalancePaid)
	assert.Equal(t, 1, f.notifier.count(notify.EventConfirmed))
}

func TestReconcile_FailureNeverRegressesSuccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	resID, intentID := f.approved(t, model.PaymentMethodDeposit)

	require.NoError(t, f.reconciler.Reconcile(ctx, intentEvent(t, "evt_ok", types.EventIntentSucceeded, intentID)))
	require.NoError(t, f.reconciler.Reconcile(ctx, intentEvent(t, "evt_fail", types.EventIntentFailed, intentID)))

	txn := f.transaction(t, intentID)
	assert.Equal(t, model.TransactionSucceeded, txn.Status)
	assert.Nil(t, txn.FailureReason)

	res, err := f.store.GetReservation(ctx, resID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, res.Status)

	ev, ok := f.store.WebhookEvent("evt_fail")
	require.True(t, ok)
	assert.Equal(t, model.WebhookIgnored, ev.Status)
}

func TestReconcile_FailureThenSuccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	resID, intentID := f.approved(t, model.PaymentMethodDeposit)

	require.NoError(t, f.reconciler.Reconcile(ctx, intentEvent(t, "evt_fail", types.EventIntentFailed, intentID)))

	txn := f.transaction(t, intentID)
	assert.Equal(t, model.TransactionFailed, txn.Status)
	require.NotNil(t, txn.FailureReason)
	assert.Equal(t, "Your card was declined.", *txn.FailureReason)

	res, err := f.store.GetReservation(ctx, resID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAwaitingPayment, res.Status)

	require.NoError(t, f.reconciler.Reconcile(ctx, intentEvent(t, "evt_ok", types.EventIntentSucceeded, intentID)))
	assert.Equal(t, model.TransactionSucceeded, f.transaction(t, intentID).Status)

	res, err = f.store.GetReservation(ctx, resID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, res.Status)
}

func TestReconcile_SuccessOnCancelledReservation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	resID, intentID := f.approved(t, model.PaymentMethodDeposit)

	_, err := f.svc.Cancel(ctx, resID, f.guest, "found another place")
	require.NoError(t, err)

	require.NoError(t, f.reconciler.Reconcile(ctx, intentEvent(t, "evt_late", types.EventIntentSucceeded, intentID)))

	assert.Equal(t, model.TransactionSucceeded, f.transaction(t, intentID).Status)
	res, err := f.store.GetReservation(ctx, resID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, res.Status)
	assert.False(t, res.DepositPaid)
	assert.Zero(t, f.notifier.count(notify.EventConfirmed))

	ev, ok := f.store.WebhookEvent("evt_late")
	require.True(t, ok)
	assert.Equal(t, model.WebhookIgnored, ev.Status)
}

func TestReconcile_RemainingBalance(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	resID, intentID := f.approved(t, model.PaymentMethodDeposit)
	require.NoError(t, f.reconciler.Reconcile(ctx, intentEvent(t, "evt_dep", types.EventIntentSucceeded, intentID)))

	payment, err := f.svc.PayRemaining(ctx, resID, f.guest)
	require.NoError(t, err)

	session, err := json.Marshal(map[string]any{
		"id":   "evt_session",
		"type": types.EventCheckoutSessionDone,
		"data": map[string]any{"object": map[string]any{
			"id":             "cs_1",
			"payment_intent": payment.IntentID,
			"payment_status": "paid",
			"amount_total":   100000,
		}},
	})
	require.NoError(t, err)
	require.NoError(t, f.reconciler.Reconcile(ctx, session))

	res, err := f.store.GetReservation(ctx, resID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, res.Status)
	assert.True(t, res.BalancePaid)
	assert.Equal(t, 1, f.notifier.count(notify.EventBalancePaid))
}

func TestReconcile_SecondPaymentForSettledBalance(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	resID, intentID := f.approved(t, model.PaymentMethodDeposit)
	require.NoError(t, f.reconciler.Reconcile(ctx, intentEvent(t, "evt_dep", types.EventIntentSucceeded, intentID)))

	first, err := f.svc.PayRemaining(ctx, resID, f.guest)
	require.NoError(t, err)
	again, err := f.svc.PayRemaining(ctx, resID, f.guest)
	require.NoError(t, err)
	require.Equal(t, first.IntentID, again.IntentID, "pending intent is handed out again")

	// the first attempt is reported failed, the guest retries with a new intent
	require.NoError(t, f.reconciler.Reconcile(ctx, intentEvent(t, "evt_r1_fail", types.EventIntentFailed, first.IntentID)))
	retry, err := f.svc.PayRemaining(ctx, resID, f.guest)
	require.NoError(t, err)
	require.NotEqual(t, first.IntentID, retry.IntentID)

	require.NoError(t, f.reconciler.Reconcile(ctx, intentEvent(t, "evt_r2", types.EventIntentSucceeded, retry.IntentID)))

	// the gateway later captures the first attempt as well
	late := intentEvent(t, "evt_r1_late", types.EventIntentSucceeded, first.IntentID)
	require.NoError(t, f.reconciler.Reconcile(ctx, late))
	require.NoError(t, f.reconciler.Reconcile(ctx, late))

	ev, ok := f.store.WebhookEvent("evt_r1_late")
	require.True(t, ok)
	assert.Equal(t, model.WebhookIgnored, ev.Status)
	assert.Empty(t, ev.Error)

	assert.Equal(t, model.TransactionSucceeded, f.transaction(t, retry.IntentID).Status)
	assert.Equal(t, model.TransactionFailed, f.transaction(t, first.IntentID).Status)

	res, err := f.store.GetReservation(ctx, resID)
	require.NoError(t, err)
	assert.True(t, res.BalancePaid)
	assert.Equal(t, 1, f.notifier.count(notify.EventBalancePaid))
}

func TestReconcile_IgnoredEvents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	unknownType, err := json.Marshal(map[string]any{"id": "evt_x", "type": "customer.created", "data": map[string]any{"object": map[string]any{}}})
	require.NoError(t, err)
	require.NoError(t, f.reconciler.Reconcile(ctx, unknownType))

	require.NoError(t, f.reconciler.Reconcile(ctx, intentEvent(t, "evt_y", types.EventIntentSucceeded, "pi_elsewhere")))

	for _, id := range []string{"evt_x", "evt_y"} {
		ev, ok := f.store.WebhookEvent(id)
		require.True(t, ok, id)
		assert.Equal(t, model.WebhookIgnored, ev.Status, id)
	}

	assert.Error(t, f.reconciler.Reconcile(ctx, []byte("not json")))
}

func TestParse(t *testing.T) {
	ev, err := Parse(intentEvent(t, "evt_1", types.EventIntentSucceeded, "pi_1"))
	require.NoError(t, err)
	assert.Equal(t, IntentSucceeded{base: base{ID: "evt_1", Type: types.EventIntentSucceeded}, IntentID: "pi_1", Amount: 100000}, ev)

	ev, err = Parse(intentEvent(t, "evt_2", types.EventIntentFailed, "pi_1"))
	require.NoError(t, err)
	failed, ok := ev.(IntentFailed)
	require.True(t, ok)
	assert.Equal(t, "Your card was declined.", failed.Reason)

	unpaid := `{"id":"evt_3","type":"checkout.session.completed","data":{"object":{"id":"cs_1","payment_intent":"pi_1","payment_status":"unpaid"}}}`
	ev, err = Parse([]byte(unpaid))
	require.NoError(t, err)
	assert.IsType(t, UnknownEvent{}, ev)

	_, err = Parse([]byte(`{"type":"payment_intent.succeeded"}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{"id":"evt_4","type":"payment_intent.succeeded","data":{"object":{}}}`))
	assert.Error(t, err)
}

func TestHandleWebhook_AlwaysAcknowledges(t *testing.T) {
	f := newFixture(t, nil)
	logger := zerolog.Nop()
	verifier := psp.NewClient(&config.GatewayConfig{WebhookSecret: testSecret, WebhookTolerance: 5 * time.Minute}, &logger)
	handler := NewWebhookHandler(verifier, f.reconciler)
	resID, intentID := f.approved(t, model.PaymentMethodDeposit)
	body := intentEvent(t, "evt_signed", types.EventIntentSucceeded, intentID)

	tests := []struct {
		name      string
		signature string
	}{
		{"missing signature", ""},
		{"wrong secret", psp.Sign("whsec_other", time.Now(), body)},
		{"stale timestamp", psp.Sign(testSecret, time.Now().Add(-time.Hour), body)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", strings.NewReader(string(body)))
			if tt.signature != "" {
				req.Header.Set(psp.SignatureHeader, tt.signature)
			}
			rec := httptest.NewRecorder()
			handler.HandleWebhook(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, `{"received":true}`, rec.Body.String())
			_, recorded := f.store.WebhookEvent("evt_signed")
			assert.False(t, recorded)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", strings.NewReader(string(body)))
	req.Header.Set(psp.SignatureHeader, psp.Sign(testSecret, time.Now(), body))
	rec := httptest.NewRecorder()
	handler.HandleWebhook(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	res, err := f.store.GetReservation(context.Background(), resID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, res.Status)
}
