// Package ledgertest provides an in-memory ledger.Store for service tests. It
// mirrors the constraints the Postgres schema enforces (unique intent ids, one
// succeeded transaction per schedule item, one refund record per reservation)
// and rolls every map back when an InTx callback fails.
package ledgertest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Niiaks/Lodge/internal/ledger"
	"github.com/Niiaks/Lodge/internal/model"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	_ ledger.Store = (*Store)(nil)
	_ ledger.Tx    = (*memTx)(nil)
)

type state struct {
	listings     map[uuid.UUID]model.Listing
	policies     map[string][]model.CancellationPolicy
	reservations map[uuid.UUID]model.Reservation
	schedules    map[uuid.UUID]model.PaymentSchedule
	transactions map[uuid.UUID]model.Transaction
	refunds      map[uuid.UUID]model.RefundRecord
	webhooks     map[string]model.WebhookEvent
}

func (s *state) clone() *state {
	c := &state{
		listings:     make(map[uuid.UUID]model.Listing, len(s.listings)),
		policies:     make(map[string][]model.CancellationPolicy, len(s.policies)),
		reservations: make(map[uuid.UUID]model.Reservation, len(s.reservations)),
		schedules:    make(map[uuid.UUID]model.PaymentSchedule, len(s.schedules)),
		transactions: make(map[uuid.UUID]model.Transaction, len(s.transactions)),
		refunds:      make(map[uuid.UUID]model.RefundRecord, len(s.refunds)),
		webhooks:     make(map[string]model.WebhookEvent, len(s.webhooks)),
	}
	for k, v := range s.listings {
		c.listings[k] = v
	}
	for k, v := range s.policies {
		c.policies[k] = append([]model.CancellationPolicy(nil), v...)
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.schedules {
		c.schedules[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.refunds {
		v.ExternalRefundIDs = append([]string(nil), v.ExternalRefundIDs...)
		c.refunds[k] = v
	}
	for k, v := range s.webhooks {
		c.webhooks[k] = v
	}
	return c
}

// Store is safe for concurrent use. InTx holds a single store-wide lock for the
// duration of the callback, which is stricter than row locks but gives the
// same serial outcome.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time

	// FailCommit, when set, makes the next InTx fail after its callback succeeds.
	FailCommit error

	// The refund journal sits outside state so InTx rollbacks leave it alone.
	journalMu sync.Mutex
	journal   []model.GatewayRefund
}

func New() *Store {
	return &Store{
		st: &state{
			listings:     map[uuid.UUID]model.Listing{},
			policies:     map[string][]model.CancellationPolicy{},
			reservations: map[uuid.UUID]model.Reservation{},
			schedules:    map[uuid.UUID]model.PaymentSchedule{},
			transactions: map[uuid.UUID]model.Transaction{},
			refunds:      map[uuid.UUID]model.RefundRecord{},
			webhooks:     map[string]model.WebhookEvent{},
		},
		now: time.Now,
	}
}

// SetClock overrides the timestamps stamped on written rows.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) AddListing(l model.Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.listings[l.ID] = l
}

func (s *Store) AddPolicy(name string, rows ...model.CancellationPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range rows {
		rows[i].Name = name
	}
	s.st.policies[name] = rows
}

// Counts returns row counts for assertions on "nothing was written".
func (s *Store) Counts() (reservations, schedules, transactions, refunds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.reservations), len(s.st.schedules), len(s.st.transactions), len(s.st.refunds)
}

func (s *Store) WebhookEvent(id string) (model.WebhookEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.st.webhooks[id]
	return e, ok
}

func (s *Store) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	err := fn(&memTx{view{st: s.st, now: s.now}})
	if err == nil && s.FailCommit != nil {
		err, s.FailCommit = s.FailCommit, nil
	}
	if err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) RecordWebhookEvent(ctx context.Context, e *model.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.webhooks[e.EventID]; ok {
		return false, nil
	}
	ev := *e
	ev.Status = model.WebhookReceived
	ev.CreatedAt, ev.UpdatedAt = s.now(), s.now()
	s.st.webhooks[e.EventID] = ev
	return true, nil
}

func (s *Store) MarkWebhookEvent(ctx context.Context, eventID string, status model.WebhookStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.st.webhooks[eventID]
	if !ok {
		return nil
	}
	ev.Status, ev.Error, ev.UpdatedAt = status, errMsg, s.now()
	s.st.webhooks[eventID] = ev
	return nil
}

func (s *Store) RecordGatewayRefund(ctx context.Context, r *model.GatewayRefund) error {
	s.journalMu.Lock()
	defer s.journalMu.Unlock()
	r.CreatedAt = time.Now()
	for i := range s.journal {
		if s.journal[i].IdempotencyKey == r.IdempotencyKey {
			s.journal[i].RefundID = r.RefundID
			return nil
		}
	}
	s.journal = append(s.journal, *r)
	return nil
}

func (s *Store) ListGatewayRefunds(ctx context.Context, reservationID uuid.UUID) ([]model.GatewayRefund, error) {
	s.journalMu.Lock()
	defer s.journalMu.Unlock()
	var out []model.GatewayRefund
	for _, r := range s.journal {
		if r.ReservationID == reservationID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) locked() view {
	return view{st: s.st, now: s.now}
}

func (s *Store) GetListing(ctx context.Context, id uuid.UUID) (*model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked().GetListing(ctx, id)
}

func (s *Store) GetReservation(ctx context.Context, id uuid.UUID) (*model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked().GetReservation(ctx, id)
}

func (s *Store) ListReservations(ctx context.Context, f ledger.ListFilter) ([]model.Reservation, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked().ListReservations(ctx, f)
}

func (s *Store) GetSchedules(ctx context.Context, reservationID uuid.UUID) ([]model.PaymentSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked().GetSchedules(ctx, reservationID)
}

func (s *Store) GetPolicy(ctx context.Context, name string) ([]model.CancellationPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked().GetPolicy(ctx, name)
}

func (s *Store) GetTransactionByIntent(ctx context.Context, intentID string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked().GetTransactionByIntent(ctx, intentID)
}

func (s *Store) ListTransactions(ctx context.Context, reservationID uuid.UUID) ([]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked().ListTransactions(ctx, reservationID)
}

func (s *Store) GetRefundRecord(ctx context.Context, reservationID uuid.UUID) (*model.RefundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked().GetRefundRecord(ctx, reservationID)
}

// view reads state without taking the lock; callers hold it.
type view struct {
	st  *state
	now func() time.Time
}

func (v view) GetListing(_ context.Context, id uuid.UUID) (*model.Listing, error) {
	l, ok := v.st.listings[id]
	if !ok {
		return nil, errors.Wrap(ledger.ErrNotFound, "get listing")
	}
	return &l, nil
}

func (v view) GetReservation(_ context.Context, id uuid.UUID) (*model.Reservation, error) {
	r, ok := v.st.reservations[id]
	if !ok {
		return nil, errors.Wrap(ledger.ErrNotFound, "get reservation")
	}
	return &r, nil
}

func (v view) ListReservations(_ context.Context, f ledger.ListFilter) ([]model.Reservation, int, error) {
	var all []model.Reservation
	for _, r := range v.st.reservations {
		if f.Participant != nil && r.ClientID != *f.Participant && r.HostID != *f.Participant {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})

	total := len(all)
	start := f.Offset()
	if start > total {
		start = total
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (v view) GetSchedules(_ context.Context, reservationID uuid.UUID) ([]model.PaymentSchedule, error) {
	var out []model.PaymentSchedule
	for _, s := range v.st.schedules {
		if s.ReservationID == reservationID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}

func (v view) GetPolicy(_ context.Context, name string) ([]model.CancellationPolicy, error) {
	rows, ok := v.st.policies[name]
	if !ok || len(rows) == 0 {
		return nil, errors.Wrapf(ledger.ErrNotFound, "policy %q", name)
	}
	return append([]model.CancellationPolicy(nil), rows...), nil
}

func (v view) GetTransactionByIntent(_ context.Context, intentID string) (*model.Transaction, error) {
	for _, t := range v.st.transactions {
		if t.IntentID == intentID {
			return &t, nil
		}
	}
	return nil, errors.Wrap(ledger.ErrNotFound, "get transaction")
}

func (v view) ListTransactions(_ context.Context, reservationID uuid.UUID) ([]model.Transaction, error) {
	var out []model.Transaction
	for _, t := range v.st.transactions {
		if t.ReservationID == reservationID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].IntentID < out[j].IntentID
	})
	return out, nil
}

func (v view) GetRefundRecord(_ context.Context, reservationID uuid.UUID) (*model.RefundRecord, error) {
	r, ok := v.st.refunds[reservationID]
	if !ok {
		return nil, errors.Wrap(ledger.ErrNotFound, "get refund record")
	}
	return &r, nil
}

type memTx struct {
	view
}

func (t *memTx) LockListing(ctx context.Context, id uuid.UUID) (*model.Listing, error) {
	return t.GetListing(ctx, id)
}

func (t *memTx) LockReservation(ctx context.Context, id uuid.UUID) (*model.Reservation, error) {
	return t.GetReservation(ctx, id)
}

func (t *memTx) LockTransactionByIntent(ctx context.Context, intentID string) (*model.Transaction, error) {
	return t.GetTransactionByIntent(ctx, intentID)
}

func (t *memTx) HasOverlap(_ context.Context, listingID uuid.UUID, checkIn, checkOut time.Time) (bool, error) {
	for _, r := range t.st.reservations {
		if r.ListingID != listingID {
			continue
		}
		active := false
		for _, s := range ledger.ActiveStatuses {
			if r.Status == s {
				active = true
			}
		}
		if active && r.CheckInDate.Before(checkOut) && r.CheckOutDate.After(checkIn) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CreateReservation(_ context.Context, r *model.Reservation) error {
	if _, ok := t.st.reservations[r.ID]; ok {
		return errors.Wrap(ledger.ErrDuplicate, "insert reservation")
	}
	r.CreatedAt, r.UpdatedAt = t.now(), t.now()
	t.st.reservations[r.ID] = *r
	return nil
}

func (t *memTx) UpdateReservation(_ context.Context, r *model.Reservation) error {
	if _, ok := t.st.reservations[r.ID]; !ok {
		return errors.Wrap(ledger.ErrNotFound, "update reservation")
	}
	r.UpdatedAt = t.now()
	t.st.reservations[r.ID] = *r
	return nil
}

func (t *memTx) CreateSchedules(_ context.Context, schedules []model.PaymentSchedule) error {
	for _, s := range schedules {
		for _, existing := range t.st.schedules {
			if existing.ReservationID == s.ReservationID && existing.Kind == s.Kind {
				return errors.Wrap(ledger.ErrDuplicate, "insert schedules")
			}
		}
		s.CreatedAt, s.UpdatedAt = t.now(), t.now()
		t.st.schedules[s.ID] = s
	}
	return nil
}

func (t *memTx) UpdateSchedule(_ context.Context, s *model.PaymentSchedule) error {
	if _, ok := t.st.schedules[s.ID]; !ok {
		return errors.Wrap(ledger.ErrNotFound, "update schedule")
	}
	s.UpdatedAt = t.now()
	t.st.schedules[s.ID] = *s
	return nil
}

func (t *memTx) CreateTransaction(_ context.Context, txn *model.Transaction) error {
	for _, existing := range t.st.transactions {
		if existing.IntentID == txn.IntentID {
			return errors.Wrap(ledger.ErrDuplicate, "insert transaction")
		}
	}
	txn.CreatedAt, txn.UpdatedAt = t.now(), t.now()
	t.st.transactions[txn.ID] = *txn
	return nil
}

func (t *memTx) UpdateTransactionStatus(_ context.Context, intentID string, from []model.TransactionStatus, to model.TransactionStatus, reason *string) (bool, error) {
	for id, txn := range t.st.transactions {
		if txn.IntentID != intentID {
			continue
		}
		allowed := false
		for _, s := range from {
			if txn.Status == s {
				allowed = true
			}
		}
		if !allowed {
			return false, nil
		}
		if to == model.TransactionSucceeded {
			for otherID, other := range t.st.transactions {
				if otherID != id && other.ScheduleID == txn.ScheduleID && other.Status == model.TransactionSucceeded {
					return false, errors.Wrap(ledger.ErrDuplicate, "update transaction status")
				}
			}
		}
		txn.Status, txn.FailureReason, txn.UpdatedAt = to, reason, t.now()
		t.st.transactions[id] = txn
		return true, nil
	}
	return false, nil
}

func (t *memTx) CreateRefundRecord(_ context.Context, r *model.RefundRecord) error {
	if _, ok := t.st.refunds[r.ReservationID]; ok {
		return errors.Wrap(ledger.ErrDuplicate, "insert refund record")
	}
	r.CreatedAt = t.now()
	rec := *r
	rec.ExternalRefundIDs = append([]string(nil), r.ExternalRefundIDs...)
	t.st.refunds[r.ReservationID] = rec
	return nil
}

func (t *memTx) CompleteCheckedOut(_ context.Context, before time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for id, r := range t.st.reservations {
		if r.Status == model.StatusConfirmed && r.CheckOutDate.Before(before) {
			r.Status, r.UpdatedAt = model.StatusCompleted, t.now()
			t.st.reservations[id] = r
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}
