package ledger

import (
	"context"
	"time"

	"github.com/Niiaks/Lodge/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*postgresTx)(nil)
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	pool *pgxpool.Pool
	queries
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, queries: queries{q: pool}}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer pgTx.Rollback(ctx)

	if err := fn(&postgresTx{queries{q: pgTx}}); err != nil {
		return err
	}

	return errors.Wrap(pgTx.Commit(ctx), "commit tx")
}

func (s *PostgresStore) RecordWebhookEvent(ctx context.Context, e *model.WebhookEvent) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO webhook_events (event_id, type, payload, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.Type, []byte(e.Payload), string(model.WebhookReceived))
	if err != nil {
		return false, errors.Wrap(err, "insert webhook event")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkWebhookEvent(ctx context.Context, eventID string, status model.WebhookStatus, errMsg string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE webhook_events SET status = $2, error = $3, updated_at = NOW()
		WHERE event_id = $1`,
		eventID, string(status), errMsg)
	return errors.Wrap(err, "mark webhook event")
}

func (s *PostgresStore) RecordGatewayRefund(ctx context.Context, r *model.GatewayRefund) error {
	err := s.q.QueryRow(ctx, `
		INSERT INTO gateway_refunds (idempotency_key, reservation_id, transaction_id, intent_id, refund_id, amount)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO UPDATE SET refund_id = EXCLUDED.refund_id
		RETURNING created_at`,
		r.IdempotencyKey, r.ReservationID, r.TransactionID, r.IntentID, r.RefundID, r.Amount).Scan(&r.CreatedAt)
	return errors.Wrap(err, "insert gateway refund")
}

func (s *PostgresStore) ListGatewayRefunds(ctx context.Context, reservationID uuid.UUID) ([]model.GatewayRefund, error) {
	rows, err := s.q.Query(ctx, `
		SELECT idempotency_key, reservation_id, transaction_id, intent_id, refund_id, amount, created_at
		FROM gateway_refunds WHERE reservation_id = $1 ORDER BY created_at, idempotency_key`, reservationID)
	if err != nil {
		return nil, errors.Wrap(err, "list gateway refunds")
	}
	defer rows.Close()

	var out []model.GatewayRefund
	for rows.Next() {
		var r model.GatewayRefund
		if err := rows.Scan(&r.IdempotencyKey, &r.ReservationID, &r.TransactionID, &r.IntentID,
			&r.RefundID, &r.Amount, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan gateway refund")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate gateway refunds")
}

type queries struct {
	q querier
}

const reservationColumns = `
	id, listing_id, client_id, host_id, check_in_date, check_out_date, guest_count,
	guest_name, guest_email, guest_phone, currency, payment_method, total_amount,
	deposit_amount, remaining_amount, payment_due_date, status, deposit_paid,
	balance_paid, cancellation_fee, refund_amount, cancelled_by, cancellation_reason,
	decline_reason, cancelled_at, created_at, updated_at`

func scanReservation(row pgx.Row) (*model.Reservation, error) {
	var (
		r           model.Reservation
		method      string
		status      string
		cancelledBy *string
	)
	err := row.Scan(
		&r.ID, &r.ListingID, &r.ClientID, &r.HostID, &r.CheckInDate, &r.CheckOutDate, &r.GuestCount,
		&r.GuestName, &r.GuestEmail, &r.GuestPhone, &r.Currency, &method, &r.TotalAmount,
		&r.DepositAmount, &r.RemainingAmount, &r.PaymentDueDate, &status, &r.DepositPaid,
		&r.BalancePaid, &r.CancellationFee, &r.RefundAmount, &cancelledBy, &r.CancellationReason,
		&r.DeclineReason, &r.CancelledAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.PaymentMethod = model.PaymentMethod(method)
	r.Status = model.ReservationStatus(status)
	if cancelledBy != nil {
		role := model.ActorRole(*cancelledBy)
		r.CancelledBy = &role
	}
	return &r, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrap(ErrNotFound, what)
	}
	return errors.Wrap(err, what)
}

func duplicate(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errors.Wrap(ErrDuplicate, what)
	}
	return errors.Wrap(err, what)
}

func (q queries) GetListing(ctx context.Context, id uuid.UUID) (*model.Listing, error) {
	return q.listing(ctx, id, "")
}

func (q queries) listing(ctx context.Context, id uuid.UUID, suffix string) (*model.Listing, error) {
	var l model.Listing
	err := q.q.QueryRow(ctx, `
		SELECT id, host_id, title, max_guests, cancellation_policy, currency
		FROM listings WHERE id = $1`+suffix, id).
		Scan(&l.ID, &l.HostID, &l.Title, &l.MaxGuests, &l.CancellationPolicy, &l.Currency)
	if err != nil {
		return nil, notFound(err, "get listing")
	}
	return &l, nil
}

func (q queries) GetReservation(ctx context.Context, id uuid.UUID) (*model.Reservation, error) {
	r, err := scanReservation(q.q.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get reservation")
	}
	return r, nil
}

func (q queries) ListReservations(ctx context.Context, f ListFilter) ([]model.Reservation, int, error) {
	var participant any
	if f.Participant != nil {
		participant = *f.Participant
	}
	var status any
	if f.Status != "" {
		status = string(f.Status)
	}

	var total int
	err := q.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM reservations
		WHERE ($1::uuid IS NULL OR client_id = $1 OR host_id = $1)
		  AND ($2::text IS NULL OR status = $2)`,
		participant, status).Scan(&total)
	if err != nil {
		return nil, 0, errors.Wrap(err, "count reservations")
	}

	rows, err := q.q.Query(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE ($1::uuid IS NULL OR client_id = $1 OR host_id = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4`,
		participant, status, f.Limit, f.Offset())
	if err != nil {
		return nil, 0, errors.Wrap(err, "list reservations")
	}
	defer rows.Close()

	out := make([]model.Reservation, 0, f.Limit)
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "scan reservation")
		}
		out = append(out, *r)
	}
	return out, total, errors.Wrap(rows.Err(), "iterate reservations")
}

func (q queries) GetSchedules(ctx context.Context, reservationID uuid.UUID) ([]model.PaymentSchedule, error) {
	rows, err := q.q.Query(ctx, `
		SELECT id, reservation_id, kind, amount, due_date, intent_id, status, paid_at, created_at, updated_at
		FROM payment_schedules WHERE reservation_id = $1
		ORDER BY due_date, kind`, reservationID)
	if err != nil {
		return nil, errors.Wrap(err, "get schedules")
	}
	defer rows.Close()

	var out []model.PaymentSchedule
	for rows.Next() {
		var (
			s            model.PaymentSchedule
			kind, status string
		)
		if err := rows.Scan(&s.ID, &s.ReservationID, &kind, &s.Amount, &s.DueDate, &s.IntentID,
			&status, &s.PaidAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan schedule")
		}
		s.Kind = model.ScheduleKind(kind)
		s.Status = model.ScheduleStatus(status)
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "iterate schedules")
}

func (q queries) GetPolicy(ctx context.Context, name string) ([]model.CancellationPolicy, error) {
	rows, err := q.q.Query(ctx, `
		SELECT name, days_before_checkin, refund_percentage
		FROM cancellation_policies WHERE name = $1
		ORDER BY days_before_checkin DESC`, name)
	if err != nil {
		return nil, errors.Wrap(err, "get policy")
	}
	defer rows.Close()

	var out []model.CancellationPolicy
	for rows.Next() {
		var p model.CancellationPolicy
		if err := rows.Scan(&p.Name, &p.DaysBeforeCheckIn, &p.RefundPercentage); err != nil {
			return nil, errors.Wrap(err, "scan policy")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate policy")
	}
	if len(out) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "policy %q", name)
	}
	return out, nil
}

const transactionColumns = `id, reservation_id, schedule_id, intent_id, amount, currency, status, failure_reason, created_at, updated_at`

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var (
		t      model.Transaction
		status string
	)
	if err := row.Scan(&t.ID, &t.ReservationID, &t.ScheduleID, &t.IntentID, &t.Amount, &t.Currency,
		&status, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = model.TransactionStatus(status)
	return &t, nil
}

func (q queries) GetTransactionByIntent(ctx context.Context, intentID string) (*model.Transaction, error) {
	t, err := scanTransaction(q.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE intent_id = $1`, intentID))
	if err != nil {
		return nil, notFound(err, "get transaction")
	}
	return t, nil
}

func (q queries) ListTransactions(ctx context.Context, reservationID uuid.UUID) ([]model.Transaction, error) {
	rows, err := q.q.Query(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE reservation_id = $1 ORDER BY created_at, id`, reservationID)
	if err != nil {
		return nil, errors.Wrap(err, "list transactions")
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan transaction")
		}
		out = append(out, *t)
	}
	return out, errors.Wrap(rows.Err(), "iterate transactions")
}

func (q queries) GetRefundRecord(ctx context.Context, reservationID uuid.UUID) (*model.RefundRecord, error) {
	var (
		r     model.RefundRecord
		actor string
	)
	err := q.q.QueryRow(ctx, `
		SELECT id, reservation_id, paid_amount, refund_percentage, refund_amount, cancellation_fee,
		       external_refund_ids, actor, reason, created_at
		FROM refund_records WHERE reservation_id = $1`, reservationID).
		Scan(&r.ID, &r.ReservationID, &r.PaidAmount, &r.RefundPercentage, &r.RefundAmount,
			&r.CancellationFee, &r.ExternalRefundIDs, &actor, &r.Reason, &r.CreatedAt)
	if err != nil {
		return nil, notFound(err, "get refund record")
	}
	r.Actor = model.ActorRole(actor)
	return &r, nil
}

type postgresTx struct {
	queries
}

func (t *postgresTx) LockListing(ctx context.Context, id uuid.UUID) (*model.Listing, error) {
	return t.listing(ctx, id, " FOR UPDATE")
}

func (t *postgresTx) LockReservation(ctx context.Context, id uuid.UUID) (*model.Reservation, error) {
	r, err := scanReservation(t.q.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "lock reservation")
	}
	return r, nil
}

func (t *postgresTx) LockTransactionByIntent(ctx context.Context, intentID string) (*model.Transaction, error) {
	txn, err := scanTransaction(t.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE intent_id = $1 FOR UPDATE`, intentID))
	if err != nil {
		return nil, notFound(err, "lock transaction")
	}
	return txn, nil
}

func (t *postgresTx) HasOverlap(ctx context.Context, listingID uuid.UUID, checkIn, checkOut time.Time) (bool, error) {
	statuses := make([]string, len(ActiveStatuses))
	for i, s := range ActiveStatuses {
		statuses[i] = string(s)
	}

	var exists bool
	err := t.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM reservations
			WHERE listing_id = $1
			  AND status = ANY($2)
			  AND check_in_date < $4
			  AND check_out_date > $3
		)`, listingID, statuses, checkIn, checkOut).Scan(&exists)
	return exists, errors.Wrap(err, "check overlap")
}

func (t *postgresTx) CreateReservation(ctx context.Context, r *model.Reservation) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO reservations (
			id, listing_id, client_id, host_id, check_in_date, check_out_date, guest_count,
			guest_name, guest_email, guest_phone, currency, payment_method, total_amount,
			deposit_amount, remaining_amount, payment_due_date, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at, updated_at`,
		r.ID, r.ListingID, r.ClientID, r.HostID, r.CheckInDate, r.CheckOutDate, r.GuestCount,
		r.GuestName, r.GuestEmail, r.GuestPhone, r.Currency, string(r.PaymentMethod), r.TotalAmount,
		r.DepositAmount, r.RemainingAmount, r.PaymentDueDate, string(r.Status)).
		Scan(&r.CreatedAt, &r.UpdatedAt)
	return duplicate(err, "insert reservation")
}

func (t *postgresTx) UpdateReservation(ctx context.Context, r *model.Reservation) error {
	var cancelledBy *string
	if r.CancelledBy != nil {
		s := string(*r.CancelledBy)
		cancelledBy = &s
	}

	err := t.q.QueryRow(ctx, `
		UPDATE reservations SET
			payment_method = $2, status = $3, deposit_paid = $4, balance_paid = $5,
			cancellation_fee = $6, refund_amount = $7, cancelled_by = $8,
			cancellation_reason = $9, decline_reason = $10, cancelled_at = $11,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		r.ID, string(r.PaymentMethod), string(r.Status), r.DepositPaid, r.BalancePaid,
		r.CancellationFee, r.RefundAmount, cancelledBy,
		r.CancellationReason, r.DeclineReason, r.CancelledAt).
		Scan(&r.UpdatedAt)
	return notFound(err, "update reservation")
}

func (t *postgresTx) CreateSchedules(ctx context.Context, schedules []model.PaymentSchedule) error {
	batch := &pgx.Batch{}
	for _, s := range schedules {
		batch.Queue(`
			INSERT INTO payment_schedules (id, reservation_id, kind, amount, due_date, status)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			s.ID, s.ReservationID, string(s.Kind), s.Amount, s.DueDate, string(s.Status))
	}

	tx, ok := t.q.(pgx.Tx)
	if !ok {
		return errors.New("create schedules outside a transaction")
	}
	return duplicate(tx.SendBatch(ctx, batch).Close(), "insert schedules")
}

func (t *postgresTx) UpdateSchedule(ctx context.Context, s *model.PaymentSchedule) error {
	err := t.q.QueryRow(ctx, `
		UPDATE payment_schedules SET intent_id = $2, status = $3, paid_at = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		s.ID, s.IntentID, string(s.Status), s.PaidAt).Scan(&s.UpdatedAt)
	return notFound(err, "update schedule")
}

func (t *postgresTx) CreateTransaction(ctx context.Context, txn *model.Transaction) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO transactions (id, reservation_id, schedule_id, intent_id, amount, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		txn.ID, txn.ReservationID, txn.ScheduleID, txn.IntentID, txn.Amount, txn.Currency, string(txn.Status)).
		Scan(&txn.CreatedAt, &txn.UpdatedAt)
	return duplicate(err, "insert transaction")
}

func (t *postgresTx) UpdateTransactionStatus(ctx context.Context, intentID string, from []model.TransactionStatus, to model.TransactionStatus, reason *string) (bool, error) {
	fromStr := make([]string, len(from))
	for i, s := range from {
		fromStr[i] = string(s)
	}

	tag, err := t.q.Exec(ctx, `
		UPDATE transactions SET status = $3, failure_reason = $4, updated_at = NOW()
		WHERE intent_id = $1 AND status = ANY($2)`,
		intentID, fromStr, string(to), reason)
	if err != nil {
		return false, duplicate(err, "update transaction status")
	}
	return tag.RowsAffected() == 1, nil
}

func (t *postgresTx) CreateRefundRecord(ctx context.Context, r *model.RefundRecord) error {
	ids := r.ExternalRefundIDs
	if ids == nil {
		ids = []string{}
	}
	err := t.q.QueryRow(ctx, `
		INSERT INTO refund_records (id, reservation_id, paid_amount, refund_percentage, refund_amount,
			cancellation_fee, external_refund_ids, actor, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		r.ID, r.ReservationID, r.PaidAmount, r.RefundPercentage, r.RefundAmount,
		r.CancellationFee, ids, string(r.Actor), r.Reason).Scan(&r.CreatedAt)
	return duplicate(err, "insert refund record")
}

func (t *postgresTx) CompleteCheckedOut(ctx context.Context, before time.Time) ([]uuid.UUID, error) {
	rows, err := t.q.Query(ctx, `
		UPDATE reservations SET status = $1, updated_at = NOW()
		WHERE status = $2 AND check_out_date < $3
		RETURNING id`,
		string(model.StatusCompleted), string(model.StatusConfirmed), before)
	if err != nil {
		return nil, errors.Wrap(err, "complete reservations")
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan completed id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "iterate completed ids")
}
