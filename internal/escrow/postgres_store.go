package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/handyhub/internal/money"
	"github.com/mbd888/handyhub/internal/pagination"
)

// Constraint names from migrations/00001_init.sql.
const (
	constraintActiveBooking = "bookings_one_active_per_customer"
	constraintActivePayment = "escrow_payments_one_active_per_booking"
)

// PostgresStore persists bookings, payments and disputes in PostgreSQL.
// Atomic holds a transaction-scoped advisory lock on the key and every
// update is conditional on the status (and for payments the version) read
// under that lock.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Atomic(ctx context.Context, key string, fn func(ctx context.Context, tx Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if _, err = sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("acquire pair lock: %w", err)
	}
	if err = fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return mapPQError(err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const bookingColumns = `id, service_id, customer_id, provider_id, status, payment_status,
	notes, cancellation_reason, completion_feedback, created_at, updated_at`

const paymentColumns = `id, booking_id, service_id, amount, platform_fee, total_amount, currency,
	customer_id, provider_id, status, provider, payment_method, external_reference,
	checkout_reference, bypass_reason, version, created_at, updated_at`

const disputeColumns = `id, payment_id, booking_id, created_by, reason, description, status,
	customer_id, provider_id, resolution, resolution_note, resolved_by, resolved_at, created_at`

func (s *PostgresStore) GetBooking(ctx context.Context, id string) (*Booking, error) {
	return getBooking(ctx, s.db, id, "")
}

func (s *PostgresStore) PaymentForBooking(ctx context.Context, bookingID string) (*Payment, error) {
	return paymentForBooking(ctx, s.db, bookingID, "")
}

func (s *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	return getPayment(ctx, s.db, id, "")
}

func (s *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return getDispute(ctx, s.db, id, "")
}

func (s *PostgresStore) ListBookings(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Booking, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+bookingColumns+` FROM bookings
			WHERE customer_id = $1 OR provider_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+bookingColumns+` FROM bookings
			WHERE (customer_id = $1 OR provider_id = $1)
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, userID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListOpenDisputes(ctx context.Context, limit int) ([]*Dispute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = 'open'
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListStalePending(ctx context.Context, provider string, cutoff time.Time, after *pagination.Cursor, limit int) ([]*Payment, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+paymentColumns+` FROM escrow_payments
			WHERE status = 'pending' AND provider = $1 AND checkout_reference <> ''
			  AND created_at < $2
			ORDER BY created_at ASC, id ASC
			LIMIT $3`, provider, cutoff, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+paymentColumns+` FROM escrow_payments
			WHERE status = 'pending' AND provider = $1 AND checkout_reference <> ''
			  AND created_at < $2 AND (created_at, id) > ($3, $4)
			ORDER BY created_at ASC, id ASC
			LIMIT $5`, provider, cutoff, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListActivePairs(ctx context.Context, after *pagination.Cursor, limit int) ([]Pair, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+bookingColumns+` FROM bookings
			WHERE status NOT IN ('completed', 'cancelled')
			ORDER BY created_at ASC, id ASC
			LIMIT $1`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+bookingColumns+` FROM bookings
			WHERE status NOT IN ('completed', 'cancelled')
			  AND (created_at, id) > ($1, $2)
			ORDER BY created_at ASC, id ASC
			LIMIT $3`, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	var bookings []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	pairs := make([]Pair, 0, len(bookings))
	for _, b := range bookings {
		p, err := paymentForBooking(ctx, s.db, b.ID, "")
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, Pair{Booking: b, Payment: p})
	}
	return pairs, nil
}

// pgTx implements Tx on a *sql.Tx. Reads take row locks.
type pgTx struct {
	tx *sql.Tx
}

const forUpdate = " FOR UPDATE"

func (t *pgTx) GetBooking(ctx context.Context, id string) (*Booking, error) {
	return getBooking(ctx, t.tx, id, forUpdate)
}

func (t *pgTx) PaymentForBooking(ctx context.Context, bookingID string) (*Payment, error) {
	return paymentForBooking(ctx, t.tx, bookingID, forUpdate)
}

func (t *pgTx) GetPayment(ctx context.Context, id string) (*Payment, error) {
	return getPayment(ctx, t.tx, id, forUpdate)
}

func (t *pgTx) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return getDispute(ctx, t.tx, id, forUpdate)
}

func (t *pgTx) HasActiveBooking(ctx context.Context, serviceID, customerID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM bookings
			WHERE service_id = $1 AND customer_id = $2
			  AND status IN ('pending', 'confirmed', 'pending_completion')
		)`, serviceID, customerID).Scan(&exists)
	return exists, err
}

func (t *pgTx) InsertBooking(ctx context.Context, b *Booking) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		b.ID, b.ServiceID, b.CustomerID, b.ProviderID, string(b.Status), string(b.PaymentStatus),
		b.Notes, b.CancellationReason, b.CompletionFeedback, b.CreatedAt, b.UpdatedAt,
	)
	return mapPQError(err)
}

func (t *pgTx) UpdateBooking(ctx context.Context, b *Booking, from BookingStatus) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE bookings SET
			status = $1, payment_status = $2, notes = $3, cancellation_reason = $4,
			completion_feedback = $5, updated_at = $6
		WHERE id = $7 AND status = $8`,
		string(b.Status), string(b.PaymentStatus), b.Notes, b.CancellationReason,
		b.CompletionFeedback, b.UpdatedAt, b.ID, string(from),
	)
	if err != nil {
		return mapPQError(err)
	}
	return expectOneRow(res)
}

func (t *pgTx) InsertPayment(ctx context.Context, p *Payment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO escrow_payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		p.ID, p.BookingID, p.ServiceID, p.Amount.Cents(), p.PlatformFee.Cents(), p.TotalAmount.Cents(), p.Currency,
		p.CustomerID, p.ProviderID, string(p.Status), p.Provider, p.PaymentMethod, p.ExternalReference,
		p.CheckoutReference, p.BypassReason, p.Version, p.CreatedAt, p.UpdatedAt,
	)
	return mapPQError(err)
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *Payment, from PaymentStatus) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE escrow_payments SET
			status = $1, provider = $2, payment_method = $3, external_reference = $4,
			checkout_reference = $5, version = version + 1, updated_at = $6
		WHERE id = $7 AND status = $8 AND version = $9`,
		string(p.Status), p.Provider, p.PaymentMethod, p.ExternalReference,
		p.CheckoutReference, p.UpdatedAt, p.ID, string(from), p.Version,
	)
	if err != nil {
		return mapPQError(err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	p.Version++
	return nil
}

func (t *pgTx) InsertDispute(ctx context.Context, d *Dispute) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		d.ID, d.PaymentID, d.BookingID, d.CreatedBy, d.Reason, d.Description, string(d.Status),
		d.CustomerID, d.ProviderID, nullString(string(d.Resolution)), d.ResolutionNote,
		nullString(d.ResolvedBy), nullTime(d.ResolvedAt), d.CreatedAt,
	)
	return mapPQError(err)
}

func (t *pgTx) UpdateDispute(ctx context.Context, d *Dispute, from DisputeStatus) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, resolution = $2, resolution_note = $3, resolved_by = $4, resolved_at = $5
		WHERE id = $6 AND status = $7`,
		string(d.Status), nullString(string(d.Resolution)), d.ResolutionNote,
		nullString(d.ResolvedBy), nullTime(d.ResolvedAt), d.ID, string(from),
	)
	if err != nil {
		return mapPQError(err)
	}
	return expectOneRow(res)
}

// --- shared query helpers ---

func getBooking(ctx context.Context, q querier, id, suffix string) (*Booking, error) {
	row := q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`+suffix, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func paymentForBooking(ctx context.Context, q querier, bookingID, suffix string) (*Payment, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM escrow_payments
		WHERE booking_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`+suffix, bookingID)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func getPayment(ctx context.Context, q querier, id, suffix string) (*Payment, error) {
	row := q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM escrow_payments WHERE id = $1`+suffix, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func getDispute(ctx context.Context, q querier, id, suffix string) (*Dispute, error) {
	row := q.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`+suffix, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBooking(s scanner) (*Booking, error) {
	b := &Booking{}
	var status, paymentStatus string
	err := s.Scan(
		&b.ID, &b.ServiceID, &b.CustomerID, &b.ProviderID, &status, &paymentStatus,
		&b.Notes, &b.CancellationReason, &b.CompletionFeedback, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = BookingStatus(status)
	b.PaymentStatus = PaymentStatus(paymentStatus)
	return b, nil
}

func scanPayment(s scanner) (*Payment, error) {
	p := &Payment{}
	var status string
	var amount, fee, total int64
	err := s.Scan(
		&p.ID, &p.BookingID, &p.ServiceID, &amount, &fee, &total, &p.Currency,
		&p.CustomerID, &p.ProviderID, &status, &p.Provider, &p.PaymentMethod, &p.ExternalReference,
		&p.CheckoutReference, &p.BypassReason, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = PaymentStatus(status)
	p.Amount, p.PlatformFee, p.TotalAmount = money.Amount(amount), money.Amount(fee), money.Amount(total)
	return p, nil
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status     string
		resolution sql.NullString
		resolvedBy sql.NullString
		resolvedAt sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.PaymentID, &d.BookingID, &d.CreatedBy, &d.Reason, &d.Description, &status,
		&d.CustomerID, &d.ProviderID, &resolution, &d.ResolutionNote, &resolvedBy, &resolvedAt, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = DisputeStatus(status)
	d.Resolution = Outcome(resolution.String)
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return d, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrConflict
	}
	return nil
}

// mapPQError turns unique violations of the one-active-row indexes into the
// matching business errors.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return err
	}
	switch pqErr.Constraint {
	case constraintActiveBooking:
		return ErrActiveBookingExists
	case constraintActivePayment:
		return ErrDuplicatePayment
	}
	return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
