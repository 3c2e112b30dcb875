package payment

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists payments and step-ups in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// paymentColumns is the SELECT column list for payments.
const paymentColumns = `id, match_id, payer_id, amount_cents, currency,
	status, order_id, capture_id, captured_at, created_at, updated_at`

// stepupColumns is the SELECT column list for step-ups.
const stepupColumns = `match_id, payer_id, code_hash, amount_cents,
	expires_at, verified_at, attempts, created_at, updated_at`

func (p *PostgresStore) CreatePayment(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, match_id, payer_id, amount_cents, currency,
			status, order_id, capture_id, captured_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11
		)`,
		pay.ID, pay.MatchID, pay.PayerID, pay.AmountCents, pay.Currency,
		string(pay.Status), nullStr(pay.OrderID), nullStr(pay.CaptureID),
		nullTime(pay.CapturedAt), pay.CreatedAt, pay.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)

	pay, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) GetPaymentByPayer(ctx context.Context, matchID, payerID string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments
		WHERE match_id = $1 AND payer_id = $2 LIMIT 1`,
		matchID, payerID)

	pay, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) ListPaymentsByMatch(ctx context.Context, matchID string) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments
		WHERE match_id = $1 ORDER BY created_at ASC`, matchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pay)
	}
	return result, rows.Err()
}

func (p *PostgresStore) UpdatePayment(ctx context.Context, pay *Payment) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments SET
			amount_cents = $1, status = $2, order_id = $3,
			capture_id = $4, captured_at = $5, updated_at = $6
		WHERE id = $7`,
		pay.AmountCents, string(pay.Status), nullStr(pay.OrderID),
		nullStr(pay.CaptureID), nullTime(pay.CapturedAt), pay.UpdatedAt, pay.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (p *PostgresStore) CapturePayment(ctx context.Context, id, captureID string, at time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments SET
			status = 'captured', capture_id = $1, captured_at = $2, updated_at = $2
		WHERE id = $3 AND status = 'created'`,
		captureID, at, id,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (p *PostgresStore) MarkRefunded(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments SET status = 'refunded', updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (p *PostgresStore) UpsertStepUp(ctx context.Context, s *StepUp) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_stepups (
			match_id, payer_id, code_hash, amount_cents,
			expires_at, verified_at, attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (match_id, payer_id) DO UPDATE SET
			code_hash = EXCLUDED.code_hash,
			amount_cents = EXCLUDED.amount_cents,
			expires_at = EXCLUDED.expires_at,
			verified_at = EXCLUDED.verified_at,
			attempts = EXCLUDED.attempts,
			updated_at = EXCLUDED.updated_at`,
		s.MatchID, s.PayerID, s.CodeHash, s.AmountCents,
		s.ExpiresAt, nullTime(s.VerifiedAt), s.Attempts, s.CreatedAt, s.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetStepUp(ctx context.Context, matchID, payerID string) (*StepUp, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+stepupColumns+` FROM payment_stepups
		WHERE match_id = $1 AND payer_id = $2`, matchID, payerID)

	s := &StepUp{}
	var verifiedAt sql.NullTime
	err := row.Scan(
		&s.MatchID, &s.PayerID, &s.CodeHash, &s.AmountCents,
		&s.ExpiresAt, &verifiedAt, &s.Attempts, &s.CreatedAt, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrStepUpNotFound
	}
	if err != nil {
		return nil, err
	}
	if verifiedAt.Valid {
		s.VerifiedAt = &verifiedAt.Time
	}
	return s, nil
}

func (p *PostgresStore) UpdateStepUp(ctx context.Context, s *StepUp) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_stepups SET
			verified_at = $1, attempts = $2, updated_at = $3
		WHERE match_id = $4 AND payer_id = $5`,
		nullTime(s.VerifiedAt), s.Attempts, s.UpdatedAt, s.MatchID, s.PayerID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrStepUpNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteStepUp(ctx context.Context, matchID, payerID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM payment_stepups WHERE match_id = $1 AND payer_id = $2`,
		matchID, payerID)
	return err
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(sc scanner) (*Payment, error) {
	pay := &Payment{}
	var (
		status     string
		orderID    sql.NullString
		captureID  sql.NullString
		capturedAt sql.NullTime
	)

	err := sc.Scan(
		&pay.ID, &pay.MatchID, &pay.PayerID, &pay.AmountCents, &pay.Currency,
		&status, &orderID, &captureID, &capturedAt, &pay.CreatedAt, &pay.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	pay.Status = Status(status)
	pay.OrderID = orderID.String
	pay.CaptureID = captureID.String
	if capturedAt.Valid {
		pay.CapturedAt = &capturedAt.Time
	}
	return pay, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
