package dispute

import (
	"context"
	"database/sql"
	"time"

	"github.com/mbd888/swaploop/internal/pagination"
)

// PostgresStore persists help cases and refunds in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// caseColumns is the SELECT column list for help cases.
const caseColumns = `id, match_id, opened_by, case_type, reason, status,
	arbiter_id, comment, resolved_at, created_at, updated_at`

// refundColumns is the SELECT column list for refunds.
const refundColumns = `id, case_id, payment_id, payer_id, amount_cents,
	status, provider_refund_id, last_error, created_at, updated_at`

func (p *PostgresStore) CreateCase(ctx context.Context, c *HelpCase) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO help_cases (
			id, match_id, opened_by, case_type, reason, status,
			arbiter_id, comment, resolved_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11
		)`,
		c.ID, c.MatchID, c.OpenedBy, string(c.Type), c.Reason, string(c.Status),
		nullStr(c.ArbiterID), nullStr(c.Comment), nullTime(c.ResolvedAt),
		c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetCase(ctx context.Context, id string) (*HelpCase, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM help_cases WHERE id = $1`, id)

	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return nil, ErrCaseNotFound
	}
	return c, err
}

func (p *PostgresStore) UpdateCase(ctx context.Context, c *HelpCase) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE help_cases SET
			status = $1, arbiter_id = $2, comment = $3,
			resolved_at = $4, updated_at = $5
		WHERE id = $6`,
		string(c.Status), nullStr(c.ArbiterID), nullStr(c.Comment),
		nullTime(c.ResolvedAt), c.UpdatedAt, c.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrCaseNotFound
	}
	return nil
}

func (p *PostgresStore) GetActiveCase(ctx context.Context, matchID string) (*HelpCase, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM help_cases
		WHERE match_id = $1 AND status IN ('open', 'under_review')
		ORDER BY created_at DESC LIMIT 1`, matchID)

	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return nil, ErrCaseNotFound
	}
	return c, err
}

func (p *PostgresStore) ListCasesByStatus(ctx context.Context, status CaseStatus, before *pagination.Cursor, limit int) ([]*HelpCase, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = p.db.QueryContext(ctx,
			`SELECT `+caseColumns+` FROM help_cases
			WHERE status = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC LIMIT $4`,
			string(status), before.CreatedAt, before.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx,
			`SELECT `+caseColumns+` FROM help_cases
			WHERE status = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
			string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*HelpCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreateRefund(ctx context.Context, r *Refund) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO refunds (
			id, case_id, payment_id, payer_id, amount_cents,
			status, provider_refund_id, last_error, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10
		)`,
		r.ID, r.CaseID, r.PaymentID, r.PayerID, r.AmountCents,
		string(r.Status), nullStr(r.ProviderRefundID), nullStr(r.LastError),
		r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetRefundByPayment(ctx context.Context, paymentID string) (*Refund, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+refundColumns+` FROM refunds
		WHERE payment_id = $1 ORDER BY created_at DESC LIMIT 1`, paymentID)

	r, err := scanRefund(row)
	if err == sql.ErrNoRows {
		return nil, ErrRefundNotFound
	}
	return r, err
}

func (p *PostgresStore) UpdateRefund(ctx context.Context, r *Refund) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE refunds SET
			status = $1, provider_refund_id = $2, last_error = $3, updated_at = $4
		WHERE id = $5`,
		string(r.Status), nullStr(r.ProviderRefundID), nullStr(r.LastError),
		r.UpdatedAt, r.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRefundNotFound
	}
	return nil
}

func (p *PostgresStore) ListRefundsByCase(ctx context.Context, caseID string) ([]*Refund, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+refundColumns+` FROM refunds
		WHERE case_id = $1 ORDER BY created_at DESC`, caseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListUnsettledRefunds(ctx context.Context, limit int) ([]*Refund, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+refundColumns+` FROM refunds
		WHERE status IN ('pending', 'processing')
		ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCase(sc scanner) (*HelpCase, error) {
	c := &HelpCase{}
	var (
		caseType   string
		status     string
		arbiterID  sql.NullString
		comment    sql.NullString
		resolvedAt sql.NullTime
	)

	err := sc.Scan(
		&c.ID, &c.MatchID, &c.OpenedBy, &caseType, &c.Reason, &status,
		&arbiterID, &comment, &resolvedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Type = CaseType(caseType)
	c.Status = CaseStatus(status)
	c.ArbiterID = arbiterID.String
	c.Comment = comment.String
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Time
	}
	return c, nil
}

func scanRefund(sc scanner) (*Refund, error) {
	r := &Refund{}
	var (
		status     string
		providerID sql.NullString
		lastError  sql.NullString
	)

	err := sc.Scan(
		&r.ID, &r.CaseID, &r.PaymentID, &r.PayerID, &r.AmountCents,
		&status, &providerID, &lastError, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = RefundStatus(status)
	r.ProviderRefundID = providerID.String
	r.LastError = lastError.String
	return r, nil
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
