package payout

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists payout requests in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// requestColumns is the SELECT column list for payout requests.
const requestColumns = `id, courier_id, receiver, amount_cents, leg_count,
	status, approved_by, comment, provider_batch_id, last_error,
	created_at, updated_at`

func (p *PostgresStore) CreateRequest(ctx context.Context, r *Request) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payout_requests (
			id, courier_id, receiver, amount_cents, leg_count,
			status, approved_by, comment, provider_batch_id, last_error,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12
		)`,
		r.ID, r.CourierID, r.Receiver, r.AmountCents, r.LegCount,
		string(r.Status), nullStr(r.ApprovedBy), nullStr(r.Comment),
		nullStr(r.ProviderBatchID), nullStr(r.LastError),
		r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM payout_requests WHERE id = $1`, id)

	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (p *PostgresStore) UpdateRequest(ctx context.Context, r *Request) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payout_requests SET
			status = $1, approved_by = $2, comment = $3,
			provider_batch_id = $4, last_error = $5, updated_at = $6
		WHERE id = $7`,
		string(r.Status), nullStr(r.ApprovedBy), nullStr(r.Comment),
		nullStr(r.ProviderBatchID), nullStr(r.LastError), r.UpdatedAt, r.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRequestNotFound
	}
	return nil
}

func (p *PostgresStore) GetOpenRequestByCourier(ctx context.Context, courierID string) (*Request, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM payout_requests
		WHERE courier_id = $1 AND status IN ('pending', 'processing')
		ORDER BY created_at DESC LIMIT 1`, courierID)

	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (p *PostgresStore) ListRequestsByCourier(ctx context.Context, courierID string, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM payout_requests
		WHERE courier_id = $1 ORDER BY created_at DESC LIMIT $2`,
		courierID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return collectRequests(rows)
}

func (p *PostgresStore) ListRequestsByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM payout_requests
		WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return collectRequests(rows)
}

func (p *PostgresStore) MarkProcessing(ctx context.Context, id, approvedBy string, at time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payout_requests SET
			status = 'processing', approved_by = $1, updated_at = $2
		WHERE id = $3 AND status = 'pending'`,
		approvedBy, at, id,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(sc scanner) (*Request, error) {
	r := &Request{}
	var (
		status     string
		approvedBy sql.NullString
		comment    sql.NullString
		batchID    sql.NullString
		lastError  sql.NullString
	)

	err := sc.Scan(
		&r.ID, &r.CourierID, &r.Receiver, &r.AmountCents, &r.LegCount,
		&status, &approvedBy, &comment, &batchID, &lastError,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = Status(status)
	r.ApprovedBy = approvedBy.String
	r.Comment = comment.String
	r.ProviderBatchID = batchID.String
	r.LastError = lastError.String
	return r, nil
}

func collectRequests(rows *sql.Rows) ([]*Request, error) {
	var result []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
