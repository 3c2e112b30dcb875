package negotiation

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists negotiation offers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// offerColumns is the SELECT column list for offers.
const offerColumns = `id, match_id, attr_type, value, proposed_by,
	round, status, parent_id, created_at, updated_at`

func (p *PostgresStore) CreateOffer(ctx context.Context, o *Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO negotiation_offers (
			id, match_id, attr_type, value, proposed_by,
			round, status, parent_id, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10
		)`,
		o.ID, o.MatchID, string(o.Type), o.Value, o.ProposedBy,
		o.Round, string(o.Status), nullStr(o.ParentID), o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM negotiation_offers WHERE id = $1`, id)

	o, err := scanOffer(row)
	if err == sql.ErrNoRows {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) UpdateOffer(ctx context.Context, o *Offer) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE negotiation_offers SET
			value = $1, status = $2, updated_at = $3
		WHERE id = $4`,
		o.Value, string(o.Status), o.UpdatedAt, o.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOfferNotFound
	}
	return nil
}

func (p *PostgresStore) GetPendingOffer(ctx context.Context, matchID string, attr AttributeType) (*Offer, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM negotiation_offers
		WHERE match_id = $1 AND attr_type = $2 AND status = 'pending'
		LIMIT 1`,
		matchID, string(attr))

	o, err := scanOffer(row)
	if err == sql.ErrNoRows {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) ListOffersByMatch(ctx context.Context, matchID string, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+offerColumns+` FROM negotiation_offers
		WHERE match_id = $1 ORDER BY created_at DESC LIMIT $2`,
		matchID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOffers(rows)
}

func (p *PostgresStore) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+offerColumns+` FROM negotiation_offers
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOffers(rows)
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOffer(sc scanner) (*Offer, error) {
	o := &Offer{}
	var (
		attrType string
		status   string
		parentID sql.NullString
	)

	err := sc.Scan(
		&o.ID, &o.MatchID, &attrType, &o.Value, &o.ProposedBy,
		&o.Round, &status, &parentID, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Type = AttributeType(attrType)
	o.Status = OfferStatus(status)
	o.ParentID = parentID.String
	return o, nil
}

func scanOffers(rows *sql.Rows) ([]*Offer, error) {
	var result []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
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
