package match

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/swaploop/internal/geo"
	"github.com/mbd888/swaploop/internal/idgen"
)

// PostgresStore persists match data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed match store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// matchColumns is the SELECT column list for matches.
const matchColumns = `id, party1, party2, item1_id, item2_id, chat_id,
	status, swap_method, meetup_location, payment_split,
	scheduled_time, details_locked, created_at, updated_at`

// legColumns is the SELECT column list for delivery legs.
const legColumns = `id, match_id, direction, pickup_address, dropoff_address,
	pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	distance_km, fee_cents, earning_cents,
	status, courier_id, payout_id, earning_paid, created_at, updated_at`

// addressColumns is the SELECT column list for delivery addresses.
const addressColumns = `match_id, party_id, address, postal, lat, lng, updated_at`

func (p *PostgresStore) CreateMatchBundle(ctx context.Context, b *CreateBundle) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	m := b.Match
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO matches (
			id, party1, party2, item1_id, item2_id, chat_id,
			status, swap_method, meetup_location, payment_split,
			scheduled_time, details_locked, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14
		)`,
		m.ID, m.Party1, m.Party2, m.Item1ID, m.Item2ID, m.ChatID,
		string(m.Status), nullStr(string(m.SwapMethod)), nullStr(m.MeetupLocation), nullStr(string(m.PaymentSplit)),
		nullTime(m.ScheduledTime), m.DetailsLocked, m.CreatedAt, m.UpdatedAt,
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chats (id, match_id, created_at) VALUES ($1, $2, $3)`,
		m.ChatID, m.ID, m.CreatedAt,
	); err != nil {
		return err
	}

	// Reserving re-checks availability; a raced CreateMatch over the same
	// item loses here and rolls back.
	result, err := tx.ExecContext(ctx, `
		UPDATE items SET status = 'reserved'
		WHERE id = ANY($1) AND status = 'available'`,
		pq.Array(b.ItemIDs),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows != int64(len(b.ItemIDs)) {
		return ErrItemUnavailable
	}

	result, err = tx.ExecContext(ctx, `DELETE FROM swap_likes WHERE id = $1`, b.LikeID)
	if err != nil {
		return err
	}
	rows, err = result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrLikeNotFound
	}

	return tx.Commit()
}

func (p *PostgresStore) GetMatch(ctx context.Context, id string) (*Match, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE id = $1`, id)

	m, err := scanMatch(row)
	if err == sql.ErrNoRows {
		return nil, ErrMatchNotFound
	}
	return m, err
}

func (p *PostgresStore) UpdateMatch(ctx context.Context, m *Match) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE matches SET
			status = $1, swap_method = $2, meetup_location = $3,
			payment_split = $4, scheduled_time = $5, details_locked = $6,
			updated_at = $7
		WHERE id = $8`,
		string(m.Status), nullStr(string(m.SwapMethod)), nullStr(m.MeetupLocation),
		nullStr(string(m.PaymentSplit)), nullTime(m.ScheduledTime), m.DetailsLocked,
		m.UpdatedAt, m.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrMatchNotFound
	}
	return nil
}

func (p *PostgresStore) ConfirmSchedule(ctx context.Context, matchID string, t time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE matches SET
			scheduled_time = $1, details_locked = TRUE, status = 'agreed',
			updated_at = NOW()
		WHERE id = $2
		  AND details_locked = FALSE
		  AND status IN ('pending', 'agreed')`,
		t, matchID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing match from a lost conditional write.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM matches WHERE id = $1)`, matchID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrMatchNotFound
		}
		return ErrInvalidStatus
	}
	return nil
}

func (p *PostgresStore) CancelCascade(ctx context.Context, matchID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var item1, item2 string
	err = tx.QueryRowContext(ctx,
		`SELECT item1_id, item2_id FROM matches WHERE id = $1 FOR UPDATE`, matchID,
	).Scan(&item1, &item2)
	if err == sql.ErrNoRows {
		return ErrMatchNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE matches SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status != 'cancelled'`, matchID,
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE delivery_legs SET status = 'cancelled', updated_at = NOW()
		WHERE match_id = $1 AND status NOT IN ('completed', 'cancelled')`, matchID,
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE items SET status = 'available'
		WHERE id = ANY($1) AND status = 'reserved'`,
		pq.Array([]string{item1, item2}),
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) GetLike(ctx context.Context, id string) (*Like, error) {
	like := &Like{}
	err := p.db.QueryRowContext(ctx,
		`SELECT id, liker_id, liked_item_id, created_at FROM swap_likes WHERE id = $1`, id,
	).Scan(&like.ID, &like.LikerID, &like.LikedItemID, &like.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrLikeNotFound
	}
	if err != nil {
		return nil, err
	}
	return like, nil
}

func (p *PostgresStore) GetItem(ctx context.Context, id string) (*Item, error) {
	item := &Item{}
	var status string
	err := p.db.QueryRowContext(ctx,
		`SELECT id, owner_id, for_swap, status FROM items WHERE id = $1`, id,
	).Scan(&item.ID, &item.OwnerID, &item.ForSwap, &status)
	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	item.Status = ItemStatus(status)
	return item, nil
}

func (p *PostgresStore) UpdateItemStatus(ctx context.Context, itemID string, status ItemStatus) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE items SET status = $1 WHERE id = $2`, string(status), itemID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (p *PostgresStore) UpsertLeg(ctx context.Context, leg *DeliveryLeg) error {
	// A re-plan overwrites the unclaimed row for the same match+direction.
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO delivery_legs (
			id, match_id, direction, pickup_address, dropoff_address,
			pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
			distance_km, fee_cents, earning_cents,
			status, courier_id, payout_id, earning_paid, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12,
			$13, $14, $15, $16, $17, $18
		)
		ON CONFLICT (match_id, direction) DO UPDATE SET
			pickup_address = EXCLUDED.pickup_address,
			dropoff_address = EXCLUDED.dropoff_address,
			pickup_lat = EXCLUDED.pickup_lat,
			pickup_lng = EXCLUDED.pickup_lng,
			dropoff_lat = EXCLUDED.dropoff_lat,
			dropoff_lng = EXCLUDED.dropoff_lng,
			distance_km = EXCLUDED.distance_km,
			fee_cents = EXCLUDED.fee_cents,
			earning_cents = EXCLUDED.earning_cents,
			updated_at = EXCLUDED.updated_at
		WHERE delivery_legs.courier_id IS NULL`,
		leg.ID, leg.MatchID, string(leg.Direction), leg.PickupAddress, leg.DropoffAddress,
		leg.PickupPoint.Lat, leg.PickupPoint.Lng, leg.DropoffPoint.Lat, leg.DropoffPoint.Lng,
		leg.DistanceKm, leg.FeeCents, leg.EarningCents,
		string(leg.Status), nullStr(leg.CourierID), nullStr(leg.PayoutID), leg.EarningPaid,
		leg.CreatedAt, leg.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrLegsClaimed
	}
	return nil
}

func (p *PostgresStore) GetLeg(ctx context.Context, id string) (*DeliveryLeg, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+legColumns+` FROM delivery_legs WHERE id = $1`, id)

	leg, err := scanLeg(row)
	if err == sql.ErrNoRows {
		return nil, ErrLegNotFound
	}
	return leg, err
}

func (p *PostgresStore) ListLegsByMatch(ctx context.Context, matchID string) ([]*DeliveryLeg, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+legColumns+` FROM delivery_legs
		WHERE match_id = $1 ORDER BY direction ASC`, matchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanLegs(rows)
}

func (p *PostgresStore) ListPendingLegs(ctx context.Context, limit int) ([]*DeliveryLeg, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+legColumns+` FROM delivery_legs
		WHERE status = 'pending' AND courier_id IS NULL
		ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanLegs(rows)
}

func (p *PostgresStore) ListLegsByCourier(ctx context.Context, courierID string, limit int) ([]*DeliveryLeg, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+legColumns+` FROM delivery_legs
		WHERE courier_id = $1 ORDER BY created_at DESC LIMIT $2`,
		courierID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanLegs(rows)
}

func (p *PostgresStore) AssignLegs(ctx context.Context, matchID, courierID string) (int64, error) {
	// Both legs flip in one statement; the NOT EXISTS guard loses the race
	// cleanly when any leg is already claimed.
	result, err := p.db.ExecContext(ctx, `
		UPDATE delivery_legs SET
			courier_id = $1, status = 'accepted', updated_at = NOW()
		WHERE match_id = $2
		  AND status = 'pending'
		  AND courier_id IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM delivery_legs d2
			WHERE d2.match_id = $2 AND d2.courier_id IS NOT NULL
		  )`,
		courierID, matchID,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (p *PostgresStore) AdvanceLeg(ctx context.Context, legID, courierID string, from, to LegStatus) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE delivery_legs SET status = $1, updated_at = NOW()
		WHERE id = $2 AND courier_id = $3 AND status = $4`,
		string(to), legID, courierID, string(from),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (p *PostgresStore) CountActiveLegsByCourier(ctx context.Context, courierID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM delivery_legs
		WHERE courier_id = $1 AND status IN ('accepted', 'in_progress')`,
		courierID,
	).Scan(&count)
	return count, err
}

func (p *PostgresStore) ListCompletedUnpaidLegs(ctx context.Context, courierID string) ([]*DeliveryLeg, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+legColumns+` FROM delivery_legs
		WHERE courier_id = $1 AND status = 'completed'
		  AND earning_paid = FALSE AND payout_id IS NULL
		ORDER BY created_at ASC`, courierID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanLegs(rows)
}

func (p *PostgresStore) TagLegsForPayout(ctx context.Context, legIDs []string, payoutID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE delivery_legs SET payout_id = $1
		WHERE id = ANY($2) AND payout_id IS NULL AND earning_paid = FALSE`,
		payoutID, pq.Array(legIDs),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows != int64(len(legIDs)) {
		return fmt.Errorf("tagged %d of %d legs for payout %s", rows, len(legIDs), payoutID)
	}
	return nil
}

func (p *PostgresStore) DetagPayout(ctx context.Context, payoutID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE delivery_legs SET payout_id = NULL
		WHERE payout_id = $1 AND earning_paid = FALSE`, payoutID)
	return err
}

func (p *PostgresStore) MarkEarningsPaid(ctx context.Context, payoutID string) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE delivery_legs SET earning_paid = TRUE, updated_at = NOW()
		WHERE payout_id = $1 AND earning_paid = FALSE`, payoutID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (p *PostgresStore) SetAddress(ctx context.Context, a *DeliveryAddress) error {
	var lat, lng sql.NullFloat64
	if a.Point != nil {
		lat = sql.NullFloat64{Float64: a.Point.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: a.Point.Lng, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO delivery_addresses (match_id, party_id, address, postal, lat, lng, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (match_id, party_id) DO UPDATE SET
			address = EXCLUDED.address,
			postal = EXCLUDED.postal,
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			updated_at = EXCLUDED.updated_at`,
		a.MatchID, a.PartyID, a.Address, nullStr(a.Postal), lat, lng, a.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) ListAddresses(ctx context.Context, matchID string) ([]*DeliveryAddress, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+addressColumns+` FROM delivery_addresses
		WHERE match_id = $1 ORDER BY party_id ASC`, matchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*DeliveryAddress
	for rows.Next() {
		a, err := scanAddress(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GetCourier(ctx context.Context, id string) (*Courier, error) {
	c := &Courier{}
	var lat, lng sql.NullFloat64
	err := p.db.QueryRowContext(ctx,
		`SELECT id, home_lat, home_lng, radius_km, active FROM couriers WHERE id = $1`, id,
	).Scan(&c.ID, &lat, &lng, &c.RadiusKm, &c.Active)
	if err == sql.ErrNoRows {
		return nil, ErrCourierNotFound
	}
	if err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid {
		c.Home = &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	return c, nil
}

func (p *PostgresStore) UpsertCourier(ctx context.Context, c *Courier) error {
	var lat, lng sql.NullFloat64
	if c.Home != nil {
		lat = sql.NullFloat64{Float64: c.Home.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: c.Home.Lng, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO couriers (id, home_lat, home_lng, radius_km, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			home_lat = EXCLUDED.home_lat,
			home_lng = EXCLUDED.home_lng,
			radius_km = EXCLUDED.radius_km,
			active = EXCLUDED.active`,
		c.ID, lat, lng, c.RadiusKm, c.Active,
	)
	return err
}

func (p *PostgresStore) AddAvailability(ctx context.Context, w *AvailabilityWindow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO courier_availability (id, courier_id, weekday, start_minute, end_minute)
		VALUES ($1, $2, $3, $4, $5)`,
		w.ID, w.CourierID, w.Weekday, w.StartMinute, w.EndMinute,
	)
	return err
}

func (p *PostgresStore) ListAvailability(ctx context.Context, courierID string) ([]*AvailabilityWindow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, courier_id, weekday, start_minute, end_minute
		FROM courier_availability
		WHERE courier_id = $1
		ORDER BY weekday ASC, start_minute ASC`, courierID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*AvailabilityWindow
	for rows.Next() {
		w := &AvailabilityWindow{}
		if err := rows.Scan(&w.ID, &w.CourierID, &w.Weekday, &w.StartMinute, &w.EndMinute); err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AddSystemNote(ctx context.Context, matchID, body string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, chat_id, sender, body, created_at)
		SELECT $1, chat_id, 'system', $2, NOW() FROM matches WHERE id = $3`,
		idgen.WithPrefix("msg_"), body, matchID,
	)
	return err
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMatch(sc scanner) (*Match, error) {
	m := &Match{}
	var (
		status         string
		swapMethod     sql.NullString
		meetupLocation sql.NullString
		paymentSplit   sql.NullString
		scheduledTime  sql.NullTime
	)

	err := sc.Scan(
		&m.ID, &m.Party1, &m.Party2, &m.Item1ID, &m.Item2ID, &m.ChatID,
		&status, &swapMethod, &meetupLocation, &paymentSplit,
		&scheduledTime, &m.DetailsLocked, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Status = Status(status)
	m.SwapMethod = SwapMethod(swapMethod.String)
	m.MeetupLocation = meetupLocation.String
	m.PaymentSplit = PaymentSplit(paymentSplit.String)
	if scheduledTime.Valid {
		m.ScheduledTime = &scheduledTime.Time
	}
	return m, nil
}

func scanLeg(sc scanner) (*DeliveryLeg, error) {
	leg := &DeliveryLeg{}
	var (
		direction string
		status    string
		courierID sql.NullString
		payoutID  sql.NullString
	)

	err := sc.Scan(
		&leg.ID, &leg.MatchID, &direction, &leg.PickupAddress, &leg.DropoffAddress,
		&leg.PickupPoint.Lat, &leg.PickupPoint.Lng, &leg.DropoffPoint.Lat, &leg.DropoffPoint.Lng,
		&leg.DistanceKm, &leg.FeeCents, &leg.EarningCents,
		&status, &courierID, &payoutID, &leg.EarningPaid, &leg.CreatedAt, &leg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	leg.Direction = LegDirection(direction)
	leg.Status = LegStatus(status)
	leg.CourierID = courierID.String
	leg.PayoutID = payoutID.String
	return leg, nil
}

func scanLegs(rows *sql.Rows) ([]*DeliveryLeg, error) {
	var result []*DeliveryLeg
	for rows.Next() {
		l, err := scanLeg(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

func scanAddress(sc scanner) (*DeliveryAddress, error) {
	a := &DeliveryAddress{}
	var (
		postal sql.NullString
		lat    sql.NullFloat64
		lng    sql.NullFloat64
	)

	err := sc.Scan(&a.MatchID, &a.PartyID, &a.Address, &postal, &lat, &lng, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	a.Postal = postal.String
	if lat.Valid && lng.Valid {
		a.Point = &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	return a, nil
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
