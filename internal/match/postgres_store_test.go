//go:build integration

package match

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/swaploop/internal/geo"
	"github.com/mbd888/swaploop/internal/testutil"
)

func insertItem(t *testing.T, db *sql.DB, id, owner string, status ItemStatus) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO items (id, owner_id, for_swap, status) VALUES ($1, $2, TRUE, $3)`,
		id, owner, string(status))
	if err != nil {
		t.Fatalf("insert item %s: %v", id, err)
	}
}

func insertLike(t *testing.T, db *sql.DB, id, liker, itemID string) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO swap_likes (id, liker_id, liked_item_id) VALUES ($1, $2, $3)`,
		id, liker, itemID)
	if err != nil {
		t.Fatalf("insert like %s: %v", id, err)
	}
}

func testBundle(id string) *CreateBundle {
	now := time.Now().Truncate(time.Microsecond)
	return &CreateBundle{
		Match: &Match{
			ID:        id,
			Party1:    "user_a",
			Party2:    "user_b",
			Item1ID:   "itm_" + id + "_1",
			Item2ID:   "itm_" + id + "_2",
			ChatID:    "cht_" + id,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		LikeID:  "lik_" + id,
		ItemIDs: []string{"itm_" + id + "_1", "itm_" + id + "_2"},
	}
}

// seedBundle inserts the rows CreateMatchBundle consumes.
func seedBundle(t *testing.T, db *sql.DB, b *CreateBundle) {
	t.Helper()
	insertItem(t, db, b.Match.Item1ID, b.Match.Party1, ItemAvailable)
	insertItem(t, db, b.Match.Item2ID, b.Match.Party2, ItemAvailable)
	insertLike(t, db, b.LikeID, b.Match.Party1, b.Match.Item2ID)
}

func TestPostgresMatch_CreateBundleAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	b := testBundle("mat_pg001")
	seedBundle(t, db, b)

	if err := store.CreateMatchBundle(ctx, b); err != nil {
		t.Fatalf("CreateMatchBundle failed: %v", err)
	}

	got, err := store.GetMatch(ctx, "mat_pg001")
	if err != nil {
		t.Fatalf("GetMatch failed: %v", err)
	}
	if got.Party1 != "user_a" || got.Party2 != "user_b" {
		t.Errorf("parties: got %s/%s", got.Party1, got.Party2)
	}
	if got.Status != StatusPending {
		t.Errorf("Status: got %s, want %s", got.Status, StatusPending)
	}
	if got.ScheduledTime != nil {
		t.Errorf("ScheduledTime should be nil, got %v", got.ScheduledTime)
	}

	// Both items are reserved and the like is consumed.
	for _, itemID := range b.ItemIDs {
		item, err := store.GetItem(ctx, itemID)
		if err != nil {
			t.Fatalf("GetItem %s failed: %v", itemID, err)
		}
		if item.Status != ItemReserved {
			t.Errorf("item %s status: got %s, want %s", itemID, item.Status, ItemReserved)
		}
	}
	if _, err := store.GetLike(ctx, b.LikeID); !errors.Is(err, ErrLikeNotFound) {
		t.Errorf("expected ErrLikeNotFound after bundle, got %v", err)
	}
}

func TestPostgresMatch_CreateBundleItemUnavailable(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	b := testBundle("mat_pg002")
	insertItem(t, db, b.Match.Item1ID, b.Match.Party1, ItemAvailable)
	insertItem(t, db, b.Match.Item2ID, b.Match.Party2, ItemReserved)
	insertLike(t, db, b.LikeID, b.Match.Party1, b.Match.Item2ID)

	if err := store.CreateMatchBundle(ctx, b); !errors.Is(err, ErrItemUnavailable) {
		t.Fatalf("expected ErrItemUnavailable, got %v", err)
	}

	// The transaction rolled back: no match, like still present.
	if _, err := store.GetMatch(ctx, b.Match.ID); !errors.Is(err, ErrMatchNotFound) {
		t.Errorf("expected ErrMatchNotFound after rollback, got %v", err)
	}
	if _, err := store.GetLike(ctx, b.LikeID); err != nil {
		t.Errorf("like should survive rollback, got %v", err)
	}
}

func TestPostgresMatch_ConfirmSchedule(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	b := testBundle("mat_pg003")
	seedBundle(t, db, b)
	if err := store.CreateMatchBundle(ctx, b); err != nil {
		t.Fatalf("CreateMatchBundle failed: %v", err)
	}

	when := time.Now().Add(48 * time.Hour).Truncate(time.Microsecond)
	if err := store.ConfirmSchedule(ctx, b.Match.ID, when); err != nil {
		t.Fatalf("ConfirmSchedule failed: %v", err)
	}

	got, err := store.GetMatch(ctx, b.Match.ID)
	if err != nil {
		t.Fatalf("GetMatch failed: %v", err)
	}
	if got.Status != StatusAgreed {
		t.Errorf("Status: got %s, want %s", got.Status, StatusAgreed)
	}
	if !got.DetailsLocked {
		t.Error("DetailsLocked should be true after confirm")
	}
	if got.ScheduledTime == nil {
		t.Fatal("ScheduledTime should be set")
	}

	// A second confirm loses the conditional write.
	if err := store.ConfirmSchedule(ctx, b.Match.ID, when); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus on re-confirm, got %v", err)
	}

	if err := store.ConfirmSchedule(ctx, "mat_nonexistent", when); !errors.Is(err, ErrMatchNotFound) {
		t.Errorf("expected ErrMatchNotFound, got %v", err)
	}
}

func TestPostgresMatch_AssignLegsRace(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	b := testBundle("mat_pg004")
	seedBundle(t, db, b)
	if err := store.CreateMatchBundle(ctx, b); err != nil {
		t.Fatalf("CreateMatchBundle failed: %v", err)
	}

	now := time.Now().Truncate(time.Microsecond)
	for _, dir := range []LegDirection{LegAToB, LegBToA} {
		leg := &DeliveryLeg{
			ID:             "leg_pg004_" + string(dir),
			MatchID:        b.Match.ID,
			Direction:      dir,
			PickupAddress:  "1 Somewhere Rd",
			DropoffAddress: "2 Elsewhere Ave",
			PickupPoint:    geo.Point{Lat: 1.30, Lng: 103.85},
			DropoffPoint:   geo.Point{Lat: 1.35, Lng: 103.87},
			DistanceKm:     5.9,
			FeeCents:       800,
			EarningCents:   640,
			Status:         LegPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := store.UpsertLeg(ctx, leg); err != nil {
			t.Fatalf("UpsertLeg %s failed: %v", dir, err)
		}
	}

	n, err := store.AssignLegs(ctx, b.Match.ID, "user_courier1")
	if err != nil {
		t.Fatalf("AssignLegs failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 legs assigned, got %d", n)
	}

	// A losing claim touches zero rows.
	n, err = store.AssignLegs(ctx, b.Match.ID, "user_courier2")
	if err != nil {
		t.Fatalf("second AssignLegs failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 legs for losing courier, got %d", n)
	}

	legs, err := store.ListLegsByMatch(ctx, b.Match.ID)
	if err != nil {
		t.Fatalf("ListLegsByMatch failed: %v", err)
	}
	for _, leg := range legs {
		if leg.CourierID != "user_courier1" {
			t.Errorf("leg %s courier: got %s, want user_courier1", leg.ID, leg.CourierID)
		}
		if leg.Status != LegAccepted {
			t.Errorf("leg %s status: got %s, want %s", leg.ID, leg.Status, LegAccepted)
		}
	}
}

func TestPostgresMatch_CancelCascade(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	b := testBundle("mat_pg005")
	seedBundle(t, db, b)
	if err := store.CreateMatchBundle(ctx, b); err != nil {
		t.Fatalf("CreateMatchBundle failed: %v", err)
	}

	now := time.Now().Truncate(time.Microsecond)
	leg := &DeliveryLeg{
		ID:             "leg_pg005_a",
		MatchID:        b.Match.ID,
		Direction:      LegAToB,
		PickupAddress:  "1 Somewhere Rd",
		DropoffAddress: "2 Elsewhere Ave",
		PickupPoint:    geo.Point{Lat: 1.30, Lng: 103.85},
		DropoffPoint:   geo.Point{Lat: 1.35, Lng: 103.87},
		DistanceKm:     5.9,
		FeeCents:       800,
		EarningCents:   640,
		Status:         LegPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.UpsertLeg(ctx, leg); err != nil {
		t.Fatalf("UpsertLeg failed: %v", err)
	}

	if err := store.CancelCascade(ctx, b.Match.ID); err != nil {
		t.Fatalf("CancelCascade failed: %v", err)
	}

	got, err := store.GetMatch(ctx, b.Match.ID)
	if err != nil {
		t.Fatalf("GetMatch failed: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("match status: got %s, want %s", got.Status, StatusCancelled)
	}

	gotLeg, err := store.GetLeg(ctx, leg.ID)
	if err != nil {
		t.Fatalf("GetLeg failed: %v", err)
	}
	if gotLeg.Status != LegCancelled {
		t.Errorf("leg status: got %s, want %s", gotLeg.Status, LegCancelled)
	}

	for _, itemID := range b.ItemIDs {
		item, err := store.GetItem(ctx, itemID)
		if err != nil {
			t.Fatalf("GetItem %s failed: %v", itemID, err)
		}
		if item.Status != ItemAvailable {
			t.Errorf("item %s status: got %s, want %s", itemID, item.Status, ItemAvailable)
		}
	}

	// Cancelling again is a no-op, not an error.
	if err := store.CancelCascade(ctx, b.Match.ID); err != nil {
		t.Errorf("re-cancel should be idempotent, got %v", err)
	}
}

func TestPostgresMatch_AddSystemNote(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	b := testBundle("mat_pg006")
	seedBundle(t, db, b)
	if err := store.CreateMatchBundle(ctx, b); err != nil {
		t.Fatalf("CreateMatchBundle failed: %v", err)
	}

	if err := store.AddSystemNote(ctx, b.Match.ID, "Schedule confirmed."); err != nil {
		t.Fatalf("AddSystemNote failed: %v", err)
	}

	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM chat_messages WHERE chat_id = $1 AND sender = 'system'`,
		b.Match.ChatID,
	).Scan(&count)
	if err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 system message, got %d", count)
	}
}
