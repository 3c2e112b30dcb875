package match

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/swaploop/internal/geo"
)

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	geocoder := &geo.Static{Points: map[string]geo.Point{
		"018936": {Lat: 1.2806, Lng: 103.8505}, // Raffles Place
		"238801": {Lat: 1.3050, Lng: 103.8318}, // Orchard
		"739065": {Lat: 1.4360, Lng: 103.7865}, // Woodlands
	}}
	return NewService(store, geocoder, slog.Default()), store
}

func seedLikedPair(store *MemoryStore) {
	store.SeedItem(&Item{ID: "item_liked", OwnerID: "user_owner", ForSwap: true, Status: ItemAvailable})
	store.SeedItem(&Item{ID: "item_offered", OwnerID: "user_liker", ForSwap: true, Status: ItemAvailable})
	store.SeedLike(&Like{ID: "like_1", LikerID: "user_liker", LikedItemID: "item_liked", CreatedAt: time.Now()})
}

func TestCreateMatch(t *testing.T) {
	svc, store := newTestService(t)
	seedLikedPair(store)
	ctx := context.Background()

	m, err := svc.CreateMatch(ctx, "user_owner", "like_1", "item_offered")
	require.NoError(t, err)

	assert.Equal(t, "user_liker", m.Party1)
	assert.Equal(t, "user_owner", m.Party2)
	assert.Equal(t, StatusPending, m.Status)
	assert.NotEmpty(t, m.ChatID)

	// Both items reserved, like consumed.
	item, err := store.GetItem(ctx, "item_offered")
	require.NoError(t, err)
	assert.Equal(t, ItemReserved, item.Status)
	item, err = store.GetItem(ctx, "item_liked")
	require.NoError(t, err)
	assert.Equal(t, ItemReserved, item.Status)
	_, err = store.GetLike(ctx, "like_1")
	assert.ErrorIs(t, err, ErrLikeNotFound)
}

func TestCreateMatchOwnershipChecks(t *testing.T) {
	svc, store := newTestService(t)
	seedLikedPair(store)
	store.SeedItem(&Item{ID: "item_stranger", OwnerID: "user_stranger", ForSwap: true, Status: ItemAvailable})
	ctx := context.Background()

	_, err := svc.CreateMatch(ctx, "user_stranger", "like_1", "item_offered")
	assert.ErrorIs(t, err, ErrNotItemOwner)

	_, err = svc.CreateMatch(ctx, "user_owner", "like_1", "item_stranger")
	assert.ErrorIs(t, err, ErrWrongItemOwner)
}

func TestCreateMatchUnavailableItem(t *testing.T) {
	svc, store := newTestService(t)
	seedLikedPair(store)
	ctx := context.Background()

	require.NoError(t, store.UpdateItemStatus(ctx, "item_offered", ItemReserved))

	_, err := svc.CreateMatch(ctx, "user_owner", "like_1", "item_offered")
	assert.ErrorIs(t, err, ErrItemUnavailable)
}

func setupAssistedMatch(t *testing.T, svc *Service, store *MemoryStore) *Match {
	t.Helper()
	seedLikedPair(store)
	ctx := context.Background()

	m, err := svc.CreateMatch(ctx, "user_owner", "like_1", "item_offered")
	require.NoError(t, err)
	require.NoError(t, svc.SetSwapMethod(ctx, m.ID, MethodAssisted))
	require.NoError(t, svc.SetDeliveryAddress(ctx, m.ID, "user_liker", "1 Raffles Place", "018936"))
	require.NoError(t, svc.SetDeliveryAddress(ctx, m.ID, "user_owner", "2 Orchard Turn", "238801"))
	return m
}

func TestDeliveryLegsPlannedOnceAddressesComplete(t *testing.T) {
	svc, store := newTestService(t)
	m := setupAssistedMatch(t, svc, store)
	ctx := context.Background()

	legs, err := store.ListLegsByMatch(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, legs, 2)

	assert.Equal(t, LegAToB, legs[0].Direction)
	assert.Equal(t, LegBToA, legs[1].Direction)
	assert.Equal(t, legs[0].FeeCents, legs[1].FeeCents)
	assert.Greater(t, legs[0].FeeCents, int64(0))
	assert.Equal(t, LegPending, legs[0].Status)

	total, err := svc.FeeTotalCents(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, legs[0].FeeCents*2, total)
}

func TestSetPaymentSplitRequiresFee(t *testing.T) {
	svc, store := newTestService(t)
	seedLikedPair(store)
	ctx := context.Background()

	m, err := svc.CreateMatch(ctx, "user_owner", "like_1", "item_offered")
	require.NoError(t, err)

	// No legs planned yet, so there is no fee to split.
	err = svc.SetPaymentSplit(ctx, m.ID, SplitEvenly)
	assert.ErrorIs(t, err, ErrFeeNotComputed)
}

func TestConfirmScheduleLocksDetails(t *testing.T) {
	svc, store := newTestService(t)
	m := setupAssistedMatch(t, svc, store)
	ctx := context.Background()

	when := time.Now().Add(48 * time.Hour)
	require.NoError(t, svc.ConfirmSchedule(ctx, m.ID, when))

	got, err := store.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.DetailsLocked)
	assert.Equal(t, StatusAgreed, got.Status)
	require.NotNil(t, got.ScheduledTime)

	// Locked details reject further edits.
	err = svc.SetMeetupLocation(ctx, m.ID, "void deck")
	assert.ErrorIs(t, err, ErrMatchLocked)
	err = svc.ConfirmSchedule(ctx, m.ID, when.Add(time.Hour))
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func seedCourier(store *MemoryStore, id string, home geo.Point, radiusKm float64) {
	_ = store.UpsertCourier(context.Background(), &Courier{
		ID:       id,
		Home:     &home,
		RadiusKm: radiusKm,
		Active:   true,
	})
}

func TestAssignCourier(t *testing.T) {
	svc, store := newTestService(t)
	m := setupAssistedMatch(t, svc, store)
	ctx := context.Background()

	seedCourier(store, "courier_1", geo.Point{Lat: 1.29, Lng: 103.84}, 10)

	require.NoError(t, svc.AssignCourier(ctx, m.ID, "courier_1"))

	legs, err := store.ListLegsByMatch(ctx, m.ID)
	require.NoError(t, err)
	for _, leg := range legs {
		assert.Equal(t, LegAccepted, leg.Status)
		assert.Equal(t, "courier_1", leg.CourierID)
	}

	// Second claim loses.
	seedCourier(store, "courier_2", geo.Point{Lat: 1.29, Lng: 103.84}, 10)
	err = svc.AssignCourier(ctx, m.ID, "courier_2")
	assert.ErrorIs(t, err, ErrJobTaken)
}

func TestAssignCourierOutsideRadius(t *testing.T) {
	svc, store := newTestService(t)
	m := setupAssistedMatch(t, svc, store)
	ctx := context.Background()

	// Woodlands is well over 5km from both pickup points.
	seedCourier(store, "courier_far", geo.Point{Lat: 1.4360, Lng: 103.7865}, 5)

	err := svc.AssignCourier(ctx, m.ID, "courier_far")
	assert.ErrorIs(t, err, ErrOutsideRadius)
}

func TestAssignCourierSelfSwapRejected(t *testing.T) {
	svc, store := newTestService(t)
	m := setupAssistedMatch(t, svc, store)
	ctx := context.Background()

	seedCourier(store, "user_liker", geo.Point{Lat: 1.29, Lng: 103.84}, 10)

	err := svc.AssignCourier(ctx, m.ID, "user_liker")
	assert.ErrorIs(t, err, ErrSelfSwap)
}

func TestAssignCourierAvailabilityWindow(t *testing.T) {
	svc, store := newTestService(t)
	m := setupAssistedMatch(t, svc, store)
	ctx := context.Background()

	// Saturday 10:00 local.
	scheduled := time.Date(2026, 9, 5, 10, 0, 0, 0, time.UTC)
	require.NoError(t, svc.ConfirmSchedule(ctx, m.ID, scheduled))

	seedCourier(store, "courier_1", geo.Point{Lat: 1.29, Lng: 103.84}, 10)

	// No windows on file: scheduled matches are refused.
	err := svc.AssignCourier(ctx, m.ID, "courier_1")
	assert.ErrorIs(t, err, ErrNotAvailable)

	// A window on the wrong day does not help.
	require.NoError(t, svc.AddAvailability(ctx, &AvailabilityWindow{
		CourierID: "courier_1", Weekday: 1, StartMinute: 9 * 60, EndMinute: 12 * 60,
	}))
	err = svc.AssignCourier(ctx, m.ID, "courier_1")
	assert.ErrorIs(t, err, ErrNotAvailable)

	// Saturday morning window covers it.
	require.NoError(t, svc.AddAvailability(ctx, &AvailabilityWindow{
		CourierID: "courier_1", Weekday: 6, StartMinute: 9 * 60, EndMinute: 12 * 60,
	}))
	require.NoError(t, svc.AssignCourier(ctx, m.ID, "courier_1"))
}

func TestLegLifecycleAndCompletionCascade(t *testing.T) {
	svc, store := newTestService(t)
	m := setupAssistedMatch(t, svc, store)
	ctx := context.Background()

	seedCourier(store, "courier_1", geo.Point{Lat: 1.29, Lng: 103.84}, 10)
	require.NoError(t, svc.AssignCourier(ctx, m.ID, "courier_1"))

	legs, err := store.ListLegsByMatch(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, legs, 2)

	// Wrong courier cannot advance.
	err = svc.Pickup(ctx, legs[0].ID, "courier_2")
	assert.ErrorIs(t, err, ErrNotAssignee)

	// Cannot deliver before pickup.
	err = svc.Delivered(ctx, legs[0].ID, "courier_1")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	require.NoError(t, svc.Pickup(ctx, legs[0].ID, "courier_1"))
	require.NoError(t, svc.Delivered(ctx, legs[0].ID, "courier_1"))

	// One leg down: match still agreed-side, items still reserved.
	got, err := store.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.NotEqual(t, StatusCompleted, got.Status)

	require.NoError(t, svc.Pickup(ctx, legs[1].ID, "courier_1"))
	require.NoError(t, svc.Delivered(ctx, legs[1].ID, "courier_1"))

	got, err = store.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	for _, itemID := range []string{got.Item1ID, got.Item2ID} {
		item, err := store.GetItem(ctx, itemID)
		require.NoError(t, err)
		assert.Equal(t, ItemSwapped, item.Status)
	}
	assert.NotEmpty(t, store.SystemNotes(m.ID))
}

func TestCancelForCase(t *testing.T) {
	svc, store := newTestService(t)
	m := setupAssistedMatch(t, svc, store)
	ctx := context.Background()

	seedCourier(store, "courier_1", geo.Point{Lat: 1.29, Lng: 103.84}, 10)
	require.NoError(t, svc.AssignCourier(ctx, m.ID, "courier_1"))

	require.NoError(t, svc.CancelForCase(ctx, m.ID))
	// Idempotent.
	require.NoError(t, svc.CancelForCase(ctx, m.ID))

	got, err := store.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	legs, err := store.ListLegsByMatch(ctx, m.ID)
	require.NoError(t, err)
	for _, leg := range legs {
		assert.Equal(t, LegCancelled, leg.Status)
	}

	for _, itemID := range []string{got.Item1ID, got.Item2ID} {
		item, err := store.GetItem(ctx, itemID)
		require.NoError(t, err)
		assert.Equal(t, ItemAvailable, item.Status)
	}
}

func TestAvailableJobsFiltersRadiusAndParties(t *testing.T) {
	svc, store := newTestService(t)
	m := setupAssistedMatch(t, svc, store)
	ctx := context.Background()

	seedCourier(store, "courier_near", geo.Point{Lat: 1.29, Lng: 103.84}, 10)
	seedCourier(store, "courier_far", geo.Point{Lat: 1.4360, Lng: 103.7865}, 5)
	seedCourier(store, "user_owner", geo.Point{Lat: 1.29, Lng: 103.84}, 10)

	jobs, err := svc.AvailableJobs(ctx, "courier_near", 20)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
	assert.Equal(t, m.ID, jobs[0].MatchID)

	jobs, err = svc.AvailableJobs(ctx, "courier_far", 20)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// Parties never see their own swap as a job.
	jobs, err = svc.AvailableJobs(ctx, "user_owner", 20)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestAvailableJobsRequiresReadyProfile(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.AvailableJobs(ctx, "courier_missing", 20)
	assert.ErrorIs(t, err, ErrCourierNotFound)

	_ = store.UpsertCourier(ctx, &Courier{ID: "courier_inactive", RadiusKm: 5, Active: false})
	_, err = svc.AvailableJobs(ctx, "courier_inactive", 20)
	assert.ErrorIs(t, err, ErrCourierNotReady)
}
