package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/swaploop/internal/fees"
	"github.com/mbd888/swaploop/internal/geo"
	"github.com/mbd888/swaploop/internal/logging"
	"github.com/mbd888/swaploop/internal/metrics"
	"github.com/mbd888/swaploop/internal/syncutil"
)

// geocodeTimeout bounds a single external geocoder call.
const geocodeTimeout = 10 * time.Second

// EventEmitter pushes match lifecycle events to realtime subscribers.
type EventEmitter interface {
	EmitMatchUpdated(matchID string, data map[string]interface{})
	EmitLegUpdated(matchID string, data map[string]interface{})
}

// Service coordinates match and delivery-leg lifecycle operations.
type Service struct {
	store    Store
	geocoder geo.Geocoder
	events   EventEmitter
	logger   *slog.Logger
	locks    syncutil.ShardedMutex
	now      func() time.Time
}

// NewService creates a match service.
func NewService(store Store, geocoder geo.Geocoder, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		geocoder: geocoder,
		logger:   logger,
		now:      time.Now,
	}
}

// WithEvents attaches a realtime event emitter.
func (s *Service) WithEvents(e EventEmitter) *Service {
	s.events = e
	return s
}

// Get returns a match visible to one of its parties.
func (s *Service) Get(ctx context.Context, matchID, actorID string) (*Match, error) {
	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.IsParty(actorID) {
		return nil, ErrNotParticipant
	}
	return m, nil
}

// CreateMatch accepts an incoming like: the owner of the liked item picks one
// of the liker's items and a pending match forms. Match, chat, item
// reservation, and like removal all commit or none do.
func (s *Service) CreateMatch(ctx context.Context, ownerID, likeID, selectedItemID string) (*Match, error) {
	like, err := s.store.GetLike(ctx, likeID)
	if err != nil {
		return nil, err
	}

	liked, err := s.store.GetItem(ctx, like.LikedItemID)
	if err != nil {
		return nil, err
	}
	if liked.OwnerID != ownerID {
		return nil, ErrNotItemOwner
	}

	selected, err := s.store.GetItem(ctx, selectedItemID)
	if err != nil {
		return nil, err
	}
	if selected.OwnerID != like.LikerID {
		return nil, ErrWrongItemOwner
	}
	if !selected.ForSwap || selected.Status != ItemAvailable {
		return nil, ErrItemUnavailable
	}
	if liked.Status != ItemAvailable {
		return nil, ErrItemUnavailable
	}

	now := s.now()
	m := &Match{
		ID:        generateMatchID(),
		Party1:    like.LikerID,
		Party2:    ownerID,
		Item1ID:   selectedItemID,
		Item2ID:   like.LikedItemID,
		ChatID:    generateChatID(),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.CreateMatchBundle(ctx, &CreateBundle{
		Match:   m,
		LikeID:  likeID,
		ItemIDs: []string{selectedItemID, like.LikedItemID},
	}); err != nil {
		return nil, fmt.Errorf("create match bundle: %w", err)
	}

	metrics.MatchesTotal.WithLabelValues(string(StatusPending)).Inc()
	logging.L(ctx).Info("match created",
		"match_id", m.ID,
		"party1", m.Party1,
		"party2", m.Party2,
	)
	return m, nil
}

// SetSwapMethod writes the agreed swap method onto the match. When the method
// becomes assisted and both addresses are already on file, legs are planned
// immediately.
func (s *Service) SetSwapMethod(ctx context.Context, matchID string, method SwapMethod) error {
	unlock := s.locks.Lock(matchID)
	defer unlock()

	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if m.DetailsLocked {
		return ErrMatchLocked
	}
	if m.IsTerminal() {
		return ErrInvalidStatus
	}

	m.SwapMethod = method
	m.UpdatedAt = s.now()
	if err := s.store.UpdateMatch(ctx, m); err != nil {
		return err
	}

	if method == MethodAssisted {
		if err := s.ensureLegsLocked(ctx, m); err != nil && !errors.Is(err, ErrAddressesMissing) {
			return err
		}
	}
	s.emitMatch(m, "swap_method_set")
	return nil
}

// SetMeetupLocation writes the agreed meetup location.
func (s *Service) SetMeetupLocation(ctx context.Context, matchID, location string) error {
	unlock := s.locks.Lock(matchID)
	defer unlock()

	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if m.DetailsLocked {
		return ErrMatchLocked
	}
	m.MeetupLocation = location
	m.UpdatedAt = s.now()
	if err := s.store.UpdateMatch(ctx, m); err != nil {
		return err
	}
	s.emitMatch(m, "meetup_location_set")
	return nil
}

// SetPaymentSplit writes the agreed fee split. The fee must be computed first.
func (s *Service) SetPaymentSplit(ctx context.Context, matchID string, split PaymentSplit) error {
	unlock := s.locks.Lock(matchID)
	defer unlock()

	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if m.DetailsLocked {
		return ErrMatchLocked
	}

	total, err := s.FeeTotalCents(ctx, matchID)
	if err != nil {
		return err
	}
	if total == 0 {
		return ErrFeeNotComputed
	}

	m.PaymentSplit = split
	m.UpdatedAt = s.now()
	if err := s.store.UpdateMatch(ctx, m); err != nil {
		return err
	}
	s.emitMatch(m, "payment_split_set")
	return nil
}

// ConfirmSchedule locks the match details and advances it to agreed via a
// conditional write. Payment completeness is the caller's precondition.
func (s *Service) ConfirmSchedule(ctx context.Context, matchID string, t time.Time) error {
	unlock := s.locks.Lock(matchID)
	defer unlock()

	if err := s.store.ConfirmSchedule(ctx, matchID, t); err != nil {
		return err
	}
	metrics.MatchesTotal.WithLabelValues(string(StatusAgreed)).Inc()
	if s.events != nil {
		s.events.EmitMatchUpdated(matchID, map[string]interface{}{
			"matchId": matchID,
			"event":   "schedule_confirmed",
			"time":    t,
		})
	}
	return nil
}

// SetDeliveryAddress records one party's delivery address, geocoding it when
// no coordinate is supplied. Once both parties are on file and the method is
// assisted, legs are (re)planned.
func (s *Service) SetDeliveryAddress(ctx context.Context, matchID, partyID, address, postal string) error {
	unlock := s.locks.Lock(matchID)
	defer unlock()

	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if !m.IsParty(partyID) {
		return ErrNotParticipant
	}
	if m.DetailsLocked {
		return ErrMatchLocked
	}

	addr := &DeliveryAddress{
		MatchID:   matchID,
		PartyID:   partyID,
		Address:   address,
		Postal:    postal,
		UpdatedAt: s.now(),
	}

	query := postal
	if query == "" {
		query = address
	}
	gctx, cancel := context.WithTimeout(ctx, geocodeTimeout)
	defer cancel()
	p, err := s.geocoder.Lookup(gctx, query)
	if err != nil {
		return fmt.Errorf("geocode address: %w", err)
	}
	addr.Point = &p

	if err := s.store.SetAddress(ctx, addr); err != nil {
		return err
	}

	if m.SwapMethod == MethodAssisted {
		if err := s.ensureLegsLocked(ctx, m); err != nil && !errors.Is(err, ErrAddressesMissing) {
			return err
		}
	}
	return nil
}

// EnsureDeliveryLegs computes fees and upserts both legs. Idempotent: calling
// again after an address change re-prices unclaimed legs and is a no-op once
// a courier has claimed them.
func (s *Service) EnsureDeliveryLegs(ctx context.Context, matchID string) error {
	unlock := s.locks.Lock(matchID)
	defer unlock()

	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	return s.ensureLegsLocked(ctx, m)
}

// ensureLegsLocked is EnsureDeliveryLegs with the match lock already held.
func (s *Service) ensureLegsLocked(ctx context.Context, m *Match) error {
	addrs, err := s.store.ListAddresses(ctx, m.ID)
	if err != nil {
		return err
	}

	var a1, a2 *DeliveryAddress
	for _, a := range addrs {
		switch a.PartyID {
		case m.Party1:
			a1 = a
		case m.Party2:
			a2 = a
		}
	}
	if a1 == nil || a2 == nil || a1.Point == nil || a2.Point == nil {
		return ErrAddressesMissing
	}

	existing, err := s.store.ListLegsByMatch(ctx, m.ID)
	if err != nil {
		return err
	}
	for _, leg := range existing {
		if leg.CourierID != "" {
			// Claimed legs keep their price.
			return nil
		}
	}

	dist := geo.HaversineKm(*a1.Point, *a2.Point)
	q := fees.ForDistance(dist)
	now := s.now()

	legs := []*DeliveryLeg{
		{
			MatchID:        m.ID,
			Direction:      LegAToB,
			PickupAddress:  a1.Address,
			DropoffAddress: a2.Address,
			PickupPoint:    *a1.Point,
			DropoffPoint:   *a2.Point,
		},
		{
			MatchID:        m.ID,
			Direction:      LegBToA,
			PickupAddress:  a2.Address,
			DropoffAddress: a1.Address,
			PickupPoint:    *a2.Point,
			DropoffPoint:   *a1.Point,
		},
	}
	for _, leg := range legs {
		leg.ID = generateLegID()
		leg.DistanceKm = q.DistanceKm
		leg.FeeCents = q.FeeCents
		leg.EarningCents = q.EarningCents
		leg.Status = LegPending
		leg.CreatedAt = now
		leg.UpdatedAt = now
		if err := s.store.UpsertLeg(ctx, leg); err != nil {
			return fmt.Errorf("upsert leg %s: %w", leg.Direction, err)
		}
	}

	logging.L(ctx).Info("delivery legs planned",
		"match_id", m.ID,
		"distance_km", q.DistanceKm,
		"fee_cents", q.FeeCents,
	)
	return nil
}

// FeeTotalCents returns the combined fee of both legs, or 0 when legs are
// not planned yet.
func (s *Service) FeeTotalCents(ctx context.Context, matchID string) (int64, error) {
	legs, err := s.store.ListLegsByMatch(ctx, matchID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, leg := range legs {
		if leg.Status != LegCancelled {
			total += leg.FeeCents
		}
	}
	return total, nil
}

// AvailableJobs lists unclaimed legs whose pickup is inside the courier's
// service radius, excluding the courier's own swaps.
func (s *Service) AvailableJobs(ctx context.Context, courierID string, limit int) ([]*DeliveryLeg, error) {
	courier, err := s.store.GetCourier(ctx, courierID)
	if err != nil {
		return nil, err
	}
	if !courier.Ready() {
		return nil, ErrCourierNotReady
	}

	pending, err := s.store.ListPendingLegs(ctx, limit*4)
	if err != nil {
		return nil, err
	}

	var jobs []*DeliveryLeg
	for _, leg := range pending {
		if geo.HaversineKm(*courier.Home, leg.PickupPoint) > courier.RadiusKm {
			continue
		}
		m, err := s.store.GetMatch(ctx, leg.MatchID)
		if err != nil {
			continue
		}
		if m.IsParty(courierID) {
			continue
		}
		jobs = append(jobs, leg)
		if len(jobs) >= limit {
			break
		}
	}
	return jobs, nil
}

// AssignCourier claims both legs of a match for a courier, all or nothing.
// Losing the claim race surfaces as ErrJobTaken, not a server error.
func (s *Service) AssignCourier(ctx context.Context, matchID, courierID string) error {
	courier, err := s.store.GetCourier(ctx, courierID)
	if err != nil {
		return err
	}
	if !courier.Ready() {
		return ErrCourierNotReady
	}

	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if m.IsParty(courierID) {
		return ErrSelfSwap
	}

	legs, err := s.store.ListLegsByMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if len(legs) == 0 {
		return ErrLegNotFound
	}
	for _, leg := range legs {
		if leg.Status == LegPending &&
			geo.HaversineKm(*courier.Home, leg.PickupPoint) > courier.RadiusKm {
			return ErrOutsideRadius
		}
	}

	// A scheduled time, if already agreed, must fall in one of the courier's
	// recurring windows. Address-only matching applies before scheduling.
	if m.ScheduledTime != nil {
		windows, err := s.store.ListAvailability(ctx, courierID)
		if err != nil {
			return err
		}
		covered := false
		for _, w := range windows {
			if w.Covers(*m.ScheduledTime) {
				covered = true
				break
			}
		}
		if !covered {
			return ErrNotAvailable
		}
	}

	// The WHERE clause re-checks that no leg is assigned; two couriers
	// racing here resolve to exactly one winner.
	rows, err := s.store.AssignLegs(ctx, matchID, courierID)
	if err != nil {
		return err
	}
	if rows == 0 {
		metrics.AssignmentConflictsTotal.Inc()
		return ErrJobTaken
	}

	_ = s.store.AddSystemNote(ctx, matchID, "A courier has accepted the delivery job.")
	s.emitLeg(matchID, map[string]interface{}{
		"matchId": matchID,
		"event":   "courier_assigned",
	})
	logging.L(ctx).Info("courier assigned", "match_id", matchID, "courier_id", courierID)
	return nil
}

// Pickup advances a leg from accepted to in_progress.
func (s *Service) Pickup(ctx context.Context, legID, courierID string) error {
	return s.advance(ctx, legID, courierID, LegAccepted, LegInProgress)
}

// Delivered advances a leg from in_progress to completed. When it is the
// match's final leg, the match completes and both items become swapped.
func (s *Service) Delivered(ctx context.Context, legID, courierID string) error {
	if err := s.advance(ctx, legID, courierID, LegInProgress, LegCompleted); err != nil {
		return err
	}

	leg, err := s.store.GetLeg(ctx, legID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(leg.MatchID)
	defer unlock()

	legs, err := s.store.ListLegsByMatch(ctx, leg.MatchID)
	if err != nil {
		return err
	}
	for _, l := range legs {
		if l.Status != LegCompleted && l.Status != LegCancelled {
			return nil // other leg still outstanding
		}
	}

	m, err := s.store.GetMatch(ctx, leg.MatchID)
	if err != nil {
		return err
	}
	if m.Status == StatusCompleted {
		return nil
	}
	m.Status = StatusCompleted
	m.UpdatedAt = s.now()
	if err := s.store.UpdateMatch(ctx, m); err != nil {
		return err
	}
	for _, itemID := range []string{m.Item1ID, m.Item2ID} {
		if err := s.store.UpdateItemStatus(ctx, itemID, ItemSwapped); err != nil {
			return fmt.Errorf("mark item swapped: %w", err)
		}
	}

	metrics.MatchesTotal.WithLabelValues(string(StatusCompleted)).Inc()
	_ = s.store.AddSystemNote(ctx, m.ID, "Both deliveries completed. Swap fulfilled.")
	s.emitMatch(m, "completed")
	return nil
}

func (s *Service) advance(ctx context.Context, legID, courierID string, from, to LegStatus) error {
	leg, err := s.store.GetLeg(ctx, legID)
	if err != nil {
		return err
	}
	if leg.CourierID != courierID {
		return ErrNotAssignee
	}
	if leg.Status != from {
		return ErrInvalidStatus
	}

	rows, err := s.store.AdvanceLeg(ctx, legID, courierID, from, to)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInvalidStatus
	}

	s.emitLeg(leg.MatchID, map[string]interface{}{
		"matchId": leg.MatchID,
		"legId":   legID,
		"event":   "leg_" + string(to),
	})
	return nil
}

// CancelForCase cancels the match, its open legs, and releases both items.
// Invoked by the dispute arbiter; idempotent.
func (s *Service) CancelForCase(ctx context.Context, matchID string) error {
	unlock := s.locks.Lock(matchID)
	defer unlock()

	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if m.Status == StatusCancelled {
		return nil
	}

	if err := s.store.CancelCascade(ctx, matchID); err != nil {
		return err
	}
	metrics.MatchesTotal.WithLabelValues(string(StatusCancelled)).Inc()
	s.emitMatch(m, "cancelled")
	return nil
}

// UpsertCourierProfile saves a courier's home point and radius.
func (s *Service) UpsertCourierProfile(ctx context.Context, c *Courier) error {
	if c.RadiusKm < 0 {
		c.RadiusKm = 0
	}
	return s.store.UpsertCourier(ctx, c)
}

// AddAvailability records a recurring weekly window.
func (s *Service) AddAvailability(ctx context.Context, w *AvailabilityWindow) error {
	if w.Weekday < 0 || w.Weekday > 6 || w.StartMinute < 0 || w.EndMinute <= w.StartMinute || w.EndMinute > 24*60 {
		return fmt.Errorf("invalid availability window")
	}
	w.ID = generateWindowID()
	return s.store.AddAvailability(ctx, w)
}

// MyJobs lists a courier's legs, newest first.
func (s *Service) MyJobs(ctx context.Context, courierID string, limit int) ([]*DeliveryLeg, error) {
	return s.store.ListLegsByCourier(ctx, courierID, limit)
}

func (s *Service) emitMatch(m *Match, event string) {
	if s.events == nil {
		return
	}
	s.events.EmitMatchUpdated(m.ID, map[string]interface{}{
		"matchId": m.ID,
		"event":   event,
		"status":  string(m.Status),
	})
}

func (s *Service) emitLeg(matchID string, data map[string]interface{}) {
	if s.events != nil {
		s.events.EmitLegUpdated(matchID, data)
	}
}
