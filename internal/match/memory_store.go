package match

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory match store for demo/development mode.
type MemoryStore struct {
	matches      map[string]*Match
	items        map[string]*Item
	likes        map[string]*Like
	legs         map[string]*DeliveryLeg
	addresses    map[string]*DeliveryAddress // keyed matchID+"/"+partyID
	couriers     map[string]*Courier
	availability map[string][]*AvailabilityWindow
	notes        map[string][]string
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory match store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		matches:      make(map[string]*Match),
		items:        make(map[string]*Item),
		likes:        make(map[string]*Like),
		legs:         make(map[string]*DeliveryLeg),
		addresses:    make(map[string]*DeliveryAddress),
		couriers:     make(map[string]*Courier),
		availability: make(map[string][]*AvailabilityWindow),
		notes:        make(map[string][]string),
	}
}

// SeedItem inserts a catalog item; used to set up demo data and tests.
func (m *MemoryStore) SeedItem(item *Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *item
	m.items[item.ID] = &cp
}

// SeedLike inserts a like; used to set up demo data and tests.
func (m *MemoryStore) SeedLike(like *Like) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *like
	m.likes[like.ID] = &cp
}

func (m *MemoryStore) CreateMatchBundle(_ context.Context, b *CreateBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.likes[b.LikeID]; !ok {
		return ErrLikeNotFound
	}
	for _, itemID := range b.ItemIDs {
		item, ok := m.items[itemID]
		if !ok {
			return ErrItemNotFound
		}
		if item.Status != ItemAvailable {
			return ErrItemUnavailable
		}
	}

	cp := *b.Match
	m.matches[cp.ID] = &cp
	for _, itemID := range b.ItemIDs {
		m.items[itemID].Status = ItemReserved
	}
	delete(m.likes, b.LikeID)
	return nil
}

func (m *MemoryStore) GetMatch(_ context.Context, id string) (*Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.matches[id]
	if !ok {
		return nil, ErrMatchNotFound
	}
	cp := *mt
	return &cp, nil
}

func (m *MemoryStore) UpdateMatch(_ context.Context, mt *Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.matches[mt.ID]; !ok {
		return ErrMatchNotFound
	}
	cp := *mt
	m.matches[mt.ID] = &cp
	return nil
}

func (m *MemoryStore) ConfirmSchedule(_ context.Context, matchID string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.matches[matchID]
	if !ok {
		return ErrMatchNotFound
	}
	if mt.DetailsLocked || (mt.Status != StatusPending && mt.Status != StatusAgreed) {
		return ErrInvalidStatus
	}
	ts := t
	mt.ScheduledTime = &ts
	mt.DetailsLocked = true
	mt.Status = StatusAgreed
	mt.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CancelCascade(_ context.Context, matchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.matches[matchID]
	if !ok {
		return ErrMatchNotFound
	}
	if mt.Status == StatusCancelled {
		return nil
	}
	mt.Status = StatusCancelled
	mt.UpdatedAt = time.Now()
	for _, leg := range m.legs {
		if leg.MatchID == matchID && leg.Status != LegCompleted && leg.Status != LegCancelled {
			leg.Status = LegCancelled
			leg.UpdatedAt = time.Now()
		}
	}
	for _, itemID := range []string{mt.Item1ID, mt.Item2ID} {
		if item, ok := m.items[itemID]; ok && item.Status == ItemReserved {
			item.Status = ItemAvailable
		}
	}
	return nil
}

func (m *MemoryStore) GetLike(_ context.Context, id string) (*Like, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	like, ok := m.likes[id]
	if !ok {
		return nil, ErrLikeNotFound
	}
	cp := *like
	return &cp, nil
}

func (m *MemoryStore) GetItem(_ context.Context, id string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *item
	return &cp, nil
}

func (m *MemoryStore) UpdateItemStatus(_ context.Context, itemID string, status ItemStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	item.Status = status
	return nil
}

func (m *MemoryStore) UpsertLeg(_ context.Context, leg *DeliveryLeg) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// One leg per match+direction; a re-plan replaces the unclaimed row.
	for id, existing := range m.legs {
		if existing.MatchID == leg.MatchID && existing.Direction == leg.Direction {
			if existing.CourierID != "" {
				return ErrLegsClaimed
			}
			delete(m.legs, id)
			break
		}
	}
	cp := *leg
	m.legs[leg.ID] = &cp
	return nil
}

func (m *MemoryStore) GetLeg(_ context.Context, id string) (*DeliveryLeg, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	leg, ok := m.legs[id]
	if !ok {
		return nil, ErrLegNotFound
	}
	cp := *leg
	return &cp, nil
}

func (m *MemoryStore) ListLegsByMatch(_ context.Context, matchID string) ([]*DeliveryLeg, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*DeliveryLeg
	for _, leg := range m.legs {
		if leg.MatchID == matchID {
			cp := *leg
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Direction < result[j].Direction
	})
	return result, nil
}

func (m *MemoryStore) ListPendingLegs(_ context.Context, limit int) ([]*DeliveryLeg, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*DeliveryLeg
	for _, leg := range m.legs {
		if leg.Status == LegPending && leg.CourierID == "" {
			cp := *leg
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListLegsByCourier(_ context.Context, courierID string, limit int) ([]*DeliveryLeg, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*DeliveryLeg
	for _, leg := range m.legs {
		if leg.CourierID == courierID {
			cp := *leg
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) AssignLegs(_ context.Context, matchID, courierID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*DeliveryLeg
	for _, leg := range m.legs {
		if leg.MatchID != matchID {
			continue
		}
		if leg.Status != LegPending || leg.CourierID != "" {
			return 0, nil
		}
		candidates = append(candidates, leg)
	}
	if len(candidates) == 0 {
		return 0, nil
	}
	now := time.Now()
	for _, leg := range candidates {
		leg.CourierID = courierID
		leg.Status = LegAccepted
		leg.UpdatedAt = now
	}
	return int64(len(candidates)), nil
}

func (m *MemoryStore) AdvanceLeg(_ context.Context, legID, courierID string, from, to LegStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	leg, ok := m.legs[legID]
	if !ok {
		return 0, ErrLegNotFound
	}
	if leg.CourierID != courierID || leg.Status != from {
		return 0, nil
	}
	leg.Status = to
	leg.UpdatedAt = time.Now()
	return 1, nil
}

func (m *MemoryStore) CountActiveLegsByCourier(_ context.Context, courierID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, leg := range m.legs {
		if leg.CourierID == courierID &&
			(leg.Status == LegAccepted || leg.Status == LegInProgress) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ListCompletedUnpaidLegs(_ context.Context, courierID string) ([]*DeliveryLeg, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*DeliveryLeg
	for _, leg := range m.legs {
		if leg.CourierID == courierID && leg.Status == LegCompleted &&
			!leg.EarningPaid && leg.PayoutID == "" {
			cp := *leg
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) TagLegsForPayout(_ context.Context, legIDs []string, payoutID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range legIDs {
		leg, ok := m.legs[id]
		if !ok {
			return ErrLegNotFound
		}
		leg.PayoutID = payoutID
	}
	return nil
}

func (m *MemoryStore) DetagPayout(_ context.Context, payoutID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, leg := range m.legs {
		if leg.PayoutID == payoutID && !leg.EarningPaid {
			leg.PayoutID = ""
		}
	}
	return nil
}

func (m *MemoryStore) MarkEarningsPaid(_ context.Context, payoutID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, leg := range m.legs {
		if leg.PayoutID == payoutID && !leg.EarningPaid {
			leg.EarningPaid = true
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SetAddress(_ context.Context, a *DeliveryAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.addresses[a.MatchID+"/"+a.PartyID] = &cp
	return nil
}

func (m *MemoryStore) ListAddresses(_ context.Context, matchID string) ([]*DeliveryAddress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*DeliveryAddress
	for _, a := range m.addresses {
		if a.MatchID == matchID {
			cp := *a
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].PartyID < result[j].PartyID
	})
	return result, nil
}

func (m *MemoryStore) GetCourier(_ context.Context, id string) (*Courier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.couriers[id]
	if !ok {
		return nil, ErrCourierNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) UpsertCourier(_ context.Context, c *Courier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.couriers[c.ID] = &cp
	return nil
}

func (m *MemoryStore) AddAvailability(_ context.Context, w *AvailabilityWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.availability[w.CourierID] = append(m.availability[w.CourierID], &cp)
	return nil
}

func (m *MemoryStore) ListAvailability(_ context.Context, courierID string) ([]*AvailabilityWindow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*AvailabilityWindow
	for _, w := range m.availability[courierID] {
		cp := *w
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) AddSystemNote(_ context.Context, matchID, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes[matchID] = append(m.notes[matchID], body)
	return nil
}

// SystemNotes returns recorded chat notes for a match; test helper.
func (m *MemoryStore) SystemNotes(matchID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.notes[matchID]...)
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
