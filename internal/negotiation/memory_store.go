package negotiation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory offer store for demo/development mode.
type MemoryStore struct {
	offers map[string]*Offer
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory offer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offers: make(map[string]*Offer)}
}

func (m *MemoryStore) CreateOffer(_ context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) UpdateOffer(_ context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offers[o.ID]; !ok {
		return ErrOfferNotFound
	}
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPendingOffer(_ context.Context, matchID string, attr AttributeType) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.offers {
		if o.MatchID == matchID && o.Type == attr && o.Status == OfferPending {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrOfferNotFound
}

func (m *MemoryStore) ListOffersByMatch(_ context.Context, matchID string, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Offer
	for _, o := range m.offers {
		if o.MatchID == matchID {
			cp := *o
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

func (m *MemoryStore) ListStalePending(_ context.Context, before time.Time, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Offer
	for _, o := range m.offers {
		if o.Status == OfferPending && o.CreatedAt.Before(before) {
			cp := *o
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
