package payment

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory payment store for demo/development mode.
type MemoryStore struct {
	payments map[string]*Payment
	stepups  map[string]*StepUp // keyed matchID+"/"+payerID
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*Payment),
		stepups:  make(map[string]*StepUp),
	}
}

func (m *MemoryStore) CreatePayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPayment(_ context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetPaymentByPayer(_ context.Context, matchID, payerID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.payments {
		if p.MatchID == matchID && p.PayerID == payerID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *MemoryStore) ListPaymentsByMatch(_ context.Context, matchID string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.MatchID == matchID {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) UpdatePayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) CapturePayment(_ context.Context, id, captureID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return 0, ErrPaymentNotFound
	}
	if p.Status != StatusCreated {
		return 0, nil
	}
	ts := at
	p.Status = StatusCaptured
	p.CaptureID = captureID
	p.CapturedAt = &ts
	p.UpdatedAt = at
	return 1, nil
}

func (m *MemoryStore) MarkRefunded(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	p.Status = StatusRefunded
	p.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UpsertStepUp(_ context.Context, s *StepUp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.stepups[s.MatchID+"/"+s.PayerID] = &cp
	return nil
}

func (m *MemoryStore) GetStepUp(_ context.Context, matchID, payerID string) (*StepUp, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stepups[matchID+"/"+payerID]
	if !ok {
		return nil, ErrStepUpNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpdateStepUp(_ context.Context, s *StepUp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := s.MatchID + "/" + s.PayerID
	if _, ok := m.stepups[key]; !ok {
		return ErrStepUpNotFound
	}
	cp := *s
	m.stepups[key] = &cp
	return nil
}

func (m *MemoryStore) DeleteStepUp(_ context.Context, matchID, payerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stepups, matchID+"/"+payerID)
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
