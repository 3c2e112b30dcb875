package dispute

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/swaploop/internal/pagination"
)

// MemoryStore is an in-memory Store for demo mode and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	cases   map[string]*HelpCase
	refunds map[string]*Refund
}

// NewMemoryStore creates an in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases:   make(map[string]*HelpCase),
		refunds: make(map[string]*Refund),
	}
}

func (s *MemoryStore) CreateCase(_ context.Context, c *HelpCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.cases[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCase(_ context.Context, id string) (*HelpCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) UpdateCase(_ context.Context, c *HelpCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[c.ID]; !ok {
		return ErrCaseNotFound
	}
	cp := *c
	s.cases[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetActiveCase(_ context.Context, matchID string) (*HelpCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.cases {
		if c.MatchID == matchID && c.Status.Active() {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrCaseNotFound
}

func (s *MemoryStore) ListCasesByStatus(_ context.Context, status CaseStatus, before *pagination.Cursor, limit int) ([]*HelpCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*HelpCase
	for _, c := range s.cases {
		if c.Status != status {
			continue
		}
		if before != nil {
			if c.CreatedAt.After(before.CreatedAt) {
				continue
			}
			if c.CreatedAt.Equal(before.CreatedAt) && c.ID >= before.ID {
				continue
			}
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateRefund(_ context.Context, r *Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.refunds[r.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRefundByPayment(_ context.Context, paymentID string) (*Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.refunds {
		if r.PaymentID == paymentID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrRefundNotFound
}

func (s *MemoryStore) UpdateRefund(_ context.Context, r *Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refunds[r.ID]; !ok {
		return ErrRefundNotFound
	}
	cp := *r
	s.refunds[r.ID] = &cp
	return nil
}

func (s *MemoryStore) ListRefundsByCase(_ context.Context, caseID string) ([]*Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Refund
	for _, r := range s.refunds {
		if r.CaseID == caseID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListUnsettledRefunds(_ context.Context, limit int) ([]*Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Refund
	for _, r := range s.refunds {
		if !r.Status.Terminal() {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
