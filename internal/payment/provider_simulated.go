package payment

import (
	"context"
	"errors"
	"sync"

	"github.com/mbd888/swaploop/internal/idgen"
)

// SimulatedProvider is an in-memory Provider for demo mode and tests.
// Every call succeeds immediately unless a failure flag is set.
type SimulatedProvider struct {
	mu      sync.Mutex
	orders  map[string]int64  // orderID -> amount
	refunds map[string]string // refundID -> status
	payouts map[string]string // providerBatchID -> status

	FailCapture bool
	FailRefund  bool
	FailPayout  bool
	// PendingRefunds makes new refunds report PENDING instead of COMPLETED.
	PendingRefunds bool
	// PendingPayouts makes new payouts report PENDING instead of SUCCESS.
	PendingPayouts bool
}

// NewSimulatedProvider creates a simulated payment provider.
func NewSimulatedProvider() *SimulatedProvider {
	return &SimulatedProvider{
		orders:  make(map[string]int64),
		refunds: make(map[string]string),
		payouts: make(map[string]string),
	}
}

func (s *SimulatedProvider) CreateOrder(_ context.Context, amountCents int64, _, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := idgen.WithPrefix("simord_")
	s.orders[id] = amountCents
	return id, nil
}

func (s *SimulatedProvider) Capture(_ context.Context, orderID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCapture {
		return "", errors.New("simulated capture failure")
	}
	if _, ok := s.orders[orderID]; !ok {
		return "", errors.New("unknown order")
	}
	return idgen.WithPrefix("simcap_"), nil
}

func (s *SimulatedProvider) Refund(_ context.Context, _ string, _ int64) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailRefund {
		return "", "", errors.New("simulated refund failure")
	}
	id := idgen.WithPrefix("simref_")
	status := "COMPLETED"
	if s.PendingRefunds {
		status = "PENDING"
	}
	s.refunds[id] = status
	return id, status, nil
}

func (s *SimulatedProvider) GetRefund(_ context.Context, refundID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.refunds[refundID]
	if !ok {
		return "", errors.New("unknown refund")
	}
	return status, nil
}

// SettleRefund flips a pending refund to a terminal status; test helper.
func (s *SimulatedProvider) SettleRefund(refundID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunds[refundID] = status
}

func (s *SimulatedProvider) SendPayout(_ context.Context, _ string, _ int64, _ string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPayout {
		return "", "", errors.New("simulated payout failure")
	}
	id := idgen.WithPrefix("simpay_")
	status := "SUCCESS"
	if s.PendingPayouts {
		status = "PENDING"
	}
	s.payouts[id] = status
	return id, status, nil
}

func (s *SimulatedProvider) GetPayoutBatch(_ context.Context, providerBatchID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.payouts[providerBatchID]
	if !ok {
		return "", errors.New("unknown payout batch")
	}
	return status, nil
}

// SettlePayout flips a pending payout to a terminal status; test helper.
func (s *SimulatedProvider) SettlePayout(providerBatchID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payouts[providerBatchID] = status
}

// Compile-time assertion that SimulatedProvider implements Provider.
var _ Provider = (*SimulatedProvider)(nil)
