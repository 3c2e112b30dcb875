package payout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/swaploop/internal/match"
	"github.com/mbd888/swaploop/internal/metrics"
	"github.com/mbd888/swaploop/internal/payment"
	"github.com/mbd888/swaploop/internal/syncutil"
)

// providerTimeout bounds any single external provider call.
const providerTimeout = 30 * time.Second

// hardFailStatuses are provider batch statuses that mean the payout will
// never settle and its legs must be released for a fresh request.
var hardFailStatuses = map[string]bool{
	"FAILED":   true,
	"RETURNED": true,
	"BLOCKED":  true,
	"REFUNDED": true,
	"CANCELED": true,
	"DENIED":   true,
}

// LegSource is the slice of the delivery-leg store payouts need.
type LegSource interface {
	CountActiveLegsByCourier(ctx context.Context, courierID string) (int, error)
	ListCompletedUnpaidLegs(ctx context.Context, courierID string) ([]*match.DeliveryLeg, error)
	TagLegsForPayout(ctx context.Context, legIDs []string, payoutID string) error
	DetagPayout(ctx context.Context, payoutID string) error
	MarkEarningsPaid(ctx context.Context, payoutID string) (int64, error)
}

// Service coordinates courier payout requests against the provider.
type Service struct {
	store    Store
	legs     LegSource
	provider payment.Provider
	logger   *slog.Logger

	locks syncutil.ShardedMutex
	now   func() time.Time
}

// NewService creates a payout service.
func NewService(store Store, legs LegSource, provider payment.Provider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		legs:     legs,
		provider: provider,
		logger:   logger,
		now:      time.Now,
	}
}

// Request opens a payout for every completed, unpaid leg the courier has.
// All deliveries must be finished first, and only one request may be open at
// a time. The tagged legs are excluded from any later request until this one
// is rejected or fails.
func (s *Service) Request(ctx context.Context, courierID, receiver string) (*Request, error) {
	unlock := s.locks.Lock(courierID)
	defer unlock()

	active, err := s.legs.CountActiveLegsByCourier(ctx, courierID)
	if err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, ErrActiveLegs
	}

	if _, err := s.store.GetOpenRequestByCourier(ctx, courierID); err == nil {
		return nil, ErrRequestOpen
	} else if err != ErrRequestNotFound {
		return nil, err
	}

	legs, err := s.legs.ListCompletedUnpaidLegs(ctx, courierID)
	if err != nil {
		return nil, err
	}

	var total int64
	legIDs := make([]string, 0, len(legs))
	for _, leg := range legs {
		total += leg.EarningCents
		legIDs = append(legIDs, leg.ID)
	}
	if total <= 0 {
		return nil, ErrNothingToPayOut
	}

	now := s.now()
	r := &Request{
		ID:          generateRequestID(),
		CourierID:   courierID,
		Receiver:    receiver,
		AmountCents: total,
		LegCount:    len(legIDs),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateRequest(ctx, r); err != nil {
		return nil, err
	}
	if err := s.legs.TagLegsForPayout(ctx, legIDs, r.ID); err != nil {
		return nil, err
	}

	metrics.PayoutsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.logger.Info("payout requested",
		slog.String("payout_id", r.ID),
		slog.String("courier_id", courierID),
		slog.Int64("amount_cents", total),
		slog.Int("legs", len(legIDs)))

	return r, nil
}

// Get returns a request visible to the actor: its courier, or any caller
// when actorID is empty (admin paths).
func (s *Service) Get(ctx context.Context, requestID, actorID string) (*Request, error) {
	r, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if actorID != "" && r.CourierID != actorID {
		return nil, ErrNotRequester
	}
	return r, nil
}

// ListMine returns the courier's requests, newest first.
func (s *Service) ListMine(ctx context.Context, courierID string, limit int) ([]*Request, error) {
	return s.store.ListRequestsByCourier(ctx, courierID, limit)
}

// ListByStatus returns requests in the given status, newest first.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	return s.store.ListRequestsByStatus(ctx, status, limit)
}

// Approve sends a pending request to the provider. A provider-side success
// completes the payout immediately; a pending batch leaves it processing for
// Sync to settle; an error or hard failure releases the legs again.
func (s *Service) Approve(ctx context.Context, requestID, adminID string) (*Request, error) {
	r, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	rows, err := s.store.MarkProcessing(ctx, requestID, adminID, now)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrInvalidStatus
	}
	r.Status = StatusProcessing
	r.ApprovedBy = adminID
	r.UpdatedAt = now

	reference := fmt.Sprintf("SPR-%s-%d", r.ID, now.Unix())
	pctx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()
	batchID, status, err := s.provider.SendPayout(pctx, r.Receiver, r.AmountCents, reference)
	if err != nil {
		if ferr := s.fail(ctx, r, err.Error()); ferr != nil {
			return nil, ferr
		}
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	// The batch id must be durable before settling: a still-pending batch
	// leaves the row in processing, and Sync can only reconcile rows that
	// carry their batch id.
	r.ProviderBatchID = batchID
	if err := s.store.UpdateRequest(ctx, r); err != nil {
		return nil, err
	}
	if err := s.settle(ctx, r, status); err != nil {
		return nil, err
	}
	return r, nil
}

// Reject closes a pending request and releases its legs for a future one.
func (s *Service) Reject(ctx context.Context, requestID, adminID, comment string) (*Request, error) {
	r, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, ErrInvalidStatus
	}

	r.Status = StatusRejected
	r.ApprovedBy = adminID
	r.Comment = comment
	r.UpdatedAt = s.now()
	if err := s.store.UpdateRequest(ctx, r); err != nil {
		return nil, err
	}
	if err := s.legs.DetagPayout(ctx, r.ID); err != nil {
		return nil, err
	}

	metrics.PayoutsTotal.WithLabelValues(string(StatusRejected)).Inc()
	return r, nil
}

// Sync reconciles processing requests against the provider. Run
// periodically; provider errors on individual requests are logged and the
// rows are retried on the next sweep.
func (s *Service) Sync(ctx context.Context, limit int) error {
	requests, err := s.store.ListRequestsByStatus(ctx, StatusProcessing, limit)
	if err != nil {
		return err
	}

	for _, r := range requests {
		if r.ProviderBatchID == "" {
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, providerTimeout)
		status, err := s.provider.GetPayoutBatch(pctx, r.ProviderBatchID)
		cancel()
		if err != nil {
			s.logger.Warn("payout status check failed",
				slog.String("payout_id", r.ID),
				slog.String("error", err.Error()))
			continue
		}

		if err := s.settle(ctx, r, status); err != nil {
			return err
		}
	}
	return nil
}

// settle applies a provider batch status to the request. Paid requests flag
// their legs exactly once; hard failures release the legs.
func (s *Service) settle(ctx context.Context, r *Request, providerStatus string) error {
	switch {
	case providerStatus == "SUCCESS" || providerStatus == "UNCLAIMED":
		r.Status = StatusPaid
		r.UpdatedAt = s.now()
		if err := s.store.UpdateRequest(ctx, r); err != nil {
			return err
		}
		paid, err := s.legs.MarkEarningsPaid(ctx, r.ID)
		if err != nil {
			return err
		}
		metrics.PayoutsTotal.WithLabelValues(string(StatusPaid)).Inc()
		s.logger.Info("payout settled",
			slog.String("payout_id", r.ID),
			slog.Int64("legs_paid", paid))
		return nil

	case hardFailStatuses[providerStatus]:
		return s.fail(ctx, r, "provider reported "+providerStatus)

	default:
		// Still in flight; leave it processing for the next sweep.
		if r.Status != StatusProcessing {
			r.Status = StatusProcessing
			r.UpdatedAt = s.now()
			return s.store.UpdateRequest(ctx, r)
		}
		return nil
	}
}

// fail closes the request and releases its legs so the courier can request
// again.
func (s *Service) fail(ctx context.Context, r *Request, reason string) error {
	r.Status = StatusFailed
	r.LastError = reason
	r.UpdatedAt = s.now()
	if err := s.store.UpdateRequest(ctx, r); err != nil {
		return err
	}
	if err := s.legs.DetagPayout(ctx, r.ID); err != nil {
		return err
	}
	metrics.PayoutsTotal.WithLabelValues(string(StatusFailed)).Inc()
	s.logger.Warn("payout failed",
		slog.String("payout_id", r.ID),
		slog.String("reason", reason))
	return nil
}
