package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/swaploop/internal/match"
	"github.com/mbd888/swaploop/internal/metrics"
	"github.com/mbd888/swaploop/internal/notify"
	"github.com/mbd888/swaploop/internal/pagination"
	"github.com/mbd888/swaploop/internal/payment"
	"github.com/mbd888/swaploop/internal/retry"
	"github.com/mbd888/swaploop/internal/syncutil"
)

const (
	// providerTimeout bounds any single external provider call.
	providerTimeout = 30 * time.Second
	// syncRetryBase is the initial backoff when reconciling refund statuses.
	syncRetryBase = 500 * time.Millisecond
)

// MatchSource is the slice of the match layer case handling needs.
type MatchSource interface {
	GetMatch(ctx context.Context, id string) (*match.Match, error)
	// CancelForCase cancels the match, its unclaimed legs, and releases
	// reserved items. Idempotent.
	CancelForCase(ctx context.Context, matchID string) error
}

// PaymentSource is the slice of the payment layer refunds need.
type PaymentSource interface {
	ListByMatch(ctx context.Context, matchID string) ([]*payment.Payment, error)
	MarkRefunded(ctx context.Context, paymentID string) error
}

// NoteWriter posts system messages into a match's chat.
type NoteWriter interface {
	AddSystemNote(ctx context.Context, matchID, body string) error
}

// Service coordinates help cases and the refunds an approval triggers.
type Service struct {
	store    Store
	matches  MatchSource
	payments PaymentSource
	provider payment.Provider
	notes    NoteWriter
	notifier notify.Notifier
	logger   *slog.Logger

	locks syncutil.ShardedMutex
	now   func() time.Time
}

// NewService creates a dispute service.
func NewService(store Store, matches MatchSource, payments PaymentSource, provider payment.Provider, notes NoteWriter, notifier notify.Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		matches:  matches,
		payments: payments,
		provider: provider,
		notes:    notes,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// OpenCase files a help case on a match. At most one case may be active per
// match, and a cancel request is only accepted before details lock.
func (s *Service) OpenCase(ctx context.Context, matchID, actorID string, typ CaseType, reason string) (*HelpCase, error) {
	if _, ok := ParseCaseType(string(typ)); !ok {
		return nil, ErrInvalidType
	}

	unlock := s.locks.Lock(matchID)
	defer unlock()

	m, err := s.matches.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.IsParty(actorID) {
		return nil, ErrNotParticipant
	}
	if typ == TypeCancelRequest && m.DetailsLocked {
		return nil, ErrDetailsLocked
	}

	if _, err := s.store.GetActiveCase(ctx, matchID); err == nil {
		return nil, ErrCaseOpen
	} else if err != ErrCaseNotFound {
		return nil, err
	}

	now := s.now()
	c := &HelpCase{
		ID:        generateCaseID(),
		MatchID:   matchID,
		OpenedBy:  actorID,
		Type:      typ,
		Reason:    reason,
		Status:    CaseOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateCase(ctx, c); err != nil {
		return nil, err
	}

	if s.notes != nil {
		_ = s.notes.AddSystemNote(ctx, matchID, "A help case was opened. Negotiation and payments are paused until it is resolved.")
	}
	if s.notifier != nil {
		_ = s.notifier.Send(ctx, m.OtherParty(actorID), "Help case opened",
			"The other party opened a help case on your swap. It is paused until an arbiter reviews it.")
	}

	s.logger.Info("help case opened",
		slog.String("case_id", c.ID),
		slog.String("match_id", matchID),
		slog.String("type", string(typ)))

	return c, nil
}

// GetCase returns a case visible to the actor: a party to the match, or any
// caller when actorID is empty (arbiter paths).
func (s *Service) GetCase(ctx context.Context, caseID, actorID string) (*HelpCase, error) {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if actorID != "" {
		m, err := s.matches.GetMatch(ctx, c.MatchID)
		if err != nil {
			return nil, err
		}
		if !m.IsParty(actorID) {
			return nil, ErrNotParticipant
		}
	}
	return c, nil
}

// ListCases returns one page of cases in the given status, newest first,
// along with an opaque cursor for the next page ("" when exhausted).
func (s *Service) ListCases(ctx context.Context, status CaseStatus, cursor string, limit int) ([]*HelpCase, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", ErrInvalidCursor
	}
	cases, err := s.store.ListCasesByStatus(ctx, status, before, limit+1)
	if err != nil {
		return nil, "", err
	}
	cases, next, _ := pagination.ComputePage(cases, limit, func(c *HelpCase) (time.Time, string) {
		return c.CreatedAt, c.ID
	})
	return cases, next, nil
}

// ListRefunds returns the refunds raised by a case.
func (s *Service) ListRefunds(ctx context.Context, caseID string) ([]*Refund, error) {
	if _, err := s.store.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.store.ListRefundsByCase(ctx, caseID)
}

// Review moves an open case under review by the given arbiter. Reviewing a
// case that is already under review is a no-op.
func (s *Service) Review(ctx context.Context, caseID, arbiterID string) (*HelpCase, error) {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if !c.Status.Active() {
		return nil, ErrCaseClosed
	}
	if c.Status == CaseUnderReview {
		return c, nil
	}

	c.Status = CaseUnderReview
	c.ArbiterID = arbiterID
	c.UpdatedAt = s.now()
	if err := s.store.UpdateCase(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Resolve closes an active case. A rejection simply unfreezes the match. An
// approval cancels the match and refunds every captured payment; individual
// refund failures are recorded on the refund rows rather than failing the
// resolution.
func (s *Service) Resolve(ctx context.Context, caseID, arbiterID string, approve bool, comment string) (*HelpCase, error) {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if !c.Status.Active() {
		return nil, ErrCaseClosed
	}

	unlock := s.locks.Lock(c.MatchID)
	defer unlock()

	m, err := s.matches.GetMatch(ctx, c.MatchID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	c.ArbiterID = arbiterID
	c.Comment = comment
	c.ResolvedAt = &now
	c.UpdatedAt = now

	if !approve {
		c.Status = CaseRejected
		if err := s.store.UpdateCase(ctx, c); err != nil {
			return nil, err
		}
		if s.notes != nil {
			_ = s.notes.AddSystemNote(ctx, c.MatchID, "The help case was dismissed. The swap may continue.")
		}
		if s.notifier != nil {
			_ = s.notifier.Send(ctx, c.OpenedBy, "Help case dismissed",
				"An arbiter reviewed your help case and dismissed it. Your swap may continue.")
		}
		return c, nil
	}

	// Cancel first so a failure here leaves the case active and retryable.
	if err := s.matches.CancelForCase(ctx, c.MatchID); err != nil {
		return nil, err
	}

	c.Status = CaseResolved
	if err := s.store.UpdateCase(ctx, c); err != nil {
		return nil, err
	}

	refunds, err := s.refundCaptured(ctx, c)
	if err != nil {
		return nil, err
	}

	if s.notes != nil {
		_ = s.notes.AddSystemNote(ctx, c.MatchID, "The help case was approved. The swap is cancelled and captured payments are being refunded.")
	}
	s.notifyResolution(ctx, m, refunds)

	s.logger.Info("help case approved",
		slog.String("case_id", c.ID),
		slog.String("match_id", c.MatchID),
		slog.Int("refunds", len(refunds)))

	return c, nil
}

// refundCaptured raises a refund for every captured payment on the case's
// match. Payments that already carry a live refund are skipped; a previously
// failed refund is re-driven on the same row.
func (s *Service) refundCaptured(ctx context.Context, c *HelpCase) ([]*Refund, error) {
	payments, err := s.payments.ListByMatch(ctx, c.MatchID)
	if err != nil {
		return nil, err
	}

	var out []*Refund
	for _, p := range payments {
		if p.Status != payment.StatusCaptured {
			continue
		}

		r, err := s.store.GetRefundByPayment(ctx, p.ID)
		switch {
		case err == nil && r.Status != RefundFailed:
			out = append(out, r)
			continue
		case err == nil:
			// Retry the failed refund on the existing row.
			r.Status = RefundPending
			r.LastError = ""
			r.UpdatedAt = s.now()
		case err == ErrRefundNotFound:
			now := s.now()
			r = &Refund{
				ID:          generateRefundID(),
				CaseID:      c.ID,
				PaymentID:   p.ID,
				PayerID:     p.PayerID,
				AmountCents: p.AmountCents,
				Status:      RefundPending,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := s.store.CreateRefund(ctx, r); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}

		s.executeRefund(ctx, r, p)
		if err := s.store.UpdateRefund(ctx, r); err != nil {
			return nil, err
		}
		if r.Status == RefundRefunded {
			if err := s.payments.MarkRefunded(ctx, p.ID); err != nil {
				return nil, err
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// executeRefund calls the provider and records the outcome on r. Provider
// failures mark the refund failed instead of propagating, so one bad refund
// never blocks the others.
func (s *Service) executeRefund(ctx context.Context, r *Refund, p *payment.Payment) {
	pctx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()

	providerID, status, err := s.provider.Refund(pctx, p.CaptureID, p.AmountCents)
	r.UpdatedAt = s.now()
	if err != nil {
		r.Status = RefundFailed
		r.LastError = err.Error()
		metrics.RefundsTotal.WithLabelValues(string(RefundFailed)).Inc()
		s.logger.Warn("provider refund failed",
			slog.String("refund_id", r.ID),
			slog.String("payment_id", p.ID),
			slog.String("error", err.Error()))
		return
	}

	r.ProviderRefundID = providerID
	r.Status = mapRefundStatus(status)
	r.LastError = ""
	metrics.RefundsTotal.WithLabelValues(string(r.Status)).Inc()
}

// SyncRefunds reconciles pending and processing refunds against the provider.
// Run periodically; provider errors on individual refunds are logged and the
// rows are retried on the next sweep.
func (s *Service) SyncRefunds(ctx context.Context, limit int) error {
	refunds, err := s.store.ListUnsettledRefunds(ctx, limit)
	if err != nil {
		return err
	}

	for _, r := range refunds {
		if r.ProviderRefundID == "" {
			continue
		}

		var status string
		err := retry.Do(ctx, 3, syncRetryBase, func() error {
			pctx, cancel := context.WithTimeout(ctx, providerTimeout)
			defer cancel()
			var err error
			status, err = s.provider.GetRefund(pctx, r.ProviderRefundID)
			return err
		})
		if err != nil {
			s.logger.Warn("refund status check failed",
				slog.String("refund_id", r.ID),
				slog.String("error", err.Error()))
			continue
		}

		next := mapRefundStatus(status)
		if next == r.Status {
			continue
		}

		r.Status = next
		r.UpdatedAt = s.now()
		if err := s.store.UpdateRefund(ctx, r); err != nil {
			return err
		}
		metrics.RefundsTotal.WithLabelValues(string(next)).Inc()
		if next == RefundRefunded {
			if err := s.payments.MarkRefunded(ctx, r.PaymentID); err != nil {
				return err
			}
		}
	}
	return nil
}

// HasActiveCase reports whether the match is frozen by an open or
// under-review case.
func (s *Service) HasActiveCase(ctx context.Context, matchID string) (bool, error) {
	_, err := s.store.GetActiveCase(ctx, matchID)
	switch err {
	case nil:
		return true, nil
	case ErrCaseNotFound:
		return false, nil
	default:
		return false, err
	}
}

func (s *Service) notifyResolution(ctx context.Context, m *match.Match, refunds []*Refund) {
	if s.notifier == nil {
		return
	}
	body := "Your swap was cancelled after an arbiter approved a help case."
	for _, r := range refunds {
		body += fmt.Sprintf(" Refund of %s for %s: %s.", formatCents(r.AmountCents), r.PayerID, r.Status)
	}
	_ = s.notifier.Send(ctx, m.Party1, "Swap cancelled", body)
	_ = s.notifier.Send(ctx, m.Party2, "Swap cancelled", body)
}

// mapRefundStatus translates the provider vocabulary into refund statuses.
func mapRefundStatus(providerStatus string) RefundStatus {
	switch providerStatus {
	case "COMPLETED":
		return RefundRefunded
	case "PENDING":
		return RefundProcessing
	default:
		return RefundFailed
	}
}

func formatCents(c int64) string {
	return fmt.Sprintf("$%d.%02d", c/100, c%100)
}
