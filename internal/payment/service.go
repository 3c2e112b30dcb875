package payment

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/swaploop/internal/logging"
	"github.com/mbd888/swaploop/internal/match"
	"github.com/mbd888/swaploop/internal/metrics"
	"github.com/mbd888/swaploop/internal/notify"
	"github.com/mbd888/swaploop/internal/syncutil"
)

// DefaultCurrency is the ISO code charged when none is configured.
const DefaultCurrency = "SGD"

// Service coordinates payment intents, step-up verification, and capture.
type Service struct {
	store    Store
	matches  MatchSource
	disputes DisputeChecker
	provider Provider
	notifier notify.Notifier
	secret   string
	currency string
	locks    syncutil.ShardedMutex
	now      func() time.Time
}

// NewService creates a payment service. secret salts step-up code hashes.
func NewService(store Store, matches MatchSource, provider Provider, notifier notify.Notifier, secret string) *Service {
	return &Service{
		store:    store,
		matches:  matches,
		provider: provider,
		notifier: notifier,
		secret:   secret,
		currency: DefaultCurrency,
		now:      time.Now,
	}
}

// WithDisputeChecker wires the help-case freeze check.
func (s *Service) WithDisputeChecker(d DisputeChecker) *Service {
	s.disputes = d
	return s
}

// AmountFor recomputes the payer's share from the persisted fee and split.
func (s *Service) AmountFor(ctx context.Context, matchID, payerID string) (int64, error) {
	m, err := s.matches.GetMatch(ctx, matchID)
	if err != nil {
		return 0, err
	}
	if !m.IsParty(payerID) {
		return 0, ErrNotParticipant
	}
	if m.SwapMethod != match.MethodAssisted {
		return 0, ErrNotAssisted
	}
	if m.PaymentSplit == "" {
		return 0, ErrSplitNotSet
	}

	total, err := s.matches.FeeTotalCents(ctx, matchID)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, ErrFeeNotComputed
	}

	p1, p2, err := ComputeSplit(total, m.PaymentSplit)
	if err != nil {
		return 0, err
	}
	if payerID == m.Party1 {
		return p1, nil
	}
	return p2, nil
}

// CreateIntent opens (or refreshes) the payer's payment with the provider.
// Zero-share payers get ErrNothingToPay; an already-captured payment is
// returned as-is.
func (s *Service) CreateIntent(ctx context.Context, matchID, payerID string) (*Payment, error) {
	unlock := s.locks.Lock(matchID)
	defer unlock()

	amount, err := s.AmountFor(ctx, matchID, payerID)
	if err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, ErrNothingToPay
	}
	if err := s.checkDispute(ctx, matchID); err != nil {
		return nil, err
	}

	now := s.now()
	existing, err := s.store.GetPaymentByPayer(ctx, matchID, payerID)
	if err != nil && !errors.Is(err, ErrPaymentNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.Status == StatusCaptured {
			return existing, nil
		}
		if existing.AmountCents == amount {
			return existing, nil
		}
		// Fee or split drifted; re-open with the provider at the new amount.
		orderID, err := s.createOrder(ctx, amount, matchID)
		if err != nil {
			return nil, err
		}
		existing.AmountCents = amount
		existing.OrderID = orderID
		existing.UpdatedAt = now
		if err := s.store.UpdatePayment(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	orderID, err := s.createOrder(ctx, amount, matchID)
	if err != nil {
		return nil, err
	}

	p := &Payment{
		ID:          generatePaymentID(),
		MatchID:     matchID,
		PayerID:     payerID,
		AmountCents: amount,
		Currency:    s.currency,
		Status:      StatusCreated,
		OrderID:     orderID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("payment intent created",
		"match_id", matchID,
		"payment_id", p.ID,
		"amount_cents", amount,
	)
	return p, nil
}

// SendStepUp issues a fresh one-time code bound to the payer's current
// share and delivers it out of band. Reissuing replaces any prior code and
// resets its attempt budget.
func (s *Service) SendStepUp(ctx context.Context, matchID, payerID string) error {
	amount, err := s.AmountFor(ctx, matchID, payerID)
	if err != nil {
		return err
	}
	if amount == 0 {
		return ErrNothingToPay
	}

	code, err := generateCode()
	if err != nil {
		return err
	}

	now := s.now()
	step := &StepUp{
		MatchID:     matchID,
		PayerID:     payerID,
		CodeHash:    s.hashCode(code),
		AmountCents: amount,
		Attempts:    0,
		ExpiresAt:   now.Add(stepUpTTL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.UpsertStepUp(ctx, step); err != nil {
		return err
	}

	// Failures are logged by the notifier path, never surfaced: the code
	// record exists and can be reissued.
	_ = s.notifier.Send(ctx, payerID,
		"Your payment verification code",
		fmt.Sprintf("Use code %s to confirm your delivery payment of %s. It expires in %d minutes.",
			code, formatCents(amount), int(stepUpTTL.Minutes())))
	return nil
}

// VerifyStepUp checks a submitted code. Wrong code, unknown code, amount
// drift, and exhausted attempts all fail identically; only expiry is
// distinguished so the payer knows to request a fresh code.
func (s *Service) VerifyStepUp(ctx context.Context, matchID, payerID, code string) error {
	amount, err := s.AmountFor(ctx, matchID, payerID)
	if err != nil {
		return err
	}

	step, err := s.store.GetStepUp(ctx, matchID, payerID)
	if err != nil {
		metrics.StepUpVerificationsTotal.WithLabelValues("failed").Inc()
		return ErrStepUpInvalid
	}

	now := s.now()
	if !now.Before(step.ExpiresAt) {
		metrics.StepUpVerificationsTotal.WithLabelValues("expired").Inc()
		return ErrStepUpExpired
	}
	if step.Attempts >= maxStepUpAttempts {
		metrics.StepUpVerificationsTotal.WithLabelValues("failed").Inc()
		return ErrStepUpInvalid
	}

	step.Attempts++
	step.UpdatedAt = now
	if s.hashCode(code) != step.CodeHash || step.AmountCents != amount {
		if err := s.store.UpdateStepUp(ctx, step); err != nil {
			return err
		}
		metrics.StepUpVerificationsTotal.WithLabelValues("failed").Inc()
		return ErrStepUpInvalid
	}

	step.VerifiedAt = &now
	if err := s.store.UpdateStepUp(ctx, step); err != nil {
		return err
	}
	metrics.StepUpVerificationsTotal.WithLabelValues("verified").Inc()
	return nil
}

// StepUpStatus describes the payer's current verification state.
type StepUpStatus struct {
	Exists      bool       `json:"exists"`
	Verified    bool       `json:"verified"`
	AmountCents int64      `json:"amountCents,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// GetStepUpStatus reports the payer's step-up state without leaking the code.
func (s *Service) GetStepUpStatus(ctx context.Context, matchID, payerID string) (*StepUpStatus, error) {
	if _, err := s.AmountFor(ctx, matchID, payerID); err != nil {
		return nil, err
	}

	step, err := s.store.GetStepUp(ctx, matchID, payerID)
	if errors.Is(err, ErrStepUpNotFound) {
		return &StepUpStatus{}, nil
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	return &StepUpStatus{
		Exists:      true,
		Verified:    step.VerifiedAt != nil && now.Before(step.ExpiresAt),
		AmountCents: step.AmountCents,
		ExpiresAt:   &step.ExpiresAt,
	}, nil
}

// Capture charges the payer through the provider. The amount is recomputed,
// the step-up must be satisfied for exactly that amount, and the final
// status flip is a conditional write so a concurrent capture cannot double
// charge. Re-capturing an already-captured payment returns the cached row.
func (s *Service) Capture(ctx context.Context, matchID, payerID string) (*Payment, error) {
	unlock := s.locks.Lock(matchID)
	defer unlock()

	amount, err := s.AmountFor(ctx, matchID, payerID)
	if err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, ErrNothingToPay
	}
	if err := s.checkDispute(ctx, matchID); err != nil {
		return nil, err
	}

	p, err := s.store.GetPaymentByPayer(ctx, matchID, payerID)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil, ErrIntentRequired
	}
	if err != nil {
		return nil, err
	}
	if p.Status == StatusCaptured {
		return p, nil
	}
	if p.AmountCents != amount {
		// Fee or split drifted since the intent; the client must re-intent
		// and re-verify at the new amount.
		metrics.CapturesTotal.WithLabelValues("amount_drift").Inc()
		return nil, ErrStepUpRequired
	}

	now := s.now()
	step, err := s.store.GetStepUp(ctx, matchID, payerID)
	if err != nil || !step.Satisfied(amount, now) {
		metrics.CapturesTotal.WithLabelValues("stepup_missing").Inc()
		return nil, ErrStepUpRequired
	}

	pctx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()
	captureID, err := s.provider.Capture(pctx, p.OrderID)
	if err != nil {
		metrics.CapturesTotal.WithLabelValues("provider_failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	rows, err := s.store.CapturePayment(ctx, p.ID, captureID, now)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// A concurrent capture won; return what it wrote.
		return s.store.GetPayment(ctx, p.ID)
	}

	// Verification is single-use.
	_ = s.store.DeleteStepUp(ctx, matchID, payerID)

	metrics.CapturesTotal.WithLabelValues("captured").Inc()
	logging.L(ctx).Info("payment captured",
		"match_id", matchID,
		"payment_id", p.ID,
		"amount_cents", amount,
	)
	return s.store.GetPayment(ctx, p.ID)
}

// AllCaptured reports whether every payer with a non-zero share has a
// captured payment for exactly that share. Gates scheduled-time confirmation.
func (s *Service) AllCaptured(ctx context.Context, matchID string) (bool, error) {
	m, err := s.matches.GetMatch(ctx, matchID)
	if err != nil {
		return false, err
	}
	if m.SwapMethod != match.MethodAssisted {
		return true, nil
	}
	if m.PaymentSplit == "" {
		return false, nil
	}

	total, err := s.matches.FeeTotalCents(ctx, matchID)
	if err != nil {
		return false, err
	}
	if total == 0 {
		return false, nil
	}
	p1, p2, err := ComputeSplit(total, m.PaymentSplit)
	if err != nil {
		return false, err
	}

	required := map[string]int64{}
	if p1 > 0 {
		required[m.Party1] = p1
	}
	if p2 > 0 {
		required[m.Party2] = p2
	}

	payments, err := s.store.ListPaymentsByMatch(ctx, matchID)
	if err != nil {
		return false, err
	}
	for payer, want := range required {
		found := false
		for _, p := range payments {
			if p.PayerID == payer && p.Status == StatusCaptured && p.AmountCents == want {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	return true, nil
}

// ListByMatch returns all payments on a match.
func (s *Service) ListByMatch(ctx context.Context, matchID string) ([]*Payment, error) {
	return s.store.ListPaymentsByMatch(ctx, matchID)
}

// MarkRefunded records that a captured payment has been returned to its payer.
func (s *Service) MarkRefunded(ctx context.Context, paymentID string) error {
	return s.store.MarkRefunded(ctx, paymentID)
}

func (s *Service) checkDispute(ctx context.Context, matchID string) error {
	if s.disputes == nil {
		return nil
	}
	active, err := s.disputes.HasActiveCase(ctx, matchID)
	if err != nil {
		return err
	}
	if active {
		return ErrDisputeActive
	}
	return nil
}

func (s *Service) createOrder(ctx context.Context, amount int64, matchID string) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()
	orderID, err := s.provider.CreateOrder(pctx, amount, s.currency, matchID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProvider, err)
	}
	return orderID, nil
}

func (s *Service) hashCode(code string) string {
	sum := sha256.Sum256([]byte(code + ":" + s.secret))
	return hex.EncodeToString(sum[:])
}

// generateCode returns a 6-digit one-time code.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func formatCents(c int64) string {
	return fmt.Sprintf("$%d.%02d", c/100, c%100)
}
