// Package payment implements the assisted-delivery escrow flow: deriving
// each payer's share from the fee split, gating capture behind a one-time
// step-up verification, and talking to the external payment provider.
//
// Amounts are always recomputed server-side from the persisted fee and
// split; a client-supplied amount is never trusted. A step-up verification
// is bound to the exact amount it was issued for, so any fee or split drift
// between verification and capture invalidates it.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/swaploop/internal/idgen"
	"github.com/mbd888/swaploop/internal/match"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrStepUpNotFound  = errors.New("step-up verification not found")
	ErrNotParticipant  = errors.New("actor is not a party to this match")
	ErrNothingToPay    = errors.New("no payment required for this payer")
	ErrSplitNotSet     = errors.New("payment split has not been agreed")
	ErrFeeNotComputed  = errors.New("delivery fee has not been computed")
	ErrNotAssisted     = errors.New("payment applies to assisted delivery only")
	ErrIntentRequired  = errors.New("create a payment intent first")
	ErrDisputeActive   = errors.New("an open help case freezes payment")
	ErrStepUpRequired  = errors.New("step-up verification required before capture")
	ErrStepUpExpired   = errors.New("verification code expired")
	ErrStepUpInvalid   = errors.New("verification failed")
	ErrProvider        = errors.New("payment provider error")
)

// Status is the lifecycle state of a payment.
type Status string

const (
	StatusCreated  Status = "created"
	StatusCaptured Status = "captured"
	StatusRefunded Status = "refunded"
)

const (
	// stepUpTTL is how long a one-time code stays valid.
	stepUpTTL = 10 * time.Minute
	// maxStepUpAttempts is the verification attempt ceiling per code.
	maxStepUpAttempts = 5
	// providerTimeout bounds any single external provider call.
	providerTimeout = 30 * time.Second
)

// Payment is one payer's share of a match's delivery fee.
type Payment struct {
	ID          string     `json:"id"`
	MatchID     string     `json:"matchId"`
	PayerID     string     `json:"payerId"`
	AmountCents int64      `json:"amountCents"`
	Currency    string     `json:"currency"`
	Status      Status     `json:"status"`
	OrderID     string     `json:"orderId,omitempty"`
	CaptureID   string     `json:"captureId,omitempty"`
	CapturedAt  *time.Time `json:"capturedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// StepUp is a one-time verification bound to a (match, payer, amount).
type StepUp struct {
	MatchID     string     `json:"matchId"`
	PayerID     string     `json:"payerId"`
	CodeHash    string     `json:"-"`
	AmountCents int64      `json:"amountCents"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	VerifiedAt  *time.Time `json:"verifiedAt,omitempty"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Satisfied reports whether the step-up authorizes a charge of amountCents
// right now.
func (s *StepUp) Satisfied(amountCents int64, now time.Time) bool {
	return s.VerifiedAt != nil &&
		now.Before(s.ExpiresAt) &&
		s.AmountCents == amountCents
}

// ComputeSplit divides totalCents between the two parties. split_evenly
// gives party1 the floored half and party2 the remainder, so the two shares
// always sum to exactly the total.
func ComputeSplit(totalCents int64, split match.PaymentSplit) (party1, party2 int64, err error) {
	if totalCents < 0 {
		totalCents = 0
	}
	switch split {
	case match.SplitEvenly:
		party1 = totalCents / 2
		party2 = totalCents - party1
	case match.SplitParty1All:
		party1 = totalCents
	case match.SplitParty2All:
		party2 = totalCents
	default:
		return 0, 0, ErrSplitNotSet
	}
	return party1, party2, nil
}

// Provider is the external payment processor. Status strings are the
// provider's terminal vocabulary (COMPLETED, PENDING, SUCCESS, FAILED, ...)
// and are mapped to domain statuses by the consuming service.
type Provider interface {
	CreateOrder(ctx context.Context, amountCents int64, currency, reference string) (orderID string, err error)
	Capture(ctx context.Context, orderID string) (captureID string, err error)
	Refund(ctx context.Context, captureID string, amountCents int64) (refundID, status string, err error)
	GetRefund(ctx context.Context, refundID string) (status string, err error)
	SendPayout(ctx context.Context, receiver string, amountCents int64, reference string) (providerBatchID, status string, err error)
	GetPayoutBatch(ctx context.Context, providerBatchID string) (status string, err error)
}

// MatchSource is the slice of the match service payments need.
type MatchSource interface {
	GetMatch(ctx context.Context, id string) (*match.Match, error)
	FeeTotalCents(ctx context.Context, matchID string) (int64, error)
}

// DisputeChecker reports whether a match is frozen by an open help case.
type DisputeChecker interface {
	HasActiveCase(ctx context.Context, matchID string) (bool, error)
}

// Store persists payments and step-up verifications.
type Store interface {
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetPaymentByPayer(ctx context.Context, matchID, payerID string) (*Payment, error)
	ListPaymentsByMatch(ctx context.Context, matchID string) ([]*Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error
	// CapturePayment flips a payment to captured only from created; returns
	// the number of rows updated (0 when a concurrent capture won).
	CapturePayment(ctx context.Context, id, captureID string, at time.Time) (int64, error)
	// MarkRefunded flips a captured payment to refunded.
	MarkRefunded(ctx context.Context, id string) error

	UpsertStepUp(ctx context.Context, s *StepUp) error
	GetStepUp(ctx context.Context, matchID, payerID string) (*StepUp, error)
	UpdateStepUp(ctx context.Context, s *StepUp) error
	DeleteStepUp(ctx context.Context, matchID, payerID string) error
}

func generatePaymentID() string { return idgen.WithPrefix("pay_") }
