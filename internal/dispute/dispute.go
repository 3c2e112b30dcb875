// Package dispute implements the help-case and refund arbiter: either party
// may open a case on a match, which freezes its negotiation and payments
// until an arbiter dismisses it or approves it. Approval cancels the match
// and refunds every captured payment through the external provider.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/swaploop/internal/idgen"
	"github.com/mbd888/swaploop/internal/pagination"
)

var (
	ErrCaseNotFound   = errors.New("help case not found")
	ErrRefundNotFound = errors.New("refund not found")
	ErrCaseOpen       = errors.New("a case is already open for this match")
	ErrCaseClosed     = errors.New("case has already been resolved")
	ErrNotParticipant = errors.New("actor is not a party to this match")
	ErrDetailsLocked  = errors.New("cancel requests are closed once details are locked")
	ErrInvalidType    = errors.New("unknown case type")
	ErrInvalidCursor  = errors.New("invalid pagination cursor")
)

// CaseType distinguishes a pre-lock cancellation from a dispute report.
type CaseType string

const (
	TypeCancelRequest CaseType = "cancel_request"
	TypeDisputeReport CaseType = "dispute_report"
)

// ParseCaseType validates a wire value.
func ParseCaseType(s string) (CaseType, bool) {
	switch CaseType(s) {
	case TypeCancelRequest, TypeDisputeReport:
		return CaseType(s), true
	}
	return "", false
}

// CaseStatus is the lifecycle state of a help case.
type CaseStatus string

const (
	CaseOpen        CaseStatus = "open"
	CaseUnderReview CaseStatus = "under_review"
	CaseResolved    CaseStatus = "resolved"
	CaseRejected    CaseStatus = "rejected"
)

// Active reports whether the case still freezes its match.
func (s CaseStatus) Active() bool {
	return s == CaseOpen || s == CaseUnderReview
}

// HelpCase is one party's request for arbitration on a match.
type HelpCase struct {
	ID         string     `json:"id"`
	MatchID    string     `json:"matchId"`
	OpenedBy   string     `json:"openedBy"`
	Type       CaseType   `json:"type"`
	Reason     string     `json:"reason"`
	Status     CaseStatus `json:"status"`
	ArbiterID  string     `json:"arbiterId,omitempty"`
	Comment    string     `json:"comment,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// RefundStatus is the lifecycle state of a refund.
type RefundStatus string

const (
	RefundPending    RefundStatus = "pending"
	RefundProcessing RefundStatus = "processing"
	RefundRefunded   RefundStatus = "refunded"
	RefundFailed     RefundStatus = "failed"
)

// Terminal reports whether the refund needs no further reconciliation.
func (s RefundStatus) Terminal() bool {
	return s == RefundRefunded || s == RefundFailed
}

// Refund tracks one captured payment being returned to its payer.
type Refund struct {
	ID               string       `json:"id"`
	CaseID           string       `json:"caseId"`
	PaymentID        string       `json:"paymentId"`
	PayerID          string       `json:"payerId"`
	AmountCents      int64        `json:"amountCents"`
	Status           RefundStatus `json:"status"`
	ProviderRefundID string       `json:"providerRefundId,omitempty"`
	LastError        string       `json:"lastError,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// Store persists help cases and refunds.
type Store interface {
	CreateCase(ctx context.Context, c *HelpCase) error
	GetCase(ctx context.Context, id string) (*HelpCase, error)
	UpdateCase(ctx context.Context, c *HelpCase) error
	// GetActiveCase returns the open/under-review case for a match, or
	// ErrCaseNotFound.
	GetActiveCase(ctx context.Context, matchID string) (*HelpCase, error)
	// ListCasesByStatus returns cases newest first. A non-nil cursor
	// restricts results to cases strictly older than the cursor position.
	ListCasesByStatus(ctx context.Context, status CaseStatus, before *pagination.Cursor, limit int) ([]*HelpCase, error)

	CreateRefund(ctx context.Context, r *Refund) error
	GetRefundByPayment(ctx context.Context, paymentID string) (*Refund, error)
	UpdateRefund(ctx context.Context, r *Refund) error
	ListRefundsByCase(ctx context.Context, caseID string) ([]*Refund, error)
	ListUnsettledRefunds(ctx context.Context, limit int) ([]*Refund, error)
}

func generateCaseID() string   { return idgen.WithPrefix("cse_") }
func generateRefundID() string { return idgen.WithPrefix("ref_") }
