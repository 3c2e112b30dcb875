// Package payout pays couriers their accumulated delivery earnings. A courier
// requests a payout for all completed, unpaid legs; an admin approves or
// rejects it; approved payouts are sent through the external provider and
// reconciled until they settle.
package payout

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/swaploop/internal/idgen"
)

var (
	ErrRequestNotFound = errors.New("payout request not found")
	ErrActiveLegs      = errors.New("finish active deliveries before requesting a payout")
	ErrNothingToPayOut = errors.New("no unpaid earnings to pay out")
	ErrRequestOpen     = errors.New("a payout request is already open")
	ErrNotRequester    = errors.New("actor does not own this payout request")
	ErrInvalidStatus   = errors.New("invalid status for this operation")
	ErrProvider        = errors.New("payout provider error")
)

// Status is the lifecycle state of a payout request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusRejected   Status = "rejected"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the request needs no further reconciliation.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusRejected || s == StatusFailed
}

// Request is one courier's claim on their accumulated earnings. The amount is
// the sum of the legs tagged to it at creation time and never changes after.
type Request struct {
	ID              string    `json:"id"`
	CourierID       string    `json:"courierId"`
	Receiver        string    `json:"receiver"`
	AmountCents     int64     `json:"amountCents"`
	LegCount        int       `json:"legCount"`
	Status          Status    `json:"status"`
	ApprovedBy      string    `json:"approvedBy,omitempty"`
	Comment         string    `json:"comment,omitempty"`
	ProviderBatchID string    `json:"providerBatchId,omitempty"`
	LastError       string    `json:"lastError,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Store persists payout requests.
type Store interface {
	CreateRequest(ctx context.Context, r *Request) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	UpdateRequest(ctx context.Context, r *Request) error
	// GetOpenRequestByCourier returns the courier's pending or processing
	// request, or ErrRequestNotFound.
	GetOpenRequestByCourier(ctx context.Context, courierID string) (*Request, error)
	ListRequestsByCourier(ctx context.Context, courierID string, limit int) ([]*Request, error)
	ListRequestsByStatus(ctx context.Context, status Status, limit int) ([]*Request, error)
	// MarkProcessing flips a request to processing only from pending; returns
	// the number of rows updated.
	MarkProcessing(ctx context.Context, id, approvedBy string, at time.Time) (int64, error)
}

func generateRequestID() string { return idgen.WithPrefix("spr_") }
