package server

import (
	"context"
	"time"

	"github.com/mbd888/swaploop/internal/dispute"
	"github.com/mbd888/swaploop/internal/match"
	"github.com/mbd888/swaploop/internal/negotiation"
	"github.com/mbd888/swaploop/internal/payment"
	"github.com/mbd888/swaploop/internal/realtime"
)

// -----------------------------------------------------------------------------
// Realtime event adapters
// -----------------------------------------------------------------------------

// matchEventAdapter forwards match lifecycle events to the WebSocket hub.
type matchEventAdapter struct {
	hub *realtime.Hub
}

func (a *matchEventAdapter) EmitMatchUpdated(matchID string, data map[string]interface{}) {
	data["matchId"] = matchID
	a.hub.Broadcast(&realtime.Event{
		Type:      realtime.EventMatchUpdated,
		Timestamp: time.Now(),
		Data:      data,
	})
}

func (a *matchEventAdapter) EmitLegUpdated(matchID string, data map[string]interface{}) {
	data["matchId"] = matchID
	a.hub.Broadcast(&realtime.Event{
		Type:      realtime.EventLegUpdated,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// negotiationEventAdapter forwards offer events to the WebSocket hub.
type negotiationEventAdapter struct {
	hub *realtime.Hub
}

func (a *negotiationEventAdapter) EmitNegotiation(matchID string, data map[string]interface{}) {
	data["matchId"] = matchID
	a.hub.Broadcast(&realtime.Event{
		Type:      realtime.EventNegotiation,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// -----------------------------------------------------------------------------
// Cross-service adapters
// -----------------------------------------------------------------------------

// paymentMatchAdapter gives the payment service read access to matches and
// their computed delivery fee.
type paymentMatchAdapter struct {
	store match.Store
	svc   *match.Service
}

func (a *paymentMatchAdapter) GetMatch(ctx context.Context, id string) (*match.Match, error) {
	return a.store.GetMatch(ctx, id)
}

func (a *paymentMatchAdapter) FeeTotalCents(ctx context.Context, matchID string) (int64, error) {
	return a.svc.FeeTotalCents(ctx, matchID)
}

// disputeMatchAdapter gives the dispute service match reads and the
// cancellation cascade.
type disputeMatchAdapter struct {
	store match.Store
	svc   *match.Service
}

func (a *disputeMatchAdapter) GetMatch(ctx context.Context, id string) (*match.Match, error) {
	return a.store.GetMatch(ctx, id)
}

func (a *disputeMatchAdapter) CancelForCase(ctx context.Context, matchID string) error {
	return a.svc.CancelForCase(ctx, matchID)
}

// disputePaymentAdapter gives the dispute service the payment rows it may
// need to refund.
type disputePaymentAdapter struct {
	store payment.Store
	svc   *payment.Service
}

func (a *disputePaymentAdapter) ListByMatch(ctx context.Context, matchID string) ([]*payment.Payment, error) {
	return a.store.ListPaymentsByMatch(ctx, matchID)
}

func (a *disputePaymentAdapter) MarkRefunded(ctx context.Context, paymentID string) error {
	return a.svc.MarkRefunded(ctx, paymentID)
}

// -----------------------------------------------------------------------------
// Negotiation gateway
// -----------------------------------------------------------------------------

// matchGatewayAdapter applies accepted offer values onto the match. State
// reports the cross-cutting gates (an open help case freezes the match, an
// assisted swap cannot be scheduled until every payment share is captured)
// so proposals fail early; Apply re-checks both at accept time.
type matchGatewayAdapter struct {
	store    match.Store
	matches  *match.Service
	payments *payment.Service
	disputes *dispute.Service
}

func (a *matchGatewayAdapter) State(ctx context.Context, matchID string) (*negotiation.MatchState, error) {
	m, err := a.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}

	frozen, err := a.disputes.HasActiveCase(ctx, matchID)
	if err != nil {
		return nil, err
	}

	feeComputed := false
	captured := true
	if m.SwapMethod == match.MethodAssisted {
		// Legs are the only fee source, so a zero total means none are
		// planned yet.
		total, err := a.matches.FeeTotalCents(ctx, matchID)
		if err != nil {
			return nil, err
		}
		feeComputed = total > 0
		if captured, err = a.payments.AllCaptured(ctx, matchID); err != nil {
			return nil, err
		}
	}

	return &negotiation.MatchState{
		Party1:           m.Party1,
		Party2:           m.Party2,
		SwapMethod:       string(m.SwapMethod),
		MeetupLocation:   m.MeetupLocation,
		PaymentSplit:     string(m.PaymentSplit),
		DetailsLocked:    m.DetailsLocked,
		Terminal:         m.IsTerminal(),
		FeeComputed:      feeComputed,
		Frozen:           frozen,
		PaymentsCaptured: captured,
	}, nil
}

func (a *matchGatewayAdapter) Apply(ctx context.Context, matchID string, attr negotiation.AttributeType, value string) error {
	switch attr {
	case negotiation.AttrSwapMethod:
		method, ok := match.ParseSwapMethod(value)
		if !ok {
			return negotiation.ErrInvalidValue
		}
		return a.matches.SetSwapMethod(ctx, matchID, method)

	case negotiation.AttrMeetupLocation:
		return a.matches.SetMeetupLocation(ctx, matchID, value)

	case negotiation.AttrPaymentSplit:
		split, ok := match.ParsePaymentSplit(value)
		if !ok {
			return negotiation.ErrInvalidValue
		}
		return a.matches.SetPaymentSplit(ctx, matchID, split)

	case negotiation.AttrScheduledTime:
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return negotiation.ErrInvalidValue
		}

		frozen, err := a.disputes.HasActiveCase(ctx, matchID)
		if err != nil {
			return err
		}
		if frozen {
			return negotiation.ErrMatchFrozen
		}

		m, err := a.store.GetMatch(ctx, matchID)
		if err != nil {
			return err
		}
		if m.SwapMethod == match.MethodAssisted {
			paid, err := a.payments.AllCaptured(ctx, matchID)
			if err != nil {
				return err
			}
			if !paid {
				return negotiation.ErrPaymentsPending
			}
		}

		return a.matches.ConfirmSchedule(ctx, matchID, t)
	}

	return negotiation.ErrInvalidAttribute
}

var (
	_ match.EventEmitter       = (*matchEventAdapter)(nil)
	_ negotiation.EventEmitter = (*negotiationEventAdapter)(nil)
	_ payment.MatchSource      = (*paymentMatchAdapter)(nil)
	_ dispute.MatchSource      = (*disputeMatchAdapter)(nil)
	_ dispute.PaymentSource    = (*disputePaymentAdapter)(nil)
	_ negotiation.MatchGateway = (*matchGatewayAdapter)(nil)
)
