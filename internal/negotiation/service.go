package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/swaploop/internal/logging"
	"github.com/mbd888/swaploop/internal/metrics"
	"github.com/mbd888/swaploop/internal/syncutil"
)

// EventEmitter pushes negotiation events to realtime subscribers.
type EventEmitter interface {
	EmitNegotiation(matchID string, data map[string]interface{})
}

// Service implements the offer rules on top of a Store and the match gateway.
// Mutations serialize per match through a context-aware lock: the gateway
// calls out to other services while the lock is held, so waiters can give up
// when their request is cancelled.
type Service struct {
	store   Store
	gateway MatchGateway
	notes   NoteWriter
	events  EventEmitter
	locks   syncutil.ContextShardedMutex
	now     func() time.Time
}

// NewService creates a new negotiation service.
func NewService(store Store, gateway MatchGateway, notes NoteWriter) *Service {
	return &Service{
		store:   store,
		gateway: gateway,
		notes:   notes,
		now:     time.Now,
	}
}

// WithEvents attaches a realtime event emitter.
func (s *Service) WithEvents(e EventEmitter) *Service {
	s.events = e
	return s
}

// Propose opens (or refreshes) an offer for one attribute.
//
// Re-proposing is allowed in two shapes: the proposer of a pending round-0
// offer may overwrite it in place, and the original proposer facing a
// round-1 counter may cancel that counter with a fresh round-0 proposal.
// Anything else while an offer is pending is rejected.
func (s *Service) Propose(ctx context.Context, matchID, actorID string, attr AttributeType, value string) (*Offer, error) {
	value, err := s.validateValue(attr, value)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, matchID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	state, err := s.guard(ctx, matchID, actorID)
	if err != nil {
		return nil, err
	}
	if err := s.checkPrerequisites(state, attr); err != nil {
		return nil, err
	}

	now := s.now()
	pending, err := s.store.GetPendingOffer(ctx, matchID, attr)
	switch {
	case errors.Is(err, ErrOfferNotFound):
		// No open offer, fall through to create.
	case err != nil:
		return nil, err
	case pending.Round == 0 && pending.ProposedBy == actorID:
		pending.Value = value
		pending.UpdatedAt = now
		if err := s.store.UpdateOffer(ctx, pending); err != nil {
			return nil, err
		}
		metrics.OffersTotal.WithLabelValues(string(attr), "revised").Inc()
		s.emit(matchID, attr, "revised", pending)
		return pending, nil
	case pending.Round > 0 && pending.ProposedBy != actorID:
		// The original proposer declines the counter by proposing again.
		pending.Status = OfferCancelled
		pending.UpdatedAt = now
		if err := s.store.UpdateOffer(ctx, pending); err != nil {
			return nil, err
		}
	default:
		return nil, ErrPendingOffer
	}

	o := &Offer{
		ID:         generateOfferID(),
		MatchID:    matchID,
		Type:       attr,
		Value:      value,
		ProposedBy: actorID,
		Round:      0,
		Status:     OfferPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateOffer(ctx, o); err != nil {
		return nil, err
	}

	metrics.OffersTotal.WithLabelValues(string(attr), "proposed").Inc()
	_ = s.notes.AddSystemNote(ctx, matchID, fmt.Sprintf("Proposal: %s = %s", attr, value))
	s.emit(matchID, attr, "proposed", o)
	logging.L(ctx).Info("offer proposed",
		"match_id", matchID,
		"attr", string(attr),
		"offer_id", o.ID,
	)
	return o, nil
}

// Respond accepts or rejects the pending offer for one attribute. Accepting
// writes the value onto the match first; if that fails the offer stays
// pending and the error surfaces to the caller.
func (s *Service) Respond(ctx context.Context, matchID, actorID string, attr AttributeType, accept bool) (*Offer, error) {
	if _, ok := ParseAttributeType(string(attr)); !ok {
		return nil, ErrInvalidAttribute
	}

	unlock, err := s.locks.Lock(ctx, matchID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.guard(ctx, matchID, actorID); err != nil {
		return nil, err
	}

	o, err := s.store.GetPendingOffer(ctx, matchID, attr)
	if err != nil {
		return nil, err
	}
	if o.ProposedBy == actorID {
		return nil, ErrSelfResponse
	}

	if !accept {
		o.Status = OfferRejected
		o.UpdatedAt = s.now()
		if err := s.store.UpdateOffer(ctx, o); err != nil {
			return nil, err
		}
		metrics.OffersTotal.WithLabelValues(string(attr), "rejected").Inc()
		_ = s.notes.AddSystemNote(ctx, matchID, fmt.Sprintf("Rejected: %s = %s", attr, o.Value))
		s.emit(matchID, attr, "rejected", o)
		return o, nil
	}

	if err := s.gateway.Apply(ctx, matchID, attr, o.Value); err != nil {
		metrics.OffersTotal.WithLabelValues(string(attr), "apply_failed").Inc()
		return nil, err
	}

	o.Status = OfferAccepted
	o.UpdatedAt = s.now()
	if err := s.store.UpdateOffer(ctx, o); err != nil {
		return nil, err
	}

	metrics.OffersTotal.WithLabelValues(string(attr), "accepted").Inc()
	_ = s.notes.AddSystemNote(ctx, matchID, fmt.Sprintf("Agreed: %s = %s", attr, o.Value))
	s.emit(matchID, attr, "accepted", o)
	logging.L(ctx).Info("offer accepted",
		"match_id", matchID,
		"attr", string(attr),
		"offer_id", o.ID,
	)
	return o, nil
}

// Counter replaces the pending round-0 offer with the responder's value.
// Only one counter per attribute thread is allowed.
func (s *Service) Counter(ctx context.Context, matchID, actorID string, attr AttributeType, value string) (*Offer, error) {
	value, err := s.validateValue(attr, value)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, matchID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	state, err := s.guard(ctx, matchID, actorID)
	if err != nil {
		return nil, err
	}
	if err := s.checkPrerequisites(state, attr); err != nil {
		return nil, err
	}

	o, err := s.store.GetPendingOffer(ctx, matchID, attr)
	if err != nil {
		return nil, err
	}
	if o.ProposedBy == actorID {
		return nil, ErrSelfResponse
	}
	if o.Round >= MaxRound {
		return nil, ErrMaxRounds
	}

	now := s.now()
	o.Status = OfferCountered
	o.UpdatedAt = now
	if err := s.store.UpdateOffer(ctx, o); err != nil {
		return nil, err
	}

	counter := &Offer{
		ID:         generateOfferID(),
		MatchID:    matchID,
		Type:       attr,
		Value:      value,
		ProposedBy: actorID,
		Round:      o.Round + 1,
		Status:     OfferPending,
		ParentID:   o.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateOffer(ctx, counter); err != nil {
		return nil, err
	}

	metrics.OffersTotal.WithLabelValues(string(attr), "countered").Inc()
	_ = s.notes.AddSystemNote(ctx, matchID, fmt.Sprintf("Counter: %s = %s", attr, value))
	s.emit(matchID, attr, "countered", counter)
	return counter, nil
}

// History lists all offers for a match, newest first.
func (s *Service) History(ctx context.Context, matchID, actorID string, limit int) ([]*Offer, error) {
	state, err := s.gateway.State(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !state.IsParty(actorID) {
		return nil, ErrNotParticipant
	}
	return s.store.ListOffersByMatch(ctx, matchID, limit)
}

// ExpireStale cancels pending offers older than ttl. Returns the number
// cancelled; invoked by the sweeper.
func (s *Service) ExpireStale(ctx context.Context, ttl time.Duration, limit int) (int, error) {
	stale, err := s.store.ListStalePending(ctx, s.now().Add(-ttl), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, o := range stale {
		unlock, err := s.locks.Lock(ctx, o.MatchID)
		if err != nil {
			return expired, err
		}
		o.Status = OfferCancelled
		o.UpdatedAt = s.now()
		err = s.store.UpdateOffer(ctx, o)
		unlock()
		if err != nil {
			continue
		}
		metrics.OffersTotal.WithLabelValues(string(o.Type), "expired").Inc()
		_ = s.notes.AddSystemNote(ctx, o.MatchID, fmt.Sprintf("Offer expired: %s = %s", o.Type, o.Value))
		expired++
	}
	return expired, nil
}

// guard loads the match state and runs the checks shared by every operation.
func (s *Service) guard(ctx context.Context, matchID, actorID string) (*MatchState, error) {
	state, err := s.gateway.State(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !state.IsParty(actorID) {
		return nil, ErrNotParticipant
	}
	if state.Terminal {
		return nil, ErrMatchTerminal
	}
	if state.DetailsLocked {
		return nil, ErrMatchLocked
	}
	if state.Frozen {
		return nil, ErrMatchFrozen
	}
	return state, nil
}

// checkPrerequisites enforces attribute ordering and finality: location and
// split only make sense once the swap method is fixed, an accepted attribute
// cannot be reopened, and scheduling comes last.
func (s *Service) checkPrerequisites(state *MatchState, attr AttributeType) error {
	switch attr {
	case AttrSwapMethod:
		if state.SwapMethod != "" {
			return ErrAlreadyAgreed
		}
	case AttrMeetupLocation:
		if state.SwapMethod == "" {
			return ErrSwapMethodFirst
		}
		if state.SwapMethod != "meetup" {
			return ErrMeetupOnly
		}
		if state.MeetupLocation != "" {
			return ErrAlreadyAgreed
		}
	case AttrPaymentSplit:
		if state.SwapMethod == "" {
			return ErrSwapMethodFirst
		}
		if state.SwapMethod != "assisted" {
			return ErrAssistedOnly
		}
		if state.PaymentSplit != "" {
			return ErrAlreadyAgreed
		}
		if !state.FeeComputed {
			return ErrFeeNotComputed
		}
	case AttrScheduledTime:
		if state.SwapMethod == "" {
			return ErrSwapMethodFirst
		}
		if state.SwapMethod == "assisted" && !state.PaymentsCaptured {
			return ErrPaymentsPending
		}
	default:
		return ErrInvalidAttribute
	}
	return nil
}

// validateValue normalizes and validates an offer value for its attribute.
func (s *Service) validateValue(attr AttributeType, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch attr {
	case AttrSwapMethod:
		if value != "meetup" && value != "assisted" {
			return "", fmt.Errorf("%w: swap method must be meetup or assisted", ErrInvalidValue)
		}
	case AttrMeetupLocation:
		if value == "" || len(value) > 500 {
			return "", fmt.Errorf("%w: meetup location must be 1-500 characters", ErrInvalidValue)
		}
	case AttrPaymentSplit:
		switch value {
		case "split_evenly", "party1_pays_all", "party2_pays_all":
		default:
			return "", fmt.Errorf("%w: unknown payment split", ErrInvalidValue)
		}
	case AttrScheduledTime:
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return "", fmt.Errorf("%w: scheduled time must be RFC3339", ErrInvalidValue)
		}
		if !t.After(s.now()) {
			return "", ErrPastTime
		}
		value = t.UTC().Format(time.RFC3339)
	default:
		return "", ErrInvalidAttribute
	}
	return value, nil
}

func (s *Service) emit(matchID string, attr AttributeType, event string, o *Offer) {
	if s.events == nil {
		return
	}
	s.events.EmitNegotiation(matchID, map[string]interface{}{
		"matchId": matchID,
		"type":    string(attr),
		"event":   event,
		"offer":   o,
	})
}
