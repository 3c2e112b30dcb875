// Package negotiation implements structured agreement on swap details.
//
// Each negotiable attribute of a match (swap method, meetup location,
// payment split, scheduled time) is settled through offers: one party
// proposes a value, the other accepts, rejects, or counters exactly once.
// A counter flips the roles; there is no counter to a counter. Accepting
// an offer writes the value onto the match through the MatchGateway, so an
// accepted value and the match record can never disagree.
package negotiation

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/swaploop/internal/idgen"
)

var (
	ErrOfferNotFound    = errors.New("offer not found")
	ErrNotParticipant   = errors.New("actor is not a party to this match")
	ErrSelfResponse     = errors.New("cannot respond to your own offer")
	ErrNotProposer      = errors.New("only the original proposer may re-propose over a counter")
	ErrPendingOffer     = errors.New("an offer for this attribute is already pending")
	ErrMaxRounds        = errors.New("counter limit reached for this attribute")
	ErrOfferNotPending  = errors.New("offer is no longer pending")
	ErrInvalidAttribute = errors.New("unknown negotiable attribute")
	ErrInvalidValue     = errors.New("invalid value for this attribute")
	ErrAlreadyAgreed    = errors.New("this attribute has already been confirmed")
	ErrMatchLocked      = errors.New("match details are locked")
	ErrMatchTerminal    = errors.New("match is completed or cancelled")
	ErrSwapMethodFirst  = errors.New("confirm swap method first")
	ErrMeetupOnly       = errors.New("meetup location applies to meetup swaps only")
	ErrAssistedOnly     = errors.New("payment split applies to assisted swaps only")
	ErrFeeNotComputed   = errors.New("delivery fee has not been computed")
	ErrPastTime         = errors.New("scheduled time must be in the future")
	ErrPaymentsPending  = errors.New("all payment shares must be captured before scheduling")
	ErrMatchFrozen      = errors.New("an open help case freezes this match")
)

// AttributeType identifies which swap detail an offer settles.
type AttributeType string

const (
	AttrSwapMethod     AttributeType = "swap_method"
	AttrMeetupLocation AttributeType = "meetup_location"
	AttrPaymentSplit   AttributeType = "payment_split"
	AttrScheduledTime  AttributeType = "scheduled_time"
)

// ParseAttributeType validates a wire value.
func ParseAttributeType(s string) (AttributeType, bool) {
	switch AttributeType(s) {
	case AttrSwapMethod, AttrMeetupLocation, AttrPaymentSplit, AttrScheduledTime:
		return AttributeType(s), true
	}
	return "", false
}

// OfferStatus is the lifecycle state of an offer.
type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferCountered OfferStatus = "countered"
	OfferCancelled OfferStatus = "cancelled"
)

// MaxRound is the highest allowed counter round. Round 0 is the original
// proposal, round 1 its single counter.
const MaxRound = 1

// Offer is one proposed value for one attribute of one match.
type Offer struct {
	ID         string        `json:"id"`
	MatchID    string        `json:"matchId"`
	Type       AttributeType `json:"type"`
	Value      string        `json:"value"`
	ProposedBy string        `json:"proposedBy"`
	Round      int           `json:"round"`
	Status     OfferStatus   `json:"status"`
	ParentID   string        `json:"parentId,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// MatchState is the slice of a match the negotiation rules need. A
// non-empty SwapMethod, MeetupLocation, or PaymentSplit means that
// attribute was already accepted and may not be renegotiated.
type MatchState struct {
	Party1         string
	Party2         string
	SwapMethod     string
	MeetupLocation string
	PaymentSplit   string
	DetailsLocked  bool
	Terminal       bool
	FeeComputed    bool
	// Frozen is true while a help case is open on the match; it blocks
	// every negotiation mutation.
	Frozen bool
	// PaymentsCaptured is true when every required payment share is
	// captured. Only consulted for assisted swaps: scheduling is checked
	// at propose time here and re-checked by Apply at accept time.
	PaymentsCaptured bool
}

// IsParty reports whether userID is one of the two parties.
func (ms *MatchState) IsParty(userID string) bool {
	return userID == ms.Party1 || userID == ms.Party2
}

// OtherParty returns the counterparty of userID.
func (ms *MatchState) OtherParty(userID string) string {
	if userID == ms.Party1 {
		return ms.Party2
	}
	return ms.Party1
}

// MatchGateway is the negotiation side of the match service. Apply writes
// an accepted value onto the match; for scheduled_time it also re-checks
// payment completeness and locks the details.
type MatchGateway interface {
	State(ctx context.Context, matchID string) (*MatchState, error)
	Apply(ctx context.Context, matchID string, attr AttributeType, value string) error
}

// NoteWriter posts system messages into the match chat.
type NoteWriter interface {
	AddSystemNote(ctx context.Context, matchID, body string) error
}

// Store persists negotiation offers.
type Store interface {
	CreateOffer(ctx context.Context, o *Offer) error
	GetOffer(ctx context.Context, id string) (*Offer, error)
	UpdateOffer(ctx context.Context, o *Offer) error
	// GetPendingOffer returns the single pending offer for a match+attribute,
	// or ErrOfferNotFound.
	GetPendingOffer(ctx context.Context, matchID string, attr AttributeType) (*Offer, error)
	ListOffersByMatch(ctx context.Context, matchID string, limit int) ([]*Offer, error)
	// ListStalePending returns pending offers created before the cutoff.
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*Offer, error)
}

func generateOfferID() string { return idgen.WithPrefix("off_") }
