// Package match owns the swap match lifecycle: match creation from an
// accepted like, item reservation, delivery-leg planning and courier
// assignment, and the completion cascade.
//
// Flow:
//  1. An item owner accepts an incoming like and picks one of the liker's
//     items; match + chat are created and both items reserved, atomically.
//  2. Negotiation fixes swap method, location/split, and scheduled time.
//  3. For assisted delivery, both parties file addresses; two symmetric
//     delivery legs are priced and upserted.
//  4. A courier claims both legs atomically, then advances each leg
//     accepted → in_progress → completed.
//  5. When the last leg completes, the match completes and items become
//     swapped.
package match

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/swaploop/internal/geo"
	"github.com/mbd888/swaploop/internal/idgen"
)

var (
	ErrMatchNotFound    = errors.New("match not found")
	ErrLikeNotFound     = errors.New("like not found")
	ErrItemNotFound     = errors.New("item not found")
	ErrLegNotFound      = errors.New("delivery leg not found")
	ErrCourierNotFound  = errors.New("courier profile not found")
	ErrNotParticipant   = errors.New("actor is not a party to this match")
	ErrNotItemOwner     = errors.New("actor does not own the liked item")
	ErrItemUnavailable  = errors.New("selected item is not available for swap")
	ErrWrongItemOwner   = errors.New("selected item does not belong to the liker")
	ErrMatchLocked      = errors.New("match details are locked")
	ErrInvalidStatus    = errors.New("invalid status for this operation")
	ErrAddressesMissing = errors.New("both delivery addresses are required")
	ErrLegsClaimed      = errors.New("delivery legs already claimed")
	ErrJobTaken         = errors.New("job no longer available")
	ErrNotAssignee      = errors.New("leg is assigned to a different courier")
	ErrCourierNotReady  = errors.New("courier profile is missing home location or radius")
	ErrOutsideRadius    = errors.New("pickup point is outside courier service radius")
	ErrNotAvailable     = errors.New("no availability window covers the scheduled time")
	ErrSelfSwap         = errors.New("courier is a party to this swap")
	ErrFeeNotComputed   = errors.New("delivery fee has not been computed")
)

// Status represents the state of a match.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAgreed    Status = "agreed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// SwapMethod is how the two parties exchange items.
type SwapMethod string

const (
	MethodMeetup   SwapMethod = "meetup"
	MethodAssisted SwapMethod = "assisted"
)

// ParseSwapMethod validates a wire value.
func ParseSwapMethod(s string) (SwapMethod, bool) {
	switch SwapMethod(s) {
	case MethodMeetup, MethodAssisted:
		return SwapMethod(s), true
	}
	return "", false
}

// PaymentSplit is how the assisted-delivery fee is divided.
type PaymentSplit string

const (
	SplitEvenly    PaymentSplit = "split_evenly"
	SplitParty1All PaymentSplit = "party1_pays_all"
	SplitParty2All PaymentSplit = "party2_pays_all"
)

// ParsePaymentSplit validates a wire value.
func ParsePaymentSplit(s string) (PaymentSplit, bool) {
	switch PaymentSplit(s) {
	case SplitEvenly, SplitParty1All, SplitParty2All:
		return PaymentSplit(s), true
	}
	return "", false
}

// Match pairs two parties and their offered items for one exchange.
// Party1 is the liker, Party2 the owner of the liked item.
type Match struct {
	ID             string       `json:"id"`
	Party1         string       `json:"party1"`
	Party2         string       `json:"party2"`
	Item1ID        string       `json:"item1Id"`
	Item2ID        string       `json:"item2Id"`
	ChatID         string       `json:"chatId"`
	Status         Status       `json:"status"`
	SwapMethod     SwapMethod   `json:"swapMethod,omitempty"`
	MeetupLocation string       `json:"meetupLocation,omitempty"`
	PaymentSplit   PaymentSplit `json:"paymentSplit,omitempty"`
	ScheduledTime  *time.Time   `json:"scheduledTime,omitempty"`
	DetailsLocked  bool         `json:"detailsLocked"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// IsParty reports whether userID is one of the two match parties.
func (m *Match) IsParty(userID string) bool {
	return userID == m.Party1 || userID == m.Party2
}

// OtherParty returns the counterparty of userID.
func (m *Match) OtherParty(userID string) string {
	if userID == m.Party1 {
		return m.Party2
	}
	return m.Party1
}

// IsTerminal returns true if the match is in a final state.
func (m *Match) IsTerminal() bool {
	return m.Status == StatusCompleted || m.Status == StatusCancelled
}

// ItemStatus is the reservation state of a listed item.
type ItemStatus string

const (
	ItemAvailable ItemStatus = "available"
	ItemReserved  ItemStatus = "reserved"
	ItemSwapped   ItemStatus = "swapped"
)

// Item is the slice of the catalog this service owns: reservation state only.
type Item struct {
	ID      string     `json:"id"`
	OwnerID string     `json:"ownerId"`
	ForSwap bool       `json:"forSwap"`
	Status  ItemStatus `json:"status"`
}

// Like is an incoming interest in an item, consumed when a match forms.
type Like struct {
	ID          string    `json:"id"`
	LikerID     string    `json:"likerId"`
	LikedItemID string    `json:"likedItemId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// LegDirection identifies which half of the exchange a leg carries.
type LegDirection string

const (
	LegAToB LegDirection = "a_to_b" // party1's item to party2
	LegBToA LegDirection = "b_to_a" // party2's item to party1
)

// LegStatus represents the state of a delivery leg.
type LegStatus string

const (
	LegPending    LegStatus = "pending"
	LegAccepted   LegStatus = "accepted"
	LegInProgress LegStatus = "in_progress"
	LegCompleted  LegStatus = "completed"
	LegCancelled  LegStatus = "cancelled"
)

// DeliveryLeg is one directional courier job.
type DeliveryLeg struct {
	ID             string       `json:"id"`
	MatchID        string       `json:"matchId"`
	Direction      LegDirection `json:"direction"`
	PickupAddress  string       `json:"pickupAddress"`
	DropoffAddress string       `json:"dropoffAddress"`
	PickupPoint    geo.Point    `json:"pickupPoint"`
	DropoffPoint   geo.Point    `json:"dropoffPoint"`
	DistanceKm     float64      `json:"distanceKm"`
	FeeCents       int64        `json:"feeCents"`
	EarningCents   int64        `json:"earningCents"`
	Status         LegStatus    `json:"status"`
	CourierID      string       `json:"courierId,omitempty"`
	PayoutID       string       `json:"payoutId,omitempty"`
	EarningPaid    bool         `json:"earningPaid"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// DeliveryAddress is one party's pickup/dropoff address for a match.
type DeliveryAddress struct {
	MatchID   string    `json:"matchId"`
	PartyID   string    `json:"partyId"`
	Address   string    `json:"address"`
	Postal    string    `json:"postal"`
	Point     *geo.Point `json:"point,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Courier is a third-party delivery profile.
type Courier struct {
	ID       string     `json:"id"`
	Home     *geo.Point `json:"home,omitempty"`
	RadiusKm float64    `json:"radiusKm"`
	Active   bool       `json:"active"`
}

// Ready reports whether the profile can be matched against jobs.
func (c *Courier) Ready() bool {
	return c.Active && c.Home != nil && c.RadiusKm > 0
}

// AvailabilityWindow is a recurring weekly window a courier works.
// Minutes are measured from local midnight.
type AvailabilityWindow struct {
	ID          string `json:"id"`
	CourierID   string `json:"courierId"`
	Weekday     int    `json:"weekday"` // 0 = Sunday
	StartMinute int    `json:"startMinute"`
	EndMinute   int    `json:"endMinute"`
}

// Covers reports whether t falls inside the window.
func (w *AvailabilityWindow) Covers(t time.Time) bool {
	if int(t.Weekday()) != w.Weekday {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	return minute >= w.StartMinute && minute < w.EndMinute
}

// CreateBundle carries everything CreateMatch persists in one transaction.
type CreateBundle struct {
	Match  *Match
	LikeID string
	// Items to reserve (both offered items).
	ItemIDs []string
}

// Store persists matches, legs, addresses, and courier profiles.
type Store interface {
	// CreateMatchBundle atomically creates the match and its chat, reserves
	// both items, and removes the originating like.
	CreateMatchBundle(ctx context.Context, b *CreateBundle) error
	GetMatch(ctx context.Context, id string) (*Match, error)
	UpdateMatch(ctx context.Context, m *Match) error
	// ConfirmSchedule sets scheduled_time, details_locked, and status=agreed
	// only if the match is still pending/agreed and unlocked. Returns
	// ErrInvalidStatus when the conditional write affects no rows.
	ConfirmSchedule(ctx context.Context, matchID string, t time.Time) error
	// CancelCascade atomically cancels the match, cancels all non-terminal
	// legs, and releases both items back to available. Safe to re-invoke on
	// an already-cancelled match.
	CancelCascade(ctx context.Context, matchID string) error

	GetLike(ctx context.Context, id string) (*Like, error)
	GetItem(ctx context.Context, id string) (*Item, error)
	UpdateItemStatus(ctx context.Context, itemID string, status ItemStatus) error

	UpsertLeg(ctx context.Context, leg *DeliveryLeg) error
	GetLeg(ctx context.Context, id string) (*DeliveryLeg, error)
	ListLegsByMatch(ctx context.Context, matchID string) ([]*DeliveryLeg, error)
	ListPendingLegs(ctx context.Context, limit int) ([]*DeliveryLeg, error)
	ListLegsByCourier(ctx context.Context, courierID string, limit int) ([]*DeliveryLeg, error)
	// AssignLegs claims both legs of a match for a courier in a single
	// conditional write; it returns the number of legs updated (0 when the
	// claim was lost, 2 on success).
	AssignLegs(ctx context.Context, matchID, courierID string) (int64, error)
	// AdvanceLeg moves one leg from exactly the given predecessor status,
	// for the assigned courier only. Returns the number of rows updated.
	AdvanceLeg(ctx context.Context, legID, courierID string, from, to LegStatus) (int64, error)
	CountActiveLegsByCourier(ctx context.Context, courierID string) (int, error)
	ListCompletedUnpaidLegs(ctx context.Context, courierID string) ([]*DeliveryLeg, error)
	TagLegsForPayout(ctx context.Context, legIDs []string, payoutID string) error
	DetagPayout(ctx context.Context, payoutID string) error
	// MarkEarningsPaid flags legs tagged to a payout as paid exactly once;
	// returns the number of legs newly flagged.
	MarkEarningsPaid(ctx context.Context, payoutID string) (int64, error)

	SetAddress(ctx context.Context, a *DeliveryAddress) error
	ListAddresses(ctx context.Context, matchID string) ([]*DeliveryAddress, error)

	GetCourier(ctx context.Context, id string) (*Courier, error)
	UpsertCourier(ctx context.Context, c *Courier) error
	AddAvailability(ctx context.Context, w *AvailabilityWindow) error
	ListAvailability(ctx context.Context, courierID string) ([]*AvailabilityWindow, error)

	AddSystemNote(ctx context.Context, matchID, body string) error
}

func generateMatchID() string  { return idgen.WithPrefix("mat_") }
func generateLegID() string    { return idgen.WithPrefix("leg_") }
func generateChatID() string   { return idgen.WithPrefix("cht_") }
func generateWindowID() string { return idgen.WithPrefix("avw_") }
