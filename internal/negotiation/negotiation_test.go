package negotiation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway serves canned match state and records Apply calls.
type fakeGateway struct {
	state    *MatchState
	applyErr error
	applied  []appliedValue
}

type appliedValue struct {
	Attr  AttributeType
	Value string
}

func (g *fakeGateway) State(_ context.Context, _ string) (*MatchState, error) {
	cp := *g.state
	return &cp, nil
}

func (g *fakeGateway) Apply(_ context.Context, _ string, attr AttributeType, value string) error {
	if g.applyErr != nil {
		return g.applyErr
	}
	g.applied = append(g.applied, appliedValue{Attr: attr, Value: value})
	switch attr {
	case AttrSwapMethod:
		g.state.SwapMethod = value
	case AttrMeetupLocation:
		g.state.MeetupLocation = value
	case AttrPaymentSplit:
		g.state.PaymentSplit = value
	case AttrScheduledTime:
		g.state.DetailsLocked = true
	}
	return nil
}

// fakeNotes records system notes.
type fakeNotes struct {
	notes []string
}

func (n *fakeNotes) AddSystemNote(_ context.Context, _ string, body string) error {
	n.notes = append(n.notes, body)
	return nil
}

const (
	party1  = "user_alice"
	party2  = "user_bob"
	matchID = "mat_test"
)

func newNegotiationService(t *testing.T) (*Service, *fakeGateway, *fakeNotes) {
	t.Helper()
	gw := &fakeGateway{state: &MatchState{Party1: party1, Party2: party2}}
	notes := &fakeNotes{}
	return NewService(NewMemoryStore(), gw, notes), gw, notes
}

func TestProposeAndAccept(t *testing.T) {
	svc, gw, notes := newNegotiationService(t)
	ctx := context.Background()

	o, err := svc.Propose(ctx, matchID, party1, AttrSwapMethod, "assisted")
	require.NoError(t, err)
	assert.Equal(t, OfferPending, o.Status)
	assert.Equal(t, 0, o.Round)

	got, err := svc.Respond(ctx, matchID, party2, AttrSwapMethod, true)
	require.NoError(t, err)
	assert.Equal(t, OfferAccepted, got.Status)

	require.Len(t, gw.applied, 1)
	assert.Equal(t, "assisted", gw.applied[0].Value)
	assert.Equal(t, "assisted", gw.state.SwapMethod)
	assert.NotEmpty(t, notes.notes)
}

func TestProposeOutsiderRejected(t *testing.T) {
	svc, _, _ := newNegotiationService(t)

	_, err := svc.Propose(context.Background(), matchID, "user_eve", AttrSwapMethod, "meetup")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestPrerequisiteOrdering(t *testing.T) {
	svc, gw, _ := newNegotiationService(t)
	ctx := context.Background()
	future := time.Now().Add(24 * time.Hour).Format(time.RFC3339)

	// Nothing is negotiable before the swap method except the method itself.
	_, err := svc.Propose(ctx, matchID, party1, AttrScheduledTime, future)
	assert.ErrorIs(t, err, ErrSwapMethodFirst)
	_, err = svc.Propose(ctx, matchID, party1, AttrMeetupLocation, "Bishan MRT")
	assert.ErrorIs(t, err, ErrSwapMethodFirst)
	_, err = svc.Propose(ctx, matchID, party1, AttrPaymentSplit, "split_evenly")
	assert.ErrorIs(t, err, ErrSwapMethodFirst)

	// Assisted swaps have no meetup location; splits need a computed fee.
	gw.state.SwapMethod = "assisted"
	_, err = svc.Propose(ctx, matchID, party1, AttrMeetupLocation, "Bishan MRT")
	assert.ErrorIs(t, err, ErrMeetupOnly)
	_, err = svc.Propose(ctx, matchID, party1, AttrPaymentSplit, "split_evenly")
	assert.ErrorIs(t, err, ErrFeeNotComputed)

	gw.state.FeeComputed = true
	_, err = svc.Propose(ctx, matchID, party1, AttrPaymentSplit, "split_evenly")
	assert.NoError(t, err)

	// Meetup swaps have no payment split.
	gw.state.SwapMethod = "meetup"
	_, err = svc.Propose(ctx, matchID, party1, AttrPaymentSplit, "party1_pays_all")
	assert.ErrorIs(t, err, ErrAssistedOnly)
}

func TestAgreedAttributesCannotBeReopened(t *testing.T) {
	svc, gw, _ := newNegotiationService(t)
	ctx := context.Background()

	// An accepted swap method closes that thread for good.
	_, err := svc.Propose(ctx, matchID, party1, AttrSwapMethod, "meetup")
	require.NoError(t, err)
	_, err = svc.Respond(ctx, matchID, party2, AttrSwapMethod, true)
	require.NoError(t, err)
	_, err = svc.Propose(ctx, matchID, party1, AttrSwapMethod, "assisted")
	assert.ErrorIs(t, err, ErrAlreadyAgreed)

	// Same for an agreed meetup location.
	gw.state.MeetupLocation = "Bishan MRT"
	_, err = svc.Propose(ctx, matchID, party2, AttrMeetupLocation, "Orchard MRT")
	assert.ErrorIs(t, err, ErrAlreadyAgreed)

	// And for an agreed payment split.
	gw.state.SwapMethod = "assisted"
	gw.state.MeetupLocation = ""
	gw.state.FeeComputed = true
	gw.state.PaymentSplit = "split_evenly"
	_, err = svc.Propose(ctx, matchID, party1, AttrPaymentSplit, "party1_pays_all")
	assert.ErrorIs(t, err, ErrAlreadyAgreed)
	_, err = svc.Counter(ctx, matchID, party1, AttrPaymentSplit, "party1_pays_all")
	assert.ErrorIs(t, err, ErrAlreadyAgreed)
}

func TestInvalidValues(t *testing.T) {
	svc, _, _ := newNegotiationService(t)
	ctx := context.Background()

	_, err := svc.Propose(ctx, matchID, party1, AttrSwapMethod, "teleport")
	assert.ErrorIs(t, err, ErrInvalidValue)

	past := time.Now().Add(-time.Hour).Format(time.RFC3339)
	_, err = svc.Propose(ctx, matchID, party1, AttrScheduledTime, past)
	assert.ErrorIs(t, err, ErrPastTime)

	_, err = svc.Propose(ctx, matchID, party1, AttrScheduledTime, "tomorrow-ish")
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestReproposeOverwritesInPlace(t *testing.T) {
	svc, _, _ := newNegotiationService(t)
	ctx := context.Background()

	first, err := svc.Propose(ctx, matchID, party1, AttrSwapMethod, "meetup")
	require.NoError(t, err)

	second, err := svc.Propose(ctx, matchID, party1, AttrSwapMethod, "assisted")
	require.NoError(t, err)

	// Same offer, new value; no second thread opened.
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "assisted", second.Value)

	offers, err := svc.History(ctx, matchID, party1, 50)
	require.NoError(t, err)
	assert.Len(t, offers, 1)
}

func TestCounterpartyCannotProposeOverPending(t *testing.T) {
	svc, _, _ := newNegotiationService(t)
	ctx := context.Background()

	_, err := svc.Propose(ctx, matchID, party1, AttrSwapMethod, "meetup")
	require.NoError(t, err)

	_, err = svc.Propose(ctx, matchID, party2, AttrSwapMethod, "assisted")
	assert.ErrorIs(t, err, ErrPendingOffer)
}

func TestCounterFlow(t *testing.T) {
	svc, gw, _ := newNegotiationService(t)
	ctx := context.Background()

	original, err := svc.Propose(ctx, matchID, party1, AttrSwapMethod, "meetup")
	require.NoError(t, err)

	counter, err := svc.Counter(ctx, matchID, party2, AttrSwapMethod, "assisted")
	require.NoError(t, err)
	assert.Equal(t, 1, counter.Round)
	assert.Equal(t, original.ID, counter.ParentID)

	got, err := svc.store.GetOffer(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, OfferCountered, got.Status)

	// No counter to a counter.
	_, err = svc.Counter(ctx, matchID, party1, AttrSwapMethod, "meetup")
	assert.ErrorIs(t, err, ErrMaxRounds)

	// The original proposer accepts the counter.
	accepted, err := svc.Respond(ctx, matchID, party1, AttrSwapMethod, true)
	require.NoError(t, err)
	assert.Equal(t, counter.ID, accepted.ID)
	assert.Equal(t, "assisted", gw.state.SwapMethod)
}

func TestReproposeOverCounterCancelsIt(t *testing.T) {
	svc, _, _ := newNegotiationService(t)
	ctx := context.Background()

	_, err := svc.Propose(ctx, matchID, party1, AttrSwapMethod, "meetup")
	require.NoError(t, err)
	counter, err := svc.Counter(ctx, matchID, party2, AttrSwapMethod, "assisted")
	require.NoError(t, err)

	fresh, err := svc.Propose(ctx, matchID, party1, AttrSwapMethod, "meetup")
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.Round)
	assert.Equal(t, OfferPending, fresh.Status)

	got, err := svc.store.GetOffer(ctx, counter.ID)
	require.NoError(t, err)
	assert.Equal(t, OfferCancelled, got.Status)
}

func TestRespondRules(t *testing.T) {
	svc, gw, _ := newNegotiationService(t)
	ctx := context.Background()

	_, err := svc.Respond(ctx, matchID, party2, AttrSwapMethod, true)
	assert.ErrorIs(t, err, ErrOfferNotFound)

	_, err = svc.Propose(ctx, matchID, party1, AttrSwapMethod, "meetup")
	require.NoError(t, err)

	_, err = svc.Respond(ctx, matchID, party1, AttrSwapMethod, true)
	assert.ErrorIs(t, err, ErrSelfResponse)

	// A failed apply leaves the offer pending.
	gw.applyErr = assert.AnError
	_, err = svc.Respond(ctx, matchID, party2, AttrSwapMethod, true)
	require.Error(t, err)

	pending, err := svc.store.GetPendingOffer(ctx, matchID, AttrSwapMethod)
	require.NoError(t, err)
	assert.Equal(t, OfferPending, pending.Status)

	gw.applyErr = nil
	_, err = svc.Respond(ctx, matchID, party2, AttrSwapMethod, true)
	require.NoError(t, err)
}

func TestRejectReopensAttribute(t *testing.T) {
	svc, _, _ := newNegotiationService(t)
	ctx := context.Background()

	_, err := svc.Propose(ctx, matchID, party1, AttrSwapMethod, "meetup")
	require.NoError(t, err)

	rejected, err := svc.Respond(ctx, matchID, party2, AttrSwapMethod, false)
	require.NoError(t, err)
	assert.Equal(t, OfferRejected, rejected.Status)

	// Either party may propose again.
	_, err = svc.Propose(ctx, matchID, party2, AttrSwapMethod, "assisted")
	assert.NoError(t, err)
}

func TestLockedMatchFreezesNegotiation(t *testing.T) {
	svc, gw, _ := newNegotiationService(t)
	ctx := context.Background()
	gw.state.DetailsLocked = true

	_, err := svc.Propose(ctx, matchID, party1, AttrSwapMethod, "meetup")
	assert.ErrorIs(t, err, ErrMatchLocked)

	gw.state.DetailsLocked = false
	gw.state.Terminal = true
	_, err = svc.Propose(ctx, matchID, party1, AttrSwapMethod, "meetup")
	assert.ErrorIs(t, err, ErrMatchTerminal)

	gw.state.Terminal = false
	gw.state.Frozen = true
	_, err = svc.Propose(ctx, matchID, party1, AttrSwapMethod, "meetup")
	assert.ErrorIs(t, err, ErrMatchFrozen)
	_, err = svc.Respond(ctx, matchID, party2, AttrSwapMethod, true)
	assert.ErrorIs(t, err, ErrMatchFrozen)
}

func TestAssistedSchedulingNeedsCapturedPayments(t *testing.T) {
	svc, gw, _ := newNegotiationService(t)
	ctx := context.Background()
	gw.state.SwapMethod = "assisted"
	future := time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339)

	_, err := svc.Propose(ctx, matchID, party1, AttrScheduledTime, future)
	assert.ErrorIs(t, err, ErrPaymentsPending)

	gw.state.PaymentsCaptured = true
	_, err = svc.Propose(ctx, matchID, party1, AttrScheduledTime, future)
	assert.NoError(t, err)
}

func TestScheduledTimeAcceptLocksDetails(t *testing.T) {
	svc, gw, _ := newNegotiationService(t)
	ctx := context.Background()
	gw.state.SwapMethod = "meetup"

	future := time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339)
	_, err := svc.Propose(ctx, matchID, party1, AttrScheduledTime, future)
	require.NoError(t, err)

	_, err = svc.Respond(ctx, matchID, party2, AttrScheduledTime, true)
	require.NoError(t, err)
	assert.True(t, gw.state.DetailsLocked)

	// Everything is frozen afterwards.
	_, err = svc.Propose(ctx, matchID, party1, AttrMeetupLocation, "Bishan MRT")
	assert.ErrorIs(t, err, ErrMatchLocked)
}

func TestCancelledContextSkipsLock(t *testing.T) {
	svc, _, _ := newNegotiationService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Propose(ctx, matchID, party1, AttrSwapMethod, "meetup")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExpireStale(t *testing.T) {
	svc, _, _ := newNegotiationService(t)
	ctx := context.Background()

	o, err := svc.Propose(ctx, matchID, party1, AttrSwapMethod, "meetup")
	require.NoError(t, err)

	// Nothing is stale yet.
	n, err := svc.ExpireStale(ctx, time.Hour, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = svc.ExpireStale(ctx, time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.store.GetOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, OfferCancelled, got.Status)
}
