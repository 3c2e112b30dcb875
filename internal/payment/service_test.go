package payment

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/swaploop/internal/match"
	"github.com/mbd888/swaploop/internal/notify"
)

// fakeMatches serves a single mutable match with a fixed fee total.
type fakeMatches struct {
	mu    sync.Mutex
	m     match.Match
	total int64
}

func (f *fakeMatches) GetMatch(_ context.Context, id string) (*match.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.m.ID {
		return nil, match.ErrMatchNotFound
	}
	cp := f.m
	return &cp, nil
}

func (f *fakeMatches) FeeTotalCents(_ context.Context, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total, nil
}

func (f *fakeMatches) setSplit(s match.PaymentSplit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m.PaymentSplit = s
}

func (f *fakeMatches) setTotal(t int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total = t
}

type activeDispute bool

func (d activeDispute) HasActiveCase(_ context.Context, _ string) (bool, error) {
	return bool(d), nil
}

const (
	testMatchID = "mat_pay"
	payer1      = "user_alice"
	payer2      = "user_bob"
)

func newPaymentService(t *testing.T) (*Service, *fakeMatches, *SimulatedProvider, *notify.Recorder) {
	t.Helper()
	matches := &fakeMatches{
		m: match.Match{
			ID:           testMatchID,
			Party1:       payer1,
			Party2:       payer2,
			Status:       match.StatusPending,
			SwapMethod:   match.MethodAssisted,
			PaymentSplit: match.SplitEvenly,
		},
		total: 700,
	}
	provider := NewSimulatedProvider()
	recorder := &notify.Recorder{}
	svc := NewService(NewMemoryStore(), matches, provider, recorder, "test-secret")
	return svc, matches, provider, recorder
}

// lastCode pulls the one-time code out of the most recent notification.
func lastCode(t *testing.T, recorder *notify.Recorder) string {
	t.Helper()
	sent := recorder.Sent()
	require.NotEmpty(t, sent)
	fields := strings.Fields(sent[len(sent)-1].Body)
	require.Greater(t, len(fields), 2)
	return fields[2]
}

func verifyAndCapture(t *testing.T, svc *Service, recorder *notify.Recorder, payerID string) *Payment {
	t.Helper()
	ctx := context.Background()
	_, err := svc.CreateIntent(ctx, testMatchID, payerID)
	require.NoError(t, err)
	require.NoError(t, svc.SendStepUp(ctx, testMatchID, payerID))
	require.NoError(t, svc.VerifyStepUp(ctx, testMatchID, payerID, lastCode(t, recorder)))
	p, err := svc.Capture(ctx, testMatchID, payerID)
	require.NoError(t, err)
	return p
}

func TestComputeSplit(t *testing.T) {
	tests := []struct {
		name   string
		total  int64
		split  match.PaymentSplit
		want1  int64
		want2  int64
		getErr bool
	}{
		{"even total splits evenly", 700, match.SplitEvenly, 350, 350, false},
		{"odd cent goes to party2", 701, match.SplitEvenly, 350, 351, false},
		{"one cent", 1, match.SplitEvenly, 0, 1, false},
		{"party1 pays all", 700, match.SplitParty1All, 700, 0, false},
		{"party2 pays all", 700, match.SplitParty2All, 0, 700, false},
		{"unset split", 700, "", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p1, p2, err := ComputeSplit(tt.total, tt.split)
			if tt.getErr {
				assert.ErrorIs(t, err, ErrSplitNotSet)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want1, p1)
			assert.Equal(t, tt.want2, p2)
			assert.Equal(t, tt.total, p1+p2)
		})
	}
}

func TestCaptureFlow(t *testing.T) {
	svc, _, _, recorder := newPaymentService(t)

	p := verifyAndCapture(t, svc, recorder, payer1)
	assert.Equal(t, StatusCaptured, p.Status)
	assert.Equal(t, int64(350), p.AmountCents)
	assert.NotEmpty(t, p.CaptureID)
	require.NotNil(t, p.CapturedAt)

	// Re-capture returns the cached success without a second charge.
	again, err := svc.Capture(context.Background(), testMatchID, payer1)
	require.NoError(t, err)
	assert.Equal(t, p.CaptureID, again.CaptureID)
}

func TestCaptureRequiresIntent(t *testing.T) {
	svc, _, _, _ := newPaymentService(t)

	_, err := svc.Capture(context.Background(), testMatchID, payer1)
	assert.ErrorIs(t, err, ErrIntentRequired)
}

func TestCaptureRequiresStepUp(t *testing.T) {
	svc, _, _, _ := newPaymentService(t)
	ctx := context.Background()

	_, err := svc.CreateIntent(ctx, testMatchID, payer1)
	require.NoError(t, err)

	_, err = svc.Capture(ctx, testMatchID, payer1)
	assert.ErrorIs(t, err, ErrStepUpRequired)
}

func TestVerifyStepUpWrongCode(t *testing.T) {
	svc, _, _, _ := newPaymentService(t)
	ctx := context.Background()

	require.NoError(t, svc.SendStepUp(ctx, testMatchID, payer1))

	err := svc.VerifyStepUp(ctx, testMatchID, payer1, "000000")
	assert.ErrorIs(t, err, ErrStepUpInvalid)

	step, err := svc.store.GetStepUp(ctx, testMatchID, payer1)
	require.NoError(t, err)
	assert.Equal(t, 1, step.Attempts)
	assert.Nil(t, step.VerifiedAt)
}

func TestVerifyStepUpAttemptCeiling(t *testing.T) {
	svc, _, _, recorder := newPaymentService(t)
	ctx := context.Background()

	require.NoError(t, svc.SendStepUp(ctx, testMatchID, payer1))
	code := lastCode(t, recorder)

	for i := 0; i < maxStepUpAttempts; i++ {
		assert.ErrorIs(t, svc.VerifyStepUp(ctx, testMatchID, payer1, "000000"), ErrStepUpInvalid)
	}

	// Even the right code fails once attempts are exhausted.
	assert.ErrorIs(t, svc.VerifyStepUp(ctx, testMatchID, payer1, code), ErrStepUpInvalid)

	// A reissued code starts with a fresh attempt budget.
	require.NoError(t, svc.SendStepUp(ctx, testMatchID, payer1))
	step, err := svc.store.GetStepUp(ctx, testMatchID, payer1)
	require.NoError(t, err)
	assert.Equal(t, 0, step.Attempts)
	assert.NoError(t, svc.VerifyStepUp(ctx, testMatchID, payer1, lastCode(t, recorder)))
}

func TestVerifyStepUpExpiry(t *testing.T) {
	svc, _, _, recorder := newPaymentService(t)
	ctx := context.Background()

	require.NoError(t, svc.SendStepUp(ctx, testMatchID, payer1))
	code := lastCode(t, recorder)

	svc.now = func() time.Time { return time.Now().Add(stepUpTTL + time.Minute) }
	err := svc.VerifyStepUp(ctx, testMatchID, payer1, code)
	assert.ErrorIs(t, err, ErrStepUpExpired)
}

func TestAmountDriftInvalidatesStepUp(t *testing.T) {
	svc, matches, _, recorder := newPaymentService(t)
	ctx := context.Background()

	_, err := svc.CreateIntent(ctx, testMatchID, payer1)
	require.NoError(t, err)
	require.NoError(t, svc.SendStepUp(ctx, testMatchID, payer1))
	require.NoError(t, svc.VerifyStepUp(ctx, testMatchID, payer1, lastCode(t, recorder)))

	// The fee changes between verification and capture.
	matches.setTotal(900)

	_, err = svc.Capture(ctx, testMatchID, payer1)
	assert.ErrorIs(t, err, ErrStepUpRequired)

	// Verification at the old amount also fails against the new share.
	require.NoError(t, svc.SendStepUp(ctx, testMatchID, payer1))
	code := lastCode(t, recorder)
	matches.setTotal(700)
	assert.ErrorIs(t, svc.VerifyStepUp(ctx, testMatchID, payer1, code), ErrStepUpInvalid)
}

func TestZeroSharePayer(t *testing.T) {
	svc, matches, _, _ := newPaymentService(t)
	ctx := context.Background()
	matches.setSplit(match.SplitParty2All)

	_, err := svc.CreateIntent(ctx, testMatchID, payer1)
	assert.ErrorIs(t, err, ErrNothingToPay)
}

func TestAllCaptured(t *testing.T) {
	svc, _, _, recorder := newPaymentService(t)
	ctx := context.Background()

	ok, err := svc.AllCaptured(ctx, testMatchID)
	require.NoError(t, err)
	assert.False(t, ok)

	verifyAndCapture(t, svc, recorder, payer1)
	ok, err = svc.AllCaptured(ctx, testMatchID)
	require.NoError(t, err)
	assert.False(t, ok)

	verifyAndCapture(t, svc, recorder, payer2)
	ok, err = svc.AllCaptured(ctx, testMatchID)
	require.NoError(t, err)
	assert.True(t, ok)

	// With one payer covering everything, only that payer gates completion.
	svc2, matches2, _, recorder2 := newPaymentService(t)
	matches2.setSplit(match.SplitParty2All)
	verifyAndCapture(t, svc2, recorder2, payer2)
	ok, err = svc2.AllCaptured(ctx, testMatchID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDisputeFreezesPayment(t *testing.T) {
	svc, _, _, _ := newPaymentService(t)
	svc.WithDisputeChecker(activeDispute(true))
	ctx := context.Background()

	_, err := svc.CreateIntent(ctx, testMatchID, payer1)
	assert.ErrorIs(t, err, ErrDisputeActive)
}

func TestProviderFailureLeavesPaymentOpen(t *testing.T) {
	svc, _, provider, recorder := newPaymentService(t)
	ctx := context.Background()

	_, err := svc.CreateIntent(ctx, testMatchID, payer1)
	require.NoError(t, err)
	require.NoError(t, svc.SendStepUp(ctx, testMatchID, payer1))
	require.NoError(t, svc.VerifyStepUp(ctx, testMatchID, payer1, lastCode(t, recorder)))

	provider.FailCapture = true
	_, err = svc.Capture(ctx, testMatchID, payer1)
	assert.ErrorIs(t, err, ErrProvider)

	p, err := svc.store.GetPaymentByPayer(ctx, testMatchID, payer1)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, p.Status)

	// The verification survives a provider failure and the retry succeeds.
	provider.FailCapture = false
	p, err = svc.Capture(ctx, testMatchID, payer1)
	require.NoError(t, err)
	assert.Equal(t, StatusCaptured, p.Status)
}
